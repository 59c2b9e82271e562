// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/cmd/sensor-to-postgresql/leveldb"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/cmd/sensor-to-postgresql/postgresql"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/cmd/sensor-to-postgresql/transport"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/cmd/sensor-to-postgresql/worker"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal/config"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal/logger"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/pkg/datamodel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	exitOK                   = 0
	exitUsage                = 2
	exitConfigUnreadable     = 100
	exitConfigUnparsable     = 101
	exitConfigInvalid        = 102
	exitLoggerUnavailable    = 110
	exitTransportSetup       = 201
	exitPersistenceSetup     = 202
	exitJoin                 = 301
	defaultConfigPath        = "/etc/sensor-to-postgresql/config.yaml"
	configPathEnvironmentVar = "SENSOR_TO_POSTGRESQL_CONFIG"
)

// Set with -ldflags "-X main.buildVersion=..."
var buildVersion = "dev"

var errPanic = errors.New("goroutine panicked")

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	flags := pflag.NewFlagSet("sensor-to-postgresql", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", configPathDefault(), "path of the YAML configuration file")
	logLevel := flags.String("log-level", "", "overrides logging.level (DEBUG, INFO, PRODUCTION, WARN, ERROR)")
	showVersion := flags.Bool("version", false, "print the version and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if flags.NArg() > 0 {
		_, _ = fmt.Fprintf(stderr, "unexpected arguments: %v\n", flags.Args())
		return exitUsage
	}
	if *showVersion {
		fmt.Println(buildVersion)
		return exitOK
	}
	if *logLevel != "" {
		if _, err := logger.ParseLevel(*logLevel); err != nil {
			_, _ = fmt.Fprintf(stderr, "invalid --log-level: %s\n", err)
			return exitUsage
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s\n", err)
		return configExitCode(err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log, closeLog, err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "logger unavailable: %s\n", err)
		return exitLoggerUnavailable
	}
	defer func() { _ = closeLog() }()

	log.Infow("Starting sensor-to-postgresql",
		"version", buildVersion,
		"transport", cfg.Transport.Kind,
		"storage", cfg.Storage.Kind)

	gs := internal.NewGracefulShutdown(logger.For(log, "shutdown"))
	return runPipeline(cfg, gs, log)
}

func configPathDefault() string {
	if path := os.Getenv(configPathEnvironmentVar); path != "" {
		return path
	}
	return defaultConfigPath
}

func configExitCode(err error) int {
	switch {
	case errors.Is(err, config.ErrUnreadable):
		return exitConfigUnreadable
	case errors.Is(err, config.ErrUnparsable):
		return exitConfigUnparsable
	default:
		return exitConfigInvalid
	}
}

// runPipeline runs the transport and the persistence worker until both have
// returned and maps their results to an exit code.
func runPipeline(cfg *config.Config, gs internal.GracefulShutdownHandler, log *zap.SugaredLogger) int {
	handoff := internal.NewHandoff[datamodel.Record](cfg.Storage.ChannelCapacity)
	codec := datamodel.NewCodec(cfg.Schema)

	forwarder := transport.NewForwarder(cfg.Transport.Kind, codec, handoff, logger.For(log, "forwarder"))
	listener, err := transport.New(cfg.Transport, forwarder, logger.For(log, cfg.Transport.Kind))
	if err != nil {
		log.Errorf("Failed to create transport: %s", err)
		return exitConfigInvalid
	}

	cache := internal.NewTieredCache(
		cfg.Cache.SensorTTL,
		internal.NewRedisClient(cfg.Cache.Redis.Address, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB),
		cfg.Cache.Redis.TTL,
		logger.For(log, "cache"))
	defer func() {
		if err := cache.Close(); err != nil {
			log.Warnf("Failed to close cache: %s", err)
		}
	}()

	persistence := worker.New(newStore(cfg, codec, cache, log), handoff, cfg.Storage.ReceiveTimeout, logger.For(log, "worker"))

	metrics := InitPrometheus(cfg.Observability.MetricsAddress, log)
	health := InitHealthCheck(cfg.Observability.HealthAddress, listener, persistence, cache, cfg.Cache.Redis.Address != "", log)
	defer stopServer(metrics, log)
	defer stopServer(health, log)

	var transportErr, persistenceErr error
	var g errgroup.Group
	g.Go(func() error {
		transportErr = runGuarded("transport", gs, listener.Run)
		return transportErr
	})
	g.Go(func() error {
		persistenceErr = runGuarded("persistence", gs, persistence.Run)
		return persistenceErr
	})
	_ = g.Wait()

	switch {
	case errors.Is(transportErr, errPanic), errors.Is(persistenceErr, errPanic):
		log.Errorf("Pipeline aborted: transport: %v, persistence: %v", transportErr, persistenceErr)
		return exitJoin
	case transportErr != nil:
		log.Errorf("Transport failed: %s", transportErr)
		return exitTransportSetup
	case persistenceErr != nil:
		log.Errorf("Persistence failed: %s", persistenceErr)
		return exitPersistenceSetup
	}
	log.Infof("Shutdown complete")
	return exitOK
}

func newStore(cfg *config.Config, codec *datamodel.Codec, cache *internal.TieredCache, log *zap.SugaredLogger) worker.Store {
	if cfg.Storage.Kind == config.StorageLevelDB {
		return leveldb.NewStore(cfg.Storage.LevelDB, codec, logger.For(log, "leveldb"))
	}
	return postgresql.NewConnection(cfg.Storage.PostgreSQL, cfg.Schema, cache, cfg.Cache.UnknownSensorTTL, logger.For(log, "postgresql"))
}

// runGuarded turns a panic of run into an error and triggers the shutdown, so
// the other goroutine still gets joined.
func runGuarded(name string, gs internal.GracefulShutdownHandler, run func(internal.GracefulShutdownHandler) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			gs.Shutdown()
			err = fmt.Errorf("%w: %s: %v", errPanic, name, r)
		}
	}()
	return run(gs)
}
