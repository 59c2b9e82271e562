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

/*
automigrate prepares a PostgreSQL database for sensor-to-postgresql.

It reads the same configuration file as the service, creates the sensors and
records tables and one table per configured quantity, then registers every
name passed with --sensor:

	automigrate --config /etc/sensor-to-postgresql/config.yaml --sensor kitchen --sensor garage
*/
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal/config"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal/logger"
	"go.uber.org/zap"
)

const (
	exitOK                = 0
	exitUsage             = 2
	exitConfigUnreadable  = 100
	exitConfigUnparsable  = 101
	exitConfigInvalid     = 102
	exitLoggerUnavailable = 110
	exitDatabase          = 202
)

var buildVersion = "dev"

// openDB is replaced in tests.
var openDB = SetupDB

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	flags := pflag.NewFlagSet("automigrate", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "/etc/sensor-to-postgresql/config.yaml", "path of the YAML configuration file")
	sensors := flags.StringSlice("sensor", nil, "sensor name to register, may be repeated")
	skipTables := flags.Bool("skip-tables", false, "only register sensors")
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

	cfg, err := config.LoadDatabase(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s\n", err)
		switch {
		case errors.Is(err, config.ErrUnreadable):
			return exitConfigUnreadable
		case errors.Is(err, config.ErrUnparsable):
			return exitConfigUnparsable
		default:
			return exitConfigInvalid
		}
	}

	log, closeLog, err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "logger unavailable: %s\n", err)
		return exitLoggerUnavailable
	}
	defer func() { _ = closeLog() }()
	log.Infof("This is automigrate version %s", buildVersion)

	db, err := openDB(cfg.Storage.PostgreSQL)
	if err != nil {
		log.Errorf("%s", err)
		return exitDatabase
	}
	defer ShutdownDB(db, log)

	if err = migrate(db, cfg, *skipTables, *sensors, log); err != nil {
		log.Errorf("%s", err)
		return exitDatabase
	}
	return exitOK
}

func migrate(db *sql.DB, cfg *config.Config, skipTables bool, sensors []string, log *zap.SugaredLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Storage.PostgreSQL.StatementTimeout*time.Duration(len(sensors)+1))
	defer cancel()

	if !skipTables {
		if err := CreateTables(ctx, db, cfg.Schema, log); err != nil {
			return err
		}
	}
	registered, err := RegisterSensors(ctx, db, sensors, log)
	if err != nil {
		return err
	}
	log.Infof("Registered %d of %d sensors", registered, len(sensors))
	return nil
}
