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
	"context"
	"errors"
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/cmd/sensor-to-postgresql/transport"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/cmd/sensor-to-postgresql/worker"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal"
	"go.uber.org/zap"
)

func InitPrometheus(address string, log *zap.SugaredLogger) *http.Server {
	metricsPath := "/metrics"
	log.Debugf("Setting up metrics %s %v", metricsPath, address)

	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.Handler())
	return serve("metrics", &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: internal.FiveSeconds}, log)
}

// InitHealthCheck serves liveness and readiness. Readiness only reads state
// published by the transport and the worker.
func InitHealthCheck(address string, listener transport.Listener, persistence *worker.Worker, cache *internal.TieredCache, withRedis bool, log *zap.SugaredLogger) *http.Server {
	log.Debugf("Setting up healthcheck on %s", address)

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	health.AddReadinessCheck("store", persistence.Healthy)
	health.AddReadinessCheck("transport", listener.Healthy)
	if withRedis {
		health.AddReadinessCheck("redis", cache.RedisAvailable)
	}
	return serve("healthcheck", &http.Server{Addr: address, Handler: health, ReadHeaderTimeout: internal.FiveSeconds}, log)
}

func serve(name string, server *http.Server, log *zap.SugaredLogger) *http.Server {
	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Error starting %s: %s", name, err)
		}
	}()
	return server
}

func stopServer(server *http.Server, log *zap.SugaredLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), internal.OneSecond)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Debugf("Failed to stop server on %s: %s", server.Addr, err)
	}
}
