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

// Package transport receives sensor payloads over TLS, UDP, MQTT or Kafka and
// forwards the decoded records to the persistence worker.
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal/config"
	"go.uber.org/zap"
)

var (
	ErrNotReady        = errors.New("transport not ready")
	ErrReconnectFailed = errors.New("reconnect failed")
)

// Listener receives payloads until a shutdown is triggered. A setup failure
// triggers the shutdown itself and is returned from Run.
type Listener interface {
	Run(gs internal.GracefulShutdownHandler) error
	// Healthy is used as readiness check.
	Healthy() error
}

// New builds the listener selected by cfg.Kind.
func New(cfg config.Transport, forwarder *Forwarder, log *zap.SugaredLogger) (Listener, error) {
	switch cfg.Kind {
	case config.TransportTLS:
		return NewTLSListener(cfg.TLS, cfg.PollInterval, cfg.ReadBufferSize, forwarder, log), nil
	case config.TransportUDP:
		return NewUDPListener(cfg.UDP, cfg.PollInterval, cfg.ReadBufferSize, forwarder, log), nil
	case config.TransportMQTT:
		return NewMQTTSubscriber(cfg.MQTT, cfg.PollInterval, forwarder, log), nil
	case config.TransportKafka:
		return NewKafkaConsumer(cfg.Kafka, cfg.PollInterval, forwarder, log), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Kind)
	}
}

// isTimeout reports whether err is an expired deadline, the only would-block
// condition of the socket loops.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
