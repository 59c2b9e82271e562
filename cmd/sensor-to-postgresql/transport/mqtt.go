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

package transport

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal/config"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

var (
	mqttConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensortopostgresql_mqtt_up",
			Help: "Connection with MQTT broker",
		},
	)
	mqttRetainedSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensortopostgresql_mqtt_retained_skipped_total",
			Help: "The total number of retained MQTT messages that were ignored",
		},
	)
)

var ErrConnectTimeout = errors.New("timed out waiting for broker")

// mqttClient is the part of MQTT.Client the subscriber uses.
type mqttClient interface {
	Connect() MQTT.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback MQTT.MessageHandler) MQTT.Token
}

// MQTTSubscriber forwards live messages of one topic. Retained messages are ignored.
type MQTTSubscriber struct {
	cfg          config.MQTT
	pollInterval time.Duration
	forwarder    *Forwarder
	log          *zap.SugaredLogger
	newClient    func(opts *MQTT.ClientOptions) mqttClient

	messages  chan MQTT.Message
	lost      chan error
	done      <-chan struct{}
	connected atomic.Bool
}

func NewMQTTSubscriber(cfg config.MQTT, pollInterval time.Duration, forwarder *Forwarder, log *zap.SugaredLogger) *MQTTSubscriber {
	return &MQTTSubscriber{
		cfg:          cfg,
		pollInterval: pollInterval,
		forwarder:    forwarder,
		log:          log,
		newClient: func(opts *MQTT.ClientOptions) mqttClient {
			return MQTT.NewClient(opts)
		},
		messages: make(chan MQTT.Message, cfg.Buffer),
		lost:     make(chan error, 1),
	}
}

func (s *MQTTSubscriber) Healthy() error {
	if !s.connected.Load() {
		return errors.New("mqtt is not connected")
	}
	return nil
}

func (s *MQTTSubscriber) Run(gs internal.GracefulShutdownHandler) error {
	s.done = gs.Done()

	opts, err := s.clientOptions()
	if err != nil {
		gs.Shutdown()
		return fmt.Errorf("configuring MQTT client: %w", err)
	}
	client := s.newClient(opts)

	if err = s.connect(client); err != nil {
		gs.Shutdown()
		return fmt.Errorf("connecting to MQTT broker: %w", err)
	}
	defer func() {
		s.setConnected(false)
		client.Disconnect(250)
		s.log.Infof("MQTT subscriber stopped")
	}()
	s.log.Infof("Subscribed to %s on %s:%d", s.cfg.Topic, s.cfg.Address, s.cfg.Port)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for !gs.ShuttingDown() {
		select {
		case msg := <-s.messages:
			s.handle(msg)
		case err = <-s.lost:
			s.setConnected(false)
			s.log.Warnf("Connection to MQTT broker lost: %s", err)
			if err = s.reconnect(client, gs); err != nil {
				gs.Shutdown()
				return err
			}
		case <-ticker.C:
		case <-gs.Done():
		}
	}
	return nil
}

func (s *MQTTSubscriber) clientOptions() (*MQTT.ClientOptions, error) {
	scheme := "tcp"
	opts := MQTT.NewClientOptions()
	if s.cfg.TLSEnable {
		scheme = "ssl"
		tlsConfig, err := internal.NewClientTLSConfig(s.cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, s.cfg.Address, s.cfg.Port))

	clientID := s.cfg.ClientID
	if clientID == "" {
		clientID = defaultClientID()
	}
	opts.SetClientID(clientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	// Reconnects are bounded by reconnect_attempts, not by the library.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		select {
		case s.lost <- err:
		default:
		}
	})
	return opts, nil
}

// defaultClientID is stable per host, so a restarted instance replaces its own session.
func defaultClientID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	hasher := sha3.New256()
	_, _ = hasher.Write([]byte(hostname))
	return "sensor-to-postgresql-" + hex.EncodeToString(hasher.Sum(nil))[:12]
}

func (s *MQTTSubscriber) connect(client mqttClient) error {
	token := client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return ErrConnectTimeout
	}
	if err := token.Error(); err != nil {
		return err
	}

	token = client.Subscribe(s.cfg.Topic, byte(s.cfg.QoS), s.onMessage)
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("subscribing to %s: %w", s.cfg.Topic, ErrConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.cfg.Topic, err)
	}

	s.setConnected(true)
	return nil
}

func (s *MQTTSubscriber) reconnect(client mqttClient, gs internal.GracefulShutdownHandler) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		if !internal.SleepBackedOff(int64(attempt), s.pollInterval, internal.TenSeconds, gs.Done()) {
			return nil
		}
		if lastErr = s.connect(client); lastErr == nil {
			s.log.Infof("Reconnected to MQTT broker after %d attempts", attempt)
			return nil
		}
		s.log.Warnf("Reconnect attempt %d/%d failed: %s", attempt, s.cfg.ReconnectAttempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrReconnectFailed, s.cfg.ReconnectAttempts, lastErr)
}

func (s *MQTTSubscriber) setConnected(connected bool) {
	s.connected.Store(connected)
	if connected {
		mqttConnected.Set(1)
	} else {
		mqttConnected.Set(0)
	}
}

// onMessage runs on the client's goroutine and only queues the message.
func (s *MQTTSubscriber) onMessage(_ MQTT.Client, msg MQTT.Message) {
	select {
	case s.messages <- msg:
	case <-s.done:
	}
}

func (s *MQTTSubscriber) handle(msg MQTT.Message) {
	if msg.Retained() {
		mqttRetainedSkipped.Inc()
		s.log.Debugf("Ignoring retained message on %s", msg.Topic())
		return
	}
	s.forwarder.Forward(msg.Payload(), s.done)
}
