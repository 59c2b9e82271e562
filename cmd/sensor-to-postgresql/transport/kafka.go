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
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal/config"
	"go.uber.org/zap"
)

// KafkaConsumer forwards the messages of one topic as a member of a consumer group.
type KafkaConsumer struct {
	cfg          config.Kafka
	pollInterval time.Duration
	forwarder    *Forwarder
	log          *zap.SugaredLogger
	newGroup     func(brokers []string, groupID string, cfg *sarama.Config) (sarama.ConsumerGroup, error)

	connected atomic.Bool
}

func NewKafkaConsumer(cfg config.Kafka, pollInterval time.Duration, forwarder *Forwarder, log *zap.SugaredLogger) *KafkaConsumer {
	return &KafkaConsumer{
		cfg:          cfg,
		pollInterval: pollInterval,
		forwarder:    forwarder,
		log:          log,
		newGroup:     sarama.NewConsumerGroup,
	}
}

func (k *KafkaConsumer) Healthy() error {
	if !k.connected.Load() {
		return errors.New("kafka consumer has no active session")
	}
	return nil
}

func (k *KafkaConsumer) saramaConfig() (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	if k.cfg.ClientID != "" {
		cfg.ClientID = k.cfg.ClientID
	}
	cfg.Version = sarama.V2_8_0_0
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	if k.cfg.TLSEnable {
		tlsConfig, err := internal.NewClientTLSConfig(k.cfg.TLS)
		if err != nil {
			return nil, err
		}
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = tlsConfig
	}
	return cfg, cfg.Validate()
}

func (k *KafkaConsumer) Run(gs internal.GracefulShutdownHandler) error {
	saramaConfig, err := k.saramaConfig()
	if err != nil {
		gs.Shutdown()
		return fmt.Errorf("configuring kafka client: %w", err)
	}
	group, err := k.newGroup(k.cfg.Brokers, k.cfg.GroupID, saramaConfig)
	if err != nil {
		gs.Shutdown()
		return fmt.Errorf("joining consumer group %s: %w", k.cfg.GroupID, err)
	}
	defer func() {
		if err := group.Close(); err != nil {
			k.log.Warnf("Failed to close consumer group: %s", err)
		}
		k.log.Infof("Kafka consumer stopped")
	}()

	go func() {
		for err := range group.Errors() {
			k.log.Warnf("Consumer group error: %s", err)
		}
	}()

	handler := &consumerGroupHandler{forwarder: k.forwarder, log: k.log, connected: &k.connected}
	topics := []string{k.cfg.Topic}
	k.log.Infof("Consuming %s from %v as %s", k.cfg.Topic, k.cfg.Brokers, k.cfg.GroupID)

	failures := 0
	for !gs.ShuttingDown() {
		err = group.Consume(gs.Context(), topics, handler)
		if gs.ShuttingDown() || errors.Is(err, sarama.ErrClosedConsumerGroup) {
			break
		}
		if err == nil {
			failures = 0
			continue
		}

		failures++
		if failures > k.cfg.RetryLimit {
			gs.Shutdown()
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectFailed, failures, err)
		}
		k.log.Warnf("Consumer session failed (%d/%d): %s", failures, k.cfg.RetryLimit, err)
		internal.SleepBackedOff(int64(failures), k.pollInterval, internal.TenSeconds, gs.Done())
	}
	return nil
}

type consumerGroupHandler struct {
	forwarder *Forwarder
	log       *zap.SugaredLogger
	connected *atomic.Bool
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.connected.Store(true)
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.connected.Store(false)
	return nil
}

// ConsumeClaim marks every message once it was forwarded or discarded.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.forwarder.Forward(msg.Value, session.Context().Done())
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
