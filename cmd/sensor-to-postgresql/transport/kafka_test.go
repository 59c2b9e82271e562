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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal/config"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal/testhelper"
)

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked atomic.Int32
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(_ *sarama.ConsumerMessage, _ string) { s.marked.Add(1) }

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// fakeGroup replays payloads in its first session, then fails with
// consumeErr or waits for the context.
type fakeGroup struct {
	sarama.ConsumerGroup
	payloads   [][]byte
	consumeErr error
	session    *fakeSession

	mu       sync.Mutex
	sessions int
	closed   bool
	errs     chan error
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	close(g.errs)
	return nil
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.sessions++
	first := g.sessions == 1
	g.mu.Unlock()

	if g.consumeErr != nil {
		return g.consumeErr
	}

	if err := handler.Setup(g.session); err != nil {
		return err
	}
	if first {
		claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, len(g.payloads))}
		for i, payload := range g.payloads {
			claim.messages <- &sarama.ConsumerMessage{Topic: "sensors", Offset: int64(i), Value: payload}
		}
		close(claim.messages)
		if err := handler.ConsumeClaim(g.session, claim); err != nil {
			return err
		}
	} else {
		<-ctx.Done()
	}
	return handler.Cleanup(g.session)
}

func (g *fakeGroup) sessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions
}

func newTestKafkaConsumer(t *testing.T, group *fakeGroup) (*KafkaConsumer, internal.GracefulShutdownHandler) {
	forwarder, _ := newTestForwarder(t, 10)
	return newTestKafkaConsumerWith(t, forwarder, group)
}

func newTestKafkaConsumerWith(t *testing.T, forwarder *Forwarder, group *fakeGroup) (*KafkaConsumer, internal.GracefulShutdownHandler) {
	cfg := config.Kafka{
		Brokers:    []string{"127.0.0.1:9092"},
		Topic:      "sensors",
		GroupID:    "sensor-to-postgresql",
		RetryLimit: 2,
	}
	gs := internal.NewShutdownFlag()
	group.session = &fakeSession{ctx: gs.Context()}
	group.errs = make(chan error)

	consumer := NewKafkaConsumer(cfg, time.Millisecond, forwarder, testhelper.Logger(t))
	consumer.newGroup = func(brokers []string, groupID string, _ *sarama.Config) (sarama.ConsumerGroup, error) {
		assert.Equal(t, cfg.Brokers, brokers)
		assert.Equal(t, cfg.GroupID, groupID)
		return group, nil
	}
	return consumer, gs
}

func TestKafkaConsumerForwardsAndMarks(t *testing.T) {
	forwarder, handoff := newTestForwarder(t, 10)
	group := &fakeGroup{payloads: [][]byte{[]byte(kitchenPayload), []byte("not json")}}
	consumer, gs := newTestKafkaConsumerWith(t, forwarder, group)

	result := make(chan error, 1)
	go func() { result <- consumer.Run(gs) }()

	assert.Equal(t, "kitchen", receiveRecord(t, handoff).SensorName())
	require.Eventually(t, func() bool { return group.session.marked.Load() == 2 }, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return group.sessionCount() == 2 }, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return consumer.Healthy() == nil }, 5*time.Second, time.Millisecond)

	gs.Shutdown()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	group.mu.Lock()
	assert.True(t, group.closed)
	group.mu.Unlock()
	assert.Error(t, consumer.Healthy())
	assert.Equal(t, 0, handoff.Len())
}

func TestKafkaConsumerGivesUpAfterRetryLimit(t *testing.T) {
	group := &fakeGroup{consumeErr: errors.New("broker unreachable")}
	consumer, gs := newTestKafkaConsumer(t, group)

	err := consumer.Run(gs)
	assert.ErrorIs(t, err, ErrReconnectFailed)
	assert.True(t, gs.ShuttingDown())
	assert.Equal(t, 3, group.sessionCount())
}

func TestKafkaConsumerJoinFailureIsFatal(t *testing.T) {
	consumer, gs := newTestKafkaConsumer(t, &fakeGroup{})
	consumer.newGroup = func([]string, string, *sarama.Config) (sarama.ConsumerGroup, error) {
		return nil, sarama.ErrOutOfBrokers
	}

	err := consumer.Run(gs)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	assert.True(t, gs.ShuttingDown())
}
