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

// Package worker drains the hand-off into a store on a single goroutine.
package worker

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/pkg/datamodel"
	"go.uber.org/zap"
)

var (
	recordsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensortopostgresql_records_persisted_total",
			Help: "The total number of records handled by the persistence worker, by outcome",
		},
		[]string{"outcome"},
	)
	queueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensortopostgresql_handoff_queue_length",
			Help: "Records waiting for the persistence worker",
		},
	)
)

var ErrNotConnected = errors.New("store is not connected")

// Store persists records. Implementations are only used from the worker goroutine.
type Store interface {
	Connect() error
	Persist(record datamodel.Record) (internal.WriteReport, error)
	Close() error
	// Healthy must only read state and be safe to call from any goroutine.
	Healthy() error
}

type Worker struct {
	store          Store
	handoff        *internal.Handoff[datamodel.Record]
	receiveTimeout time.Duration
	log            *zap.SugaredLogger

	connected atomic.Bool
	persisted atomic.Uint64
	discarded atomic.Uint64
}

func New(store Store, handoff *internal.Handoff[datamodel.Record], receiveTimeout time.Duration, log *zap.SugaredLogger) *Worker {
	return &Worker{
		store:          store,
		handoff:        handoff,
		receiveTimeout: receiveTimeout,
		log:            log,
	}
}

// Healthy reports the state published by the worker and the store. Neither
// issues a statement.
func (w *Worker) Healthy() error {
	if !w.connected.Load() {
		return ErrNotConnected
	}
	return w.store.Healthy()
}

// Run connects the store and persists records until a shutdown is triggered.
// A connect failure triggers the shutdown and is returned.
func (w *Worker) Run(gs internal.GracefulShutdownHandler) error {
	defer w.handoff.CloseConsumer()

	if err := w.store.Connect(); err != nil {
		gs.Shutdown()
		return fmt.Errorf("connecting store: %w", err)
	}
	w.connected.Store(true)
	w.log.Infof("Persistence worker started")

	for !gs.ShuttingDown() {
		record, ok := w.handoff.Receive(w.receiveTimeout)
		queueLength.Set(float64(w.handoff.Len()))
		if !ok {
			continue
		}
		w.persist(record)
	}

	w.connected.Store(false)
	if queued := w.handoff.Len(); queued > 0 {
		w.log.Warnf("Dropping %d queued records on shutdown", queued)
	}
	if err := w.store.Close(); err != nil {
		w.log.Warnf("Failed to close store: %s", err)
	}
	w.log.Infof("Persistence worker stopped after %d records (%d discarded)", w.persisted.Load(), w.discarded.Load())
	return nil
}

func (w *Worker) persist(record datamodel.Record) {
	report, err := w.store.Persist(record)
	if err != nil {
		w.discarded.Add(1)
		recordsPersisted.WithLabelValues(internal.OutcomeDiscarded).Inc()
		w.log.Warnf("Discarding record of %s at %s: %s", record.SensorName(), record.Timestamp().Format(time.RFC3339), err)
		return
	}

	w.persisted.Add(1)
	outcome := report.Outcome()
	recordsPersisted.WithLabelValues(outcome).Inc()
	if outcome == internal.OutcomePartial {
		w.log.Warnf("Record of %s persisted without %v", record.SensorName(), report.FailedQuantities)
		return
	}
	w.log.Debugf("Persisted record of %s with %d quantities", record.SensorName(), report.Attempted)
}
