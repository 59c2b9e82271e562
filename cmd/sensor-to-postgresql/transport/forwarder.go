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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/pkg/datamodel"
	"go.uber.org/zap"
)

var (
	messagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensortopostgresql_messages_received_total",
			Help: "The total number of payloads received, per transport",
		},
		[]string{"transport"},
	)
	messagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensortopostgresql_messages_rejected_total",
			Help: "The total number of payloads that could not be decoded",
		},
		[]string{"transport", "reason"},
	)
	recordsForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensortopostgresql_records_forwarded_total",
			Help: "The total number of records handed to the persistence worker",
		},
		[]string{"transport"},
	)
	recordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensortopostgresql_records_dropped_total",
			Help: "The total number of decoded records that could not be handed off",
		},
		[]string{"transport"},
	)
)

// Forwarder decodes payloads and hands the resulting records to the
// persistence worker. One Forwarder is shared by all goroutines of a transport.
type Forwarder struct {
	transport string
	codec     *datamodel.Codec
	handoff   *internal.Handoff[datamodel.Record]
	log       *zap.SugaredLogger
}

func NewForwarder(transport string, codec *datamodel.Codec, handoff *internal.Handoff[datamodel.Record], log *zap.SugaredLogger) *Forwarder {
	return &Forwarder{
		transport: transport,
		codec:     codec,
		handoff:   handoff,
		log:       log,
	}
}

// Forward reports whether payload became a record that was handed off.
// A malformed payload or a failed hand-off only costs this one message.
func (f *Forwarder) Forward(payload []byte, abort <-chan struct{}) bool {
	messagesReceived.WithLabelValues(f.transport).Inc()

	record, err := f.codec.Decode(payload)
	if err != nil {
		messagesRejected.WithLabelValues(f.transport, datamodel.RejectReason(err)).Inc()
		f.log.Warnf("Discarding payload of %d bytes: %s", len(payload), err)
		return false
	}

	if err = f.handoff.Send(record, abort); err != nil {
		recordsDropped.WithLabelValues(f.transport).Inc()
		f.log.Errorf("Dropping record of sensor %s: %s", record.SensorName(), err)
		return false
	}

	recordsForwarded.WithLabelValues(f.transport).Inc()
	return true
}
