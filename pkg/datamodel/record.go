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

// Package datamodel contains the canonical sensor record shared by every
// transport and store, together with the configurable quantity schema and
// the JSON codec used on the wire.
package datamodel

import (
	"time"
)

// Quantity is a single measured value of a record.
type Quantity struct {
	Name  string
	Value float64
}

// Record is one reading of one sensor. It is immutable once constructed.
type Record struct {
	timestamp  time.Time
	sensorName string
	quantities []Quantity
}

// NewRecord copies the given quantities into a new Record.
func NewRecord(timestamp time.Time, sensorName string, quantities []Quantity) Record {
	q := make([]Quantity, len(quantities))
	copy(q, quantities)
	return Record{
		timestamp:  timestamp.UTC(),
		sensorName: sensorName,
		quantities: q,
	}
}

func (r Record) Timestamp() time.Time {
	return r.timestamp
}

func (r Record) SensorName() string {
	return r.sensorName
}

// Quantities returns a copy of the measured values in schema order.
func (r Record) Quantities() []Quantity {
	q := make([]Quantity, len(r.quantities))
	copy(q, r.quantities)
	return q
}

// Value returns the value of the named quantity, if present.
func (r Record) Value(name string) (float64, bool) {
	for _, q := range r.quantities {
		if q.Name == name {
			return q.Value, true
		}
	}
	return 0, false
}

// Equal reports whether both records carry the same instant, sensor and values.
func (r Record) Equal(other Record) bool {
	if !r.timestamp.Equal(other.timestamp) || r.sensorName != other.sensorName {
		return false
	}
	if len(r.quantities) != len(other.quantities) {
		return false
	}
	for i := range r.quantities {
		if r.quantities[i] != other.quantities[i] {
			return false
		}
	}
	return true
}
