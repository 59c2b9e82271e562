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

package datamodel

import (
	"errors"
	"fmt"
	"regexp"
)

type TimestampFormat string

const (
	TimestampUnixSeconds TimestampFormat = "unix_seconds"
	TimestampUnixMillis  TimestampFormat = "unix_millis"
	TimestampRFC3339     TimestampFormat = "rfc3339"
)

// QuantitySpec maps a JSON field of the payload to the table and column its
// value is stored in.
type QuantitySpec struct {
	Name     string `yaml:"name"`
	Table    string `yaml:"table"`
	Column   string `yaml:"column"`
	Required bool   `yaml:"required"`
}

// Schema is the set of quantities a process accepts. One schema is active per process.
type Schema struct {
	TimestampFormat TimestampFormat `yaml:"timestamp_format"`
	Quantities      []QuantitySpec  `yaml:"quantities"`
}

var identifierRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// DefaultSchema accepts temperature and humidity as mandatory values and the
// pressure, light and ultraviolet readings of the larger sensor boards as optional ones.
func DefaultSchema() Schema {
	return Schema{
		TimestampFormat: TimestampUnixSeconds,
		Quantities: []QuantitySpec{
			{Name: "temperature", Table: "temperature", Column: "celsius", Required: true},
			{Name: "humidity", Table: "humidity", Column: "humidity", Required: true},
			{Name: "pressure", Table: "pressure", Column: "hectopascal"},
			{Name: "illuminance", Table: "illuminance", Column: "lux"},
			{Name: "uva", Table: "uva", Column: "uva"},
			{Name: "uvb", Table: "uvb", Column: "uvb"},
			{Name: "uv_index", Table: "uv_index", Column: "uv_index"},
		},
	}
}

// Validate checks that the schema can be used for decoding and for building statements.
func (s Schema) Validate() error {
	var errs []error
	switch s.TimestampFormat {
	case TimestampUnixSeconds, TimestampUnixMillis, TimestampRFC3339:
	default:
		errs = append(errs, fmt.Errorf("unknown timestamp format %q", s.TimestampFormat))
	}
	if len(s.Quantities) == 0 {
		errs = append(errs, errors.New("schema has no quantities"))
	}
	seen := make(map[string]struct{}, len(s.Quantities))
	for _, q := range s.Quantities {
		if q.Name == "" {
			errs = append(errs, errors.New("quantity without name"))
			continue
		}
		if q.Name == fieldTimestamp || q.Name == fieldSensorName {
			errs = append(errs, fmt.Errorf("quantity %q collides with a reserved field", q.Name))
		}
		if _, ok := seen[q.Name]; ok {
			errs = append(errs, fmt.Errorf("quantity %q defined twice", q.Name))
		}
		seen[q.Name] = struct{}{}
		if !identifierRegex.MatchString(q.Table) {
			errs = append(errs, fmt.Errorf("quantity %q: invalid table name %q", q.Name, q.Table))
		}
		if !identifierRegex.MatchString(q.Column) || q.Column == "record_id" || q.Column == "id" {
			errs = append(errs, fmt.Errorf("quantity %q: invalid column name %q", q.Name, q.Column))
		}
	}
	return errors.Join(errs...)
}

// Spec returns the definition of the named quantity.
func (s Schema) Spec(name string) (QuantitySpec, bool) {
	for _, q := range s.Quantities {
		if q.Name == name {
			return q, true
		}
	}
	return QuantitySpec{}, false
}
