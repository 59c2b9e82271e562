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
	"bytes"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

const (
	fieldTimestamp  = "timestamp"
	fieldSensorName = "sensor_name"
)

var (
	ErrInvalidUTF8    = errors.New("payload is not valid UTF-8")
	ErrInvalidJSON    = errors.New("payload is not a JSON object")
	ErrSchemaMismatch = errors.New("payload does not match the record schema")
)

var decimalRegex = regexp.MustCompile(`^(-)?(\d+)(?:\.(\d+))?$`)

// largest magnitude accepted for timestamps written in exponent notation
const maxFloatTimestamp = 9e15

// Codec converts wire payloads into records and back, following one Schema.
// It is safe for concurrent use.
type Codec struct {
	schema Schema
}

func NewCodec(schema Schema) *Codec {
	return &Codec{schema: schema}
}

func (c *Codec) Schema() Schema {
	return c.schema
}

// Decode parses one payload. Trailing whitespace is ignored, unknown fields are
// ignored, and every required field must be present with the right type.
func (c *Codec) Decode(payload []byte) (Record, error) {
	if !utf8.Valid(payload) {
		return Record{}, ErrInvalidUTF8
	}
	payload = bytes.TrimRightFunc(payload, unicode.IsSpace)
	if len(payload) == 0 {
		return Record{}, fmt.Errorf("%w: empty payload", ErrInvalidJSON)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Record{}, fmt.Errorf("%w: %s", ErrInvalidJSON, err)
	}
	if fields == nil {
		return Record{}, fmt.Errorf("%w: null document", ErrInvalidJSON)
	}

	rawTimestamp, err := present(fields, fieldTimestamp)
	if err != nil {
		return Record{}, err
	}
	timestamp, err := c.decodeTimestamp(rawTimestamp)
	if err != nil {
		return Record{}, err
	}

	rawName, err := present(fields, fieldSensorName)
	if err != nil {
		return Record{}, err
	}
	var sensorName string
	if err = json.Unmarshal(rawName, &sensorName); err != nil {
		return Record{}, fmt.Errorf("%w: %s must be a string", ErrSchemaMismatch, fieldSensorName)
	}
	if sensorName == "" {
		return Record{}, fmt.Errorf("%w: %s is empty", ErrSchemaMismatch, fieldSensorName)
	}

	quantities := make([]Quantity, 0, len(c.schema.Quantities))
	for _, spec := range c.schema.Quantities {
		raw, ok := fields[spec.Name]
		if !ok {
			if spec.Required {
				return Record{}, fmt.Errorf("%w: missing field %q", ErrSchemaMismatch, spec.Name)
			}
			continue
		}
		if isNull(raw) {
			return Record{}, fmt.Errorf("%w: field %q is null", ErrSchemaMismatch, spec.Name)
		}
		var value float64
		if err = json.Unmarshal(raw, &value); err != nil {
			return Record{}, fmt.Errorf("%w: field %q must be a number", ErrSchemaMismatch, spec.Name)
		}
		quantities = append(quantities, Quantity{Name: spec.Name, Value: value})
	}

	return Record{
		timestamp:  timestamp.UTC(),
		sensorName: sensorName,
		quantities: quantities,
	}, nil
}

// Encode renders the record in the same wire format Decode accepts.
func (c *Codec) Encode(r Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"` + fieldTimestamp + `":`)
	buf.WriteString(c.encodeTimestamp(r.timestamp))

	name, err := json.Marshal(r.sensorName)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`,"` + fieldSensorName + `":`)
	buf.Write(name)

	for _, q := range r.quantities {
		key, err := json.Marshal(q.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(q.Value)
		if err != nil {
			return nil, fmt.Errorf("quantity %q: %w", q.Name, err)
		}
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (c *Codec) decodeTimestamp(raw json.RawMessage) (time.Time, error) {
	if c.schema.TimestampFormat == TimestampRFC3339 {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("%w: %s must be an RFC 3339 string", ErrSchemaMismatch, fieldTimestamp)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s", ErrSchemaMismatch, err)
		}
		return t, nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be a number", ErrSchemaMismatch, fieldTimestamp)
	}

	// Exact path for plain decimals, float path for exponent notation.
	fracDigits := 9
	if c.schema.TimestampFormat == TimestampUnixMillis {
		fracDigits = 6
	}
	whole, frac, ok := parseDecimal(strings.TrimSpace(string(raw)), fracDigits)
	if !ok {
		if math.Abs(f) >= maxFloatTimestamp {
			return time.Time{}, fmt.Errorf("%w: %s out of range", ErrSchemaMismatch, fieldTimestamp)
		}
		w := math.Floor(f)
		whole = int64(w)
		frac = int64(math.Round((f - w) * math.Pow10(fracDigits)))
	}

	if c.schema.TimestampFormat == TimestampUnixMillis {
		return time.UnixMilli(whole).Add(time.Duration(frac)), nil
	}
	return time.Unix(whole, frac), nil
}

func (c *Codec) encodeTimestamp(t time.Time) string {
	switch c.schema.TimestampFormat {
	case TimestampRFC3339:
		return strconv.Quote(t.UTC().Format(time.RFC3339Nano))
	case TimestampUnixMillis:
		whole := t.UnixMilli()
		rem := t.Sub(time.UnixMilli(whole)).Nanoseconds()
		return formatDecimal(whole, rem, int64(time.Millisecond), 6)
	default:
		return formatDecimal(t.Unix(), int64(t.Nanosecond()), int64(time.Second), 9)
	}
}

// parseDecimal splits a plain decimal number into its whole part and its
// fraction scaled to digits places. Fraction digits beyond that are truncated.
func parseDecimal(s string, digits int) (whole int64, frac int64, ok bool) {
	m := decimalRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	whole, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if fraction := m[3]; fraction != "" {
		if len(fraction) > digits {
			fraction = fraction[:digits]
		}
		fraction += strings.Repeat("0", digits-len(fraction))
		frac, err = strconv.ParseInt(fraction, 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	if m[1] == "-" {
		whole, frac = -whole, -frac
	}
	return whole, frac, true
}

// formatDecimal renders whole + rem/unit, where rem is in [0, unit).
func formatDecimal(whole, rem, unit int64, digits int) string {
	if rem == 0 {
		return strconv.FormatInt(whole, 10)
	}
	negative := whole < 0
	if negative {
		whole++
		rem = unit - rem
		whole = -whole
	}
	s := strings.TrimRight(fmt.Sprintf("%d.%0*d", whole, digits, rem), "0")
	if negative {
		s = "-" + s
	}
	return s
}

func present(fields map[string]json.RawMessage, name string) (json.RawMessage, error) {
	raw, ok := fields[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing field %q", ErrSchemaMismatch, name)
	}
	if isNull(raw) {
		return nil, fmt.Errorf("%w: field %q is null", ErrSchemaMismatch, name)
	}
	return raw, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// RejectReason maps a Decode error to a short label for metrics.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidUTF8):
		return "invalid_utf8"
	case errors.Is(err, ErrInvalidJSON):
		return "invalid_json"
	case errors.Is(err, ErrSchemaMismatch):
		return "schema_mismatch"
	default:
		return "unknown"
	}
}
