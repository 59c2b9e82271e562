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
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kitchenPayload = `{"timestamp": 1700000000, "sensor_name": "kitchen", "temperature": 21.5, "humidity": 40.2}`

func TestDecodeKitchen(t *testing.T) {
	codec := NewCodec(DefaultSchema())

	record, err := codec.Decode([]byte(kitchenPayload + "\r\n\t "))
	require.NoError(t, err)

	assert.Equal(t, time.Unix(1700000000, 0).UTC(), record.Timestamp())
	assert.Equal(t, "kitchen", record.SensorName())
	assert.Equal(t, []Quantity{{"temperature", 21.5}, {"humidity", 40.2}}, record.Quantities())

	_, ok := record.Value("pressure")
	assert.False(t, ok)
}

func TestDecodeOptionalQuantities(t *testing.T) {
	codec := NewCodec(DefaultSchema())

	record, err := codec.Decode([]byte(`{"uv_index":3,"timestamp":1700000000,"sensor_name":"garden","humidity":71,"temperature":-3.25,"pressure":1013.2,"firmware":"1.4.0"}`))
	require.NoError(t, err)

	assert.Equal(t, []Quantity{
		{"temperature", -3.25},
		{"humidity", 71},
		{"pressure", 1013.2},
		{"uv_index", 3},
	}, record.Quantities())
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	codec := NewCodec(DefaultSchema())

	tcs := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"invalid utf8", []byte{'{', 0xff, 0xfe, '}'}, ErrInvalidUTF8},
		{"empty", []byte("  \n"), ErrInvalidJSON},
		{"truncated", []byte(`{"timestamp": 1700000000, "sensor_name": "kitc`), ErrInvalidJSON},
		{"array", []byte(`[1,2,3]`), ErrInvalidJSON},
		{"null document", []byte(`null`), ErrInvalidJSON},
		{"missing timestamp", []byte(`{"sensor_name":"kitchen","temperature":21.5,"humidity":40.2}`), ErrSchemaMismatch},
		{"missing humidity", []byte(`{"timestamp":1700000000,"sensor_name":"kitchen","temperature":21.5}`), ErrSchemaMismatch},
		{"string temperature", []byte(`{"timestamp":1700000000,"sensor_name":"kitchen","temperature":"21.5","humidity":40.2}`), ErrSchemaMismatch},
		{"null humidity", []byte(`{"timestamp":1700000000,"sensor_name":"kitchen","temperature":21.5,"humidity":null}`), ErrSchemaMismatch},
		{"numeric sensor name", []byte(`{"timestamp":1700000000,"sensor_name":7,"temperature":21.5,"humidity":40.2}`), ErrSchemaMismatch},
		{"empty sensor name", []byte(`{"timestamp":1700000000,"sensor_name":"","temperature":21.5,"humidity":40.2}`), ErrSchemaMismatch},
		{"string timestamp", []byte(`{"timestamp":"1700000000","sensor_name":"kitchen","temperature":21.5,"humidity":40.2}`), ErrSchemaMismatch},
		{"string optional", []byte(`{"timestamp":1700000000,"sensor_name":"kitchen","temperature":21.5,"humidity":40.2,"uva":"high"}`), ErrSchemaMismatch},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := codec.Decode(tc.payload)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	payloads := map[TimestampFormat]string{
		TimestampUnixSeconds: `{"timestamp":1700000000.125,"sensor_name":"living \"room\"","temperature":21.5,"humidity":40.2,"illuminance":120000}`,
		TimestampUnixMillis:  `{"timestamp":1700000000125,"sensor_name":"attic","temperature":-0.5,"humidity":99.9}`,
		TimestampRFC3339:     `{"timestamp":"2023-11-14T22:13:20.5Z","sensor_name":"cellar","temperature":12,"humidity":80,"uvb":0.01}`,
	}

	for format, payload := range payloads {
		t.Run(string(format), func(t *testing.T) {
			schema := DefaultSchema()
			schema.TimestampFormat = format
			codec := NewCodec(schema)

			first, err := codec.Decode([]byte(payload))
			require.NoError(t, err)

			encoded, err := codec.Encode(first)
			require.NoError(t, err)

			second, err := codec.Decode(encoded)
			require.NoError(t, err)
			assert.True(t, first.Equal(second), "%s != %s", payload, encoded)

			// every field value survives, whatever the key order
			var original, reencoded map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(payload), &original))
			require.NoError(t, json.Unmarshal(encoded, &reencoded))
			assert.Equal(t, original, reencoded)
		})
	}
}

func TestTimestampFormats(t *testing.T) {
	tcs := []struct {
		format TimestampFormat
		raw    string
		want   time.Time
	}{
		{TimestampUnixSeconds, `1700000000`, time.Unix(1700000000, 0)},
		{TimestampUnixSeconds, `1700000000.000000001`, time.Unix(1700000000, 1)},
		{TimestampUnixSeconds, `1.7e9`, time.Unix(1700000000, 0)},
		{TimestampUnixSeconds, `-1.5`, time.Unix(-2, 500000000)},
		{TimestampUnixMillis, `1700000000123`, time.UnixMilli(1700000000123)},
		{TimestampUnixMillis, `1.5`, time.Unix(0, 1500000)},
		{TimestampRFC3339, `"2023-11-14T23:13:20+01:00"`, time.Unix(1700000000, 0)},
	}

	for _, tc := range tcs {
		t.Run(string(tc.format)+" "+tc.raw, func(t *testing.T) {
			schema := DefaultSchema()
			schema.TimestampFormat = tc.format
			codec := NewCodec(schema)

			record, err := codec.Decode([]byte(`{"timestamp":` + tc.raw + `,"sensor_name":"s","temperature":1,"humidity":2}`))
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(record.Timestamp()), "got %s", record.Timestamp())
			assert.Equal(t, time.UTC, record.Timestamp().Location())
		})
	}
}

func TestFormatDecimalNegative(t *testing.T) {
	assert.Equal(t, "-1.5", formatDecimal(-2, 500000000, int64(time.Second), 9))
	assert.Equal(t, "-0.75", formatDecimal(-1, 250000000, int64(time.Second), 9))
	assert.Equal(t, "42", formatDecimal(42, 0, int64(time.Second), 9))
}

func TestRejectReason(t *testing.T) {
	codec := NewCodec(DefaultSchema())

	_, err := codec.Decode([]byte{0xff})
	assert.Equal(t, "invalid_utf8", RejectReason(err))
	_, err = codec.Decode([]byte(`{`))
	assert.Equal(t, "invalid_json", RejectReason(err))
	_, err = codec.Decode([]byte(`{}`))
	assert.Equal(t, "schema_mismatch", RejectReason(err))
}

func TestRecordIsImmutable(t *testing.T) {
	quantities := []Quantity{{"temperature", 1}}
	record := NewRecord(time.Unix(0, 0), "s", quantities)
	quantities[0].Value = 99

	got := record.Quantities()
	got[0].Value = 42

	v, ok := record.Value("temperature")
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
}
