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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/pkg/datamodel"
)

const validConfig = `
logging:
  level: DEBUG
transport:
  kind: tls
  tls:
    port: 9443
    pkcs12_identity_file: /etc/sensor-to-postgresql/identity.p12
    pkcs12_password: changeit
    min_version: "1.3"
storage:
  postgresql:
    host: db.local
    user: sensors
    password: "pa ss'word"
    database: home
    tls_enable: true
    tls:
      ca_path: /etc/ssl/root.crt
      cert_path: /etc/ssl/client.crt
      key_path: /etc/ssl/client.key
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, 9443, cfg.Transport.TLS.Port)
	assert.Equal(t, "1.3", cfg.Transport.TLS.MinVersion)
	assert.Equal(t, 10, cfg.Transport.TLS.Workers)
	assert.Equal(t, 100*time.Millisecond, cfg.Transport.PollInterval)
	assert.Equal(t, 5432, cfg.Storage.PostgreSQL.Port)
	assert.Equal(t, datamodel.DefaultSchema(), cfg.Schema)

	assert.Equal(t,
		`host=db.local port=5432 user=sensors password='pa ss\'word' dbname=home connect_timeout=5 sslmode=verify-full sslrootcert=/etc/ssl/root.crt sslcert=/etc/ssl/client.crt sslkey=/etc/ssl/client.key`,
		cfg.Storage.PostgreSQL.ConnString())
	assert.Equal(t, "sensors@db.local:5432/home [verify-full]", cfg.Storage.PostgreSQL.String())
}

func TestParseCustomSchema(t *testing.T) {
	cfg, err := Parse([]byte(validConfig + `
schema:
  timestamp_format: rfc3339
  quantities:
    - {name: co2, table: co2, column: ppm, required: true}
`))
	require.NoError(t, err)
	assert.Equal(t, datamodel.TimestampRFC3339, cfg.Schema.TimestampFormat)
	require.Len(t, cfg.Schema.Quantities, 1)
	assert.Equal(t, "ppm", cfg.Schema.Quantities[0].Column)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrUnreadable)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport: [unclosed"), 0o600))
	_, err = Load(path)
	assert.ErrorIs(t, err, ErrUnparsable)

	_, err = Parse([]byte("transport:\n  knid: udp\n"))
	assert.ErrorIs(t, err, ErrUnparsable)

	// defaults alone miss the identity file and the database credentials
	_, err = Parse(nil)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorContains(t, err, "pkcs12_identity_file")
	assert.ErrorContains(t, err, "storage.postgresql.user")
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Transport.Kind = TransportMQTT
	cfg.Transport.MQTT.QoS = 3
	cfg.Transport.MQTT.Topic = ""
	cfg.Storage.Kind = "sqlite"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "qos")
	assert.ErrorContains(t, err, "topic")
	assert.ErrorContains(t, err, "sqlite")
}

func TestLevelDBNeedsNoDatabaseCredentials(t *testing.T) {
	cfg, err := Parse([]byte(`
transport:
  kind: udp
storage:
  kind: leveldb
  leveldb:
    path: /tmp/sensors
`))
	require.NoError(t, err)
	assert.Equal(t, StorageLevelDB, cfg.Storage.Kind)
	assert.Equal(t, 8444, cfg.Transport.UDP.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POSTGRES_PASSWORD", "from-env")
	t.Setenv("POSTGRES_PORT", "6543")
	t.Setenv("PKCS12_PASSWORD", "p12-from-env")
	t.Setenv("LOGGING_LEVEL", "WARN")

	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Storage.PostgreSQL.Password)
	assert.Equal(t, 6543, cfg.Storage.PostgreSQL.Port)
	assert.Equal(t, "p12-from-env", cfg.Transport.TLS.PKCS12Password)
	assert.Equal(t, "WARN", cfg.Logging.Level)

	t.Setenv("POSTGRES_PORT", "not-a-port")
	_, err = Parse([]byte(validConfig))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadDatabaseIgnoresTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport:
  kind: tls
storage:
  postgresql:
    host: db.local
    user: sensors
    database: home
`), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "pkcs12_identity_file")

	cfg, err := LoadDatabase(path)
	require.NoError(t, err)
	assert.Equal(t, "db.local", cfg.Storage.PostgreSQL.Host)

	require.NoError(t, os.WriteFile(path, []byte("storage:\n  postgresql:\n    host: db.local\n"), 0o600))
	_, err = LoadDatabase(path)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorContains(t, err, "storage.postgresql.user")
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "resources", "config.example.yaml"))
	require.NoError(t, err)

	defaults := Default()
	defaults.Transport.TLS.PKCS12IdentityFile = "/etc/sensor-to-postgresql/identity.p12"
	defaults.Storage.PostgreSQL.User = "sensors"
	defaults.Storage.PostgreSQL.Database = "environment"
	assert.Equal(t, defaults, cfg)
}
