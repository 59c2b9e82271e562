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

// Package config loads the YAML configuration shared by sensor-to-postgresql
// and automigrate. Values are read from the file first, then overridden by
// environment variables, then validated.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal/logger"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/pkg/datamodel"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnreadable = errors.New("configuration unreadable")
	ErrUnparsable = errors.New("configuration unparsable")
	ErrInvalid    = errors.New("configuration invalid")
)

const (
	TransportTLS   = "tls"
	TransportUDP   = "udp"
	TransportMQTT  = "mqtt"
	TransportKafka = "kafka"

	StoragePostgreSQL = "postgresql"
	StorageLevelDB    = "leveldb"
)

type Config struct {
	Logging       Logging          `yaml:"logging"`
	Transport     Transport        `yaml:"transport"`
	Schema        datamodel.Schema `yaml:"schema"`
	Storage       Storage          `yaml:"storage"`
	Cache         Cache            `yaml:"cache"`
	Observability Observability    `yaml:"observability"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type Transport struct {
	Kind           string        `yaml:"kind"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ReadBufferSize int           `yaml:"read_buffer_size"`
	TLS            TLSListener   `yaml:"tls"`
	UDP            UDPListener   `yaml:"udp"`
	MQTT           MQTT          `yaml:"mqtt"`
	Kafka          Kafka         `yaml:"kafka"`
}

type TLSListener struct {
	Address            string        `yaml:"address"`
	Port               int           `yaml:"port"`
	PKCS12IdentityFile string        `yaml:"pkcs12_identity_file"`
	PKCS12Password     string        `yaml:"pkcs12_password"`
	MinVersion         string        `yaml:"min_version"`
	Workers            int           `yaml:"workers"`
	Backlog            int           `yaml:"backlog"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
}

type UDPListener struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type MQTT struct {
	Address           string                  `yaml:"address"`
	Port              int                     `yaml:"port"`
	ClientID          string                  `yaml:"client_id"`
	Username          string                  `yaml:"username"`
	Password          string                  `yaml:"password"`
	Topic             string                  `yaml:"topic"`
	QoS               int                     `yaml:"qos"`
	ConnectTimeout    time.Duration           `yaml:"connect_timeout"`
	ReconnectAttempts int                     `yaml:"reconnect_attempts"`
	Buffer            int                     `yaml:"buffer"`
	TLSEnable         bool                    `yaml:"tls_enable"`
	TLS               internal.ClientTLSFiles `yaml:"tls"`
}

type Kafka struct {
	Brokers    []string                `yaml:"brokers"`
	Topic      string                  `yaml:"topic"`
	GroupID    string                  `yaml:"group_id"`
	ClientID   string                  `yaml:"client_id"`
	RetryLimit int                     `yaml:"retry_limit"`
	TLSEnable  bool                    `yaml:"tls_enable"`
	TLS        internal.ClientTLSFiles `yaml:"tls"`
}

type Storage struct {
	Kind            string        `yaml:"kind"`
	ChannelCapacity int           `yaml:"channel_capacity"`
	ReceiveTimeout  time.Duration `yaml:"receive_timeout"`
	PostgreSQL      PostgreSQL    `yaml:"postgresql"`
	LevelDB         LevelDB       `yaml:"leveldb"`
}

type PostgreSQL struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	User             string        `yaml:"user"`
	Password         string        `yaml:"password"`
	Database         string        `yaml:"database"`
	SSLMode          string        `yaml:"ssl_mode"`
	TLSEnable        bool          `yaml:"tls_enable"`
	TLS              PostgreSQLTLS `yaml:"tls"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
	Statements       Statements    `yaml:"statements"`
}

type PostgreSQLTLS struct {
	CAPath   string `yaml:"ca_path"`
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// Statements optionally replace the built-in lookup and parent insert statements.
type Statements struct {
	SensorLookup string `yaml:"sensor_lookup"`
	InsertRecord string `yaml:"insert_record"`
}

type LevelDB struct {
	Path            string `yaml:"path"`
	CreateIfMissing bool   `yaml:"create_if_missing"`
}

type Cache struct {
	SensorTTL        time.Duration `yaml:"sensor_ttl"`
	UnknownSensorTTL time.Duration `yaml:"unknown_sensor_ttl"`
	Redis            Redis         `yaml:"redis"`
}

type Redis struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type Observability struct {
	MetricsAddress string `yaml:"metrics_address"`
	HealthAddress  string `yaml:"health_address"`
}

func Default() *Config {
	return &Config{
		Logging: Logging{
			Level:  string(logger.ProductionLevel),
			Format: string(logger.FormatConsole),
		},
		Transport: Transport{
			Kind:           TransportTLS,
			PollInterval:   internal.PollInterval,
			ReadBufferSize: 1024,
			TLS: TLSListener{
				Address:          "0.0.0.0",
				Port:             8443,
				MinVersion:       "1.2",
				Workers:          10,
				Backlog:          64,
				HandshakeTimeout: internal.TenSeconds,
			},
			UDP: UDPListener{
				Address: "0.0.0.0",
				Port:    8444,
			},
			MQTT: MQTT{
				Address:           "localhost",
				Port:              1883,
				Topic:             "sensors/environment",
				QoS:               1,
				ConnectTimeout:    internal.FourSeconds,
				ReconnectAttempts: 5,
				Buffer:            1000,
			},
			Kafka: Kafka{
				Brokers:    []string{"localhost:9092"},
				Topic:      "sensors.environment",
				GroupID:    "sensor-to-postgresql",
				ClientID:   "sensor-to-postgresql",
				RetryLimit: 5,
			},
		},
		Schema: datamodel.DefaultSchema(),
		Storage: Storage{
			Kind:            StoragePostgreSQL,
			ChannelCapacity: 1000,
			ReceiveTimeout:  internal.PollInterval,
			PostgreSQL: PostgreSQL{
				Host:             "localhost",
				Port:             5432,
				SSLMode:          "prefer",
				ConnectTimeout:   internal.FiveSeconds,
				StatementTimeout: internal.FiveSeconds,
			},
			LevelDB: LevelDB{
				Path:            "/var/lib/sensor-to-postgresql/leveldb",
				CreateIfMissing: true,
			},
		},
		Cache: Cache{
			SensorTTL:        10 * time.Minute,
			UnknownSensorTTL: internal.FiveSeconds,
			Redis: Redis{
				TTL: 12 * time.Hour,
			},
		},
		Observability: Observability{
			MetricsAddress: ":2112",
			HealthAddress:  "0.0.0.0:8086",
		},
	}
}

// Load reads, overrides and validates the configuration file at path.
// The returned error wraps ErrUnreadable, ErrUnparsable or ErrInvalid.
func Load(path string) (*Config, error) {
	// #nosec G304 -- path comes from the command line
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default, applies environment overrides and validates.
func Parse(data []byte) (*Config, error) {
	return parse(data, (*Config).Validate)
}

// LoadDatabase is Load for tools that only talk to PostgreSQL. Transport and
// cache sections are decoded but not validated.
func LoadDatabase(path string) (*Config, error) {
	// #nosec G304 -- path comes from the command line
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	return parse(data, func(c *Config) error {
		errs := []error{c.Storage.PostgreSQL.Validate()}
		if err := c.Schema.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("schema: %w", err))
		}
		if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
			errs = append(errs, fmt.Errorf("logging.level: %w", err))
		}
		if _, err := logger.ParseFormat(c.Logging.Format); err != nil {
			errs = append(errs, fmt.Errorf("logging.format: %w", err))
		}
		return errors.Join(errs...)
	})
}

func parse(data []byte, validate func(*Config) error) (*Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrUnparsable, err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

// Validate reports every problem of the active sections at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if _, err := logger.ParseFormat(c.Logging.Format); err != nil {
		errs = append(errs, fmt.Errorf("logging.format: %w", err))
	}

	t := c.Transport
	if t.PollInterval <= 0 {
		add("transport.poll_interval must be positive")
	}
	if t.ReadBufferSize <= 0 {
		add("transport.read_buffer_size must be positive")
	}
	switch t.Kind {
	case TransportTLS:
		if t.TLS.PKCS12IdentityFile == "" {
			add("transport.tls.pkcs12_identity_file is required")
		}
		if !validPort(t.TLS.Port) {
			add("transport.tls.port %d out of range", t.TLS.Port)
		}
		if t.TLS.MinVersion != "1.2" && t.TLS.MinVersion != "1.3" {
			add("transport.tls.min_version must be 1.2 or 1.3, got %q", t.TLS.MinVersion)
		}
		if t.TLS.Workers < 1 {
			add("transport.tls.workers must be at least 1")
		}
		if t.TLS.Backlog < 0 {
			add("transport.tls.backlog must not be negative")
		}
		if t.TLS.HandshakeTimeout < t.PollInterval {
			add("transport.tls.handshake_timeout must be at least one poll interval")
		}
	case TransportUDP:
		if !validPort(t.UDP.Port) {
			add("transport.udp.port %d out of range", t.UDP.Port)
		}
	case TransportMQTT:
		if t.MQTT.Address == "" {
			add("transport.mqtt.address is required")
		}
		if !validPort(t.MQTT.Port) || t.MQTT.Port == 0 {
			add("transport.mqtt.port %d out of range", t.MQTT.Port)
		}
		if t.MQTT.Topic == "" {
			add("transport.mqtt.topic is required")
		}
		if t.MQTT.QoS < 0 || t.MQTT.QoS > 2 {
			add("transport.mqtt.qos must be 0, 1 or 2")
		}
		if t.MQTT.ConnectTimeout <= 0 {
			add("transport.mqtt.connect_timeout must be positive")
		}
		if t.MQTT.ReconnectAttempts < 0 {
			add("transport.mqtt.reconnect_attempts must not be negative")
		}
		if t.MQTT.Buffer < 1 {
			add("transport.mqtt.buffer must be at least 1")
		}
	case TransportKafka:
		if len(t.Kafka.Brokers) == 0 {
			add("transport.kafka.brokers is required")
		}
		if t.Kafka.Topic == "" {
			add("transport.kafka.topic is required")
		}
		if t.Kafka.GroupID == "" {
			add("transport.kafka.group_id is required")
		}
		if t.Kafka.RetryLimit < 0 {
			add("transport.kafka.retry_limit must not be negative")
		}
	default:
		add("transport.kind %q is not one of tls, udp, mqtt, kafka", t.Kind)
	}

	if err := c.Schema.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("schema: %w", err))
	}

	s := c.Storage
	if s.ChannelCapacity < 1 {
		add("storage.channel_capacity must be at least 1")
	}
	if s.ReceiveTimeout <= 0 {
		add("storage.receive_timeout must be positive")
	}
	switch s.Kind {
	case StoragePostgreSQL:
		if err := s.PostgreSQL.Validate(); err != nil {
			errs = append(errs, err)
		}
		if c.Cache.SensorTTL <= 0 || c.Cache.UnknownSensorTTL <= 0 {
			add("cache ttls must be positive")
		}
		if c.Cache.Redis.Address != "" && c.Cache.Redis.TTL <= 0 {
			add("cache.redis.ttl must be positive")
		}
	case StorageLevelDB:
		if s.LevelDB.Path == "" {
			add("storage.leveldb.path is required")
		}
	default:
		add("storage.kind %q is not one of postgresql, leveldb", s.Kind)
	}

	return errors.Join(errs...)
}

// Validate checks the connection settings, shared with automigrate.
func (p PostgreSQL) Validate() error {
	var errs []error
	if p.Host == "" {
		errs = append(errs, errors.New("storage.postgresql.host is required"))
	}
	if !validPort(p.Port) || p.Port == 0 {
		errs = append(errs, fmt.Errorf("storage.postgresql.port %d out of range", p.Port))
	}
	if p.User == "" {
		errs = append(errs, errors.New("storage.postgresql.user is required"))
	}
	if p.Database == "" {
		errs = append(errs, errors.New("storage.postgresql.database is required"))
	}
	if p.TLSEnable && p.TLS.CAPath == "" {
		errs = append(errs, errors.New("storage.postgresql.tls.ca_path is required when tls is enabled"))
	}
	if (p.TLS.CertPath == "") != (p.TLS.KeyPath == "") {
		errs = append(errs, errors.New("storage.postgresql.tls cert_path and key_path must be set together"))
	}
	if p.StatementTimeout <= 0 || p.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("storage.postgresql timeouts must be positive"))
	}
	return errors.Join(errs...)
}

// ConnString renders the settings as a libpq keyword/value string, accepted
// by both pgx and lib/pq.
func (p PostgreSQL) ConnString() string {
	params := [][2]string{
		{"host", p.Host},
		{"port", strconv.Itoa(p.Port)},
		{"user", p.User},
		{"password", p.Password},
		{"dbname", p.Database},
		{"connect_timeout", strconv.Itoa(int((p.ConnectTimeout + time.Second - 1) / time.Second))},
	}
	if p.TLSEnable {
		params = append(params,
			[2]string{"sslmode", "verify-full"},
			[2]string{"sslrootcert", p.TLS.CAPath},
		)
		if p.TLS.CertPath != "" {
			params = append(params,
				[2]string{"sslcert", p.TLS.CertPath},
				[2]string{"sslkey", p.TLS.KeyPath},
			)
		}
	} else {
		params = append(params, [2]string{"sslmode", p.SSLMode})
	}

	var sb strings.Builder
	for i, kv := range params {
		if kv[1] == "" {
			continue
		}
		if i > 0 && sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(kv[0])
		sb.WriteByte('=')
		sb.WriteString(quoteConnValue(kv[1]))
	}
	return sb.String()
}

// String is the connection target without credentials, for logging.
func (p PostgreSQL) String() string {
	mode := p.SSLMode
	if p.TLSEnable {
		mode = "verify-full"
	}
	return fmt.Sprintf("%s@%s:%d/%s [%s]", p.User, p.Host, p.Port, p.Database, mode)
}

func quoteConnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func validPort(port int) bool {
	return port >= 0 && port <= 65535
}
