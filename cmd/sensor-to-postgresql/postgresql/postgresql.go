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

// Package postgresql writes records into the sensors/records schema created
// by automigrate. One record is one parent row plus one row per quantity.
package postgresql

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal/config"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/pkg/datamodel"
	"go.uber.org/zap"
)

const (
	DefaultSensorLookup = `SELECT id FROM sensors WHERE name = $1`
	DefaultInsertRecord = `INSERT INTO records (timestamp, sensor_id) VALUES ($1, $2) RETURNING id`

	tableExists = `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1`
)

var (
	ErrUnknownSensor   = errors.New("unknown sensor")
	ErrAmbiguousSensor = errors.New("sensor name is not unique")
	ErrParentInsert    = errors.New("record insert did not return exactly one id")
	ErrNotConnected    = errors.New("not connected to database")
	ErrConnectionLost  = errors.New("lost connection to database")
)

var (
	sensorCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensortopostgresql_sensor_cache_hits_total",
			Help: "The total number of sensor lookups answered by the cache",
		},
	)
	sensorCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensortopostgresql_sensor_cache_misses_total",
			Help: "The total number of sensor lookups that queried the database",
		},
	)
	quantityInsertFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensortopostgresql_quantity_insert_failures_total",
			Help: "The total number of quantity rows that could not be inserted",
		},
		[]string{"quantity"},
	)
)

// DB is the part of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Connector opens the database. The default is ConnectPool.
type Connector func(ctx context.Context, connString string) (DB, error)

// ConnectPool opens a pool holding at most one connection. A connection that
// breaks is dropped by the pool and the next statement dials a new one.
func ConnectPool(ctx context.Context, connString string) (DB, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	poolConfig.MaxConns = 1
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// Connection is not safe for concurrent use. The persistence worker owns it.
type Connection struct {
	cfg              config.PostgreSQL
	schema           datamodel.Schema
	cache            *internal.TieredCache
	unknownSensorTTL time.Duration
	log              *zap.SugaredLogger
	connect          Connector

	db              DB
	sensorLookup    string
	insertRecord    string
	childStatements map[string]string

	// cleared when a statement fails without an answer from the server
	reachable atomic.Bool
}

func NewConnection(cfg config.PostgreSQL, schema datamodel.Schema, cache *internal.TieredCache, unknownSensorTTL time.Duration, log *zap.SugaredLogger) *Connection {
	c := &Connection{
		cfg:              cfg,
		schema:           schema,
		cache:            cache,
		unknownSensorTTL: unknownSensorTTL,
		log:              log,
		connect:          ConnectPool,
		sensorLookup:    DefaultSensorLookup,
		insertRecord:    DefaultInsertRecord,
		childStatements: make(map[string]string, len(schema.Quantities)),
	}
	if cfg.Statements.SensorLookup != "" {
		c.sensorLookup = cfg.Statements.SensorLookup
	}
	if cfg.Statements.InsertRecord != "" {
		c.insertRecord = cfg.Statements.InsertRecord
	}
	for _, q := range schema.Quantities {
		c.childStatements[q.Name] = ChildStatement(q)
	}
	return c
}

// WithConnector replaces how Connect opens the database.
func (c *Connection) WithConnector(connect Connector) *Connection {
	c.connect = connect
	return c
}

// ChildStatement is the insert for one quantity row. $1 is the record id.
func ChildStatement(q datamodel.QuantitySpec) string {
	return fmt.Sprintf("INSERT INTO %s (record_id, %s) VALUES ($1, $2)",
		pgx.Identifier{q.Table}.Sanitize(), pgx.Identifier{q.Column}.Sanitize())
}

// Connect opens the connection and checks that every table of the schema exists.
func (c *Connection) Connect() error {
	c.log.Infof("Connecting to %s", c.cfg)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()
	db, err := c.connect(ctx, c.cfg.ConnString())
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.cfg, err)
	}
	if err = db.Ping(ctx); err != nil {
		db.Close()
		return fmt.Errorf("pinging %s: %w", c.cfg, err)
	}

	tables := []string{"sensors", "records"}
	for _, q := range c.schema.Quantities {
		tables = append(tables, q.Table)
	}
	for _, table := range tables {
		if err = c.checkTable(ctx, db, table); err != nil {
			db.Close()
			return err
		}
	}

	c.db = db
	c.reachable.Store(true)
	return nil
}

// Healthy reports whether the last statement reached the server. It reads
// state only and never touches the pool.
func (c *Connection) Healthy() error {
	if !c.reachable.Load() {
		return ErrConnectionLost
	}
	return nil
}

// track records whether err came back from the server. Errors the server
// answered with, like constraint violations, leave the connection healthy.
func (c *Connection) track(err error) error {
	var pgErr *pgconn.PgError
	if err == nil || errors.As(err, &pgErr) {
		if !c.reachable.Swap(true) {
			c.log.Infof("Connection to %s is back", c.cfg)
		}
		return err
	}
	if c.reachable.Swap(false) {
		c.log.Warnf("Lost connection to %s: %s", c.cfg, err)
	}
	return err
}

func (c *Connection) checkTable(ctx context.Context, db DB, table string) error {
	rows, err := db.Query(ctx, tableExists, table)
	if err != nil {
		return fmt.Errorf("checking for table %s: %w", table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err = rows.Err(); err != nil {
			return fmt.Errorf("checking for table %s: %w", table, err)
		}
		return fmt.Errorf("table %s does not exist in the database", table)
	}
	return nil
}

func (c *Connection) Close() error {
	if c.db == nil {
		return nil
	}
	c.db.Close()
	c.db = nil
	c.reachable.Store(false)
	return nil
}

// Persist writes the parent row, then every quantity on its own. A failing
// quantity is reported and logged, the remaining ones are still written and
// nothing is rolled back. An error means no parent row was written.
func (c *Connection) Persist(record datamodel.Record) (internal.WriteReport, error) {
	if c.db == nil {
		return internal.WriteReport{}, ErrNotConnected
	}

	sensorID, err := c.resolveSensor(record.SensorName())
	if err != nil {
		return internal.WriteReport{}, fmt.Errorf("resolving sensor %q: %w", record.SensorName(), err)
	}
	recordID, err := c.insertParent(record.Timestamp(), sensorID)
	if err != nil {
		return internal.WriteReport{}, fmt.Errorf("inserting record of %q: %w", record.SensorName(), err)
	}

	var report internal.WriteReport
	for _, q := range record.Quantities() {
		statement, ok := c.childStatements[q.Name]
		if !ok {
			continue
		}
		report.Attempted++
		if err = c.exec(statement, recordID, q.Value); err != nil {
			quantityInsertFailures.WithLabelValues(q.Name).Inc()
			report.FailedQuantities = append(report.FailedQuantities, q.Name)
			c.log.Warnf("Failed to insert %s of record %d: %s", q.Name, recordID, err)
		}
	}
	return report, nil
}

func (c *Connection) statementContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.StatementTimeout)
}

func (c *Connection) exec(statement string, args ...any) error {
	ctx, cancel := c.statementContext()
	defer cancel()
	_, err := c.db.Exec(ctx, statement, args...)
	return c.track(err)
}

// resolveSensor looks the name up in the cache first. Unknown names are
// remembered for a short time only, so a newly registered sensor is picked up.
func (c *Connection) resolveSensor(name string) (int32, error) {
	ctx, cancel := c.statementContext()
	defer cancel()

	key := internal.CacheKey("sensor", name)
	if raw, ok := c.cache.Get(ctx, key); ok && len(raw) == 4 {
		sensorCacheHits.Inc()
		return int32(binary.BigEndian.Uint32(raw)), nil
	}
	unknownKey := internal.CacheKey("unknown-sensor", name)
	if _, ok := c.cache.GetMemory(unknownKey); ok {
		sensorCacheHits.Inc()
		return 0, ErrUnknownSensor
	}
	sensorCacheMisses.Inc()

	rows, err := c.db.Query(ctx, c.sensorLookup, name)
	if err != nil {
		return 0, c.track(err)
	}
	defer rows.Close()

	var ids []int32
	for rows.Next() {
		var id int32
		if err = rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}
	if err = c.track(rows.Err()); err != nil {
		return 0, err
	}

	switch len(ids) {
	case 0:
		c.cache.SetMemory(unknownKey, []byte{}, c.unknownSensorTTL)
		return 0, ErrUnknownSensor
	case 1:
		raw := make([]byte, 4)
		binary.BigEndian.PutUint32(raw, uint32(ids[0]))
		c.cache.Set(ctx, key, raw)
		return ids[0], nil
	default:
		return 0, fmt.Errorf("%w: %d rows", ErrAmbiguousSensor, len(ids))
	}
}

func (c *Connection) insertParent(timestamp time.Time, sensorID int32) (int64, error) {
	ctx, cancel := c.statementContext()
	defer cancel()

	rows, err := c.db.Query(ctx, c.insertRecord, timestamp, sensorID)
	if err != nil {
		return 0, c.track(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}
	if err = c.track(rows.Err()); err != nil {
		return 0, err
	}
	if len(ids) != 1 {
		return 0, fmt.Errorf("%w: got %d", ErrParentInsert, len(ids))
	}
	return ids[0], nil
}
