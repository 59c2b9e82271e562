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

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/omeid/pgerror"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal/config"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/pkg/datamodel"
	"go.uber.org/zap"
)

const (
	createSensors = `CREATE TABLE IF NOT EXISTS sensors (id SERIAL PRIMARY KEY, name TEXT NOT NULL UNIQUE)`
	createRecords = `CREATE TABLE IF NOT EXISTS records (id BIGSERIAL PRIMARY KEY, timestamp TIMESTAMPTZ NOT NULL, sensor_id INTEGER NOT NULL REFERENCES sensors (id))`
	insertSensor  = `INSERT INTO sensors (name) VALUES ($1)`
)

// SetupDB opens the database and waits for the first ping.
func SetupDB(cfg config.PostgreSQL) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg, err)
	}
	if ok, err := IsPostgresSQLAvailable(db, cfg); !ok {
		_ = db.Close()
		return nil, fmt.Errorf("postgres not yet available: %w", err)
	}
	return db, nil
}

// IsPostgresSQLAvailable returns if the database is reachable by PING command
func IsPostgresSQLAvailable(db *sql.DB, cfg config.PostgreSQL) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ShutdownDB closes all database connections
func ShutdownDB(db *sql.DB, log *zap.SugaredLogger) {
	log.Infof("Closing database connection")
	if err := db.Close(); err != nil {
		log.Errorf("Error closing database: %s", err)
	}
}

// TableStatements creates the sensors and records tables plus one table per
// distinct quantity table. Quantities sharing a table get one column each.
func TableStatements(schema datamodel.Schema) []string {
	statements := []string{createSensors, createRecords}

	var tables []string
	columns := make(map[string][]string)
	for _, q := range schema.Quantities {
		if _, ok := columns[q.Table]; !ok {
			tables = append(tables, q.Table)
		}
		columns[q.Table] = append(columns[q.Table], pq.QuoteIdentifier(q.Column)+" DOUBLE PRECISION")
	}
	for _, table := range tables {
		statements = append(statements, fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (record_id BIGINT NOT NULL REFERENCES records (id) ON DELETE CASCADE, %s)",
			pq.QuoteIdentifier(table),
			strings.Join(columns[table], ", ")))
	}
	return statements
}

// CreateTables runs every statement of TableStatements in one transaction.
func CreateTables(ctx context.Context, db *sql.DB, schema datamodel.Schema, log *zap.SugaredLogger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("opening transaction: %w", err)
	}
	for _, statement := range TableStatements(schema) {
		log.Debugf("Executing %s", statement)
		if _, err = tx.ExecContext(ctx, statement); err != nil {
			if errX := tx.Rollback(); errX != nil {
				log.Errorf("Error while rolling back transaction: %s", errX)
			}
			return fmt.Errorf("creating tables: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing tables: %w", err)
	}
	log.Infof("Created %d tables", len(TableStatements(schema)))
	return nil
}

// RegisterSensors inserts every name into the sensors table. A name that is
// already registered is reported and skipped.
func RegisterSensors(ctx context.Context, db *sql.DB, names []string, log *zap.SugaredLogger) (int, error) {
	registered := 0
	for _, name := range names {
		if name == "" {
			return registered, errors.New("empty sensor name")
		}
		_, err := db.ExecContext(ctx, insertSensor, name)
		if e := pgerror.UniqueViolation(err); e != nil {
			log.Warnf("Sensor %q is already registered", name)
			continue
		}
		if err != nil {
			return registered, fmt.Errorf("registering sensor %q: %w", name, err)
		}
		log.Infof("Registered sensor %q", name)
		registered++
	}
	return registered, nil
}
