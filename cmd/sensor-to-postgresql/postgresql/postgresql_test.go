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

package postgresql

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal/config"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal/testhelper"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/pkg/datamodel"
)

func testConfig() config.PostgreSQL {
	return config.PostgreSQL{
		Host:             "db",
		Port:             5432,
		User:             "sensors",
		Database:         "sensors",
		SSLMode:          "disable",
		ConnectTimeout:   time.Second,
		StatementTimeout: time.Second,
	}
}

func CreateMockConnection(t *testing.T, cfg config.PostgreSQL) (*Connection, pgxmock.PgxPoolIface) {
	log := testhelper.Logger(t)
	c := NewConnection(cfg, datamodel.DefaultSchema(), internal.NewTieredCache(time.Minute, nil, 0, log), time.Minute, log)

	mocked, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("Failed to create mock connection: %v", err)
	}
	c.db = mocked
	c.reachable.Store(true)
	return c, mocked
}

func kitchenRecord() datamodel.Record {
	return datamodel.NewRecord(time.Unix(1700000000, 0), "kitchen", []datamodel.Quantity{
		{Name: "temperature", Value: 21.5},
		{Name: "humidity", Value: 40.2},
	})
}

func quoted(statement string) string {
	return regexp.QuoteMeta(statement)
}

func childStatement(name string) string {
	spec, _ := datamodel.DefaultSchema().Spec(name)
	return quoted(ChildStatement(spec))
}

func expectSensor(mock pgxmock.PgxPoolIface, name string, ids ...int32) {
	rows := pgxmock.NewRows([]string{"id"})
	for _, id := range ids {
		rows.AddRow(id)
	}
	mock.ExpectQuery(quoted(DefaultSensorLookup)).WithArgs(name).WillReturnRows(rows)
}

func expectParent(mock pgxmock.PgxPoolIface, record datamodel.Record, sensorID int32, ids ...int64) {
	rows := pgxmock.NewRows([]string{"id"})
	for _, id := range ids {
		rows.AddRow(id)
	}
	mock.ExpectQuery(quoted(DefaultInsertRecord)).WithArgs(record.Timestamp(), sensorID).WillReturnRows(rows)
}

func TestChildStatement(t *testing.T) {
	spec := datamodel.QuantitySpec{Name: "temperature", Table: "temperature", Column: "celsius"}
	assert.Equal(t, `INSERT INTO "temperature" (record_id, "celsius") VALUES ($1, $2)`, ChildStatement(spec))
}

func TestPersistKitchen(t *testing.T) {
	c, mock := CreateMockConnection(t, testConfig())
	record := kitchenRecord()

	expectSensor(mock, "kitchen", 7)
	expectParent(mock, record, 7, 42)
	mock.ExpectExec(childStatement("temperature")).WithArgs(int64(42), 21.5).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(childStatement("humidity")).WithArgs(int64(42), 40.2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	report, err := c.Persist(record)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, internal.OutcomeComplete, report.Outcome())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistUnknownSensor(t *testing.T) {
	c, mock := CreateMockConnection(t, testConfig())
	record := datamodel.NewRecord(time.Unix(1700000000, 0), "attic", []datamodel.Quantity{
		{Name: "temperature", Value: 18},
		{Name: "humidity", Value: 55},
	})

	expectSensor(mock, "attic")

	_, err := c.Persist(record)
	assert.ErrorIs(t, err, ErrUnknownSensor)

	// Remembered as unknown, no second lookup.
	_, err = c.Persist(record)
	assert.ErrorIs(t, err, ErrUnknownSensor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistAmbiguousSensor(t *testing.T) {
	c, mock := CreateMockConnection(t, testConfig())

	expectSensor(mock, "kitchen", 7, 8)

	_, err := c.Persist(kitchenRecord())
	assert.ErrorIs(t, err, ErrAmbiguousSensor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistLookupError(t *testing.T) {
	c, mock := CreateMockConnection(t, testConfig())
	mock.ExpectQuery(quoted(DefaultSensorLookup)).WithArgs("kitchen").WillReturnError(errors.New("connection reset"))

	_, err := c.Persist(kitchenRecord())
	assert.ErrorContains(t, err, "connection reset")
	assert.ErrorIs(t, c.Healthy(), ErrConnectionLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistParentInsertWithoutID(t *testing.T) {
	c, mock := CreateMockConnection(t, testConfig())
	record := kitchenRecord()

	expectSensor(mock, "kitchen", 7)
	expectParent(mock, record, 7)

	_, err := c.Persist(record)
	assert.ErrorIs(t, err, ErrParentInsert)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistFailingQuantityKeepsOthers(t *testing.T) {
	c, mock := CreateMockConnection(t, testConfig())
	record := kitchenRecord()

	expectSensor(mock, "kitchen", 7)
	expectParent(mock, record, 7, 42)
	mock.ExpectExec(childStatement("temperature")).WithArgs(int64(42), 21.5).
		WillReturnError(&pgconn.PgError{Code: "42501", Message: "permission denied for table temperature"})
	mock.ExpectExec(childStatement("humidity")).WithArgs(int64(42), 40.2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	report, err := c.Persist(record)
	require.NoError(t, err)
	assert.Equal(t, internal.OutcomePartial, report.Outcome())
	assert.Equal(t, []string{"temperature"}, report.FailedQuantities)
	assert.NoError(t, c.Healthy())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistConnectionLostAndRecovered(t *testing.T) {
	c, mock := CreateMockConnection(t, testConfig())
	first := kitchenRecord()
	second := datamodel.NewRecord(time.Unix(1700000060, 0), "kitchen", []datamodel.Quantity{
		{Name: "temperature", Value: 21.7},
	})
	require.NoError(t, c.Healthy())

	expectSensor(mock, "kitchen", 7)
	mock.ExpectQuery(quoted(DefaultInsertRecord)).WithArgs(first.Timestamp(), int32(7)).
		WillReturnError(errors.New("conn closed"))

	_, err := c.Persist(first)
	assert.ErrorContains(t, err, "conn closed")
	assert.ErrorIs(t, c.Healthy(), ErrConnectionLost)

	// The pool has dialed again, the sensor id comes from the cache.
	expectParent(mock, second, 7, 43)
	mock.ExpectExec(childStatement("temperature")).WithArgs(int64(43), 21.7).
		WillReturnError(&pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"})

	report, err := c.Persist(second)
	require.NoError(t, err)
	assert.Equal(t, []string{"temperature"}, report.FailedQuantities)
	assert.NoError(t, c.Healthy())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistUsesSensorCache(t *testing.T) {
	c, mock := CreateMockConnection(t, testConfig())
	first := kitchenRecord()
	second := datamodel.NewRecord(time.Unix(1700000060, 0), "kitchen", []datamodel.Quantity{
		{Name: "temperature", Value: 21.7},
		{Name: "humidity", Value: 40.0},
		{Name: "pressure", Value: 1013.25},
	})

	expectSensor(mock, "kitchen", 7)
	expectParent(mock, first, 7, 42)
	mock.ExpectExec(childStatement("temperature")).WithArgs(int64(42), 21.5).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(childStatement("humidity")).WithArgs(int64(42), 40.2).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectParent(mock, second, 7, 43)
	mock.ExpectExec(childStatement("temperature")).WithArgs(int64(43), 21.7).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(childStatement("humidity")).WithArgs(int64(43), 40.0).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(childStatement("pressure")).WithArgs(int64(43), 1013.25).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	_, err := c.Persist(first)
	require.NoError(t, err)
	report, err := c.Persist(second)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Attempted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistStatementOverrides(t *testing.T) {
	cfg := testConfig()
	cfg.Statements.SensorLookup = `SELECT sensor_id FROM sensor_registry WHERE sensor_name = $1 AND active`
	cfg.Statements.InsertRecord = `INSERT INTO readings (taken_at, sensor) VALUES ($1, $2) RETURNING reading_id`
	c, mock := CreateMockConnection(t, cfg)
	record := kitchenRecord()

	mock.ExpectQuery(quoted(cfg.Statements.SensorLookup)).WithArgs("kitchen").
		WillReturnRows(pgxmock.NewRows([]string{"sensor_id"}).AddRow(int32(3)))
	mock.ExpectQuery(quoted(cfg.Statements.InsertRecord)).WithArgs(record.Timestamp(), int32(3)).
		WillReturnRows(pgxmock.NewRows([]string{"reading_id"}).AddRow(int64(9)))
	mock.ExpectExec(childStatement("temperature")).WithArgs(int64(9), 21.5).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(childStatement("humidity")).WithArgs(int64(9), 40.2).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	_, err := c.Persist(record)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func expectTables(mock pgxmock.PgxPoolIface, tables ...string) {
	for _, table := range tables {
		mock.ExpectQuery(quoted(tableExists)).WithArgs(table).
			WillReturnRows(pgxmock.NewRows([]string{"table_name"}).AddRow(table))
	}
}

func schemaTables() []string {
	tables := []string{"sensors", "records"}
	for _, q := range datamodel.DefaultSchema().Quantities {
		tables = append(tables, q.Table)
	}
	return tables
}

func TestConnect(t *testing.T) {
	log := testhelper.Logger(t)
	c := NewConnection(testConfig(), datamodel.DefaultSchema(), internal.NewTieredCache(time.Minute, nil, 0, log), time.Minute, log)
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	var connString string
	c.WithConnector(func(_ context.Context, cs string) (DB, error) {
		connString = cs
		return mock, nil
	})

	_, err = c.Persist(kitchenRecord())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Healthy(), ErrConnectionLost)

	mock.ExpectPing()
	expectTables(mock, schemaTables()...)
	mock.ExpectClose()

	require.NoError(t, c.Connect())
	assert.NoError(t, c.Healthy())
	assert.Contains(t, connString, "host=db")
	assert.Contains(t, connString, "sslmode=disable")
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Healthy(), ErrConnectionLost)
	assert.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectMissingTable(t *testing.T) {
	log := testhelper.Logger(t)
	c := NewConnection(testConfig(), datamodel.DefaultSchema(), internal.NewTieredCache(time.Minute, nil, 0, log), time.Minute, log)
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	c.connect = func(context.Context, string) (DB, error) { return mock, nil }

	mock.ExpectPing()
	expectTables(mock, "sensors")
	mock.ExpectQuery(quoted(tableExists)).WithArgs("records").
		WillReturnRows(pgxmock.NewRows([]string{"table_name"}))
	mock.ExpectClose()

	err = c.Connect()
	assert.ErrorContains(t, err, "table records does not exist")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectFailure(t *testing.T) {
	log := testhelper.Logger(t)
	c := NewConnection(testConfig(), datamodel.DefaultSchema(), internal.NewTieredCache(time.Minute, nil, 0, log), time.Minute, log)
	c.connect = func(context.Context, string) (DB, error) {
		return nil, errors.New("no route to host")
	}

	err := c.Connect()
	assert.ErrorContains(t, err, "no route to host")
	assert.ErrorIs(t, c.Healthy(), ErrConnectionLost)
}

func TestConnectPoolRejectsBadConnString(t *testing.T) {
	_, err := ConnectPool(context.Background(), "host=db port=notaport")
	assert.Error(t, err)
}
