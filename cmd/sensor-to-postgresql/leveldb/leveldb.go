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

// Package leveldb stores records in an embedded LevelDB, ordered by time.
package leveldb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal/config"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/pkg/datamodel"
	"go.uber.org/zap"
)

var ErrNotOpen = errors.New("database is not open")

const timestampBytes = 8

// Store is not safe for concurrent use. The persistence worker owns it.
type Store struct {
	cfg   config.LevelDB
	codec *datamodel.Codec
	log   *zap.SugaredLogger
	open  func() (*leveldb.DB, error)

	db     *leveldb.DB
	isOpen atomic.Bool
}

func NewStore(cfg config.LevelDB, codec *datamodel.Codec, log *zap.SugaredLogger) *Store {
	return &Store{
		cfg:   cfg,
		codec: codec,
		log:   log,
		open: func() (*leveldb.DB, error) {
			return leveldb.OpenFile(cfg.Path, &opt.Options{ErrorIfMissing: !cfg.CreateIfMissing})
		},
	}
}

// Key orders records by time first. The timestamp is stored as offset binary
// so records before 1970 sort before later ones. The 0x00 separator keeps
// sensors sharing a millisecond apart.
func Key(timestamp time.Time, sensorName string) []byte {
	key := make([]byte, timestampBytes+1+len(sensorName))
	binary.BigEndian.PutUint64(key, uint64(timestamp.UnixMilli())^(1<<63))
	key[timestampBytes] = 0
	copy(key[timestampBytes+1:], sensorName)
	return key
}

func keyPrefix(timestamp time.Time) []byte {
	return Key(timestamp, "")[:timestampBytes]
}

func (s *Store) Connect() error {
	s.log.Infof("Opening LevelDB at %s", s.cfg.Path)
	db, err := s.open()
	if err != nil {
		return fmt.Errorf("opening leveldb at %s: %w", s.cfg.Path, err)
	}
	s.db = db
	s.isOpen.Store(true)
	return nil
}

func (s *Store) Healthy() error {
	if !s.isOpen.Load() {
		return ErrNotOpen
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.isOpen.Store(false)
	err := s.db.Close()
	s.db = nil
	return err
}

// Persist writes the record as one value. A later record of the same sensor
// within the same millisecond replaces it.
func (s *Store) Persist(record datamodel.Record) (internal.WriteReport, error) {
	if s.db == nil {
		return internal.WriteReport{}, ErrNotOpen
	}
	value, err := s.codec.Encode(record)
	if err != nil {
		return internal.WriteReport{}, fmt.Errorf("encoding record of %q: %w", record.SensorName(), err)
	}
	if err = s.db.Put(Key(record.Timestamp(), record.SensorName()), value, nil); err != nil {
		return internal.WriteReport{}, fmt.Errorf("writing record of %q: %w", record.SensorName(), err)
	}
	return internal.WriteReport{Attempted: len(record.Quantities())}, nil
}

// rangeRecords calls fn for every record in [from, to), oldest first.
func (s *Store) rangeRecords(from time.Time, to time.Time, fn func(datamodel.Record) error) error {
	if s.db == nil {
		return ErrNotOpen
	}
	iter := s.db.NewIterator(&util.Range{Start: keyPrefix(from), Limit: keyPrefix(to)}, nil)
	defer iter.Release()

	for iter.Next() {
		record, err := s.codec.Decode(iter.Value())
		if err != nil {
			s.log.Warnf("Skipping undecodable value at key %x: %s", iter.Key(), err)
			continue
		}
		if err = fn(record); err != nil {
			return err
		}
	}
	return iter.Error()
}
