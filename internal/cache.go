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

package internal

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// TieredCache is a memory cache backed by an optional redis instance.
// Without redis it behaves like a plain expiring memory cache.
type TieredCache struct {
	memory          *cache.Cache
	rdb             *redis.Client
	redisExpiration time.Duration
	log             *zap.SugaredLogger
}

// NewRedisClient returns nil when no address is configured.
func NewRedisClient(address string, password string, db int) *redis.Client {
	if address == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
}

func NewTieredCache(memoryExpiration time.Duration, rdb *redis.Client, redisExpiration time.Duration, log *zap.SugaredLogger) *TieredCache {
	return &TieredCache{
		memory:          cache.New(memoryExpiration, 2*memoryExpiration),
		rdb:             rdb,
		redisExpiration: redisExpiration,
		log:             log,
	}
}

// Get attempts to get key from the memory cache, if that fails it falls back to redis.
// Values found in redis are written back to memory.
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if value, found := c.memory.Get(key); found {
		return value.([]byte), true
	}
	if c.rdb == nil {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, OneSecond)
	defer cancel()
	value, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Debugf("Redis lookup of %s failed: %s", key, err)
		}
		return nil, false
	}

	c.memory.SetDefault(key, value)
	return value, true
}

// Set stores value in memory and, if available, in redis.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte) {
	c.memory.SetDefault(key, value)
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, key, value, c.redisExpiration).Err(); err != nil {
		c.log.Debugf("Redis store of %s failed: %s", key, err)
	}
}

// SetMemory stores value in memory only, with its own expiration.
func (c *TieredCache) SetMemory(key string, value []byte, d time.Duration) {
	c.memory.Set(key, value, d)
}

// GetMemory never consults redis.
func (c *TieredCache) GetMemory(key string) ([]byte, bool) {
	value, found := c.memory.Get(key)
	if !found {
		return nil, false
	}
	return value.([]byte), true
}

func (c *TieredCache) Delete(ctx context.Context, key string) {
	c.memory.Delete(key)
	if c.rdb != nil {
		c.rdb.Del(ctx, key)
	}
}

// RedisAvailable pings redis. It succeeds when redis is not configured.
func (c *TieredCache) RedisAvailable() error {
	if c.rdb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), OneSecond)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

func (c *TieredCache) Close() error {
	c.memory.Flush()
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
