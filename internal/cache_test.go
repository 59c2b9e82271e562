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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestTieredCacheMemoryOnly(t *testing.T) {
	c := NewTieredCache(time.Minute, NewRedisClient("", "", 0), time.Hour, zaptest.NewLogger(t).Sugar())
	defer c.Close()
	ctx := context.Background()

	_, found := c.Get(ctx, "sensor/kitchen")
	assert.False(t, found)

	c.Set(ctx, "sensor/kitchen", []byte("7"))
	value, found := c.Get(ctx, "sensor/kitchen")
	assert.True(t, found)
	assert.Equal(t, []byte("7"), value)

	c.Delete(ctx, "sensor/kitchen")
	_, found = c.Get(ctx, "sensor/kitchen")
	assert.False(t, found)

	assert.NoError(t, c.RedisAvailable())
}

func TestTieredCacheSetMemoryExpires(t *testing.T) {
	c := NewTieredCache(time.Minute, nil, time.Hour, zaptest.NewLogger(t).Sugar())
	defer c.Close()

	c.SetMemory("unknown/garage", []byte{1}, 20*time.Millisecond)
	_, found := c.GetMemory("unknown/garage")
	assert.True(t, found)

	time.Sleep(50 * time.Millisecond)
	_, found = c.GetMemory("unknown/garage")
	assert.False(t, found)
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, CacheKey("sensor", "kitchen"), CacheKey("sensor", "kitchen"))
	assert.NotEqual(t, CacheKey("sensor", "kitchen"), CacheKey("unknown", "kitchen"))
	assert.NotEqual(t, CacheKey("sensor", "ab", "c"), CacheKey("sensor", "a", "bc"))
	assert.Len(t, AsXXHash("kitchen"), 16)
}
