// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package store provides the durable-store adapters the gateway mirrors its
// in-memory state into for cross-restart continuity and observability. All
// writes through this package are fire-and-forget: correctness of the
// running process never depends on them.
package store

import (
	"context"
	"fmt"
	"log"

	redis "github.com/redis/go-redis/v9"
)

// DurableStore covers the gateway's whole durable-key layout (procs:*,
// tokens:*, events*, rate:<model>, metrics:ts) with the HASH/LIST/ZSET/INCR
// primitives it actually needs: one minimal interface, several
// interchangeable adapters.
type DurableStore interface {
	HSet(ctx context.Context, key string, values map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	LPush(ctx context.Context, key string, value string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	Incr(ctx context.Context, key string) (int64, error)
}

// NoopStore logs every call and performs no I/O — the dependency-free
// stand-in used in tests and in demo/dev runs.
type NoopStore struct{ log *log.Logger }

// NewNoopStore creates a NoopStore. logger may be nil (uses log.Default()).
func NewNoopStore(logger *log.Logger) *NoopStore {
	if logger == nil {
		logger = log.Default()
	}
	return &NoopStore{log: logger}
}

func (s *NoopStore) HSet(_ context.Context, key string, values map[string]string) error {
	s.log.Printf("[store-noop] HSET %s %v", key, values)
	return nil
}

func (s *NoopStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.log.Printf("[store-noop] HGETALL %s", key)
	return map[string]string{}, nil
}

func (s *NoopStore) HDel(_ context.Context, key string, fields ...string) error {
	s.log.Printf("[store-noop] HDEL %s %v", key, fields)
	return nil
}

func (s *NoopStore) LPush(_ context.Context, key string, value string) error {
	s.log.Printf("[store-noop] LPUSH %s %s", key, value)
	return nil
}

func (s *NoopStore) LTrim(_ context.Context, key string, start, stop int64) error {
	s.log.Printf("[store-noop] LTRIM %s %d %d", key, start, stop)
	return nil
}

func (s *NoopStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.log.Printf("[store-noop] ZADD %s %f %s", key, score, member)
	return nil
}

func (s *NoopStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	s.log.Printf("[store-noop] ZREMRANGEBYSCORE %s %f %f", key, min, max)
	return nil
}

func (s *NoopStore) Incr(_ context.Context, key string) (int64, error) {
	s.log.Printf("[store-noop] INCR %s", key)
	return 0, nil
}

// RedisStore wraps a real github.com/redis/go-redis/v9 client.
type RedisStore struct{ c *redis.Client }

// NewRedisStore dials addr lazily (go-redis connects on first command).
func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{c: redis.NewClient(&redis.Options{Addr: addr})}
}

func (s *RedisStore) HSet(ctx context.Context, key string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	return s.c.HSet(ctx, key, args...).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.c.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.c.HDel(ctx, key, fields...).Err()
}

func (s *RedisStore) LPush(ctx context.Context, key string, value string) error {
	return s.c.LPush(ctx, key, value).Err()
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.c.LTrim(ctx, key, start, stop).Err()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.c.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return s.c.ZRemRangeByScore(ctx, key, fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.c.Incr(ctx, key).Result()
}
