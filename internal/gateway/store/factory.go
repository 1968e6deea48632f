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

package store

import (
	"database/sql"
	"fmt"
	"log"
)

// Options holds the knobs needed to build a durable-store backend from
// configuration.
type Options struct {
	Backend   string // "noop" (default), "redis"
	RedisAddr string
}

// Build constructs a DurableStore from Options. Unknown backends error out
// rather than silently falling back, so a misconfigured deployment never
// mistakes a no-op store for real persistence.
func Build(opts Options, logger *log.Logger) (DurableStore, error) {
	switch opts.Backend {
	case "", "noop":
		return NewNoopStore(logger), nil
	case "redis":
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("store: redis backend requires RedisAddr")
		}
		return NewRedisStore(opts.RedisAddr), nil
	default:
		return nil, fmt.Errorf("store: unknown backend %q", opts.Backend)
	}
}

// BuildRequestLedger constructs the optional tokens:requests ledger backend.
// Returns nil when db is nil (no ledger configured) — callers should treat
// a nil ledger as "don't bother recording."
func BuildRequestLedger(db *sql.DB) *PostgresStore {
	if db == nil {
		return nil
	}
	return NewPostgresStore(db)
}
