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
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS token_requests (
//   request_id TEXT PRIMARY KEY,
//   model      TEXT NOT NULL,
//   input      BIGINT NOT NULL,
//   output     BIGINT NOT NULL,
//   ts         TIMESTAMPTZ NOT NULL DEFAULT now()
// );
// CREATE TABLE IF NOT EXISTS token_models (
//   model    TEXT PRIMARY KEY,
//   input    BIGINT NOT NULL DEFAULT 0,
//   output   BIGINT NOT NULL DEFAULT 0,
//   requests BIGINT NOT NULL DEFAULT 0
// );

// PostgresStore is the durable backend for the tokens:requests ledger,
// an idempotent insert-then-conditional-update over the schema above.
type PostgresStore struct {
	db             *sql.DB
	defaultTimeout time.Duration
}

// NewPostgresStore wraps an already-open *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, defaultTimeout: 10 * time.Second}
}

// RecordRequest idempotently records one request's final token counts. A
// retried call with the same requestID is a no-op on the ledger row (the
// ON CONFLICT guard) and folds into the per-model rollup exactly once.
func (p *PostgresStore) RecordRequest(ctx context.Context, requestID, model string, input, output int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.defaultTimeout)
		defer cancel()
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var inserted string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO token_requests(request_id, model, input, output) VALUES ($1,$2,$3,$4)
		   ON CONFLICT (request_id) DO NOTHING
		   RETURNING request_id`,
		requestID, model, input, output).Scan(&inserted)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("insert token_requests(%s): %w", requestID, err)
	}
	if err == sql.ErrNoRows {
		// request_id already recorded by a prior attempt at this commit;
		// the rollup below must not be double-applied.
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO token_models(model, input, output, requests) VALUES ($1,$2,$3,1)
		   ON CONFLICT (model) DO UPDATE SET
		     input = token_models.input + $2,
		     output = token_models.output + $3,
		     requests = token_models.requests + 1`,
		model, input, output); err != nil {
		return fmt.Errorf("upsert token_models(%s): %w", model, err)
	}

	return tx.Commit()
}
