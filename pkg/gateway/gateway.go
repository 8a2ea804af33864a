// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway is the thin database layer over the shared PostgreSQL
// message bus: atomic inbox claims, outbox writes, orchestrator_state
// upserts and heartbeats, session_state versions, and the agent usage
// mirror. All queries are parameterized; every mutation targets rows
// keyed by this orchestrator's session identifier.
package gateway

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teradata-labs/engram/internal/pgxdriver"
)

// Gateway wraps the connection pool.
type Gateway struct {
	pool *pgxpool.Pool
}

// New connects and verifies connectivity. Failures here are init errors.
func New(ctx context.Context, cfg pgxdriver.Config) (*Gateway, error) {
	pool, err := pgxdriver.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &Gateway{pool: pool}, nil
}

// NewWithPool wraps an existing pool (used by tests).
func NewWithPool(pool *pgxpool.Pool) *Gateway {
	return &Gateway{pool: pool}
}

// Ping verifies database connectivity.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.pool.Ping(ctx)
}

// Close releases the pool.
func (g *Gateway) Close() {
	g.pool.Close()
}

// execInTx runs fn within a transaction, handling commit/rollback.
func (g *Gateway) execInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// nullableString converts an empty string to NULL for storage.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
