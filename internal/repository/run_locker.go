package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// advisoryRunLocker serializes projection per run with Postgres session
// advisory locks. The lock key is a stable hash of tenant and run, so every
// worker process contends on the same key regardless of which node it runs on.
type advisoryRunLocker struct {
	pool *pgxpool.Pool
}

// NewRunLocker wires an advisory-lock based run locker.
func NewRunLocker(pool *pgxpool.Pool) RunLocker {
	return &advisoryRunLocker{pool: pool}
}

// AcquireRunLock blocks until the run lock is held. The lock is session
// scoped, so the pooled connection stays pinned until release is called.
func (l *advisoryRunLocker) AcquireRunLock(ctx context.Context, tenantID, runID string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for run lock: %w", err)
	}

	key := tenantID + "\x1f" + runID
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}

	release := func() {
		// Unlock on a background context: releasing must not be skipped
		// because the caller's context was cancelled.
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key)
		conn.Release()
	}
	return release, nil
}
