package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// advisoryLockKey identifies the reconciler's postgres advisory lock.
// Arbitrary but stable; must not collide with other locks in the database.
const advisoryLockKey = 0x5ec0_4c11e

// MemoryStore is an in-memory WatermarkStore and Lease for development and
// tests. The lease only serializes within one process.
type MemoryStore struct {
	mu        sync.Mutex
	watermark time.Time
	leased    bool
}

// NewMemoryStore creates an empty in-memory reconciler store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) GetWatermark(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark, nil
}

func (m *MemoryStore) SetWatermark(ctx context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermark = t
	return nil
}

func (m *MemoryStore) TryAcquire(ctx context.Context) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leased {
		return nil, false, nil
	}
	m.leased = true
	return func() {
		m.mu.Lock()
		m.leased = false
		m.mu.Unlock()
	}, true, nil
}

// PostgresStore persists the watermark and provides a cross-replica lease
// via a postgres advisory lock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed reconciler store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the reconcile_state table. cmd/migrate owns the canonical
// schema; this exists so dev setups without goose still come up.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reconcile_state (
			id         INT PRIMARY KEY CHECK (id = 1),
			watermark  TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (p *PostgresStore) GetWatermark(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := p.db.QueryRowContext(ctx, `
		SELECT watermark FROM reconcile_state WHERE id = 1
	`).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func (p *PostgresStore) SetWatermark(ctx context.Context, t time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reconcile_state (id, watermark, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET watermark = $1, updated_at = NOW()
	`, t)
	return err
}

// TryAcquire takes the advisory lock on a dedicated connection. The lock is
// session-scoped, so the connection is held until release.
func (p *PostgresStore) TryAcquire(ctx context.Context) (func(), bool, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, false, err
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, advisoryLockKey).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, err
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}

	release := func() {
		// Unlock on a fresh context: the run's context may already be done.
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, advisoryLockKey)
		_ = conn.Close()
	}
	return release, true, nil
}
