package subsidy

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed subsidy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the subsidies table. cmd/migrate owns the canonical schema;
// this exists so dev setups without goose still come up.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subsidies (
			uuid                     VARCHAR(36) PRIMARY KEY,
			title                    VARCHAR(255) NOT NULL,
			enterprise_customer_uuid VARCHAR(36) NOT NULL DEFAULT '',
			ledger_id                VARCHAR(36) NOT NULL UNIQUE REFERENCES ledgers(id),
			active_datetime          TIMESTAMPTZ NOT NULL,
			expiration_datetime      TIMESTAMPTZ NOT NULL,
			retired_at               TIMESTAMPTZ,
			created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_subsidies_enterprise ON subsidies(enterprise_customer_uuid);
	`)
	return err
}

const subsidyColumns = `uuid, title, enterprise_customer_uuid, ledger_id,
	active_datetime, expiration_datetime, retired_at, created_at, updated_at`

func (p *PostgresStore) CreateSubsidy(ctx context.Context, s *Subsidy) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subsidies (`+subsidyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.UUID, s.Title, s.EnterpriseCustomerUUID, s.LedgerID,
		s.ActiveDatetime, s.ExpirationDatetime, s.RetiredAt, s.CreatedAt, s.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrLedgerInUse
	}
	return err
}

func (p *PostgresStore) GetSubsidy(ctx context.Context, uuid string) (*Subsidy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+subsidyColumns+` FROM subsidies WHERE uuid = $1
	`, uuid)
	return scanSubsidy(row)
}

func (p *PostgresStore) UpdateSubsidy(ctx context.Context, s *Subsidy) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE subsidies
		SET title = $2, retired_at = $3, updated_at = $4
		WHERE uuid = $1
	`, s.UUID, s.Title, s.RetiredAt, s.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubsidyNotFound
	}
	return nil
}

func (p *PostgresStore) ListSubsidies(ctx context.Context, enterpriseCustomerUUID string, limit int) ([]*Subsidy, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subsidyColumns+` FROM subsidies
		WHERE ($1 = '' OR enterprise_customer_uuid = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, enterpriseCustomerUUID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Subsidy
	for rows.Next() {
		s, err := scanSubsidy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubsidy(row rowScanner) (*Subsidy, error) {
	s := &Subsidy{}
	var retiredAt sql.NullTime
	err := row.Scan(&s.UUID, &s.Title, &s.EnterpriseCustomerUUID, &s.LedgerID,
		&s.ActiveDatetime, &s.ExpirationDatetime, &retiredAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubsidyNotFound
	}
	if err != nil {
		return nil, err
	}
	if retiredAt.Valid {
		t := retiredAt.Time
		s.RetiredAt = &t
	}
	return s, nil
}
