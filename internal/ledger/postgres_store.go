package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/openlearn/subsidyledger/internal/pagination"
)

// pqUniqueViolation is the postgres error code for unique constraint hits.
const pqUniqueViolation = "23505"

// PostgresStore implements Store with PostgreSQL.
//
// The idempotency key uniqueness and the one-reversal-per-transaction rule
// are enforced by unique indexes, and the per-ledger debit serialization by
// a row lock on the ledger during the check-and-insert transaction. The
// application-level checks in Service are a convenience on top of these.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables. cmd/migrate owns the canonical schema;
// this exists so dev setups without goose still come up.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledgers (
			id               VARCHAR(36) PRIMARY KEY,
			unit             VARCHAR(32) NOT NULL DEFAULT 'usd_cents',
			starting_balance BIGINT NOT NULL CHECK (starting_balance >= 0),
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id                         VARCHAR(36) PRIMARY KEY,
			ledger_id                  VARCHAR(36) NOT NULL REFERENCES ledgers(id),
			idempotency_key            VARCHAR(255) NOT NULL UNIQUE,
			quantity                   BIGINT NOT NULL,
			unit                       VARCHAR(32) NOT NULL DEFAULT 'usd_cents',
			lms_user_id                VARCHAR(255) NOT NULL DEFAULT '',
			content_key                VARCHAR(255) NOT NULL DEFAULT '',
			subsidy_access_policy_uuid VARCHAR(36) NOT NULL DEFAULT '',
			fulfillment_id             VARCHAR(255) NOT NULL DEFAULT '',
			reference_type             VARCHAR(64) NOT NULL DEFAULT '',
			state                      VARCHAR(16) NOT NULL DEFAULT 'created',
			metadata                   JSONB,
			created_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_ledger ON transactions(ledger_id);
		CREATE INDEX IF NOT EXISTS idx_transactions_redemption ON transactions(ledger_id, lms_user_id, content_key);
		CREATE INDEX IF NOT EXISTS idx_transactions_state ON transactions(state);

		CREATE TABLE IF NOT EXISTS reversals (
			id              VARCHAR(36) PRIMARY KEY,
			transaction_id  VARCHAR(36) NOT NULL UNIQUE REFERENCES transactions(id),
			idempotency_key VARCHAR(255) NOT NULL UNIQUE,
			quantity        BIGINT NOT NULL,
			metadata        JSONB,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (p *PostgresStore) CreateLedger(ctx context.Context, l *Ledger) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledgers (id, unit, starting_balance, created_at)
		VALUES ($1, $2, $3, $4)
	`, l.ID, l.Unit, l.StartingBalance, l.CreatedAt)
	return err
}

func (p *PostgresStore) GetLedger(ctx context.Context, id string) (*Ledger, error) {
	l := &Ledger{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, unit, starting_balance, created_at FROM ledgers WHERE id = $1
	`, id).Scan(&l.ID, &l.Unit, &l.StartingBalance, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLedgerNotFound
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// CreateTransaction locks the ledger row, re-derives the balance under that
// lock for debits, and inserts. Two concurrent debits on the same ledger
// queue on the row lock, so the second one sees the first one's insert.
func (p *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	var startingBalance int64
	err = dbtx.QueryRowContext(ctx, `
		SELECT starting_balance FROM ledgers WHERE id = $1 FOR UPDATE
	`, tx.LedgerID).Scan(&startingBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrLedgerNotFound
	}
	if err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}

	if tx.Quantity < 0 {
		var balance int64
		err = dbtx.QueryRowContext(ctx, `
			SELECT $2::BIGINT
				+ COALESCE((SELECT SUM(t.quantity) FROM transactions t
					WHERE t.ledger_id = $1 AND t.state != 'failed'), 0)
				+ COALESCE((SELECT SUM(r.quantity) FROM reversals r
					JOIN transactions t ON t.id = r.transaction_id
					WHERE t.ledger_id = $1 AND t.state != 'failed'), 0)
		`, tx.LedgerID, startingBalance).Scan(&balance)
		if err != nil {
			return fmt.Errorf("derive balance: %w", err)
		}
		if balance+tx.Quantity < 0 {
			return ErrInsufficientBalance
		}
	}

	metadata, err := marshalMetadata(tx.Metadata)
	if err != nil {
		return err
	}

	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO transactions
			(id, ledger_id, idempotency_key, quantity, unit, lms_user_id, content_key,
			 subsidy_access_policy_uuid, fulfillment_id, reference_type, state, metadata,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, tx.ID, tx.LedgerID, tx.IdempotencyKey, tx.Quantity, tx.Unit, tx.LMSUserID,
		tx.ContentKey, tx.SubsidyAccessPolicyUUID, tx.FulfillmentID, tx.ReferenceType,
		tx.State, metadata, tx.CreatedAt, tx.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	return dbtx.Commit()
}

const transactionColumns = `
	id, ledger_id, idempotency_key, quantity, unit, lms_user_id, content_key,
	subsidy_access_policy_uuid, fulfillment_id, reference_type, state, metadata,
	created_at, updated_at`

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE id = $1
	`, id)
	return scanTransaction(row)
}

func (p *PostgresStore) GetTransactionByKey(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1
	`, idempotencyKey)
	return scanTransaction(row)
}

func (p *PostgresStore) FindRedemption(ctx context.Context, ledgerID, lmsUserID, contentKey string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE ledger_id = $1 AND lms_user_id = $2 AND content_key = $3 AND state != 'failed'
		ORDER BY created_at DESC
		LIMIT 1
	`, ledgerID, lmsUserID, contentKey)
	return scanTransaction(row)
}

func (p *PostgresStore) ListTransactions(ctx context.Context, ledgerID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	query := `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE ledger_id = $1`
	args := []any{ledgerID}
	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(`
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListUnresolved(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE state IN ('created', 'pending') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// UpdateTransaction is a compare-and-swap on the state column: the write only
// lands when the row is still in the state the caller read it in, so two
// replicas racing through read-check-write cannot both win.
func (p *PostgresStore) UpdateTransaction(ctx context.Context, tx *Transaction, from State) error {
	metadata, err := marshalMetadata(tx.Metadata)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			fulfillment_id = $2,
			reference_type = $3,
			state          = $4,
			metadata       = $5,
			updated_at     = $6
		WHERE id = $1 AND state = $7
	`, tx.ID, tx.FulfillmentID, tx.ReferenceType, tx.State, metadata, tx.UpdatedAt, from)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrStaleTransaction
	}
	return nil
}

func (p *PostgresStore) CreateReversal(ctx context.Context, rev *Reversal) error {
	metadata, err := marshalMetadata(rev.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO reversals (id, transaction_id, idempotency_key, quantity, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rev.ID, rev.TransactionID, rev.IdempotencyKey, rev.Quantity, metadata, rev.CreatedAt, rev.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (p *PostgresStore) GetReversalByKey(ctx context.Context, idempotencyKey string) (*Reversal, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, idempotency_key, quantity, metadata, created_at, updated_at
		FROM reversals WHERE idempotency_key = $1
	`, idempotencyKey)
	return scanReversal(row)
}

func (p *PostgresStore) GetReversalForTransaction(ctx context.Context, transactionID string) (*Reversal, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, idempotency_key, quantity, metadata, created_at, updated_at
		FROM reversals WHERE transaction_id = $1
	`, transactionID)
	return scanReversal(row)
}

func (p *PostgresStore) Balance(ctx context.Context, ledgerID string, filter *BalanceFilter) (int64, error) {
	lmsUserID, contentKey := "", ""
	includeStarting := true
	if filter != nil {
		lmsUserID, contentKey = filter.LMSUserID, filter.ContentKey
		includeStarting = false
	}

	var balance int64
	err := p.db.QueryRowContext(ctx, `
		SELECT CASE WHEN $4::BOOLEAN THEN l.starting_balance ELSE 0 END
			+ COALESCE((SELECT SUM(t.quantity) FROM transactions t
				WHERE t.ledger_id = l.id AND t.state != 'failed'
				AND ($2 = '' OR t.lms_user_id = $2)
				AND ($3 = '' OR t.content_key = $3)), 0)
			+ COALESCE((SELECT SUM(r.quantity) FROM reversals r
				JOIN transactions t ON t.id = r.transaction_id
				WHERE t.ledger_id = l.id AND t.state != 'failed'
				AND ($2 = '' OR t.lms_user_id = $2)
				AND ($3 = '' OR t.content_key = $3)), 0)
		FROM ledgers l WHERE l.id = $1
	`, ledgerID, lmsUserID, contentKey, includeStarting).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrLedgerNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func unmarshalMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	tx := &Transaction{}
	var metadata []byte
	err := row.Scan(&tx.ID, &tx.LedgerID, &tx.IdempotencyKey, &tx.Quantity, &tx.Unit,
		&tx.LMSUserID, &tx.ContentKey, &tx.SubsidyAccessPolicyUUID, &tx.FulfillmentID,
		&tx.ReferenceType, &tx.State, &metadata, &tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if tx.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func scanReversal(row rowScanner) (*Reversal, error) {
	rev := &Reversal{}
	var metadata []byte
	err := row.Scan(&rev.ID, &rev.TransactionID, &rev.IdempotencyKey, &rev.Quantity,
		&metadata, &rev.CreatedAt, &rev.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReversalNotFound
	}
	if err != nil {
		return nil, err
	}
	if rev.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return rev, nil
}
