package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openlearn/subsidyledger/internal/pagination"
)

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	ledgers  map[string]*Ledger
	txns     map[string]*Transaction
	txnByKey map[string]string // idempotency key → transaction ID
	revs     map[string]*Reversal
	revByKey map[string]string // idempotency key → reversal ID
	revByTxn map[string]string // transaction ID → reversal ID
	byLedger map[string][]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledgers:  make(map[string]*Ledger),
		txns:     make(map[string]*Transaction),
		txnByKey: make(map[string]string),
		revs:     make(map[string]*Reversal),
		revByKey: make(map[string]string),
		revByTxn: make(map[string]string),
		byLedger: make(map[string][]string),
	}
}

func (m *MemoryStore) CreateLedger(ctx context.Context, l *Ledger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *l
	m.ledgers[l.ID] = &cp
	return nil
}

func (m *MemoryStore) GetLedger(ctx context.Context, id string) (*Ledger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.ledgers[id]
	if !ok {
		return nil, ErrLedgerNotFound
	}
	cp := *l
	return &cp, nil
}

// CreateTransaction holds the store lock for the whole balance check plus
// insert, which serializes concurrent debits the way the postgres store's
// row lock does.
func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ledgers[tx.LedgerID]; !ok {
		return ErrLedgerNotFound
	}
	if _, ok := m.txnByKey[tx.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	if tx.Quantity < 0 && m.balanceLocked(tx.LedgerID, nil)+tx.Quantity < 0 {
		return ErrInsufficientBalance
	}

	cp := copyTransaction(tx)
	m.txns[tx.ID] = cp
	m.txnByKey[tx.IdempotencyKey] = tx.ID
	m.byLedger[tx.LedgerID] = append(m.byLedger[tx.LedgerID], tx.ID)
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTransaction(tx), nil
}

func (m *MemoryStore) GetTransactionByKey(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.txnByKey[idempotencyKey]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTransaction(m.txns[id]), nil
}

func (m *MemoryStore) FindRedemption(ctx context.Context, ledgerID, lmsUserID, contentKey string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Transaction
	for _, id := range m.byLedger[ledgerID] {
		tx := m.txns[id]
		if tx.State == StateFailed || tx.LMSUserID != lmsUserID || tx.ContentKey != contentKey {
			continue
		}
		if latest == nil || tx.CreatedAt.After(latest.CreatedAt) {
			latest = tx
		}
	}
	if latest == nil {
		return nil, ErrTransactionNotFound
	}
	return copyTransaction(latest), nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, ledgerID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, id := range m.byLedger[ledgerID] {
		tx := m.txns[id]
		if cursor != nil && !beforeCursor(tx, cursor) {
			continue
		}
		result = append(result, copyTransaction(tx))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// beforeCursor reports whether tx sorts after the cursor position in the
// newest-first ordering, i.e. is older than the cursor row.
func beforeCursor(tx *Transaction, cur *pagination.Cursor) bool {
	if !tx.CreatedAt.Equal(cur.CreatedAt) {
		return tx.CreatedAt.Before(cur.CreatedAt)
	}
	return tx.ID < cur.ID
}

func (m *MemoryStore) ListUnresolved(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txns {
		if tx.State.Terminal() || !tx.UpdatedAt.Before(cutoff) {
			continue
		}
		result = append(result, copyTransaction(tx))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateTransaction(ctx context.Context, tx *Transaction, from State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.txns[tx.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if stored.State != from {
		return ErrStaleTransaction
	}
	m.txns[tx.ID] = copyTransaction(tx)
	return nil
}

func (m *MemoryStore) CreateReversal(ctx context.Context, rev *Reversal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txns[rev.TransactionID]; !ok {
		return ErrTransactionNotFound
	}
	if _, ok := m.revByKey[rev.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	if _, ok := m.revByTxn[rev.TransactionID]; ok {
		return ErrDuplicateKey
	}

	cp := copyReversal(rev)
	m.revs[rev.ID] = cp
	m.revByKey[rev.IdempotencyKey] = rev.ID
	m.revByTxn[rev.TransactionID] = rev.ID
	return nil
}

func (m *MemoryStore) GetReversalByKey(ctx context.Context, idempotencyKey string) (*Reversal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.revByKey[idempotencyKey]
	if !ok {
		return nil, ErrReversalNotFound
	}
	return copyReversal(m.revs[id]), nil
}

func (m *MemoryStore) GetReversalForTransaction(ctx context.Context, transactionID string) (*Reversal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.revByTxn[transactionID]
	if !ok {
		return nil, ErrReversalNotFound
	}
	return copyReversal(m.revs[id]), nil
}

func (m *MemoryStore) Balance(ctx context.Context, ledgerID string, filter *BalanceFilter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.ledgers[ledgerID]; !ok {
		return 0, ErrLedgerNotFound
	}
	return m.balanceLocked(ledgerID, filter), nil
}

// balanceLocked computes the derived balance. Callers must hold m.mu.
func (m *MemoryStore) balanceLocked(ledgerID string, filter *BalanceFilter) int64 {
	var sum int64
	if filter == nil {
		sum = m.ledgers[ledgerID].StartingBalance
	}
	for _, id := range m.byLedger[ledgerID] {
		tx := m.txns[id]
		if tx.State == StateFailed {
			continue
		}
		if filter != nil {
			if filter.LMSUserID != "" && tx.LMSUserID != filter.LMSUserID {
				continue
			}
			if filter.ContentKey != "" && tx.ContentKey != filter.ContentKey {
				continue
			}
		}
		sum += tx.Quantity
		if revID, ok := m.revByTxn[tx.ID]; ok {
			sum += m.revs[revID].Quantity
		}
	}
	return sum
}

func copyTransaction(tx *Transaction) *Transaction {
	cp := *tx
	if tx.Metadata != nil {
		cp.Metadata = make(map[string]any, len(tx.Metadata))
		for k, v := range tx.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func copyReversal(rev *Reversal) *Reversal {
	cp := *rev
	if rev.Metadata != nil {
		cp.Metadata = make(map[string]any, len(rev.Metadata))
		for k, v := range rev.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
