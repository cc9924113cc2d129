package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ledger-service/ledger_service/internal/domain/entities"
)

type balanceKey struct {
	ledgerID int64
	evidence entities.Evidence
}

// fakeRepository is an in-memory Repository for exercising the service
// end to end without a database.
type fakeRepository struct {
	mu sync.Mutex

	ledgers  map[int64]*entities.Ledger
	types    map[int64]*entities.TransactionType
	txs      []*entities.Transaction
	balances map[balanceKey]decimal.Decimal

	// lockCalls records the id lists passed to LockLedgers so tests can
	// assert ordering.
	lockCalls [][]int64

	nextID int64
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		ledgers:  make(map[int64]*entities.Ledger),
		types:    make(map[int64]*entities.TransactionType),
		balances: make(map[balanceKey]decimal.Decimal),
	}
}

func (r *fakeRepository) nextSequence() int64 {
	r.nextID++
	return r.nextID
}

func (r *fakeRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (r *fakeRepository) CreateLedger(_ context.Context, l *entities.Ledger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.ledgers {
		if existing.Name == l.Name || existing.Number == l.Number {
			return fmt.Errorf("ledger already exists")
		}
	}
	l.ID = r.nextSequence()
	r.ledgers[l.ID] = l
	return nil
}

func (r *fakeRepository) GetLedger(_ context.Context, id int64) (*entities.Ledger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.ledgers[id]
	if !ok {
		return nil, fmt.Errorf("ledger not found")
	}
	return l, nil
}

func (r *fakeRepository) GetLedgerByName(_ context.Context, name string) (*entities.Ledger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range r.ledgers {
		if l.Name == name {
			return l, nil
		}
	}
	return nil, fmt.Errorf("ledger not found")
}

func (r *fakeRepository) LockLedgers(_ context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !sort.SliceIsSorted(ids, func(i, j int) bool { return ids[i] < ids[j] }) {
		return fmt.Errorf("lock order not ascending: %v", ids)
	}
	for _, id := range ids {
		if _, ok := r.ledgers[id]; !ok {
			return fmt.Errorf("ledger %d not found", id)
		}
	}
	r.lockCalls = append(r.lockCalls, append([]int64(nil), ids...))
	return nil
}

func (r *fakeRepository) LockAllLedgers(_ context.Context) error {
	return nil
}

func (r *fakeRepository) GetOrCreateTransactionType(_ context.Context, name, description string) (*entities.TransactionType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.types {
		if t.Name == name {
			return t, nil
		}
	}
	t := &entities.TransactionType{ID: r.nextSequence(), Name: name, Description: description}
	r.types[t.ID] = t
	return t, nil
}

func (r *fakeRepository) GetTransactionType(_ context.Context, id int64) (*entities.TransactionType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.types[id]
	if !ok {
		return nil, fmt.Errorf("transaction type not found")
	}
	return t, nil
}

func (r *fakeRepository) InsertTransaction(_ context.Context, tx *entities.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx.ID = r.nextSequence()
	r.txs = append(r.txs, tx)
	return nil
}

func (r *fakeRepository) GetTransaction(_ context.Context, transactionID uuid.UUID) (*entities.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tx := range r.txs {
		if tx.TransactionID == transactionID {
			return tx, nil
		}
	}
	return nil, fmt.Errorf("transaction not found")
}

func (r *fakeRepository) UpdateTransaction(_ context.Context, tx *entities.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, stored := range r.txs {
		if stored.ID == tx.ID {
			stored.Notes = tx.Notes
			stored.TypeID = tx.TypeID
			stored.PostedAt = tx.PostedAt
			return nil
		}
	}
	return fmt.Errorf("transaction not found")
}

func (r *fakeRepository) SetVoids(_ context.Context, voidingID, voidedID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var voiding, voided *entities.Transaction
	for _, tx := range r.txs {
		if tx.ID == voidingID {
			voiding = tx
		}
		if tx.ID == voidedID {
			voided = tx
		}
	}
	if voiding == nil || voided == nil {
		return fmt.Errorf("transaction not found")
	}
	if voided.VoidedByID != nil {
		return fmt.Errorf("%w: transaction %d", entities.ErrUnvoidableTransaction, voidedID)
	}
	voiding.VoidsID = &voided.ID
	voided.VoidedByID = &voiding.ID
	return nil
}

func (r *fakeRepository) FindTransactions(_ context.Context, q *TransactionQuery) ([]*entities.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []*entities.Transaction
	for _, tx := range r.txs {
		if q.Matches(tx) {
			matches = append(matches, tx)
		}
	}
	return matches, nil
}

func (r *fakeRepository) InsertEntries(_ context.Context, entries []*entities.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range entries {
		entry.ID = r.nextSequence()
	}
	return nil
}

func (r *fakeRepository) InsertEvidenceLinks(_ context.Context, links []*entities.EvidenceLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[entities.Evidence]bool)
	for _, link := range links {
		if seen[link.Evidence()] {
			return fmt.Errorf("duplicate evidence on transaction")
		}
		seen[link.Evidence()] = true
		link.ID = r.nextSequence()
	}
	return nil
}

func (r *fakeRepository) IncrementBalance(_ context.Context, ledgerID int64, evidence entities.Evidence, delta decimal.Decimal) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := balanceKey{ledgerID: ledgerID, evidence: evidence}
	balance, ok := r.balances[key]
	if !ok {
		return 0, nil
	}
	r.balances[key] = balance.Add(delta)
	return 1, nil
}

func (r *fakeRepository) InsertBalance(_ context.Context, balance *entities.LedgerBalance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := balanceKey{
		ledgerID: balance.LedgerID,
		evidence: entities.Evidence{Type: balance.EvidenceType, ID: balance.EvidenceID},
	}
	if _, ok := r.balances[key]; ok {
		return fmt.Errorf("balance already exists")
	}
	r.balances[key] = balance.Balance
	return nil
}

func (r *fakeRepository) GetBalancesForEvidence(_ context.Context, evidence entities.Evidence) (map[string]decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	balances := make(map[string]decimal.Decimal)
	for key, balance := range r.balances {
		if key.evidence == evidence {
			balances[r.ledgers[key.ledgerID].Name] = balance
		}
	}
	return balances, nil
}

func (r *fakeRepository) SumLedgerEntries(_ context.Context, ledgerID int64) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := decimal.Zero
	for _, tx := range r.txs {
		for _, entry := range tx.Entries {
			if entry.LedgerID == ledgerID {
				total = total.Add(entry.Amount)
			}
		}
	}
	return total, nil
}

func (r *fakeRepository) RebuildBalances(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.balances = make(map[balanceKey]decimal.Decimal)
	for _, tx := range r.txs {
		for _, entry := range tx.Entries {
			for _, evidence := range tx.Evidence {
				key := balanceKey{ledgerID: entry.LedgerID, evidence: evidence}
				r.balances[key] = r.balances[key].Add(entry.Amount)
			}
		}
	}
	return nil
}
