package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ledger-service/ledger_service/internal/domain/entities"
)

// Repository is the storage contract the bookkeeping service depends on.
// The Postgres implementation lives in
// internal/infrastructure/repositories.
//
// WithTransaction runs fn inside one storage transaction and must be
// re-entrant: if ctx already carries a transaction, fn joins it instead
// of opening a nested one. All other methods participate in the ambient
// transaction when one is present on the context.
type Repository interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// Ledgers.
	CreateLedger(ctx context.Context, ledger *entities.Ledger) error
	GetLedger(ctx context.Context, id int64) (*entities.Ledger, error)
	GetLedgerByName(ctx context.Context, name string) (*entities.Ledger, error)
	// LockLedgers acquires row locks on the given ledgers in ascending id
	// order. Callers must pass a sorted, de-duplicated id list.
	LockLedgers(ctx context.Context, ids []int64) error
	// LockAllLedgers locks every ledger row in ascending id order.
	LockAllLedgers(ctx context.Context) error

	// Transaction types.
	GetOrCreateTransactionType(ctx context.Context, name, description string) (*entities.TransactionType, error)
	GetTransactionType(ctx context.Context, id int64) (*entities.TransactionType, error)

	// Transactions.
	InsertTransaction(ctx context.Context, tx *entities.Transaction) error
	GetTransaction(ctx context.Context, transactionID uuid.UUID) (*entities.Transaction, error)
	// UpdateTransaction persists mutable header fields (notes, type,
	// posted_at). Entries and evidence are immutable.
	UpdateTransaction(ctx context.Context, tx *entities.Transaction) error
	// SetVoids records that voidingID voids voidedID. The unique
	// constraint on voids_id enforces at most one voider.
	SetVoids(ctx context.Context, voidingID, voidedID int64) error
	FindTransactions(ctx context.Context, q *TransactionQuery) ([]*entities.Transaction, error)

	// Entries and evidence links, bulk-inserted per posting.
	InsertEntries(ctx context.Context, entries []*entities.LedgerEntry) error
	InsertEvidenceLinks(ctx context.Context, links []*entities.EvidenceLink) error

	// Denormalized balances. IncrementBalance returns the number of rows
	// updated (0 or 1); on 0 the caller inserts the first row for the
	// pair.
	IncrementBalance(ctx context.Context, ledgerID int64, evidence entities.Evidence, delta decimal.Decimal) (int64, error)
	InsertBalance(ctx context.Context, balance *entities.LedgerBalance) error
	// GetBalancesForEvidence returns ledger-name-keyed balances for one
	// evidence object. Pairs without a balance row are absent.
	GetBalancesForEvidence(ctx context.Context, evidence entities.Evidence) (map[string]decimal.Decimal, error)
	// SumLedgerEntries computes the on-demand total of all entry amounts
	// in a ledger.
	SumLedgerEntries(ctx context.Context, ledgerID int64) (decimal.Decimal, error)
	// RebuildBalances deletes every balance row and re-derives the table
	// from entries joined to their transactions' evidence links. Callers
	// hold all ledger locks.
	RebuildBalances(ctx context.Context) error
}
