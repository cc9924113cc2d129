package entities

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ManualTransactionType is the name of the default transaction type,
// provisioned lazily on first use.
const ManualTransactionType = "Manual"

// MatchType selects how an evidence set is matched when filtering
// transactions by their related evidence.
type MatchType string

const (
	// MatchAny returns transactions that have any of the given evidence.
	MatchAny MatchType = "any"
	// MatchAll returns transactions that have all of the given evidence;
	// they may carry additional evidence beyond it.
	MatchAll MatchType = "all"
	// MatchNone returns transactions that have none of the given evidence.
	MatchNone MatchType = "none"
	// MatchExact returns transactions whose evidence set equals the given
	// set exactly.
	MatchExact MatchType = "exact"
)

// Validate checks that the match type is one of the four known modes.
func (m MatchType) Validate() error {
	switch m {
	case MatchAny, MatchAll, MatchNone, MatchExact:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMatchType, string(m))
	}
}

// Evidence identifies an external domain object linked to a transaction
// as its justification. The engine never dereferences the pair; the type
// tag and id are opaque.
type Evidence struct {
	Type string `json:"type" db:"evidence_type"`
	ID   int64  `json:"id" db:"evidence_id"`
}

func (e Evidence) String() string {
	return fmt.Sprintf("%s(id=%d)", e.Type, e.ID)
}

// Ledger is a named account: a group of entries all debiting or
// crediting the same resource.
type Ledger struct {
	ID          int64  `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Number      int64  `json:"number" db:"number"`
	Description string `json:"description" db:"description"`
	// IncreasedByDebits records the account's convention: asset and
	// expense accounts grow with debits; liability, equity and revenue
	// accounts grow with credits.
	IncreasedByDebits bool      `json:"increased_by_debits" db:"increased_by_debits"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Validate validates the ledger fields.
func (l *Ledger) Validate() error {
	if l.Name == "" {
		return fmt.Errorf("ledger name is required")
	}
	if l.Number <= 0 {
		return fmt.Errorf("ledger number must be positive")
	}
	return nil
}

func (l *Ledger) String() string {
	return fmt.Sprintf("Ledger %s", l.Name)
}

// TransactionType is a user-defined tag grouping transactions.
type TransactionType struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

func (t *TransactionType) String() string {
	return fmt.Sprintf("Transaction Type %s", t.Name)
}

// Transaction is one balanced financial event: a set of entries summing
// to zero, posted and read as a unit.
//
// PostedAt is the semantic time of the event and may be backdated; it is
// distinct from CreatedAt, the wall-clock creation time.
type Transaction struct {
	ID            int64     `json:"-" db:"id"`
	TransactionID uuid.UUID `json:"transaction_id" db:"transaction_id"`
	CreatedBy     string    `json:"created_by" db:"created_by"`
	Notes         string    `json:"notes" db:"notes"`
	PostedAt      time.Time `json:"posted_at" db:"posted_at"`
	TypeID        int64     `json:"type_id" db:"type_id"`
	// VoidsID points at the transaction this one voids, if any. At most
	// one transaction may void a given transaction.
	VoidsID   *int64    `json:"voids_id,omitempty" db:"voids_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// VoidedByID is the surrogate id of the transaction that voids this
	// one, if any. Read-only, hydrated on load.
	VoidedByID *int64 `json:"voided_by_id,omitempty" db:"voided_by_id"`

	// Hydrated relations; populated on read.
	Entries  []*LedgerEntry `json:"entries,omitempty" db:"-"`
	Evidence []Evidence     `json:"evidence,omitempty" db:"-"`
}

func (t *Transaction) String() string {
	return fmt.Sprintf("Transaction %s", t.TransactionID)
}

// IsVoid reports whether this transaction voids another one.
func (t *Transaction) IsVoid() bool {
	return t.VoidsID != nil
}

// IsVoided reports whether another transaction voids this one.
func (t *Transaction) IsVoided() bool {
	return t.VoidedByID != nil
}

// Validate checks that the hydrated entries still balance. This is the
// invariant re-checked whenever a persisted transaction is edited.
func (t *Transaction) Validate() error {
	total := decimal.Zero
	for _, entry := range t.Entries {
		total = total.Add(entry.Amount)
	}
	if !total.IsZero() {
		return fmt.Errorf("%w: mis-match of %s", ErrTransactionBalance, total)
	}
	return nil
}

// Summary returns a digest of the transaction suitable for logs or a
// changelist.
func (t *Transaction) Summary() map[string][]string {
	entries := make([]string, 0, len(t.Entries))
	for _, entry := range t.Entries {
		entries = append(entries, entry.String())
	}
	evidence := make([]string, 0, len(t.Evidence))
	for _, e := range t.Evidence {
		evidence = append(evidence, e.String())
	}
	return map[string][]string{
		"entries":  entries,
		"evidence": evidence,
	}
}

// LedgerEntry is one signed amount against one ledger inside one
// transaction. Entries cannot exist outside a transaction.
//
// Amount is fixed-point DECIMAL(24,4); the posting engine banker-rounds
// it to four places on ingestion.
type LedgerEntry struct {
	ID            int64           `json:"-" db:"id"`
	EntryID       uuid.UUID       `json:"entry_id" db:"entry_id"`
	TransactionID int64           `json:"-" db:"transaction_id"`
	LedgerID      int64           `json:"ledger_id" db:"ledger_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// IsPersisted reports whether the entry has already been saved. The
// posting engine accepts only unsaved entries.
func (e *LedgerEntry) IsPersisted() bool {
	return e.ID != 0
}

func (e *LedgerEntry) String() string {
	return fmt.Sprintf("LedgerEntry: %s in ledger %d", e.Amount, e.LedgerID)
}

// EvidenceLink ties a transaction to one piece of evidence. A given
// evidence object appears at most once on a transaction.
type EvidenceLink struct {
	ID            int64     `json:"id" db:"id"`
	TransactionID int64     `json:"transaction_id" db:"transaction_id"`
	EvidenceType  string    `json:"evidence_type" db:"evidence_type"`
	EvidenceID    int64     `json:"evidence_id" db:"evidence_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Evidence returns the link's evidence pair.
func (l *EvidenceLink) Evidence() Evidence {
	return Evidence{Type: l.EvidenceType, ID: l.EvidenceID}
}

// LedgerBalance is the denormalized running total for one
// (ledger, evidence) pair. The posting engine maintains it incrementally
// and the rebuild operation can restore it wholesale.
//
// No row exists for a pair with no entries; a missing row reads as zero.
type LedgerBalance struct {
	ID           int64           `json:"id" db:"id"`
	LedgerID     int64           `json:"ledger_id" db:"ledger_id"`
	EvidenceType string          `json:"evidence_type" db:"evidence_type"`
	EvidenceID   int64           `json:"evidence_id" db:"evidence_id"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Evidence returns the balance row's evidence pair.
func (b *LedgerBalance) Evidence() Evidence {
	return Evidence{Type: b.EvidenceType, ID: b.EvidenceID}
}

func (b *LedgerBalance) String() string {
	return fmt.Sprintf("LedgerBalance: %s for %s in ledger %d",
		b.Balance, b.Evidence(), b.LedgerID)
}
