package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledger-service/ledger_service/internal/domain/entities"
)

// CreateTransactionRequest carries everything needed to post one
// balanced transaction.
type CreateTransactionRequest struct {
	// User is the opaque reference to whoever is responsible for the
	// transaction. Required for accountability.
	User string `json:"user" validate:"required"`

	// Entries are the unsaved ledger entries to post. They must sum to
	// zero.
	Entries []*entities.LedgerEntry `json:"entries"`

	// Evidence links the transaction to external domain objects.
	Evidence []entities.Evidence `json:"evidence"`

	Notes string `json:"notes"`

	// Type tags the transaction; nil means the default "Manual" type,
	// provisioned on first use.
	Type *entities.TransactionType `json:"type,omitempty"`

	// PostedAt is the semantic event time; nil means now. Backdating is
	// allowed.
	PostedAt *time.Time `json:"posted_at,omitempty"`
}

// VoidTransactionRequest carries the overrides for voiding a
// transaction. All fields except User default from the transaction being
// voided.
type VoidTransactionRequest struct {
	User string `json:"user" validate:"required"`

	// Notes defaults to "Voiding transaction <uuid>" when empty.
	Notes string `json:"notes"`

	// Type defaults to the voided transaction's type.
	Type *entities.TransactionType `json:"type,omitempty"`

	// PostedAt defaults to the voided transaction's posted time.
	PostedAt *time.Time `json:"posted_at,omitempty"`
}

// LedgerAmount pairs a ledger name with an expected entry amount. Used
// by FindTransactionForAmountsWithEvidence.
type LedgerAmount struct {
	LedgerName string          `json:"ledger_name"`
	Amount     decimal.Decimal `json:"amount"`
}
