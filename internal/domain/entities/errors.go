package entities

import "errors"

// Domain errors surfaced by the bookkeeping engine. All of them are
// returned wrapped, so callers should test with errors.Is.
var (
	// ErrTransactionBalance means the entries of a transaction do not sum
	// to zero.
	ErrTransactionBalance = errors.New("credits do not equal debits")

	// ErrNoLedgerEntries means an attempt to post a transaction with no
	// entries.
	ErrNoLedgerEntries = errors.New("transaction has no entries")

	// ErrExistingLedgerEntries means an already-persisted entry was passed
	// to the posting engine.
	ErrExistingLedgerEntries = errors.New("ledger entry already exists")

	// ErrUnvoidableTransaction means the transaction has already been
	// voided.
	ErrUnvoidableTransaction = errors.New("transaction cannot be voided more than once")

	// ErrInvalidAmount means credit or debit was given a negative
	// magnitude.
	ErrInvalidAmount = errors.New("debits and credits must be expressed as non-negative numbers")

	// ErrInvalidMatchType means an unknown evidence match mode.
	ErrInvalidMatchType = errors.New("invalid match type")
)
