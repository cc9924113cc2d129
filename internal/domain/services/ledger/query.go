package ledger

import (
	"github.com/ledger-service/ledger_service/internal/domain/entities"
)

// TransactionQuery is a composable filter over transactions. A zero
// query matches everything; each method narrows it and returns the query
// for chaining. Predicates combine with AND.
type TransactionQuery struct {
	evidence      []entities.Evidence
	matchType     entities.MatchType
	matchSet      bool
	nonVoid       bool
	ledgerIDs     []int64
	createdBy     string
	createdBySet  bool
	typeID        int64
	typeIDSet     bool
}

// NewTransactionQuery returns an empty query matching all transactions.
func NewTransactionQuery() *TransactionQuery {
	return &TransactionQuery{}
}

// MatchingEvidence restricts results by their evidence links.
//
// With an empty evidence set: any, all and none match every transaction;
// exact matches only transactions that carry no evidence at all.
func (q *TransactionQuery) MatchingEvidence(evidence []entities.Evidence, matchType entities.MatchType) *TransactionQuery {
	q.evidence = evidence
	q.matchType = matchType
	q.matchSet = true
	return q
}

// NonVoid excludes voiding transactions and voided transactions, leaving
// only transactions that currently contribute to balances.
func (q *TransactionQuery) NonVoid() *TransactionQuery {
	q.nonVoid = true
	return q
}

// InLedgers restricts results to transactions that have at least one
// entry in every given ledger.
func (q *TransactionQuery) InLedgers(ledgerIDs ...int64) *TransactionQuery {
	q.ledgerIDs = append(q.ledgerIDs, ledgerIDs...)
	return q
}

// CreatedBy restricts results to transactions posted by the given user
// reference.
func (q *TransactionQuery) CreatedBy(user string) *TransactionQuery {
	q.createdBy = user
	q.createdBySet = true
	return q
}

// OfType restricts results to transactions of the given type.
func (q *TransactionQuery) OfType(typeID int64) *TransactionQuery {
	q.typeID = typeID
	q.typeIDSet = true
	return q
}

// Validate checks the query, in particular the evidence match mode.
func (q *TransactionQuery) Validate() error {
	if q.matchSet {
		return q.matchType.Validate()
	}
	return nil
}

// Accessors for the repository implementation.

// EvidenceFilter returns the evidence set and match mode, and whether an
// evidence filter was requested at all.
func (q *TransactionQuery) EvidenceFilter() ([]entities.Evidence, entities.MatchType, bool) {
	return q.evidence, q.matchType, q.matchSet
}

// NonVoidOnly reports whether void-related transactions are excluded.
func (q *TransactionQuery) NonVoidOnly() bool { return q.nonVoid }

// LedgerIDs returns the ledgers every result must have entries in.
func (q *TransactionQuery) LedgerIDs() []int64 { return q.ledgerIDs }

// CreatedByFilter returns the user filter and whether it is set.
func (q *TransactionQuery) CreatedByFilter() (string, bool) {
	return q.createdBy, q.createdBySet
}

// TypeFilter returns the type filter and whether it is set.
func (q *TransactionQuery) TypeFilter() (int64, bool) {
	return q.typeID, q.typeIDSet
}

// Matches evaluates the query's set predicates against a hydrated
// transaction. The repository uses it for the final pass of exact
// matching; tests use it to cross-check SQL results.
func (q *TransactionQuery) Matches(tx *entities.Transaction) bool {
	if q.nonVoid && (tx.IsVoid() || tx.IsVoided()) {
		return false
	}
	if q.createdBySet && tx.CreatedBy != q.createdBy {
		return false
	}
	if q.typeIDSet && tx.TypeID != q.typeID {
		return false
	}
	if len(q.ledgerIDs) > 0 {
		inLedger := make(map[int64]bool, len(tx.Entries))
		for _, entry := range tx.Entries {
			inLedger[entry.LedgerID] = true
		}
		for _, id := range q.ledgerIDs {
			if !inLedger[id] {
				return false
			}
		}
	}
	if q.matchSet {
		if !matchEvidence(tx.Evidence, q.evidence, q.matchType) {
			return false
		}
	}
	return true
}

// matchEvidence applies one match mode to a transaction's evidence set.
func matchEvidence(have []entities.Evidence, want []entities.Evidence, matchType entities.MatchType) bool {
	haveSet := make(map[entities.Evidence]bool, len(have))
	for _, e := range have {
		haveSet[e] = true
	}

	switch matchType {
	case entities.MatchAny:
		if len(want) == 0 {
			return true
		}
		for _, e := range want {
			if haveSet[e] {
				return true
			}
		}
		return false
	case entities.MatchAll:
		for _, e := range want {
			if !haveSet[e] {
				return false
			}
		}
		return true
	case entities.MatchNone:
		for _, e := range want {
			if haveSet[e] {
				return false
			}
		}
		return true
	case entities.MatchExact:
		wantSet := make(map[entities.Evidence]bool, len(want))
		for _, e := range want {
			wantSet[e] = true
		}
		if len(haveSet) != len(wantSet) {
			return false
		}
		for e := range wantSet {
			if !haveSet[e] {
				return false
			}
		}
		return true
	default:
		return false
	}
}
