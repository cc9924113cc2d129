package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ledger-service/ledger_service/internal/domain/entities"
	"github.com/ledger-service/ledger_service/pkg/logger"
)

var _ Repository = (*fakeRepository)(nil)

func testLogger() *logger.Logger {
	zapLog, _ := zap.NewDevelopment()
	return logger.NewLogger(zapLog)
}

func newTestService(t *testing.T) (*Service, *fakeRepository) {
	t.Helper()
	repo := newFakeRepository()
	return NewService(repo, testLogger(), false), repo
}

func createLedger(t *testing.T, svc *Service, name string, number int64, increasedByDebits bool) *entities.Ledger {
	t.Helper()
	l := &entities.Ledger{Name: name, Number: number, IncreasedByDebits: increasedByDebits}
	require.NoError(t, svc.CreateLedger(context.Background(), l))
	return l
}

func entry(ledgerID int64, amount decimal.Decimal) *entities.LedgerEntry {
	return &entities.LedgerEntry{LedgerID: ledgerID, Amount: amount}
}

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCreateTransactionRevenueRecognition(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	receivables := createLedger(t, svc, "Accounts Receivable", 1000, true)
	revenue := createLedger(t, svc, "Revenue", 4000, false)

	order := entities.Evidence{Type: "order", ID: 1}

	debit, err := svc.Debit(amt("1000"))
	require.NoError(t, err)
	credit, err := svc.Credit(amt("1000"))
	require.NoError(t, err)

	tx, err := svc.CreateTransaction(ctx, &CreateTransactionRequest{
		User:     "finance-bot",
		Evidence: []entities.Evidence{order},
		Entries: []*entities.LedgerEntry{
			entry(receivables.ID, debit),
			entry(revenue.ID, credit),
		},
		Notes: "Revenue recognition for order 1",
	})
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Len(t, tx.Entries, 2)

	balances, err := svc.GetBalancesForObject(ctx, order)
	require.NoError(t, err)
	assert.True(t, balances["Accounts Receivable"].Equal(amt("1000")))
	assert.True(t, balances["Revenue"].Equal(amt("-1000")))

	total, err := svc.GetLedgerBalance(ctx, receivables.ID)
	require.NoError(t, err)
	assert.True(t, total.Equal(amt("1000")))
}

func TestReconciliationChainAccumulatesBalances(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	receivables := createLedger(t, svc, "Accounts Receivable", 1000, true)
	revenue := createLedger(t, svc, "Revenue", 4000, false)
	cashUnrecon := createLedger(t, svc, "Cash (unreconciled)", 1010, true)
	cashRecon := createLedger(t, svc, "Cash (reconciled)", 1020, true)

	order := entities.Evidence{Type: "order", ID: 1}
	payment := entities.Evidence{Type: "payment", ID: 1}

	post := func(evidence []entities.Evidence, typeName string, entries ...*entities.LedgerEntry) {
		var txType *entities.TransactionType
		if typeName != "" {
			var err error
			txType, err = svc.GetOrCreateTransactionType(ctx, typeName, "")
			require.NoError(t, err)
		}
		_, err := svc.CreateTransaction(ctx, &CreateTransactionRequest{
			User:     "finance-bot",
			Evidence: evidence,
			Entries:  entries,
			Type:     txType,
		})
		require.NoError(t, err)
	}

	// Recognize revenue, receive payment, reconcile it.
	post([]entities.Evidence{order}, "",
		entry(revenue.ID, amt("-100")), entry(receivables.ID, amt("100")))
	post([]entities.Evidence{payment}, "",
		entry(receivables.ID, amt("-100")), entry(cashUnrecon.ID, amt("100")))
	post([]entities.Evidence{order, payment}, "Recon",
		entry(cashUnrecon.ID, amt("-100")), entry(cashRecon.ID, amt("100")))

	balances, err := svc.GetBalancesForObject(ctx, order)
	require.NoError(t, err)
	assert.True(t, balances["Accounts Receivable"].Equal(amt("100")))
	assert.True(t, balances["Revenue"].Equal(amt("-100")))
	assert.True(t, balances["Cash (unreconciled)"].Equal(amt("-100")))
	assert.True(t, balances["Cash (reconciled)"].Equal(amt("100")))

	total, err := svc.GetLedgerBalance(ctx, receivables.ID)
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestCreateTransactionRequiresUser(t *testing.T) {
	svc, _ := newTestService(t)
	l := createLedger(t, svc, "Cash", 1000, true)

	_, err := svc.CreateTransaction(context.Background(), &CreateTransactionRequest{
		Entries: []*entities.LedgerEntry{
			entry(l.ID, amt("1")),
			entry(l.ID, amt("-1")),
		},
	})
	assert.Error(t, err)
}

func TestCreateTransactionRejectsUnbalancedEntries(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	cash := createLedger(t, svc, "Cash", 1000, true)
	revenue := createLedger(t, svc, "Revenue", 4000, false)

	_, err := svc.CreateTransaction(ctx, &CreateTransactionRequest{
		User: "finance-bot",
		Entries: []*entities.LedgerEntry{
			entry(cash.ID, amt("100")),
			entry(revenue.ID, amt("-99.99")),
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, entities.ErrTransactionBalance)

	// Nothing may persist from a rejected posting.
	assert.Empty(t, repo.txs)
	assert.Empty(t, repo.balances)
}

func TestCreateTransactionRequiresEntries(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateTransaction(context.Background(), &CreateTransactionRequest{User: "finance-bot"})
	require.Error(t, err)
	assert.ErrorIs(t, err, entities.ErrNoLedgerEntries)
}

func TestCreateTransactionRejectsPersistedEntries(t *testing.T) {
	svc, _ := newTestService(t)
	l := createLedger(t, svc, "Cash", 1000, true)

	persisted := entry(l.ID, amt("100"))
	persisted.ID = 99

	_, err := svc.CreateTransaction(context.Background(), &CreateTransactionRequest{
		User: "finance-bot",
		Entries: []*entities.LedgerEntry{
			persisted,
			entry(l.ID, amt("-100")),
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, entities.ErrExistingLedgerEntries)
}

func TestCreateTransactionRoundsAmountsHalfEven(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cash := createLedger(t, svc, "Cash", 1000, true)
	revenue := createLedger(t, svc, "Revenue", 4000, false)
	order := entities.Evidence{Type: "order", ID: 5}

	tx, err := svc.CreateTransaction(ctx, &CreateTransactionRequest{
		User:     "finance-bot",
		Evidence: []entities.Evidence{order},
		Entries: []*entities.LedgerEntry{
			entry(cash.ID, amt("499.99995")),
			entry(revenue.ID, amt("-499.99995")),
		},
	})
	require.NoError(t, err)

	assert.True(t, tx.Entries[0].Amount.Equal(amt("500")),
		"stored amount %s", tx.Entries[0].Amount)
	assert.True(t, tx.Entries[1].Amount.Equal(amt("-500")))

	balances, err := svc.GetBalancesForObject(ctx, order)
	require.NoError(t, err)
	assert.True(t, balances["Cash"].Equal(amt("500")))
}

func TestCreateTransactionDefaultsToManualType(t *testing.T) {
	svc, repo := newTestService(t)
	l := createLedger(t, svc, "Cash", 1000, true)

	tx, err := svc.CreateTransaction(context.Background(), &CreateTransactionRequest{
		User: "finance-bot",
		Entries: []*entities.LedgerEntry{
			entry(l.ID, amt("1")),
			entry(l.ID, amt("-1")),
		},
	})
	require.NoError(t, err)

	txType, err := repo.GetTransactionType(context.Background(), tx.TypeID)
	require.NoError(t, err)
	assert.Equal(t, entities.ManualTransactionType, txType.Name)
}

func TestCreateTransactionLocksLedgersInAscendingOrder(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	a := createLedger(t, svc, "A", 1, true)
	b := createLedger(t, svc, "B", 2, true)
	c := createLedger(t, svc, "C", 3, false)

	// Entries reference ledgers out of order and with a repeat.
	_, err := svc.CreateTransaction(ctx, &CreateTransactionRequest{
		User: "finance-bot",
		Entries: []*entities.LedgerEntry{
			entry(c.ID, amt("10")),
			entry(a.ID, amt("-4")),
			entry(b.ID, amt("-6")),
			entry(c.ID, amt("0")),
		},
	})
	require.NoError(t, err)

	require.Len(t, repo.lockCalls, 1)
	assert.Equal(t, []int64{a.ID, b.ID, c.ID}, repo.lockCalls[0])
}

func TestVoidTransaction(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cash := createLedger(t, svc, "Cash", 1000, true)
	revenue := createLedger(t, svc, "Revenue", 4000, false)
	order := entities.Evidence{Type: "order", ID: 9}

	postedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	original, err := svc.CreateTransaction(ctx, &CreateTransactionRequest{
		User:     "finance-bot",
		Evidence: []entities.Evidence{order},
		Entries: []*entities.LedgerEntry{
			entry(cash.ID, amt("250")),
			entry(revenue.ID, amt("-250")),
		},
		PostedAt: &postedAt,
	})
	require.NoError(t, err)

	voiding, err := svc.VoidTransaction(ctx, original.TransactionID, &VoidTransactionRequest{User: "auditor"})
	require.NoError(t, err)

	// Same evidence, inverse amounts, inherited type and posted time.
	assert.Equal(t, original.Evidence, voiding.Evidence)
	require.Len(t, voiding.Entries, 2)
	assert.True(t, voiding.Entries[0].Amount.Equal(amt("-250")))
	assert.True(t, voiding.Entries[1].Amount.Equal(amt("250")))
	assert.Equal(t, original.TypeID, voiding.TypeID)
	assert.True(t, voiding.PostedAt.Equal(postedAt))
	assert.Equal(t, fmt.Sprintf("Voiding transaction %s", original.TransactionID), voiding.Notes)
	require.NotNil(t, voiding.VoidsID)
	assert.Equal(t, original.ID, *voiding.VoidsID)

	// The pair cancels out everywhere.
	balances, err := svc.GetBalancesForObject(ctx, order)
	require.NoError(t, err)
	assert.True(t, balances["Cash"].IsZero())
	assert.True(t, balances["Revenue"].IsZero())

	total, err := svc.GetLedgerBalance(ctx, cash.ID)
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestVoidTransactionOnlyOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cash := createLedger(t, svc, "Cash", 1000, true)

	original, err := svc.CreateTransaction(ctx, &CreateTransactionRequest{
		User: "finance-bot",
		Entries: []*entities.LedgerEntry{
			entry(cash.ID, amt("1")),
			entry(cash.ID, amt("-1")),
		},
	})
	require.NoError(t, err)

	_, err = svc.VoidTransaction(ctx, original.TransactionID, &VoidTransactionRequest{User: "auditor"})
	require.NoError(t, err)

	_, err = svc.VoidTransaction(ctx, original.TransactionID, &VoidTransactionRequest{User: "auditor"})
	require.Error(t, err)
	assert.ErrorIs(t, err, entities.ErrUnvoidableTransaction)
}

func TestVoidingTransactionCanItselfBeVoided(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cash := createLedger(t, svc, "Cash", 1000, true)
	revenue := createLedger(t, svc, "Revenue", 4000, false)

	original, err := svc.CreateTransaction(ctx, &CreateTransactionRequest{
		User: "finance-bot",
		Entries: []*entities.LedgerEntry{
			entry(cash.ID, amt("100")),
			entry(revenue.ID, amt("-100")),
		},
	})
	require.NoError(t, err)

	first, err := svc.VoidTransaction(ctx, original.TransactionID, &VoidTransactionRequest{User: "auditor"})
	require.NoError(t, err)

	second, err := svc.VoidTransaction(ctx, first.TransactionID, &VoidTransactionRequest{User: "auditor"})
	require.NoError(t, err)
	require.NotNil(t, second.VoidsID)
	assert.Equal(t, first.ID, *second.VoidsID)

	// Net effect: the original transaction stands again.
	total, err := svc.GetLedgerBalance(ctx, cash.ID)
	require.NoError(t, err)
	assert.True(t, total.Equal(amt("100")))
}

func TestNonVoidExcludesVoidPairs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cash := createLedger(t, svc, "Cash", 1000, true)
	revenue := createLedger(t, svc, "Revenue", 4000, false)

	keep, err := svc.CreateTransaction(ctx, &CreateTransactionRequest{
		User: "finance-bot",
		Entries: []*entities.LedgerEntry{
			entry(cash.ID, amt("50")),
			entry(revenue.ID, amt("-50")),
		},
	})
	require.NoError(t, err)

	voided, err := svc.CreateTransaction(ctx, &CreateTransactionRequest{
		User: "finance-bot",
		Entries: []*entities.LedgerEntry{
			entry(cash.ID, amt("75")),
			entry(revenue.ID, amt("-75")),
		},
	})
	require.NoError(t, err)

	_, err = svc.VoidTransaction(ctx, voided.TransactionID, &VoidTransactionRequest{User: "auditor"})
	require.NoError(t, err)

	txs, err := svc.FindTransactions(ctx, NewTransactionQuery().NonVoid())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, keep.TransactionID, txs[0].TransactionID)
}

func TestMatchingEvidenceFilterSemantics(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cash := createLedger(t, svc, "Cash", 1000, true)
	revenue := createLedger(t, svc, "Revenue", 4000, false)

	a := entities.Evidence{Type: "order", ID: 1}
	b := entities.Evidence{Type: "order", ID: 2}
	c := entities.Evidence{Type: "invoice", ID: 1}

	post := func(evidence ...entities.Evidence) *entities.Transaction {
		tx, err := svc.CreateTransaction(ctx, &CreateTransactionRequest{
			User:     "finance-bot",
			Evidence: evidence,
			Entries: []*entities.LedgerEntry{
				entry(cash.ID, amt("10")),
				entry(revenue.ID, amt("-10")),
			},
		})
		require.NoError(t, err)
		return tx
	}

	t1 := post(a)
	t2 := post(a, b)
	t3 := post(b)
	t4 := post(a, b, c)
	t5 := post()

	ids := func(txs []*entities.Transaction) map[int64]bool {
		set := make(map[int64]bool, len(txs))
		for _, tx := range txs {
			set[tx.ID] = true
		}
		return set
	}
	find := func(evidence []entities.Evidence, matchType entities.MatchType) map[int64]bool {
		txs, err := svc.FindTransactions(ctx, NewTransactionQuery().MatchingEvidence(evidence, matchType))
		require.NoError(t, err)
		return ids(txs)
	}

	assert.Equal(t, map[int64]bool{t1.ID: true, t2.ID: true, t4.ID: true},
		find([]entities.Evidence{a}, entities.MatchAny))
	assert.Equal(t, map[int64]bool{t2.ID: true, t4.ID: true},
		find([]entities.Evidence{a, b}, entities.MatchAll))
	assert.Equal(t, map[int64]bool{t3.ID: true, t5.ID: true},
		find([]entities.Evidence{a}, entities.MatchNone))
	assert.Equal(t, map[int64]bool{t2.ID: true},
		find([]entities.Evidence{a, b}, entities.MatchExact))

	// Empty evidence set corner cases.
	all := map[int64]bool{t1.ID: true, t2.ID: true, t3.ID: true, t4.ID: true, t5.ID: true}
	assert.Equal(t, all, find(nil, entities.MatchAny))
	assert.Equal(t, all, find(nil, entities.MatchAll))
	assert.Equal(t, all, find(nil, entities.MatchNone))
	assert.Equal(t, map[int64]bool{t5.ID: true}, find(nil, entities.MatchExact))

	_, err := svc.FindTransactions(ctx, NewTransactionQuery().MatchingEvidence(nil, entities.MatchType("fuzzy")))
	require.Error(t, err)
	assert.ErrorIs(t, err, entities.ErrInvalidMatchType)
}

func TestFindTransactionsByLedgerUserAndType(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cash := createLedger(t, svc, "Cash", 1000, true)
	revenue := createLedger(t, svc, "Revenue", 4000, false)
	fees := createLedger(t, svc, "Fees", 5000, false)

	refund, err := svc.GetOrCreateTransactionType(ctx, "Refund", "")
	require.NoError(t, err)

	_, err = svc.CreateTransaction(ctx, &CreateTransactionRequest{
		User: "alice",
		Entries: []*entities.LedgerEntry{
			entry(cash.ID, amt("10")),
			entry(revenue.ID, amt("-10")),
		},
	})
	require.NoError(t, err)

	wanted, err := svc.CreateTransaction(ctx, &CreateTransactionRequest{
		User: "bob",
		Type: refund,
		Entries: []*entities.LedgerEntry{
			entry(cash.ID, amt("-10")),
			entry(fees.ID, amt("10")),
		},
	})
	require.NoError(t, err)

	txs, err := svc.FindTransactions(ctx, NewTransactionQuery().
		InLedgers(cash.ID, fees.ID).
		CreatedBy("bob").
		OfType(refund.ID))
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, wanted.TransactionID, txs[0].TransactionID)
}

func TestRebuildLedgerBalancesRestoresTruth(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	cash := createLedger(t, svc, "Cash", 1000, true)
	revenue := createLedger(t, svc, "Revenue", 4000, false)

	order := entities.Evidence{Type: "order", ID: 3}

	_, err := svc.CreateTransaction(ctx, &CreateTransactionRequest{
		User:     "finance-bot",
		Evidence: []entities.Evidence{order},
		Entries: []*entities.LedgerEntry{
			entry(cash.ID, amt("120")),
			entry(revenue.ID, amt("-120")),
		},
	})
	require.NoError(t, err)

	// A transaction with no evidence contributes to no per-evidence
	// balance row.
	_, err = svc.CreateTransaction(ctx, &CreateTransactionRequest{
		User: "finance-bot",
		Entries: []*entities.LedgerEntry{
			entry(cash.ID, amt("5")),
			entry(revenue.ID, amt("-5")),
		},
	})
	require.NoError(t, err)

	// Corrupt the denormalized table.
	repo.balances[balanceKey{ledgerID: cash.ID, evidence: order}] = amt("999999")
	repo.balances[balanceKey{ledgerID: revenue.ID, evidence: entities.Evidence{Type: "ghost", ID: 1}}] = amt("1")

	require.NoError(t, svc.RebuildLedgerBalances(ctx))

	balances, err := svc.GetBalancesForObject(ctx, order)
	require.NoError(t, err)
	assert.True(t, balances["Cash"].Equal(amt("120")))
	assert.True(t, balances["Revenue"].Equal(amt("-120")))

	ghost, err := svc.GetBalancesForObject(ctx, entities.Evidence{Type: "ghost", ID: 1})
	require.NoError(t, err)
	assert.Empty(t, ghost)
}

func TestUpdateTransactionRevalidatesBalance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cash := createLedger(t, svc, "Cash", 1000, true)
	revenue := createLedger(t, svc, "Revenue", 4000, false)

	tx, err := svc.CreateTransaction(ctx, &CreateTransactionRequest{
		User: "finance-bot",
		Entries: []*entities.LedgerEntry{
			entry(cash.ID, amt("30")),
			entry(revenue.ID, amt("-30")),
		},
	})
	require.NoError(t, err)

	tx.Notes = "corrected memo"
	require.NoError(t, svc.UpdateTransaction(ctx, tx))

	got, err := svc.GetTransaction(ctx, tx.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "corrected memo", got.Notes)

	tx.Entries[0].Amount = amt("31")
	err = svc.UpdateTransaction(ctx, tx)
	require.Error(t, err)
	assert.ErrorIs(t, err, entities.ErrTransactionBalance)
}

func TestFindTransactionForAmountsWithEvidence(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cash := createLedger(t, svc, "Cash", 1000, true)
	revenue := createLedger(t, svc, "Revenue", 4000, false)

	order := entities.Evidence{Type: "order", ID: 8}

	wanted, err := svc.CreateTransaction(ctx, &CreateTransactionRequest{
		User:     "finance-bot",
		Evidence: []entities.Evidence{order},
		Entries: []*entities.LedgerEntry{
			entry(cash.ID, amt("42")),
			entry(revenue.ID, amt("-42")),
		},
	})
	require.NoError(t, err)

	// Same evidence, different amounts: must not match.
	_, err = svc.CreateTransaction(ctx, &CreateTransactionRequest{
		User:     "finance-bot",
		Evidence: []entities.Evidence{{Type: "order", ID: 99}},
		Entries: []*entities.LedgerEntry{
			entry(cash.ID, amt("42")),
			entry(revenue.ID, amt("-42")),
		},
	})
	require.NoError(t, err)

	got, err := svc.FindTransactionForAmountsWithEvidence(ctx, []LedgerAmount{
		{LedgerName: "Cash", Amount: amt("42")},
		{LedgerName: "Revenue", Amount: amt("-42")},
	}, []entities.Evidence{order})
	require.NoError(t, err)
	assert.Equal(t, wanted.TransactionID, got.TransactionID)

	_, err = svc.FindTransactionForAmountsWithEvidence(ctx, []LedgerAmount{
		{LedgerName: "Cash", Amount: amt("41")},
		{LedgerName: "Revenue", Amount: amt("-41")},
	}, []entities.Evidence{order})
	assert.Error(t, err)
}
