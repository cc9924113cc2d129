package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ledger-service/ledger_service/internal/domain/entities"
	"github.com/ledger-service/ledger_service/pkg/logger"
	"github.com/ledger-service/ledger_service/pkg/metrics"
)

// Service is the double-entry bookkeeping engine: atomic balanced
// posting, void-as-transaction, denormalized balance maintenance and the
// evidence query layer.
type Service struct {
	repo      Repository
	signs     SignConvention
	logger    *logger.Logger
	validator *validator.Validate
	tracer    trace.Tracer
}

// NewService creates a new bookkeeping service. debitsAreNegative fixes
// the sign convention for the lifetime of the service.
func NewService(repo Repository, log *logger.Logger, debitsAreNegative bool) *Service {
	return &Service{
		repo:      repo,
		signs:     SignConvention{DebitsAreNegative: debitsAreNegative},
		logger:    log,
		validator: validator.New(),
		tracer:    otel.Tracer("ledger-service"),
	}
}

// Debit returns the signed amount for a debit of the given non-negative
// magnitude, honouring the service's sign convention.
func (s *Service) Debit(amount decimal.Decimal) (decimal.Decimal, error) {
	return s.signs.Debit(amount)
}

// Credit returns the signed amount for a credit of the given
// non-negative magnitude, honouring the service's sign convention.
func (s *Service) Credit(amount decimal.Decimal) (decimal.Decimal, error) {
	return s.signs.Credit(amount)
}

// CreateTransaction posts one balanced transaction: entries, evidence
// links and denormalized balance updates all commit or none do.
//
// Distinct ledgers are locked in ascending id order before validation to
// serialize balance updates without deadlocks.
func (s *Service) CreateTransaction(ctx context.Context, req *CreateTransactionRequest) (*entities.Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.create_transaction")
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return nil, fmt.Errorf("validate request: %w", err)
	}

	var tx *entities.Transaction
	err := s.repo.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		tx, err = s.post(ctx, req)
		return err
	})
	if err != nil {
		metrics.RecordPosting("error")
		return nil, err
	}

	metrics.RecordPosting("success")
	s.logger.Info("Transaction posted",
		"transaction_id", tx.TransactionID,
		"entries", len(tx.Entries),
		"evidence", len(tx.Evidence),
		"created_by", tx.CreatedBy)
	span.SetAttributes(attribute.String("transaction_id", tx.TransactionID.String()))

	return tx, nil
}

// post runs the posting procedure inside an ambient storage transaction.
func (s *Service) post(ctx context.Context, req *CreateTransactionRequest) (*entities.Transaction, error) {
	if err := s.repo.LockLedgers(ctx, distinctLedgerIDs(req.Entries)); err != nil {
		return nil, fmt.Errorf("lock ledgers: %w", err)
	}

	postedAt := time.Now()
	if req.PostedAt != nil {
		postedAt = *req.PostedAt
	}

	if err := validateEntries(req.Entries); err != nil {
		return nil, err
	}

	// Normalize amounts to storage precision after validation, so the
	// balance check sees the caller's exact figures but entries and
	// balance deltas always agree.
	for _, entry := range req.Entries {
		entry.Amount = Round4(entry.Amount)
	}

	txType := req.Type
	if txType == nil {
		var err error
		txType, err = s.repo.GetOrCreateTransactionType(ctx, entities.ManualTransactionType, "")
		if err != nil {
			return nil, fmt.Errorf("get or create manual type: %w", err)
		}
	}

	now := time.Now()
	tx := &entities.Transaction{
		TransactionID: uuid.New(),
		CreatedBy:     req.User,
		Notes:         req.Notes,
		PostedAt:      postedAt,
		TypeID:        txType.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.InsertTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	for _, entry := range req.Entries {
		for _, evidence := range req.Evidence {
			updated, err := s.repo.IncrementBalance(ctx, entry.LedgerID, evidence, entry.Amount)
			if err != nil {
				return nil, fmt.Errorf("increment balance: %w", err)
			}
			if updated > 1 {
				return nil, fmt.Errorf("balance rows for ledger %d and %s are not unique", entry.LedgerID, evidence)
			}
			if updated == 0 {
				// First entry against this (ledger, evidence) pair.
				err := s.repo.InsertBalance(ctx, &entities.LedgerBalance{
					LedgerID:     entry.LedgerID,
					EvidenceType: evidence.Type,
					EvidenceID:   evidence.ID,
					Balance:      entry.Amount,
				})
				if err != nil {
					return nil, fmt.Errorf("insert balance: %w", err)
				}
			}
		}
	}

	for _, entry := range req.Entries {
		entry.EntryID = uuid.New()
		entry.TransactionID = tx.ID
		entry.CreatedAt = now
		entry.UpdatedAt = now
	}
	if err := s.repo.InsertEntries(ctx, req.Entries); err != nil {
		return nil, fmt.Errorf("insert entries: %w", err)
	}

	links := make([]*entities.EvidenceLink, 0, len(req.Evidence))
	for _, evidence := range req.Evidence {
		links = append(links, &entities.EvidenceLink{
			TransactionID: tx.ID,
			EvidenceType:  evidence.Type,
			EvidenceID:    evidence.ID,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if len(links) > 0 {
		if err := s.repo.InsertEvidenceLinks(ctx, links); err != nil {
			return nil, fmt.Errorf("insert evidence links: %w", err)
		}
	}

	tx.Entries = req.Entries
	tx.Evidence = append([]entities.Evidence(nil), req.Evidence...)

	return tx, nil
}

// VoidTransaction posts a new transaction that voids the given one: same
// evidence, entry amounts negated, back-referenced through voids. A
// transaction can be voided only once, but the voiding transaction can
// itself be voided.
func (s *Service) VoidTransaction(ctx context.Context, transactionID uuid.UUID, req *VoidTransactionRequest) (*entities.Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.void_transaction")
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return nil, fmt.Errorf("validate request: %w", err)
	}

	var voiding *entities.Transaction
	err := s.repo.WithTransaction(ctx, func(ctx context.Context) error {
		original, err := s.repo.GetTransaction(ctx, transactionID)
		if err != nil {
			return fmt.Errorf("get transaction: %w", err)
		}

		if original.IsVoided() {
			return fmt.Errorf("%w: %s", entities.ErrUnvoidableTransaction, original.TransactionID)
		}

		inverse := make([]*entities.LedgerEntry, 0, len(original.Entries))
		for _, entry := range original.Entries {
			inverse = append(inverse, &entities.LedgerEntry{
				LedgerID: entry.LedgerID,
				Amount:   entry.Amount.Neg(),
			})
		}

		notes := req.Notes
		if notes == "" {
			notes = fmt.Sprintf("Voiding transaction %s", original)
		}

		postedAt := original.PostedAt
		if req.PostedAt != nil {
			postedAt = *req.PostedAt
		}

		txType := req.Type
		if txType == nil {
			txType, err = s.repo.GetTransactionType(ctx, original.TypeID)
			if err != nil {
				return fmt.Errorf("get transaction type: %w", err)
			}
		}

		voiding, err = s.post(ctx, &CreateTransactionRequest{
			User:     req.User,
			Entries:  inverse,
			Evidence: original.Evidence,
			Notes:    notes,
			Type:     txType,
			PostedAt: &postedAt,
		})
		if err != nil {
			return err
		}

		if err := s.repo.SetVoids(ctx, voiding.ID, original.ID); err != nil {
			return fmt.Errorf("set voids: %w", err)
		}
		voiding.VoidsID = &original.ID

		return nil
	})
	if err != nil {
		metrics.RecordVoid("error")
		return nil, err
	}

	metrics.RecordVoid("success")
	s.logger.Info("Transaction voided",
		"voided_transaction_id", transactionID,
		"voiding_transaction_id", voiding.TransactionID)

	return voiding, nil
}

// GetTransaction loads a transaction with its entries and evidence.
func (s *Service) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*entities.Transaction, error) {
	tx, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

// UpdateTransaction persists edits to a transaction's mutable header
// fields (notes, type, posted time) after re-checking that its stored
// entries still balance.
func (s *Service) UpdateTransaction(ctx context.Context, tx *entities.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	if err := s.repo.UpdateTransaction(ctx, tx); err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	return nil
}

// FindTransactions runs a composable query. See TransactionQuery.
func (s *Service) FindTransactions(ctx context.Context, q *TransactionQuery) ([]*entities.Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.find_transactions")
	defer span.End()

	if q == nil {
		q = NewTransactionQuery()
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	txs, err := s.repo.FindTransactions(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("find transactions: %w", err)
	}
	return txs, nil
}

// GetBalancesForObject returns the denormalized balances one evidence
// object holds, keyed by ledger name. Ledgers with no balance row for
// the object are absent from the map and read as zero.
func (s *Service) GetBalancesForObject(ctx context.Context, evidence entities.Evidence) (map[string]decimal.Decimal, error) {
	balances, err := s.repo.GetBalancesForEvidence(ctx, evidence)
	if err != nil {
		return nil, fmt.Errorf("get balances for %s: %w", evidence, err)
	}
	return balances, nil
}

// GetLedgerBalance computes a ledger's total on demand by summing its
// entries, independent of the denormalized balance table.
func (s *Service) GetLedgerBalance(ctx context.Context, ledgerID int64) (decimal.Decimal, error) {
	total, err := s.repo.SumLedgerEntries(ctx, ledgerID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum ledger entries: %w", err)
	}
	return total, nil
}

// RebuildLedgerBalances discards every denormalized balance row and
// re-derives the table from the entries. Postings are blocked for the
// duration: all ledgers are locked in ascending id order first.
func (s *Service) RebuildLedgerBalances(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "ledger.rebuild_balances")
	defer span.End()

	start := time.Now()
	err := s.repo.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.LockAllLedgers(ctx); err != nil {
			return fmt.Errorf("lock ledgers: %w", err)
		}
		if err := s.repo.RebuildBalances(ctx); err != nil {
			return fmt.Errorf("rebuild balances: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.ObserveRebuild("error", time.Since(start))
		return err
	}

	metrics.ObserveRebuild("success", time.Since(start))
	s.logger.Info("Ledger balances rebuilt", "duration", time.Since(start).String())

	return nil
}

// CreateLedger provisions a new ledger account.
func (s *Service) CreateLedger(ctx context.Context, ledger *entities.Ledger) error {
	if err := ledger.Validate(); err != nil {
		return fmt.Errorf("validate ledger: %w", err)
	}
	if err := s.repo.CreateLedger(ctx, ledger); err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}
	return nil
}

// GetOrCreateTransactionType fetches a type by name, creating it on
// first use. Safe under concurrency: losers of the insert race re-read
// the winner's row.
func (s *Service) GetOrCreateTransactionType(ctx context.Context, name, description string) (*entities.TransactionType, error) {
	txType, err := s.repo.GetOrCreateTransactionType(ctx, name, description)
	if err != nil {
		return nil, fmt.Errorf("get or create transaction type: %w", err)
	}
	return txType, nil
}

// FindTransactionForAmountsWithEvidence returns the single transaction
// whose evidence set equals `evidence` exactly and whose entries are
// exactly the given (ledger name, amount) pairs. It is a reconciliation
// helper for embedder test suites; it errors unless exactly one
// transaction matches.
func (s *Service) FindTransactionForAmountsWithEvidence(ctx context.Context, amounts []LedgerAmount, evidence []entities.Evidence) (*entities.Transaction, error) {
	q := NewTransactionQuery().MatchingEvidence(evidence, entities.MatchExact)
	candidates, err := s.repo.FindTransactions(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("find transactions: %w", err)
	}

	ledgerNames := make(map[int64]string)
	var matches []*entities.Transaction
	for _, tx := range candidates {
		pairs := make([]LedgerAmount, 0, len(tx.Entries))
		for _, entry := range tx.Entries {
			name, ok := ledgerNames[entry.LedgerID]
			if !ok {
				l, err := s.repo.GetLedger(ctx, entry.LedgerID)
				if err != nil {
					return nil, fmt.Errorf("get ledger %d: %w", entry.LedgerID, err)
				}
				name = l.Name
				ledgerNames[entry.LedgerID] = name
			}
			pairs = append(pairs, LedgerAmount{LedgerName: name, Amount: entry.Amount})
		}
		if sameLedgerAmounts(pairs, amounts) {
			matches = append(matches, tx)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no transaction matches the given amounts and evidence")
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%d transactions match the given amounts and evidence", len(matches))
	}
}

// sameLedgerAmounts compares two (ledger name, amount) multisets.
func sameLedgerAmounts(a, b []LedgerAmount) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(la LedgerAmount) string {
		return la.LedgerName + "\x00" + la.Amount.String()
	}
	as := make([]string, 0, len(a))
	bs := make([]string, 0, len(b))
	for _, la := range a {
		as = append(as, key(la))
	}
	for _, la := range b {
		bs = append(bs, key(la))
	}
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// validateEntries applies the posting validations in order: the entries
// must balance, must exist, and must be unsaved.
func validateEntries(entries []*entities.LedgerEntry) error {
	total := decimal.Zero
	for _, entry := range entries {
		total = total.Add(entry.Amount)
	}
	if !total.IsZero() {
		return fmt.Errorf("%w: mis-match of %s", entities.ErrTransactionBalance, total)
	}

	if len(entries) == 0 {
		return entities.ErrNoLedgerEntries
	}

	for _, entry := range entries {
		if entry.IsPersisted() {
			return entities.ErrExistingLedgerEntries
		}
	}

	return nil
}

// distinctLedgerIDs returns the sorted, de-duplicated ledger ids an
// entry set touches. Lock acquisition order depends on the sort.
func distinctLedgerIDs(entries []*entities.LedgerEntry) []int64 {
	seen := make(map[int64]bool, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		if !seen[entry.LedgerID] {
			seen[entry.LedgerID] = true
			ids = append(ids, entry.LedgerID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
