package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/ledger-service/ledger_service/internal/domain/entities"
	"github.com/ledger-service/ledger_service/internal/domain/services/ledger"
)

// txKey carries an open transaction on the context so nested
// WithTransaction calls join it instead of opening a second one.
type txKey struct{}

// LedgerRepository is the Postgres implementation of the bookkeeping
// storage contract.
type LedgerRepository struct {
	db *sqlx.DB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

var _ ledger.Repository = (*LedgerRepository)(nil)

// ext returns the ambient transaction if the context carries one, the
// pooled connection otherwise.
func (r *LedgerRepository) ext(ctx context.Context) sqlx.ExtContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return r.db
}

// WithTransaction runs fn inside a database transaction. Re-entrant: if
// ctx already carries a transaction, fn joins it and commit/rollback
// stays with the outermost caller.
func (r *LedgerRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}

	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	err = fn(context.WithValue(ctx, txKey{}, tx))
	return err
}

// ===== Ledger Operations =====

// CreateLedger creates a new ledger account
func (r *LedgerRepository) CreateLedger(ctx context.Context, l *entities.Ledger) error {
	query := `
		INSERT INTO ledgers (name, number, description, increased_by_debits, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`

	err := r.ext(ctx).QueryRowxContext(
		ctx,
		query,
		l.Name,
		l.Number,
		l.Description,
		l.IncreasedByDebits,
	).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			if pqErr.Code == "23505" { // unique_violation
				return fmt.Errorf("ledger already exists: %w", err)
			}
		}
		return fmt.Errorf("create ledger: %w", err)
	}

	return nil
}

// GetLedger retrieves a ledger by ID
func (r *LedgerRepository) GetLedger(ctx context.Context, id int64) (*entities.Ledger, error) {
	query := `
		SELECT id, name, number, description, increased_by_debits, created_at, updated_at
		FROM ledgers
		WHERE id = $1
	`

	var l entities.Ledger
	if err := sqlx.GetContext(ctx, r.ext(ctx), &l, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("ledger not found: %w", err)
		}
		return nil, fmt.Errorf("get ledger: %w", err)
	}

	return &l, nil
}

// GetLedgerByName retrieves a ledger by its unique name
func (r *LedgerRepository) GetLedgerByName(ctx context.Context, name string) (*entities.Ledger, error) {
	query := `
		SELECT id, name, number, description, increased_by_debits, created_at, updated_at
		FROM ledgers
		WHERE name = $1
	`

	var l entities.Ledger
	if err := sqlx.GetContext(ctx, r.ext(ctx), &l, query, name); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("ledger not found: %w", err)
		}
		return nil, fmt.Errorf("get ledger: %w", err)
	}

	return &l, nil
}

// LockLedgers acquires FOR UPDATE row locks on the given ledgers. The
// ORDER BY keeps lock acquisition in ascending id order so concurrent
// postings to overlapping ledger sets cannot deadlock.
func (r *LedgerRepository) LockLedgers(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In(`SELECT id FROM ledgers WHERE id IN (?) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return fmt.Errorf("build lock query: %w", err)
	}

	ext := r.ext(ctx)
	rows, err := ext.QueryxContext(ctx, ext.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("lock ledgers: %w", err)
	}
	defer rows.Close()

	locked := 0
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan locked ledger: %w", err)
		}
		locked++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("lock ledgers: %w", err)
	}
	if locked != len(ids) {
		return fmt.Errorf("lock ledgers: %d of %d ledgers exist", locked, len(ids))
	}

	return nil
}

// LockAllLedgers locks every ledger row, in ascending id order
func (r *LedgerRepository) LockAllLedgers(ctx context.Context) error {
	rows, err := r.ext(ctx).QueryxContext(ctx, `SELECT id FROM ledgers ORDER BY id FOR UPDATE`)
	if err != nil {
		return fmt.Errorf("lock all ledgers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan locked ledger: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("lock all ledgers: %w", err)
	}

	return nil
}

// ===== Transaction Type Operations =====

// GetOrCreateTransactionType fetches a transaction type by name,
// creating it on first use. A concurrent creator winning the insert race
// surfaces as a unique violation; the loser re-reads the winner's row.
func (r *LedgerRepository) GetOrCreateTransactionType(ctx context.Context, name, description string) (*entities.TransactionType, error) {
	txType, err := r.getTransactionTypeByName(ctx, name)
	if err == nil {
		return txType, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("get transaction type: %w", err)
	}

	query := `
		INSERT INTO transaction_types (name, description, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		RETURNING id, name, description, created_at, updated_at
	`

	txType = &entities.TransactionType{}
	err = r.ext(ctx).QueryRowxContext(ctx, query, name, description).
		Scan(&txType.ID, &txType.Name, &txType.Description, &txType.CreatedAt, &txType.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			txType, err = r.getTransactionTypeByName(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("get transaction type after insert race: %w", err)
			}
			return txType, nil
		}
		return nil, fmt.Errorf("create transaction type: %w", err)
	}

	return txType, nil
}

// GetTransactionType retrieves a transaction type by ID
func (r *LedgerRepository) GetTransactionType(ctx context.Context, id int64) (*entities.TransactionType, error) {
	query := `
		SELECT id, name, description, created_at, updated_at
		FROM transaction_types
		WHERE id = $1
	`

	var txType entities.TransactionType
	if err := sqlx.GetContext(ctx, r.ext(ctx), &txType, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("transaction type not found: %w", err)
		}
		return nil, fmt.Errorf("get transaction type: %w", err)
	}

	return &txType, nil
}

func (r *LedgerRepository) getTransactionTypeByName(ctx context.Context, name string) (*entities.TransactionType, error) {
	query := `
		SELECT id, name, description, created_at, updated_at
		FROM transaction_types
		WHERE name = $1
	`

	var txType entities.TransactionType
	if err := sqlx.GetContext(ctx, r.ext(ctx), &txType, query, name); err != nil {
		return nil, err
	}
	return &txType, nil
}

// ===== Transaction Operations =====

// InsertTransaction inserts a transaction header row
func (r *LedgerRepository) InsertTransaction(ctx context.Context, tx *entities.Transaction) error {
	query := `
		INSERT INTO transactions (transaction_id, created_by, notes, posted_at, type_id, voids_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`

	err := r.ext(ctx).QueryRowxContext(
		ctx,
		query,
		tx.TransactionID,
		tx.CreatedBy,
		tx.Notes,
		tx.PostedAt,
		tx.TypeID,
		tx.VoidsID,
	).Scan(&tx.ID, &tx.CreatedAt, &tx.UpdatedAt)

	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	return nil
}

const transactionColumns = `
	t.id, t.transaction_id, t.created_by, t.notes, t.posted_at, t.type_id, t.voids_id,
	t.created_at, t.updated_at,
	(SELECT v.id FROM transactions v WHERE v.voids_id = t.id) AS voided_by_id
`

// GetTransaction loads a transaction by its UUID with entries and
// evidence hydrated.
func (r *LedgerRepository) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*entities.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions t
		WHERE t.transaction_id = $1
	`

	var tx entities.Transaction
	if err := sqlx.GetContext(ctx, r.ext(ctx), &tx, query, transactionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("transaction not found: %w", err)
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}

	if err := r.hydrateTransactions(ctx, []*entities.Transaction{&tx}); err != nil {
		return nil, err
	}

	return &tx, nil
}

// UpdateTransaction persists the mutable header fields of a transaction
func (r *LedgerRepository) UpdateTransaction(ctx context.Context, tx *entities.Transaction) error {
	query := `
		UPDATE transactions
		SET notes = $1, type_id = $2, posted_at = $3, updated_at = NOW()
		WHERE id = $4
	`

	result, err := r.ext(ctx).ExecContext(ctx, query, tx.Notes, tx.TypeID, tx.PostedAt, tx.ID)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("transaction not found: %w", sql.ErrNoRows)
	}

	return nil
}

// SetVoids records that voidingID voids voidedID. The unique constraint
// on voids_id makes a second voider fail here even if it raced past the
// voided_by check.
func (r *LedgerRepository) SetVoids(ctx context.Context, voidingID, voidedID int64) error {
	query := `
		UPDATE transactions
		SET voids_id = $1, updated_at = NOW()
		WHERE id = $2
	`

	_, err := r.ext(ctx).ExecContext(ctx, query, voidedID, voidingID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("%w: transaction %d", entities.ErrUnvoidableTransaction, voidedID)
		}
		return fmt.Errorf("set voids: %w", err)
	}

	return nil
}

// FindTransactions runs a composable transaction query.
//
// The any, all and none evidence modes compile into the single SQL
// statement with EXISTS subclauses. The exact mode narrows candidates
// with the all-mode SQL first and finishes with one in-memory exact set
// comparison over the hydrated evidence, so its cost stays proportional
// to the candidate set, not the transaction table.
func (r *LedgerRepository) FindTransactions(ctx context.Context, q *ledger.TransactionQuery) ([]*entities.Transaction, error) {
	var (
		clauses []string
		args    []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.NonVoidOnly() {
		clauses = append(clauses, `t.voids_id IS NULL`)
		clauses = append(clauses, `NOT EXISTS (SELECT 1 FROM transactions v WHERE v.voids_id = t.id)`)
	}

	if user, ok := q.CreatedByFilter(); ok {
		clauses = append(clauses, fmt.Sprintf(`t.created_by = %s`, arg(user)))
	}

	if typeID, ok := q.TypeFilter(); ok {
		clauses = append(clauses, fmt.Sprintf(`t.type_id = %s`, arg(typeID)))
	}

	for _, ledgerID := range q.LedgerIDs() {
		clauses = append(clauses, fmt.Sprintf(
			`EXISTS (SELECT 1 FROM ledger_entries le WHERE le.transaction_id = t.id AND le.ledger_id = %s)`,
			arg(ledgerID)))
	}

	evidence, matchType, matchSet := q.EvidenceFilter()
	exactMatch := false
	if matchSet {
		switch matchType {
		case entities.MatchAny:
			// Empty evidence matches everything.
			if len(evidence) > 0 {
				pairs := make([]string, 0, len(evidence))
				for _, e := range evidence {
					pairs = append(pairs, fmt.Sprintf(
						`(el.evidence_type = %s AND el.evidence_id = %s)`,
						arg(e.Type), arg(e.ID)))
				}
				clauses = append(clauses, fmt.Sprintf(
					`EXISTS (SELECT 1 FROM evidence_links el WHERE el.transaction_id = t.id AND (%s))`,
					strings.Join(pairs, " OR ")))
			}
		case entities.MatchAll, entities.MatchExact:
			for _, e := range evidence {
				clauses = append(clauses, fmt.Sprintf(
					`EXISTS (SELECT 1 FROM evidence_links el WHERE el.transaction_id = t.id AND el.evidence_type = %s AND el.evidence_id = %s)`,
					arg(e.Type), arg(e.ID)))
			}
			if matchType == entities.MatchExact {
				if len(evidence) == 0 {
					clauses = append(clauses, `NOT EXISTS (SELECT 1 FROM evidence_links el WHERE el.transaction_id = t.id)`)
				} else {
					exactMatch = true
				}
			}
		case entities.MatchNone:
			for _, e := range evidence {
				clauses = append(clauses, fmt.Sprintf(
					`NOT EXISTS (SELECT 1 FROM evidence_links el WHERE el.transaction_id = t.id AND el.evidence_type = %s AND el.evidence_id = %s)`,
					arg(e.Type), arg(e.ID)))
			}
		default:
			return nil, fmt.Errorf("%w: %q", entities.ErrInvalidMatchType, string(matchType))
		}
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions t`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY t.id`

	var txs []*entities.Transaction
	if err := sqlx.SelectContext(ctx, r.ext(ctx), &txs, query, args...); err != nil {
		return nil, fmt.Errorf("find transactions: %w", err)
	}

	if err := r.hydrateTransactions(ctx, txs); err != nil {
		return nil, err
	}

	if exactMatch {
		exact := txs[:0]
		for _, tx := range txs {
			if q.Matches(tx) {
				exact = append(exact, tx)
			}
		}
		txs = exact
	}

	return txs, nil
}

// hydrateTransactions loads entries and evidence links for a batch of
// transactions in two queries.
func (r *LedgerRepository) hydrateTransactions(ctx context.Context, txs []*entities.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	byID := make(map[int64]*entities.Transaction, len(txs))
	ids := make([]int64, 0, len(txs))
	for _, tx := range txs {
		byID[tx.ID] = tx
		ids = append(ids, tx.ID)
	}

	ext := r.ext(ctx)

	entryQuery, entryArgs, err := sqlx.In(`
		SELECT id, entry_id, transaction_id, ledger_id, amount, created_at, updated_at
		FROM ledger_entries
		WHERE transaction_id IN (?)
		ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("build entries query: %w", err)
	}

	var entries []*entities.LedgerEntry
	if err := sqlx.SelectContext(ctx, ext, &entries, ext.Rebind(entryQuery), entryArgs...); err != nil {
		return fmt.Errorf("load entries: %w", err)
	}
	for _, entry := range entries {
		tx := byID[entry.TransactionID]
		tx.Entries = append(tx.Entries, entry)
	}

	linkQuery, linkArgs, err := sqlx.In(`
		SELECT id, transaction_id, evidence_type, evidence_id, created_at, updated_at
		FROM evidence_links
		WHERE transaction_id IN (?)
		ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("build links query: %w", err)
	}

	var links []*entities.EvidenceLink
	if err := sqlx.SelectContext(ctx, ext, &links, ext.Rebind(linkQuery), linkArgs...); err != nil {
		return fmt.Errorf("load evidence links: %w", err)
	}
	for _, link := range links {
		tx := byID[link.TransactionID]
		tx.Evidence = append(tx.Evidence, link.Evidence())
	}

	return nil
}

// ===== Entry and Evidence Link Operations =====

// InsertEntries bulk-inserts ledger entries
func (r *LedgerRepository) InsertEntries(ctx context.Context, entries []*entities.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	query := `
		INSERT INTO ledger_entries (entry_id, transaction_id, ledger_id, amount, created_at, updated_at)
		VALUES (:entry_id, :transaction_id, :ledger_id, :amount, NOW(), NOW())
	`

	if _, err := sqlx.NamedExecContext(ctx, r.ext(ctx), query, entries); err != nil {
		return fmt.Errorf("insert entries: %w", err)
	}

	return nil
}

// InsertEvidenceLinks bulk-inserts evidence links
func (r *LedgerRepository) InsertEvidenceLinks(ctx context.Context, links []*entities.EvidenceLink) error {
	if len(links) == 0 {
		return nil
	}

	query := `
		INSERT INTO evidence_links (transaction_id, evidence_type, evidence_id, created_at, updated_at)
		VALUES (:transaction_id, :evidence_type, :evidence_id, NOW(), NOW())
	`

	if _, err := sqlx.NamedExecContext(ctx, r.ext(ctx), query, links); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate evidence on transaction: %w", err)
		}
		return fmt.Errorf("insert evidence links: %w", err)
	}

	return nil
}

// ===== Balance Operations =====

// IncrementBalance adds delta to the denormalized balance row for a
// (ledger, evidence) pair and returns the number of rows updated. Zero
// means the pair has no row yet; the caller inserts the first one under
// the ledger lock.
func (r *LedgerRepository) IncrementBalance(ctx context.Context, ledgerID int64, evidence entities.Evidence, delta decimal.Decimal) (int64, error) {
	query := `
		UPDATE ledger_balances
		SET balance = balance + $1, updated_at = NOW()
		WHERE ledger_id = $2 AND evidence_type = $3 AND evidence_id = $4
	`

	result, err := r.ext(ctx).ExecContext(ctx, query, delta, ledgerID, evidence.Type, evidence.ID)
	if err != nil {
		return 0, fmt.Errorf("increment balance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("increment balance: %w", err)
	}

	return affected, nil
}

// InsertBalance inserts the first balance row for a (ledger, evidence)
// pair
func (r *LedgerRepository) InsertBalance(ctx context.Context, balance *entities.LedgerBalance) error {
	query := `
		INSERT INTO ledger_balances (ledger_id, evidence_type, evidence_id, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`

	err := r.ext(ctx).QueryRowxContext(
		ctx,
		query,
		balance.LedgerID,
		balance.EvidenceType,
		balance.EvidenceID,
		balance.Balance,
	).Scan(&balance.ID, &balance.CreatedAt, &balance.UpdatedAt)

	if err != nil {
		return fmt.Errorf("insert balance: %w", err)
	}

	return nil
}

// GetBalancesForEvidence returns the denormalized balances one evidence
// object holds, keyed by ledger name
func (r *LedgerRepository) GetBalancesForEvidence(ctx context.Context, evidence entities.Evidence) (map[string]decimal.Decimal, error) {
	query := `
		SELECT l.name, b.balance
		FROM ledger_balances b
		JOIN ledgers l ON l.id = b.ledger_id
		WHERE b.evidence_type = $1 AND b.evidence_id = $2
	`

	rows, err := r.ext(ctx).QueryxContext(ctx, query, evidence.Type, evidence.ID)
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[string]decimal.Decimal)
	for rows.Next() {
		var (
			name    string
			balance decimal.Decimal
		)
		if err := rows.Scan(&name, &balance); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		balances[name] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}

	return balances, nil
}

// SumLedgerEntries computes a ledger's total from its entries
func (r *LedgerRepository) SumLedgerEntries(ctx context.Context, ledgerID int64) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE ledger_id = $1`

	var total decimal.Decimal
	if err := sqlx.GetContext(ctx, r.ext(ctx), &total, query, ledgerID); err != nil {
		return decimal.Zero, fmt.Errorf("sum ledger entries: %w", err)
	}

	return total, nil
}

// RebuildBalances deletes every denormalized balance row and re-derives
// the table from entries joined through their transactions to evidence
// links. The inner join discards entries whose transaction carries no
// evidence; those contribute to no per-evidence balance. Callers hold
// all ledger locks.
func (r *LedgerRepository) RebuildBalances(ctx context.Context) error {
	ext := r.ext(ctx)

	if _, err := ext.ExecContext(ctx, `DELETE FROM ledger_balances`); err != nil {
		return fmt.Errorf("clear balances: %w", err)
	}

	query := `
		INSERT INTO ledger_balances (ledger_id, evidence_type, evidence_id, balance, created_at, updated_at)
		SELECT le.ledger_id, el.evidence_type, el.evidence_id, SUM(le.amount), NOW(), NOW()
		FROM ledger_entries le
		JOIN transactions t ON t.id = le.transaction_id
		JOIN evidence_links el ON el.transaction_id = t.id
		GROUP BY le.ledger_id, el.evidence_type, el.evidence_id
	`

	if _, err := ext.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	return nil
}
