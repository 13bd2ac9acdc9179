// Package postgres implements the storage interfaces backed by PostgreSQL.
//
// Atomic units map to database transactions. Idempotency rests on the
// operations table: the first INSERT of an operation id wins, a conflicting
// insert marks the call as a replay and the prior outcome is read back.
// Account rows are locked with SELECT ... FOR UPDATE in sorted id order, which
// serializes writers per account without deadlocks.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/findermarket/ledger-core/internal/app/domain/ledger"
	"github.com/findermarket/ledger-core/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.ProposalStore = (*Store)(nil)
var _ storage.ContractStore = (*Store)(nil)
var _ storage.WithdrawalStore = (*Store)(nil)
var _ storage.DistributionStore = (*Store)(nil)
var _ storage.GrantStore = (*Store)(nil)
var _ storage.SettingsStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and runs pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) EnsureAccount(ctx context.Context, acct ledger.Account) (ledger.Account, error) {
	if acct.ID == "" {
		acct.ID = ledger.AccountID(acct.OwnerKind, acct.OwnerID, acct.Asset)
	}
	now := time.Now().UTC()

	// Insert-if-absent, then read whichever row survived.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, owner_kind, asset, balance, held, allow_negative, frozen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, $5, FALSE, $6, $6)
		ON CONFLICT (id) DO NOTHING
	`, acct.ID, acct.OwnerID, acct.OwnerKind, acct.Asset, acct.AllowNegative, now)
	if err != nil {
		return ledger.Account{}, err
	}
	return s.GetAccount(ctx, acct.ID)
}

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, owner_kind, asset, balance, held, allow_negative, frozen, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`, id)
	return scanAccount(row, id)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner, id string) (ledger.Account, error) {
	var acct ledger.Account
	err := row.Scan(&acct.ID, &acct.OwnerID, &acct.OwnerKind, &acct.Asset,
		&acct.Balance, &acct.Held, &acct.AllowNegative, &acct.Frozen,
		&acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Account{}, err
	}
	return acct, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, owner_kind, asset, balance, held, allow_negative, frozen, created_at, updated_at
		FROM accounts
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		acct, err := scanAccount(rows, "")
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func (s *Store) SetAccountFrozen(ctx context.Context, id string, frozen bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET frozen = $2, updated_at = $3 WHERE id = $1
	`, id, frozen, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	return nil
}

func (s *Store) PostOperation(ctx context.Context, op ledger.Operation) (ledger.Operation, bool, error) {
	var (
		entries  []ledger.Transaction
		replayed bool
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		entries, _, replayed, err = s.postOperationTx(ctx, tx, op, "", "")
		return err
	})
	if err != nil {
		return ledger.Operation{}, false, err
	}
	return ledger.Operation{ID: op.ID, Entries: entries}, replayed, nil
}

// postOperationTx applies the operation inside the caller's transaction. On
// replay it returns the stored entries and the entity id recorded when the
// operation first applied.
func (s *Store) postOperationTx(ctx context.Context, tx *sqlx.Tx, op ledger.Operation, entityType, entityID string) ([]ledger.Transaction, string, bool, error) {
	if op.ID == "" {
		return nil, "", false, fmt.Errorf("operation id is required")
	}

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO operations (id, entity_type, entity_id, created_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4)
		ON CONFLICT (id) DO NOTHING
	`, op.ID, entityType, entityID, now)
	if err != nil {
		return nil, "", false, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		entries, priorEntity, err := s.loadOperationTx(ctx, tx, op.ID)
		if err != nil {
			return nil, "", false, err
		}
		return entries, priorEntity, true, nil
	}

	if len(op.Entries) == 0 {
		return nil, "", false, nil
	}

	// Lock every touched account in sorted order, then validate the staged
	// balances before writing anything.
	byAccount := make(map[string]int64)
	var accountIDs []string
	for _, e := range op.Entries {
		if _, seen := byAccount[e.AccountID]; !seen {
			accountIDs = append(accountIDs, e.AccountID)
		}
		byAccount[e.AccountID] += e.Amount
	}
	sort.Strings(accountIDs)

	balances := make(map[string]int64, len(accountIDs))
	for _, accountID := range accountIDs {
		var (
			balance, held int64
			allowNegative bool
			frozen        bool
		)
		err := tx.QueryRowContext(ctx, `
			SELECT balance, held, allow_negative, frozen
			FROM accounts
			WHERE id = $1
			FOR UPDATE
		`, accountID).Scan(&balance, &held, &allowNegative, &frozen)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", false, fmt.Errorf("account %s: %w", accountID, ledger.ErrNotFound)
		}
		if err != nil {
			return nil, "", false, err
		}
		if frozen {
			return nil, "", false, fmt.Errorf("account %s: %w", accountID, ledger.ErrAccountFrozen)
		}
		after := balance + byAccount[accountID]
		if after < held && !allowNegative {
			return nil, "", false, fmt.Errorf("account %s: balance %d, held %d, change %d: %w",
				accountID, balance, held, byAccount[accountID], ledger.ErrInsufficientFunds)
		}
		balances[accountID] = balance
	}

	posted := make([]ledger.Transaction, 0, len(op.Entries))
	for _, e := range op.Entries {
		if !e.Kind.Valid() {
			return nil, "", false, fmt.Errorf("unknown transaction kind %q", e.Kind)
		}
		balances[e.AccountID] += e.Amount
		e.BalanceAfter = balances[e.AccountID]
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (id, operation_id, account_id, amount, kind, balance_after, contract_id, proposal_id, external_ref, memo, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11)
		`, e.ID, op.ID, e.AccountID, e.Amount, e.Kind, e.BalanceAfter,
			e.ContractID, e.ProposalID, e.ExternalRef, e.Memo, e.CreatedAt)
		if isUniqueViolation(err) {
			return nil, "", false, fmt.Errorf("transaction %s already posted under a different operation", e.ID)
		}
		if err != nil {
			return nil, "", false, err
		}
		posted = append(posted, e)
	}

	for _, accountID := range accountIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET balance = balance + $2, updated_at = $3 WHERE id = $1
		`, accountID, byAccount[accountID], now); err != nil {
			return nil, "", false, err
		}
	}

	return posted, entityID, false, nil
}

func (s *Store) loadOperationTx(ctx context.Context, tx *sqlx.Tx, opID string) ([]ledger.Transaction, string, error) {
	var entityID sql.NullString
	if err := tx.QueryRowContext(ctx, `
		SELECT entity_id FROM operations WHERE id = $1
	`, opID).Scan(&entityID); err != nil {
		return nil, "", err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, account_id, amount, kind, balance_after, contract_id, proposal_id, external_ref, memo, created_at
		FROM transactions
		WHERE operation_id = $1
		ORDER BY seq
	`, opID)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var entries []ledger.Transaction
	for rows.Next() {
		e, err := scanTransaction(rows)
		if err != nil {
			return nil, "", err
		}
		entries = append(entries, e)
	}
	return entries, entityID.String, rows.Err()
}

func scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var (
		e                                         ledger.Transaction
		contractID, proposalID, externalRef, memo sql.NullString
	)
	err := row.Scan(&e.ID, &e.AccountID, &e.Amount, &e.Kind, &e.BalanceAfter,
		&contractID, &proposalID, &externalRef, &memo, &e.CreatedAt)
	if err != nil {
		return ledger.Transaction{}, err
	}
	e.ContractID = contractID.String
	e.ProposalID = proposalID.String
	e.ExternalRef = externalRef.String
	e.Memo = memo.String
	return e, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, amount, kind, balance_after, contract_id, proposal_id, external_ref, memo, created_at
		FROM transactions
		WHERE id = $1
	`, id)
	e, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: %w", id, ledger.ErrNotFound)
	}
	return e, err
}

func (s *Store) ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]ledger.Transaction, error) {
	query := `
		SELECT id, account_id, amount, kind, balance_after, contract_id, proposal_id, external_ref, memo, created_at
		FROM transactions
		WHERE ($1 = '' OR account_id = $1)
		  AND ($2 = '' OR kind = $2)
		  AND ($3 = '' OR contract_id = $3)
		ORDER BY seq DESC
	`
	args := []interface{}{filter.AccountID, string(filter.Kind), filter.ContractID}
	if filter.Limit > 0 {
		query += ` LIMIT $4 OFFSET $5`
		args = append(args, filter.Limit, filter.Offset)
	} else if filter.Offset > 0 {
		query += ` OFFSET $4`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Transaction
	for rows.Next() {
		e, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) CheckAccountBalance(ctx context.Context, accountID string) (int64, int64, error) {
	var balance, sum int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		// Locking the account row keeps concurrent postings out until both
		// reads commit, so balance and sum describe the same ledger state.
		err := tx.QueryRowContext(ctx, `
			SELECT balance FROM accounts WHERE id = $1 FOR UPDATE
		`, accountID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("account %s: %w", accountID, ledger.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE account_id = $1
		`, accountID).Scan(&sum)
	})
	return balance, sum, err
}

func (s *Store) ListFinderIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT owner_id FROM accounts WHERE owner_kind = $1 ORDER BY owner_id
	`, ledger.OwnerFinder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
