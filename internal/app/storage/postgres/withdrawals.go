package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/findermarket/ledger-core/internal/app/domain/ledger"
	"github.com/findermarket/ledger-core/internal/app/domain/withdrawal"
	"github.com/findermarket/ledger-core/internal/app/storage"
)

// --- WithdrawalStore --------------------------------------------------------

const withdrawalSelect = `
	SELECT id, finder_id, amount, payment_method, status, reason, external_ref, attempts, requested_at, processed_at
	FROM withdrawals`

func scanWithdrawal(row rowScanner, id string) (withdrawal.Request, error) {
	var (
		req         withdrawal.Request
		processedAt sql.NullTime
	)
	err := row.Scan(&req.ID, &req.FinderID, &req.Amount, &req.PaymentMethod, &req.Status,
		&req.Reason, &req.ExternalRef, &req.Attempts, &req.RequestedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return withdrawal.Request{}, fmt.Errorf("withdrawal %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return withdrawal.Request{}, err
	}
	req.ProcessedAt = fromNullTime(processedAt)
	return req, nil
}

func (s *Store) CreateWithdrawal(ctx context.Context, req withdrawal.Request) (withdrawal.Request, error) {
	if req.Amount <= 0 {
		return withdrawal.Request{}, fmt.Errorf("withdrawal amount must be positive")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	accountID := ledger.AccountID(ledger.OwnerFinder, req.FinderID, ledger.AssetCash)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var (
			balance, held int64
			frozen        bool
		)
		err := tx.QueryRowContext(ctx, `
			SELECT balance, held, frozen FROM accounts WHERE id = $1 FOR UPDATE
		`, accountID).Scan(&balance, &held, &frozen)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("account %s: %w", accountID, ledger.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if frozen {
			return fmt.Errorf("account %s: %w", accountID, ledger.ErrAccountFrozen)
		}
		if available := balance - held; req.Amount > available {
			return fmt.Errorf("available %d, requested %d: %w", available, req.Amount, ledger.ErrInsufficientFunds)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET held = held + $2, updated_at = $3 WHERE id = $1
		`, accountID, req.Amount, now); err != nil {
			return err
		}

		req.Status = withdrawal.StatusPending
		req.RequestedAt = now
		_, err = tx.ExecContext(ctx, `
			INSERT INTO withdrawals (id, finder_id, amount, payment_method, status, requested_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, req.ID, req.FinderID, req.Amount, req.PaymentMethod, req.Status, req.RequestedAt)
		return err
	})
	if err != nil {
		return withdrawal.Request{}, err
	}
	return req, nil
}

func (s *Store) ApproveWithdrawal(ctx context.Context, id string, op ledger.Operation, at time.Time) (withdrawal.Request, bool, error) {
	var (
		approved withdrawal.Request
		replayed bool
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		row := tx.QueryRowContext(ctx, withdrawalSelect+` WHERE id = $1 FOR UPDATE`, id)
		req, err := scanWithdrawal(row, id)
		if err != nil {
			return err
		}

		// The hold must be released before the debit posts, so the debit
		// validates against the freed funds. Both happen in this transaction;
		// a failure rolls the hold release back too.
		if req.Status == withdrawal.StatusPending {
			accountID := ledger.AccountID(ledger.OwnerFinder, req.FinderID, ledger.AssetCash)
			if _, err := tx.ExecContext(ctx, `
				UPDATE accounts SET held = GREATEST(held - $2, 0), updated_at = $3 WHERE id = $1
			`, accountID, req.Amount, time.Now().UTC()); err != nil {
				return err
			}
		}

		_, _, replay, err := s.postOperationTx(ctx, tx, op, "withdrawal", req.ID)
		if err != nil {
			return err
		}
		if replay {
			replayed = true
			approved = req
			return nil
		}
		if req.Status != withdrawal.StatusPending {
			return fmt.Errorf("withdrawal %s is %s: %w", id, req.Status, ledger.ErrInvalidStateTransition)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE withdrawals SET status = $2 WHERE id = $1
		`, id, withdrawal.StatusProcessing); err != nil {
			return err
		}
		req.Status = withdrawal.StatusProcessing
		approved = req
		return nil
	})
	if err != nil {
		return withdrawal.Request{}, false, err
	}
	return approved, replayed, nil
}

func (s *Store) RejectWithdrawal(ctx context.Context, id, reason string, at time.Time) (withdrawal.Request, error) {
	var rejected withdrawal.Request
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		row := tx.QueryRowContext(ctx, withdrawalSelect+` WHERE id = $1 FOR UPDATE`, id)
		req, err := scanWithdrawal(row, id)
		if err != nil {
			return err
		}
		if req.Status == withdrawal.StatusRejected {
			rejected = req
			return nil
		}
		if req.Status != withdrawal.StatusPending {
			return fmt.Errorf("withdrawal %s is %s: %w", id, req.Status, ledger.ErrInvalidStateTransition)
		}

		accountID := ledger.AccountID(ledger.OwnerFinder, req.FinderID, ledger.AssetCash)
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET held = GREATEST(held - $2, 0), updated_at = $3 WHERE id = $1
		`, accountID, req.Amount, now); err != nil {
			return err
		}

		at = at.UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE withdrawals SET status = $2, reason = $3, processed_at = $4 WHERE id = $1
		`, id, withdrawal.StatusRejected, reason, at); err != nil {
			return err
		}
		req.Status = withdrawal.StatusRejected
		req.Reason = reason
		req.ProcessedAt = &at
		rejected = req
		return nil
	})
	if err != nil {
		return withdrawal.Request{}, err
	}
	return rejected, nil
}

func (s *Store) FinishWithdrawal(ctx context.Context, id, externalRef string, at time.Time) (withdrawal.Request, error) {
	var finished withdrawal.Request
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		row := tx.QueryRowContext(ctx, withdrawalSelect+` WHERE id = $1 FOR UPDATE`, id)
		req, err := scanWithdrawal(row, id)
		if err != nil {
			return err
		}
		if req.Status == withdrawal.StatusApproved {
			finished = req
			return nil
		}
		if req.Status != withdrawal.StatusProcessing {
			return fmt.Errorf("withdrawal %s is %s: %w", id, req.Status, ledger.ErrInvalidStateTransition)
		}

		at = at.UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE withdrawals SET status = $2, external_ref = $3, processed_at = $4 WHERE id = $1
		`, id, withdrawal.StatusApproved, externalRef, at); err != nil {
			return err
		}
		req.Status = withdrawal.StatusApproved
		req.ExternalRef = externalRef
		req.ProcessedAt = &at
		finished = req
		return nil
	})
	if err != nil {
		return withdrawal.Request{}, err
	}
	return finished, nil
}

func (s *Store) RecordPayoutAttempt(ctx context.Context, id, railError string) (withdrawal.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE withdrawals SET attempts = attempts + 1, reason = $2
		WHERE id = $1
		RETURNING id, finder_id, amount, payment_method, status, reason, external_ref, attempts, requested_at, processed_at
	`, id, railError)
	return scanWithdrawal(row, id)
}

func (s *Store) GetWithdrawal(ctx context.Context, id string) (withdrawal.Request, error) {
	row := s.db.QueryRowContext(ctx, withdrawalSelect+` WHERE id = $1`, id)
	return scanWithdrawal(row, id)
}

func (s *Store) ListWithdrawals(ctx context.Context, filter storage.WithdrawalFilter) ([]withdrawal.Request, error) {
	query := withdrawalSelect + `
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR finder_id = $2)
		ORDER BY requested_at`
	args := []interface{}{string(filter.Status), filter.FinderID}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []withdrawal.Request
	for rows.Next() {
		req, err := scanWithdrawal(rows, "")
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func (s *Store) ListProcessingWithdrawals(ctx context.Context) ([]withdrawal.Request, error) {
	return s.ListWithdrawals(ctx, storage.WithdrawalFilter{Status: withdrawal.StatusProcessing})
}
