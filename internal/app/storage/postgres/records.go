package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/findermarket/ledger-core/internal/app/domain/distribution"
	"github.com/findermarket/ledger-core/internal/app/domain/grant"
	"github.com/findermarket/ledger-core/internal/app/domain/ledger"
	"github.com/findermarket/ledger-core/internal/app/domain/settings"
)

// --- DistributionStore ------------------------------------------------------

func (s *Store) RecordDistribution(ctx context.Context, rec distribution.Record, op ledger.Operation) (bool, error) {
	var applied bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO distributions (finder_id, year, month, tokens_granted, distributed_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (finder_id, year, month) DO NOTHING
		`, rec.FinderID, rec.Year, rec.Month, rec.TokensGranted, rec.DistributedAt.UTC())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Already distributed for this month; nothing posts.
			return nil
		}

		if _, _, replayed, err := s.postOperationTx(ctx, tx, op, "distribution", rec.FinderID); err != nil {
			return err
		} else if replayed {
			// The record row was lost but the operation survived. Should not
			// happen with the stable op id scheme; treat as already done.
			return nil
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *Store) ListDistributions(ctx context.Context, year, month int) ([]distribution.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT finder_id, year, month, tokens_granted, distributed_at
		FROM distributions
		WHERE year = $1 AND month = $2
		ORDER BY finder_id
	`, year, month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []distribution.Record
	for rows.Next() {
		var rec distribution.Record
		if err := rows.Scan(&rec.FinderID, &rec.Year, &rec.Month, &rec.TokensGranted, &rec.DistributedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- GrantStore -------------------------------------------------------------

func (s *Store) CreateGrant(ctx context.Context, g grant.Grant, op ledger.Operation) (grant.Grant, bool, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	var replayed bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		entries, priorID, replay, err := s.postOperationTx(ctx, tx, op, "grant", g.ID)
		if err != nil {
			return err
		}
		if replay {
			replayed = true
			if priorID == "" {
				return fmt.Errorf("operation %s: %w", op.ID, ledger.ErrDuplicateOperation)
			}
			g, err = s.getGrantTx(ctx, tx, priorID)
			return err
		}

		g.TransactionID = entries[0].ID
		if g.CreatedAt.IsZero() {
			g.CreatedAt = time.Now().UTC()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO grants (id, recipient_id, recipient_kind, amount, reason, granted_by, transaction_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, g.ID, g.RecipientID, g.RecipientKind, g.Amount, g.Reason, g.GrantedBy, g.TransactionID, g.CreatedAt)
		return err
	})
	if err != nil {
		return grant.Grant{}, false, err
	}
	return g, replayed, nil
}

func (s *Store) getGrantTx(ctx context.Context, tx *sqlx.Tx, id string) (grant.Grant, error) {
	var g grant.Grant
	err := tx.QueryRowContext(ctx, `
		SELECT id, recipient_id, recipient_kind, amount, reason, granted_by, transaction_id, created_at
		FROM grants WHERE id = $1
	`, id).Scan(&g.ID, &g.RecipientID, &g.RecipientKind, &g.Amount, &g.Reason, &g.GrantedBy, &g.TransactionID, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return grant.Grant{}, fmt.Errorf("grant %s: %w", id, ledger.ErrNotFound)
	}
	return g, err
}

func (s *Store) ListGrants(ctx context.Context, recipientID string) ([]grant.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, recipient_kind, amount, reason, granted_by, transaction_id, created_at
		FROM grants
		WHERE ($1 = '' OR recipient_id = $1)
		ORDER BY created_at
	`, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []grant.Grant
	for rows.Next() {
		var g grant.Grant
		if err := rows.Scan(&g.ID, &g.RecipientID, &g.RecipientKind, &g.Amount, &g.Reason, &g.GrantedBy, &g.TransactionID, &g.CreatedAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// --- SettingsStore ----------------------------------------------------------

const settingsSelect = `
	SELECT version, proposal_token_cost, findertoken_price, platform_fee_pct, client_charge_pct,
	       finder_charge_pct, high_budget_threshold, high_budget_token_cost, monthly_token_allotment,
	       effective_at, created_by, created_at
	FROM settings`

func scanSettings(row rowScanner) (settings.Snapshot, error) {
	var snap settings.Snapshot
	err := row.Scan(&snap.Version, &snap.ProposalTokenCost, &snap.FindertokenPrice,
		&snap.PlatformFeePct, &snap.ClientChargePct, &snap.FinderChargePct,
		&snap.HighBudgetThreshold, &snap.HighBudgetTokenCost, &snap.MonthlyTokenAllotment,
		&snap.EffectiveAt, &snap.CreatedBy, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return settings.Snapshot{}, ledger.ErrSettingsUnavailable
	}
	return snap, err
}

func (s *Store) CreateSettings(ctx context.Context, snap settings.Snapshot) (settings.Snapshot, error) {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO settings (proposal_token_cost, findertoken_price, platform_fee_pct, client_charge_pct,
		                      finder_charge_pct, high_budget_threshold, high_budget_token_cost,
		                      monthly_token_allotment, effective_at, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING version
	`, snap.ProposalTokenCost, snap.FindertokenPrice, snap.PlatformFeePct, snap.ClientChargePct,
		snap.FinderChargePct, snap.HighBudgetThreshold, snap.HighBudgetTokenCost,
		snap.MonthlyTokenAllotment, snap.EffectiveAt.UTC(), snap.CreatedBy, snap.CreatedAt).Scan(&snap.Version)
	if err != nil {
		return settings.Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) SettingsAt(ctx context.Context, at time.Time) (settings.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, settingsSelect+`
		WHERE effective_at <= $1
		ORDER BY effective_at DESC, version DESC
		LIMIT 1
	`, at.UTC())
	return scanSettings(row)
}

func (s *Store) SettingsVersion(ctx context.Context, version int64) (settings.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, settingsSelect+` WHERE version = $1`, version)
	return scanSettings(row)
}
