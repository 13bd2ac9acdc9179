package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/findermarket/ledger-core/internal/app/domain/contract"
	"github.com/findermarket/ledger-core/internal/app/domain/ledger"
	"github.com/findermarket/ledger-core/internal/app/storage"
)

// --- ProposalStore ----------------------------------------------------------

func (s *Store) CreateProposalWithDebit(ctx context.Context, p contract.Proposal, op ledger.Operation) (contract.Proposal, bool, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	var (
		created  contract.Proposal
		replayed bool
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, priorID, replay, err := s.postOperationTx(ctx, tx, op, "proposal", p.ID)
		if err != nil {
			return err
		}
		if replay {
			replayed = true
			if priorID == "" {
				return fmt.Errorf("operation %s already applied: %w", op.ID, ledger.ErrDuplicateOperation)
			}
			created, err = s.getProposalTx(ctx, tx, priorID)
			return err
		}

		now := time.Now().UTC()
		p.Status = contract.ProposalPending
		p.CreatedAt = now
		p.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO proposals (id, find_id, finder_id, amount, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, p.ID, p.FindID, p.FinderID, p.Amount, p.Status, p.CreatedAt, p.UpdatedAt); err != nil {
			return err
		}
		created = p
		return nil
	})
	if err != nil {
		return contract.Proposal{}, false, err
	}
	return created, replayed, nil
}

func (s *Store) getProposalTx(ctx context.Context, tx *sqlx.Tx, id string) (contract.Proposal, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, find_id, finder_id, amount, status, created_at, updated_at
		FROM proposals WHERE id = $1
	`, id)
	return scanProposal(row, id)
}

func scanProposal(row rowScanner, id string) (contract.Proposal, error) {
	var p contract.Proposal
	err := row.Scan(&p.ID, &p.FindID, &p.FinderID, &p.Amount, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contract.Proposal{}, fmt.Errorf("proposal %s: %w", id, ledger.ErrNotFound)
	}
	return p, err
}

func (s *Store) GetProposal(ctx context.Context, id string) (contract.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, find_id, finder_id, amount, status, created_at, updated_at
		FROM proposals WHERE id = $1
	`, id)
	return scanProposal(row, id)
}

func (s *Store) ListProposals(ctx context.Context, findID string) ([]contract.Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, find_id, finder_id, amount, status, created_at, updated_at
		FROM proposals
		WHERE ($1 = '' OR find_id = $1)
		ORDER BY created_at
	`, findID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proposals []contract.Proposal
	for rows.Next() {
		p, err := scanProposal(rows, "")
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

func (s *Store) AcceptProposal(ctx context.Context, id string) (contract.Proposal, []contract.Proposal, error) {
	var (
		winner   contract.Proposal
		rejected []contract.Proposal
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, find_id, finder_id, amount, status, created_at, updated_at
			FROM proposals WHERE id = $1
			FOR UPDATE
		`, id)
		p, err := scanProposal(row, id)
		if err != nil {
			return err
		}
		if p.Status != contract.ProposalPending {
			return fmt.Errorf("proposal %s is %s: %w", id, p.Status, ledger.ErrInvalidStateTransition)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE proposals SET status = $2, updated_at = $3 WHERE id = $1
		`, id, contract.ProposalAccepted, now)
		if isUniqueViolation(err) {
			// The partial unique index caught a concurrent accept on the find.
			return fmt.Errorf("find %s already has an accepted proposal: %w", p.FindID, ledger.ErrInvalidStateTransition)
		}
		if err != nil {
			return err
		}
		p.Status = contract.ProposalAccepted
		p.UpdatedAt = now
		winner = p

		rows, err := tx.QueryContext(ctx, `
			UPDATE proposals SET status = $3, updated_at = $4
			WHERE find_id = $1 AND id <> $2 AND status = $5
			RETURNING id, find_id, finder_id, amount, status, created_at, updated_at
		`, p.FindID, id, contract.ProposalRejected, now, contract.ProposalPending)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanProposal(rows, "")
			if err != nil {
				return err
			}
			rejected = append(rejected, r)
		}
		return rows.Err()
	})
	if err != nil {
		return contract.Proposal{}, nil, err
	}
	return winner, rejected, nil
}

func (s *Store) RevertProposalAcceptance(ctx context.Context, id string) (contract.Proposal, error) {
	return s.updateProposalStatusFrom(ctx, id, contract.ProposalAccepted, contract.ProposalPending)
}

func (s *Store) UpdateProposalStatus(ctx context.Context, id string, status contract.ProposalStatus) (contract.Proposal, error) {
	return s.updateProposalStatusFrom(ctx, id, "", status)
}

func (s *Store) updateProposalStatusFrom(ctx context.Context, id string, from, to contract.ProposalStatus) (contract.Proposal, error) {
	var updated contract.Proposal
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		p, err := s.getProposalTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if from != "" && p.Status != from {
			return fmt.Errorf("proposal %s is %s: %w", id, p.Status, ledger.ErrInvalidStateTransition)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE proposals SET status = $2, updated_at = $3 WHERE id = $1
		`, id, to, now); err != nil {
			return err
		}
		p.Status = to
		p.UpdatedAt = now
		updated = p
		return nil
	})
	if err != nil {
		return contract.Proposal{}, err
	}
	return updated, nil
}

// --- ContractStore ----------------------------------------------------------

func (s *Store) CreateContractFunded(ctx context.Context, c contract.Contract, op ledger.Operation) (contract.Contract, bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	var (
		created  contract.Contract
		replayed bool
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, priorID, replay, err := s.postOperationTx(ctx, tx, op, "contract", c.ID)
		if err != nil {
			return err
		}
		if replay {
			replayed = true
			if priorID == "" {
				return fmt.Errorf("operation %s already applied: %w", op.ID, ledger.ErrDuplicateOperation)
			}
			created, err = s.getContractTx(ctx, tx, priorID)
			return err
		}

		now := time.Now().UTC()
		c.Status = contract.StatusHeld
		c.CreatedAt = now
		c.FundedAt = &now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contracts (id, find_id, client_id, finder_id, amount, status, funded_amount, settings_version, proposal_id, created_at, funded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, c.ID, c.FindID, c.ClientID, c.FinderID, c.Amount, c.Status,
			c.FundedAmount, c.SettingsVersion, c.ProposalID, c.CreatedAt, c.FundedAt); err != nil {
			return err
		}
		created = c
		return nil
	})
	if err != nil {
		return contract.Contract{}, false, err
	}
	return created, replayed, nil
}

func (s *Store) getContractTx(ctx context.Context, tx *sqlx.Tx, id string) (contract.Contract, error) {
	row := tx.QueryRowContext(ctx, contractSelect+` WHERE id = $1`, id)
	return scanContract(row, id)
}

const contractSelect = `
	SELECT id, find_id, client_id, finder_id, amount, status, funded_amount, settings_version, proposal_id, created_at, funded_at, released_at, completed_at
	FROM contracts`

func scanContract(row rowScanner, id string) (contract.Contract, error) {
	var (
		c                                 contract.Contract
		fundedAt, releasedAt, completedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.FindID, &c.ClientID, &c.FinderID, &c.Amount, &c.Status,
		&c.FundedAmount, &c.SettingsVersion, &c.ProposalID, &c.CreatedAt,
		&fundedAt, &releasedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contract.Contract{}, fmt.Errorf("contract %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return contract.Contract{}, err
	}
	c.FundedAt = fromNullTime(fundedAt)
	c.ReleasedAt = fromNullTime(releasedAt)
	c.CompletedAt = fromNullTime(completedAt)
	return c, nil
}

func (s *Store) SettleContract(ctx context.Context, id string, from, to contract.Status, op ledger.Operation, at time.Time) (contract.Contract, bool, error) {
	var (
		settled  contract.Contract
		replayed bool
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		row := tx.QueryRowContext(ctx, contractSelect+` WHERE id = $1 FOR UPDATE`, id)
		c, err := scanContract(row, id)
		if err != nil {
			return err
		}

		_, _, replay, err := s.postOperationTx(ctx, tx, op, "contract", c.ID)
		if err != nil {
			return err
		}
		if replay {
			replayed = true
			settled = c
			return nil
		}
		if c.Status != from {
			return fmt.Errorf("contract %s is %s, not %s: %w", id, c.Status, from, ledger.ErrInvalidStateTransition)
		}

		at = at.UTC()
		var released sql.NullTime
		if to == contract.StatusReleased {
			released = sql.NullTime{Time: at, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE contracts SET status = $2, released_at = COALESCE($3, released_at) WHERE id = $1
		`, id, to, released); err != nil {
			return err
		}
		c.Status = to
		if released.Valid {
			c.ReleasedAt = &at
		}
		settled = c
		return nil
	})
	if err != nil {
		return contract.Contract{}, false, err
	}
	return settled, replayed, nil
}

func (s *Store) CompleteContract(ctx context.Context, id string, at time.Time) (contract.Contract, error) {
	var completed contract.Contract
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		row := tx.QueryRowContext(ctx, contractSelect+` WHERE id = $1 FOR UPDATE`, id)
		c, err := scanContract(row, id)
		if err != nil {
			return err
		}
		if c.Status == contract.StatusCompleted {
			completed = c
			return nil
		}
		if c.Status != contract.StatusReleased {
			return fmt.Errorf("contract %s is %s: %w", id, c.Status, ledger.ErrInvalidStateTransition)
		}

		at = at.UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE contracts SET status = $2, completed_at = $3 WHERE id = $1
		`, id, contract.StatusCompleted, at); err != nil {
			return err
		}
		c.Status = contract.StatusCompleted
		c.CompletedAt = &at
		completed = c
		return nil
	})
	if err != nil {
		return contract.Contract{}, err
	}
	return completed, nil
}

func (s *Store) GetContract(ctx context.Context, id string) (contract.Contract, error) {
	row := s.db.QueryRowContext(ctx, contractSelect+` WHERE id = $1`, id)
	return scanContract(row, id)
}

func (s *Store) GetContractByOperation(ctx context.Context, opID string) (contract.Contract, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id FROM operations WHERE id = $1 AND entity_type = 'contract'
	`, opID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return contract.Contract{}, fmt.Errorf("operation %s: %w", opID, ledger.ErrNotFound)
	}
	if err != nil {
		return contract.Contract{}, err
	}
	return s.GetContract(ctx, id)
}

func (s *Store) ListContracts(ctx context.Context, filter storage.ContractFilter) ([]contract.Contract, error) {
	query := contractSelect + `
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR client_id = $2)
		  AND ($3 = '' OR finder_id = $3)
		  AND ($4 = '' OR find_id = $4)
		ORDER BY created_at`
	args := []interface{}{string(filter.Status), filter.ClientID, filter.FinderID, filter.FindID}
	if filter.Limit > 0 {
		query += ` LIMIT $5`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []contract.Contract
	for rows.Next() {
		c, err := scanContract(rows, "")
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}
