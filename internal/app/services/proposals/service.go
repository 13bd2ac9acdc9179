// Package proposals gates proposal submission and find posting behind
// findertoken costs, and owns the at-most-one acceptance rule.
package proposals

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/findermarket/ledger-core/internal/app/domain/contract"
	domain "github.com/findermarket/ledger-core/internal/app/domain/ledger"
	ledgersvc "github.com/findermarket/ledger-core/internal/app/services/ledger"
	settingssvc "github.com/findermarket/ledger-core/internal/app/services/settings"
	"github.com/findermarket/ledger-core/internal/app/storage"
	"github.com/findermarket/ledger-core/pkg/logger"
)

// Service is the proposal gate.
type Service struct {
	store    storage.ProposalStore
	ledger   *ledgersvc.Service
	settings *settingssvc.Service
	log      *logger.Logger
}

// New creates a proposal gate.
func New(store storage.ProposalStore, ledger *ledgersvc.Service, settings *settingssvc.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("proposals")
	}
	return &Service{store: store, ledger: ledger, settings: settings, log: log}
}

// CanSubmit reports whether the finder's token balance covers the current
// proposal cost.
func (s *Service) CanSubmit(ctx context.Context, finderID string) (bool, error) {
	snap, err := s.settings.Current(ctx)
	if err != nil {
		return false, err
	}
	if snap.ProposalTokenCost == 0 {
		return true, nil
	}
	acct, err := s.ledger.EnsureAccount(ctx, domain.OwnerFinder, finderID, domain.AssetToken)
	if err != nil {
		return false, err
	}
	balance, err := s.ledger.BalanceOf(ctx, acct.ID)
	if err != nil {
		return false, err
	}
	return balance >= snap.ProposalTokenCost, nil
}

// Submit debits the proposal token cost and creates the proposal in one unit.
// A failed debit leaves no proposal behind; replaying the same operation id
// returns the previously created proposal.
func (s *Service) Submit(ctx context.Context, opID, findID, finderID string, amount int64) (contract.Proposal, bool, error) {
	if opID == "" {
		return contract.Proposal{}, false, fmt.Errorf("operation id is required")
	}
	if findID == "" || finderID == "" {
		return contract.Proposal{}, false, fmt.Errorf("find id and finder id are required")
	}
	if amount <= 0 {
		return contract.Proposal{}, false, fmt.Errorf("proposal amount must be positive")
	}

	snap, err := s.settings.Current(ctx)
	if err != nil {
		return contract.Proposal{}, false, err
	}

	acct, err := s.ledger.EnsureAccount(ctx, domain.OwnerFinder, finderID, domain.AssetToken)
	if err != nil {
		return contract.Proposal{}, false, err
	}

	proposal := contract.Proposal{
		ID:       uuid.NewString(),
		FindID:   findID,
		FinderID: finderID,
		Amount:   amount,
	}
	op := domain.Operation{ID: opID}
	if snap.ProposalTokenCost > 0 {
		op.Entries = []domain.Transaction{{
			ID:         uuid.NewString(),
			AccountID:  acct.ID,
			Amount:     -snap.ProposalTokenCost,
			Kind:       domain.KindProposalDebit,
			ProposalID: proposal.ID,
			Memo:       fmt.Sprintf("proposal submission for find %s", findID),
		}}
	}

	created, replayed, err := s.store.CreateProposalWithDebit(ctx, proposal, op)
	if err != nil {
		return contract.Proposal{}, false, err
	}
	if !replayed {
		s.log.WithFields(map[string]interface{}{
			"proposal_id": created.ID,
			"find_id":     findID,
			"finder_id":   finderID,
			"token_cost":  snap.ProposalTokenCost,
		}).Info("proposal submitted")
	}
	return created, replayed, nil
}

// GateFindPosting debits the high-budget token cost from the client when the
// find's budget reaches the threshold. Below the threshold it is free.
func (s *Service) GateFindPosting(ctx context.Context, opID, clientID string, budgetMax int64) error {
	snap, err := s.settings.Current(ctx)
	if err != nil {
		return err
	}
	if snap.HighBudgetThreshold <= 0 || budgetMax < snap.HighBudgetThreshold || snap.HighBudgetTokenCost == 0 {
		return nil
	}

	acct, err := s.ledger.EnsureAccount(ctx, domain.OwnerClient, clientID, domain.AssetToken)
	if err != nil {
		return err
	}
	_, _, err = s.ledger.PostOperation(ctx, domain.Operation{
		ID: opID,
		Entries: []domain.Transaction{{
			ID:        uuid.NewString(),
			AccountID: acct.ID,
			Amount:    -snap.HighBudgetTokenCost,
			Kind:      domain.KindProposalDebit,
			Memo:      fmt.Sprintf("high-budget find posting (budget %d)", budgetMax),
		}},
	})
	return err
}

// Accept flips a pending proposal to accepted and auto-rejects every other
// pending proposal on the same find. Concurrent accepts race to exactly one
// winner; losers get ErrInvalidStateTransition.
func (s *Service) Accept(ctx context.Context, proposalID string) (contract.Proposal, []contract.Proposal, error) {
	winner, rejected, err := s.store.AcceptProposal(ctx, proposalID)
	if err != nil {
		return contract.Proposal{}, nil, err
	}
	s.log.WithFields(map[string]interface{}{
		"proposal_id":   winner.ID,
		"find_id":       winner.FindID,
		"auto_rejected": len(rejected),
	}).Info("proposal accepted")
	return winner, rejected, nil
}

// RevertAcceptance returns an accepted proposal to pending after escrow
// funding fails, so the client can retry or pick another proposal.
func (s *Service) RevertAcceptance(ctx context.Context, proposalID string) error {
	if _, err := s.store.RevertProposalAcceptance(ctx, proposalID); err != nil {
		return err
	}
	s.log.WithField("proposal_id", proposalID).Warn("proposal acceptance reverted after funding failure")
	return nil
}

// Withdraw marks a pending proposal withdrawn by its finder. The submission
// debit is not refunded.
func (s *Service) Withdraw(ctx context.Context, proposalID, finderID string) (contract.Proposal, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return contract.Proposal{}, err
	}
	if p.FinderID != finderID {
		return contract.Proposal{}, fmt.Errorf("proposal %s: %w", proposalID, domain.ErrNotFound)
	}
	if p.Status != contract.ProposalPending {
		return contract.Proposal{}, fmt.Errorf("proposal %s is %s: %w", proposalID, p.Status, domain.ErrInvalidStateTransition)
	}
	return s.store.UpdateProposalStatus(ctx, proposalID, contract.ProposalWithdrawn)
}

// Get fetches one proposal.
func (s *Service) Get(ctx context.Context, proposalID string) (contract.Proposal, error) {
	return s.store.GetProposal(ctx, proposalID)
}

// ListForFind lists the proposals on one find, oldest first.
func (s *Service) ListForFind(ctx context.Context, findID string) ([]contract.Proposal, error) {
	return s.store.ListProposals(ctx, findID)
}
