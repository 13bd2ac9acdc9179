// Package escrow turns accepted proposals into funded contracts and settles
// them. It is the only mutator of contract status.
//
// Money flow: funding moves the client's payment into a dedicated escrow
// wallet; release splits the escrow wallet between finder and platform; refund
// returns it to the client. Every unit funded leaves escrow exactly once, so
// the escrow wallet for a fully settled book is always zero.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/findermarket/ledger-core/internal/app/domain/contract"
	domain "github.com/findermarket/ledger-core/internal/app/domain/ledger"
	"github.com/findermarket/ledger-core/internal/app/metrics"
	"github.com/findermarket/ledger-core/internal/app/services/fees"
	ledgersvc "github.com/findermarket/ledger-core/internal/app/services/ledger"
	proposalsvc "github.com/findermarket/ledger-core/internal/app/services/proposals"
	settingssvc "github.com/findermarket/ledger-core/internal/app/services/settings"
	"github.com/findermarket/ledger-core/internal/app/storage"
	"github.com/findermarket/ledger-core/pkg/logger"
)

// EscrowOwnerID is the owner id of the platform's escrow wallet. It is a
// separate wallet from the platform's revenue wallet so held client money and
// earned fees never mix.
const EscrowOwnerID = "escrow"

// PaymentRail captures an external payment when the client's cash balance
// cannot cover the funding amount. Implementations must respect the context
// deadline; the manager never holds ledger locks across a capture call.
type PaymentRail interface {
	Capture(ctx context.Context, clientID string, amount int64, reference string) (externalRef string, err error)
}

// FundResult reports the outcome of accepting a proposal.
type FundResult struct {
	Contract contract.Contract `json:"contract"`
	// PaymentCaptured is set when funding went through the external rail
	// rather than the client's existing balance.
	PaymentCaptured bool   `json:"payment_captured"`
	PaymentRef      string `json:"payment_ref,omitempty"`
}

// Service is the escrow contract manager.
type Service struct {
	store          storage.ContractStore
	ledger         *ledgersvc.Service
	proposals      *proposalsvc.Service
	settings       *settingssvc.Service
	rail           PaymentRail // optional
	captureTimeout time.Duration
	log            *logger.Logger
}

// New creates an escrow manager. rail may be nil, in which case funding
// requires a sufficient client cash balance.
func New(store storage.ContractStore, ledger *ledgersvc.Service, proposals *proposalsvc.Service, settings *settingssvc.Service, rail PaymentRail, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("escrow")
	}
	return &Service{
		store:          store,
		ledger:         ledger,
		proposals:      proposals,
		settings:       settings,
		rail:           rail,
		captureTimeout: 30 * time.Second,
		log:            log,
	}
}

// AcceptAndFund accepts the proposal and funds the resulting contract in the
// held state. The client pays amount plus the client charge, resolved from the
// settings snapshot effective now; that snapshot's version is pinned on the
// contract for settlement-time fee math.
//
// On insufficient balance the manager tries the payment rail (bounded wait);
// if that also fails, the acceptance is reverted and the proposal returns to
// pending.
func (s *Service) AcceptAndFund(ctx context.Context, opID, proposalID, clientID string) (FundResult, error) {
	if opID == "" {
		return FundResult{}, fmt.Errorf("operation id is required")
	}
	if clientID == "" {
		return FundResult{}, fmt.Errorf("client id is required")
	}

	// A retry of an already-applied funding must not reach Accept: the
	// proposal is no longer pending and would fail the state check. Resolve
	// the operation id to the prior contract instead.
	if prior, err := s.store.GetContractByOperation(ctx, opID); err == nil {
		return FundResult{Contract: prior}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return FundResult{}, err
	}

	snap, err := s.settings.Current(ctx)
	if err != nil {
		return FundResult{}, err
	}

	winner, _, err := s.proposals.Accept(ctx, proposalID)
	if err != nil {
		return FundResult{}, err
	}

	breakdown, err := fees.Calculate(winner.Amount, snap)
	if err != nil {
		s.revert(ctx, winner.ID)
		return FundResult{}, err
	}

	result, err := s.fund(ctx, opID, clientID, winner, breakdown)
	if err != nil {
		s.revert(ctx, winner.ID)
		return FundResult{}, err
	}
	return result, nil
}

func (s *Service) fund(ctx context.Context, opID, clientID string, p contract.Proposal, breakdown fees.Breakdown) (FundResult, error) {
	clientAcct, err := s.ledger.EnsureAccount(ctx, domain.OwnerClient, clientID, domain.AssetCash)
	if err != nil {
		return FundResult{}, err
	}
	escrowAcct, err := s.ledger.EnsureAccount(ctx, domain.OwnerPlatform, EscrowOwnerID, domain.AssetCash)
	if err != nil {
		return FundResult{}, err
	}

	c := contract.Contract{
		ID:              uuid.NewString(),
		FindID:          p.FindID,
		ClientID:        clientAcct.OwnerID,
		FinderID:        p.FinderID,
		Amount:          p.Amount,
		FundedAmount:    breakdown.ClientTotal,
		SettingsVersion: breakdown.SettingsVersion,
		ProposalID:      p.ID,
	}

	available, err := s.ledger.AvailableOf(ctx, clientAcct.ID)
	if err != nil {
		return FundResult{}, err
	}

	entries := make([]domain.Transaction, 0, 3)
	captured := false
	externalRef := ""

	if available < breakdown.ClientTotal {
		if s.rail == nil {
			return FundResult{}, fmt.Errorf("client %s available %d of %d: %w",
				clientAcct.OwnerID, available, breakdown.ClientTotal, domain.ErrInsufficientFunds)
		}
		captureCtx, cancel := context.WithTimeout(ctx, s.captureTimeout)
		externalRef, err = s.rail.Capture(captureCtx, clientAcct.OwnerID, breakdown.ClientTotal, p.ID)
		cancel()
		if err != nil {
			return FundResult{}, fmt.Errorf("payment capture for proposal %s: %w (%v)", p.ID, domain.ErrInsufficientFunds, err)
		}
		captured = true
		// The captured payment lands on the client's wallet and immediately
		// funds the escrow, in the same atomic unit.
		entries = append(entries, domain.Transaction{
			ID:          uuid.NewString(),
			AccountID:   clientAcct.ID,
			Amount:      breakdown.ClientTotal,
			Kind:        domain.KindEscrowFund,
			ContractID:  c.ID,
			ProposalID:  p.ID,
			ExternalRef: externalRef,
			Memo:        "external payment capture",
		})
	}

	entries = append(entries,
		domain.Transaction{
			ID:         uuid.NewString(),
			AccountID:  clientAcct.ID,
			Amount:     -breakdown.ClientTotal,
			Kind:       domain.KindEscrowFund,
			ContractID: c.ID,
			ProposalID: p.ID,
			Memo:       fmt.Sprintf("escrow funding (principal %d + client charge %d)", breakdown.Amount, breakdown.ClientCharge),
		},
		domain.Transaction{
			ID:         uuid.NewString(),
			AccountID:  escrowAcct.ID,
			Amount:     breakdown.ClientTotal,
			Kind:       domain.KindEscrowFund,
			ContractID: c.ID,
			ProposalID: p.ID,
		},
	)

	funded, replayed, err := s.store.CreateContractFunded(ctx, c, domain.Operation{ID: opID, Entries: entries})
	if err != nil {
		return FundResult{}, err
	}
	if !replayed {
		s.log.WithFields(map[string]interface{}{
			"contract_id":      funded.ID,
			"proposal_id":      p.ID,
			"funded_amount":    funded.FundedAmount,
			"settings_version": funded.SettingsVersion,
			"captured":         captured,
		}).Info("contract funded")
	}
	return FundResult{Contract: funded, PaymentCaptured: captured, PaymentRef: externalRef}, nil
}

func (s *Service) revert(ctx context.Context, proposalID string) {
	if err := s.proposals.RevertAcceptance(ctx, proposalID); err != nil {
		s.log.WithError(err).Errorf("revert acceptance of proposal %s failed", proposalID)
	}
}

// Release settles a held contract in the finder's favor: the escrow wallet
// pays the finder their net and the platform its fees, in one atomic unit,
// using the fee snapshot pinned at funding time. Replaying the same operation
// id returns the settled contract; a release attempt with a fresh id against
// an already settled contract fails with ErrInvalidStateTransition.
func (s *Service) Release(ctx context.Context, opID, contractID string) (contract.Contract, error) {
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return contract.Contract{}, err
	}

	snap, err := s.settings.Version(ctx, c.SettingsVersion)
	if err != nil {
		return contract.Contract{}, err
	}
	breakdown, err := fees.Calculate(c.Amount, snap)
	if err != nil {
		return contract.Contract{}, err
	}

	escrowAcct, err := s.ledger.EnsureAccount(ctx, domain.OwnerPlatform, EscrowOwnerID, domain.AssetCash)
	if err != nil {
		return contract.Contract{}, err
	}
	finderAcct, err := s.ledger.EnsureAccount(ctx, domain.OwnerFinder, c.FinderID, domain.AssetCash)
	if err != nil {
		return contract.Contract{}, err
	}
	platformAcct, err := s.ledger.EnsureAccount(ctx, domain.OwnerPlatform, domain.PlatformOwnerID, domain.AssetCash)
	if err != nil {
		return contract.Contract{}, err
	}

	op := domain.Operation{
		ID: opID,
		Entries: []domain.Transaction{
			{
				ID:         uuid.NewString(),
				AccountID:  escrowAcct.ID,
				Amount:     -breakdown.ClientTotal,
				Kind:       domain.KindEscrowRelease,
				ContractID: c.ID,
			},
			{
				ID:         uuid.NewString(),
				AccountID:  finderAcct.ID,
				Amount:     breakdown.FinderNet,
				Kind:       domain.KindEscrowRelease,
				ContractID: c.ID,
				Memo:       fmt.Sprintf("contract payout (principal %d - fees %d)", breakdown.Amount, breakdown.PlatformFee+breakdown.FinderCharge),
			},
			{
				ID:         uuid.NewString(),
				AccountID:  platformAcct.ID,
				Amount:     breakdown.PlatformTotal,
				Kind:       domain.KindEscrowRelease,
				ContractID: c.ID,
				Memo:       "platform fees",
			},
		},
	}

	settled, replayed, err := s.store.SettleContract(ctx, c.ID, contract.StatusHeld, contract.StatusReleased, op, time.Now().UTC())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			s.log.WithFields(map[string]interface{}{
				"contract_id": c.ID,
				"status":      c.Status,
			}).Error("release attempted from wrong state")
			metrics.RecordEscrowSettlement("rejected")
		}
		return contract.Contract{}, err
	}
	if !replayed {
		metrics.RecordEscrowSettlement("released")
		s.log.WithFields(map[string]interface{}{
			"contract_id": settled.ID,
			"finder_net":  breakdown.FinderNet,
			"platform":    breakdown.PlatformTotal,
		}).Info("contract released")
	}
	return settled, nil
}

// Refund settles a held contract in the client's favor: the full funded
// amount goes back to the client, no fees are taken.
func (s *Service) Refund(ctx context.Context, opID, contractID string) (contract.Contract, error) {
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return contract.Contract{}, err
	}

	escrowAcct, err := s.ledger.EnsureAccount(ctx, domain.OwnerPlatform, EscrowOwnerID, domain.AssetCash)
	if err != nil {
		return contract.Contract{}, err
	}
	clientAcct, err := s.ledger.EnsureAccount(ctx, domain.OwnerClient, c.ClientID, domain.AssetCash)
	if err != nil {
		return contract.Contract{}, err
	}

	op := domain.Operation{
		ID: opID,
		Entries: []domain.Transaction{
			{
				ID:         uuid.NewString(),
				AccountID:  escrowAcct.ID,
				Amount:     -c.FundedAmount,
				Kind:       domain.KindEscrowRefund,
				ContractID: c.ID,
			},
			{
				ID:         uuid.NewString(),
				AccountID:  clientAcct.ID,
				Amount:     c.FundedAmount,
				Kind:       domain.KindEscrowRefund,
				ContractID: c.ID,
				Memo:       "escrow refund",
			},
		},
	}

	settled, replayed, err := s.store.SettleContract(ctx, c.ID, contract.StatusHeld, contract.StatusRefunded, op, time.Now().UTC())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			s.log.WithFields(map[string]interface{}{
				"contract_id": c.ID,
				"status":      c.Status,
			}).Error("refund attempted from wrong state")
			metrics.RecordEscrowSettlement("rejected")
		}
		return contract.Contract{}, err
	}
	if !replayed {
		metrics.RecordEscrowSettlement("refunded")
		s.log.WithFields(map[string]interface{}{
			"contract_id": settled.ID,
			"refunded":    c.FundedAmount,
		}).Info("contract refunded")
	}
	return settled, nil
}

// Complete closes a released contract once both parties confirm delivery. No
// money moves. Completing an already completed contract is a no-op.
func (s *Service) Complete(ctx context.Context, contractID string) (contract.Contract, error) {
	c, err := s.store.CompleteContract(ctx, contractID, time.Now().UTC())
	if err != nil {
		return contract.Contract{}, err
	}
	metrics.RecordEscrowSettlement("completed")
	return c, nil
}

// Get fetches one contract.
func (s *Service) Get(ctx context.Context, contractID string) (contract.Contract, error) {
	return s.store.GetContract(ctx, contractID)
}

// List projects contracts for dashboards.
func (s *Service) List(ctx context.Context, filter storage.ContractFilter) ([]contract.Contract, error) {
	return s.store.ListContracts(ctx, filter)
}
