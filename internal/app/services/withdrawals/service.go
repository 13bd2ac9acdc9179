// Package withdrawals processes finder payout requests: hold on creation,
// posted debit on approval, asynchronous settlement against the payout rail.
package withdrawals

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	domain "github.com/findermarket/ledger-core/internal/app/domain/ledger"
	"github.com/findermarket/ledger-core/internal/app/domain/withdrawal"
	ledgersvc "github.com/findermarket/ledger-core/internal/app/services/ledger"
	"github.com/findermarket/ledger-core/internal/app/storage"
	"github.com/findermarket/ledger-core/pkg/logger"
)

// Service owns the withdrawal state machine.
type Service struct {
	store  storage.WithdrawalStore
	ledger *ledgersvc.Service
	log    *logger.Logger
}

// New creates a withdrawal service.
func New(store storage.WithdrawalStore, ledger *ledgersvc.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("withdrawals")
	}
	return &Service{store: store, ledger: ledger, log: log}
}

func nowUTC() time.Time { return time.Now().UTC() }

// Request creates a pending withdrawal and places a hold on the finder's cash
// wallet. The hold, not a posted debit, is what stops the same funds backing
// two concurrent requests; amounts beyond the available balance fail with
// ErrInsufficientFunds and leave nothing behind.
func (s *Service) Request(ctx context.Context, finderID string, amount int64, paymentMethod string) (withdrawal.Request, error) {
	if finderID == "" {
		return withdrawal.Request{}, fmt.Errorf("finder id is required")
	}
	if paymentMethod == "" {
		return withdrawal.Request{}, fmt.Errorf("payment method is required")
	}
	if _, err := s.ledger.EnsureAccount(ctx, domain.OwnerFinder, finderID, domain.AssetCash); err != nil {
		return withdrawal.Request{}, err
	}

	req, err := s.store.CreateWithdrawal(ctx, withdrawal.Request{
		FinderID:      finderID,
		Amount:        amount,
		PaymentMethod: paymentMethod,
	})
	if err != nil {
		return withdrawal.Request{}, err
	}
	s.log.WithFields(map[string]interface{}{
		"withdrawal_id": req.ID,
		"finder_id":     finderID,
		"amount":        amount,
	}).Info("withdrawal requested")
	return req, nil
}

// Approve converts the hold into a posted withdrawal debit and moves the
// request to processing; the settlement poller takes it from there. Replaying
// the same operation id returns the already approved request.
func (s *Service) Approve(ctx context.Context, opID, requestID string) (withdrawal.Request, error) {
	req, err := s.store.GetWithdrawal(ctx, requestID)
	if err != nil {
		return withdrawal.Request{}, err
	}

	accountID := domain.AccountID(domain.OwnerFinder, req.FinderID, domain.AssetCash)
	op := domain.Operation{
		ID: opID,
		Entries: []domain.Transaction{{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Amount:    -req.Amount,
			Kind:      domain.KindWithdrawal,
			Memo:      fmt.Sprintf("withdrawal via %s", req.PaymentMethod),
		}},
	}

	approved, replayed, err := s.store.ApproveWithdrawal(ctx, requestID, op, nowUTC())
	if err != nil {
		return withdrawal.Request{}, err
	}
	if !replayed {
		s.log.WithFields(map[string]interface{}{
			"withdrawal_id": approved.ID,
			"finder_id":     approved.FinderID,
			"amount":        approved.Amount,
		}).Info("withdrawal approved; payout initiated")
	}
	return approved, nil
}

// Reject releases the hold and closes the request. No transaction is posted.
func (s *Service) Reject(ctx context.Context, requestID, reason string) (withdrawal.Request, error) {
	req, err := s.store.RejectWithdrawal(ctx, requestID, reason, nowUTC())
	if err != nil {
		return withdrawal.Request{}, err
	}
	s.log.WithFields(map[string]interface{}{
		"withdrawal_id": req.ID,
		"reason":        reason,
	}).Info("withdrawal rejected")
	return req, nil
}

// Finish marks a processing request approved once the payout rail confirms
// the transfer. Called by the settlement poller.
func (s *Service) Finish(ctx context.Context, requestID, externalRef string) (withdrawal.Request, error) {
	return s.store.FinishWithdrawal(ctx, requestID, externalRef, nowUTC())
}

// Get fetches one request.
func (s *Service) Get(ctx context.Context, requestID string) (withdrawal.Request, error) {
	return s.store.GetWithdrawal(ctx, requestID)
}

// List projects withdrawal requests for the finder view and the admin queue.
func (s *Service) List(ctx context.Context, filter storage.WithdrawalFilter) ([]withdrawal.Request, error) {
	return s.store.ListWithdrawals(ctx, filter)
}
