// Package grants issues findertokens outside the escrow flow: admin grants
// and token purchases confirmed by the payment gateway.
package grants

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	domain "github.com/findermarket/ledger-core/internal/app/domain/grant"
	ledgerdomain "github.com/findermarket/ledger-core/internal/app/domain/ledger"
	ledgersvc "github.com/findermarket/ledger-core/internal/app/services/ledger"
	settingssvc "github.com/findermarket/ledger-core/internal/app/services/settings"
	"github.com/findermarket/ledger-core/internal/app/storage"
	"github.com/findermarket/ledger-core/pkg/logger"
)

// Service issues token grants and purchases.
type Service struct {
	store    storage.GrantStore
	ledger   *ledgersvc.Service
	settings *settingssvc.Service
	log      *logger.Logger
}

// New creates a grants service.
func New(store storage.GrantStore, ledger *ledgersvc.Service, settings *settingssvc.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("grants")
	}
	return &Service{store: store, ledger: ledger, settings: settings, log: log}
}

// Grant credits tokens to a client or finder and records the audit entry, in
// one unit. The operation id makes double-clicked admin actions replay
// harmlessly.
func (s *Service) Grant(ctx context.Context, opID, recipientID string, kind ledgerdomain.OwnerKind, amount int64, reason, grantedBy string) (domain.Grant, bool, error) {
	if opID == "" {
		return domain.Grant{}, false, fmt.Errorf("operation id is required")
	}
	if amount <= 0 {
		return domain.Grant{}, false, fmt.Errorf("grant amount must be positive")
	}
	if kind != ledgerdomain.OwnerClient && kind != ledgerdomain.OwnerFinder {
		return domain.Grant{}, false, fmt.Errorf("unsupported recipient kind %q", kind)
	}
	if reason == "" || grantedBy == "" {
		return domain.Grant{}, false, fmt.Errorf("reason and granting admin are required")
	}

	acct, err := s.ledger.EnsureAccount(ctx, kind, recipientID, ledgerdomain.AssetToken)
	if err != nil {
		return domain.Grant{}, false, err
	}

	txID := uuid.NewString()
	g := domain.Grant{
		ID:            uuid.NewString(),
		RecipientID:   recipientID,
		RecipientKind: kind,
		Amount:        amount,
		Reason:        reason,
		GrantedBy:     grantedBy,
		TransactionID: txID,
	}
	op := ledgerdomain.Operation{
		ID: opID,
		Entries: []ledgerdomain.Transaction{{
			ID:        txID,
			AccountID: acct.ID,
			Amount:    amount,
			Kind:      ledgerdomain.KindGrant,
			Memo:      reason,
		}},
	}

	created, replayed, err := s.store.CreateGrant(ctx, g, op)
	if err != nil {
		return domain.Grant{}, false, err
	}
	if !replayed {
		s.log.WithFields(map[string]interface{}{
			"grant_id":     created.ID,
			"recipient_id": recipientID,
			"amount":       amount,
			"granted_by":   grantedBy,
		}).Info("tokens granted")
	}
	return created, replayed, nil
}

// Purchase credits the tokens bought for cashAmount at the current
// findertoken price. gatewayRef is the payment gateway's reference and doubles
// as the idempotency key, so retried webhooks credit once.
func (s *Service) Purchase(ctx context.Context, gatewayRef, recipientID string, kind ledgerdomain.OwnerKind, cashAmount int64) (ledgerdomain.Transaction, bool, error) {
	if gatewayRef == "" {
		return ledgerdomain.Transaction{}, false, fmt.Errorf("gateway reference is required")
	}
	if cashAmount <= 0 {
		return ledgerdomain.Transaction{}, false, fmt.Errorf("purchase amount must be positive")
	}

	snap, err := s.settings.Current(ctx)
	if err != nil {
		return ledgerdomain.Transaction{}, false, err
	}
	tokens := cashAmount / snap.FindertokenPrice
	if tokens <= 0 {
		return ledgerdomain.Transaction{}, false, fmt.Errorf("amount %d buys no tokens at price %d", cashAmount, snap.FindertokenPrice)
	}

	acct, err := s.ledger.EnsureAccount(ctx, kind, recipientID, ledgerdomain.AssetToken)
	if err != nil {
		return ledgerdomain.Transaction{}, false, err
	}

	op := ledgerdomain.Operation{
		ID: "purchase:" + gatewayRef,
		Entries: []ledgerdomain.Transaction{{
			ID:          uuid.NewString(),
			AccountID:   acct.ID,
			Amount:      tokens,
			Kind:        ledgerdomain.KindTokenPurchase,
			ExternalRef: gatewayRef,
			Memo:        fmt.Sprintf("purchase of %d tokens at %d each", tokens, snap.FindertokenPrice),
		}},
	}
	applied, replayed, err := s.ledger.PostOperation(ctx, op)
	if err != nil {
		return ledgerdomain.Transaction{}, false, err
	}
	if !replayed {
		s.log.WithFields(map[string]interface{}{
			"recipient_id": recipientID,
			"tokens":       tokens,
			"gateway_ref":  gatewayRef,
		}).Info("token purchase credited")
	}
	return applied.Entries[0], replayed, nil
}

// List projects grants, optionally for one recipient.
func (s *Service) List(ctx context.Context, recipientID string) ([]domain.Grant, error) {
	return s.store.ListGrants(ctx, recipientID)
}
