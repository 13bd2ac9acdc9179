// Package grant models admin-issued findertoken grants.
package grant

import (
	"time"

	"github.com/findermarket/ledger-core/internal/app/domain/ledger"
)

// Grant is the audit record behind an admin token grant. Every grant is
// mirrored by exactly one ledger transaction.
type Grant struct {
	ID            string           `json:"id"`
	RecipientID   string           `json:"recipient_id"`
	RecipientKind ledger.OwnerKind `json:"recipient_kind"`
	Amount        int64            `json:"amount"`
	Reason        string           `json:"reason"`
	GrantedBy     string           `json:"granted_by"`
	TransactionID string           `json:"transaction_id"`
	CreatedAt     time.Time        `json:"created_at"`
}
