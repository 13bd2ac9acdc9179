// Package withdrawal models finder payout requests.
package withdrawal

import "time"

// Status of a withdrawal request. Terminal states are approved and rejected.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
)

// Request is a finder's ask to turn available balance into a payout. Creating
// one places a hold on the finder's cash account; the hold converts into a
// posted debit on approval or is released on rejection.
type Request struct {
	ID            string    `json:"id"`
	FinderID      string    `json:"finder_id"`
	Amount        int64     `json:"amount"`
	PaymentMethod string    `json:"payment_method"`
	Status        Status    `json:"status"`
	// Reason carries the rejection reason or the last payout-rail error.
	Reason      string     `json:"reason,omitempty"`
	ExternalRef string     `json:"external_ref,omitempty"`
	Attempts    int        `json:"attempts"`
	RequestedAt time.Time  `json:"requested_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}
