// Package contract models the escrow-backed agreement formed when a client
// accepts a finder's proposal, and the proposals feeding it.
package contract

import "time"

// Status is the escrow state of a contract. Transitions are monotonic:
// pending -> held -> {released | refunded}, and released -> completed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusHeld      Status = "held"
	StatusReleased  Status = "released"
	StatusRefunded  Status = "refunded"
	StatusCompleted Status = "completed"
)

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusHeld
	case StatusHeld:
		return next == StatusReleased || next == StatusRefunded
	case StatusReleased:
		return next == StatusCompleted
	}
	return false
}

// Contract is created from exactly one accepted proposal. Only the escrow
// manager mutates its status.
type Contract struct {
	ID       string `json:"id"`
	FindID   string `json:"find_id"`
	ClientID string `json:"client_id"`
	FinderID string `json:"finder_id"`
	// Amount is the agreed contract principal, before charges.
	Amount int64  `json:"amount"`
	Status Status `json:"escrow_status"`
	// FundedAmount is the client debit at funding time (amount + client charge).
	FundedAmount int64 `json:"funded_amount"`
	// SettingsVersion pins the fee snapshot captured at funding so historical
	// fee math stays reproducible after rate changes.
	SettingsVersion int64      `json:"settings_version"`
	ProposalID      string     `json:"proposal_id"`
	CreatedAt       time.Time  `json:"created_at"`
	FundedAt        *time.Time `json:"funded_at,omitempty"`
	ReleasedAt      *time.Time `json:"released_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ProposalStatus tracks a finder's offer against a find.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalAccepted  ProposalStatus = "accepted"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalWithdrawn ProposalStatus = "withdrawn"
)

// Proposal is a finder's priced offer. At most one proposal per find ever
// reaches accepted; the rest are auto-rejected at acceptance time.
type Proposal struct {
	ID        string         `json:"id"`
	FindID    string         `json:"find_id"`
	FinderID  string         `json:"finder_id"`
	Amount    int64          `json:"amount"`
	Status    ProposalStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
