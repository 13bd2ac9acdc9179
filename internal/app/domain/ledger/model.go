// Package ledger defines the append-only token/cash ledger model. Balances are
// materialized per account and must always equal the signed sum of the posted
// transactions referencing the account.
package ledger

import (
	"fmt"
	"time"
)

// Asset is the unit of account a wallet is denominated in. Findertokens and
// escrowed cash move through the same ledger engine but never mix in one
// account.
type Asset string

const (
	AssetToken Asset = "token"
	AssetCash  Asset = "cash"
)

// OwnerKind identifies who a wallet belongs to.
type OwnerKind string

const (
	OwnerClient   OwnerKind = "client"
	OwnerFinder   OwnerKind = "finder"
	OwnerPlatform OwnerKind = "platform"
)

// PlatformOwnerID is the fixed owner id of the platform's own wallets.
const PlatformOwnerID = "platform"

// Account is a wallet: one owner, one asset, one materialized balance.
// Accounts are created lazily on first posting and never deleted.
type Account struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	OwnerKind OwnerKind `json:"owner_kind"`
	Asset     Asset     `json:"asset"`
	// Balance is the signed sum of all posted transactions.
	Balance int64 `json:"balance"`
	// Held is reserved by pending withdrawals; not yet debited.
	Held int64 `json:"held"`
	// AllowNegative permits debits below zero. No account sets it by default.
	AllowNegative bool `json:"allow_negative,omitempty"`
	// Frozen is set when an integrity sweep finds the materialized balance out
	// of step with the transaction log. Frozen accounts reject all writes.
	Frozen    bool      `json:"frozen,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available is the balance spendable right now.
func (a Account) Available() int64 { return a.Balance - a.Held }

// AccountID derives the canonical wallet id for an owner and asset.
func AccountID(kind OwnerKind, ownerID string, asset Asset) string {
	return fmt.Sprintf("%s:%s:%s", kind, ownerID, asset)
}

// Kind is the closed set of transaction categories. Consumers switch over it
// exhaustively; an unknown kind is a programming error, not a default branch.
type Kind string

const (
	KindTokenPurchase       Kind = "token_purchase"
	KindProposalDebit       Kind = "proposal_debit"
	KindEscrowFund          Kind = "escrow_fund"
	KindEscrowRelease       Kind = "escrow_release"
	KindEscrowRefund        Kind = "escrow_refund"
	KindWithdrawal          Kind = "withdrawal"
	KindGrant               Kind = "grant"
	KindMonthlyDistribution Kind = "monthly_distribution"
)

// Kinds lists every transaction kind.
var Kinds = []Kind{
	KindTokenPurchase,
	KindProposalDebit,
	KindEscrowFund,
	KindEscrowRelease,
	KindEscrowRefund,
	KindWithdrawal,
	KindGrant,
	KindMonthlyDistribution,
}

// Valid reports whether k is a known transaction kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Asset returns the unit of account a transaction kind moves.
func (k Kind) Asset() Asset {
	switch k {
	case KindTokenPurchase, KindProposalDebit, KindGrant, KindMonthlyDistribution:
		return AssetToken
	case KindEscrowFund, KindEscrowRelease, KindEscrowRefund, KindWithdrawal:
		return AssetCash
	}
	return ""
}

// Transaction is an immutable ledger entry. Corrections are new offsetting
// transactions, never edits. The ID doubles as the idempotency key for
// single-entry postings.
type Transaction struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	// Amount is signed: credits positive, debits negative.
	Amount int64 `json:"amount"`
	Kind   Kind  `json:"kind"`
	// BalanceAfter is the account balance immediately after this entry posted.
	BalanceAfter int64  `json:"balance_after"`
	ContractID   string `json:"contract_id,omitempty"`
	ProposalID   string `json:"proposal_id,omitempty"`
	// ExternalRef carries a payment-gateway or payout-rail reference.
	ExternalRef string    `json:"external_ref,omitempty"`
	Memo        string    `json:"memo,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Operation groups one or more entries that must post atomically under a
// single idempotency key. The escrow release (finder credit + platform credit)
// is the canonical multi-entry case.
type Operation struct {
	ID      string
	Entries []Transaction
}
