// Package storage defines the persistence contracts for the ledger core.
//
// Methods that take a ledger.Operation are atomic units: the operation's
// entries, the balance updates and the accompanying state change either all
// happen or none do, and replaying the same operation id is a no-op that
// returns the prior outcome. Both implementations (memory, postgres) honor
// that contract; it is what the exactly-once guarantees of the escrow and
// distribution flows rest on.
package storage

import (
	"context"
	"time"

	"github.com/findermarket/ledger-core/internal/app/domain/contract"
	"github.com/findermarket/ledger-core/internal/app/domain/distribution"
	"github.com/findermarket/ledger-core/internal/app/domain/grant"
	"github.com/findermarket/ledger-core/internal/app/domain/ledger"
	"github.com/findermarket/ledger-core/internal/app/domain/settings"
	"github.com/findermarket/ledger-core/internal/app/domain/withdrawal"
)

// TransactionFilter narrows ledger projections.
type TransactionFilter struct {
	AccountID  string
	Kind       ledger.Kind
	ContractID string
	Limit      int
	Offset     int
}

// ContractFilter narrows contract projections.
type ContractFilter struct {
	Status   contract.Status
	ClientID string
	FinderID string
	FindID   string
	Limit    int
}

// WithdrawalFilter narrows withdrawal projections.
type WithdrawalFilter struct {
	Status   withdrawal.Status
	FinderID string
	Limit    int
}

// LedgerStore persists accounts and the append-only transaction log.
type LedgerStore interface {
	// EnsureAccount returns the wallet with the given identity, creating it
	// with a zero balance when absent.
	EnsureAccount(ctx context.Context, acct ledger.Account) (ledger.Account, error)
	GetAccount(ctx context.Context, id string) (ledger.Account, error)
	ListAccounts(ctx context.Context) ([]ledger.Account, error)
	SetAccountFrozen(ctx context.Context, id string, frozen bool) error

	// PostOperation appends all entries and updates the materialized balances
	// in one unit. The bool reports a replay: the operation id was already
	// applied and the stored entries are returned unchanged. Debits that would
	// drive a balance negative fail with ledger.ErrInsufficientFunds unless
	// the account allows negative balances; writes to frozen accounts fail
	// with ledger.ErrAccountFrozen.
	PostOperation(ctx context.Context, op ledger.Operation) (ledger.Operation, bool, error)

	GetTransaction(ctx context.Context, id string) (ledger.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]ledger.Transaction, error)
	// CheckAccountBalance returns the materialized balance and the recomputed
	// signed transaction sum for one account, read in one atomic unit so a
	// concurrent posting cannot land between the two reads. Used by the
	// integrity sweep only; balance reads go through the account row.
	CheckAccountBalance(ctx context.Context, accountID string) (balance, sum int64, err error)
	// ListFinderIDs returns the distinct finder owner ids known to the ledger.
	ListFinderIDs(ctx context.Context) ([]string, error)
}

// ProposalStore persists proposals and their token-gated creation.
type ProposalStore interface {
	// CreateProposalWithDebit stores the proposal and posts the submission
	// debit atomically; a failed debit leaves no proposal behind.
	CreateProposalWithDebit(ctx context.Context, p contract.Proposal, op ledger.Operation) (contract.Proposal, bool, error)
	GetProposal(ctx context.Context, id string) (contract.Proposal, error)
	ListProposals(ctx context.Context, findID string) ([]contract.Proposal, error)
	// AcceptProposal flips a pending proposal to accepted and auto-rejects all
	// other pending proposals on the same find in the same unit. It fails with
	// ledger.ErrInvalidStateTransition when the proposal is not pending or the
	// find already has an accepted proposal, so concurrent accepts race to
	// exactly one winner.
	AcceptProposal(ctx context.Context, id string) (contract.Proposal, []contract.Proposal, error)
	// RevertProposalAcceptance returns an accepted proposal to pending after a
	// failed funding attempt.
	RevertProposalAcceptance(ctx context.Context, id string) (contract.Proposal, error)
	UpdateProposalStatus(ctx context.Context, id string, status contract.ProposalStatus) (contract.Proposal, error)
}

// ContractStore persists contracts and their escrow transitions.
type ContractStore interface {
	// CreateContractFunded stores the contract in held state and posts the
	// escrow funding debit atomically.
	CreateContractFunded(ctx context.Context, c contract.Contract, op ledger.Operation) (contract.Contract, bool, error)
	// SettleContract transitions from->to and posts the settlement operation
	// atomically. A contract not in the from state fails with
	// ledger.ErrInvalidStateTransition.
	SettleContract(ctx context.Context, id string, from, to contract.Status, op ledger.Operation, at time.Time) (contract.Contract, bool, error)
	// CompleteContract closes a released contract. Bookkeeping only; no money
	// moves.
	CompleteContract(ctx context.Context, id string, at time.Time) (contract.Contract, error)
	GetContract(ctx context.Context, id string) (contract.Contract, error)
	// GetContractByOperation resolves the contract funded under the given
	// operation id, so retried funding calls can short-circuit to the prior
	// result. Unknown operation ids fail with ledger.ErrNotFound.
	GetContractByOperation(ctx context.Context, opID string) (contract.Contract, error)
	ListContracts(ctx context.Context, filter ContractFilter) ([]contract.Contract, error)
}

// WithdrawalStore persists payout requests and their holds.
type WithdrawalStore interface {
	// CreateWithdrawal validates amount <= available and places the hold in
	// the same unit, so the same funds cannot back two concurrent requests.
	CreateWithdrawal(ctx context.Context, req withdrawal.Request) (withdrawal.Request, error)
	// ApproveWithdrawal moves pending->processing, posts the withdrawal debit
	// and releases the hold atomically.
	ApproveWithdrawal(ctx context.Context, id string, op ledger.Operation, at time.Time) (withdrawal.Request, bool, error)
	// RejectWithdrawal moves pending->rejected and releases the hold. No
	// transaction is posted.
	RejectWithdrawal(ctx context.Context, id, reason string, at time.Time) (withdrawal.Request, error)
	// FinishWithdrawal moves processing->approved once the payout rail
	// confirms the transfer.
	FinishWithdrawal(ctx context.Context, id, externalRef string, at time.Time) (withdrawal.Request, error)
	// RecordPayoutAttempt bumps the attempt counter and stores the last rail
	// error for a processing request.
	RecordPayoutAttempt(ctx context.Context, id, railError string) (withdrawal.Request, error)
	GetWithdrawal(ctx context.Context, id string) (withdrawal.Request, error)
	ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]withdrawal.Request, error)
	ListProcessingWithdrawals(ctx context.Context) ([]withdrawal.Request, error)
}

// DistributionStore persists monthly allotment records.
type DistributionStore interface {
	// RecordDistribution inserts the (finder, year, month) record and posts
	// the credit atomically. The bool is false when the record already exists;
	// nothing is posted in that case.
	RecordDistribution(ctx context.Context, rec distribution.Record, op ledger.Operation) (bool, error)
	ListDistributions(ctx context.Context, year, month int) ([]distribution.Record, error)
}

// GrantStore persists admin token grants.
type GrantStore interface {
	// CreateGrant stores the audit record and posts the mirrored transaction
	// atomically.
	CreateGrant(ctx context.Context, g grant.Grant, op ledger.Operation) (grant.Grant, bool, error)
	ListGrants(ctx context.Context, recipientID string) ([]grant.Grant, error)
}

// SettingsStore persists versioned settings snapshots.
type SettingsStore interface {
	// CreateSettings appends a new immutable version and returns it with the
	// assigned version number.
	CreateSettings(ctx context.Context, snap settings.Snapshot) (settings.Snapshot, error)
	// SettingsAt resolves the snapshot effective at the given instant.
	SettingsAt(ctx context.Context, at time.Time) (settings.Snapshot, error)
	// SettingsVersion fetches one exact version.
	SettingsVersion(ctx context.Context, version int64) (settings.Snapshot, error)
}
