// Package memory is an in-memory implementation of the storage interfaces. It
// is safe for concurrent use and is primarily intended for tests and local
// development. A single mutex guards the whole store, which makes every
// composite method trivially atomic.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/findermarket/ledger-core/internal/app/domain/contract"
	"github.com/findermarket/ledger-core/internal/app/domain/distribution"
	"github.com/findermarket/ledger-core/internal/app/domain/grant"
	"github.com/findermarket/ledger-core/internal/app/domain/ledger"
	"github.com/findermarket/ledger-core/internal/app/domain/settings"
	"github.com/findermarket/ledger-core/internal/app/domain/withdrawal"
	"github.com/findermarket/ledger-core/internal/app/storage"
)

// Store holds everything in maps guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	accounts     map[string]ledger.Account
	txByID       map[string]ledger.Transaction
	txByAccount  map[string][]string
	txOrder      []string
	ops          map[string][]string // operation id -> transaction ids
	opContracts  map[string]string   // operation id -> contract id
	opGrants     map[string]string   // operation id -> grant id
	opProposals  map[string]string   // operation id -> proposal id
	proposals    map[string]contract.Proposal
	contracts    map[string]contract.Contract
	withdrawals  map[string]withdrawal.Request
	distribution map[string]distribution.Record
	grants       map[string]grant.Grant
	settingsLog  []settings.Snapshot
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.ProposalStore = (*Store)(nil)
var _ storage.ContractStore = (*Store)(nil)
var _ storage.WithdrawalStore = (*Store)(nil)
var _ storage.DistributionStore = (*Store)(nil)
var _ storage.GrantStore = (*Store)(nil)
var _ storage.SettingsStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts:     make(map[string]ledger.Account),
		txByID:       make(map[string]ledger.Transaction),
		txByAccount:  make(map[string][]string),
		ops:          make(map[string][]string),
		opContracts:  make(map[string]string),
		opGrants:     make(map[string]string),
		opProposals:  make(map[string]string),
		proposals:    make(map[string]contract.Proposal),
		contracts:    make(map[string]contract.Contract),
		withdrawals:  make(map[string]withdrawal.Request),
		distribution: make(map[string]distribution.Record),
		grants:       make(map[string]grant.Grant),
	}
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) EnsureAccount(_ context.Context, acct ledger.Account) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureAccountLocked(acct), nil
}

func (s *Store) ensureAccountLocked(acct ledger.Account) ledger.Account {
	if acct.ID == "" {
		acct.ID = ledger.AccountID(acct.OwnerKind, acct.OwnerID, acct.Asset)
	}
	if existing, ok := s.accounts[acct.ID]; ok {
		return existing
	}
	now := time.Now().UTC()
	acct.Balance = 0
	acct.Held = 0
	acct.CreatedAt = now
	acct.UpdatedAt = now
	s.accounts[acct.ID] = acct
	return acct
}

func (s *Store) GetAccount(_ context.Context, id string) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return ledger.Account{}, fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	return acct, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ledger.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		result = append(result, acct)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) SetAccountFrozen(_ context.Context, id string, frozen bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	acct.Frozen = frozen
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[id] = acct
	return nil
}

func (s *Store) PostOperation(_ context.Context, op ledger.Operation) (ledger.Operation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if replay, ok := s.replayLocked(op.ID); ok {
		return replay, true, nil
	}
	entries, err := s.postLocked(op)
	if err != nil {
		return ledger.Operation{}, false, err
	}
	return ledger.Operation{ID: op.ID, Entries: entries}, false, nil
}

func (s *Store) replayLocked(opID string) (ledger.Operation, bool) {
	ids, ok := s.ops[opID]
	if !ok {
		return ledger.Operation{}, false
	}
	entries := make([]ledger.Transaction, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, s.txByID[id])
	}
	return ledger.Operation{ID: opID, Entries: entries}, true
}

// postLocked validates every entry against the staged balances, then applies
// all of them. Validation and application stay separate so a failing entry
// leaves nothing half-posted.
func (s *Store) postLocked(op ledger.Operation) ([]ledger.Transaction, error) {
	if op.ID == "" {
		return nil, fmt.Errorf("operation id is required")
	}
	if len(op.Entries) == 0 {
		return nil, fmt.Errorf("operation %s has no entries", op.ID)
	}

	staged := make(map[string]int64)
	for _, e := range op.Entries {
		if e.ID == "" {
			return nil, fmt.Errorf("operation %s: entry transaction id is required", op.ID)
		}
		if _, exists := s.txByID[e.ID]; exists {
			return nil, fmt.Errorf("transaction %s already posted under a different operation", e.ID)
		}
		if !e.Kind.Valid() {
			return nil, fmt.Errorf("unknown transaction kind %q", e.Kind)
		}
		acct, ok := s.accounts[e.AccountID]
		if !ok {
			return nil, fmt.Errorf("account %s: %w", e.AccountID, ledger.ErrNotFound)
		}
		if acct.Frozen {
			return nil, fmt.Errorf("account %s: %w", e.AccountID, ledger.ErrAccountFrozen)
		}
		staged[e.AccountID] += e.Amount
		if after := acct.Balance + staged[e.AccountID]; after < acct.Held && !acct.AllowNegative {
			return nil, fmt.Errorf("account %s: balance %d, held %d, change %d: %w",
				e.AccountID, acct.Balance, acct.Held, staged[e.AccountID], ledger.ErrInsufficientFunds)
		}
	}

	now := time.Now().UTC()
	posted := make([]ledger.Transaction, 0, len(op.Entries))
	ids := make([]string, 0, len(op.Entries))
	for _, e := range op.Entries {
		acct := s.accounts[e.AccountID]
		acct.Balance += e.Amount
		acct.UpdatedAt = now
		s.accounts[e.AccountID] = acct

		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		e.BalanceAfter = acct.Balance
		s.txByID[e.ID] = e
		s.txByAccount[e.AccountID] = append(s.txByAccount[e.AccountID], e.ID)
		s.txOrder = append(s.txOrder, e.ID)
		posted = append(posted, e)
		ids = append(ids, e.ID)
	}
	s.ops[op.ID] = ids
	return posted, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txByID[id]
	if !ok {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: %w", id, ledger.ErrNotFound)
	}
	return tx, nil
}

func (s *Store) ListTransactions(_ context.Context, filter storage.TransactionFilter) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.txOrder
	if filter.AccountID != "" {
		ids = s.txByAccount[filter.AccountID]
	}

	var result []ledger.Transaction
	skipped := 0
	for i := len(ids) - 1; i >= 0; i-- { // newest first
		tx := s.txByID[ids[i]]
		if filter.Kind != "" && tx.Kind != filter.Kind {
			continue
		}
		if filter.ContractID != "" && tx.ContractID != filter.ContractID {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		result = append(result, tx)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CheckAccountBalance(_ context.Context, accountID string) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return 0, 0, fmt.Errorf("account %s: %w", accountID, ledger.ErrNotFound)
	}
	var sum int64
	for _, id := range s.txByAccount[accountID] {
		sum += s.txByID[id].Amount
	}
	return acct.Balance, sum, nil
}

func (s *Store) ListFinderIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var result []string
	for _, acct := range s.accounts {
		if acct.OwnerKind == ledger.OwnerFinder && !seen[acct.OwnerID] {
			seen[acct.OwnerID] = true
			result = append(result, acct.OwnerID)
		}
	}
	sort.Strings(result)
	return result, nil
}

// ProposalStore implementation ------------------------------------------------

func (s *Store) CreateProposalWithDebit(_ context.Context, p contract.Proposal, op ledger.Operation) (contract.Proposal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ops[op.ID]; ok {
		// Callers generate a fresh proposal id per attempt, so replay must
		// resolve through the operation id, not the incoming proposal.
		if proposalID, ok := s.opProposals[op.ID]; ok {
			return s.proposals[proposalID], true, nil
		}
		return contract.Proposal{}, false, fmt.Errorf("operation %s already applied: %w", op.ID, ledger.ErrDuplicateOperation)
	}

	// A zero proposal cost means no debit entries; the operation id is still
	// recorded so retries replay instead of duplicating the proposal.
	if len(op.Entries) > 0 {
		if _, err := s.postLocked(op); err != nil {
			return contract.Proposal{}, false, err
		}
	} else {
		s.ops[op.ID] = nil
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.Status = contract.ProposalPending
	p.CreatedAt = now
	p.UpdatedAt = now
	s.proposals[p.ID] = p
	s.opProposals[op.ID] = p.ID
	return p, false, nil
}

func (s *Store) GetProposal(_ context.Context, id string) (contract.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.proposals[id]
	if !ok {
		return contract.Proposal{}, fmt.Errorf("proposal %s: %w", id, ledger.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ListProposals(_ context.Context, findID string) ([]contract.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []contract.Proposal
	for _, p := range s.proposals {
		if findID == "" || p.FindID == findID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) AcceptProposal(_ context.Context, id string) (contract.Proposal, []contract.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return contract.Proposal{}, nil, fmt.Errorf("proposal %s: %w", id, ledger.ErrNotFound)
	}
	if p.Status != contract.ProposalPending {
		return contract.Proposal{}, nil, fmt.Errorf("proposal %s is %s: %w", id, p.Status, ledger.ErrInvalidStateTransition)
	}
	for _, other := range s.proposals {
		if other.FindID == p.FindID && other.Status == contract.ProposalAccepted {
			return contract.Proposal{}, nil, fmt.Errorf("find %s already has an accepted proposal: %w", p.FindID, ledger.ErrInvalidStateTransition)
		}
	}

	now := time.Now().UTC()
	p.Status = contract.ProposalAccepted
	p.UpdatedAt = now
	s.proposals[id] = p

	var rejected []contract.Proposal
	for key, other := range s.proposals {
		if key == id || other.FindID != p.FindID || other.Status != contract.ProposalPending {
			continue
		}
		other.Status = contract.ProposalRejected
		other.UpdatedAt = now
		s.proposals[key] = other
		rejected = append(rejected, other)
	}
	return p, rejected, nil
}

func (s *Store) RevertProposalAcceptance(_ context.Context, id string) (contract.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return contract.Proposal{}, fmt.Errorf("proposal %s: %w", id, ledger.ErrNotFound)
	}
	if p.Status != contract.ProposalAccepted {
		return contract.Proposal{}, fmt.Errorf("proposal %s is %s: %w", id, p.Status, ledger.ErrInvalidStateTransition)
	}
	p.Status = contract.ProposalPending
	p.UpdatedAt = time.Now().UTC()
	s.proposals[id] = p
	return p, nil
}

func (s *Store) UpdateProposalStatus(_ context.Context, id string, status contract.ProposalStatus) (contract.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return contract.Proposal{}, fmt.Errorf("proposal %s: %w", id, ledger.ErrNotFound)
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	s.proposals[id] = p
	return p, nil
}

// ContractStore implementation ------------------------------------------------

func (s *Store) CreateContractFunded(_ context.Context, c contract.Contract, op ledger.Operation) (contract.Contract, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if contractID, ok := s.opContracts[op.ID]; ok {
		return s.contracts[contractID], true, nil
	}

	if _, err := s.postLocked(op); err != nil {
		return contract.Contract{}, false, err
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.Status = contract.StatusHeld
	c.CreatedAt = now
	fundedAt := now
	c.FundedAt = &fundedAt
	s.contracts[c.ID] = c
	s.opContracts[op.ID] = c.ID
	return c, false, nil
}

func (s *Store) SettleContract(_ context.Context, id string, from, to contract.Status, op ledger.Operation, at time.Time) (contract.Contract, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok {
		return contract.Contract{}, false, fmt.Errorf("contract %s: %w", id, ledger.ErrNotFound)
	}
	if _, applied := s.ops[op.ID]; applied {
		return c, true, nil
	}
	if c.Status != from {
		return contract.Contract{}, false, fmt.Errorf("contract %s is %s, not %s: %w", id, c.Status, from, ledger.ErrInvalidStateTransition)
	}

	if _, err := s.postLocked(op); err != nil {
		return contract.Contract{}, false, err
	}

	c.Status = to
	if to == contract.StatusReleased {
		released := at.UTC()
		c.ReleasedAt = &released
	}
	s.contracts[id] = c
	return c, false, nil
}

func (s *Store) CompleteContract(_ context.Context, id string, at time.Time) (contract.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok {
		return contract.Contract{}, fmt.Errorf("contract %s: %w", id, ledger.ErrNotFound)
	}
	if c.Status == contract.StatusCompleted {
		return c, nil
	}
	if c.Status != contract.StatusReleased {
		return contract.Contract{}, fmt.Errorf("contract %s is %s: %w", id, c.Status, ledger.ErrInvalidStateTransition)
	}
	completed := at.UTC()
	c.Status = contract.StatusCompleted
	c.CompletedAt = &completed
	s.contracts[id] = c
	return c, nil
}

func (s *Store) GetContract(_ context.Context, id string) (contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return contract.Contract{}, fmt.Errorf("contract %s: %w", id, ledger.ErrNotFound)
	}
	return c, nil
}

func (s *Store) GetContractByOperation(_ context.Context, opID string) (contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.opContracts[opID]
	if !ok {
		return contract.Contract{}, fmt.Errorf("operation %s: %w", opID, ledger.ErrNotFound)
	}
	return s.contracts[id], nil
}

func (s *Store) ListContracts(_ context.Context, filter storage.ContractFilter) ([]contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []contract.Contract
	for _, c := range s.contracts {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.ClientID != "" && c.ClientID != filter.ClientID {
			continue
		}
		if filter.FinderID != "" && c.FinderID != filter.FinderID {
			continue
		}
		if filter.FindID != "" && c.FindID != filter.FindID {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// WithdrawalStore implementation ----------------------------------------------

func (s *Store) CreateWithdrawal(_ context.Context, req withdrawal.Request) (withdrawal.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accountID := ledger.AccountID(ledger.OwnerFinder, req.FinderID, ledger.AssetCash)
	acct, ok := s.accounts[accountID]
	if !ok {
		return withdrawal.Request{}, fmt.Errorf("account %s: %w", accountID, ledger.ErrNotFound)
	}
	if acct.Frozen {
		return withdrawal.Request{}, fmt.Errorf("account %s: %w", accountID, ledger.ErrAccountFrozen)
	}
	if req.Amount <= 0 {
		return withdrawal.Request{}, fmt.Errorf("withdrawal amount must be positive")
	}
	if req.Amount > acct.Available() {
		return withdrawal.Request{}, fmt.Errorf("available %d, requested %d: %w", acct.Available(), req.Amount, ledger.ErrInsufficientFunds)
	}

	acct.Held += req.Amount
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[accountID] = acct

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = withdrawal.StatusPending
	req.RequestedAt = time.Now().UTC()
	s.withdrawals[req.ID] = req
	return req, nil
}

func (s *Store) ApproveWithdrawal(_ context.Context, id string, op ledger.Operation, at time.Time) (withdrawal.Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.withdrawals[id]
	if !ok {
		return withdrawal.Request{}, false, fmt.Errorf("withdrawal %s: %w", id, ledger.ErrNotFound)
	}
	if _, applied := s.ops[op.ID]; applied {
		return req, true, nil
	}
	if req.Status != withdrawal.StatusPending {
		return withdrawal.Request{}, false, fmt.Errorf("withdrawal %s is %s: %w", id, req.Status, ledger.ErrInvalidStateTransition)
	}

	accountID := ledger.AccountID(ledger.OwnerFinder, req.FinderID, ledger.AssetCash)
	acct, ok := s.accounts[accountID]
	if !ok {
		return withdrawal.Request{}, false, fmt.Errorf("account %s: %w", accountID, ledger.ErrNotFound)
	}

	// Release the hold first so the debit validates against the freed funds;
	// restore it if posting fails.
	held := acct.Held
	acct.Held -= req.Amount
	if acct.Held < 0 {
		acct.Held = 0
	}
	s.accounts[accountID] = acct

	if _, err := s.postLocked(op); err != nil {
		acct = s.accounts[accountID]
		acct.Held = held
		s.accounts[accountID] = acct
		return withdrawal.Request{}, false, err
	}

	req.Status = withdrawal.StatusProcessing
	s.withdrawals[id] = req
	return req, false, nil
}

func (s *Store) RejectWithdrawal(_ context.Context, id, reason string, at time.Time) (withdrawal.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.withdrawals[id]
	if !ok {
		return withdrawal.Request{}, fmt.Errorf("withdrawal %s: %w", id, ledger.ErrNotFound)
	}
	if req.Status == withdrawal.StatusRejected {
		return req, nil
	}
	if req.Status != withdrawal.StatusPending {
		return withdrawal.Request{}, fmt.Errorf("withdrawal %s is %s: %w", id, req.Status, ledger.ErrInvalidStateTransition)
	}

	accountID := ledger.AccountID(ledger.OwnerFinder, req.FinderID, ledger.AssetCash)
	if acct, ok := s.accounts[accountID]; ok {
		acct.Held -= req.Amount
		if acct.Held < 0 {
			acct.Held = 0
		}
		acct.UpdatedAt = time.Now().UTC()
		s.accounts[accountID] = acct
	}

	processed := at.UTC()
	req.Status = withdrawal.StatusRejected
	req.Reason = reason
	req.ProcessedAt = &processed
	s.withdrawals[id] = req
	return req, nil
}

func (s *Store) FinishWithdrawal(_ context.Context, id, externalRef string, at time.Time) (withdrawal.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.withdrawals[id]
	if !ok {
		return withdrawal.Request{}, fmt.Errorf("withdrawal %s: %w", id, ledger.ErrNotFound)
	}
	if req.Status == withdrawal.StatusApproved {
		return req, nil
	}
	if req.Status != withdrawal.StatusProcessing {
		return withdrawal.Request{}, fmt.Errorf("withdrawal %s is %s: %w", id, req.Status, ledger.ErrInvalidStateTransition)
	}
	processed := at.UTC()
	req.Status = withdrawal.StatusApproved
	req.ExternalRef = externalRef
	req.ProcessedAt = &processed
	s.withdrawals[id] = req
	return req, nil
}

func (s *Store) RecordPayoutAttempt(_ context.Context, id, railError string) (withdrawal.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.withdrawals[id]
	if !ok {
		return withdrawal.Request{}, fmt.Errorf("withdrawal %s: %w", id, ledger.ErrNotFound)
	}
	req.Attempts++
	req.Reason = railError
	s.withdrawals[id] = req
	return req, nil
}

func (s *Store) GetWithdrawal(_ context.Context, id string) (withdrawal.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.withdrawals[id]
	if !ok {
		return withdrawal.Request{}, fmt.Errorf("withdrawal %s: %w", id, ledger.ErrNotFound)
	}
	return req, nil
}

func (s *Store) ListWithdrawals(_ context.Context, filter storage.WithdrawalFilter) ([]withdrawal.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []withdrawal.Request
	for _, req := range s.withdrawals {
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.FinderID != "" && req.FinderID != filter.FinderID {
			continue
		}
		result = append(result, req)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RequestedAt.Before(result[j].RequestedAt) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) ListProcessingWithdrawals(ctx context.Context) ([]withdrawal.Request, error) {
	return s.ListWithdrawals(ctx, storage.WithdrawalFilter{Status: withdrawal.StatusProcessing})
}

// DistributionStore implementation --------------------------------------------

func distributionKey(finderID string, year, month int) string {
	return fmt.Sprintf("%s|%04d-%02d", finderID, year, month)
}

func (s *Store) RecordDistribution(_ context.Context, rec distribution.Record, op ledger.Operation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := distributionKey(rec.FinderID, rec.Year, rec.Month)
	if _, exists := s.distribution[key]; exists {
		return false, nil
	}
	if _, applied := s.ops[op.ID]; applied {
		return false, nil
	}

	if _, err := s.postLocked(op); err != nil {
		return false, err
	}

	if rec.DistributedAt.IsZero() {
		rec.DistributedAt = time.Now().UTC()
	}
	s.distribution[key] = rec
	return true, nil
}

func (s *Store) ListDistributions(_ context.Context, year, month int) ([]distribution.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []distribution.Record
	for _, rec := range s.distribution {
		if (year == 0 || rec.Year == year) && (month == 0 || rec.Month == month) {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FinderID < result[j].FinderID })
	return result, nil
}

// GrantStore implementation ---------------------------------------------------

func (s *Store) CreateGrant(_ context.Context, g grant.Grant, op ledger.Operation) (grant.Grant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if grantID, ok := s.opGrants[op.ID]; ok {
		return s.grants[grantID], true, nil
	}

	if _, err := s.postLocked(op); err != nil {
		return grant.Grant{}, false, err
	}

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	s.grants[g.ID] = g
	s.opGrants[op.ID] = g.ID
	return g, false, nil
}

func (s *Store) ListGrants(_ context.Context, recipientID string) ([]grant.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []grant.Grant
	for _, g := range s.grants {
		if recipientID == "" || g.RecipientID == recipientID {
			result = append(result, g)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// SettingsStore implementation ------------------------------------------------

func (s *Store) CreateSettings(_ context.Context, snap settings.Snapshot) (settings.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var maxVersion int64
	for _, existing := range s.settingsLog {
		if existing.Version > maxVersion {
			maxVersion = existing.Version
		}
	}
	now := time.Now().UTC()
	snap.Version = maxVersion + 1
	snap.CreatedAt = now
	if snap.EffectiveAt.IsZero() {
		snap.EffectiveAt = now
	}
	s.settingsLog = append(s.settingsLog, snap)
	return snap, nil
}

func (s *Store) SettingsAt(_ context.Context, at time.Time) (settings.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *settings.Snapshot
	for i := range s.settingsLog {
		snap := s.settingsLog[i]
		if snap.EffectiveAt.After(at) {
			continue
		}
		if best == nil || snap.EffectiveAt.After(best.EffectiveAt) ||
			(snap.EffectiveAt.Equal(best.EffectiveAt) && snap.Version > best.Version) {
			best = &snap
		}
	}
	if best == nil {
		return settings.Snapshot{}, ledger.ErrSettingsUnavailable
	}
	return *best, nil
}

func (s *Store) SettingsVersion(_ context.Context, version int64) (settings.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, snap := range s.settingsLog {
		if snap.Version == version {
			return snap, nil
		}
	}
	return settings.Snapshot{}, ledger.ErrSettingsUnavailable
}
