// Package ledger implements the token/cash ledger engine: idempotent postings,
// materialized balance reads and the integrity sweep guarding invariant 1
// (balance == signed sum of the account's transactions).
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/findermarket/ledger-core/internal/app/domain/ledger"
	"github.com/findermarket/ledger-core/internal/app/metrics"
	"github.com/findermarket/ledger-core/internal/app/storage"
	"github.com/findermarket/ledger-core/pkg/logger"
)

// Service is the single write path into the ledger. All money and token
// movements in the system go through PostOperation.
type Service struct {
	store storage.LedgerStore
	log   *logger.Logger
	cache *Cache // optional replay fast path; nil disables it
	locks *accountLocks
}

// New creates a ledger service on top of the given store.
func New(store storage.LedgerStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{
		store: store,
		log:   log,
		locks: newAccountLocks(),
	}
}

// WithCache attaches a replay-detection cache. Retried webhooks then skip the
// account locks entirely on their second and later deliveries.
func (s *Service) WithCache(cache *Cache) *Service {
	s.cache = cache
	return s
}

// EnsureAccount returns the wallet for the owner and asset, creating it empty
// when absent.
func (s *Service) EnsureAccount(ctx context.Context, kind ledger.OwnerKind, ownerID string, asset ledger.Asset) (ledger.Account, error) {
	if ownerID == "" {
		return ledger.Account{}, fmt.Errorf("owner id is required")
	}
	return s.store.EnsureAccount(ctx, ledger.Account{
		OwnerID:   ownerID,
		OwnerKind: kind,
		Asset:     asset,
	})
}

// GetAccount fetches one wallet by id.
func (s *Service) GetAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	return s.store.GetAccount(ctx, accountID)
}

// BalanceOf reads the materialized balance. It never recomputes from the log;
// the integrity sweeper owns that.
func (s *Service) BalanceOf(ctx context.Context, accountID string) (int64, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// AvailableOf reads the balance net of withdrawal holds.
func (s *Service) AvailableOf(ctx context.Context, accountID string) (int64, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Available(), nil
}

// Post appends a single transaction, idempotent on its id. The returned bool
// reports a replay.
func (s *Service) Post(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, bool, error) {
	op, replayed, err := s.PostOperation(ctx, ledger.Operation{ID: tx.ID, Entries: []ledger.Transaction{tx}})
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	return op.Entries[0], replayed, nil
}

// PostOperation appends all entries of the operation atomically, idempotent on
// the operation id. Accounts touched by the operation are created lazily first,
// then locked in a stable order for the duration of the posting.
func (s *Service) PostOperation(ctx context.Context, op ledger.Operation) (ledger.Operation, bool, error) {
	if op.ID == "" {
		return ledger.Operation{}, false, fmt.Errorf("operation id is required")
	}
	if len(op.Entries) == 0 {
		return ledger.Operation{}, false, fmt.Errorf("operation %s has no entries", op.ID)
	}

	// Replay fast path: a cached id means the store already applied this
	// operation, so the replay read needs no account locks.
	if s.cache != nil && s.cache.Seen(ctx, op.ID) {
		applied, replayed, err := s.store.PostOperation(ctx, op)
		if err == nil && replayed {
			metrics.RecordLedgerOperation(string(applied.Entries[0].Kind), true)
			return applied, true, nil
		}
		// Cache lied (eviction race); fall through to the locked path.
	}

	unlock := s.locks.lock(accountIDs(op))
	defer unlock()

	applied, replayed, err := s.store.PostOperation(ctx, op)
	if err != nil {
		return ledger.Operation{}, false, err
	}

	if s.cache != nil {
		s.cache.Mark(ctx, op.ID)
	}
	metrics.RecordLedgerOperation(string(applied.Entries[0].Kind), replayed)
	if replayed {
		s.log.WithField("operation_id", op.ID).Debug("operation replayed")
	}
	return applied, replayed, nil
}

// GetTransaction fetches one ledger entry by id.
func (s *Service) GetTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// ListTransactions projects the ledger for dashboards and exports.
func (s *Service) ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]ledger.Transaction, error) {
	return s.store.ListTransactions(ctx, filter)
}

// ListAccounts lists every wallet.
func (s *Service) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	return s.store.ListAccounts(ctx)
}

func accountIDs(op ledger.Operation) []string {
	seen := make(map[string]bool, len(op.Entries))
	ids := make([]string, 0, len(op.Entries))
	for _, e := range op.Entries {
		if !seen[e.AccountID] {
			seen[e.AccountID] = true
			ids = append(ids, e.AccountID)
		}
	}
	sort.Strings(ids)
	return ids
}

// accountLocks linearizes writers per account id. Lock order is the sorted id
// list, so two operations touching overlapping account sets cannot deadlock.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *accountLocks) lock(ids []string) (unlock func()) {
	held := make([]*sync.Mutex, 0, len(ids))
	for _, id := range ids {
		l.mu.Lock()
		m, ok := l.locks[id]
		if !ok {
			m = &sync.Mutex{}
			l.locks[id] = m
		}
		l.mu.Unlock()
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
