package withdrawals

import (
	"context"
	"sync"
	"time"

	"github.com/findermarket/ledger-core/internal/app/domain/withdrawal"
	"github.com/findermarket/ledger-core/internal/app/metrics"
	"github.com/findermarket/ledger-core/internal/app/storage"
	"github.com/findermarket/ledger-core/internal/app/system"
	"github.com/findermarket/ledger-core/pkg/logger"
)

// PayoutResolver decides whether a processing withdrawal has settled on the
// payout rail. A zero retryAfter requests no extra backoff; the request stays
// eligible on the next poll.
type PayoutResolver interface {
	Resolve(ctx context.Context, req withdrawal.Request) (done bool, success bool, ref string, retryAfter time.Duration, err error)
}

// SettlementPoller watches processing withdrawals and settles them against the
// resolver. Requests that keep failing past maxAttempts are surfaced to admin
// via an error log and metric and left in processing; the poller never
// auto-rejects, since the debit already posted at approval time.
type SettlementPoller struct {
	store       storage.WithdrawalStore
	service     *Service
	resolver    PayoutResolver
	interval    time.Duration
	maxAttempts int
	log         *logger.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	nextAttempt map[string]time.Time
}

var _ system.Service = (*SettlementPoller)(nil)

// NewSettlementPoller creates a poller over the given resolver.
func NewSettlementPoller(store storage.WithdrawalStore, service *Service, resolver PayoutResolver, log *logger.Logger) *SettlementPoller {
	if log == nil {
		log = logger.NewDefault("withdrawal-settlement")
	}
	return &SettlementPoller{
		store:       store,
		service:     service,
		resolver:    resolver,
		interval:    15 * time.Second,
		maxAttempts: 5,
		log:         log,
		nextAttempt: make(map[string]time.Time),
	}
}

func (p *SettlementPoller) Name() string { return "withdrawal-settlement" }

func (p *SettlementPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.Tick(runCtx)
			}
		}
	}()

	p.log.Info("withdrawal settlement poller started")
	return nil
}

func (p *SettlementPoller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// Tick runs one settlement pass. Exposed for tests.
func (p *SettlementPoller) Tick(ctx context.Context) {
	reqs, err := p.store.ListProcessingWithdrawals(ctx)
	if err != nil {
		p.log.WithError(err).Warn("list processing withdrawals failed")
		return
	}

	now := time.Now()
	for _, req := range reqs {
		if !p.shouldAttempt(req.ID, now) {
			continue
		}

		done, success, ref, retryAfter, err := p.resolver.Resolve(ctx, req)
		if err != nil {
			p.recordFailure(ctx, req, err.Error())
			p.scheduleNext(req.ID, retryAfter)
			continue
		}

		if !done {
			p.scheduleNext(req.ID, retryAfter)
			continue
		}

		if !success {
			p.recordFailure(ctx, req, ref)
			p.scheduleNext(req.ID, retryAfter)
			continue
		}

		if _, err := p.service.Finish(ctx, req.ID, ref); err != nil {
			p.log.WithError(err).Warnf("finish withdrawal %s failed", req.ID)
			p.scheduleNext(req.ID, retryAfter)
			continue
		}
		metrics.RecordPayoutAttempt("settled")
		p.forget(req.ID)
	}
}

func (p *SettlementPoller) recordFailure(ctx context.Context, req withdrawal.Request, message string) {
	updated, err := p.store.RecordPayoutAttempt(ctx, req.ID, message)
	if err != nil {
		p.log.WithError(err).Warnf("record payout attempt for %s failed", req.ID)
		return
	}
	if updated.Attempts >= p.maxAttempts {
		metrics.RecordPayoutAttempt("failed")
		p.log.WithFields(map[string]interface{}{
			"withdrawal_id": req.ID,
			"attempts":      updated.Attempts,
			"last_error":    message,
		}).Error("payout failed after max attempts; admin intervention required")
		return
	}
	metrics.RecordPayoutAttempt("retry")
	p.log.WithFields(map[string]interface{}{
		"withdrawal_id": req.ID,
		"attempts":      updated.Attempts,
	}).Warnf("payout attempt failed: %s", message)
}

func (p *SettlementPoller) shouldAttempt(id string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, ok := p.nextAttempt[id]
	return !ok || !now.Before(next)
}

func (p *SettlementPoller) scheduleNext(id string, after time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if after <= 0 {
		// No backoff requested: the request is eligible again on the next
		// pass, paced by the poll interval itself.
		delete(p.nextAttempt, id)
		return
	}
	p.nextAttempt[id] = time.Now().Add(after)
}

func (p *SettlementPoller) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nextAttempt, id)
}
