// Package distribution grants each active finder the monthly findertoken
// allotment, at most once per finder per calendar month.
package distribution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	domain "github.com/findermarket/ledger-core/internal/app/domain/distribution"
	ledgerdomain "github.com/findermarket/ledger-core/internal/app/domain/ledger"
	"github.com/findermarket/ledger-core/internal/app/metrics"
	ledgersvc "github.com/findermarket/ledger-core/internal/app/services/ledger"
	settingssvc "github.com/findermarket/ledger-core/internal/app/services/settings"
	"github.com/findermarket/ledger-core/internal/app/storage"
	"github.com/findermarket/ledger-core/pkg/logger"
)

// FinderSource lists the finders eligible for the monthly allotment. The
// default source is every finder known to the ledger; deployments can narrow
// it to recently active finders.
type FinderSource interface {
	ActiveFinderIDs(ctx context.Context) ([]string, error)
}

// ledgerFinderSource treats every finder with a wallet as active.
type ledgerFinderSource struct {
	store storage.LedgerStore
}

func (s ledgerFinderSource) ActiveFinderIDs(ctx context.Context) ([]string, error) {
	return s.store.ListFinderIDs(ctx)
}

// NewLedgerFinderSource returns the default finder source backed by the
// ledger's known finder wallets.
func NewLedgerFinderSource(store storage.LedgerStore) FinderSource {
	return ledgerFinderSource{store: store}
}

// Service runs monthly distributions.
type Service struct {
	store    storage.DistributionStore
	ledger   *ledgersvc.Service
	settings *settingssvc.Service
	finders  FinderSource
	log      *logger.Logger
}

// New creates a distribution service.
func New(store storage.DistributionStore, ledger *ledgersvc.Service, settings *settingssvc.Service, finders FinderSource, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("distribution")
	}
	return &Service{store: store, ledger: ledger, settings: settings, finders: finders, log: log}
}

// DistributeForMonth grants the allotment to every eligible finder that has
// no record for (finder, year, month) yet. Record insert and token credit are
// one atomic unit per finder, so re-running after a crash only fills in the
// still-missing grants. One finder's failure never aborts the batch.
func (s *Service) DistributeForMonth(ctx context.Context, year, month int) (domain.Result, error) {
	if month < 1 || month > 12 {
		return domain.Result{}, fmt.Errorf("month %d out of range", month)
	}

	snap, err := s.settings.At(ctx, monthStart(year, month))
	if err != nil {
		return domain.Result{}, err
	}
	if snap.MonthlyTokenAllotment <= 0 {
		return domain.Result{}, fmt.Errorf("monthly token allotment is not configured")
	}

	finderIDs, err := s.finders.ActiveFinderIDs(ctx)
	if err != nil {
		return domain.Result{}, err
	}

	started := time.Now()
	result := domain.Result{Year: year, Month: month}
	for _, finderID := range finderIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		created, err := s.distributeOne(ctx, finderID, year, month, snap.MonthlyTokenAllotment)
		switch {
		case err != nil:
			result.Failed = append(result.Failed, finderID)
			s.log.WithError(err).Warnf("distribution to finder %s failed", finderID)
		case created:
			result.Distributed++
		default:
			result.AlreadyDistributed++
		}
	}

	metrics.RecordDistributionRun(result.Distributed, result.AlreadyDistributed, len(result.Failed), time.Since(started))
	s.log.WithFields(map[string]interface{}{
		"year":                year,
		"month":               month,
		"distributed":         result.Distributed,
		"already_distributed": result.AlreadyDistributed,
		"failed":              len(result.Failed),
	}).Info("monthly distribution run finished")
	return result, nil
}

func (s *Service) distributeOne(ctx context.Context, finderID string, year, month int, allotment int64) (bool, error) {
	acct, err := s.ledger.EnsureAccount(ctx, ledgerdomain.OwnerFinder, finderID, ledgerdomain.AssetToken)
	if err != nil {
		return false, err
	}

	opID := fmt.Sprintf("monthly:%s:%04d-%02d", finderID, year, month)
	op := ledgerdomain.Operation{
		ID: opID,
		Entries: []ledgerdomain.Transaction{{
			ID:        uuid.NewString(),
			AccountID: acct.ID,
			Amount:    allotment,
			Kind:      ledgerdomain.KindMonthlyDistribution,
			Memo:      fmt.Sprintf("monthly allotment %04d-%02d", year, month),
		}},
	}
	rec := domain.Record{
		FinderID:      finderID,
		Year:          year,
		Month:         month,
		TokensGranted: allotment,
	}
	return s.store.RecordDistribution(ctx, rec, op)
}

// List projects the distribution records of one month.
func (s *Service) List(ctx context.Context, year, month int) ([]domain.Record, error) {
	return s.store.ListDistributions(ctx, year, month)
}

func monthStart(year, month int) time.Time {
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
}
