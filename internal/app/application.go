// Package app wires the ledger services together and manages their lifecycle.
package app

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	distributionsvc "github.com/findermarket/ledger-core/internal/app/services/distribution"
	escrowsvc "github.com/findermarket/ledger-core/internal/app/services/escrow"
	grantssvc "github.com/findermarket/ledger-core/internal/app/services/grants"
	ledgersvc "github.com/findermarket/ledger-core/internal/app/services/ledger"
	proposalsvc "github.com/findermarket/ledger-core/internal/app/services/proposals"
	settingssvc "github.com/findermarket/ledger-core/internal/app/services/settings"
	withdrawalsvc "github.com/findermarket/ledger-core/internal/app/services/withdrawals"
	"github.com/findermarket/ledger-core/internal/app/storage"
	"github.com/findermarket/ledger-core/internal/app/storage/memory"
	"github.com/findermarket/ledger-core/internal/app/system"
	"github.com/findermarket/ledger-core/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation, which keeps tests and local development free of
// external services.
type Stores struct {
	Ledger        storage.LedgerStore
	Proposals     storage.ProposalStore
	Contracts     storage.ContractStore
	Withdrawals   storage.WithdrawalStore
	Distributions storage.DistributionStore
	Grants        storage.GrantStore
	Settings      storage.SettingsStore
}

// Options carries the optional integrations an Application can run with.
type Options struct {
	// PaymentRail captures client payments when balances cannot cover escrow
	// funding. Nil means balance-only funding.
	PaymentRail escrowsvc.PaymentRail
	// PayoutResolver drives processing withdrawals to completion. Nil disables
	// the settlement poller.
	PayoutResolver withdrawalsvc.PayoutResolver
	// Redis, when set, fronts the ledger's idempotency checks with a
	// replay-detection cache. The store stays authoritative.
	Redis *redis.Client
	// DistributionSchedule is a cron expression for the monthly token run.
	// Empty disables the scheduler; distribution stays available on demand.
	DistributionSchedule string
	// SweepInterval is how often the integrity sweeper recomputes balances.
	// Zero disables the sweeper.
	SweepInterval time.Duration
}

// Application ties the services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Ledger       *ledgersvc.Service
	Settings     *settingssvc.Service
	Proposals    *proposalsvc.Service
	Escrow       *escrowsvc.Service
	Withdrawals  *withdrawalsvc.Service
	Distribution *distributionsvc.Service
	Grants       *grantssvc.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.Proposals == nil {
		stores.Proposals = mem
	}
	if stores.Contracts == nil {
		stores.Contracts = mem
	}
	if stores.Withdrawals == nil {
		stores.Withdrawals = mem
	}
	if stores.Distributions == nil {
		stores.Distributions = mem
	}
	if stores.Grants == nil {
		stores.Grants = mem
	}
	if stores.Settings == nil {
		stores.Settings = mem
	}

	ledgerService := ledgersvc.New(stores.Ledger, log)
	if opts.Redis != nil {
		ledgerService = ledgerService.WithCache(ledgersvc.NewCache(opts.Redis, 0))
	}
	settingsService := settingssvc.New(stores.Settings, log)
	proposalService := proposalsvc.New(stores.Proposals, ledgerService, settingsService, log)
	escrowService := escrowsvc.New(stores.Contracts, ledgerService, proposalService, settingsService, opts.PaymentRail, log)
	withdrawalService := withdrawalsvc.New(stores.Withdrawals, ledgerService, log)
	distributionService := distributionsvc.New(stores.Distributions, ledgerService, settingsService,
		distributionsvc.NewLedgerFinderSource(stores.Ledger), log)
	grantService := grantssvc.New(stores.Grants, ledgerService, settingsService, log)

	manager := system.NewManager()
	if opts.SweepInterval > 0 {
		manager.Register(ledgersvc.NewIntegritySweeper(stores.Ledger, opts.SweepInterval, log))
	}
	if opts.PayoutResolver != nil {
		manager.Register(withdrawalsvc.NewSettlementPoller(stores.Withdrawals, withdrawalService, opts.PayoutResolver, log))
	}
	if opts.DistributionSchedule != "" {
		manager.Register(distributionsvc.NewScheduler(distributionService, opts.DistributionSchedule, log))
	}

	return &Application{
		manager:      manager,
		log:          log,
		Ledger:       ledgerService,
		Settings:     settingsService,
		Proposals:    proposalService,
		Escrow:       escrowService,
		Withdrawals:  withdrawalService,
		Distribution: distributionService,
		Grants:       grantService,
	}, nil
}

// Start launches the background services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop shuts the background services down in reverse start order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
