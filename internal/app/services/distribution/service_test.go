package distribution

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	ledgerdomain "github.com/findermarket/ledger-core/internal/app/domain/ledger"
	settingsdomain "github.com/findermarket/ledger-core/internal/app/domain/settings"
	ledgersvc "github.com/findermarket/ledger-core/internal/app/services/ledger"
	settingssvc "github.com/findermarket/ledger-core/internal/app/services/settings"
	"github.com/findermarket/ledger-core/internal/app/storage/memory"
)

type fixture struct {
	svc    *Service
	ledger *ledgersvc.Service
	store  *memory.Store
}

func newFixture(t *testing.T, allotment int64) *fixture {
	t.Helper()
	store := memory.New()
	ledger := ledgersvc.New(store, nil)
	settings := settingssvc.New(store, nil)

	_, err := settings.Create(context.Background(), settingsdomain.Snapshot{
		FindertokenPrice:      100,
		PlatformFeePct:        10,
		ClientChargePct:       2.5,
		FinderChargePct:       5,
		MonthlyTokenAllotment: allotment,
		EffectiveAt:           time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	return &fixture{
		svc:    New(store, ledger, settings, NewLedgerFinderSource(store), nil),
		ledger: ledger,
		store:  store,
	}
}

func (f *fixture) addFinder(t *testing.T, finderID string) {
	t.Helper()
	if _, err := f.ledger.EnsureAccount(context.Background(), ledgerdomain.OwnerFinder, finderID, ledgerdomain.AssetToken); err != nil {
		t.Fatalf("add finder: %v", err)
	}
}

func (f *fixture) tokenBalance(t *testing.T, finderID string) int64 {
	t.Helper()
	balance, err := f.ledger.BalanceOf(context.Background(), ledgerdomain.AccountID(ledgerdomain.OwnerFinder, finderID, ledgerdomain.AssetToken))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance
}

func TestDistributeForMonth(t *testing.T) {
	f := newFixture(t, 10)
	f.addFinder(t, "f1")
	f.addFinder(t, "f2")
	f.addFinder(t, "f3")

	result, err := f.svc.DistributeForMonth(context.Background(), 2026, 3)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if result.Distributed != 3 || result.AlreadyDistributed != 0 || len(result.Failed) != 0 {
		t.Fatalf("result = %+v", result)
	}

	for _, finder := range []string{"f1", "f2", "f3"} {
		if got := f.tokenBalance(t, finder); got != 10 {
			t.Fatalf("%s balance = %d, want 10", finder, got)
		}
	}

	records, _ := f.svc.List(context.Background(), 2026, 3)
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
}

func TestDistributeForMonthIdempotent(t *testing.T) {
	f := newFixture(t, 10)
	f.addFinder(t, "f1")
	f.addFinder(t, "f2")

	if _, err := f.svc.DistributeForMonth(context.Background(), 2026, 3); err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := f.svc.DistributeForMonth(context.Background(), 2026, 3)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Distributed != 0 || second.AlreadyDistributed != 2 {
		t.Fatalf("second run = %+v", second)
	}

	if got := f.tokenBalance(t, "f1"); got != 10 {
		t.Fatalf("balance = %d after rerun, want 10", got)
	}

	// A different month grants again.
	third, err := f.svc.DistributeForMonth(context.Background(), 2026, 4)
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if third.Distributed != 2 {
		t.Fatalf("third run = %+v", third)
	}
	if got := f.tokenBalance(t, "f1"); got != 20 {
		t.Fatalf("balance = %d, want 20", got)
	}
}

func TestDistributeResumesAfterPartialRun(t *testing.T) {
	f := newFixture(t, 10)
	f.addFinder(t, "f1")
	f.addFinder(t, "f2")
	f.addFinder(t, "f3")

	// Simulate a crash mid-run: f2 already holds its record and credit.
	if _, err := f.svc.distributeOne(context.Background(), "f2", 2026, 3, 10); err != nil {
		t.Fatalf("pre-seed f2: %v", err)
	}

	result, err := f.svc.DistributeForMonth(context.Background(), 2026, 3)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if result.Distributed != 2 || result.AlreadyDistributed != 1 {
		t.Fatalf("result = %+v", result)
	}
	if got := f.tokenBalance(t, "f2"); got != 10 {
		t.Fatalf("f2 balance = %d, want 10 (no double grant)", got)
	}
}

type flakySource struct {
	ids []string
}

func (s flakySource) ActiveFinderIDs(context.Context) ([]string, error) {
	return s.ids, nil
}

func TestDistributeCollectsPerFinderFailures(t *testing.T) {
	store := memory.New()
	ledger := ledgersvc.New(store, nil)
	settings := settingssvc.New(store, nil)
	if _, err := settings.Create(context.Background(), settingsdomain.Snapshot{
		FindertokenPrice:      100,
		MonthlyTokenAllotment: 10,
		EffectiveAt:           time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	// f-frozen's wallet is frozen, so its credit fails; the others succeed.
	svc := New(store, ledger, settings, flakySource{ids: []string{"f-ok", "f-frozen", "f-ok2"}}, nil)
	frozen, err := ledger.EnsureAccount(context.Background(), ledgerdomain.OwnerFinder, "f-frozen", ledgerdomain.AssetToken)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := store.SetAccountFrozen(context.Background(), frozen.ID, true); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	result, err := svc.DistributeForMonth(context.Background(), 2026, 3)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if result.Distributed != 2 {
		t.Fatalf("distributed = %d, want 2", result.Distributed)
	}
	if len(result.Failed) != 1 || result.Failed[0] != "f-frozen" {
		t.Fatalf("failed = %v", result.Failed)
	}
}

func TestDistributeRejectsBadInput(t *testing.T) {
	f := newFixture(t, 10)
	if _, err := f.svc.DistributeForMonth(context.Background(), 2026, 13); err == nil {
		t.Fatal("expected error for month 13")
	}

	unconfigured := newFixture(t, 0)
	if _, err := unconfigured.svc.DistributeForMonth(context.Background(), 2026, 3); err == nil {
		t.Fatal("expected error for zero allotment")
	}
}

func TestOperationIDsAreStablePerFinderMonth(t *testing.T) {
	// Guards the crash-retry property: the ledger op id must not vary between
	// runs, or a replay could double-credit.
	f := newFixture(t, 10)
	f.addFinder(t, "f1")

	if _, err := f.svc.DistributeForMonth(context.Background(), 2026, 3); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	// A raw replay of the same month's op id is absorbed by the ledger.
	acct, _ := f.ledger.EnsureAccount(context.Background(), ledgerdomain.OwnerFinder, "f1", ledgerdomain.AssetToken)
	_, _, err := f.ledger.PostOperation(context.Background(), ledgerdomain.Operation{
		ID: "monthly:f1:2026-03",
		Entries: []ledgerdomain.Transaction{{
			ID:        uuid.NewString(),
			AccountID: acct.ID,
			Amount:    10,
			Kind:      ledgerdomain.KindMonthlyDistribution,
		}},
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := f.tokenBalance(t, "f1"); got != 10 {
		t.Fatalf("balance = %d, want 10", got)
	}
}
