package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/findermarket/ledger-core/internal/app/domain/ledger"
	domain "github.com/findermarket/ledger-core/internal/app/domain/settings"
	"github.com/findermarket/ledger-core/internal/app/storage/memory"
)

func validSnapshot() domain.Snapshot {
	return domain.Snapshot{
		ProposalTokenCost:     1,
		FindertokenPrice:      100,
		PlatformFeePct:        10,
		ClientChargePct:       2.5,
		FinderChargePct:       5,
		HighBudgetThreshold:   500000,
		HighBudgetTokenCost:   5,
		MonthlyTokenAllotment: 10,
		CreatedBy:             "admin-1",
	}
}

func TestCreateAssignsVersions(t *testing.T) {
	svc := New(memory.New(), nil)

	first, err := svc.Create(context.Background(), validSnapshot())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := svc.Create(context.Background(), validSnapshot())
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("versions = %d, %d; want 1, 2", first.Version, second.Version)
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	svc := New(memory.New(), nil)

	snap := validSnapshot()
	snap.PlatformFeePct = 101
	if _, err := svc.Create(context.Background(), snap); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestAtResolvesByEffectiveDate(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)

	old := validSnapshot()
	old.EffectiveAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	old.PlatformFeePct = 8
	if _, err := svc.Create(context.Background(), old); err != nil {
		t.Fatalf("create old: %v", err)
	}

	current := validSnapshot()
	current.EffectiveAt = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	current.PlatformFeePct = 12
	if _, err := svc.Create(context.Background(), current); err != nil {
		t.Fatalf("create current: %v", err)
	}

	// A March event resolves the January rates even though June rates exist.
	snap, err := svc.At(context.Background(), time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("at: %v", err)
	}
	if snap.PlatformFeePct != 8 {
		t.Fatalf("resolved fee = %v, want 8", snap.PlatformFeePct)
	}

	snap, err = svc.At(context.Background(), time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("at: %v", err)
	}
	if snap.PlatformFeePct != 12 {
		t.Fatalf("resolved fee = %v, want 12", snap.PlatformFeePct)
	}
}

func TestMissingSettingsFailExplicitly(t *testing.T) {
	svc := New(memory.New(), nil)

	if _, err := svc.Current(context.Background()); !errors.Is(err, ledger.ErrSettingsUnavailable) {
		t.Fatalf("err = %v, want ErrSettingsUnavailable", err)
	}
	if _, err := svc.Version(context.Background(), 9); !errors.Is(err, ledger.ErrSettingsUnavailable) {
		t.Fatalf("err = %v, want ErrSettingsUnavailable", err)
	}
}
