package fees

import (
	"testing"

	"github.com/findermarket/ledger-core/internal/app/domain/settings"
)

func snapshot(platform, client, finder float64) settings.Snapshot {
	return settings.Snapshot{
		Version:           7,
		ProposalTokenCost: 1,
		FindertokenPrice:  100,
		PlatformFeePct:    platform,
		ClientChargePct:   client,
		FinderChargePct:   finder,
	}
}

func TestCalculateReferenceScenario(t *testing.T) {
	// platform 10%, client 2.5%, finder 5% on a 100000 contract.
	b, err := Calculate(100000, snapshot(10, 2.5, 5))
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}

	if b.PlatformFee != 10000 {
		t.Fatalf("platform fee = %d, want 10000", b.PlatformFee)
	}
	if b.ClientCharge != 2500 {
		t.Fatalf("client charge = %d, want 2500", b.ClientCharge)
	}
	if b.FinderCharge != 5000 {
		t.Fatalf("finder charge = %d, want 5000", b.FinderCharge)
	}
	if b.ClientTotal != 102500 {
		t.Fatalf("client total = %d, want 102500", b.ClientTotal)
	}
	if b.FinderNet != 85000 {
		t.Fatalf("finder net = %d, want 85000", b.FinderNet)
	}
	if b.PlatformTotal != 17500 {
		t.Fatalf("platform total = %d, want 17500", b.PlatformTotal)
	}
	if b.SettingsVersion != 7 {
		t.Fatalf("settings version = %d, want 7", b.SettingsVersion)
	}
}

func TestCalculateConservation(t *testing.T) {
	amounts := []int64{1, 3, 99, 100, 101, 12345, 100000, 999999999}
	rates := []settings.Snapshot{
		snapshot(0, 0, 0),
		snapshot(10, 2.5, 5),
		snapshot(33.3, 1.7, 12.9),
		snapshot(50, 50, 50),
		snapshot(0.01, 0.01, 0.01),
	}
	for _, snap := range rates {
		for _, amount := range amounts {
			b, err := Calculate(amount, snap)
			if err != nil {
				t.Fatalf("calculate(%d, %+v): %v", amount, snap, err)
			}
			if b.ClientTotal != b.FinderNet+b.PlatformTotal {
				t.Fatalf("conservation broken for amount=%d rates=%+v: funded %d, out %d",
					amount, snap, b.ClientTotal, b.FinderNet+b.PlatformTotal)
			}
			if b.ClientTotal != b.Amount+b.ClientCharge {
				t.Fatalf("client total %d != amount %d + charge %d", b.ClientTotal, b.Amount, b.ClientCharge)
			}
			if b.FinderNet < 0 {
				t.Fatalf("negative finder net %d for amount=%d rates=%+v", b.FinderNet, amount, snap)
			}
		}
	}
}

func TestCalculateTinyAmountClampsFinderCharge(t *testing.T) {
	// 50% + 50% each round half up on amount 1, which would deduct 2 from a
	// principal of 1. The finder charge absorbs the remainder.
	b, err := Calculate(1, snapshot(50, 50, 50))
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if b.PlatformFee != 1 {
		t.Fatalf("platform fee = %d, want 1", b.PlatformFee)
	}
	if b.FinderCharge != 0 {
		t.Fatalf("finder charge = %d, want 0 after clamp", b.FinderCharge)
	}
	if b.FinderNet != 0 {
		t.Fatalf("finder net = %d, want 0", b.FinderNet)
	}
	if b.ClientTotal != 2 || b.PlatformTotal != 2 {
		t.Fatalf("client total %d / platform total %d, want 2 / 2", b.ClientTotal, b.PlatformTotal)
	}
}

func TestCalculateRejectsNonPositiveAmount(t *testing.T) {
	for _, amount := range []int64{0, -1, -100000} {
		if _, err := Calculate(amount, snapshot(10, 2.5, 5)); err == nil {
			t.Fatalf("expected error for amount %d", amount)
		}
	}
}

func TestCalculateRejectsInvalidSnapshot(t *testing.T) {
	snap := snapshot(70, 0, 40) // platform + finder charge over 100%
	if _, err := Calculate(100000, snap); err == nil {
		t.Fatal("expected error for charges over 100%")
	}

	snap = snapshot(10, 2.5, 5)
	snap.FindertokenPrice = 0
	if _, err := Calculate(100000, snap); err == nil {
		t.Fatal("expected error for zero token price")
	}
}

func TestCalculateRounding(t *testing.T) {
	// 2.5% of 101 is 2.525, rounds to 3.
	b, err := Calculate(101, snapshot(0, 2.5, 0))
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if b.ClientCharge != 3 {
		t.Fatalf("client charge = %d, want 3", b.ClientCharge)
	}
	if b.ClientTotal != 104 || b.FinderNet != 101 || b.PlatformTotal != 3 {
		t.Fatalf("unexpected breakdown: %+v", b)
	}
}
