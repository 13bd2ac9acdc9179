// Package fees computes every fee figure the platform charges on a contract.
// The math lives in exactly one place so the escrow release, the financial
// dashboard and any export all produce identical numbers.
package fees

import (
	"fmt"
	"math"

	"github.com/findermarket/ledger-core/internal/app/domain/settings"
)

// Breakdown is the full fee decomposition of one contract amount. All figures
// are minor units (integer cents/tokens), rounded half away from zero.
type Breakdown struct {
	// Amount is the agreed contract principal.
	Amount int64 `json:"amount"`
	// PlatformFee is the platform's cut of the principal.
	PlatformFee int64 `json:"platform_fee"`
	// ClientCharge is added on top of the principal at funding time.
	ClientCharge int64 `json:"client_charge"`
	// FinderCharge is deducted from the finder's payout.
	FinderCharge int64 `json:"finder_charge"`
	// FinderNet is what the finder receives on release.
	FinderNet int64 `json:"finder_net"`
	// PlatformTotal is everything the platform retains on release.
	PlatformTotal int64 `json:"platform_total"`
	// ClientTotal is what the client funds into escrow.
	ClientTotal int64 `json:"client_total"`
	// SettingsVersion records which snapshot produced the figures.
	SettingsVersion int64 `json:"settings_version"`
}

// Calculate decomposes a contract amount under the given settings snapshot.
//
// The identities below hold exactly, by construction:
//
//	ClientTotal   = Amount + ClientCharge
//	FinderNet     = Amount - PlatformFee - FinderCharge
//	PlatformTotal = PlatformFee + FinderCharge + ClientCharge
//	ClientTotal   = FinderNet + PlatformTotal
//
// so every unit funded into escrow leaves it on release, split between finder
// and platform with nothing lost to rounding.
func Calculate(amount int64, snap settings.Snapshot) (Breakdown, error) {
	if amount <= 0 {
		return Breakdown{}, fmt.Errorf("contract amount must be positive, got %d", amount)
	}
	if err := snap.Validate(); err != nil {
		return Breakdown{}, fmt.Errorf("settings snapshot v%d: %w", snap.Version, err)
	}

	b := Breakdown{
		Amount:          amount,
		PlatformFee:     percentOf(amount, snap.PlatformFeePct),
		ClientCharge:    percentOf(amount, snap.ClientChargePct),
		FinderCharge:    percentOf(amount, snap.FinderChargePct),
		SettingsVersion: snap.Version,
	}
	// Both deductions round half away from zero independently, so on tiny
	// amounts their sum can overshoot the principal even when the percentages
	// sum to at most 100. The finder charge absorbs the rounding remainder so
	// FinderNet never goes negative.
	if b.PlatformFee+b.FinderCharge > amount {
		b.FinderCharge = amount - b.PlatformFee
	}
	b.FinderNet = amount - b.PlatformFee - b.FinderCharge
	b.PlatformTotal = b.PlatformFee + b.FinderCharge + b.ClientCharge
	b.ClientTotal = amount + b.ClientCharge

	return b, nil
}

// percentOf rounds half away from zero. Amounts are small enough (minor units
// of real-world contracts) that the float64 detour is exact in practice.
func percentOf(amount int64, pct float64) int64 {
	return int64(math.Round(float64(amount) * pct / 100))
}
