// Package settings holds the versioned, effective-dated platform configuration.
// Snapshots are immutable: admin changes append a new version, and financial
// operations always resolve the snapshot active at event time, never a live
// global.
package settings

import (
	"fmt"
	"time"
)

// Snapshot is one immutable settings version. Percentages are plain percent
// values (10 means 10%).
type Snapshot struct {
	Version               int64     `json:"version"`
	ProposalTokenCost     int64     `json:"proposal_token_cost"`
	FindertokenPrice      int64     `json:"findertoken_price"`
	PlatformFeePct        float64   `json:"platform_fee_percentage"`
	ClientChargePct       float64   `json:"client_payment_charge_percentage"`
	FinderChargePct       float64   `json:"finder_earnings_charge_percentage"`
	HighBudgetThreshold   int64     `json:"high_budget_threshold"`
	HighBudgetTokenCost   int64     `json:"high_budget_token_cost"`
	MonthlyTokenAllotment int64     `json:"monthly_token_allotment"`
	EffectiveAt           time.Time `json:"effective_at"`
	CreatedBy             string    `json:"created_by"`
	CreatedAt             time.Time `json:"created_at"`
}

// Validate rejects snapshots that could corrupt fee math.
func (s Snapshot) Validate() error {
	if s.ProposalTokenCost < 0 || s.HighBudgetTokenCost < 0 || s.MonthlyTokenAllotment < 0 {
		return fmt.Errorf("token costs must not be negative")
	}
	if s.FindertokenPrice <= 0 {
		return fmt.Errorf("findertoken price must be positive")
	}
	for name, pct := range map[string]float64{
		"platform_fee_percentage":           s.PlatformFeePct,
		"client_payment_charge_percentage":  s.ClientChargePct,
		"finder_earnings_charge_percentage": s.FinderChargePct,
	} {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("%s out of range: %v", name, pct)
		}
	}
	if s.PlatformFeePct+s.FinderChargePct > 100 {
		return fmt.Errorf("platform fee plus finder charge exceed 100%%")
	}
	return nil
}
