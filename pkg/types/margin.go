package types

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// RiskLevel classifies account health from the margin level.
type RiskLevel string

const (
	RiskLevelSafe     RiskLevel = "safe"
	RiskLevelWarning  RiskLevel = "warning"
	RiskLevelDanger   RiskLevel = "danger"
	RiskLevelCritical RiskLevel = "critical"
)

// Margin level thresholds (percent) separating the risk bands.
const (
	MarginLevelSafe    = 200.0
	MarginLevelWarning = 150.0
	MarginLevelDanger  = 100.0
)

// RiskLevelForMargin maps a margin level percentage onto a risk level.
// This is the single authority for the mapping; callers must never set
// a risk level by any other rule.
func RiskLevelForMargin(marginLevel float64) RiskLevel {
	switch {
	case marginLevel >= MarginLevelSafe:
		return RiskLevelSafe
	case marginLevel >= MarginLevelWarning:
		return RiskLevelWarning
	case marginLevel >= MarginLevelDanger:
		return RiskLevelDanger
	default:
		return RiskLevelCritical
	}
}

// Severity orders risk levels for comparisons; higher is worse.
func (r RiskLevel) Severity() int {
	switch r {
	case RiskLevelSafe:
		return 0
	case RiskLevelWarning:
		return 1
	case RiskLevelDanger:
		return 2
	case RiskLevelCritical:
		return 3
	default:
		return 0
	}
}

// MarginLevel computes equity/usedMargin as a percentage. A flat account
// (zero used margin) has no liquidation exposure, so the level is +Inf
// rather than a division error.
func MarginLevel(equity, usedMargin float64) float64 {
	if usedMargin == 0 {
		return math.Inf(1)
	}
	return equity / usedMargin * 100
}

// TrendDirection classifies how the margin level series is moving.
type TrendDirection string

const (
	TrendImproving     TrendDirection = "improving"
	TrendDeteriorating TrendDirection = "deteriorating"
	TrendStable        TrendDirection = "stable"
)

// MarginSample is a single margin telemetry observation. Samples are
// immutable once recorded and owned by the sample store for their account.
type MarginSample struct {
	Timestamp    time.Time `json:"timestamp"`
	MarginLevel  float64   `json:"margin_level"`
	Equity       float64   `json:"equity"`
	FreeMargin   float64   `json:"free_margin"`
	UsedMargin   float64   `json:"used_margin"`
	UnrealizedPL float64   `json:"unrealized_pl"`
	BonusAmount  float64   `json:"bonus_amount"`
}

// AccountMarginInfo is the raw telemetry payload supplied by the margin
// feed for one account.
type AccountMarginInfo struct {
	AccountID   string    `json:"account_id"`
	Balance     float64   `json:"balance"`
	Equity      float64   `json:"equity"`
	FreeMargin  float64   `json:"free_margin"`
	UsedMargin  float64   `json:"used_margin"`
	MarginLevel float64   `json:"margin_level"`
	BonusAmount float64   `json:"bonus_amount"`
	LastUpdate  time.Time `json:"last_update"`
}

// Validate rejects malformed telemetry before it can reach account state.
func (i *AccountMarginInfo) Validate() error {
	if i.AccountID == "" {
		return fmt.Errorf("margin info missing account id")
	}
	if i.Equity < 0 {
		return fmt.Errorf("account %s: negative equity %.2f", i.AccountID, i.Equity)
	}
	if i.MarginLevel < 0 {
		return fmt.Errorf("account %s: negative margin level %.2f", i.AccountID, i.MarginLevel)
	}
	return nil
}

// Sample converts validated telemetry into an immutable margin sample.
func (i *AccountMarginInfo) Sample() MarginSample {
	ts := i.LastUpdate
	if ts.IsZero() {
		ts = time.Now()
	}
	return MarginSample{
		Timestamp:    ts,
		MarginLevel:  i.MarginLevel,
		Equity:       i.Equity,
		FreeMargin:   i.FreeMargin,
		UsedMargin:   i.UsedMargin,
		UnrealizedPL: i.Equity - i.Balance,
		BonusAmount:  i.BonusAmount,
	}
}

// TrendEstimate summarizes the direction and reliability of the recent
// margin level series. Derived on demand, never persisted.
type TrendEstimate struct {
	Slope       float64        `json:"slope"`
	Direction   TrendDirection `json:"direction"`
	Volatility  float64        `json:"volatility"`
	Confidence  float64        `json:"confidence"`
	SampleCount int            `json:"sample_count"`
	ComputedAt  time.Time      `json:"computed_at"`
}

// RiskMonitoringState is the canonical per-account snapshot owned by the
// risk state manager. Replaced wholesale on every update.
type RiskMonitoringState struct {
	AccountID    string          `json:"account_id"`
	MarginLevel  float64         `json:"margin_level"`
	FreeMargin   float64         `json:"free_margin"`
	UsedMargin   float64         `json:"used_margin"`
	Balance      float64         `json:"balance"`
	Equity       float64         `json:"equity"`
	BonusAmount  float64         `json:"bonus_amount"`
	RiskLevel    RiskLevel       `json:"risk_level"`
	LastUpdate   time.Time       `json:"last_update"`
	LossCutLevel float64         `json:"loss_cut_level"`
	Predictions  StatePrediction `json:"predictions"`
}

// StatePrediction carries the forward-looking figures attached to a
// monitoring state snapshot.
type StatePrediction struct {
	TimeToCriticalMinutes *float64        `json:"time_to_critical_minutes,omitempty"`
	RequiredRecovery      decimal.Decimal `json:"required_recovery"`
}
