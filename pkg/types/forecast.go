package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// MethodPrediction is one estimator's view of the margin level a fixed
// number of minutes ahead.
type MethodPrediction struct {
	Prediction float64 `json:"prediction"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method"`
}

// ForecastHorizons holds the ensemble margin level predictions at the
// standard look-ahead horizons.
type ForecastHorizons struct {
	In15Minutes float64 `json:"in_15_minutes"`
	In30Minutes float64 `json:"in_30_minutes"`
	In1Hour     float64 `json:"in_1_hour"`
}

// LossCutForecast is the live forecast for one account. Each recompute
// replaces the instance wholesale; fields are never patched individually.
type LossCutForecast struct {
	AccountID             string           `json:"account_id"`
	CurrentMarginLevel    float64          `json:"current_margin_level"`
	PredictedLossCutTime  *time.Time       `json:"predicted_loss_cut_time,omitempty"`
	TimeToLossCutMinutes  *float64         `json:"time_to_loss_cut_minutes,omitempty"`
	RequiredRecoveryAmount decimal.Decimal `json:"required_recovery_amount"`
	ConfidenceLevel       float64          `json:"confidence_level"`
	TrendDirection        TrendDirection   `json:"trend_direction"`
	Forecast              ForecastHorizons `json:"forecast"`
	RiskLevel             RiskLevel        `json:"risk_level"`
	LastUpdate            time.Time        `json:"last_update"`
}

// ScenarioType identifies a class of recovery scenario.
type ScenarioType string

const (
	ScenarioDeposit           ScenarioType = "deposit"
	ScenarioPositionReduction ScenarioType = "position_reduction"
	ScenarioProfitTaking      ScenarioType = "profit_taking"
	ScenarioCrossAccount      ScenarioType = "cross_account"
)

// Urgency grades how quickly a recovery scenario should be acted on.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// RecoveryScenario is a candidate corrective action with its estimated
// cost and impact. Generated per query, ranked, never stored long-term.
type RecoveryScenario struct {
	Type           ScenarioType    `json:"type"`
	Description    string          `json:"description"`
	RequiredAmount decimal.Decimal `json:"required_amount"`
	ImpactPercent  float64         `json:"impact_percent"`
	Urgency        Urgency         `json:"urgency"`
	Feasibility    float64         `json:"feasibility"` // 0..1
	Instructions   []string        `json:"instructions"`
}
