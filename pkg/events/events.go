package events

import (
	"time"

	"github.com/hedgesys/sentinel/pkg/types"
)

// Kind tags the payload carried by an Event.
type Kind string

const (
	KindSampleRecorded       Kind = "sample.recorded"
	KindThresholdBreached    Kind = "threshold.breached"
	KindRapidChange          Kind = "rapid.change"
	KindRiskLevelChanged     Kind = "risk.level.changed"
	KindForecastUpdated      Kind = "forecast.updated"
	KindAlertRaised          Kind = "alert.raised"
	KindResponseStarted      Kind = "response.started"
	KindResponseFinished     Kind = "response.finished"
	KindEmergencyModeChanged Kind = "emergency.mode.changed"
)

// Event is the tagged union carried on the bus. Exactly one payload
// pointer is non-nil, matching Kind.
type Event struct {
	Kind      Kind      `json:"kind"`
	AccountID string    `json:"account_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Sample    *types.MarginSample        `json:"sample,omitempty"`
	Threshold *ThresholdPayload          `json:"threshold,omitempty"`
	Rapid     *RapidChangePayload        `json:"rapid,omitempty"`
	RiskShift *RiskLevelChangePayload    `json:"risk_shift,omitempty"`
	Forecast  *types.LossCutForecast     `json:"forecast,omitempty"`
	Alert     *AlertPayload              `json:"alert,omitempty"`
	Response  *types.EmergencyResponse   `json:"response,omitempty"`
	Mode      *types.EmergencyModeState  `json:"mode,omitempty"`
}

// ThresholdPayload describes a breached margin level band.
type ThresholdPayload struct {
	Band        string  `json:"band"` // warning, danger, critical, loss_cut
	MarginLevel float64 `json:"margin_level"`
	Threshold   float64 `json:"threshold"`
}

// RapidChangePayload describes a sharp move between consecutive samples.
type RapidChangePayload struct {
	PreviousLevel float64 `json:"previous_level"`
	CurrentLevel  float64 `json:"current_level"`
	ChangePercent float64 `json:"change_percent"`
}

// RiskLevelChangePayload describes a canonical risk level transition.
type RiskLevelChangePayload struct {
	From types.RiskLevel `json:"from"`
	To   types.RiskLevel `json:"to"`
}

// AlertPayload mirrors an alert raised by the state manager.
type AlertPayload struct {
	Type     string  `json:"type"`
	Severity string  `json:"severity"`
	Message  string  `json:"message"`
	Value    float64 `json:"value"`
}
