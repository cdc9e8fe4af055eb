package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionType identifies a kind of emergency mitigation action.
type ActionType string

const (
	ActionImmediateClose  ActionType = "immediate_close"
	ActionPartialClose    ActionType = "partial_close"
	ActionHedgeOpen       ActionType = "hedge_open"
	ActionBalanceTransfer ActionType = "balance_transfer"
)

// ActionParameters tunes a single emergency action. Only the fields the
// action type needs are set.
type ActionParameters struct {
	Percentage *float64         `json:"percentage,omitempty"`
	MaxLoss    *decimal.Decimal `json:"max_loss,omitempty"`
	HedgeRatio *float64         `json:"hedge_ratio,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
}

// EmergencyAction is one step of an emergency strategy. Higher priority
// executes earlier.
type EmergencyAction struct {
	Type            ActionType       `json:"type"`
	Priority        int              `json:"priority"`
	TargetPositions []string         `json:"target_positions"`
	Parameters      ActionParameters `json:"parameters"`
}

// EmergencyScenarioType identifies the shape of the situation a strategy
// is built for.
type EmergencyScenarioType string

const (
	ScenarioSingleAccount       EmergencyScenarioType = "single_account"
	ScenarioMultiAccount        EmergencyScenarioType = "multi_account"
	ScenarioCorrelatedPositions EmergencyScenarioType = "correlated_positions"
	ScenarioPreventive          EmergencyScenarioType = "preventive"
	ScenarioHighFrequency       EmergencyScenarioType = "high_frequency"
)

// SuccessCriteria defines when an emergency response may stop early.
type SuccessCriteria struct {
	MarginLevelTarget float64         `json:"margin_level_target"`
	MaxAcceptableLoss decimal.Decimal `json:"max_acceptable_loss"`
	TimeoutMinutes    int             `json:"timeout_minutes"`
}

// EmergencyStrategy is an ordered bundle of actions plus its budget.
type EmergencyStrategy struct {
	Name               string                `json:"name"`
	ScenarioType       EmergencyScenarioType `json:"scenario_type"`
	Actions            []EmergencyAction     `json:"actions"`
	MaxExecutionTimeMs int64                 `json:"max_execution_time_ms"`
	SuccessCriteria    SuccessCriteria       `json:"success_criteria"`
}

// ResponseStatus is the lifecycle state of an emergency response.
// Transitions are monotonic: executing -> completed|failed|timeout.
type ResponseStatus string

const (
	ResponseExecuting ResponseStatus = "executing"
	ResponseCompleted ResponseStatus = "completed"
	ResponseFailed    ResponseStatus = "failed"
	ResponseTimeout   ResponseStatus = "timeout"
)

// Terminal reports whether the status can no longer change.
func (s ResponseStatus) Terminal() bool {
	return s != ResponseExecuting
}

// EmergencyActionResult records the outcome of one executed action.
type EmergencyActionResult struct {
	Action          EmergencyAction  `json:"action"`
	Success         bool             `json:"success"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
	Result          string           `json:"result,omitempty"`
	Error           string           `json:"error,omitempty"`
	LossReduction   *decimal.Decimal `json:"loss_reduction,omitempty"`
}

// EmergencyResponse tracks one dispatched strategy from start to its
// terminal status. Mutated only by the execution engine.
type EmergencyResponse struct {
	ID                string                  `json:"id"`
	AccountID         string                  `json:"account_id"`
	Strategy          EmergencyStrategy       `json:"strategy"`
	ExecutedActions   []EmergencyActionResult `json:"executed_actions"`
	Status            ResponseStatus          `json:"status"`
	StartTime         time.Time               `json:"start_time"`
	EndTime           *time.Time              `json:"end_time,omitempty"`
	TotalLossAvoidance *decimal.Decimal       `json:"total_loss_avoidance,omitempty"`
}

// EmergencyLevel grades the system-wide emergency posture.
type EmergencyLevel string

const (
	EmergencyLevelLow      EmergencyLevel = "low"
	EmergencyLevelMedium   EmergencyLevel = "medium"
	EmergencyLevelHigh     EmergencyLevel = "high"
	EmergencyLevelCritical EmergencyLevel = "critical"
)

// Rank orders emergency levels for escalation; higher is worse.
func (l EmergencyLevel) Rank() int {
	switch l {
	case EmergencyLevelLow:
		return 1
	case EmergencyLevelMedium:
		return 2
	case EmergencyLevelHigh:
		return 3
	case EmergencyLevelCritical:
		return 4
	default:
		return 0
	}
}

// TriggerType identifies what activated emergency mode.
type TriggerType string

const (
	TriggerLossCutDetection TriggerType = "loss_cut_detection"
	TriggerMarginCritical   TriggerType = "margin_critical"
	TriggerRapidDrop        TriggerType = "rapid_drop"
	TriggerManual           TriggerType = "manual"
	TriggerSystemFailure    TriggerType = "system_failure"
)

// EmergencyModeState is the process-wide emergency posture. A single
// instance exists; consumers read it through the state machine only.
type EmergencyModeState struct {
	IsActive                     bool           `json:"is_active"`
	Level                        EmergencyLevel `json:"level,omitempty"`
	TriggeredAt                  *time.Time     `json:"triggered_at,omitempty"`
	TriggeredBy                  TriggerType    `json:"triggered_by,omitempty"`
	Reason                       string         `json:"reason,omitempty"`
	AffectedAccounts             []string       `json:"affected_accounts"`
	SuspendedOperations          []string       `json:"suspended_operations"`
	AllowedOperations            []string       `json:"allowed_operations"`
	AutoRecoveryEnabled          bool           `json:"auto_recovery_enabled"`
	ManualInterventionRequired   bool           `json:"manual_intervention_required"`
	EstimatedRecoveryTimeMinutes *int           `json:"estimated_recovery_time_minutes,omitempty"`
}
