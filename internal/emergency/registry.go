package emergency

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hedgesys/sentinel/pkg/types"
)

// DynamicContext carries the live account figures the generator scores.
// When present, a generated strategy takes precedence over templates.
type DynamicContext struct {
	MarginLevel   float64
	Equity        float64
	UsedMargin    float64
	FreeMargin    float64
	TotalLoss     float64 // absolute sum of unrealized losses
	PositionCount int
}

// Registry holds the static strategy templates and the dynamic generator.
type Registry struct {
	templates map[string]types.EmergencyStrategy
	logger    *logrus.Entry
}

// NewRegistry builds a registry preloaded with the standard templates.
func NewRegistry() *Registry {
	r := &Registry{
		templates: make(map[string]types.EmergencyStrategy),
		logger:    logrus.WithField("component", "strategy-registry"),
	}
	r.loadDefaults()
	return r
}

func templateKey(scenario types.EmergencyScenarioType, level types.RiskLevel) string {
	return fmt.Sprintf("%s_%s", scenario, level)
}

// Register installs or replaces a template for the scenario/level pair.
func (r *Registry) Register(scenario types.EmergencyScenarioType, level types.RiskLevel, s types.EmergencyStrategy) {
	r.templates[templateKey(scenario, level)] = s
}

// Select resolves the strategy to run. Dynamic context wins when given;
// otherwise the static template for scenarioType_riskLevel; otherwise the
// default single-account critical template.
func (r *Registry) Select(scenario types.EmergencyScenarioType, level types.RiskLevel, dyn *DynamicContext) types.EmergencyStrategy {
	if dyn != nil {
		return r.Generate(scenario, dyn)
	}
	if s, ok := r.templates[templateKey(scenario, level)]; ok {
		return s
	}
	r.logger.WithFields(logrus.Fields{
		"scenario": scenario,
		"level":    level,
	}).Warn("no template match, using default critical strategy")
	return r.templates[templateKey(types.ScenarioSingleAccount, types.RiskLevelCritical)]
}

// RiskScore grades the situation 0 to 10 from margin level, loss ratio,
// position count and free margin headroom.
func RiskScore(dyn *DynamicContext) float64 {
	score := 0.0

	switch {
	case dyn.MarginLevel < 50:
		score += 4
	case dyn.MarginLevel < 100:
		score += 3
	case dyn.MarginLevel < 150:
		score += 2
	case dyn.MarginLevel < 200:
		score += 1
	}

	if dyn.Equity > 0 {
		lossRatio := dyn.TotalLoss / dyn.Equity
		switch {
		case lossRatio > 0.5:
			score += 3
		case lossRatio > 0.3:
			score += 2
		case lossRatio > 0.1:
			score += 1
		}
	}

	switch {
	case dyn.PositionCount > 10:
		score += 1.5
	case dyn.PositionCount > 5:
		score += 1
	case dyn.PositionCount > 2:
		score += 0.5
	}

	if dyn.UsedMargin > 0 {
		freeRatio := dyn.FreeMargin / dyn.UsedMargin
		switch {
		case freeRatio < 0.1:
			score += 1.5
		case freeRatio < 0.2:
			score += 1
		case freeRatio < 0.5:
			score += 0.5
		}
	}

	if score > 10 {
		score = 10
	}
	return score
}

// Generate builds a strategy from the live figures. Four tiers, harshest
// first; multi-account scenarios add a balance transfer when free margin
// is nearly exhausted.
func (r *Registry) Generate(scenario types.EmergencyScenarioType, dyn *DynamicContext) types.EmergencyStrategy {
	score := RiskScore(dyn)
	maxLoss := decimal.NewFromFloat(dyn.Equity * 0.3).Round(2)

	var s types.EmergencyStrategy
	switch {
	case score >= 9:
		s = types.EmergencyStrategy{
			Name:         "dynamic_full_close",
			ScenarioType: scenario,
			Actions: []types.EmergencyAction{
				{Type: types.ActionImmediateClose, Priority: 10},
			},
			MaxExecutionTimeMs: 30_000,
			SuccessCriteria: types.SuccessCriteria{
				MarginLevelTarget: 200,
				MaxAcceptableLoss: maxLoss,
				TimeoutMinutes:    1,
			},
		}
	case score >= 7:
		s = types.EmergencyStrategy{
			Name:         "dynamic_aggressive_reduce",
			ScenarioType: scenario,
			Actions: []types.EmergencyAction{
				{Type: types.ActionPartialClose, Priority: 9, Parameters: types.ActionParameters{Percentage: floatPtr(80)}},
				{Type: types.ActionHedgeOpen, Priority: 8, Parameters: types.ActionParameters{HedgeRatio: floatPtr(0.7)}},
			},
			MaxExecutionTimeMs: 60_000,
			SuccessCriteria: types.SuccessCriteria{
				MarginLevelTarget: 150,
				MaxAcceptableLoss: maxLoss,
				TimeoutMinutes:    2,
			},
		}
	case score >= 5:
		s = types.EmergencyStrategy{
			Name:         "dynamic_hedge_and_trim",
			ScenarioType: scenario,
			Actions: []types.EmergencyAction{
				{Type: types.ActionHedgeOpen, Priority: 8, Parameters: types.ActionParameters{HedgeRatio: floatPtr(0.5)}},
				{Type: types.ActionPartialClose, Priority: 7, Parameters: types.ActionParameters{Percentage: floatPtr(40)}},
			},
			MaxExecutionTimeMs: 120_000,
			SuccessCriteria: types.SuccessCriteria{
				MarginLevelTarget: 150,
				MaxAcceptableLoss: maxLoss,
				TimeoutMinutes:    5,
			},
		}
	default:
		s = types.EmergencyStrategy{
			Name:         "dynamic_light_hedge",
			ScenarioType: scenario,
			Actions: []types.EmergencyAction{
				{Type: types.ActionHedgeOpen, Priority: 5, Parameters: types.ActionParameters{HedgeRatio: floatPtr(0.3)}},
			},
			MaxExecutionTimeMs: 300_000,
			SuccessCriteria: types.SuccessCriteria{
				MarginLevelTarget: 130,
				MaxAcceptableLoss: maxLoss,
				TimeoutMinutes:    10,
			},
		}
	}

	if scenario == types.ScenarioMultiAccount && dyn.UsedMargin > 0 && dyn.FreeMargin < 0.2*dyn.UsedMargin {
		transfer := decimal.NewFromFloat(dyn.UsedMargin * 0.2).Round(2)
		s.Actions = append(s.Actions, types.EmergencyAction{
			Type:       types.ActionBalanceTransfer,
			Priority:   4,
			Parameters: types.ActionParameters{Amount: &transfer},
		})
	}

	r.logger.WithFields(logrus.Fields{
		"strategy": s.Name,
		"score":    score,
		"scenario": scenario,
	}).Info("generated dynamic strategy")
	return s
}

func (r *Registry) loadDefaults() {
	fullClose := []types.EmergencyAction{
		{Type: types.ActionImmediateClose, Priority: 10},
	}
	heavyReduce := []types.EmergencyAction{
		{Type: types.ActionPartialClose, Priority: 9, Parameters: types.ActionParameters{Percentage: floatPtr(70)}},
		{Type: types.ActionHedgeOpen, Priority: 8, Parameters: types.ActionParameters{HedgeRatio: floatPtr(0.6)}},
	}
	lightReduce := []types.EmergencyAction{
		{Type: types.ActionPartialClose, Priority: 7, Parameters: types.ActionParameters{Percentage: floatPtr(30)}},
	}

	r.Register(types.ScenarioSingleAccount, types.RiskLevelCritical, types.EmergencyStrategy{
		Name:               "single_account_full_close",
		ScenarioType:       types.ScenarioSingleAccount,
		Actions:            fullClose,
		MaxExecutionTimeMs: 30_000,
		SuccessCriteria:    types.SuccessCriteria{MarginLevelTarget: 200, MaxAcceptableLoss: decimal.NewFromInt(1000), TimeoutMinutes: 1},
	})
	r.Register(types.ScenarioSingleAccount, types.RiskLevelDanger, types.EmergencyStrategy{
		Name:               "single_account_heavy_reduce",
		ScenarioType:       types.ScenarioSingleAccount,
		Actions:            heavyReduce,
		MaxExecutionTimeMs: 60_000,
		SuccessCriteria:    types.SuccessCriteria{MarginLevelTarget: 150, MaxAcceptableLoss: decimal.NewFromInt(2000), TimeoutMinutes: 2},
	})
	r.Register(types.ScenarioMultiAccount, types.RiskLevelCritical, types.EmergencyStrategy{
		Name:         "multi_account_rescue",
		ScenarioType: types.ScenarioMultiAccount,
		Actions: append(append([]types.EmergencyAction(nil), heavyReduce...), types.EmergencyAction{
			Type:       types.ActionBalanceTransfer,
			Priority:   6,
			Parameters: types.ActionParameters{Amount: decimalPtr(decimal.NewFromInt(1000))},
		}),
		MaxExecutionTimeMs: 120_000,
		SuccessCriteria:    types.SuccessCriteria{MarginLevelTarget: 180, MaxAcceptableLoss: decimal.NewFromInt(3000), TimeoutMinutes: 5},
	})
	r.Register(types.ScenarioCorrelatedPositions, types.RiskLevelCritical, types.EmergencyStrategy{
		Name:         "correlated_unwind",
		ScenarioType: types.ScenarioCorrelatedPositions,
		Actions: []types.EmergencyAction{
			{Type: types.ActionHedgeOpen, Priority: 9, Parameters: types.ActionParameters{HedgeRatio: floatPtr(0.8)}},
			{Type: types.ActionPartialClose, Priority: 8, Parameters: types.ActionParameters{Percentage: floatPtr(50)}},
		},
		MaxExecutionTimeMs: 90_000,
		SuccessCriteria:    types.SuccessCriteria{MarginLevelTarget: 160, MaxAcceptableLoss: decimal.NewFromInt(2500), TimeoutMinutes: 3},
	})
	r.Register(types.ScenarioPreventive, types.RiskLevelWarning, types.EmergencyStrategy{
		Name:               "preventive_trim",
		ScenarioType:       types.ScenarioPreventive,
		Actions:            lightReduce,
		MaxExecutionTimeMs: 300_000,
		SuccessCriteria:    types.SuccessCriteria{MarginLevelTarget: 250, MaxAcceptableLoss: decimal.NewFromInt(500), TimeoutMinutes: 10},
	})
	r.Register(types.ScenarioHighFrequency, types.RiskLevelDanger, types.EmergencyStrategy{
		Name:         "high_frequency_flatten",
		ScenarioType: types.ScenarioHighFrequency,
		Actions: []types.EmergencyAction{
			{Type: types.ActionImmediateClose, Priority: 10},
		},
		MaxExecutionTimeMs: 10_000,
		SuccessCriteria:    types.SuccessCriteria{MarginLevelTarget: 150, MaxAcceptableLoss: decimal.NewFromInt(1500), TimeoutMinutes: 1},
	})
}

func floatPtr(v float64) *float64                   { return &v }
func decimalPtr(v decimal.Decimal) *decimal.Decimal { return &v }
