package recovery

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hedgesys/sentinel/internal/forecast"
	"github.com/hedgesys/sentinel/pkg/types"
)

// AccountContext is the account snapshot scenarios are computed from.
type AccountContext struct {
	AccountID   string
	Equity      float64
	UsedMargin  float64
	FreeMargin  float64
	MarginLevel float64
	Positions   []types.Position

	// Donors are sibling accounts available for cross-account
	// transfers; empty when no cross-account context applies.
	Donors []DonorAccount
}

// DonorAccount is a sibling account that could fund a transfer.
type DonorAccount struct {
	AccountID   string
	FreeMargin  float64
	MarginLevel float64
}

// RankedScenario pairs a scenario with its computed score.
type RankedScenario struct {
	Scenario types.RecoveryScenario
	Score    float64
}

// Calculator generates and ranks recovery scenarios.
type Calculator struct {
	targetMarginLevel float64
	logger            *logrus.Entry
}

// NewCalculator creates a calculator aiming for the given target margin
// level (default 150).
func NewCalculator(targetMarginLevel float64) *Calculator {
	if targetMarginLevel <= 0 {
		targetMarginLevel = 150
	}
	return &Calculator{
		targetMarginLevel: targetMarginLevel,
		logger:            logrus.WithField("component", "recovery-calculator"),
	}
}

// Scenarios generates every applicable scenario for the account, ranked
// best first. The list is ephemeral; callers must not retain it as state.
func (c *Calculator) Scenarios(ctx AccountContext) []RankedScenario {
	var out []RankedScenario

	add := func(s types.RecoveryScenario) {
		out = append(out, RankedScenario{Scenario: s, Score: c.score(ctx, s)})
	}

	for _, s := range c.depositScenarios(ctx) {
		add(s)
	}
	for _, s := range c.positionScenarios(ctx) {
		add(s)
	}
	for _, s := range c.crossAccountScenarios(ctx) {
		add(s)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Optimal returns the top-scoring scenario.
func (c *Calculator) Optimal(ctx AccountContext) (RankedScenario, bool) {
	ranked := c.Scenarios(ctx)
	if len(ranked) == 0 {
		return RankedScenario{}, false
	}
	return ranked[0], true
}

// EstimateExecutionTime is the expected wall time to carry a scenario
// out: position actions are fast, transfers and deposits are not.
func EstimateExecutionTime(scenarioType types.ScenarioType) time.Duration {
	switch scenarioType {
	case types.ScenarioPositionReduction, types.ScenarioProfitTaking:
		return 2 * time.Minute
	case types.ScenarioCrossAccount:
		return 30 * time.Minute
	case types.ScenarioDeposit:
		return 60 * time.Minute
	default:
		return 30 * time.Minute
	}
}

func (c *Calculator) depositScenarios(ctx AccountContext) []types.RecoveryScenario {
	required := forecast.RequiredRecovery(ctx.Equity, ctx.UsedMargin, c.targetMarginLevel)
	if required.IsZero() {
		return nil
	}

	urgency := c.urgency(ctx.MarginLevel)
	exact := types.RecoveryScenario{
		Type:           types.ScenarioDeposit,
		Description:    fmt.Sprintf("deposit %s to restore %.0f%% margin level", required, c.targetMarginLevel),
		RequiredAmount: required,
		ImpactPercent:  c.targetMarginLevel - ctx.MarginLevel,
		Urgency:        urgency,
		Feasibility:    0.9,
		Instructions: []string{
			fmt.Sprintf("transfer %s into the trading account", required),
			"confirm the margin level recovered above target",
		},
	}

	buffered := exact
	buffered.RequiredAmount = required.Mul(decimal.NewFromFloat(1.2)).Round(2)
	buffered.Description = fmt.Sprintf("deposit %s (20%% buffer) for headroom above %.0f%%", buffered.RequiredAmount, c.targetMarginLevel)
	buffered.ImpactPercent = exact.ImpactPercent * 1.2
	buffered.Feasibility = 0.85

	return []types.RecoveryScenario{exact, buffered}
}

func (c *Calculator) positionScenarios(ctx AccountContext) []types.RecoveryScenario {
	if len(ctx.Positions) == 0 || ctx.UsedMargin == 0 {
		return nil
	}

	var worst, best *types.Position
	for i := range ctx.Positions {
		p := &ctx.Positions[i]
		if p.Profit < 0 && (worst == nil || p.Profit < worst.Profit) {
			worst = p
		}
		if p.Profit > 0 && (best == nil || p.Profit > best.Profit) {
			best = p
		}
	}

	urgency := c.urgency(ctx.MarginLevel)
	var out []types.RecoveryScenario

	if worst != nil {
		out = append(out,
			types.RecoveryScenario{
				Type:           types.ScenarioPositionReduction,
				Description:    fmt.Sprintf("close %s %s (largest loser, %.2f)", worst.Symbol, worst.ID, worst.Profit),
				RequiredAmount: decimal.Zero,
				ImpactPercent:  c.levelGainFromRelease(ctx, worst.MarginRequired),
				Urgency:        urgency,
				Feasibility:    0.8,
				Instructions: []string{
					fmt.Sprintf("close position %s in full", worst.ID),
					"verify released margin and the new margin level",
				},
			},
			types.RecoveryScenario{
				Type:           types.ScenarioPositionReduction,
				Description:    fmt.Sprintf("halve %s %s to cut exposure while keeping the position", worst.Symbol, worst.ID),
				RequiredAmount: decimal.Zero,
				ImpactPercent:  c.levelGainFromRelease(ctx, worst.MarginRequired*0.5),
				Urgency:        urgency,
				Feasibility:    0.85,
				Instructions: []string{
					fmt.Sprintf("reduce position %s by 50%%", worst.ID),
				},
			},
		)
	}

	if best != nil {
		out = append(out, types.RecoveryScenario{
			Type:           types.ScenarioProfitTaking,
			Description:    fmt.Sprintf("take profit on %s %s (+%.2f)", best.Symbol, best.ID, best.Profit),
			RequiredAmount: decimal.Zero,
			ImpactPercent:  c.levelGainFromRelease(ctx, best.MarginRequired),
			Urgency:        urgency,
			Feasibility:    0.85,
			Instructions: []string{
				fmt.Sprintf("close position %s to realize %.2f", best.ID, best.Profit),
			},
		})
	}

	return out
}

func (c *Calculator) crossAccountScenarios(ctx AccountContext) []types.RecoveryScenario {
	if len(ctx.Donors) == 0 {
		return nil
	}

	required := forecast.RequiredRecovery(ctx.Equity, ctx.UsedMargin, c.targetMarginLevel)
	if required.IsZero() {
		return nil
	}
	requiredF, _ := required.Float64()

	// Best single donor: the account that can spare the most while
	// keeping half of its own free margin.
	donors := append([]DonorAccount(nil), ctx.Donors...)
	sort.Slice(donors, func(i, j int) bool { return donors[i].FreeMargin > donors[j].FreeMargin })

	urgency := c.urgency(ctx.MarginLevel)
	var out []types.RecoveryScenario

	top := donors[0]
	available := top.FreeMargin * 0.5
	if available > 0 {
		amount := minFloat(available, requiredF)
		out = append(out, types.RecoveryScenario{
			Type:           types.ScenarioCrossAccount,
			Description:    fmt.Sprintf("transfer %.2f from %s", amount, top.AccountID),
			RequiredAmount: decimal.NewFromFloat(amount).Round(2),
			ImpactPercent:  c.levelGainFromEquity(ctx, amount),
			Urgency:        urgency,
			Feasibility:    0.7,
			Instructions: []string{
				fmt.Sprintf("transfer %.2f from %s to %s", amount, top.AccountID, ctx.AccountID),
			},
		})
	}

	// Distributed variant across every donor with spare margin.
	var total float64
	var steps []string
	remaining := requiredF
	for _, d := range donors {
		if remaining <= 0 {
			break
		}
		share := minFloat(d.FreeMargin*0.5, remaining)
		if share <= 0 {
			continue
		}
		total += share
		remaining -= share
		steps = append(steps, fmt.Sprintf("transfer %.2f from %s", share, d.AccountID))
	}
	if len(steps) > 1 {
		out = append(out, types.RecoveryScenario{
			Type:           types.ScenarioCrossAccount,
			Description:    fmt.Sprintf("distributed transfer %.2f across %d accounts", total, len(steps)),
			RequiredAmount: decimal.NewFromFloat(total).Round(2),
			ImpactPercent:  c.levelGainFromEquity(ctx, total),
			Urgency:        urgency,
			Feasibility:    0.6,
			Instructions:   steps,
		})
	}

	return out
}

// score implements feasibility x impact/100 x urgencyWeight x typeTimeWeight.
func (c *Calculator) score(ctx AccountContext, s types.RecoveryScenario) float64 {
	urgencyWeight := map[types.Urgency]float64{
		types.UrgencyCritical: 1.0,
		types.UrgencyHigh:     0.8,
		types.UrgencyMedium:   0.6,
		types.UrgencyLow:      0.4,
	}[s.Urgency]

	// When the account itself is already deep in trouble, every urgency
	// weighs heavier.
	if ctx.MarginLevel < types.MarginLevelWarning {
		urgencyWeight = minFloat(urgencyWeight*1.2, 1.0)
	}

	timeWeight := map[types.ScenarioType]float64{
		types.ScenarioPositionReduction: 1.0,
		types.ScenarioProfitTaking:      1.0,
		types.ScenarioCrossAccount:      0.7,
		types.ScenarioDeposit:           0.5,
	}[s.Type]

	impact := s.ImpactPercent
	if impact < 0 {
		impact = 0
	}
	return s.Feasibility * (impact / 100) * urgencyWeight * timeWeight
}

func (c *Calculator) urgency(marginLevel float64) types.Urgency {
	switch {
	case marginLevel < types.MarginLevelDanger:
		return types.UrgencyCritical
	case marginLevel < types.MarginLevelWarning:
		return types.UrgencyHigh
	case marginLevel < types.MarginLevelSafe:
		return types.UrgencyMedium
	default:
		return types.UrgencyLow
	}
}

// levelGainFromRelease is the margin level improvement (in points) from
// releasing some used margin.
func (c *Calculator) levelGainFromRelease(ctx AccountContext, released float64) float64 {
	remaining := ctx.UsedMargin - released
	if remaining <= 0 {
		return 100
	}
	return ctx.Equity/remaining*100 - ctx.MarginLevel
}

// levelGainFromEquity is the margin level improvement from adding equity.
func (c *Calculator) levelGainFromEquity(ctx AccountContext, added float64) float64 {
	if ctx.UsedMargin == 0 {
		return 0
	}
	return (ctx.Equity+added)/ctx.UsedMargin*100 - ctx.MarginLevel
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
