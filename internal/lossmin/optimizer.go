package lossmin

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hedgesys/sentinel/pkg/types"
)

// Preferences are the configurable loss minimization knobs.
type Preferences struct {
	MaxLossPercentage          float64
	PreferPartialClose         bool
	EnableHedging              bool
	HedgeRatio                 float64
	PrioritizeMarginEfficiency bool
}

// DefaultPreferences mirrors the standard configuration.
func DefaultPreferences() Preferences {
	return Preferences{
		MaxLossPercentage:  30,
		PreferPartialClose: true,
		EnableHedging:      true,
		HedgeRatio:         0.5,
	}
}

// Policy names reported on a plan.
const (
	PolicyCloseWorst    = "close_worst_losers"
	PolicyPartialClose  = "partial_close"
	PolicyProfitHarvest = "profit_harvest"
)

// Reduction is a planned partial close of one position.
type Reduction struct {
	Position       types.Position `json:"position"`
	ReducePercent  float64        `json:"reduce_percent"`
	ReleasedMargin float64        `json:"released_margin"`
}

// Hedge is a planned offsetting position for a net exposure.
type Hedge struct {
	Symbol string             `json:"symbol"`
	Side   types.PositionSide `json:"side"`
	Lots   float64            `json:"lots"`
}

// Plan is the computed close/reduce/hedge schedule and its expected
// effect. A fresh plan is produced per invocation; plans are never
// stored or mutated afterwards.
type Plan struct {
	Policy                    string          `json:"policy"`
	RequiredMarginReduction   float64         `json:"required_margin_reduction"`
	PositionsToClose          []types.Position `json:"positions_to_close"`
	PositionsToReduce         []Reduction     `json:"positions_to_reduce"`
	HedgesToOpen              []Hedge         `json:"hedges_to_open"`
	ExpectedLossReduction     decimal.Decimal `json:"expected_loss_reduction"`
	ExpectedMarginImprovement decimal.Decimal `json:"expected_margin_improvement"`
	Confidence                float64         `json:"confidence"`
}

// Expected recovery fractions for planned actions. Closed losers avoid
// most of their unrealized loss; partial reductions recover less of the
// reduced fraction; a hedge freezes some drift per exposure.
const (
	closedLossRecovery  = 0.9
	reducedLossRecovery = 0.8
	hedgeLossOffset     = 50.0

	worstShareThreshold = 0.3  // required/used ratio forcing outright closes
	worstCloseFraction  = 0.4  // share of losers closed under that policy
	maxReducePercent    = 75.0
	minReducePercent    = 10.0
	winnerProfitFloor   = 0.05 // profit as a fraction of margin to count as harvestable
	minHedgeLots        = 0.1
)

// Optimizer computes loss minimization plans over a live position set.
type Optimizer struct {
	prefs  Preferences
	logger *logrus.Entry
}

// NewOptimizer creates an optimizer with the given preferences.
func NewOptimizer(prefs Preferences) *Optimizer {
	if prefs.HedgeRatio <= 0 {
		prefs.HedgeRatio = 0.5
	}
	return &Optimizer{
		prefs:  prefs,
		logger: logrus.WithField("component", "loss-minimizer"),
	}
}

// RequiredMarginReduction is how much used margin must go away for the
// account to sit at the target level: usedMargin - equity/(target/100).
func RequiredMarginReduction(equity, usedMargin, targetLevel float64) float64 {
	if targetLevel <= 0 {
		return 0
	}
	required := usedMargin - equity/(targetLevel/100)
	if required < 0 {
		return 0
	}
	return required
}

// Optimize builds a plan for the position set against the target margin
// level (default 150 when zero).
func (o *Optimizer) Optimize(positions []types.Position, equity, usedMargin, targetLevel float64) *Plan {
	if targetLevel <= 0 {
		targetLevel = 150
	}

	required := RequiredMarginReduction(equity, usedMargin, targetLevel)
	plan := &Plan{RequiredMarginReduction: required}

	switch {
	case usedMargin > 0 && required > worstShareThreshold*usedMargin:
		o.closeWorstLosers(plan, positions)
	case o.prefs.PreferPartialClose:
		o.partialClose(plan, positions, required)
	default:
		o.profitHarvest(plan, positions, required)
	}

	o.computeExpectations(plan)
	plan.Confidence = o.confidence(plan, positions, required, usedMargin)
	return plan
}

// closeWorstLosers closes the worst-performing 40% of losing positions
// outright. A position set without losers closes nothing.
func (o *Optimizer) closeWorstLosers(plan *Plan, positions []types.Position) {
	plan.Policy = PolicyCloseWorst

	losers := make([]types.Position, 0, len(positions))
	for _, p := range positions {
		if p.Profit < 0 {
			losers = append(losers, p)
		}
	}
	if len(losers) == 0 {
		return
	}

	sort.Slice(losers, func(i, j int) bool { return losers[i].Profit < losers[j].Profit })
	count := int(math.Ceil(float64(len(losers)) * worstCloseFraction))
	plan.PositionsToClose = losers[:count]
}

// partialClose shrinks the least margin-efficient positions until the
// required reduction is met, at most 75% each and skipping reductions
// too small to matter.
func (o *Optimizer) partialClose(plan *Plan, positions []types.Position, required float64) {
	plan.Policy = PolicyPartialClose

	candidates := append([]types.Position(nil), positions...)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ProfitPerMargin() < candidates[j].ProfitPerMargin()
	})

	remaining := required
	for _, p := range candidates {
		if remaining <= 0 {
			break
		}
		if p.MarginRequired <= 0 {
			continue
		}

		reducePercent := remaining / p.MarginRequired * 100
		if reducePercent > maxReducePercent {
			reducePercent = maxReducePercent
		}
		if reducePercent < minReducePercent {
			continue // too small to be worth a broker round trip
		}

		released := p.MarginRequired * reducePercent / 100
		plan.PositionsToReduce = append(plan.PositionsToReduce, Reduction{
			Position:       p,
			ReducePercent:  reducePercent,
			ReleasedMargin: released,
		})
		remaining -= released
	}

	if o.prefs.EnableHedging {
		plan.HedgesToOpen = o.hedges(positions)
	}
}

// profitHarvest closes high-relative-profit winners and largest losers
// until the required reduction is met.
func (o *Optimizer) profitHarvest(plan *Plan, positions []types.Position, required float64) {
	plan.Policy = PolicyProfitHarvest

	winners := make([]types.Position, 0)
	losers := make([]types.Position, 0)
	for _, p := range positions {
		if p.MarginRequired > 0 && p.Profit > winnerProfitFloor*p.MarginRequired {
			winners = append(winners, p)
		} else if p.Profit < 0 {
			losers = append(losers, p)
		}
	}

	sort.Slice(winners, func(i, j int) bool {
		return winners[i].ProfitPerMargin() > winners[j].ProfitPerMargin()
	})
	sort.Slice(losers, func(i, j int) bool { return losers[i].Profit < losers[j].Profit })

	remaining := required
	for _, pool := range [][]types.Position{winners, losers} {
		for _, p := range pool {
			if remaining <= 0 {
				return
			}
			plan.PositionsToClose = append(plan.PositionsToClose, p)
			remaining -= p.MarginRequired
		}
	}
}

// hedges nets exposure per symbol and sizes one offsetting position per
// non-trivial net, at the configured hedge ratio.
func (o *Optimizer) hedges(positions []types.Position) []Hedge {
	var out []Hedge
	for _, net := range types.NetExposures(positions) {
		lots := math.Abs(net.NetLots) * o.prefs.HedgeRatio
		if lots < minHedgeLots {
			continue
		}
		side := types.PositionSideSell
		if net.NetLots < 0 {
			side = types.PositionSideBuy
		}
		out = append(out, Hedge{Symbol: net.Symbol, Side: side, Lots: lots})
	}
	return out
}

func (o *Optimizer) computeExpectations(plan *Plan) {
	loss := 0.0
	margin := 0.0

	for _, p := range plan.PositionsToClose {
		margin += p.MarginRequired
		if p.Profit < 0 {
			loss += -p.Profit * closedLossRecovery
		}
	}
	for _, r := range plan.PositionsToReduce {
		margin += r.ReleasedMargin
		if r.Position.Profit < 0 {
			loss += -r.Position.Profit * (r.ReducePercent / 100) * reducedLossRecovery
		}
	}
	loss += float64(len(plan.HedgesToOpen)) * hedgeLossOffset

	plan.ExpectedLossReduction = decimal.NewFromFloat(loss).Round(2)
	plan.ExpectedMarginImprovement = decimal.NewFromFloat(margin).Round(2)
}

// confidence starts at 0.7 and shifts with position count, the mix of
// winners and losers, and how much of the book must be unwound.
func (o *Optimizer) confidence(plan *Plan, positions []types.Position, required, usedMargin float64) float64 {
	conf := 0.7

	switch {
	case len(positions) >= 5:
		conf += 0.05
	case len(positions) < 3:
		conf -= 0.1
	}

	var hasWinner, hasLoser bool
	for _, p := range positions {
		if p.Profit > 0 {
			hasWinner = true
		}
		if p.Profit < 0 {
			hasLoser = true
		}
	}
	if hasWinner && hasLoser {
		conf += 0.05
	}

	if usedMargin > 0 {
		ratio := required / usedMargin
		if ratio > 0.6 {
			conf *= 0.6 // unwinding most of the book is rarely clean
		} else {
			conf -= ratio * 0.1
		}
	}

	if conf < 0.1 {
		conf = 0.1
	}
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}
