package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hedgesys/sentinel/pkg/types"
)

func distressedContext() AccountContext {
	// Margin level has collapsed from ~250% down to ~30%.
	return AccountContext{
		AccountID:   "acc-1",
		Equity:      120,
		UsedMargin:  400,
		FreeMargin:  0,
		MarginLevel: 30,
		Positions: []types.Position{
			{ID: "p1", Symbol: "USDJPY", Side: types.PositionSideBuy, Lots: 2, Profit: -300, MarginRequired: 250},
			{ID: "p2", Symbol: "EURUSD", Side: types.PositionSideSell, Lots: 1, Profit: 40, MarginRequired: 150},
		},
	}
}

func TestCalculator_CollapsedAccountScenarios(t *testing.T) {
	c := NewCalculator(150)
	ranked := c.Scenarios(distressedContext())

	require.NotEmpty(t, ranked)

	var deposit *types.RecoveryScenario
	for i := range ranked {
		if ranked[i].Scenario.Type == types.ScenarioDeposit {
			deposit = &ranked[i].Scenario
			break
		}
	}
	require.NotNil(t, deposit, "a distressed account must get a deposit scenario")
	assert.True(t, deposit.RequiredAmount.IsPositive())
	assert.Equal(t, types.UrgencyCritical, deposit.Urgency)
}

func TestCalculator_RankingIsDescending(t *testing.T) {
	c := NewCalculator(150)
	ranked := c.Scenarios(distressedContext())

	for i := 1; i < len(ranked); i++ {
		assert.GreaterOrEqual(t, ranked[i-1].Score, ranked[i].Score)
	}
}

func TestCalculator_OptimalPicksTopScore(t *testing.T) {
	c := NewCalculator(150)
	ctx := distressedContext()

	ranked := c.Scenarios(ctx)
	optimal, ok := c.Optimal(ctx)

	require.True(t, ok)
	assert.Equal(t, ranked[0].Scenario.Type, optimal.Scenario.Type)
	assert.Equal(t, ranked[0].Score, optimal.Score)
}

func TestCalculator_HealthyAccountSkipsDeposit(t *testing.T) {
	c := NewCalculator(150)
	ctx := AccountContext{
		AccountID:   "acc-1",
		Equity:      1000,
		UsedMargin:  400,
		MarginLevel: 250,
	}

	for _, r := range c.Scenarios(ctx) {
		assert.NotEqual(t, types.ScenarioDeposit, r.Scenario.Type,
			"no deposit needed above target")
	}
}

func TestCalculator_CrossAccountRequiresDonors(t *testing.T) {
	c := NewCalculator(150)
	ctx := distressedContext()

	for _, r := range c.Scenarios(ctx) {
		assert.NotEqual(t, types.ScenarioCrossAccount, r.Scenario.Type)
	}

	ctx.Donors = []DonorAccount{
		{AccountID: "acc-2", FreeMargin: 800, MarginLevel: 400},
		{AccountID: "acc-3", FreeMargin: 200, MarginLevel: 300},
	}

	var crossCount int
	for _, r := range c.Scenarios(ctx) {
		if r.Scenario.Type == types.ScenarioCrossAccount {
			crossCount++
			assert.True(t, r.Scenario.RequiredAmount.IsPositive())
		}
	}
	assert.GreaterOrEqual(t, crossCount, 1)
}

func TestCalculator_UrgencyTracksMarginLevel(t *testing.T) {
	c := NewCalculator(150)

	tests := []struct {
		level    float64
		expected types.Urgency
	}{
		{80, types.UrgencyCritical},
		{120, types.UrgencyHigh},
		{170, types.UrgencyMedium},
		{300, types.UrgencyLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, c.urgency(tt.level), "level %.0f", tt.level)
	}
}

func TestEstimateExecutionTime(t *testing.T) {
	assert.Equal(t, 2*time.Minute, EstimateExecutionTime(types.ScenarioPositionReduction))
	assert.Equal(t, 2*time.Minute, EstimateExecutionTime(types.ScenarioProfitTaking))
	assert.Equal(t, 30*time.Minute, EstimateExecutionTime(types.ScenarioCrossAccount))
	assert.Equal(t, 60*time.Minute, EstimateExecutionTime(types.ScenarioDeposit))
}

func TestCalculator_PositionScenariosNeedPositions(t *testing.T) {
	c := NewCalculator(150)
	ctx := AccountContext{AccountID: "acc-1", Equity: 120, UsedMargin: 400, MarginLevel: 30}

	for _, r := range c.Scenarios(ctx) {
		assert.NotEqual(t, types.ScenarioPositionReduction, r.Scenario.Type)
		assert.NotEqual(t, types.ScenarioProfitTaking, r.Scenario.Type)
	}
}
