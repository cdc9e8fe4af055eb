package types

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRiskLevelForMargin(t *testing.T) {
	tests := []struct {
		marginLevel float64
		expected    RiskLevel
	}{
		{500, RiskLevelSafe},
		{200, RiskLevelSafe},
		{199.99, RiskLevelWarning},
		{150, RiskLevelWarning},
		{149.9, RiskLevelDanger},
		{100, RiskLevelDanger},
		{99.9, RiskLevelCritical},
		{0, RiskLevelCritical},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, RiskLevelForMargin(tt.marginLevel),
			"margin level %.2f", tt.marginLevel)
	}
}

func TestMarginLevel_ZeroUsedMargin(t *testing.T) {
	level := MarginLevel(1000, 0)
	assert.True(t, math.IsInf(level, 1), "flat account must report +Inf, got %f", level)
}

func TestMarginLevel(t *testing.T) {
	// equity 500 against 400 used margin = 125%
	assert.InDelta(t, 125.0, MarginLevel(500, 400), 1e-9)
}

func TestAccountMarginInfo_Validate(t *testing.T) {
	valid := AccountMarginInfo{AccountID: "acc-1", Equity: 1000, MarginLevel: 250}
	assert.NoError(t, valid.Validate())

	missing := AccountMarginInfo{Equity: 1000, MarginLevel: 250}
	assert.Error(t, missing.Validate())

	negEquity := AccountMarginInfo{AccountID: "acc-1", Equity: -5, MarginLevel: 250}
	assert.Error(t, negEquity.Validate())

	negLevel := AccountMarginInfo{AccountID: "acc-1", Equity: 1000, MarginLevel: -1}
	assert.Error(t, negLevel.Validate())
}

func TestAccountMarginInfo_Sample(t *testing.T) {
	now := time.Now()
	info := AccountMarginInfo{
		AccountID:   "acc-1",
		Balance:     1000,
		Equity:      900,
		FreeMargin:  500,
		UsedMargin:  400,
		MarginLevel: 225,
		LastUpdate:  now,
	}

	sample := info.Sample()
	assert.Equal(t, now, sample.Timestamp)
	assert.Equal(t, 225.0, sample.MarginLevel)
	assert.Equal(t, -100.0, sample.UnrealizedPL)
}

func TestRiskLevel_Severity(t *testing.T) {
	assert.Greater(t, RiskLevelCritical.Severity(), RiskLevelDanger.Severity())
	assert.Greater(t, RiskLevelDanger.Severity(), RiskLevelWarning.Severity())
	assert.Greater(t, RiskLevelWarning.Severity(), RiskLevelSafe.Severity())
}

func TestResponseStatus_Terminal(t *testing.T) {
	assert.False(t, ResponseExecuting.Terminal())
	assert.True(t, ResponseCompleted.Terminal())
	assert.True(t, ResponseFailed.Terminal())
	assert.True(t, ResponseTimeout.Terminal())
}

func TestNetExposures(t *testing.T) {
	positions := []Position{
		{ID: "1", Symbol: "USDJPY", Side: PositionSideBuy, Lots: 2.0},
		{ID: "2", Symbol: "USDJPY", Side: PositionSideSell, Lots: 0.5},
		{ID: "3", Symbol: "EURUSD", Side: PositionSideSell, Lots: 1.0},
	}

	net := NetExposures(positions)
	assert.Len(t, net, 2)
	assert.Equal(t, "USDJPY", net[0].Symbol)
	assert.InDelta(t, 1.5, net[0].NetLots, 1e-9)
	assert.InDelta(t, -1.0, net[1].NetLots, 1e-9)
}

func TestEmergencyLevel_Rank(t *testing.T) {
	assert.Greater(t, EmergencyLevelCritical.Rank(), EmergencyLevelHigh.Rank())
	assert.Greater(t, EmergencyLevelHigh.Rank(), EmergencyLevelMedium.Rank())
	assert.Greater(t, EmergencyLevelMedium.Rank(), EmergencyLevelLow.Rank())
	assert.Equal(t, 0, EmergencyLevel("").Rank())
}
