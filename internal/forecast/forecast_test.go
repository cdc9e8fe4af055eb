package forecast

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hedgesys/sentinel/internal/store"
	"github.com/hedgesys/sentinel/pkg/types"
)

// series builds samples one minute apart starting at start level and
// changing by step each sample.
func series(n int, start, step float64) []types.MarginSample {
	base := time.Now().Add(-time.Duration(n) * time.Minute)
	out := make([]types.MarginSample, n)
	level := start
	for i := 0; i < n; i++ {
		out[i] = types.MarginSample{
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			MarginLevel: level,
			Equity:      level * 4, // usedMargin 400 throughout
			UsedMargin:  400,
		}
		level += step
	}
	return out
}

func storeWith(accountID string, samples []types.MarginSample) *store.SampleStore {
	s := store.NewSampleStore()
	for _, sample := range samples {
		s.Record(accountID, sample)
	}
	return s
}

func TestEstimateTrend_Deteriorating(t *testing.T) {
	trend := EstimateTrend(series(10, 300, -15), 10)

	assert.Equal(t, types.TrendDeteriorating, trend.Direction)
	assert.InDelta(t, -15, trend.Slope, 0.5)
	assert.InDelta(t, 1.0, trend.Confidence, 0.01, "perfect line has full confidence")
	assert.Equal(t, 10, trend.SampleCount)
}

func TestEstimateTrend_StrictDeclineBelowFlatBand(t *testing.T) {
	// Slope magnitude sits under the stable threshold, but every sample
	// steps down, so the direction is still deteriorating.
	trend := EstimateTrend(series(12, 300, -0.04), 10)

	assert.Equal(t, types.TrendDeteriorating, trend.Direction)
	assert.Less(t, trend.Slope, 0.0)

	// A genuinely flat series stays stable.
	flat := EstimateTrend(series(12, 300, 0), 10)
	assert.Equal(t, types.TrendStable, flat.Direction)
}

func TestEstimateTrend_InsufficientData(t *testing.T) {
	trend := EstimateTrend(series(2, 200, -10), 10)

	assert.Equal(t, types.TrendStable, trend.Direction)
	assert.Zero(t, trend.Confidence)
}

func TestClassifyWindow(t *testing.T) {
	assert.Equal(t, types.TrendDeteriorating, ClassifyWindow(series(10, 300, -10)))
	assert.Equal(t, types.TrendImproving, ClassifyWindow(series(10, 100, 10)))
	assert.Equal(t, types.TrendStable, ClassifyWindow(series(10, 200, 0)))
}

func TestMethodsBelowMinimumReturnNeutral(t *testing.T) {
	short := series(2, 200, -5)

	for _, p := range []types.MethodPrediction{
		predictMovingAverage(short, 30),
		predictEMA(series(1, 200, 0), 30),
		predictLinear(short, 30),
		predictPolynomial(short, 30),
		predictDifference(short, 30),
		predictVolatilityAdjusted(short, 30),
	} {
		assert.Zero(t, p.Prediction, "method %s", p.Method)
		assert.Zero(t, p.Confidence, "method %s", p.Method)
		assert.NotEmpty(t, p.Method)
	}
}

func TestPredictLinear_PerfectLine(t *testing.T) {
	samples := series(10, 300, -10) // ends at 210, slope -10/min

	p := predictLinear(samples, 30)
	assert.Equal(t, MethodLinear, p.Method)
	// Line ends at 210 and keeps falling 10/min: 210 - 10*30 = -90.
	assert.InDelta(t, -90, p.Prediction, 1)
	assert.InDelta(t, 1.0, p.Confidence, 0.01)
}

func TestPredictDifference_SteadyDeltas(t *testing.T) {
	samples := series(10, 300, -10)

	p := predictDifference(samples, 15)
	assert.InDelta(t, 210-150, p.Prediction, 1)
	assert.Greater(t, p.Confidence, 0.5, "steady deltas should be trusted")
}

func TestPredictEnsemble_AbstainsWithoutMembers(t *testing.T) {
	p := predictEnsemble(series(2, 200, -5), 30)
	assert.Zero(t, p.Prediction)
	assert.Zero(t, p.Confidence)
	assert.Equal(t, MethodEnsemble, p.Method)
}

func TestPredictEnsemble_TracksDecline(t *testing.T) {
	p := predictEnsemble(series(12, 300, -10), 30)
	require.Greater(t, p.Confidence, 0.0)
	assert.Less(t, p.Prediction, 190.0, "30 minute outlook must be well below current")
}

func TestPredictVolatilityAdjusted_MorePessimistic(t *testing.T) {
	samples := series(15, 280, -8)

	ensemble := predictEnsemble(samples, 30)
	adjusted := predictVolatilityAdjusted(samples, 30)

	require.Greater(t, adjusted.Confidence, 0.0)
	assert.Less(t, adjusted.Prediction, ensemble.Prediction)
	assert.LessOrEqual(t, adjusted.Confidence, ensemble.Confidence)
}

func TestRequiredRecovery(t *testing.T) {
	// usedMargin 400, equity 500 (125%): to reach 150% needs 100 more.
	got := RequiredRecovery(500, 400, 150)
	assert.True(t, got.Equal(decimal.NewFromInt(100)), "got %s", got)

	// Already above target.
	assert.True(t, RequiredRecovery(900, 400, 150).IsZero())
}

func TestForecaster_MonotoneDeclineIsDangerOrWorse(t *testing.T) {
	cases := []struct {
		name  string
		start float64
		step  float64
	}{
		{"steep from high", 300, -15},
		{"steady from safe", 260, -5},
		{"collapse", 250, -20},
		{"shallow drift under flat band", 300, -0.04},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := storeWith("acc-1", series(12, tc.start, tc.step))
			f := NewForecaster(s, nil, DefaultConfig())

			fc := f.Recompute("acc-1")
			require.NotNil(t, fc)
			assert.GreaterOrEqual(t, fc.RiskLevel.Severity(), types.RiskLevelDanger.Severity(),
				"monotone decline must rank danger or critical, got %s", fc.RiskLevel)
		})
	}
}

func TestForecaster_CountdownRequiresConfidentDecline(t *testing.T) {
	// Improving series: no countdown whatever the level.
	s := storeWith("acc-up", series(12, 120, 5))
	f := NewForecaster(s, nil, DefaultConfig())
	fc := f.Recompute("acc-up")
	require.NotNil(t, fc)
	assert.Nil(t, fc.TimeToLossCutMinutes)
	assert.Nil(t, fc.PredictedLossCutTime)

	// Confident decline: countdown present and positive.
	s2 := storeWith("acc-down", series(12, 300, -15))
	f2 := NewForecaster(s2, nil, DefaultConfig())
	fc2 := f2.Recompute("acc-down")
	require.NotNil(t, fc2)
	require.NotNil(t, fc2.TimeToLossCutMinutes)
	assert.Greater(t, *fc2.TimeToLossCutMinutes, 0.0)
	assert.NotNil(t, fc2.PredictedLossCutTime)
}

func TestForecaster_ReplacesForecastWholesale(t *testing.T) {
	s := storeWith("acc-1", series(12, 300, -10))
	f := NewForecaster(s, nil, DefaultConfig())

	first := f.Recompute("acc-1")
	require.NotNil(t, first)

	s.Record("acc-1", types.MarginSample{
		Timestamp:   time.Now(),
		MarginLevel: 150,
		Equity:      600,
		UsedMargin:  400,
	})
	second := f.Recompute("acc-1")
	require.NotNil(t, second)
	assert.NotSame(t, first, second, "recompute must replace the instance")

	live, ok := f.Forecast("acc-1")
	require.True(t, ok)
	assert.Same(t, second, live)
}

func TestForecaster_RequiredRecoveryUsesSafeFloor(t *testing.T) {
	// Current 125% with target configured at 150: the forecast-level
	// figure still aims for the 200 safe floor (400*2 - 500 = 300).
	samples := series(12, 125, 0)
	for i := range samples {
		samples[i].Equity = 500
		samples[i].UsedMargin = 400
	}
	s := storeWith("acc-1", samples)

	cfg := DefaultConfig()
	cfg.TargetMarginLevel = 150
	f := NewForecaster(s, nil, cfg)

	fc := f.Recompute("acc-1")
	require.NotNil(t, fc)
	assert.True(t, fc.RequiredRecoveryAmount.Equal(decimal.NewFromInt(300)),
		"got %s", fc.RequiredRecoveryAmount)
}

func TestForecaster_RemoveAccount(t *testing.T) {
	s := storeWith("acc-1", series(12, 300, -10))
	f := NewForecaster(s, nil, DefaultConfig())
	f.Recompute("acc-1")

	f.RemoveAccount("acc-1")
	_, ok := f.Forecast("acc-1")
	assert.False(t, ok)
}
