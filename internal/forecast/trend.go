package forecast

import (
	"math"
	"time"

	"github.com/hedgesys/sentinel/pkg/types"
)

const (
	// minTrendSamples is the floor below which trend statistics are
	// reported as neutral rather than computed.
	minTrendSamples = 3

	// defaultVolatilityWindow bounds the stddev window.
	defaultVolatilityWindow = 10

	// stableSlopeThreshold is the per-minute slope magnitude under which
	// the series is treated as flat.
	stableSlopeThreshold = 0.05
)

// linearFit holds an ordinary least-squares fit of level against time.
type linearFit struct {
	slope     float64 // level change per minute
	intercept float64
	r2        float64
}

// fitLine regresses margin level on minutes-since-first-sample.
func fitLine(samples []types.MarginSample) linearFit {
	n := len(samples)
	if n < 2 {
		return linearFit{}
	}

	origin := samples[0].Timestamp
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, s := range samples {
		xs[i] = s.Timestamp.Sub(origin).Minutes()
		ys[i] = s.MarginLevel
	}

	var sumX, sumY, sumXY, sumXX float64
	for i := 0; i < n; i++ {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}

	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return linearFit{intercept: sumY / fn}
	}

	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn

	// Coefficient of determination against the fitted line.
	meanY := sumY / fn
	var ssTot, ssRes float64
	for i := 0; i < n; i++ {
		fitted := intercept + slope*xs[i]
		ssRes += (ys[i] - fitted) * (ys[i] - fitted)
		ssTot += (ys[i] - meanY) * (ys[i] - meanY)
	}
	r2 := 0.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
		if r2 < 0 {
			r2 = 0
		}
	} else if ssRes == 0 {
		// Perfectly flat series fits itself exactly.
		r2 = 1
	}

	return linearFit{slope: slope, intercept: intercept, r2: r2}
}

// volatility is the standard deviation of the most recent window levels.
func volatility(samples []types.MarginSample, window int) float64 {
	if window <= 0 {
		window = defaultVolatilityWindow
	}
	if len(samples) < 2 {
		return 0
	}
	if len(samples) > window {
		samples = samples[len(samples)-window:]
	}

	var sum float64
	for _, s := range samples {
		sum += s.MarginLevel
	}
	mean := sum / float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := s.MarginLevel - mean
		variance += d * d
	}
	variance /= float64(len(samples))

	return math.Sqrt(variance)
}

// EstimateTrend computes trend statistics over the sample series.
// Below the minimum sample count it returns a neutral stable estimate
// with zero confidence.
func EstimateTrend(samples []types.MarginSample, volatilityWindow int) types.TrendEstimate {
	est := types.TrendEstimate{
		Direction:   types.TrendStable,
		SampleCount: len(samples),
		ComputedAt:  time.Now(),
	}
	if len(samples) < minTrendSamples {
		return est
	}

	fit := fitLine(samples)
	est.Slope = fit.slope
	est.Volatility = volatility(samples, volatilityWindow)
	est.Confidence = fit.r2

	switch {
	case fit.slope < -stableSlopeThreshold:
		est.Direction = types.TrendDeteriorating
	case fit.slope > stableSlopeThreshold:
		est.Direction = types.TrendImproving
	default:
		est.Direction = monotoneDirection(samples)
	}

	return est
}

// monotoneDirection resolves the flat band: a window that never ticks
// against its own direction is a real trend however shallow the slope,
// so a strict decline classifies deteriorating even under the
// stable threshold.
func monotoneDirection(samples []types.MarginSample) types.TrendDirection {
	decreasing, increasing := true, true
	for i := 1; i < len(samples); i++ {
		if samples[i].MarginLevel >= samples[i-1].MarginLevel {
			decreasing = false
		}
		if samples[i].MarginLevel <= samples[i-1].MarginLevel {
			increasing = false
		}
	}
	switch {
	case decreasing:
		return types.TrendDeteriorating
	case increasing:
		return types.TrendImproving
	default:
		return types.TrendStable
	}
}

// ClassifyWindow is the lightweight direction call used by the monitor
// over its short trend window: compares the window's first and second
// half averages instead of fitting a regression.
func ClassifyWindow(samples []types.MarginSample) types.TrendDirection {
	if len(samples) < minTrendSamples {
		return types.TrendStable
	}

	half := len(samples) / 2
	var first, second float64
	for _, s := range samples[:half] {
		first += s.MarginLevel
	}
	first /= float64(half)
	for _, s := range samples[half:] {
		second += s.MarginLevel
	}
	second /= float64(len(samples) - half)

	if first == 0 {
		return types.TrendStable
	}
	change := (second - first) / first
	switch {
	case change < -0.02:
		return types.TrendDeteriorating
	case change > 0.02:
		return types.TrendImproving
	default:
		return types.TrendStable
	}
}
