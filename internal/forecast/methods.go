package forecast

import (
	"math"

	"github.com/hedgesys/sentinel/pkg/types"
)

// Estimator method names.
const (
	MethodMovingAverage  = "moving_average"
	MethodEMA            = "exponential_moving_average"
	MethodLinear         = "linear_regression"
	MethodPolynomial     = "polynomial_regression"
	MethodDifference     = "difference_extrapolation"
	MethodEnsemble       = "ensemble"
	MethodVolatilityAdj  = "volatility_adjusted"
)

// Minimum sample counts per method. Below the floor a method returns a
// zero-confidence neutral prediction instead of failing.
const (
	minSamplesMA     = 5
	minSamplesEMA    = 3
	minSamplesLinear = 5
	minSamplesPoly   = 6
	minSamplesDiff   = 4
	minSamplesVolAdj = 10

	maWindow = 5
	emaAlpha = 0.3
)

func zeroPrediction(method string) types.MethodPrediction {
	return types.MethodPrediction{Method: method}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// levels extracts the margin level series.
func levels(samples []types.MarginSample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.MarginLevel
	}
	return out
}

// sampleIntervalMinutes estimates the average spacing of the series.
func sampleIntervalMinutes(samples []types.MarginSample) float64 {
	if len(samples) < 2 {
		return 1
	}
	span := samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp).Minutes()
	if span <= 0 {
		return 1
	}
	return span / float64(len(samples)-1)
}

// predictMovingAverage extrapolates the mean of the last window along
// the average step between consecutive window values.
func predictMovingAverage(samples []types.MarginSample, minutesAhead float64) types.MethodPrediction {
	if len(samples) < minSamplesMA {
		return zeroPrediction(MethodMovingAverage)
	}

	ys := levels(samples)
	window := ys[len(ys)-maWindow:]

	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(len(window))

	var stepSum float64
	for i := 1; i < len(window); i++ {
		stepSum += window[i] - window[i-1]
	}
	stepPerSample := stepSum / float64(len(window)-1)
	interval := sampleIntervalMinutes(samples)
	stepsAhead := minutesAhead / interval

	prediction := mean + stepPerSample*stepsAhead

	// Confidence decays with how noisy the window is around its mean.
	var dev float64
	for _, v := range window {
		dev += math.Abs(v - mean)
	}
	dev /= float64(len(window))
	confidence := clamp01(0.7 / (1 + dev/math.Max(math.Abs(mean), 1)*10))

	return types.MethodPrediction{Prediction: prediction, Confidence: confidence, Method: MethodMovingAverage}
}

// predictEMA extrapolates an exponential moving average along the EMA of
// the first differences.
func predictEMA(samples []types.MarginSample, minutesAhead float64) types.MethodPrediction {
	if len(samples) < minSamplesEMA {
		return zeroPrediction(MethodEMA)
	}

	ys := levels(samples)
	ema := ys[0]
	emaDelta := 0.0
	for i := 1; i < len(ys); i++ {
		delta := ys[i] - ys[i-1]
		emaDelta = delta*emaAlpha + emaDelta*(1-emaAlpha)
		ema = ys[i]*emaAlpha + ema*(1-emaAlpha)
	}

	interval := sampleIntervalMinutes(samples)
	stepsAhead := minutesAhead / interval
	prediction := ema + emaDelta*stepsAhead

	// The EMA tracks the latest value closely when the series is calm;
	// use the gap between EMA and spot as the noise proxy.
	gap := math.Abs(ys[len(ys)-1] - ema)
	confidence := clamp01(0.75 / (1 + gap/math.Max(math.Abs(ema), 1)*10))

	return types.MethodPrediction{Prediction: prediction, Confidence: confidence, Method: MethodEMA}
}

// predictLinear extrapolates the OLS fit; confidence is the fit's R².
func predictLinear(samples []types.MarginSample, minutesAhead float64) types.MethodPrediction {
	if len(samples) < minSamplesLinear {
		return zeroPrediction(MethodLinear)
	}

	fit := fitLine(samples)
	lastMinute := samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp).Minutes()
	prediction := fit.intercept + fit.slope*(lastMinute+minutesAhead)

	return types.MethodPrediction{Prediction: prediction, Confidence: clamp01(fit.r2), Method: MethodLinear}
}

// predictPolynomial extrapolates a degree-2 fit. The coefficient solver
// is the simplified difference-based approximation carried over from the
// reference behavior, not a true least-squares fit; downstream
// confidence scoring assumes this approximation.
func predictPolynomial(samples []types.MarginSample, minutesAhead float64) types.MethodPrediction {
	if len(samples) < minSamplesPoly {
		return zeroPrediction(MethodPolynomial)
	}

	ys := levels(samples)
	n := len(ys)

	// Curvature from the mean second difference, slope from the mean
	// first difference of the back half.
	var secondSum float64
	for i := 2; i < n; i++ {
		secondSum += ys[i] - 2*ys[i-1] + ys[i-2]
	}
	a := secondSum / float64(n-2) / 2

	half := n / 2
	var firstSum float64
	for i := half + 1; i < n; i++ {
		firstSum += ys[i] - ys[i-1]
	}
	b := firstSum / float64(n-half-1)
	c := ys[n-1]

	interval := sampleIntervalMinutes(samples)
	x := minutesAhead / interval
	prediction := c + b*x + a*x*x

	// Score the approximation against the observed tail.
	var ssRes, ssTot float64
	var mean float64
	for _, v := range ys {
		mean += v
	}
	mean /= float64(n)
	for i := 0; i < n; i++ {
		back := float64(i - (n - 1))
		fitted := c + b*back + a*back*back
		ssRes += (ys[i] - fitted) * (ys[i] - fitted)
		ssTot += (ys[i] - mean) * (ys[i] - mean)
	}
	r2 := 0.0
	if ssTot > 0 {
		r2 = clamp01(1 - ssRes/ssTot)
	}

	return types.MethodPrediction{Prediction: prediction, Confidence: r2 * 0.9, Method: MethodPolynomial}
}

// predictDifference extrapolates using the mean of recent first
// differences; confidence falls as the deltas become unstable.
func predictDifference(samples []types.MarginSample, minutesAhead float64) types.MethodPrediction {
	if len(samples) < minSamplesDiff {
		return zeroPrediction(MethodDifference)
	}

	ys := levels(samples)
	deltas := make([]float64, 0, len(ys)-1)
	for i := 1; i < len(ys); i++ {
		deltas = append(deltas, ys[i]-ys[i-1])
	}
	if len(deltas) > 5 {
		deltas = deltas[len(deltas)-5:]
	}

	var sum float64
	for _, d := range deltas {
		sum += d
	}
	meanDelta := sum / float64(len(deltas))

	var variance float64
	for _, d := range deltas {
		variance += (d - meanDelta) * (d - meanDelta)
	}
	variance /= float64(len(deltas))
	instability := math.Sqrt(variance) / (math.Abs(meanDelta) + 0.001)

	interval := sampleIntervalMinutes(samples)
	stepsAhead := minutesAhead / interval
	prediction := ys[len(ys)-1] + meanDelta*stepsAhead
	confidence := clamp01(0.8 / (1 + instability))

	return types.MethodPrediction{Prediction: prediction, Confidence: confidence, Method: MethodDifference}
}

// predictEnsemble combines the five base methods by confidence weight.
// Zero-confidence methods are excluded; if every method abstained the
// ensemble abstains too.
func predictEnsemble(samples []types.MarginSample, minutesAhead float64) types.MethodPrediction {
	members := []types.MethodPrediction{
		predictMovingAverage(samples, minutesAhead),
		predictEMA(samples, minutesAhead),
		predictLinear(samples, minutesAhead),
		predictPolynomial(samples, minutesAhead),
		predictDifference(samples, minutesAhead),
	}

	var weighted, totalConf float64
	for _, m := range members {
		if m.Confidence <= 0 {
			continue
		}
		weighted += m.Prediction * m.Confidence
		totalConf += m.Confidence
	}
	if totalConf == 0 {
		return zeroPrediction(MethodEnsemble)
	}

	return types.MethodPrediction{
		Prediction: weighted / totalConf,
		Confidence: clamp01(totalConf / float64(len(members))),
		Method:     MethodEnsemble,
	}
}

// predictVolatilityAdjusted applies a pessimistic offset to the ensemble
// proportional to recent volatility and the horizon length.
func predictVolatilityAdjusted(samples []types.MarginSample, minutesAhead float64) types.MethodPrediction {
	if len(samples) < minSamplesVolAdj {
		return zeroPrediction(MethodVolatilityAdj)
	}

	ensemble := predictEnsemble(samples, minutesAhead)
	if ensemble.Confidence == 0 {
		return zeroPrediction(MethodVolatilityAdj)
	}

	vol := volatility(samples, defaultVolatilityWindow)
	offset := vol * math.Sqrt(minutesAhead/30)
	prediction := ensemble.Prediction - offset
	confidence := ensemble.Confidence * clamp01(1-vol/100)

	return types.MethodPrediction{Prediction: prediction, Confidence: confidence, Method: MethodVolatilityAdj}
}
