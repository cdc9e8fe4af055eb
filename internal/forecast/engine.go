package forecast

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hedgesys/sentinel/internal/store"
	"github.com/hedgesys/sentinel/pkg/events"
	"github.com/hedgesys/sentinel/pkg/types"
)

// Config tunes the forecaster.
type Config struct {
	// RecomputeInterval is the cadence of the background recompute loop.
	RecomputeInterval time.Duration

	// TargetMarginLevel is the margin level recovery aims for.
	TargetMarginLevel float64

	// CountdownConfidence is the minimum trend confidence required
	// before the forecast asserts a time-to-loss-cut countdown.
	CountdownConfidence float64

	// LossCutLevel is the broker's forced liquidation floor (percent).
	LossCutLevel float64

	// VolatilityWindow bounds the stddev window for trend estimates.
	VolatilityWindow int
}

// DefaultConfig returns the standard forecaster settings.
func DefaultConfig() Config {
	return Config{
		RecomputeInterval:   30 * time.Second,
		TargetMarginLevel:   200,
		CountdownConfidence: 0.7,
		LossCutLevel:        50,
		VolatilityWindow:    10,
	}
}

// Forecaster recomputes per-account loss-cut forecasts from the sample
// store on its own cadence, slower than the polling monitor.
type Forecaster struct {
	mu sync.RWMutex

	store  *store.SampleStore
	bus    *events.Bus
	cfg    Config
	logger *logrus.Entry

	forecasts map[string]*types.LossCutForecast

	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewForecaster creates a forecaster over the given sample store.
func NewForecaster(sampleStore *store.SampleStore, bus *events.Bus, cfg Config) *Forecaster {
	if cfg.RecomputeInterval <= 0 {
		cfg.RecomputeInterval = 30 * time.Second
	}
	if cfg.CountdownConfidence <= 0 {
		cfg.CountdownConfidence = 0.7
	}
	if cfg.TargetMarginLevel <= 0 {
		cfg.TargetMarginLevel = 200
	}
	return &Forecaster{
		store:     sampleStore,
		bus:       bus,
		cfg:       cfg,
		logger:    logrus.WithField("component", "forecaster"),
		forecasts: make(map[string]*types.LossCutForecast),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the periodic recompute loop.
func (f *Forecaster) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.running = true
	go f.loop()
}

// Stop cancels the recompute loop.
func (f *Forecaster) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	close(f.stopCh)
	<-f.done
}

func (f *Forecaster) loop() {
	defer close(f.done)
	ticker := time.NewTicker(f.cfg.RecomputeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.RecomputeAll()
		}
	}
}

// RecomputeAll rebuilds the forecast for every account with samples.
func (f *Forecaster) RecomputeAll() {
	for _, accountID := range f.store.Accounts() {
		f.Recompute(accountID)
	}
}

// Recompute rebuilds and replaces the account's forecast wholesale.
func (f *Forecaster) Recompute(accountID string) *types.LossCutForecast {
	samples := f.store.Samples(accountID)
	if len(samples) == 0 {
		return nil
	}

	fc := f.build(accountID, samples)

	f.mu.Lock()
	f.forecasts[accountID] = fc
	f.mu.Unlock()

	if f.bus != nil {
		f.bus.Publish(events.Event{
			Kind:      events.KindForecastUpdated,
			AccountID: accountID,
			Forecast:  fc,
		})
	}
	return fc
}

// Forecast returns the live forecast for the account, if any.
func (f *Forecaster) Forecast(accountID string) (*types.LossCutForecast, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fc, ok := f.forecasts[accountID]
	return fc, ok
}

// RemoveAccount drops the account's forecast.
func (f *Forecaster) RemoveAccount(accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.forecasts, accountID)
}

// Predict runs one estimator method by name over the account's samples.
func (f *Forecaster) Predict(accountID, method string, minutesAhead float64) types.MethodPrediction {
	samples := f.store.Samples(accountID)
	switch method {
	case MethodMovingAverage:
		return predictMovingAverage(samples, minutesAhead)
	case MethodEMA:
		return predictEMA(samples, minutesAhead)
	case MethodLinear:
		return predictLinear(samples, minutesAhead)
	case MethodPolynomial:
		return predictPolynomial(samples, minutesAhead)
	case MethodDifference:
		return predictDifference(samples, minutesAhead)
	case MethodVolatilityAdj:
		return predictVolatilityAdjusted(samples, minutesAhead)
	default:
		return predictEnsemble(samples, minutesAhead)
	}
}

func (f *Forecaster) build(accountID string, samples []types.MarginSample) *types.LossCutForecast {
	latest := samples[len(samples)-1]
	trend := EstimateTrend(samples, f.cfg.VolatilityWindow)

	in15 := predictVolatilityAdjusted(samples, 15)
	in30 := predictVolatilityAdjusted(samples, 30)
	in60 := predictVolatilityAdjusted(samples, 60)
	if in15.Confidence == 0 {
		in15 = predictEnsemble(samples, 15)
		in30 = predictEnsemble(samples, 30)
		in60 = predictEnsemble(samples, 60)
	}

	fc := &types.LossCutForecast{
		AccountID:          accountID,
		CurrentMarginLevel: latest.MarginLevel,
		ConfidenceLevel:    in30.Confidence,
		TrendDirection:     trend.Direction,
		Forecast: types.ForecastHorizons{
			In15Minutes: in15.Prediction,
			In30Minutes: in30.Prediction,
			In1Hour:     in60.Prediction,
		},
		RequiredRecoveryAmount: RequiredRecovery(latest.Equity, latest.UsedMargin, maxFloat(f.cfg.TargetMarginLevel, types.MarginLevelSafe)),
		LastUpdate:             time.Now(),
	}

	// A countdown is only asserted with statistical support: the trend
	// must be deteriorating and the fit confident enough.
	if trend.Direction == types.TrendDeteriorating && trend.Confidence > f.cfg.CountdownConfidence && trend.Slope < 0 {
		minutes := (f.cfg.LossCutLevel - latest.MarginLevel) / trend.Slope
		if minutes > 0 {
			at := latest.Timestamp.Add(time.Duration(minutes * float64(time.Minute)))
			fc.TimeToLossCutMinutes = &minutes
			fc.PredictedLossCutTime = &at
		}
	}

	fc.RiskLevel = f.forecastRiskLevel(fc)
	return fc
}

// forecastRiskLevel layers forward-looking escalation over the pure
// margin level mapping. The canonical per-account risk level never uses
// these overrides; they exist only for forecast-level warnings.
func (f *Forecaster) forecastRiskLevel(fc *types.LossCutForecast) types.RiskLevel {
	level := types.RiskLevelForMargin(fc.CurrentMarginLevel)

	escalate := func(to types.RiskLevel) {
		if to.Severity() > level.Severity() {
			level = to
		}
	}

	if fc.TimeToLossCutMinutes != nil {
		if *fc.TimeToLossCutMinutes < 10 {
			escalate(types.RiskLevelCritical)
		} else if *fc.TimeToLossCutMinutes < 30 {
			escalate(types.RiskLevelDanger)
		}
	}
	if fc.TrendDirection == types.TrendDeteriorating {
		// A sustained decline is a danger signal regardless of how far
		// the current level still is from the floor.
		escalate(types.RiskLevelDanger)
		if fc.ConfidenceLevel > 0 && fc.Forecast.In15Minutes < f.cfg.LossCutLevel {
			escalate(types.RiskLevelCritical)
		}
	}

	return level
}

// RequiredRecovery is the equity shortfall against a target margin
// level: max(0, usedMargin*target/100 - equity).
func RequiredRecovery(equity, usedMargin, targetMarginLevel float64) decimal.Decimal {
	required := usedMargin*targetMarginLevel/100 - equity
	if required <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(required).Round(2)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
