package emergency

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hedgesys/sentinel/pkg/events"
	"github.com/hedgesys/sentinel/pkg/types"
)

// ResponseEffects are the measured outcomes of one finished response.
type ResponseEffects struct {
	LossReduction     decimal.Decimal `json:"loss_reduction"`
	MarginImprovement float64         `json:"margin_improvement"`
	RiskLevelBefore   types.RiskLevel `json:"risk_level_before"`
	RiskLevelAfter    types.RiskLevel `json:"risk_level_after"`
	ExecutionTimeMs   int64           `json:"execution_time_ms"`
	SuccessRate       float64         `json:"success_rate"`
	ActionCount       int             `json:"action_count"`
}

// ResponseEvaluation scores a response on what it achieved and how
// cleanly it ran.
type ResponseEvaluation struct {
	Effectiveness float64 `json:"effectiveness"`
	Efficiency    float64 `json:"efficiency"`
	Overall       float64 `json:"overall"`
}

// ResponseAnalysis bundles effects, scores and follow-up advice.
type ResponseAnalysis struct {
	ResponseID      string             `json:"response_id"`
	AccountID       string             `json:"account_id"`
	AnalyzedAt      time.Time          `json:"analyzed_at"`
	Effects         ResponseEffects    `json:"effects"`
	Evaluation      ResponseEvaluation `json:"evaluation"`
	Recommendations []string           `json:"recommendations"`
}

// PerformanceMetrics aggregate all analyzed responses.
type PerformanceMetrics struct {
	TotalResponses     int     `json:"total_responses"`
	SuccessRate        float64 `json:"success_rate"`
	AverageExecutionMs float64 `json:"average_execution_ms"`
	P50ExecutionMs     int64   `json:"p50_execution_ms"`
	P90ExecutionMs     int64   `json:"p90_execution_ms"`
	P99ExecutionMs     int64   `json:"p99_execution_ms"`
	AverageOverall     float64 `json:"average_overall"`
}

// TrendClassification summarizes whether response quality is moving.
type TrendClassification string

const (
	TrendUp   TrendClassification = "improving"
	TrendFlat TrendClassification = "stable"
	TrendDown TrendClassification = "declining"
)

const (
	fastExecutionMs   = 30_000
	goodSuccessRate   = 0.8
	compactActionCount = 3
	trendShiftRatio   = 0.1
)

// Analyzer evaluates finished emergency responses against before and
// after account snapshots and keeps rolling quality statistics.
type Analyzer struct {
	mu       sync.Mutex
	analyses []ResponseAnalysis
	pending  map[string]types.RiskMonitoringState
	logger   *logrus.Entry
}

// NewAnalyzer creates an empty effect analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		pending: make(map[string]types.RiskMonitoringState),
		logger:  logrus.WithField("component", "effect-analyzer"),
	}
}

// StateReader supplies account snapshots for before/after comparison.
type StateReader interface {
	State(accountID string) (types.RiskMonitoringState, bool)
}

// Bind closes the measurement loop: the analyzer captures the account
// state when a response starts and analyzes the finished response
// against the state it left behind.
func (a *Analyzer) Bind(bus *events.Bus, states StateReader) {
	bus.Subscribe(events.KindResponseStarted, func(ev events.Event) {
		st, ok := states.State(ev.AccountID)
		if !ok {
			return
		}
		a.mu.Lock()
		a.pending[ev.AccountID] = st
		a.mu.Unlock()
	})
	bus.Subscribe(events.KindResponseFinished, func(ev events.Event) {
		if ev.Response == nil {
			return
		}
		a.mu.Lock()
		before, ok := a.pending[ev.AccountID]
		delete(a.pending, ev.AccountID)
		a.mu.Unlock()
		if !ok {
			return
		}
		after, ok := states.State(ev.AccountID)
		if !ok {
			after = before
		}
		a.Analyze(ev.Response, before, after)
	})
}

// Analyze scores one finished response and records it for the rolling
// metrics and trend series.
func (a *Analyzer) Analyze(resp *types.EmergencyResponse, before, after types.RiskMonitoringState) ResponseAnalysis {
	effects := computeEffects(resp, before, after)
	eval := evaluate(effects)

	analysis := ResponseAnalysis{
		ResponseID:      resp.ID,
		AccountID:       resp.AccountID,
		AnalyzedAt:      time.Now(),
		Effects:         effects,
		Evaluation:      eval,
		Recommendations: recommendations(effects),
	}

	a.mu.Lock()
	a.analyses = append(a.analyses, analysis)
	if len(a.analyses) > maxResponseHistory {
		a.analyses = a.analyses[1:]
	}
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"response": resp.ID,
		"overall":  fmt.Sprintf("%.2f", eval.Overall),
	}).Info("response analyzed")
	return analysis
}

func computeEffects(resp *types.EmergencyResponse, before, after types.RiskMonitoringState) ResponseEffects {
	effects := ResponseEffects{
		MarginImprovement: after.MarginLevel - before.MarginLevel,
		RiskLevelBefore:   before.RiskLevel,
		RiskLevelAfter:    after.RiskLevel,
		ActionCount:       len(resp.ExecutedActions),
	}

	if resp.TotalLossAvoidance != nil {
		effects.LossReduction = *resp.TotalLossAvoidance
	}
	if resp.EndTime != nil {
		effects.ExecutionTimeMs = resp.EndTime.Sub(resp.StartTime).Milliseconds()
	}
	if len(resp.ExecutedActions) > 0 {
		ok := 0
		for _, r := range resp.ExecutedActions {
			if r.Success {
				ok++
			}
		}
		effects.SuccessRate = float64(ok) / float64(len(resp.ExecutedActions))
	}
	return effects
}

func evaluate(e ResponseEffects) ResponseEvaluation {
	effectiveness := 0.0
	if e.MarginImprovement > 0 {
		effectiveness += 0.4
	}
	if e.LossReduction.IsPositive() {
		effectiveness += 0.4
	}
	if e.RiskLevelAfter.Severity() < e.RiskLevelBefore.Severity() {
		effectiveness += 0.2
	}
	if effectiveness > 1 {
		effectiveness = 1
	}

	efficiency := 0.0
	if e.ExecutionTimeMs < fastExecutionMs {
		efficiency += 0.4
	}
	if e.SuccessRate > goodSuccessRate {
		efficiency += 0.4
	}
	if e.ActionCount <= compactActionCount {
		efficiency += 0.2
	}

	return ResponseEvaluation{
		Effectiveness: effectiveness,
		Efficiency:    efficiency,
		Overall:       0.6*effectiveness + 0.4*efficiency,
	}
}

func recommendations(e ResponseEffects) []string {
	var out []string
	if e.ExecutionTimeMs >= fastExecutionMs {
		out = append(out, "execution exceeded 30s, review action latencies and broker connectivity")
	}
	if e.SuccessRate <= goodSuccessRate {
		out = append(out, "action success rate is low, verify dispatch targets and broker rejections")
	}
	if e.MarginImprovement <= 5 {
		out = append(out, "margin improvement was marginal, consider a harsher strategy tier")
	}
	if e.ActionCount > compactActionCount {
		out = append(out, "strategy used many actions, consolidate into fewer larger steps")
	}
	return out
}

// Metrics aggregates every recorded analysis.
func (a *Analyzer) Metrics() PerformanceMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := PerformanceMetrics{TotalResponses: len(a.analyses)}
	if len(a.analyses) == 0 {
		return m
	}

	times := make([]int64, 0, len(a.analyses))
	var sumMs float64
	var sumOverall float64
	succeeded := 0
	for _, an := range a.analyses {
		times = append(times, an.Effects.ExecutionTimeMs)
		sumMs += float64(an.Effects.ExecutionTimeMs)
		sumOverall += an.Evaluation.Overall
		if an.Effects.SuccessRate > goodSuccessRate {
			succeeded++
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	m.SuccessRate = float64(succeeded) / float64(len(a.analyses))
	m.AverageExecutionMs = sumMs / float64(len(a.analyses))
	m.AverageOverall = sumOverall / float64(len(a.analyses))
	m.P50ExecutionMs = percentile(times, 0.50)
	m.P90ExecutionMs = percentile(times, 0.90)
	m.P99ExecutionMs = percentile(times, 0.99)
	return m
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// DayBucket is the average overall score of one calendar day.
type DayBucket struct {
	Day     time.Time `json:"day"`
	Average float64   `json:"average"`
	Count   int       `json:"count"`
}

// TrendSeries buckets analyses by day, oldest first.
func (a *Analyzer) TrendSeries() []DayBucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	sums := make(map[time.Time]*DayBucket)
	order := make([]time.Time, 0)
	for _, an := range a.analyses {
		day := an.AnalyzedAt.Truncate(24 * time.Hour)
		b, ok := sums[day]
		if !ok {
			b = &DayBucket{Day: day}
			sums[day] = b
			order = append(order, day)
		}
		b.Average += an.Evaluation.Overall
		b.Count++
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Before(order[j]) })

	out := make([]DayBucket, 0, len(order))
	for _, day := range order {
		b := sums[day]
		b.Average /= float64(b.Count)
		out = append(out, *b)
	}
	return out
}

// Trend compares the first and second half of the day series; a move
// above 10% in either direction counts as a trend.
func (a *Analyzer) Trend() TrendClassification {
	series := a.TrendSeries()
	if len(series) < 2 {
		return TrendFlat
	}

	mid := len(series) / 2
	first := averageBuckets(series[:mid])
	second := averageBuckets(series[mid:])
	if first == 0 {
		return TrendFlat
	}

	change := (second - first) / first
	switch {
	case change > trendShiftRatio:
		return TrendUp
	case change < -trendShiftRatio:
		return TrendDown
	default:
		return TrendFlat
	}
}

func averageBuckets(buckets []DayBucket) float64 {
	if len(buckets) == 0 {
		return 0
	}
	sum := 0.0
	for _, b := range buckets {
		sum += b.Average
	}
	return sum / float64(len(buckets))
}
