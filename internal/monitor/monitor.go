package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hedgesys/sentinel/internal/forecast"
	"github.com/hedgesys/sentinel/internal/metrics"
	"github.com/hedgesys/sentinel/internal/state"
	"github.com/hedgesys/sentinel/internal/store"
	"github.com/hedgesys/sentinel/pkg/events"
	"github.com/hedgesys/sentinel/pkg/types"
)

// MarginFeed is the telemetry source boundary. The real implementation
// lives outside the core; tests and the sim runner provide their own.
type MarginFeed interface {
	FetchMarginInfo(ctx context.Context, accountID string) (types.AccountMarginInfo, error)
}

// Thresholds are the configured margin level bands checked on every poll.
type Thresholds struct {
	Warning  float64
	Danger   float64
	Critical float64
	LossCut  float64
}

// DefaultThresholds mirrors the standard band mapping plus a 50% broker
// loss-cut floor.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  types.MarginLevelSafe,
		Danger:   types.MarginLevelWarning,
		Critical: types.MarginLevelDanger,
		LossCut:  50,
	}
}

// rapidChangePercent is the swing between consecutive samples that
// triggers a rapid change event.
const rapidChangePercent = 5.0

// accountWorker is the per-account polling loop handle.
type accountWorker struct {
	stopCh chan struct{}
	done   chan struct{}
}

// Monitor polls each registered account on its own timer, records
// samples, and runs threshold and rapid change detection.
type Monitor struct {
	mu sync.Mutex

	feed       MarginFeed
	store      *store.SampleStore
	stateMgr   *state.Manager
	bus        *events.Bus
	thresholds Thresholds
	interval   time.Duration

	workers map[string]*accountWorker
	logger  *logrus.Entry

	// onCritical is invoked when a poll detects the loss-cut band; the
	// emergency engine hooks in here.
	onCritical func(accountID string, sample types.MarginSample)
}

// Config tunes the monitor.
type Config struct {
	Interval   time.Duration
	Thresholds Thresholds
}

// NewMonitor creates a monitor polling at the configured interval
// (default 1 second).
func NewMonitor(feed MarginFeed, sampleStore *store.SampleStore, stateMgr *state.Manager, bus *events.Bus, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Monitor{
		feed:       feed,
		store:      sampleStore,
		stateMgr:   stateMgr,
		bus:        bus,
		thresholds: cfg.Thresholds,
		interval:   cfg.Interval,
		workers:    make(map[string]*accountWorker),
		logger:     logrus.WithField("component", "margin-monitor"),
	}
}

// SetCriticalHandler registers the callback fired on loss-cut detection.
func (m *Monitor) SetCriticalHandler(fn func(accountID string, sample types.MarginSample)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCritical = fn
}

// StartAccount begins polling the account. Starting an already running
// account is an error.
func (m *Monitor) StartAccount(accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workers[accountID]; exists {
		return fmt.Errorf("account %s already monitored", accountID)
	}

	w := &accountWorker{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.workers[accountID] = w
	go m.pollLoop(accountID, w)

	m.logger.WithField("account", accountID).Info("monitoring started")
	return nil
}

// StopAccount cancels the account's timer. The poll loop is fully
// drained before return, so no callback fires after StopAccount.
func (m *Monitor) StopAccount(accountID string) {
	m.mu.Lock()
	w, exists := m.workers[accountID]
	if exists {
		delete(m.workers, accountID)
	}
	m.mu.Unlock()

	if !exists {
		return
	}
	close(w.stopCh)
	<-w.done
	m.logger.WithField("account", accountID).Info("monitoring stopped")
}

// RemoveAccount stops polling and tears down the account's buffers and
// state so the per-account maps cannot grow without bound.
func (m *Monitor) RemoveAccount(accountID string) {
	m.StopAccount(accountID)
	m.store.RemoveAccount(accountID)
	m.stateMgr.RemoveAccount(accountID)
}

// Stop cancels every account timer.
func (m *Monitor) Stop() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.StopAccount(id)
	}
}

// MonitoredAccounts lists accounts with a live polling loop.
func (m *Monitor) MonitoredAccounts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.workers))
	for id := range m.workers {
		out = append(out, id)
	}
	return out
}

func (m *Monitor) pollLoop(accountID string, w *accountWorker) {
	defer close(w.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			m.Poll(accountID)
		}
	}
}

// Poll runs one monitoring cycle for the account: fetch, validate,
// record, detect. Exported so tests and the sim runner can drive cycles
// without timers.
func (m *Monitor) Poll(accountID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	info, err := m.feed.FetchMarginInfo(ctx, accountID)
	if err != nil {
		m.logger.WithField("account", accountID).Warnf("margin fetch failed: %v", err)
		return
	}

	if err := m.stateMgr.Update(info); err != nil {
		// Validation failure: logged and counted, no state change.
		metrics.SamplesRejected.WithLabelValues(accountID).Inc()
		return
	}

	sample := info.Sample()
	prev, hasPrev := m.store.Latest(accountID)
	m.store.Record(accountID, sample)
	metrics.SamplesRecorded.WithLabelValues(accountID).Inc()
	metrics.MarginLevel.WithLabelValues(accountID).Set(sample.MarginLevel)

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Kind:      events.KindSampleRecorded,
			AccountID: accountID,
			Sample:    &sample,
		})
	}

	m.checkThresholds(accountID, sample)
	if hasPrev {
		m.checkRapidChange(accountID, prev, sample)
	}
}

// checkThresholds emits one event per breached band and raises the
// matching alert through the state manager.
func (m *Monitor) checkThresholds(accountID string, sample types.MarginSample) {
	bands := []struct {
		name      string
		threshold float64
		severity  string
	}{
		{"warning", m.thresholds.Warning, "warning"},
		{"danger", m.thresholds.Danger, "warning"},
		{"critical", m.thresholds.Critical, "critical"},
		{"loss_cut", m.thresholds.LossCut, "critical"},
	}

	for _, band := range bands {
		if sample.MarginLevel >= band.threshold {
			continue
		}

		metrics.ThresholdBreaches.WithLabelValues(accountID, band.name).Inc()
		if m.bus != nil {
			m.bus.Publish(events.Event{
				Kind:      events.KindThresholdBreached,
				AccountID: accountID,
				Threshold: &events.ThresholdPayload{
					Band:        band.name,
					MarginLevel: sample.MarginLevel,
					Threshold:   band.threshold,
				},
			})
		}
		m.stateMgr.RaiseAlert(&state.Alert{
			Type:      "THRESHOLD_" + band.name,
			Severity:  band.severity,
			AccountID: accountID,
			Message:   fmt.Sprintf("margin level %.2f%% below %s threshold %.2f%%", sample.MarginLevel, band.name, band.threshold),
			Value:     sample.MarginLevel,
			Threshold: band.threshold,
		})

		if band.name == "loss_cut" {
			m.mu.Lock()
			handler := m.onCritical
			m.mu.Unlock()
			if handler != nil {
				handler(accountID, sample)
			}
		}
	}
}

// checkRapidChange compares consecutive samples and flags swings beyond
// the rapid change threshold.
func (m *Monitor) checkRapidChange(accountID string, prev, current types.MarginSample) {
	if prev.MarginLevel == 0 {
		return
	}
	changePercent := (current.MarginLevel - prev.MarginLevel) / prev.MarginLevel * 100
	if math.Abs(changePercent) <= rapidChangePercent {
		return
	}

	metrics.RapidChanges.WithLabelValues(accountID).Inc()
	m.logger.WithFields(logrus.Fields{
		"account": accountID,
		"change":  fmt.Sprintf("%.2f%%", changePercent),
	}).Warn("rapid margin level change")

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Kind:      events.KindRapidChange,
			AccountID: accountID,
			Rapid: &events.RapidChangePayload{
				PreviousLevel: prev.MarginLevel,
				CurrentLevel:  current.MarginLevel,
				ChangePercent: changePercent,
			},
		})
	}
}

// TrendDirection classifies the short trend window for the account.
func (m *Monitor) TrendDirection(accountID string) types.TrendDirection {
	return forecast.ClassifyWindow(m.store.TrendWindow(accountID))
}
