package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hedgesys/sentinel/pkg/events"
	"github.com/hedgesys/sentinel/pkg/types"
)

const (
	maxAlertHistory = 1000
	maxEventLog     = 1000
)

// Alert is a raised risk condition for an account.
type Alert struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Severity   string          `json:"severity"` // "info", "warning", "critical"
	AccountID  string          `json:"account_id"`
	Message    string          `json:"message"`
	Value      float64         `json:"value"`
	Threshold  float64         `json:"threshold"`
	Timestamp  time.Time       `json:"timestamp"`
	Resolved   bool            `json:"resolved"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// LogEntry records one event observed by the state manager.
type LogEntry struct {
	Kind      events.Kind `json:"kind"`
	AccountID string      `json:"account_id"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

// Manager is the per-account state of record: the canonical
// RiskMonitoringState, the alert log, and the event log. It is the only
// writer of its maps; all other components read through accessors.
type Manager struct {
	mu sync.RWMutex

	states map[string]*types.RiskMonitoringState

	activeAlerts map[string]*Alert
	alertHistory []Alert
	eventLog     []LogEntry

	lossCutLevel float64

	bus    *events.Bus
	logger *logrus.Entry
}

// NewManager creates a state manager publishing to the given bus.
func NewManager(bus *events.Bus, lossCutLevel float64) *Manager {
	if lossCutLevel <= 0 {
		lossCutLevel = 50
	}
	m := &Manager{
		states:       make(map[string]*types.RiskMonitoringState),
		activeAlerts: make(map[string]*Alert),
		lossCutLevel: lossCutLevel,
		bus:          bus,
		logger:       logrus.WithField("component", "risk-state"),
	}
	// Forecast updates flow back into the canonical state, so API
	// consumers see predictions without asking the forecaster.
	if bus != nil {
		bus.Subscribe(events.KindForecastUpdated, func(ev events.Event) {
			m.ApplyForecast(ev.Forecast)
		})
	}
	return m
}

// Update validates telemetry and replaces the account's canonical state
// wholesale. Invalid telemetry is rejected without touching state.
func (m *Manager) Update(info types.AccountMarginInfo) error {
	if err := info.Validate(); err != nil {
		m.logger.WithField("account", info.AccountID).Warnf("rejected margin info: %v", err)
		return fmt.Errorf("invalid margin info: %w", err)
	}

	newState := &types.RiskMonitoringState{
		AccountID:    info.AccountID,
		MarginLevel:  info.MarginLevel,
		FreeMargin:   info.FreeMargin,
		UsedMargin:   info.UsedMargin,
		Balance:      info.Balance,
		Equity:       info.Equity,
		BonusAmount:  info.BonusAmount,
		RiskLevel:    types.RiskLevelForMargin(info.MarginLevel),
		LastUpdate:   time.Now(),
		LossCutLevel: m.lossCutLevel,
	}

	m.mu.Lock()
	prev := m.states[info.AccountID]
	if prev != nil {
		// Forward-looking figures survive until the next forecast.
		newState.Predictions = prev.Predictions
	}
	m.states[info.AccountID] = newState
	m.mu.Unlock()

	if prev != nil && prev.RiskLevel != newState.RiskLevel {
		m.logEvent(events.KindRiskLevelChanged, info.AccountID,
			fmt.Sprintf("risk level %s -> %s at %.2f%%", prev.RiskLevel, newState.RiskLevel, info.MarginLevel))
		if m.bus != nil {
			m.bus.Publish(events.Event{
				Kind:      events.KindRiskLevelChanged,
				AccountID: info.AccountID,
				RiskShift: &events.RiskLevelChangePayload{From: prev.RiskLevel, To: newState.RiskLevel},
			})
		}
		if newState.RiskLevel.Severity() > prev.RiskLevel.Severity() {
			severity := "warning"
			if newState.RiskLevel == types.RiskLevelCritical {
				severity = "critical"
			}
			m.RaiseAlert(&Alert{
				Type:      "RISK_LEVEL_DEGRADED",
				Severity:  severity,
				AccountID: info.AccountID,
				Message:   fmt.Sprintf("margin level %.2f%% moved account to %s", info.MarginLevel, newState.RiskLevel),
				Value:     info.MarginLevel,
			})
		}
	}

	return nil
}

// ApplyForecast folds forecast-derived predictions into the canonical
// state without replacing the monitored figures.
func (m *Manager) ApplyForecast(fc *types.LossCutForecast) {
	if fc == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.states[fc.AccountID]
	if !exists {
		return
	}
	next := *current
	next.Predictions = types.StatePrediction{
		TimeToCriticalMinutes: fc.TimeToLossCutMinutes,
		RequiredRecovery:      fc.RequiredRecoveryAmount,
	}
	m.states[fc.AccountID] = &next
}

// State returns a copy of the canonical state for the account.
func (m *Manager) State(accountID string) (types.RiskMonitoringState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.states[accountID]
	if !exists {
		return types.RiskMonitoringState{}, false
	}
	return *s, true
}

// States returns copies of every account state.
func (m *Manager) States() []types.RiskMonitoringState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.RiskMonitoringState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, *s)
	}
	return out
}

// RaiseAlert records an alert, deduplicating by type and account: an
// unresolved alert of the same kind is replaced, not duplicated.
func (m *Manager) RaiseAlert(alert *Alert) {
	alert.ID = fmt.Sprintf("%s_%s_%d", alert.Type, alert.AccountID, time.Now().UnixNano())
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	m.mu.Lock()
	replaced := false
	for id, existing := range m.activeAlerts {
		if existing.Type == alert.Type && existing.AccountID == alert.AccountID && !existing.Resolved {
			delete(m.activeAlerts, id)
			m.activeAlerts[alert.ID] = alert
			replaced = true
			break
		}
	}
	if !replaced {
		m.activeAlerts[alert.ID] = alert
	}
	m.mu.Unlock()

	m.logEvent(events.KindAlertRaised, alert.AccountID, alert.Message)
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Kind:      events.KindAlertRaised,
			AccountID: alert.AccountID,
			Alert: &events.AlertPayload{
				Type:     alert.Type,
				Severity: alert.Severity,
				Message:  alert.Message,
				Value:    alert.Value,
			},
		})
	}
}

// ResolveAlert marks an active alert resolved and archives it.
func (m *Manager) ResolveAlert(alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, exists := m.activeAlerts[alertID]
	if !exists {
		return fmt.Errorf("alert %s not found", alertID)
	}

	now := time.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now

	m.alertHistory = append(m.alertHistory, *alert)
	if len(m.alertHistory) > maxAlertHistory {
		m.alertHistory = m.alertHistory[1:]
	}
	delete(m.activeAlerts, alertID)

	return nil
}

// ActiveAlerts returns the unresolved alerts.
func (m *Manager) ActiveAlerts() []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Alert, 0, len(m.activeAlerts))
	for _, a := range m.activeAlerts {
		copied := *a
		out = append(out, &copied)
	}
	return out
}

// EventLog returns a copy of the recorded event log.
func (m *Manager) EventLog() []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]LogEntry, len(m.eventLog))
	copy(out, m.eventLog)
	return out
}

// RemoveAccount drops the account's state and its active alerts.
func (m *Manager) RemoveAccount(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, accountID)
	for id, alert := range m.activeAlerts {
		if alert.AccountID == accountID {
			delete(m.activeAlerts, id)
		}
	}
}

func (m *Manager) logEvent(kind events.Kind, accountID, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eventLog = append(m.eventLog, LogEntry{
		Kind:      kind,
		AccountID: accountID,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[1:]
	}
}
