package emergency

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hedgesys/sentinel/internal/metrics"
	"github.com/hedgesys/sentinel/pkg/events"
	"github.com/hedgesys/sentinel/pkg/types"
)

// maxModeHistory bounds the archived state log, matching the state
// manager's event log cap.
const maxModeHistory = 1000

// ModeConfig controls what each emergency level suspends and whether the
// system may recover on its own.
type ModeConfig struct {
	SuspendedOperations map[types.EmergencyLevel][]string
	AllowedOperations   map[types.EmergencyLevel][]string
	AutoRecoveryEnabled bool
	AutoRecoveryTimeout time.Duration
}

// DefaultModeConfig mirrors the standard deployment settings.
func DefaultModeConfig() ModeConfig {
	return ModeConfig{
		SuspendedOperations: map[types.EmergencyLevel][]string{
			types.EmergencyLevelLow:      {"new_position"},
			types.EmergencyLevelMedium:   {"new_position", "position_increase"},
			types.EmergencyLevelHigh:     {"new_position", "position_increase", "withdrawal"},
			types.EmergencyLevelCritical: {"new_position", "position_increase", "withdrawal", "manual_trading"},
		},
		AllowedOperations: map[types.EmergencyLevel][]string{
			types.EmergencyLevelLow:      {"position_close", "hedge_open", "deposit", "withdrawal", "manual_trading"},
			types.EmergencyLevelMedium:   {"position_close", "hedge_open", "deposit", "manual_trading"},
			types.EmergencyLevelHigh:     {"position_close", "hedge_open", "deposit"},
			types.EmergencyLevelCritical: {"position_close", "hedge_open", "deposit"},
		},
		AutoRecoveryEnabled: true,
		AutoRecoveryTimeout: 30 * time.Minute,
	}
}

// RecoveryAction is one item of the checklist that gates automatic
// deactivation.
type RecoveryAction struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Executed bool   `json:"executed"`
	Success  bool   `json:"success"`
}

// Base recovery estimates per level, scaled by what triggered the mode.
var (
	recoveryBaseMinutes = map[types.EmergencyLevel]int{
		types.EmergencyLevelLow:      15,
		types.EmergencyLevelMedium:   30,
		types.EmergencyLevelHigh:     60,
		types.EmergencyLevelCritical: 120,
	}
	triggerRecoveryMultiplier = map[types.TriggerType]float64{
		types.TriggerLossCutDetection: 2.0,
		types.TriggerMarginCritical:   1.5,
		types.TriggerRapidDrop:        1.2,
		types.TriggerManual:           1.0,
		types.TriggerSystemFailure:    3.0,
	}
)

// Mode is the process-wide emergency posture. It is the only writer of
// its state; every other component reads through its accessors.
type Mode struct {
	mu sync.RWMutex

	cfg           ModeConfig
	state         types.EmergencyModeState
	recovery      []RecoveryAction
	history       []types.EmergencyModeState
	recoveryTimer *time.Timer

	bus    *events.Bus
	logger *logrus.Entry
}

// NewMode creates an inactive emergency mode handle.
func NewMode(cfg ModeConfig, bus *events.Bus) *Mode {
	if cfg.SuspendedOperations == nil {
		cfg = DefaultModeConfig()
	}
	return &Mode{
		cfg:    cfg,
		state:  types.EmergencyModeState{AffectedAccounts: []string{}},
		bus:    bus,
		logger: logrus.WithField("component", "emergency-mode"),
	}
}

// Activate enters the given level. An already active state is archived
// first, so re-triggering always yields a fresh checklist.
func (m *Mode) Activate(trigger types.TriggerType, level types.EmergencyLevel, reason string, accounts []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.IsActive {
		m.archiveLocked()
	}

	now := time.Now()
	est := estimateRecovery(level, trigger)
	m.state = types.EmergencyModeState{
		IsActive:                     true,
		Level:                        level,
		TriggeredAt:                  &now,
		TriggeredBy:                  trigger,
		Reason:                       reason,
		AffectedAccounts:             append([]string(nil), accounts...),
		SuspendedOperations:          append([]string(nil), m.cfg.SuspendedOperations[level]...),
		AllowedOperations:            append([]string(nil), m.cfg.AllowedOperations[level]...),
		AutoRecoveryEnabled:          m.cfg.AutoRecoveryEnabled && level != types.EmergencyLevelCritical,
		ManualInterventionRequired:   level == types.EmergencyLevelCritical || trigger == types.TriggerManual,
		EstimatedRecoveryTimeMinutes: &est,
	}
	m.recovery = buildRecoveryChecklist(trigger, level)
	m.scheduleAutoRecoveryLocked()

	m.logger.WithFields(logrus.Fields{
		"level":   level,
		"trigger": trigger,
		"reason":  reason,
	}).Warn("emergency mode activated")
	m.publishLocked()
}

// Escalate moves one level up. Reaching critical forces manual
// intervention and disables auto recovery.
func (m *Mode) Escalate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.IsActive || m.state.Level == types.EmergencyLevelCritical {
		return false
	}
	m.setLevelLocked(nextLevel(m.state.Level))
	return true
}

// DeEscalate moves one level down; below low the mode deactivates.
func (m *Mode) DeEscalate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.IsActive {
		return false
	}
	if m.state.Level == types.EmergencyLevelLow {
		m.deactivateLocked()
		return true
	}
	m.setLevelLocked(previousLevel(m.state.Level))
	return true
}

func (m *Mode) setLevelLocked(level types.EmergencyLevel) {
	m.state.Level = level
	m.state.SuspendedOperations = append([]string(nil), m.cfg.SuspendedOperations[level]...)
	m.state.AllowedOperations = append([]string(nil), m.cfg.AllowedOperations[level]...)

	if level == types.EmergencyLevelCritical {
		m.state.ManualInterventionRequired = true
		m.state.AutoRecoveryEnabled = false
	} else {
		m.state.AutoRecoveryEnabled = m.cfg.AutoRecoveryEnabled
	}

	est := estimateRecovery(level, m.state.TriggeredBy)
	m.state.EstimatedRecoveryTimeMinutes = &est

	m.logger.WithField("level", level).Warn("emergency level changed")
	m.publishLocked()
}

// Deactivate resets to inactive. It refuses, returning false, while
// manual intervention is pending and the reason is not "manual", or while
// any required recovery action has not succeeded.
func (m *Mode) Deactivate(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.IsActive {
		return false
	}
	if m.state.ManualInterventionRequired && reason != "manual" {
		m.logger.WithField("reason", reason).Warn("deactivation refused, manual intervention required")
		return false
	}
	for _, a := range m.recovery {
		if a.Required && (!a.Executed || !a.Success) {
			m.logger.WithField("action", a.Name).Warn("deactivation refused, recovery action incomplete")
			return false
		}
	}

	m.deactivateLocked()
	return true
}

// scheduleAutoRecoveryLocked arms the recovery timer. After the timeout
// the whole checklist is executed and deactivation attempted; a refusal
// leaves the mode active for the operator.
func (m *Mode) scheduleAutoRecoveryLocked() {
	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
		m.recoveryTimer = nil
	}
	if !m.state.AutoRecoveryEnabled || m.cfg.AutoRecoveryTimeout <= 0 {
		return
	}
	m.recoveryTimer = time.AfterFunc(m.cfg.AutoRecoveryTimeout, func() {
		if m.ExecuteAllRecoveryActions() {
			m.logger.Info("auto recovery completed")
		}
	})
}

func (m *Mode) deactivateLocked() {
	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
		m.recoveryTimer = nil
	}
	m.archiveLocked()
	m.state = types.EmergencyModeState{AffectedAccounts: []string{}}
	m.recovery = nil
	m.logger.Info("emergency mode deactivated")
	m.publishLocked()
}

// archiveLocked appends the current state to the bounded history. A
// sustained breach re-activates once per poll, so the archive must not
// grow without limit.
func (m *Mode) archiveLocked() {
	m.history = append(m.history, m.state)
	if len(m.history) > maxModeHistory {
		m.history = m.history[1:]
	}
}

// IsOperationAllowed is the single authority consulted before performing
// a suspendable operation. Inactive mode allows everything.
func (m *Mode) IsOperationAllowed(op string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.state.IsActive {
		return true
	}
	for _, s := range m.state.SuspendedOperations {
		if s == op {
			return false
		}
	}
	return true
}

// State returns a copy of the current posture.
func (m *Mode) State() types.EmergencyModeState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyModeState(m.state)
}

// History returns archived activations, oldest first.
func (m *Mode) History() []types.EmergencyModeState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.EmergencyModeState, len(m.history))
	for i, s := range m.history {
		out[i] = copyModeState(s)
	}
	return out
}

// RecoveryActions returns a copy of the current checklist.
func (m *Mode) RecoveryActions() []RecoveryAction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RecoveryAction, len(m.recovery))
	copy(out, m.recovery)
	return out
}

// ExecuteRecoveryAction marks one checklist item executed with the given
// outcome. Unknown IDs return false.
func (m *Mode) ExecuteRecoveryAction(id string, success bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.recovery {
		if m.recovery[i].ID == id {
			m.recovery[i].Executed = true
			m.recovery[i].Success = success
			return true
		}
	}
	return false
}

// ExecuteAllRecoveryActions marks the whole checklist executed and
// successful, then attempts deactivation.
func (m *Mode) ExecuteAllRecoveryActions() bool {
	m.mu.Lock()
	for i := range m.recovery {
		m.recovery[i].Executed = true
		m.recovery[i].Success = true
	}
	m.mu.Unlock()
	return m.Deactivate("auto_recovery")
}

func (m *Mode) publishLocked() {
	rank := 0
	if m.state.IsActive {
		rank = m.state.Level.Rank()
	}
	metrics.EmergencyModeLevel.Set(float64(rank))

	if m.bus != nil {
		st := copyModeState(m.state)
		m.bus.Publish(events.Event{
			Kind:      events.KindEmergencyModeChanged,
			Timestamp: time.Now(),
			Mode:      &st,
		})
	}
}

func buildRecoveryChecklist(trigger types.TriggerType, level types.EmergencyLevel) []RecoveryAction {
	actions := []RecoveryAction{
		{ID: uuid.New().String(), Name: "position_validation", Required: true},
	}
	if trigger == types.TriggerLossCutDetection || level == types.EmergencyLevelCritical {
		actions = append(actions, RecoveryAction{ID: uuid.New().String(), Name: "margin_check", Required: true})
	}
	if level == types.EmergencyLevelHigh || level == types.EmergencyLevelCritical {
		actions = append(actions, RecoveryAction{ID: uuid.New().String(), Name: "system_health_check", Required: true})
	}
	actions = append(actions, RecoveryAction{ID: uuid.New().String(), Name: "connectivity_test", Required: false})
	return actions
}

func estimateRecovery(level types.EmergencyLevel, trigger types.TriggerType) int {
	base := recoveryBaseMinutes[level]
	mult, ok := triggerRecoveryMultiplier[trigger]
	if !ok {
		mult = 1.0
	}
	return int(float64(base) * mult)
}

func nextLevel(l types.EmergencyLevel) types.EmergencyLevel {
	switch l {
	case types.EmergencyLevelLow:
		return types.EmergencyLevelMedium
	case types.EmergencyLevelMedium:
		return types.EmergencyLevelHigh
	default:
		return types.EmergencyLevelCritical
	}
}

func previousLevel(l types.EmergencyLevel) types.EmergencyLevel {
	switch l {
	case types.EmergencyLevelCritical:
		return types.EmergencyLevelHigh
	case types.EmergencyLevelHigh:
		return types.EmergencyLevelMedium
	default:
		return types.EmergencyLevelLow
	}
}

func copyModeState(s types.EmergencyModeState) types.EmergencyModeState {
	out := s
	out.AffectedAccounts = append([]string(nil), s.AffectedAccounts...)
	out.SuspendedOperations = append([]string(nil), s.SuspendedOperations...)
	out.AllowedOperations = append([]string(nil), s.AllowedOperations...)
	if s.TriggeredAt != nil {
		t := *s.TriggeredAt
		out.TriggeredAt = &t
	}
	if s.EstimatedRecoveryTimeMinutes != nil {
		v := *s.EstimatedRecoveryTimeMinutes
		out.EstimatedRecoveryTimeMinutes = &v
	}
	return out
}
