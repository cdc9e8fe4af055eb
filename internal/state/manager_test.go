package state

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hedgesys/sentinel/pkg/events"
	"github.com/hedgesys/sentinel/pkg/types"
)

func info(accountID string, marginLevel float64) types.AccountMarginInfo {
	return types.AccountMarginInfo{
		AccountID:   accountID,
		Balance:     1000,
		Equity:      900,
		FreeMargin:  500,
		UsedMargin:  400,
		MarginLevel: marginLevel,
	}
}

func TestManager_UpdateSetsCanonicalRiskLevel(t *testing.T) {
	m := NewManager(nil, 50)

	levels := map[float64]types.RiskLevel{
		250: types.RiskLevelSafe,
		175: types.RiskLevelWarning,
		120: types.RiskLevelDanger,
		80:  types.RiskLevelCritical,
	}

	for marginLevel, expected := range levels {
		require.NoError(t, m.Update(info("acc-1", marginLevel)))
		st, ok := m.State("acc-1")
		require.True(t, ok)
		assert.Equal(t, expected, st.RiskLevel, "margin level %.0f", marginLevel)
		// The canonical level always matches the pure mapping.
		assert.Equal(t, types.RiskLevelForMargin(st.MarginLevel), st.RiskLevel)
	}
}

func TestManager_RejectsInvalidTelemetry(t *testing.T) {
	m := NewManager(nil, 50)

	require.NoError(t, m.Update(info("acc-1", 250)))
	before, _ := m.State("acc-1")

	bad := info("acc-1", 120)
	bad.Equity = -1
	assert.Error(t, m.Update(bad))

	after, ok := m.State("acc-1")
	require.True(t, ok)
	assert.Equal(t, before.MarginLevel, after.MarginLevel, "rejected update must not change state")
}

func TestManager_DegradationRaisesAlert(t *testing.T) {
	m := NewManager(nil, 50)

	require.NoError(t, m.Update(info("acc-1", 250)))
	require.NoError(t, m.Update(info("acc-1", 90)))

	alerts := m.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "RISK_LEVEL_DEGRADED", alerts[0].Type)
	assert.Equal(t, "critical", alerts[0].Severity)
}

func TestManager_AlertDeduplication(t *testing.T) {
	m := NewManager(nil, 50)

	m.RaiseAlert(&Alert{Type: "THRESHOLD", AccountID: "acc-1", Message: "first"})
	m.RaiseAlert(&Alert{Type: "THRESHOLD", AccountID: "acc-1", Message: "second"})
	m.RaiseAlert(&Alert{Type: "THRESHOLD", AccountID: "acc-2", Message: "other account"})

	alerts := m.ActiveAlerts()
	assert.Len(t, alerts, 2, "same type+account must replace, not duplicate")
}

func TestManager_ResolveAlert(t *testing.T) {
	m := NewManager(nil, 50)
	m.RaiseAlert(&Alert{Type: "THRESHOLD", AccountID: "acc-1", Message: "breach"})

	alerts := m.ActiveAlerts()
	require.Len(t, alerts, 1)

	require.NoError(t, m.ResolveAlert(alerts[0].ID))
	assert.Empty(t, m.ActiveAlerts())

	assert.Error(t, m.ResolveAlert("missing"))
}

func TestManager_ApplyForecast(t *testing.T) {
	m := NewManager(nil, 50)
	require.NoError(t, m.Update(info("acc-1", 125)))

	minutes := 42.0
	m.ApplyForecast(&types.LossCutForecast{
		AccountID:              "acc-1",
		TimeToLossCutMinutes:   &minutes,
		RequiredRecoveryAmount: decimal.NewFromInt(300),
	})

	st, ok := m.State("acc-1")
	require.True(t, ok)
	require.NotNil(t, st.Predictions.TimeToCriticalMinutes)
	assert.Equal(t, 42.0, *st.Predictions.TimeToCriticalMinutes)
	assert.True(t, st.Predictions.RequiredRecovery.Equal(decimal.NewFromInt(300)))

	// Predictions survive the next telemetry update.
	require.NoError(t, m.Update(info("acc-1", 124)))
	st, _ = m.State("acc-1")
	require.NotNil(t, st.Predictions.TimeToCriticalMinutes)
}

func TestManager_ForecastEventsPopulatePredictions(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()

	m := NewManager(bus, 50)
	require.NoError(t, m.Update(info("acc-1", 125)))

	minutes := 18.0
	bus.Publish(events.Event{
		Kind:      events.KindForecastUpdated,
		AccountID: "acc-1",
		Forecast: &types.LossCutForecast{
			AccountID:              "acc-1",
			TimeToLossCutMinutes:   &minutes,
			RequiredRecoveryAmount: decimal.NewFromInt(120),
		},
	})

	require.Eventually(t, func() bool {
		st, ok := m.State("acc-1")
		return ok && st.Predictions.TimeToCriticalMinutes != nil
	}, 2*time.Second, 10*time.Millisecond)

	st, _ := m.State("acc-1")
	assert.Equal(t, 18.0, *st.Predictions.TimeToCriticalMinutes)
	assert.True(t, st.Predictions.RequiredRecovery.Equal(decimal.NewFromInt(120)))
}

func TestManager_RemoveAccount(t *testing.T) {
	m := NewManager(nil, 50)
	require.NoError(t, m.Update(info("acc-1", 250)))
	m.RaiseAlert(&Alert{Type: "THRESHOLD", AccountID: "acc-1"})

	m.RemoveAccount("acc-1")

	_, ok := m.State("acc-1")
	assert.False(t, ok)
	assert.Empty(t, m.ActiveAlerts())
}

func TestManager_EventLogRecordsTransitions(t *testing.T) {
	m := NewManager(nil, 50)
	require.NoError(t, m.Update(info("acc-1", 250)))
	require.NoError(t, m.Update(info("acc-1", 120)))

	log := m.EventLog()
	require.NotEmpty(t, log)
	assert.Equal(t, "acc-1", log[0].AccountID)
}
