package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hedgesys/sentinel/internal/broker"
	"github.com/hedgesys/sentinel/internal/emergency"
	"github.com/hedgesys/sentinel/internal/forecast"
	"github.com/hedgesys/sentinel/internal/lossmin"
	"github.com/hedgesys/sentinel/internal/monitor"
	"github.com/hedgesys/sentinel/internal/recovery"
	"github.com/hedgesys/sentinel/internal/state"
	"github.com/hedgesys/sentinel/internal/store"
	"github.com/hedgesys/sentinel/pkg/events"
	"github.com/hedgesys/sentinel/pkg/types"
)

var testPositions = map[string][]types.Position{
	"acc-1": {
		{ID: "p1", Symbol: "EURUSD", Side: types.PositionSideBuy, Lots: 1.0, MarginRequired: 200, Profit: -80},
		{ID: "p2", Symbol: "GBPUSD", Side: types.PositionSideSell, Lots: 0.5, MarginRequired: 200, Profit: 30},
	},
}

type staticFeed struct {
	info types.AccountMarginInfo
}

func (f *staticFeed) FetchMarginInfo(_ context.Context, accountID string) (types.AccountMarginInfo, error) {
	info := f.info
	info.AccountID = accountID
	return info, nil
}

func newTestServer(t *testing.T) (*Server, *state.Manager, *emergency.Mode) {
	t.Helper()

	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	sampleStore := store.NewSampleStore()
	stateMgr := state.NewManager(bus, 50)
	forecaster := forecast.NewForecaster(sampleStore, bus, forecast.DefaultConfig())
	mode := emergency.NewMode(emergency.DefaultModeConfig(), bus)
	executor := emergency.NewExecutor(broker.NewSimDispatcher(), emergency.NewRegistry(), mode, bus)
	analyzer := emergency.NewAnalyzer()

	feed := &staticFeed{info: types.AccountMarginInfo{
		Balance: 1000, Equity: 900, FreeMargin: 500,
		UsedMargin: 400, MarginLevel: 225,
	}}
	mon := monitor.NewMonitor(feed, sampleStore, stateMgr, bus, monitor.Config{Interval: time.Minute})

	return NewServer(":0", Deps{
		Monitor:    mon,
		State:      stateMgr,
		Forecaster: forecaster,
		Mode:       mode,
		Executor:   executor,
		Analyzer:   analyzer,
		Calculator: recovery.NewCalculator(150),
		Optimizer:  lossmin.NewOptimizer(lossmin.DefaultPreferences()),
		Positions: func(accountID string) []types.Position {
			return testPositions[accountID]
		},
	}), stateMgr, mode
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var health SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	// No accounts are monitored yet, so the monitor probe degrades.
	assert.Equal(t, HealthDegraded, health.Status)

	// An unhealthy registered probe flips the endpoint to 503.
	s.RegisterCheck("broker", func(context.Context) ComponentHealth {
		return ComponentHealth{Status: HealthUnhealthy, Message: "connection refused"}
	})
	rec = get(t, s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_AccountState(t *testing.T) {
	s, stateMgr, _ := newTestServer(t)

	require.NoError(t, stateMgr.Update(types.AccountMarginInfo{
		AccountID: "acc-1", Balance: 1000, Equity: 900,
		FreeMargin: 500, UsedMargin: 400, MarginLevel: 225,
	}))

	rec := get(t, s, "/accounts/acc-1/state")
	require.Equal(t, http.StatusOK, rec.Code)

	var st struct {
		types.RiskMonitoringState
		TrendDirection types.TrendDirection `json:"trend_direction"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "acc-1", st.AccountID)
	assert.Equal(t, types.RiskLevelSafe, st.RiskLevel)
	// No samples polled yet, so the short window classifies stable.
	assert.Equal(t, types.TrendStable, st.TrendDirection)

	rec = get(t, s, "/accounts/nobody/state")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ForecastNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s, "/accounts/acc-1/forecast")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RecoveryScenarios(t *testing.T) {
	s, stateMgr, _ := newTestServer(t)

	// acc-1 sits in the danger band; acc-2 is a safe sibling with spare
	// free margin, so a cross-account transfer should rank among the
	// scenarios.
	require.NoError(t, stateMgr.Update(types.AccountMarginInfo{
		AccountID: "acc-1", Balance: 560, Equity: 480,
		FreeMargin: 80, UsedMargin: 400, MarginLevel: 120,
	}))
	require.NoError(t, stateMgr.Update(types.AccountMarginInfo{
		AccountID: "acc-2", Balance: 2000, Equity: 2000,
		FreeMargin: 1500, UsedMargin: 500, MarginLevel: 400,
	}))

	rec := get(t, s, "/accounts/acc-1/recovery")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Scenarios []recovery.RankedScenario `json:"scenarios"`
		Optimal   *recovery.RankedScenario  `json:"optimal"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Scenarios)
	require.NotNil(t, body.Optimal)
	assert.Equal(t, body.Scenarios[0].Score, body.Optimal.Score)

	hasCrossAccount := false
	for _, rs := range body.Scenarios {
		if rs.Scenario.Type == types.ScenarioCrossAccount {
			hasCrossAccount = true
		}
	}
	assert.True(t, hasCrossAccount, "safe sibling should yield a transfer scenario")

	rec = get(t, s, "/accounts/nobody/recovery")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_LossPlan(t *testing.T) {
	s, stateMgr, _ := newTestServer(t)

	require.NoError(t, stateMgr.Update(types.AccountMarginInfo{
		AccountID: "acc-1", Balance: 500, Equity: 450,
		FreeMargin: 50, UsedMargin: 400, MarginLevel: 112.5,
	}))

	rec := get(t, s, "/accounts/acc-1/lossplan")
	require.Equal(t, http.StatusOK, rec.Code)

	var plan lossmin.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))
	assert.Equal(t, lossmin.PolicyPartialClose, plan.Policy)
	assert.InDelta(t, 100, plan.RequiredMarginReduction, 0.01)
	require.NotEmpty(t, plan.PositionsToReduce)
	assert.Equal(t, "p1", plan.PositionsToReduce[0].Position.ID)

	rec = get(t, s, "/accounts/acc-1/lossplan?target=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, s, "/accounts/nobody/lossplan")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_EmergencyModeQueryableWhileActive(t *testing.T) {
	s, _, mode := newTestServer(t)

	mode.Activate(types.TriggerRapidDrop, types.EmergencyLevelHigh, "drop", []string{"acc-1"})

	rec := get(t, s, "/emergency/mode")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		State types.EmergencyModeState `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.State.IsActive)
	assert.Equal(t, types.EmergencyLevelHigh, body.State.Level)
}

func TestServer_StatusAndResponses(t *testing.T) {
	s, stateMgr, _ := newTestServer(t)

	require.NoError(t, stateMgr.Update(types.AccountMarginInfo{
		AccountID: "acc-1", Equity: 900, UsedMargin: 400, MarginLevel: 225,
	}))

	rec := get(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		EmergencyActive bool              `json:"emergency_active"`
		States          []json.RawMessage `json:"states"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.EmergencyActive)
	assert.Len(t, status.States, 1)

	rec = get(t, s, "/emergency/responses")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, s, "/emergency/performance")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}
