package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/hedgesys/sentinel/internal/emergency"
	"github.com/hedgesys/sentinel/internal/forecast"
	"github.com/hedgesys/sentinel/internal/lossmin"
	"github.com/hedgesys/sentinel/internal/monitor"
	"github.com/hedgesys/sentinel/internal/recovery"
	"github.com/hedgesys/sentinel/internal/state"
	"github.com/hedgesys/sentinel/pkg/types"
)

// PositionSource supplies the current open positions for an account.
// The position data service is external; deployments without one serve
// an empty set and the planners degrade to deposit and transfer advice.
type PositionSource func(accountID string) []types.Position

// Server exposes monitoring and emergency state over HTTP. All handlers
// are read-only snapshots; state remains queryable even mid-failure.
type Server struct {
	monitor    *monitor.Monitor
	stateMgr   *state.Manager
	forecaster *forecast.Forecaster
	mode       *emergency.Mode
	executor   *emergency.Executor
	analyzer   *emergency.Analyzer
	calculator *recovery.Calculator
	optimizer  *lossmin.Optimizer
	positions  PositionSource

	health     *HealthChecker
	httpServer *http.Server
	logger     *logrus.Entry
}

// Deps bundles the components the server reads from.
type Deps struct {
	Monitor    *monitor.Monitor
	State      *state.Manager
	Forecaster *forecast.Forecaster
	Mode       *emergency.Mode
	Executor   *emergency.Executor
	Analyzer   *emergency.Analyzer
	Calculator *recovery.Calculator
	Optimizer  *lossmin.Optimizer
	Positions  PositionSource
}

// NewServer wires the read surface over the live components.
func NewServer(listen string, deps Deps) *Server {
	s := &Server{
		monitor:    deps.Monitor,
		stateMgr:   deps.State,
		forecaster: deps.Forecaster,
		mode:       deps.Mode,
		executor:   deps.Executor,
		analyzer:   deps.Analyzer,
		calculator: deps.Calculator,
		optimizer:  deps.Optimizer,
		positions:  deps.Positions,
		health:     NewHealthChecker(),
		logger:     logrus.WithField("component", "api"),
	}
	if s.positions == nil {
		s.positions = func(string) []types.Position { return nil }
	}
	s.registerDefaultChecks()

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/state", s.handleAccountState).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/forecast", s.handleAccountForecast).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/recovery", s.handleRecoveryScenarios).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/lossplan", s.handleLossPlan).Methods(http.MethodGet)
	r.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	r.HandleFunc("/emergency/mode", s.handleEmergencyMode).Methods(http.MethodGet)
	r.HandleFunc("/emergency/responses", s.handleResponses).Methods(http.MethodGet)
	r.HandleFunc("/emergency/performance", s.handlePerformance).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocking; run in its own goroutine.
func (s *Server) Start() error {
	s.logger.WithField("listen", s.httpServer.Addr).Info("api server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// RegisterCheck exposes the health checker so callers can probe their
// own collaborators (NATS, broker connectivity).
func (s *Server) RegisterCheck(name string, check HealthCheck) {
	s.health.RegisterCheck(name, check)
}

func (s *Server) registerDefaultChecks() {
	s.health.RegisterCheck("monitor", func(_ context.Context) ComponentHealth {
		if len(s.monitor.MonitoredAccounts()) == 0 {
			return ComponentHealth{Status: HealthDegraded, Message: "no accounts monitored"}
		}
		return ComponentHealth{Status: HealthHealthy}
	})
	s.health.RegisterCheck("emergency_mode", func(_ context.Context) ComponentHealth {
		st := s.mode.State()
		if st.IsActive {
			return ComponentHealth{Status: HealthDegraded, Message: "emergency mode " + string(st.Level)}
		}
		return ComponentHealth{Status: HealthHealthy}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.health.Check(r.Context())
	status := http.StatusOK
	if health.Status == HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

type statusResponse struct {
	MonitoredAccounts []string    `json:"monitored_accounts"`
	EmergencyActive   bool        `json:"emergency_active"`
	ActiveResponses   int         `json:"active_responses"`
	States            interface{} `json:"states"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		MonitoredAccounts: s.monitor.MonitoredAccounts(),
		EmergencyActive:   s.mode.State().IsActive,
		ActiveResponses:   len(s.executor.ActiveResponses()),
		States:            s.stateMgr.States(),
	})
}

func (s *Server) handleAccountState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := s.stateMgr.State(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown account " + id})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		types.RiskMonitoringState
		TrendDirection types.TrendDirection `json:"trend_direction"`
	}{st, s.monitor.TrendDirection(id)})
}

func (s *Server) handleAccountForecast(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	fc, ok := s.forecaster.Forecast(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no forecast for account " + id})
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

// handleRecoveryScenarios ranks corrective scenarios for the account.
// Sibling accounts with spare free margin become transfer donors.
func (s *Server) handleRecoveryScenarios(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := s.stateMgr.State(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown account " + id})
		return
	}

	ctx := recovery.AccountContext{
		AccountID:   id,
		Equity:      st.Equity,
		UsedMargin:  st.UsedMargin,
		FreeMargin:  st.FreeMargin,
		MarginLevel: st.MarginLevel,
		Positions:   s.positions(id),
	}
	for _, sibling := range s.stateMgr.States() {
		if sibling.AccountID == id || sibling.FreeMargin <= 0 {
			continue
		}
		if sibling.RiskLevel != types.RiskLevelSafe {
			continue
		}
		ctx.Donors = append(ctx.Donors, recovery.DonorAccount{
			AccountID:   sibling.AccountID,
			FreeMargin:  sibling.FreeMargin,
			MarginLevel: sibling.MarginLevel,
		})
	}

	scenarios := s.calculator.Scenarios(ctx)
	optimal, hasOptimal := s.calculator.Optimal(ctx)
	resp := map[string]interface{}{"scenarios": scenarios}
	if hasOptimal {
		resp["optimal"] = optimal
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLossPlan runs the loss minimization optimizer over the account's
// current positions.
func (s *Server) handleLossPlan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := s.stateMgr.State(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown account " + id})
		return
	}

	target := 150.0
	if raw := r.URL.Query().Get("target"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid target " + raw})
			return
		}
		target = parsed
	}

	plan := s.optimizer.Optimize(s.positions(id), st.Equity, st.UsedMargin, target)
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stateMgr.ActiveAlerts())
}

func (s *Server) handleEmergencyMode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":            s.mode.State(),
		"recovery_actions": s.mode.RecoveryActions(),
	})
}

func (s *Server) handleResponses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":  s.executor.ActiveResponses(),
		"history": s.executor.History(),
	})
}

func (s *Server) handlePerformance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": s.analyzer.Metrics(),
		"trend":   s.analyzer.Trend(),
		"series":  s.analyzer.TrendSeries(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("encode response")
	}
}
