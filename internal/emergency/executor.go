package emergency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hedgesys/sentinel/internal/broker"
	"github.com/hedgesys/sentinel/internal/metrics"
	"github.com/hedgesys/sentinel/pkg/events"
	"github.com/hedgesys/sentinel/pkg/types"
)

// maxResponseHistory bounds the finished-response log.
const maxResponseHistory = 1000

// Executor runs emergency strategies against the broker command channel.
// Actions within one response execute strictly sequentially in priority
// order; at most one response is active per account.
type Executor struct {
	mu sync.Mutex

	dispatcher broker.Dispatcher
	registry   *Registry
	mode       *Mode
	bus        *events.Bus

	// ReserveAccount funds balance transfer actions. Empty means the
	// deployment has no rescue account and transfers fail.
	ReserveAccount string

	active  map[string]*types.EmergencyResponse
	history []types.EmergencyResponse
	stopped bool

	logger *logrus.Entry
}

// NewExecutor wires the engine to its collaborators.
func NewExecutor(dispatcher broker.Dispatcher, registry *Registry, mode *Mode, bus *events.Bus) *Executor {
	return &Executor{
		dispatcher: dispatcher,
		registry:   registry,
		mode:       mode,
		bus:        bus,
		active:     make(map[string]*types.EmergencyResponse),
		logger:     logrus.WithField("component", "emergency-executor"),
	}
}

// HandleLossCutDetection is the entry point for a detected loss-cut
// danger. It activates system-wide emergency mode for the account before
// any strategy dispatch, then selects and executes a strategy.
func (e *Executor) HandleLossCutDetection(ctx context.Context, accountID string, positions []types.Position, dyn *DynamicContext) (*types.EmergencyResponse, error) {
	e.mode.Activate(
		types.TriggerLossCutDetection,
		types.EmergencyLevelCritical,
		fmt.Sprintf("loss cut danger on account %s", accountID),
		[]string{accountID},
	)

	strategy := e.registry.Select(types.ScenarioSingleAccount, types.RiskLevelCritical, dyn)
	return e.Execute(ctx, accountID, strategy, positions)
}

// Execute runs one strategy to a terminal status. The returned response
// is a snapshot; the live record moves to history on completion.
func (e *Executor) Execute(ctx context.Context, accountID string, strategy types.EmergencyStrategy, positions []types.Position) (*types.EmergencyResponse, error) {
	resp, err := e.begin(accountID, strategy)
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"account":  accountID,
		"strategy": strategy.Name,
		"actions":  len(strategy.Actions),
	}).Warn("emergency response started")
	e.publish(events.KindResponseStarted, resp)

	actions := append([]types.EmergencyAction(nil), strategy.Actions...)
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Priority > actions[j].Priority })

	budget := time.Duration(strategy.MaxExecutionTimeMs) * time.Millisecond
	start := resp.StartTime
	totalLoss := decimal.Zero

	status := types.ResponseFailed
	for _, action := range actions {
		if e.isStopped() {
			break
		}
		if budget > 0 && time.Since(start) > budget {
			status = types.ResponseTimeout
			break
		}

		result := e.runAction(ctx, accountID, action, positions)
		e.appendResult(resp, result)

		if result.LossReduction != nil {
			totalLoss = totalLoss.Add(*result.LossReduction)
		}
		if totalLoss.GreaterThanOrEqual(strategy.SuccessCriteria.MaxAcceptableLoss) &&
			strategy.SuccessCriteria.MaxAcceptableLoss.IsPositive() {
			status = types.ResponseCompleted
			break
		}
	}
	if budget > 0 && time.Since(start) > budget && status != types.ResponseCompleted {
		status = types.ResponseTimeout
	}

	final := e.finalize(accountID, status, totalLoss)
	if final != nil {
		e.publish(events.KindResponseFinished, final)
		e.logger.WithFields(logrus.Fields{
			"account":        accountID,
			"status":         final.Status,
			"loss_avoidance": totalLoss.String(),
		}).Info("emergency response finished")
	}
	return final, nil
}

// begin registers a new executing response, enforcing one per account.
func (e *Executor) begin(accountID string, strategy types.EmergencyStrategy) (*types.EmergencyResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil, fmt.Errorf("executor stopped")
	}
	if _, busy := e.active[accountID]; busy {
		return nil, fmt.Errorf("account %s already has an active response", accountID)
	}

	resp := &types.EmergencyResponse{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Strategy:  strategy,
		Status:    types.ResponseExecuting,
		StartTime: time.Now(),
	}
	e.active[accountID] = resp
	metrics.ActiveResponses.Inc()
	return resp, nil
}

func (e *Executor) appendResult(resp *types.EmergencyResponse, result types.EmergencyActionResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	resp.ExecutedActions = append(resp.ExecutedActions, result)
}

// finalize moves the active response to history with a terminal status.
// A response already finalized (by Stop) is left untouched.
func (e *Executor) finalize(accountID string, status types.ResponseStatus, totalLoss decimal.Decimal) *types.EmergencyResponse {
	e.mu.Lock()
	defer e.mu.Unlock()

	resp, ok := e.active[accountID]
	if !ok {
		for i := len(e.history) - 1; i >= 0; i-- {
			if e.history[i].AccountID == accountID {
				snap := e.history[i]
				return &snap
			}
		}
		return nil
	}
	delete(e.active, accountID)
	metrics.ActiveResponses.Dec()

	if resp.Status == types.ResponseExecuting {
		now := time.Now()
		resp.Status = status
		resp.EndTime = &now
		resp.TotalLossAvoidance = &totalLoss
	}
	e.recordLocked(*resp)
	snap := *resp
	return &snap
}

// recordLocked appends to the bounded finished-response log.
func (e *Executor) recordLocked(resp types.EmergencyResponse) {
	e.history = append(e.history, resp)
	if len(e.history) > maxResponseHistory {
		e.history = e.history[1:]
	}
}

// runAction dispatches one action, capturing any error on the result
// instead of propagating it.
func (e *Executor) runAction(ctx context.Context, accountID string, action types.EmergencyAction, positions []types.Position) types.EmergencyActionResult {
	start := time.Now()
	result := types.EmergencyActionResult{Action: action}

	detail, lossReduction, err := e.dispatch(ctx, accountID, action, positions)
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	metrics.ActionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		result.Error = err.Error()
		e.logger.WithError(err).WithFields(logrus.Fields{
			"account": accountID,
			"action":  action.Type,
		}).Error("emergency action failed")
		return result
	}

	result.Success = true
	result.Result = detail
	result.LossReduction = &lossReduction
	return result
}

func (e *Executor) dispatch(ctx context.Context, accountID string, action types.EmergencyAction, positions []types.Position) (string, decimal.Decimal, error) {
	switch action.Type {
	case types.ActionImmediateClose:
		return e.closeTargets(ctx, accountID, action, positions, 100)

	case types.ActionPartialClose:
		pct := 50.0
		if action.Parameters.Percentage != nil {
			pct = *action.Parameters.Percentage
		}
		return e.closeTargets(ctx, accountID, action, positions, pct)

	case types.ActionHedgeOpen:
		ratio := 0.5
		if action.Parameters.HedgeRatio != nil {
			ratio = *action.Parameters.HedgeRatio
		}
		return e.openHedges(ctx, accountID, positions, ratio)

	case types.ActionBalanceTransfer:
		if e.ReserveAccount == "" {
			return "", decimal.Zero, fmt.Errorf("no reserve account configured for balance transfer")
		}
		if action.Parameters.Amount == nil {
			return "", decimal.Zero, fmt.Errorf("balance transfer without amount")
		}
		out, err := e.dispatcher.TransferBalance(ctx, e.ReserveAccount, accountID, *action.Parameters.Amount)
		if err != nil {
			return "", decimal.Zero, err
		}
		return out.Detail, out.LossReduction, nil

	default:
		return "", decimal.Zero, fmt.Errorf("unknown action type %q", action.Type)
	}
}

// closeTargets closes or trims the action's target positions, or every
// open position when none are named. The first dispatch error wins but
// remaining targets are still attempted.
func (e *Executor) closeTargets(ctx context.Context, accountID string, action types.EmergencyAction, positions []types.Position, pct float64) (string, decimal.Decimal, error) {
	targets := action.TargetPositions
	if len(targets) == 0 {
		for _, p := range positions {
			targets = append(targets, p.ID)
		}
	}
	if len(targets) == 0 {
		return "no open positions", decimal.Zero, nil
	}

	total := decimal.Zero
	closed := 0
	var firstErr error
	for _, id := range targets {
		var out *broker.ActionOutcome
		var err error
		if pct >= 100 {
			out, err = e.dispatcher.ClosePosition(ctx, accountID, id)
		} else {
			out, err = e.dispatcher.ReducePosition(ctx, accountID, id, pct)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total = total.Add(out.LossReduction)
		closed++
	}

	if firstErr != nil && closed == 0 {
		return "", decimal.Zero, firstErr
	}
	detail := fmt.Sprintf("closed %d/%d positions at %.0f%%", closed, len(targets), pct)
	if firstErr != nil {
		detail = fmt.Sprintf("%s (partial: %v)", detail, firstErr)
	}
	return detail, total, nil
}

func (e *Executor) openHedges(ctx context.Context, accountID string, positions []types.Position, ratio float64) (string, decimal.Decimal, error) {
	exposures := types.NetExposures(positions)
	if len(exposures) == 0 {
		return "no exposure to hedge", decimal.Zero, nil
	}

	total := decimal.Zero
	opened := 0
	var firstErr error
	for _, net := range exposures {
		lots := net.NetLots * ratio
		if lots < 0 {
			lots = -lots
		}
		if lots < 0.01 {
			continue
		}
		side := types.PositionSideSell
		if net.NetLots < 0 {
			side = types.PositionSideBuy
		}
		out, err := e.dispatcher.OpenHedge(ctx, accountID, net.Symbol, side, lots)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total = total.Add(out.LossReduction)
		opened++
	}

	if firstErr != nil && opened == 0 {
		return "", decimal.Zero, firstErr
	}
	return fmt.Sprintf("opened %d hedges at ratio %.2f", opened, ratio), total, nil
}

// ActiveResponses returns snapshots of currently executing responses.
func (e *Executor) ActiveResponses() []types.EmergencyResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.EmergencyResponse, 0, len(e.active))
	for _, r := range e.active {
		out = append(out, *r)
	}
	return out
}

// History returns finished responses, oldest first.
func (e *Executor) History() []types.EmergencyResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.EmergencyResponse, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Executor) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Stop refuses new responses and marks every in-flight response failed
// so nothing is silently abandoned.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopped = true
	now := time.Now()
	for accountID, resp := range e.active {
		if resp.Status == types.ResponseExecuting {
			resp.Status = types.ResponseFailed
			resp.EndTime = &now
			zero := decimal.Zero
			resp.TotalLossAvoidance = &zero
		}
		e.recordLocked(*resp)
		delete(e.active, accountID)
		metrics.ActiveResponses.Dec()
		e.logger.WithField("account", accountID).Warn("in-flight response failed on shutdown")
	}
}

func (e *Executor) publish(kind events.Kind, resp *types.EmergencyResponse) {
	if e.bus == nil {
		return
	}
	snap := *resp
	e.bus.Publish(events.Event{
		Kind:      kind,
		AccountID: resp.AccountID,
		Timestamp: time.Now(),
		Response:  &snap,
	})
}
