package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hedgesys/sentinel/pkg/types"
)

// SimDispatcher is a deterministic in-process command channel. Each
// command kind has a fixed latency and a configurable expected loss
// reduction, and individual position or account IDs can be primed to
// fail. It backs tests and dry-run deployments.
type SimDispatcher struct {
	mu sync.Mutex

	CloseLatency    time.Duration
	ReduceLatency   time.Duration
	HedgeLatency    time.Duration
	TransferLatency time.Duration

	CloseLossReduction  decimal.Decimal
	ReduceLossReduction decimal.Decimal
	HedgeLossReduction  decimal.Decimal

	failures map[string]error
	calls    []SimCall
	logger   *logrus.Entry
}

// SimCall records one dispatched command for assertions.
type SimCall struct {
	Op        string
	AccountID string
	Target    string
	Value     float64
}

// NewSimDispatcher builds a simulator with sub-millisecond latencies so
// tests stay fast. Production dry runs can raise them to realistic values.
func NewSimDispatcher() *SimDispatcher {
	return &SimDispatcher{
		CloseLatency:        time.Millisecond,
		ReduceLatency:       time.Millisecond,
		HedgeLatency:        time.Millisecond,
		TransferLatency:     2 * time.Millisecond,
		CloseLossReduction:  decimal.NewFromInt(100),
		ReduceLossReduction: decimal.NewFromInt(50),
		HedgeLossReduction:  decimal.NewFromInt(30),
		failures:            make(map[string]error),
		logger:              logrus.WithField("component", "sim-dispatcher"),
	}
}

// FailTarget primes every command against the given position or account
// ID to return err.
func (s *SimDispatcher) FailTarget(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id] = err
}

// Calls returns a copy of all recorded commands in dispatch order.
func (s *SimDispatcher) Calls() []SimCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *SimDispatcher) record(ctx context.Context, call SimCall, latency time.Duration) error {
	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if err, ok := s.failures[call.Target]; ok {
		return err
	}
	if err, ok := s.failures[call.AccountID]; ok {
		return err
	}
	return nil
}

func (s *SimDispatcher) ClosePosition(ctx context.Context, accountID, positionID string) (*ActionOutcome, error) {
	start := time.Now()
	if err := s.record(ctx, SimCall{Op: "close", AccountID: accountID, Target: positionID}, s.CloseLatency); err != nil {
		return nil, fmt.Errorf("close %s: %w", positionID, err)
	}
	return &ActionOutcome{
		Success:       true,
		Detail:        fmt.Sprintf("closed %s", positionID),
		Latency:       time.Since(start),
		LossReduction: s.CloseLossReduction,
	}, nil
}

func (s *SimDispatcher) ReducePosition(ctx context.Context, accountID, positionID string, percentage float64) (*ActionOutcome, error) {
	start := time.Now()
	if err := s.record(ctx, SimCall{Op: "reduce", AccountID: accountID, Target: positionID, Value: percentage}, s.ReduceLatency); err != nil {
		return nil, fmt.Errorf("reduce %s: %w", positionID, err)
	}
	return &ActionOutcome{
		Success:       true,
		Detail:        fmt.Sprintf("reduced %s by %.1f%%", positionID, percentage),
		Latency:       time.Since(start),
		LossReduction: s.ReduceLossReduction.Mul(decimal.NewFromFloat(percentage / 100)).Round(2),
	}, nil
}

func (s *SimDispatcher) OpenHedge(ctx context.Context, accountID, symbol string, side types.PositionSide, lots float64) (*ActionOutcome, error) {
	start := time.Now()
	if err := s.record(ctx, SimCall{Op: "hedge", AccountID: accountID, Target: symbol, Value: lots}, s.HedgeLatency); err != nil {
		return nil, fmt.Errorf("hedge %s: %w", symbol, err)
	}
	return &ActionOutcome{
		Success:       true,
		Detail:        fmt.Sprintf("hedged %s %s %.2f lots", symbol, side, lots),
		Latency:       time.Since(start),
		LossReduction: s.HedgeLossReduction,
	}, nil
}

func (s *SimDispatcher) TransferBalance(ctx context.Context, fromAccountID, toAccountID string, amount decimal.Decimal) (*ActionOutcome, error) {
	start := time.Now()
	call := SimCall{Op: "transfer", AccountID: fromAccountID, Target: toAccountID, Value: amount.InexactFloat64()}
	if err := s.record(ctx, call, s.TransferLatency); err != nil {
		return nil, fmt.Errorf("transfer %s -> %s: %w", fromAccountID, toAccountID, err)
	}
	s.logger.WithFields(logrus.Fields{
		"from":   fromAccountID,
		"to":     toAccountID,
		"amount": amount.String(),
	}).Info("simulated balance transfer")
	return &ActionOutcome{
		Success: true,
		Detail:  fmt.Sprintf("transferred %s from %s to %s", amount.String(), fromAccountID, toAccountID),
		Latency: time.Since(start),
	}, nil
}
