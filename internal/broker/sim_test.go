package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hedgesys/sentinel/pkg/types"
)

func TestSimDispatcher_RecordsCallsInOrder(t *testing.T) {
	s := NewSimDispatcher()
	ctx := context.Background()

	_, err := s.ClosePosition(ctx, "acc-1", "pos-1")
	require.NoError(t, err)
	_, err = s.ReducePosition(ctx, "acc-1", "pos-2", 50)
	require.NoError(t, err)
	_, err = s.OpenHedge(ctx, "acc-1", "EURUSD", types.PositionSideSell, 1.5)
	require.NoError(t, err)

	calls := s.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "close", calls[0].Op)
	assert.Equal(t, "reduce", calls[1].Op)
	assert.Equal(t, "hedge", calls[2].Op)
}

func TestSimDispatcher_ReduceScalesLossReduction(t *testing.T) {
	s := NewSimDispatcher()
	s.ReduceLossReduction = decimal.NewFromInt(80)

	out, err := s.ReducePosition(context.Background(), "acc-1", "pos-1", 50)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "40", out.LossReduction.String())
}

func TestSimDispatcher_InjectedFailure(t *testing.T) {
	s := NewSimDispatcher()
	s.FailTarget("pos-bad", errors.New("rejected"))

	_, err := s.ClosePosition(context.Background(), "acc-1", "pos-bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")

	// Other targets are unaffected.
	out, err := s.ClosePosition(context.Background(), "acc-1", "pos-ok")
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestSimDispatcher_ContextCancellation(t *testing.T) {
	s := NewSimDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.TransferBalance(ctx, "acc-1", "acc-2", decimal.NewFromInt(500))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Calls())
}
