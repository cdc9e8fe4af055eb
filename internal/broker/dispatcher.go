package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hedgesys/sentinel/pkg/types"
)

// ActionOutcome reports what a dispatched command achieved.
type ActionOutcome struct {
	Success       bool            `json:"success"`
	Detail        string          `json:"detail,omitempty"`
	Latency       time.Duration   `json:"latency"`
	LossReduction decimal.Decimal `json:"loss_reduction"`
}

// Dispatcher is the outbound command channel to a broker. Implementations
// must be safe for concurrent use; the execution engine serializes calls
// per response but multiple responses may run at once.
type Dispatcher interface {
	// ClosePosition closes the position entirely at market.
	ClosePosition(ctx context.Context, accountID, positionID string) (*ActionOutcome, error)

	// ReducePosition closes the given percentage of the position.
	ReducePosition(ctx context.Context, accountID, positionID string, percentage float64) (*ActionOutcome, error)

	// OpenHedge opens an offsetting position sized by lots.
	OpenHedge(ctx context.Context, accountID, symbol string, side types.PositionSide, lots float64) (*ActionOutcome, error)

	// TransferBalance moves funds between two accounts at the broker.
	TransferBalance(ctx context.Context, fromAccountID, toAccountID string, amount decimal.Decimal) (*ActionOutcome, error)
}
