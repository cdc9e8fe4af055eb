package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hedgesys/sentinel/pkg/types"
)

// PositionResolver maps a position ID to its live snapshot. The risk
// monitor's feed already tracks positions per account; the adapter only
// needs symbol, side and lots to build a closing order.
type PositionResolver interface {
	ResolvePosition(ctx context.Context, accountID, positionID string) (*types.Position, error)
}

// BinanceDispatcher sends commands to Binance USDT-M futures. One client
// serves all monitored accounts trading under the same API key.
type BinanceDispatcher struct {
	client   *futures.Client
	resolver PositionResolver
	logger   *logrus.Entry
}

// NewBinanceDispatcher builds a dispatcher from API credentials.
func NewBinanceDispatcher(apiKey, secretKey string, resolver PositionResolver) *BinanceDispatcher {
	return &BinanceDispatcher{
		client:   binance.NewFuturesClient(apiKey, secretKey),
		resolver: resolver,
		logger:   logrus.WithField("component", "binance-dispatcher"),
	}
}

func (b *BinanceDispatcher) ClosePosition(ctx context.Context, accountID, positionID string) (*ActionOutcome, error) {
	return b.closeFraction(ctx, accountID, positionID, 100)
}

func (b *BinanceDispatcher) ReducePosition(ctx context.Context, accountID, positionID string, percentage float64) (*ActionOutcome, error) {
	if percentage <= 0 || percentage > 100 {
		return nil, fmt.Errorf("invalid reduce percentage %.2f", percentage)
	}
	return b.closeFraction(ctx, accountID, positionID, percentage)
}

// closeFraction sends a reduce-only market order against the fraction of
// the resolved position.
func (b *BinanceDispatcher) closeFraction(ctx context.Context, accountID, positionID string, percentage float64) (*ActionOutcome, error) {
	pos, err := b.resolver.ResolvePosition(ctx, accountID, positionID)
	if err != nil {
		return nil, fmt.Errorf("resolve position %s: %w", positionID, err)
	}

	// A close order takes the opposite side of the position.
	orderSide := futures.SideTypeSell
	if pos.Side == types.PositionSideSell {
		orderSide = futures.SideTypeBuy
	}
	qty := pos.Lots * percentage / 100

	start := time.Now()
	order, err := b.client.NewCreateOrderService().
		Symbol(pos.Symbol).
		Side(orderSide).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(qty, 'f', -1, 64)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("close order %s: %w", pos.Symbol, err)
	}

	b.logger.WithFields(logrus.Fields{
		"account":  accountID,
		"symbol":   pos.Symbol,
		"order_id": order.OrderID,
		"percent":  percentage,
	}).Info("position close order placed")

	// Closing a losing position stops that fraction of the drawdown.
	var lossReduction decimal.Decimal
	if pos.Profit < 0 {
		lossReduction = decimal.NewFromFloat(-pos.Profit * percentage / 100).Round(2)
	}

	return &ActionOutcome{
		Success:       true,
		Detail:        fmt.Sprintf("order %d: %s %s %.4f", order.OrderID, orderSide, pos.Symbol, qty),
		Latency:       time.Since(start),
		LossReduction: lossReduction,
	}, nil
}

func (b *BinanceDispatcher) OpenHedge(ctx context.Context, accountID, symbol string, side types.PositionSide, lots float64) (*ActionOutcome, error) {
	orderSide := futures.SideTypeBuy
	if side == types.PositionSideSell {
		orderSide = futures.SideTypeSell
	}

	start := time.Now()
	order, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(orderSide).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(lots, 'f', -1, 64)).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("hedge order %s: %w", symbol, err)
	}

	b.logger.WithFields(logrus.Fields{
		"account":  accountID,
		"symbol":   symbol,
		"order_id": order.OrderID,
		"lots":     lots,
	}).Info("hedge order placed")

	return &ActionOutcome{
		Success: true,
		Detail:  fmt.Sprintf("order %d: hedge %s %s %.4f", order.OrderID, orderSide, symbol, lots),
		Latency: time.Since(start),
	}, nil
}

// TransferBalance is not available over the futures order channel; the
// exchange exposes transfers only on the main account API, which this
// deployment does not hold keys for.
func (b *BinanceDispatcher) TransferBalance(ctx context.Context, fromAccountID, toAccountID string, amount decimal.Decimal) (*ActionOutcome, error) {
	return nil, fmt.Errorf("balance transfer %s -> %s not supported by futures channel", fromAccountID, toAccountID)
}
