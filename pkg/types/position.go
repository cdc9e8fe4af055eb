package types

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionSideBuy  PositionSide = "buy"
	PositionSideSell PositionSide = "sell"
)

// Position is an open position as reported by the position data service.
// The core never mutates positions; it only reads them and issues
// close/reduce/hedge commands against them.
type Position struct {
	ID             string       `json:"id"`
	Symbol         string       `json:"symbol"`
	Side           PositionSide `json:"side"`
	Lots           float64      `json:"lots"`
	OpenPrice      float64      `json:"open_price"`
	CurrentPrice   float64      `json:"current_price"`
	Profit         float64      `json:"profit"`
	MarginRequired float64      `json:"margin_required"`
}

// ProfitPerMargin measures margin efficiency: unrealized profit earned
// per unit of margin the position ties up.
func (p *Position) ProfitPerMargin() float64 {
	if p.MarginRequired == 0 {
		return 0
	}
	return p.Profit / p.MarginRequired
}

// NetExposure aggregates the signed lot exposure for a symbol.
type NetExposure struct {
	Symbol  string  `json:"symbol"`
	NetLots float64 `json:"net_lots"` // positive = net long
}

// NetExposures nets buy and sell lots per symbol across a position set.
func NetExposures(positions []Position) []NetExposure {
	net := make(map[string]float64)
	order := make([]string, 0)
	for _, p := range positions {
		if _, seen := net[p.Symbol]; !seen {
			order = append(order, p.Symbol)
		}
		if p.Side == PositionSideBuy {
			net[p.Symbol] += p.Lots
		} else {
			net[p.Symbol] -= p.Lots
		}
	}
	out := make([]NetExposure, 0, len(order))
	for _, sym := range order {
		out = append(out, NetExposure{Symbol: sym, NetLots: net[sym]})
	}
	return out
}
