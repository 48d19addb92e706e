package schema

// PositionSide marks the direction of an open position.
type PositionSide string

const (
	// SideLong profits when price rises.
	SideLong PositionSide = "LONG"
	// SideShort profits when price falls.
	SideShort PositionSide = "SHORT"
)

// Sign returns +1 for long, -1 for short.
func (s PositionSide) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Position is the per-symbol book entry. One Position per symbol; created on
// first fill, re-priced on every tick, removed when quantity returns to zero.
type Position struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Quantity      float64      `json:"quantity"`
	EntryPrice    float64      `json:"entry_price"`
	CurrentPrice  float64      `json:"current_price"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	RealizedPnL   float64      `json:"realized_pnl"`
}

// Reprice updates the mark price and recomputes unrealized PnL.
// Invariant: UnrealizedPnL == (CurrentPrice - EntryPrice) * Quantity * Side.Sign().
func (p *Position) Reprice(price float64) {
	p.CurrentPrice = price
	p.UnrealizedPnL = (price - p.EntryPrice) * p.Quantity * p.Side.Sign()
}

// Notional returns the absolute mark-to-market value of the position.
func (p *Position) Notional() float64 {
	v := p.Quantity * p.CurrentPrice
	if v < 0 {
		return -v
	}
	return v
}
