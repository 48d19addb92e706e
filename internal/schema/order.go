package schema

import "time"

// TradeSide is the direction of an order.
type TradeSide string

const (
	// SideBuy acquires the base asset.
	SideBuy TradeSide = "BUY"
	// SideSell disposes of the base asset.
	SideSell TradeSide = "SELL"
)

// OrderType enumerates supported order types.
type OrderType string

const (
	// OrderTypeMarket executes immediately at the prevailing price.
	OrderTypeMarket OrderType = "MARKET"
	// OrderTypeLimit executes at Price or better.
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeStop becomes a market order once StopPrice trades.
	OrderTypeStop OrderType = "STOP"
	// OrderTypeStopLimit becomes a limit order once StopPrice trades.
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
	// OrderTypeTWAP slices execution evenly over Duration.
	OrderTypeTWAP OrderType = "TWAP"
	// OrderTypeVWAP slices execution following the volume curve over Duration.
	OrderTypeVWAP OrderType = "VWAP"
	// OrderTypeIceberg shows only VisibleQuantity at a time.
	OrderTypeIceberg OrderType = "ICEBERG"
)

// TimeInForce constrains how long an order rests. Enforcement is venue-side.
type TimeInForce string

const (
	// TIFGoodTillCancelled rests until filled or cancelled.
	TIFGoodTillCancelled TimeInForce = "GTC"
	// TIFImmediateOrCancel fills what it can immediately, cancels the rest.
	TIFImmediateOrCancel TimeInForce = "IOC"
	// TIFFillOrKill fills completely immediately or not at all.
	TIFFillOrKill TimeInForce = "FOK"
)

// OrderState is the lifecycle state of a tracked order.
type OrderState string

const (
	// StateNew is the initial state after routing.
	StateNew OrderState = "NEW"
	// StatePartiallyFilled has accumulated some but not all quantity.
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	// StateFilled is terminal: the full quantity executed.
	StateFilled OrderState = "FILLED"
	// StateCancelled is terminal: cancelled from an active state.
	StateCancelled OrderState = "CANCELLED"
	// StateRejected is terminal: failed validation, kept for audit.
	StateRejected OrderState = "REJECTED"
	// StateExpired is terminal: the venue expired the order.
	StateExpired OrderState = "EXPIRED"
)

// Active reports whether the state accepts cancellation and further fills.
func (s OrderState) Active() bool {
	return s == StateNew || s == StatePartiallyFilled
}

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired:
		return true
	default:
		return false
	}
}

// Order is the router-owned order record. IDs are assigned monotonically on
// submission; only the router mutates an order after creation.
type Order struct {
	ID            uint64      `json:"id"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	Symbol        string      `json:"symbol"`
	Side          TradeSide   `json:"side"`
	Type          OrderType   `json:"type"`
	Quantity      float64     `json:"quantity"`
	FilledQty     float64     `json:"filled_quantity"`
	Price         float64     `json:"price,omitempty"`
	StopPrice     float64     `json:"stop_price,omitempty"`
	TimeInForce   TimeInForce `json:"time_in_force,omitempty"`
	State         OrderState  `json:"state"`
	Venue         string      `json:"venue,omitempty"`

	// TWAP/VWAP parameters.
	Duration time.Duration `json:"duration,omitempty"`
	Slices   int           `json:"slices,omitempty"`

	// Iceberg parameter; must be strictly less than Quantity.
	VisibleQty float64 `json:"visible_quantity,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Remaining returns the unfilled quantity. May be negative if a caller
// over-reports fills; over-fill is deliberately left detectable.
func (o *Order) Remaining() float64 {
	return o.Quantity - o.FilledQty
}
