// Package schema defines the canonical message, order, and position types shared
// by the execution core.
package schema

// Topic addresses a stream on the message bus. TopicAll subscribes to every topic.
type Topic string

// TopicAll is the wildcard topic filter.
const TopicAll Topic = "*"

// Common topics published by the core.
const (
	TopicMarketData Topic = "market.data"
	TopicSignals    Topic = "signals"
	TopicOrders     Topic = "orders"
	TopicFills      Topic = "fills"
	TopicRisk       Topic = "risk"
)

// Envelope wraps a payload for bus distribution. Immutable once published;
// Sequence imposes a total publish order across all topics.
type Envelope struct {
	Topic     Topic
	Payload   any
	Timestamp int64
	Sequence  uint64
}

// MessageKind discriminates the closed set of engine message variants.
type MessageKind uint8

const (
	// KindSignal carries a trading signal. Observational: never mutates positions.
	KindSignal MessageKind = iota + 1
	// KindMarketData re-prices the position for its symbol.
	KindMarketData
	// KindExecuteOrder creates or replaces the position for its symbol.
	KindExecuteOrder
	// KindCancelOrder is forwarded for telemetry; the router owns cancellation.
	KindCancelOrder
	// KindEmergencyStop clears all positions and halts the engine.
	KindEmergencyStop
)

// String returns the wire name of the message kind.
func (k MessageKind) String() string {
	switch k {
	case KindSignal:
		return "signal"
	case KindMarketData:
		return "market_data"
	case KindExecuteOrder:
		return "execute_order"
	case KindCancelOrder:
		return "cancel_order"
	case KindEmergencyStop:
		return "emergency_stop"
	default:
		return "unknown"
	}
}

// SignalAction is the advisory direction carried by a signal message.
type SignalAction uint8

const (
	// ActionHold advises no change.
	ActionHold SignalAction = iota
	// ActionBuy advises opening or adding to a long.
	ActionBuy
	// ActionSell advises opening or adding to a short, or flattening a long.
	ActionSell
)

// String returns the wire name of the action.
func (a SignalAction) String() string {
	switch a {
	case ActionBuy:
		return "buy"
	case ActionSell:
		return "sell"
	default:
		return "hold"
	}
}

// Message is the engine's tagged-union input. The variant set is fixed; fields
// beyond those of the active Kind are ignored. A flat struct keeps the submit
// path allocation-free.
type Message struct {
	Kind MessageKind

	Symbol string

	// Signal fields.
	Action     SignalAction
	Confidence float64

	// Market-data fields.
	Volume float64

	// Order fields.
	OrderID  uint64
	Side     PositionSide
	Quantity float64
	Price    float64

	// Nanosecond wall-clock timestamp assigned by the producer.
	Timestamp int64
}

// SignalMessage builds a Signal variant.
func SignalMessage(symbol string, action SignalAction, price, quantity, confidence float64) Message {
	return Message{
		Kind:       KindSignal,
		Symbol:     symbol,
		Action:     action,
		Price:      price,
		Quantity:   quantity,
		Confidence: confidence,
	}
}

// MarketDataMessage builds a MarketData variant.
func MarketDataMessage(symbol string, price, volume float64, ts int64) Message {
	return Message{
		Kind:      KindMarketData,
		Symbol:    symbol,
		Price:     price,
		Volume:    volume,
		Timestamp: ts,
	}
}

// ExecuteOrderMessage builds an ExecuteOrder variant.
func ExecuteOrderMessage(orderID uint64, symbol string, side PositionSide, quantity, price float64) Message {
	return Message{
		Kind:     KindExecuteOrder,
		OrderID:  orderID,
		Symbol:   symbol,
		Side:     side,
		Quantity: quantity,
		Price:    price,
	}
}

// CancelOrderMessage builds a CancelOrder variant.
func CancelOrderMessage(orderID uint64, symbol string) Message {
	return Message{Kind: KindCancelOrder, OrderID: orderID, Symbol: symbol}
}

// EmergencyStopMessage builds the kill-switch variant.
func EmergencyStopMessage() Message {
	return Message{Kind: KindEmergencyStop}
}
