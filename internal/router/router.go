// Package router validates, routes, and tracks order lifecycles across
// registered venues.
package router

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantmill/tradecore/errs"
	"github.com/quantmill/tradecore/internal/bus"
	"github.com/quantmill/tradecore/internal/observability"
	"github.com/quantmill/tradecore/internal/schema"
	"github.com/quantmill/tradecore/internal/telemetry"
)

// OrderRequest is the caller-supplied order intent. The router assigns the ID,
// venue, and lifecycle state.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          schema.TradeSide
	Type          schema.OrderType
	Quantity      float64
	Price         float64
	StopPrice     float64
	TimeInForce   schema.TimeInForce

	// TWAP/VWAP parameters.
	Duration time.Duration
	Slices   int

	// Iceberg parameter.
	VisibleQty float64
}

// Fill is the execution report published on the fills topic.
type Fill struct {
	OrderID   uint64            `json:"order_id"`
	Symbol    string            `json:"symbol"`
	Side      schema.TradeSide  `json:"side"`
	Quantity  float64           `json:"quantity"`
	Price     float64           `json:"price"`
	State     schema.OrderState `json:"state"`
	Venue     string            `json:"venue"`
	Timestamp int64             `json:"timestamp"`
}

// Config tunes router behavior.
type Config struct {
	// ArchiveCapacity bounds how many terminal orders stay queryable. The
	// oldest terminal order is evicted once the bound is hit.
	ArchiveCapacity int
	// Publisher, when set, receives order and fill events. Publish failures
	// are logged, never propagated to the caller.
	Publisher bus.Publisher
}

func (c Config) normalize() Config {
	if c.ArchiveCapacity <= 0 {
		c.ArchiveCapacity = 10000
	}
	return c
}

// Stats is a snapshot of router counters.
type Stats struct {
	OrdersRouted    uint64         `json:"orders_routed"`
	OrdersFilled    uint64         `json:"orders_filled"`
	OrdersCancelled uint64         `json:"orders_cancelled"`
	OrdersRejected  uint64         `json:"orders_rejected"`
	ActiveOrders    int            `json:"active_orders"`
	TrackedOrders   int            `json:"tracked_orders"`
	Venues          int            `json:"venues"`
	ByVenue         map[string]int `json:"by_venue"`
}

// Router owns the order book of record: every order it accepts is tracked
// through its lifecycle, and terminal orders stay queryable until the archive
// bound evicts them.
type Router struct {
	cfg Config

	nextID atomic.Uint64

	mu       sync.RWMutex
	orders   map[uint64]*schema.Order
	venues   []*Venue
	terminal []uint64 // FIFO of terminal order IDs, oldest first

	routed    atomic.Uint64
	filled    atomic.Uint64
	cancelled atomic.Uint64
	rejected  atomic.Uint64

	routedCounter   metric.Int64Counter
	rejectedCounter metric.Int64Counter
	fillCounter     metric.Int64Counter
}

// New constructs a router. Register at least one venue before routing.
func New(cfg Config) *Router {
	r := &Router{
		cfg:    cfg.normalize(),
		orders: make(map[uint64]*schema.Order),
	}

	meter := otel.Meter("tradecore/router")
	r.routedCounter, _ = meter.Int64Counter("router.orders.routed",
		metric.WithDescription("Number of orders accepted and assigned a venue"),
		metric.WithUnit("{order}"))
	r.rejectedCounter, _ = meter.Int64Counter("router.orders.rejected",
		metric.WithDescription("Number of orders rejected at validation or routing"),
		metric.WithUnit("{order}"))
	r.fillCounter, _ = meter.Int64Counter("router.fills",
		metric.WithDescription("Number of fill reports applied"),
		metric.WithUnit("{fill}"))

	return r
}

// RegisterVenue adds an execution destination. Venue names must be unique.
func (r *Router) RegisterVenue(v Venue) error {
	if err := v.init(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.venues {
		if existing.Name == v.Name {
			return errs.New("router/register_venue", errs.CodeConflict,
				errs.WithMessage("venue already registered: "+v.Name))
		}
	}
	r.venues = append(r.venues, &v)
	return nil
}

// Validate checks the request against per-type parameter rules without
// routing it.
func (r *Router) Validate(req OrderRequest) error {
	const op = "router/validate"
	if req.Symbol == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if req.Side != schema.SideBuy && req.Side != schema.SideSell {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("side must be BUY or SELL"))
	}
	if req.Quantity <= 0 {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}

	switch req.Type {
	case schema.OrderTypeMarket:
	case schema.OrderTypeLimit:
		if req.Price <= 0 {
			return errs.New(op, errs.CodeInvalid, errs.WithMessage("limit order requires a positive price"))
		}
	case schema.OrderTypeStop:
		if req.StopPrice <= 0 {
			return errs.New(op, errs.CodeInvalid, errs.WithMessage("stop order requires a positive stop price"))
		}
	case schema.OrderTypeStopLimit:
		if req.Price <= 0 {
			return errs.New(op, errs.CodeInvalid, errs.WithMessage("stop-limit order requires a positive price"))
		}
		if req.StopPrice <= 0 {
			return errs.New(op, errs.CodeInvalid, errs.WithMessage("stop-limit order requires a positive stop price"))
		}
	case schema.OrderTypeTWAP, schema.OrderTypeVWAP:
		if req.Duration <= 0 {
			return errs.New(op, errs.CodeInvalid, errs.WithMessage("algo order requires a positive duration"))
		}
		if req.Slices <= 0 {
			return errs.New(op, errs.CodeInvalid, errs.WithMessage("algo order requires a positive slice count"))
		}
	case schema.OrderTypeIceberg:
		if req.VisibleQty <= 0 {
			return errs.New(op, errs.CodeInvalid, errs.WithMessage("iceberg order requires a positive visible quantity"))
		}
		if req.VisibleQty >= req.Quantity {
			return errs.New(op, errs.CodeInvalid,
				errs.WithMessage("iceberg visible quantity must be less than total quantity"))
		}
	default:
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("unknown order type: "+string(req.Type)))
	}
	return nil
}

// Submit validates the request, selects a venue, and begins tracking the
// order in state NEW. A validation failure returns the rejected order (kept
// for audit) alongside the error; a routing failure tracks nothing.
func (r *Router) Submit(req OrderRequest) (schema.Order, error) {
	if err := r.Validate(req); err != nil {
		order := r.newOrder(req, "", schema.StateRejected)
		r.track(order)
		r.rejected.Add(1)
		r.countRejected(errs.ReasonOf(err))
		return order, err
	}

	venue := r.selectVenue(req)
	if venue == nil {
		r.rejected.Add(1)
		r.countRejected("no_route")
		return schema.Order{}, errs.New("router/submit", errs.CodeNoRoute,
			errs.WithMessage("no venue accepts "+string(req.Type)+" "+req.Symbol))
	}

	order := r.newOrder(req, venue.Name, schema.StateNew)
	r.track(order)
	r.routed.Add(1)
	if r.routedCounter != nil {
		r.routedCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrVenue.String(venue.Name),
			telemetry.AttrSymbol.String(req.Symbol),
			telemetry.AttrSide.String(string(req.Side)),
			telemetry.AttrOrderType.String(string(req.Type))))
	}

	observability.Log().Info("router: order routed",
		observability.F("order_id", order.ID),
		observability.F("symbol", order.Symbol),
		observability.F("type", string(order.Type)),
		observability.F("venue", venue.Name))
	r.publish(schema.TopicOrders, order)
	return order, nil
}

// Fill applies an execution report. Quantity is credited as reported, without
// clamping; an over-reporting venue is left visible in FilledQty.
func (r *Router) Fill(orderID uint64, quantity, price float64) (schema.Order, error) {
	const op = "router/fill"
	if quantity <= 0 {
		return schema.Order{}, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("fill quantity must be positive"))
	}

	r.mu.Lock()
	order, ok := r.orders[orderID]
	if !ok {
		r.mu.Unlock()
		return schema.Order{}, errs.New(op, errs.CodeNotFound,
			errs.WithMessage("unknown order"))
	}
	if !order.State.Active() {
		state := order.State
		r.mu.Unlock()
		return schema.Order{}, errs.New(op, errs.CodeConflict,
			errs.WithReason("order_not_active"),
			errs.WithMessage("order in state "+string(state)))
	}

	order.FilledQty += quantity
	order.UpdatedAt = time.Now().UnixNano()
	if order.FilledQty >= order.Quantity {
		order.State = schema.StateFilled
		r.filled.Add(1)
		r.archiveLocked(order.ID)
	} else {
		order.State = schema.StatePartiallyFilled
	}
	snapshot := *order
	r.mu.Unlock()

	if r.fillCounter != nil {
		r.fillCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrVenue.String(snapshot.Venue),
			telemetry.AttrState.String(string(snapshot.State))))
	}
	r.publish(schema.TopicFills, Fill{
		OrderID:   snapshot.ID,
		Symbol:    snapshot.Symbol,
		Side:      snapshot.Side,
		Quantity:  quantity,
		Price:     price,
		State:     snapshot.State,
		Venue:     snapshot.Venue,
		Timestamp: snapshot.UpdatedAt,
	})
	return snapshot, nil
}

// Cancel transitions an active order to CANCELLED. Cancelling a terminal
// order is a conflict, not a missing order; the record stays queryable.
func (r *Router) Cancel(orderID uint64) (schema.Order, error) {
	const op = "router/cancel"

	r.mu.Lock()
	order, ok := r.orders[orderID]
	if !ok {
		r.mu.Unlock()
		return schema.Order{}, errs.New(op, errs.CodeNotFound,
			errs.WithMessage("unknown order"))
	}
	if !order.State.Active() {
		state := order.State
		r.mu.Unlock()
		return schema.Order{}, errs.New(op, errs.CodeConflict,
			errs.WithReason("order_not_active"),
			errs.WithMessage("order in state "+string(state)))
	}

	order.State = schema.StateCancelled
	order.UpdatedAt = time.Now().UnixNano()
	r.cancelled.Add(1)
	r.archiveLocked(order.ID)
	snapshot := *order
	r.mu.Unlock()

	observability.Log().Info("router: order cancelled",
		observability.F("order_id", snapshot.ID),
		observability.F("symbol", snapshot.Symbol))
	r.publish(schema.TopicOrders, snapshot)
	return snapshot, nil
}

// Expire transitions an active order to EXPIRED on a venue expiry report.
func (r *Router) Expire(orderID uint64) (schema.Order, error) {
	const op = "router/expire"

	r.mu.Lock()
	order, ok := r.orders[orderID]
	if !ok {
		r.mu.Unlock()
		return schema.Order{}, errs.New(op, errs.CodeNotFound,
			errs.WithMessage("unknown order"))
	}
	if !order.State.Active() {
		state := order.State
		r.mu.Unlock()
		return schema.Order{}, errs.New(op, errs.CodeConflict,
			errs.WithReason("order_not_active"),
			errs.WithMessage("order in state "+string(state)))
	}

	order.State = schema.StateExpired
	order.UpdatedAt = time.Now().UnixNano()
	r.archiveLocked(order.ID)
	snapshot := *order
	r.mu.Unlock()

	r.publish(schema.TopicOrders, snapshot)
	return snapshot, nil
}

// Get returns a copy of the tracked order.
func (r *Router) Get(orderID uint64) (schema.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[orderID]
	if !ok {
		return schema.Order{}, false
	}
	return *order, true
}

// ActiveOrders returns copies of every order still accepting fills, ordered
// by ID.
func (r *Router) ActiveOrders() []schema.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if order.State.Active() {
			out = append(out, *order)
		}
	}
	sortOrders(out)
	return out
}

// OrdersBySymbol returns copies of every tracked order for symbol, ordered
// by ID.
func (r *Router) OrdersBySymbol(symbol string) []schema.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []schema.Order
	for _, order := range r.orders {
		if order.Symbol == symbol {
			out = append(out, *order)
		}
	}
	sortOrders(out)
	return out
}

// Stats returns a snapshot of router counters.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	active := 0
	byVenue := make(map[string]int, len(r.venues))
	for _, order := range r.orders {
		if order.State.Active() {
			active++
		}
		if order.Venue != "" {
			byVenue[order.Venue]++
		}
	}
	tracked := len(r.orders)
	venues := len(r.venues)
	r.mu.RUnlock()

	return Stats{
		OrdersRouted:    r.routed.Load(),
		OrdersFilled:    r.filled.Load(),
		OrdersCancelled: r.cancelled.Load(),
		OrdersRejected:  r.rejected.Load(),
		ActiveOrders:    active,
		TrackedOrders:   tracked,
		Venues:          venues,
		ByVenue:         byVenue,
	}
}

func (r *Router) newOrder(req OrderRequest, venue string, state schema.OrderState) schema.Order {
	now := time.Now().UnixNano()
	return schema.Order{
		ID:            r.nextID.Add(1),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
		State:         state,
		Venue:         venue,
		Duration:      req.Duration,
		Slices:        req.Slices,
		VisibleQty:    req.VisibleQty,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (r *Router) track(order schema.Order) {
	stored := order
	r.mu.Lock()
	r.orders[stored.ID] = &stored
	if stored.State.Terminal() {
		r.archiveLocked(stored.ID)
	}
	r.mu.Unlock()
}

// selectVenue picks the highest-priority venue that supports the order type
// and accepts the quantity. Ties go to the earliest-registered venue.
func (r *Router) selectVenue(req OrderRequest) *Venue {
	r.mu.RLock()
	candidates := make([]*Venue, len(r.venues))
	copy(candidates, r.venues)
	r.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})
	for _, v := range candidates {
		if v.Supports(req.Type) && v.Accepts(req.Quantity) {
			return v
		}
	}
	return nil
}

// archiveLocked records a terminal order ID and evicts the oldest terminal
// order beyond the archive bound. Caller holds r.mu.
func (r *Router) archiveLocked(id uint64) {
	r.terminal = append(r.terminal, id)
	for len(r.terminal) > r.cfg.ArchiveCapacity {
		evicted := r.terminal[0]
		r.terminal = r.terminal[1:]
		delete(r.orders, evicted)
	}
}

func (r *Router) countRejected(reason string) {
	if r.rejectedCounter == nil {
		return
	}
	if reason == "" {
		reason = "invalid_request"
	}
	r.rejectedCounter.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrReason.String(reason)))
}

func (r *Router) publish(topic schema.Topic, payload any) {
	if r.cfg.Publisher == nil {
		return
	}
	if err := r.cfg.Publisher.Publish(topic, payload); err != nil {
		observability.Log().Debug("router: event publish dropped",
			observability.F("topic", string(topic)),
			observability.F("error", err.Error()))
	}
}

func sortOrders(orders []schema.Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
}
