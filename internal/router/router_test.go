package router

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantmill/tradecore/errs"
	"github.com/quantmill/tradecore/internal/schema"
)

type capturingPublisher struct {
	topics   []schema.Topic
	payloads []any
}

func (p *capturingPublisher) Publish(topic schema.Topic, payload any) error {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return nil
}

func newTestRouter(t *testing.T, venues ...Venue) *Router {
	t.Helper()
	r := New(Config{})
	for _, v := range venues {
		if err := r.RegisterVenue(v); err != nil {
			t.Fatalf("register venue %s: %v", v.Name, err)
		}
	}
	return r
}

func marketBuy(symbol string, qty float64) OrderRequest {
	return OrderRequest{
		Symbol:   symbol,
		Side:     schema.SideBuy,
		Type:     schema.OrderTypeMarket,
		Quantity: qty,
	}
}

func TestValidatePerType(t *testing.T) {
	r := newTestRouter(t, Venue{Name: "primary", Priority: 1})

	cases := []struct {
		name string
		req  OrderRequest
		ok   bool
	}{
		{"market", marketBuy("BTC-USD", 1), true},
		{"zero quantity", marketBuy("BTC-USD", 0), false},
		{"missing symbol", OrderRequest{Side: schema.SideBuy, Type: schema.OrderTypeMarket, Quantity: 1}, false},
		{"bad side", OrderRequest{Symbol: "BTC-USD", Side: "HOLD", Type: schema.OrderTypeMarket, Quantity: 1}, false},
		{"limit without price", OrderRequest{Symbol: "BTC-USD", Side: schema.SideBuy, Type: schema.OrderTypeLimit, Quantity: 1}, false},
		{"limit with price", OrderRequest{Symbol: "BTC-USD", Side: schema.SideBuy, Type: schema.OrderTypeLimit, Quantity: 1, Price: 50000}, true},
		{"stop without stop price", OrderRequest{Symbol: "BTC-USD", Side: schema.SideSell, Type: schema.OrderTypeStop, Quantity: 1}, false},
		{"stop-limit missing stop", OrderRequest{Symbol: "BTC-USD", Side: schema.SideSell, Type: schema.OrderTypeStopLimit, Quantity: 1, Price: 49000}, false},
		{"stop-limit complete", OrderRequest{Symbol: "BTC-USD", Side: schema.SideSell, Type: schema.OrderTypeStopLimit, Quantity: 1, Price: 49000, StopPrice: 49500}, true},
		{"twap without duration", OrderRequest{Symbol: "BTC-USD", Side: schema.SideBuy, Type: schema.OrderTypeTWAP, Quantity: 10, Slices: 5}, false},
		{"vwap complete", OrderRequest{Symbol: "BTC-USD", Side: schema.SideBuy, Type: schema.OrderTypeVWAP, Quantity: 10, Duration: time.Hour, Slices: 12}, true},
		{"iceberg visible >= total", OrderRequest{Symbol: "BTC-USD", Side: schema.SideBuy, Type: schema.OrderTypeIceberg, Quantity: 10, VisibleQty: 10}, false},
		{"iceberg valid", OrderRequest{Symbol: "BTC-USD", Side: schema.SideBuy, Type: schema.OrderTypeIceberg, Quantity: 10, VisibleQty: 2}, true},
		{"unknown type", OrderRequest{Symbol: "BTC-USD", Side: schema.SideBuy, Type: "PEG", Quantity: 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Validate(tc.req)
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && !errs.Is(err, errs.CodeInvalid) {
				t.Fatalf("expected invalid_request, got %v", err)
			}
		})
	}
}

func TestVenueSelectionDeterministic(t *testing.T) {
	r := newTestRouter(t,
		Venue{Name: "alpha", Priority: 5},
		Venue{Name: "beta", Priority: 10},
		Venue{Name: "gamma", Priority: 10},
	)

	// Highest priority wins; between beta and gamma, beta registered first.
	for i := 0; i < 3; i++ {
		order, err := r.Submit(marketBuy("BTC-USD", 1))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if order.Venue != "beta" {
			t.Fatalf("run %d routed to %q, want beta", i, order.Venue)
		}
	}
}

func TestVenueSelectionRespectsTypeAndSize(t *testing.T) {
	r := newTestRouter(t,
		Venue{
			Name:           "spot-only",
			Priority:       10,
			SupportedTypes: []schema.OrderType{schema.OrderTypeMarket, schema.OrderTypeLimit},
			MaxOrderSize:   decimal.NewFromInt(5),
		},
		Venue{Name: "full", Priority: 1},
	)

	small, err := r.Submit(marketBuy("BTC-USD", 2))
	if err != nil {
		t.Fatalf("submit small: %v", err)
	}
	if small.Venue != "spot-only" {
		t.Fatalf("small order routed to %q", small.Venue)
	}

	// Over the top venue's max size; falls through to the lower-priority venue.
	big, err := r.Submit(marketBuy("BTC-USD", 50))
	if err != nil {
		t.Fatalf("submit big: %v", err)
	}
	if big.Venue != "full" {
		t.Fatalf("big order routed to %q", big.Venue)
	}

	algo, err := r.Submit(OrderRequest{
		Symbol: "BTC-USD", Side: schema.SideBuy, Type: schema.OrderTypeTWAP,
		Quantity: 3, Duration: time.Hour, Slices: 6,
	})
	if err != nil {
		t.Fatalf("submit twap: %v", err)
	}
	if algo.Venue != "full" {
		t.Fatalf("twap routed to %q, want full", algo.Venue)
	}
}

func TestNoRouteNotTracked(t *testing.T) {
	r := newTestRouter(t, Venue{
		Name:           "limit-only",
		Priority:       1,
		SupportedTypes: []schema.OrderType{schema.OrderTypeLimit},
	})

	_, err := r.Submit(marketBuy("BTC-USD", 1))
	if !errs.Is(err, errs.CodeNoRoute) {
		t.Fatalf("expected no_route, got %v", err)
	}
	if s := r.Stats(); s.TrackedOrders != 0 || s.OrdersRejected != 1 {
		t.Fatalf("unroutable order must not be tracked: %+v", s)
	}
}

func TestValidationFailureKeptForAudit(t *testing.T) {
	r := newTestRouter(t, Venue{Name: "primary", Priority: 1})

	order, err := r.Submit(marketBuy("BTC-USD", -1))
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
	if order.State != schema.StateRejected {
		t.Fatalf("state = %s, want REJECTED", order.State)
	}
	got, ok := r.Get(order.ID)
	if !ok || got.State != schema.StateRejected {
		t.Fatalf("rejected order must stay queryable: ok=%v %+v", ok, got)
	}
}

func TestFillLifecycle(t *testing.T) {
	pub := &capturingPublisher{}
	r := New(Config{Publisher: pub})
	if err := r.RegisterVenue(Venue{Name: "primary", Priority: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}

	order, err := r.Submit(marketBuy("BTC-USD", 10))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	partial, err := r.Fill(order.ID, 4, 50000)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if partial.State != schema.StatePartiallyFilled || partial.FilledQty != 4 {
		t.Fatalf("after partial: %+v", partial)
	}

	full, err := r.Fill(order.ID, 6, 50100)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if full.State != schema.StateFilled || full.Remaining() != 0 {
		t.Fatalf("after full: %+v", full)
	}

	// One orders event on submit, one fills event per fill.
	var fills int
	for _, topic := range pub.topics {
		if topic == schema.TopicFills {
			fills++
		}
	}
	if fills != 2 {
		t.Fatalf("published %d fill events, want 2", fills)
	}

	if _, err := r.Fill(order.ID, 1, 50200); !errs.Is(err, errs.CodeConflict) {
		t.Fatalf("fill on terminal order: %v", err)
	}
}

func TestOverfillLeftDetectable(t *testing.T) {
	r := newTestRouter(t, Venue{Name: "primary", Priority: 1})
	order, err := r.Submit(marketBuy("BTC-USD", 5))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	filled, err := r.Fill(order.ID, 7, 50000)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if filled.State != schema.StateFilled {
		t.Fatalf("state = %s", filled.State)
	}
	if filled.Remaining() != -2 {
		t.Fatalf("over-fill must stay visible, remaining = %f", filled.Remaining())
	}
}

func TestCancelSemantics(t *testing.T) {
	r := newTestRouter(t, Venue{Name: "primary", Priority: 1})
	order, err := r.Submit(marketBuy("BTC-USD", 1))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	cancelled, err := r.Cancel(order.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != schema.StateCancelled {
		t.Fatalf("state = %s", cancelled.State)
	}

	// A second cancel is a lifecycle conflict, not a missing order.
	_, err = r.Cancel(order.ID)
	if !errs.Is(err, errs.CodeConflict) {
		t.Fatalf("repeat cancel: %v", err)
	}
	if errs.ReasonOf(err) != "order_not_active" {
		t.Fatalf("reason = %q", errs.ReasonOf(err))
	}

	_, err = r.Cancel(99999)
	if !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("cancel unknown: %v", err)
	}
}

func TestExpire(t *testing.T) {
	r := newTestRouter(t, Venue{Name: "primary", Priority: 1})
	order, err := r.Submit(marketBuy("BTC-USD", 1))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	expired, err := r.Expire(order.ID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired.State != schema.StateExpired {
		t.Fatalf("state = %s", expired.State)
	}
	if _, err := r.Fill(order.ID, 1, 50000); !errs.Is(err, errs.CodeConflict) {
		t.Fatalf("fill after expiry: %v", err)
	}
}

func TestArchiveEviction(t *testing.T) {
	r := New(Config{ArchiveCapacity: 2})
	if err := r.RegisterVenue(Venue{Name: "primary", Priority: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var ids []uint64
	for i := 0; i < 3; i++ {
		order, err := r.Submit(marketBuy("BTC-USD", 1))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if _, err := r.Cancel(order.ID); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		ids = append(ids, order.ID)
	}

	if _, ok := r.Get(ids[0]); ok {
		t.Fatal("oldest terminal order should have been evicted")
	}
	if _, ok := r.Get(ids[1]); !ok {
		t.Fatal("recent terminal order should still be queryable")
	}
	if _, ok := r.Get(ids[2]); !ok {
		t.Fatal("latest terminal order should still be queryable")
	}
}

func TestQueriesAndStats(t *testing.T) {
	r := newTestRouter(t, Venue{Name: "primary", Priority: 1})

	a, _ := r.Submit(marketBuy("BTC-USD", 1))
	b, _ := r.Submit(marketBuy("ETH-USD", 2))
	c, _ := r.Submit(marketBuy("BTC-USD", 3))
	if _, err := r.Cancel(b.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	active := r.ActiveOrders()
	if len(active) != 2 || active[0].ID != a.ID || active[1].ID != c.ID {
		t.Fatalf("active orders: %+v", active)
	}
	btc := r.OrdersBySymbol("BTC-USD")
	if len(btc) != 2 {
		t.Fatalf("btc orders: %+v", btc)
	}

	s := r.Stats()
	if s.OrdersRouted != 3 || s.OrdersCancelled != 1 || s.ActiveOrders != 2 {
		t.Fatalf("stats: %+v", s)
	}
	if s.ByVenue["primary"] != 3 {
		t.Fatalf("by venue: %+v", s.ByVenue)
	}
}

func TestDuplicateVenueRejected(t *testing.T) {
	r := newTestRouter(t, Venue{Name: "primary", Priority: 1})
	err := r.RegisterVenue(Venue{Name: "primary", Priority: 2})
	if !errs.Is(err, errs.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestVenueFeeEstimate(t *testing.T) {
	v := Venue{Name: "primary", FeeRate: decimal.RequireFromString("0.001")}
	if err := v.init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	fee := v.EstimateFee(2, 50000)
	if !fee.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("fee = %s, want 100", fee)
	}
}
