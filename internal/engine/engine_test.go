package engine

import (
	"math"
	"testing"

	"github.com/quantmill/tradecore/errs"
	"github.com/quantmill/tradecore/internal/schema"
)

func drain(t *testing.T, e *Engine) int {
	t.Helper()
	return e.ProcessPending()
}

func TestExecuteOrderCreatesPosition(t *testing.T) {
	e := New(Config{})

	if err := e.Submit(schema.ExecuteOrderMessage(1, "BTC-USD", schema.SideLong, 2, 50000)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if n := drain(t, e); n != 1 {
		t.Fatalf("processed %d messages, want 1", n)
	}

	p, ok := e.Position("BTC-USD")
	if !ok {
		t.Fatal("position should exist after execution")
	}
	if p.Quantity != 2 || p.EntryPrice != 50000 || p.Side != schema.SideLong {
		t.Fatalf("unexpected position: %+v", p)
	}
	if p.UnrealizedPnL != 0 {
		t.Fatalf("fresh position must have zero unrealized pnl, got %f", p.UnrealizedPnL)
	}
}

func TestMarketDataRepricesLongAndShort(t *testing.T) {
	e := New(Config{})

	mustSubmit(t, e, schema.ExecuteOrderMessage(1, "BTC-USD", schema.SideLong, 2, 50000))
	mustSubmit(t, e, schema.ExecuteOrderMessage(2, "ETH-USD", schema.SideShort, 10, 3000))
	mustSubmit(t, e, schema.MarketDataMessage("BTC-USD", 51000, 1.5, 0))
	mustSubmit(t, e, schema.MarketDataMessage("ETH-USD", 3100, 20, 0))
	drain(t, e)

	long, _ := e.Position("BTC-USD")
	if got, want := long.UnrealizedPnL, float64(2*1000); got != want {
		t.Fatalf("long pnl = %f, want %f", got, want)
	}
	short, _ := e.Position("ETH-USD")
	if got, want := short.UnrealizedPnL, float64(-10*100); got != want {
		t.Fatalf("short pnl = %f, want %f", got, want)
	}
	if short.CurrentPrice != 3100 {
		t.Fatalf("mark price not updated: %+v", short)
	}
}

func TestMarketDataWithoutPositionIsNoop(t *testing.T) {
	e := New(Config{})
	mustSubmit(t, e, schema.MarketDataMessage("XRP-USD", 1.5, 100, 0))
	drain(t, e)
	if _, ok := e.Position("XRP-USD"); ok {
		t.Fatal("tick must not create a position")
	}
}

func TestQueueBackpressure(t *testing.T) {
	e := New(Config{QueueCapacity: 2})

	mustSubmit(t, e, schema.ExecuteOrderMessage(1, "BTC-USD", schema.SideLong, 1, 50000))
	mustSubmit(t, e, schema.ExecuteOrderMessage(2, "ETH-USD", schema.SideLong, 5, 3000))
	err := e.Submit(schema.ExecuteOrderMessage(3, "SOL-USD", schema.SideLong, 100, 150))
	if !errs.Is(err, errs.CodeQueueFull) {
		t.Fatalf("expected queue_full, got %v", err)
	}

	// The rejected message must not have disturbed the queued ones.
	if n := drain(t, e); n != 2 {
		t.Fatalf("processed %d messages, want 2", n)
	}
	positions := e.ListPositions()
	if len(positions) != 2 {
		t.Fatalf("expected 2 positions, got %d: %+v", len(positions), positions)
	}
	bySymbol := map[string]schema.Position{}
	for _, p := range positions {
		bySymbol[p.Symbol] = p
	}
	if p := bySymbol["BTC-USD"]; p.Quantity != 1 || p.EntryPrice != 50000 {
		t.Fatalf("unexpected BTC position: %+v", p)
	}
	if p := bySymbol["ETH-USD"]; p.Quantity != 5 || p.EntryPrice != 3000 {
		t.Fatalf("unexpected ETH position: %+v", p)
	}
	if _, ok := bySymbol["SOL-USD"]; ok {
		t.Fatal("rejected message must not produce a position")
	}
}

func TestZeroQuantityExecutionFlattens(t *testing.T) {
	e := New(Config{})
	mustSubmit(t, e, schema.ExecuteOrderMessage(1, "BTC-USD", schema.SideLong, 2, 50000))
	mustSubmit(t, e, schema.ExecuteOrderMessage(2, "BTC-USD", schema.SideLong, 0, 51000))
	drain(t, e)
	if _, ok := e.Position("BTC-USD"); ok {
		t.Fatal("zero-quantity execution must remove the position")
	}
}

func TestEmergencyStop(t *testing.T) {
	e := New(Config{})
	mustSubmit(t, e, schema.ExecuteOrderMessage(1, "BTC-USD", schema.SideLong, 2, 50000))
	mustSubmit(t, e, schema.EmergencyStopMessage())
	// Queued behind the stop; must never be applied.
	mustSubmit(t, e, schema.ExecuteOrderMessage(2, "ETH-USD", schema.SideLong, 5, 3000))

	n := drain(t, e)
	if n != 2 {
		t.Fatalf("drain must halt at the stop message, processed %d", n)
	}
	if !e.Halted() {
		t.Fatal("engine should be halted")
	}
	if got := len(e.ListPositions()); got != 0 {
		t.Fatalf("positions must be cleared, got %d", got)
	}

	err := e.Submit(schema.ExecuteOrderMessage(3, "SOL-USD", schema.SideLong, 1, 150))
	if !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable after halt, got %v", err)
	}
}

func TestBadMessageDoesNotAbortDrain(t *testing.T) {
	e := New(Config{})
	// An unknown kind exercises the fault path; the message after it must
	// still be applied.
	mustSubmit(t, e, schema.Message{Kind: schema.MessageKind(99), Symbol: "???"})
	mustSubmit(t, e, schema.ExecuteOrderMessage(1, "BTC-USD", schema.SideLong, 1, 50000))
	if n := drain(t, e); n != 2 {
		t.Fatalf("processed %d, want 2", n)
	}
	if _, ok := e.Position("BTC-USD"); !ok {
		t.Fatal("valid message after a bad one must still apply")
	}
}

func TestStats(t *testing.T) {
	e := New(Config{LatencyWindow: 16})
	for i := 0; i < 4; i++ {
		mustSubmit(t, e, schema.MarketDataMessage("BTC-USD", 50000+float64(i), 1, 0))
	}
	drain(t, e)

	s := e.Stats()
	if s.MessagesProcessed != 4 {
		t.Fatalf("messages_processed = %d", s.MessagesProcessed)
	}
	if s.MinLatencyNs < 0 || s.MaxLatencyNs < s.MinLatencyNs {
		t.Fatalf("latency window inconsistent: %+v", s)
	}
	if s.Halted {
		t.Fatal("engine should not be halted")
	}
	if math.IsNaN(s.UptimeSeconds) || s.UptimeSeconds < 0 {
		t.Fatalf("uptime = %f", s.UptimeSeconds)
	}
}

func mustSubmit(t *testing.T, e *Engine, msg schema.Message) {
	t.Helper()
	if err := e.Submit(msg); err != nil {
		t.Fatalf("submit %s: %v", msg.Kind, err)
	}
}
