// Package engine implements the execution engine: the single entry point for
// trading events, maintaining the authoritative in-memory position view.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c-pro/rolling"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantmill/tradecore/errs"
	"github.com/quantmill/tradecore/internal/observability"
	"github.com/quantmill/tradecore/internal/schema"
	"github.com/quantmill/tradecore/internal/telemetry"
)

// Config sizes the engine queue and latency sampling window.
type Config struct {
	// QueueCapacity bounds the submit queue; Submit fails with queue_full
	// once it is saturated.
	QueueCapacity int
	// LatencyWindow caps the rolling per-message latency sample count.
	LatencyWindow int
}

func (c Config) normalize() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 65536
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = 1000
	}
	return c
}

// Stats is a snapshot of engine performance counters. Latencies are sampled
// over the rolling window; throughput is messages per second since start.
type Stats struct {
	MessagesProcessed uint64  `json:"messages_processed"`
	OrdersExecuted    uint64  `json:"orders_executed"`
	MinLatencyNs      int64   `json:"min_latency_ns"`
	AvgLatencyNs      int64   `json:"avg_latency_ns"`
	MaxLatencyNs      int64   `json:"max_latency_ns"`
	Throughput        uint64  `json:"throughput"`
	OpenPositions     int     `json:"open_positions"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	Halted            bool    `json:"halted"`
}

// Engine consumes typed trading messages from a bounded queue and applies them
// to the position map. Submit never blocks; ProcessPending drains.
type Engine struct {
	cfg Config

	queue     chan schema.Message
	positions *positionMap
	halted    atomic.Bool

	processed atomic.Uint64
	executed  atomic.Uint64

	latMu   sync.Mutex
	latency *rolling.Window

	startedAt time.Time

	processedCounter metric.Int64Counter
	latencyHistogram metric.Float64Histogram
}

// New constructs an engine ready to accept messages.
func New(cfg Config) *Engine {
	cfg = cfg.normalize()
	e := &Engine{
		cfg:       cfg,
		queue:     make(chan schema.Message, cfg.QueueCapacity),
		positions: newPositionMap(),
		latency:   rolling.NewWindow(int64(cfg.LatencyWindow), time.Hour),
		startedAt: time.Now(),
	}

	meter := otel.Meter("tradecore/engine")
	e.processedCounter, _ = meter.Int64Counter("engine.messages.processed",
		metric.WithDescription("Number of messages applied to the position view"),
		metric.WithUnit("{message}"))
	e.latencyHistogram, _ = meter.Float64Histogram("engine.message.latency",
		metric.WithDescription("Per-message processing latency"),
		metric.WithUnit("us"))

	return e
}

// Submit enqueues a message without blocking. Fails with queue_full when the
// queue is saturated and unavailable once the engine is halted.
func (e *Engine) Submit(msg schema.Message) error {
	if e.halted.Load() {
		return errs.New("engine/submit", errs.CodeUnavailable,
			errs.WithMessage("engine halted by emergency stop"))
	}
	select {
	case e.queue <- msg:
		return nil
	default:
		return errs.New("engine/submit", errs.CodeQueueFull,
			errs.WithMessage("engine queue at capacity"))
	}
}

// ProcessPending drains the queue, applying each message to the position map,
// and returns the number of messages processed. A failure processing one
// message is logged and never aborts the drain. Processing stops early if an
// emergency stop message halts the engine.
func (e *Engine) ProcessPending() int {
	n := 0
	for {
		select {
		case msg := <-e.queue:
			e.processOne(msg)
			n++
			if e.halted.Load() {
				return n
			}
		default:
			return n
		}
	}
}

func (e *Engine) processOne(msg schema.Message) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("engine: message processing panic",
				observability.F("kind", msg.Kind.String()),
				observability.F("symbol", msg.Symbol),
				observability.F("panic", fmt.Sprint(r)))
		}
	}()

	switch msg.Kind {
	case schema.KindSignal:
		// Observational only; surfaced for telemetry, never mutates positions.
		observability.Log().Debug("engine: signal",
			observability.F("symbol", msg.Symbol),
			observability.F("action", msg.Action.String()),
			observability.F("confidence", msg.Confidence))
	case schema.KindMarketData:
		e.positions.reprice(msg.Symbol, msg.Price)
	case schema.KindExecuteOrder:
		e.applyExecution(msg)
	case schema.KindCancelOrder:
		// Cancellation is owned by the router; recorded here for the audit trail.
		observability.Log().Debug("engine: cancel order",
			observability.F("order_id", msg.OrderID),
			observability.F("symbol", msg.Symbol))
	case schema.KindEmergencyStop:
		e.emergencyStop()
	default:
		observability.Log().Error("engine: unknown message kind",
			observability.F("kind", int(msg.Kind)))
	}

	latency := time.Since(start)
	e.trackLatency(latency)
	e.processed.Add(1)
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrMessageType.String(msg.Kind.String()))
	if e.processedCounter != nil {
		e.processedCounter.Add(context.Background(), 1, attrs)
	}
	if e.latencyHistogram != nil {
		e.latencyHistogram.Record(context.Background(), float64(latency.Nanoseconds())/1e3, attrs)
	}
}

// applyExecution installs the executed order as the book's view for the symbol:
// the latest execution defines the position.
func (e *Engine) applyExecution(msg schema.Message) {
	p := schema.Position{
		Symbol:       msg.Symbol,
		Side:         msg.Side,
		Quantity:     msg.Quantity,
		EntryPrice:   msg.Price,
		CurrentPrice: msg.Price,
	}
	if p.Side == "" {
		p.Side = schema.SideLong
	}
	if p.Quantity == 0 {
		e.positions.remove(msg.Symbol)
	} else {
		e.positions.put(p)
	}
	e.executed.Add(1)
}

// emergencyStop clears all positions and halts further processing. Blunt by
// design: no graceful unwind.
func (e *Engine) emergencyStop() {
	e.halted.Store(true)
	e.positions.clear()
	observability.Log().Error("engine: emergency stop - positions cleared, processing halted")
}

// Halted reports whether an emergency stop has been processed.
func (e *Engine) Halted() bool {
	return e.halted.Load()
}

// Position returns a copy of the position for symbol.
func (e *Engine) Position(symbol string) (schema.Position, bool) {
	return e.positions.get(symbol)
}

// ListPositions returns copies of every open position.
func (e *Engine) ListPositions() []schema.Position {
	return e.positions.list()
}

func (e *Engine) trackLatency(d time.Duration) {
	e.latMu.Lock()
	e.latency.Add(float64(d.Nanoseconds()))
	e.latMu.Unlock()
}

// Stats returns a snapshot of performance counters.
func (e *Engine) Stats() Stats {
	e.latMu.Lock()
	minNs, avgNs, maxNs := e.latency.Min(), e.latency.Avg(), e.latency.Max()
	e.latMu.Unlock()

	processed := e.processed.Load()
	elapsed := time.Since(e.startedAt).Seconds()
	var throughput uint64
	if elapsed >= 1 {
		throughput = uint64(float64(processed) / elapsed)
	} else {
		throughput = processed
	}

	return Stats{
		MessagesProcessed: processed,
		OrdersExecuted:    e.executed.Load(),
		MinLatencyNs:      nanOr(minNs),
		AvgLatencyNs:      nanOr(avgNs),
		MaxLatencyNs:      nanOr(maxNs),
		Throughput:        throughput,
		OpenPositions:     e.positions.count(),
		UptimeSeconds:     elapsed,
		Halted:            e.halted.Load(),
	}
}

func nanOr(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v == math.MaxFloat64 || v == -math.MaxFloat64 {
		return 0
	}
	return int64(v)
}
