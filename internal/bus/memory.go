package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantmill/tradecore/errs"
	"github.com/quantmill/tradecore/internal/schema"
	"github.com/quantmill/tradecore/internal/telemetry"
)

// MemoryBus is the in-memory bus implementation. A single background dispatch
// worker drains the shared queue and fans messages out to matching subscriber
// channels, so publishers never block on slow consumers.
type MemoryBus struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	queue chan schema.Envelope
	seq   atomic.Uint64

	mu   sync.RWMutex
	subs map[string]*Subscription

	startOnce    sync.Once
	shutdownOnce sync.Once
	workers      conc.WaitGroup

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	overruns  atomic.Uint64
	avgNs     atomic.Int64

	publishedCounter metric.Int64Counter
	deliveredCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
	dispatchLatency  metric.Float64Histogram
}

// Subscription is a consumer handle returned by Subscribe.
type Subscription struct {
	id      string
	topic   schema.Topic
	ch      chan schema.Envelope
	dropped atomic.Uint64
	cancel  context.CancelFunc
	once    sync.Once

	// mu serializes deliver against close so the dispatcher never sends on a
	// closed channel.
	mu     sync.Mutex
	closed bool
}

// ID returns the unique subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Topic returns the topic filter this subscription was registered with.
func (s *Subscription) Topic() schema.Topic { return s.topic }

// C returns the delivery channel. The channel is closed on Unsubscribe or bus
// shutdown; in-flight messages still buffered may be read until then.
func (s *Subscription) C() <-chan schema.Envelope { return s.ch }

// Dropped reports how many messages were dropped for this subscriber because
// its buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) close() {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// deliver attempts a non-blocking send. The channel send and the closed check
// share a critical section with close; the send itself never blocks, so the
// lock is held only briefly.
func (s *Subscription) deliver(env schema.Envelope) (delivered, full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- env:
		return true, false
	default:
		return false, true
	}
}

func (s *Subscription) matches(topic schema.Topic) bool {
	return s.topic == schema.TopicAll || s.topic == topic
}

// NewMemoryBus constructs a bus with the given buffer sizes. Call Start before
// publishing; messages published before Start queue up to QueueCapacity.
func NewMemoryBus(cfg Config) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBus{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan schema.Envelope, cfg.QueueCapacity),
		subs:   make(map[string]*Subscription),
	}

	meter := otel.Meter("tradecore/bus")
	b.publishedCounter, _ = meter.Int64Counter("bus.messages.published",
		metric.WithDescription("Number of messages accepted by the shared queue"),
		metric.WithUnit("{message}"))
	b.deliveredCounter, _ = meter.Int64Counter("bus.messages.delivered",
		metric.WithDescription("Number of messages delivered to subscriber channels"),
		metric.WithUnit("{message}"))
	b.droppedCounter, _ = meter.Int64Counter("bus.messages.dropped",
		metric.WithDescription("Number of messages dropped due to subscriber backpressure"),
		metric.WithUnit("{message}"))
	b.subscriberGauge, _ = meter.Int64UpDownCounter("bus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	b.dispatchLatency, _ = meter.Float64Histogram("bus.dispatch.latency",
		metric.WithDescription("Publish-to-dispatch latency"),
		metric.WithUnit("us"))

	return b
}

// Start launches the background dispatch worker. Safe to call once.
func (b *MemoryBus) Start() {
	b.startOnce.Do(func() {
		b.workers.Go(b.dispatchLoop)
	})
}

// Publish enqueues a message without blocking. Returns queue_full when the
// shared queue is saturated and unavailable after Close.
func (b *MemoryBus) Publish(topic schema.Topic, payload any) error {
	if topic == "" {
		return errs.New("bus/publish", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("bus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	env := schema.Envelope{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UnixNano(),
		Sequence:  b.seq.Add(1),
	}

	select {
	case b.queue <- env:
		b.published.Add(1)
		if b.publishedCounter != nil {
			b.publishedCounter.Add(b.ctx, 1, metric.WithAttributes(
				telemetry.AttrEnvironment.String(telemetry.Environment()),
				telemetry.AttrTopic.String(string(topic))))
		}
		return nil
	default:
		b.overruns.Add(1)
		return errs.New("bus/publish", errs.CodeQueueFull,
			errs.WithMessage("shared queue at capacity"))
	}
}

// Subscribe registers a delivery channel for the topic. Use schema.TopicAll to
// receive every message.
func (b *MemoryBus) Subscribe(topic schema.Topic) (*Subscription, error) {
	if topic == "" {
		return nil, errs.New("bus/subscribe", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if b.ctx.Err() != nil {
		return nil, errs.New("bus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	ctx, cancel := context.WithCancel(b.ctx)
	sub := &Subscription{
		id:     uuid.NewString(),
		topic:  topic,
		ch:     make(chan schema.Envelope, b.cfg.SubscriberBuffer),
		cancel: cancel,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrTopic.String(string(topic))))
	}
	return sub, nil
}

// Unsubscribe removes the registration and closes the delivery channel.
// Messages still queued for the handle are discarded with it.
func (b *MemoryBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	stored, ok := b.subs[sub.id]
	if ok && stored == sub {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrTopic.String(string(sub.topic))))
	}
	sub.close()
}

// Close stops accepting publishes, stops the dispatch worker, and closes all
// subscriber channels. Blocks until the worker has exited.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.workers.Wait()
		b.mu.Lock()
		for id, sub := range b.subs {
			sub.close()
			delete(b.subs, id)
		}
		b.mu.Unlock()
	})
}

// Metrics returns a snapshot of bus counters.
func (b *MemoryBus) Metrics() Metrics {
	b.mu.RLock()
	subscribers := len(b.subs)
	b.mu.RUnlock()
	depth := len(b.queue)
	return Metrics{
		Published:            b.published.Load(),
		Delivered:            b.delivered.Load(),
		Dropped:              b.dropped.Load(),
		Overruns:             b.overruns.Load(),
		QueueDepth:           depth,
		QueueCapacity:        b.cfg.QueueCapacity,
		Subscribers:          subscribers,
		AvgDispatchLatencyNs: b.avgNs.Load(),
		Utilization:          float64(depth) / float64(b.cfg.QueueCapacity),
	}
}

// dispatchLoop drains the shared queue until Close. Receiving on the queue
// channel parks the goroutine when empty, so the loop never busy-spins.
func (b *MemoryBus) dispatchLoop() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case env := <-b.queue:
			b.fanout(env)
		}
	}
}

// fanout delivers one envelope to every matching subscriber. Full subscriber
// buffers drop the message for that subscriber only.
func (b *MemoryBus) fanout(env schema.Envelope) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(env.Topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrTopic.String(string(env.Topic)))

	for _, sub := range targets {
		delivered, full := sub.deliver(env)
		switch {
		case delivered:
			b.delivered.Add(1)
			if b.deliveredCounter != nil {
				b.deliveredCounter.Add(b.ctx, 1, attrs)
			}
		case full:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			if b.droppedCounter != nil {
				b.droppedCounter.Add(b.ctx, 1, attrs)
			}
		}
	}

	latency := time.Now().UnixNano() - env.Timestamp
	b.recordLatency(latency)
	if b.dispatchLatency != nil {
		b.dispatchLatency.Record(b.ctx, float64(latency)/1e3, attrs)
	}
}

// recordLatency keeps an exponential moving average with alpha 0.1.
func (b *MemoryBus) recordLatency(ns int64) {
	prev := b.avgNs.Load()
	if prev == 0 {
		b.avgNs.Store(ns)
		return
	}
	b.avgNs.Store((prev*9 + ns) / 10)
}
