// Package journal persists bus traffic to a durable store for audit and
// replay.
package journal

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantmill/tradecore/internal/observability"
	"github.com/quantmill/tradecore/internal/schema"
	"github.com/quantmill/tradecore/internal/telemetry"
)

// Record is one journaled bus envelope. Payload holds the JSON encoding of
// the published value.
type Record struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Sequence    uint64    `json:"sequence"`
	Payload     []byte    `json:"payload"`
	PublishedAt int64     `json:"published_at"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Store is the persistence backend for journal records.
type Store interface {
	Append(ctx context.Context, records []Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// Config tunes journal batching.
type Config struct {
	// BatchSize flushes the buffer once this many records accumulate.
	BatchSize int
	// FlushInterval flushes a partial buffer after this long.
	FlushInterval time.Duration
}

func (c Config) normalize() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	return c
}

// maxAppendElapsed bounds how long a failing batch is retried before it is
// dropped.
const maxAppendElapsed = 30 * time.Second

// Journal drains a bus subscription into the store in batches. Store outages
// are retried with exponential backoff; a batch that cannot land within the
// retry budget is dropped and counted.
type Journal struct {
	cfg   Config
	store Store

	ctx     context.Context
	cancel  context.CancelFunc
	workers conc.WaitGroup

	appended atomic.Uint64
	dropped  atomic.Uint64

	appendedCounter metric.Int64Counter
	droppedCounter  metric.Int64Counter
}

// New constructs a journal writing to store.
func New(store Store, cfg Config) *Journal {
	ctx, cancel := context.WithCancel(context.Background())
	j := &Journal{
		cfg:    cfg.normalize(),
		store:  store,
		ctx:    ctx,
		cancel: cancel,
	}

	meter := otel.Meter("tradecore/journal")
	j.appendedCounter, _ = meter.Int64Counter("journal.records.appended",
		metric.WithDescription("Number of records persisted to the journal store"),
		metric.WithUnit("{record}"))
	j.droppedCounter, _ = meter.Int64Counter("journal.records.dropped",
		metric.WithDescription("Number of records dropped after exhausting append retries"),
		metric.WithUnit("{record}"))

	return j
}

// Start consumes events until the channel closes or Close is called. Call
// once with a bus subscription channel.
func (j *Journal) Start(events <-chan schema.Envelope) {
	j.workers.Go(func() {
		j.consume(events)
	})
}

// Close flushes buffered records and stops the worker.
func (j *Journal) Close() {
	j.cancel()
	j.workers.Wait()
}

// Appended reports how many records have been persisted.
func (j *Journal) Appended() uint64 { return j.appended.Load() }

// Dropped reports how many records were lost to store failures.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

func (j *Journal) consume(events <-chan schema.Envelope) {
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, j.cfg.BatchSize)
	for {
		select {
		case <-j.ctx.Done():
			j.flush(batch)
			return
		case <-ticker.C:
			j.flush(batch)
			batch = batch[:0]
		case env, ok := <-events:
			if !ok {
				j.flush(batch)
				return
			}
			rec, err := toRecord(env)
			if err != nil {
				observability.Log().Error("journal: encode payload",
					observability.F("topic", string(env.Topic)),
					observability.F("error", err.Error()))
				continue
			}
			batch = append(batch, rec)
			if len(batch) >= j.cfg.BatchSize {
				j.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func toRecord(env schema.Envelope) (Record, error) {
	payload, err := gojson.Marshal(env.Payload)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:          uuid.NewString(),
		Topic:       string(env.Topic),
		Sequence:    env.Sequence,
		Payload:     payload,
		PublishedAt: env.Timestamp,
		RecordedAt:  time.Now().UTC(),
	}, nil
}

// flush retries the append until it lands or the retry budget elapses.
func (j *Journal) flush(batch []Record) {
	if len(batch) == 0 {
		return
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = 5 * time.Second
	deadline := time.Now().Add(maxAppendElapsed)

	for {
		ctx, cancelAttempt := context.WithTimeout(context.Background(), 10*time.Second)
		err := j.store.Append(ctx, batch)
		cancelAttempt()
		if err == nil {
			j.appended.Add(uint64(len(batch)))
			j.count(j.appendedCounter, "ok", len(batch))
			return
		}

		observability.Log().Error("journal: append failed",
			observability.F("records", len(batch)),
			observability.F("error", err.Error()))

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = 5 * time.Second
		}
		if time.Now().Add(sleep).After(deadline) {
			j.dropped.Add(uint64(len(batch)))
			j.count(j.droppedCounter, "dropped", len(batch))
			observability.Log().Error("journal: batch dropped after retry budget",
				observability.F("records", len(batch)))
			return
		}
		select {
		case <-j.ctx.Done():
			// Shutting down; do not block shutdown on a failing store.
			j.dropped.Add(uint64(len(batch)))
			j.count(j.droppedCounter, "dropped", len(batch))
			return
		case <-time.After(sleep):
		}
	}
}

func (j *Journal) count(counter metric.Int64Counter, result string, n int) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), int64(n),
		metric.WithAttributes(telemetry.ResultAttributes("append", result)...))
}
