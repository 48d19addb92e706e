// Package bus implements the topic-addressed message bus distributing trading
// events to subscribers with bounded buffering and explicit backpressure.
package bus

import (
	"github.com/quantmill/tradecore/internal/schema"
)

// Publisher is the producer-facing side of the bus.
type Publisher interface {
	Publish(topic schema.Topic, payload any) error
}

// Config sizes the bus buffers.
type Config struct {
	// QueueCapacity bounds the shared publish queue. Publish fails with
	// queue_full once it is saturated.
	QueueCapacity int
	// SubscriberBuffer bounds each per-subscriber delivery channel. A full
	// subscriber drops the message for itself only.
	SubscriberBuffer int
}

func (c Config) normalize() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 256
	}
	return c
}

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	Published            uint64  `json:"published"`
	Delivered            uint64  `json:"delivered"`
	Dropped              uint64  `json:"dropped"`
	Overruns             uint64  `json:"overruns"`
	QueueDepth           int     `json:"queue_depth"`
	QueueCapacity        int     `json:"queue_capacity"`
	Subscribers          int     `json:"subscribers"`
	AvgDispatchLatencyNs int64   `json:"avg_dispatch_latency_ns"`
	Utilization          float64 `json:"utilization"`
}
