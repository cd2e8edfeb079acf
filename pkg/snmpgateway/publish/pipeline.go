// Package publish delivers queued messages to the platform.
//
// A Pipeline subscribes to one message source (normally a pubsub queue per
// category) and hands every message, or batch of messages, to its Sink.
// Failures are classified: a message the platform rejects as invalid is
// dropped and logged; anything else marks the platform unavailable and
// returns the messages to the source in a *PublishError so they are
// re-queued. The pipeline never sets the platform available again; that is
// the prober's job.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vpbank/snmp_gateway/models"
)

// Subscriber is what a message source dispatches to.
type Subscriber interface {
	Name() string
	IsReady() bool
	BatchingSupported() bool
	BatchSize() int
	TransmitRate() int64
	ConcurrentSubscriptions() int
	OnMessage(ctx context.Context, msg models.Message) error
	OnMessages(ctx context.Context, msgs []models.Message) error
}

// Source is a message source a Subscriber registers with.
type Source interface {
	Subscribe(sub Subscriber) error
	Unsubscribe(sub Subscriber)
}

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config describes one pipeline.
type Config struct {
	// Name labels logs and metrics, e.g. "measurement".
	Name string

	// Concurrency is the number of dispatchers the source runs for this
	// pipeline (default 1).
	Concurrency int

	// TransmitRate returns the gateway's current transmit rate in seconds.
	// Only batching pipelines use it.
	TransmitRate func() int64

	// Metrics defaults to unregistered counters.
	Metrics *Metrics
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Name == "" {
		out.Name = "default"
	}
	if out.Concurrency <= 0 {
		out.Concurrency = 1
	}
	if out.TransmitRate == nil {
		out.TransmitRate = func() int64 { return 0 }
	}
	if out.Metrics == nil {
		out.Metrics = NewMetrics(nil)
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Pipeline
// ─────────────────────────────────────────────────────────────────────────────

const rateUnset = -1

// Pipeline is the reliable-delivery driver around a Sink.
type Pipeline struct {
	cfg    Config
	sink   Sink
	source Source
	avail  *Availability
	logger *slog.Logger

	// mu serialises Subscribe, RefreshSubscription and Unsubscribe.
	mu           sync.Mutex
	transmitRate atomic.Int64
}

// NewPipeline creates a Pipeline. It does not subscribe.
func NewPipeline(cfg Config, sink Sink, source Source, avail *Availability, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if avail == nil {
		avail = NewAvailability()
	}
	p := &Pipeline{
		cfg:    cfg.withDefaults(),
		sink:   sink,
		source: source,
		avail:  avail,
		logger: logger,
	}
	p.transmitRate.Store(rateUnset)
	return p
}

// Name implements Subscriber.
func (p *Pipeline) Name() string { return p.cfg.Name }

// IsReady reports platform availability.
func (p *Pipeline) IsReady() bool { return p.avail.IsAvailable() }

// BatchingSupported is the sink's capability.
func (p *Pipeline) BatchingSupported() bool { return p.sink.BatchingSupported() }

// BatchSize is the sink's batch size.
func (p *Pipeline) BatchSize() int { return p.sink.BatchSize() }

// TransmitRate is the last recorded transmit rate, -1 before Subscribe.
func (p *Pipeline) TransmitRate() int64 { return p.transmitRate.Load() }

// ConcurrentSubscriptions is the configured dispatcher count.
func (p *Pipeline) ConcurrentSubscriptions() int { return p.cfg.Concurrency }

// Subscribe registers with the source and records the transmit rate. Only
// the first call has an effect.
func (p *Pipeline) Subscribe() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.transmitRate.Load() != rateUnset {
		return nil
	}
	rate := p.cfg.TransmitRate()
	p.transmitRate.Store(rate)
	if err := p.source.Subscribe(p); err != nil {
		p.transmitRate.Store(rateUnset)
		return fmt.Errorf("publish: %s: subscribe: %w", p.cfg.Name, err)
	}
	p.logger.Debug("publish: subscribed", "pipeline", p.cfg.Name, "transmit_rate", rate)
	return nil
}

// RefreshSubscription resubscribes a batching pipeline when the transmit
// rate changed, so the source applies the new rate. It does nothing before
// Subscribe or for pipelines without batching.
func (p *Pipeline) RefreshSubscription() error {
	if !p.sink.BatchingSupported() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rate := p.cfg.TransmitRate()
	old := p.transmitRate.Load()
	if old == rateUnset || rate == old {
		return nil
	}
	p.source.Unsubscribe(p)
	p.transmitRate.Store(rate)
	if err := p.source.Subscribe(p); err != nil {
		// Detached: the next Subscribe must attach again.
		p.transmitRate.Store(rateUnset)
		return fmt.Errorf("publish: %s: resubscribe: %w", p.cfg.Name, err)
	}
	p.logger.Debug("publish: subscription refreshed", "pipeline", p.cfg.Name, "transmit_rate", rate)
	return nil
}

// Unsubscribe detaches from the source.
func (p *Pipeline) Unsubscribe() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source.Unsubscribe(p)
	p.logger.Debug("publish: unsubscribed", "pipeline", p.cfg.Name)
}

// OnMessage delivers one message. An invalid message is dropped and nil is
// returned; any other failure marks the platform unavailable and returns the
// message in a *PublishError.
func (p *Pipeline) OnMessage(ctx context.Context, msg models.Message) error {
	err := p.sink.Deliver(ctx, msg)
	switch {
	case err == nil:
		p.cfg.Metrics.Delivered.WithLabelValues(p.cfg.Name).Inc()
		return nil
	case IsInvalid(err):
		p.drop(msg, err)
		return nil
	default:
		return p.unavailable([]models.Message{msg}, err)
	}
}

// OnMessages delivers a batch. Invalid messages are dropped individually; a
// platform failure returns the entire batch.
func (p *Pipeline) OnMessages(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	err := p.sink.DeliverBatch(ctx, msgs)
	if err == nil {
		p.cfg.Metrics.Delivered.WithLabelValues(p.cfg.Name).Add(float64(len(msgs)))
		return nil
	}

	be, ok := err.(*BatchError)
	if !ok {
		if IsInvalid(err) {
			for _, msg := range msgs {
				p.drop(msg, err)
			}
			return nil
		}
		return p.unavailable(msgs, err)
	}

	for _, e := range be.Errs {
		if !IsInvalid(e) {
			return p.unavailable(msgs, e)
		}
	}
	for i, e := range be.Errs {
		p.drop(msgs[i], e)
	}
	p.cfg.Metrics.Delivered.WithLabelValues(p.cfg.Name).Add(float64(len(msgs) - len(be.Errs)))
	return nil
}

func (p *Pipeline) drop(msg models.Message, err error) {
	p.cfg.Metrics.Dropped.WithLabelValues(p.cfg.Name).Inc()
	p.logger.Error("publish: skipped invalid message",
		"pipeline", p.cfg.Name,
		"id", msg.ID,
		"payload", string(msg.Payload),
		"error", err,
	)
}

func (p *Pipeline) unavailable(msgs []models.Message, err error) error {
	if p.avail.MarkUnavailable() {
		p.logger.Warn("publish: platform marked unavailable", "pipeline", p.cfg.Name, "error", err)
	}
	p.cfg.Metrics.Requeued.WithLabelValues(p.cfg.Name).Add(float64(len(msgs)))
	returned := make([]models.Message, len(msgs))
	copy(returned, msgs)
	return &PublishError{Messages: returned, Err: err}
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
