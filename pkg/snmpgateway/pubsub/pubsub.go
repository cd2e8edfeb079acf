package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vpbank/snmp_gateway/models"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/publish"
)

var (
	// ErrClosed is returned by Publish and Subscribe after Close.
	ErrClosed = errors.New("pubsub: closed")

	// ErrAlreadySubscribed is returned when a subscriber is registered twice.
	ErrAlreadySubscribed = errors.New("pubsub: already subscribed")
)

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config tunes the dispatchers of one PubSub.
type Config struct {
	// IdleInterval bounds how long a non-batching dispatcher sleeps on an
	// empty queue before polling again (default 1s). Publish wakes it early.
	IdleInterval time.Duration

	// NotReadyInterval is how often a dispatcher re-checks a subscriber
	// that is not ready (default 1s).
	NotReadyInterval time.Duration

	// ErrorInterval is the pause after a queue error (default 1s).
	ErrorInterval time.Duration

	// BatchInterval is the batch period of subscribers without a positive
	// transmit rate (default 1s).
	BatchInterval time.Duration

	// Metrics defaults to unregistered collectors.
	Metrics *Metrics
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.IdleInterval <= 0 {
		out.IdleInterval = time.Second
	}
	if out.NotReadyInterval <= 0 {
		out.NotReadyInterval = time.Second
	}
	if out.ErrorInterval <= 0 {
		out.ErrorInterval = time.Second
	}
	if out.BatchInterval <= 0 {
		out.BatchInterval = time.Second
	}
	if out.Metrics == nil {
		out.Metrics = NewMetrics(nil)
	}
	return out
}

// Metrics are shared by all categories and labelled by category.
type Metrics struct {
	Published *prometheus.CounterVec
	Rejected  *prometheus.CounterVec
	Requeued  *prometheus.CounterVec
}

// NewMetrics creates the queue counters on reg. A nil reg yields unregistered
// counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "snmpgateway_queue_published_total",
			Help: "Messages accepted into a category queue.",
		}, []string{"category"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "snmpgateway_queue_rejected_total",
			Help: "Messages the queue refused.",
		}, []string{"category"}),
		Requeued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "snmpgateway_queue_requeued_total",
			Help: "Messages pushed back to the head of a queue after a failed delivery.",
		}, []string{"category"}),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// PubSub
// ─────────────────────────────────────────────────────────────────────────────

type subscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PubSub owns the queue of one message category and runs the dispatchers of
// its subscribers. It implements publish.Source.
type PubSub struct {
	category models.Category
	queue    Queue
	cfg      Config
	logger   *slog.Logger

	notify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[publish.Subscriber]*subscription
	closed bool
}

// New creates a PubSub for category on top of queue. The PubSub owns the
// queue and closes it on Close.
func New(category models.Category, queue Queue, cfg Config, logger *slog.Logger) *PubSub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PubSub{
		category: category,
		queue:    queue,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("category", string(category)),
		notify:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[publish.Subscriber]*subscription),
	}
}

// Category is the category this PubSub carries.
func (ps *PubSub) Category() models.Category { return ps.category }

// Publish appends msg to the queue and wakes an idle dispatcher.
func (ps *PubSub) Publish(msg models.Message) error {
	ps.mu.Lock()
	closed := ps.closed
	ps.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if msg.Category == "" {
		msg.Category = ps.category
	}
	if err := ps.queue.Push(msg); err != nil {
		ps.cfg.Metrics.Rejected.WithLabelValues(string(ps.category)).Inc()
		return err
	}
	ps.cfg.Metrics.Published.WithLabelValues(string(ps.category)).Inc()
	select {
	case ps.notify <- struct{}{}:
	default:
	}
	return nil
}

// Len is the number of queued messages.
func (ps *PubSub) Len() (int, error) { return ps.queue.Len() }

// Subscribe starts sub.ConcurrentSubscriptions() dispatchers for sub.
func (ps *PubSub) Subscribe(sub publish.Subscriber) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return ErrClosed
	}
	if _, ok := ps.subs[sub]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, sub.Name())
	}

	n := sub.ConcurrentSubscriptions()
	if n <= 0 {
		n = 1
	}
	ctx, cancel := context.WithCancel(ps.ctx)
	s := &subscription{cancel: cancel}
	for i := 0; i < n; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ps.dispatch(ctx, sub)
		}()
	}
	ps.subs[sub] = s
	ps.logger.Info("pubsub: subscribed",
		"subscriber", sub.Name(),
		"dispatchers", n,
		"batching", sub.BatchingSupported(),
		"transmit_rate", sub.TransmitRate(),
	)
	return nil
}

// Unsubscribe stops the dispatchers of sub and waits for in-flight deliveries
// to finish.
func (ps *PubSub) Unsubscribe(sub publish.Subscriber) {
	ps.mu.Lock()
	s, ok := ps.subs[sub]
	delete(ps.subs, sub)
	ps.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	s.wg.Wait()
	ps.logger.Info("pubsub: unsubscribed", "subscriber", sub.Name())
}

// Close stops every dispatcher and closes the queue. Safe to call more than
// once.
func (ps *PubSub) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	subs := ps.subs
	ps.subs = make(map[publish.Subscriber]*subscription)
	ps.mu.Unlock()

	ps.cancel()
	for _, s := range subs {
		s.wg.Wait()
	}
	return ps.queue.Close()
}

// ─────────────────────────────────────────────────────────────────────────────
// Dispatch loop
// ─────────────────────────────────────────────────────────────────────────────

func (ps *PubSub) dispatch(ctx context.Context, sub publish.Subscriber) {
	// In-flight deliveries outlive a cancelled subscription.
	deliverCtx := context.WithoutCancel(ctx)

	for ctx.Err() == nil {
		if !sub.IsReady() {
			ps.sleep(ctx, ps.cfg.NotReadyInterval, false)
			continue
		}

		if sub.BatchingSupported() {
			if !ps.sleep(ctx, ps.batchInterval(sub.TransmitRate()), false) {
				return
			}
			if !sub.IsReady() {
				continue
			}
			msgs, err := ps.queue.Pop(sub.BatchSize())
			if err != nil {
				ps.logger.Error("pubsub: pop failed", "subscriber", sub.Name(), "error", err)
				ps.sleep(ctx, ps.cfg.ErrorInterval, false)
				continue
			}
			if len(msgs) == 0 {
				continue
			}
			ps.requeue(sub, msgs, sub.OnMessages(deliverCtx, msgs))
			continue
		}

		msgs, err := ps.queue.Pop(1)
		if err != nil {
			ps.logger.Error("pubsub: pop failed", "subscriber", sub.Name(), "error", err)
			ps.sleep(ctx, ps.cfg.ErrorInterval, false)
			continue
		}
		if len(msgs) == 0 {
			ps.sleep(ctx, ps.cfg.IdleInterval, true)
			continue
		}
		ps.requeue(sub, msgs, sub.OnMessage(deliverCtx, msgs[0]))
	}
}

// requeue puts undelivered messages back at the head of the queue.
func (ps *PubSub) requeue(sub publish.Subscriber, sent []models.Message, err error) {
	if err == nil {
		return
	}
	back := sent
	var pe *publish.PublishError
	if errors.As(err, &pe) {
		back = pe.Messages
	}
	if len(back) == 0 {
		return
	}
	if qerr := ps.queue.PushFront(back...); qerr != nil {
		ps.logger.Error("pubsub: re-queue failed, messages lost",
			"subscriber", sub.Name(),
			"count", len(back),
			"error", qerr,
		)
		return
	}
	ps.cfg.Metrics.Requeued.WithLabelValues(string(ps.category)).Add(float64(len(back)))
	ps.logger.Debug("pubsub: messages re-queued", "subscriber", sub.Name(), "count", len(back), "cause", err)
}

// sleep waits for d, or for a Publish when wake is set. It returns false once
// ctx is done.
func (ps *PubSub) sleep(ctx context.Context, d time.Duration, wake bool) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	var notify <-chan struct{}
	if wake {
		notify = ps.notify
	}
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-notify:
	}
	return true
}

// batchInterval converts a transmit rate in seconds into the batch period.
func (ps *PubSub) batchInterval(rate int64) time.Duration {
	if rate <= 0 {
		return ps.cfg.BatchInterval
	}
	return time.Duration(rate) * time.Second
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
