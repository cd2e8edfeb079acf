// Package pubsub buffers gateway messages per category and dispatches them to
// publish pipelines.
//
// A Queue holds the messages of one category in FIFO order. Messages a
// pipeline hands back after a platform failure are pushed to the head, so
// they are retried before anything newer. MemoryQueue keeps messages in
// process; RedisQueue keeps them in a Redis list so they survive a restart.
package pubsub

import (
	"errors"
	"sync"

	"github.com/vpbank/snmp_gateway/models"
)

// ErrQueueFull is returned by Push when a bounded queue is at capacity.
var ErrQueueFull = errors.New("pubsub: queue full")

// Queue is a FIFO of messages.
type Queue interface {
	// Push appends msgs at the tail.
	Push(msgs ...models.Message) error

	// PushFront puts msgs back at the head, keeping their order, so msgs[0]
	// is the next message popped.
	PushFront(msgs ...models.Message) error

	// Pop removes and returns up to max messages from the head. An empty
	// queue returns an empty slice and no error.
	Pop(max int) ([]models.Message, error)

	Len() (int, error)
	Close() error
}

// ─────────────────────────────────────────────────────────────────────────────
// MemoryQueue
// ─────────────────────────────────────────────────────────────────────────────

// MemoryQueue is an in-process Queue. A MaxLen of 0 means unbounded.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []models.Message
	maxLen int
}

// NewMemoryQueue returns an empty MemoryQueue.
func NewMemoryQueue(maxLen int) *MemoryQueue {
	return &MemoryQueue{maxLen: maxLen}
}

// Push appends msgs. Nothing is added when msgs would overflow the queue.
func (q *MemoryQueue) Push(msgs ...models.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxLen > 0 && len(q.items)+len(msgs) > q.maxLen {
		return ErrQueueFull
	}
	q.items = append(q.items, msgs...)
	return nil
}

// PushFront ignores MaxLen: returned messages were already accepted once.
func (q *MemoryQueue) PushFront(msgs ...models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]models.Message, 0, len(msgs)+len(q.items))
	items = append(items, msgs...)
	q.items = append(items, q.items...)
	return nil
}

func (q *MemoryQueue) Pop(max int) ([]models.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 || len(q.items) == 0 {
		return nil, nil
	}
	if max > len(q.items) {
		max = len(q.items)
	}
	out := make([]models.Message, max)
	copy(out, q.items[:max])
	q.items = q.items[max:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return out, nil
}

func (q *MemoryQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *MemoryQueue) Close() error { return nil }
