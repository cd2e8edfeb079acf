package publish

import (
	"context"
	"sync/atomic"

	"github.com/vpbank/snmp_gateway/models"
)

// DefaultBatchSize is the batch size of sinks that do not override it.
const DefaultBatchSize = 200

// Sink delivers messages upstream.
type Sink interface {
	Deliver(ctx context.Context, msg models.Message) error

	// DeliverBatch delivers msgs as one unit. A *BatchError reports
	// per-message failures; any other error applies to the whole batch.
	DeliverBatch(ctx context.Context, msgs []models.Message) error

	BatchingSupported() bool
	BatchSize() int
}

// BaseSink supplies the default capabilities: no batching, batch size 200.
// Embed it and override what differs.
type BaseSink struct{}

func (BaseSink) BatchingSupported() bool { return false }

func (BaseSink) BatchSize() int { return DefaultBatchSize }

// DeliverEach delivers msgs one by one through deliver. Invalid messages are
// recorded and skipped; the first other failure stops the loop.
func DeliverEach(ctx context.Context, msgs []models.Message, deliver func(context.Context, models.Message) error) error {
	var be *BatchError
	for i, msg := range msgs {
		err := deliver(ctx, msg)
		if err == nil {
			continue
		}
		if be == nil {
			be = &BatchError{Errs: make(map[int]error)}
		}
		be.Errs[i] = err
		if !IsInvalid(err) {
			be.Aborted = true
			break
		}
	}
	if be == nil {
		return nil
	}
	return be
}

// ─────────────────────────────────────────────────────────────────────────────
// Availability
// ─────────────────────────────────────────────────────────────────────────────

// Availability is the process-wide platform availability flag. Pipelines
// only ever clear it; the prober sets it again. The zero value is available.
type Availability struct {
	down atomic.Bool
}

// NewAvailability returns an Availability in the available state.
func NewAvailability() *Availability { return &Availability{} }

// IsAvailable reports the current state.
func (a *Availability) IsAvailable() bool { return !a.down.Load() }

// MarkUnavailable clears the flag and reports whether it was set before.
func (a *Availability) MarkUnavailable() bool { return !a.down.Swap(true) }

// MarkAvailable sets the flag and reports whether it was clear before.
func (a *Availability) MarkAvailable() bool { return a.down.Swap(false) }
