package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/vpbank/snmp_gateway/models"
	snmptrap "github.com/vpbank/snmp_gateway/snmp/trap"
)

// ─────────────────────────────────────────────────────────────────────────────
// Job
// ─────────────────────────────────────────────────────────────────────────────

// Job is one scheduled poll of one device.
type Job struct {
	Device models.Device

	// Registers names the polled OIDs, keyed by normalised OID.
	Registers map[string]models.Register

	Poller Poller
}

// ResultFunc receives every successful poll.
type ResultFunc func(models.Measurement)

// ─────────────────────────────────────────────────────────────────────────────
// WorkerPool
// ─────────────────────────────────────────────────────────────────────────────

// WorkerPool runs poll jobs on N goroutines and hands measurements to a
// ResultFunc.
type WorkerPool struct {
	numWorkers int
	sink       ResultFunc
	logger     *slog.Logger

	jobs chan Job
	wg   sync.WaitGroup
	once sync.Once
}

// NewWorkerPool creates a pool of numWorkers goroutines.
func NewWorkerPool(numWorkers int, sink ResultFunc, logger *slog.Logger) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 8
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &WorkerPool{
		numWorkers: numWorkers,
		sink:       sink,
		logger:     logger,
		jobs:       make(chan Job, numWorkers*2),
	}
}

// Start launches the workers. They run until ctx is cancelled or Stop.
func (w *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < w.numWorkers; i++ {
		w.wg.Add(1)
		go w.worker(ctx)
	}
}

// Submit enqueues a job, blocking while the queue is full.
func (w *WorkerPool) Submit(job Job) {
	w.jobs <- job
}

// TrySubmit enqueues a job without blocking and reports whether it was taken.
func (w *WorkerPool) TrySubmit(job Job) bool {
	select {
	case w.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop closes the job queue and waits for the workers to drain it.
func (w *WorkerPool) Stop() {
	w.once.Do(func() { close(w.jobs) })
	w.wg.Wait()
}

func (w *WorkerPool) worker(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case job, ok := <-w.jobs:
			if !ok {
				return
			}
			w.run(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

func (w *WorkerPool) run(ctx context.Context, job Job) {
	started := time.Now()
	pkt, err := job.Poller.Poll(ctx)
	finished := time.Now()

	switch {
	case errors.Is(err, ErrPollerClosed):
		w.logger.Debug("poller: poll on closed session skipped", "device", job.Device.ID)
		return
	case errors.Is(err, ErrPollTimeout):
		w.logger.Warn("poller: device not responding", "device", job.Device.ID, "error", err.Error())
		return
	case err != nil:
		w.logger.Warn("poll failed", "device", job.Device.ID, "error", err.Error())
		return
	}

	m := ToMeasurement(job.Device, job.Registers, pkt, started, finished)
	if len(m.Values) == 0 {
		w.logger.Debug("poller: empty response", "device", job.Device.ID)
		return
	}
	w.sink(m)
}

// ─────────────────────────────────────────────────────────────────────────────
// Result conversion
// ─────────────────────────────────────────────────────────────────────────────

// ToMeasurement converts a GET response. Bindings reporting noSuchObject,
// noSuchInstance or endOfMibView are left out.
func ToMeasurement(device models.Device, registers map[string]models.Register, pkt *gosnmp.SnmpPacket, started, finished time.Time) models.Measurement {
	m := models.Measurement{
		DeviceID:       device.ID,
		DeviceName:     device.Name,
		Address:        device.Endpoint.Host,
		Timestamp:      finished.UTC(),
		PollDurationMs: finished.Sub(started).Milliseconds(),
	}
	if pkt == nil {
		return m
	}
	m.Values = make([]models.MeasurementValue, 0, len(pkt.Variables))
	for _, pdu := range pkt.Variables {
		if snmptrap.IsErrorPDU(pdu.Type) {
			continue
		}
		oid := snmptrap.NormaliseOID(pdu.Name)
		reg := registers[oid]
		m.Values = append(m.Values, models.MeasurementValue{
			OID:       oid,
			Register:  reg.Name,
			Unit:      reg.Unit,
			Value:     snmptrap.Value(pdu),
			ValueType: snmptrap.TypeName(pdu.Type),
		})
	}
	return m
}
