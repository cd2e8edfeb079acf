package poller

import (
	"context"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vpbank/snmp_gateway/models"
	snmptrap "github.com/vpbank/snmp_gateway/snmp/trap"
)

// DefaultInterval applies to devices that ask for polling without an interval.
const DefaultInterval = 60 * time.Second

// JobSubmitter is the subset of WorkerPool consumed by the scheduler.
type JobSubmitter interface {
	TrySubmit(Job) bool
}

// Factory opens a poller for a device.
type Factory func(device models.Device, oids []string) (Poller, error)

// Spec is one polled device together with its device type's registers.
type Spec struct {
	Device    models.Device
	Registers []models.Register
}

// OIDs returns the device's poll list, falling back to the register OIDs.
func (s Spec) OIDs() []string {
	src := s.Device.PollOIDs
	if len(src) == 0 {
		src = make([]string, 0, len(s.Registers))
		for _, r := range s.Registers {
			src = append(src, r.OID)
		}
	}
	out := make([]string, 0, len(src))
	for _, oid := range src {
		if oid = snmptrap.NormaliseOID(oid); oid != "" {
			out = append(out, oid)
		}
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Scheduler
// ─────────────────────────────────────────────────────────────────────────────

type entry struct {
	spec     Spec
	interval time.Duration
	nextRun  time.Time
	job      Job
}

// Scheduler submits one Job per device at the device's PollInterval and owns
// the devices' pollers.
type Scheduler struct {
	pool    JobSubmitter
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	entries []entry

	done chan struct{}
}

// NewScheduler creates a Scheduler with no devices. Call Reload to add
// devices and Start to begin dispatching.
func NewScheduler(pool JobSubmitter, factory Factory, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Scheduler{
		pool:    pool,
		factory: factory,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start runs the scheduling loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.done)

	for {
		s.mu.Lock()
		if len(s.entries) == 0 {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
				continue
			}
		}

		sort.Slice(s.entries, func(i, j int) bool {
			return s.entries[i].nextRun.Before(s.entries[j].nextRun)
		})
		next := s.entries[0].nextRun
		s.mu.Unlock()

		delay := time.Until(next)
		if delay < 0 {
			delay = 0
		}
		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		now := time.Now()
		s.mu.Lock()
		for i := range s.entries {
			if s.entries[i].nextRun.After(now) {
				break
			}
			s.fire(&s.entries[i])
			s.entries[i].nextRun = now.Add(s.entries[i].interval)
		}
		s.mu.Unlock()
	}
}

// Stop waits for the loop started by Start to exit, then closes every
// poller. The caller must cancel Start's context first.
func (s *Scheduler) Stop() {
	<-s.done

	s.mu.Lock()
	pollers := make([]Poller, 0, len(s.entries))
	for _, e := range s.entries {
		pollers = append(pollers, e.job.Poller)
	}
	s.entries = nil
	s.mu.Unlock()

	closeAll(pollers)
	s.logger.Info("scheduler: stopped", "pollers_closed", len(pollers))
}

// Reload replaces the polled device set. Unchanged devices keep their
// session and schedule; new or changed devices get a fresh poller and are
// polled immediately; pollers of removed or changed devices are closed.
// Devices with no interval are not polled.
func (s *Scheduler) Reload(specs []Spec) {
	s.mu.Lock()
	current := make(map[string]entry, len(s.entries))
	for _, e := range s.entries {
		current[e.spec.Device.ID] = e
	}
	s.mu.Unlock()

	now := time.Now()
	next := make([]entry, 0, len(specs))
	var stale []Poller
	for _, spec := range specs {
		if spec.Device.PollInterval <= 0 {
			continue
		}
		if old, ok := current[spec.Device.ID]; ok {
			delete(current, spec.Device.ID)
			if reflect.DeepEqual(old.spec, spec) {
				next = append(next, old)
				continue
			}
			stale = append(stale, old.job.Poller)
		}

		oids := spec.OIDs()
		if len(oids) == 0 {
			s.logger.Warn("scheduler: device has nothing to poll", "device", spec.Device.ID)
			continue
		}
		p, err := s.factory(spec.Device, oids)
		if err != nil {
			s.logger.Warn("scheduler: cannot open poller", "device", spec.Device.ID, "error", err)
			continue
		}
		next = append(next, entry{
			spec:     spec,
			interval: spec.Device.PollInterval,
			nextRun:  now,
			job:      Job{Device: spec.Device, Registers: registerIndex(spec.Registers), Poller: p},
		})
	}
	for _, e := range current {
		stale = append(stale, e.job.Poller)
	}

	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()

	closeAll(stale)
	s.logger.Info("scheduler: devices reloaded", "devices", len(next), "closed", len(stale))
}

// Entries returns the number of scheduled devices.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) fire(e *entry) {
	if !s.pool.TrySubmit(e.job) {
		s.logger.Warn("scheduler: job queue full, dropping poll", "device", e.spec.Device.ID)
		return
	}
	s.logger.Debug("scheduler: poll submitted", "device", e.spec.Device.ID)
}

// closeAll closes pollers in parallel; a slow device must not hold up the
// others.
func closeAll(pollers []Poller) {
	var g errgroup.Group
	g.SetLimit(16)
	for _, p := range pollers {
		p := p
		g.Go(func() error {
			p.Close()
			return nil
		})
	}
	_ = g.Wait()
}

func registerIndex(regs []models.Register) map[string]models.Register {
	out := make(map[string]models.Register, len(regs))
	for _, r := range regs {
		out[snmptrap.NormaliseOID(r.OID)] = r
	}
	return out
}
