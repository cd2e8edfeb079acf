// Package file implements a publish sink that writes message payloads to
// io.Writers, one JSON document per line. It stands in for the platform in
// dry-run deployments and when debugging the pipelines.
//
// Each message category can go to its own writer (e.g. measurements to one
// RotatingFile and events to another); categories without a writer use the
// default writer, which is os.Stdout unless configured.
package file

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/vpbank/snmp_gateway/models"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/publish"
)

// ─────────────────────────────────────────────────────────────────────────────
// Config
// ─────────────────────────────────────────────────────────────────────────────

// Config controls Sink behaviour.
type Config struct {
	// Default receives every category not listed in Writers. nil defaults
	// to os.Stdout.
	Default io.Writer

	// Writers routes categories to dedicated writers.
	Writers map[models.Category]io.Writer

	// Newline appended after each payload. Default "\n".
	Newline string

	// Batching makes the sink advertise batch support, so the pipeline
	// flushes on the transmit rate instead of per message.
	Batching bool
}

// ─────────────────────────────────────────────────────────────────────────────
// Sink
// ─────────────────────────────────────────────────────────────────────────────

type destination struct {
	mu sync.Mutex
	w  io.Writer
}

// Sink implements publish.Sink. It is safe for concurrent use; writes to one
// destination never interleave.
type Sink struct {
	publish.BaseSink

	def      *destination
	routes   map[models.Category]*destination
	nl       []byte
	batching bool
	closers  []io.Closer
	logger   *slog.Logger
}

// New constructs a Sink. Writers that implement io.Closer (other than
// os.Stdout and os.Stderr) are closed by Close.
func New(cfg Config, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	def := cfg.Default
	if def == nil {
		def = os.Stdout
	}
	nl := cfg.Newline
	if nl == "" {
		nl = "\n"
	}

	s := &Sink{
		def:      &destination{w: def},
		routes:   make(map[models.Category]*destination, len(cfg.Writers)),
		nl:       []byte(nl),
		batching: cfg.Batching,
		logger:   logger,
	}
	s.track(def)
	for cat, w := range cfg.Writers {
		if w == nil {
			continue
		}
		s.routes[cat] = &destination{w: w}
		s.track(w)
	}
	return s
}

func (s *Sink) track(w io.Writer) {
	if w == os.Stdout || w == os.Stderr {
		return
	}
	c, ok := w.(io.Closer)
	if !ok {
		return
	}
	for _, seen := range s.closers {
		if seen == c {
			return
		}
	}
	s.closers = append(s.closers, c)
}

func (s *Sink) BatchingSupported() bool { return s.batching }

// Deliver writes msg.Payload and a newline. A failed write is reported as a
// platform failure so the message is re-queued.
func (s *Sink) Deliver(_ context.Context, msg models.Message) error {
	d := s.route(msg.Category)
	d.mu.Lock()
	defer d.mu.Unlock()
	return s.write(d.w, msg)
}

// DeliverBatch writes msgs in order. The first failed write aborts the batch.
func (s *Sink) DeliverBatch(ctx context.Context, msgs []models.Message) error {
	return publish.DeliverEach(ctx, msgs, s.Deliver)
}

// Close closes the tracked writers and returns the first error.
func (s *Sink) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Sink) route(cat models.Category) *destination {
	if d, ok := s.routes[cat]; ok {
		return d
	}
	return s.def
}

func (s *Sink) write(w io.Writer, msg models.Message) error {
	if len(msg.Payload) == 0 {
		return &publish.PlatformError{Status: 400, Reason: "empty payload"}
	}
	if _, err := w.Write(msg.Payload); err != nil {
		s.logger.Error("transport/file: write failed", "id", msg.ID, "error", err.Error(), "bytes", len(msg.Payload))
		return &publish.PlatformError{Status: 503, Err: fmt.Errorf("transport/file: write: %w", err)}
	}
	if _, err := w.Write(s.nl); err != nil {
		s.logger.Error("transport/file: newline write failed", "id", msg.ID, "error", err.Error())
		return &publish.PlatformError{Status: 503, Err: fmt.Errorf("transport/file: write newline: %w", err)}
	}
	s.logger.Debug("transport/file: wrote message", "id", msg.ID, "category", string(msg.Category), "bytes", len(msg.Payload))
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
