// Package poller actively polls devices. A DevicePoller is one device's GET
// session; the Scheduler fires each device's Job at its interval into a
// WorkerPool, which turns responses into measurements.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gosnmp/gosnmp"
	"github.com/vpbank/snmp_gateway/models"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/target"
	snmptrap "github.com/vpbank/snmp_gateway/snmp/trap"
)

var (
	// ErrPollTimeout is returned when every retry of a GET timed out.
	ErrPollTimeout = errors.New("poller: request timed out")

	// ErrPollerClosed is returned by Poll after, or during, Close.
	ErrPollerClosed = errors.New("poller: closed")
)

// Poller is one device's polling session.
type Poller interface {
	Poll(ctx context.Context) (*gosnmp.SnmpPacket, error)
	Close()
}

// DevicePoller issues GETs for a fixed OID list against one device.
type DevicePoller struct {
	device models.Device
	target target.Target
	oids   []string
	logger *slog.Logger

	// mu serialises requests; gosnmp sessions are not safe for concurrent use.
	mu     sync.Mutex
	conn   *gosnmp.GoSNMP
	closed atomic.Bool
}

// New resolves the device's target and opens its session (UDP or TCP).
func New(settings target.Settings, device models.Device, oids []string, logger *slog.Logger) (*DevicePoller, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if len(oids) == 0 {
		return nil, fmt.Errorf("poller: device %s: no OIDs to poll", device.ID)
	}

	t := target.Resolve(device.Auth, device.Endpoint, settings)
	conn := t.Session()
	conn.Logger = gosnmp.NewLogger(slogAdapter{logger})
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("poller: connect %s (%s): %w", device.ID, device.Endpoint, err)
	}

	normalised := make([]string, 0, len(oids))
	for _, oid := range oids {
		if oid = snmptrap.NormaliseOID(oid); oid != "" {
			normalised = append(normalised, oid)
		}
	}

	logger.Debug("poller: session opened",
		"device", device.ID,
		"endpoint", device.Endpoint.String(),
		"version", t.Version,
		"oids", len(normalised),
	)
	return &DevicePoller{
		device: device,
		target: t,
		oids:   normalised,
		logger: logger,
		conn:   conn,
	}, nil
}

// Device returns the polled device.
func (p *DevicePoller) Device() models.Device { return p.device }

// Poll sends a GET for the configured OIDs. Lists longer than the session's
// MaxOids are split across several requests and merged into one packet.
func (p *DevicePoller) Poll(ctx context.Context) (*gosnmp.SnmpPacket, error) {
	if p.closed.Load() {
		return nil, ErrPollerClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, ErrPollerClosed
	}

	oids := make([]string, len(p.oids))
	copy(oids, p.oids)

	p.conn.Context = ctx
	maxOids := p.conn.MaxOids
	if maxOids <= 0 {
		maxOids = gosnmp.MaxOids
	}

	var out *gosnmp.SnmpPacket
	for i := 0; i < len(oids); i += maxOids {
		end := i + maxOids
		if end > len(oids) {
			end = len(oids)
		}
		pkt, err := p.conn.Get(oids[i:end])
		if err != nil {
			return nil, p.classify(ctx, err)
		}
		if out == nil {
			out = pkt
			continue
		}
		out.Variables = append(out.Variables, pkt.Variables...)
	}
	return out, nil
}

// Close releases the session. A Poll in flight fails with ErrPollerClosed.
// Close errors are logged, never returned.
func (p *DevicePoller) Close() {
	if p.closed.Swap(true) {
		return
	}
	if p.conn.Conn == nil {
		return
	}
	if err := p.conn.Conn.Close(); err != nil {
		p.logger.Warn("poller: close failed", "device", p.device.ID, "error", err)
		return
	}
	p.logger.Debug("poller: session closed", "device", p.device.ID)
}

func (p *DevicePoller) classify(ctx context.Context, err error) error {
	switch {
	case p.closed.Load():
		return fmt.Errorf("%w: %s: %v", ErrPollerClosed, p.device.ID, err)
	case ctx.Err() != nil:
		return fmt.Errorf("poller: %s: %w", p.device.ID, ctx.Err())
	case isTimeout(err):
		return fmt.Errorf("%w: %s after %d retries: %v", ErrPollTimeout, p.device.ID, p.target.Retries, err)
	default:
		return fmt.Errorf("poller: get %s: %w", p.device.ID, err)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// ─────────────────────────────────────────────────────────────────────────────
// Utilities
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(b []byte) (int, error) { return len(b), nil }

type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Print(v ...interface{}) {
	a.l.Debug(fmt.Sprint(v...))
}

func (a slogAdapter) Printf(format string, v ...interface{}) {
	a.l.Debug(fmt.Sprintf(format, v...))
}
