// Package trapreceiver implements the gateway's SNMP trap listener.
//
// The listener owns one gosnmp TrapListener bound to the gateway's trap
// endpoint (UDP or TCP) and one SubscriptionTable installed by the
// subscription manager. Every inbound trap is demultiplexed by source host
// and OID; each matching HandlerAction becomes a models.DataChanged value on
// the output channel:
//
//	trap endpoint  →  [Listener]  →  chan models.DataChanged  →  pubsub "event"
//	                      ↑
//	         Install(table) / SetGateway(gw)
//
// Protocol-level parsing (v1/v2c/v3) is delegated to the snmp/trap package.
package trapreceiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/vpbank/snmp_gateway/models"
	snmptrap "github.com/vpbank/snmp_gateway/snmp/trap"
)

// ErrBind is returned by Start when the trap endpoint cannot be opened.
var ErrBind = errors.New("trapreceiver: cannot bind trap endpoint")

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config controls the Listener behaviour.
type Config struct {
	// OutputBufferSize is the capacity of the output channel (default 10000).
	OutputBufferSize int

	// Community is handed to gosnmp for v1/v2c traps.
	Community string

	// SNMPVersion selects how gosnmp decodes inbound messages
	// (default gosnmp.Version2c, which also accepts v1).
	SNMPVersion gosnmp.SnmpVersion

	// USM holds the v3 user used to authenticate/decrypt v3 traps. Only read
	// when SNMPVersion is gosnmp.Version3.
	USM *gosnmp.UsmSecurityParameters

	// CloseTimeout bounds how long closing the transport may take
	// (default 3 s, matching gosnmp's default).
	CloseTimeout time.Duration

	// ParseFunc replaces snmp/trap.Parse. Used in tests.
	ParseFunc ParseFunc

	// Metrics defaults to unregistered counters.
	Metrics *Metrics
}

// ParseFunc is the signature of the trap-parsing function.
type ParseFunc func(pkt *gosnmp.SnmpPacket, addr *net.UDPAddr) (snmptrap.Notification, error)

func (c *Config) withDefaults() Config {
	out := *c
	if out.OutputBufferSize <= 0 {
		out.OutputBufferSize = 10_000
	}
	if out.SNMPVersion == 0 {
		out.SNMPVersion = gosnmp.Version2c
	}
	if out.CloseTimeout == 0 {
		out.CloseTimeout = 3 * time.Second
	}
	if out.ParseFunc == nil {
		out.ParseFunc = snmptrap.Parse
	}
	if out.Metrics == nil {
		out.Metrics = NewMetrics(nil)
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Listener
// ─────────────────────────────────────────────────────────────────────────────

// Listener receives traps and dispatches them through the installed
// SubscriptionTable.
type Listener struct {
	cfg    Config
	logger *slog.Logger

	output chan models.DataChanged
	table  atomic.Pointer[models.SubscriptionTable]

	// gate is held for reading by every trap handler; Stop takes it for
	// writing so no handler is mid-send when output is closed.
	gate    sync.RWMutex
	closing bool

	mu        sync.Mutex
	baseCtx   context.Context
	tl        *gosnmp.TrapListener
	doneCh    chan struct{}
	endpoint  models.Endpoint
	running   bool
	stopped   bool
	stopCh    chan struct{}
	watchOnce sync.Once
}

// New creates a Listener. It does not open any socket until Start.
func New(cfg Config, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	c := cfg.withDefaults()
	return &Listener{
		cfg:    c,
		logger: logger,
		output: make(chan models.DataChanged, c.OutputBufferSize),
		stopCh: make(chan struct{}),
	}
}

// Output returns the channel that delivers data-changed messages. It is
// closed by Stop.
func (r *Listener) Output() <-chan models.DataChanged {
	return r.output
}

// Endpoint returns the endpoint the listener is currently bound to.
func (r *Listener) Endpoint() models.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoint
}

// Running reports whether a transport is bound.
func (r *Listener) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start binds the listener to ep. If the listener is already running the
// prior transport is closed first. It blocks until the transport is
// listening, fails with ErrBind, or ctx is done. Cancelling ctx later stops
// the listener.
func (r *Listener) Start(ctx context.Context, ep models.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return fmt.Errorf("trapreceiver: listener stopped")
	}
	if r.running {
		r.closeTransportLocked()
	}
	r.baseCtx = ctx

	tl := gosnmp.NewTrapListener()
	params := &gosnmp.GoSNMP{
		Version:   r.cfg.SNMPVersion,
		Community: r.cfg.Community,
		Logger:    gosnmp.NewLogger(slogAdapter{r.logger}),
	}
	if r.cfg.SNMPVersion == gosnmp.Version3 && r.cfg.USM != nil {
		params.SecurityModel = gosnmp.UserSecurityModel
		params.SecurityParameters = r.cfg.USM
	}
	tl.Params = params
	tl.CloseTimeout = r.cfg.CloseTimeout
	tl.OnNewTrap = r.handleTrap

	addr := ep.ListenAddress()
	doneCh := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		defer close(doneCh)
		errCh <- tl.Listen(addr)
	}()

	select {
	case <-tl.Listening():
	case err := <-errCh:
		return fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
	case <-ctx.Done():
		tl.Close()
		return ctx.Err()
	}

	r.tl, r.doneCh, r.endpoint, r.running = tl, doneCh, ep, true
	r.logger.Info("trapreceiver: listening", "endpoint", ep.String())

	r.watchOnce.Do(func() {
		go func() {
			select {
			case <-ctx.Done():
				r.Stop()
			case <-r.stopCh:
			}
		}()
	})
	return nil
}

// SetGateway applies the gateway's trap endpoint. The transport is only
// reopened when the endpoint differs from the current one or no transport is
// bound; a zero endpoint keeps the current binding.
func (r *Listener) SetGateway(gw models.Gateway) error {
	ep := gw.TrapListener
	if ep.Port == 0 {
		return nil
	}

	r.mu.Lock()
	same := r.running && r.endpoint == ep
	ctx := r.baseCtx
	r.mu.Unlock()

	if same {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.logger.Info("trapreceiver: rebinding", "gateway", gw.ID, "endpoint", ep.String())
	return r.Start(ctx, ep)
}

// Install atomically replaces the subscription table. The listener keeps a
// reference to table; callers must not modify it afterwards.
func (r *Listener) Install(table models.SubscriptionTable) {
	r.table.Store(&table)
	r.logger.Debug("trapreceiver: subscription table installed", "endpoints", len(table))
}

// Stop closes the transport after in-flight handlers finish, then closes the
// output channel. Traps arriving after Stop began are discarded. Stop is
// idempotent.
func (r *Listener) Stop() {
	r.gate.Lock()
	r.closing = true
	r.gate.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true

	if r.running {
		r.closeTransportLocked()
	}
	close(r.stopCh)
	close(r.output)

	r.logger.Info("trapreceiver: stopped")
}

func (r *Listener) closeTransportLocked() {
	r.tl.Close()
	<-r.doneCh
	r.tl, r.doneCh, r.running = nil, nil, false
}

// ─────────────────────────────────────────────────────────────────────────────
// Dispatch
// ─────────────────────────────────────────────────────────────────────────────

// handleTrap is the gosnmp TrapHandlerFunc callback. It runs on the gosnmp
// listener goroutine, so it never blocks on the output channel.
func (r *Listener) handleTrap(pkt *gosnmp.SnmpPacket, addr *net.UDPAddr) {
	r.gate.RLock()
	defer r.gate.RUnlock()
	if r.closing {
		return
	}
	r.cfg.Metrics.Received.Inc()

	n, err := r.cfg.ParseFunc(pkt, addr)
	if err != nil {
		r.logger.Warn("trapreceiver: parse error", "remote", addr, "error", err)
		return
	}

	tbl := r.table.Load()
	if tbl == nil {
		r.cfg.Metrics.Unmatched.Inc()
		r.logger.Debug("trapreceiver: no subscriptions installed", "source", n.Source)
		return
	}
	key := hostKey(n.Source)
	oids, ok := (*tbl)[key]
	if !ok {
		r.cfg.Metrics.Unmatched.Inc()
		r.logger.Debug("trapreceiver: trap from unknown device", "source", key, "trap_oid", n.TrapOID)
		return
	}

	matched := 0
	for _, oid := range n.OIDs() {
		action, ok := oids[oid]
		if !ok {
			continue
		}
		matched++
		r.dispatch(action, n, oid)
	}
	if matched == 0 {
		r.cfg.Metrics.Unmatched.Inc()
		r.logger.Debug("trapreceiver: no subscribed OID in trap", "source", key, "trap_oid", n.TrapOID)
	}
}

func (r *Listener) dispatch(action models.HandlerAction, n snmptrap.Notification, oid string) {
	if action.Kind != models.ActionDataChanged {
		r.logger.Warn("trapreceiver: unknown handler action", "kind", action.Kind)
		return
	}

	msg := models.DataChanged{
		DeviceID:   action.Device.ID,
		DeviceName: action.Device.Name,
		Address:    action.Device.Endpoint.Host,
		OID:        oid,
		Register:   action.Register.Name,
		Unit:       action.Register.Unit,
		Timestamp:  n.ReceivedAt,
		PDUType:    n.PDUType,
	}
	if vb, ok := n.Varbind(oid); ok {
		msg.Value, msg.ValueType = vb.Value, vb.Type
	} else if oid == n.TrapOID {
		msg.Value, msg.ValueType = n.TrapOID, "ObjectIdentifier"
	}

	select {
	case r.output <- msg:
		r.cfg.Metrics.Dispatched.Inc()
	default:
		r.cfg.Metrics.Dropped.Inc()
		r.logger.Warn("trapreceiver: output buffer full, message dropped",
			"device", msg.DeviceID,
			"oid", oid,
		)
	}
}

// hostKey canonicalises a source address the same way the address codec
// canonicalises device hosts.
func hostKey(s string) string {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return s
	}
	return ip.Unmap().String()
}

// ─────────────────────────────────────────────────────────────────────────────
// Utilities
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(b []byte) (int, error) { return len(b), nil }

// slogAdapter bridges slog.Logger to gosnmp's Logger interface (Printf-style).
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Print(v ...interface{}) {
	a.l.Debug(fmt.Sprint(v...))
}

func (a slogAdapter) Printf(format string, v ...interface{}) {
	a.l.Debug(fmt.Sprintf(format, v...))
}
