// Package app wires the SNMP gateway components together and manages their
// lifecycle.
//
// Trap path:
//
//	Listener → [DataChanged] → Formatter.Event → pubsub "event" → Pipeline → Sink
//
// Poll path:
//
//	Scheduler → WorkerPool → Formatter.Measurement → pubsub "measurement" → Pipeline → Sink
//
// Configuration path:
//
//	inventory reload → Diff → subscription.Manager → Listener.Install
//	                                 ↓
//	                            events.Bus → pubsub "alarm" → Pipeline → Sink
//
// All pipelines share one Availability. A failed delivery marks it down and
// the Prober is the only component that marks it up again.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	fmtjson "github.com/vpbank/snmp_gateway/format/json"
	"github.com/vpbank/snmp_gateway/models"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/config"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/events"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/platform"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/poller"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/publish"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/pubsub"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/subscription"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/target"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/trapreceiver"
	filetransport "github.com/vpbank/snmp_gateway/transport/file"
)

// categories lists every message category, each with its own queue and
// pipeline.
var categories = []models.Category{
	models.CategoryMeasurement,
	models.CategoryEvent,
	models.CategoryAlarm,
}

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config holds what the properties file cannot express.
type Config struct {
	// Paths locate the properties file and the inventory directory.
	// Use config.PathsFromEnv() to populate from environment variables.
	Paths config.Paths

	// Properties, when set, is used instead of reading Paths.Properties.
	Properties *config.Properties

	// FileWriter replaces the file sink destination (stdout or
	// platform.file.path). Only read when the sink is "file".
	FileWriter io.Writer

	// PubSub tunes the category dispatchers. Metrics is always overridden.
	PubSub pubsub.Config

	// PollerFactory opens device pollers (default poller.New with the
	// gateway's SNMP settings).
	PollerFactory poller.Factory

	// ShutdownTimeout bounds the metrics server shutdown (default 5s).
	ShutdownTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// App
// ─────────────────────────────────────────────────────────────────────────────

// App owns every gateway component. Create one with New, start it with
// Start, and stop it with Stop.
type App struct {
	cfg    Config
	logger *slog.Logger

	props     *config.Properties
	inventory *inventoryRef
	registry  *prometheus.Registry

	formatter *fmtjson.Formatter
	avail     *publish.Availability
	sink      publish.Sink
	closeSink func()
	check     platform.CheckFunc

	topics    map[models.Category]*pubsub.PubSub
	pipelines map[models.Category]*publish.Pipeline

	bus       *events.Bus
	listener  *trapreceiver.Listener
	manager   *subscription.Manager
	pool      *poller.WorkerPool
	scheduler *poller.Scheduler
	metricSrv *http.Server

	// reloadMu serialises Reload.
	reloadMu sync.Mutex

	cancel    context.CancelFunc
	group     errgroup.Group
	forwardWg sync.WaitGroup
	started   bool
}

// New constructs an App. It does not start anything; call Start for that.
func New(cfg Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	cfg.withDefaults()
	return &App{
		cfg:       cfg,
		logger:    logger,
		inventory: &inventoryRef{},
		topics:    make(map[models.Category]*pubsub.PubSub, len(categories)),
		pipelines: make(map[models.Category]*publish.Pipeline, len(categories)),
	}
}

// Start loads the configuration, builds every component and launches the
// run loops. On error, components already started are stopped again.
func (a *App) Start(ctx context.Context) (err error) {
	// ── 1. Load configuration ───────────────────────────────────────────
	props := a.cfg.Properties
	if props == nil {
		props, err = config.LoadProperties(a.cfg.Paths.Properties, a.logger)
		if err != nil {
			return fmt.Errorf("app: load properties: %w", err)
		}
	}
	a.props = props

	inv, err := config.LoadInventory(a.cfg.Paths.Inventory, props, a.logger)
	if err != nil {
		return fmt.Errorf("app: load inventory: %w", err)
	}
	a.inventory.Store(inv)
	gw, known := inv.Gateway(props.Gateway.Identifier)
	a.logger.Info("app: configuration loaded",
		"gateway", props.Gateway.Identifier,
		"known", known,
		"devices", len(inv.Devices(props.Gateway.Identifier)),
		"rejected", len(inv.Rejected),
	)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.started = true
	defer func() {
		if err != nil {
			a.Stop()
		}
	}()

	// ── 2. Metrics ──────────────────────────────────────────────────────
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err = a.startMetricsServer(); err != nil {
		return err
	}

	// ── 3. Upstream sink and availability ───────────────────────────────
	a.formatter = fmtjson.New(fmtjson.Config{}, a.logger)
	a.avail = publish.NewAvailability()
	publish.RegisterAvailability(a.registry, a.avail)
	if err = a.buildSink(runCtx); err != nil {
		return err
	}

	// ── 4. Queues and pipelines (downstream first) ──────────────────────
	psCfg := a.cfg.PubSub
	psCfg.Metrics = pubsub.NewMetrics(a.registry)
	pm := publish.NewMetrics(a.registry)
	for _, cat := range categories {
		q, qerr := a.newQueue(cat)
		if qerr != nil {
			return qerr
		}
		ps := pubsub.New(cat, q, psCfg, a.logger)
		a.topics[cat] = ps

		sink := a.sink
		if cat != models.CategoryMeasurement {
			sink = singleDelivery{sink}
		}
		p := publish.NewPipeline(publish.Config{
			Name:         string(cat),
			Concurrency:  props.Platform.Concurrency,
			TransmitRate: a.transmitRate,
			Metrics:      pm,
		}, sink, ps, a.avail, a.logger)
		if err = p.Subscribe(); err != nil {
			return fmt.Errorf("app: subscribe %s pipeline: %w", cat, err)
		}
		a.pipelines[cat] = p
	}

	prober := platform.NewProber(platform.ProberConfig{
		Interval: props.Gateway.Availability.Interval,
	}, a.avail, a.check, a.logger)
	a.group.Go(func() error { return prober.Run(runCtx) })

	// ── 5. Configuration events ─────────────────────────────────────────
	a.bus = events.NewBus(a.formatter, a.topics[models.CategoryAlarm], a.logger)

	// ── 6. Trap listener ────────────────────────────────────────────────
	a.listener = trapreceiver.New(trapreceiver.Config{
		Community: props.SNMP.Community.Target,
		Metrics:   trapreceiver.NewMetrics(a.registry),
	}, a.logger)
	ep, err := props.TrapEndpoint()
	if err != nil {
		return err
	}
	if known && gw.TrapListener.Port != 0 {
		ep = gw.TrapListener
	}
	if lerr := a.listener.Start(runCtx, ep); lerr != nil {
		// Non-fatal: Reload retries the binding while it is down.
		a.logger.Error("app: trap listener failed to start, continuing without traps",
			"endpoint", ep.String(), "error", lerr.Error())
	}
	a.startTrapForwarders(props.TrapWorkers())

	a.manager = subscription.New(a.listener, a.inventory, a.inventory, a.bus, a.logger)
	if known {
		if rerr := a.manager.RefreshAll(gw); rerr != nil {
			a.logger.Error("app: initial subscription failed", "gateway", gw.ID, "error", rerr.Error())
		}
	} else {
		a.logger.Warn("app: gateway not in inventory, nothing subscribed", "gateway", props.Gateway.Identifier)
	}

	// ── 7. Poll path ────────────────────────────────────────────────────
	factory := a.cfg.PollerFactory
	if factory == nil {
		settings := target.Settings{
			Community: props.SNMP.Community.Target,
			Retries:   props.SNMP.Retries,
			Timeout:   props.Timeout(),
		}
		factory = func(d models.Device, oids []string) (poller.Poller, error) {
			return poller.New(settings, d, oids, a.logger)
		}
	}
	a.pool = poller.NewWorkerPool(props.PollWorkers(), a.publishMeasurement, a.logger)
	a.pool.Start(runCtx)
	a.scheduler = poller.NewScheduler(a.pool, factory, a.logger)
	a.scheduler.Reload(inv.PollSpecs(props.Gateway.Identifier))
	a.group.Go(func() error {
		a.scheduler.Start(runCtx)
		return nil
	})

	a.logger.Info("app: gateway running",
		"trap_endpoint", ep.String(),
		"trap_workers", props.TrapWorkers(),
		"poll_workers", props.PollWorkers(),
		"polled_devices", a.scheduler.Entries(),
		"sink", props.Platform.Sink,
		"queue", props.Queue.Backend,
	)
	return nil
}

// Stop performs a graceful shutdown.
//
// Shutdown order:
//  1. Cancel the run context (scheduler, prober, listener watch).
//  2. Stop the scheduler, then drain the worker pool.
//  3. Stop the trap listener and wait for the forwarders to drain.
//  4. Unsubscribe the pipelines (waits for in-flight deliveries).
//  5. Close the queues, the sink and the metrics server.
func (a *App) Stop() {
	if !a.started {
		return
	}
	a.started = false
	a.logger.Info("app: shutting down")

	a.cancel()

	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.listener != nil {
		a.listener.Stop()
	}
	a.forwardWg.Wait()

	for _, cat := range categories {
		if p := a.pipelines[cat]; p != nil {
			p.Unsubscribe()
		}
	}
	for _, cat := range categories {
		if ps := a.topics[cat]; ps != nil {
			if err := ps.Close(); err != nil {
				a.logger.Error("app: queue close error", "category", string(cat), "error", err.Error())
			}
		}
	}
	if a.closeSink != nil {
		a.closeSink()
	}
	if a.metricSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		if err := a.metricSrv.Shutdown(ctx); err != nil {
			a.logger.Error("app: metrics server shutdown error", "error", err.Error())
		}
		cancel()
	}
	if err := a.group.Wait(); err != nil {
		a.logger.Error("app: run loop error", "error", err.Error())
	}

	a.logger.Info("app: shutdown complete")
}

// Reload re-reads the inventory and applies the difference: devices are
// subscribed, resubscribed or unsubscribed, the polled set is replaced, and
// batching pipelines pick up a new transmit rate. A changed trap endpoint
// refreshes the whole gateway. Properties are not reloaded.
func (a *App) Reload() error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	if a.manager == nil {
		return errors.New("app: reload before start")
	}
	a.logger.Info("app: reloading inventory")
	next, err := config.LoadInventory(a.cfg.Paths.Inventory, a.props, a.logger)
	if err != nil {
		return fmt.Errorf("app: reload inventory: %w", err)
	}

	id := a.props.Gateway.Identifier
	prev := a.inventory.Swap(next)
	change := config.Diff(prev, next, id)
	rebind := !a.listener.Running()
	if change.Empty() && !rebind {
		a.logger.Info("app: inventory unchanged")
		return nil
	}
	a.applyChange(id, change, rebind)

	a.scheduler.Reload(next.PollSpecs(id))

	if change.RateChanged {
		for _, cat := range categories {
			if err := a.pipelines[cat].RefreshSubscription(); err != nil {
				a.logger.Error("app: refresh subscription failed", "pipeline", string(cat), "error", err.Error())
			}
		}
	}

	a.logger.Info("app: inventory reloaded",
		"added", len(change.Added),
		"removed", len(change.Removed),
		"updated", len(change.Updated),
		"type_changed", len(change.TypeChanged),
		"rate_changed", change.RateChanged,
		"trap_endpoint_changed", change.TrapEndpoint,
		"trap_rebind", rebind,
	)
	return nil
}

func (a *App) applyChange(id string, change config.Change, rebind bool) {
	for _, d := range change.Removed {
		a.manager.OnDeviceRemoved(d)
	}

	gw, ok := a.inventory.Gateway(id)
	if !ok {
		a.logger.Warn("app: gateway no longer in inventory", "gateway", id)
		return
	}
	if change.TrapEndpoint || rebind {
		if err := a.manager.RefreshAll(gw); err != nil {
			a.logger.Error("app: gateway refresh failed", "gateway", id, "error", err.Error())
		}
		return
	}

	for _, d := range append(change.Added, change.Updated...) {
		if err := a.manager.OnDeviceAdded(gw, d); err != nil {
			a.logger.Warn("app: device not subscribed", "device", d.ID, "error", err.Error())
		}
	}
	for _, d := range change.TypeChanged {
		dt, _ := a.inventory.DeviceType(d.DeviceTypeID)
		if err := a.manager.OnDeviceTypeChanged(gw, d, dt); err != nil {
			a.logger.Warn("app: device not resubscribed", "device", d.ID, "error", err.Error())
		}
	}
}

// Table returns a copy of the live subscription table.
func (a *App) Table() models.SubscriptionTable {
	return a.manager.Table()
}

// Publish enqueues msg on the queue of its category.
func (a *App) Publish(msg models.Message) error {
	ps, ok := a.topics[msg.Category]
	if !ok {
		return fmt.Errorf("app: unknown category %q", msg.Category)
	}
	return ps.Publish(msg)
}

// MetricsHandler serves the gateway's registry.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

// ─────────────────────────────────────────────────────────────────────────────
// Component construction
// ─────────────────────────────────────────────────────────────────────────────

func (a *App) newQueue(cat models.Category) (pubsub.Queue, error) {
	switch a.props.Queue.Backend {
	case config.QueueRedis:
		r := a.props.Redis
		q, err := pubsub.NewRedisQueue(r.Addr, r.Password, r.DB, cat, a.logger)
		if err != nil {
			return nil, fmt.Errorf("app: %s queue: %w", cat, err)
		}
		return q, nil
	default:
		return pubsub.NewMemoryQueue(a.props.Queue.MaxLen), nil
	}
}

// buildSink sets a.sink, a.check and a.closeSink from the platform
// properties.
func (a *App) buildSink(ctx context.Context) error {
	pp := a.props.Platform
	batch := a.props.Gateway.MaxBatch.Size

	switch pp.Sink {
	case config.SinkHTTP:
		client := &http.Client{Timeout: pp.HTTP.Timeout}
		if client.Timeout <= 0 {
			client.Timeout = 10 * time.Second
		}
		sink, err := platform.NewHTTPSink(platform.HTTPConfig{
			BaseURL:   pp.HTTP.BaseURL,
			Headers:   pp.HTTP.Headers,
			Batching:  pp.Batching,
			BatchSize: batch,
			Client:    client,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("app: http sink: %w", err)
		}
		health := pp.HTTP.HealthURL
		if health == "" {
			health = pp.HTTP.BaseURL
		}
		a.sink = sink
		a.check = platform.HTTPCheck(client, health)
		a.closeSink = client.CloseIdleConnections

	case config.SinkMQTT:
		mcfg := platform.MQTTConfig{
			Broker:      pp.MQTT.Broker,
			ClientID:    pp.MQTT.ClientID,
			Username:    pp.MQTT.Username,
			Password:    pp.MQTT.Password,
			TopicPrefix: pp.MQTT.TopicPrefix,
			QoS:         pp.MQTT.QoS,
			Batching:    pp.Batching,
			BatchSize:   batch,
		}
		client := platform.NewMQTTClient(mcfg)
		sink := platform.NewMQTTSink(client, mcfg, a.logger)
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sink.Connect(cctx)
		cancel()
		if err != nil {
			// The client keeps retrying; the Prober restores availability.
			a.avail.MarkUnavailable()
			a.logger.Warn("app: mqtt broker not reachable yet", "broker", mcfg.Broker, "error", err.Error())
		}
		a.sink = sink
		a.check = platform.MQTTCheck(client)
		a.closeSink = sink.Disconnect

	default:
		def := a.cfg.FileWriter
		if def == nil && pp.File.Path != "" {
			rf, err := filetransport.OpenRotating(filetransport.RotateConfig{
				Path:       pp.File.Path,
				MaxBytes:   pp.File.MaxBytes,
				MaxBackups: pp.File.MaxBackups,
			}, a.logger)
			if err != nil {
				return fmt.Errorf("app: file sink: %w", err)
			}
			def = rf
		}
		sink := filetransport.New(filetransport.Config{
			Default:  def,
			Batching: pp.Batching,
		}, a.logger)
		a.sink = sink
		a.check = func(context.Context) error { return nil }
		a.closeSink = func() {
			if err := sink.Close(); err != nil {
				a.logger.Error("app: file sink close error", "error", err.Error())
			}
		}
	}
	return nil
}

func (a *App) startMetricsServer() error {
	addr := a.props.Metrics.Listen
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.MetricsHandler())
	a.metricSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.group.Go(func() error {
		if err := a.metricSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: metrics server: %w", err)
		}
		return nil
	})
	a.logger.Info("app: metrics endpoint listening", "addr", ln.Addr().String())
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Ingestion stages
// ─────────────────────────────────────────────────────────────────────────────

// startTrapForwarders drains the listener output into the event queue on n
// goroutines. They exit when the listener closes its output.
func (a *App) startTrapForwarders(n int) {
	out := a.listener.Output()
	queue := a.topics[models.CategoryEvent]
	for i := 0; i < n; i++ {
		a.forwardWg.Add(1)
		go func() {
			defer a.forwardWg.Done()
			for dc := range out {
				msg, err := a.formatter.Event(dc)
				if err != nil {
					a.logger.Warn("app: event format error",
						"device", dc.DeviceID, "oid", dc.OID, "error", err.Error())
					continue
				}
				if err := queue.Publish(msg); err != nil {
					a.logger.Error("app: event enqueue failed", "id", msg.ID, "error", err.Error())
				}
			}
		}()
	}
}

// publishMeasurement is the worker pool's ResultFunc.
func (a *App) publishMeasurement(m models.Measurement) {
	msg, err := a.formatter.Measurement(m)
	if err != nil {
		a.logger.Warn("app: measurement format error", "device", m.DeviceID, "error", err.Error())
		return
	}
	if err := a.topics[models.CategoryMeasurement].Publish(msg); err != nil {
		a.logger.Error("app: measurement enqueue failed", "device", m.DeviceID, "error", err.Error())
	}
}

// transmitRate is the current gateway's transmit rate, 0 when unknown.
func (a *App) transmitRate() int64 {
	gw, ok := a.inventory.Gateway(a.props.Gateway.Identifier)
	if !ok {
		return 0
	}
	return gw.TransmitRate
}

// ─────────────────────────────────────────────────────────────────────────────
// Utilities
// ─────────────────────────────────────────────────────────────────────────────

// inventoryRef serves the repositories from the current inventory snapshot,
// so the subscription manager sees reloads without being rebuilt.
type inventoryRef struct {
	p atomic.Pointer[config.Inventory]
}

func (r *inventoryRef) Store(inv *config.Inventory) { r.p.Store(inv) }

func (r *inventoryRef) Swap(inv *config.Inventory) *config.Inventory { return r.p.Swap(inv) }

func (r *inventoryRef) Device(id string) (models.Device, bool) {
	if inv := r.p.Load(); inv != nil {
		return inv.Device(id)
	}
	return models.Device{}, false
}

func (r *inventoryRef) DeviceType(id string) (models.DeviceType, bool) {
	if inv := r.p.Load(); inv != nil {
		return inv.DeviceType(id)
	}
	return models.DeviceType{}, false
}

func (r *inventoryRef) Gateway(id string) (models.Gateway, bool) {
	if inv := r.p.Load(); inv != nil {
		return inv.Gateway(id)
	}
	return models.Gateway{}, false
}

// singleDelivery hides the batching capability of a shared sink from the
// event and alarm pipelines, which deliver one message at a time.
type singleDelivery struct{ publish.Sink }

func (singleDelivery) BatchingSupported() bool { return false }

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

var _ subscription.GatewayRepository = (*inventoryRef)(nil)
