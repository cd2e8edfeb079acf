// Command snmpgateway is the SNMP gateway binary.
//
// It reads the gateway properties and the device inventory from the paths in
// SNMPGATEWAY_PROPERTIES and SNMPGATEWAY_INVENTORY (or the flags below),
// starts the trap listener, the pollers and the publish pipelines, and runs
// until SIGINT or SIGTERM. SIGHUP reloads the inventory.
//
// Usage:
//
//	snmpgateway [flags]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/app"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "snmpgateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ── Flags ────────────────────────────────────────────────────────────
	var (
		logLevel string
		logFmt   string

		cfgProperties string
		cfgInventory  string

		gatewayID     string
		metricsListen string
		sink          string
		queue         string
	)

	flag.StringVar(&logLevel, "log.level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&logFmt, "log.fmt", "json", "Log format: json, text")

	flag.StringVar(&cfgProperties, "config.properties", "", "Override SNMPGATEWAY_PROPERTIES")
	flag.StringVar(&cfgInventory, "config.inventory", "", "Override SNMPGATEWAY_INVENTORY")

	flag.StringVar(&gatewayID, "gateway.id", "", "Override gateway.identifier")
	flag.StringVar(&metricsListen, "metrics.listen", "", "Override metrics.listen, e.g. :9161")
	flag.StringVar(&sink, "platform.sink", "", "Override platform.sink: http, mqtt, file")
	flag.StringVar(&queue, "queue.backend", "", "Override queue.backend: memory, redis")

	flag.Parse()

	// ── Logger ───────────────────────────────────────────────────────────
	logger, err := buildLogger(logLevel, logFmt)
	if err != nil {
		return err
	}

	// ── Configuration ────────────────────────────────────────────────────
	paths := config.PathsFromEnv()
	applyPathOverrides(&paths, cfgProperties, cfgInventory)

	props, err := config.ReadProperties(paths.Properties, logger)
	if err != nil {
		return err
	}
	applyPropertyOverrides(props, gatewayID, metricsListen, sink, queue)
	props.ApplyDefaults()
	if err := props.Validate(); err != nil {
		return err
	}

	application := app.New(app.Config{
		Paths:      paths,
		Properties: props,
	}, logger)

	// ── Start ────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	logger.Info("snmpgateway: running", "gateway", props.Gateway.Identifier)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			logger.Info("snmpgateway: received shutdown signal")
			application.Stop()
			return nil
		case <-hup:
			if err := application.Reload(); err != nil {
				logger.Error("snmpgateway: reload failed", "error", err.Error())
			}
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q (expected debug|info|warn|error)", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q (expected json|text)", format)
	}

	return slog.New(handler), nil
}

func applyPathOverrides(p *config.Paths, properties, inventory string) {
	if properties != "" {
		p.Properties = properties
	}
	if inventory != "" {
		p.Inventory = inventory
	}
}

func applyPropertyOverrides(p *config.Properties, gatewayID, metricsListen, sink, queue string) {
	if gatewayID != "" {
		p.Gateway.Identifier = gatewayID
	}
	if metricsListen != "" {
		p.Metrics.Listen = metricsListen
	}
	if sink != "" {
		p.Platform.Sink = sink
	}
	if queue != "" {
		p.Queue.Backend = queue
	}
}
