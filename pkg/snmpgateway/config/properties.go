// Package config loads the gateway's YAML configuration.
//
// Two sources are read:
//
//	SNMPGATEWAY_PROPERTIES  → Properties (gateway, snmp, platform, queue, redis, metrics)
//	SNMPGATEWAY_INVENTORY   → Inventory (gateway, device types, devices)
//
// Properties is a single file; zero values are replaced by defaults. The
// inventory is a directory tree of YAML files merged into one view; it stands
// in for the device-management backend and implements its repositories.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vpbank/snmp_gateway/models"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/address"
)

// ─────────────────────────────────────────────────────────────────────────────
// Paths
// ─────────────────────────────────────────────────────────────────────────────

// Paths holds the locations of both configuration sources.
type Paths struct {
	Properties string // SNMPGATEWAY_PROPERTIES
	Inventory  string // SNMPGATEWAY_INVENTORY
}

// PathsFromEnv reads each path from its environment variable, falling back to
// the default when the variable is unset or empty.
func PathsFromEnv() Paths {
	return Paths{
		Properties: envOr("SNMPGATEWAY_PROPERTIES", "/etc/snmp_gateway/gateway.yml"),
		Inventory:  envOr("SNMPGATEWAY_INVENTORY", "/etc/snmp_gateway/inventory"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ─────────────────────────────────────────────────────────────────────────────
// Properties
// ─────────────────────────────────────────────────────────────────────────────

// Properties are the gateway-wide settings.
type Properties struct {
	Gateway  GatewayProperties  `yaml:"gateway"`
	SNMP     SNMPProperties     `yaml:"snmp"`
	Platform PlatformProperties `yaml:"platform"`
	Queue    QueueProperties    `yaml:"queue"`
	Redis    RedisProperties    `yaml:"redis"`
	Metrics  MetricsProperties  `yaml:"metrics"`
}

type GatewayProperties struct {
	// Identifier is the gateway ID looked up in the inventory.
	Identifier string `yaml:"identifier"`

	ThreadPool struct {
		// Size is split between trap handling (20%, at least 2) and
		// scheduled polling (80%, at least 8). Default 30.
		Size int `yaml:"size"`
	} `yaml:"threadPool"`

	MaxBatch struct {
		Size int `yaml:"size"` // default 200
	} `yaml:"maxBatch"`

	Availability struct {
		Interval time.Duration `yaml:"interval"` // default 10s
	} `yaml:"availability"`
}

type SNMPProperties struct {
	TrapListener struct {
		Protocol string `yaml:"protocol"` // udp (default) or tcp
		Port     int    `yaml:"port"`     // default 6671
		Address  string `yaml:"address"`  // default 0.0.0.0
	} `yaml:"trapListener"`

	Community struct {
		Target string `yaml:"target"` // default "public"
	} `yaml:"community"`

	Polling struct {
		Port    int    `yaml:"port"`    // default 161
		Version string `yaml:"version"` // default 2c
	} `yaml:"polling"`

	Autodiscovery struct {
		// DevicePingTimeoutPeriod is kept for configuration compatibility;
		// auto-discovery itself is not part of the gateway.
		DevicePingTimeoutPeriod int `yaml:"devicePingTimeoutPeriod"` // default 3
	} `yaml:"autodiscovery"`

	Retries    int  `yaml:"retries"`   // default 3
	TimeoutMs  int  `yaml:"timeoutMs"` // default 5000
	PreferIPv6 bool `yaml:"preferIPv6"`
}

// Sink kinds.
const (
	SinkHTTP = "http"
	SinkMQTT = "mqtt"
	SinkFile = "file"
)

type PlatformProperties struct {
	// Sink selects the upstream: http, mqtt or file (default file).
	Sink string `yaml:"sink"`

	// Batching enables batched delivery for measurements.
	Batching bool `yaml:"batching"`

	// Concurrency is the number of dispatchers per pipeline (default 1).
	Concurrency int `yaml:"concurrency"`

	HTTP struct {
		BaseURL   string            `yaml:"baseURL"`
		HealthURL string            `yaml:"healthURL"` // default baseURL
		Headers   map[string]string `yaml:"headers"`
		Timeout   time.Duration     `yaml:"timeout"`
	} `yaml:"http"`

	MQTT struct {
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"clientID"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topicPrefix"`
		QoS         byte   `yaml:"qos"`
	} `yaml:"mqtt"`

	File struct {
		// Path is the output file; empty writes to stdout.
		Path       string `yaml:"path"`
		MaxBytes   int64  `yaml:"maxBytes"`
		MaxBackups int    `yaml:"maxBackups"`
	} `yaml:"file"`
}

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

type QueueProperties struct {
	Backend string `yaml:"backend"` // memory (default) or redis
	MaxLen  int    `yaml:"maxLen"`  // memory only; 0 = unbounded
}

type RedisProperties struct {
	Addr     string `yaml:"addr"` // default localhost:6379
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MetricsProperties struct {
	// Listen is the Prometheus endpoint address; empty disables it.
	Listen string `yaml:"listen"`
}

// LoadProperties reads the properties file at path, applies defaults and
// validates the result. A missing file yields the defaults alone.
func LoadProperties(path string, logger *slog.Logger) (*Properties, error) {
	p, err := ReadProperties(path, logger)
	if err != nil {
		return nil, err
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ReadProperties decodes the properties file at path without applying
// defaults, so callers can override fields first. A missing file yields
// zero Properties.
func ReadProperties(path string, logger *slog.Logger) (*Properties, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	var p Properties
	if err := decodeFile(path, &p); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: properties %q: %w", path, err)
		}
		logger.Warn("config: properties file not found, using defaults", "file", path)
		return &p, nil
	}
	logger.Debug("config: loaded properties", "file", path, "gateway", p.Gateway.Identifier)
	return &p, nil
}

// ApplyDefaults fills zero fields.
func (p *Properties) ApplyDefaults() {
	if p.Gateway.ThreadPool.Size <= 0 {
		p.Gateway.ThreadPool.Size = 30
	}
	if p.Gateway.MaxBatch.Size <= 0 {
		p.Gateway.MaxBatch.Size = 200
	}
	if p.Gateway.Availability.Interval <= 0 {
		p.Gateway.Availability.Interval = 10 * time.Second
	}

	s := &p.SNMP
	if s.TrapListener.Protocol == "" {
		s.TrapListener.Protocol = string(models.TransportUDP)
	}
	if s.TrapListener.Port <= 0 {
		s.TrapListener.Port = 6671
	}
	if s.TrapListener.Address == "" {
		s.TrapListener.Address = "0.0.0.0"
	}
	if s.Community.Target == "" {
		s.Community.Target = "public"
	}
	if s.Polling.Port <= 0 {
		s.Polling.Port = 161
	}
	if s.Polling.Version == "" {
		s.Polling.Version = string(models.Version2c)
	}
	if s.Autodiscovery.DevicePingTimeoutPeriod <= 0 {
		s.Autodiscovery.DevicePingTimeoutPeriod = 3
	}
	if s.Retries <= 0 {
		s.Retries = 3
	}
	if s.TimeoutMs <= 0 {
		s.TimeoutMs = 5000
	}

	if p.Platform.Sink == "" {
		p.Platform.Sink = SinkFile
	}
	if p.Platform.Concurrency <= 0 {
		p.Platform.Concurrency = 1
	}
	if p.Platform.MQTT.ClientID == "" {
		p.Platform.MQTT.ClientID = "snmpgateway-" + p.Gateway.Identifier
	}
	if p.Queue.Backend == "" {
		p.Queue.Backend = QueueMemory
	}
	if p.Redis.Addr == "" {
		p.Redis.Addr = "localhost:6379"
	}
}

// Validate checks the combinations defaults cannot fix.
func (p *Properties) Validate() error {
	var errs []string
	if p.Gateway.Identifier == "" {
		errs = append(errs, "gateway.identifier is required")
	}
	if _, err := models.ParseVersion(p.SNMP.Polling.Version); err != nil {
		errs = append(errs, "snmp.polling.version: "+err.Error())
	}
	switch strings.ToLower(p.SNMP.TrapListener.Protocol) {
	case string(models.TransportUDP), string(models.TransportTCP):
	default:
		errs = append(errs, fmt.Sprintf("snmp.trapListener.protocol: unsupported %q", p.SNMP.TrapListener.Protocol))
	}
	switch p.Platform.Sink {
	case SinkHTTP:
		if p.Platform.HTTP.BaseURL == "" {
			errs = append(errs, "platform.http.baseURL is required for the http sink")
		}
	case SinkMQTT:
		if p.Platform.MQTT.Broker == "" {
			errs = append(errs, "platform.mqtt.broker is required for the mqtt sink")
		}
	case SinkFile:
	default:
		errs = append(errs, fmt.Sprintf("platform.sink: unsupported %q", p.Platform.Sink))
	}
	switch p.Queue.Backend {
	case QueueMemory, QueueRedis:
	default:
		errs = append(errs, fmt.Sprintf("queue.backend: unsupported %q", p.Queue.Backend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %d error(s):\n  %s", len(errs), strings.Join(errs, "\n  "))
	}
	return nil
}

// TrapWorkers is the trap share of the thread pool: 20%, at least 2.
func (p *Properties) TrapWorkers() int {
	return max(2, p.Gateway.ThreadPool.Size*20/100)
}

// PollWorkers is the polling share of the thread pool: 80%, at least 8.
func (p *Properties) PollWorkers() int {
	return max(8, p.Gateway.ThreadPool.Size*80/100)
}

// Timeout is the per-attempt SNMP timeout.
func (p *Properties) Timeout() time.Duration {
	return time.Duration(p.SNMP.TimeoutMs) * time.Millisecond
}

// TrapEndpoint is the listener endpoint used until the inventory gateway
// overrides it.
func (p *Properties) TrapEndpoint() (models.Endpoint, error) {
	l := p.SNMP.TrapListener
	ep, err := address.Normalize(l.Address, l.Port, address.ParseTransport(l.Protocol), p.SNMP.PreferIPv6)
	if err != nil {
		return models.Endpoint{}, fmt.Errorf("config: snmp.trapListener: %w", err)
	}
	return ep, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// yamlFiles returns all *.yml / *.yaml files under dir, sorted by path. A
// plain file path is returned as is.
func yamlFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".yml" || ext == ".yaml" {
			paths = append(paths, p)
		}
		return nil
	})
	return paths, err
}

// decodeFile opens path and unmarshals the YAML content into out. Unknown
// keys are ignored and an empty file leaves out untouched.
func decodeFile(path string, out interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(false)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
