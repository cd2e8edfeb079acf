// Package json builds the internal message envelopes of the SNMP gateway.
//
// Pipeline position:
//
//	trapreceiver / poller / events  →  format/json  →  pubsub queues  →  publish
//
// Each ingestion result (trap data-changed, poll measurement, configuration
// alarm) is marshalled into the JSON document sent upstream and wrapped in a
// models.Message carrying a fresh UUID and its category. All json struct tags
// live on the model types, so serialisation is a single json.Marshal call.
package json

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/vpbank/snmp_gateway/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config controls Formatter behaviour.
type Config struct {
	// PrettyPrint emits indented JSON payloads. Meant for the file sink in
	// dry-run deployments; leave false in production.
	PrettyPrint bool

	// Indent defaults to two spaces when PrettyPrint is set.
	Indent string

	// NewID generates message IDs (default uuid.NewString).
	NewID func() string
}

// ─────────────────────────────────────────────────────────────────────────────
// Formatter
// ─────────────────────────────────────────────────────────────────────────────

// Formatter wraps payloads into messages. It is safe for concurrent use.
type Formatter struct {
	cfg    Config
	logger *slog.Logger
}

// New constructs a Formatter. A nil logger is replaced by a no-op logger.
func New(cfg Config, logger *slog.Logger) *Formatter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if cfg.PrettyPrint && cfg.Indent == "" {
		cfg.Indent = "  "
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Formatter{cfg: cfg, logger: logger}
}

// Event wraps a trap data-changed notification.
func (f *Formatter) Event(dc models.DataChanged) (models.Message, error) {
	return f.wrap(models.CategoryEvent, dc, "device_id", dc.DeviceID, "oid", dc.OID)
}

// Measurement wraps a poll result.
func (f *Formatter) Measurement(m models.Measurement) (models.Message, error) {
	return f.wrap(models.CategoryMeasurement, m, "device_id", m.DeviceID, "values", len(m.Values))
}

// Alarm wraps a configuration alarm.
func (f *Formatter) Alarm(a models.Alarm) (models.Message, error) {
	return f.wrap(models.CategoryAlarm, a, "gateway_id", a.GatewayID, "cleared", a.Cleared)
}

func (f *Formatter) wrap(cat models.Category, payload interface{}, attrs ...any) (models.Message, error) {
	var (
		data []byte
		err  error
	)
	if f.cfg.PrettyPrint {
		data, err = json.MarshalIndent(payload, "", f.cfg.Indent)
	} else {
		data, err = json.Marshal(payload)
	}
	if err != nil {
		f.logger.Error("format/json: marshal failed",
			append([]any{"category", cat, "error", err.Error()}, attrs...)...)
		return models.Message{}, fmt.Errorf("format/json: marshal %s: %w", cat, err)
	}

	msg := models.Message{ID: f.cfg.NewID(), Category: cat, Payload: data}
	f.logger.Debug("format/json: formatted message",
		append([]any{"category", cat, "id", msg.ID, "bytes", len(data)}, attrs...)...)
	return msg, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Batches
// ─────────────────────────────────────────────────────────────────────────────

// Array joins the payloads of msgs into one JSON array, the body of a batched
// upstream request.
func Array(msgs []models.Message) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		raw = append(raw, m.Payload)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("format/json: marshal batch: %w", err)
	}
	return data, nil
}

// noopWriter discards all log output when no logger is provided.
type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
