// Package events reports configuration outcomes to operators. Errors are
// logged and raised upstream as alarms; a later success for the same gateway
// or device clears them.
package events

import (
	"log/slog"
	"sync"
	"time"

	fmtjson "github.com/vpbank/snmp_gateway/format/json"
	"github.com/vpbank/snmp_gateway/models"
)

// Publisher accepts configuration events.
type Publisher interface {
	Publish(ev models.ConfigEvent)
}

// MessagePublisher is where alarm messages go, normally the alarm pubsub.
type MessagePublisher interface {
	Publish(msg models.Message) error
}

const alarmType = "CONFIGURATION_ERROR"

// Bus is the Publisher used by the gateway.
type Bus struct {
	logger *slog.Logger
	format *fmtjson.Formatter
	alarms MessagePublisher

	mu     sync.Mutex
	active map[alarmKey]models.ReasonCode
}

type alarmKey struct{ gateway, device string }

// NewBus creates a Bus. alarms may be nil, in which case events are only
// logged.
func NewBus(format *fmtjson.Formatter, alarms MessagePublisher, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if format == nil {
		format = fmtjson.New(fmtjson.Config{}, logger)
	}
	return &Bus{
		logger: logger,
		format: format,
		alarms: alarms,
		active: make(map[alarmKey]models.ReasonCode),
	}
}

// Publish implements Publisher.
func (b *Bus) Publish(ev models.ConfigEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	attrs := []any{"gateway", ev.GatewayID, "device", ev.DeviceID, "reason", ev.Reason}
	if ev.Message != "" {
		attrs = append(attrs, "message", ev.Message)
	}

	switch ev.Kind {
	case models.DeviceConfigError:
		b.logger.Warn("events: device configuration error", attrs...)
		b.raise(alarmKey{ev.GatewayID, ev.DeviceID}, ev, "MAJOR")
	case models.GatewayConfigError:
		b.logger.Error("events: gateway configuration error", attrs...)
		b.raise(alarmKey{ev.GatewayID, ""}, ev, "CRITICAL")
	case models.GatewayConfigSuccess:
		b.logger.Info("events: gateway configuration applied", attrs...)
		b.clear(alarmKey{ev.GatewayID, ""}, ev)
		if ev.DeviceID != "" {
			b.clear(alarmKey{ev.GatewayID, ev.DeviceID}, ev)
		}
	default:
		b.logger.Warn("events: unknown event kind", append(attrs, "kind", ev.Kind)...)
	}
}

// Active reports the number of raised, uncleared alarms.
func (b *Bus) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

func (b *Bus) raise(key alarmKey, ev models.ConfigEvent, severity string) {
	b.mu.Lock()
	b.active[key] = ev.Reason
	b.mu.Unlock()

	b.send(models.Alarm{
		Type:      alarmType,
		Severity:  severity,
		GatewayID: ev.GatewayID,
		DeviceID:  key.device,
		Reason:    ev.Reason,
		Text:      alarmText(ev),
		Timestamp: ev.Timestamp,
	})
}

func (b *Bus) clear(key alarmKey, ev models.ConfigEvent) {
	b.mu.Lock()
	reason, ok := b.active[key]
	delete(b.active, key)
	b.mu.Unlock()
	if !ok {
		return
	}

	b.send(models.Alarm{
		Type:      alarmType,
		Severity:  "CLEARED",
		GatewayID: key.gateway,
		DeviceID:  key.device,
		Reason:    reason,
		Cleared:   true,
		Timestamp: ev.Timestamp,
	})
}

func (b *Bus) send(a models.Alarm) {
	if b.alarms == nil {
		return
	}
	msg, err := b.format.Alarm(a)
	if err != nil {
		b.logger.Error("events: cannot format alarm", "error", err)
		return
	}
	if err := b.alarms.Publish(msg); err != nil {
		b.logger.Error("events: cannot publish alarm", "gateway", a.GatewayID, "error", err)
	}
}

func alarmText(ev models.ConfigEvent) string {
	switch {
	case ev.Message != "":
		return ev.Message
	case ev.Reason == models.ReasonNoRegisters:
		return "device type declares no registers"
	default:
		return string(ev.Reason)
	}
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
