// Package models defines the core data structures shared across all layers of
// the SNMP gateway: monitored devices and their credentials, the internal
// messages flowing from ingestion to the publish pipeline, and the
// configuration events reported to operators. Nothing here depends on any
// other internal package.
package models

import (
	"encoding/json"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Internal messages
// ─────────────────────────────────────────────────────────────────────────────

// Category selects the queue and the publish pipeline a message travels on.
type Category string

const (
	CategoryMeasurement Category = "measurement"
	CategoryEvent       Category = "event"
	CategoryAlarm       Category = "alarm"
)

// Message is the envelope stored in the internal queues. Payload is the JSON
// document sent upstream as-is.
type Message struct {
	ID       string          `json:"id"`
	Category Category        `json:"category"`
	Payload  json.RawMessage `json:"payload"`
}

// ActionKind tags a HandlerAction.
type ActionKind int

const (
	ActionDataChanged ActionKind = iota + 1
)

// HandlerAction is what the trap listener does when a subscribed OID arrives.
// It is plain data so a device removed while traps are in flight leaves no
// dangling closure behind.
type HandlerAction struct {
	Kind     ActionKind
	Device   Device
	Register Register
}

// DataChanged is the normalised output of the ingestion side: one register of
// one device changed (trap) or was sampled (poll).
type DataChanged struct {
	DeviceID   string      `json:"device_id"`
	DeviceName string      `json:"device_name,omitempty"`
	Address    string      `json:"address"`
	OID        string      `json:"oid"`
	Register   string      `json:"register"`
	Unit       string      `json:"unit,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	PDUType    string      `json:"pdu_type"`
	Value      interface{} `json:"value,omitempty"`
	ValueType  string      `json:"value_type,omitempty"`
}

// MeasurementValue is one sampled OID of a poll.
type MeasurementValue struct {
	OID       string      `json:"oid"`
	Register  string      `json:"register,omitempty"`
	Unit      string      `json:"unit,omitempty"`
	Value     interface{} `json:"value"`
	ValueType string      `json:"value_type"`
}

// Measurement is the result of one successful device poll.
type Measurement struct {
	DeviceID       string             `json:"device_id"`
	DeviceName     string             `json:"device_name,omitempty"`
	Address        string             `json:"address"`
	Timestamp      time.Time          `json:"timestamp"`
	PollDurationMs int64              `json:"poll_duration_ms"`
	Values         []MeasurementValue `json:"values"`
}

// Alarm is the upstream representation of a configuration error. A cleared
// alarm withdraws the active one for the same gateway and device.
type Alarm struct {
	Type      string     `json:"type"`
	Severity  string     `json:"severity"`
	GatewayID string     `json:"gateway_id"`
	DeviceID  string     `json:"device_id,omitempty"`
	Reason    ReasonCode `json:"reason"`
	Text      string     `json:"text,omitempty"`
	Cleared   bool       `json:"cleared"`
	Timestamp time.Time  `json:"timestamp"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Configuration events
// ─────────────────────────────────────────────────────────────────────────────

// ReasonCode classifies a configuration event.
type ReasonCode string

const (
	// ReasonNoRegisters: the device type declares no OID.
	ReasonNoRegisters ReasonCode = "NO_REGISTERS"
	// ReasonURL: gateway connectivity settings; cleared on successful subscribe.
	ReasonURL ReasonCode = "URL"
	// ReasonMessage carries a free-form message.
	ReasonMessage ReasonCode = "MESSAGE"
)

// EventKind discriminates configuration events.
type EventKind string

const (
	DeviceConfigError    EventKind = "device_config_error"
	GatewayConfigError   EventKind = "gateway_config_error"
	GatewayConfigSuccess EventKind = "gateway_config_success"
)

// ConfigEvent is an operator-visible validation outcome.
type ConfigEvent struct {
	Kind      EventKind  `json:"kind"`
	GatewayID string     `json:"gateway_id"`
	DeviceID  string     `json:"device_id,omitempty"`
	Register  string     `json:"register,omitempty"`
	Reason    ReasonCode `json:"reason"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
