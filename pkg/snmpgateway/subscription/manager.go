// Package subscription keeps the trap listener's SubscriptionTable in step
// with the device inventory.
//
// Every device is either unsubscribed or subscribed. A (re)subscribe
// recomputes the device's OID map from its device type and replaces any
// previous map for the device's endpoint; the whole table is then installed
// into the listener as a fresh copy. All entry points run under one mutex, so
// mutations for a gateway are never interleaved.
package subscription

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vpbank/snmp_gateway/models"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/events"
	snmptrap "github.com/vpbank/snmp_gateway/snmp/trap"
)

// ErrNoRegisters is returned when a device type declares no OID.
var ErrNoRegisters = errors.New("subscription: device type declares no registers")

// ─────────────────────────────────────────────────────────────────────────────
// Collaborators
// ─────────────────────────────────────────────────────────────────────────────

// DeviceRepository looks devices up by ID.
type DeviceRepository interface {
	Device(id string) (models.Device, bool)
}

// DeviceTypeRepository looks device types up by ID.
type DeviceTypeRepository interface {
	DeviceType(id string) (models.DeviceType, bool)
}

// GatewayRepository looks gateways up by ID. The manager receives gateways
// as arguments; the repository is for whoever triggers a refresh.
type GatewayRepository interface {
	Gateway(id string) (models.Gateway, bool)
}

// Listener is the part of the trap listener the manager drives.
type Listener interface {
	Install(table models.SubscriptionTable)
	SetGateway(gw models.Gateway) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Manager
// ─────────────────────────────────────────────────────────────────────────────

// Manager owns the SubscriptionTable.
type Manager struct {
	listener Listener
	devices  DeviceRepository
	types    DeviceTypeRepository
	events   events.Publisher
	logger   *slog.Logger

	mu    sync.Mutex
	table models.SubscriptionTable
	// keys maps a device ID to the endpoint key it is subscribed under;
	// owners is the reverse index.
	keys   map[string]string
	owners map[string]string
}

// New creates a Manager. events may be nil.
func New(listener Listener, devices DeviceRepository, types DeviceTypeRepository, pub events.Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if pub == nil {
		pub = discard{}
	}
	return &Manager{
		listener: listener,
		devices:  devices,
		types:    types,
		events:   pub,
		logger:   logger,
		table:    make(models.SubscriptionTable),
		keys:     make(map[string]string),
		owners:   make(map[string]string),
	}
}

// OnDeviceTypeChanged resubscribes device against the updated device type.
func (m *Manager) OnDeviceTypeChanged(gw models.Gateway, device models.Device, dt models.DeviceType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribe(gw, device, dt)
}

// OnDeviceAdded subscribes a new device, resolving its device type through
// the repository.
func (m *Manager) OnDeviceAdded(gw models.Gateway, device models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dt, ok := m.types.DeviceType(device.DeviceTypeID)
	if !ok {
		m.logger.Warn("subscription: unknown device type",
			"device", device.ID, "device_type", device.DeviceTypeID)
		return fmt.Errorf("subscription: device %s: unknown device type %q", device.ID, device.DeviceTypeID)
	}
	return m.subscribe(gw, device, dt)
}

// OnDeviceRemoved is Unsubscribe.
func (m *Manager) OnDeviceRemoved(device models.Device) {
	m.Unsubscribe(device)
}

// Unsubscribe removes the device's entry and reinstalls the table. Calling
// it for a device that is not subscribed is a no-op.
func (m *Manager) Unsubscribe(device models.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remove(device.ID, device.Endpoint.Key()) {
		m.install()
		m.logger.Info("subscription: device unsubscribed", "device", device.ID)
	}
}

// RefreshAll applies the gateway's trap endpoint and resubscribes every
// device currently listed on it. Devices no longer listed are unsubscribed.
// Per-device failures are logged and skipped; a failing listener or an
// unexpected panic is reported as a gateway configuration error.
func (m *Manager) RefreshAll(gw models.Gateway) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscription: refresh gateway %s: %v", gw.ID, r)
			m.logger.Error("subscription: refresh aborted", "gateway", gw.ID, "panic", r)
			m.gatewayError(gw, err)
		}
	}()

	if err := m.listener.SetGateway(gw); err != nil {
		err = fmt.Errorf("subscription: apply gateway %s: %w", gw.ID, err)
		m.gatewayError(gw, err)
		return err
	}

	listed := make(map[string]bool, len(gw.DeviceIDs))
	subscribed := 0
	for _, id := range gw.DeviceIDs {
		listed[id] = true

		device, ok := m.devices.Device(id)
		if !ok {
			m.logger.Warn("subscription: device not found, skipped", "gateway", gw.ID, "device", id)
			continue
		}
		dt, ok := m.types.DeviceType(device.DeviceTypeID)
		if !ok {
			m.logger.Warn("subscription: device type not found, skipped",
				"gateway", gw.ID, "device", id, "device_type", device.DeviceTypeID)
			continue
		}
		if err := m.subscribe(gw, device, dt); err != nil {
			m.logger.Warn("subscription: device skipped", "gateway", gw.ID, "device", id, "error", err)
			continue
		}
		subscribed++
	}

	pruned := false
	for id, key := range m.keys {
		if !listed[id] {
			pruned = m.remove(id, key) || pruned
		}
	}
	if pruned {
		m.install()
	}

	m.logger.Info("subscription: gateway refreshed",
		"gateway", gw.ID, "devices", len(gw.DeviceIDs), "subscribed", subscribed)
	return nil
}

// Table returns a copy of the current table.
func (m *Manager) Table() models.SubscriptionTable {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Clone()
}

// ─────────────────────────────────────────────────────────────────────────────
// Internals (m.mu held)
// ─────────────────────────────────────────────────────────────────────────────

func (m *Manager) subscribe(gw models.Gateway, device models.Device, dt models.DeviceType) error {
	oids := make(map[string]models.HandlerAction, len(dt.Registers))
	for _, reg := range dt.Registers {
		oid := snmptrap.NormaliseOID(reg.OID)
		if oid == "" {
			m.logger.Warn("subscription: register without OID ignored", "device_type", dt.ID, "register", reg.Name)
			continue
		}
		reg.OID = oid
		oids[oid] = models.HandlerAction{Kind: models.ActionDataChanged, Device: device, Register: reg}
	}
	if len(oids) == 0 {
		m.events.Publish(models.ConfigEvent{
			Kind:      models.DeviceConfigError,
			GatewayID: gw.ID,
			DeviceID:  device.ID,
			Reason:    models.ReasonNoRegisters,
			Timestamp: time.Now().UTC(),
		})
		return fmt.Errorf("subscription: device %s type %s: %w", device.ID, dt.ID, ErrNoRegisters)
	}

	key := device.Endpoint.Key()
	if prev, ok := m.keys[device.ID]; ok && prev != key {
		m.remove(device.ID, prev)
	}
	if owner, ok := m.owners[key]; ok && owner != device.ID {
		m.logger.Warn("subscription: endpoint taken over by another device",
			"endpoint", key, "previous", owner, "device", device.ID)
		delete(m.keys, owner)
	}

	m.table[key] = oids
	m.keys[device.ID] = key
	m.owners[key] = device.ID
	m.install()

	m.logger.Info("subscription: device subscribed",
		"device", device.ID, "endpoint", key, "oids", len(oids))
	m.events.Publish(models.ConfigEvent{
		Kind:      models.GatewayConfigSuccess,
		GatewayID: gw.ID,
		DeviceID:  device.ID,
		Reason:    models.ReasonURL,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// remove drops the entry for deviceID, falling back to key when the device
// was never recorded. It reports whether the table changed.
func (m *Manager) remove(deviceID, key string) bool {
	if k, ok := m.keys[deviceID]; ok {
		key = k
	} else if owner, ok := m.owners[key]; ok && owner != deviceID {
		return false
	}
	delete(m.keys, deviceID)
	if _, ok := m.table[key]; !ok {
		return false
	}
	delete(m.table, key)
	delete(m.owners, key)
	return true
}

func (m *Manager) install() {
	m.listener.Install(m.table.Clone())
}

func (m *Manager) gatewayError(gw models.Gateway, err error) {
	m.events.Publish(models.ConfigEvent{
		Kind:      models.GatewayConfigError,
		GatewayID: gw.ID,
		Reason:    models.ReasonMessage,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

type discard struct{}

func (discard) Publish(models.ConfigEvent) {}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
