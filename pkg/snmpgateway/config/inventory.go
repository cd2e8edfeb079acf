package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/vpbank/snmp_gateway/models"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/address"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/poller"
	snmptrap "github.com/vpbank/snmp_gateway/snmp/trap"
)

// ─────────────────────────────────────────────────────────────────────────────
// Raw YAML schema
// ─────────────────────────────────────────────────────────────────────────────

type rawInventoryFile struct {
	Gateways    []rawGateway    `yaml:"gateways"`
	DeviceTypes []rawDeviceType `yaml:"deviceTypes"`
	Devices     []rawDevice     `yaml:"devices"`
}

type rawGateway struct {
	ID           string   `yaml:"id"`
	Devices      []string `yaml:"devices"`
	TransmitRate int64    `yaml:"transmitRate"`
	TrapListener struct {
		Protocol string `yaml:"protocol"`
		Address  string `yaml:"address"`
		Port     int    `yaml:"port"`
	} `yaml:"trapListener"`
}

type rawDeviceType struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Registers []models.Register `yaml:"registers"`
}

type rawDevice struct {
	ID         string             `yaml:"id"`
	Name       string             `yaml:"name"`
	Address    string             `yaml:"address"`
	Port       int                `yaml:"port"`
	Protocol   string             `yaml:"protocol"`
	DeviceType string             `yaml:"deviceType"`
	Auth       models.AuthProfile `yaml:"auth"`

	// Poll enables polling; PollInterval defaults to poller.DefaultInterval.
	Poll         bool          `yaml:"poll"`
	PollInterval time.Duration `yaml:"pollInterval"`
	PollOIDs     []string      `yaml:"pollOIDs"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Inventory
// ─────────────────────────────────────────────────────────────────────────────

// Inventory is an immutable snapshot of the device configuration. It
// implements the device, device-type and gateway repositories.
type Inventory struct {
	gateways map[string]models.Gateway
	types    map[string]models.DeviceType
	devices  map[string]models.Device

	// Rejected lists entries skipped during loading with the reason.
	Rejected []string
}

// LoadInventory reads every YAML file under dir. Entries that cannot be used
// (missing ID, bad address, unknown version) are skipped with a warning and
// listed in Rejected; a malformed file is skipped entirely. A missing
// directory yields an empty inventory.
func LoadInventory(dir string, props *Properties, logger *slog.Logger) (*Inventory, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	inv := &Inventory{
		gateways: make(map[string]models.Gateway),
		types:    make(map[string]models.DeviceType),
		devices:  make(map[string]models.Device),
	}

	files, err := yamlFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("config: inventory not found", "path", dir)
			return inv, nil
		}
		return nil, fmt.Errorf("config: list inventory %q: %w", dir, err)
	}

	for _, path := range files {
		var raw rawInventoryFile
		if err := decodeFile(path, &raw); err != nil {
			logger.Warn("config: skip malformed inventory file", "file", path, "error", err.Error())
			inv.Rejected = append(inv.Rejected, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		for _, t := range raw.DeviceTypes {
			inv.addDeviceType(t, logger)
		}
		for _, d := range raw.Devices {
			inv.addDevice(d, props, logger)
		}
		for _, g := range raw.Gateways {
			inv.addGateway(g, props, logger)
		}
		logger.Debug("config: loaded inventory file", "file", path,
			"gateways", len(raw.Gateways),
			"device_types", len(raw.DeviceTypes),
			"devices", len(raw.Devices),
		)
	}
	return inv, nil
}

func (inv *Inventory) reject(logger *slog.Logger, what string, err error) {
	logger.Warn("config: skip inventory entry", "entry", what, "error", err.Error())
	inv.Rejected = append(inv.Rejected, fmt.Sprintf("%s: %v", what, err))
}

func (inv *Inventory) addDeviceType(raw rawDeviceType, logger *slog.Logger) {
	if raw.ID == "" {
		inv.reject(logger, "device type", fmt.Errorf("missing id"))
		return
	}
	regs := make([]models.Register, 0, len(raw.Registers))
	for _, r := range raw.Registers {
		r.OID = snmptrap.NormaliseOID(r.OID)
		if r.OID == "" {
			continue
		}
		regs = append(regs, r)
	}
	inv.types[raw.ID] = models.DeviceType{ID: raw.ID, Name: raw.Name, Registers: regs}
}

func (inv *Inventory) addDevice(raw rawDevice, props *Properties, logger *slog.Logger) {
	if raw.ID == "" {
		inv.reject(logger, "device", fmt.Errorf("missing id"))
		return
	}
	what := "device " + raw.ID

	port := raw.Port
	if port == 0 {
		port = props.SNMP.Polling.Port
	}
	ep, err := address.Normalize(raw.Address, port, address.ParseTransport(raw.Protocol), props.SNMP.PreferIPv6)
	if err != nil {
		inv.reject(logger, what, err)
		return
	}

	auth := raw.Auth
	version := string(auth.Version)
	if version == "" {
		version = props.SNMP.Polling.Version
	}
	v, err := models.ParseVersion(version)
	if err != nil {
		inv.reject(logger, what, err)
		return
	}
	auth.Version = v

	d := models.Device{
		ID:           raw.ID,
		Name:         raw.Name,
		Endpoint:     ep,
		Auth:         auth,
		DeviceTypeID: raw.DeviceType,
	}
	if raw.Poll || raw.PollInterval > 0 {
		d.PollInterval = raw.PollInterval
		if d.PollInterval <= 0 {
			d.PollInterval = poller.DefaultInterval
		}
		for _, oid := range raw.PollOIDs {
			if oid = snmptrap.NormaliseOID(oid); oid != "" {
				d.PollOIDs = append(d.PollOIDs, oid)
			}
		}
	}
	inv.devices[raw.ID] = d
}

func (inv *Inventory) addGateway(raw rawGateway, props *Properties, logger *slog.Logger) {
	if raw.ID == "" {
		inv.reject(logger, "gateway", fmt.Errorf("missing id"))
		return
	}
	gw := models.Gateway{
		ID:           raw.ID,
		DeviceIDs:    append([]string(nil), raw.Devices...),
		TransmitRate: raw.TransmitRate,
	}

	l := raw.TrapListener
	if l.Protocol == "" {
		l.Protocol = props.SNMP.TrapListener.Protocol
	}
	if l.Address == "" {
		l.Address = props.SNMP.TrapListener.Address
	}
	if l.Port == 0 {
		l.Port = props.SNMP.TrapListener.Port
	}
	ep, err := address.Normalize(l.Address, l.Port, address.ParseTransport(l.Protocol), props.SNMP.PreferIPv6)
	if err != nil {
		inv.reject(logger, "gateway "+raw.ID, err)
		return
	}
	gw.TrapListener = ep
	inv.gateways[raw.ID] = gw
}

// ─────────────────────────────────────────────────────────────────────────────
// Repository views
// ─────────────────────────────────────────────────────────────────────────────

func (inv *Inventory) Device(id string) (models.Device, bool) {
	d, ok := inv.devices[id]
	return d, ok
}

func (inv *Inventory) DeviceType(id string) (models.DeviceType, bool) {
	t, ok := inv.types[id]
	return t, ok
}

func (inv *Inventory) Gateway(id string) (models.Gateway, bool) {
	g, ok := inv.gateways[id]
	return g, ok
}

// Devices returns the devices of gateway id that exist in the inventory, in
// the gateway's order.
func (inv *Inventory) Devices(id string) []models.Device {
	gw, ok := inv.gateways[id]
	if !ok {
		return nil
	}
	out := make([]models.Device, 0, len(gw.DeviceIDs))
	for _, did := range gw.DeviceIDs {
		if d, ok := inv.devices[did]; ok {
			out = append(out, d)
		}
	}
	return out
}

// PollSpecs returns one poller.Spec per polled device of gateway id. Devices
// whose type is unknown are polled without register names.
func (inv *Inventory) PollSpecs(id string) []poller.Spec {
	var specs []poller.Spec
	for _, d := range inv.Devices(id) {
		if d.PollInterval <= 0 {
			continue
		}
		var regs []models.Register
		if t, ok := inv.types[d.DeviceTypeID]; ok {
			regs = t.Registers
		}
		specs = append(specs, poller.Spec{Device: d, Registers: regs})
	}
	return specs
}

// ─────────────────────────────────────────────────────────────────────────────
// Diff
// ─────────────────────────────────────────────────────────────────────────────

// Change is the difference between two inventories for one gateway.
type Change struct {
	Added        []models.Device
	Removed      []models.Device
	Updated      []models.Device
	TypeChanged  []models.Device
	RateChanged  bool
	TrapEndpoint bool
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0 &&
		len(c.TypeChanged) == 0 && !c.RateChanged && !c.TrapEndpoint
}

// Diff compares the view of gateway id in prev and next. A device whose type
// definition changed is listed in TypeChanged; any other change to a device
// lands in Updated.
func Diff(prev, next *Inventory, id string) Change {
	var c Change
	pg, _ := prev.Gateway(id)
	ng, _ := next.Gateway(id)
	c.RateChanged = pg.TransmitRate != ng.TransmitRate
	c.TrapEndpoint = pg.TrapListener != ng.TrapListener

	before := make(map[string]models.Device)
	for _, d := range prev.Devices(id) {
		before[d.ID] = d
	}
	for _, d := range next.Devices(id) {
		old, ok := before[d.ID]
		delete(before, d.ID)
		switch {
		case !ok:
			c.Added = append(c.Added, d)
		case !sameDevice(old, d):
			c.Updated = append(c.Updated, d)
		case !sameType(prev, next, d.DeviceTypeID):
			c.TypeChanged = append(c.TypeChanged, d)
		}
	}
	removed := make([]string, 0, len(before))
	for did := range before {
		removed = append(removed, did)
	}
	sort.Strings(removed)
	for _, did := range removed {
		c.Removed = append(c.Removed, before[did])
	}
	return c
}

func sameDevice(a, b models.Device) bool {
	return a.Name == b.Name &&
		a.Endpoint == b.Endpoint &&
		a.Auth == b.Auth &&
		a.DeviceTypeID == b.DeviceTypeID &&
		a.PollInterval == b.PollInterval &&
		strings.Join(a.PollOIDs, ",") == strings.Join(b.PollOIDs, ",")
}

func sameType(prev, next *Inventory, id string) bool {
	a, aok := prev.DeviceType(id)
	b, bok := next.DeviceType(id)
	if aok != bok || a.ID != b.ID || a.Name != b.Name || len(a.Registers) != len(b.Registers) {
		return false
	}
	for i := range a.Registers {
		if a.Registers[i] != b.Registers[i] {
			return false
		}
	}
	return true
}
