package models

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Endpoint
// ─────────────────────────────────────────────────────────────────────────────

// Transport is the SNMP transport kind.
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
)

// Endpoint is a canonical transport endpoint built by the address codec.
// Host is always a sanitised IP literal; Port is always > 0.
type Endpoint struct {
	Transport Transport `json:"transport" yaml:"transport"`
	Host      string    `json:"host" yaml:"host"`
	Port      int       `json:"port" yaml:"port"`
}

// Key returns the value used to demultiplex inbound traps. Trap senders use
// ephemeral source ports, so only the host takes part.
func (e Endpoint) Key() string {
	return e.Host
}

// Address returns "host:port" (IPv6 hosts bracketed).
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ListenAddress returns the address form accepted by gosnmp.TrapListener,
// e.g. "tcp://0.0.0.0:6671". UDP endpoints carry no scheme.
func (e Endpoint) ListenAddress() string {
	if e.Transport == TransportTCP {
		return "tcp://" + e.Address()
	}
	return e.Address()
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s/%s", e.Transport, e.Address())
}

// ─────────────────────────────────────────────────────────────────────────────
// AuthProfile
// ─────────────────────────────────────────────────────────────────────────────

// Version is the SNMP protocol version declared by a device.
type Version string

const (
	Version1  Version = "1"
	Version2c Version = "2c"
	Version3  Version = "3"
)

// ParseVersion accepts the usual spellings ("1", "v1", "2c", "v2c", "3", "v3")
// as well as the snmp4j-style numeric codes 0, 1 and 3.
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "v1", "0":
		return Version1, nil
	case "2c", "v2c", "2":
		return Version2c, nil
	case "3", "v3":
		return Version3, nil
	default:
		return "", fmt.Errorf("unsupported SNMP version %q", s)
	}
}

// SecurityLevel is the SNMPv3 USM security level.
type SecurityLevel string

const (
	NoAuthNoPriv SecurityLevel = "noAuthNoPriv"
	AuthNoPriv   SecurityLevel = "authNoPriv"
	AuthPriv     SecurityLevel = "authPriv"
)

// AuthProfile holds the credentials a device is reached with. Only the fields
// required by Version are populated.
type AuthProfile struct {
	Version Version `json:"version" yaml:"version"`

	// Community is used by v1/v2c. When empty the gateway-wide community
	// string applies.
	Community string `json:"community,omitempty" yaml:"community"`

	// v3 fields.
	Username       string        `json:"username,omitempty" yaml:"username"`
	SecurityLevel  SecurityLevel `json:"security_level,omitempty" yaml:"security_level"`
	EngineID       string        `json:"engine_id,omitempty" yaml:"engine_id"`
	AuthProtocol   string        `json:"auth_protocol,omitempty" yaml:"auth_protocol"`
	AuthPassphrase string        `json:"-" yaml:"auth_passphrase"`
	PrivProtocol   string        `json:"priv_protocol,omitempty" yaml:"priv_protocol"`
	PrivPassphrase string        `json:"-" yaml:"priv_passphrase"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Device types, devices, gateways
// ─────────────────────────────────────────────────────────────────────────────

// Register maps an OID to the semantic attribute it represents.
type Register struct {
	OID  string `json:"oid" yaml:"oid"`
	Name string `json:"name" yaml:"name"`
	Unit string `json:"unit,omitempty" yaml:"unit"`
}

// DeviceType declares the registers shared by all devices of that type.
type DeviceType struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name,omitempty" yaml:"name"`
	Registers []Register `json:"registers" yaml:"registers"`
}

// Device is a monitored SNMP agent.
type Device struct {
	ID           string      `json:"id"`
	Name         string      `json:"name,omitempty"`
	Endpoint     Endpoint    `json:"endpoint"`
	Auth         AuthProfile `json:"auth"`
	DeviceTypeID string      `json:"device_type"`

	// PollInterval is zero for trap-only devices.
	PollInterval time.Duration `json:"poll_interval,omitempty"`

	// PollOIDs lists the OIDs fetched on every poll.
	PollOIDs []string `json:"poll_oids,omitempty"`
}

// Gateway is the agent device that owns the monitored devices.
type Gateway struct {
	ID string `json:"id"`

	// DeviceIDs are the current child devices.
	DeviceIDs []string `json:"device_ids"`

	// TransmitRate is the batching interval in seconds advertised by the
	// platform for this gateway.
	TransmitRate int64 `json:"transmit_rate"`

	// TrapListener is where the gateway receives traps.
	TrapListener Endpoint `json:"trap_listener"`
}
