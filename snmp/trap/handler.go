// Package trap converts received SNMP trap and inform PDUs into a Notification
// the trap listener can demultiplex by source and OID. It covers the
// protocol-level differences between v1, v2c and v3 traps but knows nothing
// about sockets or subscriptions.
package trap

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

// ─────────────────────────────────────────────────────────────────────────────
// Well-known OID constants
// ─────────────────────────────────────────────────────────────────────────────

const (
	// OIDSysUpTime is sysUpTime.0, the first varbind of v2c/v3 traps.
	OIDSysUpTime = "1.3.6.1.2.1.1.3.0"

	// OIDSnmpTrapOID is snmpTrapOID.0; its value is the notification OID.
	OIDSnmpTrapOID = "1.3.6.1.6.3.1.1.4.1.0"
)

// ─────────────────────────────────────────────────────────────────────────────
// Notification
// ─────────────────────────────────────────────────────────────────────────────

// Varbind is one converted variable binding.
type Varbind struct {
	OID   string
	Type  string
	Value interface{}
}

// Notification is a parsed trap or inform.
type Notification struct {
	// Source is the sending agent's IP. For v1 traps the PDU's agent
	// address wins over the UDP source.
	Source     string
	Version    string
	PDUType    string
	TrapOID    string
	Varbinds   []Varbind
	ReceivedAt time.Time
}

// OIDs returns the distinct OIDs carried by the notification, trap OID first
// and then every varbind in PDU order.
func (n Notification) OIDs() []string {
	out := make([]string, 0, len(n.Varbinds)+1)
	seen := make(map[string]bool, len(n.Varbinds)+1)
	add := func(oid string) {
		if oid == "" || seen[oid] {
			return
		}
		seen[oid] = true
		out = append(out, oid)
	}
	add(n.TrapOID)
	for _, vb := range n.Varbinds {
		add(vb.OID)
	}
	return out
}

// Varbind returns the binding for oid, if present.
func (n Notification) Varbind(oid string) (Varbind, bool) {
	for _, vb := range n.Varbinds {
		if vb.OID == oid {
			return vb, true
		}
	}
	return Varbind{}, false
}

// ─────────────────────────────────────────────────────────────────────────────
// Parse
// ─────────────────────────────────────────────────────────────────────────────

// Parse converts a packet delivered by gosnmp.TrapListener into a
// Notification. Informs are handled exactly like traps; gosnmp acknowledges
// them itself.
func Parse(pkt *gosnmp.SnmpPacket, remote *net.UDPAddr) (Notification, error) {
	if pkt == nil {
		return Notification{}, fmt.Errorf("trap: nil packet")
	}

	n := Notification{
		ReceivedAt: time.Now().UTC(),
		PDUType:    pduTypeName(pkt.PDUType),
	}
	if remote != nil {
		n.Source = remote.IP.String()
	}

	switch pkt.Version {
	case gosnmp.Version1:
		n.Version = "1"
		if pkt.AgentAddress != "" && pkt.AgentAddress != "0.0.0.0" {
			n.Source = pkt.AgentAddress
		}
		n.TrapOID = v1TrapOID(pkt)
		n.Varbinds = convertVarbinds(pkt.Variables)
	case gosnmp.Version2c, gosnmp.Version3:
		n.Version = "2c"
		if pkt.Version == gosnmp.Version3 {
			n.Version = "3"
		}
		n.TrapOID, n.Varbinds = v2Payload(pkt.Variables)
	default:
		return n, fmt.Errorf("trap: unsupported SNMP version %v", pkt.Version)
	}
	return n, nil
}

// v1TrapOID follows the RFC 3584 §3.1 v1-to-v2 mapping:
//
//	generic 0-5 → .1.3.6.1.6.3.1.1.5.<generic+1>
//	generic 6   → <enterprise>.0.<specific>
func v1TrapOID(pkt *gosnmp.SnmpPacket) string {
	if pkt.GenericTrap >= 0 && pkt.GenericTrap < 6 {
		return fmt.Sprintf("1.3.6.1.6.3.1.1.5.%d", pkt.GenericTrap+1)
	}
	return fmt.Sprintf("%s.0.%d", NormaliseOID(pkt.Enterprise), pkt.SpecificTrap)
}

// v2Payload extracts the trap OID from snmpTrapOID.0 and returns the
// remaining bindings. sysUpTime.0 and snmpTrapOID.0 are kept as bindings too
// so registers may target them directly.
func v2Payload(vars []gosnmp.SnmpPDU) (string, []Varbind) {
	var trapOID string
	for _, v := range vars {
		if NormaliseOID(v.Name) == OIDSnmpTrapOID {
			trapOID = NormaliseOID(fmt.Sprintf("%v", v.Value))
			break
		}
	}
	return trapOID, convertVarbinds(vars)
}

// ─────────────────────────────────────────────────────────────────────────────
// Varbind conversion
// ─────────────────────────────────────────────────────────────────────────────

// IsErrorPDU reports PDU types that signal a missing value.
func IsErrorPDU(t gosnmp.Asn1BER) bool {
	return t == gosnmp.NoSuchObject || t == gosnmp.NoSuchInstance ||
		t == gosnmp.EndOfMibView || t == gosnmp.Null
}

func convertVarbinds(pdus []gosnmp.SnmpPDU) []Varbind {
	out := make([]Varbind, 0, len(pdus))
	for _, pdu := range pdus {
		if IsErrorPDU(pdu.Type) {
			continue
		}
		out = append(out, Varbind{
			OID:   NormaliseOID(pdu.Name),
			Type:  TypeName(pdu.Type),
			Value: Value(pdu),
		})
	}
	return out
}

// Value converts a gosnmp PDU value into int64, uint64, string or []byte.
func Value(pdu gosnmp.SnmpPDU) interface{} {
	switch pdu.Type {
	case gosnmp.OctetString:
		if b, ok := pdu.Value.([]byte); ok {
			if isPrintable(b) {
				return string(b)
			}
			return b
		}
		return fmt.Sprintf("%v", pdu.Value)
	case gosnmp.ObjectIdentifier:
		return NormaliseOID(fmt.Sprintf("%v", pdu.Value))
	case gosnmp.Integer:
		return gosnmp.ToBigInt(pdu.Value).Int64()
	case gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Uinteger32, gosnmp.Counter64:
		return gosnmp.ToBigInt(pdu.Value).Uint64()
	default:
		return fmt.Sprintf("%v", pdu.Value)
	}
}

// NormaliseOID strips surrounding space and any leading or trailing dot, so
// ".1.3.6.1" and "1.3.6.1." compare equal.
func NormaliseOID(oid string) string {
	return strings.Trim(strings.TrimSpace(oid), ".")
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
			return false
		}
		if c > 0x7e {
			return false
		}
	}
	return true
}

// TypeName returns the SMI name of a gosnmp type.
func TypeName(t gosnmp.Asn1BER) string {
	switch t {
	case gosnmp.Integer:
		return "Integer"
	case gosnmp.OctetString:
		return "OctetString"
	case gosnmp.ObjectIdentifier:
		return "ObjectIdentifier"
	case gosnmp.IPAddress:
		return "IpAddress"
	case gosnmp.Counter32:
		return "Counter32"
	case gosnmp.Gauge32:
		return "Gauge32"
	case gosnmp.TimeTicks:
		return "TimeTicks"
	case gosnmp.Counter64:
		return "Counter64"
	case gosnmp.Uinteger32:
		return "Unsigned32"
	case gosnmp.BitString:
		return "BitString"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", uint8(t))
	}
}

func pduTypeName(t gosnmp.PDUType) string {
	switch t {
	case gosnmp.Trap:
		return "TRAP"
	case gosnmp.SNMPv2Trap:
		return "TRAP"
	case gosnmp.InformRequest:
		return "INFORM"
	case gosnmp.GetResponse:
		return "RESPONSE"
	case gosnmp.GetRequest:
		return "GET"
	default:
		return fmt.Sprintf("PDU(0x%02X)", uint8(t))
	}
}

// PDUTypeName is exported for the poller, which labels responses the same way.
func PDUTypeName(t gosnmp.PDUType) string { return pduTypeName(t) }
