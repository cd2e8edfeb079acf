// Package target resolves a device's credentials and endpoint into the SNMP
// session parameters used to talk to it. It is the single place where the
// v3 / non-v3 branching policy lives, so the poller and any other session
// consumer cannot drift apart.
package target

import (
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/vpbank/snmp_gateway/models"
)

const (
	// DefaultRetries is the retry count applied when Settings leaves it unset.
	DefaultRetries = 3

	// DefaultTimeout is the per-attempt timeout applied when Settings leaves
	// it unset.
	DefaultTimeout = 5000 * time.Millisecond
)

// Settings are the gateway-wide SNMP knobs that shape every target.
type Settings struct {
	// Community is the gateway-wide community string for v1/v2c devices.
	Community string

	// Retries overrides DefaultRetries when > 0.
	Retries int

	// Timeout overrides DefaultTimeout when > 0.
	Timeout time.Duration
}

func (s Settings) retries() int {
	if s.Retries > 0 {
		return s.Retries
	}
	return DefaultRetries
}

func (s Settings) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

// Kind distinguishes community-based from user-based targets.
type Kind int

const (
	CommunityTarget Kind = iota + 1
	UserTarget
)

// Target is a resolved SNMP session description. It performs no I/O.
type Target struct {
	Kind     Kind
	Endpoint models.Endpoint
	Version  models.Version

	// Community is set for CommunityTarget only.
	Community string

	// User-based security, UserTarget only.
	SecurityName    string
	SecurityLevel   models.SecurityLevel
	ContextEngineID string
	AuthProtocol    gosnmp.SnmpV3AuthProtocol
	AuthPassphrase  string
	PrivProtocol    gosnmp.SnmpV3PrivProtocol
	PrivPassphrase  string

	Retries int
	Timeout time.Duration
}

// Resolve builds the Target for a device. v3 profiles yield a user-based
// target; v1 and v2c yield a community target that uses the profile's own
// community when present and the gateway-wide one otherwise.
func Resolve(auth models.AuthProfile, ep models.Endpoint, s Settings) Target {
	t := Target{
		Endpoint: ep,
		Version:  auth.Version,
		Retries:  s.retries(),
		Timeout:  s.timeout(),
	}

	if auth.Version == models.Version3 {
		t.Kind = UserTarget
		t.SecurityName = auth.Username
		t.SecurityLevel = securityLevel(auth)
		t.ContextEngineID = auth.EngineID
		t.AuthProtocol = mapAuthProto(auth.AuthProtocol)
		t.AuthPassphrase = auth.AuthPassphrase
		t.PrivProtocol = mapPrivProto(auth.PrivProtocol)
		t.PrivPassphrase = auth.PrivPassphrase
		return t
	}

	t.Kind = CommunityTarget
	if t.Version != models.Version1 {
		t.Version = models.Version2c
	}
	t.Community = s.Community
	if auth.Community != "" {
		t.Community = auth.Community
	}
	return t
}

// Session returns an unconnected gosnmp session for the target. The caller
// must Connect it and close its Conn when done.
func (t Target) Session() *gosnmp.GoSNMP {
	g := &gosnmp.GoSNMP{
		Target:    t.Endpoint.Host,
		Port:      uint16(t.Endpoint.Port), //nolint:gosec
		Transport: string(t.Endpoint.Transport),
		Timeout:   t.Timeout,
		Retries:   t.Retries,
		MaxOids:   gosnmp.MaxOids,
	}
	if g.Transport == "" {
		g.Transport = string(models.TransportUDP)
	}

	switch t.Kind {
	case UserTarget:
		g.Version = gosnmp.Version3
		g.SecurityModel = gosnmp.UserSecurityModel
		g.MsgFlags = msgFlags(t.SecurityLevel)
		g.ContextEngineID = t.ContextEngineID
		g.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 t.SecurityName,
			AuthenticationProtocol:   t.AuthProtocol,
			AuthenticationPassphrase: t.AuthPassphrase,
			PrivacyProtocol:          t.PrivProtocol,
			PrivacyPassphrase:        t.PrivPassphrase,
		}
	default:
		g.Version = gosnmp.Version2c
		if t.Version == models.Version1 {
			g.Version = gosnmp.Version1
		}
		g.Community = t.Community
	}
	return g
}

// ─────────────────────────────────────────────────────────────────────────────
// SNMPv3 helpers
// ─────────────────────────────────────────────────────────────────────────────

// securityLevel returns the declared level, or derives it from the configured
// protocols when the profile leaves it blank.
func securityLevel(auth models.AuthProfile) models.SecurityLevel {
	if auth.SecurityLevel != "" {
		return auth.SecurityLevel
	}
	hasAuth := auth.AuthProtocol != "" && !strings.EqualFold(auth.AuthProtocol, "noauth")
	hasPriv := auth.PrivProtocol != "" && !strings.EqualFold(auth.PrivProtocol, "nopriv")
	switch {
	case hasAuth && hasPriv:
		return models.AuthPriv
	case hasAuth:
		return models.AuthNoPriv
	default:
		return models.NoAuthNoPriv
	}
}

func msgFlags(level models.SecurityLevel) gosnmp.SnmpV3MsgFlags {
	switch level {
	case models.AuthPriv:
		return gosnmp.AuthPriv | gosnmp.Reportable
	case models.AuthNoPriv:
		return gosnmp.AuthNoPriv | gosnmp.Reportable
	default:
		return gosnmp.NoAuthNoPriv | gosnmp.Reportable
	}
}

func mapAuthProto(s string) gosnmp.SnmpV3AuthProtocol {
	switch strings.ToLower(s) {
	case "md5":
		return gosnmp.MD5
	case "sha":
		return gosnmp.SHA
	case "sha224":
		return gosnmp.SHA224
	case "sha256":
		return gosnmp.SHA256
	case "sha384":
		return gosnmp.SHA384
	case "sha512":
		return gosnmp.SHA512
	default:
		return gosnmp.NoAuth
	}
}

func mapPrivProto(s string) gosnmp.SnmpV3PrivProtocol {
	switch strings.ToLower(s) {
	case "des":
		return gosnmp.DES
	case "aes":
		return gosnmp.AES
	case "aes192":
		return gosnmp.AES192
	case "aes256":
		return gosnmp.AES256
	case "aes192c":
		return gosnmp.AES192C
	case "aes256c":
		return gosnmp.AES256C
	default:
		return gosnmp.NoPriv
	}
}
