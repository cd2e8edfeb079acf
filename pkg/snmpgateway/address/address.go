// Package address normalises raw device addresses from configuration into the
// canonical models.Endpoint shared by the trap listener and the device poller,
// so both ingestion paths agree on how a device is addressed.
package address

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/vpbank/snmp_gateway/models"
)

// ErrInvalidAddress is returned when a raw address is neither an IP literal
// nor a resolvable host name, or when the port is out of range.
var ErrInvalidAddress = errors.New("invalid address")

// LookupFunc resolves a host name to its IP addresses.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

// Codec converts raw addresses to endpoints. The zero value resolves names
// with net.DefaultResolver.
type Codec struct {
	Lookup LookupFunc
}

var defaultCodec Codec

// Normalize is Codec.Normalize on a default codec.
func Normalize(raw string, port int, transport models.Transport, preferIPv6 bool) (models.Endpoint, error) {
	return defaultCodec.Normalize(raw, port, transport, preferIPv6)
}

// Normalize builds an Endpoint from raw. raw may be an IPv4/IPv6 literal
// (IPv6 optionally bracketed), a "host:port" pair whose port then wins over
// the port argument, or a host name. Name resolution picks the first IPv6
// address when preferIPv6 is set and the first IPv4 address otherwise,
// falling back to whatever family is available.
func (c Codec) Normalize(raw string, port int, transport models.Transport, preferIPv6 bool) (models.Endpoint, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return models.Endpoint{}, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	if h, p, err := net.SplitHostPort(host); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return models.Endpoint{}, fmt.Errorf("%w: bad port in %q", ErrInvalidAddress, raw)
		}
		host, port = h, n
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")

	if port <= 0 || port > 65535 {
		return models.Endpoint{}, fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, port)
	}
	if transport != models.TransportTCP {
		transport = models.TransportUDP
	}

	ip, err := c.sanitize(host, preferIPv6)
	if err != nil {
		return models.Endpoint{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, raw, err)
	}
	return models.Endpoint{Transport: transport, Host: ip.String(), Port: port}, nil
}

// ParseTransport maps a configured protocol name onto a transport kind.
// Anything other than "tcp" means UDP.
func ParseTransport(s string) models.Transport {
	if strings.EqualFold(strings.TrimSpace(s), "tcp") {
		return models.TransportTCP
	}
	return models.TransportUDP
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

func (c Codec) sanitize(host string, preferIPv6 bool) (netip.Addr, error) {
	if ip, ok := parseDottedQuad(host); ok {
		return ip, nil
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap(), nil
	}
	if strings.Trim(host, "0123456789.") == "" || !looksLikeHostname(host) {
		return netip.Addr{}, errors.New("not an IP literal or host name")
	}

	lookup := c.Lookup
	if lookup == nil {
		lookup = func(ctx context.Context, h string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", h)
		}
	}
	ips, err := lookup(context.Background(), host)
	if err != nil {
		return netip.Addr{}, err
	}

	var v4, v6 []netip.Addr
	for _, raw := range ips {
		ip, ok := netip.AddrFromSlice(raw)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.Is4() {
			v4 = append(v4, ip)
		} else {
			v6 = append(v6, ip)
		}
	}
	first, second := v4, v6
	if preferIPv6 {
		first, second = v6, v4
	}
	if len(first) > 0 {
		return first[0], nil
	}
	if len(second) > 0 {
		return second[0], nil
	}
	return netip.Addr{}, fmt.Errorf("no addresses for %s", host)
}

// parseDottedQuad accepts IPv4 literals with zero-padded octets
// ("010.000.000.005"), which netip rejects.
func parseDottedQuad(s string) (netip.Addr, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return netip.Addr{}, false
	}
	var b [4]byte
	for i, p := range parts {
		if p == "" || len(p) > 3 {
			return netip.Addr{}, false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return netip.Addr{}, false
		}
		b[i] = byte(n)
	}
	return netip.AddrFrom4(b), true
}

func looksLikeHostname(s string) bool {
	if len(s) > 253 {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(s, "."), ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			default:
				return false
			}
		}
	}
	return true
}
