package origin

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/always-cache/altsvc/alpn"
)

// Endpoint is a (protocol, host, port) triple.
// Hosts are stored without IPv6 brackets.
type Endpoint struct {
	Protocol alpn.ID
	Host     string
	Port     uint16
}

// New creates an endpoint from a protocol token, a raw host and a port.
// The host is normalized with NormalizeHost.
// It returns false if the protocol is unknown or the host normalizes to nothing.
func New(protocol string, rawHost string, port uint16) (Endpoint, bool) {
	id := alpn.FromString(protocol)
	host, ok := NormalizeHost(rawHost)
	if id == alpn.None || !ok {
		return Endpoint{}, false
	}
	return Endpoint{Protocol: id, Host: host, Port: port}, true
}

// Matches reports whether the endpoint, as stored in the cache, matches the queried one.
// Protocols and ports must be equal, hosts must match according to HostsMatch.
func (e Endpoint) Matches(query Endpoint) bool {
	return e.Protocol == query.Protocol &&
		e.Port == query.Port &&
		HostsMatch(e.Host, query.Host)
}

// String renders the endpoint as e.g. "h2 [::1]:443".
func (e Endpoint) String() string {
	return fmt.Sprintf("%s %s:%d", e.Protocol, FormatHost(e.Host), e.Port)
}

// NormalizeHost canonicalizes a source host for storage and comparison.
// A bracketed IPv6 literal loses its brackets, otherwise a single trailing dot is removed.
// It returns false if the result is not a ValidHost.
func NormalizeHost(raw string) (string, bool) {
	if isBracketed(raw) {
		raw = raw[1 : len(raw)-1]
	} else if strings.HasSuffix(raw, ".") {
		raw = raw[:len(raw)-1]
	}
	return raw, ValidHost(raw)
}

// NormalizeDestinationHost canonicalizes an advertised host.
// Only IPv6 brackets are removed, a trailing dot is kept as advertised.
func NormalizeDestinationHost(raw string) (string, bool) {
	if isBracketed(raw) {
		raw = raw[1 : len(raw)-1]
	}
	return raw, raw != ""
}

func isBracketed(raw string) bool {
	return len(raw) > 2 && raw[0] == '[' && raw[len(raw)-1] == ']'
}

// HostsMatch compares a stored host with a queried one, ignoring ASCII case.
// One trailing dot on the stored host is ignored, one on the query is not.
func HostsMatch(stored, query string) bool {
	stored = strings.TrimSuffix(stored, ".")
	if len(stored) != len(query) {
		return false
	}
	return strings.EqualFold(stored, query)
}

// ValidHost reports whether host is a non-empty run of ASCII letters, digits,
// dots and dashes, or an unbracketed IPv6 literal.
// Such hosts can be written to the cache file as a single field.
func ValidHost(host string) bool {
	if host == "" {
		return false
	}
	if IsIPv6Literal(host) {
		return true
	}
	for i := 0; i < len(host); i++ {
		c := host[i]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' || c == '.' || c == '-') {
			return false
		}
	}
	return true
}

// IsIPv6Literal reports whether the (unbracketed) host is a textual IPv6 address.
func IsIPv6Literal(host string) bool {
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.Is6() && addr.Zone() == ""
}

// FormatHost renders a stored host for output, putting IPv6 literals back in brackets.
func FormatHost(host string) string {
	if IsIPv6Literal(host) {
		return "[" + host + "]"
	}
	return host
}

// ParsePort parses a decimal port number in the range 1..65535.
func ParsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	if port == 0 {
		return 0, fmt.Errorf("port out of range: %s", s)
	}
	return uint16(port), nil
}

// DefaultPort returns the port implied by an URL scheme.
func DefaultPort(scheme string) uint16 {
	if strings.EqualFold(scheme, "https") {
		return 443
	}
	return 80
}
