package rfc7838

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/always-cache/altsvc/alpn"
)

// §  3.  The Alt-Svc HTTP Header Field
// §
// §     An HTTP(S) origin server can advertise the availability of
// §     alternative services to clients by adding an Alt-Svc header field to
// §     responses.
// §
// §       Alt-Svc       = clear / 1#alt-value
// §       clear         = %s"clear"; "clear", case-sensitive
// §       alt-value     = alternative *( OWS ";" OWS parameter )
// §       alternative   = protocol-id "=" alt-authority
// §       protocol-id   = token ; percent-encoded ALPN protocol name
// §       alt-authority = quoted-string ; containing [ uri-host ] ":" port
// §       parameter     = token "=" ( token / quoted-string )

const (
	// MaxProtocolLen is the longest protocol-id we accept.
	MaxProtocolLen = 10
	// MaxHostLen is the first host length that is rejected.
	MaxHostLen = 2048
	// DefaultMaxAge is used when the "ma" parameter is absent (24 hours).
	DefaultMaxAge uint64 = 24 * 60 * 60

	maxParameterLen = 31
)

// AltSvc is the parsed value of one Alt-Svc header field.
type AltSvc struct {
	// Clear is set if the value was the "clear" keyword.
	Clear bool
	// Alternatives in the order they were advertised,
	// including the ones that are not Valid or have an unknown protocol.
	Alternatives []Alternative
}

// Alternative is a single advertised alternative service.
type Alternative struct {
	// ProtocolID is the protocol-id token as sent by the server.
	ProtocolID string
	// Protocol is the resolved ID, alpn.None if the token is unknown.
	Protocol alpn.ID
	// Host is the uri-host as written (IPv6 literals keep their brackets),
	// or the default host if the alt-authority had none.
	Host string
	Port uint16
	// MaxAge in seconds.
	MaxAge  uint64
	Persist bool
	// Valid is false if the host or port was unacceptable.
	Valid bool
}

type step int

const (
	// the alternative was consumed, keep scanning
	stepNext step = iota
	// the alternative list ended normally
	stepEnd
	// structural break, the current alternative is discarded and scanning ends
	stepStop
)

type parser struct {
	s   string
	p   int
	log *zerolog.Logger
}

// Parse parses an Alt-Svc field value.
// Alternatives without a host or port use defaultHost and defaultPort.
//
// It never fails: the field is only an optimization hint, so anything it cannot
// make sense of is dropped. Malformed alternatives are returned with Valid unset,
// a structural error ends the scan, keeping the alternatives found before it.
func Parse(value string, defaultHost string, defaultPort uint16, log *zerolog.Logger) AltSvc {
	var result AltSvc
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	if i := strings.IndexByte(value, 0); i >= 0 {
		value = value[:i]
	}
	ps := &parser{s: value, log: log}

	token, ok := ps.token(MaxProtocolLen)
	if !ok {
		log.Debug().Str("value", value).Msg("Excessive alt-svc header, ignoring")
		return result
	}

	// §     A field value containing the special value "clear" indicates that the
	// §     origin requests all alternatives for that origin to be invalidated
	// §     (including those specified in the same response, in case of an
	// §     invalid reply containing both "clear" and alternative services).
	//
	// servers do send "Clear", so we compare case-insensitively
	if strings.EqualFold(token, "clear") {
		result.Clear = true
		return result
	}

	for {
		alt, st := ps.alternative(token, defaultHost, defaultPort)
		if st == stepStop {
			log.Trace().Str("value", value).Int("offset", ps.p).Msg("Alt-svc header ends abruptly")
			break
		}
		result.Alternatives = append(result.Alternatives, alt)
		if token, st = ps.separator(); st != stepNext {
			break
		}
	}
	return result
}

// alternative parses `="[host][:port]" *(; parameter)` following the protocol-id.
func (ps *parser) alternative(protocolID string, defaultHost string, defaultPort uint16) (Alternative, step) {
	alt := Alternative{
		ProtocolID: protocolID,
		Protocol:   alpn.FromString(protocolID),
		Host:       defaultHost,
		Port:       defaultPort,
		MaxAge:     DefaultMaxAge,
		Valid:      true,
	}
	if !ps.consume('=') || !ps.consume('"') {
		return alt, stepStop
	}

	if ps.peek() != ':' {
		host, st := ps.host()
		if st == stepStop {
			return alt, stepStop
		}
		if host == "" || host == "[]" || len(host) >= MaxHostLen {
			ps.log.Debug().Int("length", len(host)).Msg("Excessive alt-svc hostname, ignoring")
			alt.Valid = false
		} else {
			alt.Host = host
		}
	}

	if ps.consume(':') {
		// an invalid port is not consumed, so unless it is empty the quote check below stops the scan
		if port, ok := ps.port(); ok {
			alt.Port = port
		} else {
			ps.log.Debug().Msg("Unknown alt-svc port number, ignoring")
			alt.Valid = false
		}
	}

	if !ps.consume('"') {
		return alt, stepStop
	}

	return alt, ps.parameters(&alt)
}

// host reads an IPv6 literal in brackets or a run of alphanumerics, dots and dashes.
// Brackets are included in the returned host.
func (ps *parser) host() (string, step) {
	start := ps.p
	if ps.peek() == '[' {
		// zone ids are not supported
		n := 1
		for ps.p+n < len(ps.s) && isIPv6Char(ps.s[ps.p+n]) {
			n++
		}
		if ps.at(ps.p+n) != ']' {
			return "", stepStop
		}
		ps.p += n + 1
		return ps.s[start:ps.p], stepNext
	}
	for ps.p < len(ps.s) && isHostChar(ps.s[ps.p]) {
		ps.p++
	}
	return ps.s[start:ps.p], stepNext
}

// port reads 1..65535 in decimal, which must be directly followed by the closing quote.
// The position is only moved if the port is acceptable.
func (ps *parser) port() (uint16, bool) {
	end := ps.p
	for end < len(ps.s) && isDigit(ps.s[end]) {
		end++
	}
	if end == ps.p || ps.at(end) != '"' {
		return 0, false
	}
	port, err := strconv.ParseUint(ps.s[ps.p:end], 10, 16)
	if err != nil || port == 0 {
		return 0, false
	}
	ps.p = end
	return uint16(port), true
}

// separator moves on to the protocol-id of the next alternative, if there is one.
func (ps *parser) separator() (string, step) {
	if !ps.consume(',') {
		return "", stepEnd
	}
	token, ok := ps.token(MaxProtocolLen)
	if !ok || ps.atListEnd() {
		return "", stepEnd
	}
	return token, stepNext
}

// token skips blanks and reads up to the next blank, ';' or '='.
// It fails for empty tokens and tokens longer than maxLen, but still moves past them.
func (ps *parser) token(maxLen int) (string, bool) {
	ps.skipBlanks()
	start := ps.p
	for ps.p < len(ps.s) {
		c := ps.s[ps.p]
		if isBlank(c) || c == ';' || c == '=' {
			break
		}
		ps.p++
	}
	token := ps.s[start:ps.p]
	if token == "" || len(token) > maxLen {
		return "", false
	}
	return token, true
}

func (ps *parser) atListEnd() bool {
	c := ps.peek()
	return c == 0 || c == ';' || c == '\n' || c == '\r'
}

func (ps *parser) consume(c byte) bool {
	if ps.peek() != c {
		return false
	}
	ps.p++
	return true
}

func (ps *parser) skipBlanks() {
	for isBlank(ps.peek()) {
		ps.p++
	}
}

// peek returns the current byte, or 0 at the end of input.
func (ps *parser) peek() byte {
	return ps.at(ps.p)
}

func (ps *parser) at(i int) byte {
	if i < len(ps.s) {
		return ps.s[i]
	}
	return 0
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHostChar(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '.' || c == '-'
}

func isIPv6Char(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F' || c == ':' || c == '.'
}
