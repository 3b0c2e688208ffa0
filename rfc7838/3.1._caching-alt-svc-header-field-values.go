package rfc7838

import (
	"strconv"
	"strings"
)

// §  3.1.  Caching Alt-Svc Header Field Values
// §
// §     When an alternative service is advertised using Alt-Svc, it is
// §     considered fresh for 24 hours from generation of the message.  This
// §     can be modified with the 'ma' (max-age) parameter.
// §
// §     Syntax:
// §
// §       ma = delta-seconds; see [RFC7234], Section 1.2.1
// §
// §     The delta-seconds value indicates the number of seconds since the
// §     response was generated the alternative service is considered fresh
// §     for.
//
// The response Age is not taken into account, freshness starts when the header is parsed.
//
// §     Clients MUST ignore persist parameters with values other than "1".

// parameters reads `*( OWS ";" OWS parameter )` after an alt-authority and
// applies the ones we know about. Unknown parameters are skipped.
func (ps *parser) parameters(alt *Alternative) step {
	for {
		ps.skipBlanks()
		if !ps.consume(';') {
			return stepNext
		}
		if c := ps.peek(); c == 0 || c == '\n' || c == '\r' {
			return stepNext
		}
		name, ok := ps.token(maxParameterLen)
		if !ok {
			// too long to be one of ours, the value is still skipped
			name = ""
		}
		ps.skipBlanks()
		if !ps.consume('=') {
			return stepStop
		}
		ps.skipBlanks()
		if ps.peek() == 0 {
			return stepStop
		}
		value, st := ps.parameterValue()
		if st == stepStop {
			return stepStop
		}
		num, ok := deltaSeconds(value)
		if !ok {
			continue
		}
		if strings.EqualFold(name, "ma") {
			alt.MaxAge = num
		} else if strings.EqualFold(name, "persist") && num == 1 {
			alt.Persist = true
		}
	}
}

// parameterValue reads a quoted-string or a token.
// Quoted values need their closing quote, escapes are not supported.
func (ps *parser) parameterValue() (string, step) {
	if ps.consume('"') {
		end := strings.IndexByte(ps.s[ps.p:], '"')
		if end < 0 {
			return "", stepStop
		}
		value := ps.s[ps.p : ps.p+end]
		ps.p += end + 1
		return value, stepNext
	}
	start := ps.p
	for ps.p < len(ps.s) {
		c := ps.s[ps.p]
		if isBlank(c) || c == ';' || c == ',' {
			break
		}
		ps.p++
	}
	return ps.s[start:ps.p], stepNext
}

// deltaSeconds reads the leading decimal digits of a parameter value.
// Values without digits, or too big for 64 bits, are not numbers.
func deltaSeconds(value string) (uint64, bool) {
	end := 0
	for end < len(value) && isDigit(value[end]) {
		end++
	}
	if end == 0 {
		return 0, false
	}
	num, err := strconv.ParseUint(value[:end], 10, 64)
	if err != nil || num == ^uint64(0) {
		return 0, false
	}
	return num, true
}
