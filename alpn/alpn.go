package alpn

import "strings"

// ID identifies an application protocol that can be the source or the
// destination of an alternative service.
// Every real ID is a single bit, so that it can be tested against Flags directly.
type ID uint

const (
	// None is the ID of any protocol token we do not know about.
	None ID = 0
	H1   ID = 1 << 3
	H2   ID = 1 << 4
	H3   ID = 1 << 5
)

// the HTTP/3 token is the final RFC 9114 one, drafts are not accepted
const h3Version = "h3"

// FromString returns the ID for the given protocol token.
// Matching is exact and case-sensitive, unknown tokens return None.
func FromString(token string) ID {
	switch token {
	case "h1":
		return H1
	case "h2":
		return H2
	case h3Version:
		return H3
	}
	return None
}

// String returns the canonical token of the ID, or an empty string for None.
func (id ID) String() string {
	switch id {
	case H1:
		return "h1"
	case H2:
		return "h2"
	case H3:
		return h3Version
	}
	return ""
}

// Valid reports whether the ID is one of the known protocols.
func (id ID) Valid() bool {
	return id == H1 || id == H2 || id == H3
}

// In reports whether the ID is a known protocol that is set in the flags.
func (id ID) In(flags Flags) bool {
	return id.Valid() && flags&Flags(id) != 0
}

// Flags is a bitmask of enabled destination protocols,
// plus the ReadOnlyFile bit controlling persistence.
type Flags uint

const (
	// ReadOnlyFile makes saving a no-op.
	ReadOnlyFile Flags = 1 << 2
	FlagH1       Flags = Flags(H1)
	FlagH2       Flags = Flags(H2)
	FlagH3       Flags = Flags(H3)
)

// Has reports whether all bits of other are set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

// String renders the flags as a comma separated list, e.g. "readonly,h1,h2".
func (f Flags) String() string {
	names := make([]string, 0, 4)
	if f.Has(ReadOnlyFile) {
		names = append(names, "readonly")
	}
	for _, id := range []ID{H1, H2, H3} {
		if id.In(f) {
			names = append(names, id.String())
		}
	}
	return strings.Join(names, ",")
}

// ParseFlags parses a comma separated list as produced by Flags.String.
// Unknown names are returned in the second value so that callers can complain.
func ParseFlags(list string) (Flags, []string) {
	var flags Flags
	var unknown []string
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if name == "readonly" {
			flags |= ReadOnlyFile
		} else if id := FromString(name); id != None {
			flags |= Flags(id)
		} else {
			unknown = append(unknown, name)
		}
	}
	return flags, unknown
}
