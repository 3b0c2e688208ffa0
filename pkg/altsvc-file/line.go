package altsvcfile

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/always-cache/altsvc/alpn"
	"github.com/always-cache/altsvc/cache"
	"github.com/always-cache/altsvc/pkg/origin"
)

// dateLayout is the layout of the quoted expiry, always in UTC.
const dateLayout = "20060102 15:04:05"

// parseLine decodes one entry line, e.g.
//
//	h2 example.com 443 h3 shiny.example.com 8443 "20191231 10:00:00" 1 0
//
// Fields are separated by exactly one space and must all be present.
func parseLine(line string) (cache.Entry, bool) {
	l := &lineScanner{s: strings.TrimLeft(line, " \t")}
	srcAlpn, ok1 := l.word(maxProtocolLen)
	srcHost, ok2 := l.space().word(maxHostLen)
	srcPort, ok3 := l.space().number(65535)
	dstAlpn, ok4 := l.space().word(maxProtocolLen)
	dstHost, ok5 := l.space().word(maxHostLen)
	dstPort, ok6 := l.space().number(65535)
	date, ok7 := l.space().quoted(MaxDateLen)
	persist, ok8 := l.space().number(1)
	_, ok9 := l.space().number(^uint64(0))
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8 && ok9) || l.failed || !l.lineEnd() {
		return cache.Entry{}, false
	}

	src, ok := origin.New(srcAlpn, srcHost, uint16(srcPort))
	if !ok {
		return cache.Entry{}, false
	}
	dstId := alpn.FromString(dstAlpn)
	dstHost, ok = origin.NormalizeDestinationHost(dstHost)
	if dstId == alpn.None || !ok {
		return cache.Entry{}, false
	}
	return cache.Entry{
		Source:      src,
		Destination: origin.Endpoint{Protocol: dstId, Host: dstHost, Port: uint16(dstPort)},
		Expires:     ParseDate(date),
		Persist:     persist == 1,
	}, true
}

// ParseDate parses a stored expiry.
// Besides the file's own layout, HTTP-dates are accepted.
// The result is limited to cache.MaxExpires, dates that cannot be parsed
// become the Unix epoch, i.e. long expired.
func ParseDate(s string) time.Time {
	if t, err := time.ParseInLocation(dateLayout, s, time.UTC); err == nil {
		return cache.ClampExpires(t)
	}
	if t, err := http.ParseTime(s); err == nil {
		return cache.ClampExpires(t.UTC())
	}
	return time.Unix(0, 0).UTC()
}

// FormatDate renders an expiry for storage.
func FormatDate(t time.Time) string {
	return cache.ClampExpires(t).UTC().Format(dateLayout)
}

// lineScanner reads the fields of a line in order.
// Once a field fails, all following reads fail as well.
type lineScanner struct {
	s      string
	failed bool
}

func (l *lineScanner) fail() {
	l.failed = true
}

// space consumes exactly one space.
func (l *lineScanner) space() *lineScanner {
	if l.failed || !strings.HasPrefix(l.s, " ") {
		l.fail()
		return l
	}
	l.s = l.s[1:]
	return l
}

// word reads 1..maxLen bytes up to the next blank or line end.
func (l *lineScanner) word(maxLen int) (string, bool) {
	if l.failed {
		return "", false
	}
	end := strings.IndexAny(l.s, " \t\r\n")
	if end < 0 {
		end = len(l.s)
	}
	if end == 0 || end > maxLen {
		l.fail()
		return "", false
	}
	w := l.s[:end]
	l.s = l.s[end:]
	return w, true
}

// number reads a decimal number no larger than max.
func (l *lineScanner) number(max uint64) (uint64, bool) {
	if l.failed {
		return 0, false
	}
	end := 0
	for end < len(l.s) && l.s[end] >= '0' && l.s[end] <= '9' {
		end++
	}
	n, err := strconv.ParseUint(l.s[:end], 10, 64)
	if end == 0 || err != nil || n > max {
		l.fail()
		return 0, false
	}
	l.s = l.s[end:]
	return n, true
}

// quoted reads a double quoted string of at most maxLen bytes.
func (l *lineScanner) quoted(maxLen int) (string, bool) {
	if l.failed || !strings.HasPrefix(l.s, "\"") {
		l.fail()
		return "", false
	}
	end := strings.IndexAny(l.s[1:], "\"\r\n")
	if end < 0 || l.s[1+end] != '"' || end > maxLen {
		l.fail()
		return "", false
	}
	q := l.s[1 : 1+end]
	l.s = l.s[end+2:]
	return q, true
}

// lineEnd reports whether nothing but the line ending is left.
// The last line of a file may lack its newline.
func (l *lineScanner) lineEnd() bool {
	return l.s == "" || l.s[0] == '\n' || l.s[0] == '\r'
}
