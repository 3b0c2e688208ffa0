package cache

import (
	"time"

	"github.com/always-cache/altsvc/pkg/origin"
)

// Entry is one alternative service: a destination that is equally valid
// for requests to the source, until it expires.
type Entry struct {
	Source      origin.Endpoint
	Destination origin.Endpoint
	Expires     time.Time
	// Persist is carried through storage only, the cache logic does not act on it.
	Persist bool
	// Priority is reserved and always zero.
	Priority int
}

// Expired reports whether the entry expired before now.
// Expiries are whole seconds, so now is compared at second precision too:
// an entry expiring at 12:00:00 is usable until 12:00:01.
func (e Entry) Expired(now time.Time) bool {
	return e.Expires.Before(now.Truncate(time.Second))
}

// Entries is an insertion-ordered collection of cache entries.
// It is not safe for concurrent use.
type Entries struct {
	list []Entry
}

// Append adds the entry last.
func (s *Entries) Append(e Entry) {
	s.list = append(s.list, e)
}

// Len returns the number of entries.
func (s *Entries) Len() int {
	return len(s.list)
}

// All returns a copy of the entries in insertion order.
func (s *Entries) All() []Entry {
	all := make([]Entry, len(s.list))
	copy(all, s.list)
	return all
}

// RemoveFunc removes every entry for which remove returns true, keeping the
// order of the remaining ones. It returns the number of removed entries.
func (s *Entries) RemoveFunc(remove func(Entry) bool) int {
	kept := s.list[:0]
	for _, e := range s.list {
		if !remove(e) {
			kept = append(kept, e)
		}
	}
	removed := len(s.list) - len(kept)
	s.clearTail(len(kept))
	s.list = kept
	return removed
}

// Find returns the first entry, in insertion order, for which match returns true.
// While scanning, entries for which evict returns true are removed, up to the
// match or to the end of the list if nothing matches.
func (s *Entries) Find(evict, match func(Entry) bool) (Entry, bool) {
	w := 0
	for i, e := range s.list {
		if evict(e) {
			continue
		}
		if match(e) {
			// keep the match and everything after it unscanned
			n := copy(s.list[w:], s.list[i:])
			s.clearTail(w + n)
			s.list = s.list[:w+n]
			return e, true
		}
		s.list[w] = e
		w++
	}
	s.clearTail(w)
	s.list = s.list[:w]
	return Entry{}, false
}

// Clear removes all entries.
func (s *Entries) Clear() {
	s.list = nil
}

// clearTail zeroes the slots from n on so that dropped hosts can be collected.
func (s *Entries) clearTail(n int) {
	for i := n; i < len(s.list); i++ {
		s.list[i] = Entry{}
	}
}

// MaxExpires is the latest expiry an entry can have.
// It is the last instant the text file format can express.
var MaxExpires = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// ExpiresAfter returns now plus the given number of seconds, saturating at MaxExpires.
// Sub-second precision of now is dropped.
func ExpiresAfter(now time.Time, seconds uint64) time.Time {
	start := now.Unix()
	limit := MaxExpires.Unix()
	if start >= limit || seconds > uint64(limit-start) {
		return MaxExpires
	}
	return time.Unix(start+int64(seconds), 0).UTC()
}

// ClampExpires limits an expiry to the range the cache can store.
func ClampExpires(t time.Time) time.Time {
	if t.After(MaxExpires) {
		return MaxExpires
	}
	return t
}
