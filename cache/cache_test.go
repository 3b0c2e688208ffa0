package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/always-cache/altsvc/alpn"
	"github.com/always-cache/altsvc/pkg/origin"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func entry(srcHost string, dstPort uint16, expires time.Time) Entry {
	return Entry{
		Source:      origin.Endpoint{Protocol: alpn.H1, Host: srcHost, Port: 80},
		Destination: origin.Endpoint{Protocol: alpn.H2, Host: "alt." + srcHost, Port: dstPort},
		Expires:     expires,
	}
}

func ports(entries []Entry) []uint16 {
	p := make([]uint16, 0, len(entries))
	for _, e := range entries {
		p = append(p, e.Destination.Port)
	}
	return p
}

func assertPorts(t *testing.T, s *Entries, want ...uint16) {
	t.Helper()
	got := ports(s.All())
	if len(got) != len(want) {
		t.Fatalf("Ports are %v, expected %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("Ports are %v, expected %v", got, want)
		}
	}
}

func TestExpiredIsStrict(t *testing.T) {
	e := entry("a.example", 1, now)
	if e.Expired(now) {
		t.Fatal("Entry expiring now is expired")
	}
	if e.Expired(now.Add(999 * time.Millisecond)) {
		t.Fatal("Entry expiring in the current second is expired")
	}
	if !e.Expired(now.Add(time.Second)) {
		t.Fatal("Entry in the past is not expired")
	}
}

func TestRemoveFuncKeepsOrder(t *testing.T) {
	var s Entries
	for i := uint16(1); i <= 5; i++ {
		s.Append(entry("a.example", i, now))
	}
	removed := s.RemoveFunc(func(e Entry) bool {
		return e.Destination.Port%2 == 0
	})
	if removed != 2 {
		t.Fatalf("Removed %d entries", removed)
	}
	assertPorts(t, &s, 1, 3, 5)
}

func TestFindEvictsOnlyUpToMatch(t *testing.T) {
	var s Entries
	s.Append(entry("a.example", 1, now.Add(-time.Hour)))
	s.Append(entry("b.example", 2, now.Add(time.Hour)))
	s.Append(entry("a.example", 3, now.Add(time.Hour)))
	s.Append(entry("a.example", 4, now.Add(-time.Hour)))

	evict := func(e Entry) bool { return e.Expired(now) }
	found, ok := s.Find(evict, func(e Entry) bool { return e.Source.Host == "a.example" })
	if !ok || found.Destination.Port != 3 {
		t.Fatalf("Found %+v, %v", found, ok)
	}
	// entry 1 was passed and evicted, entry 4 was never reached
	assertPorts(t, &s, 2, 3, 4)

	_, ok = s.Find(evict, func(e Entry) bool { return e.Source.Host == "c.example" })
	if ok {
		t.Fatal("Found entry for unknown host")
	}
	assertPorts(t, &s, 2, 3)
}

func TestClear(t *testing.T) {
	var s Entries
	s.Append(entry("a.example", 1, now))
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("Len is %d", s.Len())
	}
}

func TestSQLitePersisterRoundTrip(t *testing.T) {
	p, err := NewSQLitePersister(filepath.Join(t.TempDir(), "altsvc.db"))
	if err != nil {
		t.Fatalf("Could not open db: %v", err)
	}
	defer p.Close()

	v6 := Entry{
		Source:      origin.Endpoint{Protocol: alpn.H2, Host: "example.com", Port: 443},
		Destination: origin.Endpoint{Protocol: alpn.H3, Host: "::1", Port: 8443},
		Expires:     now,
		Persist:     true,
	}
	entries := []Entry{entry("a.example", 1, now), v6, entry("b.example", 2, now)}
	if err := p.Persist(entries); err != nil {
		t.Fatalf("Could not persist: %v", err)
	}
	// persisting again replaces the previous snapshot
	if err := p.Persist(entries); err != nil {
		t.Fatalf("Could not persist: %v", err)
	}

	restored, err := p.Restore()
	if err != nil {
		t.Fatalf("Could not restore: %v", err)
	}
	if len(restored) != len(entries) {
		t.Fatalf("Restored %d entries", len(restored))
	}
	for i := range entries {
		if restored[i].Source != entries[i].Source ||
			restored[i].Destination != entries[i].Destination ||
			restored[i].Persist != entries[i].Persist ||
			!restored[i].Expires.Equal(entries[i].Expires) {
			t.Fatalf("Entry %d is %+v, expected %+v", i, restored[i], entries[i])
		}
	}
}

func TestExpiresAfterSaturates(t *testing.T) {
	if exp := ExpiresAfter(now, 60); !exp.Equal(now.Add(time.Minute)) {
		t.Fatalf("Expiry is %v", exp)
	}
	if exp := ExpiresAfter(now, ^uint64(0)-1); !exp.Equal(MaxExpires) {
		t.Fatalf("Expiry is %v", exp)
	}
	if exp := ExpiresAfter(now, uint64(MaxExpires.Unix()-now.Unix())); !exp.Equal(MaxExpires) {
		t.Fatalf("Expiry is %v", exp)
	}
	if exp := ExpiresAfter(MaxExpires.Add(time.Hour), 0); !exp.Equal(MaxExpires) {
		t.Fatalf("Expiry is %v", exp)
	}
}
