package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/altsvc"
	"github.com/always-cache/altsvc/alpn"
	"github.com/always-cache/altsvc/cache"
	alttransport "github.com/always-cache/altsvc/pkg/alt-transport"
	"github.com/always-cache/altsvc/pkg/origin"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var src = origin.Endpoint{Protocol: alpn.H1, Host: "example.com", Port: 80}

type fixture struct {
	api   *API
	cache *alttransport.Guarded
}

func newFixture(t *testing.T, persister cache.Persister) fixture {
	t.Helper()
	logger := zerolog.Nop()
	clock := altsvc.ClockFunc(func() time.Time { return now })
	g := alttransport.NewGuarded(altsvc.New(altsvc.Config{Logger: &logger, Clock: clock}))
	api := New(Config{Cache: g, Persister: persister, Logger: &logger, Clock: clock})
	return fixture{api: api, cache: g}
}

func (f fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.api.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("Could not decode %q: %v", rec.Body.String(), err)
	}
}

func TestParseAndEntries(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"source": {"protocol": "h1", "host": "example.com", "port": 80}, "value": "h2=\"alt.example:443\"; ma=60, h3=\":443\""}`
	rec := f.do(t, "POST", "/parse", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status code is %d: %s", rec.Code, rec.Body.String())
	}
	var parsed map[string]int
	decode(t, rec, &parsed)
	if parsed["entries"] != 2 {
		t.Fatalf("Response is %v", parsed)
	}

	rec = f.do(t, "GET", "/entries", "")
	var entries []entryJSON
	decode(t, rec, &entries)
	if len(entries) != 2 {
		t.Fatalf("Entries are %+v", entries)
	}
	first := entries[0]
	if first.Source != (endpointJSON{Protocol: "h1", Host: "example.com", Port: 80}) ||
		first.Destination != (endpointJSON{Protocol: "h2", Host: "alt.example", Port: 443}) ||
		!first.Expires.Equal(now.Add(time.Minute)) || first.Expired {
		t.Fatalf("First entry is %+v", first)
	}
}

func TestParseRejectsBadRequests(t *testing.T) {
	f := newFixture(t, nil)
	for _, body := range []string{
		`not json`,
		`{"source": {"protocol": "spdy", "host": "example.com", "port": 80}, "value": "clear"}`,
		`{"source": {"protocol": "h1", "host": "", "port": 80}, "value": "clear"}`,
		`{"source": {"protocol": "h1", "host": "example.com", "port": 80}, "unknown": 1}`,
		`{"source": {"protocol": "h1", "host": "a\nh1 evil.example 80 h2 attacker.example 443 \"20300101 00:00:00\" 0 0\nx", "port": 80}, "value": "h2=\":443\""}`,
		`{"source": {"protocol": "h1", "host": "a b.example", "port": 80}, "value": "h2=\":443\""}`,
	} {
		if rec := f.do(t, "POST", "/parse", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("Status code for %s is %d", body, rec.Code)
		}
	}
	f.cache.Do(func(c *altsvc.Cache) {
		if c.Len() != 0 {
			t.Fatalf("Cache has %+v", c.Entries())
		}
	})
}

func TestLookup(t *testing.T) {
	f := newFixture(t, nil)
	f.cache.Do(func(c *altsvc.Cache) {
		c.Parse(`h3="a.example:443", h2="b.example:443"`, src)
	})

	rec := f.do(t, "GET", "/lookup?protocol=h1&host=example.com&port=80", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Status code is %d", rec.Code)
	}
	var e entryJSON
	decode(t, rec, &e)
	// the default flags do not include h3
	if e.Destination.Host != "b.example" {
		t.Fatalf("Found %+v", e)
	}

	rec = f.do(t, "GET", "/lookup?protocol=h1&host=example.com&port=80&versions=h2,h3", "")
	decode(t, rec, &e)
	if e.Destination.Host != "a.example" {
		t.Fatalf("Found %+v", e)
	}

	if rec := f.do(t, "GET", "/lookup?protocol=h1&host=other.example&port=80", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("Status code is %d", rec.Code)
	}
	if rec := f.do(t, "GET", "/lookup?protocol=h1&host=example.com&port=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("Status code is %d", rec.Code)
	}
	if rec := f.do(t, "GET", "/lookup?protocol=h1&host=example.com&port=80&versions=h4", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("Status code is %d", rec.Code)
	}
}

func TestFlushOrigin(t *testing.T) {
	f := newFixture(t, nil)
	f.cache.Do(func(c *altsvc.Cache) {
		c.Parse(`h3="a.example:443", h2="b.example:443"`, src)
	})
	rec := f.do(t, "DELETE", "/origins?protocol=h1&host=example.com&port=80", "")
	var res map[string]int
	decode(t, rec, &res)
	if res["removed"] != 2 {
		t.Fatalf("Response is %v", res)
	}
	f.cache.Do(func(c *altsvc.Cache) {
		if c.Len() != 0 {
			t.Fatalf("Cache has %+v", c.Entries())
		}
	})
}

func TestFlags(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "GET", "/flags", "")
	var flags flagsJSON
	decode(t, rec, &flags)
	if flags.Flags != "h1,h2" {
		t.Fatalf("Flags are %q", flags.Flags)
	}

	rec = f.do(t, "PUT", "/flags", `{"flags": "h3, readonly"}`)
	decode(t, rec, &flags)
	if flags.Flags != "readonly,h3" {
		t.Fatalf("Flags are %q", flags.Flags)
	}
	f.cache.Do(func(c *altsvc.Cache) {
		if c.Flags() != alpn.ReadOnlyFile|alpn.FlagH3 {
			t.Fatalf("Flags are %v", c.Flags())
		}
	})

	if rec := f.do(t, "PUT", "/flags", `{"flags": "h1,quic"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("Status code is %d", rec.Code)
	}
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	p, err := cache.NewSQLitePersister(filepath.Join(dir, "altsvc.db"))
	if err != nil {
		t.Fatalf("Could not open db: %v", err)
	}
	defer p.Close()

	f := newFixture(t, p)
	path := filepath.Join(dir, "altsvc.txt")
	f.cache.Do(func(c *altsvc.Cache) {
		c.Load(path)
		c.Parse(`h2="alt.example:443"`, src)
	})

	if rec := f.do(t, "POST", "/save", ""); rec.Code != http.StatusOK {
		t.Fatalf("Status code is %d: %s", rec.Code, rec.Body.String())
	}
	content, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(content), "alt.example") {
		t.Fatalf("File is %q, %v", content, err)
	}
	entries, err := p.Restore()
	if err != nil || len(entries) != 1 {
		t.Fatalf("Snapshot is %+v, %v", entries, err)
	}
}

func TestSaveError(t *testing.T) {
	f := newFixture(t, nil)
	f.cache.Do(func(c *altsvc.Cache) {
		c.Load(filepath.Join(t.TempDir(), "missing", "altsvc.txt"))
	})
	if rec := f.do(t, "POST", "/save", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("Status code is %d", rec.Code)
	}
}
