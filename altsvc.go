package altsvc

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/altsvc/alpn"
	"github.com/always-cache/altsvc/cache"
	altsvcfile "github.com/always-cache/altsvc/pkg/altsvc-file"
	"github.com/always-cache/altsvc/pkg/origin"
	"github.com/always-cache/altsvc/rfc7838"
)

// MaxExpires is the latest expiry an entry can have.
var MaxExpires = cache.MaxExpires

// DefaultCapabilities are the protocols the net/http client speaks out of the box.
const DefaultCapabilities = alpn.FlagH1 | alpn.FlagH2

type Config struct {
	// Protocols the surrounding client can actually use.
	// Only decides the initial flags, h1 is always enabled.
	// DefaultCapabilities if zero.
	Capabilities alpn.Flags
	// Source of the current time. The system clock is used if nil.
	Clock Clock
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Optional file to load right away. Later saves without a path go there.
	Filename string
}

// Cache holds alternative services per origin.
//
// A Cache is not safe for concurrent use, the owner has to serialize
// all calls into it.
type Cache struct {
	entries  cache.Entries
	flags    alpn.Flags
	filename string
	clock    Clock
	log      zerolog.Logger
}

// New creates an empty cache, loading config.Filename if set.
func New(config Config) *Cache {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("component", "altsvc").
		Logger()

	capabilities := config.Capabilities
	if capabilities == 0 {
		capabilities = DefaultCapabilities
	}

	c := &Cache{
		flags: alpn.FlagH1 | capabilities&(alpn.FlagH2|alpn.FlagH3),
		clock: config.Clock,
		log:   logger,
	}
	if c.clock == nil {
		c.clock = SystemClock
	}

	if config.Filename != "" {
		if err := c.Load(config.Filename); err != nil {
			c.log.Warn().Err(err).Str("file", config.Filename).Msg("Could not load alt-svc cache")
		}
	}
	return c
}

// Control replaces the flags wholesale.
// The protocol bits are advisory, the cache itself does not filter by them.
func (c *Cache) Control(flags alpn.Flags) {
	c.flags = flags
}

// Flags returns the current flags.
func (c *Cache) Flags() alpn.Flags {
	return c.flags
}

// Parse applies an Alt-Svc header value received from src.
//
// Malformed values are never an error: whatever could be parsed before the
// value broke down is applied, the rest is ignored.
// "clear" removes all entries of src. Otherwise the entries of src are
// replaced by the valid advertised alternatives, if there is at least one.
func (c *Cache) Parse(value string, src origin.Endpoint) {
	srcHost, ok := origin.NormalizeHost(src.Host)
	if !src.Protocol.Valid() || !ok {
		c.log.Debug().Str("source", src.String()).Msg("Ignoring alt-svc for invalid source")
		return
	}
	// alternatives without a host go to the source host as it was contacted
	as := rfc7838.Parse(value, src.Host, src.Port, &c.log)
	src.Host = srcHost

	if as.Clear {
		n := c.Flush(src)
		c.log.Trace().Str("source", src.String()).Int("removed", n).Msg("Alt-svc cleared")
		return
	}

	now := c.clock.Now()
	flushed := false
	for _, alt := range as.Alternatives {
		if alt.Protocol == alpn.None {
			c.log.Trace().Str("protocol", alt.ProtocolID).Msg("Unknown alt-svc protocol, skipping")
			continue
		}
		if !alt.Valid {
			continue
		}
		dstHost, ok := origin.NormalizeDestinationHost(alt.Host)
		if !ok {
			c.log.Debug().Str("host", alt.Host).Msg("Empty alt-svc destination, skipping")
			continue
		}
		// the first usable alternative replaces what we knew about src
		if !flushed {
			c.Flush(src)
			flushed = true
		}
		e := cache.Entry{
			Source:      src,
			Destination: origin.Endpoint{Protocol: alt.Protocol, Host: dstHost, Port: alt.Port},
			Expires:     cache.ExpiresAfter(now, alt.MaxAge),
			Persist:     alt.Persist,
		}
		c.entries.Append(e)
		c.log.Trace().
			Str("source", e.Source.String()).
			Str("destination", e.Destination.String()).
			Time("expires", e.Expires).
			Msg("Alt-svc stored")
	}
}

// Lookup returns the first live entry for src whose destination protocol is in versions.
// Expired entries passed on the way are removed.
// The returned entry is a copy and stays valid after later changes to the cache.
func (c *Cache) Lookup(src origin.Endpoint, versions alpn.Flags) (cache.Entry, bool) {
	now := c.clock.Now()
	return c.entries.Find(
		func(e cache.Entry) bool {
			return e.Expired(now)
		},
		func(e cache.Entry) bool {
			return e.Source.Matches(src) && e.Destination.Protocol.In(versions)
		})
}

// Flush removes all entries of src, expired or not, and returns how many there were.
func (c *Cache) Flush(src origin.Endpoint) int {
	return c.entries.RemoveFunc(func(e cache.Entry) bool {
		return e.Source.Matches(src)
	})
}

// Load appends the entries stored in the file at path and remembers the path for Save.
// Lines that cannot be parsed are skipped, a missing file is not an error.
func (c *Cache) Load(path string) error {
	c.filename = path
	entries, err := altsvcfile.Load(path, &c.log)
	for _, e := range entries {
		c.entries.Append(e)
	}
	c.log.Debug().Str("file", path).Int("entries", len(entries)).Msg("Alt-svc cache loaded")
	if err != nil {
		return fmt.Errorf("could not load alt-svc cache: %w", err)
	}
	return nil
}

// Save writes all entries, including expired ones, to path,
// or to the file last loaded if path is empty.
// Nothing is written if the cache is read-only or there is no file to write to.
func (c *Cache) Save(path string) error {
	if path == "" {
		path = c.filename
	}
	if c.flags.Has(alpn.ReadOnlyFile) || path == "" {
		return nil
	}
	if err := altsvcfile.WriteFile(path, c.entries.All()); err != nil {
		return err
	}
	c.log.Debug().Str("file", path).Int("entries", c.entries.Len()).Msg("Alt-svc cache saved")
	return nil
}

// Close drops all entries and forgets the file.
func (c *Cache) Close() {
	c.entries.Clear()
	c.filename = ""
}

// Filename returns the file used by Save when no path is given.
func (c *Cache) Filename() string {
	return c.filename
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Entries returns a copy of all entries in insertion order.
func (c *Cache) Entries() []cache.Entry {
	return c.entries.All()
}

// Restore appends the entries held by p.
func (c *Cache) Restore(p cache.Persister) error {
	entries, err := p.Restore()
	if err != nil {
		return fmt.Errorf("could not restore alt-svc cache: %w", err)
	}
	for _, e := range entries {
		c.entries.Append(e)
	}
	return nil
}

// Persist hands all entries to p. Like Save, it does nothing if the cache is read-only.
func (c *Cache) Persist(p cache.Persister) error {
	if c.flags.Has(alpn.ReadOnlyFile) {
		return nil
	}
	if err := p.Persist(c.entries.All()); err != nil {
		return fmt.Errorf("could not persist alt-svc cache: %w", err)
	}
	return nil
}
