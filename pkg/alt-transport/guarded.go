package alttransport

import (
	"sync"

	"github.com/always-cache/altsvc"
)

// Guarded shares one cache between several owners, e.g. a Transport and the admin API.
// All access goes through Do, one call at a time.
type Guarded struct {
	mu    sync.Mutex
	cache *altsvc.Cache
}

func NewGuarded(c *altsvc.Cache) *Guarded {
	return &Guarded{cache: c}
}

// Do runs fn with exclusive access to the cache.
// Entries handed out by the cache must not be kept beyond fn unless copied,
// which the cache already does for all of its results.
func (g *Guarded) Do(fn func(c *altsvc.Cache)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g.cache)
}
