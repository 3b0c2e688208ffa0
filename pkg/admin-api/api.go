package adminapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/altsvc"
	"github.com/always-cache/altsvc/alpn"
	"github.com/always-cache/altsvc/cache"
	alttransport "github.com/always-cache/altsvc/pkg/alt-transport"
	"github.com/always-cache/altsvc/pkg/origin"
)

type Config struct {
	// Cache to inspect and control.
	Cache *alttransport.Guarded
	// Optional snapshot store, written by POST /save after the cache file.
	Persister cache.Persister
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Time source for the "expired" field. time.Now if nil.
	Clock altsvc.Clock
}

// API serves the admin endpoints:
//
//	GET    /entries   all entries in insertion order
//	GET    /lookup    ?protocol=h1&host=example.com&port=80[&versions=h2,h3]
//	POST   /parse     {"source": {...}, "value": "h2=\":443\""}
//	DELETE /origins   ?protocol=h1&host=example.com&port=80
//	POST   /save      write the cache file and the snapshot
//	GET    /flags
//	PUT    /flags     {"flags": "readonly,h1,h2"}
type API struct {
	cache     *alttransport.Guarded
	persister cache.Persister
	clock     altsvc.Clock
	log       zerolog.Logger
	router    chi.Router
}

func New(config Config) *API {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	a := &API{
		cache:     config.Cache,
		persister: config.Persister,
		clock:     config.Clock,
		log:       logger.With().Str("component", "admin-api").Logger(),
	}
	if a.clock == nil {
		a.clock = altsvc.SystemClock
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/entries", a.entries)
	r.Get("/lookup", a.lookup)
	r.Post("/parse", a.parse)
	r.Delete("/origins", a.flush)
	r.Post("/save", a.save)
	r.Get("/flags", a.flags)
	r.Put("/flags", a.setFlags)
	a.router = r
	return a
}

// ServeHTTP implements the http.Handler interface.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) entries(w http.ResponseWriter, r *http.Request) {
	var all []cache.Entry
	a.cache.Do(func(c *altsvc.Cache) {
		all = c.Entries()
	})
	now := a.clock.Now()
	res := make([]entryJSON, 0, len(all))
	for _, e := range all {
		res = append(res, toEntryJSON(e, now))
	}
	writeJSON(w, &a.log, http.StatusOK, res)
}

// sourceFromQuery reads the protocol, host and port query parameters.
func sourceFromQuery(r *http.Request) (origin.Endpoint, bool) {
	q := r.URL.Query()
	port, err := origin.ParsePort(q.Get("port"))
	if err != nil {
		return origin.Endpoint{}, false
	}
	return endpointJSON{Protocol: q.Get("protocol"), Host: q.Get("host"), Port: port}.endpoint()
}

func (a *API) lookup(w http.ResponseWriter, r *http.Request) {
	src, ok := sourceFromQuery(r)
	if !ok {
		writeError(w, &a.log, http.StatusBadRequest, "invalid source")
		return
	}
	versions, useFlags := alpn.Flags(0), true
	if v := r.URL.Query().Get("versions"); v != "" {
		var unknown []string
		if versions, unknown = alpn.ParseFlags(v); len(unknown) > 0 {
			writeError(w, &a.log, http.StatusBadRequest, "unknown protocols: "+strings.Join(unknown, ","))
			return
		}
		useFlags = false
	}

	var found cache.Entry
	a.cache.Do(func(c *altsvc.Cache) {
		if useFlags {
			versions = c.Flags()
		}
		found, ok = c.Lookup(src, versions)
	})
	if !ok {
		writeError(w, &a.log, http.StatusNotFound, "no alternative")
		return
	}
	writeJSON(w, &a.log, http.StatusOK, toEntryJSON(found, a.clock.Now()))
}

type parseRequest struct {
	Source endpointJSON `json:"source"`
	Value  string       `json:"value"`
}

func (a *API) parse(w http.ResponseWriter, r *http.Request) {
	var req parseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, &a.log, http.StatusBadRequest, "invalid request body")
		return
	}
	src, ok := req.Source.endpoint()
	if !ok {
		writeError(w, &a.log, http.StatusBadRequest, "invalid source")
		return
	}
	var n int
	a.cache.Do(func(c *altsvc.Cache) {
		c.Parse(req.Value, src)
		n = c.Len()
	})
	writeJSON(w, &a.log, http.StatusOK, map[string]int{"entries": n})
}

func (a *API) flush(w http.ResponseWriter, r *http.Request) {
	src, ok := sourceFromQuery(r)
	if !ok {
		writeError(w, &a.log, http.StatusBadRequest, "invalid source")
		return
	}
	var n int
	a.cache.Do(func(c *altsvc.Cache) {
		n = c.Flush(src)
	})
	a.log.Debug().Str("source", src.String()).Int("removed", n).Msg("Flushed origin")
	writeJSON(w, &a.log, http.StatusOK, map[string]int{"removed": n})
}

func (a *API) save(w http.ResponseWriter, r *http.Request) {
	var err error
	a.cache.Do(func(c *altsvc.Cache) {
		if err = c.Save(""); err != nil {
			return
		}
		if a.persister != nil {
			err = c.Persist(a.persister)
		}
	})
	if err != nil {
		a.log.Error().Err(err).Msg("Could not save alt-svc cache")
		writeError(w, &a.log, http.StatusInternalServerError, "could not save")
		return
	}
	writeJSON(w, &a.log, http.StatusOK, map[string]string{"status": "saved"})
}

type flagsJSON struct {
	Flags string `json:"flags"`
}

func (a *API) flags(w http.ResponseWriter, r *http.Request) {
	var flags alpn.Flags
	a.cache.Do(func(c *altsvc.Cache) {
		flags = c.Flags()
	})
	writeJSON(w, &a.log, http.StatusOK, flagsJSON{Flags: flags.String()})
}

func (a *API) setFlags(w http.ResponseWriter, r *http.Request) {
	var req flagsJSON
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, &a.log, http.StatusBadRequest, "invalid request body")
		return
	}
	flags, unknown := alpn.ParseFlags(req.Flags)
	if len(unknown) > 0 {
		writeError(w, &a.log, http.StatusBadRequest, "unknown flags: "+strings.Join(unknown, ","))
		return
	}
	a.cache.Do(func(c *altsvc.Cache) {
		c.Control(flags)
	})
	a.log.Info().Str("flags", flags.String()).Msg("Alt-svc flags changed")
	writeJSON(w, &a.log, http.StatusOK, flagsJSON{Flags: flags.String()})
}
