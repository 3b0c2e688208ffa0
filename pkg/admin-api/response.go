package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/altsvc/alpn"
	"github.com/always-cache/altsvc/cache"
	"github.com/always-cache/altsvc/pkg/origin"
)

type endpointJSON struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
}

type entryJSON struct {
	Source      endpointJSON `json:"source"`
	Destination endpointJSON `json:"destination"`
	Expires     time.Time    `json:"expires"`
	Expired     bool         `json:"expired"`
	Persist     bool         `json:"persist"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toEndpointJSON(e origin.Endpoint) endpointJSON {
	return endpointJSON{Protocol: e.Protocol.String(), Host: e.Host, Port: e.Port}
}

// endpoint validates a source as given by a client.
// The host is taken as is, so that queries behave like Lookup.
func (e endpointJSON) endpoint() (origin.Endpoint, bool) {
	id := alpn.FromString(e.Protocol)
	if id == alpn.None || !origin.ValidHost(e.Host) || e.Port == 0 {
		return origin.Endpoint{}, false
	}
	return origin.Endpoint{Protocol: id, Host: e.Host, Port: e.Port}, true
}

func toEntryJSON(e cache.Entry, now time.Time) entryJSON {
	return entryJSON{
		Source:      toEndpointJSON(e.Source),
		Destination: toEndpointJSON(e.Destination),
		Expires:     e.Expires,
		Expired:     e.Expired(now),
		Persist:     e.Persist,
	}
}

func writeJSON(w http.ResponseWriter, log *zerolog.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Could not encode response")
	}
}

func writeError(w http.ResponseWriter, log *zerolog.Logger, status int, msg string) {
	writeJSON(w, log, status, errorResponse{Error: msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
