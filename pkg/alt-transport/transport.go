package alttransport

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/altsvc"
	"github.com/always-cache/altsvc/alpn"
	"github.com/always-cache/altsvc/pkg/origin"
)

const headerAltSvc = "Alt-Svc"

// dialable are the destination protocols a plain TCP dial can carry.
const dialable = alpn.FlagH1 | alpn.FlagH2

// DialFunc has the signature of net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Transport is an http.RoundTripper that records the Alt-Svc headers of all responses.
type Transport struct {
	// Base performs the requests. http.DefaultTransport if nil.
	Base http.RoundTripper
	// Cache receives the advertisements.
	Cache *Guarded
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// NewClient returns a client whose connections follow the alternatives in the cache
// and which records the alternatives the servers advertise.
func NewClient(g *Guarded) *http.Client {
	t := &Transport{Cache: g}
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DialContext = t.DialContext(dialer.DialContext)
	t.Base = base
	return &http.Client{Transport: t}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

func (t *Transport) logger() *zerolog.Logger {
	if t.Logger == nil {
		return &log.Logger
	}
	return t.Logger
}

// RoundTrip implements the http.RoundTripper interface.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.base().RoundTrip(req)
	if err != nil {
		return nil, err
	}
	values := res.Header.Values(headerAltSvc)
	if len(values) == 0 {
		return res, nil
	}
	src, ok := Source(req.URL, res.ProtoMajor)
	if !ok {
		t.logger().Debug().Str("url", req.URL.String()).Int("proto", res.ProtoMajor).Msg("Cannot tell alt-svc source")
		return res, nil
	}
	t.Cache.Do(func(c *altsvc.Cache) {
		for _, v := range values {
			c.Parse(v, src)
		}
	})
	return res, nil
}

// Source returns the endpoint a response to u was received from,
// given the major version of the response protocol.
func Source(u *url.URL, protoMajor int) (origin.Endpoint, bool) {
	var id alpn.ID
	switch protoMajor {
	case 1:
		id = alpn.H1
	case 2:
		id = alpn.H2
	case 3:
		id = alpn.H3
	default:
		return origin.Endpoint{}, false
	}
	port := origin.DefaultPort(u.Scheme)
	if p := u.Port(); p != "" {
		var err error
		if port, err = origin.ParsePort(p); err != nil {
			return origin.Endpoint{}, false
		}
	}
	host := u.Hostname()
	if host == "" {
		return origin.Endpoint{}, false
	}
	return origin.Endpoint{Protocol: id, Host: host, Port: port}, true
}

// DialContext wraps dial so that connections to an origin with a live alternative
// go to the alternative instead. Only h1 and h2 alternatives enabled in the cache flags are used.
// If the alternative cannot be reached, the origin itself is dialed.
//
// Only the dialed address changes, TLS still verifies the origin's name.
func (t *Transport) DialContext(dial DialFunc) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		alt, ok := t.alternative(addr)
		if !ok {
			return dial(ctx, network, addr)
		}
		conn, err := dial(ctx, network, alt)
		if err == nil {
			t.logger().Trace().Str("addr", addr).Str("alternative", alt).Msg("Dialed alternative service")
			return conn, nil
		}
		t.logger().Debug().Err(err).Str("addr", addr).Str("alternative", alt).Msg("Alternative service unreachable")
		return dial(ctx, network, addr)
	}
}

// alternative returns the address to dial instead of addr, if any.
func (t *Transport) alternative(addr string) (string, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", false
	}
	port, err := origin.ParsePort(portStr)
	if err != nil {
		return "", false
	}

	var found origin.Endpoint
	ok := false
	t.Cache.Do(func(c *altsvc.Cache) {
		versions := c.Flags() & dialable
		for _, id := range []alpn.ID{alpn.H1, alpn.H2} {
			if e, hit := c.Lookup(origin.Endpoint{Protocol: id, Host: host, Port: port}, versions); hit {
				found, ok = e.Destination, true
				return
			}
		}
	})
	if !ok {
		return "", false
	}
	return net.JoinHostPort(found.Host, strconv.Itoa(int(found.Port))), true
}
