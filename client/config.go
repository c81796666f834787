// Package client implements the connection-establishment engine: endpoint
// resolution, protocol/TLS validation, lifecycle observation, request
// dispatch, and the redirect/retry loop that drives repeated acquisition
// attempts for one logical request.
package client

import (
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/redial-dev/redial/lifecycle"
)

// Version is reported in the default User-Agent header.
const Version = "0.1.0"

const defaultUserAgent = "redial/" + Version

// Protocol identifies a negotiable HTTP protocol variant.
type Protocol uint8

const (
	// HTTP11 is plain HTTP/1.1, with or without TLS.
	HTTP11 Protocol = iota
	// H2 is HTTP/2 over TLS (mandatory).
	H2
	// H2C is HTTP/2 clear-text, incompatible with TLS.
	H2C
)

func (p Protocol) String() string {
	switch p {
	case HTTP11:
		return "http/1.1"
	case H2:
		return "h2"
	case H2C:
		return "h2c"
	}
	return "unknown"
}

// TLSProvider wraps an established transport with TLS for the given server
// name, offering protos via ALPN.
type TLSProvider interface {
	Wrap(conn net.Conn, serverName string, protos []string) (net.Conn, error)
}

// BodyPublisher produces the outbound request body for one attempt. It is
// invoked once per attempt so a retried or redirected request can re-send
// its body from the start. A nil publisher means no body.
type BodyPublisher func() (io.Reader, error)

// WebsocketSpec configures the websocket upgrade performed by the
// dispatcher for websocket targets.
type WebsocketSpec struct {
	// Protocols is the list of subprotocols offered during the handshake.
	Protocols []string
}

// Config is the per-attempt configuration. It is treated as immutable by
// the engine: whenever validation needs to adjust the protocol set or the
// TLS provider it derives a patched copy, never touching the value shared
// across concurrent attempts.
type Config struct {
	// Protocols is the enabled protocol set. Empty means HTTP11 only.
	Protocols []Protocol
	// TLS wraps transports for secure targets. Left nil, a default
	// provider is derived whenever the current endpoint is secure.
	TLS TLSProvider

	BaseURL string
	URI     string
	Method  string

	// Headers are the caller's request headers. Engine defaults
	// (User-Agent, Host, Accept) never override them.
	Headers http.Header

	Body BodyPublisher

	// Websocket switches the dispatcher to the upgrade handshake for this
	// request. The target endpoint is then treated as a websocket target.
	Websocket *WebsocketSpec

	// Observer receives lifecycle events after the engine's own observers
	// and before the dispatch observer.
	Observer lifecycle.Observer

	// FollowRedirect decides whether a redirect response becomes a new
	// attempt. Nil disables redirect following entirely.
	FollowRedirect func(req *Request, resp *Response) bool

	// RedirectHeaders, when set, replaces the automatic stripping of
	// sensitive headers on cross-origin redirects. It is composed with
	// RedirectRequest, not a replacement for it.
	RedirectHeaders func(h http.Header)
	// RedirectRequest is applied to the headers of every redirected
	// attempt after the cross-origin handling.
	RedirectRequest func(h http.Header)
	// RedirectRequestHeaders additionally receives the headers of the
	// request that triggered the redirect.
	RedirectRequestHeaders func(h http.Header, previous http.Header)

	// DisableRetry turns off the single reset-triggered retry.
	DisableRetry bool

	// MaxAttempts caps the total number of connection attempts for one
	// logical request, counting the first. Zero preserves the historical
	// unbounded behavior: redirect loops are then only bounded by the
	// retry policy itself.
	MaxAttempts int

	// ProxyAddr, when non-empty, is dialed instead of the endpoint
	// address and bypasses the address resolver.
	ProxyAddr string

	ResponseTimeout time.Duration
	UserAgent       string

	Log zerolog.Logger
}

// clone returns a deep-enough copy: the slices and header map the engine
// patches are duplicated so the original stays shared safely.
func (c Config) clone() Config {
	d := c
	if c.Protocols != nil {
		d.Protocols = append([]Protocol(nil), c.Protocols...)
	}
	if c.Headers != nil {
		d.Headers = c.Headers.Clone()
	}
	return d
}

func (c Config) hasProtocol(p Protocol) bool {
	for _, v := range c.enabledProtocols() {
		if v == p {
			return true
		}
	}
	return false
}

func (c Config) enabledProtocols() []Protocol {
	if len(c.Protocols) == 0 {
		return []Protocol{HTTP11}
	}
	return c.Protocols
}

func (c Config) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return defaultUserAgent
}

// ALPNProtos maps the enabled protocol set to ALPN identifiers for the
// TLS handshake.
func (c Config) ALPNProtos() []string {
	protos := make([]string, 0, 2)
	for _, p := range c.enabledProtocols() {
		switch p {
		case H2:
			protos = append(protos, "h2")
		case HTTP11:
			protos = append(protos, "http/1.1")
		}
	}
	if len(protos) == 0 {
		protos = append(protos, "http/1.1")
	}
	return protos
}

func removeProtocol(protos []Protocol, drop Protocol) []Protocol {
	kept := make([]Protocol, 0, len(protos))
	for _, p := range protos {
		if p != drop {
			kept = append(kept, p)
		}
	}
	return kept
}

// deriveConfig validates the protocol set against the security of the
// current endpoint and returns the effective configuration for this
// attempt. Incompatible variants are dropped and the TLS provider is set or
// cleared on a copy; a protocol set that cannot be reconciled fails fast
// with a ConfigurationError before any socket operation. Redirects may flip
// the scheme between attempts, so this runs for every attempt.
func deriveConfig(cfg Config, secure bool) (Config, error) {
	if secure {
		if cfg.TLS == nil {
			d := cfg.clone()
			protos := d.enabledProtocols()
			if d.hasProtocol(H2C) && len(protos) > 1 {
				d.Protocols = removeProtocol(protos, H2C)
			}
			d.TLS = defaultTLSProvider
			cfg = d
		}
		if cfg.hasProtocol(H2C) {
			return Config{}, &ConfigurationError{
				Reason: "h2 clear-text protocol configured for a TLS target; use h2 or an insecure target",
			}
		}
		return cfg, nil
	}
	if cfg.TLS != nil {
		d := cfg.clone()
		protos := d.enabledProtocols()
		if d.hasProtocol(H2) && len(protos) > 1 {
			d.Protocols = removeProtocol(protos, H2)
		}
		d.TLS = nil
		cfg = d
	}
	if cfg.hasProtocol(H2) {
		return Config{}, &ConfigurationError{
			Reason: "h2 protocol requires TLS; use h2c or a secure target",
		}
	}
	return cfg, nil
}

// DefaultRedirectPredicate follows 301, 302, 303, 307 and 308 responses
// that carry a Location header.
func DefaultRedirectPredicate(req *Request, resp *Response) bool {
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return resp.Header.Get("Location") != ""
	}
	return false
}
