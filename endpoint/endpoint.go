// Package endpoint provides the immutable resolved-target value used by the
// acquisition engine. An Endpoint never changes after creation; redirects
// produce a replacement value instead of mutating the current one.
package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint is a resolved request target. The zero value is not meaningful;
// use a Factory to build one.
type Endpoint struct {
	secure bool
	ws     bool
	host   string
	port   int
	path   string
	query  string
}

// IsSecure reports whether the target requires TLS.
func (e Endpoint) IsSecure() bool { return e.secure }

// IsWebsocket reports whether the target is a websocket upgrade target.
func (e Endpoint) IsWebsocket() bool { return e.ws }

// Host returns the target host without a port.
func (e Endpoint) Host() string { return e.host }

// Port returns the target port (the scheme default when the URI had none).
func (e Endpoint) Port() int { return e.port }

// Path returns the request path, never empty ("/" at minimum).
func (e Endpoint) Path() string { return e.path }

// Scheme returns the URI scheme matching the security and websocket flags.
func (e Endpoint) Scheme() string {
	switch {
	case e.ws && e.secure:
		return "wss"
	case e.ws:
		return "ws"
	case e.secure:
		return "https"
	}
	return "http"
}

// Addr returns the host:port dial address for the target.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

// HostHeader returns the value for the Host request header. The port is
// omitted when it is a scheme default (80 or 443).
func (e Endpoint) HostHeader() string {
	host := e.host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if e.port == 80 || e.port == 443 {
		return host
	}
	return host + ":" + strconv.Itoa(e.port)
}

// PathAndQuery returns the origin-form request target.
func (e Endpoint) PathAndQuery() string {
	if e.query == "" {
		return e.path
	}
	return e.path + "?" + e.query
}

// URL returns the absolute URL for the target.
func (e Endpoint) URL() *url.URL {
	host := e.host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if !defaultPort(e.secure, e.port) {
		host += ":" + strconv.Itoa(e.port)
	}
	return &url.URL{Scheme: e.Scheme(), Host: host, Path: e.path, RawQuery: e.query}
}

// String returns the external form of the target, e.g. "http://host/a?b=c".
func (e Endpoint) String() string { return e.URL().String() }

// Equal reports whether two endpoints denote the same target, path and
// query included.
func (e Endpoint) Equal(o Endpoint) bool { return e == o }

// SameOrigin reports whether two endpoints share scheme security, host and
// port. Redirect handling uses this to decide when sensitive headers must
// not travel along.
func (e Endpoint) SameOrigin(o Endpoint) bool {
	return e.secure == o.secure && e.host == o.host && e.port == o.port
}

func defaultPort(secure bool, port int) bool {
	if secure {
		return port == 443
	}
	return port == 80
}

func schemeInfo(scheme string) (secure, ws bool, err error) {
	switch strings.ToLower(scheme) {
	case "http", "":
		return false, false, nil
	case "https":
		return true, false, nil
	case "ws":
		return false, true, nil
	case "wss":
		return true, true, nil
	}
	return false, false, fmt.Errorf("unsupported scheme %q", scheme)
}
