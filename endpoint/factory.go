package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Factory builds Endpoint values from request URIs and redirect locations.
// A factory carries the client's base URL and default security flag so that
// scheme-less or relative URIs resolve the way the client was configured.
type Factory struct {
	baseURL string
	secure  bool
}

// NewFactory returns a factory resolving against baseURL (may be empty).
// defaultSecure selects the scheme assumed when a URI carries none.
func NewFactory(baseURL string, defaultSecure bool) *Factory {
	return &Factory{baseURL: baseURL, secure: defaultSecure}
}

// Create resolves uri, prefixing the configured base URL when uri is a bare
// path, and returns the endpoint for it. websocket marks the target as an
// upgrade target.
func (f *Factory) Create(uri string, websocket bool) (Endpoint, error) {
	if uri == "" {
		uri = "/"
	}
	if f.baseURL != "" && strings.HasPrefix(uri, "/") {
		base := strings.TrimSuffix(f.baseURL, "/")
		uri = base + uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse uri %q: %w", uri, err)
	}
	return f.fromURL(u, websocket)
}

// Redirect resolves a Location header value against the attempt that
// produced it. Absolute locations are used directly; relative ones resolve
// against resourceURL, the absolute URL of the redirected request. The
// websocket flag of the prior endpoint is preserved.
func (f *Factory) Redirect(location string, from Endpoint, resourceURL string) (Endpoint, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse location %q: %w", location, err)
	}
	if !loc.IsAbs() {
		base, err := url.Parse(resourceURL)
		if err != nil {
			return Endpoint{}, fmt.Errorf("parse resource url %q: %w", resourceURL, err)
		}
		loc = base.ResolveReference(loc)
	}
	return f.fromURL(loc, from.IsWebsocket())
}

func (f *Factory) fromURL(u *url.URL, websocket bool) (Endpoint, error) {
	secure, ws, err := schemeInfo(u.Scheme)
	if err != nil {
		return Endpoint{}, err
	}
	if u.Scheme == "" {
		secure = f.secure
	}
	ws = ws || websocket

	host := u.Hostname()
	if host == "" {
		return Endpoint{}, fmt.Errorf("missing host in %q", u.String())
	}
	port := 80
	if secure {
		port = 443
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Endpoint{}, fmt.Errorf("invalid port %q in %q", p, u.String())
		}
		port = n
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	// Hostname() strips brackets from IPv6 literals; keep the raw form so
	// Addr can rebuild it with net.JoinHostPort.
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		host = ip.String()
	}
	return Endpoint{
		secure: secure,
		ws:     ws,
		host:   host,
		port:   port,
		path:   path,
		query:  u.RawQuery,
	}, nil
}
