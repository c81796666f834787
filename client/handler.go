package client

import (
	"errors"
	"net/http"
	"sync"

	"github.com/redial-dev/redial/endpoint"
)

// RequestKey identifies the socket target of an acquisition attempt.
// Proxied keys bypass the address resolver: the proxy resolves the real
// target itself.
type RequestKey interface {
	Addr() string
	Endpoint() endpoint.Endpoint
	Proxied() bool
}

// requestContext is the mutable state of one logical request across all of
// its attempts: the current and prior endpoint, the redirect history, the
// effective method, and the reset-retry eligibility. It doubles as the
// retry predicate filtering the acquisition loop and as the RequestKey
// handed to the provider.
//
// A mutex guards the fields: the predicate runs on the acquisition
// goroutine while observers read from the connection's I/O goroutine.
type requestContext struct {
	factory   *endpoint.Factory
	proxyAddr string

	// capturePrev is set when the caller wants the previous request's
	// headers available to its redirect hook.
	capturePrev bool

	mu           sync.Mutex
	method       string
	to           endpoint.Endpoint
	from         *endpoint.Endpoint
	resourceURL  string
	history      []endpoint.Endpoint
	retryEnabled bool
	prevHeaders  http.Header
}

func newRequestContext(cfg *Config) (*requestContext, error) {
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	factory := endpoint.NewFactory(cfg.BaseURL, false)
	to, err := factory.Create(cfg.URI, cfg.Websocket != nil)
	if err != nil {
		return nil, &ConfigurationError{Reason: "cannot resolve request target", Err: err}
	}
	return &requestContext{
		factory:      factory,
		proxyAddr:    cfg.ProxyAddr,
		capturePrev:  cfg.RedirectRequestHeaders != nil,
		method:       method,
		to:           to,
		resourceURL:  to.String(),
		retryEnabled: !cfg.DisableRetry,
	}, nil
}

// RequestKey implementation.

func (h *requestContext) Addr() string {
	if h.proxyAddr != "" {
		return h.proxyAddr
	}
	return h.endpoint().Addr()
}

func (h *requestContext) Endpoint() endpoint.Endpoint { return h.endpoint() }

func (h *requestContext) Proxied() bool { return h.proxyAddr != "" }

func (h *requestContext) endpoint() endpoint.Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.to
}

func (h *requestContext) currentMethod() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.method
}

func (h *requestContext) resource() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resourceURL
}

// previous returns the endpoint of the attempt before the current one, or
// false when this is still the first target.
func (h *requestContext) previous() (endpoint.Endpoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.from == nil {
		return endpoint.Endpoint{}, false
	}
	return *h.from, true
}

// crossOrigin reports whether the current attempt targets a different
// origin than the one that redirected to it.
func (h *requestContext) crossOrigin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.from != nil && !h.to.SameOrigin(*h.from)
}

func (h *requestContext) historySnapshot() []endpoint.Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]endpoint.Endpoint, len(h.history))
	copy(out, h.history)
	return out
}

func (h *requestContext) retryAllowed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retryEnabled
}

func (h *requestContext) disableRetry() {
	h.mu.Lock()
	h.retryEnabled = false
	h.mu.Unlock()
}

func (h *requestContext) capturePreviousHeaders(headers http.Header) {
	if headers == nil {
		return
	}
	h.mu.Lock()
	h.prevHeaders = headers.Clone()
	h.mu.Unlock()
}

func (h *requestContext) previousRequestHeaders() http.Header {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.prevHeaders
}

// redirect replaces the current endpoint with the resolved location,
// records the prior endpoint in the history and remembers it for the
// cross-origin comparison of the next attempt. The current endpoint value
// itself is never mutated; a new one takes its place.
func (h *requestContext) redirect(location string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	to, err := h.factory.Redirect(location, h.to, h.resourceURL)
	if err != nil {
		return err
	}
	prior := h.to
	h.from = &prior
	h.to = to
	h.resourceURL = to.String()
	h.history = append(h.history, prior)
	return nil
}

// evaluate is the redirect/retry predicate applied to the terminal failure
// of one attempt. retry=true turns the failure into a new attempt;
// otherwise the returned error (the original one when nil) terminates the
// request.
func (h *requestContext) evaluate(err error) (retry bool, terminal error) {
	var re *RedirectError
	if errors.As(err, &re) {
		if re.Status == http.StatusSeeOther {
			h.mu.Lock()
			h.method = http.MethodGet
			h.mu.Unlock()
		}
		if rerr := h.redirect(re.Location); rerr != nil {
			return false, &ConfigurationError{Reason: "cannot resolve redirect location", Err: rerr}
		}
		return true, nil
	}
	if h.retryAllowed() && IsConnectionReset(err) {
		h.disableRetry()
		// Same destination, fresh attempt. The location is one the factory
		// produced, so resolution cannot fail here.
		_ = h.redirect(h.endpoint().String())
		return true, nil
	}
	return false, nil
}
