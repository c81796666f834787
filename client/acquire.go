package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/redial-dev/redial/lifecycle"
	"github.com/redial-dev/redial/oneshot"
)

// Provider supplies established connections. The engine treats it as an
// opaque collaborator: acquire hands back a one-shot that yields exactly
// one connection or one failure, and the provider broadcasts lifecycle
// events through obs for every connection it configures.
type Provider interface {
	Acquire(ctx context.Context, cfg Config, obs lifecycle.Observer, key RequestKey, resolver AddressResolver) *oneshot.Result[*Conn]
}

// AddressResolver maps a host:port target to a dialable address. Providers
// skip it for proxied request keys.
type AddressResolver interface {
	Resolve(ctx context.Context, addr string) (string, error)
}

// Client runs the acquisition engine against an injected provider and
// resolver pair. Dependencies are explicit so the engine can run against
// fakes in isolation.
type Client struct {
	cfg      Config
	provider Provider
	resolver AddressResolver
}

// Option configures a Client at construction, in the functional-options
// style.
type Option func(*Config)

// WithProtocols sets the enabled protocol set.
func WithProtocols(protocols ...Protocol) Option {
	return func(c *Config) { c.Protocols = protocols }
}

// WithTLS installs the TLS provider used for secure targets.
func WithTLS(p TLSProvider) Option {
	return func(c *Config) { c.TLS = p }
}

// WithBaseURL sets the base URL bare request paths resolve against.
func WithBaseURL(baseURL string) Option {
	return func(c *Config) { c.BaseURL = baseURL }
}

// WithHeader adds a request header.
func WithHeader(name, value string) Option {
	return func(c *Config) { c.Headers.Add(name, value) }
}

// WithUserAgent overrides the default User-Agent.
func WithUserAgent(ua string) Option {
	return func(c *Config) { c.UserAgent = ua }
}

// WithBody sets the body publisher invoked once per attempt.
func WithBody(body BodyPublisher) Option {
	return func(c *Config) { c.Body = body }
}

// WithObserver attaches a lifecycle observer between the engine's own
// observers.
func WithObserver(obs lifecycle.Observer) Option {
	return func(c *Config) { c.Observer = obs }
}

// WithFollowRedirects enables redirect following with the default
// predicate (301, 302, 303, 307, 308 with a Location header).
func WithFollowRedirects() Option {
	return func(c *Config) { c.FollowRedirect = DefaultRedirectPredicate }
}

// WithRedirectPredicate enables redirect following under a custom
// predicate.
func WithRedirectPredicate(p func(*Request, *Response) bool) Option {
	return func(c *Config) { c.FollowRedirect = p }
}

// WithRedirectHeaders replaces the automatic cross-origin header stripping
// with f. f composes with any WithRedirectRequest consumer.
func WithRedirectHeaders(f func(http.Header)) Option {
	return func(c *Config) { c.RedirectHeaders = f }
}

// WithRedirectRequest applies f to the headers of every redirected
// attempt.
func WithRedirectRequest(f func(http.Header)) Option {
	return func(c *Config) { c.RedirectRequest = f }
}

// WithRedirectRequestHeaders is WithRedirectRequest with access to the
// headers of the request that triggered the redirect.
func WithRedirectRequestHeaders(f func(h http.Header, previous http.Header)) Option {
	return func(c *Config) { c.RedirectRequestHeaders = f }
}

// WithRetryDisabled turns off the single reset-triggered retry.
func WithRetryDisabled() Option {
	return func(c *Config) { c.DisableRetry = true }
}

// WithMaxAttempts caps total attempts per logical request. The default (0)
// keeps the historical unbounded behavior.
func WithMaxAttempts(n int) Option {
	return func(c *Config) { c.MaxAttempts = n }
}

// WithProxy dials addr instead of the target and bypasses the resolver.
func WithProxy(addr string) Option {
	return func(c *Config) { c.ProxyAddr = addr }
}

// WithWebsocket switches requests to the websocket upgrade handshake.
func WithWebsocket(spec *WebsocketSpec) Option {
	return func(c *Config) { c.Websocket = spec }
}

// WithResponseTimeout bounds the wait for a response head per attempt.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Config) { c.ResponseTimeout = d }
}

// WithLogger sets the engine logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Config) { c.Log = log }
}

// New creates a client around the given provider and resolver.
func New(provider Provider, resolver AddressResolver, options ...Option) *Client {
	cfg := Config{
		Headers: make(http.Header),
		Log:     zerolog.Nop(),
	}
	for _, option := range options {
		option(&cfg)
	}
	return &Client{cfg: cfg, provider: provider, resolver: resolver}
}

// Connect starts one logical request and returns its one-shot result. The
// result yields exactly one connection, delivered when its response head
// arrived, or one terminal error. Cancelling ctx cancels the result; a
// connection established concurrently with cancellation is released, not
// leaked.
func (c *Client) Connect(ctx context.Context, method, uri string) *oneshot.Result[*Conn] {
	out := oneshot.New[*Conn]()
	cfg := c.cfg.clone()
	if method != "" {
		cfg.Method = method
	}
	if uri != "" {
		cfg.URI = uri
	}
	h, err := newRequestContext(&cfg)
	if err != nil {
		out.Fail(err)
		return out
	}
	go c.run(ctx, cfg, h, out)
	return out
}

// run is the filtered retry loop: attempts repeat for as long as the
// request context's predicate accepts the failure, without an upper bound
// unless MaxAttempts caps it.
func (c *Client) run(ctx context.Context, cfg Config, h *requestContext, out *oneshot.Result[*Conn]) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if cfg.MaxAttempts > 0 && attempt > cfg.MaxAttempts {
			out.Fail(fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, cfg.MaxAttempts, lastErr))
			return
		}
		conn, err := c.attempt(ctx, cfg, h)
		if err == nil {
			if !out.Complete(conn) {
				conn.Dispose()
			}
			return
		}
		if ctx.Err() != nil {
			out.Cancel()
			return
		}
		retry, terminal := h.evaluate(err)
		if retry {
			cfg.Log.Debug().Int("attempt", attempt).
				Str("target", h.endpoint().String()).Msg("starting new attempt")
			lastErr = err
			continue
		}
		if terminal != nil {
			err = terminal
		}
		out.Fail(err)
		return
	}
}

// attempt performs one acquisition: derive and validate the per-attempt
// configuration, assemble the observer chain, and ask the provider for a
// connection. It resolves when the attempt's one-shot result does.
func (c *Client) attempt(ctx context.Context, base Config, h *requestContext) (*Conn, error) {
	cfg, err := deriveConfig(base, h.endpoint().IsSecure())
	if err != nil {
		return nil, err
	}
	res := oneshot.New[*Conn]()
	ioObs := &ioObserver{res: res, h: h, cfg: cfg, log: cfg.Log}
	chain := lifecycle.Chain(
		&engineObserver{res: res, h: h, log: cfg.Log},
		cfg.Observer,
		ioObs,
	)
	ioObs.chain = chain

	acq := c.provider.Acquire(ctx, cfg, chain, h, c.resolver)
	go func() {
		conn, err := acq.Await(ctx)
		if err != nil {
			res.Fail(err)
			return
		}
		// If the attempt is cancelled from here on, the established
		// connection is released rather than leaked.
		res.OnCancel(conn.Dispose)
	}()
	return res.Await(ctx)
}
