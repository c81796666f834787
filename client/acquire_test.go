package client

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redial-dev/redial/lifecycle"
	"github.com/redial-dev/redial/oneshot"
)

// scriptedProvider serves each attempt from one half of a net.Pipe, with the
// other half driven by a per-attempt script. failures[i] short-circuits
// attempt i with an acquire error instead.
type scriptedProvider struct {
	script   func(attempt int, server net.Conn)
	failures []error

	mu       sync.Mutex
	attempts int
}

func (p *scriptedProvider) Acquire(_ context.Context, _ Config, obs lifecycle.Observer, _ RequestKey, _ AddressResolver) *oneshot.Result[*Conn] {
	res := oneshot.New[*Conn]()
	p.mu.Lock()
	attempt := p.attempts
	p.attempts++
	p.mu.Unlock()

	if attempt < len(p.failures) && p.failures[attempt] != nil {
		res.Fail(p.failures[attempt])
		return res
	}

	clientSide, serverSide := net.Pipe()
	go p.script(attempt, serverSide)

	conn := NewConn(clientSide, nil, zerolog.Nop(), nil)
	conn.SetObserver(obs)
	if !res.Complete(conn) {
		conn.Dispose()
		return res
	}
	obs.OnStateChange(conn, lifecycle.StateInitialized)
	obs.OnStateChange(conn, lifecycle.StateConfigured)
	return res
}

func (p *scriptedProvider) attemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// recordedRequests collects the raw request text each attempt produced.
type recordedRequests struct {
	mu   sync.Mutex
	reqs []string
}

func (r *recordedRequests) add(req string) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
}

func (r *recordedRequests) get(i int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[i]
}

// readRequestText reads one request head (and chunked body, if any) off the
// server side of the pipe.
func readRequestText(c net.Conn) string {
	br := bufio.NewReader(c)
	var sb strings.Builder
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return sb.String()
		}
		sb.WriteString(line)
		if line == "\r\n" {
			break
		}
	}
	if strings.Contains(sb.String(), "Transfer-Encoding: chunked") {
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				break
			}
			sb.WriteString(line)
			if line == "0\r\n" {
				tail, _ := br.ReadString('\n')
				sb.WriteString(tail)
				break
			}
		}
	}
	return sb.String()
}

func respondWith(c net.Conn, raw string) {
	_, _ = io.WriteString(c, raw)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectSuccess(t *testing.T) {
	recorded := &recordedRequests{}
	provider := &scriptedProvider{script: func(_ int, server net.Conn) {
		recorded.add(readRequestText(server))
		respondWith(server, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	}}
	engine := New(provider, nil)

	conn, err := engine.Connect(testCtx(t), http.MethodGet, "http://example.com/a?x=1").Await(testCtx(t))
	require.NoError(t, err)
	defer conn.Release()

	assert.Equal(t, 200, conn.Response().StatusCode)
	body, err := io.ReadAll(conn.Body())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, "http://example.com/a?x=1", conn.ResourceURL())
	assert.Empty(t, conn.RedirectedFrom())

	req := recorded.get(0)
	assert.True(t, strings.HasPrefix(req, "GET /a?x=1 HTTP/1.1\r\n"))
	assert.Contains(t, req, "User-Agent: "+defaultUserAgent)
	assert.Contains(t, req, "Host: example.com\r\n")
	assert.Contains(t, req, "Accept: */*\r\n")
}

func TestConnectHeaderDefaultsDoNotOverride(t *testing.T) {
	recorded := &recordedRequests{}
	provider := &scriptedProvider{script: func(_ int, server net.Conn) {
		recorded.add(readRequestText(server))
		respondWith(server, "HTTP/1.1 204 No Content\r\n\r\n")
	}}
	engine := New(provider, nil,
		WithUserAgent("custom-agent/2"),
		WithHeader("Accept", "application/json"),
	)

	conn, err := engine.Connect(testCtx(t), http.MethodGet, "http://example.com/").Await(testCtx(t))
	require.NoError(t, err)
	conn.Release()

	req := recorded.get(0)
	assert.Contains(t, req, "User-Agent: custom-agent/2")
	assert.Contains(t, req, "Accept: application/json")
	assert.NotContains(t, req, "Accept: */*")
}

func TestConnectFollowsRedirect(t *testing.T) {
	recorded := &recordedRequests{}
	provider := &scriptedProvider{script: func(attempt int, server net.Conn) {
		recorded.add(readRequestText(server))
		if attempt == 0 {
			respondWith(server, "HTTP/1.1 302 Found\r\nLocation: /b\r\nContent-Length: 0\r\n\r\n")
			return
		}
		respondWith(server, "HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\ndone")
	}}
	engine := New(provider, nil, WithFollowRedirects())

	conn, err := engine.Connect(testCtx(t), http.MethodGet, "http://example.com/a").Await(testCtx(t))
	require.NoError(t, err)
	defer conn.Release()

	assert.Equal(t, 2, provider.attemptCount())
	assert.Equal(t, 200, conn.Response().StatusCode)
	assert.Equal(t, "http://example.com/b", conn.ResourceURL())

	visited := conn.RedirectedFrom()
	require.Len(t, visited, 1)
	assert.Equal(t, "http://example.com/a", visited[0].String())

	assert.True(t, strings.HasPrefix(recorded.get(1), "GET /b HTTP/1.1\r\n"))
}

func TestConnectSeeOtherSwitchesToGetAndDropsBody(t *testing.T) {
	recorded := &recordedRequests{}
	provider := &scriptedProvider{script: func(attempt int, server net.Conn) {
		recorded.add(readRequestText(server))
		if attempt == 0 {
			respondWith(server, "HTTP/1.1 303 See Other\r\nLocation: /done\r\nContent-Length: 0\r\n\r\n")
			return
		}
		respondWith(server, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	}}
	engine := New(provider, nil,
		WithFollowRedirects(),
		WithBody(func() (io.Reader, error) { return strings.NewReader("payload"), nil }),
	)

	conn, err := engine.Connect(testCtx(t), http.MethodPost, "http://example.com/submit").Await(testCtx(t))
	require.NoError(t, err)
	conn.Release()

	first := recorded.get(0)
	assert.True(t, strings.HasPrefix(first, "POST /submit HTTP/1.1\r\n"))
	assert.Contains(t, first, "Transfer-Encoding: chunked")
	assert.Contains(t, first, "payload")

	second := recorded.get(1)
	assert.True(t, strings.HasPrefix(second, "GET /done HTTP/1.1\r\n"))
	assert.NotContains(t, second, "Transfer-Encoding")
	assert.NotContains(t, second, "payload")
}

func TestConnectCrossOriginStripsSensitiveHeaders(t *testing.T) {
	recorded := &recordedRequests{}
	provider := &scriptedProvider{script: func(attempt int, server net.Conn) {
		recorded.add(readRequestText(server))
		if attempt == 0 {
			respondWith(server, "HTTP/1.1 301 Moved Permanently\r\nLocation: http://other.test/b\r\nContent-Length: 0\r\n\r\n")
			return
		}
		respondWith(server, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	}}
	engine := New(provider, nil,
		WithFollowRedirects(),
		WithHeader("Authorization", "Bearer secret"),
		WithHeader("Cookie", "session=1"),
		WithHeader("X-Custom", "keep-me"),
	)

	conn, err := engine.Connect(testCtx(t), http.MethodGet, "http://example.com/a").Await(testCtx(t))
	require.NoError(t, err)
	conn.Release()

	first := recorded.get(0)
	assert.Contains(t, first, "Authorization: Bearer secret")

	second := recorded.get(1)
	assert.NotContains(t, second, "Authorization")
	assert.NotContains(t, second, "Cookie")
	assert.Contains(t, second, "X-Custom: keep-me")
	assert.Contains(t, second, "Host: other.test\r\n")
}

func TestConnectSameOriginKeepsSensitiveHeaders(t *testing.T) {
	recorded := &recordedRequests{}
	provider := &scriptedProvider{script: func(attempt int, server net.Conn) {
		recorded.add(readRequestText(server))
		if attempt == 0 {
			respondWith(server, "HTTP/1.1 302 Found\r\nLocation: /b\r\nContent-Length: 0\r\n\r\n")
			return
		}
		respondWith(server, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	}}
	engine := New(provider, nil,
		WithFollowRedirects(),
		WithHeader("Authorization", "Bearer secret"),
	)

	conn, err := engine.Connect(testCtx(t), http.MethodGet, "http://example.com/a").Await(testCtx(t))
	require.NoError(t, err)
	conn.Release()

	assert.Contains(t, recorded.get(1), "Authorization: Bearer secret")
}

func TestConnectRedirectNotFollowedDeliversResponse(t *testing.T) {
	provider := &scriptedProvider{script: func(_ int, server net.Conn) {
		readRequestText(server)
		respondWith(server, "HTTP/1.1 302 Found\r\nLocation: /b\r\nContent-Length: 0\r\n\r\n")
	}}
	engine := New(provider, nil)

	conn, err := engine.Connect(testCtx(t), http.MethodGet, "http://example.com/a").Await(testCtx(t))
	require.NoError(t, err)
	conn.Release()

	assert.Equal(t, 1, provider.attemptCount())
	assert.Equal(t, 302, conn.Response().StatusCode)
	assert.Equal(t, "/b", conn.Response().Header.Get("Location"))
}

func TestConnectRetriesResetOnce(t *testing.T) {
	provider := &scriptedProvider{
		failures: []error{ErrConnectionReset},
		script: func(_ int, server net.Conn) {
			readRequestText(server)
			respondWith(server, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
		},
	}
	engine := New(provider, nil)

	conn, err := engine.Connect(testCtx(t), http.MethodGet, "http://example.com/a").Await(testCtx(t))
	require.NoError(t, err)
	conn.Release()

	assert.Equal(t, 2, provider.attemptCount())
	// The torn-down attempt shows up in the visited history.
	require.Len(t, conn.RedirectedFrom(), 1)
	assert.Equal(t, "http://example.com/a", conn.RedirectedFrom()[0].String())
}

func TestConnectSecondResetTerminates(t *testing.T) {
	provider := &scriptedProvider{failures: []error{ErrConnectionReset, ErrConnectionReset}}
	engine := New(provider, nil)

	_, err := engine.Connect(testCtx(t), http.MethodGet, "http://example.com/a").Await(testCtx(t))
	require.Error(t, err)
	assert.True(t, IsConnectionReset(err))
	assert.Equal(t, 2, provider.attemptCount())
}

func TestConnectResetNotRetriedWhenDisabled(t *testing.T) {
	provider := &scriptedProvider{failures: []error{ErrConnectionReset}}
	engine := New(provider, nil, WithRetryDisabled())

	_, err := engine.Connect(testCtx(t), http.MethodGet, "http://example.com/a").Await(testCtx(t))
	require.Error(t, err)
	assert.True(t, IsConnectionReset(err))
	assert.Equal(t, 1, provider.attemptCount())
}

func TestConnectMaxAttemptsExhausted(t *testing.T) {
	provider := &scriptedProvider{script: func(_ int, server net.Conn) {
		readRequestText(server)
		respondWith(server, "HTTP/1.1 302 Found\r\nLocation: /loop\r\nContent-Length: 0\r\n\r\n")
	}}
	engine := New(provider, nil, WithFollowRedirects(), WithMaxAttempts(3))

	_, err := engine.Connect(testCtx(t), http.MethodGet, "http://example.com/a").Await(testCtx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 3, provider.attemptCount())
}

func TestConnectConfigurationFailsBeforeAcquire(t *testing.T) {
	provider := &scriptedProvider{}
	engine := New(provider, nil, WithProtocols(H2))

	_, err := engine.Connect(testCtx(t), http.MethodGet, "http://example.com/a").Await(testCtx(t))
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 0, provider.attemptCount(), "no socket operation may happen for an invalid configuration")
}

func TestConnectBadTargetFailsImmediately(t *testing.T) {
	provider := &scriptedProvider{}
	engine := New(provider, nil)

	_, err := engine.Connect(testCtx(t), http.MethodGet, "ftp://example.com/a").Await(testCtx(t))
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 0, provider.attemptCount())
}

func TestConnectObserverSeesLifecycleInOrder(t *testing.T) {
	provider := &scriptedProvider{script: func(_ int, server net.Conn) {
		readRequestText(server)
		respondWith(server, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	}}

	var mu sync.Mutex
	var states []lifecycle.State
	observer := lifecycle.Funcs{State: func(_ lifecycle.Connection, s lifecycle.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}}
	engine := New(provider, nil, WithObserver(observer))

	conn, err := engine.Connect(testCtx(t), http.MethodGet, "http://example.com/a").Await(testCtx(t))
	require.NoError(t, err)
	conn.Release()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []lifecycle.State{
		lifecycle.StateInitialized,
		lifecycle.StateConfigured,
		lifecycle.StateRequestPrepared,
		lifecycle.StateResponseReceived,
	}, states)
}

func TestConnectCancellationDisposesLateConnection(t *testing.T) {
	release := make(chan struct{})
	var serverMu sync.Mutex
	var serverSide net.Conn

	provider := &scriptedProvider{script: func(_ int, server net.Conn) {
		serverMu.Lock()
		serverSide = server
		serverMu.Unlock()
	}}
	// Wrap Acquire so the connection arrives only after cancellation.
	gated := providerFunc(func(ctx context.Context, cfg Config, obs lifecycle.Observer, key RequestKey, r AddressResolver) *oneshot.Result[*Conn] {
		res := oneshot.New[*Conn]()
		go func() {
			<-release
			inner := provider.Acquire(ctx, cfg, obs, key, r)
			<-inner.Done()
			if conn, err := inner.Get(); err == nil {
				if !res.Complete(conn) {
					conn.Dispose()
				}
			}
		}()
		return res
	})
	engine := New(gated, nil)

	ctx, cancel := context.WithCancel(context.Background())
	result := engine.Connect(ctx, http.MethodGet, "http://example.com/a")
	cancel()

	_, err := result.Await(context.Background())
	require.Error(t, err)

	close(release)
	assert.Eventually(t, func() bool {
		serverMu.Lock()
		server := serverSide
		serverMu.Unlock()
		if server == nil {
			return false
		}
		_ = server.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		_, rerr := server.Read(make([]byte, 1))
		return rerr == io.EOF || rerr == io.ErrClosedPipe
	}, 2*time.Second, 20*time.Millisecond, "late connection must be disposed, not leaked")
}

type providerFunc func(context.Context, Config, lifecycle.Observer, RequestKey, AddressResolver) *oneshot.Result[*Conn]

func (f providerFunc) Acquire(ctx context.Context, cfg Config, obs lifecycle.Observer, key RequestKey, r AddressResolver) *oneshot.Result[*Conn] {
	return f(ctx, cfg, obs, key, r)
}
