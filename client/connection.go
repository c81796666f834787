package client

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/redial-dev/redial/endpoint"
	"github.com/redial-dev/redial/lifecycle"
)

// Conn is one HTTP/1.1 connection as seen by the engine. A provider wraps
// the raw transport with NewConn; the engine drives request dispatch and
// response-head reading on it, and the caller receives it once the
// response head arrives.
//
// Exactly one goroutine performs I/O on a Conn at a time. The flag fields
// are atomics because observers and cancellation hooks touch them from
// other goroutines.
type Conn struct {
	raw net.Conn
	br  *bufio.Reader
	bw  *bufio.Writer
	log zerolog.Logger

	// release returns the connection to its provider. reuse=false closes.
	release func(reuse bool)

	observer lifecycle.Observer

	nonPoolable atomic.Bool
	settled     atomic.Bool
	headersSent atomic.Bool
	retrying    atomic.Bool

	resourceURL     string
	responseTimeout time.Duration
	redirectedFrom  []endpoint.Endpoint

	req  *Request
	resp *Response

	body         io.Reader
	bodyReusable bool

	websocket   bool
	subprotocol string
	wsReader    *bufio.Reader
}

// NewConn wraps an established transport. br carries buffered bytes from a
// prior use of the same transport; nil starts fresh. release is invoked
// exactly once when the connection settles; nil falls back to closing the
// transport.
func NewConn(raw net.Conn, br *bufio.Reader, log zerolog.Logger, release func(reuse bool)) *Conn {
	if br == nil {
		br = bufio.NewReader(raw)
	}
	return &Conn{
		raw:      raw,
		br:       br,
		bw:       bufio.NewWriter(raw),
		log:      log,
		release:  release,
		observer: lifecycle.Nop,
	}
}

// ReadBuffer exposes the buffered reader so a provider reusing the
// transport keeps bytes already read ahead.
func (c *Conn) ReadBuffer() *bufio.Reader { return c.br }

// SetObserver installs the observer chain notified of this connection's
// lifecycle events. Must be set before any event fires.
func (c *Conn) SetObserver(obs lifecycle.Observer) {
	if obs != nil {
		c.observer = obs
	}
}

// Transport exposes the underlying connection, e.g. for a websocket
// takeover after a successful upgrade.
func (c *Conn) Transport() net.Conn { return c.raw }

// MarkNonPoolable excludes the connection from pool reuse. Idempotent.
func (c *Conn) MarkNonPoolable() { c.nonPoolable.Store(true) }

// Dispose closes the connection, bypassing pool reuse. Idempotent.
func (c *Conn) Dispose() { c.settle(false) }

// Release hands the connection back for reuse when it is still poolable
// and the response body framing permits it; otherwise it closes. Any
// unread remainder of the body is drained first.
func (c *Conn) Release() {
	reuse := !c.nonPoolable.Load() && c.bodyReusable && !c.websocket
	if reuse && c.body != nil {
		if _, err := io.Copy(io.Discard, c.body); err != nil {
			reuse = false
		}
	}
	c.settle(reuse)
}

func (c *Conn) settle(reuse bool) {
	if !c.settled.CompareAndSwap(false, true) {
		return
	}
	if c.release != nil {
		c.release(reuse)
		return
	}
	_ = c.raw.Close()
}

// HasSentHeaders reports whether the request head reached the transport.
// The reset-retry policy refuses to retry once this is set.
func (c *Conn) HasSentHeaders() bool { return c.headersSent.Load() }

// Retrying reports whether a reset classification marked this connection's
// failure as retryable.
func (c *Conn) Retrying() bool { return c.retrying.Load() }

func (c *Conn) setRetrying() { c.retrying.Store(true) }

// Request returns the shaped request of the current attempt, nil before
// dispatch.
func (c *Conn) Request() *Request { return c.req }

// Response returns the received response head, nil until the connection is
// delivered.
func (c *Conn) Response() *Response { return c.resp }

// Body returns the response body reader. Reading past the end makes the
// connection eligible for reuse on Release.
func (c *Conn) Body() io.Reader {
	if c.body == nil {
		return emptyBody
	}
	return c.body
}

// RedirectedFrom returns the endpoints visited before the current one, in
// visiting order.
func (c *Conn) RedirectedFrom() []endpoint.Endpoint {
	out := make([]endpoint.Endpoint, len(c.redirectedFrom))
	copy(out, c.redirectedFrom)
	return out
}

// ResourceURL returns the absolute URL this connection's request targeted.
func (c *Conn) ResourceURL() string { return c.resourceURL }

// IsWebsocket reports whether the connection was upgraded.
func (c *Conn) IsWebsocket() bool { return c.websocket }

// Subprotocol returns the negotiated websocket subprotocol, if any.
func (c *Conn) Subprotocol() string { return c.subprotocol }

// WebsocketReader returns the buffered reader to continue frame reads on
// after an upgrade; nil when no handshake bytes were buffered.
func (c *Conn) WebsocketReader() *bufio.Reader { return c.wsReader }

// writeRequest sends the request head, marks the headers as sent, then
// streams the body per its framing. The head is flushed on its own first:
// a reset before that flush means nothing reached the wire and the request
// is still safe to retry elsewhere.
func (c *Conn) writeRequest(req *Request, body io.Reader) error {
	c.req = req
	if err := writeRequestHead(c.bw, req); err != nil {
		return c.wrapWriteError(err)
	}
	if err := c.bw.Flush(); err != nil {
		return c.wrapWriteError(err)
	}
	c.headersSent.Store(true)
	if body != nil {
		if req.chunked {
			if err := writeChunked(c.bw, body); err != nil {
				return c.wrapWriteError(err)
			}
		} else if _, err := io.Copy(c.bw, body); err != nil {
			return c.wrapWriteError(err)
		}
	}
	return c.wrapWriteError(c.bw.Flush())
}

// wrapWriteError maps transport write failures onto engine sentinels. A
// write on a TLS connection whose record layer already shut down becomes
// ErrTLSClosed, keeping the connection out of the pool. crypto/tls reports
// the condition as net.ErrClosed after a local close and as a shutdown
// message after an inbound close_notify.
func (c *Conn) wrapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := c.raw.(*tls.Conn); ok {
		if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "tls: protocol is shutdown") {
			return fmt.Errorf("%w: %w", ErrTLSClosed, err)
		}
	}
	return err
}

// readResponse parses the response head and prepares body framing.
func (c *Conn) readResponse(method string) (*Response, error) {
	if c.responseTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.responseTimeout))
		defer func() { _ = c.raw.SetReadDeadline(time.Time{}) }()
	}
	resp, err := readResponseHead(c.br)
	if err != nil {
		return nil, err
	}
	c.resp = resp
	c.body, c.bodyReusable = responseBody(c.br, resp, method)
	return resp, nil
}

var emptyBody = io.Reader(emptyReader{})

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
