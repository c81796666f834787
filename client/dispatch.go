package client

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gobwas/ws"

	"github.com/redial-dev/redial/lifecycle"
)

// dispatchAndRead drives one configured connection: shape and send the
// request, then read the response head. It runs on the connection's I/O
// goroutine. Failures are broadcast through the observer chain so the
// attempt result and the retry classification both see them; nothing
// propagates synchronously to the caller's stack.
func (o *ioObserver) dispatchAndRead(conn *Conn) {
	if err := o.dispatch(conn); err != nil {
		o.failConn(conn, err)
		return
	}
	if o.cfg.Websocket != nil {
		o.chain.OnStateChange(conn, lifecycle.StateResponseReceived)
		return
	}
	resp, err := conn.readResponse(conn.req.Method)
	if err != nil {
		o.failConn(conn, err)
		return
	}
	if o.cfg.FollowRedirect != nil && o.cfg.FollowRedirect(conn.req, resp) {
		// The retry predicate turns this into the next attempt; the
		// connection itself had a complete exchange and may be reused.
		conn.Release()
		o.chain.OnUncaughtError(conn, &RedirectError{
			Location: resp.Header.Get("Location"),
			Status:   resp.StatusCode,
		})
		return
	}
	o.chain.OnStateChange(conn, lifecycle.StateResponseReceived)
}

func (o *ioObserver) failConn(conn *Conn, err error) {
	o.chain.OnUncaughtError(conn, err)
	conn.Dispose()
}

// dispatch builds and sends the outbound request for the current attempt.
func (o *ioObserver) dispatch(conn *Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &DispatchError{Err: fmt.Errorf("building request: %v", r)}
		}
	}()

	cfg, h := o.cfg, o.h
	ep := h.endpoint()
	conn.resourceURL = h.resource()
	conn.responseTimeout = cfg.ResponseTimeout

	header := make(http.Header)
	for name, values := range cfg.Headers {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	req := &Request{Method: h.currentMethod(), Endpoint: ep, Header: header}

	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", cfg.userAgent())
	}
	if header.Get("Host") == "" {
		header.Set("Host", ep.HostHeader())
	}
	if header.Get("Accept") == "" {
		header.Set("Accept", "*/*")
	}

	if cfg.Body != nil && header.Get("Content-Length") == "" &&
		req.Method != http.MethodGet && req.Method != http.MethodHead && req.Method != http.MethodDelete {
		req.chunked = true
	}

	if _, redirected := h.previous(); redirected {
		if h.crossOrigin() {
			if cfg.RedirectHeaders != nil {
				cfg.RedirectHeaders(header)
			} else {
				stripSensitiveHeaders(header)
			}
		}
		if cfg.RedirectRequestHeaders != nil {
			cfg.RedirectRequestHeaders(header, h.previousRequestHeaders())
		}
		if cfg.RedirectRequest != nil {
			cfg.RedirectRequest(header)
		}
	}

	o.chain.OnStateChange(conn, lifecycle.StateRequestPrepared)

	if cfg.Websocket != nil {
		if uerr := o.upgradeWebsocket(conn, req); uerr != nil {
			return &UpgradeError{Err: uerr}
		}
		if cfg.Body != nil {
			if uerr := o.publishWebsocketBody(conn); uerr != nil {
				return &DispatchError{Err: uerr}
			}
		}
		return nil
	}

	// A publisher only runs when the request actually frames a body; after
	// a 303 turned the method into GET there is no framing left for it.
	var body io.Reader
	if cfg.Body != nil && (req.chunked || header.Get("Content-Length") != "") {
		body, err = cfg.Body()
		if err != nil {
			return &DispatchError{Err: err}
		}
	}
	if werr := conn.writeRequest(req, body); werr != nil {
		if IsConnectionReset(werr) {
			// Keep the reset identity visible to the retry classification.
			return werr
		}
		return &DispatchError{Err: werr}
	}
	return nil
}

// upgradeWebsocket performs the client handshake on the established
// transport. The connection is pinned out of the pool afterwards; its raw
// transport now speaks websocket framing.
func (o *ioObserver) upgradeWebsocket(conn *Conn, req *Request) error {
	hh := req.Header.Clone()
	hh.Del("Host") // the dialer derives Host from the URL itself
	d := ws.Dialer{
		Protocols: o.cfg.Websocket.Protocols,
		Header:    ws.HandshakeHeaderHTTP(hh),
	}
	br, hs, err := d.Upgrade(conn.raw, req.Endpoint.URL())
	if err != nil {
		return err
	}
	conn.req = req
	conn.headersSent.Store(true)
	conn.websocket = true
	conn.subprotocol = hs.Protocol
	conn.wsReader = br
	conn.MarkNonPoolable()
	conn.resp = &Response{
		Proto:      "HTTP/1.1",
		Status:     "101 Switching Protocols",
		StatusCode: http.StatusSwitchingProtocols,
		Header:     make(http.Header),
	}
	return nil
}

// publishWebsocketBody runs the body publisher after a successful upgrade,
// sending its bytes as one masked binary message.
func (o *ioObserver) publishWebsocketBody(conn *Conn) error {
	body, err := o.cfg.Body()
	if err != nil {
		return err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	frame := ws.MaskFrameInPlace(ws.NewBinaryFrame(payload))
	return ws.WriteFrame(conn.raw, frame)
}
