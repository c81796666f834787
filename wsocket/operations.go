// Package wsocket manages server-side websocket connections after the
// upgrade. Exactly one close trigger (inbound close frame, outbound error,
// inbound cancellation, application close call) wins the close handshake.
// Frame encoding is delegated to gobwas/ws.
package wsocket

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/redial-dev/redial/oneshot"
)

// CloseStatus is the (code, reason) outcome of the close handshake.
type CloseStatus struct {
	Code   int
	Reason string
}

func (s CloseStatus) String() string {
	if s.Reason == "" {
		return fmt.Sprintf("%d", s.Code)
	}
	return fmt.Sprintf("%d %s", s.Code, s.Reason)
}

// Spec configures an upgraded connection.
type Spec struct {
	// Protocols lists acceptable subprotocols; empty accepts any.
	Protocols []string
	// HandlePing opts into manual ping handling: inbound pings are then
	// delivered to the inbound handler instead of being answered
	// automatically.
	HandlePing bool

	Log zerolog.Logger
}

// UpgradeError reports a failed websocket handshake. The rejection response
// has already been written to the client when it is returned.
type UpgradeError struct {
	Err error
}

func (e *UpgradeError) Error() string { return "websocket upgrade: " + e.Err.Error() }

func (e *UpgradeError) Unwrap() error { return e.Err }

// Frame is a non-control inbound frame delivered to the application.
type Frame struct {
	Op      ws.OpCode
	Payload []byte
}

// Operations owns an upgraded connection for the rest of its lifetime.
//
// closeSent is the single guarded cell of the close state machine: 0 is
// open, 1 is close sent. The compare-and-set in sendCloseNow decides the
// winner between concurrent triggers; losers drop their frame without
// writing to the transport and without re-signalling the close status.
type Operations struct {
	conn net.Conn
	spec Spec
	log  zerolog.Logger

	subprotocol string

	// writeMu serializes frame writes. Pongs run on the read-loop
	// goroutine, data frames on the application's, and a close trigger on
	// any; gobwas writes header and payload separately, so unserialized
	// frames would interleave on the wire.
	writeMu sync.Mutex

	closeSent  atomic.Int32
	closeState *oneshot.Result[CloseStatus]
}

// Upgrade performs the server handshake on conn and hands the connection
// over to a new Operations. On failure the handshaker has already answered
// the client with the appropriate rejection and no Operations exists.
func Upgrade(conn net.Conn, spec Spec) (*Operations, error) {
	u := ws.Upgrader{}
	if len(spec.Protocols) > 0 {
		u.Protocol = func(proto []byte) bool {
			for _, p := range spec.Protocols {
				if string(proto) == p {
					return true
				}
			}
			return false
		}
	}
	hs, err := u.Upgrade(conn)
	if err != nil {
		return nil, &UpgradeError{Err: err}
	}
	return &Operations{
		conn:        conn,
		spec:        spec,
		log:         spec.Log,
		subprotocol: hs.Protocol,
		closeState:  oneshot.New[CloseStatus](),
	}, nil
}

// Subprotocol returns the subprotocol selected during the handshake.
func (o *Operations) Subprotocol() string { return o.subprotocol }

// CloseState returns the one-shot close-status result. It yields the
// status exactly once: from the winning close trigger, or a no-status
// (1005) result when the connection terminates without a close exchange.
func (o *Operations) CloseState() *oneshot.Result[CloseStatus] { return o.closeState }

// ReadLoop processes inbound frames until the connection closes. It is the
// connection's single I/O reader. Close frames run the close handshake;
// pings are answered in place unless manual ping handling is on; everything
// else goes to inbound unmodified.
func (o *Operations) ReadLoop(inbound func(Frame)) error {
	for {
		frame, err := ws.ReadFrame(o.conn)
		if err != nil {
			if o.closeSent.Load() != 0 {
				// Teardown after a sent close; the read failing is the
				// connection going away as intended.
				return nil
			}
			o.terminate(CloseStatus{Code: int(ws.StatusAbnormalClosure)})
			return err
		}
		if frame.Header.Masked {
			frame = ws.UnmaskFrameInPlace(frame)
		}
		switch frame.Header.OpCode {
		case ws.OpClose:
			if !frame.Header.Fin {
				continue
			}
			status := CloseStatus{Code: int(ws.StatusNoStatusRcvd)}
			if len(frame.Payload) >= 2 {
				code, reason := ws.ParseCloseFrameData(frame.Payload)
				status = CloseStatus{Code: int(code), Reason: reason}
			}
			o.log.Debug().Str("status", status.String()).
				Msg("close frame detected, closing websocket")
			_ = o.sendCloseNow(ws.NewCloseFrame(frame.Payload), status)
			return nil
		case ws.OpPing:
			if !o.spec.HandlePing {
				_ = o.writeFrame(ws.NewPongFrame(frame.Payload))
				continue
			}
			inbound(Frame{Op: frame.Header.OpCode, Payload: frame.Payload})
		default:
			inbound(Frame{Op: frame.Header.OpCode, Payload: frame.Payload})
		}
	}
}

// Send writes one outbound data frame. A write failure triggers the
// outbound-error close (1002).
func (o *Operations) Send(op ws.OpCode, payload []byte) error {
	if o.closeSent.Load() != 0 {
		return net.ErrClosed
	}
	if err := o.writeFrame(ws.NewFrame(op, true, payload)); err != nil {
		o.CloseOnError(err)
		return err
	}
	return nil
}

// Close initiates the close handshake from the application with the given
// status. If the handshake already started this is a no-op.
func (o *Operations) Close(code int, reason string) error {
	if o.closeSent.Load() != 0 {
		return nil
	}
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason))
	return o.sendCloseNow(frame, CloseStatus{Code: code, Reason: reason})
}

// CloseOnError runs the outbound-error trigger: a protocol-error close.
func (o *Operations) CloseOnError(err error) {
	o.log.Debug().Err(err).Msg("outbound error happened")
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusProtocolError, ""))
	_ = o.sendCloseNow(frame, CloseStatus{Code: int(ws.StatusProtocolError)})
}

// CancelInbound runs the local-consumer-cancelled trigger: an empty close
// frame recorded as an abnormal closure.
func (o *Operations) CancelInbound() {
	o.log.Debug().Msg("inbound receiver cancelled, closing websocket")
	_ = o.sendCloseNow(ws.NewCloseFrame(nil), CloseStatus{Code: int(ws.StatusAbnormalClosure)})
}

// writeFrame is the only path to the transport for outbound frames.
func (o *Operations) writeFrame(frame ws.Frame) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	return ws.WriteFrame(o.conn, frame)
}

// sendCloseNow performs the single open-to-close-sent transition. The
// winner emits the close status, writes the close frame and tears the
// connection down once that write completes; every loser returns without
// touching the transport.
func (o *Operations) sendCloseNow(frame ws.Frame, status CloseStatus) error {
	if !o.closeSent.CompareAndSwap(0, 1) {
		return nil
	}
	// closeSent guarantees one emission; whether anyone is waiting is not
	// this side's concern.
	o.closeState.Complete(status)
	err := o.writeFrame(frame)
	_ = o.conn.Close()
	return err
}

// terminate closes the transport outside the close handshake, completing
// the close state for waiters that would otherwise hang.
func (o *Operations) terminate(status CloseStatus) {
	o.closeState.Complete(status)
	_ = o.conn.Close()
}
