package client

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/redial-dev/redial/lifecycle"
	"github.com/redial-dev/redial/oneshot"
)

// engineObserver is the first member of the attempt's observer chain. It
// classifies uncaught errors (redirects, resets, closed TLS engines) so the
// retry predicate sees correctly prepared state, and attaches the redirect
// history to every configured connection. Every uncaught error still fails
// the attempt result; the acquisition loop decides what survives.
type engineObserver struct {
	res *oneshot.Result[*Conn]
	h   *requestContext
	log zerolog.Logger
}

func (o *engineObserver) OnStateChange(c lifecycle.Connection, state lifecycle.State) {
	if state != lifecycle.StateConfigured && state != lifecycle.StateStreamConfigured {
		return
	}
	if conn, ok := c.(*Conn); ok {
		conn.redirectedFrom = o.h.historySnapshot()
	}
}

func (o *engineObserver) OnUncaughtError(c lifecycle.Connection, err error) {
	conn, _ := c.(*Conn)
	var re *RedirectError
	switch {
	case errors.As(err, &re):
		o.log.Debug().Int("status", re.Status).Str("location", re.Location).
			Msg("request will be redirected")
		if conn != nil && o.h.capturePrev && conn.req != nil {
			o.h.capturePreviousHeaders(conn.req.Header)
		}
	case o.h.retryAllowed() && IsConnectionReset(err):
		if conn != nil && conn.HasSentHeaders() {
			// The pool must never see this connection again; the reset may
			// race the close event that would normally evict it.
			conn.MarkNonPoolable()
			o.h.disableRetry()
			o.log.Warn().Err(err).
				Msg("connection error, request cannot be retried as the headers/body were sent")
		} else {
			if conn != nil {
				conn.MarkNonPoolable()
				conn.setRetrying()
			}
			o.log.Debug().Err(err).Msg("connection error, request will be retried")
		}
	case errors.Is(err, ErrTLSClosed):
		if conn != nil {
			conn.MarkNonPoolable()
		}
		o.log.Warn().Err(err).Msg("connection error")
	default:
		o.log.Warn().Err(err).Msg("connection error")
	}
	o.res.Fail(err)
}

// ioObserver is the last member of the chain. On a configured connection it
// launches the dispatch; at response-received it fulfills the attempt
// result with the connection.
type ioObserver struct {
	res *oneshot.Result[*Conn]
	h   *requestContext
	cfg Config
	log zerolog.Logger

	// chain is the complete observer chain of the attempt, set once the
	// chain is assembled; the dispatch goroutine broadcasts through it.
	chain lifecycle.Observer

	dispatchOnce sync.Once
}

func (o *ioObserver) OnUncaughtError(lifecycle.Connection, error) {}

func (o *ioObserver) OnStateChange(c lifecycle.Connection, state lifecycle.State) {
	switch state {
	case lifecycle.StateResponseReceived:
		if conn, ok := c.(*Conn); ok {
			o.res.Complete(conn)
		}
	case lifecycle.StateConfigured, lifecycle.StateStreamConfigured:
		conn, ok := c.(*Conn)
		if !ok {
			return
		}
		o.dispatchOnce.Do(func() {
			o.log.Debug().Str("target", o.h.endpoint().String()).
				Str("method", o.h.currentMethod()).Msg("request handler is being applied")
			go o.dispatchAndRead(conn)
		})
	}
}
