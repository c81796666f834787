// Package lifecycle defines connection lifecycle states and the observer
// chain that broadcasts them. Observers compose by chaining instead of
// subclassing: independent concerns (redirect capture, user hooks, request
// issuance, completion signalling) each attach their own observer and all
// of them see every event in registration order.
package lifecycle

// State is a discrete point in a connection's lifetime.
type State int

const (
	StateInitialized State = iota
	StateConfigured
	StateStreamConfigured
	StateRequestPrepared
	StateResponseReceived
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateConfigured:
		return "configured"
	case StateStreamConfigured:
		return "stream-configured"
	case StateRequestPrepared:
		return "request-prepared"
	case StateResponseReceived:
		return "response-received"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Connection is the surface observers may act on. Observers must not tear a
// connection down directly; MarkNonPoolable and Dispose are the only
// teardown-adjacent operations and both are idempotent.
type Connection interface {
	// MarkNonPoolable excludes the connection from pool reuse.
	MarkNonPoolable()
	// Dispose releases the connection. Safe to call more than once.
	Dispose()
}

// Observer receives lifecycle transitions and uncaught errors for the
// connections of one acquisition.
type Observer interface {
	OnStateChange(conn Connection, state State)
	OnUncaughtError(conn Connection, err error)
}

// Funcs adapts plain functions to Observer. Nil fields are no-ops.
type Funcs struct {
	State func(conn Connection, state State)
	Error func(conn Connection, err error)
}

func (f Funcs) OnStateChange(conn Connection, state State) {
	if f.State != nil {
		f.State(conn, state)
	}
}

func (f Funcs) OnUncaughtError(conn Connection, err error) {
	if f.Error != nil {
		f.Error(conn, err)
	}
}

type nop struct{}

func (nop) OnStateChange(Connection, State)   {}
func (nop) OnUncaughtError(Connection, error) {}

// Nop is an observer that ignores everything.
var Nop Observer = nop{}

type chain []Observer

func (c chain) OnStateChange(conn Connection, state State) {
	for _, o := range c {
		o.OnStateChange(conn, state)
	}
}

func (c chain) OnUncaughtError(conn Connection, err error) {
	for _, o := range c {
		o.OnUncaughtError(conn, err)
	}
}

// Then composes two observers into one that forwards every event first to
// left, then to right. Nil and Nop members are dropped; nested chains are
// flattened so ordering stays the registration order.
func Then(left, right Observer) Observer {
	members := make(chain, 0, 4)
	members = appendObserver(members, left)
	members = appendObserver(members, right)
	switch len(members) {
	case 0:
		return Nop
	case 1:
		return members[0]
	}
	return members
}

// Chain composes any number of observers in order.
func Chain(observers ...Observer) Observer {
	members := make(chain, 0, len(observers))
	for _, o := range observers {
		members = appendObserver(members, o)
	}
	switch len(members) {
	case 0:
		return Nop
	case 1:
		return members[0]
	}
	return members
}

func appendObserver(dst chain, o Observer) chain {
	switch v := o.(type) {
	case nil:
		return dst
	case nop:
		return dst
	case chain:
		return append(dst, v...)
	}
	return append(dst, o)
}
