package rpc

import (
	"sync"
	"time"

	"github.com/boson-network/boson/record"
	"github.com/boson-network/boson/wire"
)

// State is an RpcCall's lifecycle state (spec §4.5): UNSENT → SENT →
// RESPONDED | TIMEOUT | ERROR | STALLED | CANCELED.
type State int

const (
	StateUnsent State = iota
	StateSent
	StateResponded
	StateTimeout
	StateError
	StateStalled
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateUnsent:
		return "UNSENT"
	case StateSent:
		return "SENT"
	case StateResponded:
		return "RESPONDED"
	case StateTimeout:
		return "TIMEOUT"
	case StateError:
		return "ERROR"
	case StateStalled:
		return "STALLED"
	case StateCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// Call is one outstanding RPC. Wait is safe to call from any goroutine
// because done is only ever closed after Response/Err are written, giving
// callers a happens-before guarantee. finish can race between the reactor,
// the timeout timer and a caller's Cancel, so the terminal transition is
// guarded by its own mutex; whichever path wins, exactly one terminal state
// is observed (spec §8 property 6).
type Call struct {
	Txn     uint32
	Dest    record.NodeInfo
	Request wire.Message

	mu      sync.Mutex
	state   State
	sentAt  time.Time
	timeout time.Duration
	timer   *time.Timer

	done     chan struct{}
	Response wire.Message
	Err      error
}

func newCall(txn uint32, dest record.NodeInfo, req wire.Message, timeout time.Duration) *Call {
	return &Call{
		Txn: txn, Dest: dest, Request: req,
		state: StateUnsent, timeout: timeout, done: make(chan struct{}),
	}
}

// State reports the call's current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// markSent stamps the send time and transitions UNSENT → SENT.
func (c *Call) markSent(at time.Time) {
	c.mu.Lock()
	c.sentAt = at
	c.state = StateSent
	c.mu.Unlock()
}

func (c *Call) sentTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentAt
}

// Wait blocks until the call completes (response, timeout, error, or
// cancellation) or done is closed externally, whichever happens first.
func (c *Call) Wait() (wire.Message, error) {
	<-c.done
	return c.Response, c.Err
}

// Done returns a channel closed when the call completes, for use in a
// select alongside a context's Done channel.
func (c *Call) Done() <-chan struct{} { return c.done }

// finish transitions the call to a terminal state, reporting whether this
// call actually made the transition (a call already terminal stays put, so
// at most one of RESPONDED/TIMEOUT/CANCELED/ERROR is ever observed).
func (c *Call) finish(state State, resp wire.Message, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSent && c.state != StateUnsent {
		return false
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.state = state
	c.Response = resp
	c.Err = err
	close(c.done)
	return true
}
