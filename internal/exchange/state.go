// state.go tracks the lifecycle of one WebSocket connection.
//
// DISCONNECTED → CONNECTING → CONNECTED → RECONNECTING → CONNECTED | FAILED
//
// Any socket error moves a connected stream to RECONNECTING. Five consecutive
// failed reconnection attempts move it to FAILED, which the data engine
// reports critically. A successful connect resets the failure counter.
package exchange

import (
	"fmt"
	"sync"
)

// ConnState is one state of the connection lifecycle.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

// maxConsecutiveFailures is how many reconnect attempts may fail in a row
// before the connection is declared FAILED.
const maxConsecutiveFailures = 5

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// ConnTracker is the thread-safe state holder for one connection.
type ConnTracker struct {
	mu       sync.Mutex
	state    ConnState
	failures int // consecutive failed connect attempts
}

// NewConnTracker starts in DISCONNECTED.
func NewConnTracker() *ConnTracker {
	return &ConnTracker{state: Disconnected}
}

// State returns the current state.
func (t *ConnTracker) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connecting marks a connect attempt in progress. First attempts move to
// CONNECTING, attempts after a drop move to RECONNECTING.
func (t *ConnTracker) Connecting() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Disconnected {
		t.state = Connecting
	} else {
		t.state = Reconnecting
	}
	return t.state
}

// Connected marks a successful connect and resets the failure streak.
func (t *ConnTracker) Connected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Connected
	t.failures = 0
}

// ConnectFailed records a failed connect attempt. After five consecutive
// failures the state becomes FAILED and the method reports true.
func (t *ConnTracker) ConnectFailed() (failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++
	if t.failures >= maxConsecutiveFailures {
		t.state = Failed
		return true
	}
	t.state = Reconnecting
	return false
}

// Dropped marks an established connection as lost.
func (t *ConnTracker) Dropped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Connected {
		t.state = Reconnecting
	}
}

// Failures returns the current consecutive-failure count.
func (t *ConnTracker) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}
