// Package conn models the per-peer Connection object from spec.md §3
// "Connection" and the WAIT_CONN gating state in §4.1: a target or
// initiator request that needs a not-yet-established connection parks
// itself on the connection's wait list and is resumed, in arrival order,
// once the connection reaches CONNECTED (or fails it, in which case every
// waiter is resumed with a failure so it can post NI_UNDELIVERABLE).
package conn

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/portals4-go/ptl4/internal/ptlcore"
)

// State is the connection lifecycle state.
type State uint8

const (
	StateDisconnected State = iota
	StateResolving
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "RESOLVING"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "DISCONNECTED"
	}
}

// Waiter is a request parked on a Connection's wait list. Implemented by
// target.Request and initiator.Request; conn never imports either,
// avoiding a cycle.
type Waiter interface {
	// ResumeConnected is called once the connection reaches CONNECTED.
	ResumeConnected()
	// ResumeFailed is called if the connection attempt fails instead,
	// carrying the failure code to post (typically NIUndeliverable).
	ResumeFailed(nifail ptlcore.NIFail)
}

// Dialer performs the actual transport-level connection establishment.
// transport.Transport satisfies this; kept minimal here to avoid conn
// depending on the transport package.
type Dialer interface {
	Dial(peer ptlcore.Identity) error
}

// Connection tracks one peer's link state and the requests blocked on it.
type Connection struct {
	mu    sync.Mutex
	peer  ptlcore.Identity
	state State
	wait  *list.List // of Waiter

	dialer Dialer
}

// New constructs a Connection in the DISCONNECTED state.
func New(peer ptlcore.Identity, dialer Dialer) *Connection {
	return &Connection{peer: peer, dialer: dialer, wait: list.New()}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EnsureConnected is the WAIT_CONN entry point: if already CONNECTED it
// returns true immediately; otherwise it parks w on the wait list (kicking
// off a dial if this is the first waiter) and returns false, meaning the
// caller must suspend until w.ResumeConnected/ResumeFailed fires.
func (c *Connection) EnsureConnected(w Waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected {
		return true
	}

	first := c.wait.Len() == 0 && c.state == StateDisconnected
	c.wait.PushBack(w)

	if first {
		c.state = StateConnecting
		go c.dial()
	}
	return false
}

func (c *Connection) dial() {
	err := c.dialer.Dial(c.peer)

	c.mu.Lock()
	waiters := make([]Waiter, 0, c.wait.Len())
	for el := c.wait.Front(); el != nil; el = el.Next() {
		if w, ok := el.Value.(Waiter); ok {
			waiters = append(waiters, w)
		}
	}
	c.wait.Init()

	if err != nil {
		c.state = StateDisconnected
	} else {
		c.state = StateConnected
	}
	c.mu.Unlock()

	for _, w := range waiters {
		if err != nil {
			w.ResumeFailed(ptlcore.NIUndeliverable)
		} else {
			w.ResumeConnected()
		}
	}
}

// Disconnect administratively tears down the connection, per spec.md §3's
// DISCONNECTING transition; any waiters queued in the interim are failed.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("conn: peer %+v not connected (state=%s)", c.peer, c.state)
	}
	c.state = StateDisconnecting
	c.mu.Unlock()

	c.mu.Lock()
	waiters := make([]Waiter, 0, c.wait.Len())
	for el := c.wait.Front(); el != nil; el = el.Next() {
		if w, ok := el.Value.(Waiter); ok {
			waiters = append(waiters, w)
		}
	}
	c.wait.Init()
	c.state = StateDisconnected
	c.mu.Unlock()

	for _, w := range waiters {
		w.ResumeFailed(ptlcore.NIUndeliverable)
	}
	return nil
}

// Table is a registry of Connections keyed by peer identity, one per NI.
type Table struct {
	mu     sync.Mutex
	byNID  map[uint32]*Connection
	dialer Dialer
}

func NewTable(dialer Dialer) *Table {
	return &Table{byNID: make(map[uint32]*Connection), dialer: dialer}
}

// Get returns the Connection for peer, creating it in DISCONNECTED state
// on first reference.
func (t *Table) Get(peer ptlcore.Identity) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byNID[peer.NID]
	if !ok {
		c = New(peer, t.dialer)
		t.byNID[peer.NID] = c
	}
	return c
}
