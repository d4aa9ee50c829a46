package ptl4

import (
	"github.com/portals4-go/ptl4/internal/event"
	"github.com/portals4-go/ptl4/internal/iface"
	"github.com/portals4-go/ptl4/internal/ptlcore"
)

// Event mirrors internal/event.Event, re-exported so callers never import
// the internal package directly.
type Event = event.Event

// EventKind re-exports the full-event kind tag.
type EventKind = ptlcore.EventKind

const (
	EventPut                  = ptlcore.EventPut
	EventGet                  = ptlcore.EventGet
	EventAtomic               = ptlcore.EventAtomic
	EventFetchAtomic          = ptlcore.EventFetchAtomic
	EventPutOverflow          = ptlcore.EventPutOverflow
	EventGetOverflow          = ptlcore.EventGetOverflow
	EventAtomicOverflow       = ptlcore.EventAtomicOverflow
	EventFetchAtomicOverflow  = ptlcore.EventFetchAtomicOverflow
	EventSend                 = ptlcore.EventSend
	EventAck                  = ptlcore.EventAck
	EventReply                = ptlcore.EventReply
	EventPTDisabled           = ptlcore.EventPTDisabled
	EventSearch               = ptlcore.EventSearch
)

// EQ is an event queue handle: the Portals PtlEQAlloc result. Callers pass
// it to LEAppend/MDBind so matched operations post full events here.
type EQ struct {
	q *event.Queue
}

// EQAlloc allocates an event queue with room for capacity pending events,
// per spec.md §3 "Event Queue (EQ)". Overflow (EQ_DROPPED) never blocks the
// producer; Dropped reports how many events have been lost.
func EQAlloc(capacity int, observer iface.Observer) *EQ {
	return &EQ{q: event.NewQueue(capacity, observer)}
}

// Wait blocks until an event is available and returns it.
func (e *EQ) Wait() Event { return e.q.Wait() }

// Get pops the oldest pending event without blocking, returning
// event.ErrQueueEmpty if none is pending.
func (e *EQ) Get() (Event, error) { return e.q.Get() }

// Dropped returns the count of events lost to a full queue.
func (e *EQ) Dropped() uint64 { return e.q.Dropped() }

// Depth returns the number of events currently pending.
func (e *EQ) Depth() int { return e.q.Depth() }

func (e *EQ) poster() ptlcore.EventPoster {
	if e == nil {
		return nil
	}
	return e.q
}

// CT is a counting event handle: the Portals PtlCTAlloc result.
type CT struct {
	c *event.Counter
}

// CTAlloc allocates a counting event, initialized to (0, 0).
func CTAlloc() *CT {
	return &CT{c: &event.Counter{}}
}

// Get returns the current (success, failure) counts.
func (c *CT) Get() (success, failure uint64) { return c.c.Get() }

func (c *CT) updater() ptlcore.CounterUpdater {
	if c == nil {
		return nil
	}
	return c.c
}
