// Package event implements the full event queue and counting event model
// from spec.md §3 "Event" and the §9 design note: event queue push is a
// bounded multi-producer/single-consumer queue; counting-event update is a
// single fetch-add on success or failure.
package event

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/portals4-go/ptl4/internal/iface"
	"github.com/portals4-go/ptl4/internal/ptlcore"
)

// Event is a full event as delivered to an application-visible EQ.
type Event struct {
	Kind         ptlcore.EventKind
	NIFail       ptlcore.NIFail
	Length       uint64
	Offset       uint64
	Start        []byte
	UserPtr      interface{}
	MatchBits    uint64
	Initiator    ptlcore.Identity
	RemoteOffset uint64
}

// ErrQueueEmpty is returned by Get when no event is pending.
var ErrQueueEmpty = fmt.Errorf("event: queue empty")

// ErrQueueFull describes a dropped event. Post itself returns nothing: when
// the bounded ring is saturated it counts the drop and returns without
// blocking, per the real Portals EQ_DROPPED semantics.
var ErrQueueFull = fmt.Errorf("event: queue full, event dropped")

// Queue is a bounded multi-producer/single-consumer ring of full events.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []Event
	head     int
	count    int
	dropped  uint64
	observer iface.Observer
}

// NewQueue allocates a Queue with room for capacity pending events.
func NewQueue(capacity int, observer iface.Observer) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{buf: make([]Event, capacity), observer: observer}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Post appends an event, implementing ptlcore.EventPoster. Overflow events
// and comm events both funnel through here.
func (q *Queue) Post(kind ptlcore.EventKind, nifail ptlcore.NIFail, length, offset uint64,
	startHint []byte, userPtr interface{}, matchBits uint64, initiator ptlcore.Identity, remoteOffset uint64) {

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.buf) {
		q.dropped++
		if q.observer != nil {
			q.observer.ObserveEventQueueDepth(q.count)
		}
		return
	}

	tail := (q.head + q.count) % len(q.buf)
	q.buf[tail] = Event{
		Kind: kind, NIFail: nifail, Length: length, Offset: offset,
		Start: startHint, UserPtr: userPtr, MatchBits: matchBits,
		Initiator: initiator, RemoteOffset: remoteOffset,
	}
	q.count++
	if q.observer != nil {
		q.observer.ObserveEventQueueDepth(q.count)
	}
	q.cond.Signal()
}

// Get pops the oldest pending event, non-blocking.
func (q *Queue) Get() (Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return Event{}, ErrQueueEmpty
	}
	ev := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return ev, nil
}

// Wait blocks until an event is available and pops it.
func (q *Queue) Wait() Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.count == 0 {
		q.cond.Wait()
	}
	ev := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return ev
}

// Dropped returns the number of events lost to a full queue (EQ_DROPPED).
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Depth returns the number of pending events.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Counter is a (success, failure) counting event pair, updated by a single
// atomic fetch-add per spec.md §9.
type Counter struct {
	success atomic.Uint64
	failure atomic.Uint64
}

// Update implements ptlcore.CounterUpdater. n is 1 for CountEvents mode or
// the transfer length for CountBytes mode.
func (c *Counter) Update(success bool, n uint64, mode ptlcore.CountingMode) {
	delta := uint64(1)
	if mode == ptlcore.CountBytes {
		delta = n
	}
	if success {
		c.success.Add(delta)
	} else {
		c.failure.Add(delta)
	}
}

// Get returns the current (success, failure) pair.
func (c *Counter) Get() (success, failure uint64) {
	return c.success.Load(), c.failure.Load()
}
