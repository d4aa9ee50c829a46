package ptlcore

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// ListKind identifies which PT list an Element currently sits on.
type ListKind uint8

const (
	ListPriority ListKind = iota
	ListOverflow
)

func (k ListKind) String() string {
	if k == ListOverflow {
		return "overflow"
	}
	return "priority"
}

// CounterUpdater is the narrow interface an Element's counting event
// satisfies; defined here (rather than depending on package event) to keep
// ptlcore free of a dependency on the event package.
type CounterUpdater interface {
	Update(success bool, n uint64, mode CountingMode)
}

// EventPoster is the narrow interface an Element's event queue satisfies.
type EventPoster interface {
	Post(kind EventKind, nifail NIFail, length, offset uint64, startHint []byte, userPtr interface{}, matchBits uint64, initiator Identity, remoteOffset uint64)
}

// Element is a posted receive descriptor (an LE, or an ME when match/ignore
// bits are meaningful). See spec.md §3 "List Element (LE) / Matching ME".
type Element struct {
	mu sync.Mutex

	Iovec      []Iov
	Length     uint64
	Options    Options
	MatchBits  uint64
	IgnoreBits uint64
	Match      Identity
	UID        uint32
	MinFree    uint64
	UserPtr    interface{}

	CT CounterUpdater
	EQ EventPoster

	List ListKind
	node *list.Element // back-pointer into the PT list for O(1) unlink

	offset  uint64 // MANAGE_LOCAL running offset
	unlinked bool
	refs    int32
}

// Iov is one segment of an Element's local buffer.
type Iov struct {
	Base []byte
}

// NewElement constructs an Element with an initial reference held by the
// caller (the PT list entry itself).
func NewElement() *Element {
	return &Element{refs: 1}
}

// TotalLength is the sum of all iovec segment lengths (or Length itself for
// a flat, non-iovec element).
func (e *Element) TotalLength() uint64 {
	if len(e.Iovec) == 0 {
		return e.Length
	}
	var total uint64
	for _, iov := range e.Iovec {
		total += uint64(len(iov.Base))
	}
	return total
}

// Offset returns the current MANAGE_LOCAL cursor (0 for non-MANAGE_LOCAL
// elements, where the caller uses the header's offset instead).
func (e *Element) Offset() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}

// AdvanceOffset advances the MANAGE_LOCAL cursor by n bytes and reports the
// bytes of free space remaining after the advance.
func (e *Element) AdvanceOffset(n uint64) (remaining uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offset += n
	total := e.TotalLength()
	if e.offset >= total {
		return 0
	}
	return total - e.offset
}

// SetNode / Node give the PT list package a place to stash the
// container/list handle for O(1) removal without exposing list internals
// to callers outside this package's list-management helpers.
func (e *Element) SetNode(n *list.Element) { e.node = n }
func (e *Element) Node() *list.Element     { return e.node }

// Ref increments the reference count. See spec.md §5: MsgBuf/Element
// lifetimes are reference counted; destruction is deferred to zero.
func (e *Element) Ref() { atomic.AddInt32(&e.refs, 1) }

// Unref decrements the reference count and reports whether it reached zero.
func (e *Element) Unref() bool {
	return atomic.AddInt32(&e.refs, -1) == 0
}

// MarkUnlinked flags the element as logically removed from its list (so a
// concurrent late-match walk won't hand it out again) without requiring the
// final reference to have dropped yet.
func (e *Element) MarkUnlinked() {
	e.mu.Lock()
	e.unlinked = true
	e.mu.Unlock()
}

func (e *Element) IsUnlinked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unlinked
}
