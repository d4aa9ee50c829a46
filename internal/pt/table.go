// Package pt implements the Portals Table: a fixed array of entries per NI,
// each with matching lists and flow-control state, per spec.md §3 "Portals
// Table (PT)" and §4.4 "Flow control". Grounded on the teacher's
// internal/ctrl.Controller: small, logged, lock-protected state transitions
// returning a structured error on failure.
package pt

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/portals4-go/ptl4/internal/iface"
	"github.com/portals4-go/ptl4/internal/ptlcore"
)

// State is the PT entry lifecycle state.
type State uint8

const (
	StateDisabled State = iota
	StateEnabled
	StateAutoDisabled
)

func (s State) String() string {
	switch s {
	case StateEnabled:
		return "ENABLED"
	case StateAutoDisabled:
		return "AUTO_DISABLED"
	default:
		return "DISABLED"
	}
}

// Entry is one Portals Table slot. Fields are exported because the target
// state machine manipulates the lists directly under Mu, the same way the
// original C target state machine holds the PT lock across a list walk.
type Entry struct {
	Mu sync.Mutex

	InUse    bool
	State    State
	FlowCtrl bool
	Index    uint32

	EQ ptlcore.EventPoster

	Priority   *list.List // of *ptlcore.Element
	Overflow   *list.List // of *ptlcore.Element
	Unexpected *list.List // of overflow.Waiter (stored as interface{} to avoid an import cycle)

	NumTgtActive int
}

func newEntry(index uint32) *Entry {
	return &Entry{
		Index:      index,
		Priority:   list.New(),
		Overflow:   list.New(),
		Unexpected: list.New(),
	}
}

// IncActive increments the in-flight target operation count. Must be
// called with Mu held, mirroring spec.md §3's invariant on num_tgt_active.
func (e *Entry) IncActive() { e.NumTgtActive++ }

// DecActive decrements the in-flight count and, if the PT was
// AUTO_DISABLED and the count has drained to zero, transitions it to
// DISABLED and reports that a PT_DISABLED event should be posted (exactly
// once) by the caller.
func (e *Entry) DecActive() (postDisabled bool) {
	e.NumTgtActive--
	if e.State == StateAutoDisabled && e.NumTgtActive == 0 {
		e.State = StateDisabled
		return true
	}
	return false
}

// AutoDisable transitions ENABLED -> AUTO_DISABLED on a first no-match,
// only when FlowCtrl is set. Must be called with Mu held.
func (e *Entry) AutoDisable() {
	if e.FlowCtrl && e.State == StateEnabled {
		e.State = StateAutoDisabled
	}
}

// Table is the fixed-size array of PT entries on an NI.
type Table struct {
	entries  []*Entry
	logger   iface.Logger
	observer iface.Observer
}

// NewTable allocates a Table with size slots, all initially not in use.
func NewTable(size int, logger iface.Logger, observer iface.Observer) *Table {
	t := &Table{entries: make([]*Entry, size), logger: logger, observer: observer}
	for i := range t.entries {
		t.entries[i] = newEntry(uint32(i))
	}
	return t
}

func (t *Table) Size() int { return len(t.entries) }

// Entry returns the entry at index, or nil if out of range. Callers must
// check InUse (and hold Mu) before touching it further.
func (t *Table) Entry(index uint32) *Entry {
	if int(index) >= len(t.entries) {
		return nil
	}
	return t.entries[index]
}

// Alloc marks an entry in use with an event queue and flow-control option,
// the PT equivalent of the teacher's Controller.AddDevice.
func (t *Table) Alloc(index uint32, eq ptlcore.EventPoster, flowCtrl bool) error {
	e := t.Entry(index)
	if e == nil {
		return fmt.Errorf("pt: index %d out of range [0,%d)", index, len(t.entries))
	}
	e.Mu.Lock()
	defer e.Mu.Unlock()
	if e.InUse {
		return fmt.Errorf("pt: index %d already in use", index)
	}
	e.InUse = true
	e.State = StateEnabled
	e.FlowCtrl = flowCtrl
	e.EQ = eq
	if t.logger != nil {
		t.logger.Debugf("pt: alloc index=%d flow_ctrl=%v", index, flowCtrl)
	}
	return nil
}

// Enable transitions a DISABLED entry back to ENABLED.
func (t *Table) Enable(index uint32) error {
	e := t.Entry(index)
	if e == nil || !e.InUse {
		return fmt.Errorf("pt: index %d not allocated", index)
	}
	e.Mu.Lock()
	defer e.Mu.Unlock()
	e.State = StateEnabled
	return nil
}

// Disable marks an entry DISABLED immediately (administrative disable,
// distinct from the AUTO_DISABLED flow-control path).
func (t *Table) Disable(index uint32) error {
	e := t.Entry(index)
	if e == nil || !e.InUse {
		return fmt.Errorf("pt: index %d not allocated", index)
	}
	e.Mu.Lock()
	defer e.Mu.Unlock()
	e.State = StateDisabled
	return nil
}

// Free releases an entry back to the unallocated pool. Caller must ensure
// NumTgtActive is zero and both lists are empty.
func (t *Table) Free(index uint32) error {
	e := t.Entry(index)
	if e == nil || !e.InUse {
		return fmt.Errorf("pt: index %d not allocated", index)
	}
	e.Mu.Lock()
	defer e.Mu.Unlock()
	e.InUse = false
	e.State = StateDisabled
	e.Priority.Init()
	e.Overflow.Init()
	e.Unexpected.Init()
	return nil
}
