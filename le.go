package ptl4

import (
	"container/list"
	"fmt"

	"github.com/portals4-go/ptl4/internal/overflow"
	"github.com/portals4-go/ptl4/internal/ptlcore"
	"github.com/portals4-go/ptl4/internal/pt"
)

// LE is a posted list/match entry handle: the result of LEAppend. A plain
// LE that matches everything sets IgnoreBits to ^0; with the zero value it
// matches only requests whose match bits equal MatchBits. Set MatchBits/
// IgnoreBits on LEAppendOptions for an ME.
type LE struct {
	elem  *ptlcore.Element
	entry *pt.Entry
}

// LEAppendOptions describes one posted LE/ME.
type LEAppendOptions struct {
	Iovec      [][]byte
	Options    Options
	MatchBits  uint64
	IgnoreBits uint64 // ^0 for a plain (non-matching) LE
	Match      Identity
	UID        uint32 // IDAny to accept any uid
	EQ         *EQ
	CT         *CT
	UserPtr    interface{}
	Overflow   bool // true posts to the overflow list instead of priority
}

// LEAppend posts a new LE/ME onto ptIndex's priority or overflow list, per
// spec.md §3 "List Element (LE) / Matching ME". If any request is currently
// parked waiting for a late match (spec.md §4.3), it is resumed
// immediately in arrival order.
func LEAppend(ni *NI, ptIndex uint32, opts LEAppendOptions) (*LE, error) {
	entry := ni.pt.Entry(ptIndex)
	if entry == nil || !entry.InUse {
		return nil, NewPTError("LEAppend", ptIndex, NIPTDisabled, "pt index not allocated")
	}

	e := ptlcore.NewElement()
	e.Options = opts.Options
	e.MatchBits = opts.MatchBits
	e.IgnoreBits = opts.IgnoreBits
	e.Match = opts.Match
	e.UID = opts.UID
	e.UserPtr = opts.UserPtr
	e.EQ = opts.EQ.poster()
	e.CT = opts.CT.updater()
	for _, seg := range opts.Iovec {
		e.Iovec = append(e.Iovec, ptlcore.Iov{Base: seg})
	}

	entry.Mu.Lock()
	if opts.Overflow {
		e.List = ptlcore.ListOverflow
		e.SetNode(entry.Overflow.PushBack(e))
	} else {
		e.List = ptlcore.ListPriority
		e.SetNode(entry.Priority.PushBack(e))
	}
	waiters := overflow.Walk(entry, e)
	entry.Mu.Unlock()

	// Resume outside entry.Mu: a waiter's Resume can re-enter the target
	// state machine, which may itself need entry.Mu (see overflow.Walk).
	for _, w := range waiters {
		w.Resume(e)
	}

	return &LE{elem: e, entry: entry}, nil
}

// LESearchOptions describes a one-shot, non-persistent search against a
// PT's overflow unexpected list: PtlLESearch/PtlMESearch (spec.md §4.3's
// search path). Unlike LEAppend, a search is never linked onto the
// priority or overflow list.
type LESearchOptions struct {
	MatchBits  uint64
	IgnoreBits uint64 // ^0 for a plain (non-matching) search
	Match      Identity
	UID        uint32 // IDAny to accept any uid
	EQ         *EQ
	UserPtr    interface{}
	// Delete requests PTL_ME_SEARCH_DELETE: the matched unexpected entry
	// (if any) is removed so a later append/search can't find it again.
	// Otherwise the entry is left in place (PTL_ME_SEARCH_ONLY).
	Delete bool
}

// LESearch implements PtlLESearch/PtlMESearch: walks ptIndex's unexpected
// list for the first request already parked there that matches the given
// bits, and posts one PTL_EVENT_SEARCH on opts.EQ describing the hit
// (NI_OK, with the matched put's length/offset/initiator) — or, if
// nothing matches, PTL_EVENT_SEARCH with NI_UNDELIVERABLE.
func LESearch(ni *NI, ptIndex uint32, opts LESearchOptions) error {
	entry := ni.pt.Entry(ptIndex)
	if entry == nil || !entry.InUse {
		return NewPTError("LESearch", ptIndex, NIPTDisabled, "pt index not allocated")
	}

	e := ptlcore.NewElement()
	e.MatchBits = opts.MatchBits
	e.IgnoreBits = opts.IgnoreBits
	e.Match = opts.Match
	e.UID = opts.UID
	e.Options = OptOpPut | OptOpGet

	entry.Mu.Lock()
	hit, found := overflow.Search(entry, e, opts.Delete)
	entry.Mu.Unlock()

	poster := opts.EQ.poster()
	if poster == nil {
		return nil
	}
	if !found {
		poster.Post(EventSearch, NIUndeliverable, 0, 0, nil, opts.UserPtr, opts.MatchBits, Identity{}, 0)
		return nil
	}
	poster.Post(EventSearch, NIOk, hit.Length, hit.Offset, nil, opts.UserPtr, hit.MatchBits, hit.Initiator, hit.RemoteOffset)
	return nil
}

// LEUnlink removes le from its list, per PtlLEUnlink/PtlMEUnlink. Returns
// an error if le has already been unlinked (e.g. by OptUseOnce
// auto-unlink after a matching operation completed).
func LEUnlink(le *LE) error {
	le.entry.Mu.Lock()
	defer le.entry.Mu.Unlock()

	if le.elem.IsUnlinked() {
		return fmt.Errorf("ptl4: LE already unlinked")
	}
	le.elem.MarkUnlinked()

	var l *list.List
	if le.elem.List == ptlcore.ListOverflow {
		l = le.entry.Overflow
	} else {
		l = le.entry.Priority
	}
	if node := le.elem.Node(); node != nil {
		l.Remove(node)
	}
	return nil
}

// PTAlloc allocates PT index ptIndex with the given event queue and
// flow-control option, per PtlPTAlloc (spec.md §4.4).
func PTAlloc(ni *NI, ptIndex uint32, eq *EQ, flowCtrl bool) error {
	return ni.pt.Alloc(ptIndex, eq.poster(), flowCtrl)
}

// PTEnable re-enables a DISABLED PT entry, per PtlPTEnable.
func PTEnable(ni *NI, ptIndex uint32) error { return ni.pt.Enable(ptIndex) }

// PTDisable administratively disables a PT entry, per PtlPTDisable.
func PTDisable(ni *NI, ptIndex uint32) error { return ni.pt.Disable(ptIndex) }

// PTFree releases a PT entry back to the unallocated pool, per PtlPTFree.
func PTFree(ni *NI, ptIndex uint32) error { return ni.pt.Free(ptIndex) }
