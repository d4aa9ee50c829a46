// Package overflow implements the unexpected-request / late-append walk
// from spec.md §4.3 "Overflow handling": when a request matches nothing on
// the priority list but does match an overflow-list entry, it lands there
// and is parked on the unexpected list (a request that matches neither list
// is dropped, not parked); a subsequent LEAppend re-walks the parked
// requests and resumes the ones that now match, in arrival order.
package overflow

import (
	"container/list"

	"github.com/portals4-go/ptl4/internal/match"
	"github.com/portals4-go/ptl4/internal/ptlcore"
	"github.com/portals4-go/ptl4/internal/pt"
)

// Waiter is a parked, as-yet-unmatched request. target.Request implements
// this; overflow never imports the target package, avoiding a cycle.
type Waiter interface {
	// MatchRequest returns the matching fields to test against a
	// newly-appended Element.
	MatchRequest() match.Request
	// Resume is called once Walk has matched this waiter and the caller
	// has released the PT lock (see Walk). It must not block. Returns
	// false if the waiter has since been abandoned (e.g. the initiator
	// side already timed out/retried) and should be dropped without
	// consuming the element.
	Resume(e *ptlcore.Element) bool
}

// SearchResult is the snapshot of an already-parked request a search
// reports back, without resuming or consuming it (unless the search asked
// to delete it). Mirrors the fields a PTL_EVENT_PUT_OVERFLOW would carry.
type SearchResult struct {
	Length       uint64
	Offset       uint64
	MatchBits    uint64
	Initiator    ptlcore.Identity
	RemoteOffset uint64
}

// Searchable is implemented by a Waiter that can describe itself for a
// PtlLESearch/PtlMESearch hit without being resumed. target.Request
// implements this.
type Searchable interface {
	SearchSnapshot() SearchResult
}

// Search walks entry.Unexpected, in FIFO order, for the first waiter
// matching e, per spec.md §4.3's search path. Caller holds entry.Mu. If
// del is true, the matched waiter is also removed from entry.Unexpected
// (PTL_ME_SEARCH_DELETE); otherwise it is left in place for a later append
// or search to find. Unlike Walk, Search never calls Resume: a search
// never claims or mutates the matched request, it only reports on it.
func Search(entry *pt.Entry, e *ptlcore.Element, del bool) (SearchResult, bool) {
	for el := entry.Unexpected.Front(); el != nil; el = el.Next() {
		w, ok := el.Value.(Waiter)
		if !ok {
			continue
		}
		req := w.MatchRequest()
		if !match.CheckMatch(req, e) || match.CheckPerm(req, e) != match.PermOK {
			continue
		}
		sw, ok := w.(Searchable)
		if !ok {
			continue
		}
		if del {
			entry.Unexpected.Remove(el)
		}
		return sw.SearchSnapshot(), true
	}
	return SearchResult{}, false
}

// Park records a request that matched an overflow-list entry and found no
// priority-list match, appending it to entry.Unexpected. Caller holds
// entry.Mu.
func Park(entry *pt.Entry, w Waiter) *list.Element {
	return entry.Unexpected.PushBack(w)
}

// Forget removes a previously parked waiter, e.g. once its ME/LE list
// lookup completed through some other path. Caller holds entry.Mu.
func Forget(entry *pt.Entry, node *list.Element) {
	entry.Unexpected.Remove(node)
}

// Walk re-examines entry.Unexpected against a freshly appended Element, in
// FIFO (arrival) order, and returns the waiters matched, at most as many
// as e can satisfy. Caller holds entry.Mu and has already linked e onto
// the appropriate priority/overflow list.
//
// Walk only removes matched waiters from entry.Unexpected; it does not
// call Resume itself. A matched waiter's Resume can re-enter the target
// state machine, which may need entry.Mu (e.g. to forget its own parked
// node) — calling it while still holding entry.Mu here would self-deadlock
// against that same mutex. The caller must unlock entry.Mu first, then
// call Resume on each returned Waiter in order.
func Walk(entry *pt.Entry, e *ptlcore.Element) []Waiter {
	var matched []Waiter
	for el := entry.Unexpected.Front(); el != nil; {
		next := el.Next()
		w, ok := el.Value.(Waiter)
		if !ok {
			el = next
			continue
		}

		req := w.MatchRequest()
		if !match.CheckMatch(req, e) || match.CheckPerm(req, e) != match.PermOK {
			el = next
			continue
		}

		entry.Unexpected.Remove(el)
		matched = append(matched, w)

		if e.Options.Has(ptlcore.OptUseOnce) {
			break
		}
		if e.Options.Has(ptlcore.OptManageLocal) && e.Offset() >= e.TotalLength() {
			break
		}
		el = next
	}
	return matched
}
