// Package match implements the Portals matching rules: check_match and
// check_perm from spec.md §4.1, applied while walking a PT's priority and
// overflow lists. Pure functions, no locking — callers hold the PT lock.
package match

import (
	"github.com/portals4-go/ptl4/internal/ptlcore"
	"github.com/portals4-go/ptl4/internal/wire"
)

// Request is the subset of a parsed request header that matching needs.
type Request struct {
	IsLogical bool
	SrcRank   uint32
	SrcNID    uint32
	SrcPID    uint32
	UID       uint32
	MatchBits uint64
	Length    uint64
	Offset    uint64
	Op        wire.Operation
}

// CheckMatch applies the identity, match-bits, and (optionally) no-truncate
// rules. Does not consider permissions — see CheckPerm.
func CheckMatch(req Request, e *ptlcore.Element) bool {
	if !checkIdentity(req, e) {
		return false
	}

	if e.Options.Has(ptlcore.OptNoTruncate) {
		offset := req.Offset
		if e.Options.Has(ptlcore.OptManageLocal) {
			offset = e.Offset()
		}
		if offset+req.Length > e.TotalLength() {
			return false
		}
	}

	return (req.MatchBits | e.IgnoreBits) == (e.MatchBits | e.IgnoreBits)
}

func checkIdentity(req Request, e *ptlcore.Element) bool {
	if req.IsLogical {
		return e.Match.Rank == ptlcore.AnyID || e.Match.Rank == req.SrcRank
	}
	nidOK := e.Match.NID == ptlcore.AnyID || e.Match.NID == req.SrcNID
	pidOK := e.Match.PID == ptlcore.AnyID || e.Match.PID == req.SrcPID
	return nidOK && pidOK
}

// PermFailure identifies which check_perm rule rejected a request, so a
// caller can pick the NIFail code that matches the rule that actually
// failed rather than guessing from the requested operation.
type PermFailure int

const (
	// PermOK means check_perm passed.
	PermOK PermFailure = iota
	// PermFailUID means the element's uid filter rejected req's uid.
	PermFailUID
	// PermFailOp means the element's PTL_ME_OP_PUT/PTL_ME_OP_GET options
	// don't permit req's operation.
	PermFailOp
)

// CheckPerm applies the uid filter and the operation-vs-allowed-options
// check from spec.md §4.1 "check_perm", reporting which rule rejected the
// request (if any).
func CheckPerm(req Request, e *ptlcore.Element) PermFailure {
	if e.UID != ptlcore.AnyID && e.UID != req.UID {
		return PermFailUID
	}

	var allowed bool
	switch req.Op {
	case wire.OpPut, wire.OpAtomic:
		allowed = e.Options.Has(ptlcore.OptOpPut)
	case wire.OpGet:
		allowed = e.Options.Has(ptlcore.OptOpGet)
	case wire.OpFetch, wire.OpSwap:
		allowed = e.Options.Has(ptlcore.OptOpPut) && e.Options.Has(ptlcore.OptOpGet)
	}
	if !allowed {
		return PermFailOp
	}
	return PermOK
}
