// Package target implements the target-side request processing engine:
// the state machine that receives a Portals request, matches it, moves
// data, and issues a response, per spec.md §4.1. Grounded structurally on
// the teacher's internal/queue.Runner: a persistent per-unit state
// (TagState there, State here) driven by a dispatch loop that runs until
// the unit suspends, re-entered later by a progress thread or a
// completion callback — never a coroutine.
package target

import (
	"container/list"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/portals4-go/ptl4/internal/atomicop"
	"github.com/portals4-go/ptl4/internal/bufpool"
	"github.com/portals4-go/ptl4/internal/conn"
	"github.com/portals4-go/ptl4/internal/iface"
	"github.com/portals4-go/ptl4/internal/match"
	"github.com/portals4-go/ptl4/internal/msgbuf"
	"github.com/portals4-go/ptl4/internal/overflow"
	"github.com/portals4-go/ptl4/internal/pt"
	"github.com/portals4-go/ptl4/internal/ptlcore"
	"github.com/portals4-go/ptl4/internal/transport"
	"github.com/portals4-go/ptl4/internal/wire"
)

// State is the target state machine's persistent state tag (spec.md §9:
// "a single dispatch over a tagged state").
type State uint8

const (
	StateStart State = iota
	StateGetMatch
	StateGetLength
	StateWaitConn
	StateData
	StateDataOut
	StateWaitRDMADesc
	StateRDMA
	StateDataIn
	StateAtomicDataIn
	StateSwapDataIn
	StateCommEvent
	StateSendAck
	StateSendReply
	StateCleanup
	StateWaitAppend
	StateOverflowEvent
	StateCleanup2
	StateDrop
	StateError
	stateDone
)

func (s State) String() string {
	names := [...]string{
		"START", "GET_MATCH", "GET_LENGTH", "WAIT_CONN", "DATA", "DATA_OUT",
		"WAIT_RDMA_DESC", "RDMA", "DATA_IN", "ATOMIC_DATA_IN", "SWAP_DATA_IN",
		"COMM_EVENT", "SEND_ACK", "SEND_REPLY", "CLEANUP", "WAIT_APPEND",
		"OVERFLOW_EVENT", "CLEANUP_2", "DROP", "ERROR", "DONE",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// Deps are the NI-wide collaborators a Request needs; constructed once per
// NI and shared by every Request it creates.
type Deps struct {
	Self       ptlcore.Identity
	PT         *pt.Table
	Conns      *conn.Table
	Transport  transport.Transport
	Logger     iface.Logger
	Observer   iface.Observer
	AtomicMu   *sync.Mutex
	// SeqCounter is shared with the NI's initiator.Deps so every request,
	// target- or initiator-originated, draws from one monotonic sequence
	// (see msgbuf.Base.Seq).
	SeqCounter    *atomic.Uint64
	MaxMsgSize    uint64
	MaxAtomicSize uint64
	MaxInlineData int
	IsLogical     bool
}

// Request is one in-flight target-side operation: the Go analogue of the
// Portals xt / MsgBuf. Embeds msgbuf.Base for the shared cursor/event-mask
// machinery (see internal/msgbuf).
type Request struct {
	msgbuf.Base

	deps *Deps
	hdr  wire.Request
	peer ptlcore.Identity
	desc msgbuf.Descriptor

	state      State
	ptEntry    *pt.Entry
	connection *conn.Connection
	element    *ptlcore.Element

	isOverflowMatch bool
	unexpectedNode  *list.Element
	lateElement     *ptlcore.Element
	awaitingAppend  bool
}

var _ overflow.Waiter = (*Request)(nil)
var _ overflow.Searchable = (*Request)(nil)
var _ conn.Waiter = (*Request)(nil)

// HandleInbound is the progress-thread entry point for an inbound request
// message: parse the header, build a Request, and run it to its first
// suspension or to completion.
func HandleInbound(deps *Deps, peer ptlcore.Identity, payload []byte) error {
	if len(payload) < wire.RequestSize {
		return wire.ErrShortHeader
	}
	hdr, err := wire.UnmarshalRequest(payload[:wire.RequestSize])
	if err != nil {
		return err
	}
	desc, err := msgbuf.UnmarshalDescriptor(payload[wire.RequestSize:])
	if err != nil {
		return err
	}

	r := &Request{deps: deps, hdr: hdr, peer: peer, desc: desc}
	if deps.SeqCounter != nil {
		r.Seq = deps.SeqCounter.Add(1)
	}
	r.RecvHeader = append([]byte(nil), payload[:wire.RequestSize]...)
	r.Lock()
	defer r.Unlock()
	r.run(StateStart)
	return nil
}

func (r *Request) Lock()   { r.Mu.Lock() }
func (r *Request) Unlock() { r.Mu.Unlock() }

// run drives the state machine forward until it reaches a suspension
// point or DONE. Caller holds r.Mu.
func (r *Request) run(start State) {
	state := start
	for {
		next, suspend := r.step(state)
		if suspend || next == stateDone {
			r.state = next
			return
		}
		state = next
	}
}

func (r *Request) step(s State) (State, bool) {
	switch s {
	case StateStart:
		return r.doStart()
	case StateGetMatch:
		return r.doGetMatch()
	case StateGetLength:
		return r.doGetLength()
	case StateWaitConn:
		return r.doWaitConn()
	case StateData:
		return r.doData()
	case StateDataOut:
		return r.doDataOut()
	case StateWaitRDMADesc:
		return r.doWaitRDMADesc()
	case StateRDMA:
		return r.doRDMA()
	case StateDataIn:
		return r.doDataIn()
	case StateAtomicDataIn:
		return r.doAtomicDataIn()
	case StateSwapDataIn:
		return r.doSwapDataIn()
	case StateCommEvent:
		return r.doCommEvent()
	case StateSendAck:
		return r.doSendAck()
	case StateSendReply:
		return r.doSendReply()
	case StateCleanup:
		return r.doCleanup()
	case StateWaitAppend:
		return StateWaitAppend, true
	case StateOverflowEvent:
		return r.doOverflowEvent()
	case StateCleanup2:
		return r.doCleanup2()
	case StateDrop:
		return r.doDrop()
	case StateError:
		return r.doError()
	default:
		return stateDone, false
	}
}

// --- START ---------------------------------------------------------------

func (r *Request) doStart() (State, bool) {
	switch r.hdr.H1.Operation {
	case wire.OpPut, wire.OpAtomic:
		if wire.AckReq(r.hdr.H2.AckReq) != wire.AckReqNone {
			r.EventMask |= msgbuf.MaskAck
		}
	case wire.OpGet, wire.OpFetch, wire.OpSwap:
		// REPLY set unconditionally for response-bearing ops; see
		// spec.md §9's resolution of the REPLY-at-START open question.
		r.EventMask |= msgbuf.MaskReply
	}
	if r.EventMask.Has(msgbuf.MaskAck) || r.EventMask.Has(msgbuf.MaskReply) {
		r.RespBuf = make([]byte, 0, 64)
	}

	if int(r.hdr.PTIndex) >= r.deps.PT.Size() {
		r.logDrop("pt index %d out of range", r.hdr.PTIndex)
		r.NIFail = ptlcore.NIDropped
		return StateDrop, false
	}
	entry := r.deps.PT.Entry(r.hdr.PTIndex)
	if entry == nil || !entry.InUse {
		r.logDrop("pt index %d not allocated", r.hdr.PTIndex)
		r.NIFail = ptlcore.NIDropped
		return StateDrop, false
	}

	entry.Mu.Lock()
	if entry.State != pt.StateEnabled {
		entry.Mu.Unlock()
		r.logDrop("pt index %d not enabled (state=%v)", r.hdr.PTIndex, entry.State)
		r.NIFail = ptlcore.NIPTDisabled
		return StateDrop, false
	}
	entry.IncActive()
	entry.Mu.Unlock()

	r.ptEntry = entry
	r.connection = r.deps.Conns.Get(r.initiatorIdentity())
	return StateGetMatch, false
}

// logDrop emits a debug-level trace of a request being dropped, tagged by
// its sequence number and raw header for correlation with the initiator's
// own logs.
func (r *Request) logDrop(format string, args ...interface{}) {
	if r.deps.Logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	r.deps.Logger.Debugf("target: seq=%d dropping request (hdr=% x): %s", r.Seq, r.RecvHeader, msg)
}

func (r *Request) initiatorIdentity() ptlcore.Identity {
	return ptlcore.Identity{Rank: r.hdr.H2.SrcNID, NID: r.hdr.H2.SrcNID, PID: r.hdr.H2.SrcPID}
}

func (r *Request) matchRequestFields() match.Request {
	return match.Request{
		IsLogical: r.deps.IsLogical,
		SrcRank:   r.hdr.H2.SrcNID,
		SrcNID:    r.hdr.H2.SrcNID,
		SrcPID:    r.hdr.H2.SrcPID,
		UID:       r.hdr.UID,
		MatchBits: r.hdr.MatchBits,
		Length:    r.hdr.Length,
		Offset:    r.hdr.Offset,
		Op:        r.hdr.H1.Operation,
	}
}

// --- GET_MATCH -------------------------------------------------------------

func (r *Request) doGetMatch() (State, bool) {
	entry := r.ptEntry
	entry.Mu.Lock()

	req := r.matchRequestFields()
	var hit *list.Element
	var matchedList ptlcore.ListKind

	for el := entry.Priority.Front(); el != nil; el = el.Next() {
		e := el.Value.(*ptlcore.Element)
		if match.CheckMatch(req, e) {
			hit, matchedList = el, ptlcore.ListPriority
			break
		}
	}
	if hit == nil {
		for el := entry.Overflow.Front(); el != nil; el = el.Next() {
			e := el.Value.(*ptlcore.Element)
			if match.CheckMatch(req, e) {
				hit, matchedList = el, ptlcore.ListOverflow
				break
			}
		}
	}

	if hit == nil {
		entry.AutoDisable()
		disabled := entry.State == pt.StateAutoDisabled
		entry.Mu.Unlock()
		if r.deps.Observer != nil {
			r.deps.Observer.ObserveNoMatch()
			if disabled {
				r.deps.Observer.ObservePTAutoDisabled()
			}
		}
		if disabled {
			r.logDrop("pt index %d auto-disabled, no match", r.hdr.PTIndex)
			r.NIFail = ptlcore.NIPTDisabled
		} else {
			r.logDrop("no match on pt index %d", r.hdr.PTIndex)
			r.NIFail = ptlcore.NIDropped
		}
		return StateDrop, false
	}

	e := hit.Value.(*ptlcore.Element)
	if perm := match.CheckPerm(req, e); perm != match.PermOK {
		entry.Mu.Unlock()
		if perm == match.PermFailUID {
			r.logDrop("matched element on pt index %d rejected uid %d", r.hdr.PTIndex, req.UID)
			r.NIFail = ptlcore.NIPermViolation
		} else {
			r.logDrop("matched element on pt index %d doesn't permit op %v", r.hdr.PTIndex, req.Op)
			r.NIFail = ptlcore.NIOpViolation
		}
		return StateDrop, false
	}

	e.Ref()
	r.element = e
	if r.deps.Observer != nil {
		r.deps.Observer.ObserveMatch(matchedList.String())
	}

	if matchedList == ptlcore.ListOverflow {
		r.isOverflowMatch = true
		e.Ref()
		r.unexpectedNode = overflow.Park(entry, r)
	}
	entry.Mu.Unlock()

	r.EventMask |= elementEventMask(e)
	return StateGetLength, false
}

func elementEventMask(e *ptlcore.Element) msgbuf.EventMask {
	var m msgbuf.EventMask
	if !e.Options.Has(ptlcore.OptEventCommDisable) {
		m |= msgbuf.MaskComm
	}
	if e.Options.Has(ptlcore.OptEventCTComm) {
		m |= msgbuf.MaskCTComm
	}
	return m
}

// MatchRequest implements overflow.Waiter.
func (r *Request) MatchRequest() match.Request { return r.matchRequestFields() }

// SearchSnapshot implements overflow.Searchable: the fields a
// PtlLESearch/PtlMESearch hit reports for a request already parked on the
// overflow unexpected list, without resuming it.
func (r *Request) SearchSnapshot() overflow.SearchResult {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	return overflow.SearchResult{
		Length:       r.MLength,
		Offset:       r.MOffset,
		MatchBits:    r.hdr.MatchBits,
		Initiator:    r.peer,
		RemoteOffset: r.hdr.Offset,
	}
}

// Resume implements overflow.Waiter: called once a freshly appended
// element matches this parked request, after the caller has released the
// PT entry's lock (see overflow.Walk).
func (r *Request) Resume(e *ptlcore.Element) bool {
	r.Mu.Lock()
	if r.lateElement != nil {
		r.Mu.Unlock()
		return false
	}
	e.Ref()
	r.lateElement = e
	shouldResume := r.awaitingAppend
	r.Mu.Unlock()

	if shouldResume {
		r.Mu.Lock()
		r.run(StateOverflowEvent)
		r.Mu.Unlock()
	}
	return true
}

// --- GET_LENGTH ------------------------------------------------------------

func (r *Request) doGetLength() (State, bool) {
	e := r.element
	offset := r.hdr.Offset
	if e.Options.Has(ptlcore.OptManageLocal) {
		offset = e.Offset()
	}

	total := e.TotalLength()
	var length uint64
	if offset > total {
		length = 0
	} else {
		length = r.hdr.Length
		if avail := total - offset; length > avail {
			length = avail
		}
	}

	switch r.hdr.H1.Operation {
	case wire.OpAtomic, wire.OpFetch:
		if length > r.deps.MaxAtomicSize {
			length = r.deps.MaxAtomicSize
		}
	case wire.OpSwap:
		dtSize := uint64(ptlcore.DataType(r.hdr.H2.AtomType).Size())
		if length > dtSize {
			length = dtSize
		}
	default:
		if length > r.deps.MaxMsgSize {
			length = r.deps.MaxMsgSize
		}
	}

	r.MOffset = offset
	r.MLength = length

	switch r.hdr.H1.Operation {
	case wire.OpPut, wire.OpAtomic:
		r.PutResid = length
	case wire.OpGet:
		r.GetResid = length
	case wire.OpFetch, wire.OpSwap:
		r.PutResid = length
		r.GetResid = length
	}

	if e.Options.Has(ptlcore.OptManageLocal) {
		remaining := e.AdvanceOffset(length)
		if e.Options.Has(ptlcore.OptUseOnce) || remaining < e.MinFree {
			r.unlinkElement(e)
		}
	} else if e.Options.Has(ptlcore.OptUseOnce) {
		r.unlinkElement(e)
	}

	r.Local = buildCursor(e, offset)

	needsConn := r.EventMask.Has(msgbuf.MaskAck) || r.EventMask.Has(msgbuf.MaskReply) ||
		r.GetResid > uint64(r.deps.MaxInlineData) || r.PutResid > uint64(r.deps.MaxInlineData)
	if needsConn && r.connection.State() != conn.StateConnected {
		return StateWaitConn, false
	}
	return StateData, false
}

// buildCursor constructs a msgbuf.Cursor over e's iovec list, positioned
// at logical byte offset.
func buildCursor(e *ptlcore.Element, offset uint64) msgbuf.Cursor {
	iovs := make([]msgbuf.Iovec, len(e.Iovec))
	for i, iov := range e.Iovec {
		iovs[i] = msgbuf.Iovec{Base: iov.Base}
	}
	c := msgbuf.Cursor{Iovec: iovs}
	c.Seek(offset)
	return c
}

func (r *Request) unlinkElement(e *ptlcore.Element) {
	entry := r.ptEntry
	entry.Mu.Lock()
	if !e.IsUnlinked() {
		e.MarkUnlinked()
		if e.Node() != nil {
			entry.Priority.Remove(e.Node())
			entry.Overflow.Remove(e.Node())
		}
	}
	entry.Mu.Unlock()
}

// --- WAIT_CONN ---------------------------------------------------------

func (r *Request) doWaitConn() (State, bool) {
	if r.connection.EnsureConnected(r) {
		return StateData, false
	}
	return StateWaitConn, true
}

// ResumeConnected implements conn.Waiter.
func (r *Request) ResumeConnected() {
	r.Mu.Lock()
	r.run(StateData)
	r.Mu.Unlock()
}

// ResumeFailed implements conn.Waiter.
func (r *Request) ResumeFailed(nifail ptlcore.NIFail) {
	r.Mu.Lock()
	r.NIFail = nifail
	r.run(StateDrop)
	r.Mu.Unlock()
}

// --- DATA / DATA_OUT / DATA_IN -------------------------------------------

func (r *Request) isAtomicFamily() bool {
	switch r.hdr.H1.Operation {
	case wire.OpAtomic, wire.OpFetch, wire.OpSwap:
		return true
	default:
		return false
	}
}

func (r *Request) doData() (State, bool) {
	if r.isAtomicFamily() && !r.InAtomic {
		r.deps.AtomicMu.Lock()
		r.InAtomic = true
	}
	switch {
	case r.GetResid > 0:
		return StateDataOut, false
	case r.PutResid > 0:
		if r.hdr.H1.Operation == wire.OpAtomic {
			return StateAtomicDataIn, false
		}
		return StateDataIn, false
	default:
		return StateCommEvent, false
	}
}

func (r *Request) doDataOut() (State, bool) {
	out := bufpool.Get(int(r.GetResid))
	// Read through a copy so r.Local stays at moffset for the DATA_IN
	// variant that follows on FETCH/SWAP.
	c := r.Local
	c.CopyOut(out)
	r.RespBuf = out
	r.GetResid = 0

	if r.PutResid > 0 {
		switch r.hdr.H1.Operation {
		case wire.OpFetch:
			return StateAtomicDataIn, false
		case wire.OpSwap:
			if ptlcore.AtomOp(r.hdr.H2.AtomOp) == ptlcore.AtomSwap {
				return StateDataIn, false
			}
			return StateSwapDataIn, false
		default:
			return StateDataIn, false
		}
	}
	return StateCommEvent, false
}

func (r *Request) doWaitRDMADesc() (State, bool) {
	// Reference-transport simplification: the descriptor block always
	// travels inline (see msgbuf.Descriptor), so there is never an
	// out-of-band fetch to perform. No other state transitions here:
	// DATA_OUT and the DATA_IN variants move every payload inline.
	return StateRDMA, false
}

func (r *Request) doRDMA() (State, bool) {
	// Inline descriptor path already handled data movement in
	// DataOut/DataIn; a remote-descriptor transfer would drive
	// transport.RDMARead/RDMAWrite here against r.desc.Remote.
	return StateCommEvent, false
}

func (r *Request) doDataIn() (State, bool) {
	payload := r.desc.Inline
	if uint64(len(payload)) > r.PutResid {
		payload = payload[:r.PutResid]
	}
	r.Local.CopyIn(payload)
	r.PutResid = 0

	if r.InAtomic && r.hdr.H1.Operation == wire.OpSwap {
		r.deps.AtomicMu.Unlock()
		r.InAtomic = false
	}
	return StateCommEvent, false
}

func (r *Request) doAtomicDataIn() (State, bool) {
	dt := ptlcore.DataType(r.hdr.H2.AtomType)
	op := ptlcore.AtomOp(r.hdr.H2.AtomOp)

	dst := bufpool.Get(int(r.PutResid))
	c2 := r.Local
	r.Local.CopyOut(dst)

	payload := r.desc.Inline
	if uint64(len(payload)) > r.PutResid {
		payload = payload[:r.PutResid]
	}
	if err := atomicop.Apply(op, dt, dst, payload); err == nil {
		c2.CopyIn(dst)
	} else {
		r.NIFail = ptlcore.NIOpViolation
	}
	bufpool.Put(dst)
	r.PutResid = 0
	if r.deps.Observer != nil {
		r.deps.Observer.ObserveAtomicOp(op, dt)
	}

	if r.InAtomic {
		r.deps.AtomicMu.Unlock()
		r.InAtomic = false
	}
	return StateCommEvent, false
}

func (r *Request) doSwapDataIn() (State, bool) {
	dt := ptlcore.DataType(r.hdr.H2.AtomType)
	op := ptlcore.AtomOp(r.hdr.H2.AtomOp)
	size := dt.Size()

	dst := bufpool.Get(size)
	c2 := r.Local
	r.Local.CopyOut(dst)

	operandBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(operandBuf, r.hdr.Operand)
	operand := bufpool.Get(size)
	copy(operand, operandBuf)
	newVal := r.desc.Inline
	if len(newVal) > size {
		newVal = newVal[:size]
	}
	for len(newVal) < size {
		newVal = append(newVal, 0)
	}

	if _, err := atomicop.Swap(op, dt, dst, operand, newVal); err == nil {
		c2.CopyIn(dst)
	} else {
		r.NIFail = ptlcore.NIOpViolation
	}
	bufpool.Put(dst)
	bufpool.Put(operand)
	r.PutResid = 0
	if r.deps.Observer != nil {
		r.deps.Observer.ObserveAtomicOp(op, dt)
	}

	if r.InAtomic {
		r.deps.AtomicMu.Unlock()
		r.InAtomic = false
	}
	return StateCommEvent, false
}

// --- COMM_EVENT / SEND_* --------------------------------------------------

func (r *Request) doCommEvent() (State, bool) {
	e := r.element
	if r.NIFail != ptlcore.NIOk && r.deps.Logger != nil {
		r.deps.Logger.Debugf("target: seq=%d op %v from %+v completed with ni_fail=%v (hdr=% x)",
			r.Seq, r.hdr.H1.Operation, r.peer, r.NIFail, r.RecvHeader)
	}
	if r.EventMask.Has(msgbuf.MaskComm) {
		if e.EQ != nil {
			kind := ptlcore.BaseKindFor(r.hdr.H1.Operation)
			start := buildCursor(e, r.MOffset)
			e.EQ.Post(kind, r.NIFail, r.MLength, r.MOffset, start.Addr(), e.UserPtr, r.hdr.MatchBits, r.peer, r.hdr.Offset)
		}
	}
	if r.EventMask.Has(msgbuf.MaskCTComm) && e.CT != nil {
		mode := ptlcore.CountEvents
		if e.Options.Has(ptlcore.OptEventCTBytes) {
			mode = ptlcore.CountBytes
		}
		e.CT.Update(r.NIFail == ptlcore.NIOk, r.MLength, mode)
	}

	switch {
	case r.EventMask.Has(msgbuf.MaskReply):
		return StateSendReply, false
	case r.EventMask.Has(msgbuf.MaskAck):
		return StateSendAck, false
	default:
		return StateCleanup, false
	}
}

func (r *Request) buildResponse(op wire.Operation) []byte {
	resp := wire.Response{
		H1: wire.Common1{
			Version:      1,
			Operation:    op,
			NIFail:       uint8(r.NIFail),
			PktFmt:       wire.PktFmtAck,
			MatchingList: overflowTag(r.isOverflowMatch),
			Handle:       r.hdr.H1.Handle,
		},
		Length: r.MLength,
		Offset: r.MOffset,
	}
	if op == wire.OpReply {
		resp.H1.PktFmt = wire.PktFmtReply
	}
	buf := wire.MarshalResponse(&resp)
	buf = append(buf, msgbuf.MarshalDescriptor(msgbuf.Descriptor{Inline: r.RespBuf})...)
	return buf
}

func overflowTag(isOverflow bool) wire.MatchingList {
	if isOverflow {
		return wire.MatchListOverflow
	}
	return wire.MatchListPriority
}

func (r *Request) doSendAck() (State, bool) {
	op := wire.OpAck
	switch wire.AckReq(r.hdr.H2.AckReq) {
	case wire.AckReqCT:
		op = wire.OpCTAck
	case wire.AckReqOC:
		op = wire.OpOCAck
	}
	if r.element != nil && r.element.Options.Has(ptlcore.OptAckDisable) {
		op = wire.OpNoAck
	}
	payload := r.buildResponse(op)

	r.releasePriorityRef()

	_ = r.deps.Transport.Send(context.Background(), r.peer, payload, nextTag())
	return StateCleanup, false
}

func (r *Request) doSendReply() (State, bool) {
	payload := r.buildResponse(wire.OpReply)
	r.releasePriorityRef()
	_ = r.deps.Transport.Send(context.Background(), r.peer, payload, nextTag())
	return StateCleanup, false
}

// releasePriorityRef drops the matched element's reference immediately for
// a priority-list match (the reply needs no further access); overflow
// matches stay pinned through OVERFLOW_EVENT/CLEANUP_2.
func (r *Request) releasePriorityRef() {
	if !r.isOverflowMatch && r.element != nil {
		r.element.Unref()
	}
}

// --- CLEANUP / WAIT_APPEND / OVERFLOW_EVENT / CLEANUP_2 -------------------

func (r *Request) doCleanup() (State, bool) {
	if r.RespBuf != nil {
		bufpool.Put(r.RespBuf)
		r.RespBuf = nil
	}

	// An early drop that still owes an ack/reply arrives here before any
	// PT entry was taken, so there is no active count to release.
	entry := r.ptEntry
	postDisabled := false
	if entry != nil {
		entry.Mu.Lock()
		postDisabled = entry.DecActive()
		entry.Mu.Unlock()
	}
	if postDisabled {
		if r.deps.Observer != nil {
			r.deps.Observer.ObservePTDisabled()
		}
		if entry.EQ != nil {
			entry.EQ.Post(ptlcore.EventPTDisabled, ptlcore.NIOk, 0, 0, nil, nil, 0, ptlcore.Identity{}, 0)
		}
	}

	if !r.isOverflowMatch {
		return StateCleanup2, false
	}
	if r.lateElement != nil {
		return StateOverflowEvent, false
	}
	r.awaitingAppend = true
	return StateWaitAppend, true
}

func (r *Request) doOverflowEvent() (State, bool) {
	le := r.lateElement
	if le != nil {
		kind := ptlcore.OverflowKindFor(r.hdr.H1.Operation)
		if le.EQ != nil {
			start := buildCursor(r.element, r.MOffset)
			le.EQ.Post(kind, r.NIFail, r.MLength, r.MOffset, start.Addr(), le.UserPtr, r.hdr.MatchBits, r.peer, r.hdr.Offset)
		}
		if le.CT != nil && le.Options.Has(ptlcore.OptEventCTOverflow) {
			mode := ptlcore.CountEvents
			if le.Options.Has(ptlcore.OptEventCTBytes) {
				mode = ptlcore.CountBytes
			}
			le.CT.Update(r.NIFail == ptlcore.NIOk, r.MLength, mode)
		}
		le.Unref()
	}
	if r.unexpectedNode != nil {
		r.ptEntry.Mu.Lock()
		overflow.Forget(r.ptEntry, r.unexpectedNode)
		r.ptEntry.Mu.Unlock()
		r.unexpectedNode = nil
	}
	return StateCleanup2, false
}

func (r *Request) doCleanup2() (State, bool) {
	if r.element != nil {
		r.element.Unref()
		r.element = nil
	}
	return stateDone, false
}

// --- DROP / ERROR ----------------------------------------------------------

func (r *Request) doDrop() (State, bool) {
	if r.EventMask.Has(msgbuf.MaskReply) {
		return StateSendReply, false
	}
	if r.EventMask.Has(msgbuf.MaskAck) {
		return StateSendAck, false
	}
	if r.ptEntry != nil {
		return StateCleanup, false
	}
	return stateDone, false
}

func (r *Request) doError() (State, bool) {
	if r.InAtomic {
		r.deps.AtomicMu.Unlock()
		r.InAtomic = false
	}
	return StateCleanup, false
}

// tagCounter hands out transport user-data tags for target-originated
// sends. The top bit is reserved clear, mirroring the teacher's
// udOpFetch/udOpCommit high-bit tagging convention in
// internal/queue/runner.go, so a shared completion dispatcher can route a
// completion to either this package or internal/initiator by the tag's
// top bit without a lookup.
var tagCounter uint64

func nextTag() uint64 {
	return atomic.AddUint64(&tagCounter, 1) &^ (uint64(1) << 63)
}

// IsTargetTag reports whether a transport.Completion's UserData was
// allocated by this package.
func IsTargetTag(tag uint64) bool { return tag>>63 == 0 }
