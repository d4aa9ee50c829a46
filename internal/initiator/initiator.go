// Package initiator implements the initiator-side request engine: the
// state machine that turns a PtlPut/PtlGet/PtlAtomic/PtlFetchAtomic/PtlSwap
// call into a wire request, waits for local send completion and a remote
// ack/reply, and posts the resulting events, per spec.md §4.2. Grounded
// structurally on internal/target (itself grounded on the teacher's
// internal/queue.Runner): the same tagged-State dispatch loop, re-entered
// from a completion callback or the progress thread rather than a
// coroutine.
package initiator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/portals4-go/ptl4/internal/conn"
	"github.com/portals4-go/ptl4/internal/iface"
	"github.com/portals4-go/ptl4/internal/msgbuf"
	"github.com/portals4-go/ptl4/internal/ptlcore"
	"github.com/portals4-go/ptl4/internal/transport"
	"github.com/portals4-go/ptl4/internal/wire"
)

// State is the initiator state machine's persistent state tag.
type State uint8

const (
	StateStart State = iota
	StatePrepReq
	StateWaitConn
	StateSendReq
	StateWaitComp
	StateEarlySendEvent
	StateWaitRecv
	StateDataIn
	StateLateSendEvent
	StateAckEvent
	StateReplyEvent
	StateCleanup
	stateDone
)

func (s State) String() string {
	names := [...]string{
		"START", "PREP_REQ", "WAIT_CONN", "SEND_REQ", "WAIT_COMP",
		"EARLY_SEND_EVENT", "WAIT_RECV", "DATA_IN", "LATE_SEND_EVENT",
		"ACK_EVENT", "REPLY_EVENT", "CLEANUP", "DONE",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// Op is the application-level operation that created a Request, carrying
// exactly the fields a PtlPut/PtlGet/PtlAtomic/PtlFetchAtomic/PtlSwap call
// supplies (see spec.md §2's operation list).
type Op struct {
	Operation wire.Operation
	Target    ptlcore.Identity
	PTIndex   uint32
	MatchBits uint64
	Length    uint64
	RemoteOffset uint64
	LocalOffset  uint64
	HdrData   uint64
	UID       uint32
	AckReq    wire.AckReq
	AtomType  ptlcore.DataType
	AtomOp    ptlcore.AtomOp
	Operand   uint64

	// Local buffers: Put/Atomic/Swap/Fetch read from Source; Get/Fetch/Swap
	// write their result into Dest. Either may be nil when unused by Operation.
	Source []byte // outbound payload (PUT/ATOMIC/FETCH/SWAP "put" side)
	Dest   []byte // inbound result buffer (GET/FETCH/SWAP)

	// MDCT/MDEQ are the initiating MD's counting event and event queue;
	// nil means events/counts are suppressed for this operation.
	MDCT ptlcore.CounterUpdater
	MDEQ ptlcore.EventPoster
	MDOptions ptlcore.Options

	UserPtr interface{}
}

// Deps are the NI-wide collaborators a Request needs.
type Deps struct {
	Self          ptlcore.Identity
	Conns         *conn.Table
	Transport     transport.Transport
	Logger        iface.Logger
	Observer      iface.Observer
	// SeqCounter is shared with the NI's target.Deps so every request,
	// target- or initiator-originated, draws from one monotonic sequence
	// (see msgbuf.Base.Seq).
	SeqCounter    *atomic.Uint64
	MaxInlineData int
}

// registry indexes in-flight requests by the transport tag used for their
// SEND_REQ, so a transport completion (matched send) can find its Request
// without a broadcast scan. The top bit of every tag here is set, the
// initiator-side complement of internal/target's clear-top-bit convention,
// so a shared completion dispatcher can route by tag alone.
type registry struct {
	mu      sync.Mutex
	byTag   map[uint64]*Request
}

func newRegistry() *registry { return &registry{byTag: make(map[uint64]*Request)} }

func (reg *registry) put(tag uint64, r *Request) {
	reg.mu.Lock()
	reg.byTag[tag] = r
	reg.mu.Unlock()
}

func (reg *registry) pop(tag uint64) *Request {
	reg.mu.Lock()
	r := reg.byTag[tag]
	delete(reg.byTag, tag)
	reg.mu.Unlock()
	return r
}

// Engine owns the tag registry shared by every Request an NI's initiator
// side creates; it is the Dispatcher-visible half of the initiator package.
type Engine struct {
	deps *Deps
	reg  *registry
}

// New constructs an Engine.
func New(deps *Deps) *Engine { return &Engine{deps: deps, reg: newRegistry()} }

// Submit starts a new initiator Request for op and runs it to its first
// suspension point or to completion. Safe to call from any application
// thread; per spec.md §5 this is itself a progress opportunity.
func (eng *Engine) Submit(op Op) *Request {
	r := &Request{deps: eng.deps, reg: eng.reg, op: op}
	r.Lock()
	r.run(StateStart)
	r.Unlock()
	return r
}

// DispatchCompletion routes a transport.Completion whose UserData tag was
// allocated by SendReq to the waiting Request.
func (eng *Engine) DispatchCompletion(c transport.Completion) {
	r := eng.reg.pop(c.UserData)
	if r == nil {
		return
	}
	r.Lock()
	r.NIFail = c.NIFail
	r.run(StateWaitComp)
	r.Unlock()
}

// DispatchResponse routes an inbound ack/reply payload to the waiting
// Request, keyed by the response header's Handle (the request's own
// Common1.Handle, echoed back by the target).
func (eng *Engine) DispatchResponse(peer ptlcore.Identity, payload []byte) {
	resp, err := wire.UnmarshalResponse(payload)
	if err != nil {
		if eng.deps.Logger != nil {
			eng.deps.Logger.Debugf("initiator: malformed response from %+v: %v", peer, err)
		}
		return
	}
	r := eng.reg.pop(responseTag(resp.H1.Handle))
	if r == nil {
		return
	}
	hdrSize := wire.ResponseSize(resp.H1.Operation)
	r.Lock()
	r.applyResponse(resp, payload[:hdrSize], payload[hdrSize:])
	r.run(StateWaitRecv)
	r.Unlock()
}

// responseTag derives the registry key a response is filed under from the
// request's own handle, distinct from the SEND_REQ completion tag so the
// two wait conditions (local send completed vs. remote response arrived)
// can be tracked independently in the same map.
func responseTag(handle uint32) uint64 {
	return (uint64(1) << 63) | uint64(1)<<62 | uint64(handle)
}

// Request is one in-flight initiator-side operation, the Go analogue of
// the Portals ct / originating MsgBuf.
type Request struct {
	msgbuf.Base

	deps *Deps
	reg  *registry
	op   Op

	state      State
	handle     uint32
	connection *conn.Connection
	sendTag    uint64

	respOp     wire.Operation
	respLength uint64
	respOffset uint64
	respInline []byte

	done chan struct{}
}

var _ conn.Waiter = (*Request)(nil)

func (r *Request) Lock()   { r.Mu.Lock() }
func (r *Request) Unlock() { r.Mu.Unlock() }

// Wait blocks until the Request reaches CLEANUP. Callers that want the
// re-entrant model of spec.md §5 instead of blocking should not call Wait
// and should instead rely on the application's own progress-loop thread to
// drive DispatchCompletion/DispatchResponse.
func (r *Request) Wait(ctx context.Context) {
	r.Mu.Lock()
	if r.done == nil {
		r.done = make(chan struct{})
		if r.state == stateDone {
			close(r.done)
		}
	}
	ch := r.done
	r.Mu.Unlock()
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

func (r *Request) run(start State) {
	state := start
	for {
		next, suspend := r.step(state)
		if suspend || next == stateDone {
			r.state = next
			if next == stateDone && r.done != nil {
				select {
				case <-r.done:
				default:
					close(r.done)
				}
			}
			return
		}
		state = next
	}
}

func (r *Request) step(s State) (State, bool) {
	switch s {
	case StateStart:
		return r.doStart()
	case StatePrepReq:
		return r.doPrepReq()
	case StateWaitConn:
		return r.doWaitConn()
	case StateSendReq:
		return r.doSendReq()
	case StateWaitComp:
		return r.doWaitComp()
	case StateEarlySendEvent:
		return r.doEarlySendEvent()
	case StateWaitRecv:
		return r.doWaitRecv()
	case StateDataIn:
		return r.doDataIn()
	case StateLateSendEvent:
		return r.doLateSendEvent()
	case StateAckEvent:
		return r.doAckEvent()
	case StateReplyEvent:
		return r.doReplyEvent()
	case StateCleanup:
		return r.doCleanup()
	default:
		return stateDone, false
	}
}

// --- START / PREP_REQ -----------------------------------------------------

var handleCounter uint32

func (r *Request) doStart() (State, bool) {
	r.handle = atomic.AddUint32(&handleCounter, 1)
	if r.deps.SeqCounter != nil {
		r.Seq = r.deps.SeqCounter.Add(1)
	}

	switch r.op.Operation {
	case wire.OpPut, wire.OpAtomic:
		if r.op.AckReq != wire.AckReqNone {
			r.EventMask |= msgbuf.MaskAck
		}
	case wire.OpGet, wire.OpFetch, wire.OpSwap:
		r.EventMask |= msgbuf.MaskReply
	}
	if r.op.MDEQ != nil && !r.op.MDOptions.Has(ptlcore.OptEventCommDisable) {
		r.EventMask |= msgbuf.MaskSend
	}
	if r.op.MDOptions.Has(ptlcore.OptEventCTComm) {
		r.EventMask |= msgbuf.MaskCTSend
	}

	r.connection = r.deps.Conns.Get(r.op.Target)
	return StatePrepReq, false
}

// expectsResponse reports whether this op's target will ever send back an
// ack or reply, i.e. whether WAIT_RECV is reachable at all.
func (r *Request) expectsResponse() bool {
	switch r.op.Operation {
	case wire.OpGet, wire.OpFetch, wire.OpSwap:
		return true
	case wire.OpPut, wire.OpAtomic:
		return r.op.AckReq != wire.AckReqNone
	default:
		return false
	}
}

func (r *Request) doPrepReq() (State, bool) {
	if r.connection.State() != conn.StateConnected {
		return StateWaitConn, false
	}
	return StateSendReq, false
}

// --- WAIT_CONN -------------------------------------------------------------

func (r *Request) doWaitConn() (State, bool) {
	if r.connection.EnsureConnected(r) {
		return StateSendReq, false
	}
	return StateWaitConn, true
}

// ResumeConnected implements conn.Waiter.
func (r *Request) ResumeConnected() {
	r.Mu.Lock()
	r.run(StateSendReq)
	r.Mu.Unlock()
}

// ResumeFailed implements conn.Waiter.
func (r *Request) ResumeFailed(nifail ptlcore.NIFail) {
	r.Mu.Lock()
	r.NIFail = nifail
	r.run(StateCleanup)
	r.Mu.Unlock()
}

// --- SEND_REQ / WAIT_COMP ---------------------------------------------------

func (r *Request) buildRequest() []byte {
	hdr := wire.Request{
		H1: wire.Common1{
			Version:   1,
			Operation: r.op.Operation,
			PktFmt:    wire.PktFmtReq,
			Handle:    r.handle,
		},
		H2: wire.Common2{
			AckReq:   r.op.AckReq,
			AtomType: uint8(r.op.AtomType),
			AtomOp:   uint8(r.op.AtomOp),
			DstNID:   r.op.Target.NID,
			DstPID:   r.op.Target.PID,
			SrcNID:   r.deps.Self.NID,
			SrcPID:   r.deps.Self.PID,
		},
		MatchBits: r.op.MatchBits,
		HdrData:   r.op.HdrData,
		Operand:   r.op.Operand,
		PTIndex:   r.op.PTIndex,
		UID:       r.op.UID,
		Length:    r.op.Length,
		Offset:    r.op.RemoteOffset,
	}
	buf := wire.MarshalRequest(&hdr)
	buf = append(buf, msgbuf.MarshalDescriptor(msgbuf.Descriptor{Inline: r.op.Source})...)
	return buf
}

func (r *Request) doSendReq() (State, bool) {
	payload := r.buildRequest()
	r.sendTag = nextTag()
	r.reg.put(r.sendTag, r)
	if r.expectsResponse() {
		r.reg.put(responseTag(r.handle), r)
	}
	if err := r.deps.Transport.Send(context.Background(), r.op.Target, payload, r.sendTag); err != nil {
		r.reg.pop(r.sendTag)
		r.reg.pop(responseTag(r.handle))
		r.NIFail = ptlcore.NIUndeliverable
		if r.deps.Logger != nil {
			r.deps.Logger.Debugf("initiator: seq=%d send of op %v to %+v failed: %v", r.Seq, r.op.Operation, r.op.Target, err)
		}
		return StateCleanup, false
	}
	return StateWaitComp, true
}

func (r *Request) doWaitComp() (State, bool) {
	if r.EventMask.Has(msgbuf.MaskSend) {
		return StateEarlySendEvent, false
	}
	return StateWaitRecv, false
}

func (r *Request) doEarlySendEvent() (State, bool) {
	r.postSendEvent()
	return StateWaitRecv, false
}

func (r *Request) postSendEvent() {
	if r.op.MDEQ != nil && r.EventMask.Has(msgbuf.MaskSend) {
		r.op.MDEQ.Post(ptlcore.EventSend, r.NIFail, r.op.Length, r.op.LocalOffset, nil, r.op.UserPtr, r.op.MatchBits, r.op.Target, r.op.RemoteOffset)
	}
	if r.op.MDCT != nil && r.EventMask.Has(msgbuf.MaskCTSend) {
		mode := ptlcore.CountEvents
		if r.op.MDOptions.Has(ptlcore.OptEventCTBytes) {
			mode = ptlcore.CountBytes
		}
		r.op.MDCT.Update(r.NIFail == ptlcore.NIOk, r.op.Length, mode)
	}
	r.EventMask &^= msgbuf.MaskSend | msgbuf.MaskCTSend
}

// --- WAIT_RECV / DATA_IN ----------------------------------------------------

func (r *Request) doWaitRecv() (State, bool) {
	if !r.expectsResponse() {
		return StateLateSendEvent, false
	}
	if r.respInline == nil && r.respLength == 0 && r.respOp == 0 {
		return StateWaitRecv, true
	}
	if len(r.respInline) > 0 && r.op.Dest != nil {
		return StateDataIn, false
	}
	if r.respOp == wire.OpReply {
		return StateReplyEvent, false
	}
	return StateAckEvent, false
}

// applyResponse is called by Engine.DispatchResponse with r.Mu held to
// stash the decoded response before re-entering the state machine.
func (r *Request) applyResponse(resp wire.Response, hdrBuf, descBuf []byte) {
	r.RecvHeader = append([]byte(nil), hdrBuf...)
	r.respOp = resp.H1.Operation
	r.respLength = resp.Length
	r.respOffset = resp.Offset
	r.NIFail = ptlcore.NIFail(resp.H1.NIFail)
	if desc, err := msgbuf.UnmarshalDescriptor(descBuf); err == nil {
		r.respInline = desc.Inline
	}
	if r.NIFail != ptlcore.NIOk && r.deps.Logger != nil {
		r.deps.Logger.Debugf("initiator: seq=%d op %v to %+v failed: ni_fail=%v (hdr=% x)",
			r.Seq, r.op.Operation, r.op.Target, r.NIFail, r.RecvHeader)
	}
}

func (r *Request) doDataIn() (State, bool) {
	n := len(r.respInline)
	if uint64(n) > r.respLength {
		n = int(r.respLength)
	}
	copy(r.op.Dest, r.respInline[:n])
	if r.respOp == wire.OpReply {
		return StateReplyEvent, false
	}
	return StateAckEvent, false
}

// --- LATE_SEND_EVENT / ACK_EVENT / REPLY_EVENT ------------------------------

func (r *Request) doLateSendEvent() (State, bool) {
	r.postSendEvent()
	return StateCleanup, false
}

func (r *Request) doAckEvent() (State, bool) {
	if r.op.MDEQ != nil && r.EventMask.Has(msgbuf.MaskAck) && !r.op.MDOptions.Has(ptlcore.OptEventCommDisable) {
		kind := ptlcore.EventAck
		r.op.MDEQ.Post(kind, r.NIFail, r.respLength, r.op.LocalOffset, nil, r.op.UserPtr, r.op.MatchBits, r.op.Target, r.respOffset)
	}
	if r.op.MDCT != nil && r.op.MDOptions.Has(ptlcore.OptEventCTComm) {
		mode := ptlcore.CountEvents
		if r.op.MDOptions.Has(ptlcore.OptEventCTBytes) {
			mode = ptlcore.CountBytes
		}
		r.op.MDCT.Update(r.NIFail == ptlcore.NIOk, r.respLength, mode)
	}
	return StateCleanup, false
}

func (r *Request) doReplyEvent() (State, bool) {
	if r.op.MDEQ != nil && !r.op.MDOptions.Has(ptlcore.OptEventCommDisable) {
		r.op.MDEQ.Post(ptlcore.EventReply, r.NIFail, r.respLength, r.op.LocalOffset, nil, r.op.UserPtr, r.op.MatchBits, r.op.Target, r.respOffset)
	}
	if r.op.MDCT != nil && r.op.MDOptions.Has(ptlcore.OptEventCTComm) {
		mode := ptlcore.CountEvents
		if r.op.MDOptions.Has(ptlcore.OptEventCTBytes) {
			mode = ptlcore.CountBytes
		}
		r.op.MDCT.Update(r.NIFail == ptlcore.NIOk, r.respLength, mode)
	}
	return StateCleanup, false
}

// --- CLEANUP -----------------------------------------------------------

func (r *Request) doCleanup() (State, bool) {
	r.reg.pop(r.sendTag)
	r.reg.pop(responseTag(r.handle))
	return stateDone, false
}

// tagCounter hands out transport user-data tags for initiator-originated
// sends. The top bit is always set, the complement of internal/target's
// nextTag, so a single completion dispatcher can route on the tag's top
// bit without a registry lookup on the hot path.
var tagCounter uint64

func nextTag() uint64 {
	return atomic.AddUint64(&tagCounter, 1) | (uint64(1) << 63)
}

// IsInitiatorTag reports whether a transport.Completion's UserData was
// allocated by this package.
func IsInitiatorTag(tag uint64) bool { return tag>>63 == 1 }
