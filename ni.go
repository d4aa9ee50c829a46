package ptl4

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/portals4-go/ptl4/internal/conn"
	"github.com/portals4-go/ptl4/internal/iface"
	"github.com/portals4-go/ptl4/internal/initiator"
	"github.com/portals4-go/ptl4/internal/logging"
	"github.com/portals4-go/ptl4/internal/ptlcore"
	"github.com/portals4-go/ptl4/internal/pt"
	"github.com/portals4-go/ptl4/internal/runtime"
	"github.com/portals4-go/ptl4/internal/target"
	"github.com/portals4-go/ptl4/internal/transport"
	"github.com/portals4-go/ptl4/internal/wire"
)

// NIOptions configures NIInit. IsLogical selects rank-based addressing
// over the default NID/PID addressing, per spec.md §3 "Network Interface".
type NIOptions struct {
	Self          ptlcore.Identity
	MaxPTIndex    int
	MaxMsgSize    uint64
	MaxAtomicSize uint64
	MaxInlineData int
	IsLogical     bool

	Transport transport.Transport
	Logger    iface.Logger
	Observer  iface.Observer
}

// DefaultNIOptions fills in every limit from internal/constants, leaving
// Self/Transport for the caller to supply.
func DefaultNIOptions() NIOptions {
	return NIOptions{
		MaxPTIndex:    DefaultMaxPTIndex,
		MaxMsgSize:    DefaultMaxMsgSize,
		MaxAtomicSize: DefaultMaxAtomicSize,
		MaxInlineData: DefaultMaxInlineData,
		Logger:        logging.Default(),
		Observer:      iface.NoOpObserver{},
	}
}

// NI is a Portals 4 Network Interface: the root object binding the PT
// table, connection table, and target/initiator engines to one transport
// endpoint. One NI serves one process's view of the fabric, per spec.md
// §3 "Network Interface (NI)".
type NI struct {
	self ptlcore.Identity

	pt    *pt.Table
	conns *conn.Table

	transport transport.Transport
	logger    iface.Logger
	observer  iface.Observer

	maxMsgSize    uint64
	maxAtomicSize uint64
	maxInlineData int
	isLogical     bool

	atomicMu sync.Mutex

	tgtDeps *target.Deps
	init    *initiator.Engine

	progress *runtime.ProgressLoop
}

var _ runtime.Dispatcher = (*NI)(nil)

// NIInit constructs an NI and wires its target/initiator engines. The
// caller is responsible for starting a progress loop (Run/RunOnce) on a
// goroutine of its choosing — NIInit never starts one implicitly, matching
// spec.md §5's "progress only happens when a thread runs it" rule.
func NIInit(opts NIOptions) (*NI, error) {
	if opts.Transport == nil {
		return nil, NewError("NIInit", ptlcore.NIUndeliverable, "no transport supplied")
	}
	if opts.MaxPTIndex <= 0 {
		opts.MaxPTIndex = DefaultMaxPTIndex
	}
	if opts.MaxMsgSize == 0 {
		opts.MaxMsgSize = DefaultMaxMsgSize
	}
	if opts.MaxAtomicSize == 0 {
		opts.MaxAtomicSize = DefaultMaxAtomicSize
	}
	if opts.MaxInlineData == 0 {
		opts.MaxInlineData = DefaultMaxInlineData
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Observer == nil {
		opts.Observer = iface.NoOpObserver{}
	}

	ni := &NI{
		self:          opts.Self,
		transport:     opts.Transport,
		logger:        opts.Logger,
		observer:      opts.Observer,
		maxMsgSize:    opts.MaxMsgSize,
		maxAtomicSize: opts.MaxAtomicSize,
		maxInlineData: opts.MaxInlineData,
		isLogical:     opts.IsLogical,
	}
	ni.pt = pt.NewTable(opts.MaxPTIndex, opts.Logger, opts.Observer)
	ni.conns = conn.NewTable(opts.Transport)

	// Shared so target- and initiator-originated requests draw from one
	// monotonic sequence for log correlation (see msgbuf.Base.Seq).
	seqCounter := &atomic.Uint64{}

	ni.tgtDeps = &target.Deps{
		Self:          opts.Self,
		PT:            ni.pt,
		Conns:         ni.conns,
		Transport:     opts.Transport,
		Logger:        opts.Logger,
		Observer:      opts.Observer,
		AtomicMu:      &ni.atomicMu,
		SeqCounter:    seqCounter,
		MaxMsgSize:    opts.MaxMsgSize,
		MaxAtomicSize: opts.MaxAtomicSize,
		MaxInlineData: opts.MaxInlineData,
		IsLogical:     opts.IsLogical,
	}
	ni.init = initiator.New(&initiator.Deps{
		Self:          opts.Self,
		Conns:         ni.conns,
		Transport:     opts.Transport,
		Logger:        opts.Logger,
		Observer:      opts.Observer,
		SeqCounter:    seqCounter,
		MaxInlineData: opts.MaxInlineData,
	})

	ni.progress = runtime.New(runtime.Config{
		Transport:   opts.Transport,
		Dispatcher:  ni,
		Logger:      opts.Logger,
		CPUAffinity: -1,
	})

	return ni, nil
}

// Self returns this NI's own identity.
func (ni *NI) Self() ptlcore.Identity { return ni.self }

// PTTable exposes the underlying Portals Table for PTAlloc/PTEnable/
// PTDisable (see le.go).
func (ni *NI) PTTable() *pt.Table { return ni.pt }

// Progress returns the ProgressLoop bound to this NI's transport, for the
// caller to Run in a dedicated goroutine or RunOnce inline per spec.md §5.
func (ni *NI) Progress() *runtime.ProgressLoop { return ni.progress }

// DispatchInbound implements runtime.Dispatcher: route an inbound wire
// message to the target engine (a new request) or the initiator engine
// (a response to one already in flight), keyed on the header's pkt_fmt.
func (ni *NI) DispatchInbound(peer ptlcore.Identity, payload []byte) {
	if len(payload) < 8 {
		return
	}
	h1 := wire.UnmarshalCommon1(payload[:8])
	if h1.PktFmt == wire.PktFmtReq {
		if err := target.HandleInbound(ni.tgtDeps, peer, payload); err != nil && ni.logger != nil {
			ni.logger.Debugf("ni: dropping malformed inbound request from %+v: %v", peer, err)
		}
		return
	}
	ni.init.DispatchResponse(peer, payload)
}

// DispatchCompletion implements runtime.Dispatcher, routing a transport
// completion to whichever engine allocated its tag (top bit set =
// initiator, clear = target; see initiator.IsInitiatorTag/target.IsTargetTag).
func (ni *NI) DispatchCompletion(c transport.Completion) {
	if initiator.IsInitiatorTag(c.UserData) {
		ni.init.DispatchCompletion(c)
	}
	// Target-side sends are fire-and-forget acks/replies; nothing waits
	// on their completion tag today (see internal/target's doSendAck/
	// doSendReply), so a clear-top-bit completion is simply dropped.
}

// Close releases the NI's transport.
func (ni *NI) Close() error {
	if ni.transport == nil {
		return nil
	}
	return ni.transport.Close()
}

// submitInitiator is a small helper shared by put_get.go's PtlPut/PtlGet/
// PtlAtomic/PtlFetchAtomic/PtlSwap: build and submit an initiator.Op, block
// for its outcome, and translate a non-NIOk result into a *ptl4.Error.
func (ni *NI) submitInitiator(ctx context.Context, op initiator.Op) (*initiator.Request, error) {
	req := ni.init.Submit(op)
	req.Wait(ctx)
	if req.NIFail != ptlcore.NIOk {
		return req, NewError(fmt.Sprintf("Ptl%s", op.Operation), req.NIFail, "operation completed with failure status")
	}
	return req, nil
}
