package ptl4

import (
	"context"

	"github.com/portals4-go/ptl4/internal/initiator"
	"github.com/portals4-go/ptl4/internal/wire"
)

// PutOptions describes one PtlPut call (spec.md §2).
type PutOptions struct {
	Target       Identity
	PTIndex      uint32
	MatchBits    uint64
	RemoteOffset uint64
	HdrData      uint64
	UserPtr      interface{}
	AckRequest   AckRequest
}

// AckRequest selects the response an initiator operation asks for, per
// spec.md §4.2 and the wire ack_req field.
type AckRequest uint8

const (
	AckNone AckRequest = iota
	AckFull
	AckCounting
	AckOverwriteContent
)

func (a AckRequest) wire() wire.AckReq {
	switch a {
	case AckFull:
		return wire.AckReqAck
	case AckCounting:
		return wire.AckReqCT
	case AckOverwriteContent:
		return wire.AckReqOC
	default:
		return wire.AckReqNone
	}
}

// PtlPut performs a one-sided put of md's buffer into the matching LE/ME at
// target:ptIndex. Blocks until the local send and (if requested) the
// remote ack complete.
func PtlPut(ctx context.Context, ni *NI, md *MD, opts PutOptions) error {
	_, err := ni.submitInitiator(ctx, initiator.Op{
		Operation:    wire.OpPut,
		Target:       opts.Target,
		PTIndex:      opts.PTIndex,
		MatchBits:    opts.MatchBits,
		Length:       md.Length,
		RemoteOffset: opts.RemoteOffset,
		HdrData:      opts.HdrData,
		AckReq:       opts.AckRequest.wire(),
		Source:       md.Start,
		MDCT:         md.CT.updater(),
		MDEQ:         md.EQ.poster(),
		MDOptions:    md.Options,
		UserPtr:      opts.UserPtr,
	})
	return err
}

// GetOptions describes one PtlGet call.
type GetOptions struct {
	Target       Identity
	PTIndex      uint32
	MatchBits    uint64
	RemoteOffset uint64
	UserPtr      interface{}
}

// PtlGet fetches from the matching LE/ME at target:ptIndex into md's
// buffer. Blocks until the reply's data has landed in md.Start.
func PtlGet(ctx context.Context, ni *NI, md *MD, opts GetOptions) error {
	_, err := ni.submitInitiator(ctx, initiator.Op{
		Operation:    wire.OpGet,
		Target:       opts.Target,
		PTIndex:      opts.PTIndex,
		MatchBits:    opts.MatchBits,
		Length:       md.Length,
		RemoteOffset: opts.RemoteOffset,
		Dest:         md.Start,
		MDCT:         md.CT.updater(),
		MDEQ:         md.EQ.poster(),
		MDOptions:    md.Options,
		UserPtr:      opts.UserPtr,
	})
	return err
}

// AtomicOptions describes one PtlAtomic call.
type AtomicOptions struct {
	Target       Identity
	PTIndex      uint32
	MatchBits    uint64
	RemoteOffset uint64
	HdrData      uint64
	AtomType     DataType
	AtomOp       AtomOp
	UserPtr      interface{}
	AckRequest   AckRequest
}

// PtlAtomic applies an elementwise operation between md's buffer and the
// matched LE/ME's data at the target, per spec.md §4.1's atomic table.
func PtlAtomic(ctx context.Context, ni *NI, md *MD, opts AtomicOptions) error {
	_, err := ni.submitInitiator(ctx, initiator.Op{
		Operation:    wire.OpAtomic,
		Target:       opts.Target,
		PTIndex:      opts.PTIndex,
		MatchBits:    opts.MatchBits,
		Length:       md.Length,
		RemoteOffset: opts.RemoteOffset,
		HdrData:      opts.HdrData,
		AtomType:     opts.AtomType,
		AtomOp:       opts.AtomOp,
		AckReq:       opts.AckRequest.wire(),
		Source:       md.Start,
		MDCT:         md.CT.updater(),
		MDEQ:         md.EQ.poster(),
		MDOptions:    md.Options,
		UserPtr:      opts.UserPtr,
	})
	return err
}

// FetchAtomicOptions describes one PtlFetchAtomic call: like PtlAtomic, but
// getMD receives the pre-operation value from the target.
type FetchAtomicOptions struct {
	Target       Identity
	PTIndex      uint32
	MatchBits    uint64
	RemoteOffset uint64
	HdrData      uint64
	AtomType     DataType
	AtomOp       AtomOp
	UserPtr      interface{}
}

// PtlFetchAtomic applies an elementwise operation at the target using
// putMD's buffer as the operand, returning the target's pre-operation
// value into getMD's buffer.
func PtlFetchAtomic(ctx context.Context, ni *NI, getMD, putMD *MD, opts FetchAtomicOptions) error {
	_, err := ni.submitInitiator(ctx, initiator.Op{
		Operation:    wire.OpFetch,
		Target:       opts.Target,
		PTIndex:      opts.PTIndex,
		MatchBits:    opts.MatchBits,
		Length:       putMD.Length,
		RemoteOffset: opts.RemoteOffset,
		HdrData:      opts.HdrData,
		AtomType:     opts.AtomType,
		AtomOp:       opts.AtomOp,
		Source:       putMD.Start,
		Dest:         getMD.Start,
		MDCT:         getMD.CT.updater(),
		MDEQ:         getMD.EQ.poster(),
		MDOptions:    getMD.Options,
		UserPtr:      opts.UserPtr,
	})
	return err
}

// SwapOptions describes one PtlSwap call: a single-datum swap or compare-
// swap, per spec.md §4.1's CSWAP*/MSWAP table.
type SwapOptions struct {
	Target       Identity
	PTIndex      uint32
	MatchBits    uint64
	RemoteOffset uint64
	HdrData      uint64
	AtomType     DataType
	AtomOp       AtomOp
	Operand      uint64 // comparison operand for CSWAP*, operand mask for MSWAP
	UserPtr      interface{}
}

// PtlSwap performs a single-datum SWAP/CSWAP*/MSWAP at the target,
// returning the pre-operation value into getMD's buffer.
func PtlSwap(ctx context.Context, ni *NI, getMD, putMD *MD, opts SwapOptions) error {
	_, err := ni.submitInitiator(ctx, initiator.Op{
		Operation:    wire.OpSwap,
		Target:       opts.Target,
		PTIndex:      opts.PTIndex,
		MatchBits:    opts.MatchBits,
		Length:       putMD.Length,
		RemoteOffset: opts.RemoteOffset,
		HdrData:      opts.HdrData,
		AtomType:     opts.AtomType,
		AtomOp:       opts.AtomOp,
		Operand:      opts.Operand,
		Source:       putMD.Start,
		Dest:         getMD.Start,
		MDCT:         getMD.CT.updater(),
		MDEQ:         getMD.EQ.poster(),
		MDOptions:    getMD.Options,
		UserPtr:      opts.UserPtr,
	})
	return err
}
