// Package wire implements the bit-exact, little-endian Portals 4 message
// header layout (see ptl_hdr.h in the original C tree): hdr_common1,
// hdr_common2, hdr_region, the request header, and the minimized ack/reply
// header. Marshal/Unmarshal are hand-written per struct, following the same
// approach as a kernel-cmd-area codec: fixed byte offsets, no reflection.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Operation identifies the hdr_common1.operation nibble.
type Operation uint8

const (
	OpPut Operation = iota + 1
	OpGet
	OpAtomic
	OpFetch
	OpSwap
	OpRDMADisc
	OpReply
	OpAck
	OpCTAck
	OpOCAck
	OpNoAck
)

func (o Operation) String() string {
	switch o {
	case OpPut:
		return "PUT"
	case OpGet:
		return "GET"
	case OpAtomic:
		return "ATOMIC"
	case OpFetch:
		return "FETCH"
	case OpSwap:
		return "SWAP"
	case OpRDMADisc:
		return "RDMA_DISC"
	case OpReply:
		return "REPLY"
	case OpAck:
		return "ACK"
	case OpCTAck:
		return "CT_ACK"
	case OpOCAck:
		return "OC_ACK"
	case OpNoAck:
		return "NO_ACK"
	default:
		return fmt.Sprintf("OP(%d)", uint8(o))
	}
}

// IsRequest reports whether the operation travels initiator -> target.
func (o Operation) IsRequest() bool {
	return o >= OpPut && o <= OpSwap
}

// PktFmt identifies hdr_common1.pkt_fmt.
type PktFmt uint8

const (
	PktFmtReq PktFmt = iota
	PktFmtReply
	PktFmtAck
)

// AckReq identifies hdr_common2.ack_req.
type AckReq uint8

const (
	AckReqNone AckReq = iota
	AckReqAck
	AckReqCT
	AckReqOC
)

// MatchingList tags which list (priority/overflow) an ack/reply refers to,
// carried in hdr_common1.matching_list on responses.
type MatchingList uint8

const (
	MatchListPriority MatchingList = iota
	MatchListOverflow
)

const headerVersion = 1

// Common1 is the 8-byte leading word shared by every header variant.
type Common1 struct {
	Version      uint8
	Operation    Operation
	NIFail       uint8
	DataIn       bool
	DataOut      bool
	MatchingList MatchingList
	NIType       uint8
	PktFmt       PktFmt
	Handle       uint32
}

func packCommon1(c *Common1) uint32 {
	var w uint32
	w |= uint32(c.Version) & 0xf
	w |= (uint32(c.Operation) & 0xf) << 4
	w |= (uint32(c.NIFail) & 0xf) << 8
	if c.DataIn {
		w |= 1 << 12
	}
	if c.DataOut {
		w |= 1 << 13
	}
	w |= (uint32(c.MatchingList) & 0x3) << 14
	// bits 16..23 are pad
	w |= (uint32(c.NIType) & 0xf) << 24
	w |= (uint32(c.PktFmt) & 0xf) << 28
	return w
}

func unpackCommon1(w uint32) Common1 {
	return Common1{
		Version:      uint8(w & 0xf),
		Operation:    Operation((w >> 4) & 0xf),
		NIFail:       uint8((w >> 8) & 0xf),
		DataIn:       (w>>12)&0x1 != 0,
		DataOut:      (w>>13)&0x1 != 0,
		MatchingList: MatchingList((w >> 14) & 0x3),
		NIType:       uint8((w >> 24) & 0xf),
		PktFmt:       PktFmt((w >> 28) & 0xf),
	}
}

// MarshalCommon1 writes the 8-byte Common1 word into buf[0:8].
func MarshalCommon1(buf []byte, c *Common1) {
	binary.LittleEndian.PutUint32(buf[0:4], packCommon1(c))
	binary.LittleEndian.PutUint32(buf[4:8], c.Handle)
}

// UnmarshalCommon1 reads the 8-byte Common1 word from buf[0:8].
func UnmarshalCommon1(buf []byte) Common1 {
	c := unpackCommon1(binary.LittleEndian.Uint32(buf[0:4]))
	c.Handle = binary.LittleEndian.Uint32(buf[4:8])
	return c
}

// Common2 carries ack/atomic metadata and the four identity words. 20 bytes.
type Common2 struct {
	AckReq   AckReq
	AtomType uint8
	AtomOp   uint8
	DstNID   uint32 // or dst_rank in logical addressing
	DstPID   uint32
	SrcNID   uint32 // or src_rank
	SrcPID   uint32
}

func MarshalCommon2(buf []byte, c *Common2) {
	var w uint32
	w |= uint32(c.AckReq) & 0xf
	w |= (uint32(c.AtomType) & 0xf) << 4
	w |= (uint32(c.AtomOp) & 0x1f) << 8
	binary.LittleEndian.PutUint32(buf[0:4], w)
	binary.LittleEndian.PutUint32(buf[4:8], c.DstNID)
	binary.LittleEndian.PutUint32(buf[8:12], c.DstPID)
	binary.LittleEndian.PutUint32(buf[12:16], c.SrcNID)
	binary.LittleEndian.PutUint32(buf[16:20], c.SrcPID)
}

func UnmarshalCommon2(buf []byte) Common2 {
	w := binary.LittleEndian.Uint32(buf[0:4])
	return Common2{
		AckReq:   AckReq(w & 0xf),
		AtomType: uint8((w >> 4) & 0xf),
		AtomOp:   uint8((w >> 8) & 0x1f),
		DstNID:   binary.LittleEndian.Uint32(buf[4:8]),
		DstPID:   binary.LittleEndian.Uint32(buf[8:12]),
		SrcNID:   binary.LittleEndian.Uint32(buf[12:16]),
		SrcPID:   binary.LittleEndian.Uint32(buf[16:20]),
	}
}

const (
	common1Size = 8
	common2Size = 20
	regionSize  = 16
	reqExtraSize = 8 + 8 + 8 + 4 + 4 // match_bits, hdr_data, operand, pt_index, uid
)

// RequestSize is the fixed wire size of a request header (Common1+Common2+extras+region).
const RequestSize = common1Size + common2Size + reqExtraSize + regionSize

// Request is a fully decoded Portals request header (PUT/GET/ATOMIC/FETCH/SWAP).
type Request struct {
	H1        Common1
	H2        Common2
	MatchBits uint64
	HdrData   uint64
	Operand   uint64
	PTIndex   uint32
	UID       uint32
	Length    uint64
	Offset    uint64
}

// MarshalRequest encodes a request header into a freshly allocated buffer.
func MarshalRequest(r *Request) []byte {
	buf := make([]byte, RequestSize)
	MarshalCommon1(buf[0:common1Size], &r.H1)
	MarshalCommon2(buf[common1Size:common1Size+common2Size], &r.H2)
	off := common1Size + common2Size
	binary.LittleEndian.PutUint64(buf[off:off+8], r.MatchBits)
	binary.LittleEndian.PutUint64(buf[off+8:off+16], r.HdrData)
	binary.LittleEndian.PutUint64(buf[off+16:off+24], r.Operand)
	binary.LittleEndian.PutUint32(buf[off+24:off+28], r.PTIndex)
	binary.LittleEndian.PutUint32(buf[off+28:off+32], r.UID)
	off += reqExtraSize
	binary.LittleEndian.PutUint64(buf[off:off+8], r.Length)
	binary.LittleEndian.PutUint64(buf[off+8:off+16], r.Offset)
	return buf
}

// ErrShortHeader is returned when a buffer is too small for the header variant requested.
var ErrShortHeader = fmt.Errorf("wire: buffer too short for header")

// UnmarshalRequest decodes a request header from the front of buf.
func UnmarshalRequest(buf []byte) (Request, error) {
	if len(buf) < RequestSize {
		return Request{}, ErrShortHeader
	}
	r := Request{
		H1: UnmarshalCommon1(buf[0:common1Size]),
		H2: UnmarshalCommon2(buf[common1Size : common1Size+common2Size]),
	}
	off := common1Size + common2Size
	r.MatchBits = binary.LittleEndian.Uint64(buf[off : off+8])
	r.HdrData = binary.LittleEndian.Uint64(buf[off+8 : off+16])
	r.Operand = binary.LittleEndian.Uint64(buf[off+16 : off+24])
	r.PTIndex = binary.LittleEndian.Uint32(buf[off+24 : off+28])
	r.UID = binary.LittleEndian.Uint32(buf[off+28 : off+32])
	off += reqExtraSize
	r.Length = binary.LittleEndian.Uint64(buf[off : off+8])
	r.Offset = binary.LittleEndian.Uint64(buf[off+8 : off+16])
	return r, nil
}

// Response is a decoded ack/reply header. Its on-wire size depends on
// H1.Operation per the "response minimization" rule in §6: CT_ACK omits
// Offset, OC_ACK and NO_ACK omit both Offset and Length.
type Response struct {
	H1     Common1
	Length uint64
	Offset uint64
}

// ResponseSize returns the on-wire size for a given response opcode.
func ResponseSize(op Operation) int {
	switch op {
	case OpAck, OpReply:
		return common1Size + regionSize
	case OpCTAck:
		return common1Size + 8 // length only
	case OpOCAck, OpNoAck:
		return common1Size
	default:
		return common1Size + regionSize
	}
}

// MarshalResponse encodes a response header, trimming fields per opcode.
func MarshalResponse(r *Response) []byte {
	size := ResponseSize(r.H1.Operation)
	buf := make([]byte, size)
	MarshalCommon1(buf[0:common1Size], &r.H1)
	switch r.H1.Operation {
	case OpAck, OpReply:
		binary.LittleEndian.PutUint64(buf[common1Size:common1Size+8], r.Length)
		binary.LittleEndian.PutUint64(buf[common1Size+8:common1Size+16], r.Offset)
	case OpCTAck:
		binary.LittleEndian.PutUint64(buf[common1Size:common1Size+8], r.Length)
	case OpOCAck, OpNoAck:
		// no region at all
	}
	return buf
}

// UnmarshalResponse decodes a response header whose opcode is already known
// from Common1 (read greedily, then re-sliced per opcode).
func UnmarshalResponse(buf []byte) (Response, error) {
	if len(buf) < common1Size {
		return Response{}, ErrShortHeader
	}
	resp := Response{H1: UnmarshalCommon1(buf[0:common1Size])}
	want := ResponseSize(resp.H1.Operation)
	if len(buf) < want {
		return Response{}, ErrShortHeader
	}
	switch resp.H1.Operation {
	case OpAck, OpReply:
		resp.Length = binary.LittleEndian.Uint64(buf[common1Size : common1Size+8])
		resp.Offset = binary.LittleEndian.Uint64(buf[common1Size+8 : common1Size+16])
	case OpCTAck:
		resp.Length = binary.LittleEndian.Uint64(buf[common1Size : common1Size+8])
	}
	return resp, nil
}
