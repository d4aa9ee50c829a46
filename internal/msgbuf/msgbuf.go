// Package msgbuf defines the data shared by both the target-side and
// initiator-side transfer descriptors: local/remote scatter cursors, event
// mask bits, and the per-buffer mutex. The target and initiator packages
// each embed Base and add their own state tag and SM-specific fields,
// mirroring the way the teacher's queue.Runner keeps per-tag state separate
// from the shared ioCmd/descriptor payload.
package msgbuf

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/portals4-go/ptl4/internal/ptlcore"
)

// Iovec is one local scatter/gather segment of an LE/ME or MD buffer.
type Iovec struct {
	Base []byte
}

// Cursor walks a local iovec list by accumulated byte offset.
type Cursor struct {
	Iovec  []Iovec
	Index  int // which iovec entry we're positioned in
	Offset int // byte offset within that entry
}

// Seek advances the cursor to logical byte offset off within the iovec
// list, failing if the iovec list doesn't cover that many bytes.
func (c *Cursor) Seek(off uint64) bool {
	remaining := off
	for i, iov := range c.Iovec {
		if remaining < uint64(len(iov.Base)) {
			c.Index = i
			c.Offset = int(remaining)
			return true
		}
		remaining -= uint64(len(iov.Base))
	}
	if remaining == 0 && len(c.Iovec) > 0 {
		c.Index = len(c.Iovec) - 1
		c.Offset = len(c.Iovec[c.Index].Base)
		return true
	}
	return remaining == 0
}

// Addr returns the resolved address (as a byte slice view) of the current
// cursor position, per the design-note resolution of the open question:
// the `start` pointer is the resolved address of byte moffset.
func (c *Cursor) Addr() []byte {
	if c.Index >= len(c.Iovec) {
		return nil
	}
	return c.Iovec[c.Index].Base[c.Offset:]
}

// CopyIn copies src into the iovec list starting at the cursor position,
// advancing across iovec boundaries as needed. Returns the number of bytes
// copied (may be less than len(src) if the iovec list is exhausted).
func (c *Cursor) CopyIn(src []byte) int {
	n := 0
	for n < len(src) && c.Index < len(c.Iovec) {
		dst := c.Iovec[c.Index].Base[c.Offset:]
		k := copy(dst, src[n:])
		n += k
		c.Offset += k
		if c.Offset >= len(c.Iovec[c.Index].Base) {
			c.Index++
			c.Offset = 0
		}
	}
	return n
}

// CopyOut copies from the iovec list into dst starting at the cursor
// position, advancing across iovec boundaries as needed.
func (c *Cursor) CopyOut(dst []byte) int {
	n := 0
	for n < len(dst) && c.Index < len(c.Iovec) {
		src := c.Iovec[c.Index].Base[c.Offset:]
		k := copy(dst[n:], src)
		n += k
		c.Offset += k
		if c.Offset >= len(c.Iovec[c.Index].Base) {
			c.Index++
			c.Offset = 0
		}
	}
	return n
}

// RemoteSGE is one entry of a peer's scatter-gather list, as fetched from
// an RDMA_DMA header or an RDMA_INDIRECT descriptor block.
type RemoteSGE struct {
	Addr   uint64
	Length uint64
}

// RemoteCursor walks the initiator-supplied remote scatter list.
type RemoteCursor struct {
	Entries []RemoteSGE
	Index   int
	Offset  uint64
}

// Remaining returns the total bytes left across all remote SGEs from the
// current position.
func (rc *RemoteCursor) Remaining() uint64 {
	var total uint64
	if rc.Index < len(rc.Entries) {
		total += rc.Entries[rc.Index].Length - rc.Offset
	}
	for i := rc.Index + 1; i < len(rc.Entries); i++ {
		total += rc.Entries[i].Length
	}
	return total
}

// EventMask bits, set at START and consumed by COMM_EVENT/SEND_*.
type EventMask uint8

const (
	MaskAck EventMask = 1 << iota
	MaskReply
	MaskComm
	MaskCTComm
	MaskSend
	MaskCTSend
)

func (m EventMask) Has(bit EventMask) bool { return m&bit != 0 }

// Base is the data common to target and initiator transfer descriptors.
type Base struct {
	Mu sync.Mutex

	// Seq is a monotonic per-NI sequence number assigned at START, used
	// only to correlate log lines for the same request (not part of
	// Portals semantics).
	Seq uint64

	// RecvHeader is the raw wire bytes of the header that created this
	// request/response, kept around through cleanup so diagnostic log
	// lines can refer back to exactly what arrived on the wire.
	RecvHeader []byte

	EventMask EventMask
	NIFail    ptlcore.NIFail

	PutResid uint64 // inbound bytes still to land
	GetResid uint64 // outbound bytes still to send

	MOffset uint64 // matched/offset into element or MD
	MLength uint64 // matched/clamped length

	Local  Cursor
	Remote RemoteCursor

	RespBuf []byte // ack/reply/send scratch buffer

	InAtomic bool // holds the NI-wide atomic mutex
}

// Descriptor is the data-phase payload attached to a request or response
// message: either inline bytes (data_in/data_out with length below the
// inline bound) or a remote scatter list (data exceeding the inline
// bound, fetched/placed via RDMA). This is a loopback-fabric-local framing,
// not part of the bit-exact wire.Request/wire.Response header — the real
// Portals wire format carries only a pointer+key+length for the indirect
// case, which this module's transport never needs to dereference remotely
// since transport.Transport.RDMARead/RDMAWrite already addresses peer
// memory directly by handle.
type Descriptor struct {
	Inline []byte
	Remote []RemoteSGE
}

const (
	descKindInline = 0
	descKindRemote = 1
)

// MarshalDescriptor encodes d for inclusion in a transport payload after
// the fixed wire header.
func MarshalDescriptor(d Descriptor) []byte {
	if len(d.Remote) > 0 {
		buf := make([]byte, 1+2+16*len(d.Remote))
		buf[0] = descKindRemote
		binary.LittleEndian.PutUint16(buf[1:3], uint16(len(d.Remote)))
		off := 3
		for _, sge := range d.Remote {
			binary.LittleEndian.PutUint64(buf[off:off+8], sge.Addr)
			binary.LittleEndian.PutUint64(buf[off+8:off+16], sge.Length)
			off += 16
		}
		return buf
	}
	buf := make([]byte, 1+len(d.Inline))
	buf[0] = descKindInline
	copy(buf[1:], d.Inline)
	return buf
}

// UnmarshalDescriptor decodes a Descriptor previously produced by
// MarshalDescriptor.
func UnmarshalDescriptor(buf []byte) (Descriptor, error) {
	if len(buf) == 0 {
		return Descriptor{}, nil
	}
	switch buf[0] {
	case descKindInline:
		return Descriptor{Inline: append([]byte(nil), buf[1:]...)}, nil
	case descKindRemote:
		if len(buf) < 3 {
			return Descriptor{}, fmt.Errorf("msgbuf: short remote descriptor")
		}
		count := int(binary.LittleEndian.Uint16(buf[1:3]))
		want := 3 + 16*count
		if len(buf) < want {
			return Descriptor{}, fmt.Errorf("msgbuf: remote descriptor truncated")
		}
		sges := make([]RemoteSGE, count)
		off := 3
		for i := 0; i < count; i++ {
			sges[i] = RemoteSGE{
				Addr:   binary.LittleEndian.Uint64(buf[off : off+8]),
				Length: binary.LittleEndian.Uint64(buf[off+8 : off+16]),
			}
			off += 16
		}
		return Descriptor{Remote: sges}, nil
	default:
		return Descriptor{}, fmt.Errorf("msgbuf: unknown descriptor kind %d", buf[0])
	}
}
