// Package transport defines the network capability the target and
// initiator state machines drive: send a wire message to a peer, post a
// one-sided RDMA get/put against a remote memory region, and poll for
// completions. Grounded on the teacher's internal/uring.Ring interface —
// async submit, batched completion, a Result carrying user data + error.
package transport

import (
	"context"

	"github.com/portals4-go/ptl4/internal/ptlcore"
)

// Direction distinguishes an RDMA read (GET/fetch reply data) from an
// RDMA write (PUT/atomic operand placement), for telemetry.
type Direction uint8

const (
	DirRead Direction = iota
	DirWrite
)

func (d Direction) String() string {
	if d == DirWrite {
		return "write"
	}
	return "read"
}

// RemoteSGE is one scatter/gather entry of a remote memory region
// advertised by the target's DATA_OUT/WAIT_RDMA_DESC states.
type RemoteSGE struct {
	Addr   uint64
	Length uint64
	RKey   uint32
}

// Completion is the result of one outstanding Send or RDMA operation.
type Completion struct {
	UserData uint64
	NIFail   ptlcore.NIFail
	Err      error
}

// Transport is the capability a state machine needs from the network
// layer. Implementations must be safe for concurrent use from multiple
// progress threads, per spec.md §5.
type Transport interface {
	// Dial establishes (or verifies) a connection to peer; satisfies
	// conn.Dialer.
	Dial(peer ptlcore.Identity) error

	// Send transmits a fully-marshaled wire message (request, ack, or
	// reply) to peer. Completion arrives asynchronously tagged with
	// userData.
	Send(ctx context.Context, peer ptlcore.Identity, payload []byte, userData uint64) error

	// RDMARead/RDMAWrite move bytes directly against a peer's advertised
	// remote region (GET / fetch-reply data-out, and PUT / atomic
	// operand data-in, respectively), completing asynchronously.
	RDMARead(ctx context.Context, peer ptlcore.Identity, remote RemoteSGE, local []byte, userData uint64) error
	RDMAWrite(ctx context.Context, peer ptlcore.Identity, remote RemoteSGE, local []byte, userData uint64) error

	// Recv returns the next inbound wire message addressed to this NI,
	// blocking until one arrives or ctx is done.
	Recv(ctx context.Context) (peer ptlcore.Identity, payload []byte, err error)

	// PollCompletions blocks (bounded by ctx) for at least one
	// completion of a previously submitted Send/RDMARead/RDMAWrite, and
	// returns as many as are immediately available.
	PollCompletions(ctx context.Context) ([]Completion, error)

	// Close releases transport resources.
	Close() error
}
