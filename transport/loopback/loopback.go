// Package loopback is a reference transport.Transport that delivers
// messages and RDMA operations directly between in-process Nodes sharing a
// Registry, with no real network or kernel I/O involved. Grounded on the
// teacher's backend.Memory (a sharded in-memory byte store standing in for
// a real block device) and internal/uring's async-submit/poll-completion
// shape, adapted here to a message-passing transport instead of a ring.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/portals4-go/ptl4/internal/ptlcore"
	"github.com/portals4-go/ptl4/internal/transport"
)

type inboundMsg struct {
	peer    ptlcore.Identity
	payload []byte
}

// Registry is the shared directory every Node in a loopback test fabric
// must be registered with, keyed by NID.
type Registry struct {
	mu    sync.Mutex
	nodes map[uint32]*Node
}

// NewRegistry allocates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[uint32]*Node)}
}

func (r *Registry) register(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.self.NID] = n
}

func (r *Registry) lookup(nid uint32) (*Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nid]
	return n, ok
}

// Node is one endpoint in a loopback fabric; it implements
// transport.Transport.
type Node struct {
	self ptlcore.Identity
	reg  *Registry

	inbox       chan inboundMsg
	completions chan transport.Completion

	mu         sync.Mutex
	regions    map[uint64][]byte
	nextHandle uint64
}

// NewNode creates and registers a Node for self within reg.
func NewNode(reg *Registry, self ptlcore.Identity) *Node {
	n := &Node{
		self:        self,
		reg:         reg,
		inbox:       make(chan inboundMsg, 256),
		completions: make(chan transport.Completion, 256),
		regions:     make(map[uint64][]byte),
	}
	reg.register(n)
	return n
}

var _ transport.Transport = (*Node)(nil)

// Register exposes buf for remote RDMA access and returns a handle usable
// as transport.RemoteSGE.Addr. Deregister releases it.
func (n *Node) Register(buf []byte) transport.RemoteSGE {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextHandle++
	h := n.nextHandle
	n.regions[h] = buf
	return transport.RemoteSGE{Addr: h, Length: uint64(len(buf))}
}

// Deregister releases a previously registered region.
func (n *Node) Deregister(handle uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.regions, handle)
}

// Dial is instantaneous in loopback: any peer present in the shared
// Registry is reachable immediately.
func (n *Node) Dial(peer ptlcore.Identity) error {
	if _, ok := n.reg.lookup(peer.NID); !ok {
		return fmt.Errorf("loopback: no node registered for nid %d", peer.NID)
	}
	return nil
}

// Send enqueues payload on the destination's inbox and completes
// synchronously on the sender's completion channel.
func (n *Node) Send(ctx context.Context, peer ptlcore.Identity, payload []byte, userData uint64) error {
	dst, ok := n.reg.lookup(peer.NID)
	if !ok {
		n.completeLocally(userData, ptlcore.NIUndeliverable, fmt.Errorf("loopback: unknown peer nid %d", peer.NID))
		return nil
	}
	cp := append([]byte(nil), payload...)
	select {
	case dst.inbox <- inboundMsg{peer: n.self, payload: cp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	n.completeLocally(userData, ptlcore.NIOk, nil)
	return nil
}

// RDMARead copies directly out of the peer's registered region into
// local, as if performing a one-sided GET.
func (n *Node) RDMARead(ctx context.Context, peer ptlcore.Identity, remote transport.RemoteSGE, local []byte, userData uint64) error {
	dst, ok := n.reg.lookup(peer.NID)
	if !ok {
		n.completeLocally(userData, ptlcore.NIUndeliverable, fmt.Errorf("loopback: unknown peer nid %d", peer.NID))
		return nil
	}
	dst.mu.Lock()
	region, ok := dst.regions[remote.Addr]
	if ok {
		copy(local, region)
	}
	dst.mu.Unlock()
	if !ok {
		n.completeLocally(userData, ptlcore.NIUndeliverable, fmt.Errorf("loopback: unknown remote region %d", remote.Addr))
		return nil
	}
	n.completeLocally(userData, ptlcore.NIOk, nil)
	return nil
}

// RDMAWrite copies local directly into the peer's registered region, as
// if performing a one-sided PUT or atomic operand delivery.
func (n *Node) RDMAWrite(ctx context.Context, peer ptlcore.Identity, remote transport.RemoteSGE, local []byte, userData uint64) error {
	dst, ok := n.reg.lookup(peer.NID)
	if !ok {
		n.completeLocally(userData, ptlcore.NIUndeliverable, fmt.Errorf("loopback: unknown peer nid %d", peer.NID))
		return nil
	}
	dst.mu.Lock()
	region, ok := dst.regions[remote.Addr]
	if ok {
		copy(region, local)
	}
	dst.mu.Unlock()
	if !ok {
		n.completeLocally(userData, ptlcore.NIUndeliverable, fmt.Errorf("loopback: unknown remote region %d", remote.Addr))
		return nil
	}
	n.completeLocally(userData, ptlcore.NIOk, nil)
	return nil
}

// Recv blocks for the next message addressed to this node.
func (n *Node) Recv(ctx context.Context) (ptlcore.Identity, []byte, error) {
	select {
	case m := <-n.inbox:
		return m.peer, m.payload, nil
	case <-ctx.Done():
		return ptlcore.Identity{}, nil, ctx.Err()
	}
}

func (n *Node) completeLocally(userData uint64, nifail ptlcore.NIFail, err error) {
	n.completions <- transport.Completion{UserData: userData, NIFail: nifail, Err: err}
}

// PollCompletions blocks for at least one completion, then drains any
// others immediately available.
func (n *Node) PollCompletions(ctx context.Context) ([]transport.Completion, error) {
	select {
	case c := <-n.completions:
		out := []transport.Completion{c}
		for {
			select {
			case c2 := <-n.completions:
				out = append(out, c2)
			default:
				return out, nil
			}
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close is a no-op; loopback Nodes hold no OS resources.
func (n *Node) Close() error { return nil }
