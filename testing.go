package ptl4

import (
	"context"
	"sync"

	"github.com/portals4-go/ptl4/internal/ptlcore"
	"github.com/portals4-go/ptl4/internal/transport"
)

// MockTransport is a test double implementing transport.Transport entirely
// in memory, tracking call counts for assertions. It never actually moves
// bytes between nodes on its own — callers script inbound traffic with
// QueueRecv, and Send/RDMARead/RDMAWrite queue their own completions.
// Grounded on the teacher's own testing.go MockBackend: an in-memory stand-in
// implementing the real capability interface plus call-count tracking.
type MockTransport struct {
	mu sync.Mutex

	dialCalls  int
	sendCalls  int
	rdmaCalls  int
	closeCalls int
	closed     bool

	DialErr error
	SendErr error
	RDMAErr error

	recvQueue       []mockRecv
	completionQueue []transport.Completion
	recvReady       chan struct{}
}

type mockRecv struct {
	peer    ptlcore.Identity
	payload []byte
}

// NewMockTransport creates a mock transport with empty recv/completion
// queues.
func NewMockTransport() *MockTransport {
	return &MockTransport{recvReady: make(chan struct{}, 1)}
}

func (m *MockTransport) Dial(peer ptlcore.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialCalls++
	return m.DialErr
}

func (m *MockTransport) Send(ctx context.Context, peer ptlcore.Identity, payload []byte, userData uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls++
	if m.SendErr != nil {
		return m.SendErr
	}
	m.completionQueue = append(m.completionQueue, transport.Completion{UserData: userData})
	return nil
}

func (m *MockTransport) RDMARead(ctx context.Context, peer ptlcore.Identity, remote transport.RemoteSGE, local []byte, userData uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rdmaCalls++
	if m.RDMAErr != nil {
		return m.RDMAErr
	}
	m.completionQueue = append(m.completionQueue, transport.Completion{UserData: userData})
	return nil
}

func (m *MockTransport) RDMAWrite(ctx context.Context, peer ptlcore.Identity, remote transport.RemoteSGE, local []byte, userData uint64) error {
	return m.RDMARead(ctx, peer, remote, local, userData)
}

// QueueRecv makes payload available to the next Recv call as if it arrived
// from peer.
func (m *MockTransport) QueueRecv(peer ptlcore.Identity, payload []byte) {
	m.mu.Lock()
	m.recvQueue = append(m.recvQueue, mockRecv{peer: peer, payload: payload})
	m.mu.Unlock()
	select {
	case m.recvReady <- struct{}{}:
	default:
	}
}

func (m *MockTransport) Recv(ctx context.Context) (ptlcore.Identity, []byte, error) {
	for {
		m.mu.Lock()
		if len(m.recvQueue) > 0 {
			next := m.recvQueue[0]
			m.recvQueue = m.recvQueue[1:]
			m.mu.Unlock()
			return next.peer, next.payload, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ptlcore.Identity{}, nil, ctx.Err()
		case <-m.recvReady:
		}
	}
}

func (m *MockTransport) PollCompletions(ctx context.Context) ([]transport.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.completionQueue
	m.completionQueue = nil
	return out, nil
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	m.closed = true
	return nil
}

// IsClosed reports whether Close has been called.
func (m *MockTransport) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CallCounts returns the number of times each method has been invoked, for
// test assertions.
func (m *MockTransport) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"dial":  m.dialCalls,
		"send":  m.sendCalls,
		"rdma":  m.rdmaCalls,
		"close": m.closeCalls,
	}
}

var _ transport.Transport = (*MockTransport)(nil)
