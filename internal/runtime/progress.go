// Package runtime drives the NI's progress thread: the single loop that
// pulls inbound wire messages and transport completions and feeds them to
// the target/initiator state machines, per spec.md §5 "Concurrency" (no
// coroutines — progress happens only when this loop, or an application
// thread calling into a blocking operation, runs it) and grounded on the
// teacher's internal/queue.Runner.ioLoop: OS-thread-pinned, optionally
// CPU-affinity-pinned, looping until context cancellation.
package runtime

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/portals4-go/ptl4/internal/iface"
	"github.com/portals4-go/ptl4/internal/ptlcore"
	"github.com/portals4-go/ptl4/internal/transport"
)

// Dispatcher is implemented by the NI: it knows how to route one inbound
// wire message, or one transport completion, to the right target or
// initiator request.
type Dispatcher interface {
	DispatchInbound(peer ptlcore.Identity, payload []byte)
	DispatchCompletion(c transport.Completion)
}

// Config configures one ProgressLoop.
type Config struct {
	Transport   transport.Transport
	Dispatcher  Dispatcher
	Logger      iface.Logger
	CPUAffinity int // -1 = no affinity
}

// ProgressLoop runs the receive/completion loop on the calling goroutine
// until ctx is done. Callers that want a dedicated progress thread should
// invoke Run in its own goroutine; callers that want to make progress
// inline from an application thread (spec.md §5's re-entrant model) can
// call RunOnce in a loop instead.
type ProgressLoop struct {
	cfg Config
}

// New constructs a ProgressLoop.
func New(cfg Config) *ProgressLoop {
	return &ProgressLoop{cfg: cfg}
}

// Run pins the calling OS thread (and, if CPUAffinity >= 0, a specific
// CPU) and loops RunOnce until ctx is cancelled.
func (p *ProgressLoop) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if p.cfg.CPUAffinity >= 0 {
		var mask unix.CPUSet
		mask.Set(p.cfg.CPUAffinity)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			if p.cfg.Logger != nil {
				p.cfg.Logger.Printf("runtime: failed to set CPU affinity to %d: %v", p.cfg.CPUAffinity, err)
			}
		} else if p.cfg.Logger != nil {
			p.cfg.Logger.Debugf("runtime: pinned progress loop to CPU %d", p.cfg.CPUAffinity)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce waits briefly for one batch of completions and dispatches it,
// then waits briefly for one inbound message and dispatches it. Each wait
// is bounded by pollWait so that neither source can starve the other. It
// never blocks past ctx's cancellation.
func (p *ProgressLoop) RunOnce(ctx context.Context) {
	const pollWait = time.Millisecond

	pollCtx, cancel := context.WithTimeout(ctx, pollWait)
	completions, err := p.cfg.Transport.PollCompletions(pollCtx)
	cancel()
	if err == nil {
		for _, c := range completions {
			p.cfg.Dispatcher.DispatchCompletion(c)
		}
	}

	select {
	case <-ctx.Done():
		return
	default:
	}

	recvCtx, cancel := context.WithTimeout(ctx, pollWait)
	peer, payload, err := p.cfg.Transport.Recv(recvCtx)
	cancel()
	if err != nil {
		return
	}
	p.cfg.Dispatcher.DispatchInbound(peer, payload)
}
