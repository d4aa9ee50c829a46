// Package iface provides internal interface definitions shared by the
// target/initiator state machines and the transport layer. These are kept
// separate from the root package to avoid an import cycle: the root package
// depends on internal packages, and internal packages depend on these
// narrow interfaces instead of on the root package.
package iface

import "github.com/portals4-go/ptl4/internal/ptlcore"

// Logger is the minimal logging surface the core calls.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer receives counters for metrics collection. Implementations must
// be safe to call concurrently; methods are invoked from the progress loop
// and from application-thread initiator calls.
type Observer interface {
	ObserveMatch(list string)
	ObserveNoMatch()
	ObservePTAutoDisabled()
	ObservePTDisabled()
	ObserveAtomicOp(op ptlcore.AtomOp, dt ptlcore.DataType)
	ObserveRDMACompletion(direction string)
	ObserveEventQueueDepth(depth int)
}

// NoOpObserver implements Observer with no side effects.
type NoOpObserver struct{}

func (NoOpObserver) ObserveMatch(string)                              {}
func (NoOpObserver) ObserveNoMatch()                                  {}
func (NoOpObserver) ObservePTAutoDisabled()                           {}
func (NoOpObserver) ObservePTDisabled()                               {}
func (NoOpObserver) ObserveAtomicOp(ptlcore.AtomOp, ptlcore.DataType) {}
func (NoOpObserver) ObserveRDMACompletion(string)                     {}
func (NoOpObserver) ObserveEventQueueDepth(int)                       {}
