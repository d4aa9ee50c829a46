// Package ptl4 is a user-space runtime for the Portals 4 one-sided
// messaging interface. It wires the matching, flow-control, data-phase,
// atomic, and event machinery in the internal packages behind the public
// NI/MD/LE/PtlPut/PtlGet surface described in spec.md §1: "The public
// Portals API surface... prepares descriptors and hands them to the state
// machines."
package ptl4

import (
	"errors"
	"fmt"

	"github.com/portals4-go/ptl4/internal/ptlcore"
)

// Error is a structured runtime error, grounded on the teacher's own
// errors.go *Error type: an operation tag, an ni_fail category (spec.md §7),
// and an optionally wrapped cause.
type Error struct {
	Op      string         // operation that failed, e.g. "PTLPut", "LEAppend"
	PTIndex uint32          // PT index involved, if any
	NIFail  ptlcore.NIFail // ni_fail category; NIOk if this isn't an ni_fail-bearing error
	Msg     string
	Inner   error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.NIFail != ptlcore.NIOk {
		parts = append(parts, fmt.Sprintf("ni_fail=%s", e.NIFail))
	}
	msg := e.Msg
	if msg == "" {
		msg = e.NIFail.String()
	}
	if len(parts) > 0 {
		return fmt.Sprintf("ptl4: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("ptl4: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.NIFail == te.NIFail && e.Op == te.Op
	}
	return false
}

// NewError creates a structured error carrying an ni_fail category.
func NewError(op string, nifail ptlcore.NIFail, msg string) *Error {
	return &Error{Op: op, NIFail: nifail, Msg: msg}
}

// NewPTError creates a structured error scoped to one PT index.
func NewPTError(op string, ptIndex uint32, nifail ptlcore.NIFail, msg string) *Error {
	return &Error{Op: op, PTIndex: ptIndex, NIFail: nifail, Msg: msg}
}

// WrapError wraps an existing error with ptl4 operation context.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if e, ok := inner.(*Error); ok {
		return &Error{Op: op, PTIndex: e.PTIndex, NIFail: e.NIFail, Msg: e.Msg, Inner: e.Inner}
	}
	return &Error{Op: op, NIFail: ptlcore.NIUndeliverable, Msg: inner.Error(), Inner: inner}
}

// IsNIFail reports whether err (or a wrapped *Error within it) carries the
// given ni_fail code.
func IsNIFail(err error, nifail ptlcore.NIFail) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.NIFail == nifail
	}
	return false
}
