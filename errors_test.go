package ptl4

import (
	"errors"
	"fmt"
	"testing"

	"github.com/portals4-go/ptl4/internal/ptlcore"
)

func TestNewError(t *testing.T) {
	err := NewError("PTLPut", ptlcore.NIPermViolation, "destination LE rejects remote put")
	if err.Op != "PTLPut" {
		t.Errorf("Op = %q, want PTLPut", err.Op)
	}
	if err.NIFail != ptlcore.NIPermViolation {
		t.Errorf("NIFail = %v, want NIPermViolation", err.NIFail)
	}
	if err.Error() == "" {
		t.Error("Error() returned empty string")
	}
}

func TestNewPTError(t *testing.T) {
	err := NewPTError("LEAppend", 3, ptlcore.NIPTDisabled, "pt entry disabled")
	if err.PTIndex != 3 {
		t.Errorf("PTIndex = %d, want 3", err.PTIndex)
	}
	if !IsNIFail(err, ptlcore.NIPTDisabled) {
		t.Error("IsNIFail should report NIPTDisabled")
	}
}

func TestWrapError(t *testing.T) {
	cause := errors.New("connection reset by peer")
	wrapped := WrapError("transport.Send", cause)

	if wrapped.Op != "transport.Send" {
		t.Errorf("Op = %q, want transport.Send", wrapped.Op)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should unwrap to the original cause")
	}
}

func TestWrapErrorNil(t *testing.T) {
	if WrapError("op", nil) != nil {
		t.Error("WrapError(op, nil) should return nil")
	}
}

func TestWrapErrorPreservesNIFail(t *testing.T) {
	inner := NewError("PTLGet", ptlcore.NIOpViolation, "get exceeds md length")
	wrapped := WrapError("initiator.Submit", inner)

	if wrapped.NIFail != ptlcore.NIOpViolation {
		t.Errorf("NIFail = %v, want NIOpViolation", wrapped.NIFail)
	}
	if wrapped.Op != "initiator.Submit" {
		t.Errorf("Op = %q, want initiator.Submit", wrapped.Op)
	}
}

func TestErrorIs(t *testing.T) {
	a := NewError("PTLAtomic", ptlcore.NIUndeliverable, "no route to peer")
	b := NewError("PTLAtomic", ptlcore.NIUndeliverable, "different message, same category")
	c := NewError("PTLAtomic", ptlcore.NIDropped, "dropped instead")

	if !errors.Is(a, b) {
		t.Error("errors with the same Op and NIFail should satisfy errors.Is")
	}
	if errors.Is(a, c) {
		t.Error("errors with different NIFail should not satisfy errors.Is")
	}
}

func TestIsNIFail(t *testing.T) {
	err := NewError("PTLSwap", ptlcore.NIOpViolation, "cswap on unsupported datatype")
	if !IsNIFail(err, ptlcore.NIOpViolation) {
		t.Error("IsNIFail should report true for the matching category")
	}
	if IsNIFail(err, ptlcore.NIDropped) {
		t.Error("IsNIFail should report false for a non-matching category")
	}
	if IsNIFail(errors.New("plain error"), ptlcore.NIOpViolation) {
		t.Error("IsNIFail should report false for a non-ptl4 error")
	}
}

func TestIsNIFailThroughWrap(t *testing.T) {
	inner := NewError("pt.Append", ptlcore.NIPTDisabled, "pt entry is disabled")
	wrapped := fmt.Errorf("le append failed: %w", inner)
	if !IsNIFail(wrapped, ptlcore.NIPTDisabled) {
		t.Error("IsNIFail should see through fmt.Errorf wrapping via errors.As")
	}
}
