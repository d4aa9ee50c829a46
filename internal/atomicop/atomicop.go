// Package atomicop implements the Portals atomic and swap operator set over
// the datatype table in spec.md §4.1 "ATOMIC_DATA_IN" / "SWAP_DATA_IN".
package atomicop

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/portals4-go/ptl4/internal/ptlcore"
)

// ErrUnsupported is returned for an (op, datatype) combination the engine
// does not implement (e.g. a relational compare over a complex datatype,
// left undefined by the Portals spec).
var ErrUnsupported = fmt.Errorf("atomicop: unsupported operation/datatype combination")

// Apply runs an elementwise arithmetic/bitwise atomic operator over dst,
// combining it with payload datum-by-datum. dst and payload must have
// equal length, a multiple of dt.Size().
func Apply(op ptlcore.AtomOp, dt ptlcore.DataType, dst, payload []byte) error {
	size := dt.Size()
	if size == 0 || len(dst) != len(payload) || len(dst)%size != 0 {
		return fmt.Errorf("atomicop: length mismatch dst=%d payload=%d datatype_size=%d", len(dst), len(payload), size)
	}
	for off := 0; off < len(dst); off += size {
		if err := applyOne(op, dt, dst[off:off+size], payload[off:off+size]); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(op ptlcore.AtomOp, dt ptlcore.DataType, dst, src []byte) error {
	switch dt {
	case ptlcore.Int8, ptlcore.UInt8:
		return applyIntN(op, dst, src, 1, dt == ptlcore.Int8)
	case ptlcore.Int16, ptlcore.UInt16:
		return applyIntN(op, dst, src, 2, dt == ptlcore.Int16)
	case ptlcore.Int32, ptlcore.UInt32:
		return applyIntN(op, dst, src, 4, dt == ptlcore.Int32)
	case ptlcore.Int64, ptlcore.UInt64:
		return applyIntN(op, dst, src, 8, dt == ptlcore.Int64)
	case ptlcore.Float:
		return applyFloat32(op, dst, src)
	case ptlcore.Double:
		return applyFloat64(op, dst, src)
	case ptlcore.FloatComplex, ptlcore.DoubleComplex:
		return applyComplex(op, dt, dst, src)
	default:
		return ErrUnsupported
	}
}

func loadUint(dst []byte, n int) uint64 {
	switch n {
	case 1:
		return uint64(dst[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(dst))
	case 4:
		return uint64(binary.LittleEndian.Uint32(dst))
	default:
		return binary.LittleEndian.Uint64(dst)
	}
}

func storeUint(dst []byte, n int, v uint64) {
	switch n {
	case 1:
		dst[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	default:
		binary.LittleEndian.PutUint64(dst, v)
	}
}

func signExtend(v uint64, n int) int64 {
	switch n {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

func applyIntN(op ptlcore.AtomOp, dst, src []byte, n int, signed bool) error {
	a := loadUint(dst, n)
	b := loadUint(src, n)
	var result uint64
	switch op {
	case ptlcore.AtomBOr:
		result = a | b
	case ptlcore.AtomBAnd:
		result = a & b
	case ptlcore.AtomBXor:
		result = a ^ b
	case ptlcore.AtomLOr:
		result = boolToU(a != 0 || b != 0)
	case ptlcore.AtomLAnd:
		result = boolToU(a != 0 && b != 0)
	case ptlcore.AtomLXor:
		result = boolToU((a != 0) != (b != 0))
	case ptlcore.AtomSum:
		result = a + b
	case ptlcore.AtomProd:
		result = a * b
	case ptlcore.AtomMin, ptlcore.AtomMax:
		if signed {
			sa, sb := signExtend(a, n), signExtend(b, n)
			pick := sa
			if (op == ptlcore.AtomMin && sb < sa) || (op == ptlcore.AtomMax && sb > sa) {
				pick = sb
			}
			result = uint64(pick) & maskFor(n)
		} else {
			pick := a
			if (op == ptlcore.AtomMin && b < a) || (op == ptlcore.AtomMax && b > a) {
				pick = b
			}
			result = pick
		}
	default:
		return ErrUnsupported
	}
	storeUint(dst, n, result)
	return nil
}

func maskFor(n int) uint64 {
	if n >= 8 {
		return math.MaxUint64
	}
	return (uint64(1) << (uint(n) * 8)) - 1
}

func boolToU(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func applyFloat32(op ptlcore.AtomOp, dst, src []byte) error {
	a := math.Float32frombits(binary.LittleEndian.Uint32(dst))
	b := math.Float32frombits(binary.LittleEndian.Uint32(src))
	var r float32
	switch op {
	case ptlcore.AtomSum:
		r = a + b
	case ptlcore.AtomProd:
		r = a * b
	case ptlcore.AtomMin:
		r = float32(math.Min(float64(a), float64(b)))
	case ptlcore.AtomMax:
		r = float32(math.Max(float64(a), float64(b)))
	default:
		return ErrUnsupported
	}
	binary.LittleEndian.PutUint32(dst, math.Float32bits(r))
	return nil
}

func applyFloat64(op ptlcore.AtomOp, dst, src []byte) error {
	a := math.Float64frombits(binary.LittleEndian.Uint64(dst))
	b := math.Float64frombits(binary.LittleEndian.Uint64(src))
	var r float64
	switch op {
	case ptlcore.AtomSum:
		r = a + b
	case ptlcore.AtomProd:
		r = a * b
	case ptlcore.AtomMin:
		r = math.Min(a, b)
	case ptlcore.AtomMax:
		r = math.Max(a, b)
	default:
		return ErrUnsupported
	}
	binary.LittleEndian.PutUint64(dst, math.Float64bits(r))
	return nil
}

// applyComplex supports SUM/PROD over float/double complex pairs (real,
// imag interleaved); MIN/MAX are undefined for complex per spec.md §4.1.
func applyComplex(op ptlcore.AtomOp, dt ptlcore.DataType, dst, src []byte) error {
	if op != ptlcore.AtomSum && op != ptlcore.AtomProd {
		return ErrUnsupported
	}
	half := len(dst) / 2
	if dt == ptlcore.FloatComplex {
		ar, ai := math.Float32frombits(binary.LittleEndian.Uint32(dst[:half])), math.Float32frombits(binary.LittleEndian.Uint32(dst[half:]))
		br, bi := math.Float32frombits(binary.LittleEndian.Uint32(src[:half])), math.Float32frombits(binary.LittleEndian.Uint32(src[half:]))
		var rr, ri float32
		if op == ptlcore.AtomSum {
			rr, ri = ar+br, ai+bi
		} else {
			rr, ri = ar*br-ai*bi, ar*bi+ai*br
		}
		binary.LittleEndian.PutUint32(dst[:half], math.Float32bits(rr))
		binary.LittleEndian.PutUint32(dst[half:], math.Float32bits(ri))
		return nil
	}
	ar, ai := math.Float64frombits(binary.LittleEndian.Uint64(dst[:half])), math.Float64frombits(binary.LittleEndian.Uint64(dst[half:]))
	br, bi := math.Float64frombits(binary.LittleEndian.Uint64(src[:half])), math.Float64frombits(binary.LittleEndian.Uint64(src[half:]))
	var rr, ri float64
	if op == ptlcore.AtomSum {
		rr, ri = ar+br, ai+bi
	} else {
		rr, ri = ar*br-ai*bi, ar*bi+ai*br
	}
	binary.LittleEndian.PutUint64(dst[:half], math.Float64bits(rr))
	binary.LittleEndian.PutUint64(dst[half:], math.Float64bits(ri))
	return nil
}

// Swap applies one of the single-datum swap variants (CSWAP*, MSWAP) to a
// datum no larger than ptlcore.MaxSwapDatumSize. pre is returned unchanged
// (the reply carries it); dst is updated in place when the variant's
// condition is satisfied.
func Swap(op ptlcore.AtomOp, dt ptlcore.DataType, dst, operand, newVal []byte) (pre []byte, err error) {
	if len(dst) == 0 || len(dst) != len(operand) || len(dst) != len(newVal) {
		return nil, fmt.Errorf("atomicop: swap length mismatch")
	}
	pre = append([]byte(nil), dst...)

	if op == ptlcore.AtomMSwap {
		for i := range dst {
			dst[i] = (operand[i] & newVal[i]) | (^operand[i] & pre[i])
		}
		return pre, nil
	}

	if op == ptlcore.AtomCSwap {
		if bytesEqual(pre, operand) {
			copy(dst, newVal)
		}
		return pre, nil
	}

	if !op.IsRelational() {
		return nil, ErrUnsupported
	}
	if dt == ptlcore.FloatComplex || dt == ptlcore.DoubleComplex {
		return nil, ErrUnsupported
	}

	cmp, err := compareNumeric(dt, pre, operand)
	if err != nil {
		return nil, err
	}
	var take bool
	switch op {
	case ptlcore.AtomCSwapNE:
		take = cmp != 0
	case ptlcore.AtomCSwapLE:
		take = cmp <= 0
	case ptlcore.AtomCSwapLT:
		take = cmp < 0
	case ptlcore.AtomCSwapGE:
		take = cmp >= 0
	case ptlcore.AtomCSwapGT:
		take = cmp > 0
	default:
		return nil, ErrUnsupported
	}
	if take {
		copy(dst, newVal)
	}
	return pre, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// compareNumeric returns -1/0/1 comparing a against b as dt.
func compareNumeric(dt ptlcore.DataType, a, b []byte) (int, error) {
	switch dt {
	case ptlcore.Int8, ptlcore.Int16, ptlcore.Int32, ptlcore.Int64:
		n := dt.Size()
		av, bv := signExtend(loadUint(a, n), n), signExtend(loadUint(b, n), n)
		return cmpInt64(av, bv), nil
	case ptlcore.UInt8, ptlcore.UInt16, ptlcore.UInt32, ptlcore.UInt64:
		n := dt.Size()
		av, bv := loadUint(a, n), loadUint(b, n)
		return cmpUint64(av, bv), nil
	case ptlcore.Float:
		av := math.Float32frombits(binary.LittleEndian.Uint32(a))
		bv := math.Float32frombits(binary.LittleEndian.Uint32(b))
		return cmpFloat64(float64(av), float64(bv)), nil
	case ptlcore.Double:
		av := math.Float64frombits(binary.LittleEndian.Uint64(a))
		bv := math.Float64frombits(binary.LittleEndian.Uint64(b))
		return cmpFloat64(av, bv), nil
	default:
		return 0, ErrUnsupported
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
