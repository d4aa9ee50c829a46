// Package bufpool provides pooled scratch buffers for reply payloads and
// atomic/swap scratch space, avoiding hot-path allocations in the target
// state machine.
package bufpool

import "sync"

// Size thresholds, power-of-4 buckets from 4KB up to 1MB; larger requests
// are allocated directly.
const (
	size4k   = 4 * 1024
	size16k  = 16 * 1024
	size64k  = 64 * 1024
	size256k = 256 * 1024
	size1m   = 1024 * 1024
)

var global = struct {
	p4k, p16k, p64k, p256k, p1m sync.Pool
}{
	p4k:   sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	p16k:  sync.Pool{New: func() any { b := make([]byte, size16k); return &b }},
	p64k:  sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	p256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
	p1m:   sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
}

// Get returns a pooled buffer of at least the requested size. Callers must
// call Put when done with it.
func Get(size int) []byte {
	switch {
	case size <= size4k:
		return (*global.p4k.Get().(*[]byte))[:size]
	case size <= size16k:
		return (*global.p16k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*global.p64k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*global.p256k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*global.p1m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// Put returns a buffer obtained from Get back to its pool. Buffers with a
// non-standard capacity (the size > 1MB fallback) are simply dropped.
func Put(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size4k:
		global.p4k.Put(&buf)
	case size16k:
		global.p16k.Put(&buf)
	case size64k:
		global.p64k.Put(&buf)
	case size256k:
		global.p256k.Put(&buf)
	case size1m:
		global.p1m.Put(&buf)
	}
}
