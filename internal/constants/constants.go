// Package constants holds NI-wide default limits shared across the core.
package constants

// Default NI limits. These mirror the defaults an `ptl_ni_limits_t` caller
// would negotiate at PtlNIInit time. NIOptions overrides the PT-index,
// message, atomic and inline limits; NIConfig carries all of them except
// the inline limit.
const (
	// DefaultMaxPTIndex is the number of entries in the Portals Table.
	DefaultMaxPTIndex = 64

	// DefaultMaxMsgSize bounds non-atomic PUT/GET/data-phase lengths.
	DefaultMaxMsgSize = 1 << 20

	// DefaultMaxAtomicSize bounds ATOMIC/FETCH payload lengths.
	DefaultMaxAtomicSize = 64

	// DefaultMaxInlineData is the data-phase length above which the target
	// waits for a CONNECTED connection before DATA. Payloads are carried
	// inline at every length; none is staged through RDMA.
	DefaultMaxInlineData = 224

	// DefaultMaxEntries is the default NIConfig.MaxEntries, the number of
	// LEs/MEs per PT; LEAppend does not enforce it.
	DefaultMaxEntries = 4096

	// DefaultEQDepth is the default full-event queue capacity.
	DefaultEQDepth = 1024
)

// Swap datum size: every CSWAP/MSWAP variant operates on a single scalar
// no larger than this, per the Portals datatype table (double complex is
// the widest type at 16 bytes).
const MaxSwapDatumSize = 16
