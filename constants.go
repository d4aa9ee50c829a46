package ptl4

import "github.com/portals4-go/ptl4/internal/constants"

// Re-export constants for public API.
const (
	DefaultMaxPTIndex    = constants.DefaultMaxPTIndex
	DefaultMaxMsgSize    = constants.DefaultMaxMsgSize
	DefaultMaxAtomicSize = constants.DefaultMaxAtomicSize
	DefaultMaxInlineData = constants.DefaultMaxInlineData
	DefaultMaxEntries    = constants.DefaultMaxEntries
	DefaultEQDepth       = constants.DefaultEQDepth
	MaxSwapDatumSize     = constants.MaxSwapDatumSize
)
