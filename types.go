package ptl4

import "github.com/portals4-go/ptl4/internal/ptlcore"

// Options is the LE/ME/MD option bitmask, re-exported from internal/ptlcore
// so callers never need to import an internal package directly.
type Options = ptlcore.Options

const (
	OptOpPut               = ptlcore.OptOpPut
	OptOpGet               = ptlcore.OptOpGet
	OptManageLocal         = ptlcore.OptManageLocal
	OptUseOnce             = ptlcore.OptUseOnce
	OptNoTruncate          = ptlcore.OptNoTruncate
	OptAckDisable          = ptlcore.OptAckDisable
	OptEventUnlinkDisable  = ptlcore.OptEventUnlinkDisable
	OptEventCommDisable    = ptlcore.OptEventCommDisable
	OptEventCTComm         = ptlcore.OptEventCTComm
	OptEventCTOverflow     = ptlcore.OptEventCTOverflow
	OptEventSuccessDisable = ptlcore.OptEventSuccessDisable
	OptEventCTBytes        = ptlcore.OptEventCTBytes
	OptIsLogical           = ptlcore.OptIsLogical
)

// Identity is a peer address: {NID,PID} in physical addressing mode or
// {Rank} in logical addressing mode, selected by NIOptions.IsLogical. Use
// ptlcore.AnyID (re-exported as IDAny) for a wildcard field.
type Identity = ptlcore.Identity

// IDAny matches any value of a Rank/NID/PID field, mirroring PTL_RANK_ANY /
// PTL_NID_ANY / PTL_PID_ANY.
const IDAny = ptlcore.AnyID

// AtomOp identifies the atomic or swap-family operator.
type AtomOp = ptlcore.AtomOp

const (
	AtomMin     = ptlcore.AtomMin
	AtomMax     = ptlcore.AtomMax
	AtomSum     = ptlcore.AtomSum
	AtomProd    = ptlcore.AtomProd
	AtomLOr     = ptlcore.AtomLOr
	AtomLAnd    = ptlcore.AtomLAnd
	AtomBOr     = ptlcore.AtomBOr
	AtomBAnd    = ptlcore.AtomBAnd
	AtomLXor    = ptlcore.AtomLXor
	AtomBXor    = ptlcore.AtomBXor
	AtomSwap    = ptlcore.AtomSwap
	AtomCSwap   = ptlcore.AtomCSwap
	AtomCSwapNE = ptlcore.AtomCSwapNE
	AtomCSwapLE = ptlcore.AtomCSwapLE
	AtomCSwapLT = ptlcore.AtomCSwapLT
	AtomCSwapGE = ptlcore.AtomCSwapGE
	AtomCSwapGT = ptlcore.AtomCSwapGT
	AtomMSwap   = ptlcore.AtomMSwap
)

// DataType identifies the atomic/swap datum type.
type DataType = ptlcore.DataType

const (
	Int8          = ptlcore.Int8
	UInt8         = ptlcore.UInt8
	Int16         = ptlcore.Int16
	UInt16        = ptlcore.UInt16
	Int32         = ptlcore.Int32
	UInt32        = ptlcore.UInt32
	Int64         = ptlcore.Int64
	UInt64        = ptlcore.UInt64
	Float         = ptlcore.Float
	Double        = ptlcore.Double
	FloatComplex  = ptlcore.FloatComplex
	DoubleComplex = ptlcore.DoubleComplex
)

// NIFail is the per-operation status code, re-exported from internal/ptlcore.
type NIFail = ptlcore.NIFail

const (
	NIOk            = ptlcore.NIOk
	NIDropped       = ptlcore.NIDropped
	NIPTDisabled    = ptlcore.NIPTDisabled
	NIPermViolation = ptlcore.NIPermViolation
	NIOpViolation   = ptlcore.NIOpViolation
	NIUndeliverable = ptlcore.NIUndeliverable
)
