package ptl4

// MD is an initiator-side memory descriptor: the local buffer and
// event/counting-event binding an initiator operation reads from or
// writes into, per spec.md §3 "Memory Descriptor (MD)".
type MD struct {
	Start   []byte
	Length  uint64
	Options Options
	EQ      *EQ
	CT      *CT
}

// MDBind constructs an MD over buf. Matches PtlMDBind: no registration with
// the NI is required beyond what PtlPut/PtlGet/PtlAtomic/PtlFetchAtomic/
// PtlSwap do per call, since this module's transport abstraction addresses
// peer memory directly through transport.Transport rather than a
// pre-registered rkey table.
func MDBind(buf []byte, options Options, eq *EQ, ct *CT) *MD {
	return &MD{Start: buf, Length: uint64(len(buf)), Options: options, EQ: eq, CT: ct}
}
