package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := &Request{
		H1: Common1{
			Version:   headerVersion,
			Operation: OpPut,
			PktFmt:    PktFmtReq,
			DataIn:    true,
			Handle:    0xdeadbeef,
		},
		H2: Common2{
			AckReq: AckReqAck,
			DstPID: 7,
			SrcPID: 3,
		},
		MatchBits: 0x1122334455667788,
		HdrData:   0x99,
		PTIndex:   4,
		UID:       7,
		Length:    16,
		Offset:    0,
	}

	buf := MarshalRequest(req)
	require.Len(t, buf, RequestSize)

	got, err := UnmarshalRequest(buf)
	require.NoError(t, err)
	require.Equal(t, req.H1.Operation, got.H1.Operation)
	require.Equal(t, req.H1.Handle, got.H1.Handle)
	require.True(t, got.H1.DataIn)
	require.Equal(t, req.MatchBits, got.MatchBits)
	require.Equal(t, req.PTIndex, got.PTIndex)
	require.Equal(t, req.UID, got.UID)
	require.Equal(t, req.Length, got.Length)
}

func TestUnmarshalRequestShort(t *testing.T) {
	_, err := UnmarshalRequest(make([]byte, RequestSize-1))
	require.ErrorIs(t, err, ErrShortHeader)
}

func TestResponseMinimization(t *testing.T) {
	cases := []struct {
		op   Operation
		want int
	}{
		{OpAck, common1Size + regionSize},
		{OpReply, common1Size + regionSize},
		{OpCTAck, common1Size + 8},
		{OpOCAck, common1Size},
		{OpNoAck, common1Size},
	}
	for _, tc := range cases {
		resp := &Response{H1: Common1{Operation: tc.op}, Length: 16, Offset: 4}
		buf := MarshalResponse(resp)
		require.Len(t, buf, tc.want, "op=%s", tc.op)

		got, err := UnmarshalResponse(buf)
		require.NoError(t, err)
		if tc.op == OpAck || tc.op == OpReply {
			require.Equal(t, uint64(16), got.Length)
			require.Equal(t, uint64(4), got.Offset)
		} else if tc.op == OpCTAck {
			require.Equal(t, uint64(16), got.Length)
			require.Equal(t, uint64(0), got.Offset)
		}
	}
}
