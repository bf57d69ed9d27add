package tcp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AlaAlba/microps/internal/ip"
)

func TestTCP_Segment_BuildThenParseRoundTrips(t *testing.T) {
	t.Parallel()

	src := net.IPv4(10, 0, 0, 1).To4()
	dst := net.IPv4(10, 0, 0, 2).To4()
	raw := buildSegment(1000, 80, 5, 6, FlagACK|FlagPSH, 4096, []byte("data"), src, dst)

	pseudo := ip.PseudoHeader(src, dst, ip.ProtoTCP, len(raw))
	seg, ok := parseSegment(raw, pseudo)
	require.True(t, ok)
	require.Equal(t, uint16(1000), seg.srcPort)
	require.Equal(t, uint16(80), seg.dstPort)
	require.Equal(t, uint32(5), seg.seq)
	require.Equal(t, uint32(6), seg.ack)
	require.True(t, seg.flags.has(FlagACK))
	require.True(t, seg.flags.has(FlagPSH))
	require.Equal(t, []byte("data"), seg.data)
	require.Equal(t, uint32(len(seg.data)), seg.len)
}

func TestTCP_Segment_ParseRejectsBadChecksum(t *testing.T) {
	t.Parallel()

	src := net.IPv4(10, 0, 0, 1).To4()
	dst := net.IPv4(10, 0, 0, 2).To4()
	raw := buildSegment(1000, 80, 5, 0, FlagSYN, 4096, nil, src, dst)
	raw[len(raw)-1] ^= 0xff

	pseudo := ip.PseudoHeader(src, dst, ip.ProtoTCP, len(raw))
	_, ok := parseSegment(raw, pseudo)
	require.False(t, ok)
}

func TestTCP_Acceptable_EmptySegmentWithZeroWindowMatchesExactSeq(t *testing.T) {
	t.Parallel()

	require.True(t, acceptable(&segment{seq: 100}, 100, 0))
	require.False(t, acceptable(&segment{seq: 101}, 100, 0))
}

func TestTCP_Acceptable_DataSegmentNeedsOverlap(t *testing.T) {
	t.Parallel()

	seg := &segment{seq: 100, len: 10}
	require.True(t, acceptable(seg, 100, 50))
	require.False(t, acceptable(&segment{seq: 200, len: 10}, 100, 50))
	require.False(t, acceptable(&segment{seq: 100, len: 10}, 100, 0))
}
