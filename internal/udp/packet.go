package udp

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/AlaAlba/microps/internal/chksum"
	"github.com/AlaAlba/microps/internal/ip"
)

// HdrLen is the fixed 8-byte UDP header length.
const HdrLen = 8

// ErrMalformed is returned by Parse for anything shorter than HdrLen,
// whose length field disagrees with the actual payload, or whose
// checksum (when non-zero) fails to verify.
var ErrMalformed = errors.New("udp: malformed datagram")

// header is a parsed UDP header; parse returns the payload separately.
type header struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
	Sum     uint16
}

// parse validates and splits b (a UDP segment, pseudo-header not
// included) into its header fields and payload, verifying the checksum
// against pseudo per §4.9 when the segment's checksum field is non-zero
// (zero means "checksum not computed," which this receiver accepts).
func parse(b []byte, pseudo []byte) (header, []byte, error) {
	if len(b) < HdrLen {
		return header{}, nil, ErrMalformed
	}
	h := header{
		SrcPort: binary.BigEndian.Uint16(b[0:2]),
		DstPort: binary.BigEndian.Uint16(b[2:4]),
		Length:  binary.BigEndian.Uint16(b[4:6]),
		Sum:     binary.BigEndian.Uint16(b[6:8]),
	}
	if int(h.Length) != len(b) {
		return header{}, nil, ErrMalformed
	}
	if h.Sum != 0 {
		seed := chksum.PseudoSeed(pseudo)
		if chksum.Sum(b, seed) != 0 {
			return header{}, nil, ErrMalformed
		}
	}
	return h, b[HdrLen:], nil
}

// build serializes a UDP segment from srcPort/dstPort/payload, seeding
// its checksum with the pseudo-header computed from src/dst.
func build(srcPort, dstPort uint16, payload []byte, src, dst net.IP) []byte {
	total := HdrLen + len(payload)
	b := make([]byte, total)
	binary.BigEndian.PutUint16(b[0:2], srcPort)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint16(b[4:6], uint16(total))
	copy(b[HdrLen:], payload)

	pseudo := ip.PseudoHeader(src, dst, ip.ProtoUDP, total)
	seed := chksum.PseudoSeed(pseudo)
	sum := chksum.Sum(b, seed)
	if sum == 0 {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(b[6:8], sum)
	return b
}
