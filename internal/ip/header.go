// Package ip implements IPv4 datagram validation, routing, upper-layer
// dispatch, and ARP-gated output.
package ip

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/AlaAlba/microps/internal/chksum"
)

// HdrMin is the fixed 20-byte IPv4 header length this stack emits and
// the minimum it requires on input. No options are ever generated; on
// input, options (ihl > 5) are skipped and not retained.
const HdrMin = 20

// Version is the only IP version this stack accepts.
const Version = 4

// Protocol numbers used in the header's protocol field.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// ErrMalformed covers every header-validation failure: short length,
// wrong version, inconsistent length fields, and bad checksum.
var ErrMalformed = errors.New("ip: malformed header")

// ErrFragmented is returned for any datagram carrying a non-zero
// fragment offset or the MF flag; this stack drops fragments by design.
var ErrFragmented = errors.New("ip: fragmented datagrams are not supported")

// Header is a parsed IPv4 header (any options are not retained).
type Header struct {
	IHL      int
	TOS      uint8
	Total    int
	ID       uint16
	DF       bool
	MF       bool
	FragOff  uint16
	TTL      uint8
	Protocol uint8
	Checksum uint16
	Src      net.IP
	Dst      net.IP
}

// ParseHeader validates and parses the first hlen bytes of b as an IPv4
// header per §4.7: version, length consistency, and checksum are all
// checked; fragmented datagrams are rejected.
func ParseHeader(b []byte) (*Header, []byte, error) {
	if len(b) < HdrMin {
		return nil, nil, ErrMalformed
	}
	ihl := int(b[0] & 0x0f)
	version := int(b[0] >> 4)
	hlen := ihl * 4
	if version != Version || ihl < 5 || len(b) < hlen {
		return nil, nil, ErrMalformed
	}
	total := int(binary.BigEndian.Uint16(b[2:4]))
	if total < hlen || total > len(b) {
		return nil, nil, ErrMalformed
	}
	if !chksum.Verify(b[:hlen]) {
		return nil, nil, ErrMalformed
	}

	flagsFrag := binary.BigEndian.Uint16(b[6:8])
	mf := flagsFrag&0x2000 != 0
	df := flagsFrag&0x4000 != 0
	fragOff := flagsFrag & 0x1fff
	if mf || fragOff != 0 {
		return nil, nil, ErrFragmented
	}

	h := &Header{
		IHL:      ihl,
		TOS:      b[1],
		Total:    total,
		ID:       binary.BigEndian.Uint16(b[4:6]),
		DF:       df,
		MF:       mf,
		FragOff:  fragOff,
		TTL:      b[8],
		Protocol: b[9],
		Checksum: binary.BigEndian.Uint16(b[10:12]),
		Src:      net.IP(append([]byte(nil), b[12:16]...)),
		Dst:      net.IP(append([]byte(nil), b[16:20]...)),
	}
	return h, b[hlen:total], nil
}

// BuildHeader serializes a fixed 20-byte header for a payload of length
// payloadLen, with ihl=5, tos=0, flags/offset=0, ttl=255 per §4.7, and
// computes the header checksum.
func BuildHeader(id uint16, protocol uint8, src, dst net.IP, payloadLen int) []byte {
	b := make([]byte, HdrMin)
	b[0] = (Version << 4) | 5
	b[1] = 0
	binary.BigEndian.PutUint16(b[2:4], uint16(HdrMin+payloadLen))
	binary.BigEndian.PutUint16(b[4:6], id)
	binary.BigEndian.PutUint16(b[6:8], 0)
	b[8] = 255
	b[9] = protocol
	binary.BigEndian.PutUint16(b[10:12], 0)
	copy(b[12:16], src.To4())
	copy(b[16:20], dst.To4())
	sum := chksum.Sum(b, 0)
	binary.BigEndian.PutUint16(b[10:12], sum)
	return b
}

// PseudoHeader builds the 12-byte UDP/TCP pseudo-header used to seed
// their checksums.
func PseudoHeader(src, dst net.IP, protocol uint8, length int) []byte {
	b := make([]byte, 12)
	copy(b[0:4], src.To4())
	copy(b[4:8], dst.To4())
	b[8] = 0
	b[9] = protocol
	binary.BigEndian.PutUint16(b[10:12], uint16(length))
	return b
}
