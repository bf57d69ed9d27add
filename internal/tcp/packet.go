package tcp

import (
	"encoding/binary"
	"net"

	"github.com/AlaAlba/microps/internal/chksum"
	"github.com/AlaAlba/microps/internal/ip"
)

// HdrLen is the fixed 20-byte TCP header length this stack emits and
// the minimum it requires on input. No options are ever generated; on
// input, options (data offset > 5) are skipped and not interpreted.
const HdrLen = 20

// Flag bits, per RFC 793 §3.1.
type Flag uint8

const (
	FlagFIN Flag = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

func (f Flag) has(bit Flag) bool { return f&bit != 0 }

// segment is a parsed TCP header plus its payload, and the derived
// seg.len used throughout §4.10's state machine.
type segment struct {
	srcPort uint16
	dstPort uint16
	seq     uint32
	ack     uint32
	flags   Flag
	window  uint16
	data    []byte
	len     uint32
}

// parseSegment validates b's checksum against pseudo and decodes it.
func parseSegment(b []byte, pseudo []byte) (*segment, bool) {
	if len(b) < HdrLen {
		return nil, false
	}
	seed := chksum.PseudoSeed(pseudo)
	if chksum.Sum(b, seed) != 0 {
		return nil, false
	}

	offset := int(b[12]>>4) * 4
	if offset < HdrLen || offset > len(b) {
		return nil, false
	}

	s := &segment{
		srcPort: binary.BigEndian.Uint16(b[0:2]),
		dstPort: binary.BigEndian.Uint16(b[2:4]),
		seq:     binary.BigEndian.Uint32(b[4:8]),
		ack:     binary.BigEndian.Uint32(b[8:12]),
		flags:   Flag(b[13]),
		window:  binary.BigEndian.Uint16(b[14:16]),
		data:    append([]byte(nil), b[offset:]...),
	}
	s.len = uint32(len(s.data))
	if s.flags.has(FlagSYN) {
		s.len++
	}
	if s.flags.has(FlagFIN) {
		s.len++
	}
	return s, true
}

// buildSegment serializes a TCP segment with no options (data offset 5).
func buildSegment(srcPort, dstPort uint16, seq, ack uint32, flags Flag, window uint16, data []byte, src, dst net.IP) []byte {
	total := HdrLen + len(data)
	b := make([]byte, total)
	binary.BigEndian.PutUint16(b[0:2], srcPort)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint32(b[4:8], seq)
	binary.BigEndian.PutUint32(b[8:12], ack)
	b[12] = 5 << 4
	b[13] = byte(flags)
	binary.BigEndian.PutUint16(b[14:16], window)
	binary.BigEndian.PutUint16(b[18:20], 0)
	copy(b[HdrLen:], data)

	pseudo := ip.PseudoHeader(src, dst, ip.ProtoTCP, total)
	seed := chksum.PseudoSeed(pseudo)
	sum := chksum.Sum(b, seed)
	binary.BigEndian.PutUint16(b[16:18], sum)
	return b
}
