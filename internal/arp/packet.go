package arp

import (
	"encoding/binary"
	"errors"
	"net"
)

// Wire-format constants for the Ethernet/IPv4 ARP message this stack
// supports; any other hardware/protocol combination is rejected.
const (
	HTypeEthernet uint16 = 1
	PTypeIPv4     uint16 = 0x0800

	hlenEthernet = 6
	plenIPv4     = 4

	// WireLen is the fixed length of an Ethernet/IPv4 ARP message.
	WireLen = 8 + 2*hlenEthernet + 2*plenIPv4

	// EtherType is the Ethernet frame type carrying ARP messages.
	EtherType uint16 = 0x0806
)

// Opcode distinguishes ARP requests from replies.
type Opcode uint16

const (
	OpRequest Opcode = 1
	OpReply   Opcode = 2
)

// Message is a parsed Ethernet/IPv4 ARP packet.
type Message struct {
	Op  Opcode
	SHA net.HardwareAddr // sender hardware address
	SPA net.IP           // sender protocol address
	THA net.HardwareAddr // target hardware address
	TPA net.IP           // target protocol address
}

// ErrMalformed is returned by Unmarshal for anything shorter than
// WireLen or carrying an unsupported hardware/protocol address space.
var ErrMalformed = errors.New("arp: malformed or unsupported message")

// Marshal serializes m into its fixed 28-byte wire format.
func (m *Message) Marshal() []byte {
	b := make([]byte, WireLen)
	be := binary.BigEndian
	be.PutUint16(b[0:2], HTypeEthernet)
	be.PutUint16(b[2:4], PTypeIPv4)
	b[4] = hlenEthernet
	b[5] = plenIPv4
	be.PutUint16(b[6:8], uint16(m.Op))
	copy(b[8:14], m.SHA)
	copy(b[14:18], m.SPA.To4())
	copy(b[18:24], m.THA)
	copy(b[24:28], m.TPA.To4())
	return b
}

// Unmarshal parses an ARP message, validating the hardware/protocol
// address-space fields per §4.6: only Ethernet (type 1, len 6) and
// IPv4 (type 0x0800, len 4) are accepted.
func Unmarshal(b []byte) (*Message, error) {
	if len(b) < WireLen {
		return nil, ErrMalformed
	}
	be := binary.BigEndian
	if be.Uint16(b[0:2]) != HTypeEthernet || b[4] != hlenEthernet {
		return nil, ErrMalformed
	}
	if be.Uint16(b[2:4]) != PTypeIPv4 || b[5] != plenIPv4 {
		return nil, ErrMalformed
	}
	m := &Message{
		Op:  Opcode(be.Uint16(b[6:8])),
		SHA: net.HardwareAddr(append([]byte(nil), b[8:14]...)),
		SPA: net.IP(append([]byte(nil), b[14:18]...)),
		THA: net.HardwareAddr(append([]byte(nil), b[18:24]...)),
		TPA: net.IP(append([]byte(nil), b[24:28]...)),
	}
	return m, nil
}
