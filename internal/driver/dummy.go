package driver

import (
	"net"

	"github.com/AlaAlba/microps/internal/stack"
)

// DummyMTU matches a typical Ethernet MTU, so MTU-exceed behavior can be
// exercised without a real link.
const DummyMTU = 1500

// NewDummy constructs a Device that discards everything handed to
// Transmit and never delivers anything to the demux. Useful for
// exercising IP output and ARP resolution paths in tests without a real
// or loopback link.
func NewDummy() *stack.Device {
	dev := stack.Alloc()
	dev.Type = stack.LinkDummy
	dev.MTU = DummyMTU
	dev.HdrLen = 14
	dev.AddrLen = 6
	dev.Ops = stack.Ops{Transmit: func(*stack.Device, uint16, []byte, net.HardwareAddr) error {
		return nil
	}}
	return dev
}
