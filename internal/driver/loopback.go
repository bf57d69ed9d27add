// Package driver implements the device backends registered with the
// stack: an in-process loopback, a dummy sink used in tests, and (Linux
// only) a TAP device for talking to a real kernel interface.
package driver

import (
	"net"
	"sync"

	"github.com/AlaAlba/microps/internal/sched"
	"github.com/AlaAlba/microps/internal/stack"
)

// LoopbackIRQ is the loopback driver's compile-time IRQ line.
const LoopbackIRQ = 2

// LoopbackMTU is large enough that nothing the stack emits ever exceeds
// it (no physical medium to bound it).
const LoopbackMTU = 65535

type loopback struct {
	demux *stack.Demux
	irq   *sched.IRQTable

	mu    sync.Mutex
	queue []loopbackFrame
}

type loopbackFrame struct {
	ethType uint16
	payload []byte
}

// NewLoopback constructs a loopback Device: frames handed to Transmit
// are queued and replayed into demux from a self-raised IRQ, exactly as
// if they had arrived from the network.
func NewLoopback(demux *stack.Demux, irq *sched.IRQTable) *stack.Device {
	lo := &loopback{demux: demux, irq: irq}
	dev := stack.Alloc()
	dev.Type = stack.LinkLoopback
	dev.Flags = stack.FlagLoopback
	dev.MTU = LoopbackMTU
	dev.HdrLen = 0
	dev.AddrLen = 0
	dev.Ops = stack.Ops{Transmit: lo.transmit}
	dev.Priv = lo

	_ = irq.RequestIRQ(LoopbackIRQ, func(int, any) { lo.drain(dev) }, 0, "lo", nil)
	return dev
}

func (lo *loopback) transmit(dev *stack.Device, ethType uint16, payload []byte, _ net.HardwareAddr) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	lo.mu.Lock()
	lo.queue = append(lo.queue, loopbackFrame{ethType: ethType, payload: cp})
	lo.mu.Unlock()

	lo.irq.RaiseIRQ(LoopbackIRQ)
	return nil
}

func (lo *loopback) drain(dev *stack.Device) {
	lo.mu.Lock()
	frames := lo.queue
	lo.queue = nil
	lo.mu.Unlock()

	for _, f := range frames {
		lo.demux.Input(f.ethType, f.payload, dev)
	}
}
