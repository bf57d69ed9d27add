package stack

import (
	"sync"

	"github.com/AlaAlba/microps/internal/sched"
)

// ProtoHandler processes one dequeued frame payload received on dev.
type ProtoHandler func(payload []byte, dev *Device)

// softIRQ is the single soft-IRQ line every protocol queue shares: the
// worker drains every protocol's queue regardless of which one a given
// raise came from, matching "between protocols is unspecified" ordering.
const softIRQ = 1

type queueEntry struct {
	dev     *Device
	payload []byte
}

type protoEntry struct {
	ethType uint16
	handler ProtoHandler

	mu    sync.Mutex
	queue []queueEntry
}

// Demux is the process-wide protocol registry: one input queue per
// registered ethertype, drained by a single soft-IRQ worker.
type Demux struct {
	irq *sched.IRQTable

	mu    sync.Mutex
	protos []*protoEntry
}

// NewDemux constructs a Demux bound to irq and registers the soft-IRQ
// handler that drains every protocol queue.
func NewDemux(irq *sched.IRQTable) *Demux {
	d := &Demux{irq: irq}
	_ = irq.RequestIRQ(softIRQ, func(int, any) { d.drain() }, 0, "net-softirq", nil)
	return d
}

// Register appends a handler for ethType. Unknown types arriving on
// Input are dropped silently.
func (d *Demux) Register(ethType uint16, handler ProtoHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.protos = append(d.protos, &protoEntry{ethType: ethType, handler: handler})
}

func (d *Demux) find(ethType uint16) *protoEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.protos {
		if p.ethType == ethType {
			return p
		}
	}
	return nil
}

// Input is the driver-facing entry point: it is invoked from a device
// ISR with the already-deframed ethertype and payload. It enqueues a
// copy of payload on the matching protocol's queue (FIFO within that
// protocol) and raises the soft-IRQ; unmatched ethertypes are dropped.
func (d *Demux) Input(ethType uint16, payload []byte, dev *Device) {
	p := d.find(ethType)
	if p == nil {
		return
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)

	p.mu.Lock()
	p.queue = append(p.queue, queueEntry{dev: dev, payload: cp})
	p.mu.Unlock()

	d.irq.RaiseIRQ(softIRQ)
}

// drain walks every protocol and pops its queue until empty, calling the
// registered handler per entry. Entries within one protocol are FIFO;
// the order protocols are visited in is unspecified.
func (d *Demux) drain() {
	d.mu.Lock()
	protos := append([]*protoEntry(nil), d.protos...)
	d.mu.Unlock()

	for _, p := range protos {
		for {
			p.mu.Lock()
			if len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			entry := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()

			p.handler(entry.payload, entry.dev)
		}
	}
}
