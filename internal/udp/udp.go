// Package udp implements a minimal UDP socket layer: a fixed-size PCB
// table, bind/open/close, sendto/recvfrom with a per-PCB receive queue,
// and ephemeral port allocation, per §4.9.
package udp

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/AlaAlba/microps/internal/ip"
	"github.com/AlaAlba/microps/internal/metrics"
	"github.com/AlaAlba/microps/internal/sched"
	"github.com/AlaAlba/microps/internal/stack"
)

// MaxPCBs is the fixed capacity of the PCB table.
const MaxPCBs = 16

// Ephemeral port range scanned by Bind when the caller asks for port 0.
const (
	ephemeralLo = 49152
	ephemeralHi = 65535
)

type pcbState int

const (
	pcbFree pcbState = iota
	pcbOpen
	pcbClosing
)

// ID identifies an open PCB, handed back by Open and taken by every
// other call.
type ID int

var (
	// ErrNoPCB is returned when id does not name an open PCB.
	ErrNoPCB = errors.New("udp: no such socket")
	// ErrExhausted is returned by Open when the PCB table is full.
	ErrExhausted = errors.New("udp: pcb table exhausted")
	// ErrInUse is returned by Bind when the requested local address and
	// port are already bound by another PCB.
	ErrInUse = errors.New("udp: address already in use")
	// ErrNoEphemeralPort is returned by Bind when every port in the
	// ephemeral range is taken.
	ErrNoEphemeralPort = errors.New("udp: no ephemeral port available")
	// ErrClosed is returned by RecvFrom when the PCB is closing.
	ErrClosed = errors.New("udp: socket closed")
)

type datagram struct {
	src     net.IP
	srcPort uint16
	data    []byte
}

type pcb struct {
	mu    sync.Mutex
	state pcbState

	localAddr net.IP
	localPort uint16

	queue []datagram
	ctx   *sched.Ctx
}

// Service is the process-wide UDP layer: a fixed PCB table bound to an
// ip.Router for datagram input and output.
type Service struct {
	router *ip.Router
	log    *slog.Logger

	mu   sync.Mutex
	pcbs [MaxPCBs]*pcb
}

// NewService constructs a Service and registers it with router at the
// UDP protocol number.
func NewService(router *ip.Router, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{router: router, log: log.With("component", "udp")}
	for i := range s.pcbs {
		p := &pcb{}
		p.ctx = sched.New(&p.mu)
		s.pcbs[i] = p
	}
	router.RegisterProtocol(ip.ProtoUDP, s.input)
	return s
}

// Open allocates a FREE PCB and returns it in the OPEN, unbound state.
func (s *Service) Open() (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pcbs {
		p.mu.Lock()
		if p.state == pcbFree {
			p.state = pcbOpen
			p.localAddr = nil
			p.localPort = 0
			p.queue = nil
			p.mu.Unlock()
			return ID(i), nil
		}
		p.mu.Unlock()
	}
	return 0, ErrExhausted
}

func (s *Service) get(id ID) (*pcb, error) {
	if int(id) < 0 || int(id) >= MaxPCBs {
		return nil, ErrNoPCB
	}
	p := s.pcbs[id]
	p.mu.Lock()
	if p.state == pcbFree {
		p.mu.Unlock()
		return nil, ErrNoPCB
	}
	p.mu.Unlock()
	return p, nil
}

// Close marks id as closing and interrupts any blocked RecvFrom. Close
// itself never blocks: releasing the PCB back to the free state is
// deferred to whichever caller, Close or a woken RecvFrom, last observes
// it with no other goroutine still sleeping on it.
func (s *Service) Close(id ID) error {
	p, err := s.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.state = pcbClosing
	p.ctx.Interrupt()
	s.finalizeClose(p)
	p.mu.Unlock()
	return nil
}

// finalizeClose releases p back to the free state once no goroutine is
// still blocked in RecvFrom on it. A no-op while waiters remain; the
// last one to wake and observe pcbClosing completes the release.
// Caller holds p.mu.
func (s *Service) finalizeClose(p *pcb) {
	if p.state != pcbClosing || p.ctx.Destroy() != nil {
		return
	}
	p.ctx.Clear()
	p.state = pcbFree
	p.localAddr = nil
	p.localPort = 0
	p.queue = nil
}

// Bind assigns addr:port as id's local endpoint. A zero port scans the
// ephemeral range for an unused one; a zero addr binds the wildcard
// address, matching any destination at the resolved port.
func (s *Service) Bind(id ID, addr net.IP, port uint16) error {
	p, err := s.get(id)
	if err != nil {
		return err
	}
	if addr != nil {
		addr = addr.To4()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if port == 0 {
		found, err := s.findEphemeral(addr)
		if err != nil {
			return err
		}
		port = found
	} else if s.conflicts(id, addr, port) {
		return ErrInUse
	}

	p.mu.Lock()
	p.localAddr = addr
	p.localPort = port
	p.mu.Unlock()
	return nil
}

// conflicts reports whether addr:port is already bound by a PCB other
// than except. Caller must hold s.mu.
func (s *Service) conflicts(except ID, addr net.IP, port uint16) bool {
	for i, p := range s.pcbs {
		if ID(i) == except {
			continue
		}
		p.mu.Lock()
		bound := p.state == pcbOpen && p.localPort == port &&
			(p.localAddr == nil || addr == nil || p.localAddr.Equal(addr))
		p.mu.Unlock()
		if bound {
			return true
		}
	}
	return false
}

func (s *Service) findEphemeral(addr net.IP) (uint16, error) {
	for port := ephemeralLo; port <= ephemeralHi; port++ {
		if !s.conflicts(-1, addr, uint16(port)) {
			return uint16(port), nil
		}
	}
	return 0, ErrNoEphemeralPort
}

// SendTo transmits data from id's local endpoint (auto-binding an
// ephemeral port first, if unbound) to dst:dstPort.
func (s *Service) SendTo(id ID, data []byte, dst net.IP, dstPort uint16) error {
	p, err := s.get(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	localPort := p.localPort
	localAddr := p.localAddr
	p.mu.Unlock()

	if localPort == 0 {
		if err := s.Bind(id, localAddr, 0); err != nil {
			return err
		}
		p.mu.Lock()
		localPort = p.localPort
		localAddr = p.localAddr
		p.mu.Unlock()
	}

	src := localAddr
	if src == nil {
		iface, err := s.router.IfaceFor(dst)
		if err != nil {
			return err
		}
		src = iface.Unicast
	}

	seg := build(localPort, dstPort, data, src, dst)
	return s.router.Output(ip.ProtoUDP, seg, src, dst)
}

// Socket is a snapshot of one PCB's endpoint state, for the control
// surface.
type Socket struct {
	ID        ID
	LocalAddr net.IP
	LocalPort uint16
	Queued    int
}

// Snapshot returns every currently open socket.
func (s *Service) Snapshot() []Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Socket
	for i, p := range s.pcbs {
		p.mu.Lock()
		if p.state == pcbOpen {
			out = append(out, Socket{ID: ID(i), LocalAddr: p.localAddr, LocalPort: p.localPort, Queued: len(p.queue)})
		}
		p.mu.Unlock()
	}
	return out
}

// Interrupt wakes every open PCB's context, per §5's "SIGINT publishes a
// global event that interrupts every live PCB context."
func (s *Service) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pcbs {
		p.mu.Lock()
		if p.state == pcbOpen {
			p.ctx.Interrupt()
		}
		p.mu.Unlock()
	}
}

// RecvFrom blocks until a datagram arrives for id, the socket is closed
// (ErrClosed), or its context is interrupted (sched.ErrInterrupted),
// returning the datagram's payload and its source endpoint.
func (s *Service) RecvFrom(id ID) ([]byte, net.IP, uint16, error) {
	p, err := s.get(id)
	if err != nil {
		return nil, nil, 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 {
		if p.state != pcbOpen {
			s.finalizeClose(p)
			return nil, nil, 0, ErrClosed
		}
		if err := p.ctx.Sleep(time.Time{}); err != nil {
			if p.state == pcbOpen {
				return nil, nil, 0, err
			}
			s.finalizeClose(p)
			return nil, nil, 0, ErrClosed
		}
	}
	dg := p.queue[0]
	p.queue = p.queue[1:]
	return dg.data, dg.src, dg.srcPort, nil
}

// input is the ip.Handler registered for ip.ProtoUDP: it parses the
// segment, finds a PCB bound to dst's port (wildcard-address PCBs match
// any destination), and enqueues the datagram, waking any blocked
// receiver. Datagrams for which no PCB is bound are silently dropped.
func (s *Service) input(payload []byte, src, dst net.IP, iface *stack.IPInterface) {
	pseudo := ip.PseudoHeader(src, dst, ip.ProtoUDP, len(payload))
	h, data, err := parse(payload, pseudo)
	if err != nil {
		metrics.UDPDatagramsDroppedTotal.Inc()
		s.log.Debug("dropping malformed udp datagram", "error", err)
		return
	}

	s.mu.Lock()
	var target *pcb
	for _, p := range s.pcbs {
		p.mu.Lock()
		if p.state == pcbOpen && p.localPort == h.DstPort &&
			(p.localAddr == nil || p.localAddr.Equal(dst)) {
			target = p
			p.mu.Unlock()
			break
		}
		p.mu.Unlock()
	}
	s.mu.Unlock()
	if target == nil {
		metrics.UDPDatagramsDroppedTotal.Inc()
		return
	}

	target.mu.Lock()
	target.queue = append(target.queue, datagram{src: src, srcPort: h.SrcPort, data: data})
	target.ctx.Wake()
	target.mu.Unlock()
	metrics.UDPDatagramsInTotal.Inc()
}
