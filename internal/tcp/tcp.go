// Package tcp implements the RFC 793 subset described in §4.10: passive
// open only, a fixed PCB table, the segment-arrives state machine for
// LISTEN/SYN-RECEIVED/ESTABLISHED, and the blocking send/receive API.
package tcp

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/AlaAlba/microps/internal/ip"
	"github.com/AlaAlba/microps/internal/metrics"
	"github.com/AlaAlba/microps/internal/sched"
	"github.com/AlaAlba/microps/internal/stack"
)

// MaxPCBs is the fixed capacity of the TCP PCB table.
const MaxPCBs = 16

// BufSize is the fixed receive-buffer capacity, and therefore the
// largest window this stack ever advertises.
const BufSize = 65535

type state int

const (
	stateFree state = iota
	stateListen
	stateSynReceived
	stateEstablished
)

// ID identifies an open PCB.
type ID int

var (
	// ErrActiveOpenUnsupported is returned by Open when active is true;
	// §4.10 explicitly disallows active open.
	ErrActiveOpenUnsupported = errors.New("tcp: active open not implemented")
	// ErrExhausted is returned by Open when the PCB table is full.
	ErrExhausted = errors.New("tcp: pcb table exhausted")
	ErrNoPCB     = errors.New("tcp: no such connection")
	// ErrReset is returned by Open/Send/Receive when the connection was
	// reset or otherwise failed to reach/remain in the expected state.
	ErrReset = errors.New("tcp: connection reset")
	// ErrNotEstablished is returned by Send/Receive outside ESTABLISHED.
	ErrNotEstablished = errors.New("tcp: connection not established")
	// ErrInterrupted mirrors sched.ErrInterrupted for callers that only
	// import this package.
	ErrInterrupted = sched.ErrInterrupted
)

type endpoint struct {
	addr net.IP
	port uint16
}

func (e endpoint) matches(addr net.IP, port uint16) bool {
	return e.port == port && (e.addr == nil || e.addr.Equal(addr))
}

type pcb struct {
	state state

	local           endpoint
	foreign         endpoint
	foreignWildcard bool
	iface           *stack.IPInterface

	sndUna, sndNxt, sndWl1, sndWl2 uint32
	sndWnd                         uint16
	iss                            uint32

	rcvNxt uint32
	rcvWnd uint16
	irs    uint32

	buf      [BufSize]byte
	occupied int

	ctx *sched.Ctx
}

// Service is the process-wide TCP layer: a fixed PCB table and a single
// mutex guarding every PCB, matching §4.10's "all PCB operations under
// the TCP mutex."
type Service struct {
	router *ip.Router
	log    *slog.Logger

	mu   sync.Mutex
	pcbs [MaxPCBs]*pcb
}

// NewService constructs a Service and registers it with router at the
// TCP protocol number.
func NewService(router *ip.Router, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{router: router, log: log.With("component", "tcp")}
	for i := range s.pcbs {
		p := &pcb{}
		p.ctx = sched.New(&s.mu)
		s.pcbs[i] = p
	}
	router.RegisterProtocol(ip.ProtoTCP, s.input)
	return s
}

// Open implements open_rfc793: active opens are refused outright; a
// passive open allocates a PCB, binds local (and foreign, if given), and
// blocks until the connection is ESTABLISHED, reset, or interrupted.
func (s *Service) Open(local net.IP, localPort uint16, foreign net.IP, foreignPort uint16, active bool) (ID, error) {
	if active {
		return 0, ErrActiveOpenUnsupported
	}

	s.mu.Lock()
	var id ID = -1
	for i, p := range s.pcbs {
		if p.state == stateFree {
			id = ID(i)
			break
		}
	}
	if id == -1 {
		s.mu.Unlock()
		return 0, ErrExhausted
	}
	p := s.pcbs[id]
	p.local = endpoint{addr: local, port: localPort}
	if foreign != nil {
		p.foreign = endpoint{addr: foreign, port: foreignPort}
		p.foreignWildcard = false
	} else {
		p.foreignWildcard = true
	}
	p.state = stateListen

	for {
		cur := p.state
		err := p.ctx.Sleep(time.Time{})
		if err != nil {
			p.state = stateFree
			s.mu.Unlock()
			return 0, err
		}
		if p.state == cur {
			continue
		}
		switch p.state {
		case stateEstablished:
			s.mu.Unlock()
			return id, nil
		case stateSynReceived:
			continue
		default:
			p.state = stateFree
			s.mu.Unlock()
			return 0, ErrReset
		}
	}
}

func (s *Service) get(id ID) (*pcb, error) {
	if int(id) < 0 || int(id) >= MaxPCBs {
		return nil, ErrNoPCB
	}
	p := s.pcbs[id]
	if p.state == stateFree {
		return nil, ErrNoPCB
	}
	return p, nil
}

// Close sends a bare RST (when the PCB has reached SYN-RECEIVED or
// later) and releases the PCB.
func (s *Service) Close(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(id)
	if err != nil {
		return err
	}
	if p.state == stateSynReceived || p.state == stateEstablished {
		s.sendSegment(p, FlagRST, p.sndNxt, nil)
	}
	p.ctx.Interrupt()
	p.state = stateFree
	p.occupied = 0
	p.ctx.Clear()
	return nil
}

// Send implements tcp_send: ESTABLISHED only, chunked to MSS and the
// current send window, blocking when the window is full.
func (s *Service) Send(id ID, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(id)
	if err != nil {
		return 0, err
	}
	if p.state != stateEstablished {
		return -1, ErrNotEstablished
	}

	mss := p.iface.Device().MTU - (ip.HdrMin + HdrLen)
	sent := 0
	for sent < len(data) {
		window := int(p.sndWnd) - int(p.sndNxt-p.sndUna)
		if window <= 0 {
			if err := p.ctx.Sleep(time.Time{}); err != nil {
				if sent > 0 {
					return sent, nil
				}
				return -1, err
			}
			if p.state != stateEstablished {
				if sent > 0 {
					return sent, nil
				}
				return -1, ErrNotEstablished
			}
			continue
		}
		chunk := mss
		if remaining := len(data) - sent; remaining < chunk {
			chunk = remaining
		}
		if window < chunk {
			chunk = window
		}
		s.sendSegment(p, FlagACK|FlagPSH, p.sndNxt, data[sent:sent+chunk])
		p.sndNxt += uint32(chunk)
		sent += chunk
	}
	if sent == 0 {
		return -1, nil
	}
	return sent, nil
}

// Receive implements tcp_receive: ESTABLISHED only, blocking while the
// receive buffer is empty.
func (s *Service) Receive(id ID, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(id)
	if err != nil {
		return 0, err
	}
	if p.state != stateEstablished {
		return -1, ErrNotEstablished
	}
	for p.occupied == 0 {
		if err := p.ctx.Sleep(time.Time{}); err != nil {
			return -1, err
		}
		if p.state != stateEstablished {
			return -1, ErrNotEstablished
		}
	}
	n := len(buf)
	if p.occupied < n {
		n = p.occupied
	}
	copy(buf, p.buf[:n])
	copy(p.buf[:], p.buf[n:p.occupied])
	p.occupied -= n
	p.rcvWnd += uint16(n)
	return n, nil
}

// sendSegment builds and transmits a segment on p's behalf, with seq
// supplied by the caller (p.iss for the initial SYN, p.sndNxt for ACKs,
// data and Close's RST, seg.ack for a RST rejecting an unacceptable ACK)
// and p.rcvNxt as the ack field when FlagACK is set (zero otherwise).
// Caller holds s.mu.
func (s *Service) sendSegment(p *pcb, flags Flag, seq uint32, data []byte) {
	ack := p.rcvNxt
	if flags&FlagACK == 0 {
		ack = 0
	}
	seg := buildSegment(p.local.port, p.foreign.port, seq, ack, flags, p.rcvWnd, data, p.local.addr, p.foreign.addr)
	if err := s.router.Output(ip.ProtoTCP, seg, p.local.addr, p.foreign.addr); err != nil {
		s.log.Debug("failed to send tcp segment", "error", err)
	}
}

// resetTo sends a stateless reset in response to a segment that matched
// no PCB, per §4.10 case 1, or to an ACK arriving at a LISTEN PCB.
// srcAddr/srcPort and dstAddr/dstPort are
// already in "our side, their side" order.
func (s *Service) resetTo(srcAddr, dstAddr net.IP, srcPort, dstPort uint16, seg *segment) {
	var flags Flag
	var seq, ack uint32
	if seg.flags.has(FlagACK) {
		flags = FlagRST
		seq = seg.ack
	} else {
		flags = FlagRST | FlagACK
		seq = 0
		ack = seg.seq + seg.len
	}
	b := buildSegment(srcPort, dstPort, seq, ack, flags, 0, nil, srcAddr, dstAddr)
	if err := s.router.Output(ip.ProtoTCP, b, srcAddr, dstAddr); err != nil {
		s.log.Debug("failed to send tcp reset", "error", err)
	}
}

func acceptable(seg *segment, rcvNxt uint32, rcvWnd uint16) bool {
	switch {
	case seg.len == 0 && rcvWnd == 0:
		return seg.seq == rcvNxt
	case seg.len == 0 && rcvWnd > 0:
		return seqInWindow(seg.seq, rcvNxt, rcvWnd)
	case seg.len > 0 && rcvWnd == 0:
		return false
	default:
		lo := seg.seq
		hi := seg.seq + seg.len - 1
		return seqInWindow(lo, rcvNxt, rcvWnd) || seqInWindow(hi, rcvNxt, rcvWnd)
	}
}

// seqInWindow reports whether seq falls in [nxt, nxt+wnd), under
// 32-bit sequence-number wraparound arithmetic.
func seqInWindow(seq, nxt uint32, wnd uint16) bool {
	return seq-nxt < uint32(wnd)
}

// find selects the most-specific matching PCB for an inbound segment: an
// exact local+foreign match wins; otherwise a LISTEN PCB whose local
// matches and whose foreign is wildcarded. Caller holds s.mu.
func (s *Service) find(dst net.IP, dstPort uint16, src net.IP, srcPort uint16) *pcb {
	for _, p := range s.pcbs {
		if p.state == stateFree || p.foreignWildcard {
			continue
		}
		if p.local.matches(dst, dstPort) && p.foreign.matches(src, srcPort) {
			return p
		}
	}
	for _, p := range s.pcbs {
		if p.state != stateListen {
			continue
		}
		if p.local.matches(dst, dstPort) && p.foreignWildcard {
			return p
		}
	}
	return nil
}

// input is the ip.Handler registered for ip.ProtoTCP: it implements the
// segment-arrives state machine subset of §4.10.
func (s *Service) input(payload []byte, src, dst net.IP, iface *stack.IPInterface) {
	pseudo := ip.PseudoHeader(src, dst, ip.ProtoTCP, len(payload))
	seg, ok := parseSegment(payload, pseudo)
	if !ok {
		s.log.Debug("dropping malformed tcp segment")
		return
	}
	metrics.TCPSegmentsInTotal.Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.find(dst, seg.dstPort, src, seg.srcPort)
	if p == nil {
		if seg.flags.has(FlagRST) {
			return
		}
		metrics.TCPResetsSentTotal.Inc()
		s.resetTo(dst, src, seg.dstPort, seg.srcPort, seg)
		return
	}

	switch p.state {
	case stateListen:
		s.inputListen(p, seg, src, dst, iface)
	default:
		s.inputOther(p, seg, src, dst)
	}
}

func (s *Service) inputListen(p *pcb, seg *segment, src, dst net.IP, iface *stack.IPInterface) {
	if seg.flags.has(FlagRST) {
		return
	}
	if seg.flags.has(FlagACK) {
		s.resetTo(dst, src, p.local.port, seg.srcPort, seg)
		return
	}
	if !seg.flags.has(FlagSYN) {
		return
	}

	p.local.addr = append(net.IP(nil), dst...)
	p.foreign = endpoint{addr: append(net.IP(nil), src...), port: seg.srcPort}
	p.foreignWildcard = false
	p.iface = iface
	p.rcvWnd = BufSize
	p.rcvNxt = seg.seq + 1
	p.irs = seg.seq
	p.iss = rand.Uint32()
	p.sndNxt = p.iss + 1
	p.sndUna = p.iss

	s.sendSegment(p, FlagSYN|FlagACK, p.iss, nil)
	p.state = stateSynReceived
	p.ctx.Wake()
}

func (s *Service) inputOther(p *pcb, seg *segment, src, dst net.IP) {
	if !acceptable(seg, p.rcvNxt, p.rcvWnd) {
		if !seg.flags.has(FlagRST) {
			s.sendSegment(p, FlagACK, p.sndNxt, nil)
		}
		return
	}

	if !seg.flags.has(FlagACK) {
		return
	}

	switch p.state {
	case stateSynReceived:
		if p.sndUna <= seg.ack && seg.ack <= p.sndNxt {
			p.state = stateEstablished
			p.ctx.Wake()
		} else {
			s.sendSegment(p, FlagRST, seg.ack, nil)
			return
		}
	case stateEstablished:
		switch {
		case seg.ack <= p.sndUna:
			// duplicate or already-acknowledged ACK, ignore.
		case seg.ack > p.sndNxt:
			s.sendSegment(p, FlagACK, p.sndNxt, nil)
			return
		default:
			p.sndUna = seg.ack
			if p.sndWl1 < seg.seq || (p.sndWl1 == seg.seq && p.sndWl2 <= seg.ack) {
				p.sndWnd = seg.window
				p.sndWl1 = seg.seq
				p.sndWl2 = seg.ack
			}
		}
	}

	if p.state == stateEstablished && len(seg.data) > 0 {
		n := len(seg.data)
		copy(p.buf[BufSize-int(p.rcvWnd):], seg.data)
		p.rcvNxt += uint32(n)
		p.rcvWnd -= uint16(n)
		p.occupied += n
		s.sendSegment(p, FlagACK, p.sndNxt, nil)
		p.ctx.Wake()
	}
}

// Connection is a snapshot of one PCB's endpoint and state, for the
// control surface.
type Connection struct {
	ID          ID
	LocalAddr   net.IP
	LocalPort   uint16
	ForeignAddr net.IP
	ForeignPort uint16
	State       string
}

func (st state) String() string {
	switch st {
	case stateListen:
		return "LISTEN"
	case stateSynReceived:
		return "SYN-RECEIVED"
	case stateEstablished:
		return "ESTABLISHED"
	default:
		return "CLOSED"
	}
}

// Snapshot returns every non-FREE connection.
func (s *Service) Snapshot() []Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Connection
	for i, p := range s.pcbs {
		if p.state == stateFree {
			continue
		}
		out = append(out, Connection{
			ID:          ID(i),
			LocalAddr:   p.local.addr,
			LocalPort:   p.local.port,
			ForeignAddr: p.foreign.addr,
			ForeignPort: p.foreign.port,
			State:       p.state.String(),
		})
	}
	return out
}

// Interrupt wakes every non-FREE PCB's context, per §4.10's event
// fan-out: called on the global SIGINT/shutdown event.
func (s *Service) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pcbs {
		if p.state != stateFree {
			p.ctx.Interrupt()
		}
	}
}
