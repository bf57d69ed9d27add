package ip

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/AlaAlba/microps/internal/arp"
	"github.com/AlaAlba/microps/internal/metrics"
	"github.com/AlaAlba/microps/internal/stack"
)

// EtherType is the Ethernet frame type carrying IPv4 datagrams.
const EtherType uint16 = 0x0800

// LimitedBroadcast is 255.255.255.255.
var LimitedBroadcast = net.IPv4bcast.To4()

// Any is the unspecified IPv4 address, 0.0.0.0.
var Any = net.IPv4zero.To4()

// Handler processes a validated, for-us datagram's payload.
type Handler func(payload []byte, src, dst net.IP, iface *stack.IPInterface)

var (
	// ErrUnspecifiedBroadcastSrc is returned when Output is asked to
	// send to a broadcast destination with an unspecified source.
	ErrUnspecifiedBroadcastSrc = errors.New("ip: cannot send to broadcast destination with unspecified source")
	// ErrWrongSource is the strong-endpoint policy violation: src does
	// not match the selected egress interface's unicast address.
	ErrWrongSource = errors.New("ip: unable to output with specified source")
	// ErrTooLarge is returned when the datagram would exceed the
	// egress interface's device MTU. No fragmentation is implemented.
	ErrTooLarge = errors.New("ip: payload too large for interface mtu")
)

// Router owns the routing table, ID generator, and upper-protocol
// dispatch table, and implements IPv4 input/output/routing.
type Router struct {
	arp    *arp.Resolver
	routes *Table
	log    *slog.Logger

	idMu  sync.Mutex
	idSeq uint16

	protoMu sync.Mutex
	protos  map[uint8]Handler
}

// NewRouter constructs a Router, registers it with demux at the IPv4
// ethertype, and seeds the datagram ID counter at 128 per §4.7.
func NewRouter(a *arp.Resolver, routes *Table, demux *stack.Demux, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		arp:    a,
		routes: routes,
		log:    log.With("component", "ip"),
		idSeq:  128,
		protos: make(map[uint8]Handler),
	}
	demux.Register(EtherType, r.input)
	return r
}

// Routes returns the underlying routing table.
func (r *Router) Routes() *Table { return r.routes }

// RegisterProtocol binds handler to the IP protocol number (ICMP, TCP,
// or UDP).
func (r *Router) RegisterProtocol(protocol uint8, handler Handler) {
	r.protoMu.Lock()
	defer r.protoMu.Unlock()
	r.protos[protocol] = handler
}

func (r *Router) protocolHandler(protocol uint8) (Handler, bool) {
	r.protoMu.Lock()
	defer r.protoMu.Unlock()
	h, ok := r.protos[protocol]
	return h, ok
}

func (r *Router) nextID() uint16 {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	id := r.idSeq
	r.idSeq++
	return id
}

// input is the demux ProtoHandler for ethertype 0x0800: it validates
// the header, accepts only datagrams addressed to this device's bound
// IP interface (unicast, its broadcast, or the limited broadcast), and
// dispatches by protocol number.
func (r *Router) input(payload []byte, dev *stack.Device) {
	hdr, body, err := ParseHeader(payload)
	if err != nil {
		metrics.IPDroppedTotal.WithLabelValues("malformed").Inc()
		r.log.Debug("dropping ip datagram", "error", err)
		return
	}

	ifaceAny := dev.GetIface(stack.FamilyIP)
	if ifaceAny == nil {
		metrics.IPDroppedTotal.WithLabelValues("no-iface").Inc()
		return
	}
	iface := ifaceAny.(*stack.IPInterface)

	if !(hdr.Dst.Equal(iface.Unicast) || hdr.Dst.Equal(iface.Broadcast()) || hdr.Dst.Equal(LimitedBroadcast)) {
		metrics.IPDroppedTotal.WithLabelValues("not-for-me").Inc()
		return
	}

	handler, ok := r.protocolHandler(hdr.Protocol)
	if !ok {
		metrics.IPDroppedTotal.WithLabelValues("unknown-protocol").Inc()
		return
	}
	metrics.IPDatagramsInTotal.Inc()
	handler(body, hdr.Src, hdr.Dst, iface)
}

// Output builds and sends an IPv4 datagram carrying protocol/payload
// from src to dst, per §4.7's route lookup, strong-endpoint check, and
// MTU check.
func (r *Router) Output(protocol uint8, payload []byte, src, dst net.IP) error {
	dst = dst.To4()
	if src == nil {
		src = Any
	} else {
		src = src.To4()
	}

	if dst.Equal(LimitedBroadcast) && src.Equal(Any) {
		return ErrUnspecifiedBroadcastSrc
	}

	route, err := r.routes.Lookup(dst)
	if err != nil {
		return err
	}
	if !src.Equal(Any) && !src.Equal(route.Iface.Unicast) {
		return ErrWrongSource
	}

	nexthop := dst
	if !route.IsOnLink() {
		nexthop = route.Nexthop
	}

	if HdrMin+len(payload) > route.Iface.Device().MTU {
		return ErrTooLarge
	}

	id := r.nextID()
	hdr := BuildHeader(id, protocol, route.Iface.Unicast, dst, len(payload))
	datagram := append(hdr, payload...)

	if err := r.deviceOutput(route.Iface, datagram, nexthop); err != nil {
		return err
	}
	metrics.IPDatagramsOutTotal.Inc()
	return nil
}

// IfaceFor resolves the egress interface that would be used to reach
// dst, without sending anything. UDP uses this to pick a source address
// for a PCB bound to the wildcard address.
func (r *Router) IfaceFor(dst net.IP) (*stack.IPInterface, error) {
	route, err := r.routes.Lookup(dst)
	if err != nil {
		return nil, err
	}
	return route.Iface, nil
}

// deviceOutput resolves nexthop to a hardware address (when the link
// requires ARP) and transmits the datagram.
func (r *Router) deviceOutput(iface *stack.IPInterface, datagram []byte, nexthop net.IP) error {
	dev := iface.Device()
	dst := dev.BroadAddr

	if dev.NeedsARP() {
		if !(nexthop.Equal(LimitedBroadcast) || nexthop.Equal(iface.Broadcast())) {
			ha, status, err := r.arp.Resolve(iface, nexthop)
			if err != nil {
				return fmt.Errorf("ip: resolving nexthop: %w", err)
			}
			if status != arp.StatusFound {
				return fmt.Errorf("ip: arp resolution for %s is incomplete", nexthop)
			}
			dst = ha
		}
	}
	return stack.Output(dev, EtherType, datagram, dst)
}
