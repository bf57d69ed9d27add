package arp

import (
	"errors"
	"log/slog"
	"net"

	"github.com/AlaAlba/microps/internal/metrics"
	"github.com/AlaAlba/microps/internal/stack"
)

// Status is the outcome of a Resolve call.
type Status int

const (
	StatusFound Status = iota
	StatusIncomplete
)

// ErrUnsupportedLink is returned by Resolve when iface is not bound to
// an Ethernet device, since this resolver only speaks Ethernet/IPv4 ARP.
var ErrUnsupportedLink = errors.New("arp: resolution requires an ethernet link and IP family")

var broadcastHW = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Resolver binds a Cache to the stack's protocol demultiplexer,
// implementing the ARP request/reply protocol and next-hop resolution.
type Resolver struct {
	cache *Cache
	log   *slog.Logger
}

// NewResolver constructs a Resolver and registers it with demux at the
// ARP ethertype.
func NewResolver(cache *Cache, demux *stack.Demux, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{cache: cache, log: log.With("component", "arp")}
	demux.Register(EtherType, r.input)
	return r
}

// Cache returns the resolver's underlying cache, for the timer service
// and the control surface.
func (r *Resolver) Cache() *Cache { return r.cache }

// Resolve looks up pa in the cache. On a miss it allocates an
// INCOMPLETE entry, broadcasts an ARP request, and returns
// StatusIncomplete; the caller (IP output) treats this as a soft
// failure and drops the packet in flight. On a cache hit that is still
// INCOMPLETE, it resends the request without refreshing the timestamp.
// A RESOLVED or STATIC hit copies the hardware address out and returns
// StatusFound.
func (r *Resolver) Resolve(iface *stack.IPInterface, pa net.IP) (net.HardwareAddr, Status, error) {
	dev := iface.Device()
	if dev.Type != stack.LinkEthernet {
		return nil, 0, ErrUnsupportedLink
	}

	entry, ok := r.cache.Select(pa)
	if !ok {
		r.cache.InsertIncomplete(pa)
		r.sendRequest(iface, pa)
		return nil, StatusIncomplete, nil
	}
	switch entry.State {
	case StateIncomplete:
		r.sendRequest(iface, pa)
		return nil, StatusIncomplete, nil
	case StateResolved, StateStatic:
		return entry.HWAddr, StatusFound, nil
	default:
		return nil, StatusIncomplete, nil
	}
}

func (r *Resolver) sendRequest(iface *stack.IPInterface, target net.IP) {
	msg := &Message{
		Op:  OpRequest,
		SHA: iface.Device().HWAddr,
		SPA: iface.Unicast,
		THA: make(net.HardwareAddr, 6),
		TPA: target,
	}
	metrics.ARPRequestsTotal.Inc()
	if err := stack.Output(iface.Device(), EtherType, msg.Marshal(), broadcastHW); err != nil {
		r.log.Debug("failed to send arp request", "target", target, "error", err)
	}
}

func (r *Resolver) sendReply(iface *stack.IPInterface, dst net.HardwareAddr, targetPA net.IP, targetHA net.HardwareAddr) {
	msg := &Message{
		Op:  OpReply,
		SHA: iface.Device().HWAddr,
		SPA: iface.Unicast,
		THA: targetHA,
		TPA: targetPA,
	}
	if err := stack.Output(iface.Device(), EtherType, msg.Marshal(), dst); err != nil {
		r.log.Debug("failed to send arp reply", "target", targetPA, "error", err)
	}
}

// input is the demux ProtoHandler for ethertype 0x0806. It implements
// §4.6's request/reply protocol.
func (r *Resolver) input(payload []byte, dev *stack.Device) {
	msg, err := Unmarshal(payload)
	if err != nil {
		r.log.Debug("dropping malformed arp message", "error", err)
		return
	}

	updated := r.cache.Update(msg.SPA, msg.SHA)

	ifaceAny := dev.GetIface(stack.FamilyIP)
	if ifaceAny == nil {
		return
	}
	iface := ifaceAny.(*stack.IPInterface)

	if !iface.Unicast.Equal(msg.TPA) {
		return
	}
	if !updated {
		r.cache.Insert(msg.SPA, msg.SHA)
	}
	if msg.Op == OpRequest {
		r.sendReply(iface, msg.SHA, msg.SPA, msg.SHA)
	}
}
