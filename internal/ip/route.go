package ip

import (
	"errors"
	"math/bits"
	"net"
	"sync"

	"github.com/AlaAlba/microps/internal/stack"
)

// Route is one routing-table entry. A Nexthop of 0.0.0.0 means "on-link":
// use the packet's destination as the next hop to resolve.
type Route struct {
	Network net.IP
	Netmask net.IPMask
	Nexthop net.IP
	Iface   *stack.IPInterface
}

var any4 = net.IPv4zero.To4()

// IsOnLink reports whether r's nexthop is the unspecified address.
func (r *Route) IsOnLink() bool {
	return r.Nexthop == nil || r.Nexthop.Equal(any4)
}

// Table is the process-wide routing table: a flat slice searched by
// longest-prefix match. Mutated only during initialization, per §5.
type Table struct {
	mu     sync.Mutex
	routes []*Route
}

// NewTable constructs an empty routing table.
func NewTable() *Table { return &Table{} }

// Add appends a route. Directly-connected routes are added when an
// interface is registered; a default route is added by AddDefault.
func (t *Table) Add(r *Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, r)
}

// AddDefault installs the default route (0.0.0.0/0) via gw on iface.
func (t *Table) AddDefault(gw net.IP, iface *stack.IPInterface) {
	t.Add(&Route{
		Network: net.IPv4zero.To4(),
		Netmask: net.CIDRMask(0, 32),
		Nexthop: gw.To4(),
		Iface:   iface,
	})
}

// AddConnected installs the directly-connected route implied by an
// interface's address and netmask, with an on-link (zero) nexthop.
func (t *Table) AddConnected(iface *stack.IPInterface) {
	network := make(net.IP, 4)
	for i := range network {
		network[i] = iface.Unicast[i] & iface.Netmask[i]
	}
	t.Add(&Route{
		Network: network,
		Netmask: iface.Netmask,
		Nexthop: any4,
		Iface:   iface,
	})
}

// ErrNoRoute is returned by Lookup when no route covers dst.
var ErrNoRoute = errors.New("ip: no route to host")

// Lookup performs longest-prefix match over every route: it keeps the
// candidate whose (dst & netmask) == network and whose netmask has the
// most set bits among all matches.
func (t *Table) Lookup(dst net.IP) (*Route, error) {
	dst = dst.To4()
	t.mu.Lock()
	defer t.mu.Unlock()

	var best *Route
	bestLen := -1
	for _, r := range t.routes {
		masked := make(net.IP, 4)
		for i := range masked {
			masked[i] = dst[i] & r.Netmask[i]
		}
		if !masked.Equal(r.Network) {
			continue
		}
		length := maskLen(r.Netmask)
		if length > bestLen {
			best = r
			bestLen = length
		}
	}
	if best == nil {
		return nil, ErrNoRoute
	}
	return best, nil
}

func maskLen(mask net.IPMask) int {
	n := 0
	for _, b := range mask {
		n += bits.OnesCount8(b)
	}
	return n
}

// Snapshot returns a copy of every route, for the control surface.
func (t *Table) Snapshot() []*Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}
