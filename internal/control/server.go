package control

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlaAlba/microps/internal/netstack"
)

// Server is the loopback-only HTTP introspection surface: JSON status
// endpoints plus /metrics.
type Server struct {
	stack *netstack.Stack
	mux   *http.ServeMux
}

// NewServer builds the handler tree. Callers wrap it in an http.Server
// bound to a loopback address.
func NewServer(stack *netstack.Stack) *Server {
	s := &Server{stack: stack, mux: http.NewServeMux()}
	s.mux.HandleFunc("/arp", s.handleARP)
	s.mux.HandleFunc("/routes", s.handleRoutes)
	s.mux.HandleFunc("/udp", s.handleUDP)
	s.mux.HandleFunc("/tcp", s.handleTCP)
	s.mux.Handle("/metrics", promhttp.Handler())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type arpEntryJSON struct {
	State     string `json:"state"`
	ProtoAddr string `json:"proto_addr"`
	HWAddr    string `json:"hw_addr"`
}

func (s *Server) handleARP(w http.ResponseWriter, _ *http.Request) {
	entries := s.stack.ARP.Cache().Snapshot()
	out := make([]arpEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, arpEntryJSON{State: e.State.String(), ProtoAddr: e.ProtoAddr.String(), HWAddr: e.HWAddr.String()})
	}
	writeJSON(w, out)
}

type routeJSON struct {
	Network string `json:"network"`
	Netmask string `json:"netmask"`
	Nexthop string `json:"nexthop"`
	Iface   string `json:"iface"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := s.stack.IP.Routes().Snapshot()
	out := make([]routeJSON, 0, len(routes))
	for _, r := range routes {
		out = append(out, routeJSON{
			Network: r.Network.String(),
			Netmask: r.Netmask.String(),
			Nexthop: r.Nexthop.String(),
			Iface:   r.Iface.Device().Name,
		})
	}
	writeJSON(w, out)
}

type udpSocketJSON struct {
	ID        int    `json:"id"`
	LocalAddr string `json:"local_addr"`
	LocalPort uint16 `json:"local_port"`
	Queued    int    `json:"queued"`
}

func (s *Server) handleUDP(w http.ResponseWriter, _ *http.Request) {
	sockets := s.stack.UDP.Snapshot()
	out := make([]udpSocketJSON, 0, len(sockets))
	for _, sock := range sockets {
		addr := "0.0.0.0"
		if sock.LocalAddr != nil {
			addr = sock.LocalAddr.String()
		}
		out = append(out, udpSocketJSON{ID: int(sock.ID), LocalAddr: addr, LocalPort: sock.LocalPort, Queued: sock.Queued})
	}
	writeJSON(w, out)
}

type tcpConnJSON struct {
	ID          int    `json:"id"`
	LocalAddr   string `json:"local_addr"`
	LocalPort   uint16 `json:"local_port"`
	ForeignAddr string `json:"foreign_addr"`
	ForeignPort uint16 `json:"foreign_port"`
	State       string `json:"state"`
}

func (s *Server) handleTCP(w http.ResponseWriter, _ *http.Request) {
	conns := s.stack.TCP.Snapshot()
	out := make([]tcpConnJSON, 0, len(conns))
	for _, c := range conns {
		local, foreign := "0.0.0.0", "0.0.0.0"
		if c.LocalAddr != nil {
			local = c.LocalAddr.String()
		}
		if c.ForeignAddr != nil {
			foreign = c.ForeignAddr.String()
		}
		out = append(out, tcpConnJSON{ID: int(c.ID), LocalAddr: local, LocalPort: c.LocalPort, ForeignAddr: foreign, ForeignPort: c.ForeignPort, State: c.State})
	}
	writeJSON(w, out)
}
