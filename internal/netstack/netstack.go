// Package netstack composes every layer (link, ARP, IP, ICMP, UDP, TCP)
// into a single runnable Stack and exposes the application-facing API
// surface described in spec.md §6.
package netstack

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/AlaAlba/microps/internal/arp"
	"github.com/AlaAlba/microps/internal/icmp"
	"github.com/AlaAlba/microps/internal/ip"
	"github.com/AlaAlba/microps/internal/sched"
	"github.com/AlaAlba/microps/internal/stack"
	"github.com/AlaAlba/microps/internal/stacktime"
	"github.com/AlaAlba/microps/internal/tcp"
	"github.com/AlaAlba/microps/internal/udp"
)

// Stack composes the full protocol tree over a device/interface
// registry, and is the process's single point of initialization and
// shutdown.
type Stack struct {
	log *slog.Logger

	Registry *stack.Registry
	Demux    *stack.Demux
	IRQs     *sched.IRQTable
	Timers   *stacktime.Service

	ARP  *arp.Resolver
	IP   *ip.Router
	ICMP *icmp.Service
	UDP  *udp.Service
	TCP  *tcp.Service

	stopTimers chan struct{}
}

// New wires every layer together over a fresh clock-driven cache and
// timer service, but registers no devices or interfaces; callers add
// those before calling Run.
func New(clock clockwork.Clock, log *slog.Logger) *Stack {
	if log == nil {
		log = slog.Default()
	}
	irqs := sched.NewIRQTable()
	demux := stack.NewDemux(irqs)
	reg := stack.NewRegistry()
	timers := stacktime.NewService(clock)

	cache := arp.NewCache(clock)
	resolver := arp.NewResolver(cache, demux, log)
	routes := ip.NewTable()
	router := ip.NewRouter(resolver, routes, demux, log)

	s := &Stack{
		log:      log,
		Registry: reg,
		Demux:    demux,
		IRQs:     irqs,
		Timers:   timers,
		ARP:      resolver,
		IP:       router,
	}
	s.ICMP = icmp.NewService(router, log)
	s.UDP = udp.NewService(router, log)
	s.TCP = tcp.NewService(router, log)

	timers.Register(time.Second, func(now time.Time) { resolver.Cache().Age(now) })
	return s
}

// AddInterface registers dev, binds an IP interface with unicast/netmask
// to it, and installs the implied directly-connected route.
func (s *Stack) AddInterface(dev *stack.Device, unicast net.IP, netmask net.IPMask) (*stack.IPInterface, error) {
	s.Registry.Register(dev)
	iface := stack.NewIPInterface(dev, unicast, netmask)
	if err := s.Registry.AddIPIface(iface); err != nil {
		return nil, fmt.Errorf("netstack: binding interface to %s: %w", dev.Name, err)
	}
	s.IP.Routes().AddConnected(iface)
	return iface, nil
}

// AddDefaultRoute installs the default route via gw over iface.
func (s *Stack) AddDefaultRoute(gw net.IP, iface *stack.IPInterface) {
	s.IP.Routes().AddDefault(gw, iface)
}

// Run brings every device up and starts the timer-driven background
// work (ARP aging). It must be called once, after every interface and
// route has been configured.
func (s *Stack) Run() error {
	if err := s.Registry.Open(); err != nil {
		return err
	}
	s.stopTimers = make(chan struct{})
	go s.Timers.Run(s.stopTimers)
	s.log.Info("stack running", "devices", len(s.Registry.Devices()))
	return nil
}

// Shutdown interrupts every blocked UDP/TCP application call, stops the
// timer service, brings every device down, and stops the IRQ dispatch
// goroutine. It realizes §5's "SIGINT publishes a global event that
// interrupts every live PCB context."
func (s *Stack) Shutdown() error {
	s.TCP.Interrupt()
	s.UDP.Interrupt()
	if s.stopTimers != nil {
		close(s.stopTimers)
	}
	err := s.Registry.Close()
	s.IRQs.Close()
	s.log.Info("stack shut down")
	return err
}
