// Package metrics holds the stack's prometheus instrumentation as
// package-level collectors, registered against the default registry at
// import time, matching the rest of the pack's metrics packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ARPCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microps_arp_cache_entries",
		Help: "Current number of non-free ARP cache entries.",
	})
	ARPRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "microps_arp_requests_total",
		Help: "Total number of ARP requests sent.",
	})

	IPDatagramsInTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "microps_ip_datagrams_in_total",
		Help: "Total number of IPv4 datagrams accepted for local delivery.",
	})
	IPDatagramsOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "microps_ip_datagrams_out_total",
		Help: "Total number of IPv4 datagrams transmitted.",
	})
	IPDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microps_ip_dropped_total",
		Help: "Total number of IPv4 datagrams dropped, by reason.",
	}, []string{"reason"})

	UDPDatagramsInTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "microps_udp_datagrams_in_total",
		Help: "Total number of UDP datagrams delivered to a bound socket.",
	})
	UDPDatagramsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "microps_udp_datagrams_dropped_total",
		Help: "Total number of UDP datagrams dropped (malformed or unbound port).",
	})

	TCPSegmentsInTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "microps_tcp_segments_in_total",
		Help: "Total number of TCP segments accepted by the state machine.",
	})
	TCPResetsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "microps_tcp_resets_sent_total",
		Help: "Total number of stateless RSTs sent for segments matching no PCB.",
	})
)
