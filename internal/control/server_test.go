package control

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/AlaAlba/microps/internal/driver"
	"github.com/AlaAlba/microps/internal/netstack"
)

func newTestStack(t *testing.T) *netstack.Stack {
	t.Helper()
	st := netstack.New(clockwork.NewFakeClock(), nil)
	dev := driver.NewLoopback(st.Demux, st.IRQs)
	_, err := st.AddInterface(dev, net.IPv4(127, 0, 0, 1), net.CIDRMask(8, 32))
	require.NoError(t, err)
	return st
}

func doGET(t *testing.T, s *Server, path string, out any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

func TestControl_Routes_ReturnsConnectedRoute(t *testing.T) {
	t.Parallel()

	st := newTestStack(t)
	s := NewServer(st)

	var routes []routeJSON
	doGET(t, s, "/routes", &routes)
	require.Len(t, routes, 1)
	require.Equal(t, "127.0.0.0", routes[0].Network)
}

func TestControl_ARP_EmptyInitially(t *testing.T) {
	t.Parallel()

	st := newTestStack(t)
	s := NewServer(st)

	var entries []arpEntryJSON
	doGET(t, s, "/arp", &entries)
	require.Empty(t, entries)
}

func TestControl_UDP_ReflectsOpenSockets(t *testing.T) {
	t.Parallel()

	st := newTestStack(t)
	s := NewServer(st)

	id, err := st.UDP.Open()
	require.NoError(t, err)
	require.NoError(t, st.UDP.Bind(id, net.IPv4(127, 0, 0, 1), 5353))

	var sockets []udpSocketJSON
	doGET(t, s, "/udp", &sockets)
	require.Len(t, sockets, 1)
	require.Equal(t, uint16(5353), sockets[0].LocalPort)
	require.Equal(t, "127.0.0.1", sockets[0].LocalAddr)
}

func TestControl_TCP_ReflectsListeningConnection(t *testing.T) {
	t.Parallel()

	st := newTestStack(t)
	s := NewServer(st)

	go st.TCP.Open(nil, 80, nil, 0, false)
	t.Cleanup(st.TCP.Interrupt)

	require.Eventually(t, func() bool {
		var conns []tcpConnJSON
		doGET(t, s, "/tcp", &conns)
		return len(conns) == 1 && conns[0].State == "LISTEN"
	}, time.Second, time.Millisecond)
}

func TestControl_Metrics_Served(t *testing.T) {
	t.Parallel()

	st := newTestStack(t)
	s := NewServer(st)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Body.String())
}
