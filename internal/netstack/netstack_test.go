package netstack

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/AlaAlba/microps/internal/driver"
)

func TestNetstack_New_WiresEveryLayer(t *testing.T) {
	t.Parallel()

	st := New(clockwork.NewFakeClock(), nil)
	require.NotNil(t, st.ARP)
	require.NotNil(t, st.IP)
	require.NotNil(t, st.ICMP)
	require.NotNil(t, st.UDP)
	require.NotNil(t, st.TCP)
	require.NotNil(t, st.Timers)
}

func TestNetstack_AddInterface_InstallsConnectedRoute(t *testing.T) {
	t.Parallel()

	st := New(clockwork.NewFakeClock(), nil)
	dev := driver.NewLoopback(st.Demux, st.IRQs)

	iface, err := st.AddInterface(dev, net.IPv4(127, 0, 0, 1), net.CIDRMask(8, 32))
	require.NoError(t, err)

	route, err := st.IP.Routes().Lookup(net.IPv4(127, 0, 0, 2))
	require.NoError(t, err)
	require.Same(t, iface, route.Iface)
}

func TestNetstack_RunAndShutdown_Lifecycle(t *testing.T) {
	t.Parallel()

	st := New(clockwork.NewFakeClock(), nil)
	dev := driver.NewLoopback(st.Demux, st.IRQs)
	_, err := st.AddInterface(dev, net.IPv4(127, 0, 0, 1), net.CIDRMask(8, 32))
	require.NoError(t, err)

	require.NoError(t, st.Run())

	id, err := st.UDP.Open()
	require.NoError(t, err)
	require.NoError(t, st.UDP.Bind(id, net.IPv4(127, 0, 0, 1), 9000))

	recvErr := make(chan error, 1)
	go func() {
		_, _, _, err := st.UDP.RecvFrom(id)
		recvErr <- err
	}()

	require.NoError(t, st.Shutdown())

	select {
	case err := <-recvErr:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not interrupt the blocked udp receiver")
	}
}

func TestNetstack_AddDefaultRoute_UsedForOffLinkDestinations(t *testing.T) {
	t.Parallel()

	st := New(clockwork.NewFakeClock(), nil)
	lan := driver.NewLoopback(st.Demux, st.IRQs)
	iface, err := st.AddInterface(lan, net.IPv4(10, 0, 0, 1), net.CIDRMask(24, 32))
	require.NoError(t, err)

	st.AddDefaultRoute(net.IPv4(10, 0, 0, 254), iface)

	route, err := st.IP.Routes().Lookup(net.IPv4(8, 8, 8, 8))
	require.NoError(t, err)
	require.False(t, route.IsOnLink())
}
