package ip

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AlaAlba/microps/internal/stack"
)

func TestIP_Table_LookupPrefersLongestPrefix(t *testing.T) {
	t.Parallel()

	dev := stack.Alloc()
	lan := stack.NewIPInterface(dev, net.IPv4(192, 168, 1, 1), net.CIDRMask(24, 32))
	wan := stack.NewIPInterface(dev, net.IPv4(10, 0, 0, 1), net.CIDRMask(8, 32))

	table := NewTable()
	table.AddConnected(lan)
	table.AddDefault(net.IPv4(10, 0, 0, 254), wan)

	route, err := table.Lookup(net.IPv4(192, 168, 1, 50))
	require.NoError(t, err)
	require.Same(t, lan, route.Iface)
	require.True(t, route.IsOnLink())

	route, err = table.Lookup(net.IPv4(8, 8, 8, 8))
	require.NoError(t, err)
	require.Same(t, wan, route.Iface)
	require.False(t, route.IsOnLink())
}

func TestIP_Table_LookupNoRoute(t *testing.T) {
	t.Parallel()

	table := NewTable()
	_, err := table.Lookup(net.IPv4(1, 2, 3, 4))
	require.ErrorIs(t, err, ErrNoRoute)
}
