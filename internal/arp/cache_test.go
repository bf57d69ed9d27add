package arp

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func ip4(a, b, c, d byte) net.IP { return net.IPv4(a, b, c, d).To4() }

func mac(s string) net.HardwareAddr {
	m, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

func TestArp_Cache_InsertThenSelect(t *testing.T) {
	t.Parallel()

	c := NewCache(clockwork.NewFakeClock())
	c.Insert(ip4(10, 0, 0, 1), mac("aa:bb:cc:dd:ee:01"))

	entry, ok := c.Select(ip4(10, 0, 0, 1))
	require.True(t, ok)
	require.Equal(t, StateResolved, entry.State)
	require.Equal(t, mac("aa:bb:cc:dd:ee:01"), entry.HWAddr)
}

func TestArp_Cache_UpdateRequiresExistingEntry(t *testing.T) {
	t.Parallel()

	c := NewCache(clockwork.NewFakeClock())
	require.False(t, c.Update(ip4(10, 0, 0, 1), mac("aa:bb:cc:dd:ee:01")))

	c.InsertIncomplete(ip4(10, 0, 0, 1))
	require.True(t, c.Update(ip4(10, 0, 0, 1), mac("aa:bb:cc:dd:ee:01")))

	entry, ok := c.Select(ip4(10, 0, 0, 1))
	require.True(t, ok)
	require.Equal(t, StateResolved, entry.State)
}

func TestArp_Cache_AgeEvictsOnlyExpiredNonStatic(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	c := NewCache(clock)

	c.Insert(ip4(10, 0, 0, 1), mac("aa:bb:cc:dd:ee:01"))
	c.InsertStatic(ip4(10, 0, 0, 2), mac("aa:bb:cc:dd:ee:02"))

	clock.Advance(Timeout + time.Second)
	c.Age(clock.Now())

	_, ok := c.Select(ip4(10, 0, 0, 1))
	require.False(t, ok)

	entry, ok := c.Select(ip4(10, 0, 0, 2))
	require.True(t, ok)
	require.Equal(t, StateStatic, entry.State)
}

func TestArp_Cache_AllocEvictsOldestWhenFull(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	c := NewCache(clock)

	for i := 0; i < CacheSize; i++ {
		c.Insert(ip4(10, 0, byte(i>>8), byte(i)), mac("aa:bb:cc:dd:ee:01"))
		clock.Advance(time.Second)
	}
	require.Len(t, c.Snapshot(), CacheSize)

	// The oldest entry (i=0) should be evicted to make room.
	c.Insert(ip4(10, 1, 0, 0), mac("aa:bb:cc:dd:ee:02"))
	require.Len(t, c.Snapshot(), CacheSize)

	_, ok := c.Select(ip4(10, 0, 0, 0))
	require.False(t, ok)
}

func TestArp_Cache_StaticEntriesSurviveFullEviction(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	c := NewCache(clock)

	c.InsertStatic(ip4(192, 168, 0, 1), mac("aa:bb:cc:dd:ee:ff"))
	for i := 0; i < CacheSize-1; i++ {
		c.Insert(ip4(10, 0, byte(i>>8), byte(i)), mac("aa:bb:cc:dd:ee:01"))
		clock.Advance(time.Second)
	}
	c.Insert(ip4(172, 16, 0, 1), mac("aa:bb:cc:dd:ee:02"))

	entry, ok := c.Select(ip4(192, 168, 0, 1))
	require.True(t, ok)
	require.Equal(t, StateStatic, entry.State)
}

func TestArp_Cache_DeleteRemovesEntry(t *testing.T) {
	t.Parallel()

	c := NewCache(clockwork.NewFakeClock())
	c.Insert(ip4(10, 0, 0, 1), mac("aa:bb:cc:dd:ee:01"))
	c.Delete(ip4(10, 0, 0, 1))

	_, ok := c.Select(ip4(10, 0, 0, 1))
	require.False(t, ok)
}
