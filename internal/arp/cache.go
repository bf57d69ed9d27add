// Package arp implements the ARP cache and the Ethernet/IPv4 ARP
// request/reply protocol used to resolve IPv4 next-hops to hardware
// addresses.
package arp

import (
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/AlaAlba/microps/internal/metrics"
)

// State is the lifecycle state of a cache Entry.
type State int

const (
	StateFree State = iota
	StateIncomplete
	StateResolved
	StateStatic
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateIncomplete:
		return "INCOMPLETE"
	case StateResolved:
		return "RESOLVED"
	case StateStatic:
		return "STATIC"
	default:
		return "UNKNOWN"
	}
}

// CacheSize is the fixed capacity of the ARP cache.
const CacheSize = 32

// Timeout is the age at which a non-static RESOLVED or INCOMPLETE entry
// is evicted by the aging timer.
const Timeout = 30 * time.Second

// Entry is one cache slot. A FREE entry always has zeroed ProtoAddr and
// HWAddr; a RESOLVED entry always has a non-nil HWAddr and a Timestamp
// within Timeout of "now" immediately after aging runs.
type Entry struct {
	State     State
	ProtoAddr net.IP
	HWAddr    net.HardwareAddr
	Timestamp time.Time
}

// Cache is the fixed-size, mutex-protected ARP table. Eviction under
// pressure selects the oldest non-FREE, non-STATIC entry — STATIC
// entries are exempt from both aging and eviction, resolving the
// ambiguity spec.md §9 flags in cache_alloc.
type Cache struct {
	clock   clockwork.Clock
	mu      sync.Mutex
	entries [CacheSize]Entry
}

// NewCache constructs an empty cache driven by clock.
func NewCache(clock clockwork.Clock) *Cache {
	return &Cache{clock: clock}
}

// alloc returns the index of a FREE entry, or evicts and returns the
// oldest non-FREE, non-STATIC entry if the table is full. Caller must
// hold c.mu.
func (c *Cache) alloc() int {
	for i := range c.entries {
		if c.entries[i].State == StateFree {
			return i
		}
	}
	oldest := -1
	for i := range c.entries {
		if c.entries[i].State == StateStatic {
			continue
		}
		if oldest == -1 || c.entries[i].Timestamp.Before(c.entries[oldest].Timestamp) {
			oldest = i
		}
	}
	if oldest == -1 {
		// Every entry is STATIC; nothing can be evicted. Reuse slot 0,
		// the same degenerate behavior the original exhibits when the
		// table is pinned full of static entries.
		oldest = 0
	}
	c.deleteLocked(oldest)
	return oldest
}

func (c *Cache) deleteLocked(i int) {
	c.entries[i] = Entry{}
}

// reportLocked publishes the current non-free entry count. Caller must
// hold c.mu.
func (c *Cache) reportLocked() {
	n := 0
	for i := range c.entries {
		if c.entries[i].State != StateFree {
			n++
		}
	}
	metrics.ARPCacheEntries.Set(float64(n))
}

// selectLocked linear-searches for a non-FREE entry whose protocol
// address equals pa. Caller must hold c.mu.
func (c *Cache) selectLocked(pa net.IP) int {
	for i := range c.entries {
		if c.entries[i].State != StateFree && c.entries[i].ProtoAddr.Equal(pa) {
			return i
		}
	}
	return -1
}

// Select returns a copy of the entry for pa and whether it was found.
func (c *Cache) Select(pa net.IP) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.selectLocked(pa)
	if i == -1 {
		return Entry{}, false
	}
	return c.entries[i], true
}

// Update overwrites the hardware address of pa's existing entry and
// marks it RESOLVED. It reports false if no entry for pa exists yet.
func (c *Cache) Update(pa net.IP, ha net.HardwareAddr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.selectLocked(pa)
	if i == -1 {
		return false
	}
	c.entries[i].HWAddr = append(net.HardwareAddr(nil), ha...)
	c.entries[i].State = StateResolved
	c.entries[i].Timestamp = c.clock.Now()
	c.reportLocked()
	return true
}

// Insert allocates a new entry for pa, populated as RESOLVED.
func (c *Cache) Insert(pa net.IP, ha net.HardwareAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.alloc()
	c.entries[i] = Entry{
		State:     StateResolved,
		ProtoAddr: append(net.IP(nil), pa...),
		HWAddr:    append(net.HardwareAddr(nil), ha...),
		Timestamp: c.clock.Now(),
	}
	c.reportLocked()
}

// InsertIncomplete allocates a new INCOMPLETE entry for pa (no hardware
// address yet), used while a resolution request is in flight.
func (c *Cache) InsertIncomplete(pa net.IP) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.alloc()
	c.entries[i] = Entry{
		State:     StateIncomplete,
		ProtoAddr: append(net.IP(nil), pa...),
		Timestamp: c.clock.Now(),
	}
	c.reportLocked()
}

// InsertStatic adds a permanent, eviction- and aging-exempt entry.
func (c *Cache) InsertStatic(pa net.IP, ha net.HardwareAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.alloc()
	c.entries[i] = Entry{
		State:     StateStatic,
		ProtoAddr: append(net.IP(nil), pa...),
		HWAddr:    append(net.HardwareAddr(nil), ha...),
		Timestamp: c.clock.Now(),
	}
	c.reportLocked()
}

// Delete clears the entry for pa, if any.
func (c *Cache) Delete(pa net.IP) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.selectLocked(pa); i != -1 {
		c.deleteLocked(i)
		c.reportLocked()
	}
}

// Age deletes every non-FREE, non-STATIC entry whose Timestamp is more
// than Timeout old as of now. Called once per tick by the stack's timer
// service.
func (c *Cache) Age(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		st := c.entries[i].State
		if st == StateFree || st == StateStatic {
			continue
		}
		if now.Sub(c.entries[i].Timestamp) > Timeout {
			c.deleteLocked(i)
		}
	}
	c.reportLocked()
}

// Snapshot returns a copy of every non-FREE entry, for the control
// surface and tests.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, CacheSize)
	for _, e := range c.entries {
		if e.State != StateFree {
			out = append(out, e)
		}
	}
	return out
}

// Len reports how many non-FREE entries are currently in the cache.
func (c *Cache) Len() int {
	return len(c.Snapshot())
}
