package arp

import (
	"encoding/binary"
	"net/netip"
	"sync"

	"github.com/slackhq/barenet/ethernet"
)

// CacheSize is the number of entries a Cache holds before it stops accepting
// new ones.
const CacheSize = 128

type Entry struct {
	IP          netip.Addr
	LinkAddress ethernet.Address
}

// Cache is an append only table of observed replies. There is no eviction and
// no deduplication: the first entry for an address wins lookups and once the
// table is full further inserts are dropped.
type Cache struct {
	mu    sync.RWMutex
	ips   [CacheSize]uint32
	addrs [CacheSize]ethernet.Address
	n     int
}

// Insert appends an entry and reports whether there was room for it.
func (c *Cache) Insert(ip netip.Addr, a ethernet.Address) bool {
	key, ok := ipKey(ip)
	if !ok {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.n >= CacheSize {
		return false
	}

	c.ips[c.n] = key
	c.addrs[c.n] = a
	c.n++
	return true
}

// Lookup scans for ip and returns the link address of its first entry.
func (c *Cache) Lookup(ip netip.Addr) (ethernet.Address, bool) {
	key, ok := ipKey(ip)
	if !ok {
		return 0, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := 0; i < c.n; i++ {
		if c.ips[i] == key {
			return c.addrs[i], true
		}
	}

	return 0, false
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.n
}

// Entries returns a copy of the table in insertion order.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, c.n)
	for i := range out {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], c.ips[i])
		out[i] = Entry{IP: netip.AddrFrom4(b), LinkAddress: c.addrs[i]}
	}
	return out
}

func ipKey(ip netip.Addr) (uint32, bool) {
	if !ip.Is4() {
		return 0, false
	}
	b := ip.As4()
	return binary.BigEndian.Uint32(b[:]), true
}
