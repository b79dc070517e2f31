// Package ban keeps a fast in-memory index over the cluster ban list. Edges
// consult it on every TLS accept before spending a Hub round trip; the hub
// feeds it from the persistent store and from live ban broadcasts.
package ban

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/murmurgrid/murmurgrid/internal/core"
)

// Cache indexes active bans by certificate hash and by network prefix.
// Expired entries are dropped lazily on lookup and by the Sweep ticker.
type Cache struct {
	mu     sync.RWMutex
	byHash map[string][]*core.Ban
	byNet  []netBan
	all    map[int64]*core.Ban
}

type netBan struct {
	net *net.IPNet
	ban *core.Ban
}

func NewCache() *Cache {
	return &Cache{
		byHash: make(map[string][]*core.Ban),
		all:    make(map[int64]*core.Ban),
	}
}

// Replace swaps the full ban list, e.g. after a fullSync or BanList update.
func (c *Cache) Replace(bans []core.Ban) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byHash = make(map[string][]*core.Ban)
	c.byNet = nil
	c.all = make(map[int64]*core.Ban)
	for i := range bans {
		c.addLocked(&bans[i])
	}
}

// Add inserts one ban.
func (c *Cache) Add(b *core.Ban) {
	c.mu.Lock()
	c.addLocked(b)
	c.mu.Unlock()
}

func (c *Cache) addLocked(b *core.Ban) {
	c.all[b.ID] = b
	if b.CertHash != "" {
		key := strings.ToLower(b.CertHash)
		c.byHash[key] = append(c.byHash[key], b)
	}
	if b.IP != "" {
		if ipnet := parseCIDR(b.IP); ipnet != nil {
			c.byNet = append(c.byNet, netBan{net: ipnet, ban: b})
		}
	}
}

// Remove deletes a ban by id.
func (c *Cache) Remove(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.all[id]
	if !ok {
		return
	}
	delete(c.all, id)
	if b.CertHash != "" {
		key := strings.ToLower(b.CertHash)
		c.byHash[key] = withoutBan(c.byHash[key], id)
		if len(c.byHash[key]) == 0 {
			delete(c.byHash, key)
		}
	}
	kept := c.byNet[:0]
	for _, nb := range c.byNet {
		if nb.ban.ID != id {
			kept = append(kept, nb)
		}
	}
	c.byNet = kept
}

// Match returns the first active ban covering the address or cert hash, or
// nil. Either argument may be empty.
func (c *Cache) Match(ip net.IP, certHash string) *core.Ban {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	if certHash != "" {
		for _, b := range c.byHash[strings.ToLower(certHash)] {
			if b.Active(now) {
				return b
			}
		}
	}
	if ip != nil {
		for _, nb := range c.byNet {
			if nb.ban.Active(now) && nb.net.Contains(ip) {
				return nb.ban
			}
		}
	}
	return nil
}

// Banned reports whether the (ip, certHash) pair is currently banned.
func (c *Cache) Banned(ip net.IP, certHash string) bool {
	return c.Match(ip, certHash) != nil
}

// List returns the active bans, for BanList queries.
func (c *Cache) List() []core.Ban {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.Ban, 0, len(c.all))
	for _, b := range c.all {
		if b.Active(now) {
			out = append(out, *b)
		}
	}
	return out
}

// Len returns the number of cached bans, expired included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.all)
}

// Sweep drops expired entries. Run from a periodic ticker.
func (c *Cache) Sweep() int {
	now := time.Now()
	c.mu.Lock()
	var expired []int64
	for id, b := range c.all {
		if !b.Active(now) {
			expired = append(expired, id)
		}
	}
	c.mu.Unlock()
	for _, id := range expired {
		c.Remove(id)
	}
	return len(expired)
}

func withoutBan(bans []*core.Ban, id int64) []*core.Ban {
	kept := bans[:0]
	for _, b := range bans {
		if b.ID != id {
			kept = append(kept, b)
		}
	}
	return kept
}

// parseCIDR accepts "a.b.c.d/n" or a bare address, which bans the single
// host.
func parseCIDR(s string) *net.IPNet {
	if _, ipnet, err := net.ParseCIDR(s); err == nil {
		return ipnet
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip = v4
		bits = 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
}
