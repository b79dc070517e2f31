package acl

import (
	"sync"

	"github.com/murmurgrid/murmurgrid/internal/core"
)

type cacheKey struct {
	session uint32
	channel uint32
}

// Cache memoizes evaluated permission masks per (session, channel). Any ACL
// or channel-tree change must invalidate before the mutation response is
// sent, so readers never observe a stale grant after a confirmed write.
type Cache struct {
	mu      sync.RWMutex
	granted map[cacheKey]core.Permission
}

func NewCache() *Cache {
	return &Cache{granted: make(map[cacheKey]core.Permission)}
}

// Get returns the cached mask for the pair, if present.
func (c *Cache) Get(session, channel uint32) (core.Permission, bool) {
	c.mu.RLock()
	p, ok := c.granted[cacheKey{session, channel}]
	c.mu.RUnlock()
	return p, ok
}

// Put stores an evaluated mask.
func (c *Cache) Put(session, channel uint32, p core.Permission) {
	c.mu.Lock()
	c.granted[cacheKey{session, channel}] = p
	c.mu.Unlock()
}

// InvalidateChannel drops every entry for the channel.
func (c *Cache) InvalidateChannel(channel uint32) {
	c.mu.Lock()
	for k := range c.granted {
		if k.channel == channel {
			delete(c.granted, k)
		}
	}
	c.mu.Unlock()
}

// InvalidateSession drops every entry for the session.
func (c *Cache) InvalidateSession(session uint32) {
	c.mu.Lock()
	for k := range c.granted {
		if k.session == session {
			delete(c.granted, k)
		}
	}
	c.mu.Unlock()
}

// InvalidateAll empties the cache. Tree-shape changes invalidate wholesale
// since descendants of a moved channel cannot be enumerated cheaply here.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.granted = make(map[cacheKey]core.Permission)
	c.mu.Unlock()
}

// Evaluator bundles a tree view with the cache.
type Evaluator struct {
	Tree  Tree
	Cache *Cache
}

func NewEvaluator(t Tree) *Evaluator {
	return &Evaluator{Tree: t, Cache: NewCache()}
}

// Granted returns the session's mask at the channel, consulting the cache.
func (e *Evaluator) Granted(session *core.Session, channel uint32) core.Permission {
	if p, ok := e.Cache.Get(session.SessionID, channel); ok {
		return p
	}
	p := Evaluate(e.Tree, session, channel)
	e.Cache.Put(session.SessionID, channel, p)
	return p
}

// Check reports whether the session holds perm at the channel.
func (e *Evaluator) Check(session *core.Session, channel uint32, perm core.Permission) bool {
	return e.Granted(session, channel).Isset(perm)
}
