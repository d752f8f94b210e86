// Package policy implements the Admission stage's rule cache and the pure
// permission/business-limit decision functions it consults. RPCs to the
// collaborator services live in internal/admission; this package only
// turns their results (fresh or cached) into a PreProcessCode.
package policy

import (
	"sync"
	"sync/atomic"
	"time"
)

// Verdict is a cached permission result for one subject key (e.g. a
// "group:groupID:userID" or "friend:sendID:recvID" pair).
type Verdict struct {
	Code      int
	ExpiresAt time.Time
}

// ruleSnapshot is the immutable map swapped atomically on update.
type ruleSnapshot struct {
	entries map[string]Verdict
}

// RuleCache is a read-mostly, short-TTL cache of permission/quota
// results, keyed by the involved IDs. Readers take a stable snapshot
// reference and never block writers; writers build a new snapshot and
// swap it in, per the atomic-snapshot discipline for the Admission
// stage's shared rule set.
type RuleCache struct {
	snapshot atomic.Pointer[ruleSnapshot]
	ttl      time.Duration
	mu       sync.Mutex // serializes writers building the next snapshot
}

// NewRuleCache creates a cache whose entries live for ttl.
func NewRuleCache(ttl time.Duration) *RuleCache {
	c := &RuleCache{ttl: ttl}
	c.snapshot.Store(&ruleSnapshot{entries: make(map[string]Verdict)})
	return c
}

// Get returns a cached verdict for key if present and unexpired.
func (c *RuleCache) Get(key string) (int, bool) {
	snap := c.snapshot.Load()
	v, ok := snap.entries[key]
	if !ok || time.Now().After(v.ExpiresAt) {
		return 0, false
	}
	return v.Code, true
}

// Put records code for key, expiring after the cache's TTL.
func (c *RuleCache) Put(key string, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.snapshot.Load()
	next := &ruleSnapshot{entries: make(map[string]Verdict, len(old.entries)+1)}
	for k, v := range old.entries {
		if time.Now().Before(v.ExpiresAt) {
			next.entries[k] = v
		}
	}
	next.entries[key] = Verdict{Code: code, ExpiresAt: time.Now().Add(c.ttl)}
	c.snapshot.Store(next)
}

// Invalidate drops key immediately, used when an explicit event (ban,
// kick, group dissolve) makes a cached verdict stale before its TTL.
func (c *RuleCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.snapshot.Load()
	if _, ok := old.entries[key]; !ok {
		return
	}
	next := &ruleSnapshot{entries: make(map[string]Verdict, len(old.entries))}
	for k, v := range old.entries {
		if k != key {
			next.entries[k] = v
		}
	}
	c.snapshot.Store(next)
}

// Len reports the number of unexpired entries, for tests and metrics.
func (c *RuleCache) Len() int {
	snap := c.snapshot.Load()
	n := 0
	now := time.Now()
	for _, v := range snap.entries {
		if now.Before(v.ExpiresAt) {
			n++
		}
	}
	return n
}
