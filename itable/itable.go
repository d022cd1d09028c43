// Package itable implements a concurrent key -> *item.Item mapping: sharded
// bucket locks for O(1) expected lookup, plus incremental background rehash
// so no single request pays the cost of a full-table rehash.
//
// cache.cache (cache/cache.go) guards one map[string]*node with a single
// sync.RWMutex; this generalizes that into per-shard locks plus a
// background-migrating second table, for fine-grained bucket locking and
// incremental rehash a single-lock table can't provide.
package itable

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/skipor/gomemengine/item"
)

const (
	initialShards  = 16 // must stay a power of two; see resolve().
	growLoadFactor = 1.5
)

// shard is one bucket lock + map. Once a grow starts, a shard whose contents
// have been copied into the new table gets migratedTo set to the new shard
// array (under its own lock, so every future locker sees it and forwards).
// A shard count doubling splits each old bucket's keys across exactly two
// new buckets (same scheme Go's own map growth uses), so migratedTo points
// at the whole new array and resolve() re-derives the correct new index from
// the key's hash rather than assuming a 1:1 old->new bucket mapping.
type shard struct {
	mu         sync.RWMutex
	m          map[string]*item.Item
	migratedTo []*shard
}

func newShards(n int) []*shard {
	s := make([]*shard, n)
	for i := range s {
		s[i] = &shard{m: make(map[string]*item.Item)}
	}
	return s
}

// Table is a sharded, incrementally-rehashing concurrent map from key to
// *item.Item. The zero Table is not usable; use New.
type Table struct {
	shards    atomic.Value // []*shard, the current generation's shard array
	migrating int32        // atomic bool: a migration is in flight
	count     int64        // atomic
}

// New returns an empty Table with initialShards shards.
func New() *Table {
	t := &Table{}
	t.shards.Store(newShards(initialShards))
	return t
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

// resolve finds the shard currently authoritative for hash, taking its lock
// (write if mutate, read otherwise) and returning it still locked. Correct
// under concurrent migration because migratedTo is written exactly once,
// under the writer lock of the shard it's written on (see migrate), so any
// locker that observes it nil is guaranteed authoritative for as long as it
// holds the lock.
func resolve(shards []*shard, hash uint64, mutate bool) *shard {
	for {
		s := shards[hash&uint64(len(shards)-1)]
		if mutate {
			s.mu.Lock()
		} else {
			s.mu.RLock()
		}
		if s.migratedTo == nil {
			return s
		}
		next := s.migratedTo
		if mutate {
			s.mu.Unlock()
		} else {
			s.mu.RUnlock()
		}
		shards = next
	}
}

// Lookup returns the live item stored under key, if any. Ordering: Link and
// Unlink each hold their shard's write lock for their full duration, so a
// concurrent Lookup observes either the pre- or post-state, never torn.
func (t *Table) Lookup(key string) (*item.Item, bool) {
	s := resolve(t.shards.Load().([]*shard), hashKey(key), false)
	it, ok := s.m[key]
	s.mu.RUnlock()
	return it, ok
}

// Link inserts it under it.Key. Returns false without modifying the table if
// the key is already present — callers resolve duplicates themselves.
func (t *Table) Link(it *item.Item) bool {
	s := resolve(t.shards.Load().([]*shard), hashKey(it.Key), true)
	if _, exists := s.m[it.Key]; exists {
		s.mu.Unlock()
		return false
	}
	s.m[it.Key] = it
	it.SetLinked(true)
	s.mu.Unlock()
	atomic.AddInt64(&t.count, 1)
	t.maybeGrow()
	return true
}

// Unlink removes the item stored under key, if any, and returns it.
func (t *Table) Unlink(key string) (*item.Item, bool) {
	s := resolve(t.shards.Load().([]*shard), hashKey(key), true)
	it, ok := s.m[key]
	if ok {
		delete(s.m, key)
		it.SetLinked(false)
	}
	s.mu.Unlock()
	if ok {
		atomic.AddInt64(&t.count, -1)
	}
	return it, ok
}

// Replace atomically swaps the item stored under key (which must currently
// hold old) for next, within a single shard critical section.
func (t *Table) Replace(key string, old, next *item.Item) bool {
	s := resolve(t.shards.Load().([]*shard), hashKey(key), true)
	defer s.mu.Unlock()
	cur, ok := s.m[key]
	if !ok || cur != old {
		return false
	}
	s.m[key] = next
	old.SetLinked(false)
	next.SetLinked(true)
	return true
}

// UnlinkIfSame removes the item stored under key only if it is currently
// exactly old (by pointer identity), atomically with the lookup. Used by
// callers that must not clobber a concurrent replacement of the same key.
func (t *Table) UnlinkIfSame(key string, old *item.Item) bool {
	s := resolve(t.shards.Load().([]*shard), hashKey(key), true)
	cur, ok := s.m[key]
	if !ok || cur != old {
		s.mu.Unlock()
		return false
	}
	delete(s.m, key)
	old.SetLinked(false)
	s.mu.Unlock()
	atomic.AddInt64(&t.count, -1)
	return true
}

// Len returns the approximate number of linked items.
func (t *Table) Len() int64 { return atomic.LoadInt64(&t.count) }

// maybeGrow starts a background migration to a doubled shard count once the
// load factor crosses growLoadFactor, if one isn't already running.
func (t *Table) maybeGrow() {
	shards := t.shards.Load().([]*shard)
	if float64(t.Len()) < growLoadFactor*float64(len(shards)) {
		return
	}
	if !atomic.CompareAndSwapInt32(&t.migrating, 0, 1) {
		return // already migrating
	}
	go t.migrate(shards)
}

func (t *Table) migrate(old []*shard) {
	next := newShards(len(old) * 2)
	mask := uint64(len(next) - 1)
	for _, s := range old {
		s.mu.Lock()
		for k, it := range s.m {
			ns := next[hashKey(k)&mask]
			ns.mu.Lock()
			ns.m[k] = it
			ns.mu.Unlock()
		}
		s.migratedTo = next
		s.mu.Unlock()
	}

	t.shards.Store(next)
	atomic.StoreInt32(&t.migrating, 0)
}
