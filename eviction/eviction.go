// Package eviction implements the per-slab-class LRU chains and the
// reclamation/expiration policy that keeps the slab allocator's budget from
// filling up with stale or cold entries.
//
// The fakeHead/fakeTail sentinel-node technique follows cache/lru.go's list
// plumbing; its three-segment hot/warm/cold promotion policy is dropped in
// favor of one chain per slab class.
package eviction

import (
	"sync"

	"github.com/skipor/gomemengine/clock"
	"github.com/skipor/gomemengine/item"
)

// MaxScanDepth bounds how many nodes Reclaim walks past before giving up.
const MaxScanDepth = 50

// BumpCoalesceWindow suppresses re-bumping an item that was moved to the MRU
// end within this many seconds, to bound lock contention.
const BumpCoalesceWindow clock.RelTime = 60

// chain is one slab class's doubly linked LRU list, bracketed by fake
// head/tail sentinels so every real link has a non-nil neighbor in both
// directions, following cache/lru.go.
//
// Head side is MRU (most recently used); tail side is LRU, where Reclaim
// starts scanning.
type chain struct {
	mu   sync.Mutex
	head *item.Item
	tail *item.Item
}

func newChain() *chain {
	c := &chain{head: &item.Item{}, tail: &item.Item{}}
	link(c.head, c.tail)
	return c
}

func link(a, b *item.Item) { a.Next, b.Prev = b, a }

func (c *chain) mruEnd() *item.Item { return c.head.Next }
func (c *chain) lruEnd() *item.Item { return c.tail.Prev }
func (c *chain) isSentinel(it *item.Item) bool { return it == c.head || it == c.tail }

func (c *chain) pushFrontLocked(it *item.Item) {
	old := c.head.Next
	link(c.head, it)
	link(it, old)
}

// detach always nils Next/Prev, not just under tag.Debug: attached relies on
// Next==nil to tell a detached node from a linked one, so a stale pointer
// here would let a node reclaimed by one goroutine get re-linked by a
// concurrent Bump/Link racing against the table unlink that's supposed to
// follow detach.
func (c *chain) detach(it *item.Item) {
	link(it.Prev, it.Next)
	it.Prev = nil
	it.Next = nil
}

func (c *chain) attached(it *item.Item) bool { return it.Next != nil }

// Evictor owns one chain per slab class.
type Evictor struct {
	clk    *clock.Clock
	chains []*chain
}

// New returns an Evictor with one LRU chain per of numClasses slab classes.
func New(clk *clock.Clock, numClasses int) *Evictor {
	e := &Evictor{clk: clk, chains: make([]*chain, numClasses)}
	for i := range e.chains {
		e.chains[i] = newChain()
	}
	return e
}

// Link attaches it to the MRU end of its class's chain. Called when an item
// is newly linked into the item table: the item table and the LRU chains
// always reference the same set of linked items.
func (e *Evictor) Link(it *item.Item) {
	c := e.chains[it.ClassID()]
	c.mu.Lock()
	c.pushFrontLocked(it)
	c.mu.Unlock()
}

// Unlink detaches it from its class's chain, if it is currently attached.
// Safe to call on an item that was already reclaimed.
func (e *Evictor) Unlink(it *item.Item) {
	c := e.chains[it.ClassID()]
	c.mu.Lock()
	if c.attached(it) {
		c.detach(it)
	}
	c.mu.Unlock()
}

// Bump moves it to the MRU end of its chain, unless it was already bumped
// within BumpCoalesceWindow.
func (e *Evictor) Bump(it *item.Item) {
	now := e.clk.Now()
	last := it.LastBump()
	if last != 0 && now-last < BumpCoalesceWindow {
		return
	}
	c := e.chains[it.ClassID()]
	c.mu.Lock()
	if c.attached(it) && c.mruEnd() != it {
		c.detach(it)
		c.pushFrontLocked(it)
	}
	c.mu.Unlock()
	it.SetLastBump(now)
}

// Reclaim attempts to free one chunk in class by walking its LRU chain from
// the tail.
//
// Eligibility: refcount==0 and (expired, or it is the current tail). Expired
// items with refcount 0 encountered anywhere in the scan are opportunistically
// detached and returned in reaped, even when they aren't chosen as victim;
// expired items still referenced are left in place. The scan is
// bounded to MaxScanDepth hops; if nothing eligible turns up, ok is false.
//
// Reclaim only detaches nodes from the LRU chain; it is the caller's (the
// engine's) job to also unlink the victim/reaped items from the item table
// and release their slab chunks, since this package does not know about
// either.
func (e *Evictor) Reclaim(classID int, now, flushHorizon clock.RelTime) (victim *item.Item, reaped []*item.Item, ok bool) {
	c := e.chains[classID]
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.lruEnd()
	isTailPosition := true
	for scanned := 0; !c.isSentinel(cur) && scanned < MaxScanDepth; scanned++ {
		next := cur.Prev
		expired := cur.Expired(now, flushHorizon)
		refZero := cur.RefCount() == 0

		switch {
		case refZero && expired:
			c.detach(cur)
			reaped = append(reaped, cur)
		case refZero && isTailPosition:
			c.detach(cur)
			victim, ok = cur, true
			return
		default:
			isTailPosition = false
		}
		cur = next
	}
	return
}
