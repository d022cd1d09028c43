// Package item defines the unit of storage shared by the item table, the
// eviction engine and the façade.
package item

import (
	"sync/atomic"

	"github.com/skipor/gomemengine/clock"
	"github.com/skipor/gomemengine/slab"
)

// Flag is the internal item flag bitset: low 8 bits reserved to the core,
// high 8 bits free for engine use. Modeled as uint16 so both halves fit in
// one word; CoreFlagMask isolates the reserved half.
type Flag uint16

const (
	// FlagLinked marks an item as present in the item table and its class's
	// LRU chain.
	FlagLinked Flag = 1 << iota
	// FlagDeletePending marks an item unlinked-but-not-yet-freed because
	// refcount > 0.
	FlagDeletePending

	// CoreFlagMask isolates the 8 bits reserved to the core; engines
	// embedding this package may use the remaining high byte freely.
	CoreFlagMask Flag = 0x00FF
)

// headerOverhead approximates the fixed per-item bookkeeping cost (struct
// fields, table bucket slot, LRU link pointers) that Size adds to the key and
// value lengths. It plays no part in slab class selection: the engine picks
// an item's chunk from the value length alone. Mirrors extraSizePerNode in
// cache/lru.go.
const headerOverhead = 64

// Item is the unit of storage. Its value bytes live in a slab.Chunk; Key is
// kept as a plain Go string alongside rather than packed into the chunk the
// way C memcached inlines the key — the idiomatic Go rendition of storing a
// variable-length key next to a fixed-size value chunk.
type Item struct {
	Key     string
	Flags   uint32
	Exptime clock.RelTime
	cas     uint64 // atomic
	ref     int32  // atomic refcount
	iflag   uint32 // atomic Flag, read under table/class locks for composite ops

	createdAt clock.RelTime
	lastBump  clock.RelTime

	chunk    slab.Chunk
	valueLen int

	// LRU chain intrusive links. Owned and mutated exclusively by the
	// eviction package under the class lock; never read or written here.
	Next, Prev *Item
}

// New creates a detached item (refcount 1, unlinked) backed by chunk, with
// the first n bytes of value already written into chunk.Bytes().
func New(key string, flags uint32, exptime clock.RelTime, createdAt clock.RelTime, chunk slab.Chunk, valueLen int) *Item {
	return &Item{
		Key:       key,
		Flags:     flags,
		Exptime:   exptime,
		createdAt: createdAt,
		ref:       1,
		chunk:     chunk,
		valueLen:  valueLen,
	}
}

// Value returns the stored bytes. The returned slice aliases the item's slab
// chunk and must not be retained past Release.
func (i *Item) Value() []byte { return i.chunk.Bytes()[:i.valueLen] }

// SetValue overwrites the item's value in place; it must fit within the
// chunk backing the item (callers that need a bigger chunk allocate a new
// Item, as append/prepend do).
func (i *Item) SetValue(b []byte) {
	if len(b) > len(i.chunk.Bytes()) {
		panic("item: value does not fit in backing chunk")
	}
	n := copy(i.chunk.Bytes(), b)
	i.valueLen = n
}

// Buffer returns the item's full backing chunk, for callers that want to
// write the value in place (e.g. reading straight off a network connection)
// instead of copying through SetValue. Pair with Commit once the write is
// done.
func (i *Item) Buffer() []byte { return i.chunk.Bytes() }

// Commit finalizes the value length after writing directly into Buffer.
func (i *Item) Commit(n int) { i.valueLen = n }

// Chunk returns the backing slab chunk, for release back to the allocator.
func (i *Item) Chunk() slab.Chunk { return i.chunk }

// ClassID returns the slab class backing this item's chunk.
func (i *Item) ClassID() int { return i.chunk.ClassID() }

// Size is the total footprint used for size-class accounting.
func (i *Item) Size() int { return headerOverhead + len(i.Key) + i.valueLen }

// CreatedAt is the relative time this item was created or last replaced by a
// full store, used for flush-horizon comparisons.
func (i *Item) CreatedAt() clock.RelTime { return i.createdAt }

// Expired reports whether the item's exptime has passed as of now, or it was
// created before the flush horizon.
func (i *Item) Expired(now, flushHorizon clock.RelTime) bool {
	if i.Exptime != 0 && i.Exptime <= now {
		return true
	}
	if flushHorizon != 0 && i.createdAt < flushHorizon {
		return true
	}
	return false
}

// CAS returns the item's current CAS stamp.
func (i *Item) CAS() uint64 { return atomic.LoadUint64(&i.cas) }

// SetCAS stores a new CAS stamp. Callers must only ever pass monotonically
// increasing values drawn from the engine's global counter.
func (i *Item) SetCAS(v uint64) { atomic.StoreUint64(&i.cas, v) }

// IncRef increments the outstanding-handle count.
func (i *Item) IncRef() { atomic.AddInt32(&i.ref, 1) }

// DecRef decrements the outstanding-handle count and reports whether it
// reached zero.
func (i *Item) DecRef() bool { return atomic.AddInt32(&i.ref, -1) == 0 }

// RefCount returns the current outstanding-handle count.
func (i *Item) RefCount() int32 { return atomic.LoadInt32(&i.ref) }

// Linked reports whether FlagLinked is set.
func (i *Item) Linked() bool { return i.hasFlag(FlagLinked) }

// SetLinked sets or clears FlagLinked. Callers must hold the owning table
// bucket lock.
func (i *Item) SetLinked(v bool) { i.setFlag(FlagLinked, v) }

// DeletePending reports whether FlagDeletePending is set.
func (i *Item) DeletePending() bool { return i.hasFlag(FlagDeletePending) }

// SetDeletePending sets or clears FlagDeletePending.
func (i *Item) SetDeletePending(v bool) { i.setFlag(FlagDeletePending, v) }

func (i *Item) hasFlag(f Flag) bool {
	return Flag(atomic.LoadUint32(&i.iflag))&f != 0
}

func (i *Item) setFlag(f Flag, v bool) {
	for {
		old := atomic.LoadUint32(&i.iflag)
		var next uint32
		if v {
			next = old | uint32(f)
		} else {
			next = old &^ uint32(f)
		}
		if atomic.CompareAndSwapUint32(&i.iflag, old, next) {
			return
		}
	}
}

// LastBump returns the relative time of the last LRU bump, for the bump
// coalescing window.
func (i *Item) LastBump() clock.RelTime { return i.lastBump }

// SetLastBump records the relative time of an LRU bump.
func (i *Item) SetLastBump(t clock.RelTime) { i.lastBump = t }
