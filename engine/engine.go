// Package engine implements the storage-engine façade: the single boundary a
// front end talks to for every cache operation (allocate, store, get, remove,
// arithmetic, flush, stats), independent of whatever wire protocol sits in
// front of it. There is no interface-version negotiation: CreateInstance
// returns the one concrete *Engine type.
//
// The handle-construction style follows cache/cache.go's cache.Cache/
// cache.View split (cache/view.go, cache/handler.go): a handle built once
// and threaded through every operation, generalized here to the full
// operation set and the cookie/async-completion contract a pluggable
// engine needs.
package engine

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/skipor/gomemengine/clock"
	"github.com/skipor/gomemengine/eviction"
	"github.com/skipor/gomemengine/internal/relerr"
	"github.com/skipor/gomemengine/item"
	"github.com/skipor/gomemengine/itable"
	"github.com/skipor/gomemengine/slab"
	"github.com/skipor/gomemengine/stats"
)

// Cookie is an opaque per-request identifier supplied by the front end and
// handed back unchanged through NotifyFunc. Front ends that never drive an
// asynchronous operation may pass nil throughout.
type Cookie interface{}

// NotifyFunc is invoked once a Store call that returned relerr.WouldBlock
// finishes in the background. The front end re-drives the original call with
// the same cookie to collect the now-cached result. Arithmetic takes no
// cookie and always completes synchronously.
type NotifyFunc func(cookie Cookie, status relerr.Status)

const (
	maxReclaimAttempts    = 4
	maxAsyncStoreAttempts = 5
)

// asyncRetryBackoff is the pause between reclaim retries run in the
// background on behalf of a deferred Store.
var asyncRetryBackoff = 2 * time.Millisecond

type pendingResult struct {
	cas    uint64
	result uint64
	status relerr.Status
}

// Engine is the in-memory cache implementation behind the façade: a slab
// allocator, a concurrent item table, a per-class LRU, and a stats backend,
// wired together and driven by relative time from a single Clock.
type Engine struct {
	cfg     Config
	clk     *clock.Clock
	alloc   *slab.Allocator
	table   *itable.Table
	evictor *eviction.Evictor
	stats   *stats.Stats

	casSeq  uint64 // atomic
	flushAt uint32 // atomic clock.RelTime; 0 means no flush horizon

	notify  NotifyFunc
	pending sync.Map // Cookie -> pendingResult
}

// CreateInstance parses configStr and returns a ready-to-use Engine with its
// clock already running. Combines the C API's create_instance+initialize
// pair into a single idiomatic constructor.
func CreateInstance(configStr string) (*Engine, error) {
	cfg, err := ParseConfig(configStr)
	if err != nil {
		return nil, err
	}
	clk := clock.New()
	clk.Run(time.Second)
	alloc := slab.New(slab.Config{
		BaseSize:     cfg.ChunkSize,
		GrowthFactor: cfg.Factor,
		MaxChunkSize: cfg.ItemSizeMax,
		Budget:       cfg.CacheSize,
	})
	return &Engine{
		cfg:     cfg,
		clk:     clk,
		alloc:   alloc,
		table:   itable.New(),
		evictor: eviction.New(clk, alloc.NumClasses()),
		stats:   stats.New(),
	}, nil
}

// Destroy tears down the engine's background clock. The Engine must not be
// used afterward.
func (e *Engine) Destroy() { e.clk.Stop() }

// GetInfo returns a human-readable description of this engine instance.
func (e *Engine) GetInfo() string {
	return "gomemengine cache_size=" + strconv.FormatInt(e.cfg.CacheSize, 10) +
		" chunk_size=" + strconv.Itoa(e.cfg.ChunkSize) +
		" factor=" + strconv.FormatFloat(e.cfg.Factor, 'g', -1, 64) +
		" item_size_max=" + strconv.Itoa(e.cfg.ItemSizeMax) +
		" eviction=" + strconv.FormatBool(e.cfg.Eviction) +
		" cas_enabled=" + strconv.FormatBool(e.cfg.CasEnabled)
}

// SetNotify registers the callback used to report completion of operations
// this engine deferred by returning relerr.WouldBlock.
func (e *Engine) SetNotify(fn NotifyFunc) { e.notify = fn }

func (e *Engine) flushHorizon() clock.RelTime { return clock.RelTime(atomic.LoadUint32(&e.flushAt)) }

func (e *Engine) itemExpired(it *item.Item) bool { return it.Expired(e.clk.Now(), e.flushHorizon()) }

func (e *Engine) nextCAS(it *item.Item) uint64 {
	v := atomic.AddUint64(&e.casSeq, 1)
	it.SetCAS(v)
	return v
}

// Allocate reserves a chunk able to hold nbytes of value and returns a
// detached Item the caller fills in before passing it to Store.
func (e *Engine) Allocate(key string, nbytes int, flags uint32, exptime int64) (*item.Item, relerr.Status) {
	if key == "" {
		return nil, relerr.Invalid
	}
	if e.cfg.ItemSizeMax > 0 && nbytes > e.cfg.ItemSizeMax {
		return nil, relerr.TooBig
	}
	chunk, status := e.acquireChunk(nbytes)
	if status != relerr.Success {
		return nil, status
	}
	it := item.New(key, flags, e.clk.Realtime(exptime), e.clk.Now(), chunk, 0)
	return it, relerr.Success
}

// acquireChunk reserves size bytes, running bounded reclaim rounds against
// the owning slab class when the allocator is out of budget and eviction is
// enabled.
func (e *Engine) acquireChunk(size int) (slab.Chunk, relerr.Status) {
	chunk, err := e.alloc.Acquire(size)
	if err == nil {
		return chunk, relerr.Success
	}
	if errors.Is(err, slab.ErrTooLarge) {
		return slab.Chunk{}, relerr.TooBig
	}
	if !e.cfg.Eviction {
		return slab.Chunk{}, relerr.NoMemory
	}
	classID := e.alloc.ClassOf(size)
	if classID < 0 {
		return slab.Chunk{}, relerr.TooBig
	}
	for attempt := 0; attempt < maxReclaimAttempts; attempt++ {
		victim, reaped, ok := e.evictor.Reclaim(classID, e.clk.Now(), e.flushHorizon())
		for _, r := range reaped {
			e.finalizeRemoved(r, true)
		}
		if !ok {
			break
		}
		e.finalizeRemoved(victim, false)
		chunk, err = e.alloc.Acquire(size)
		if err == nil {
			return chunk, relerr.Success
		}
	}
	return slab.Chunk{}, relerr.NoMemory
}

// finalizeRemoved detaches an item Reclaim already unhooked from the LRU
// chain from the item table too, frees its chunk if no caller still holds a
// reference, and records the appropriate stat.
func (e *Engine) finalizeRemoved(it *item.Item, expired bool) {
	if e.table.UnlinkIfSame(it.Key, it) {
		if expired {
			e.stats.RecordExpired()
		} else {
			e.stats.RecordEviction()
		}
	}
	it.SetDeletePending(true)
	if it.RefCount() == 0 {
		e.alloc.Release(it.Chunk())
	}
}

// removeStale unlinks an item discovered to be expired during a lookup.
func (e *Engine) removeStale(it *item.Item) {
	if !e.table.UnlinkIfSame(it.Key, it) {
		return
	}
	e.evictor.Unlink(it)
	e.stats.RecordExpired()
	it.SetDeletePending(true)
	if it.RefCount() == 0 {
		e.alloc.Release(it.Chunk())
	}
}

// Get returns the live item stored under key, with its refcount already
// incremented on the caller's behalf; the caller must eventually call
// Release.
func (e *Engine) Get(key string) (*item.Item, relerr.Status) {
	it, ok := e.table.Lookup(key)
	if !ok {
		e.stats.RecordGet(false)
		return nil, relerr.KeyNotFound
	}
	if e.itemExpired(it) {
		e.removeStale(it)
		e.stats.RecordGet(false)
		return nil, relerr.KeyNotFound
	}
	it.IncRef()
	e.evictor.Bump(it)
	e.stats.RecordGet(true)
	return it, relerr.Success
}

// Abandon releases the chunk behind an Item returned by Allocate that never
// made it into Store, e.g. because the front end could not finish reading
// its value off the wire. The item must not be linked.
func (e *Engine) Abandon(it *item.Item) { e.alloc.Release(it.Chunk()) }

// Release indicates the caller no longer needs a handle returned by Get or
// Allocate. The backing chunk is freed once the last handle is released on
// an item that is no longer linked.
func (e *Engine) Release(it *item.Item) {
	if it.DecRef() && it.DeletePending() {
		e.alloc.Release(it.Chunk())
	}
}

// Remove unlinks the item stored under key. If cas is non-zero and CAS
// enforcement is on, the stored item's CAS stamp must match.
func (e *Engine) Remove(key string, cas uint64) relerr.Status {
	old, ok := e.table.Lookup(key)
	if !ok || e.itemExpired(old) {
		e.stats.RecordDelete(false)
		return relerr.KeyNotFound
	}
	if cas != 0 && e.cfg.CasEnabled && old.CAS() != cas {
		return relerr.KeyExists
	}
	if !e.table.UnlinkIfSame(key, old) {
		e.stats.RecordDelete(false)
		return relerr.KeyNotFound
	}
	e.evictor.Unlink(old)
	old.SetDeletePending(true)
	if old.RefCount() == 0 {
		e.alloc.Release(old.Chunk())
	}
	e.stats.RecordDelete(true)
	return relerr.Success
}

// Store commits it under the semantics of op. cookie may be nil; if non-nil
// and the store can't complete for lack of memory, Store returns
// relerr.WouldBlock immediately and retries in the background, reporting
// through NotifyFunc. The front end re-drives Store with the same cookie
// and arguments to collect the cached result.
func (e *Engine) Store(cookie Cookie, it *item.Item, cas uint64, op relerr.StoreOperation) (uint64, relerr.Status) {
	if cached, ok := e.takeCached(cookie); ok {
		return cached.cas, cached.status
	}
	casOut, status := e.storeOnce(it, cas, op)
	if status == relerr.NoMemory && cookie != nil {
		go e.retryStoreAsync(cookie, it, cas, op)
		return 0, relerr.WouldBlock
	}
	return casOut, status
}

func (e *Engine) storeOnce(it *item.Item, cas uint64, op relerr.StoreOperation) (uint64, relerr.Status) {
	switch op {
	case relerr.Add:
		return e.addItem(it)
	case relerr.Set:
		return e.setItem(it)
	case relerr.Replace:
		return e.replaceItem(it)
	case relerr.Cas:
		return e.casItem(it, cas)
	case relerr.Append:
		return e.concatItem(it, false)
	case relerr.Prepend:
		return e.concatItem(it, true)
	default:
		return 0, relerr.Invalid
	}
}

func (e *Engine) addItem(it *item.Item) (uint64, relerr.Status) {
	for {
		old, ok := e.table.Lookup(it.Key)
		if ok && e.itemExpired(old) {
			e.removeStale(old)
			continue
		}
		if ok {
			return 0, relerr.KeyExists
		}
		if !e.table.Link(it) {
			continue // lost a race with a concurrent insert; re-check
		}
		e.evictor.Link(it)
		e.stats.RecordSet()
		return e.nextCAS(it), relerr.Success
	}
}

func (e *Engine) setItem(it *item.Item) (uint64, relerr.Status) {
	for {
		old, ok := e.table.Lookup(it.Key)
		if !ok {
			if !e.table.Link(it) {
				continue
			}
			e.evictor.Link(it)
			e.stats.RecordSet()
			return e.nextCAS(it), relerr.Success
		}
		if e.itemExpired(old) {
			e.removeStale(old)
			continue
		}
		return e.swap(old, it)
	}
}

func (e *Engine) replaceItem(it *item.Item) (uint64, relerr.Status) {
	old, ok := e.table.Lookup(it.Key)
	if !ok || e.itemExpired(old) {
		return 0, relerr.NotStored
	}
	return e.swap(old, it)
}

func (e *Engine) casItem(it *item.Item, cas uint64) (uint64, relerr.Status) {
	old, ok := e.table.Lookup(it.Key)
	if !ok || e.itemExpired(old) {
		return 0, relerr.KeyNotFound
	}
	if e.cfg.CasEnabled && old.CAS() != cas {
		return 0, relerr.KeyExists
	}
	return e.swap(old, it)
}

// swap atomically replaces old with next in the table, under old.Key, and
// migrates LRU/slab bookkeeping accordingly.
func (e *Engine) swap(old, next *item.Item) (uint64, relerr.Status) {
	if !e.table.Replace(old.Key, old, next) {
		return 0, relerr.NotStored
	}
	e.evictor.Unlink(old)
	old.SetDeletePending(true)
	if old.RefCount() == 0 {
		e.alloc.Release(old.Chunk())
	}
	e.evictor.Link(next)
	e.stats.RecordSet()
	return e.nextCAS(next), relerr.Success
}

// concatItem commits an append/prepend: it holds only the bytes to graft
// onto the currently stored value; the combined value is written into a
// freshly acquired chunk, and it's own chunk is released unused.
func (e *Engine) concatItem(it *item.Item, prepend bool) (uint64, relerr.Status) {
	old, ok := e.table.Lookup(it.Key)
	if !ok || e.itemExpired(old) {
		e.alloc.Release(it.Chunk())
		return 0, relerr.NotStored
	}
	oldValue := old.Value()
	newValue := it.Value()
	combinedLen := len(oldValue) + len(newValue)

	chunk, status := e.acquireChunk(combinedLen)
	if status != relerr.Success {
		e.alloc.Release(it.Chunk())
		return 0, status
	}
	buf := chunk.Bytes()
	if prepend {
		copy(buf, newValue)
		copy(buf[len(newValue):], oldValue)
	} else {
		copy(buf, oldValue)
		copy(buf[len(oldValue):], newValue)
	}
	e.alloc.Release(it.Chunk())
	combined := item.New(old.Key, old.Flags, old.Exptime, old.CreatedAt(), chunk, combinedLen)
	casOut, st := e.swap(old, combined)
	if st != relerr.Success {
		e.alloc.Release(chunk)
		return 0, st
	}
	e.Release(combined)
	return casOut, relerr.Success
}

// Arithmetic parses the item's current value as an unsigned decimal and
// increments or decrements it by delta, saturating at zero on underflow. If
// the key is absent and create is true, it is seeded with initial.
func (e *Engine) Arithmetic(key string, increment, create bool, delta, initial uint64, exptime int64) (result uint64, cas uint64, status relerr.Status) {
	old, ok := e.table.Lookup(key)
	if ok && e.itemExpired(old) {
		e.removeStale(old)
		ok = false
	}
	if !ok {
		if !create {
			return 0, 0, relerr.KeyNotFound
		}
		return e.createArithmeticItem(key, initial, exptime)
	}

	cur, err := strconv.ParseUint(strings.TrimSpace(string(old.Value())), 10, 64)
	if err != nil {
		return 0, 0, relerr.Invalid
	}
	var next uint64
	if increment {
		next = cur + delta
	} else if delta > cur {
		next = 0
	} else {
		next = cur - delta
	}
	valStr := strconv.FormatUint(next, 10)

	if len(valStr) <= len(old.Value()) {
		old.SetValue([]byte(valStr))
		return next, e.nextCAS(old), relerr.Success
	}

	chunk, status := e.acquireChunk(len(valStr))
	if status != relerr.Success {
		return 0, 0, status
	}
	copy(chunk.Bytes(), valStr)
	replacement := item.New(old.Key, old.Flags, old.Exptime, old.CreatedAt(), chunk, len(valStr))
	casOut, st := e.swap(old, replacement)
	if st != relerr.Success {
		e.alloc.Release(chunk)
		return 0, 0, st
	}
	e.Release(replacement)
	return next, casOut, relerr.Success
}

func (e *Engine) createArithmeticItem(key string, initial uint64, exptime int64) (uint64, uint64, relerr.Status) {
	valStr := strconv.FormatUint(initial, 10)
	chunk, status := e.acquireChunk(len(valStr))
	if status != relerr.Success {
		return 0, 0, status
	}
	copy(chunk.Bytes(), valStr)
	it := item.New(key, 0, e.clk.Realtime(exptime), e.clk.Now(), chunk, len(valStr))
	if !e.table.Link(it) {
		e.alloc.Release(chunk)
		return 0, 0, relerr.KeyExists
	}
	e.evictor.Link(it)
	e.stats.RecordSet()
	e.Release(it)
	return initial, e.nextCAS(it), relerr.Success
}

// Flush marks every item created at or before when (converted through the
// engine's clock, same dual absolute/relative convention as item exptimes)
// as expired.
func (e *Engine) Flush(when int64) relerr.Status {
	horizon := e.clk.Realtime(when)
	if horizon == 0 {
		horizon = e.clk.Now()
	}
	atomic.StoreUint32(&e.flushAt, uint32(horizon))
	return relerr.Success
}

// GetStats drives addStat with the requested stats sub-key's contents.
// "reset" is special: it zeroes the counters instead of reporting them.
func (e *Engine) GetStats(subKey string, addStat stats.AddStat) relerr.Status {
	if subKey == "reset" {
		e.stats.Reset()
		return relerr.Success
	}
	e.stats.GetStats(subKey, e.alloc, addStat)
	return relerr.Success
}

// ResetStats zeroes every counter.
func (e *Engine) ResetStats() { e.stats.Reset() }

// UnknownCommand reports that this engine has no engine-specific handling
// for opcode.
func (e *Engine) UnknownCommand(uint8) relerr.Status { return relerr.NotSupported }

func (e *Engine) takeCached(cookie Cookie) (pendingResult, bool) {
	if cookie == nil {
		return pendingResult{}, false
	}
	v, ok := e.pending.LoadAndDelete(cookie)
	if !ok {
		return pendingResult{}, false
	}
	return v.(pendingResult), true
}

func (e *Engine) retryStoreAsync(cookie Cookie, it *item.Item, cas uint64, op relerr.StoreOperation) {
	var casOut uint64
	status := relerr.NoMemory
	for i := 0; i < maxAsyncStoreAttempts && status == relerr.NoMemory; i++ {
		time.Sleep(asyncRetryBackoff)
		casOut, status = e.storeOnce(it, cas, op)
	}
	e.pending.Store(cookie, pendingResult{cas: casOut, status: status})
	if e.notify != nil {
		e.notify(cookie, status)
	}
}
