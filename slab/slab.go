// Package slab implements a bounded, size-classed memory arena: callers
// acquire fixed-size chunks from a geometric ladder of size classes backed
// by bulk-allocated pages, under a hard global byte budget.
//
// Unlike a pool of per-size sync.Pool free lists — which fall back to plain
// make([]byte, n) once a request falls outside their size range, and so can
// never refuse an allocation — this arena enforces the budget strictly and
// returns ErrNoMemory once it is exhausted, so a caller can drive eviction
// before retrying.
package slab

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrTooLarge is returned when no size class can hold the requested size.
var ErrTooLarge = errors.New("slab: requested size exceeds largest class")

// ErrNoMemory is returned when the global budget is exhausted and no chunk
// could be produced. Callers are expected to invoke eviction and retry
// before surfacing this upward as an out-of-memory error.
var ErrNoMemory = errors.New("slab: no memory available")

// Chunk is a fixed-size byte region owned by one class. The zero Chunk is
// invalid; always obtain one from Allocator.Acquire.
type Chunk struct {
	bytes   []byte
	classID int
}

// Bytes is the full backing array for this chunk's class size. Callers use a
// prefix of it (an item keeps only its value bytes here); the whole chunk is
// returned on Release regardless of how much of it was in use.
func (c Chunk) Bytes() []byte { return c.bytes }

// ClassID is the slab class this chunk belongs to.
func (c Chunk) ClassID() int { return c.classID }

func (c Chunk) valid() bool { return c.bytes != nil }

// Allocator carves Chunks out of classes sized geometrically from baseSize
// by growthFactor, backed by pages of pageSize bytes, bounded by budget total
// bytes across all classes.
type Allocator struct {
	pageSize int
	budget   int64
	used     int64 // atomic
	classes  []*class
}

type class struct {
	mu         sync.Mutex
	size       int
	free       [][]byte
	curPage    []byte
	pageOffset int
}

// Config configures a new Allocator. GrowthFactor and BaseSize fall back to
// sensible defaults (96 bytes, 1.25 growth) when zero.
type Config struct {
	BaseSize     int
	GrowthFactor float64
	PageSize     int64
	MaxChunkSize int
	Budget       int64
}

const (
	DefaultBaseSize     = 96
	DefaultGrowthFactor = 1.25
	DefaultPageSize     = 1 << 20 // 1 MiB.
)

// New builds the geometric class ladder from cfg and returns an Allocator
// ready to serve Acquire/Release. Classes are generated starting at
// BaseSize and growing by GrowthFactor until MaxChunkSize is covered.
func New(cfg Config) *Allocator {
	if cfg.BaseSize <= 0 {
		cfg.BaseSize = DefaultBaseSize
	}
	if cfg.GrowthFactor <= 1 {
		cfg.GrowthFactor = DefaultGrowthFactor
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = int(cfg.PageSize)
	}

	a := &Allocator{
		pageSize: int(cfg.PageSize),
		budget:   cfg.Budget,
	}
	size := float64(cfg.BaseSize)
	for int(size) < cfg.MaxChunkSize {
		a.classes = append(a.classes, &class{size: int(size)})
		size *= cfg.GrowthFactor
	}
	a.classes = append(a.classes, &class{size: cfg.MaxChunkSize})
	return a
}

// ClassOf returns the id of the smallest class able to hold size bytes, or
// -1 if none can.
func (a *Allocator) ClassOf(size int) int {
	for i, c := range a.classes {
		if size <= c.size {
			return i
		}
	}
	return -1
}

// ClassSize returns the chunk size backing class id.
func (a *Allocator) ClassSize(id int) int {
	return a.classes[id].size
}

// NumClasses returns the number of configured size classes.
func (a *Allocator) NumClasses() int { return len(a.classes) }

// UsedBytes returns the number of budget bytes currently checked out in
// pages (not yet-unused free-list capacity within a class).
func (a *Allocator) UsedBytes() int64 { return atomic.LoadInt64(&a.used) }

// Budget returns the configured total byte budget.
func (a *Allocator) Budget() int64 { return a.budget }

// Acquire returns a chunk from the smallest class able to hold size bytes:
// free-list pop, else carve from the class's current page, else allocate a
// new page from the global budget, else ErrNoMemory.
func (a *Allocator) Acquire(size int) (Chunk, error) {
	id := a.ClassOf(size)
	if id < 0 {
		return Chunk{}, errors.WithStack(ErrTooLarge)
	}
	return a.acquireClass(id)
}

func (a *Allocator) acquireClass(id int) (Chunk, error) {
	c := a.classes[id]
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.free); n > 0 {
		b := c.free[n-1]
		c.free = c.free[:n-1]
		return Chunk{bytes: b, classID: id}, nil
	}

	if b, ok := c.carve(); ok {
		return Chunk{bytes: b, classID: id}, nil
	}

	if !a.reserve(int64(a.pageSize)) {
		return Chunk{}, errors.WithStack(ErrNoMemory)
	}
	c.curPage = make([]byte, a.pageSize)
	c.pageOffset = 0
	b, ok := c.carve()
	if !ok {
		// pageSize smaller than class size: misconfiguration, not a runtime
		// condition callers can recover from.
		a.release(int64(a.pageSize))
		return Chunk{}, errors.Errorf("slab: class size %d larger than page size %d", c.size, a.pageSize)
	}
	return Chunk{bytes: b, classID: id}, nil
}

func (c *class) carve() ([]byte, bool) {
	if c.pageOffset+c.size > len(c.curPage) {
		return nil, false
	}
	b := c.curPage[c.pageOffset : c.pageOffset+c.size : c.pageOffset+c.size]
	c.pageOffset += c.size
	return b, true
}

// Release returns chunk to its class's free list.
func (a *Allocator) Release(chunk Chunk) {
	if !chunk.valid() {
		panic("slab: release of zero Chunk")
	}
	c := a.classes[chunk.classID]
	c.mu.Lock()
	c.free = append(c.free, chunk.bytes)
	c.mu.Unlock()
}

// reserve admits n bytes against the global budget, atomically. A zero
// budget means unbounded (useful for tests).
func (a *Allocator) reserve(n int64) bool {
	if a.budget <= 0 {
		atomic.AddInt64(&a.used, n)
		return true
	}
	for {
		cur := atomic.LoadInt64(&a.used)
		if cur+n > a.budget {
			return false
		}
		if atomic.CompareAndSwapInt64(&a.used, cur, cur+n) {
			return true
		}
	}
}

func (a *Allocator) release(n int64) {
	atomic.AddInt64(&a.used, -n)
}
