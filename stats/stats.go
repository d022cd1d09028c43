// Package stats backs the engine façade's GetStats/ResetStats operations
// with a github.com/rcrowley/go-metrics registry, the same library
// integration_test/load_test.go used for a one-off benchmark harness —
// here promoted to the engine's permanent stats backend.
package stats

import (
	"strconv"

	"github.com/rcrowley/go-metrics"

	"github.com/skipor/gomemengine/slab"
)

// AddStat is the callback shape front ends pass to GetStats: one key/value
// pair per call, mirroring the ADD_STAT function-pointer contract.
type AddStat func(key, value string)

// Stats accumulates hit/miss/eviction counters and exposes them through
// GetStats sub-keys ("", "items", "slabs", "sizes"), plus Reset for
// ResetStats.
type Stats struct {
	registry metrics.Registry

	cmdGet       metrics.Counter
	cmdSet       metrics.Counter
	getHits      metrics.Counter
	getMisses    metrics.Counter
	deleteHits   metrics.Counter
	deleteMisses metrics.Counter
	evictions    metrics.Counter
	expired      metrics.Counter
	totalItems   metrics.Counter
	currItems    metrics.Counter
}

// New returns an empty Stats.
func New() *Stats {
	r := metrics.NewRegistry()
	return &Stats{
		registry:     r,
		cmdGet:       metrics.NewRegisteredCounter("cmd_get", r),
		cmdSet:       metrics.NewRegisteredCounter("cmd_set", r),
		getHits:      metrics.NewRegisteredCounter("get_hits", r),
		getMisses:    metrics.NewRegisteredCounter("get_misses", r),
		deleteHits:   metrics.NewRegisteredCounter("delete_hits", r),
		deleteMisses: metrics.NewRegisteredCounter("delete_misses", r),
		evictions:    metrics.NewRegisteredCounter("evictions", r),
		expired:      metrics.NewRegisteredCounter("expired_unfetched", r),
		totalItems:   metrics.NewRegisteredCounter("total_items", r),
		currItems:    metrics.NewRegisteredCounter("curr_items", r),
	}
}

func (s *Stats) RecordGet(hit bool) {
	s.cmdGet.Inc(1)
	if hit {
		s.getHits.Inc(1)
	} else {
		s.getMisses.Inc(1)
	}
}

func (s *Stats) RecordSet() {
	s.cmdSet.Inc(1)
	s.totalItems.Inc(1)
	s.currItems.Inc(1)
}

func (s *Stats) RecordDelete(hit bool) {
	if hit {
		s.deleteHits.Inc(1)
		s.currItems.Dec(1)
	} else {
		s.deleteMisses.Inc(1)
	}
}

func (s *Stats) RecordEviction() { s.evictions.Inc(1); s.currItems.Dec(1) }
func (s *Stats) RecordExpired()  { s.expired.Inc(1); s.currItems.Dec(1) }

// Reset zeroes every counter (ResetStats has no return value).
func (s *Stats) Reset() {
	s.registry.Each(func(name string, i interface{}) {
		if c, ok := i.(metrics.Counter); ok {
			c.Clear()
		}
	})
}

// GetStats drives addStat with the sub-key's key/value pairs. An empty
// subKey reports the general counters; "slabs"/"items"/"sizes" report
// allocator-derived detail; any other subKey reports nothing.
func (s *Stats) GetStats(subKey string, alloc *slab.Allocator, addStat AddStat) {
	switch subKey {
	case "":
		s.generalStats(addStat)
	case "slabs":
		slabStats(alloc, addStat)
	case "items":
		itemStats(alloc, addStat)
	case "sizes":
		sizeStats(alloc, addStat)
	}
}

func (s *Stats) generalStats(addStat AddStat) {
	addStat("cmd_get", strconv.FormatInt(s.cmdGet.Count(), 10))
	addStat("cmd_set", strconv.FormatInt(s.cmdSet.Count(), 10))
	addStat("get_hits", strconv.FormatInt(s.getHits.Count(), 10))
	addStat("get_misses", strconv.FormatInt(s.getMisses.Count(), 10))
	addStat("delete_hits", strconv.FormatInt(s.deleteHits.Count(), 10))
	addStat("delete_misses", strconv.FormatInt(s.deleteMisses.Count(), 10))
	addStat("evictions", strconv.FormatInt(s.evictions.Count(), 10))
	addStat("expired_unfetched", strconv.FormatInt(s.expired.Count(), 10))
	addStat("total_items", strconv.FormatInt(s.totalItems.Count(), 10))
	addStat("curr_items", strconv.FormatInt(s.currItems.Count(), 10))
}

func slabStats(alloc *slab.Allocator, addStat AddStat) {
	addStat("total_bytes_used", strconv.FormatInt(alloc.UsedBytes(), 10))
	addStat("total_bytes_budget", strconv.FormatInt(alloc.Budget(), 10))
}

func itemStats(alloc *slab.Allocator, addStat AddStat) {
	for c := 0; c < alloc.NumClasses(); c++ {
		key := strconv.Itoa(c) + ":chunk_size"
		addStat(key, strconv.Itoa(alloc.ClassSize(c)))
	}
}

func sizeStats(alloc *slab.Allocator, addStat AddStat) {
	for c := 0; c < alloc.NumClasses(); c++ {
		addStat(strconv.Itoa(c), strconv.Itoa(alloc.ClassSize(c)))
	}
}
