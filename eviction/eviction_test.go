package eviction_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/skipor/gomemengine/clock"
	"github.com/skipor/gomemengine/eviction"
	"github.com/skipor/gomemengine/item"
	"github.com/skipor/gomemengine/slab"
)

var testAllocator = slab.New(slab.Config{BaseSize: 64, GrowthFactor: 1.25, PageSize: 1 << 16, MaxChunkSize: 1 << 12})

func newTestItem(key string, exptime clock.RelTime) *item.Item {
	chunk, err := testAllocator.Acquire(1)
	if err != nil {
		panic(err)
	}
	it := item.New(key, 0, exptime, 0, chunk, 0)
	it.SetLinked(true)
	return it
}

var _ = Describe("Evictor", func() {
	var (
		clk *clock.Clock
		e   *eviction.Evictor
	)

	BeforeEach(func() {
		clk = clock.New()
		e = eviction.New(clk, testAllocator.NumClasses())
	})

	It("reclaims the LRU-tail item when it is idle", func() {
		a := newTestItem("a", 0)
		b := newTestItem("b", 0)
		c := newTestItem("c", 0)
		a.DecRef()
		b.DecRef()
		c.DecRef()
		e.Link(a)
		e.Link(b)
		e.Link(c)

		victim, reaped, ok := e.Reclaim(a.ClassID(), 0, 0)
		Expect(ok).To(BeTrue())
		Expect(victim).To(BeIdenticalTo(a))
		Expect(reaped).To(BeEmpty())
	})

	It("skips an item with outstanding references unless expired", func() {
		a := newTestItem("a", 0) // ref stays 1: in use
		b := newTestItem("b", 0)
		b.DecRef()
		e.Link(a)
		e.Link(b)

		_, _, ok := e.Reclaim(a.ClassID(), 0, 0)
		Expect(ok).To(BeFalse())
	})

	It("opportunistically reaps expired items found along the scan", func() {
		a := newTestItem("a", 5) // expires at t=5
		b := newTestItem("b", 0) // never expires
		a.DecRef()
		b.DecRef()
		e.Link(a)
		e.Link(b)

		victim, reaped, ok := e.Reclaim(a.ClassID(), 100, 0)
		Expect(ok).To(BeTrue())
		Expect(victim).To(BeIdenticalTo(b))
		Expect(reaped).To(ConsistOf(a))
	})

	It("gives up once the scan depth is exhausted", func() {
		var items []*item.Item
		for i := 0; i < eviction.MaxScanDepth+5; i++ {
			it := newTestItem("k", 0) // held refs: never eligible, never expired
			items = append(items, it)
			e.Link(it)
		}

		_, _, ok := e.Reclaim(items[0].ClassID(), 0, 0)
		Expect(ok).To(BeFalse())
	})

	It("moves a bumped item off the tail", func() {
		a := newTestItem("a", 0)
		b := newTestItem("b", 0)
		a.DecRef()
		b.DecRef()
		e.Link(a)
		e.Link(b)

		e.Bump(a)

		victim, _, ok := e.Reclaim(a.ClassID(), 0, 0)
		Expect(ok).To(BeTrue())
		Expect(victim).To(BeIdenticalTo(b))
	})

	It("removes an item from future scans once Unlinked", func() {
		a := newTestItem("a", 0)
		b := newTestItem("b", 0)
		a.DecRef()
		b.DecRef()
		e.Link(a)
		e.Link(b)

		e.Unlink(a)

		victim, _, ok := e.Reclaim(a.ClassID(), 0, 0)
		Expect(ok).To(BeTrue())
		Expect(victim).To(BeIdenticalTo(b))
	})
})
