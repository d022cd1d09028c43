package slab_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/skipor/gomemengine/slab"
)

var _ = Describe("Allocator", func() {
	It("picks the smallest class that fits", func() {
		a := slab.New(slab.Config{BaseSize: 96, GrowthFactor: 1.25, PageSize: 1 << 16, MaxChunkSize: 1 << 12})
		id := a.ClassOf(100)
		Expect(a.ClassSize(id)).To(BeNumerically(">=", 100))
		if id > 0 {
			Expect(a.ClassSize(id - 1)).To(BeNumerically("<", 100))
		}
	})

	It("fails for sizes larger than the biggest class", func() {
		a := slab.New(slab.Config{BaseSize: 96, GrowthFactor: 1.25, PageSize: 1 << 12, MaxChunkSize: 1 << 10})
		_, err := a.Acquire(1 << 20)
		Expect(err).To(MatchError(slab.ErrTooLarge))
	})

	It("reuses released chunks via the free list", func() {
		a := slab.New(slab.Config{BaseSize: 64, GrowthFactor: 1.25, PageSize: 1 << 12, MaxChunkSize: 1 << 10})
		c1, err := a.Acquire(50)
		Expect(err).NotTo(HaveOccurred())
		usedAfterFirst := a.UsedBytes()
		a.Release(c1)
		c2, err := a.Acquire(50)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.UsedBytes()).To(Equal(usedAfterFirst), "reuse from free list should not grow the budget")
		Expect(c2.ClassID()).To(Equal(c1.ClassID()))
	})

	It("enforces the global budget", func() {
		a := slab.New(slab.Config{BaseSize: 64, GrowthFactor: 1.25, PageSize: 1 << 10, MaxChunkSize: 1 << 8, Budget: 1 << 10})
		var acquired []slab.Chunk
		for {
			c, err := a.Acquire(64)
			if err != nil {
				Expect(err).To(MatchError(slab.ErrNoMemory))
				break
			}
			acquired = append(acquired, c)
			if len(acquired) > 1000 {
				Fail("budget was never enforced")
			}
		}
		Expect(acquired).NotTo(BeEmpty())
	})

	It("carves multiple chunks out of one page before allocating another", func() {
		a := slab.New(slab.Config{BaseSize: 64, GrowthFactor: 1.25, PageSize: 1 << 8, MaxChunkSize: 1 << 6})
		_, err := a.Acquire(10)
		Expect(err).NotTo(HaveOccurred())
		firstPageUsed := a.UsedBytes()
		_, err = a.Acquire(10)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.UsedBytes()).To(Equal(firstPageUsed), "second chunk should carve from the same page")
	})
})
