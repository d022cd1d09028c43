package itable_test

import (
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/skipor/gomemengine/item"
	"github.com/skipor/gomemengine/itable"
	"github.com/skipor/gomemengine/slab"
)

var testAllocator = slab.New(slab.Config{BaseSize: 64, GrowthFactor: 1.25, PageSize: 1 << 16, MaxChunkSize: 1 << 12})

func newItem(key string) *item.Item {
	chunk, err := testAllocator.Acquire(1)
	if err != nil {
		panic(err)
	}
	return item.New(key, 0, 0, 0, chunk, 0)
}

var _ = Describe("Table", func() {
	var t *itable.Table
	BeforeEach(func() {
		t = itable.New()
	})

	It("round-trips a single item", func() {
		it := newItem("foo")
		Expect(t.Link(it)).To(BeTrue())
		got, ok := t.Lookup("foo")
		Expect(ok).To(BeTrue())
		Expect(got).To(BeIdenticalTo(it))
	})

	It("reports absent keys", func() {
		_, ok := t.Lookup("missing")
		Expect(ok).To(BeFalse())
	})

	It("refuses to link a duplicate key", func() {
		Expect(t.Link(newItem("dup"))).To(BeTrue())
		Expect(t.Link(newItem("dup"))).To(BeFalse())
	})

	It("unlinks and forgets", func() {
		it := newItem("k")
		t.Link(it)
		got, ok := t.Unlink("k")
		Expect(ok).To(BeTrue())
		Expect(got).To(BeIdenticalTo(it))
		_, ok = t.Lookup("k")
		Expect(ok).To(BeFalse())
		Expect(it.Linked()).To(BeFalse())
	})

	It("replaces atomically under the same key", func() {
		a := newItem("k")
		b := newItem("k2") // key field irrelevant to Replace, which keys by the table slot
		t.Link(a)
		Expect(t.Replace("k", a, b)).To(BeTrue())
		got, _ := t.Lookup("k")
		Expect(got).To(BeIdenticalTo(b))
		Expect(a.Linked()).To(BeFalse())
		Expect(b.Linked()).To(BeTrue())
	})

	It("UnlinkIfSame refuses to remove a key that was since replaced", func() {
		a := newItem("k")
		b := newItem("k")
		t.Link(a)
		Expect(t.Replace("k", a, b)).To(BeTrue())
		Expect(t.UnlinkIfSame("k", a)).To(BeFalse())
		got, ok := t.Lookup("k")
		Expect(ok).To(BeTrue())
		Expect(got).To(BeIdenticalTo(b))
	})

	It("survives growth without losing or duplicating entries", func() {
		const n = 5000
		for i := 0; i < n; i++ {
			key := fmt.Sprintf("key-%d", i)
			Expect(t.Link(newItem(key))).To(BeTrue())
		}
		Eventually(func() int64 { return t.Len() }).Should(BeEquivalentTo(n))
		for i := 0; i < n; i++ {
			key := fmt.Sprintf("key-%d", i)
			got, ok := t.Lookup(key)
			Expect(ok).To(BeTrue())
			Expect(got.Key).To(Equal(key))
		}
	})

	It("is safe under concurrent link/lookup/unlink", func() {
		const workers = 8
		const perWorker = 500
		var wg sync.WaitGroup
		wg.Add(workers)
		for w := 0; w < workers; w++ {
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					key := fmt.Sprintf("w%d-%d", w, i)
					t.Link(newItem(key))
					_, _ = t.Lookup(key)
					t.Unlink(key)
				}
			}(w)
		}
		wg.Wait()
	})
})
