package engine_test

import (
	"strconv"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/skipor/gomemengine/engine"
	"github.com/skipor/gomemengine/internal/relerr"
)

var _ = Describe("Engine", func() {
	var e *engine.Engine

	BeforeEach(func() {
		var err error
		e, err = engine.CreateInstance("cache_size=1048576;chunk_size=64;factor=1.25;item_size_max=4096")
		Expect(err).NotTo(HaveOccurred())
	})
	AfterEach(func() {
		e.Destroy()
	})

	It("adds a new key and rejects a duplicate add", func() {
		it, status := e.Allocate("k", 5, 0, 0)
		Expect(status).To(Equal(relerr.Success))
		it.SetValue([]byte("hello"))
		_, status = e.Store(nil, it, 0, relerr.Add)
		Expect(status).To(Equal(relerr.Success))

		dup, _ := e.Allocate("k", 5, 0, 0)
		dup.SetValue([]byte("again"))
		_, status = e.Store(nil, dup, 0, relerr.Add)
		Expect(status).To(Equal(relerr.KeyExists))
	})

	It("round-trips get after set", func() {
		it, _ := e.Allocate("k", 5, 0, 0)
		it.SetValue([]byte("hello"))
		_, status := e.Store(nil, it, 0, relerr.Set)
		Expect(status).To(Equal(relerr.Success))

		got, status := e.Get("k")
		Expect(status).To(Equal(relerr.Success))
		Expect(string(got.Value())).To(Equal("hello"))
		e.Release(got)
	})

	It("reports not stored on replace of an absent key", func() {
		it, _ := e.Allocate("missing", 1, 0, 0)
		it.SetValue([]byte("x"))
		_, status := e.Store(nil, it, 0, relerr.Replace)
		Expect(status).To(Equal(relerr.NotStored))
	})

	It("enforces CAS stamp matching on cas stores", func() {
		it, _ := e.Allocate("k", 1, 0, 0)
		it.SetValue([]byte("a"))
		cas, status := e.Store(nil, it, 0, relerr.Set)
		Expect(status).To(Equal(relerr.Success))

		next, _ := e.Allocate("k", 1, 0, 0)
		next.SetValue([]byte("b"))
		_, status = e.Store(nil, next, cas+1, relerr.Cas)
		Expect(status).To(Equal(relerr.KeyExists))

		next2, _ := e.Allocate("k", 1, 0, 0)
		next2.SetValue([]byte("c"))
		_, status = e.Store(nil, next2, cas, relerr.Cas)
		Expect(status).To(Equal(relerr.Success))
	})

	It("appends and prepends around the existing value", func() {
		base, _ := e.Allocate("k", 3, 0, 0)
		base.SetValue([]byte("foo"))
		_, status := e.Store(nil, base, 0, relerr.Set)
		Expect(status).To(Equal(relerr.Success))

		suffix, _ := e.Allocate("k", 3, 0, 0)
		suffix.SetValue([]byte("bar"))
		_, status = e.Store(nil, suffix, 0, relerr.Append)
		Expect(status).To(Equal(relerr.Success))

		got, _ := e.Get("k")
		Expect(string(got.Value())).To(Equal("foobar"))
		e.Release(got)

		prefix, _ := e.Allocate("k", 3, 0, 0)
		prefix.SetValue([]byte("baz"))
		_, status = e.Store(nil, prefix, 0, relerr.Prepend)
		Expect(status).To(Equal(relerr.Success))

		got2, _ := e.Get("k")
		Expect(string(got2.Value())).To(Equal("bazfoobar"))
		e.Release(got2)
	})

	It("removes a stored item", func() {
		it, _ := e.Allocate("k", 1, 0, 0)
		it.SetValue([]byte("v"))
		e.Store(nil, it, 0, relerr.Set)

		Expect(e.Remove("k", 0)).To(Equal(relerr.Success))
		_, status := e.Get("k")
		Expect(status).To(Equal(relerr.KeyNotFound))
	})

	Context("arithmetic", func() {
		It("creates the key when missing and create is requested", func() {
			result, _, status := e.Arithmetic("ctr", true, true, 1, 10, 0)
			Expect(status).To(Equal(relerr.Success))
			Expect(result).To(BeEquivalentTo(10))
		})

		It("increments and decrements an existing counter", func() {
			it, _ := e.Allocate("ctr", 2, 0, 0)
			it.SetValue([]byte(strconv.Itoa(10)))
			e.Store(nil, it, 0, relerr.Set)

			result, _, status := e.Arithmetic("ctr", true, false, 5, 0, 0)
			Expect(status).To(Equal(relerr.Success))
			Expect(result).To(BeEquivalentTo(15))

			result, _, status = e.Arithmetic("ctr", false, false, 100, 0, 0)
			Expect(status).To(Equal(relerr.Success))
			Expect(result).To(BeEquivalentTo(0)) // saturates instead of underflowing
		})

		It("reports key not found without create", func() {
			_, _, status := e.Arithmetic("nope", true, false, 1, 0, 0)
			Expect(status).To(Equal(relerr.KeyNotFound))
		})
	})

	It("flush_all expires every item created before the horizon", func() {
		it, _ := e.Allocate("k", 1, 0, 0)
		it.SetValue([]byte("v"))
		e.Store(nil, it, 0, relerr.Set)

		Expect(e.Flush(0)).To(Equal(relerr.Success))

		_, status := e.Get("k")
		Expect(status).To(Equal(relerr.KeyNotFound))
	})

	It("evicts idle items under memory pressure instead of failing", func() {
		for i := 0; i < 100000; i++ {
			key := "k" + strconv.Itoa(i)
			it, status := e.Allocate(key, 32, 0, 0)
			if status != relerr.Success {
				continue
			}
			it.SetValue(make([]byte, 32))
			_, status = e.Store(nil, it, 0, relerr.Set)
			Expect(status).To(Equal(relerr.Success))
			e.Release(it)
		}
		// The budget is far smaller than 100000 * (32 + overhead) bytes, so
		// this only succeeds if eviction recycled chunks along the way.
		_, status := e.Get("k99999")
		Expect(status).To(Equal(relerr.Success))
	})

	It("reports hit/miss counters through GetStats", func() {
		it, _ := e.Allocate("k", 1, 0, 0)
		it.SetValue([]byte("v"))
		e.Store(nil, it, 0, relerr.Set)
		e.Get("k")
		e.Get("missing")

		got := map[string]string{}
		Expect(e.GetStats("", func(k, v string) { got[k] = v })).To(Equal(relerr.Success))
		Expect(got["get_hits"]).To(Equal("1"))
		Expect(got["get_misses"]).To(Equal("1"))
	})
})
