package gomemengine

import (
	"errors"
	"fmt"
	"io"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gbytes"

	"github.com/skipor/gomemengine/engine"
	"github.com/skipor/gomemengine/log"
)

const ReadTimeout = 0.5

var _ = Describe("conn", func() {
	var (
		e             *engine.Engine
		connMeta      *ConnMeta
		c             *conn
		out           *Buffer
		in            *io.PipeWriter
		serveFinished chan struct{}
	)

	BeforeEach(func() {
		var err error
		e, err = engine.CreateInstance("cache_size=4194304;chunk_size=64;factor=1.25;item_size_max=65536")
		Expect(err).NotTo(HaveOccurred())

		serveFinished = make(chan struct{})
		out = NewBuffer()
		connMeta = &ConnMeta{Engine: e}
		connMeta.init()

		var connReader *io.PipeReader
		connReader, in = io.Pipe()
		rwc := struct {
			io.ReadCloser
			io.Writer
		}{connReader, out}

		l := log.NewLogger(log.DebugLevel, GinkgoWriter)
		c = newConn(l, connMeta, rwc)
		go func() {
			defer GinkgoRecover()
			c.serve()
			close(serveFinished)
		}()
	})

	AfterEach(func() {
		in.Close()
		Eventually(serveFinished).Should(BeClosed())
		e.Destroy()
	})

	send := func(s string) { io.WriteString(in, s) }

	It("stores and fetches a value", func() {
		send("set foo 0 0 5\r\nhello\r\n")
		Eventually(out, ReadTimeout).Should(Say(StoredPattern))

		send("get foo\r\n")
		Eventually(out, ReadTimeout).Should(Say("VALUE foo 0 5\r\nhello\r\n"))
		Eventually(out, ReadTimeout).Should(Say(EndPattern))
	})

	It("gets with cas reports the stamp", func() {
		send("set foo 0 0 1\r\nx\r\n")
		Eventually(out, ReadTimeout).Should(Say(StoredPattern))

		send("gets foo\r\n")
		Eventually(out, ReadTimeout).Should(Say(`VALUE foo 0 1 \d+\r\nx\r\n`))
		Eventually(out, ReadTimeout).Should(Say(EndPattern))
	})

	It("reports END for a miss without erroring", func() {
		send("get missing\r\n")
		Eventually(out, ReadTimeout).Should(Say(EndPattern))
	})

	It("add rejects a duplicate key", func() {
		send("add foo 0 0 1\r\na\r\n")
		Eventually(out, ReadTimeout).Should(Say(StoredPattern))
		send("add foo 0 0 1\r\nb\r\n")
		Eventually(out, ReadTimeout).Should(Say(ExistsPattern))
	})

	It("replace fails against an absent key", func() {
		send("replace foo 0 0 1\r\na\r\n")
		Eventually(out, ReadTimeout).Should(Say(NotStoredPattern))
	})

	It("honors noreply and stays silent", func() {
		send("set foo 0 0 1 noreply\r\na\r\n")
		Consistently(out, 0.2).ShouldNot(Say(Anything))
		send("get foo\r\n")
		Eventually(out, ReadTimeout).Should(Say("VALUE foo 0 1\r\na\r\n"))
	})

	It("rejects an item larger than MaxItemSize with a client error", func() {
		connMeta.MaxItemSize = 4
		send(fmt.Sprintf("set foo 0 0 %d\r\n%s\r\n", 10, string(randomBytes(10))))
		Eventually(out, ReadTimeout).Should(Say(ClientErrorPattern))
	})

	It("deletes a stored key", func() {
		send("set foo 0 0 1\r\na\r\n")
		Eventually(out, ReadTimeout).Should(Say(StoredPattern))
		send("delete foo\r\n")
		Eventually(out, ReadTimeout).Should(Say(DeletedPattern))
		send("delete foo\r\n")
		Eventually(out, ReadTimeout).Should(Say(NotFoundPattern))
	})

	It("increments and decrements a counter", func() {
		send("set n 0 0 1\r\n5\r\n")
		Eventually(out, ReadTimeout).Should(Say(StoredPattern))
		send("incr n 3\r\n")
		Eventually(out, ReadTimeout).Should(Say("8\r\n"))
		send("decr n 100\r\n")
		Eventually(out, ReadTimeout).Should(Say("0\r\n"))
	})

	It("reports NOT_FOUND incrementing an absent key", func() {
		send("incr missing 1\r\n")
		Eventually(out, ReadTimeout).Should(Say(NotFoundPattern))
	})

	It("flush_all expires every stored key", func() {
		send("set foo 0 0 1\r\na\r\n")
		Eventually(out, ReadTimeout).Should(Say(StoredPattern))
		send("flush_all\r\n")
		Eventually(out, ReadTimeout).Should(Say(OKPattern))
		send("get foo\r\n")
		Eventually(out, ReadTimeout).Should(Say(EndPattern))
	})

	It("reports STAT lines then END for stats", func() {
		send("stats\r\n")
		Eventually(out, ReadTimeout).Should(Say(EndPattern))
	})

	It("reports RESET and zeroes counters for stats reset", func() {
		send("set foo 0 0 1\r\na\r\n")
		Eventually(out, ReadTimeout).Should(Say(StoredPattern))
		send("stats reset\r\n")
		Eventually(out, ReadTimeout).Should(Say(ResetPattern))
		send("stats\r\n")
		Eventually(out, ReadTimeout).Should(Say(`cmd_set 0` + SeparatorPattern))
		Eventually(out, ReadTimeout).Should(Say(EndPattern))
	})

	Context("client protocol errors", func() {
		It("reports a client error on a malformed command", func() {
			send("get \r\n")
			Eventually(out, ReadTimeout).Should(Say(ClientErrorPattern))
		})

		It("reports a server error and closes after an unexpected read failure", func() {
			in.CloseWithError(errors.New("boom"))
			Eventually(out, ReadTimeout).Should(Say(ServerErrorPattern))
		})
	})
})
