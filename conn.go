package gomemengine

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"

	"github.com/skipor/gomemengine/internal/relerr"
	"github.com/skipor/gomemengine/internal/util"
	"github.com/skipor/gomemengine/item"
	"github.com/skipor/gomemengine/log"
)

type conn struct {
	reader
	*bufio.Writer
	closer io.Closer
	*ConnMeta
	log log.Logger
}

func newConn(l log.Logger, m *ConnMeta, rwc io.ReadWriteCloser) *conn {
	return &conn{
		reader:   newReader(rwc),
		Writer:   bufio.NewWriterSize(rwc, OutBufferSize),
		closer:   rwc,
		ConnMeta: m,
		log:      l,
	}
}

func (c *conn) serve() {
	c.log.Debug("Serve connection.")
	defer func() {
		if r := recover(); r != nil {
			c.serverError(stackerr.Newf("Panic: %s", r))
			panic(r)
		}
		c.Close()
		c.log.Debug("Connection closed.")
	}()

	err := c.loop()
	if err != nil {
		c.serverError(err)
	}
}

func (c *conn) Close() error {
	c.Flush()
	return c.closer.Close()
}

func (c *conn) loop() error {
	for {
		command, fields, clientErr, err := c.readCommand()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return stackerr.Wrap(err)
		}
		if clientErr == nil {
			c.log.Debugf("Command: %s.", command)
			switch string(command) {
			case GetCommand:
				clientErr, err = c.get(fields, false)
			case GetsCommand:
				clientErr, err = c.get(fields, true)
			case SetCommand:
				clientErr, err = c.store(fields, relerr.Set)
			case AddCommand:
				clientErr, err = c.store(fields, relerr.Add)
			case ReplaceCommand:
				clientErr, err = c.store(fields, relerr.Replace)
			case AppendCommand:
				clientErr, err = c.store(fields, relerr.Append)
			case PrependCommand:
				clientErr, err = c.store(fields, relerr.Prepend)
			case CasCommand:
				clientErr, err = c.store(fields, relerr.Cas)
			case DeleteCommand:
				clientErr, err = c.delete(fields)
			case IncrCommand:
				clientErr, err = c.arithmetic(fields, true)
			case DecrCommand:
				clientErr, err = c.arithmetic(fields, false)
			case FlushAllCommand:
				clientErr, err = c.flushAll(fields)
			case StatsCommand:
				clientErr, err = c.stats(fields)
			default:
				c.log.Errorf("Unexpected command: %s", command)
				err = c.sendResponse(ErrorResponse)
			}
		}
		if clientErr != nil && err == nil {
			err = c.sendClientError(clientErr)
		}
		if err != nil {
			return err
		}
	}
}

func (c *conn) get(fields [][]byte, withCas bool) (clientErr, err error) {
	if len(fields) == 0 {
		clientErr = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	for _, key := range fields {
		if clientErr = checkKey(key); clientErr != nil {
			return
		}
	}
	for _, keyBytes := range fields {
		it, status := c.Engine.Get(string(keyBytes))
		if status != relerr.Success {
			continue
		}
		err = c.writeValueLine(it, withCas)
		c.Engine.Release(it)
		if err != nil {
			return
		}
	}
	err = c.sendResponse(EndResponse)
	return
}

func (c *conn) writeValueLine(it *item.Item, withCas bool) error {
	c.WriteString(ValueResponse)
	c.WriteByte(' ')
	c.WriteString(it.Key)
	var ferr error
	if withCas {
		_, ferr = fmt.Fprintf(c, " %d %d %d"+Separator, it.Flags, len(it.Value()), it.CAS())
	} else {
		_, ferr = fmt.Fprintf(c, " %d %d"+Separator, it.Flags, len(it.Value()))
	}
	if ferr != nil {
		return stackerr.Wrap(ferr)
	}
	c.Write(it.Value())
	_, err := c.WriteString(Separator)
	return stackerr.Wrap(err)
}

// store handles set/add/replace/append/prepend/cas, reading the value
// straight into the chunk Engine.Allocate reserved so the wire bytes land
// exactly once in memory.
func (c *conn) store(fields [][]byte, op relerr.StoreOperation) (clientErr, err error) {
	extraRequired := 3
	if op == relerr.Cas {
		extraRequired = 4
	}
	key, extra, noreply, clientErr := parseKeyFields(fields, extraRequired)
	if clientErr != nil {
		err = c.discardCommand()
		return
	}
	keyStr, kerr := parseKey(key)
	if kerr != nil {
		clientErr = kerr
		err = c.discardCommand()
		return
	}
	flags64, e1 := parseUint(extra[0], 32)
	exptime, e2 := parseInt(extra[1], 64)
	nbytes64, e3 := parseUint(extra[2], 32)
	var casVal uint64
	var e4 error
	if op == relerr.Cas {
		casVal, e4 = parseUint(extra[3], 64)
	}
	if clientErr = firstErr(e1, e2, e3, e4); clientErr != nil {
		err = c.discardCommand()
		return
	}
	nbytes := int(nbytes64)
	if nbytes > c.MaxItemSize {
		clientErr = stackerr.Wrap(ErrTooLargeItem)
		_, err = c.Discard(nbytes + len(Separator))
		return
	}

	it, status := c.Engine.Allocate(keyStr, nbytes, uint32(flags64), exptime)
	if status != relerr.Success {
		if _, derr := c.Discard(nbytes + len(Separator)); derr != nil {
			err = stackerr.Wrap(derr)
			return
		}
		if noreply {
			err = c.Flush()
			return
		}
		err = c.sendResponse(storeResponse(status))
		return
	}

	clientErr, err = c.readDataBlock(it.Buffer()[:nbytes])
	if clientErr != nil || err != nil {
		c.Engine.Abandon(it)
		return
	}
	it.Commit(nbytes)

	_, status = c.Engine.Store(nil, it, casVal, op)
	c.Engine.Release(it)
	if noreply {
		err = c.Flush()
		return
	}
	err = c.sendResponse(storeResponse(status))
	return
}

func storeResponse(status relerr.Status) string {
	switch status {
	case relerr.Success:
		return StoredResponse
	case relerr.NotStored:
		return NotStoredResponse
	case relerr.KeyExists:
		return ExistsResponse
	case relerr.KeyNotFound:
		return NotFoundResponse
	default:
		return ServerErrorResponse + " " + status.String()
	}
}

func (c *conn) delete(fields [][]byte) (clientErr, err error) {
	const extraRequired = 0
	key, _, noreply, clientErr := parseKeyFields(fields, extraRequired)
	if clientErr != nil {
		return
	}
	keyStr, kerr := parseKey(key)
	if kerr != nil {
		clientErr = kerr
		return
	}
	status := c.Engine.Remove(keyStr, 0)
	if noreply {
		err = c.Flush()
		return
	}
	var response string
	switch status {
	case relerr.Success:
		response = DeletedResponse
	case relerr.KeyNotFound:
		response = NotFoundResponse
	default:
		response = ServerErrorResponse + " " + status.String()
	}
	err = c.sendResponse(response)
	return
}

func (c *conn) arithmetic(fields [][]byte, increment bool) (clientErr, err error) {
	const extraRequired = 1
	key, extra, noreply, clientErr := parseKeyFields(fields, extraRequired)
	if clientErr != nil {
		return
	}
	keyStr, kerr := parseKey(key)
	if kerr != nil {
		clientErr = kerr
		return
	}
	delta, perr := parseUint(extra[0], 64)
	if perr != nil {
		clientErr = perr
		return
	}
	result, _, status := c.Engine.Arithmetic(keyStr, increment, false, delta, 0, 0)
	if noreply {
		err = c.Flush()
		return
	}
	switch status {
	case relerr.Success:
		err = c.sendResponse(strconv.FormatUint(result, 10))
	case relerr.KeyNotFound:
		err = c.sendResponse(NotFoundResponse)
	case relerr.Invalid:
		clientErr = stackerr.Wrap(errors.New("cannot increment or decrement non-numeric value"))
	default:
		err = c.sendResponse(ServerErrorResponse + " " + status.String())
	}
	return
}

func (c *conn) flushAll(fields [][]byte) (clientErr, err error) {
	noreply := false
	rest := fields
	if len(rest) > 0 && string(rest[len(rest)-1]) == NoReplyOption {
		noreply = true
		rest = rest[:len(rest)-1]
	}
	if len(rest) > 1 {
		clientErr = stackerr.Wrap(ErrTooManyFields)
		return
	}
	var when int64
	if len(rest) == 1 {
		when, clientErr = parseInt(rest[0], 64)
		if clientErr != nil {
			return
		}
	}
	c.Engine.Flush(when)
	if noreply {
		err = c.Flush()
		return
	}
	err = c.sendResponse(OKResponse)
	return
}

func (c *conn) stats(fields [][]byte) (clientErr, err error) {
	if len(fields) > 1 {
		clientErr = stackerr.Wrap(ErrTooManyFields)
		return
	}
	subKey := ""
	if len(fields) == 1 {
		subKey = string(fields[0])
	}
	c.Engine.GetStats(subKey, func(key, value string) {
		if err != nil {
			return
		}
		if _, werr := fmt.Fprintf(c, "STAT %s %s"+Separator, key, value); werr != nil {
			err = stackerr.Wrap(werr)
		}
	})
	if err != nil {
		return
	}
	if subKey == "reset" {
		err = c.sendResponse(ResetResponse)
		return
	}
	err = c.sendResponse(EndResponse)
	return
}

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

func (c *conn) serverError(err error) {
	c.log.Error("Server error: ", err)
	if err == io.ErrUnexpectedEOF {
		return
	}
	err = util.Unwrap(err)
	c.sendResponse(fmt.Sprintf("%s %s", ServerErrorResponse, err))
}

func (c *conn) sendClientError(err error) error {
	c.log.Error("Client error: ", err)
	err = util.Unwrap(err)
	return c.sendResponse(fmt.Sprintf("%s %s", ClientErrorResponse, err))
}

func (c *conn) sendResponse(res string) error {
	c.WriteString(res)
	c.WriteString(Separator)
	return c.Flush()
}

func (c *conn) Flush() error {
	return stackerr.Wrap(c.Writer.Flush())
}
