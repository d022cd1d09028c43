// Package gomemengine implements a text-protocol front end over the
// engine façade: a TCP accept loop and line-oriented command codec that
// speak the same wire dialect memcached clients already use, covering the
// full operation set the façade exposes rather than just get/set/delete.
//
// The bufio reader, field tokenizing and accept-loop backoff follow
// server.go/conn.go/protocol.go, adapted to dispatch into engine.Engine
// instead of cache.Cache and extended to cover gets, add, replace, append,
// prepend, cas, incr, decr, flush_all and stats.
package gomemengine

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"
)

const (
	MaxKeySize     = 250
	MaxCommandSize = 1 << 12

	Separator = "\r\n"

	GetCommand      = "get"
	GetsCommand     = "gets"
	SetCommand      = "set"
	AddCommand      = "add"
	ReplaceCommand  = "replace"
	AppendCommand   = "append"
	PrependCommand  = "prepend"
	CasCommand      = "cas"
	DeleteCommand   = "delete"
	IncrCommand     = "incr"
	DecrCommand     = "decr"
	FlushAllCommand = "flush_all"
	StatsCommand    = "stats"

	NoReplyOption = "noreply"

	StoredResponse      = "STORED"
	NotStoredResponse   = "NOT_STORED"
	ExistsResponse      = "EXISTS"
	ValueResponse       = "VALUE"
	EndResponse         = "END"
	DeletedResponse     = "DELETED"
	NotFoundResponse    = "NOT_FOUND"
	OKResponse          = "OK"
	ResetResponse       = "RESET"
	ErrorResponse       = "ERROR"
	ClientErrorResponse = "CLIENT_ERROR"
	ServerErrorResponse = "SERVER_ERROR"

	DefaultMaxItemSize = 1 << 20

	InBufferSize  = 16 * (1 << 10)
	OutBufferSize = 16 * (1 << 10)
)

var (
	ErrTooLargeKey          = errors.New("too large key")
	ErrTooLargeItem         = errors.New("too large item")
	ErrInvalidOption        = errors.New("invalid option")
	ErrTooManyFields        = errors.New("too many fields")
	ErrMoreFieldsRequired   = errors.New("more fields required")
	ErrTooLargeCommand      = errors.New("command length is too big")
	ErrEmptyCommand         = errors.New("empty command")
	ErrFieldsParseError     = errors.New("fields parse error")
	ErrInvalidLineSeparator = errors.New("invalid line separator")
	ErrInvalidCharInKey     = errors.New("key contains invalid characters")

	separatorBytes = []byte(Separator)
)

func isInvalidFieldChar(b byte) bool {
	return b <= ' ' || b == 127
}

func checkKey(p []byte) error {
	if len(p) > MaxKeySize {
		return stackerr.Wrap(ErrTooLargeKey)
	}
	for _, b := range p {
		if isInvalidFieldChar(b) {
			return stackerr.Wrap(ErrInvalidCharInKey)
		}
	}
	return nil
}

func parseKey(p []byte) (key string, err error) {
	err = checkKey(p)
	if err != nil {
		return
	}
	return string(p), nil
}

// parseKeyFields splits fields into a key, extraRequired positional fields
// and an optional trailing noreply flag, the convention every command that
// names a key follows.
func parseKeyFields(fields [][]byte, extraRequired int) (key []byte, extra [][]byte, noreply bool, err error) {
	if len(fields) < 1+extraRequired {
		err = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	key = fields[0]
	extra = fields[1:][:extraRequired]
	options := fields[1:][extraRequired:]
	const maxOptions = 1
	if len(options) > maxOptions {
		err = stackerr.Wrap(ErrTooManyFields)
		return
	}
	if len(options) != 0 {
		if string(options[0]) != NoReplyOption {
			err = stackerr.Wrap(ErrInvalidOption)
			return
		}
		noreply = true
	}
	return
}

func parseUint(f []byte, bits int) (uint64, error) {
	v, err := strconv.ParseUint(string(f), 10, bits)
	if err != nil {
		return 0, stackerr.Newf("%s: %s", ErrFieldsParseError, err)
	}
	return v, nil
}

func parseInt(f []byte, bits int) (int64, error) {
	v, err := strconv.ParseInt(string(f), 10, bits)
	if err != nil {
		return 0, stackerr.Newf("%s: %s", ErrFieldsParseError, err)
	}
	return v, nil
}

type reader struct {
	*bufio.Reader
}

func newReader(r io.Reader) reader {
	return reader{Reader: bufio.NewReaderSize(r, InBufferSize)}
}

// readCommand reads one "\r\n"-terminated line and tokenizes it. The
// returned slices point into the reader's internal buffer and are only
// valid until the next read.
func (r reader) readCommand() (command []byte, fields [][]byte, clientErr, err error) {
	var lineWithSeparator []byte
	lineWithSeparator, err = r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		clientErr = stackerr.Wrap(ErrTooLargeCommand)
		err = r.discardCommand()
		return
	}
	if err == io.EOF {
		if len(lineWithSeparator) != 0 {
			err = stackerr.Wrap(io.ErrUnexpectedEOF)
		}
		return
	}
	if err != nil {
		err = stackerr.Wrap(err)
		return
	}
	if !bytes.HasSuffix(lineWithSeparator, separatorBytes) {
		clientErr = stackerr.Wrap(ErrInvalidLineSeparator)
		return
	}
	line := bytes.TrimSuffix(lineWithSeparator, separatorBytes)
	split := bytes.Fields(line)
	if len(split) == 0 {
		clientErr = stackerr.Wrap(ErrEmptyCommand)
		return
	}
	command = split[0]
	fields = split[1:]
	return
}

// readDataBlock reads exactly len(buf) value bytes straight into buf,
// followed by the mandatory line separator, so the caller can hand buf
// (the item's own backing chunk) to the reader without an extra copy.
func (r reader) readDataBlock(buf []byte) (clientErr, err error) {
	_, err = io.ReadFull(r, buf)
	if err != nil {
		err = stackerr.Wrap(err)
		return
	}
	var sep []byte
	sep, err = r.ReadSlice('\n')
	if err != nil {
		err = stackerr.Wrap(err)
		return
	}
	if !bytes.Equal(sep, separatorBytes) {
		clientErr = stackerr.Wrap(ErrInvalidLineSeparator)
	}
	return
}

// discardCommand discards input up to and including the next separator,
// used to resynchronize after rejecting a command mid-parse.
func (r reader) discardCommand() error {
	for {
		lineWithSeparator, err := r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return err
		}
		if !bytes.HasSuffix(lineWithSeparator, separatorBytes) {
			continue
		}
		return nil
	}
}
