// Package relerr defines the engine façade's wire-stable result codes: the
// Status an operation completes with, and the StoreOperation semantics a
// Store call requests.
package relerr

import (
	"fmt"

	"github.com/facebookgo/stackerr"
)

// Status mirrors a memcached-style ENGINE_ERROR_CODE: every façade operation
// reports one of these, and front ends translate it to their own wire
// protocol's reply line.
type Status uint8

const (
	Success     Status = 0x00
	KeyNotFound Status = 0x01
	KeyExists   Status = 0x02
	NoMemory    Status = 0x03
	NotStored   Status = 0x04
	Invalid     Status = 0x05
	NotSupported Status = 0x06
	WouldBlock  Status = 0x07
	TooBig      Status = 0x08
	WantMore    Status = 0x09
	Failed      Status = 0xff
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case KeyNotFound:
		return "key not found"
	case KeyExists:
		return "key exists"
	case NoMemory:
		return "no memory"
	case NotStored:
		return "not stored"
	case Invalid:
		return "invalid arguments"
	case NotSupported:
		return "not supported"
	case WouldBlock:
		return "would block"
	case TooBig:
		return "too big"
	case WantMore:
		return "want more"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%#02x)", uint8(s))
	}
}

// StoreOperation selects the compare-and-swap semantics of an Allocate/Store
// pair.
type StoreOperation uint8

const (
	// Add stores only if the key is absent.
	Add StoreOperation = iota + 1
	// Set stores unconditionally.
	Set
	// Replace stores only if the key is already present.
	Replace
	// Append appends the new value to the bytes already stored under the key.
	Append
	// Prepend prepends the new value to the bytes already stored under the key.
	Prepend
	// Cas stores only if the item's current CAS stamp matches the one the
	// caller supplied.
	Cas
)

func (op StoreOperation) String() string {
	switch op {
	case Add:
		return "add"
	case Set:
		return "set"
	case Replace:
		return "replace"
	case Append:
		return "append"
	case Prepend:
		return "prepend"
	case Cas:
		return "cas"
	default:
		return fmt.Sprintf("storeop(%d)", uint8(op))
	}
}

// Error wraps a Status with a stack-capturing cause, so façade callers get a
// structured code to translate and an underlying error to log.
type Error struct {
	Status Status
	cause  error
}

// New returns an *Error carrying status, with a captured stack trace.
func New(status Status, msg string) *Error {
	return &Error{Status: status, cause: stackerr.New(msg)}
}

// Wrap attaches status to an existing error, capturing a stack trace at the
// point of the call if err doesn't already carry one.
func Wrap(status Status, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Status: status, cause: stackerr.Wrap(err)}
}

func (e *Error) Error() string { return e.cause.Error() }
func (e *Error) Cause() error  { return e.cause }
func (e *Error) Unwrap() error { return e.cause }
