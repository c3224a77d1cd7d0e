// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"errors"
	"fmt"
)

// Code classifies the outcome of a Chirp operation.
type Code byte

const (
	CodeSuccess Code = iota
	CodeValueError
	CodeIOError
	CodeProtocolError
	CodeAddrInUse
	CodeFatal
	CodeTLSError
	CodeNotInitialized
	CodeInProgress
	CodeTimeout
	CodeNoMemory
	CodeShutdown
	CodeCannotConnect
	CodeQueued
	CodeUsed
	CodeMore
	CodeBusy
	CodeEmpty
	CodeWriteError
	CodeInitFail
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeValueError:
		return "value error"
	case CodeIOError:
		return "I/O error"
	case CodeProtocolError:
		return "protocol error"
	case CodeAddrInUse:
		return "address in use"
	case CodeFatal:
		return "fatal error"
	case CodeTLSError:
		return "TLS error"
	case CodeNotInitialized:
		return "not initialized"
	case CodeInProgress:
		return "in progress"
	case CodeTimeout:
		return "timeout"
	case CodeNoMemory:
		return "out of memory"
	case CodeShutdown:
		return "shutdown"
	case CodeCannotConnect:
		return "cannot connect"
	case CodeQueued:
		return "queued"
	case CodeUsed:
		return "message slot in use"
	case CodeMore:
		return "more data required"
	case CodeBusy:
		return "busy"
	case CodeEmpty:
		return "empty"
	case CodeWriteError:
		return "write error"
	case CodeInitFail:
		return "initialization failed"
	default:
		return fmt.Sprintf("code(%d)", byte(c))
	}
}

// Error reports the outcome of a Chirp operation that failed. It pairs a
// Code with an optional wrapped cause, so callers can either switch on the
// Code or use errors.Is/As against the underlying cause.
type Error struct {
	Code  Code
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// errf constructs an *Error with the given code, wrapping cause (which may
// be nil).
func errf(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

// fmtErr is a convenience for constructing a plain error message to wrap
// in an *Error, so call sites read errf(Code, fmtErr("...", args...))
// instead of errf(Code, fmt.Errorf("...", args...)).
func fmtErr(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
