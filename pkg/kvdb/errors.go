package kvdb

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/dgraph-io/badger/v4"
)

// Code identifies the class of a kvdb failure.
type Code int

const (
	// NotFound: unknown column family, backup id, or stale family reference.
	// A missing key is never reported with this code.
	NotFound Code = iota + 1
	// AlreadyExists: duplicate column family.
	AlreadyExists
	// InvalidState: the operation is not valid for the object's current state,
	// including any use of an object whose database has been closed.
	InvalidState
	// InvalidArgument: malformed parameter.
	InvalidArgument
	// Corruption: integrity failure detected by the engine or a backup checksum.
	Corruption
	// IOError: filesystem-level failure.
	IOError
	// LockHeld: the database directory is already exclusively opened.
	LockHeld
	// Conflict: a transaction commit lost to a concurrent writer.
	Conflict
	// StaleSnapshot: read bound to a released snapshot.
	StaleSnapshot
	// PreconditionFailed: a live snapshot already exists.
	PreconditionFailed
)

var codeNames = map[Code]string{
	NotFound:           "not found",
	AlreadyExists:      "already exists",
	InvalidState:       "invalid state",
	InvalidArgument:    "invalid argument",
	Corruption:         "corruption",
	IOError:            "io error",
	LockHeld:           "lock held",
	Conflict:           "conflict",
	StaleSnapshot:      "stale snapshot",
	PreconditionFailed: "precondition failed",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is the error type returned by every fallible kvdb operation.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("kvdb: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Code.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error with the same code, so the sentinels
// below work with errors.Is regardless of Op and Message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Op == "" && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrNotFound           = &Error{Code: NotFound}
	ErrAlreadyExists      = &Error{Code: AlreadyExists}
	ErrInvalidState       = &Error{Code: InvalidState}
	ErrInvalidArgument    = &Error{Code: InvalidArgument}
	ErrCorruption         = &Error{Code: Corruption}
	ErrIO                 = &Error{Code: IOError}
	ErrLockHeld           = &Error{Code: LockHeld}
	ErrConflict           = &Error{Code: Conflict}
	ErrStaleSnapshot      = &Error{Code: StaleSnapshot}
	ErrPreconditionFailed = &Error{Code: PreconditionFailed}
)

// CodeOf returns the code carried by err, or 0 when err is not a kvdb error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

func newError(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

func errClosed(op string) *Error {
	return &Error{Code: InvalidState, Op: op, Message: "database is closed"}
}

// wrapEngineError classifies an error coming back from badger or the
// filesystem. Errors that are already *Error keep their code and gain op when
// they have none.
func wrapEngineError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			tagged := *e
			tagged.Op = op
			return &tagged
		}
		return err
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case errors.Is(err, badger.ErrConflict):
		return &Error{Code: Conflict, Op: op, Err: err}
	case strings.Contains(msg, "Cannot acquire directory lock"),
		errors.Is(err, syscall.EWOULDBLOCK):
		return &Error{Code: LockHeld, Op: op, Err: err}
	case strings.Contains(lower, "checksum"),
		strings.Contains(lower, "corrupt"):
		return &Error{Code: Corruption, Op: op, Err: err}
	case errors.Is(err, badger.ErrTxnTooBig),
		errors.Is(err, badger.ErrEmptyKey),
		errors.Is(err, badger.ErrInvalidKey):
		return &Error{Code: InvalidArgument, Op: op, Err: err}
	case errors.Is(err, badger.ErrDBClosed):
		return &Error{Code: InvalidState, Op: op, Err: err}
	}
	return &Error{Code: IOError, Op: op, Err: err}
}
