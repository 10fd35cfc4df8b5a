// Package dberr - Tagged error taxonomy for the storage core
//
// What: One error kind per failure class, carried on a single Error type
// How: Errors wrap a Kind plus operation/key context; errors.Is matches by kind
// Why: Callers (and outer transports) branch on kinds, not on message strings
package dberr

import (
	"errors"
	"fmt"
)

// Kind classifies a storage-core failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindKeyNotFound
	KindStorageFull
	KindDiskFull
	KindCorruptedData
	KindCacheFull
	KindPoolExhausted
	KindPoolClosed
	KindConnectionTimeout
	KindLockTimeout
	KindDeadlockDetected
	KindCircuitOpen
	KindConstraintViolation
	KindTxnConflict
	KindValidation
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindKeyNotFound:
		return "KeyNotFound"
	case KindStorageFull:
		return "StorageFull"
	case KindDiskFull:
		return "DiskFull"
	case KindCorruptedData:
		return "CorruptedData"
	case KindCacheFull:
		return "CacheFull"
	case KindPoolExhausted:
		return "PoolExhausted"
	case KindPoolClosed:
		return "PoolClosed"
	case KindConnectionTimeout:
		return "ConnectionTimeout"
	case KindLockTimeout:
		return "LockTimeout"
	case KindDeadlockDetected:
		return "DeadlockDetected"
	case KindCircuitOpen:
		return "CircuitOpen"
	case KindConstraintViolation:
		return "ConstraintViolation"
	case KindTxnConflict:
		return "TransactionConflict"
	case KindValidation:
		return "ValidationError"
	case KindInternal:
		return "InternalError"
	default:
		return "Unknown"
	}
}

// Error is the single concrete error type crossing storage-core API
// boundaries. Op names the failed operation ("wal.append", "store.get"),
// Key carries the user key or path when one exists.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error // wrapped cause, may be nil
	Msg  string
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s += " " + e.Op
	}
	if e.Key != "" {
		s += fmt.Sprintf(" key=%q", e.Key)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality, so errors.Is(err, ErrKeyNotFound) matches any
// KeyNotFound regardless of op/key context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is. Never returned directly; construct with New/Wrap
// so op and key context travel with the error.
var (
	ErrKeyNotFound      = &Error{Kind: KindKeyNotFound}
	ErrStorageFull      = &Error{Kind: KindStorageFull}
	ErrDiskFull         = &Error{Kind: KindDiskFull}
	ErrCorruptedData    = &Error{Kind: KindCorruptedData}
	ErrCacheFull        = &Error{Kind: KindCacheFull}
	ErrPoolExhausted    = &Error{Kind: KindPoolExhausted}
	ErrPoolClosed       = &Error{Kind: KindPoolClosed}
	ErrLockTimeout      = &Error{Kind: KindLockTimeout}
	ErrDeadlockDetected = &Error{Kind: KindDeadlockDetected}
	ErrCircuitOpen      = &Error{Kind: KindCircuitOpen}
	ErrTxnConflict      = &Error{Kind: KindTxnConflict}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrInternal         = &Error{Kind: KindInternal}
)

// New builds an Error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and operation context to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KeyNotFound builds the most common error in the read path.
func KeyNotFound(op, key string) *Error {
	return &Error{Kind: KindKeyNotFound, Op: op, Key: key}
}

// WithKey returns a copy carrying the user key.
func (e *Error) WithKey(key string) *Error {
	c := *e
	c.Key = key
	return &c
}

// KindOf extracts the kind from any error in the chain, KindUnknown if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
