// Package errs holds the error taxonomy shared by every rediscope package.
//
// Store failures are wrapped in a StoreError, which matches ErrStoreUnavailable
// under errors.Is and unwraps to the underlying cause. Replies in which the
// store itself answered with an error (no such key, NOGROUP, WRONGTYPE) are
// marked with ReplyError so callers can tell "the store said no" apart from
// "the store could not be reached".
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrMalformedInput   = errors.New("malformed input")
	ErrNotFound         = errors.New("not found")
	ErrClosed           = errors.New("closed")
)

// StoreError is a failed store command.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store unavailable: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// Unavailable wraps cause as a StoreError. A nil cause yields nil.
func Unavailable(op, key string, cause error) error {
	if cause == nil {
		return nil
	}
	var se *StoreError
	if errors.As(cause, &se) {
		return cause
	}
	return &StoreError{Op: op, Key: key, Err: cause}
}

// Malformed reports input that was rejected before reaching the store.
func Malformed(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedInput, fmt.Sprintf(format, a...))
}

// ReplyError is an error reply sent by the store, e.g. "ERR no such key".
type ReplyError struct {
	Msg string
}

func (e *ReplyError) Error() string { return e.Msg }

// Reply marks msg as a store error reply.
func Reply(msg string) error { return &ReplyError{Msg: msg} }

// IsReply reports whether err carries a store error reply anywhere in its chain.
func IsReply(err error) bool {
	var re *ReplyError
	return errors.As(err, &re)
}
