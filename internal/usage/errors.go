package usage

import (
	"errors"
	"fmt"
)

// Error classes. Every error surfaced by the engine wraps exactly one of these.
var (
	ErrParse           = errors.New("parse error")
	ErrFileAccess      = errors.New("file access error")
	ErrStoreConnection = errors.New("store connection error")
	ErrIntegrity       = errors.New("data integrity error")
	ErrSyncInProgress  = errors.New("sync already in progress")
	ErrCancelled       = errors.New("sync cancelled")
)

// Error attaches an operation and optional path to a classified failure.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the class sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds a classified error.
func NewError(kind error, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// StoreError wraps err as a store connection failure unless it is already
// classified.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if Classified(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return NewError(ErrStoreConnection, op, "", err)
}

// Classified reports whether err already carries one of the error classes.
func Classified(err error) bool {
	for _, kind := range []error{ErrParse, ErrFileAccess, ErrStoreConnection, ErrIntegrity, ErrSyncInProgress, ErrCancelled} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// IsRecoverableRead reports whether a read failure may be answered from
// source files instead of the store.
func IsRecoverableRead(err error) bool {
	return errors.Is(err, ErrStoreConnection) && !errors.Is(err, ErrIntegrity)
}
