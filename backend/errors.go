// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Kind is the coarse classification of a backend failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindIO is a bus-level failure: device not responding, malformed
	// response, broken link.
	KindIO
	// KindTimeout means the instrument did not answer in time.
	KindTimeout
	// KindInvalidHandle means the handle is closed or was never valid.
	KindInvalidHandle
	// KindBusy means the resource is locked by another user.
	KindBusy
	// KindNotFound means the address does not name a known resource.
	KindNotFound
	// KindUnavailable means the driver itself could not be initialized.
	KindUnavailable
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindIO:            "io",
	KindTimeout:       "timeout",
	KindInvalidHandle: "invalid handle",
	KindBusy:          "busy",
	KindNotFound:      "not found",
	KindUnavailable:   "unavailable",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ErrHandleClosed is wrapped by errors returned from a closed Handle.
var ErrHandleClosed = errors.New("handle closed")

// Error is a classified driver failure. Its message is the driver's own
// description and is shown to clients verbatim.
type Error struct {
	Kind Kind
	Op   string
	Addr Address
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError classifies err. A nil err yields nil.
func NewError(kind Kind, op string, addr Address, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Addr: addr, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op string, addr Address, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Addr: addr, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err. Unclassified deadline errors count as
// KindTimeout, and anything else unclassified as KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	switch {
	case errors.Is(err, ErrHandleClosed):
		return KindInvalidHandle
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
