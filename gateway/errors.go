// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gateway

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"

	"github.com/luxfi/visarpc/backend"
	"github.com/luxfi/visarpc/session"
)

var (
	// ErrInvalidArgument is returned for an empty or malformed request
	// field.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSessionNotFound is returned for a handle that does not name an
	// open session.
	ErrSessionNotFound = session.ErrSessionNotFound

	// ErrBackendUnavailable means the instrument backend could not be
	// initialized. It is only ever returned at startup.
	ErrBackendUnavailable = errors.New("instrument backend unavailable")
)

// Code maps an error to its canonical status code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, ErrSessionNotFound):
		return codes.NotFound
	case errors.Is(err, ErrBackendUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}

	switch backend.KindOf(err) {
	case backend.KindNotFound, backend.KindInvalidHandle:
		return codes.NotFound
	case backend.KindIO, backend.KindBusy, backend.KindUnavailable:
		return codes.Unavailable
	case backend.KindTimeout:
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

var codeNames = map[codes.Code]string{
	codes.OK:               "OK",
	codes.Canceled:         "CANCELLED",
	codes.Unknown:          "UNKNOWN",
	codes.InvalidArgument:  "INVALID_ARGUMENT",
	codes.DeadlineExceeded: "DEADLINE_EXCEEDED",
	codes.NotFound:         "NOT_FOUND",
	codes.Unavailable:      "UNAVAILABLE",
	codes.Internal:         "INTERNAL",
}

// CodeName returns the canonical upper-case name of c.
func CodeName(c codes.Code) string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return codeNames[codes.Unknown]
}

// ParseCode is the inverse of CodeName. Unrecognized names parse as
// codes.Unknown.
func ParseCode(name string) codes.Code {
	for c, n := range codeNames {
		if n == name {
			return c
		}
	}
	return codes.Unknown
}

// StatusError is a failed Status surfaced as a Go error.
type StatusError struct {
	Code    codes.Code
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", CodeName(e.Code), e.Message)
}

// Is makes errors.Is(err, ErrSessionNotFound) and friends work on the
// client side of a transport.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrSessionNotFound:
		return e.Code == codes.NotFound
	case ErrInvalidArgument:
		return e.Code == codes.InvalidArgument
	}
	return false
}

// IsNotFound reports whether err means the session or resource does not
// exist.
func IsNotFound(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == codes.NotFound
	}
	return Code(err) == codes.NotFound
}
