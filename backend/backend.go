// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package backend defines the boundary between the session gateway and the
// instrument-control driver that owns the bus.
//
// A Driver enumerates and opens resources; every successful Open yields a
// Handle that stays valid until Close. Drivers never retry and never buffer
// on the caller's behalf: a failed operation is reported once, as an *Error
// carrying a Kind the gateway can map to a status code.
//
// Handles are not required to be safe for concurrent use. The gateway holds
// a per-session lock around every Handle call.
package backend

import (
	"context"
	"iter"
)

// Address names a physical instrument on the bus, e.g.
// "ASRL/dev/ttyUSB0::INSTR" or "TCPIP0::10.0.0.5::5025::SOCKET". Two
// addresses are equal iff they are byte-equal.
type Address string

// String implements fmt.Stringer
func (a Address) String() string { return string(a) }

// Driver is the instrument-control backend.
type Driver interface {
	// Resources enumerates the resources currently visible to the driver.
	// The sequence is finite and not restartable. If enumeration fails the
	// error is yielded once, with an empty address, and the sequence ends.
	Resources(ctx context.Context) iter.Seq2[Address, error]

	// Open opens addr. It must be safe to call concurrently for different
	// addresses. Every call that succeeds returns a Handle with a new ID,
	// even when addr is already open elsewhere.
	Open(ctx context.Context, addr Address) (Handle, error)

	// Close releases driver-wide resources. Handles still open are not
	// closed by the driver.
	Close() error
}

// Handle is one open connection to a resource.
type Handle interface {
	// ID is the driver's identity for this open. It is unique among the
	// handles the driver has returned and has no meaning after Close.
	ID() string

	// Address is the resource this handle was opened against.
	Address() Address

	// Read returns the next response from the instrument.
	Read(ctx context.Context) ([]byte, error)

	// Write sends data to the instrument.
	Write(ctx context.Context, data []byte) error

	// Query writes command and reads the response as one operation.
	Query(ctx context.Context, command string) ([]byte, error)

	// Close releases the connection. Further calls fail with
	// KindInvalidHandle.
	Close() error
}
