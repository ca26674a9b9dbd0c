// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package backendtest provides a recording backend.Driver for tests.
//
// Every handle operation is appended to a shared event log. Write and Query
// log a begin and an end event with a configurable delay between them, so a
// test can detect two operations overlapping on the same handle.
package backendtest

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/luxfi/visarpc/backend"
)

// Event is one recorded driver call.
type Event struct {
	Op     string
	Handle string
	Data   []byte
}

// Driver is an in-memory backend.Driver that records what it is asked to do.
type Driver struct {
	resources []backend.Address
	enumErr   error
	openErrs  map[backend.Address]error
	closeErr  error
	readErr   error
	delay     time.Duration
	reply     func(command string) []byte

	mu      sync.Mutex
	nextID  int
	handles map[string]*Handle
	events  []Event
	closed  bool
}

var _ backend.Driver = (*Driver)(nil)

// Option configures a Driver.
type Option func(*Driver)

// WithResources sets the addresses returned by enumeration.
func WithResources(addrs ...backend.Address) Option {
	return func(d *Driver) { d.resources = append(d.resources, addrs...) }
}

// WithEnumerationError makes enumeration fail after the configured
// resources have been yielded.
func WithEnumerationError(err error) Option {
	return func(d *Driver) { d.enumErr = err }
}

// WithOpenError makes Open(addr) fail with err.
func WithOpenError(addr backend.Address, err error) Option {
	return func(d *Driver) { d.openErrs[addr] = err }
}

// WithCloseError makes every Handle.Close fail with err after closing.
func WithCloseError(err error) Option {
	return func(d *Driver) { d.closeErr = err }
}

// WithReadError makes every Read fail with err.
func WithReadError(err error) Option {
	return func(d *Driver) { d.readErr = err }
}

// WithDelay sets the pause between the two halves of Write and Query.
func WithDelay(delay time.Duration) Option {
	return func(d *Driver) { d.delay = delay }
}

// WithReply sets the response function used by Query. By default a query
// is answered with the command echoed back.
func WithReply(fn func(command string) []byte) Option {
	return func(d *Driver) { d.reply = fn }
}

// New returns a recording driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		openErrs: make(map[backend.Address]error),
		handles:  make(map[string]*Handle),
		reply:    func(command string) []byte { return []byte(command) },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Resources(ctx context.Context) iter.Seq2[backend.Address, error] {
	return func(yield func(backend.Address, error) bool) {
		for _, addr := range d.resources {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(addr, nil) {
				return
			}
		}
		if d.enumErr != nil {
			yield("", d.enumErr)
		}
	}
}

func (d *Driver) Open(ctx context.Context, addr backend.Address) (backend.Handle, error) {
	if err := d.openErrs[addr]; err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, backend.Errorf(backend.KindUnavailable, "open", addr, "driver closed")
	}
	d.nextID++
	h := &Handle{
		id:   fmt.Sprintf("mock-%d", d.nextID),
		addr: addr,
		d:    d,
	}
	d.handles[h.id] = h
	d.events = append(d.events, Event{Op: "open", Handle: h.id, Data: []byte(addr)})
	return h, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Events returns a copy of the event log. With no arguments every event is
// returned; otherwise only events for the given handle IDs.
func (d *Driver) Events(handles ...string) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	want := make(map[string]bool, len(handles))
	for _, h := range handles {
		want[h] = true
	}
	out := make([]Event, 0, len(d.events))
	for _, ev := range d.events {
		if len(want) == 0 || want[ev.Handle] {
			out = append(out, ev)
		}
	}
	return out
}

// Handle returns the handle with the given ID, or nil.
func (d *Driver) Handle(id string) *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[id]
}

// OpenHandles returns the number of handles opened and not yet closed.
func (d *Driver) OpenHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, h := range d.handles {
		if !h.closed {
			n++
		}
	}
	return n
}

func (d *Driver) record(op, handle string, data []byte) {
	d.mu.Lock()
	d.events = append(d.events, Event{Op: op, Handle: handle, Data: append([]byte(nil), data...)})
	d.mu.Unlock()
}

// Handle is a recording backend.Handle.
type Handle struct {
	id   string
	addr backend.Address
	d    *Driver

	// guarded by d.mu
	closed  bool
	pending []byte
}

var _ backend.Handle = (*Handle)(nil)

func (h *Handle) ID() string               { return h.id }
func (h *Handle) Address() backend.Address { return h.addr }

func (h *Handle) checkOpen(op string) error {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	if h.closed {
		return backend.NewError(backend.KindInvalidHandle, op, h.addr, backend.ErrHandleClosed)
	}
	return nil
}

func (h *Handle) Read(ctx context.Context) ([]byte, error) {
	if err := h.checkOpen("read"); err != nil {
		return nil, err
	}
	if h.d.readErr != nil {
		return nil, h.d.readErr
	}
	h.d.mu.Lock()
	data := h.pending
	h.pending = nil
	h.d.mu.Unlock()
	h.d.record("read", h.id, data)
	return data, nil
}

func (h *Handle) Write(ctx context.Context, data []byte) error {
	if err := h.checkOpen("write"); err != nil {
		return err
	}
	h.d.record("write.begin", h.id, data)
	h.pause()
	h.d.mu.Lock()
	h.pending = append([]byte(nil), data...)
	h.d.mu.Unlock()
	h.d.record("write.end", h.id, data)
	return nil
}

func (h *Handle) Query(ctx context.Context, command string) ([]byte, error) {
	if err := h.checkOpen("query"); err != nil {
		return nil, err
	}
	h.d.record("query.write", h.id, []byte(command))
	h.pause()
	resp := h.d.reply(command)
	h.d.record("query.read", h.id, resp)
	return resp, nil
}

func (h *Handle) Close() error {
	h.d.mu.Lock()
	if h.closed {
		h.d.mu.Unlock()
		return backend.NewError(backend.KindInvalidHandle, "close", h.addr, backend.ErrHandleClosed)
	}
	h.closed = true
	h.d.mu.Unlock()
	h.d.record("close", h.id, nil)
	return h.d.closeErr
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	return h.closed
}

func (h *Handle) pause() {
	if h.d.delay > 0 {
		time.Sleep(h.d.delay)
	}
}
