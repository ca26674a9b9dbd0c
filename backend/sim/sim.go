// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sim is a backend.Driver of simulated instruments, for running the
// gateway without hardware attached.
//
// Each instrument answers "*IDN?" with its identity string and any query
// listed in its response table. A command of the form "HEADER value" stores
// value so that a later "HEADER?" returns it. A query nothing knows about
// leaves the output buffer empty, and the next read times out the way a
// real instrument would.
package sim

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/visarpc/backend"
)

// Instrument describes one simulated resource.
type Instrument struct {
	Address   backend.Address   `yaml:"address"`
	IDN       string            `yaml:"idn"`
	Responses map[string]string `yaml:"responses"`
}

// Config configures the simulated bus.
type Config struct {
	Instruments []Instrument `yaml:"instruments"`
	// Latency is added to every read, write and query.
	Latency time.Duration `yaml:"latency"`
}

// Driver simulates a bus populated with Config.Instruments.
type Driver struct {
	latency time.Duration
	order   []backend.Address
	devices map[backend.Address]*device

	mu     sync.Mutex
	closed bool
}

var _ backend.Driver = (*Driver)(nil)

type device struct {
	idn       string
	responses map[string]string
}

// New builds a simulated bus. Instruments without an address, or two
// instruments sharing one, are a configuration error.
func New(cfg Config) (*Driver, error) {
	d := &Driver{
		latency: cfg.Latency,
		devices: make(map[backend.Address]*device, len(cfg.Instruments)),
	}
	for i, inst := range cfg.Instruments {
		if inst.Address == "" {
			return nil, backend.Errorf(backend.KindUnavailable, "init", "", "sim instrument %d has no address", i)
		}
		if _, dup := d.devices[inst.Address]; dup {
			return nil, backend.Errorf(backend.KindUnavailable, "init", inst.Address, "duplicate sim instrument %s", inst.Address)
		}
		dev := &device{idn: inst.IDN, responses: make(map[string]string, len(inst.Responses))}
		for k, v := range inst.Responses {
			dev.responses[normalize(k)] = v
		}
		d.devices[inst.Address] = dev
		d.order = append(d.order, inst.Address)
	}
	return d, nil
}

func (d *Driver) Resources(ctx context.Context) iter.Seq2[backend.Address, error] {
	return func(yield func(backend.Address, error) bool) {
		for _, addr := range d.order {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(addr, nil) {
				return
			}
		}
	}
}

func (d *Driver) Open(ctx context.Context, addr backend.Address) (backend.Handle, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, backend.Errorf(backend.KindUnavailable, "open", addr, "simulated bus is closed")
	}
	dev, ok := d.devices[addr]
	if !ok {
		return nil, backend.Errorf(backend.KindNotFound, "open", addr,
			"VI_ERROR_RSRC_NFOUND (-1073807343): insufficient location information or the requested device or resource is not present in the system")
	}
	return &handle{
		id:    uuid.NewString(),
		addr:  addr,
		dev:   dev,
		d:     d,
		state: make(map[string]string),
	}, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

type handle struct {
	id   string
	addr backend.Address
	dev  *device
	d    *Driver

	mu     sync.Mutex
	closed bool
	output []byte
	hasOut bool
	state  map[string]string
}

func (h *handle) ID() string               { return h.id }
func (h *handle) Address() backend.Address { return h.addr }

func (h *handle) Read(ctx context.Context) ([]byte, error) {
	if err := h.wait(ctx, "read"); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, backend.NewError(backend.KindInvalidHandle, "read", h.addr, backend.ErrHandleClosed)
	}
	if !h.hasOut {
		return nil, backend.Errorf(backend.KindTimeout, "read", h.addr,
			"VI_ERROR_TMO (-1073807339): timeout expired before operation completed")
	}
	out := h.output
	h.output, h.hasOut = nil, false
	return out, nil
}

func (h *handle) Write(ctx context.Context, data []byte) error {
	if err := h.wait(ctx, "write"); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return backend.NewError(backend.KindInvalidHandle, "write", h.addr, backend.ErrHandleClosed)
	}
	h.execute(string(data))
	return nil
}

func (h *handle) Query(ctx context.Context, command string) ([]byte, error) {
	if err := h.Write(ctx, []byte(command)); err != nil {
		return nil, err
	}
	return h.Read(ctx)
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return backend.NewError(backend.KindInvalidHandle, "close", h.addr, backend.ErrHandleClosed)
	}
	h.closed = true
	return nil
}

// execute runs every ';'-separated command in msg. Must hold h.mu.
func (h *handle) execute(msg string) {
	for _, cmd := range strings.Split(msg, ";") {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		if strings.HasSuffix(cmd, "?") {
			if resp, ok := h.answer(normalize(cmd)); ok {
				h.output = []byte(resp)
				h.hasOut = true
			}
			continue
		}
		header, value, ok := strings.Cut(cmd, " ")
		if ok {
			h.state[normalize(header)+"?"] = strings.TrimSpace(value)
		}
	}
}

func (h *handle) answer(query string) (string, bool) {
	if query == "*IDN?" && h.dev.idn != "" {
		return h.dev.idn, true
	}
	if v, ok := h.state[query]; ok {
		return v, true
	}
	v, ok := h.dev.responses[query]
	return v, ok
}

func (h *handle) wait(ctx context.Context, op string) error {
	if h.d.latency <= 0 {
		return nil
	}
	t := time.NewTimer(h.d.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return backend.NewError(backend.KindTimeout, op, h.addr, fmt.Errorf("%s %s: %w", op, h.addr, ctx.Err()))
	case <-t.C:
		return nil
	}
}

func normalize(cmd string) string {
	return strings.ToUpper(strings.TrimSpace(cmd))
}
