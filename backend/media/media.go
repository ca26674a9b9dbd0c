// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package media is a backend.Driver for instruments reachable through Gurux
// media: serial ports (ASRL resources, gxserial) and raw TCP sockets
// (TCPIP SOCKET resources, gxnet).
//
// Every open medium is kept in synchronous mode for its whole lifetime, so
// bytes the instrument sends between calls are buffered rather than handed
// to an asynchronous callback. Termination characters are a driver setting:
// Write appends the write termination, Read returns everything up to the
// read termination with the terminator removed.
package media

import (
	"context"
	"errors"
	"io/fs"
	"iter"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Gurux/gxcommon-go"
	"github.com/Gurux/gxnet-go"
	"github.com/Gurux/gxserial-go"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"

	"github.com/luxfi/visarpc/backend"
)

// Config configures the media driver.
type Config struct {
	// Timeout bounds every read. A context deadline shorter than Timeout
	// wins.
	Timeout time.Duration

	ReadTermination  string
	WriteTermination string

	// Language selects the language of Gurux trace and error messages,
	// as a BCP 47 tag. Empty means American English.
	Language string

	// Trace is a gxcommon trace level name (Off, Error, Warning, Info,
	// Verbose). Trace output is logged at debug level.
	Trace string

	// Resources lists addresses that cannot be discovered, typically
	// TCPIP SOCKET instruments. They are reported after the serial ports.
	Resources []backend.Address

	BaudRate int
	DataBits int
	Parity   string
	StopBits string

	Logger logrus.FieldLogger
}

// medium is the part of gxcommon.IGXMedia the driver uses.
type medium interface {
	Open() error
	Close() error
	IsOpen() bool
	Send(data any, receiver string) error
	Receive(args *gxcommon.ReceiveParameters) (bool, error)
	GetSynchronous() func()
	SetTrace(level gxcommon.TraceLevel) error
	SetOnTrace(value gxcommon.TraceEventHandler)
	SetOnError(value gxcommon.ErrorEventHandler)
}

// Driver opens Gurux media for VISA-style resource strings.
type Driver struct {
	cfg      Config
	log      logrus.FieldLogger
	lang     language.Tag
	trace    gxcommon.TraceLevel
	parity   gxcommon.Parity
	stopBits gxcommon.StopBits

	// overridable in tests
	newMedium func(r resource) medium
	ports     func() ([]string, error)

	mu     sync.Mutex
	closed bool
}

var _ backend.Driver = (*Driver)(nil)

// New validates cfg and returns a driver. Any error is classified
// backend.KindUnavailable.
func New(cfg Config) (*Driver, error) {
	d := &Driver{cfg: cfg, log: cfg.Logger, lang: language.AmericanEnglish, ports: gxserial.GetPortNames}
	if d.log == nil {
		d.log = logrus.New()
	}
	if err := d.init(); err != nil {
		return nil, backend.NewError(backend.KindUnavailable, "init", "", err)
	}
	d.newMedium = d.openMedium
	return d, nil
}

func (d *Driver) init() error {
	if d.cfg.ReadTermination == "" {
		return pkgerrors.New("media driver needs a read termination")
	}
	if d.cfg.Timeout <= 0 {
		return pkgerrors.Errorf("invalid timeout %s", d.cfg.Timeout)
	}
	if d.cfg.Language != "" {
		tag, err := language.Parse(d.cfg.Language)
		if err != nil {
			return pkgerrors.Wrapf(err, "language %q", d.cfg.Language)
		}
		d.lang = tag
	}
	if d.cfg.Trace != "" {
		level, err := gxcommon.TraceLevelParse(d.cfg.Trace)
		if err != nil {
			return pkgerrors.Wrapf(err, "trace level %q", d.cfg.Trace)
		}
		d.trace = level
	}
	parity, err := gxcommon.ParityParse(d.cfg.Parity)
	if err != nil {
		return pkgerrors.Wrapf(err, "parity %q", d.cfg.Parity)
	}
	d.parity = parity
	stopBits, err := gxcommon.StopBitsParse(d.cfg.StopBits)
	if err != nil {
		return pkgerrors.Wrapf(err, "stop bits %q", d.cfg.StopBits)
	}
	d.stopBits = stopBits
	for _, addr := range d.cfg.Resources {
		if _, err := parseResource(addr); err != nil {
			return pkgerrors.Wrap(err, "static resource")
		}
	}
	return nil
}

func (d *Driver) openMedium(r resource) medium {
	var m medium
	switch r.kind {
	case serialResource:
		m = gxserial.NewGXSerial(r.port, gxcommon.BaudRate(d.cfg.BaudRate), d.cfg.DataBits, d.parity, d.stopBits)
	default:
		m = gxnet.NewGXNet(gxnet.TCP, r.host, r.tcpPort)
	}
	if l, ok := m.(interface{ Localize(language.Tag) }); ok {
		l.Localize(d.lang)
	}
	return m
}

func (d *Driver) Resources(ctx context.Context) iter.Seq2[backend.Address, error] {
	return func(yield func(backend.Address, error) bool) {
		names, err := d.ports()
		if err != nil {
			yield("", backend.NewError(backend.KindIO, "list", "", pkgerrors.Wrap(err, "list serial ports")))
			return
		}
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(serialAddress(name), nil) {
				return
			}
		}
		for _, addr := range d.cfg.Resources {
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
		return nil, backend.Errorf(backend.KindUnavailable, "open", addr, "media driver is closed")
	}
	r, err := parseResource(addr)
	if err != nil {
		return nil, backend.NewError(backend.KindNotFound, "open", addr, err)
	}

	log := d.log.WithField("resource", addr)
	m := d.newMedium(r)
	m.SetOnError(func(_ gxcommon.IGXMedia, err error) {
		log.WithError(err).Warn("Media error")
	})
	if d.trace != 0 {
		if err := m.SetTrace(d.trace); err != nil {
			return nil, backend.NewError(backend.KindUnavailable, "open", addr, err)
		}
		m.SetOnTrace(func(_ gxcommon.IGXMedia, e gxcommon.TraceEventArgs) {
			log.Debug(e.String())
		})
	}
	if err := m.Open(); err != nil {
		return nil, backend.NewError(classifyOpen(err), "open", addr, err)
	}
	return &handle{
		id:      uuid.NewString(),
		addr:    addr,
		m:       m,
		cfg:     &d.cfg,
		release: m.GetSynchronous(),
	}, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func classifyOpen(err error) backend.Kind {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return backend.KindNotFound
	case errors.Is(err, syscall.EBUSY), errors.Is(err, fs.ErrPermission):
		return backend.KindBusy
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EHOSTUNREACH):
		return backend.KindNotFound
	}
	return backend.KindIO
}

type handle struct {
	id      string
	addr    backend.Address
	m       medium
	cfg     *Config
	release func()

	mu     sync.Mutex
	closed bool
}

func (h *handle) ID() string               { return h.id }
func (h *handle) Address() backend.Address { return h.addr }

func (h *handle) Read(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, backend.NewError(backend.KindInvalidHandle, "read", h.addr, backend.ErrHandleClosed)
	}
	return h.read(ctx)
}

func (h *handle) Write(ctx context.Context, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return backend.NewError(backend.KindInvalidHandle, "write", h.addr, backend.ErrHandleClosed)
	}
	return h.write(data)
}

func (h *handle) Query(ctx context.Context, command string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, backend.NewError(backend.KindInvalidHandle, "query", h.addr, backend.ErrHandleClosed)
	}
	if err := h.write([]byte(command)); err != nil {
		return nil, err
	}
	return h.read(ctx)
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return backend.NewError(backend.KindInvalidHandle, "close", h.addr, backend.ErrHandleClosed)
	}
	h.closed = true
	h.release()
	return backend.NewError(backend.KindIO, "close", h.addr, h.m.Close())
}

func (h *handle) write(data []byte) error {
	if !h.m.IsOpen() {
		return backend.Errorf(backend.KindIO, "write", h.addr, "connection to %s lost", h.addr)
	}
	payload := make([]byte, 0, len(data)+len(h.cfg.WriteTermination))
	payload = append(payload, data...)
	payload = append(payload, h.cfg.WriteTermination...)
	return backend.NewError(backend.KindIO, "write", h.addr, h.m.Send(payload, ""))
}

func (h *handle) read(ctx context.Context) ([]byte, error) {
	wait := h.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < wait {
			wait = rem
		}
	}
	if wait <= 0 {
		return nil, backend.NewError(backend.KindTimeout, "read", h.addr, context.DeadlineExceeded)
	}

	r := gxcommon.NewReceiveParameters[string]()
	r.EOP = h.cfg.ReadTermination
	r.Count = 0
	r.WaitTime = int(wait / time.Millisecond)
	ok, err := h.m.Receive(r)
	if err != nil {
		return nil, backend.NewError(backend.KindIO, "read", h.addr, err)
	}
	if !ok {
		return nil, backend.Errorf(backend.KindTimeout, "read", h.addr,
			"VI_ERROR_TMO: no response from %s within %s", h.addr, wait)
	}

	var out string
	switch v := r.Reply.(type) {
	case string:
		out = v
	case []byte:
		out = string(v)
	default:
		return nil, backend.Errorf(backend.KindIO, "read", h.addr, "unexpected reply type %T", r.Reply)
	}
	return []byte(strings.TrimSuffix(out, h.cfg.ReadTermination)), nil
}
