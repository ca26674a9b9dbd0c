// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Gurux/gxcommon-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/visarpc/backend"
)

// fakeMedium answers every line it is sent with a canned response.
type fakeMedium struct {
	mu        sync.Mutex
	open      bool
	openErr   error
	sent      [][]byte
	buf       bytes.Buffer
	answer    func(line string) string
	syncDepth int
}

func (f *fakeMedium) Open() error {
	if f.openErr != nil {
		return f.openErr
	}
	f.open = true
	return nil
}

func (f *fakeMedium) Close() error { f.open = false; return nil }
func (f *fakeMedium) IsOpen() bool { return f.open }

func (f *fakeMedium) Send(data any, _ string) error {
	b, ok := data.([]byte)
	if !ok {
		return fmt.Errorf("unexpected %T", data)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), b...))
	if f.answer != nil {
		if resp := f.answer(strings.TrimSuffix(string(b), "\n")); resp != "" {
			f.buf.WriteString(resp)
		}
	}
	return nil
}

func (f *fakeMedium) Receive(args *gxcommon.ReceiveParameters) (bool, error) {
	eop, _ := args.EOP.(string)
	f.mu.Lock()
	defer f.mu.Unlock()
	i := strings.Index(f.buf.String(), eop)
	if i < 0 {
		return false, nil
	}
	args.Reply = string(f.buf.Next(i + len(eop)))
	return true, nil
}

func (f *fakeMedium) GetSynchronous() func() {
	f.syncDepth++
	return func() { f.syncDepth-- }
}

func (f *fakeMedium) SetTrace(gxcommon.TraceLevel) error    { return nil }
func (f *fakeMedium) SetOnTrace(gxcommon.TraceEventHandler) {}
func (f *fakeMedium) SetOnError(gxcommon.ErrorEventHandler) {}

func newTestDriver(t *testing.T, m *fakeMedium) *Driver {
	t.Helper()
	d, err := New(Config{
		Timeout:          50 * time.Millisecond,
		ReadTermination:  "\n",
		WriteTermination: "\n",
		Parity:           "None",
		StopBits:         "One",
		BaudRate:         9600,
		DataBits:         8,
		Resources:        []backend.Address{"TCPIP0::10.0.0.5::5025::SOCKET"},
	})
	require.NoError(t, err)
	d.newMedium = func(resource) medium { return m }
	d.ports = func() ([]string, error) { return []string{"/dev/ttyUSB0"}, nil }
	return d
}

func TestMediaQueryAppliesTerminations(t *testing.T) {
	ctx := context.Background()
	m := &fakeMedium{answer: func(line string) string {
		if line == "*IDN?" {
			return "KEYSIGHT,E36312A,MY1,2.1\n"
		}
		return ""
	}}
	d := newTestDriver(t, m)

	h, err := d.Open(ctx, "ASRL/dev/ttyUSB0::INSTR")
	require.NoError(t, err)
	assert.Equal(t, 1, m.syncDepth, "medium stays synchronous while open")

	resp, err := h.Query(ctx, "*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "KEYSIGHT,E36312A,MY1,2.1", string(resp))
	assert.Equal(t, [][]byte{[]byte("*IDN?\n")}, m.sent)

	require.NoError(t, h.Close())
	assert.Equal(t, 0, m.syncDepth)
	assert.False(t, m.IsOpen())

	_, err = h.Read(ctx)
	assert.Equal(t, backend.KindInvalidHandle, backend.KindOf(err))
}

func TestMediaReadTimeout(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t, &fakeMedium{})
	h, err := d.Open(ctx, "TCPIP0::10.0.0.5::5025::SOCKET")
	require.NoError(t, err)

	_, err = h.Read(ctx)
	assert.Equal(t, backend.KindTimeout, backend.KindOf(err))
}

func TestMediaOpenFailures(t *testing.T) {
	ctx := context.Background()

	d := newTestDriver(t, &fakeMedium{openErr: fmt.Errorf("open /dev/ttyUSB9: %w", fs.ErrNotExist)})
	_, err := d.Open(ctx, "ASRL/dev/ttyUSB9::INSTR")
	assert.Equal(t, backend.KindNotFound, backend.KindOf(err))
	assert.Contains(t, err.Error(), "/dev/ttyUSB9")

	_, err = d.Open(ctx, "BAD::ADDR")
	assert.Equal(t, backend.KindNotFound, backend.KindOf(err))

	d = newTestDriver(t, &fakeMedium{openErr: errors.New("bus glitch")})
	_, err = d.Open(ctx, "ASRL/dev/ttyUSB0::INSTR")
	assert.Equal(t, backend.KindIO, backend.KindOf(err))
}

func TestMediaResources(t *testing.T) {
	d := newTestDriver(t, &fakeMedium{})
	var got []backend.Address
	for addr, err := range d.Resources(context.Background()) {
		require.NoError(t, err)
		got = append(got, addr)
	}
	assert.Equal(t, []backend.Address{"ASRL/dev/ttyUSB0::INSTR", "TCPIP0::10.0.0.5::5025::SOCKET"}, got)

	d.ports = func() ([]string, error) { return nil, errors.New("no sysfs") }
	var errs []error
	for addr, err := range d.Resources(context.Background()) {
		assert.Empty(t, addr)
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.Equal(t, backend.KindIO, backend.KindOf(errs[0]))
}

func TestMediaConfigValidation(t *testing.T) {
	base := Config{Timeout: time.Second, ReadTermination: "\n", Parity: "None", StopBits: "One"}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no read termination", func(c *Config) { c.ReadTermination = "" }},
		{"no timeout", func(c *Config) { c.Timeout = 0 }},
		{"bad language", func(c *Config) { c.Language = "not a language tag!" }},
		{"bad static resource", func(c *Config) { c.Resources = []backend.Address{"USB0::1::INSTR"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.Equal(t, backend.KindUnavailable, backend.KindOf(err))
		})
	}
}
