// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/visarpc/backend"
)

const scope = backend.Address("USB0::0x1AB1::0x04CE::DS1ZA1::INSTR")

func newDriver(t *testing.T) *Driver {
	t.Helper()
	d, err := New(Config{Instruments: []Instrument{
		{Address: scope, IDN: "RIGOL TECHNOLOGIES,DS1104Z,DS1ZA1,00.04.04", Responses: map[string]string{"meas:vpp?": "1.25E+00"}},
		{Address: "GPIB0::2::INSTR", IDN: "KEITHLEY,2000,1,A"},
	}})
	require.NoError(t, err)
	return d
}

func TestResourcesInConfigOrder(t *testing.T) {
	d := newDriver(t)
	var got []backend.Address
	for addr, err := range d.Resources(context.Background()) {
		require.NoError(t, err)
		got = append(got, addr)
	}
	assert.Equal(t, []backend.Address{scope, "GPIB0::2::INSTR"}, got)
}

func TestQueryAndState(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t)
	h, err := d.Open(ctx, scope)
	require.NoError(t, err)

	resp, err := h.Query(ctx, "*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "RIGOL TECHNOLOGIES,DS1104Z,DS1ZA1,00.04.04", string(resp))

	resp, err = h.Query(ctx, "MEAS:VPP?")
	require.NoError(t, err)
	assert.Equal(t, "1.25E+00", string(resp))

	require.NoError(t, h.Write(ctx, []byte("TIM:SCAL 0.001")))
	resp, err = h.Query(ctx, "tim:scal?")
	require.NoError(t, err)
	assert.Equal(t, "0.001", string(resp))
}

func TestReadWithoutPendingOutputTimesOut(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t)
	h, err := d.Open(ctx, scope)
	require.NoError(t, err)

	_, err = h.Read(ctx)
	assert.Equal(t, backend.KindTimeout, backend.KindOf(err))

	_, err = h.Query(ctx, "UNKNOWN?")
	assert.Equal(t, backend.KindTimeout, backend.KindOf(err))
}

func TestOpenUnknownAddress(t *testing.T) {
	d := newDriver(t)
	_, err := d.Open(context.Background(), "BAD::ADDR")
	require.Error(t, err)
	assert.Equal(t, backend.KindNotFound, backend.KindOf(err))
	assert.Contains(t, err.Error(), "VI_ERROR_RSRC_NFOUND")
}

func TestRepeatOpenGivesIndependentHandles(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t)
	a, err := d.Open(ctx, scope)
	require.NoError(t, err)
	b, err := d.Open(ctx, scope)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	require.NoError(t, a.Close())
	_, err = a.Query(ctx, "*IDN?")
	assert.Equal(t, backend.KindInvalidHandle, backend.KindOf(err))

	_, err = b.Query(ctx, "*IDN?")
	assert.NoError(t, err)
}

func TestLatencyHonorsContext(t *testing.T) {
	d, err := New(Config{Latency: time.Second, Instruments: []Instrument{{Address: scope, IDN: "x"}}})
	require.NoError(t, err)
	h, err := d.Open(context.Background(), scope)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.Query(ctx, "*IDN?")
	assert.Equal(t, backend.KindTimeout, backend.KindOf(err))
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Config{Instruments: []Instrument{{Address: scope}, {Address: scope}}})
	assert.Equal(t, backend.KindUnavailable, backend.KindOf(err))

	_, err = New(Config{Instruments: []Instrument{{}}})
	assert.Equal(t, backend.KindUnavailable, backend.KindOf(err))
}
