// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/visarpc/backend"
	"github.com/luxfi/visarpc/backend/backendtest"
)

func open(t *testing.T, d *backendtest.Driver, addr backend.Address) backend.Handle {
	t.Helper()
	h, err := d.Open(context.Background(), addr)
	require.NoError(t, err)
	return h
}

func TestRegisterLookupClose(t *testing.T) {
	d := backendtest.New()
	r := NewRegistry()

	h := open(t, d, "USB0::1")
	s, err := r.Register("USB0::1", h)
	require.NoError(t, err)
	assert.Equal(t, h.ID(), s.ID())
	assert.Equal(t, backend.Address("USB0::1"), s.Address())
	assert.Equal(t, 1, r.Len())

	got, err := r.Lookup(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	closed, err := r.Close(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, closed)
	assert.Equal(t, 0, r.Len())
	assert.True(t, d.Handle(h.ID()).Closed())

	_, err = r.Lookup(s.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = r.Close(s.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = s.Do(func(backend.Handle) error { return nil })
	assert.ErrorIs(t, err, ErrSessionNotFound, "stale session pointer is unusable")
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	d := backendtest.New()
	r := NewRegistry()
	h := open(t, d, "GPIB0::2")

	_, err := r.Register("GPIB0::2", h)
	require.NoError(t, err)
	_, err = r.Register("GPIB0::2", h)
	assert.ErrorIs(t, err, ErrDuplicateSession)
	assert.Equal(t, 1, r.Len())
}

func TestSameAddressGetsIndependentSessions(t *testing.T) {
	d := backendtest.New()
	r := NewRegistry()

	a, err := r.Register("USB0::1", open(t, d, "USB0::1"))
	require.NoError(t, err)
	b, err := r.Register("USB0::1", open(t, d, "USB0::1"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	_, err = r.Close(a.ID())
	require.NoError(t, err)
	_, err = r.Lookup(b.ID())
	assert.NoError(t, err)
}

func TestCloseRemovesEvenWhenBackendFails(t *testing.T) {
	boom := errors.New("bus reset")
	d := backendtest.New(backendtest.WithCloseError(boom))
	r := NewRegistry()
	s, err := r.Register("USB0::1", open(t, d, "USB0::1"))
	require.NoError(t, err)

	_, err = r.Close(s.ID())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, r.Len())
}

func TestRemoveHandsOverHandle(t *testing.T) {
	d := backendtest.New()
	r := NewRegistry()
	h := open(t, d, "USB0::1")
	s, err := r.Register("USB0::1", h)
	require.NoError(t, err)

	removed, err := r.Remove(s.ID())
	require.NoError(t, err)
	assert.Same(t, h, removed)
	assert.False(t, d.Handle(h.ID()).Closed())

	_, err = r.Remove(s.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = r.Close(s.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	err = s.Do(func(backend.Handle) error { return nil })
	assert.ErrorIs(t, err, ErrSessionNotFound, "removed session is unusable")
	assert.False(t, d.Handle(h.ID()).Closed())
}

func TestRemoveAndCloseRace(t *testing.T) {
	d := backendtest.New()
	r := NewRegistry()
	h := open(t, d, "USB0::1")
	s, err := r.Register("USB0::1", h)
	require.NoError(t, err)

	// Hold the session so that both callers get past the lookup and
	// queue on the session lock.
	entered := make(chan struct{})
	release := make(chan struct{})
	go s.Do(func(backend.Handle) error {
		close(entered)
		<-release
		return nil
	})
	<-entered

	var (
		wg                  sync.WaitGroup
		removeErr, closeErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, removeErr = r.Remove(s.ID())
	}()
	go func() {
		defer wg.Done()
		_, closeErr = r.Close(s.ID())
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if removeErr == nil {
		assert.ErrorIs(t, closeErr, ErrSessionNotFound)
		assert.False(t, d.Handle(h.ID()).Closed(), "a removed handle belongs to the caller")
	} else {
		assert.ErrorIs(t, removeErr, ErrSessionNotFound)
		assert.NoError(t, closeErr)
		assert.True(t, d.Handle(h.ID()).Closed())
	}
	assert.Equal(t, 0, r.Len())
}

// nameless is a handle whose backend gave it no identity.
type nameless struct{ backend.Handle }

func (nameless) ID() string { return "" }

func TestRegisterRejectsEmptyHandleID(t *testing.T) {
	d := backendtest.New()
	r := NewRegistry()

	_, err := r.Register("USB0::1", nameless{open(t, d, "USB0::1")})
	assert.ErrorIs(t, err, ErrEmptyHandleID)
	assert.NotErrorIs(t, err, ErrDuplicateSession)
	assert.Equal(t, 0, r.Len())
}

func TestCloseWaitsForInFlightCall(t *testing.T) {
	d := backendtest.New()
	r := NewRegistry()
	s, err := r.Register("USB0::1", open(t, d, "USB0::1"))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Do(func(h backend.Handle) error {
			close(entered)
			<-release
			return h.Write(context.Background(), []byte("VOLT 1"))
		})
	}()
	<-entered

	closed := make(chan struct{})
	go func() {
		_, _ = r.Close(s.ID())
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("session closed underneath an in-flight call")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	<-closed
	assert.Equal(t, 0, r.Len())
}

func TestConcurrentRegisterAndClose(t *testing.T) {
	const m = 64
	d := backendtest.New()
	r := NewRegistry()

	ids := make([]string, m)
	var wg sync.WaitGroup
	for i := range m {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := backend.Address(fmt.Sprintf("USB0::%d", i))
			h, err := d.Open(context.Background(), addr)
			if !assert.NoError(t, err) {
				return
			}
			s, err := r.Register(addr, h)
			if assert.NoError(t, err) {
				ids[i] = s.ID()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, m, r.Len())

	seen := make(map[string]bool, m)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate handle %s", id)
		seen[id] = true
	}

	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Close(id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, d.OpenHandles())
}

func TestListAndCloseAll(t *testing.T) {
	d := backendtest.New()
	r := NewRegistry()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	first, err := r.Register("USB0::1", open(t, d, "USB0::1"))
	require.NoError(t, err)
	second, err := r.Register("GPIB0::2", open(t, d, "GPIB0::2"))
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID(), list[0].ID)
	assert.Equal(t, second.ID(), list[1].ID)
	assert.Equal(t, backend.Address("GPIB0::2"), list[1].Address)

	assert.Empty(t, r.CloseAll())
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, d.OpenHandles())
}
