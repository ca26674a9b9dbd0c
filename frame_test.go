// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package visarpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func startFrameServer(t testing.TB, h FrameHandler) *FrameServer {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	server := NewFrameServer(lis, h, log)
	go server.Serve(context.Background())
	t.Cleanup(func() { server.Close() })
	return server
}

func TestFrameRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := startFrameServer(t, FrameHandlerFunc(func(ctx context.Context, method string, payload []byte) ([]byte, error) {
		if method != "echo" {
			return nil, fmt.Errorf("unknown method: %s", method)
		}
		return payload, nil
	}))

	conn, err := FrameDial(ctx, server.Addr().String(), nil)
	if err != nil {
		t.Fatalf("FrameDial: %v", err)
	}
	defer conn.Close()

	payload := []byte("*IDN?")
	resp, err := conn.Call(ctx, "echo", payload)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !bytes.Equal(resp, payload) {
		t.Errorf("got %q, want %q", resp, payload)
	}

	_, err = conn.Call(ctx, "nope", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown method: nope") {
		t.Errorf("Call(nope): err = %v", err)
	}
}

func TestFrameConcurrentCalls(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := startFrameServer(t, FrameHandlerFunc(func(ctx context.Context, method string, payload []byte) ([]byte, error) {
		// Answer out of order.
		time.Sleep(time.Duration(len(payload)%5) * time.Millisecond)
		return append([]byte(method+":"), payload...), nil
	}))
	conn, err := FrameDial(ctx, server.Addr().String(), nil)
	if err != nil {
		t.Fatalf("FrameDial: %v", err)
	}
	defer conn.Close()

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload := bytes.Repeat([]byte("x"), i)
			resp, err := conn.Call(ctx, "m", payload)
			if err != nil {
				t.Errorf("Call %d: %v", i, err)
				return
			}
			if want := "m:" + string(payload); string(resp) != want {
				t.Errorf("Call %d = %q, want %q", i, resp, want)
			}
		}()
	}
	wg.Wait()
}

func TestFrameCallAfterClose(t *testing.T) {
	ctx := context.Background()
	server := startFrameServer(t, FrameHandlerFunc(func(context.Context, string, []byte) ([]byte, error) {
		return nil, nil
	}))
	conn, err := FrameDial(ctx, server.Addr().String(), nil)
	if err != nil {
		t.Fatalf("FrameDial: %v", err)
	}
	conn.Close()
	if _, err := conn.Call(ctx, "m", nil); err != ErrFrameClosed {
		t.Errorf("Call after Close: err = %v, want %v", err, ErrFrameClosed)
	}
}

func TestFrameRejectsOversizedMessage(t *testing.T) {
	if _, err := encodeRequest(1, "m", make([]byte, maxFrameSize)); err != ErrFrameTooLarge {
		t.Errorf("encodeRequest: err = %v, want %v", err, ErrFrameTooLarge)
	}
	if _, err := readFrame(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF})); err != ErrFrameTooLarge {
		t.Errorf("readFrame: err = %v, want %v", err, ErrFrameTooLarge)
	}
}

func BenchmarkFrameRoundTrip(b *testing.B) {
	ctx := context.Background()
	server := startFrameServer(b, FrameHandlerFunc(func(ctx context.Context, method string, payload []byte) ([]byte, error) {
		return payload, nil
	}))
	conn, err := FrameDial(ctx, server.Addr().String(), nil)
	if err != nil {
		b.Fatalf("FrameDial: %v", err)
	}
	defer conn.Close()

	payload := make([]byte, 1024)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := conn.Call(ctx, "echo", payload); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkQuery(b *testing.B) {
	for _, transport := range AvailableTransports() {
		b.Run(transport, func(b *testing.B) {
			ctx := context.Background()
			server := startServer(b, transport, newTestService(b))
			client := dialTest(b, ctx, server.Addr(), WithTransport(transport))
			session, err := client.Connect(ctx, scopeAddr)
			if err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := client.Query(ctx, session, "*IDN?"); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
