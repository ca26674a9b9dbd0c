// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package visarpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/visarpc/gateway"
)

const defaultShutdownTimeout = 10 * time.Second

// Dial connects to a gateway using the default transport (gRPC).
// Use WithTransport to select another one.
func Dial(ctx context.Context, addr string, opts ...DialOption) (Client, error) {
	o := &dialOptions{
		transport: DefaultTransport,
		codec:     defaultCodec,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.err != nil {
		return nil, o.err
	}
	if o.log == nil {
		o.log = discardLogger()
	}
	o.log = o.log.WithField("transport", o.transport)

	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}
	inv, err := t.dial(ctx, addr, o)
	if err != nil {
		return nil, err
	}
	return &client{inv: inv}, nil
}

// Listen binds addr and returns a server for svc using the default
// transport (gRPC).
func Listen(addr string, svc *gateway.Service, opts ...ServerOption) (Server, error) {
	o := &serverOptions{
		transport:       DefaultTransport,
		codec:           defaultCodec,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = discardLogger()
	}
	o.log = o.log.WithField("transport", o.transport)

	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}
	tlsCfg, err := o.tlsConfig()
	if err != nil {
		return nil, err
	}
	o.tls = tlsCfg

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	// gRPC negotiates TLS through its own credentials.
	if o.tls != nil && o.transport != TransportGRPC {
		lis = tls.NewListener(lis, o.tls)
	}
	srv, err := t.listen(lis, svc, o)
	if err != nil {
		lis.Close()
		return nil, err
	}
	return srv, nil
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// drain waits for graceful to return, falling back to hard after timeout.
func drain(timeout time.Duration, graceful, hard func()) {
	done := make(chan struct{})
	go func() {
		graceful()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		hard()
		<-done
	}
}
