// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package visarpc

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/luxfi/visarpc/gateway"
)

// Transport types
const (
	TransportGRPC  = "grpc"  // gRPC with JSON messages, default
	TransportJSON  = "json"  // JSON-RPC 2.0 over HTTP
	TransportFrame = "frame" // length-prefixed frames over TCP
)

// DefaultTransport is the default transport type (gRPC)
const DefaultTransport = TransportGRPC

type dialFunc func(ctx context.Context, addr string, o *dialOptions) (invoker, error)
type listenFunc func(lis net.Listener, svc *gateway.Service, o *serverOptions) (Server, error)

type transportFuncs struct {
	dial   dialFunc
	listen listenFunc
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]transportFuncs{}
)

// registerTransport registers a new transport. Each transport file
// registers itself from init.
func registerTransport(name string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = transportFuncs{dial, listen}
}

func lookupTransport(name string) (transportFuncs, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[name]
	return t, ok
}

// AvailableTransports returns the registered transport types, sorted.
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	_, ok := lookupTransport(name)
	return ok
}
