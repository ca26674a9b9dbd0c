// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package visarpc is a remote-procedure-call gateway for laboratory
// instruments. Networked clients list, open, read from, write to and query
// instruments attached to the gateway host; the bus itself is driven by a
// backend.Driver.
//
// # Transport Selection
//
// Every transport serves the same gateway.Service:
//
//	grpc   gRPC with JSON messages, ListResources streamed (default)
//	json   JSON-RPC 2.0 over HTTP at /rpc, health at /healthz
//	frame  length-prefixed request/response frames over TCP
//
// All three can be wrapped in TLS.
//
// # Usage
//
// Client usage:
//
//	client, err := visarpc.Dial(ctx, "localhost:50051")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	session, err := client.Connect(ctx, "GPIB0::5::INSTR")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect(ctx, session)
//
//	idn, err := client.Query(ctx, session, "*IDN?")
//
// Server usage:
//
//	svc := gateway.New(driver, gateway.WithLogger(log))
//	server, err := visarpc.Listen(":50051", svc)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.Serve(ctx)
//
// # Architecture
//
// The package separates concerns:
//
//   - client.go: Client and Server interfaces, options
//   - codec.go: Codec interface and the JSON codec gRPC carries
//   - transport.go: Transport registry
//   - dial.go: Dial and Listen factory functions
//   - grpc.go, json.go, frame.go: the transports
//
// The core lives in sub-packages: backend (driver contract), session
// (registry of open sessions) and gateway (request handlers).
package visarpc
