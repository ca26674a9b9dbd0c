// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package visarpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

// jsonContentSubtype selects grpcCodec on a gRPC call.
const jsonContentSubtype = "json"

// grpcCodec lets gRPC carry the gateway's plain Go messages, which have no
// protobuf descriptors.
type grpcCodec struct{ Codec }

func (c grpcCodec) Marshal(v any) ([]byte, error)      { return c.Encode(v) }
func (c grpcCodec) Unmarshal(data []byte, v any) error { return c.Decode(data, v) }
func (grpcCodec) Name() string                         { return jsonContentSubtype }

func init() {
	encoding.RegisterCodec(grpcCodec{JSONCodec{}})
}
