// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gateway

// Status is carried by every response. Code is the canonical gRPC code
// name ("OK", "NOT_FOUND", ...).
type Status struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Err returns nil for a successful status and a *StatusError otherwise.
func (s Status) Err() error {
	if s.Success {
		return nil
	}
	return &StatusError{Code: ParseCode(s.Code), Message: s.Message}
}

type ListResourcesRequest struct{}

// ResourceInfo is one element of a ListResources stream.
type ResourceInfo struct {
	ResourceName string `json:"resource_name"`
	Status       Status `json:"status"`
}

// ListResourcesResponse is the aggregate form used by transports without
// server streaming.
type ListResourcesResponse struct {
	Resources []ResourceInfo `json:"resources"`
}

type ConnectRequest struct {
	ResourceName string `json:"resource_name"`
}

type ConnectResponse struct {
	Session string `json:"session,omitempty"`
	Status  Status `json:"status"`
}

type DisconnectRequest struct {
	Session string `json:"session"`
}

// StatusResponse answers calls that return no data.
type StatusResponse struct {
	Success bool   `json:"success"`
	Status  Status `json:"status"`
}

type ReadRequest struct {
	Session string `json:"session"`
}

// ReadResponse answers Read and Query. Data is the raw instrument
// response.
type ReadResponse struct {
	Data   []byte `json:"data,omitempty"`
	Status Status `json:"status"`
}

type WriteRequest struct {
	Session string `json:"session"`
	Data    []byte `json:"data"`
}

type QueryRequest struct {
	Session string `json:"session"`
	Command string `json:"command"`
}
