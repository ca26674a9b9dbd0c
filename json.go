// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package visarpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	rpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/sirupsen/logrus"

	"github.com/luxfi/visarpc/gateway"
)

const (
	// JSONRPCPath is where the JSON-RPC endpoint is mounted.
	JSONRPCPath = "/rpc"
	// HealthPath answers GET with 200 while the server is up.
	HealthPath = "/healthz"
	// JSONServiceName prefixes JSON-RPC methods: "Instrument.Connect".
	JSONServiceName = "Instrument"

	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond
)

func init() {
	registerTransport(TransportJSON, dialJSON, listenJSON)
}

// jsonService exposes a gateway.Service through gorilla/rpc.
type jsonService struct {
	svc *gateway.Service
}

func (j *jsonService) ListResources(r *http.Request, _ *gateway.ListResourcesRequest, reply *gateway.ListResourcesResponse) error {
	*reply = j.svc.ListAll(r.Context())
	return nil
}

func (j *jsonService) Connect(r *http.Request, args *gateway.ConnectRequest, reply *gateway.ConnectResponse) error {
	*reply = j.svc.Connect(r.Context(), *args)
	return nil
}

func (j *jsonService) Disconnect(r *http.Request, args *gateway.DisconnectRequest, reply *gateway.StatusResponse) error {
	*reply = j.svc.Disconnect(r.Context(), *args)
	return nil
}

func (j *jsonService) Read(r *http.Request, args *gateway.ReadRequest, reply *gateway.ReadResponse) error {
	*reply = j.svc.Read(r.Context(), *args)
	return nil
}

func (j *jsonService) Write(r *http.Request, args *gateway.WriteRequest, reply *gateway.StatusResponse) error {
	*reply = j.svc.Write(r.Context(), *args)
	return nil
}

func (j *jsonService) Query(r *http.Request, args *gateway.QueryRequest, reply *gateway.ReadResponse) error {
	*reply = j.svc.Query(r.Context(), *args)
	return nil
}

// NewJSONHandler returns the HTTP handler of the JSON-RPC transport, for
// mounting in an existing server.
func NewJSONHandler(svc *gateway.Service, log logrus.FieldLogger) (http.Handler, error) {
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&jsonService{svc: svc}, JSONServiceName); err != nil {
		return nil, fmt.Errorf("register json service: %w", err)
	}
	s.RegisterAfterFunc(func(i *rpc.RequestInfo) {
		entry := log.WithFields(logrus.Fields{"method": i.Method, "status": i.StatusCode})
		if i.Error != nil {
			entry.WithError(i.Error).Warn("JSON-RPC call failed")
			return
		}
		entry.Debug("Handled call")
	})

	r := mux.NewRouter()
	r.Handle(JSONRPCPath, s).Methods(http.MethodPost)
	r.HandleFunc(HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "ok\n")
	}).Methods(http.MethodGet)
	return r, nil
}

func listenJSON(lis net.Listener, svc *gateway.Service, o *serverOptions) (Server, error) {
	h, err := NewJSONHandler(svc, o.log)
	if err != nil {
		return nil, err
	}
	return &jsonServer{
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
		lis:     lis,
		log:     o.log,
		timeout: o.shutdownTimeout,
	}, nil
}

type jsonServer struct {
	srv     *http.Server
	lis     net.Listener
	log     logrus.FieldLogger
	timeout time.Duration
}

func (s *jsonServer) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(s.lis) }()
	s.log.WithField("addr", s.Addr()).Info("Serving")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		s.log.WithError(err).Warn("Calls still running at shutdown")
		s.srv.Close()
	}
	s.log.Info("Stopped")
	return nil
}

func (s *jsonServer) Close() error {
	return s.srv.Close()
}

func (s *jsonServer) Addr() string {
	return s.lis.Addr().String()
}

func dialJSON(_ context.Context, addr string, o *dialOptions) (invoker, error) {
	scheme := "http"
	if o.tls != nil {
		scheme = "https"
	}
	uri, err := url.Parse(scheme + "://" + addr + JSONRPCPath)
	if err != nil {
		return nil, fmt.Errorf("json dial: %w", err)
	}
	return &jsonClient{uri: uri, headers: o.headers, tls: o.tls, log: o.log}, nil
}

// jsonClient calls the gateway over JSON-RPC. Only calls that are safe to
// repeat against hardware are retried.
type jsonClient struct {
	uri     *url.URL
	headers http.Header
	tls     *tls.Config
	log     logrus.FieldLogger
}

func (c *jsonClient) invoke(ctx context.Context, method string, args, reply any) error {
	retry := method == MethodListResources || method == MethodDisconnect
	return c.send(ctx, JSONServiceName+"."+method, args, reply, retry)
}

func (c *jsonClient) Close() error { return nil }

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
func (c *jsonClient) newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
			TLSClientConfig:   c.tls,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if errors.Is(err, io.EOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe")
}

func (c *jsonClient) send(ctx context.Context, method string, params, reply any, retry bool) error {
	requestBodyBytes, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	attempts := 1
	if retry {
		attempts = maxRetries
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 500ms, 1s
			waitTime := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitTime):
			}
		}

		// Create fresh request for each attempt (body buffer is consumed)
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uri.String(), bytes.NewReader(requestBodyBytes))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		request.Header = c.headers.Clone()
		if request.Header == nil {
			request.Header = make(http.Header)
		}
		request.Header.Set("Content-Type", "application/json")

		resp, err := c.newHTTPClient().Do(request)
		if err != nil {
			lastErr = err
			retryable := retry && isRetryableError(err)
			c.log.WithFields(logrus.Fields{"method": method, "attempt": attempt + 1, "retryable": retryable}).
				WithError(err).Debug("JSON-RPC request failed")
			if retryable {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			CleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}

		err = json2.DecodeClientResponse(resp.Body, reply)
		CleanlyCloseBody(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("failed to issue request after %d retries: %w", attempts, lastErr)
}
