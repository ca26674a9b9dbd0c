// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package visarpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"iter"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/visarpc/gateway"
)

// Method names shared by every transport.
const (
	MethodListResources = "ListResources"
	MethodConnect       = "Connect"
	MethodDisconnect    = "Disconnect"
	MethodRead          = "Read"
	MethodWrite         = "Write"
	MethodQuery         = "Query"
)

// Client is the instrument gateway client. All application code should use
// this interface. Failed statuses are returned as *gateway.StatusError.
type Client interface {
	// ListResources yields the resources the gateway can see. A failure
	// reported by the gateway is yielded once as an error.
	ListResources(ctx context.Context) iter.Seq2[string, error]

	// Connect opens resource and returns its session handle.
	Connect(ctx context.Context, resource string) (string, error)

	// Disconnect closes a session. Closing an unknown session succeeds.
	Disconnect(ctx context.Context, session string) error

	// Read returns the next response from the instrument.
	Read(ctx context.Context, session string) ([]byte, error)

	// Write sends data to the instrument unchanged.
	Write(ctx context.Context, session string, data []byte) error

	// Query writes command and reads the response.
	Query(ctx context.Context, session, command string) ([]byte, error)

	// Close closes the connection
	Close() error
}

// Server is a transport serving a gateway.Service.
type Server interface {
	// Serve serves requests until ctx is cancelled, then drains in-flight
	// calls and returns.
	Serve(ctx context.Context) error

	// Close stops the server immediately.
	Close() error

	// Addr returns the server's listen address
	Addr() string
}

// Codec encodes/decodes RPC messages
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	codec     Codec
	transport string
	tls       *tls.Config
	headers   http.Header
	log       logrus.FieldLogger
	err       error
}

// WithCodec sets the payload codec of the frame transport.
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// WithTLSConfig enables TLS with cfg.
func WithTLSConfig(cfg *tls.Config) DialOption {
	return func(o *dialOptions) { o.tls = cfg }
}

// WithTLS enables TLS, trusting the PEM certificates in caFile. An empty
// caFile trusts the system roots.
func WithTLS(caFile string) DialOption {
	return func(o *dialOptions) {
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if caFile != "" {
			pem, err := os.ReadFile(caFile)
			if err != nil {
				o.err = fmt.Errorf("read CA file: %w", err)
				return
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				o.err = fmt.Errorf("no certificates in %s", caFile)
				return
			}
			cfg.RootCAs = pool
		}
		o.tls = cfg
	}
}

// WithLogger sets the client logger. The default discards everything.
func WithLogger(log logrus.FieldLogger) DialOption {
	return func(o *dialOptions) { o.log = log }
}

// WithHeader adds an HTTP header to JSON-RPC requests.
func WithHeader(key, value string) DialOption {
	return func(o *dialOptions) {
		if o.headers == nil {
			o.headers = make(http.Header)
		}
		o.headers.Add(key, value)
	}
}

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	codec           Codec
	transport       string
	tls             *tls.Config
	certFile        string
	keyFile         string
	log             logrus.FieldLogger
	shutdownTimeout time.Duration
}

// WithServerCodec sets the payload codec of the frame transport.
func WithServerCodec(c Codec) ServerOption {
	return func(o *serverOptions) { o.codec = c }
}

// WithServerTransport explicitly sets the transport type for the server
func WithServerTransport(t string) ServerOption {
	return func(o *serverOptions) { o.transport = t }
}

// WithServerTLS serves TLS with the given PEM certificate and key files.
func WithServerTLS(certFile, keyFile string) ServerOption {
	return func(o *serverOptions) { o.certFile, o.keyFile = certFile, keyFile }
}

// WithServerTLSConfig serves TLS with cfg.
func WithServerTLSConfig(cfg *tls.Config) ServerOption {
	return func(o *serverOptions) { o.tls = cfg }
}

// WithServerLogger sets the server logger.
func WithServerLogger(log logrus.FieldLogger) ServerOption {
	return func(o *serverOptions) { o.log = log }
}

// WithShutdownTimeout bounds how long Serve waits for in-flight calls
// after its context is cancelled. Calls still running are then cut off.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.shutdownTimeout = d }
}

func (o *serverOptions) tlsConfig() (*tls.Config, error) {
	if o.tls != nil || o.certFile == "" {
		return o.tls, nil
	}
	cert, err := tls.LoadX509KeyPair(o.certFile, o.keyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// invoker is a transport's unary call primitive.
type invoker interface {
	io.Closer
	invoke(ctx context.Context, method string, args, reply any) error
}

// streamer is implemented by transports with a native ListResources stream.
type streamer interface {
	listResources(ctx context.Context) iter.Seq2[gateway.ResourceInfo, error]
}

// client implements Client on top of an invoker.
type client struct {
	inv invoker
}

func (c *client) ListResources(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for info, err := range c.resources(ctx) {
			if err == nil {
				err = info.Status.Err()
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(info.ResourceName, nil) {
				return
			}
		}
	}
}

func (c *client) resources(ctx context.Context) iter.Seq2[gateway.ResourceInfo, error] {
	if s, ok := c.inv.(streamer); ok {
		return s.listResources(ctx)
	}
	return func(yield func(gateway.ResourceInfo, error) bool) {
		var resp gateway.ListResourcesResponse
		if err := c.inv.invoke(ctx, MethodListResources, &gateway.ListResourcesRequest{}, &resp); err != nil {
			yield(gateway.ResourceInfo{}, err)
			return
		}
		for _, info := range resp.Resources {
			if !yield(info, nil) {
				return
			}
		}
	}
}

func (c *client) Connect(ctx context.Context, resource string) (string, error) {
	var resp gateway.ConnectResponse
	if err := c.inv.invoke(ctx, MethodConnect, &gateway.ConnectRequest{ResourceName: resource}, &resp); err != nil {
		return "", err
	}
	if err := resp.Status.Err(); err != nil {
		return "", err
	}
	return resp.Session, nil
}

func (c *client) Disconnect(ctx context.Context, session string) error {
	var resp gateway.StatusResponse
	if err := c.inv.invoke(ctx, MethodDisconnect, &gateway.DisconnectRequest{Session: session}, &resp); err != nil {
		return err
	}
	return resp.Status.Err()
}

func (c *client) Read(ctx context.Context, session string) ([]byte, error) {
	var resp gateway.ReadResponse
	if err := c.inv.invoke(ctx, MethodRead, &gateway.ReadRequest{Session: session}, &resp); err != nil {
		return nil, err
	}
	if err := resp.Status.Err(); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *client) Write(ctx context.Context, session string, data []byte) error {
	var resp gateway.StatusResponse
	if err := c.inv.invoke(ctx, MethodWrite, &gateway.WriteRequest{Session: session, Data: data}, &resp); err != nil {
		return err
	}
	return resp.Status.Err()
}

func (c *client) Query(ctx context.Context, session, command string) ([]byte, error) {
	var resp gateway.ReadResponse
	if err := c.inv.invoke(ctx, MethodQuery, &gateway.QueryRequest{Session: session, Command: command}, &resp); err != nil {
		return nil, err
	}
	if err := resp.Status.Err(); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *client) Close() error {
	return c.inv.Close()
}

// StatusError is a failed gateway status returned by a Client.
type StatusError = gateway.StatusError

// IsNotFound reports whether err means the session or resource does not
// exist.
func IsNotFound(err error) bool {
	return gateway.IsNotFound(err)
}
