// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package visarpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/luxfi/visarpc/gateway"
)

// GRPCServiceName is the fully qualified gRPC service name.
const GRPCServiceName = "visarpc.v1.InstrumentService"

// RequestIDHeader carries the request id assigned by the server.
const RequestIDHeader = "x-request-id"

func init() {
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

func grpcMethod(name string) string {
	return "/" + GRPCServiceName + "/" + name
}

// instrumentServer is the handler type of the service description.
type instrumentServer interface {
	ListResources(*gateway.ListResourcesRequest, grpc.ServerStream) error
	Connect(context.Context, *gateway.ConnectRequest) (*gateway.ConnectResponse, error)
	Disconnect(context.Context, *gateway.DisconnectRequest) (*gateway.StatusResponse, error)
	Read(context.Context, *gateway.ReadRequest) (*gateway.ReadResponse, error)
	Write(context.Context, *gateway.WriteRequest) (*gateway.StatusResponse, error)
	Query(context.Context, *gateway.QueryRequest) (*gateway.ReadResponse, error)
}

// unaryMethod adapts a typed handler to a grpc.MethodDesc.
func unaryMethod[Req, Resp any](name string, call func(instrumentServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(instrumentServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(instrumentServer), ctx, req.(*Req))
			})
		},
	}
}

var instrumentServiceDesc = grpc.ServiceDesc{
	ServiceName: GRPCServiceName,
	HandlerType: (*instrumentServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodConnect, instrumentServer.Connect),
		unaryMethod(MethodDisconnect, instrumentServer.Disconnect),
		unaryMethod(MethodRead, instrumentServer.Read),
		unaryMethod(MethodWrite, instrumentServer.Write),
		unaryMethod(MethodQuery, instrumentServer.Query),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: MethodListResources,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(gateway.ListResourcesRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(instrumentServer).ListResources(in, stream)
			},
			ServerStreams: true,
		},
	},
	Metadata: "visarpc/v1/instrument.proto",
}

// grpcService exposes a gateway.Service as instrumentServer.
type grpcService struct {
	svc *gateway.Service
}

func (g grpcService) ListResources(_ *gateway.ListResourcesRequest, stream grpc.ServerStream) error {
	for info := range g.svc.ListResources(stream.Context()) {
		if err := stream.SendMsg(&info); err != nil {
			return err
		}
	}
	return nil
}

func (g grpcService) Connect(ctx context.Context, req *gateway.ConnectRequest) (*gateway.ConnectResponse, error) {
	resp := g.svc.Connect(ctx, *req)
	return &resp, nil
}

func (g grpcService) Disconnect(ctx context.Context, req *gateway.DisconnectRequest) (*gateway.StatusResponse, error) {
	resp := g.svc.Disconnect(ctx, *req)
	return &resp, nil
}

func (g grpcService) Read(ctx context.Context, req *gateway.ReadRequest) (*gateway.ReadResponse, error) {
	resp := g.svc.Read(ctx, *req)
	return &resp, nil
}

func (g grpcService) Write(ctx context.Context, req *gateway.WriteRequest) (*gateway.StatusResponse, error) {
	resp := g.svc.Write(ctx, *req)
	return &resp, nil
}

func (g grpcService) Query(ctx context.Context, req *gateway.QueryRequest) (*gateway.ReadResponse, error) {
	resp := g.svc.Query(ctx, *req)
	return &resp, nil
}

func dialGRPC(ctx context.Context, addr string, o *dialOptions) (invoker, error) {
	creds := insecure.NewCredentials()
	if o.tls != nil {
		creds = credentials.NewTLS(o.tls)
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonContentSubtype)),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	conn.Connect()
	return &grpcClient{conn: conn}, nil
}

type grpcClient struct {
	conn *grpc.ClientConn
}

func (c *grpcClient) invoke(ctx context.Context, method string, args, reply any) error {
	return c.conn.Invoke(ctx, grpcMethod(method), args, reply)
}

func (c *grpcClient) listResources(ctx context.Context) iter.Seq2[gateway.ResourceInfo, error] {
	return func(yield func(gateway.ResourceInfo, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		desc := &instrumentServiceDesc.Streams[0]
		stream, err := c.conn.NewStream(ctx, desc, grpcMethod(MethodListResources))
		if err != nil {
			yield(gateway.ResourceInfo{}, err)
			return
		}
		if err := stream.SendMsg(&gateway.ListResourcesRequest{}); err != nil {
			yield(gateway.ResourceInfo{}, err)
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(gateway.ResourceInfo{}, err)
			return
		}
		for {
			var info gateway.ResourceInfo
			err := stream.RecvMsg(&info)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(gateway.ResourceInfo{}, err)
				return
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

func (c *grpcClient) Close() error {
	return c.conn.Close()
}

func listenGRPC(lis net.Listener, svc *gateway.Service, o *serverOptions) (Server, error) {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unaryLogger(o.log)),
		grpc.ChainStreamInterceptor(streamLogger(o.log)),
	}
	if o.tls != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(o.tls)))
	}
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&instrumentServiceDesc, grpcService{svc: svc})

	hs := health.NewServer()
	hs.SetServingStatus(GRPCServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	return &grpcServer{
		srv:     srv,
		health:  hs,
		lis:     lis,
		log:     o.log,
		timeout: o.shutdownTimeout,
	}, nil
}

type grpcServer struct {
	srv     *grpc.Server
	health  *health.Server
	lis     net.Listener
	log     logrus.FieldLogger
	timeout time.Duration
}

func (s *grpcServer) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(s.lis) }()
	s.log.WithField("addr", s.Addr()).Info("Serving")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	// Let health checkers see the server going away before it stops
	// accepting calls.
	s.health.Shutdown()
	drain(s.timeout, s.srv.GracefulStop, s.srv.Stop)
	s.log.Info("Stopped")
	return nil
}

func (s *grpcServer) Close() error {
	s.health.Shutdown()
	s.srv.Stop()
	return nil
}

func (s *grpcServer) Addr() string {
	return s.lis.Addr().String()
}

// callLogger returns a logger for one call and sends its request id back
// to the client as a header.
func callLogger(ctx context.Context, log logrus.FieldLogger, method string) logrus.FieldLogger {
	id := uuid.NewString()
	fields := logrus.Fields{"method": method, "request_id": id}
	if p, ok := peer.FromContext(ctx); ok {
		fields["peer"] = p.Addr.String()
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, id))
	return log.WithFields(fields)
}

func recovered(log logrus.FieldLogger, r any) error {
	log.WithField("stack", string(debug.Stack())).Errorf("Panic in handler: %v", r)
	return status.Errorf(codes.Internal, "internal error: %v", r)
}

func unaryLogger(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		l := callLogger(ctx, log, info.FullMethod)
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				err = recovered(l, r)
			}
			l.WithFields(logrus.Fields{"took": time.Since(start), "code": status.Code(err)}).Debug("Handled call")
		}()
		return handler(ctx, req)
	}
}

func streamLogger(log logrus.FieldLogger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		l := callLogger(ss.Context(), log, info.FullMethod)
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				err = recovered(l, r)
			}
			l.WithFields(logrus.Fields{"took": time.Since(start), "code": status.Code(err)}).Debug("Handled stream")
		}()
		return handler(srv, ss)
	}
}
