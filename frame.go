// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package visarpc

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/visarpc/gateway"
)

var (
	ErrFrameClosed      = errors.New("frame: connection closed")
	ErrFrameTooLarge    = errors.New("frame: message too large")
	ErrFrameInvalidResp = errors.New("frame: invalid response")
)

// maxFrameSize bounds a single message.
const maxFrameSize = 16 * 1024 * 1024

// MessageType identifies frame message types
type MessageType uint8

const (
	MsgRequest  MessageType = 0x01
	MsgResponse MessageType = 0x02
	MsgError    MessageType = 0x03
)

func init() {
	registerTransport(TransportFrame, dialFrame, listenFrame)
}

// encodeRequest lays out [4 len][1 type][4 reqID][2 methodLen][method][payload].
func encodeRequest(requestID uint32, method string, payload []byte) ([]byte, error) {
	msgLen := 1 + 4 + 2 + len(method) + len(payload)
	if len(method) > 0xFFFF || msgLen > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(MsgRequest)
	binary.BigEndian.PutUint32(buf[5:9], requestID)
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(method)))
	copy(buf[11:], method)
	copy(buf[11+len(method):], payload)
	return buf, nil
}

// encodeResponse lays out [4 len][1 type][4 reqID][payload].
func encodeResponse(msgType MessageType, requestID uint32, payload []byte) []byte {
	msgLen := 1 + 4 + len(payload)
	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(msgType)
	binary.BigEndian.PutUint32(buf[5:9], requestID)
	copy(buf[9:], payload)
	return buf
}

// readFrame reads one length-prefixed message body.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint32(header[:])
	if msgLen == 0 || msgLen > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// FrameConn is a client connection of the frame transport. Calls may be
// issued concurrently; responses are matched by request id.
type FrameConn struct {
	conn     net.Conn
	writeMu  sync.Mutex
	pending  sync.Map // requestID -> chan frameResponse
	nextID   atomic.Uint32
	closed   atomic.Bool
	readDone chan struct{}
}

type frameResponse struct {
	data []byte
	err  error
}

// FrameDial connects to a frame server. A non-nil tlsCfg enables TLS.
func FrameDial(ctx context.Context, addr string, tlsCfg *tls.Config) (*FrameConn, error) {
	var (
		conn net.Conn
		err  error
	)
	if tlsCfg != nil {
		d := tls.Dialer{Config: tlsCfg}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("frame dial: %w", err)
	}

	fc := &FrameConn{
		conn:     conn,
		readDone: make(chan struct{}),
	}
	go fc.readLoop()
	return fc, nil
}

// Call sends one request and waits for its response.
func (f *FrameConn) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if f.closed.Load() {
		return nil, ErrFrameClosed
	}

	requestID := f.nextID.Add(1)
	buf, err := encodeRequest(requestID, method, payload)
	if err != nil {
		return nil, err
	}
	respCh := make(chan frameResponse, 1)
	f.pending.Store(requestID, respCh)
	defer f.pending.Delete(requestID)

	f.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		f.conn.SetWriteDeadline(dl)
	} else {
		f.conn.SetWriteDeadline(time.Time{})
	}
	_, err = f.conn.Write(buf)
	f.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("frame write: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		return resp.data, resp.err
	case <-f.readDone:
		return nil, ErrFrameClosed
	}
}

func (f *FrameConn) readLoop() {
	defer close(f.readDone)

	for {
		msg, err := readFrame(f.conn)
		if err != nil {
			return
		}
		if len(msg) < 5 {
			continue
		}

		msgType := MessageType(msg[0])
		requestID := binary.BigEndian.Uint32(msg[1:5])
		payload := msg[5:]

		ch, ok := f.pending.Load(requestID)
		if !ok {
			continue
		}
		respCh := ch.(chan frameResponse)
		switch msgType {
		case MsgResponse:
			respCh <- frameResponse{data: payload}
		case MsgError:
			respCh <- frameResponse{err: fmt.Errorf("frame: %s", payload)}
		default:
			respCh <- frameResponse{err: ErrFrameInvalidResp}
		}
	}
}

// Close closes the connection
func (f *FrameConn) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	return f.conn.Close()
}

func dialFrame(ctx context.Context, addr string, o *dialOptions) (invoker, error) {
	conn, err := FrameDial(ctx, addr, o.tls)
	if err != nil {
		return nil, err
	}
	return &frameClient{conn: conn, codec: o.codec}, nil
}

type frameClient struct {
	conn  *FrameConn
	codec Codec
}

func (c *frameClient) invoke(ctx context.Context, method string, args, reply any) error {
	payload, err := c.codec.Encode(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	resp, err := c.conn.Call(ctx, method, payload)
	if err != nil {
		return err
	}
	if err := c.codec.Decode(resp, reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

func (c *frameClient) Close() error {
	return c.conn.Close()
}

// FrameHandler handles frame requests
type FrameHandler interface {
	HandleFrame(ctx context.Context, method string, payload []byte) ([]byte, error)
}

// FrameHandlerFunc is a function adapter for FrameHandler
type FrameHandlerFunc func(ctx context.Context, method string, payload []byte) ([]byte, error)

func (f FrameHandlerFunc) HandleFrame(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return f(ctx, method, payload)
}

// FrameServer handles incoming frame requests
type FrameServer struct {
	listener net.Listener
	handler  FrameHandler
	log      logrus.FieldLogger
	conns    sync.Map
	closed   atomic.Bool

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

// NewFrameServer creates a new frame server
func NewFrameServer(listener net.Listener, handler FrameHandler, log logrus.FieldLogger) *FrameServer {
	return &FrameServer{
		listener: listener,
		handler:  handler,
		log:      log,
	}
}

// Serve accepts connections until the listener is closed. Requests run
// with ctx.
func (s *FrameServer) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

type frameConnState struct {
	writeMu sync.Mutex
}

func (s *FrameServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	state := &frameConnState{}
	s.conns.Store(conn, state)
	defer s.conns.Delete(conn)

	log := s.log.WithField("peer", conn.RemoteAddr().String())
	for {
		msg, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				log.WithError(err).Debug("Dropping connection")
			}
			return
		}
		if len(msg) < 7 || MessageType(msg[0]) != MsgRequest {
			continue
		}
		requestID := binary.BigEndian.Uint32(msg[1:5])
		methodLen := int(binary.BigEndian.Uint16(msg[5:7]))
		if len(msg) < 7+methodLen {
			continue
		}
		method := string(msg[7 : 7+methodLen])
		payload := msg[7+methodLen:]

		s.mu.Lock()
		if s.draining {
			s.mu.Unlock()
			s.sendResponse(conn, state, requestID, nil, ErrFrameClosed)
			continue
		}
		s.inflight.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.inflight.Done()
			respData, err := s.handler.HandleFrame(ctx, method, payload)
			s.sendResponse(conn, state, requestID, respData, err)
		}()
	}
}

func (s *FrameServer) sendResponse(conn net.Conn, state *frameConnState, requestID uint32, data []byte, err error) {
	buf := encodeResponse(MsgResponse, requestID, data)
	if err != nil {
		buf = encodeResponse(MsgError, requestID, []byte(err.Error()))
	}

	state.writeMu.Lock()
	defer state.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if _, err := conn.Write(buf); err != nil {
		s.log.WithError(err).Debug("Writing response")
	}
}

// Shutdown stops accepting connections and waits for in-flight requests,
// then closes every connection.
func (s *FrameServer) Shutdown(timeout time.Duration) {
	s.closed.Store(true)
	s.listener.Close()
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	drain(timeout, s.inflight.Wait, s.closeConns)
	s.closeConns()
}

// Close closes the server
func (s *FrameServer) Close() error {
	s.closed.Store(true)
	s.closeConns()
	return s.listener.Close()
}

func (s *FrameServer) closeConns() {
	s.conns.Range(func(key, _ any) bool {
		key.(net.Conn).Close()
		return true
	})
}

// Addr returns the listener address
func (s *FrameServer) Addr() net.Addr {
	return s.listener.Addr()
}

// frameDispatcher routes frame methods to a gateway.Service.
type frameDispatcher struct {
	svc   *gateway.Service
	codec Codec
}

func frameCall[Req, Resp any](ctx context.Context, codec Codec, payload []byte, call func(context.Context, Req) Resp) ([]byte, error) {
	var req Req
	if len(payload) > 0 {
		if err := codec.Decode(payload, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
	}
	return codec.Encode(call(ctx, req))
}

func (d frameDispatcher) HandleFrame(ctx context.Context, method string, payload []byte) ([]byte, error) {
	switch method {
	case MethodListResources:
		return frameCall(ctx, d.codec, payload, func(ctx context.Context, _ gateway.ListResourcesRequest) gateway.ListResourcesResponse {
			return d.svc.ListAll(ctx)
		})
	case MethodConnect:
		return frameCall(ctx, d.codec, payload, d.svc.Connect)
	case MethodDisconnect:
		return frameCall(ctx, d.codec, payload, d.svc.Disconnect)
	case MethodRead:
		return frameCall(ctx, d.codec, payload, d.svc.Read)
	case MethodWrite:
		return frameCall(ctx, d.codec, payload, d.svc.Write)
	case MethodQuery:
		return frameCall(ctx, d.codec, payload, d.svc.Query)
	}
	return nil, fmt.Errorf("unknown method: %s", method)
}

func listenFrame(lis net.Listener, svc *gateway.Service, o *serverOptions) (Server, error) {
	return &frameServer{
		server:  NewFrameServer(lis, frameDispatcher{svc: svc, codec: o.codec}, o.log),
		log:     o.log,
		timeout: o.shutdownTimeout,
	}, nil
}

// frameServer implements Server using the frame transport
type frameServer struct {
	server  *FrameServer
	log     logrus.FieldLogger
	timeout time.Duration
}

func (s *frameServer) Serve(ctx context.Context) error {
	// Requests outlive ctx so that in-flight calls can drain.
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- s.server.Serve(reqCtx) }()
	s.log.WithField("addr", s.Addr()).Info("Serving")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.server.Shutdown(s.timeout)
	<-errc
	s.log.Info("Stopped")
	return nil
}

func (s *frameServer) Close() error {
	return s.server.Close()
}

func (s *frameServer) Addr() string {
	return s.server.Addr().String()
}
