// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gateway implements the instrument RPC surface on top of a
// backend.Driver and a session.Registry.
//
// Handlers never return Go errors. Every outcome, including unknown
// sessions and bus failures, is a Status value carrying a human readable
// message and a canonical code, so the transports only have to encode
// responses.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/luxfi/visarpc/backend"
	"github.com/luxfi/visarpc/session"
)

// DefaultMaxConcurrentCalls bounds the handlers running at once.
const DefaultMaxConcurrentCalls = 10

// Service dispatches RPC calls to the instrument backend.
type Service struct {
	driver   backend.Driver
	sessions *session.Registry
	log      logrus.FieldLogger

	maxCalls    int64
	calls       *semaphore.Weighted
	callTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) { s.log = log }
}

// WithMaxConcurrentCalls bounds how many handlers may use the backend at
// once. Non-positive values keep the default.
func WithMaxConcurrentCalls(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxCalls = int64(n)
		}
	}
}

// WithCallTimeout applies a deadline to every backend call. Zero leaves
// timeouts to the driver.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Service) { s.callTimeout = d }
}

// WithRegistry makes the service use r instead of a private registry.
func WithRegistry(r *session.Registry) Option {
	return func(s *Service) { s.sessions = r }
}

// New returns a Service using driver.
func New(driver backend.Driver, opts ...Option) *Service {
	s := &Service{
		driver:   driver,
		maxCalls: DefaultMaxConcurrentCalls,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.log = l
	}
	if s.sessions == nil {
		s.sessions = session.NewRegistry()
	}
	s.calls = semaphore.NewWeighted(s.maxCalls)
	return s
}

// Probe enumerates the backend once. Any failure is wrapped in
// ErrBackendUnavailable and should abort startup.
func (s *Service) Probe(ctx context.Context) ([]backend.Address, error) {
	var found []backend.Address
	for addr, err := range s.driver.Resources(ctx) {
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}
		found = append(found, addr)
	}
	return found, nil
}

// begin claims a call slot and applies the call timeout. The returned
// func releases both.
func (s *Service) begin(ctx context.Context) (context.Context, func(), error) {
	if err := s.calls.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	if s.callTimeout <= 0 {
		return ctx, func() { s.calls.Release(1) }, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	return ctx, func() {
		cancel()
		s.calls.Release(1)
	}, nil
}

func success(msg string) Status {
	return Status{Success: true, Message: msg, Code: CodeName(Code(nil))}
}

// failure logs err and renders it as a Status. msg describes what was
// being attempted; the error text is appended verbatim.
func failure(log logrus.FieldLogger, err error, msg string) Status {
	if msg != "" {
		msg = fmt.Sprintf("%s: %v", msg, err)
	} else {
		msg = err.Error()
	}
	code := Code(err)
	log.WithField("code", CodeName(code)).Error(msg)
	return Status{Message: msg, Code: CodeName(code)}
}

// ListResources enumerates the backend. A failure part way through is
// reported as one final element with a failed status.
func (s *Service) ListResources(ctx context.Context) iter.Seq[ResourceInfo] {
	return func(yield func(ResourceInfo) bool) {
		ctx, done, err := s.begin(ctx)
		if err != nil {
			yield(ResourceInfo{Status: failure(s.log, err, "Failed to list resources")})
			return
		}
		defer done()

		n := 0
		for addr, err := range s.driver.Resources(ctx) {
			if err != nil {
				yield(ResourceInfo{Status: failure(s.log, err, "Failed to list resources")})
				return
			}
			n++
			if !yield(ResourceInfo{ResourceName: addr.String(), Status: success("")}) {
				return
			}
		}
		s.log.WithField("count", n).Info("Listed available resources")
	}
}

// ListAll collects ListResources for transports without streaming.
func (s *Service) ListAll(ctx context.Context) ListResourcesResponse {
	resp := ListResourcesResponse{Resources: []ResourceInfo{}}
	for info := range s.ListResources(ctx) {
		resp.Resources = append(resp.Resources, info)
	}
	return resp
}

// Connect opens the resource and registers a new session for it.
// Connecting to an address that is already open yields an independent
// session.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) ConnectResponse {
	addr := backend.Address(req.ResourceName)
	log := s.log.WithField("resource", addr)
	if addr == "" {
		err := fmt.Errorf("%w: resource name is required", ErrInvalidArgument)
		return ConnectResponse{Status: failure(log, err, "Failed to connect")}
	}
	what := fmt.Sprintf("Failed to connect to %s", addr)

	ctx, done, err := s.begin(ctx)
	if err != nil {
		return ConnectResponse{Status: failure(log, err, what)}
	}
	defer done()

	h, err := s.driver.Open(ctx, addr)
	if err != nil {
		return ConnectResponse{Status: failure(log, err, what)}
	}
	// The caller gave up while the resource was opening. Nobody will
	// ever learn the handle, so release it instead of registering.
	if err := ctx.Err(); err != nil {
		if cerr := h.Close(); cerr != nil {
			log.WithError(cerr).Warn("Closing abandoned handle")
		}
		return ConnectResponse{Status: failure(log, err, what)}
	}

	sess, err := s.sessions.Register(addr, h)
	if err != nil {
		if cerr := h.Close(); cerr != nil {
			log.WithError(cerr).Warn("Closing unregistered handle")
		}
		return ConnectResponse{Status: failure(log, err, what)}
	}
	log.WithField("session", sess.ID()).Info("Connected")
	return ConnectResponse{
		Session: sess.ID(),
		Status:  success(fmt.Sprintf("Connected to %s", addr)),
	}
}

// Disconnect closes a session. It is idempotent: an unknown, empty or
// already closed session succeeds with a "Not connected" message. A backend close
// failure is reported, but the session is gone either way.
func (s *Service) Disconnect(ctx context.Context, req DisconnectRequest) StatusResponse {
	log := s.log.WithField("session", req.Session)
	_, done, err := s.begin(ctx)
	if err != nil {
		return StatusResponse{Status: failure(log, err, "Failed to disconnect")}
	}
	defer done()

	sess, err := s.sessions.Close(req.Session)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		log.Debug("Disconnect of unknown session")
		return StatusResponse{Success: true, Status: success(fmt.Sprintf("Not connected to %s", req.Session))}
	case err != nil:
		return StatusResponse{Status: failure(log, err, fmt.Sprintf("Error disconnecting from %s", sess.Address()))}
	}
	log.WithField("resource", sess.Address()).Info("Disconnected")
	return StatusResponse{Success: true, Status: success(fmt.Sprintf("Disconnected from %s", sess.Address()))}
}

// Read returns the next response from the instrument, unmodified.
func (s *Service) Read(ctx context.Context, req ReadRequest) ReadResponse {
	var data []byte
	st := s.call(ctx, req.Session, "reading from", func(ctx context.Context, h backend.Handle) (err error) {
		data, err = h.Read(ctx)
		return err
	})
	if !st.Success {
		return ReadResponse{Status: st}
	}
	return ReadResponse{Data: data, Status: st}
}

// Write sends data to the instrument exactly as given.
func (s *Service) Write(ctx context.Context, req WriteRequest) StatusResponse {
	var addr backend.Address
	st := s.call(ctx, req.Session, "writing to", func(ctx context.Context, h backend.Handle) error {
		addr = h.Address()
		return h.Write(ctx, req.Data)
	})
	if !st.Success {
		return StatusResponse{Status: st}
	}
	st.Message = fmt.Sprintf("Data written to %s", addr)
	return StatusResponse{Success: true, Status: st}
}

// Query writes command and reads the response as one backend operation.
// No other call on the same session runs in between.
func (s *Service) Query(ctx context.Context, req QueryRequest) ReadResponse {
	var data []byte
	st := s.call(ctx, req.Session, "querying", func(ctx context.Context, h backend.Handle) (err error) {
		// Checked once the session is known, so an unknown handle reports
		// not found first.
		if req.Command == "" {
			return fmt.Errorf("%w: command is required", ErrInvalidArgument)
		}
		data, err = h.Query(ctx, req.Command)
		return err
	})
	if !st.Success {
		return ReadResponse{Status: st}
	}
	return ReadResponse{Data: data, Status: st}
}

// call runs fn against the session's handle while holding the session
// lock and a call slot.
func (s *Service) call(ctx context.Context, id, verb string, fn func(context.Context, backend.Handle) error) Status {
	log := s.log.WithField("session", id)
	sess, err := s.sessions.Lookup(id)
	if err != nil {
		return failure(log, err, fmt.Sprintf("Not connected to %s", id))
	}
	log = log.WithField("resource", sess.Address())

	ctx, done, err := s.begin(ctx)
	if err != nil {
		return failure(log, err, fmt.Sprintf("Error %s %s", verb, sess.Address()))
	}
	defer done()

	start := time.Now()
	err = sess.Do(func(h backend.Handle) error { return fn(ctx, h) })
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return failure(log, err, fmt.Sprintf("Not connected to %s", id))
	case err != nil:
		return failure(log, err, fmt.Sprintf("Error %s %s", verb, sess.Address()))
	}
	log.WithField("took", time.Since(start)).Debugf("Done %s instrument", verb)
	return success("")
}

// Sessions returns a snapshot of the open sessions.
func (s *Service) Sessions() []session.Info {
	return s.sessions.List()
}

// CloseAll closes every open session. It is meant for shutdown, after the
// transports have drained.
func (s *Service) CloseAll() {
	for id, err := range s.sessions.CloseAll() {
		s.log.WithError(err).WithField("session", id).Warn("Closing session at shutdown")
	}
}
