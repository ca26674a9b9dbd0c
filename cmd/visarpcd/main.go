// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command visarpcd serves the instruments attached to this host over the
// network.
//
// Usage:
//
//	visarpcd [-config config.yaml] [-port 50051] [-transport grpc,json]
//	         [-tls -tls-key server.key -tls-cert server.pem]
//	         [-log-level DEBUG] [-backend sim|media]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/visarpc"
	"github.com/luxfi/visarpc/backend"
	"github.com/luxfi/visarpc/backend/media"
	"github.com/luxfi/visarpc/backend/sim"
	"github.com/luxfi/visarpc/config"
	"github.com/luxfi/visarpc/gateway"
	"github.com/luxfi/visarpc/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "visarpcd:", err)
		os.Exit(1)
	}
}

// loadConfig parses args and layers them over the configuration file and
// the environment. Only flags given explicitly override.
func loadConfig(args []string, stderr io.Writer) (*config.Config, error) {
	fs := flag.NewFlagSet("visarpcd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		path      = fs.String("config", config.DefaultPath, "Configuration file")
		port      = fs.Int("port", 0, "Port to listen on")
		transport = fs.String("transport", "", "Transports to serve, comma separated (grpc, json, frame)")
		useTLS    = fs.Bool("tls", false, "Serve over TLS")
		tlsKey    = fs.String("tls-key", "", "TLS private key file")
		tlsCert   = fs.String("tls-cert", "", "TLS certificate file")
		logLevel  = fs.String("log-level", "", "Log level (DEBUG, INFO, WARNING, ERROR, CRITICAL)")
		kind      = fs.String("backend", "", "Instrument backend (sim, media)")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Server.Port = *port
		case "transport":
			cfg.Server.Transport = *transport
		case "tls":
			cfg.Server.TLS.Enabled = *useTLS
		case "tls-key":
			cfg.Server.TLS.Key = *tlsKey
		case "tls-cert":
			cfg.Server.TLS.Cert = *tlsCert
		case "log-level":
			cfg.Server.LogLevel = *logLevel
		case "backend":
			cfg.Backend.Kind = *kind
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, pkgerrors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// newDriver builds the backend selected by cfg. Failure here is fatal.
func newDriver(cfg *config.Config, logger log.FieldLogger) (backend.Driver, error) {
	switch cfg.Backend.Kind {
	case config.BackendSim:
		return sim.New(cfg.Backend.Sim)
	case config.BackendMedia:
		resources := make([]backend.Address, 0, len(cfg.Backend.Resources))
		for _, r := range cfg.Backend.Resources {
			resources = append(resources, backend.Address(r))
		}
		return media.New(media.Config{
			Timeout:          cfg.Backend.Timeout,
			ReadTermination:  cfg.Backend.ReadTermination,
			WriteTermination: cfg.Backend.WriteTermination,
			Language:         cfg.Backend.Language,
			Trace:            cfg.Backend.Trace,
			Resources:        resources,
			BaudRate:         cfg.Backend.Serial.BaudRate,
			DataBits:         cfg.Backend.Serial.DataBits,
			Parity:           cfg.Backend.Serial.Parity,
			StopBits:         cfg.Backend.Serial.StopBits,
			Logger:           logger.WithField("component", "media"),
		})
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend.Kind)
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := loadConfig(args, stderr)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.Server.LogLevel,
		Color:  cfg.Server.LogColor,
		Output: stderr,
	})
	if err != nil {
		return err
	}
	logger.WithFields(log.Fields{
		"transports": cfg.Transports(),
		"backend":    cfg.Backend.Kind,
		"tls":        cfg.Server.TLS.Enabled,
		"max_calls":  cfg.Gateway.MaxConcurrentCalls,
	}).Debug("Loaded configuration")

	driver, err := newDriver(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize instrument backend")
		return fmt.Errorf("%w: %w", gateway.ErrBackendUnavailable, err)
	}
	defer func() {
		if err := driver.Close(); err != nil {
			logger.WithError(err).Warn("Closing instrument backend")
		}
	}()

	svc := gateway.New(driver,
		gateway.WithLogger(logger.WithField("component", "gateway")),
		gateway.WithMaxConcurrentCalls(cfg.Gateway.MaxConcurrentCalls),
		gateway.WithCallTimeout(cfg.Gateway.CallTimeout),
	)
	found, err := svc.Probe(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to enumerate instruments")
		return err
	}
	logger.WithField("resources", found).Info("Detected VISA resources")

	if !cfg.Server.TLS.Enabled {
		logger.Warn("TLS is disabled, serving on an insecure port")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, transport := range cfg.Transports() {
		opts := []visarpc.ServerOption{
			visarpc.WithServerTransport(transport),
			visarpc.WithServerLogger(logger),
			visarpc.WithShutdownTimeout(cfg.Gateway.ShutdownTimeout),
		}
		if cfg.Server.TLS.Enabled {
			opts = append(opts, visarpc.WithServerTLS(cfg.Server.TLS.Cert, cfg.Server.TLS.Key))
		}
		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.PortFor(transport)))
		server, err := visarpc.Listen(addr, svc, opts...)
		if err != nil {
			cancel()
			_ = g.Wait()
			return pkgerrors.Wrapf(err, "listening for %s on %s", transport, addr)
		}
		g.Go(func() error { return server.Serve(gctx) })
	}

	err = g.Wait()
	// Transports have drained; release whatever clients left open.
	svc.CloseAll()
	logger.Info("Shut down")
	return err
}
