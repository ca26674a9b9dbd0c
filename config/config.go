// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads the gateway configuration.
//
// Values are layered: built-in defaults, then the YAML file, then VISARPC_*
// environment variables. Command-line flags are applied on top by the
// caller. A YAML file only needs to name the keys it changes.
package config

import (
	"errors"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/luxfi/visarpc/backend/sim"
	"github.com/luxfi/visarpc/internal/logging"
)

// DefaultPath is read when no -config flag is given.
const DefaultPath = "config.yaml"

// Backend kinds.
const (
	BackendSim   = "sim"
	BackendMedia = "media"
)

var knownTransports = []string{"grpc", "json", "frame"}

type Config struct {
	Server  Server  `yaml:"server"`
	Gateway Gateway `yaml:"gateway"`
	Backend Backend `yaml:"backend"`
}

type Server struct {
	// Host is the bind address. Empty listens on every interface.
	Host string `yaml:"host" env:"VISARPC_HOST"`
	Port int    `yaml:"port" env:"VISARPC_PORT"`
	// Transport lists the transports to serve, comma separated.
	Transport string `yaml:"transport" env:"VISARPC_TRANSPORT"`
	// Ports overrides Port per transport, e.g. {json: 8080}.
	Ports    map[string]int `yaml:"ports"`
	TLS      TLS            `yaml:"tls"`
	LogLevel string         `yaml:"log_level" env:"VISARPC_LOG_LEVEL"`
	LogColor bool           `yaml:"log_color" env:"VISARPC_LOG_COLOR"`
}

type TLS struct {
	Enabled bool   `yaml:"enabled" env:"VISARPC_TLS"`
	Key     string `yaml:"key" env:"VISARPC_TLS_KEY"`
	Cert    string `yaml:"cert" env:"VISARPC_TLS_CERT"`
}

type Gateway struct {
	MaxConcurrentCalls int           `yaml:"max_concurrent_calls" env:"VISARPC_MAX_CONCURRENT_CALLS"`
	CallTimeout        time.Duration `yaml:"call_timeout" env:"VISARPC_CALL_TIMEOUT"`
	// ShutdownTimeout bounds how long in-flight calls may drain.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"VISARPC_SHUTDOWN_TIMEOUT"`
}

type Backend struct {
	Kind             string        `yaml:"kind" env:"VISARPC_BACKEND"`
	Timeout          time.Duration `yaml:"timeout" env:"VISARPC_BACKEND_TIMEOUT"`
	ReadTermination  string        `yaml:"read_termination"`
	WriteTermination string        `yaml:"write_termination"`
	Language         string        `yaml:"language" env:"VISARPC_LANGUAGE"`
	Trace            string        `yaml:"trace" env:"VISARPC_TRACE"`
	// Resources are addresses the media driver cannot discover. The
	// environment form is semicolon separated.
	Resources []string   `yaml:"resources" env:"VISARPC_RESOURCES"`
	Serial    Serial     `yaml:"serial"`
	Sim       sim.Config `yaml:"sim"`
}

type Serial struct {
	BaudRate int    `yaml:"baud_rate" env:"VISARPC_SERIAL_BAUD_RATE"`
	DataBits int    `yaml:"data_bits" env:"VISARPC_SERIAL_DATA_BITS"`
	Parity   string `yaml:"parity" env:"VISARPC_SERIAL_PARITY"`
	StopBits string `yaml:"stop_bits" env:"VISARPC_SERIAL_STOP_BITS"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:      50051,
			Transport: "grpc",
			TLS: TLS{
				Key:  "certs/server.key",
				Cert: "certs/server.pem",
			},
			LogLevel: "DEBUG",
			LogColor: true,
		},
		Gateway: Gateway{
			MaxConcurrentCalls: 10,
			ShutdownTimeout:    10 * time.Second,
		},
		Backend: Backend{
			Kind:             BackendSim,
			Timeout:          2 * time.Second,
			ReadTermination:  "\n",
			WriteTermination: "\n",
			Language:         "en-US",
			Serial: Serial{
				BaudRate: 9600,
				DataBits: 8,
				Parity:   "None",
				StopBits: "One",
			},
			Sim: sim.Config{
				Instruments: []sim.Instrument{
					{
						Address: "USB0::0x1AB1::0x04CE::DS1ZA000000001::INSTR",
						IDN:     "RIGOL TECHNOLOGIES,DS1104Z,DS1ZA000000001,00.04.04",
					},
					{
						Address:   "GPIB0::5::INSTR",
						IDN:       "KEYSIGHT TECHNOLOGIES,34461A,MY00000001,A.03.01",
						Responses: map[string]string{"MEAS:VOLT:DC?": "+1.00000000E+00"},
					},
				},
			},
		},
	}
}

// Load reads path over the defaults and applies the environment. A
// missing file is not an error; an unreadable or malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, pkgerrors.Wrapf(err, "reading config %s", path)
		default:
			if err := Parse(data, cfg); err != nil {
				return nil, pkgerrors.Wrapf(err, "parsing config %s", path)
			}
		}
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, pkgerrors.Wrap(err, "reading environment")
	}
	return cfg, nil
}

// Parse decodes YAML over cfg. Keys absent from data keep their current
// values.
func Parse(data []byte, cfg *Config) error {
	return yaml.UnmarshalStrict(data, cfg)
}

// Transports returns the configured transport names in order.
func (c *Config) Transports() []string {
	var out []string
	for _, t := range strings.Split(c.Server.Transport, ",") {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// PortFor returns the port transport listens on.
func (c *Config) PortFor(transport string) int {
	if p, ok := c.Server.Ports[transport]; ok {
		return p
	}
	return c.Server.Port
}

// Validate checks the configuration for values the process cannot start
// with.
func (c *Config) Validate() error {
	transports := c.Transports()
	if len(transports) == 0 {
		return pkgerrors.New("server.transport: no transport configured")
	}
	ports := make(map[int]string, len(transports))
	for _, t := range transports {
		if !slices.Contains(knownTransports, t) {
			return pkgerrors.Errorf("server.transport: unknown transport %q (want one of %s)", t, strings.Join(knownTransports, ", "))
		}
		p := c.PortFor(t)
		if p <= 0 || p > 65535 {
			return pkgerrors.Errorf("server port %d for %s out of range", p, t)
		}
		if other, dup := ports[p]; dup {
			return pkgerrors.Errorf("server port %d used by both %s and %s", p, other, t)
		}
		ports[p] = t
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.Key == "" || c.Server.TLS.Cert == "") {
		return pkgerrors.New("server.tls: key and cert are required when TLS is enabled")
	}
	if _, err := logging.ParseLevel(c.Server.LogLevel); err != nil {
		return pkgerrors.Wrap(err, "server.log_level")
	}
	if c.Gateway.MaxConcurrentCalls <= 0 {
		return pkgerrors.Errorf("gateway.max_concurrent_calls must be positive, got %d", c.Gateway.MaxConcurrentCalls)
	}
	if c.Gateway.CallTimeout < 0 {
		return pkgerrors.Errorf("gateway.call_timeout must not be negative, got %s", c.Gateway.CallTimeout)
	}
	switch c.Backend.Kind {
	case BackendSim:
	case BackendMedia:
		if c.Backend.ReadTermination == "" {
			return pkgerrors.New("backend.read_termination is required for the media backend")
		}
	default:
		return pkgerrors.Errorf("backend.kind: unknown backend %q (want %s or %s)", c.Backend.Kind, BackendSim, BackendMedia)
	}
	if c.Backend.Timeout <= 0 {
		return pkgerrors.Errorf("backend.timeout must be positive, got %s", c.Backend.Timeout)
	}
	return nil
}
