// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/visarpc/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 6000
  transport: json
  ports:
    frame: 7001
  log_level: INFO
`)
	cfg, err := loadConfig([]string{"-config", path, "-port", "7000", "-transport", "grpc,frame"}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, []string{"grpc", "frame"}, cfg.Transports())
	assert.Equal(t, "INFO", cfg.Server.LogLevel, "file value kept when the flag is absent")
	assert.Equal(t, config.BackendSim, cfg.Backend.Kind)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig([]string{"-config", filepath.Join(t.TempDir(), "absent.yaml")}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Server.Port, cfg.Server.Port)
}

func TestLoadConfigRejects(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	tests := []struct {
		name string
		args []string
	}{
		{"unknown transport", []string{"-config", missing, "-transport", "smoke-signals"}},
		{"bad port", []string{"-config", missing, "-port", "70000"}},
		{"unknown backend", []string{"-config", missing, "-backend", "ni-visa"}},
		{"bad level", []string{"-config", missing, "-log-level", "LOUD"}},
		{"tls without files", []string{"-config", missing, "-tls", "-tls-key", ""}},
		{"unknown flag", []string{"-verbose"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(tt.args, io.Discard)
			require.Error(t, err)
		})
	}
}

func TestLoadConfigHelp(t *testing.T) {
	_, err := loadConfig([]string{"-h"}, io.Discard)
	assert.True(t, errors.Is(err, flag.ErrHelp))
}

func TestNewDriverSim(t *testing.T) {
	cfg := config.Default()
	driver, err := newDriver(cfg, log.New())
	require.NoError(t, err)
	defer driver.Close()

	var found int
	for _, err := range driver.Resources(context.Background()) {
		require.NoError(t, err)
		found++
	}
	assert.Equal(t, len(cfg.Backend.Sim.Instruments), found)
}

func TestNewDriverUnknown(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Kind = "ni-visa"
	_, err := newDriver(cfg, log.New())
	require.Error(t, err)
}
