// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Level names accepted in configuration, in increasing severity.
var levelNames = map[string]log.Level{
	"TRACE":   log.TraceLevel,
	"DEBUG":   log.DebugLevel,
	"INFO":    log.InfoLevel,
	"WARNING": log.WarnLevel,
	"WARN":    log.WarnLevel,
	"ERROR":   log.ErrorLevel,
	// logrus' fatal and panic levels terminate the process, so the most
	// severe level we log at is error.
	"CRITICAL": log.ErrorLevel,
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(name string) (log.Level, error) {
	if lvl, ok := levelNames[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return lvl, nil
	}
	return log.InfoLevel, fmt.Errorf("unknown log level %q (want DEBUG, INFO, WARNING, ERROR or CRITICAL)", name)
}

// Options configures New.
type Options struct {
	Level string
	Color bool
	// Output defaults to stderr.
	Output io.Writer
}

// New returns a logger writing text lines with full timestamps. With Color
// set, level names are colored even when the output is not a terminal.
func New(o Options) (*log.Logger, error) {
	lvl, err := ParseLevel(o.Level)
	if err != nil {
		return nil, err
	}
	out := o.Output
	if out == nil {
		out = os.Stderr
	}
	l := log.New()
	l.SetOutput(out)
	l.SetLevel(lvl)
	l.SetFormatter(&log.TextFormatter{
		ForceColors:   o.Color,
		DisableColors: !o.Color,
		FullTimestamp: true,
	})
	return l, nil
}
