// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logging

import (
	"bytes"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want log.Level
	}{
		{"DEBUG", log.DebugLevel},
		{"info", log.InfoLevel},
		{"WARNING", log.WarnLevel},
		{" error ", log.ErrorLevel},
		{"CRITICAL", log.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("LOUD")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "WARNING", Output: &buf})
	require.NoError(t, err)

	l.Info("hidden")
	l.WithField("resource", "USB0::1").Warn("Media error")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "level=warning")
	assert.Contains(t, out, `resource="USB0::1"`)
	assert.NotContains(t, out, "\x1b[", "colors are off")

	_, err = New(Options{Level: "nope"})
	assert.Error(t, err)
}
