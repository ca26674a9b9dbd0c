// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package media

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/visarpc/backend"
)

func TestParseResource(t *testing.T) {
	tests := []struct {
		name string
		addr backend.Address
		want resource
	}{
		{
			"serial device path",
			"ASRL/dev/ttyUSB0::INSTR",
			resource{kind: serialResource, port: "/dev/ttyUSB0"},
		},
		{
			"lower case serial",
			"asrl/dev/ttyACM1::instr",
			resource{kind: serialResource, port: "/dev/ttyACM1"},
		},
		{
			"socket without board",
			"TCPIP::10.0.0.5::5025::SOCKET",
			resource{kind: socketResource, host: "10.0.0.5", tcpPort: 5025},
		},
		{
			"socket with board",
			"TCPIP0::scope.lab::5555::SOCKET",
			resource{kind: socketResource, host: "scope.lab", tcpPort: 5555},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseResource(tt.addr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseNumberedSerial(t *testing.T) {
	got, err := parseResource("ASRL1::INSTR")
	require.NoError(t, err)
	if runtime.GOOS == "windows" {
		assert.Equal(t, "COM1", got.port)
	} else {
		assert.Equal(t, "/dev/ttyS0", got.port)
	}
}

func TestParseResourceRejects(t *testing.T) {
	for _, addr := range []backend.Address{
		"",
		"BAD::ADDR",
		"ASRL::INSTR",
		"ASRL/dev/ttyS0::SOCKET",
		"TCPIP0::10.0.0.5::inst0::INSTR",
		"TCPIP0::10.0.0.5::99999::SOCKET",
		"TCPIPX::10.0.0.5::5025::SOCKET",
		"USB0::0x1AB1::0x04CE::DS1ZA1::INSTR",
	} {
		_, err := parseResource(addr)
		assert.ErrorIs(t, err, errUnsupportedResource, "address %q", addr)
	}
}
