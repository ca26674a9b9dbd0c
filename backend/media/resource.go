// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package media

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/luxfi/visarpc/backend"
)

type resourceKind int

const (
	serialResource resourceKind = iota + 1
	socketResource
)

// resource is a parsed VISA resource string.
type resource struct {
	kind resourceKind
	// serial
	port string
	// socket
	host    string
	tcpPort int
}

var errUnsupportedResource = errors.New("unsupported resource string")

// parseResource understands the two interface types the media driver can
// reach:
//
//	ASRL<port>::INSTR                  serial, port is a device path or number
//	TCPIP[board]::<host>::<port>::SOCKET  raw socket
//
// Interface names are case-insensitive.
func parseResource(addr backend.Address) (resource, error) {
	parts := strings.Split(string(addr), "::")
	head := strings.ToUpper(parts[0])
	last := strings.ToUpper(parts[len(parts)-1])

	switch {
	case strings.HasPrefix(head, "ASRL"):
		if len(parts) != 2 || last != "INSTR" {
			return resource{}, errors.Wrapf(errUnsupportedResource, "%q: want ASRL<port>::INSTR", addr)
		}
		port := parts[0][len("ASRL"):]
		if port == "" {
			return resource{}, errors.Wrapf(errUnsupportedResource, "%q: missing serial port", addr)
		}
		if n, err := strconv.Atoi(port); err == nil {
			port = serialPortName(n)
		}
		return resource{kind: serialResource, port: port}, nil

	case strings.HasPrefix(head, "TCPIP"):
		if len(parts) != 4 || last != "SOCKET" {
			return resource{}, errors.Wrapf(errUnsupportedResource, "%q: want TCPIP::<host>::<port>::SOCKET", addr)
		}
		if board := head[len("TCPIP"):]; board != "" {
			if _, err := strconv.Atoi(board); err != nil {
				return resource{}, errors.Wrapf(errUnsupportedResource, "%q: bad board number", addr)
			}
		}
		host := parts[1]
		port, err := strconv.Atoi(parts[2])
		if host == "" || err != nil || port <= 0 || port > 65535 {
			return resource{}, errors.Wrapf(errUnsupportedResource, "%q: bad host or port", addr)
		}
		return resource{kind: socketResource, host: host, tcpPort: port}, nil
	}
	return resource{}, errors.Wrapf(errUnsupportedResource, "%q", addr)
}

// serialPortName maps a VISA serial number to an OS device: ASRL1 is the
// first port.
func serialPortName(n int) string {
	if runtime.GOOS == "windows" {
		return "COM" + strconv.Itoa(n)
	}
	if n > 0 {
		n--
	}
	return "/dev/ttyS" + strconv.Itoa(n)
}

// serialAddress is the resource string enumeration reports for an OS port.
func serialAddress(port string) backend.Address {
	return backend.Address("ASRL" + port + "::INSTR")
}
