//go:build linux || darwin

package session

import "golang.org/x/sys/unix"

// setReuseAddr enables SO_REUSEADDR on Linux and Darwin (pkg/rtp/transport_socket_linux.go's
// setSockOptLinuxSpecific does the same thing alongside voice-specific options
// this session has no use for).
func setReuseAddr(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}
