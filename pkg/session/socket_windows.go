//go:build windows

package session

import "golang.org/x/sys/windows"

// setReuseAddr enables SO_REUSEADDR on Windows (pkg/rtp/transport_socket_windows.go's
// setSockOptWindowsSpecific does the same, plus SO_EXCLUSIVEADDRUSE handling
// this session doesn't need).
func setReuseAddr(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}
