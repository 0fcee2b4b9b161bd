package session

import (
	"fmt"
	"net"
)

// bindUDP opens a UDP listener on addr and applies the platform socket
// tuning session needs: address reuse, so that a session can be restarted
// quickly after a crash without waiting out the TIME_WAIT-like hold a
// previous process's socket left behind (spec.md §4.3 "Both accept the
// session's IP family and enable address reuse"). Grounded on the teacher's
// createUDPConnExtended (pkg/rtp/transport_common.go): resolve, listen, then
// tune via SyscallConn before handing the connection back.
func bindUDP(network string, addr *net.UDPAddr) (*net.UDPConn, error) {
	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("session: listen %s %s: %w", network, addr, err)
	}
	if err := applyReuseAddr(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: socket tuning on %s: %w", addr, err)
	}
	return conn, nil
}

// applyReuseAddr reaches down to the raw file descriptor the way the
// teacher's setSockOptForVoiceExtended does, delegating the actual option
// number to a platform-specific file.
func applyReuseAddr(conn *net.UDPConn) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := rawConn.Control(func(fd uintptr) {
		sockErr = setReuseAddr(fd)
	}); err != nil {
		return err
	}
	return sockErr
}
