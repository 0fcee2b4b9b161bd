//go:build !linux && !darwin && !windows

package session

// setReuseAddr is a no-op on platforms without a dedicated socket-tuning
// file; the session still works, it just won't rebind instantly after a
// crash.
func setReuseAddr(fd uintptr) error { return nil }
