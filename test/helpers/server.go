// Package test provides test utilities and helpers for cdprelay tests.
package test

import (
	"net"
	"strconv"
	"testing"
	"time"
)

// GetFreePort returns a free TCP port on loopback, for tests that need to
// probe a port before anything is bound to it (e.g. asserting a relay is
// not running there yet).
func GetFreePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to get free port: %v", err)
	}
	defer func() { _ = listener.Close() }()

	return listener.Addr().(*net.TCPAddr).Port
}

// WaitForPort polls until a TCP connection to host:port succeeds or
// timeout elapses, used to synchronize against a relay instance that
// serves on its own goroutine.
func WaitForPort(t *testing.T, host string, port int, timeout time.Duration) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}

	return false
}
