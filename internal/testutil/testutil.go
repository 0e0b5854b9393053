package testutil

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	DefaultMaxFuzzBytes = 1 << 16
	DefaultFuzzTimeout  = 100 * time.Millisecond
)

func CapBytes(b []byte, max int) []byte {
	if max <= 0 {
		return b
	}
	if len(b) > max {
		return b[:max]
	}
	return b
}

// WithTimeout fails t when fn has not returned after d.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}

// FreeUDPPort returns a loopback UDP port that was free a moment ago.
func FreeUDPPort(t testing.TB) uint16 {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer c.Close()
	return uint16(c.LocalAddr().(*net.UDPAddr).Port)
}

// FreeTCPPort returns a loopback TCP port that was free a moment ago.
func FreeTCPPort(t testing.TB) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}
