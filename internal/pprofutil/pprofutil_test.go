package pprofutil

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, isLoopbackBind(tc.addr), tc.addr)
	}
}

func TestStartServesIndex(t *testing.T) {
	s, err := Start("127.0.0.1:0", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	resp, err := http.Get("http://" + s.Addr() + "/debug/pprof/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "goroutine")
}

func TestStartRejectsPublic(t *testing.T) {
	_, err := Start("0.0.0.0:0", nil)
	require.ErrorIs(t, err, ErrPublicBind)
}
