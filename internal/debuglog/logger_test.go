package debuglog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewFormats(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log")
	log, err := New(Options{Format: "json", Debug: true, OutputPaths: []string{out}})
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.DebugLevel))

	log, err = New(Options{OutputPaths: []string{out}})
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zap.DebugLevel))

	_, err = New(Options{Format: "xml"})
	require.Error(t, err)
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRateLimiter(time.Second)
	r.now = func() time.Time { return now }

	assert.True(t, r.Allow("a"))
	assert.False(t, r.Allow("a"))
	assert.True(t, r.Allow("b"))
	now = now.Add(time.Second)
	assert.True(t, r.Allow("a"))

	now = now.Add(10 * time.Second)
	assert.True(t, r.Allow("c"))
	r.mu.Lock()
	assert.Len(t, r.last, 1)
	r.mu.Unlock()
}

func TestRateLimitedDebug(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)
	r := NewRateLimiter(time.Hour)
	r.Debug(log, "k", "first")
	r.Debug(log, "k", "second")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "first", logs.All()[0].Message)
}
