package debuglog

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Debug bool
	// Format is "console" or "json".
	Format string
	// OutputPaths defaults to stderr.
	OutputPaths []string
}

// New builds the process logger. Production sampling stays on so a flood of
// rejected packets cannot swamp the output.
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	case "json":
		cfg.Encoding = "json"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	if opts.Debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	if len(opts.OutputPaths) > 0 {
		cfg.OutputPaths = opts.OutputPaths
	}
	return cfg.Build()
}

// RateLimiter lets one message per key through each interval. Stale keys are
// swept lazily.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	sweep    time.Time
	now      func() time.Time
}

func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval, last: make(map[string]time.Time), now: time.Now}
}

func (r *RateLimiter) Allow(key string) bool {
	if r == nil || key == "" {
		return true
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.interval {
		return false
	}
	r.last[key] = now
	if now.Sub(r.sweep) > 2*r.interval {
		for k, ts := range r.last {
			if now.Sub(ts) > 4*r.interval {
				delete(r.last, k)
			}
		}
		r.sweep = now
	}
	return true
}

// Debug logs at debug level at most once per interval for key.
func (r *RateLimiter) Debug(log *zap.Logger, key, msg string, fields ...zap.Field) {
	if !log.Core().Enabled(zap.DebugLevel) || !r.Allow(key) {
		return
	}
	log.Debug(msg, fields...)
}
