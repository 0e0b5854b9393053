package discovery

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"chainp2p/internal/peer"
	"chainp2p/internal/proto"
	"chainp2p/internal/task"
)

const (
	DefaultDialInterval = 5 * time.Second
	DefaultStaleAfter   = 2 * time.Minute
)

// Submitter is the part of the task queue the dialer drives.
type Submitter interface {
	Submit(t task.Task) error
	Tracks(key string) bool
}

type DialOptions struct {
	Interval time.Duration
	// StaleAfter is how long a DiscoverySucceeded address is left alone
	// before it is dialed again.
	StaleAfter time.Duration
	Bootstrap  []proto.Endpoint
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Dialer periodically turns table entries into discovery tasks.
type Dialer struct {
	shared     *Shared
	queue      Submitter
	interval   time.Duration
	staleAfter time.Duration
	bootstrap  []proto.Endpoint
	clock      clock.Clock
	log        *zap.Logger
}

func NewDialer(shared *Shared, queue Submitter, opts DialOptions) *Dialer {
	d := &Dialer{
		shared:     shared,
		queue:      queue,
		interval:   opts.Interval,
		staleAfter: opts.StaleAfter,
		bootstrap:  opts.Bootstrap,
		clock:      opts.Clock,
		log:        opts.Logger,
	}
	if d.interval <= 0 {
		d.interval = DefaultDialInterval
	}
	if d.staleAfter <= 0 {
		d.staleAfter = DefaultStaleAfter
	}
	if d.clock == nil {
		d.clock = clock.New()
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	return d
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (d *Dialer) Run(ctx context.Context) error {
	ticker := d.clock.Ticker(d.interval)
	defer ticker.Stop()
	for {
		if n := d.Tick(); n > 0 {
			d.log.Debug("dial tick", zap.Int("submitted", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduling pass and returns how many tasks it submitted.
func (d *Dialer) Tick() int {
	table := d.shared.Table
	for _, ep := range d.bootstrap {
		if table.Full() {
			break
		}
		if d.shared.Protocol.IsSelf(ep) {
			continue
		}
		if _, ok := table.GetByEndpoint(ep); ok {
			continue
		}
		if _, err := table.AddUnknown(ep); err != nil {
			break
		}
	}

	now := d.clock.Now()
	submitted := 0
	for a := range table.All() {
		if a.Status == peer.HandshakeSucceeded {
			continue
		}
		if d.queue.Tracks(TaskKey(a.Endpoint)) {
			continue
		}
		if a.Status == peer.DiscoverySucceeded && now.Sub(a.UpdatedAt) < d.staleAfter {
			continue
		}
		err := d.queue.Submit(NewInitiateWhoAreYou(a, d.shared))
		switch {
		case err == nil:
			submitted++
		case errors.Is(err, task.ErrDuplicate):
		default:
			if !errors.Is(err, task.ErrQueueFull) {
				d.log.Debug("dial submit", zap.Error(err))
			}
			return submitted
		}
	}
	return submitted
}
