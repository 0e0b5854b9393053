package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chainp2p/internal/metrics"
)

type scripted struct {
	key      string
	mu       sync.Mutex
	outcomes []Outcome
	counts   []int
	dropped  []error
	block    chan struct{}
}

func (s *scripted) Key() string { return s.key }

func (s *scripted) Run(ctx context.Context, failCount int) (Outcome, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return Retriable, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = append(s.counts, failCount)
	o := Retriable
	if len(s.outcomes) > 0 {
		o = s.outcomes[0]
		s.outcomes = s.outcomes[1:]
	}
	if o == Success {
		return o, nil
	}
	return o, errors.New("attempt failed")
}

func (s *scripted) Dropped(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, reason)
}

func (s *scripted) runs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.counts...)
}

func (s *scripted) drops() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.dropped...)
}

func (q *Queue) pendingRetries() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.retries)
}

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

func TestQueueSuccess(t *testing.T) {
	m := metrics.New()
	q := New(Options{Workers: 2, Logger: zaptest.NewLogger(t), Metrics: m})
	q.Start(context.Background())
	defer q.Close()

	s := &scripted{key: "a", outcomes: []Outcome{Success}}
	require.NoError(t, q.Submit(s))
	require.Eventually(t, func() bool { return !q.Tracks("a") }, wait, tick)
	assert.Equal(t, []int{0}, s.runs())
	assert.Empty(t, s.drops())
	assert.Equal(t, uint64(1), m.Snapshot().Tasks["success"])
}

func TestQueueRetriesThenDrops(t *testing.T) {
	mock := clock.NewMock()
	m := metrics.New()
	q := New(Options{
		Workers:     1,
		MaxRetries:  3,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
		Clock:       mock,
		Metrics:     m,
	})
	q.Start(context.Background())
	defer q.Close()

	s := &scripted{key: "a"}
	require.NoError(t, q.Submit(s))
	require.Eventually(t, func() bool { return q.pendingRetries() == 1 }, wait, tick)
	assert.True(t, q.Tracks("a"))
	require.ErrorIs(t, q.Submit(&scripted{key: "a"}), ErrDuplicate)

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return len(s.runs()) == 2 && q.pendingRetries() == 1 }, wait, tick)

	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return !q.Tracks("a") }, wait, tick)

	assert.Equal(t, []int{0, 1, 2}, s.runs())
	drops := s.drops()
	require.Len(t, drops, 1)
	assert.ErrorIs(t, drops[0], ErrRetriesExhausted)
	assert.Equal(t, uint64(2), m.Snapshot().Tasks["retry"])
	assert.Equal(t, uint64(1), m.Snapshot().Tasks["exhausted"])
}

func TestQueueRetryThenSuccess(t *testing.T) {
	mock := clock.NewMock()
	q := New(Options{Workers: 1, BackoffBase: time.Second, Clock: mock})
	q.Start(context.Background())
	defer q.Close()

	s := &scripted{key: "a", outcomes: []Outcome{Retriable, Success}}
	require.NoError(t, q.Submit(s))
	require.Eventually(t, func() bool { return q.pendingRetries() == 1 }, wait, tick)
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return !q.Tracks("a") }, wait, tick)
	assert.Equal(t, []int{0, 1}, s.runs())
	assert.Empty(t, s.drops())
}

func TestQueueFatalDropsOnce(t *testing.T) {
	q := New(Options{Workers: 1})
	q.Start(context.Background())
	defer q.Close()

	s := &scripted{key: "a", outcomes: []Outcome{Fatal}}
	require.NoError(t, q.Submit(s))
	require.Eventually(t, func() bool { return !q.Tracks("a") }, wait, tick)
	drops := s.drops()
	require.Len(t, drops, 1)
	assert.ErrorIs(t, drops[0], ErrFatal)
	assert.Equal(t, []int{0}, s.runs())
}

type panicky struct{}

func (panicky) Key() string { return "p" }
func (panicky) Run(context.Context, int) (Outcome, error) {
	panic("boom")
}

func TestQueueRecoversPanic(t *testing.T) {
	q := New(Options{Workers: 1})
	q.Start(context.Background())
	defer q.Close()
	require.NoError(t, q.Submit(panicky{}))
	require.Eventually(t, func() bool { return !q.Tracks("p") }, wait, tick)

	s := &scripted{key: "a", outcomes: []Outcome{Success}}
	require.NoError(t, q.Submit(s))
	require.Eventually(t, func() bool { return !q.Tracks("a") }, wait, tick)
}

func TestQueueIntakeBound(t *testing.T) {
	q := New(Options{Workers: 1, QueueCapacity: 1})
	require.NoError(t, q.Submit(&scripted{key: "a"}))
	require.ErrorIs(t, q.Submit(&scripted{key: "a"}), ErrDuplicate)
	require.ErrorIs(t, q.Submit(&scripted{key: "b"}), ErrQueueFull)
	assert.Equal(t, 1, q.Len())
	q.Close()
	require.ErrorIs(t, q.Submit(&scripted{key: "c"}), ErrClosed)
}

func TestQueueRetryKeepsIntakeRoom(t *testing.T) {
	mock := clock.NewMock()
	q := New(Options{
		Workers:       1,
		QueueCapacity: 2,
		MaxRetries:    5,
		BackoffBase:   time.Second,
		Clock:         mock,
	})
	q.Start(context.Background())
	defer q.Close()

	flaky := &scripted{key: "flaky", outcomes: []Outcome{Retriable, Success}}
	require.NoError(t, q.Submit(flaky))
	require.Eventually(t, func() bool { return q.pendingRetries() == 1 }, wait, tick)

	// Occupy the worker while the retry waits out its backoff.
	slow := &scripted{key: "slow", outcomes: []Outcome{Success}, block: make(chan struct{})}
	require.NoError(t, q.Submit(slow))
	require.ErrorIs(t, q.Submit(&scripted{key: "filler"}), ErrQueueFull)

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return q.pendingRetries() == 0 }, wait, tick)
	close(slow.block)
	require.Eventually(t, func() bool { return q.Len() == 0 }, wait, tick)

	assert.Equal(t, []int{0, 1}, flaky.runs())
	assert.Empty(t, flaky.drops())
	assert.Empty(t, slow.drops())
}

func TestQueueCloseAbandonsInFlight(t *testing.T) {
	q := New(Options{Workers: 1})
	q.Start(context.Background())
	s := &scripted{key: "a", block: make(chan struct{})}
	require.NoError(t, q.Submit(s))
	require.Eventually(t, func() bool { return len(q.intake) == 0 }, wait, tick)

	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(wait):
		t.Fatalf("close did not return")
	}
	assert.Empty(t, s.drops())
	assert.Empty(t, s.runs())
}

func TestQueueStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := New(Options{Workers: 1})
	q.Start(ctx)
	cancel()
	require.Eventually(t, func() bool {
		return errors.Is(q.Submit(&scripted{key: "x"}), ErrClosed)
	}, wait, tick)
	q.Close()
}

func TestBackoff(t *testing.T) {
	q := New(Options{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second})
	cases := map[int]time.Duration{
		0:  100 * time.Millisecond,
		1:  100 * time.Millisecond,
		2:  200 * time.Millisecond,
		3:  400 * time.Millisecond,
		4:  800 * time.Millisecond,
		5:  time.Second,
		40: time.Second,
	}
	for n, want := range cases {
		assert.Equal(t, want, q.Backoff(n), "fail count %d", n)
	}

	jittered := New(Options{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second, BackoffJitter: 0.5})
	for i := 0; i < 50; i++ {
		d := jittered.Backoff(2)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "retriable", Retriable.String())
	assert.Equal(t, "fatal", Fatal.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}
