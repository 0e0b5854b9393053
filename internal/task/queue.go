package task

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"chainp2p/internal/metrics"
)

const (
	DefaultWorkers       = 8
	DefaultQueueCapacity = 512
	DefaultMaxRetries    = 5
	DefaultBackoffBase   = 500 * time.Millisecond
	DefaultBackoffMax    = 30 * time.Second
)

var (
	ErrQueueFull        = errors.New("task queue full")
	ErrClosed           = errors.New("task queue closed")
	ErrDuplicate        = errors.New("task already queued")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrFatal            = errors.New("fatal task failure")
	errPanic            = errors.New("task panicked")
)

type Outcome int

const (
	Success Outcome = iota
	Retriable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retriable:
		return "retriable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Task is a unit of background work. Key identifies it for deduplication;
// failCount is the number of retriable failures so far.
type Task interface {
	Key() string
	Run(ctx context.Context, failCount int) (Outcome, error)
}

// Dropper is implemented by tasks that want to hear when they leave the queue
// without succeeding.
type Dropper interface {
	Dropped(reason error)
}

type Options struct {
	Workers       int
	QueueCapacity int
	// MaxRetries is the FailCount at which a retriable task is dropped.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// BackoffJitter adds up to this fraction of the delay at random.
	BackoffJitter float64
	Clock         clock.Clock
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

type item struct {
	task      Task
	failCount int
}

// Queue runs tasks on a fixed worker pool with bounded intake and retries
// retriable failures after an exponential backoff.
type Queue struct {
	opts    Options
	intake  chan item
	log     *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	mu      sync.Mutex
	tracked map[string]struct{}
	retries map[string]*clock.Timer
	closed  bool

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = max(DefaultBackoffMax, opts.BackoffBase)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		opts:    opts,
		intake:  make(chan item, opts.QueueCapacity),
		log:     log,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		tracked: make(map[string]struct{}),
		retries: make(map[string]*clock.Timer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. Tasks submitted earlier wait in the intake.
// Cancelling ctx has the same effect as Close.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		stop := context.AfterFunc(ctx, q.cancel)
		for i := 0; i < q.opts.Workers; i++ {
			q.wg.Add(1)
			go q.worker()
		}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			<-q.ctx.Done()
			stop()
			q.shutdown()
		}()
	})
}

// Submit enqueues t without blocking. QueueCapacity bounds every tracked
// task, including running ones and those waiting to be retried, so a retry
// always finds room in the intake.
func (q *Queue) Submit(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	key := t.Key()
	if _, ok := q.tracked[key]; ok {
		return ErrDuplicate
	}
	if len(q.tracked) >= q.opts.QueueCapacity {
		q.metrics.Drop("queue_full")
		return ErrQueueFull
	}
	select {
	case q.intake <- item{task: t}:
		q.tracked[key] = struct{}{}
		return nil
	default:
		q.metrics.Drop("queue_full")
		return ErrQueueFull
	}
}

// Tracks reports whether a task with key is queued, running or waiting to be
// retried.
func (q *Queue) Tracks(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tracked[key]
	return ok
}

// Len is the number of tracked tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracked)
}

// Backoff is the delay before retry number failCount.
func (q *Queue) Backoff(failCount int) time.Duration {
	d := q.opts.BackoffBase
	for i := 1; i < failCount && d < q.opts.BackoffMax; i++ {
		d *= 2
	}
	d = min(d, q.opts.BackoffMax)
	if q.opts.BackoffJitter > 0 {
		d += time.Duration(rand.Float64() * q.opts.BackoffJitter * float64(d))
	}
	return d
}

// Close cancels in-flight tasks, abandons pending retries and waits for the
// workers to exit.
func (q *Queue) Close() {
	q.cancel()
	q.shutdown()
	q.wg.Wait()
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for key, t := range q.retries {
		t.Stop()
		delete(q.retries, key)
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case it := <-q.intake:
			q.process(it)
		}
	}
}

func (q *Queue) process(it item) {
	key := it.task.Key()
	outcome, err := q.run(it)
	if q.ctx.Err() != nil {
		return
	}
	switch outcome {
	case Success:
		q.metrics.Task("success")
		q.untrack(key)
	case Retriable:
		it.failCount++
		if it.failCount >= q.opts.MaxRetries {
			q.metrics.Task("exhausted")
			reason := fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, it.failCount)
			if err != nil {
				reason = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, it.failCount, err)
			}
			q.drop(it, reason)
			return
		}
		q.metrics.Task("retry")
		delay := q.Backoff(it.failCount)
		q.log.Debug("task retry scheduled", zap.String("key", key),
			zap.Int("fail_count", it.failCount), zap.Duration("backoff", delay), zap.Error(err))
		q.scheduleRetry(it, delay)
	default:
		q.metrics.Task("fatal")
		if err == nil {
			err = ErrFatal
		} else if !errors.Is(err, ErrFatal) {
			err = fmt.Errorf("%w: %w", ErrFatal, err)
		}
		q.drop(it, err)
	}
}

func (q *Queue) run(it item) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = Fatal, fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return it.task.Run(q.ctx, it.failCount)
}

func (q *Queue) scheduleRetry(it item, delay time.Duration) {
	key := it.task.Key()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.retries[key] = q.clock.AfterFunc(delay, func() { q.requeue(it) })
}

func (q *Queue) requeue(it item) {
	key := it.task.Key()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	delete(q.retries, key)
	select {
	case q.intake <- it:
		q.mu.Unlock()
	default:
		q.mu.Unlock()
		q.metrics.Drop("queue_full")
		q.drop(it, fmt.Errorf("requeue: %w", ErrQueueFull))
	}
}

// drop runs the task's Dropped hook before its key is released.
func (q *Queue) drop(it item, reason error) {
	key := it.task.Key()
	q.log.Warn("task dropped", zap.String("key", key),
		zap.Int("fail_count", it.failCount), zap.Error(reason))
	if d, ok := it.task.(Dropper); ok {
		d.Dropped(reason)
	}
	q.untrack(key)
}

func (q *Queue) untrack(key string) {
	q.mu.Lock()
	delete(q.tracked, key)
	q.mu.Unlock()
}
