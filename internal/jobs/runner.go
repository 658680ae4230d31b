// Package jobs runs named recurring tasks with a fixed delay between runs.
// At most one process runs a given queue at a time; ownership is a lock that
// is refreshed between and during iterations and handed over when it lapses.
// An iteration whose lock cannot be refreshed sees its context cancelled.
package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/soundchain/notifier/internal/cache"
	"github.com/soundchain/notifier/pkg/logging"
)

// State of a runner
type State int32

// Runner states
const (
	StateIdle State = iota
	StateRunning
	StateScheduled
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateScheduled:
		return "scheduled"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Task is the unit of work a Runner repeats
type Task interface {
	// Acquire is called each time this process takes ownership of the queue
	Acquire(ctx context.Context) error
	// Run performs one iteration
	Run(ctx context.Context) error
}

// TaskFunc adapts a function with no ownership hook into a Task
type TaskFunc func(ctx context.Context) error

// Acquire implements Task
func (f TaskFunc) Acquire(ctx context.Context) error { return nil }

// Run implements Task
func (f TaskFunc) Run(ctx context.Context) error { return f(ctx) }

// Runner repeats a task on one named queue
type Runner struct {
	name    string
	delay   time.Duration
	locker  cache.Locker
	lockTTL time.Duration
	logger  *zap.Logger

	state atomic.Int32
	runs  atomic.Int64
}

// NewRunner creates a runner for queue name; locker may be nil for a process-local queue
func NewRunner(name string, delay time.Duration, locker cache.Locker, lockTTL time.Duration) *Runner {
	if locker == nil {
		locker = cache.NewLocker(nil)
	}
	if lockTTL <= 0 {
		lockTTL = time.Minute
	}
	return &Runner{
		name:    name,
		delay:   delay,
		locker:  locker,
		lockTTL: lockTTL,
		logger:  logging.WithComponent("jobs").With(zap.String("queue", name)),
	}
}

// State returns the current state
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Runs returns how many iterations have completed
func (r *Runner) Runs() int64 {
	return r.runs.Load()
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
}

// Handle controls a started runner
type Handle struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	err      error
}

// Stop cancels the runner; an iteration in progress sees a cancelled context
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.stopped.Store(true)
		h.cancel()
	})
}

// Wait blocks until the runner exits. It returns nil after Stop and the
// parent context error when the parent was cancelled.
func (h *Handle) Wait() error {
	<-h.done
	if h.stopped.Load() {
		return nil
	}
	return h.err
}

// Start runs task immediately and then after every delay until ctx is done or Stop is called
func (r *Runner) Start(ctx context.Context, task Task) *Handle {
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	r.setState(StateRunning)
	go func() {
		defer close(h.done)
		defer cancel()
		r.loop(runCtx, task)
		h.err = ctx.Err()
	}()

	return h
}

func (r *Runner) loop(ctx context.Context, task Task) {
	var lock cache.Lock
	defer func() {
		if lock != nil {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil {
				r.logger.Warn("Failed to release queue lock", zap.Error(err))
			}
		}
		r.setState(StateStopped)
	}()

	r.logger.Info("Queue started", zap.Duration("delay", r.delay))

	for {
		lock = r.own(ctx, lock, task)

		if lock != nil {
			r.setState(StateRunning)
			if !r.runOwned(ctx, lock, task) {
				lock = nil
			}
			r.runs.Add(1)
		}

		r.setState(StateScheduled)
		if !wait(ctx, r.delay) {
			r.logger.Info("Queue stopped")
			return
		}
	}
}

// runOwned runs one iteration while refreshing lock every third of its TTL.
// It reports whether the lock is still held; a failed refresh cancels the iteration.
func (r *Runner) runOwned(ctx context.Context, lock cache.Lock, task Task) bool {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		interval := r.lockTTL / 3
		if interval <= 0 {
			interval = r.lockTTL
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				err := lock.Refresh(runCtx, r.lockTTL)
				if err == nil {
					continue
				}
				if runCtx.Err() != nil {
					return
				}
				r.logger.Warn("Lost queue lock during run, cancelling", zap.Error(err))
				lost.Store(true)
				cancel()
				return
			}
		}
	}()

	err := task.Run(runCtx)
	cancel()
	<-done

	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("Task failed", zap.Error(err))
	}
	return !lost.Load()
}

// own keeps or takes ownership of the queue and returns the held lock, or nil
func (r *Runner) own(ctx context.Context, lock cache.Lock, task Task) cache.Lock {
	if lock != nil {
		err := lock.Refresh(ctx, r.lockTTL)
		if err == nil {
			return lock
		}
		r.logger.Warn("Lost queue lock", zap.Error(err))
	}

	lock, err := r.locker.Obtain(ctx, r.name, r.lockTTL)
	if errors.Is(err, cache.ErrLockHeld) {
		r.logger.Debug("Queue owned by another worker")
		return nil
	}
	if err != nil {
		r.logger.Warn("Failed to obtain queue lock", zap.Error(err))
		return nil
	}

	if err := task.Acquire(ctx); err != nil {
		r.logger.Error("Failed to take over queue", zap.Error(err))
		if err := lock.Release(ctx); err != nil {
			r.logger.Warn("Failed to release queue lock", zap.Error(err))
		}
		return nil
	}
	return lock
}

// wait waits for d or until ctx is cancelled; it reports whether the delay elapsed
func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
