package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundchain/notifier/internal/cache"
)

type fakeLock struct {
	locker *fakeLocker
}

func (l *fakeLock) Refresh(ctx context.Context, ttl time.Duration) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if l.locker.lost {
		l.locker.lost = false
		return cache.ErrLockHeld
	}
	return nil
}

func (l *fakeLock) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	l.locker.releases++
	return nil
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	lost     bool
	obtains  int
	releases int
}

func (l *fakeLocker) Obtain(ctx context.Context, name string, ttl time.Duration) (cache.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, cache.ErrLockHeld
	}
	l.obtains++
	return &fakeLock{locker: l}, nil
}

type countingTask struct {
	acquires atomic.Int32
	runs     atomic.Int32
	err      error
}

func (t *countingTask) Acquire(ctx context.Context) error {
	t.acquires.Add(1)
	return nil
}

func (t *countingTask) Run(ctx context.Context) error {
	t.runs.Add(1)
	return t.err
}

func TestRunnerRepeatsWithDelay(t *testing.T) {
	r := NewRunner("test", 5*time.Millisecond, nil, time.Minute)
	assert.Equal(t, StateIdle, r.State())

	task := &countingTask{err: errors.New("boom")}
	h := r.Start(context.Background(), task)

	require.Eventually(t, func() bool { return task.runs.Load() >= 3 }, time.Second, time.Millisecond)
	h.Stop()
	require.NoError(t, h.Wait())

	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, int32(1), task.acquires.Load(), "ownership is taken once and kept")
	assert.GreaterOrEqual(t, r.Runs(), int64(3))
}

func TestRunnerSkipsWhenLockHeld(t *testing.T) {
	locker := &fakeLocker{held: true}
	r := NewRunner("indexer", time.Millisecond, locker, time.Minute)

	task := &countingTask{}
	h := r.Start(context.Background(), task)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), task.runs.Load())

	locker.mu.Lock()
	locker.held = false
	locker.mu.Unlock()

	require.Eventually(t, func() bool { return task.runs.Load() > 0 }, time.Second, time.Millisecond)
	h.Stop()
	require.NoError(t, h.Wait())

	locker.mu.Lock()
	defer locker.mu.Unlock()
	assert.Equal(t, 1, locker.releases, "lock released on stop")
}

func TestRunnerReacquiresAfterLosingLock(t *testing.T) {
	locker := &fakeLocker{}
	r := NewRunner("indexer", time.Millisecond, locker, time.Minute)

	task := &countingTask{}
	h := r.Start(context.Background(), task)
	require.Eventually(t, func() bool { return task.runs.Load() > 0 }, time.Second, time.Millisecond)

	locker.mu.Lock()
	locker.lost = true
	locker.mu.Unlock()

	require.Eventually(t, func() bool { return task.acquires.Load() == 2 }, time.Second, time.Millisecond)
	h.Stop()
	require.NoError(t, h.Wait())
}

// ttlLocker expires locks that are not refreshed within their ttl
type ttlLocker struct {
	mu        sync.Mutex
	owner     int
	tokens    int
	expires   time.Time
	refreshes int
}

func (l *ttlLocker) Obtain(ctx context.Context, name string, ttl time.Duration) (cache.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != 0 && time.Now().Before(l.expires) {
		return nil, cache.ErrLockHeld
	}
	l.tokens++
	l.owner = l.tokens
	l.expires = time.Now().Add(ttl)
	return &ttlLock{locker: l, token: l.owner}, nil
}

type ttlLock struct {
	locker *ttlLocker
	token  int
}

func (k *ttlLock) Refresh(ctx context.Context, ttl time.Duration) error {
	k.locker.mu.Lock()
	defer k.locker.mu.Unlock()
	if k.locker.owner != k.token || time.Now().After(k.locker.expires) {
		return cache.ErrLockHeld
	}
	k.locker.expires = time.Now().Add(ttl)
	k.locker.refreshes++
	return nil
}

func (k *ttlLock) Release(ctx context.Context) error {
	k.locker.mu.Lock()
	defer k.locker.mu.Unlock()
	if k.locker.owner == k.token {
		k.locker.owner = 0
	}
	return nil
}

func TestRunnerKeepsLockDuringLongRun(t *testing.T) {
	ctx := context.Background()
	locker := &ttlLocker{}
	ttl := 60 * time.Millisecond
	r := NewRunner("indexer", time.Hour, locker, ttl)

	started := make(chan struct{})
	release := make(chan struct{})
	h := r.Start(ctx, TaskFunc(func(ctx context.Context) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	<-started

	// the run outlives several TTLs; no other worker may take the queue meanwhile
	deadline := time.Now().Add(4 * ttl)
	for time.Now().Before(deadline) {
		_, err := locker.Obtain(ctx, "indexer", ttl)
		require.ErrorIs(t, err, cache.ErrLockHeld)
		time.Sleep(5 * time.Millisecond)
	}
	close(release)

	h.Stop()
	require.NoError(t, h.Wait())

	locker.mu.Lock()
	defer locker.mu.Unlock()
	assert.Greater(t, locker.refreshes, 0)
}

type blockingTask struct {
	acquires  atomic.Int32
	runs      atomic.Int32
	cancelled atomic.Int32
}

func (t *blockingTask) Acquire(ctx context.Context) error {
	t.acquires.Add(1)
	return nil
}

func (t *blockingTask) Run(ctx context.Context) error {
	t.runs.Add(1)
	select {
	case <-ctx.Done():
		t.cancelled.Add(1)
		return ctx.Err()
	case <-time.After(time.Second):
		return nil
	}
}

func TestRunnerCancelsRunWhenLockLost(t *testing.T) {
	locker := &fakeLocker{}
	r := NewRunner("indexer", time.Millisecond, locker, 30*time.Millisecond)

	task := &blockingTask{}
	h := r.Start(context.Background(), task)
	require.Eventually(t, func() bool { return task.runs.Load() == 1 }, time.Second, time.Millisecond)

	locker.mu.Lock()
	locker.lost = true
	locker.mu.Unlock()

	require.Eventually(t, func() bool { return task.cancelled.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return task.acquires.Load() == 2 }, time.Second, time.Millisecond,
		"the queue is re-obtained and the task reloads its state")

	h.Stop()
	require.NoError(t, h.Wait())
}

func TestRunnerParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner("digest", time.Hour, nil, time.Minute)

	var runs atomic.Int32
	h := r.Start(ctx, TaskFunc(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.Eventually(t, func() bool { return r.State() == StateScheduled }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, h.Wait(), context.Canceled)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, StateStopped, r.State())
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateRunning, "running"},
		{StateScheduled, "scheduled"},
		{StateStopped, "stopped"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}
