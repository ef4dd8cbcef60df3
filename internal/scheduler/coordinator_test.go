package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_ScheduleReplacesEntry(t *testing.T) {
	c := New()
	noop := func(ctx context.Context) error { return nil }

	require.NoError(t, c.Schedule("poll", "@every 1m", noop))
	require.NoError(t, c.Schedule("poll", "@every 30s", noop))

	jobs := c.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "poll", jobs[0].ID)
	assert.Equal(t, "@every 30s", jobs[0].Spec)
	assert.Len(t, c.cron.Entries(), 1)
}

func TestCoordinator_InvalidSpecKeepsExisting(t *testing.T) {
	c := New()
	noop := func(ctx context.Context) error { return nil }

	require.NoError(t, c.Schedule("poll", "@every 1m", noop))
	err := c.Schedule("poll", "not a schedule", noop)
	require.Error(t, err)

	spec, ok := c.Spec("poll")
	require.True(t, ok)
	assert.Equal(t, "@every 1m", spec)
	assert.Len(t, c.cron.Entries(), 1)
}

func TestCoordinator_RemoveMissingIsNoop(t *testing.T) {
	c := New()
	c.Remove("nothing")

	require.NoError(t, c.Schedule("job", "@every 1h", func(ctx context.Context) error { return nil }))
	c.Remove("job")
	c.Remove("job")
	assert.Empty(t, c.Jobs())
	assert.Empty(t, c.cron.Entries())
}

func TestCoordinator_SingleInstance(t *testing.T) {
	c := New()
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32

	require.NoError(t, c.Schedule("slow", "@every 1h", func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}))

	require.NoError(t, c.Trigger("slow"))
	<-started

	ran, err := c.RunNow("slow")
	require.NoError(t, err)
	assert.False(t, ran, "overlapping run is skipped")

	close(release)
	require.NoError(t, c.Stop(context.Background()))
	assert.EqualValues(t, 1, runs.Load())
}

func TestCoordinator_GuardSurvivesReschedule(t *testing.T) {
	c := New()
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	body := func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	}

	require.NoError(t, c.Schedule("poll", "@every 1m", body))
	require.NoError(t, c.Trigger("poll"))
	<-started

	require.NoError(t, c.Schedule("poll", "@every 10s", body))
	ran, err := c.RunNow("poll")
	require.NoError(t, err)
	assert.False(t, ran)

	close(release)
	require.NoError(t, c.Stop(context.Background()))

	ran, err = c.RunNow("poll")
	require.NoError(t, err)
	assert.True(t, ran, "guard is released once the first run returns")
}

func TestCoordinator_RecoversPanics(t *testing.T) {
	c := New()
	var calls atomic.Int32
	require.NoError(t, c.Schedule("boom", "@every 1h", func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			panic("kaboom")
		}
		return nil
	}))

	ran, err := c.RunNow("boom")
	assert.True(t, ran)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	ran, err = c.RunNow("boom")
	assert.True(t, ran)
	assert.NoError(t, err)

	jobs := c.Jobs()
	require.Len(t, jobs, 1)
	assert.Empty(t, jobs[0].LastError)
}

func TestCoordinator_RecordsLastError(t *testing.T) {
	c := New()
	require.NoError(t, c.Schedule("fail", "@every 1h", func(ctx context.Context) error {
		return errors.New("db locked")
	}))

	_, err := c.RunNow("fail")
	require.Error(t, err)
	assert.Equal(t, "db locked", c.Jobs()[0].LastError)

	_, err = c.RunNow("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, c.Trigger("missing"), ErrJobNotFound)
}

func TestCoordinator_StartWhenReady(t *testing.T) {
	c := New()
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- c.StartWhenReady(context.Background(), ready) }()

	select {
	case <-done:
		t.Fatal("started before ready")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, c.started.Load())

	close(ready)
	require.NoError(t, <-done)
	assert.True(t, c.started.Load())
	require.NoError(t, c.Stop(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, New().StartWhenReady(ctx, make(chan struct{})), context.Canceled)
}

func TestCoordinator_FiresOnSchedule(t *testing.T) {
	c := New()
	fired := make(chan struct{}, 1)
	require.NoError(t, c.Schedule("tick", "@every 1s", func(ctx context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}))
	c.Start()
	defer c.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
}

func TestCoordinator_StopInterruptsOnDeadline(t *testing.T) {
	c := New()
	started := make(chan struct{})
	require.NoError(t, c.Schedule("long", "@every 1h", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, c.Trigger("long"))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true, nil
}

func TestCoordinator_LockerHeldElsewhere(t *testing.T) {
	locker := &memLocker{held: map[string]bool{"job:poll": true}}
	c := New(WithLocker(locker, time.Minute))
	var runs atomic.Int32
	require.NoError(t, c.Schedule("poll", "@every 1m", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	ran, err := c.RunNow("poll")
	require.NoError(t, err)
	assert.False(t, ran)

	locker.mu.Lock()
	delete(locker.held, "job:poll")
	locker.mu.Unlock()

	ran, err = c.RunNow("poll")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.EqualValues(t, 1, runs.Load())
	assert.Empty(t, locker.held, "lease released after the run")
}

func TestCoordinator_TriggerRefusedAfterStop(t *testing.T) {
	c := New()
	require.NoError(t, c.Schedule("poll", "@every 1h", func(ctx context.Context) error { return nil }))
	require.NoError(t, c.Stop(context.Background()))

	assert.ErrorIs(t, c.Trigger("poll"), ErrStopping)
	assert.ErrorIs(t, c.Exclusive(context.Background(), "poll", func(ctx context.Context) error { return nil }), ErrStopping)
}

func TestCoordinator_ExclusiveSharesGuard(t *testing.T) {
	c := New()
	var runs atomic.Int32
	require.NoError(t, c.Schedule("poll", "@every 1h", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.Exclusive(context.Background(), "poll", func(ctx context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	ran, err := c.RunNow("poll")
	require.NoError(t, err)
	assert.False(t, ran, "scheduled run waits out the exclusive section")
	assert.ErrorIs(t, c.Exclusive(context.Background(), "poll", func(ctx context.Context) error { return nil }), ErrJobBusy)

	close(release)
	require.NoError(t, <-done)

	ran, err = c.RunNow("poll")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.EqualValues(t, 1, runs.Load())
}
