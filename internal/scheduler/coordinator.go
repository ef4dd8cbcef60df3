// Package scheduler runs the periodic jobs (polling, alert dispatch, history cleanup)
// on a cron timer with one running instance per job id.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ipmon/ipmon/internal/logger"
	"github.com/ipmon/ipmon/internal/metrics"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobBusy     = errors.New("job is already running")
	ErrStopping    = errors.New("scheduler is stopping")
)

// JobFunc is the body of a scheduled job. The context is cancelled on shutdown.
type JobFunc func(ctx context.Context) error

// Locker grants a lease on a job across replicas. release is only called when ok is true.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// JobInfo describes a registered job.
type JobInfo struct {
	ID        string     `json:"id"`
	Spec      string     `json:"spec"`
	Next      *time.Time `json:"next_run,omitempty"`
	Prev      *time.Time `json:"prev_run,omitempty"`
	Running   bool       `json:"running"`
	LastError string     `json:"last_error,omitempty"`
	Duration  string     `json:"last_duration,omitempty"`
}

type job struct {
	id      string
	spec    string
	fn      JobFunc
	entryID cron.EntryID

	lastErr      string
	lastDuration time.Duration
}

// Coordinator owns the cron timer and the job registry. Registry changes happen under one
// lock; the running flag of a job id outlives rescheduling so a reconfigured job cannot
// overlap a run started under its previous schedule.
type Coordinator struct {
	cron *cron.Cron

	mu     sync.Mutex
	jobs   map[string]*job
	guards map[string]*atomic.Bool

	locker  Locker
	lockTTL time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	stopping atomic.Bool
}

type Option func(*Coordinator)

// WithLocker makes every run also acquire a lease from l, held for at most ttl.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.locker = l
		c.lockTTL = ttl
	}
}

func New(opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cron:    cron.New(cron.WithLogger(cron.PrintfLogger(logger.Log()))),
		jobs:    make(map[string]*job),
		guards:  make(map[string]*atomic.Bool),
		lockTTL: 10 * time.Minute,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Schedule registers fn under id, replacing any previous registration of id. An invalid
// spec is rejected and leaves the existing registration in place.
func (c *Coordinator) Schedule(id, spec string, fn JobFunc) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.jobs[id]; ok {
		c.cron.Remove(existing.entryID)
	}
	c.guardLocked(id)
	j := &job{id: id, spec: spec, fn: fn}
	j.entryID = c.cron.Schedule(schedule, cron.FuncJob(func() { c.run(id) }))
	c.jobs[id] = j

	logger.WithJob(id).WithField("spec", spec).Info("job scheduled")
	return nil
}

// Remove unregisters id. Removing an unknown id is a no-op. A run already in progress
// finishes normally.
func (c *Coordinator) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if j, ok := c.jobs[id]; ok {
		c.cron.Remove(j.entryID)
		delete(c.jobs, id)
		logger.WithJob(id).Info("job removed")
	}
}

// guardLocked returns the single-instance flag of id, creating it. c.mu must be held.
func (c *Coordinator) guardLocked(id string) *atomic.Bool {
	g, ok := c.guards[id]
	if !ok {
		g = &atomic.Bool{}
		c.guards[id] = g
	}
	return g
}

// Trigger starts one run of id in the background, outside its schedule. It is refused
// once Stop has been called.
func (c *Coordinator) Trigger(id string) error {
	c.mu.Lock()
	if c.stopping.Load() {
		c.mu.Unlock()
		return ErrStopping
	}
	if _, ok := c.jobs[id]; !ok {
		c.mu.Unlock()
		return ErrJobNotFound
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		c.run(id)
	}()
	return nil
}

// RunNow runs id synchronously. ran is false when another run of id was in progress.
func (c *Coordinator) RunNow(id string) (ran bool, err error) {
	c.mu.Lock()
	_, ok := c.jobs[id]
	c.mu.Unlock()
	if !ok {
		return false, ErrJobNotFound
	}
	return c.run(id)
}

// Exclusive runs fn while holding the single-instance guard (and lease, when a locker is
// set) of id, so fn never overlaps a scheduled run of that job. It returns ErrJobBusy
// when a run of id is in progress.
func (c *Coordinator) Exclusive(ctx context.Context, id string, fn JobFunc) error {
	c.mu.Lock()
	if c.stopping.Load() {
		c.mu.Unlock()
		return ErrStopping
	}
	guard := c.guardLocked(id)
	c.mu.Unlock()

	if !guard.CompareAndSwap(false, true) {
		return ErrJobBusy
	}
	defer guard.Store(false)

	if c.locker != nil {
		release, ok, err := c.locker.TryLock(ctx, "job:"+id, c.lockTTL)
		if err != nil {
			return fmt.Errorf("acquire job lease: %w", err)
		}
		if !ok {
			return ErrJobBusy
		}
		defer release()
	}
	return fn(ctx)
}

// run executes one run of id unless one is already in progress.
func (c *Coordinator) run(id string) (ran bool, err error) {
	c.mu.Lock()
	j, ok := c.jobs[id]
	guard := c.guards[id]
	c.mu.Unlock()
	if !ok {
		return false, ErrJobNotFound
	}

	log := logger.WithJob(id)
	if !guard.CompareAndSwap(false, true) {
		metrics.ObserveJob(id, "skipped", 0)
		log.Warn("previous run still in progress, skipping")
		return false, nil
	}
	defer guard.Store(false)

	if c.locker != nil {
		release, ok, err := c.locker.TryLock(c.ctx, "job:"+id, c.lockTTL)
		if err != nil {
			metrics.ObserveJob(id, "error", 0)
			log.WithError(err).Error("failed to acquire job lease")
			return false, err
		}
		if !ok {
			metrics.ObserveJob(id, "skipped", 0)
			log.Debug("job lease held elsewhere, skipping")
			return false, nil
		}
		defer release()
	}

	start := time.Now()
	err = c.invoke(j)
	elapsed := time.Since(start)

	c.mu.Lock()
	j.lastDuration = elapsed
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	c.mu.Unlock()

	if err != nil {
		metrics.ObserveJob(id, "error", elapsed)
		log.WithError(err).WithField("elapsed", elapsed.String()).Error("job failed")
		return true, err
	}
	metrics.ObserveJob(id, "ok", elapsed)
	log.WithField("elapsed", elapsed.String()).Debug("job finished")
	return true, nil
}

// invoke calls the job body, turning a panic into an error.
func (c *Coordinator) invoke(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.id, r)
		}
	}()
	return j.fn(c.ctx)
}

// Start starts the timer. Calling it again is a no-op.
func (c *Coordinator) Start() {
	if c.started.CompareAndSwap(false, true) {
		c.cron.Start()
		logger.Log().Info("scheduler started")
	}
}

// StartWhenReady blocks until ready is closed, then starts the timer. It returns the
// context error if ctx ends first.
func (c *Coordinator) StartWhenReady(ctx context.Context, ready <-chan struct{}) error {
	select {
	case <-ready:
		c.Start()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops the timer and waits for running jobs. When ctx ends first the jobs'
// context is cancelled and Stop still waits for them to return.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopping.Store(true)
	c.mu.Unlock()

	cronDone := c.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		logger.Log().Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		logger.Log().Warn("scheduler stopped after interrupting running jobs")
		return ctx.Err()
	}
}

// Jobs lists the registered jobs ordered by id.
func (c *Coordinator) Jobs() []JobInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	infos := make([]JobInfo, 0, len(c.jobs))
	for id, j := range c.jobs {
		info := JobInfo{ID: id, Spec: j.spec, Running: c.guards[id].Load(), LastError: j.lastErr}
		if j.lastDuration > 0 {
			info.Duration = j.lastDuration.String()
		}
		entry := c.cron.Entry(j.entryID)
		if !entry.Next.IsZero() {
			next := entry.Next
			info.Next = &next
		}
		if !entry.Prev.IsZero() {
			prev := entry.Prev
			info.Prev = &prev
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, k int) bool { return infos[i].ID < infos[k].ID })
	return infos
}

// Spec returns the schedule of id.
func (c *Coordinator) Spec(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok {
		return "", false
	}
	return j.spec, true
}
