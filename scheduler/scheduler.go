// Package scheduler drives the control loop that advances running jobs,
// launches queued ones, discovers tracker URLs, and samples node health.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexusai/nexus/artifact"
	"github.com/nexusai/nexus/gpu"
	"github.com/nexusai/nexus/health"
	"github.com/nexusai/nexus/job"
	"github.com/nexusai/nexus/notify"
	"github.com/nexusai/nexus/wandb"
)

// stopTimeout bounds how long Stop waits for an in-flight tick.
const stopTimeout = 30 * time.Second

// Broadcaster pushes job lifecycle events to connected clients. Declared
// here so the scheduler does not depend on the server package.
type Broadcaster interface {
	BroadcastJobUpdate(j job.Job)
}

// Config carries the scheduler's tunables.
type Config struct {
	Interval          time.Duration // tick spacing
	WandbSearchWindow time.Duration // how long after start to keep probing for a run URL
}

// Scheduler wakes every interval and runs four independent tasks
// concurrently: advance running jobs, start one queued job, discover
// W&B URLs, and probe system health. Each tick completes before the
// next begins.
type Scheduler struct {
	jobs        *job.Store
	artifacts   *artifact.Store
	engine      *job.Engine
	probe       gpu.Probe
	blacklist   *gpu.BlacklistStore
	notifier    notify.Notifier
	finder      *wandb.Finder
	checker     *health.Checker
	broadcaster Broadcaster
	logger      *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu       sync.Mutex
	interval time.Duration
	window   time.Duration
}

// New creates a scheduler. broadcaster may be nil.
func New(
	jobs *job.Store,
	artifacts *artifact.Store,
	engine *job.Engine,
	probe gpu.Probe,
	blacklist *gpu.BlacklistStore,
	notifier notify.Notifier,
	finder *wandb.Finder,
	checker *health.Checker,
	broadcaster Broadcaster,
	cfg Config,
	logger *zap.SugaredLogger,
) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:        jobs,
		artifacts:   artifacts,
		engine:      engine,
		probe:       probe,
		blacklist:   blacklist,
		notifier:    notifier,
		finder:      finder,
		checker:     checker,
		broadcaster: broadcaster,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		wake:        make(chan struct{}, 1),
		interval:    cfg.Interval,
		window:      cfg.WandbSearchWindow,
	}
}

// Start begins the tick loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Scheduler started", "interval", s.Interval())
}

// Stop cancels the loop and waits for the in-flight tick.
func (s *Scheduler) Stop() {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infow("Scheduler stopped")
	case <-time.After(stopTimeout):
		s.logger.Warnw("Scheduler stop timed out with a tick still in flight")
	}
}

// Wake forces an immediate tick. Non-blocking; a wake during a tick
// coalesces into one extra tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Interval returns the current tick spacing.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// SetInterval changes the tick spacing; the loop picks it up on the
// next tick. Used by config hot-reload.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
	s.Wake()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		timer := time.NewTimer(s.Interval())
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}

		s.tick()
	}
}

// tick runs the four tasks concurrently and joins them. A panic in one
// task is recovered and logged; the loop never wedges on a bad job.
func (s *Scheduler) tick() {
	tasks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"advance_running", s.advanceRunning},
		{"start_queued", s.startQueued},
		{"discover_wandb", s.discoverWandbURLs},
		{"probe_health", s.probeHealth},
	}

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(name string, fn func(context.Context) error) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Errorw("Scheduler task panicked",
						"task", name, "panic", r, "stack", string(debug.Stack()))
				}
			}()
			if err := fn(s.ctx); err != nil {
				s.logger.Warnw("Scheduler task error", "task", name, "error", err)
			}
		}(t.name, t.fn)
	}
	wg.Wait()
}

func (s *Scheduler) broadcast(j job.Job) {
	if s.broadcaster != nil {
		s.broadcaster.BroadcastJobUpdate(j)
	}
}
