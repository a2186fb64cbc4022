package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// JobFunc runs one collection for a region. Implementations own their error
// handling; a returned error only marks the run as failed.
type JobFunc func(ctx context.Context, region string) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

// State tracks where a region sits in its collection cycle.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// Scheduler drives periodic, per-region collection jobs. Every region gets
// an immediate first run at startup, then one run per fixed interval. Jobs
// for different regions run concurrently; within a region a run still in
// flight at the next tick is skipped rather than overlapped. One region's
// failure never delays another region or the tick loop.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	states map[string]State
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		states: make(map[string]State),
	}
}

// RegionState reports the current state for a region.
func (s *Scheduler) RegionState(region string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[region]
}

// Run blocks, dispatching jobs until ctx is cancelled. In-flight jobs are
// waited for before returning.
func (s *Scheduler) Run(ctx context.Context, regions []string, job JobFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleepCtx(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	s.logger.Info().Strs("regions", regions).Dur("interval", s.opts.Interval).Msg("starting collection loop")
	s.dispatch(ctx, regions, job, &wg)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.dispatch(ctx, regions, job, &wg)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, regions []string, job JobFunc, wg *sync.WaitGroup) {
	for _, region := range regions {
		if !s.tryStart(region) {
			s.logger.Warn().Str("region", region).Msg("previous run still in flight, skipping tick")
			continue
		}

		wg.Add(1)
		go func(region string) {
			defer wg.Done()
			defer s.finish(region)
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Str("region", region).Interface("panic", r).Msg("collection job panicked")
				}
			}()

			started := time.Now()
			if err := job(ctx, region); err != nil {
				s.logger.Debug().Str("region", region).Dur("elapsed", time.Since(started)).Msg("collection run failed")
				return
			}
			s.logger.Debug().Str("region", region).Dur("elapsed", time.Since(started)).Msg("collection run succeeded")
		}(region)
	}
}

func (s *Scheduler) tryStart(region string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[region] == StateRunning {
		return false
	}
	s.states[region] = StateRunning
	return true
}

func (s *Scheduler) finish(region string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[region] = StateIdle
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
