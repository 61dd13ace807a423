package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Tick describes one scheduled or manually requested run.
type Tick struct {
	At     time.Time
	Manual bool
}

// TickFunc is invoked for every tick. Ticks never overlap.
type TickFunc func(ctx context.Context, tick Tick) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunOnStart fires one tick as soon as the startup delay has passed.
	RunOnStart bool
}

// Scheduler drives interval execution of polling cycles plus on-demand runs.
type Scheduler struct {
	opts    Options
	logger  zerolog.Logger
	manual  chan struct{}
	nowFunc func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:    opts,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		manual:  make(chan struct{}, 1),
		nowFunc: time.Now,
	}
}

// Trigger requests an immediate run. Requests arriving while one is already
// pending are coalesced into it; the return value reports whether this call queued a new run.
func (s *Scheduler) Trigger() bool {
	select {
	case s.manual <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run blocks, invoking tick at each interval and on manual triggers until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunOnStart {
		s.execute(ctx, tick, Tick{At: s.nowFunc().UTC()})
	}

	next := s.nextTick(s.nowFunc().UTC())
	for {
		delay := next.Sub(s.nowFunc())
		if delay < 0 {
			next = s.nextTick(s.nowFunc().UTC())
			delay = next.Sub(s.nowFunc())
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_run", next).Msg("waiting for next run")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.manual:
			timer.Stop()
			s.execute(ctx, tick, Tick{At: s.nowFunc().UTC(), Manual: true})
			continue
		case <-timer.C:
		}

		s.execute(ctx, tick, Tick{At: s.bucketStart(next)})
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, tick TickFunc, t Tick) {
	if ctx.Err() != nil {
		return
	}
	s.logger.Info().Time("at", t.At).Bool("manual", t.Manual).Msg("executing tick")
	if err := tick(ctx, t); err != nil {
		s.logger.Error().Err(err).Time("at", t.At).Bool("manual", t.Manual).Msg("tick execution failed")
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
