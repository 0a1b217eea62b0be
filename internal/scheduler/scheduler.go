// Package scheduler decides, from the wall clock and the weekly schedule,
// when to clock in and out. It owns the per-day completion flags.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoattend/internal/config"
	"github.com/xkilldash9x/autoattend/internal/portal"
)

const dateLayout = "2006-01-02"

// Fallback pauses used when the schedule leaves them unset.
const (
	defaultPollInterval  = 10 * time.Minute
	defaultIdleInterval  = time.Hour
	defaultRetryInterval = 30 * time.Second
)

// Puncher performs one login and record submission.
type Puncher interface {
	Punch(ctx context.Context, action portal.Action) bool
}

// ScheduleSource yields the schedule to apply for one iteration.
type ScheduleSource interface {
	Schedule() (config.ScheduleConfig, error)
}

// Cycle holds one calendar day's completion flags.
type Cycle struct {
	Date     string
	Attended bool
	Left     bool
}

// Scheduler is the long-lived punch loop.
type Scheduler struct {
	source  ScheduleSource
	puncher Puncher
	clock   Clock
	rng     *rand.Rand
	logger  *zap.Logger

	stopped atomic.Bool

	mu    sync.Mutex
	cycle Cycle
	poll  time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithRand replaces the delay random source.
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = r }
}

// New returns a Scheduler.
func New(source ScheduleSource, puncher Puncher, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		source:  source,
		puncher: puncher,
		clock:   RealClock(),
		rng:     newRand(),
		logger:  logger,
		poll:    defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stop asks the loop to exit at the start of its next iteration.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
}

// Cycle returns a copy of the current day's flags.
func (s *Scheduler) Cycle() Cycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

// Run loops until Stop is called or ctx is done. Iteration failures are
// logged and the loop carries on after a poll interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started")
	defer s.logger.Info("Scheduler stopped")

	for {
		if s.stopped.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.safeStep(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errStopped) {
			return nil
		}
		s.logger.Error("Scheduler iteration failed", zap.Error(err))
		if err := s.clock.Sleep(ctx, s.pollInterval()); err != nil {
			return err
		}
	}
}

func (s *Scheduler) safeStep(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in scheduler iteration: %v", r)
			s.logger.Error("Recovered from panic",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
		}
	}()
	return s.step(ctx)
}

// step runs one iteration: reload, roll the day over, then punch or sleep.
func (s *Scheduler) step(ctx context.Context) error {
	cfg, err := s.source.Schedule()
	if err != nil {
		return fmt.Errorf("reload schedule: %w", err)
	}
	s.setPoll(cfg.PollInterval)

	now := s.clock.Now()
	cycle := s.rollover(now)

	if !cfg.IsActive(now.Weekday()) {
		s.logger.Debug("Day disabled, idling", zap.Stringer("weekday", now.Weekday()))
		s.update(func(c *Cycle) {
			c.Attended = false
			c.Left = false
		})
		return s.clock.Sleep(ctx, orDefault(cfg.IdleInterval, defaultIdleInterval))
	}

	switch hour := now.Hour(); {
	case hour == cfg.BeginHour && !cycle.Attended:
		if err := s.window(ctx, cfg, portal.ActionIn); err != nil {
			return err
		}
		s.update(func(c *Cycle) {
			c.Attended = true
			c.Left = false
		})
	case hour == cfg.EndHour && !cycle.Left:
		if err := s.window(ctx, cfg, portal.ActionOut); err != nil {
			return err
		}
		s.update(func(c *Cycle) {
			c.Left = true
			c.Attended = false
		})
	default:
		return s.clock.Sleep(ctx, s.pollInterval())
	}
	return nil
}

// window waits the randomized delay, then punches until it succeeds.
func (s *Scheduler) window(ctx context.Context, cfg config.ScheduleConfig, action portal.Action) error {
	delay := Delay(cfg.DelaySpan, s.rng)
	s.logger.Info("Punch window opened",
		zap.String("action", string(action)),
		zap.Duration("delay", delay),
	)
	if err := s.clock.Sleep(ctx, delay); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		if s.stopped.Load() {
			return errStopped
		}
		if s.puncher.Punch(ctx, action) {
			s.logger.Info("Punch succeeded", zap.String("action", string(action)), zap.Int("attempts", attempt))
			return nil
		}
		s.logger.Warn("Punch failed, retrying", zap.String("action", string(action)), zap.Int("attempt", attempt))
		if err := s.clock.Sleep(ctx, orDefault(cfg.RetryInterval, defaultRetryInterval)); err != nil {
			return err
		}
	}
}

var errStopped = errors.New("scheduler stopped")

func (s *Scheduler) rollover(now time.Time) Cycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if date := now.Format(dateLayout); s.cycle.Date != date {
		s.cycle = Cycle{Date: date}
	}
	return s.cycle
}

func (s *Scheduler) update(fn func(*Cycle)) {
	s.mu.Lock()
	fn(&s.cycle)
	s.mu.Unlock()
}

func (s *Scheduler) setPoll(d time.Duration) {
	s.mu.Lock()
	s.poll = orDefault(d, defaultPollInterval)
	s.mu.Unlock()
}

func (s *Scheduler) pollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poll
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
