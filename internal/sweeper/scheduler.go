// Package sweeper runs the quota cleanup sweep on a cron schedule.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/mediaquota/internal/metrics"
	"github.com/MarkoPoloResearchLab/mediaquota/internal/sweeplock"
	"github.com/MarkoPoloResearchLab/mediaquota/pkg/quota"
	"github.com/mileusna/crontab"
	"go.uber.org/zap"
)

// DefaultInterval is the pause between scheduled sweeps.
const DefaultInterval = 10 * time.Minute

// ErrLockHeld is returned by RunOnce when another instance holds the sweep lease.
var ErrLockHeld = errors.New("sweep lock held by another instance")

// Sweeper is the slice of *quota.Sweeper the scheduler needs.
type Sweeper interface {
	Sweep(ctx context.Context) (quota.SweepResult, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides DefaultInterval.
func WithInterval(interval time.Duration) Option {
	return func(scheduler *Scheduler) {
		scheduler.interval = interval
	}
}

// WithLocker makes every run acquire a lease first. The lease lives for one interval.
func WithLocker(locker sweeplock.Locker) Option {
	return func(scheduler *Scheduler) {
		scheduler.locker = locker
	}
}

// WithMetrics records sweep outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(scheduler *Scheduler) {
		scheduler.metrics = m
	}
}

// WithLogger sets the zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(scheduler *Scheduler) {
		if logger != nil {
			scheduler.logger = logger
		}
	}
}

// Scheduler triggers sweeps.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	schedule string
	locker   sweeplock.Locker
	metrics  *metrics.Metrics
	logger   *zap.Logger
	running  sync.Mutex
}

// New validates options and returns a Scheduler.
func New(sweeper Sweeper, options ...Option) (*Scheduler, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("%w: sweeper dependency is nil", quota.ErrInvalidServiceConfig)
	}
	scheduler := &Scheduler{
		sweeper:  sweeper,
		interval: DefaultInterval,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(scheduler)
		}
	}
	schedule, err := CronSchedule(scheduler.interval)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", quota.ErrInvalidServiceConfig, err)
	}
	scheduler.schedule = schedule
	return scheduler, nil
}

// CronSchedule turns an interval into a crontab expression. Intervals must be
// whole minutes below an hour, or whole hours dividing a day.
func CronSchedule(interval time.Duration) (string, error) {
	switch {
	case interval <= 0:
		return "", errors.New("sweep interval must be positive")
	case interval%time.Minute != 0:
		return "", fmt.Errorf("sweep interval %s is not a whole number of minutes", interval)
	case interval < time.Hour:
		return fmt.Sprintf("*/%d * * * *", int(interval/time.Minute)), nil
	case interval%time.Hour == 0 && interval <= 24*time.Hour && (24*time.Hour)%interval == 0:
		hours := int(interval / time.Hour)
		if hours == 24 {
			return "0 0 * * *", nil
		}
		return fmt.Sprintf("0 */%d * * *", hours), nil
	default:
		return "", fmt.Errorf("sweep interval %s must be under an hour or divide a day in whole hours", interval)
	}
}

// Schedule returns the crontab expression the scheduler runs on.
func (scheduler *Scheduler) Schedule() string {
	return scheduler.schedule
}

// Run sweeps immediately and then on every crontab match until ctx is done.
func (scheduler *Scheduler) Run(ctx context.Context) error {
	ctab := crontab.New()
	defer ctab.Shutdown()
	if err := ctab.AddJob(scheduler.schedule, func() { scheduler.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep job: %w", err)
	}

	scheduler.logger.Info("sweep scheduler started", zap.String("schedule", scheduler.schedule))
	scheduler.tick(ctx)
	<-ctx.Done()
	scheduler.logger.Info("sweep scheduler stopped")
	return nil
}

// tick runs one scheduled sweep and drops the run if the previous one is still going.
func (scheduler *Scheduler) tick(ctx context.Context) bool {
	if ctx.Err() != nil || !scheduler.running.TryLock() {
		return false
	}
	defer scheduler.running.Unlock()
	if _, err := scheduler.RunOnce(ctx); err != nil && !errors.Is(err, ErrLockHeld) && ctx.Err() == nil {
		scheduler.logger.Error("scheduled sweep failed", zap.Error(err))
	}
	return true
}

// RunOnce performs a single sweep, holding the lease if a locker is configured.
func (scheduler *Scheduler) RunOnce(ctx context.Context) (quota.SweepResult, error) {
	if scheduler.locker != nil {
		lease, acquired, err := scheduler.locker.Acquire(ctx, scheduler.interval)
		if err != nil {
			return quota.SweepResult{}, err
		}
		if !acquired {
			scheduler.metrics.IncSweepSkipped()
			scheduler.logger.Debug("sweep skipped, lease held elsewhere")
			return quota.SweepResult{}, ErrLockHeld
		}
		defer func() {
			if releaseErr := lease.Release(context.WithoutCancel(ctx)); releaseErr != nil {
				scheduler.logger.Warn("sweep lease release failed", zap.Error(releaseErr))
			}
		}()
	}

	started := time.Now()
	result, err := scheduler.sweeper.Sweep(ctx)
	duration := time.Since(started)
	scheduler.metrics.ObserveSweep(result, err, duration)

	fields := []zap.Field{
		zap.Int64("cutoff_unix_utc", result.CutoffUnixUTC),
		zap.Int("examined", result.Examined),
		zap.Int("reclaimed", result.Reclaimed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", duration),
	}
	if result.LastError != nil {
		fields = append(fields, zap.NamedError("last_error", result.LastError))
	}
	if err != nil {
		scheduler.logger.Error("sweep aborted", append(fields, zap.Error(err))...)
		return result, err
	}
	if result.Failed > 0 {
		scheduler.logger.Warn("sweep completed with failures", fields...)
		return result, nil
	}
	scheduler.logger.Info("sweep completed", fields...)
	return result, nil
}
