package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultStaleAfter is how long an upload may stay pending before it is reclaimed.
	DefaultStaleAfter = 2 * time.Hour
	// DefaultSweepBatchSize bounds each ListStaleUploads page.
	DefaultSweepBatchSize = 100
)

// SweepResult summarizes a single sweep.
type SweepResult struct {
	CutoffUnixUTC int64
	Examined      int
	Reclaimed     int
	Skipped       int
	Failed        int
	LastError     error
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(staleAfter time.Duration) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.staleAfter = staleAfter
	}
}

// WithSweepBatchSize overrides DefaultSweepBatchSize.
func WithSweepBatchSize(batchSize int) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.batchSize = batchSize
	}
}

// Sweeper reclaims reservations held by uploads that never reached a terminal
// state. Reclamation goes through Service.Fail so the ledger and status
// transitions match a client-reported failure.
type Sweeper struct {
	service    *Service
	staleAfter time.Duration
	batchSize  int
}

// NewSweeper wires a Sweeper over service.
func NewSweeper(service *Service, options ...SweeperOption) (*Sweeper, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	sweeper := &Sweeper{
		service:    service,
		staleAfter: DefaultStaleAfter,
		batchSize:  DefaultSweepBatchSize,
	}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	if sweeper.staleAfter < time.Second {
		return nil, fmt.Errorf("%w: stale threshold must be at least one second", ErrInvalidServiceConfig)
	}
	if sweeper.batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive", ErrInvalidServiceConfig)
	}
	return sweeper, nil
}

// StaleAfter returns the configured staleness threshold.
func (sweeper *Sweeper) StaleAfter() time.Duration {
	return sweeper.staleAfter
}

// Sweep fails every pending upload older than the threshold with reason
// "timeout". Uploads that reached a terminal state concurrently are skipped.
// Pages advance on a (created, upload id) cursor, so uploads that keep
// failing are counted once per sweep and never hide the ones behind them.
// They are retried on the next sweep.
func (sweeper *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	result := SweepResult{
		CutoffUnixUTC: sweeper.service.nowFn() - int64(sweeper.staleAfter/time.Second),
	}
	var after UploadCursor
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		uploads, err := sweeper.service.store.ListStaleUploads(ctx, result.CutoffUnixUTC, after, sweeper.batchSize)
		if err != nil {
			return result, WrapError(operationSweep, "uploads", "list", err)
		}
		for _, upload := range uploads {
			result.Examined++
			sweeper.reclaim(ctx, upload, &result)
		}
		if len(uploads) < sweeper.batchSize {
			return result, nil
		}
		after = UploadCursorAt(uploads[len(uploads)-1])
	}
}

func (sweeper *Sweeper) reclaim(ctx context.Context, upload Upload, result *SweepResult) {
	_, replayed, err := sweeper.service.fail(ctx, upload.UserID, upload.UploadID, ReasonTimeout)
	switch {
	case err == nil && !replayed:
		result.Reclaimed++
	case err == nil, errors.Is(err, ErrUploadAlreadyComplete), errors.Is(err, ErrUploadNotFound):
		result.Skipped++
	default:
		result.Failed++
		result.LastError = err
	}
}
