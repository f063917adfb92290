// Package retryer runs operations repeatedly until they succeed, the
// context is cancelled or a deadline expires.
package retryer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/paritybot/cascade/internal/goorderr"
	"github.com/paritybot/cascade/internal/logfields"
)

// defTimeout bounds how long Run() retries a single operation before giving
// up. It must stay well below the webhook processing deadline so a stuck
// upstream dependency cannot wedge a PR's per-identity lock forever.
const defTimeout = 20 * time.Minute

// Retryer executes a function repeatedly until it succeeds, it returns an
// error that does not wrap goorderr.RetryableError, or the attempt is
// abandoned because a deadline passed or the process is shutting down.
type Retryer struct {
	logger       *zap.Logger
	shutdownChan chan struct{}

	defTimeout                 time.Duration
	backoffInitialInterval     time.Duration
	backoffMaxInterval         time.Duration
	backoffRandomizationFactor float64
}

func New() *Retryer {
	return &Retryer{
		logger:                     zap.L().Named("retryer"),
		shutdownChan:               make(chan struct{}),
		defTimeout:                 defTimeout,
		backoffInitialInterval:     time.Second,
		backoffMaxInterval:         30 * time.Second,
		backoffRandomizationFactor: backoff.DefaultRandomizationFactor,
	}
}

// Run executes fn until it succeeds, fails with a non-retryable error, or
// ctx is done. If ctx has no deadline, one is derived from defTimeout.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.defTimeout)
		defer cancel()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.Multiplier = 2
	bo.MaxInterval = r.backoffMaxInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor

	var tryCnt uint
	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-r.shutdownChan:
			r.logger.Info(
				"aborting retry loop, retryer is shutting down",
				logfields.Event("retry_aborted_shutdown"),
			)
			return errors.New("retry loop aborted, retryer is shutting down")

		case <-retryTimer.C:
			tryCnt++
			logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

			err := fn(ctx)
			if err == nil {
				logger.Debug(
					"action executed successfully",
					logfields.Event("action_executed_successfully"),
				)
				return nil
			}

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			var retryErr *goorderr.RetryableError
			if !errors.As(err, &retryErr) {
				logger.Debug(
					"action failed, error is not retryable",
					logfields.Event("action_failed"),
					zap.Error(err),
				)
				return err
			}

			deadline, _ := ctx.Deadline()
			if !retryErr.After.IsZero() && retryErr.After.After(deadline) {
				logger.Warn(
					"action failed, earliest possible retry is after the deadline",
					logfields.Event("action_retry_deadline_exceeded"),
					zap.Time("earliest_allowed_retry", retryErr.After),
					zap.Error(err),
				)
				return err
			}

			var retryIn time.Duration
			if retryErr.After.IsZero() {
				retryIn = bo.NextBackOff()
			} else {
				retryIn = time.Until(retryErr.After)
				if retryIn < 0 {
					retryIn = 0
				}
			}

			logger.Debug(
				"action failed, retry scheduled",
				logfields.Event("action_retry_scheduled"),
				zap.Duration("retry_in", retryIn),
				zap.Error(err),
			)
			retryTimer.Reset(retryIn)
		}
	}
}

// Stop notifies all Run() calls to abort. It does not wait for their
// termination.
func (r *Retryer) Stop() {
	select {
	case <-r.shutdownChan:
		return
	default:
		close(r.shutdownChan)
	}
}
