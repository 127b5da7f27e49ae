package xrelay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trickstertwo/xlog"
)

const (
	defaultTxAttempts   = 3
	defaultTxBackoffCap = 10 * time.Second
)

// TxConfig controls TxRunner retry behavior.
type TxConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the wait after a failed attempt (1-based).
	Backoff func(attempt int) time.Duration
	// RetryIf reports whether an error should be retried. Defaults to IsTransient.
	RetryIf func(err error) bool
}

// DefaultTxBackoff waits min(1s * 2^attempt, 10s).
func DefaultTxBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 4 {
		return defaultTxBackoffCap
	}
	d := time.Second << uint(attempt)
	if d > defaultTxBackoffCap {
		return defaultTxBackoffCap
	}
	return d
}

// TxRunner runs units of work inside store transactions with bounded retries.
type TxRunner struct {
	sessions SessionStarter
	cfg      TxConfig
	logger   *xlog.Logger
}

// NewTxRunner returns a runner with defaults filled in for zero config fields.
func NewTxRunner(sessions SessionStarter, cfg TxConfig, logger *xlog.Logger) *TxRunner {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = defaultTxAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultTxBackoff
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = IsTransient
	}
	if logger == nil {
		logger = xlog.Default()
	}
	return &TxRunner{sessions: sessions, cfg: cfg, logger: logger}
}

// MaxAttempts returns the configured attempt bound.
func (r *TxRunner) MaxAttempts() int { return r.cfg.MaxAttempts }

// RunTx executes fn inside a transaction on one session, retrying transient
// failures. fn receives a context bound to the session; store calls made with
// it join the transaction. Effects become visible only after commit.
func RunTx[T any](ctx context.Context, r *TxRunner, fn func(ctx context.Context, s Session) (T, error)) (T, error) {
	var zero T

	sess, err := r.sessions.StartSession(ctx)
	if err != nil {
		return zero, &TxFailedError{Attempts: 0, Err: err}
	}
	defer sess.End(context.WithoutCancel(ctx))

	var lastErr error
	attempts := r.cfg.MaxAttempts
	made := 0
	for i := 1; i <= attempts; i++ {
		made = i
		result, err := runAttempt(ctx, r, sess, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if i == attempts {
			break
		}
		if ctx.Err() != nil {
			lastErr = errors.Join(lastErr, ctx.Err())
			break
		}
		if !r.cfg.RetryIf(err) {
			r.logger.Debug().Err(err).Msg("xrelay: permanent transaction error, not retrying")
			break
		}

		wait := r.cfg.Backoff(i)
		r.logger.Warn().
			Err(err).
			Dur("backoff", wait).
			Msg("xrelay: transient transaction error, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &TxFailedError{Attempts: made, Err: errors.Join(lastErr, ctx.Err())}
		case <-timer.C:
		}
	}
	return zero, &TxFailedError{Attempts: made, Err: lastErr}
}

// runAttempt runs one begin/fn/commit cycle and aborts on any failure after begin.
func runAttempt[T any](ctx context.Context, r *TxRunner, sess Session, fn func(ctx context.Context, s Session) (T, error)) (T, error) {
	var zero T
	if err := sess.Begin(ctx); err != nil {
		return zero, err
	}

	result, err := runUnit(sess.Context(ctx), sess, fn)
	if err == nil {
		err = sess.Commit(ctx)
	}
	if err != nil {
		if abortErr := sess.Abort(context.WithoutCancel(ctx)); abortErr != nil {
			r.logger.Warn().Err(abortErr).Msg("xrelay: transaction abort failed")
		}
		return zero, err
	}
	return result, nil
}

// runUnit converts a panic inside the unit of work into an error so the
// transaction is still aborted.
func runUnit[T any](ctx context.Context, sess Session, fn func(ctx context.Context, s Session) (T, error)) (result T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("xrelay: unit of work panicked: %v", rec)
		}
	}()
	return fn(ctx, sess)
}
