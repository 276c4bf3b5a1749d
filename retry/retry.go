// Package retry runs operations again when they fail with a transient error.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 100 * time.Millisecond
	DefaultMaxDelay    = 2 * time.Second
)

// Policy describes the attempts of one operation. The pause after a failed attempt starts at BaseDelay and doubles
// per attempt up to MaxDelay; a MaxDelay of zero leaves it uncapped.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// Classifier reports whether an error is worth another attempt.
type Classifier func(error) bool

// Always treats every error as transient. Used for external calls that carry no error classes.
func Always(error) bool { return true }

// Executor retries an operation while the Classifier reports its error as transient. Permanent errors are returned
// unchanged after the first attempt. When all attempts fail, the returned error wraps both the exhaustion class and
// the last cause.
type Executor struct {
	policy    Policy
	retryable Classifier
	exhausted error
	logger    hclog.Logger
	// nil uses the backoff package's real timer
	timer backoff.Timer
}

func New(policy Policy, retryable Classifier, exhausted error, logger hclog.Logger) *Executor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if retryable == nil {
		retryable = Always
	}
	return &Executor{
		policy:    policy.normalized(),
		retryable: retryable,
		exhausted: exhausted,
		logger:    logger,
	}
}

func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs fn until it succeeds, fails permanently, the attempts are used up or ctx is done.
func (e *Executor) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	attempt := 0
	permanent := false
	var last error
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !e.retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		e.logger.Debug("transient failure, retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)
	}

	err := backoff.RetryNotifyWithTimer(operation, e.policy.backOff(ctx), notify, e.timer)
	switch {
	case err == nil:
		return nil
	case permanent:
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w (last error: %v)", op, ctx.Err(), last)
	}
	e.logger.Error("retries exhausted", "op", op, "attempts", attempt, "error", err)
	if e.exhausted == nil {
		return fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %w", e.exhausted, op, attempt, err)
}
