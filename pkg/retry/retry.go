// Package retry runs remote operations with exponential backoff.
package retry

import (
	"context"
	stderr "errors"
	"math"
	"math/rand"
	"time"

	"github.com/facebookgo/clock"

	"github.com/objectfs/iosched/pkg/errors"
)

// Config controls how often and how patiently an operation is retried.
type Config struct {
	// MaxAttempts counts the first attempt
	MaxAttempts int `yaml:"max_attempts"`

	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`

	// Jitter spreads each delay by up to 20% either way
	Jitter bool `yaml:"jitter"`

	// RetryableErrors lists codes retried even when the error is not flagged
	// retryable
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors"`

	// OnRetry runs before each wait
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-"`

	Clock clock.Clock `yaml:"-"`
}

// DefaultConfig returns the settings used for pattern store transfers.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeRemoteUnavailable,
			errors.ErrCodeOperationTimeout,
		},
	}
}

// Retryer retries operations according to a Config.
type Retryer struct {
	config Config
}

// New fills unset fields of config with defaults and returns a Retryer.
func New(config Config) *Retryer {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = maxDuration(def.MaxDelay, config.InitialDelay)
	}
	if config.Multiplier < 1 {
		config.Multiplier = def.Multiplier
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	return &Retryer{config: config}
}

// Attempts returns the configured attempt budget.
func (r *Retryer) Attempts() int { return r.config.MaxAttempts }

// Do calls fn until it succeeds, fails with an error that is not retryable,
// exhausts the attempt budget or ctx ends. op names the operation in the
// returned error. A spent budget is reported as RETRY_EXHAUSTED wrapping the
// last failure; a cancelled wait as OPERATION_TIMEOUT wrapping ctx.Err().
func (r *Retryer) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return r.interrupted(op, attempt-1, err, last)
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !r.retryable(err) {
			return err
		}
		if attempt >= r.config.MaxAttempts {
			return errors.Newf(errors.ErrCodeRetryExhausted, "%s failed after %d attempts", op, attempt).
				WithOperation(op).
				WithDetail("attempts", attempt).
				WithCause(last)
		}

		delay := r.backoff(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}
		t := r.config.Clock.Timer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return r.interrupted(op, attempt, ctx.Err(), last)
		case <-t.C:
		}
	}
}

func (r *Retryer) interrupted(op string, attempts int, ctxErr, last error) error {
	e := errors.Newf(errors.ErrCodeOperationTimeout, "%s interrupted after %d attempts", op, attempts).
		WithOperation(op).
		WithCause(ctxErr)
	if last != nil {
		e = e.WithDetail("last_error", last.Error())
	}
	e.Retryable = false
	return e
}

func (r *Retryer) retryable(err error) bool {
	var se *errors.SchedError
	if !stderr.As(err, &se) {
		return false
	}
	if se.Retryable {
		return true
	}
	for _, code := range r.config.RetryableErrors {
		if se.Code == code {
			return true
		}
	}
	return false
}

// backoff is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (r *Retryer) backoff(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	d = math.Min(d, float64(r.config.MaxDelay))
	if r.config.Jitter {
		d *= 1 + 0.2*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
