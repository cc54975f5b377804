// Package retry runs operations with exponential backoff. Source databases
// and remote APIs drop connections under load; the engine retries the
// transient failures and surfaces the permanent ones untouched.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/sluicedata/sluice/pkg/apperrors"
)

// Config controls the backoff schedule.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// JitterFactor spreads delays by +/- the given fraction so workers
	// hammered by the same outage do not reconnect in lockstep.
	JitterFactor float64
}

// DefaultConfig suits source dials and catalog calls: three retries from
// 100ms, doubling, capped at 5s.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// next returns the delay to sleep before the following attempt.
func (c *Config) next(delay time.Duration) time.Duration {
	d := time.Duration(float64(delay) * c.Multiplier)
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

func (c *Config) jittered(delay time.Duration) time.Duration {
	if c.JitterFactor <= 0 {
		return delay
	}
	spread := float64(delay) * c.JitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + spread)
}

// wait sleeps for the jittered delay or returns early when ctx ends.
func wait(ctx context.Context, cfg *Config, delay time.Duration) error {
	timer := time.NewTimer(cfg.jittered(delay))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn until it succeeds or the attempts are spent, backing off
// between attempts. Every error is retried; use DoIfRetryable when
// permanent failures should return immediately.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var lastErr error
	delay := cfg.InitialDelay
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxRetries {
			break
		}
		if err := wait(ctx, cfg, delay); err != nil {
			return err
		}
		delay = cfg.next(delay)
	}
	return lastErr
}

// DoWithResult is Do for operations that return a value, such as opening a
// pool or dialing a source.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var result T
	var lastErr error
	delay := cfg.InitialDelay
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}
		if attempt == cfg.MaxRetries {
			break
		}
		if err := wait(ctx, cfg, delay); err != nil {
			return result, err
		}
		delay = cfg.next(delay)
	}
	return result, lastErr
}

// DoIfRetryable retries only transient errors. Anything IsRetryable rejects
// comes back on the first attempt.
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var lastErr error
	delay := cfg.InitialDelay
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}
		if err := wait(ctx, cfg, delay); err != nil {
			return err
		}
		delay = cfg.next(delay)
	}
	return lastErr
}

// permanent are sentinel errors no amount of retrying will fix.
var permanent = []error{
	apperrors.ErrNotFound,
	apperrors.ErrInvalidConfig,
	apperrors.ErrUnknownEngine,
	apperrors.ErrUnknownTaskType,
	apperrors.ErrUnsupported,
	apperrors.ErrInjectionDetected,
	apperrors.ErrCycle,
}

// transientPatterns match driver and transport errors that carry no
// sentinel. Matching is on the lowercased message.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"i/o timeout",
	"timeout",
	"timed out",
	"temporary failure",
	"too many connections",
	"deadlock",
	"serialization failure",
	"lock not available",
	"lock wait timeout",
	"rate limit",
	"too many requests",
	"service unavailable",
	"429",
	"500",
	"502",
	"503",
	"504",
}

// IsRetryable reports whether err is worth another attempt. Sentinels
// decide first: ErrUnavailable and ErrDeadlock are transient, config and
// lookup errors are not. Unclassified errors fall back to message
// patterns.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, apperrors.ErrUnavailable) || errors.Is(err, apperrors.ErrDeadlock) {
		return true
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return false
		}
	}

	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
