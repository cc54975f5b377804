package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicedata/sluice/pkg/apperrors"
)

func fastConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDoStopsOnFirstSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return fmt.Errorf("attempt %d failed", calls)
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls) // initial try plus MaxRetries
	assert.Contains(t, err.Error(), "attempt 4")
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := &Config{
		MaxRetries:   5,
		InitialDelay: time.Hour, // only cancellation can end the wait
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
	}

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, cfg, func() error {
		calls++
		return errors.New("timeout")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoWithResultReturnsValue(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(), func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("i/o timeout")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, calls)
}

func TestDoWithResultNilConfigUsesDefaults(t *testing.T) {
	got, err := DoWithResult(context.Background(), nil, func() (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestDoIfRetryableStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := DoIfRetryable(context.Background(), fastConfig(), func() error {
		calls++
		return fmt.Errorf("job parameters: %w", apperrors.ErrInvalidConfig)
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
	assert.Equal(t, 1, calls)
}

func TestDoIfRetryableRetriesTransientError(t *testing.T) {
	calls := 0
	err := DoIfRetryable(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 2 {
			return fmt.Errorf("source gone: %w", apperrors.ErrUnavailable)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

type flakyErr struct{ retryable bool }

func (e *flakyErr) Error() string     { return "flaky" }
func (e *flakyErr) IsRetryable() bool { return e.retryable }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable sentinel", fmt.Errorf("x: %w", apperrors.ErrUnavailable), true},
		{"deadlock sentinel", apperrors.ErrDeadlock, true},
		{"not found sentinel", fmt.Errorf("x: %w", apperrors.ErrNotFound), false},
		{"invalid config sentinel", apperrors.ErrInvalidConfig, false},
		{"injection sentinel", apperrors.ErrInjectionDetected, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"http 503", errors.New("api returned status 503"), true},
		{"rate limited", errors.New("Rate Limit hit, slow down"), true},
		{"serialization failure", errors.New("could not serialize access: serialization failure"), true},
		{"self-declared retryable", &flakyErr{retryable: true}, true},
		{"self-declared permanent", &flakyErr{retryable: false}, false},
		{"plain error", errors.New("syntax error at or near SELECT"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
