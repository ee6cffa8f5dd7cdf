package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maraver/planline/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"validation error", schema.NewError(schema.ErrCodeValidation, "bad plan"), false},
		{"limit violation", schema.NewError(schema.ErrCodeLimit, "out of range"), false},
		{"aborted", schema.NewError(schema.ErrCodeAborted, "operator abort"), false},
		{"breaker open", schema.NewError(schema.ErrCodeBreakerOpen, "open"), false},
		{"device error", schema.NewError(schema.ErrCodeDevice, "glitch"), true},
		{"timeout error", schema.NewError(schema.ErrCodeTimeout, "slow"), true},
		{"device busy", errors.New("device busy"), true},
		{"not ready", errors.New("controller not ready"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"plain error defaults retryable", errors.New("transient glitch"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryableError(tt.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  *schema.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"nil policy", nil, 0, 0},
		{"no delay", &schema.RetryPolicy{Max: 3}, 1, 0},
		{"constant", &schema.RetryPolicy{Max: 3, Backoff: "constant", Delay: "100ms"}, 5, 100 * time.Millisecond},
		{"linear first", &schema.RetryPolicy{Max: 3, Backoff: "linear", Delay: "100ms"}, 0, 100 * time.Millisecond},
		{"linear third", &schema.RetryPolicy{Max: 3, Backoff: "linear", Delay: "100ms"}, 2, 300 * time.Millisecond},
		{"exponential first", &schema.RetryPolicy{Max: 5, Backoff: "exponential", Delay: "100ms"}, 0, 100 * time.Millisecond},
		{"exponential third", &schema.RetryPolicy{Max: 5, Backoff: "exponential", Delay: "100ms"}, 3, 800 * time.Millisecond},
		{"max delay cap", &schema.RetryPolicy{Max: 10, Backoff: "exponential", Delay: "1s", MaxDelay: "2s"}, 5, 2 * time.Second},
		{"invalid delay", &schema.RetryPolicy{Max: 3, Delay: "nonsense"}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.policy, tt.attempt))
		})
	}
}

func TestWaitForBackoff_ZeroReturnsImmediately(t *testing.T) {
	start := time.Now()
	require.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitForBackoff_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
