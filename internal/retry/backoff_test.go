package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/digigami/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastPolicy(maxRetries int) *Policy {
	return &Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func transportErr() error {
	return types.NewError(types.ErrTransport, "connection reset").WithRetryable(true)
}

func TestRetryer_Success(t *testing.T) {
	r := NewRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := r.Do(context.Background(), func() error {
		callCount++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount)
}

func TestRetryer_RetryAndSuccess(t *testing.T) {
	r := NewRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	got, err := Do(context.Background(), r, func() (string, error) {
		callCount++
		if callCount < 3 {
			return "", transportErr()
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, callCount)
}

func TestRetryer_MaxRetriesExceeded(t *testing.T) {
	var retries []int
	policy := fastPolicy(2)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		retries = append(retries, attempt)
	}
	r := NewRetryer(policy, nil)

	callCount := 0
	err := r.Do(context.Background(), func() error {
		callCount++
		return transportErr()
	})

	require.Error(t, err)
	assert.Equal(t, 3, callCount)
	assert.Equal(t, []int{1, 2}, retries)
	assert.True(t, types.IsCode(err, types.ErrTransport), "last error keeps its code")
}

func TestRetryer_NonRetryableStopsImmediately(t *testing.T) {
	r := NewRetryer(fastPolicy(5), nil)

	callCount := 0
	err := r.Do(context.Background(), func() error {
		callCount++
		return types.NewError(types.ErrBackend, "status=500")
	})

	require.Error(t, err)
	assert.Equal(t, 1, callCount)
	assert.True(t, types.IsCode(err, types.ErrBackend))
}

func TestRetryer_CustomShouldRetry(t *testing.T) {
	sentinel := errors.New("flaky")
	policy := fastPolicy(1)
	policy.ShouldRetry = func(err error) bool { return errors.Is(err, sentinel) }
	r := NewRetryer(policy, nil)

	callCount := 0
	_ = r.Do(context.Background(), func() error {
		callCount++
		return sentinel
	})
	assert.Equal(t, 2, callCount)
}

func TestRetryer_ContextCanceled(t *testing.T) {
	policy := fastPolicy(3)
	policy.InitialDelay = time.Hour
	policy.MaxDelay = time.Hour
	r := NewRetryer(policy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	callCount := 0
	err := r.Do(ctx, func() error {
		callCount++
		cancel()
		return transportErr()
	})

	require.Error(t, err)
	assert.Equal(t, 1, callCount)
	assert.True(t, types.IsCode(err, types.ErrCanceled))
}

func TestRetryer_Delay(t *testing.T) {
	r := NewRetryer(&Policy{
		MaxRetries:   5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
	}, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryer_JitterBounds(t *testing.T) {
	r := NewRetryer(&Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}, nil)

	for i := 0; i < 100; i++ {
		d := r.delay(2)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestNewRetryer_Normalizes(t *testing.T) {
	r := NewRetryer(&Policy{MaxRetries: -1, Multiplier: 0.5}, nil)
	assert.Equal(t, 0, r.policy.MaxRetries)
	assert.Equal(t, 2.0, r.policy.Multiplier)
	assert.NotNil(t, r.policy.ShouldRetry)

	d := NewRetryer(nil, nil)
	assert.Equal(t, 3, d.policy.MaxRetries)
}
