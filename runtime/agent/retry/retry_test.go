package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type classified struct{ retry bool }

func (c classified) Error() string   { return "classified" }
func (c classified) Retryable() bool { return c.retry }

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"503", &HTTPStatusError{StatusCode: http.StatusServiceUnavailable}, true},
		{"429", &HTTPStatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"400", &HTTPStatusError{StatusCode: http.StatusBadRequest}, false},
		{"self classified retryable", classified{retry: true}, true},
		{"self classified permanent", classified{retry: false}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2}
	var retries []int
	cfg.OnRetry = func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) }
	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return classified{retry: true}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDoExhausted(t *testing.T) {
	cfg := Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, BackoffMultiplier: 1}
	err := Do(context.Background(), cfg, func(context.Context) error {
		return classified{retry: true}
	})
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 2, ex.Attempts)
	var c classified
	require.ErrorAs(t, err, &c)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(context.Context) error {
		calls++
		return classified{retry: false}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialBackoff: time.Hour, BackoffMultiplier: 1}
	cfg.OnRetry = func(int, error, time.Duration) { cancel() }
	err := Do(ctx, cfg, func(context.Context) error { return classified{retry: true} })
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackoffBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("backoff never exceeds max plus jitter", prop.ForAll(
		func(attempt int) bool {
			cfg := DefaultConfig()
			b := calculateBackoff(cfg, attempt)
			limit := time.Duration(float64(cfg.MaxBackoff) * (1 + cfg.Jitter))
			return b >= 0 && b <= limit
		},
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}
