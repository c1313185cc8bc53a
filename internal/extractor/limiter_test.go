package extractor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AcquireReleaseFreesConcurrencySlot(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	l := NewLimiter(LimiterConfig{MaxConcurrency: 1, RequestsPerMinute: 6000, TokensPerMinute: 1_000_000})

	release1, err := l.Acquire(context.Background(), 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = l.Acquire(ctx, 10)
	assert.Error(t, err, "second acquire should block until the first is released")

	release1()

	release2, err := l.Acquire(context.Background(), 10)
	require.NoError(t, err)
	release2()
}

func TestLimiter_RejectsWhenTokenEstimateExceedsBudget(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	l := NewLimiter(LimiterConfig{MaxConcurrency: 1, RequestsPerMinute: 6000, TokensPerMinute: 100})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := l.Acquire(ctx, 100_000)
	assert.Error(t, err)
}
