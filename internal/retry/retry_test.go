package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	attempts := 0
	v, err := Do(context.Background(), Policy{Retries: 3}, func(context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, attempts)
}

func TestDoExhaustsRetries(t *testing.T) {
	t.Parallel()

	attempts := 0
	_, err := Do(context.Background(), Policy{Retries: 2}, func(context.Context) (int, error) {
		attempts++
		return 0, errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts, "first attempt plus two retries")
}

func TestDoPerAttemptTimeout(t *testing.T) {
	t.Parallel()

	attempts := 0
	start := time.Now()
	_, err := Do(context.Background(), DefaultProbe.WithTimeout(10*time.Millisecond), func(ctx context.Context) (bool, error) {
		attempts++
		<-ctx.Done()
		return false, ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, 4, attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoShouldRetry(t *testing.T) {
	t.Parallel()

	fatal := errors.New("fatal")
	attempts := 0
	_, err := Do(context.Background(), Policy{Retries: 5, ShouldRetry: func(err error) bool { return !errors.Is(err, fatal) }},
		func(context.Context) (int, error) {
			attempts++
			return 0, fatal
		})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
}

func TestDoPermanent(t *testing.T) {
	t.Parallel()

	stop := errors.New("stop")
	attempts := 0
	_, err := Do(context.Background(), Policy{Retries: 5}, func(context.Context) (int, error) {
		attempts++
		return 0, Permanent(stop)
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, attempts)
}

func TestDoParentCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, Policy{Retries: 5}, func(ctx context.Context) (int, error) {
		return 0, errors.New("nope")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
