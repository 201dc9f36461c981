package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestDoSingleFlight issues concurrent calls with one key and verifies the
// factory runs exactly once while every caller sees the same result.
func TestDoSingleFlight(t *testing.T) {
	t.Parallel()

	r := New(nil)
	var calls atomic.Int32
	release := make(chan struct{})

	const k = 8
	results := make([]any, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := r.Do(context.Background(), "overview_ws1", func(context.Context) (any, error) {
				calls.Add(1)
				<-release
				return "shared-result", nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Give the callers time to pile onto the same key before releasing.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		require.Equal(t, "shared-result", v)
	}
}

// TestDoIndependentKeys confirms different keys execute independently.
func TestDoIndependentKeys(t *testing.T) {
	t.Parallel()

	r := New(nil)
	var calls atomic.Int32
	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := r.Do(context.Background(), key, func(context.Context) (any, error) {
				calls.Add(1)
				return key, nil
			})
			require.NoError(t, err)
		}(key)
	}
	wg.Wait()
	require.Equal(t, int32(3), calls.Load())
}

// TestDoErrorPropagatesAndClears checks joined callers share the failure and
// the key is retryable afterwards.
func TestDoErrorPropagatesAndClears(t *testing.T) {
	t.Parallel()

	r := New(nil)
	boom := errors.New("backend unavailable")
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Do(context.Background(), "k", func(context.Context) (any, error) {
				calls.Add(1)
				<-release
				return nil, boom
			})
			require.ErrorIs(t, err, boom)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	require.Equal(t, int32(1), calls.Load())

	// Settled keys must be retryable.
	v, err := r.Do(context.Background(), "k", func(context.Context) (any, error) {
		calls.Add(1)
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, int32(2), calls.Load())
}

// TestDoContextCancellation verifies a canceled caller detaches promptly
// while the shared execution completes for the others.
func TestDoContextCancellation(t *testing.T) {
	t.Parallel()

	r := New(nil)
	release := make(chan struct{})

	started := make(chan struct{})
	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		v, err := r.Do(context.Background(), "slow", func(context.Context) (any, error) {
			close(started)
			<-release
			return "done", nil
		})
		require.NoError(t, err)
		require.Equal(t, "done", v)
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Do(ctx, "slow", func(context.Context) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	close(release)
	<-leaderDone
}
