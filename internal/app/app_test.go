package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitewatch/statecache/internal/config"
	"github.com/sitewatch/statecache/internal/status"
)

func testConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Cache:   config.CacheConfig{Capacity: 100, SweepIntervalSec: 120, DefaultTTLSec: 300},
		Status:  config.StatusConfig{DebounceMs: 20, ReconcileIntervalSec: 30},
		Logging: config.LoggingConfig{Development: true},
	}
}

// TestStatusPushFlowsToSubscriber wires the full engine: a push invalidates
// the matching cache tag and reaches the scope's subscriber debounced.
func TestStatusPushFlowsToSubscriber(t *testing.T) {
	t.Parallel()

	a := New(testConfig(), nil, Options{})
	ctx := context.Background()
	defer a.Close(ctx)

	require.NoError(t, a.Cache().Set("overview_ws1", "stale", time.Minute, []string{"website_siteA"}, "ws1"))
	require.NoError(t, a.Cache().Set("unrelated", "keep", time.Minute, []string{"website_other"}, "ws2"))

	var mu sync.Mutex
	var got []status.Event
	require.NoError(t, a.Broker().Subscribe(ctx, "ws1", []string{"siteA"}, func(evt status.Event) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	}))

	_, err := a.Status().Update(status.Update{
		EntityID: "siteA",
		ScopeID:  "ws1",
		Kind:     status.KindWebsite,
		Status:   status.StatusAnalyzing,
	})
	require.NoError(t, err)
	_, err = a.Status().Update(status.Update{
		EntityID: "siteA",
		ScopeID:  "ws1",
		Kind:     status.KindWebsite,
		Status:   status.StatusCompleted,
	})
	require.NoError(t, err)

	// The stale entry for the changed website is gone, the unrelated one
	// survives.
	_, ok := a.Cache().Get("overview_ws1")
	require.False(t, ok)
	_, ok = a.Cache().Get("unrelated")
	require.True(t, ok)

	// The burst collapses into one delivery tagged as a completion.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, status.StatusCompleted, got[0].Status)
	require.True(t, got[0].IsCompletionTransition)
	require.False(t, a.Status().IsMonitored("siteA"))
}

// TestCloseTearsDownSubscriptions verifies Close unsubscribes every scope.
func TestCloseTearsDownSubscriptions(t *testing.T) {
	t.Parallel()

	a := New(testConfig(), nil, Options{})
	ctx := context.Background()

	require.NoError(t, a.Broker().Subscribe(ctx, "ws1", []string{"siteA"}, nil))
	require.True(t, a.Broker().Connected("ws1"))

	a.Close(ctx)
	require.False(t, a.Broker().Connected("ws1"))
}

// TestDedupSharedThroughApp spot-checks the dedup registry wiring.
func TestDedupSharedThroughApp(t *testing.T) {
	t.Parallel()

	a := New(testConfig(), nil, Options{})
	defer a.Close(context.Background())

	v, err := a.Dedup().Do(context.Background(), "op", func(context.Context) (any, error) {
		return "result", nil
	})
	require.NoError(t, err)
	require.Equal(t, "result", v)
}
