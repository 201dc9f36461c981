package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitewatch/statecache/internal/status"
)

// TestSubscribeIdempotent performs external setup exactly once for repeated
// subscribe calls on the same scope.
func TestSubscribeIdempotent(t *testing.T) {
	t.Parallel()

	var setups atomic.Int32
	b := New(Config{
		Setup: func(context.Context, string, []string) error {
			setups.Add(1)
			return nil
		},
	})
	defer b.Close(context.Background()) //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, "ws1", []string{"siteA"}, nil))
	require.NoError(t, b.Subscribe(ctx, "ws1", []string{"siteA"}, nil))
	require.Equal(t, int32(1), setups.Load())
	require.True(t, b.Connected("ws1"))
}

// TestRestoreAfterRefreshIsSubscribe checks the restore entry point tolerates
// an existing subscription.
func TestRestoreAfterRefreshIsSubscribe(t *testing.T) {
	t.Parallel()

	var setups atomic.Int32
	b := New(Config{
		Setup: func(context.Context, string, []string) error {
			setups.Add(1)
			return nil
		},
	})
	defer b.Close(context.Background()) //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, "ws1", []string{"siteA"}, nil))
	require.NoError(t, b.RestoreAfterRefresh(ctx, "ws1", []string{"siteA"}, nil))
	require.Equal(t, int32(1), setups.Load())
}

// TestSubscribeSetupFailure leaves the scope disconnected and retryable.
func TestSubscribeSetupFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("backend refused")
	fail := true
	b := New(Config{
		Setup: func(context.Context, string, []string) error {
			if fail {
				return boom
			}
			return nil
		},
	})
	defer b.Close(context.Background()) //nolint:errcheck

	ctx := context.Background()
	err := b.Subscribe(ctx, "ws1", []string{"siteA"}, nil)
	require.ErrorIs(t, err, boom)
	require.False(t, b.Connected("ws1"))

	// Retry succeeds once the backend recovers.
	fail = false
	require.NoError(t, b.Subscribe(ctx, "ws1", []string{"siteA"}, nil))
	require.True(t, b.Connected("ws1"))
}

// TestDispatchDebouncesBurst covers the completion scenario: two rapid pushes
// deliver exactly one notification reflecting the final transition.
func TestDispatchDebouncesBurst(t *testing.T) {
	t.Parallel()

	rec := newEventRecorder()
	b := New(Config{DebounceWindow: 40 * time.Millisecond})
	defer b.Close(context.Background()) //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, "ws1", []string{"siteA"}, rec.onUpdate))

	b.Dispatch(status.Event{
		EntityID: "siteA", ScopeID: "ws1",
		Status: status.StatusAnalyzing, Source: status.SourcePush,
	})
	b.Dispatch(status.Event{
		EntityID: "siteA", ScopeID: "ws1",
		Status: status.StatusCompleted, PreviousStatus: status.StatusAnalyzing,
		IsCompletionTransition: true, Source: status.SourcePush,
	})

	require.Eventually(t, func() bool {
		return len(rec.Events()) == 1
	}, time.Second, 5*time.Millisecond)
	evt := rec.Events()[0]
	require.Equal(t, status.StatusCompleted, evt.Status)
	require.True(t, evt.IsCompletionTransition)

	time.Sleep(80 * time.Millisecond)
	require.Len(t, rec.Events(), 1)
}

// TestDispatchDropsUntrackedEntities ignores events for entities outside the
// subscription's set and for unsubscribed scopes.
func TestDispatchDropsUntrackedEntities(t *testing.T) {
	t.Parallel()

	rec := newEventRecorder()
	b := New(Config{DebounceWindow: 10 * time.Millisecond})
	defer b.Close(context.Background()) //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, "ws1", []string{"siteA"}, rec.onUpdate))

	b.Dispatch(status.Event{EntityID: "siteB", ScopeID: "ws1", Status: status.StatusAnalyzing})
	b.Dispatch(status.Event{EntityID: "siteA", ScopeID: "ws2", Status: status.StatusAnalyzing})

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, rec.Events())
}

// TestUnsubscribeCancelsPendingNotification covers the hard cutoff: a
// debounced event pending at unsubscribe time never fires.
func TestUnsubscribeCancelsPendingNotification(t *testing.T) {
	t.Parallel()

	rec := newEventRecorder()
	b := New(Config{DebounceWindow: 30 * time.Millisecond})

	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, "ws1", []string{"siteA"}, rec.onUpdate))

	b.Dispatch(status.Event{EntityID: "siteA", ScopeID: "ws1", Status: status.StatusCompleted})
	require.NoError(t, b.Unsubscribe(ctx, "ws1"))

	time.Sleep(60 * time.Millisecond)
	require.Empty(t, rec.Events())
	require.False(t, b.Connected("ws1"))
}

// TestUnsubscribeUnknownScopeIsNoop verifies the absent-scope path.
func TestUnsubscribeUnknownScopeIsNoop(t *testing.T) {
	t.Parallel()

	b := New(Config{})
	require.NoError(t, b.Unsubscribe(context.Background(), "ghost"))
}

// TestReconcileEmitsForSubscribedScopes runs the loop at a short interval
// and checks refresh hints arrive with the aggregate status.
func TestReconcileEmitsForSubscribedScopes(t *testing.T) {
	t.Parallel()

	rec := newEventRecorder()
	b := New(Config{
		DebounceWindow:    5 * time.Millisecond,
		ReconcileInterval: 20 * time.Millisecond,
		States: func(scopeID string) []status.Entity {
			return []status.Entity{{ID: "siteA", ScopeID: scopeID, Status: status.StatusAnalyzing}}
		},
	})
	defer b.Close(context.Background()) //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, "ws1", []string{"siteA"}, rec.onUpdate))

	require.Eventually(t, func() bool {
		for _, evt := range rec.Events() {
			if evt.Source == status.SourceReconcile {
				return evt.ScopeID == "ws1" && evt.Status == status.StatusAnalyzing
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

// TestReconcileStopsAfterLastUnsubscribe ensures no reconciliation arrives
// once every scope is gone.
func TestReconcileStopsAfterLastUnsubscribe(t *testing.T) {
	t.Parallel()

	rec := newEventRecorder()
	b := New(Config{ReconcileInterval: 15 * time.Millisecond})

	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, "ws1", []string{"siteA"}, rec.onUpdate))

	require.Eventually(t, func() bool {
		return len(rec.Events()) > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Unsubscribe(ctx, "ws1"))
	seen := len(rec.Events())
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, seen, len(rec.Events()))
}

// TestListenersObserveDeliveries checks global listeners see both push and
// reconcile deliveries.
func TestListenersObserveDeliveries(t *testing.T) {
	t.Parallel()

	lis := newEventRecorder()
	b := New(Config{
		DebounceWindow: 10 * time.Millisecond,
		Listeners:      []Listener{lis},
	})
	defer b.Close(context.Background()) //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, "ws1", []string{"siteA"}, nil))
	b.Dispatch(status.Event{EntityID: "siteA", ScopeID: "ws1", Status: status.StatusCompleted})

	require.Eventually(t, func() bool {
		return len(lis.Events()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestOrderedDeliveryPerEntity verifies spaced pushes for one entity arrive
// in observation order.
func TestOrderedDeliveryPerEntity(t *testing.T) {
	t.Parallel()

	rec := newEventRecorder()
	b := New(Config{DebounceWindow: 10 * time.Millisecond})
	defer b.Close(context.Background()) //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, "ws1", []string{"siteA"}, rec.onUpdate))

	sequence := []status.Status{status.StatusPending, status.StatusAnalyzing, status.StatusCompleted}
	for i, s := range sequence {
		b.Dispatch(status.Event{EntityID: "siteA", ScopeID: "ws1", Status: s})
		require.Eventually(t, func() bool {
			return len(rec.Events()) == i+1
		}, time.Second, 2*time.Millisecond)
	}
	var got []status.Status
	for _, evt := range rec.Events() {
		got = append(got, evt.Status)
	}
	require.Equal(t, sequence, got)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []status.Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{}
}

func (r *eventRecorder) onUpdate(evt status.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// OnEvent lets the recorder double as a broker Listener.
func (r *eventRecorder) OnEvent(evt status.Event) {
	r.onUpdate(evt)
}

func (r *eventRecorder) Events() []status.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]status.Event(nil), r.events...)
}
