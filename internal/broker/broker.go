// Package broker manages per-scope subscriptions to status change feeds and
// fans out debounced notifications to registered callbacks.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitewatch/statecache/internal/clock"
	"github.com/sitewatch/statecache/internal/metrics"
	"github.com/sitewatch/statecache/internal/notify"
	"github.com/sitewatch/statecache/internal/status"
)

// UpdateFunc receives debounced status events for a subscribed scope. It runs
// on the broker's delivery path and must not call back into the broker.
type UpdateFunc func(evt status.Event)

// SetupFunc performs external subscription setup (e.g. registering a webhook
// or opening a channel with the backend). A non-nil error marks the scope
// disconnected; the caller may retry.
type SetupFunc func(ctx context.Context, scopeID string, entityIDs []string) error

// TeardownFunc releases external subscription resources.
type TeardownFunc func(ctx context.Context, scopeID string) error

// Config wires the Broker's collaborators.
//   - Setup/Teardown: external lifecycle hooks (optional; default no-op).
//   - DebounceWindow: per-scope coalescing window (default 75ms).
//   - ReconcileInterval: periodic re-announcement cadence (default 30s).
//   - States: scope snapshot source for reconciliation, typically
//     (*status.Registry).ByScope (optional; reconciliation emits a bare
//     marker without it).
//   - Clock: time source. Logger: structured logger. Listeners: global
//     observers of delivered events.
type Config struct {
	Setup             SetupFunc
	Teardown          TeardownFunc
	DebounceWindow    time.Duration
	ReconcileInterval time.Duration
	States            func(scopeID string) []status.Entity
	Clock             clock.Clock
	Logger            *zap.Logger
	Listeners         []Listener
}

const defaultReconcileInterval = 30 * time.Second

type subscription struct {
	scopeID   string
	entityIDs map[string]struct{}
	onUpdate  UpdateFunc
	debouncer *notify.Debouncer
	connected bool
	settingUp bool
}

// Broker owns the subscription table. At most one subscription exists per
// scope; Subscribe is idempotent and RestoreAfterRefresh is an alias for it.
// The reconciliation loop runs only while at least one scope is subscribed.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]*subscription

	cfg    Config
	logger *zap.Logger

	reconcileStop chan struct{}
	reconcileDone chan struct{}
}

// New constructs a Broker.
func New(cfg Config) *Broker {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = notify.DefaultWindow
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Func(func() time.Time { return time.Now().UTC() })
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Broker{
		subs:   make(map[string]*subscription),
		cfg:    cfg,
		logger: logger,
	}
}

// Subscribe registers onUpdate for status changes to the given entities under
// scopeID. A scope that is already subscribed (or whose setup is in flight)
// returns immediately without repeating external setup. Setup failure leaves
// the scope disconnected and is returned to the caller for retry.
func (b *Broker) Subscribe(ctx context.Context, scopeID string, entityIDs []string, onUpdate UpdateFunc) error {
	if scopeID == "" {
		return fmt.Errorf("scope id is required")
	}

	b.mu.Lock()
	if sub, ok := b.subs[scopeID]; ok && (sub.connected || sub.settingUp) {
		b.mu.Unlock()
		b.logger.Debug("scope already subscribed", zap.String("scope_id", scopeID))
		return nil
	}
	sub := &subscription{
		scopeID:   scopeID,
		entityIDs: make(map[string]struct{}, len(entityIDs)),
		onUpdate:  onUpdate,
		settingUp: true,
	}
	for _, id := range entityIDs {
		sub.entityIDs[id] = struct{}{}
	}
	sub.debouncer = notify.New(b.cfg.DebounceWindow, b.deliverFor(sub), b.logger)
	b.subs[scopeID] = sub
	b.mu.Unlock()

	// External setup runs without the lock; it may block on the network.
	var err error
	if b.cfg.Setup != nil {
		err = b.cfg.Setup(ctx, scopeID, entityIDs)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.subs[scopeID]
	if !ok || current != sub {
		// Torn down while setting up; nothing to mark.
		return err
	}
	sub.settingUp = false
	if err != nil {
		sub.connected = false
		b.logger.Warn("subscription setup failed",
			zap.String("scope_id", scopeID),
			zap.Error(err),
		)
		return fmt.Errorf("subscribe scope %s: %w", scopeID, err)
	}
	sub.connected = true
	b.syncGaugesLocked()
	b.startReconcileLocked()
	b.logger.Info("scope subscribed",
		zap.String("scope_id", scopeID),
		zap.Int("entities", len(sub.entityIDs)),
	)
	return nil
}

// RestoreAfterRefresh re-establishes a subscription after a client reload.
// Semantically identical to Subscribe and equally idempotent.
func (b *Broker) RestoreAfterRefresh(ctx context.Context, scopeID string, entityIDs []string, onUpdate UpdateFunc) error {
	return b.Subscribe(ctx, scopeID, entityIDs, onUpdate)
}

// Unsubscribe stops delivery for the scope, cancels its pending debounced
// notifications, and releases external resources. Once Unsubscribe returns,
// no notification fires for the scope. No-op for unknown scopes.
func (b *Broker) Unsubscribe(ctx context.Context, scopeID string) error {
	b.mu.Lock()
	sub, ok := b.subs[scopeID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, scopeID)
	sub.connected = false
	b.syncGaugesLocked()
	b.stopReconcileLocked()
	b.mu.Unlock()

	// Stop is a hard cutoff: it blocks out any in-flight debounced delivery.
	sub.debouncer.Stop()

	if b.cfg.Teardown != nil {
		if err := b.cfg.Teardown(ctx, scopeID); err != nil {
			b.logger.Warn("subscription teardown failed",
				zap.String("scope_id", scopeID),
				zap.Error(err),
			)
		}
	}
	b.logger.Info("scope unsubscribed", zap.String("scope_id", scopeID))
	return nil
}

// Dispatch routes one status event to its owning scope's debouncer. Events
// for unsubscribed scopes or untracked entities are dropped. Safe to call
// from the status registry's handler.
func (b *Broker) Dispatch(evt status.Event) {
	b.mu.RLock()
	sub, ok := b.subs[evt.ScopeID]
	tracked := false
	if ok && sub.connected {
		_, tracked = sub.entityIDs[evt.EntityID]
	}
	deb := (*notify.Debouncer)(nil)
	if tracked {
		deb = sub.debouncer
	}
	b.mu.RUnlock()

	if deb == nil {
		return
	}
	deb.Notify(evt)
}

// Connected reports whether the scope currently holds a live subscription.
func (b *Broker) Connected(scopeID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subs[scopeID]
	return ok && sub.connected
}

// SubscribedScopes returns the ids of scopes with a registered subscription.
func (b *Broker) SubscribedScopes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs))
	for id := range b.subs {
		out = append(out, id)
	}
	return out
}

// Close tears down all subscriptions and stops the reconciliation loop.
func (b *Broker) Close(ctx context.Context) error {
	for _, scopeID := range b.SubscribedScopes() {
		if err := b.Unsubscribe(ctx, scopeID); err != nil {
			return err
		}
	}
	return nil
}

// deliverFor builds the debouncer's delivery callback for one subscription.
func (b *Broker) deliverFor(sub *subscription) func(status.Event) {
	return func(evt status.Event) {
		if sub.onUpdate != nil {
			sub.onUpdate(evt)
		}
		for _, l := range b.cfg.Listeners {
			l.OnEvent(evt)
		}
	}
}

func (b *Broker) syncGaugesLocked() {
	connected := 0
	for _, sub := range b.subs {
		if sub.connected {
			connected++
		}
	}
	metrics.SetActiveSubscriptions(connected)
}
