package broker

import (
	"time"

	"go.uber.org/zap"

	"github.com/sitewatch/statecache/internal/metrics"
	"github.com/sitewatch/statecache/internal/status"
)

// The reconciliation loop periodically re-announces each subscribed scope's
// latest known aggregate status so consumers recover from dropped pushes.
// It runs only while at least one scope holds a live subscription.

func (b *Broker) startReconcileLocked() {
	if b.reconcileStop != nil {
		return
	}
	b.reconcileStop = make(chan struct{})
	b.reconcileDone = make(chan struct{})
	go b.reconcileLoop(b.reconcileStop, b.reconcileDone)
	b.logger.Debug("reconciliation loop started")
}

func (b *Broker) stopReconcileLocked() {
	if b.reconcileStop == nil {
		return
	}
	for _, sub := range b.subs {
		if sub.connected {
			return
		}
	}
	close(b.reconcileStop)
	b.reconcileStop = nil
	b.reconcileDone = nil
	b.logger.Debug("reconciliation loop stopped")
}

func (b *Broker) reconcileLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.reconcileTick()
		case <-stop:
			return
		}
	}
}

// reconcileTick re-emits the aggregate status of every connected scope. It
// delivers under the read lock so an Unsubscribe (which takes the write
// lock) cannot return while a reconciliation delivery is in flight.
func (b *Broker) reconcileTick() {
	now := b.cfg.Clock.Now()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.connected {
			continue
		}
		evt := b.reconcileEvent(sub.scopeID, now)
		if sub.onUpdate != nil {
			sub.onUpdate(evt)
		}
		for _, l := range b.cfg.Listeners {
			l.OnEvent(evt)
		}
		metrics.ObserveReconcileTick()
	}
	b.logger.Debug("reconciliation tick", zap.Int("scopes", len(b.subs)))
}

// reconcileEvent summarizes a scope into one refresh hint. With no snapshot
// source, or no entities, it is a bare marker carrying only the scope.
func (b *Broker) reconcileEvent(scopeID string, now time.Time) status.Event {
	evt := status.Event{
		ScopeID:   scopeID,
		Source:    status.SourceReconcile,
		Timestamp: now,
	}
	if b.cfg.States == nil {
		return evt
	}
	entities := b.cfg.States(scopeID)
	if len(entities) == 0 {
		return evt
	}
	agg := aggregateStatus(entities)
	evt.Status = agg
	evt.PreviousStatus = agg
	return evt
}

// aggregateStatus collapses a scope's entities into one status: any active
// work dominates, then failure, then completion.
func aggregateStatus(entities []status.Entity) status.Status {
	var sawPending, sawFailed, sawCompleted bool
	for _, e := range entities {
		switch e.Status {
		case status.StatusAnalyzing:
			return status.StatusAnalyzing
		case status.StatusPending:
			sawPending = true
		case status.StatusFailed:
			sawFailed = true
		case status.StatusCompleted:
			sawCompleted = true
		}
	}
	switch {
	case sawPending:
		return status.StatusPending
	case sawFailed:
		return status.StatusFailed
	case sawCompleted:
		return status.StatusCompleted
	default:
		return status.StatusPending
	}
}
