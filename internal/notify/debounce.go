// Package notify coalesces rapid status events into a single trailing
// delivery per debounce window.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitewatch/statecache/internal/metrics"
	"github.com/sitewatch/statecache/internal/status"
)

// DefaultWindow is the reference debounce window.
const DefaultWindow = 75 * time.Millisecond

// Debouncer delivers at most one event per burst: each Notify call cancels
// the pending timer and re-arms it, so only the last event within a window is
// delivered. Debouncing is per instance; callers wanting per-entity windows
// allocate one Debouncer per entity. Safe for concurrent use.
//
// Delivery runs while holding the debouncer's lock, which is what makes Stop
// a hard cutoff: once Stop returns, the deliver callback will not fire. The
// callback must therefore not call back into the Debouncer.
type Debouncer struct {
	window  time.Duration
	deliver func(status.Event)
	logger  *zap.Logger

	mu        sync.Mutex
	timer     *time.Timer
	pending   status.Event
	hasEvent  bool
	armedAt   time.Time
	gen       uint64
	stopped   bool
	coalesced int
}

// New constructs a Debouncer delivering through fn after each quiet window.
func New(window time.Duration, fn func(status.Event), logger *zap.Logger) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Debouncer{
		window:  window,
		deliver: fn,
		logger:  logger,
	}
}

// Notify schedules evt for delivery after the debounce window. A pending
// earlier event is replaced and counted as coalesced.
func (d *Debouncer) Notify(evt status.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		metrics.ObserveNotification("suppressed")
		return
	}
	if d.timer != nil {
		d.timer.Stop()
		if d.hasEvent {
			d.coalesced++
			metrics.ObserveNotification("coalesced")
		}
	} else {
		d.armedAt = time.Now()
	}
	d.pending = evt
	d.hasEvent = true
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen) })
}

// Flush delivers any pending event immediately, canceling its timer.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || !d.hasEvent {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.deliverLocked()
}

// Stop cancels any pending delivery. No event fires after Stop returns.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.hasEvent {
		d.hasEvent = false
		metrics.ObserveNotification("suppressed")
	}
}

// Coalesced reports how many events were replaced before delivery.
func (d *Debouncer) Coalesced() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.coalesced
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// A re-arm or Stop between the timer firing and the lock acquisition
	// invalidates this generation.
	if d.stopped || gen != d.gen || !d.hasEvent {
		return
	}
	d.timer = nil
	d.deliverLocked()
}

func (d *Debouncer) deliverLocked() {
	evt := d.pending
	d.hasEvent = false
	metrics.ObserveNotification("delivered")
	if !d.armedAt.IsZero() {
		metrics.ObserveNotificationDelay(time.Since(d.armedAt))
		d.armedAt = time.Time{}
	}
	if d.deliver != nil {
		d.deliver(evt)
	}
}
