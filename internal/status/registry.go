package status

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitewatch/statecache/internal/clock"
	"github.com/sitewatch/statecache/internal/metrics"
)

// Invalidator removes cache entries registered under a dependency tag.
// *cache.Store satisfies it.
type Invalidator interface {
	Invalidate(tag string) int
}

// Handler receives transition events in the order the registry observed them
// for any single entity. Handlers run under the registry lock and must not
// call back into the registry.
type Handler func(Event)

// Config wires the Registry's collaborators.
//   - Clock: time source (defaults to UTC wall clock).
//   - Logger: optional structured logger.
//   - Invalidator: cache to invalidate on each transition (optional).
//   - Handler: transition event consumer, typically the broker (optional).
//   - Fallback: snapshot source consulted by Resolve when the registry has
//     no live state for an entity (optional).
type Config struct {
	Clock       clock.Clock
	Logger      *zap.Logger
	Invalidator Invalidator
	Handler     Handler
	Fallback    func(entityID string) (Status, bool)
}

// Registry is the authoritative in-process map of entity → analysis status.
// It mirrors externally-reported truth: every push wins, last write takes
// UpdatedAt. Membership in the actively monitored set is derived from the
// current status on every read, never tracked separately.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*Entity

	cfg    Config
	logger *zap.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.Func(func() time.Time { return time.Now().UTC() })
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Registry{
		entities: make(map[string]*Entity),
		cfg:      cfg,
		logger:   logger,
	}
}

// Update applies one status push. The entity is created on first sight and
// mutated unconditionally afterwards. The matching dependency tag is
// invalidated in the cache, and the transition event is handed to the
// configured handler. Returns the event for callers that dispatch manually.
func (r *Registry) Update(u Update) (Event, error) {
	if err := u.Validate(); err != nil {
		return Event{}, err
	}
	now := r.cfg.Clock.Now()

	r.mu.Lock()
	e, ok := r.entities[u.EntityID]
	var prev Status
	if !ok {
		e = &Entity{ID: u.EntityID, Kind: u.Kind}
		r.entities[u.EntityID] = e
	} else {
		prev = e.Status
	}
	e.ScopeID = u.ScopeID
	e.Kind = u.Kind
	e.Status = u.Status
	e.UpdatedAt = now
	if u.Progress != nil {
		e.Progress = *u.Progress
		e.HasProgress = true
	}
	e.ErrorMessage = u.ErrorMessage
	if !u.StartedAt.IsZero() {
		e.StartedAt = u.StartedAt
	} else if e.StartedAt.IsZero() && u.Status.Active() {
		e.StartedAt = now
	}
	switch {
	case !u.CompletedAt.IsZero():
		e.CompletedAt = u.CompletedAt
	case u.Status == StatusCompleted || u.Status == StatusFailed:
		e.CompletedAt = now
	default:
		e.CompletedAt = time.Time{}
	}

	source := u.Source
	if source == "" {
		source = SourcePush
	}
	evt := Event{
		EntityID:               u.EntityID,
		ScopeID:                u.ScopeID,
		Status:                 u.Status,
		PreviousStatus:         prev,
		IsCompletionTransition: prev == StatusAnalyzing && u.Status == StatusCompleted,
		Progress:               u.Progress,
		Source:                 source,
		Timestamp:              now,
	}
	active := 0
	for _, ent := range r.entities {
		if ent.Status.Active() {
			active++
		}
	}
	if r.cfg.Handler != nil {
		r.cfg.Handler(evt)
	}
	r.mu.Unlock()

	metrics.ObserveStatusUpdate(string(u.Status))
	metrics.SetMonitoredEntities(active)

	// Cache invalidation happens outside the registry lock; the cache has its
	// own lock and the two must not nest.
	if r.cfg.Invalidator != nil {
		tag := DependencyTag(u.Kind, u.EntityID)
		removed := r.cfg.Invalidator.Invalidate(tag)
		if removed > 0 {
			r.logger.Debug("status change invalidated cache entries",
				zap.String("tag", tag),
				zap.Int("removed", removed),
			)
		}
	}
	return evt, nil
}

// Get returns the current state of an entity.
func (r *Registry) Get(entityID string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[entityID]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Resolve returns the best-known status for an entity: live registry state
// first, then the configured fallback snapshot, then pending. This is the
// single fallback chain consumers use instead of call-site defaults.
func (r *Registry) Resolve(entityID string) Status {
	if e, ok := r.Get(entityID); ok {
		return e.Status
	}
	if r.cfg.Fallback != nil {
		if s, ok := r.cfg.Fallback(entityID); ok && s.Known() {
			return s
		}
	}
	return StatusPending
}

// IsMonitored reports whether the entity's latest status keeps it in the
// actively monitored set.
func (r *Registry) IsMonitored(entityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[entityID]
	return ok && e.Status.Active()
}

// MonitoredIDs returns the ids of all actively monitored entities, sorted
// for deterministic output.
func (r *Registry) MonitoredIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.entities {
		if e.Status.Active() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ByScope returns all known entities owned by a scope, sorted by id.
func (r *Registry) ByScope(scopeID string) []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entity
	for _, e := range r.entities {
		if e.ScopeID == scopeID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
