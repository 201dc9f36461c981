// Package status mirrors externally-reported analysis lifecycle state for
// monitored entities and derives the actively monitored set from it.
package status

import (
	"errors"
	"fmt"
	"time"
)

// Status is the analysis lifecycle state reported by the backend.
type Status string

// Lifecycle states. The registry mirrors the source system and does not
// reject backward transitions; completed and failed end a run, a new run
// re-enters pending.
const (
	StatusPending   Status = "pending"
	StatusAnalyzing Status = "analyzing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Known reports whether s is one of the lifecycle states.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusAnalyzing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Active reports whether an entity in this state belongs to the actively
// monitored set.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusAnalyzing
}

// Kind labels the type of monitored entity; it selects the dependency tag
// namespace used for cache invalidation.
type Kind string

// Supported entity kinds.
const (
	KindWebsite    Kind = "website"
	KindCompetitor Kind = "competitor"
)

// Known reports whether k is a supported kind.
func (k Kind) Known() bool {
	return k == KindWebsite || k == KindCompetitor
}

// DependencyTag derives the cache invalidation tag for an entity, e.g.
// "website_5" or "competitor_12".
func DependencyTag(kind Kind, entityID string) string {
	return fmt.Sprintf("%s_%s", kind, entityID)
}

// Entity is the registry's view of one monitored website or competitor.
type Entity struct {
	ID           string
	ScopeID      string
	Kind         Kind
	Status       Status
	Progress     int
	HasProgress  bool
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  time.Time
	UpdatedAt    time.Time
}

// Update is one status push from the transport layer.
type Update struct {
	EntityID     string
	ScopeID      string
	Kind         Kind
	Status       Status
	Progress     *int
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  time.Time
	Source       string
}

// Validate performs coarse validation on Update payloads.
func (u Update) Validate() error {
	if u.EntityID == "" {
		return errors.New("entity id is required")
	}
	if u.ScopeID == "" {
		return errors.New("scope id is required")
	}
	if !u.Kind.Known() {
		return fmt.Errorf("unknown entity kind %q", u.Kind)
	}
	if !u.Status.Known() {
		return fmt.Errorf("unknown status %q", u.Status)
	}
	if u.Progress != nil && (*u.Progress < 0 || *u.Progress > 100) {
		return fmt.Errorf("progress must be within [0,100], got %d", *u.Progress)
	}
	return nil
}

// Event is the transition record delivered to subscribers. Reconciliation
// events are refresh hints: Source is SourceReconcile and PreviousStatus
// equals Status.
type Event struct {
	EntityID               string
	ScopeID                string
	Status                 Status
	PreviousStatus         Status
	IsCompletionTransition bool
	Progress               *int
	Source                 string
	Timestamp              time.Time
}

// Well-known event sources.
const (
	SourcePush      = "push"
	SourceReconcile = "reconcile"
)
