// Package cache implements the in-memory, dependency-aware entry store with
// TTL expiration and capacity eviction that backs dashboard reads.
package cache

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sitewatch/statecache/internal/clock"
	"github.com/sitewatch/statecache/internal/metrics"
)

// Config controls capacity and sweep behavior for the Store.
//   - Capacity: entry ceiling before the oldest 20% are evicted (default 100).
//   - SweepInterval: how often expired entries are removed (default 120s).
//   - LazyRemovalBuffer: size of the deferred-removal queue (default 256).
//   - Clock: time source (defaults to UTC wall clock).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	Capacity          int
	SweepInterval     time.Duration
	LazyRemovalBuffer int
	Clock             clock.Clock
	Logger            *zap.Logger
}

const (
	defaultCapacity     = 100
	defaultSweep        = 120 * time.Second
	defaultLazyBuffer   = 256
	evictFraction       = 0.2
	reasonExpired       = "expired"
	reasonCapacity      = "capacity"
	reasonInvalidated   = "invalidated"
	reasonCleared       = "cleared"
	reasonDeleted       = "deleted"
)

// Contract violations surfaced to callers. Ordinary misses are not errors.
var (
	ErrEmptyKey   = errors.New("cache key must not be empty")
	ErrInvalidTTL = errors.New("ttl must be > 0")
	ErrInvalidTag = errors.New("dependency tag must not be empty")
)

type entry struct {
	key       string
	value     any
	createdAt time.Time
	expiresAt time.Time
	seq       uint64
	deps      []string
	scopeID   string
}

// Filter selects entries for Clear. A zero Filter matches everything.
type Filter struct {
	TagSubstring string
	ScopeID      string
}

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Expired   uint64
	Evictions uint64
}

// Store is a TTL cache with a reverse dependency index. Entries register
// under dependency tags; invalidating a tag deletes every registered key.
// The store and the index are only ever mutated together under one lock, so
// index edges cannot dangle. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	byTag   map[string]map[string]struct{}
	seq     uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	expired   atomic.Uint64
	evictions atomic.Uint64

	cfg    Config
	logger *zap.Logger

	lazy      chan string
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// New initializes a Store and starts the background sweep goroutine. The
// returned Store is immediately ready for reads and writes.
func New(cfg Config) *Store {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweep
	}
	if cfg.LazyRemovalBuffer <= 0 {
		cfg.LazyRemovalBuffer = defaultLazyBuffer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Func(func() time.Time { return time.Now().UTC() })
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Store{
		entries: make(map[string]*entry),
		byTag:   make(map[string]map[string]struct{}),
		cfg:     cfg,
		logger:  logger,
		lazy:    make(chan string, cfg.LazyRemovalBuffer),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Set inserts or overwrites an entry with the given TTL, dependency tags, and
// owning scope. Repeated identical calls reset the expiry and are otherwise
// idempotent. Tags and scope may be empty; a non-positive TTL, an empty key,
// or an empty tag are contract violations.
func (s *Store) Set(key string, value any, ttl time.Duration, deps []string, scopeID string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidTTL, ttl)
	}
	for _, tag := range deps {
		if tag == "" {
			return ErrInvalidTag
		}
	}
	now := s.cfg.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.dropEdges(old)
	}
	s.seq++
	e := &entry{
		key:       key,
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
		seq:       s.seq,
		deps:      append([]string(nil), deps...),
		scopeID:   scopeID,
	}
	s.entries[key] = e
	for _, tag := range e.deps {
		keys, ok := s.byTag[tag]
		if !ok {
			keys = make(map[string]struct{})
			s.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}
	s.evictOverCapacityLocked()
	metrics.SetCacheEntries(len(s.entries))
	return nil
}

// Get returns the value for key if present and unexpired. Discovering an
// expired entry returns a miss and queues the key for deferred removal; the
// read path never mutates the store.
func (s *Store) Get(key string) (any, bool) {
	now := s.cfg.Clock.Now()

	s.mu.RLock()
	e, ok := s.entries[key]
	var value any
	expired := false
	if ok {
		if now.Before(e.expiresAt) {
			value = e.value
		} else {
			expired = true
		}
	}
	s.mu.RUnlock()

	switch {
	case !ok:
		s.countMiss(false)
		return nil, false
	case expired:
		s.countMiss(true)
		s.queueRemoval(key)
		return nil, false
	default:
		s.hits.Add(1)
		metrics.ObserveCacheRequest("hit")
		return value, true
	}
}

// Delete removes the entry and its dependency-index edges. It is a no-op for
// absent keys.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key, reasonDeleted)
	metrics.SetCacheEntries(len(s.entries))
}

// Invalidate deletes every entry registered under tag and returns the number
// removed. The count is diagnostic; zero means the tag had no dependents.
func (s *Store) Invalidate(tag string) int {
	metrics.ObserveInvalidation()
	s.mu.Lock()
	defer s.mu.Unlock()
	dependents := s.byTag[tag]
	if len(dependents) == 0 {
		return 0
	}
	victims := make([]string, 0, len(dependents))
	for key := range dependents {
		victims = append(victims, key)
	}
	removed := 0
	for _, key := range victims {
		if s.removeLocked(key, reasonInvalidated) {
			removed++
		}
	}
	metrics.SetCacheEntries(len(s.entries))
	s.logger.Debug("cache tag invalidated", zap.String("tag", tag), zap.Int("removed", removed))
	return removed
}

// Clear removes all entries matching the filter and returns the number
// removed. A zero filter clears the whole store.
func (s *Store) Clear(f Filter) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var victims []string
	for key, e := range s.entries {
		if !matches(e, f) {
			continue
		}
		victims = append(victims, key)
	}
	for _, key := range victims {
		s.removeLocked(key, reasonCleared)
	}
	metrics.SetCacheEntries(len(s.entries))
	return len(victims)
}

// Len reports the current number of entries, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stats returns a snapshot of store counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	entries := len(s.entries)
	s.mu.RUnlock()
	return Stats{
		Entries:   entries,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Expired:   s.expired.Load(),
		Evictions: s.evictions.Load(),
	}
}

// Close stops the sweep goroutine and blocks until it exits. Entries remain
// readable afterwards but expired entries are no longer collected.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

func (s *Store) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case key := <-s.lazy:
			s.removeIfExpired(key)
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// queueRemoval schedules deletion of an expired key without blocking the
// reader. A full queue is harmless: the periodic sweep catches stragglers.
func (s *Store) queueRemoval(key string) {
	select {
	case s.lazy <- key:
	default:
	}
}

func (s *Store) removeIfExpired(key string) {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || now.Before(e.expiresAt) {
		return
	}
	s.removeLocked(key, reasonExpired)
	metrics.SetCacheEntries(len(s.entries))
}

func (s *Store) sweep() {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var victims []string
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			victims = append(victims, key)
		}
	}
	for _, key := range victims {
		s.removeLocked(key, reasonExpired)
	}
	if len(victims) > 0 {
		metrics.SetCacheEntries(len(s.entries))
		s.logger.Debug("cache sweep removed expired entries", zap.Int("removed", len(victims)))
	}
}

// evictOverCapacityLocked removes the oldest entries by creation time once
// the store exceeds its capacity. Not LRU: insertion recency only, ties by
// insertion order.
func (s *Store) evictOverCapacityLocked() {
	if len(s.entries) <= s.cfg.Capacity {
		return
	}
	ranked := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		ranked = append(ranked, e)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].createdAt.Equal(ranked[j].createdAt) {
			return ranked[i].seq < ranked[j].seq
		}
		return ranked[i].createdAt.Before(ranked[j].createdAt)
	})
	n := int(math.Ceil(float64(len(ranked)) * evictFraction))
	for i := 0; i < n && i < len(ranked); i++ {
		s.removeLocked(ranked[i].key, reasonCapacity)
	}
	s.logger.Debug("cache capacity eviction", zap.Int("removed", n), zap.Int("remaining", len(s.entries)))
}

// removeLocked is the single deletion path: every expiry, eviction,
// invalidation, and explicit delete funnels through here so entry and index
// are always updated under the same lock acquisition.
func (s *Store) removeLocked(key, reason string) bool {
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	delete(s.entries, key)
	s.dropEdges(e)
	switch reason {
	case reasonExpired:
		s.expired.Add(1)
	case reasonCapacity:
		s.evictions.Add(1)
	}
	metrics.ObserveEviction(reason, 1)
	return true
}

func (s *Store) dropEdges(e *entry) {
	for _, tag := range e.deps {
		keys, ok := s.byTag[tag]
		if !ok {
			continue
		}
		delete(keys, e.key)
		if len(keys) == 0 {
			delete(s.byTag, tag)
		}
	}
}

func (s *Store) countMiss(expired bool) {
	s.misses.Add(1)
	if expired {
		metrics.ObserveCacheRequest("expired")
		return
	}
	metrics.ObserveCacheRequest("miss")
}

func matches(e *entry, f Filter) bool {
	if f.TagSubstring == "" && f.ScopeID == "" {
		return true
	}
	if f.ScopeID != "" && e.scopeID != f.ScopeID {
		return false
	}
	if f.TagSubstring != "" {
		found := false
		for _, tag := range e.deps {
			if strings.Contains(tag, f.TagSubstring) {
				found = true
				break
			}
		}
		if !found && !strings.Contains(e.key, f.TagSubstring) {
			return false
		}
	}
	return true
}
