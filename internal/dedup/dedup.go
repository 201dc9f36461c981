// Package dedup collapses concurrent identical requests into one execution.
// It prevents the dashboard from issuing duplicate backend work when several
// consumers ask for the same uncached resource at once.
package dedup

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sitewatch/statecache/internal/metrics"
)

// Registry tracks in-flight operations by key. Concurrent calls with the
// same key share one execution and one outcome; the key is released once the
// operation settles, so a later call may retry after a failure.
type Registry struct {
	group  singleflight.Group
	logger *zap.Logger
}

// New constructs a Registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Registry{logger: logger}
}

// Do executes fn under key, joining an in-flight execution if one exists.
// All joined callers receive the leader's result or error. A caller whose
// context expires detaches and returns ctx.Err(); the shared execution keeps
// running for the remaining callers.
func (r *Registry) Do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := r.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Shared {
			metrics.ObserveDedup("joined")
		} else {
			metrics.ObserveDedup("leader")
		}
		if res.Err != nil {
			r.logger.Debug("deduplicated operation failed", zap.String("key", key), zap.Error(res.Err))
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Forget drops the in-flight registration for key, forcing the next Do to
// start a fresh execution rather than joining the current one.
func (r *Registry) Forget(key string) {
	r.group.Forget(key)
}
