package broker

import (
	"go.uber.org/zap"

	"github.com/sitewatch/statecache/internal/metrics"
	"github.com/sitewatch/statecache/internal/status"
)

// Listener observes every event the broker delivers, regardless of scope.
// Listeners run on the delivery path and must be fast and non-blocking; they
// must not call back into the broker.
type Listener interface {
	OnEvent(evt status.Event)
}

// LogListener emits structured logs for delivered events. It is useful during
// development or audits of the notification stream.
type LogListener struct {
	logger *zap.Logger
}

// NewLogListener wires a zap logger to the Listener interface.
func NewLogListener(logger *zap.Logger) *LogListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogListener{logger: logger}
}

// MetricsListener counts delivered events by status and source.
type MetricsListener struct{}

// NewMetricsListener returns a Prometheus-backed Listener.
func NewMetricsListener() *MetricsListener {
	metrics.Init()
	return &MetricsListener{}
}

// OnEvent increments the delivery counter for the event.
func (*MetricsListener) OnEvent(evt status.Event) {
	metrics.ObserveBrokerEvent(string(evt.Status), evt.Source)
}

// OnEvent logs the event using structured fields.
func (l *LogListener) OnEvent(evt status.Event) {
	l.logger.Info("status notification",
		zap.String("entity_id", evt.EntityID),
		zap.String("scope_id", evt.ScopeID),
		zap.String("status", string(evt.Status)),
		zap.String("previous_status", string(evt.PreviousStatus)),
		zap.Bool("completion", evt.IsCompletionTransition),
		zap.String("source", evt.Source),
		zap.Time("timestamp", evt.Timestamp),
	)
}
