// Package healthcheck implements the operator-alert sink that the
// autoscaling loop calls into when a non-default signal fails (spec.md §4.3,
// §7): the failure is isolated and the tick proceeds, but someone has to
// find out. Per-group provider failures are logged by the pool manager and
// do not reach this sink.
package healthcheck

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/openarun/clusterman/internal/telemetry"
)

// Sink receives operator alerts. Structurally satisfies
// internal/autoscaler's AlertSink interface.
type Sink interface {
	Alert(ctx context.Context, reason string, err error)
}

// LogSink alerts by emitting a structured error-level log line, the default
// sink for a single-process deployment with no separate alerting backend
// wired in. It also counts alerts raised (see Count), and records each alert
// in the /metrics alert counter through telemetry.RecordAlert.
type LogSink struct {
	Cluster string
	Pool    string
	logger  *slog.Logger
	count   atomic.Int64
}

// NewLogSink builds a LogSink that tags every alert with the (cluster, pool)
// it was constructed for.
func NewLogSink(cluster, pool string, logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Cluster: cluster, Pool: pool, logger: logger}
}

// Alert logs the failure at error level and increments the alert counter.
// It never returns an error and never blocks the caller's tick.
func (s *LogSink) Alert(ctx context.Context, reason string, err error) {
	s.count.Add(1)
	s.logger.Error("operator alert",
		"cluster", s.Cluster, "pool", s.Pool, "reason", reason, "error", err)
	telemetry.RecordAlert(s.Cluster, s.Pool)
}

// Count returns the number of alerts raised so far.
func (s *LogSink) Count() int64 {
	return s.count.Load()
}
