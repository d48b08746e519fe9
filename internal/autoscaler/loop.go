package autoscaler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/openarun/clusterman/internal/market"
	"github.com/openarun/clusterman/internal/poolmanager"
	"github.com/openarun/clusterman/internal/signal"
)

// Evaluator is the subset of *signal.Signal the loop depends on, narrowed to
// an interface so tests can fake a worker without a live subprocess.
type Evaluator interface {
	Evaluate(metrics map[string][]signal.MetricPoint, timestamp int64) (map[string]*float64, error)
}

// MetricsStore is the metrics-store client contract from spec.md §6. The
// loop only consumes the timeseries; metadata is returned for parity with
// the original interface but otherwise ignored.
type MetricsStore interface {
	GetMetricValues(ctx context.Context, key, metricType string, startUnix, endUnix int64) (map[string]string, []signal.MetricPoint, error)
}

// AlertSink is the operator-alert contract from spec.md §4.3 failure
// isolation. Satisfied structurally by internal/healthcheck's Sink.
type AlertSink interface {
	Alert(ctx context.Context, reason string, err error)
}

// CapacityGauge publishes the per-tick target capacity decision. Satisfied
// structurally by internal/telemetry's Gauge.
type CapacityGauge interface {
	Set(cluster, pool string, dryRun bool, value float64)
}

// configuredSignal pairs a live evaluator with the SignalConfig that
// describes it, so its name, metric specs, and period all travel together.
type configuredSignal struct {
	cfg  SignalConfig
	eval Evaluator
}

// LoopConfig constructs a Loop. Custom may be the zero value (CustomEval
// nil) if no signal is configured for this pool; Default is required.
type LoopConfig struct {
	Cluster string
	Pool    string

	PoolManager *poolmanager.PoolManager
	Autoscaling AutoscalingConfig

	Custom     SignalConfig
	CustomEval Evaluator

	Default     SignalConfig
	DefaultEval Evaluator

	Metrics MetricsStore
	Health  AlertSink
	Gauge   CapacityGauge

	// TerminateExcess is passed through to PoolManager.ModifyTargetCapacity
	// on every non-dry-run tick (spec.md §4.1: excess-capacity termination
	// policy for the spot-fleet backend).
	TerminateExcess bool

	Logger *slog.Logger
}

// Loop is the per-(cluster,pool) autoscaling control loop (spec.md §4.4).
type Loop struct {
	cluster string
	pool    string

	poolManager *poolmanager.PoolManager
	config      AutoscalingConfig

	custom  *configuredSignal
	fallback configuredSignal

	metrics MetricsStore
	health  AlertSink
	gauge   CapacityGauge

	terminateExcess bool

	logger *slog.Logger
}

// NewLoop builds a Loop ready to Tick. cfg.DefaultEval must be non-nil; the
// default signal is the one signal whose own failure is allowed to fail the
// tick (spec.md §7).
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.PoolManager == nil {
		return nil, fmt.Errorf("autoscaler: pool manager is required")
	}
	if cfg.DefaultEval == nil {
		return nil, fmt.Errorf("autoscaler: default signal is required")
	}
	if err := cfg.Autoscaling.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Loop{
		cluster:         cfg.Cluster,
		pool:            cfg.Pool,
		poolManager:     cfg.PoolManager,
		config:          cfg.Autoscaling,
		fallback:        configuredSignal{cfg: cfg.Default, eval: cfg.DefaultEval},
		metrics:         cfg.Metrics,
		health:          cfg.Health,
		gauge:           cfg.Gauge,
		terminateExcess: cfg.TerminateExcess,
		logger:          logger,
	}
	if cfg.CustomEval != nil {
		l.custom = &configuredSignal{cfg: cfg.Custom, eval: cfg.CustomEval}
	}
	return l, nil
}

// RunFrequency is the configured signal's period if one is set, otherwise
// the default signal's (spec.md §4.4: run_frequency = signal.period_minutes
// * 60).
func (l *Loop) RunFrequency() time.Duration {
	if l.custom != nil {
		return l.custom.cfg.RunFrequency()
	}
	return l.fallback.cfg.RunFrequency()
}

// Tick runs one full cycle: evaluate the signal, compute a new target
// capacity, publish it, and apply it through the pool manager.
func (l *Loop) Tick(ctx context.Context, now time.Time, dryRun bool) error {
	request, err := l.Evaluate(ctx, now)
	if err != nil {
		return fmt.Errorf("evaluating signal: %w", err)
	}

	target, err := l.computeTargetCapacity(request)
	if err != nil {
		return fmt.Errorf("computing target capacity: %w", err)
	}

	if l.gauge != nil {
		l.gauge.Set(l.cluster, l.pool, dryRun, target)
	}

	if _, err := l.poolManager.ModifyTargetCapacity(ctx, target, l.terminateExcess, dryRun); err != nil {
		return fmt.Errorf("modifying target capacity: %w", err)
	}
	return nil
}

// Evaluate returns a ResourceRequest for "now", falling back to the default
// signal and alerting the operator exactly once if the configured signal
// fails (spec.md §4.3, §4.4, §8 "Signal fallback"). A failure of the
// default signal itself propagates and fails the tick.
func (l *Loop) Evaluate(ctx context.Context, now time.Time) (ResourceRequest, error) {
	if l.custom != nil {
		request, err := l.evaluateWith(ctx, l.custom, now)
		if err == nil {
			return request, nil
		}
		l.logger.Warn("signal evaluation failed, falling back to default signal",
			"signal", l.custom.cfg.Name, "cluster", l.cluster, "pool", l.pool, "error", err)
		if l.health != nil {
			l.health.Alert(ctx, fmt.Sprintf("signal %q failed, falling back to default", l.custom.cfg.Name), err)
		}
	}

	request, err := l.evaluateWith(ctx, &l.fallback, now)
	if err != nil {
		return ResourceRequest{}, fmt.Errorf("default signal %q failed: %w", l.fallback.cfg.Name, err)
	}
	return request, nil
}

func (l *Loop) evaluateWith(ctx context.Context, cs *configuredSignal, now time.Time) (ResourceRequest, error) {
	metrics, err := l.fetchMetrics(ctx, cs.cfg.RequiredMetrics, now)
	if err != nil {
		return ResourceRequest{}, fmt.Errorf("fetching metrics for signal %q: %w", cs.cfg.Name, err)
	}

	resources, err := cs.eval.Evaluate(metrics, now.Unix())
	if err != nil {
		return ResourceRequest{}, err
	}
	return NewResourceRequest(resources)
}

// fetchMetrics pulls the timeseries for each required metric over the
// window [now - minute_range, now], qualifying system metrics by
// (cluster, pool) (spec.md §4.3 step 1).
func (l *Loop) fetchMetrics(ctx context.Context, specs []MetricSpec, now time.Time) (map[string][]signal.MetricPoint, error) {
	metrics := make(map[string][]signal.MetricPoint, len(specs))
	end := now.Unix()
	for _, spec := range specs {
		key := spec.Name
		if spec.Type == "system" {
			key = fmt.Sprintf("%s.%s.%s", spec.Name, l.cluster, l.pool)
		}
		start := now.Add(-time.Duration(spec.MinuteRange) * time.Minute).Unix()

		_, points, err := l.metrics.GetMetricValues(ctx, key, spec.Type, start, end)
		if err != nil {
			return nil, fmt.Errorf("metric %q: %w", key, err)
		}
		metrics[spec.Name] = points
	}
	return metrics, nil
}

// computeTargetCapacity implements spec.md §4.4's compute_target_capacity.
func (l *Loop) computeTargetCapacity(request ResourceRequest) (float64, error) {
	currentTarget := l.poolManager.TotalTargetCapacity()

	if request.IsAllAbsent() {
		return currentTarget, nil
	}

	resource, utilizationPct, ok := l.mostConstrainedResource(request)
	if !ok {
		l.logger.Warn("signal request had no resource the pool can compute a total for; leaving target unchanged",
			"cluster", l.cluster, "pool", l.pool)
		return currentTarget, nil
	}

	scaleFactor := utilizationPct / l.config.Setpoint

	nonOrphanFulfilled, err := l.poolManager.NonOrphanFulfilledCapacity()
	if err != nil {
		return 0, fmt.Errorf("computing non-orphan fulfilled capacity: %w", err)
	}
	newTarget := nonOrphanFulfilled * scaleFactor

	l.logger.Debug("computed target capacity",
		"cluster", l.cluster, "pool", l.pool, "resource", resource,
		"utilization_pct", utilizationPct, "scale_factor", scaleFactor,
		"non_orphan_fulfilled", nonOrphanFulfilled, "new_target", newTarget, "current_target", currentTarget)

	if currentTarget > 0 {
		distance := math.Abs(newTarget-currentTarget) / currentTarget
		if distance < l.config.SetpointMargin {
			return currentTarget, nil
		}
	}
	return newTarget, nil
}

// mostConstrainedResource picks the requested resource with the highest
// utilization_pct = request[r] / pool_total(r), per spec.md §4.4 step 3.
func (l *Loop) mostConstrainedResource(request ResourceRequest) (resource string, pct float64, ok bool) {
	best := -1.0
	for _, name := range resourceNames {
		value := request.value(name)
		if value == nil {
			continue
		}
		total, known := l.resourceTotal(name)
		if !known || total <= 0 {
			continue
		}
		candidate := *value / total
		if !ok || candidate > best {
			best = candidate
			resource = name
			ok = true
		}
	}
	return resource, best, ok
}

// resourceTotal returns pool_total(resource). Only "cpus" has a source in
// this core: the pool's fulfilled capacity, in weight units, converted to
// CPUs via the configured cpus_per_weight ratio. Memory and disk have no
// equivalent — internal/cluster.Agent carries no capacity data beyond
// allocated CPU, and no resource-group backend advertises per-instance
// memory or disk size — so they always report unknown, and the signal's
// mem/disk requests (if any) fall out of the most-constrained-resource
// comparison rather than dividing by an invented number.
func (l *Loop) resourceTotal(resource string) (float64, bool) {
	if resource != "cpus" {
		return 0, false
	}
	fulfilled := l.poolManager.TotalFulfilledCapacity()
	return market.WeightToCPUs(fulfilled, l.config.CPUsPerWeight), true
}
