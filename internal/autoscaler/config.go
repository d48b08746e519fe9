// Package autoscaler converts a pluggable signal's resource request into a
// new pool-wide target capacity and drives the per-tick control loop
// described in spec.md §4.4: evaluate the signal (falling back to the
// default signal on failure), compute a new target under a setpoint/margin
// policy, publish it to telemetry, and hand it to the pool manager.
package autoscaler

import (
	"fmt"
	"time"
)

// resourceNames is the fixed iteration order used to pick the most
// constrained resource, matching the original's ('cpus', 'mem', 'disk').
var resourceNames = [...]string{"cpus", "mem", "disk"}

// ResourceRequest is a signal's decision for each of the three resources
// clusterman understands. A nil field means "absent" (the signal made no
// decision for that resource); all-nil means "no decision at all," and the
// loop leaves the current target capacity unchanged.
//
// Modeled as a fixed struct rather than a map, per spec.md §9's design
// note: the wire shape is a dynamic {cpus,mem,disk} -> number|null map, but
// decoding rejects unknown keys instead of carrying them forward silently.
type ResourceRequest struct {
	CPUs *float64
	Mem  *float64
	Disk *float64
}

// NewResourceRequest builds a ResourceRequest from the raw resource map a
// Signal.Evaluate call returns, rejecting any key outside {cpus, mem, disk}.
func NewResourceRequest(resources map[string]*float64) (ResourceRequest, error) {
	var req ResourceRequest
	for name, value := range resources {
		switch name {
		case "cpus":
			req.CPUs = value
		case "mem":
			req.Mem = value
		case "disk":
			req.Disk = value
		default:
			return ResourceRequest{}, fmt.Errorf("unknown resource %q in signal response", name)
		}
	}
	return req, nil
}

// value returns the request's entry for a resource name, or nil if absent
// or unrecognized.
func (r ResourceRequest) value(name string) *float64 {
	switch name {
	case "cpus":
		return r.CPUs
	case "mem":
		return r.Mem
	case "disk":
		return r.Disk
	default:
		return nil
	}
}

// IsAllAbsent reports whether the signal made no decision for any resource.
func (r ResourceRequest) IsAllAbsent() bool {
	return r.CPUs == nil && r.Mem == nil && r.Disk == nil
}

// AutoscalingConfig is the setpoint/margin policy for one pool (spec.md §3).
type AutoscalingConfig struct {
	// Setpoint is the target utilization, e.g. 0.7 for 70%.
	Setpoint float64
	// SetpointMargin is the hysteresis band: a proposed change smaller than
	// this fraction of the current target is dropped.
	SetpointMargin float64
	// CPUsPerWeight is the legacy weight->CPU conversion factor (§9
	// SUPPLEMENTED FEATURES): resource groups whose weight is already
	// CPU-denominated use 1; fleets with abstract weight units use the
	// configured ratio.
	CPUsPerWeight int
	// DefaultSignalNamespace is the Go counterpart of the original's
	// autoscaling.default_signal_role staticconf key. Nothing in this module
	// reads it; the default signal's SignalConfig comes from the top-level
	// config's default signal section.
	DefaultSignalNamespace string
}

// Validate checks the setpoint and margin are in their required ranges.
func (c AutoscalingConfig) Validate() error {
	if c.Setpoint <= 0 || c.Setpoint >= 1 {
		return fmt.Errorf("autoscaling: setpoint must be in (0, 1), got %v", c.Setpoint)
	}
	if c.SetpointMargin < 0 || c.SetpointMargin > 1 {
		return fmt.Errorf("autoscaling: setpoint_margin must be in [0, 1], got %v", c.SetpointMargin)
	}
	if c.CPUsPerWeight <= 0 {
		return fmt.Errorf("autoscaling: cpus_per_weight must be positive, got %v", c.CPUsPerWeight)
	}
	return nil
}

// MetricSpec names one metric a SignalConfig requires as input. System
// metrics are qualified by (cluster, pool) when fetched from the metrics
// store; app metrics are used verbatim (spec.md §3).
type MetricSpec struct {
	Name        string
	Type        string // "system" or "app"
	MinuteRange int
}

// Validate checks the metric spec's type and range are well-formed.
func (m MetricSpec) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("metric spec: name is required")
	}
	if m.Type != "system" && m.Type != "app" {
		return fmt.Errorf("metric spec %q: type must be \"system\" or \"app\", got %q", m.Name, m.Type)
	}
	if m.MinuteRange <= 0 {
		return fmt.Errorf("metric spec %q: minute_range must be positive, got %d", m.Name, m.MinuteRange)
	}
	return nil
}

// SignalConfig names one signal worker, the metrics it needs, and how often
// it should run (spec.md §3).
type SignalConfig struct {
	Name           string
	BranchOrTag    string
	PeriodMinutes  int
	RequiredMetrics []MetricSpec
	Parameters      map[string]interface{}
}

// Validate checks the signal config's required fields and its metric specs.
func (c SignalConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("signal config: name is required")
	}
	if c.PeriodMinutes <= 0 {
		return fmt.Errorf("signal config %q: period_minutes must be positive, got %d", c.Name, c.PeriodMinutes)
	}
	for _, m := range c.RequiredMetrics {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("signal config %q: %w", c.Name, err)
		}
	}
	return nil
}

// RunFrequency is signal.period_minutes * 60 seconds (spec.md §4.4).
func (c SignalConfig) RunFrequency() time.Duration {
	return time.Duration(c.PeriodMinutes) * time.Minute
}
