// Package config loads clusterman's YAML configuration: per-cluster cloud
// credentials and metrics-index location, and per-pool capacity bounds,
// autoscaling policy, and signal selection (spec.md §3). All fields are
// required unless noted; no defaults are embedded in code beyond what
// Validate documents.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openarun/clusterman/internal/autoscaler"
)

// Config is the top-level document, one file per cluster.
type Config struct {
	Cluster    string                `yaml:"cluster"`
	Cloud      string                `yaml:"cloud"` // "aws" or "gcp"
	AWS        AWSConfig             `yaml:"aws"`
	GCP        GCPConfig             `yaml:"gcp"`
	Prometheus PrometheusConfig      `yaml:"prometheus"`
	MetricsIndex MetricsIndexConfig  `yaml:"metricsIndex"`
	// DefaultSignal is the always-available fallback signal every pool in
	// this cluster runs against when it has no custom signal configured, or
	// when its custom signal fails (spec.md §4.3, §7).
	DefaultSignal SignalSection         `yaml:"defaultSignal"`
	Pools         map[string]PoolConfig `yaml:"pools"`
}

// AWSConfig names the AWS region resource-group discovery runs against.
type AWSConfig struct {
	Region string `yaml:"region"`
}

// GCPConfig names the GCP project and region the metrics-index bucket lives
// in, for clusters whose Cloud is "gcp".
type GCPConfig struct {
	ProjectID string `yaml:"projectId"`
	Region    string `yaml:"region"`
}

// PrometheusConfig configures the metrics-store client.
type PrometheusConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// Timeout returns the configured Prometheus timeout as a duration.
func (p PrometheusConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// MetricsIndexConfig names the object-store bucket holding the per-region
// metrics-index document the signal's metric patterns expand against
// (spec.md §6, grounded on get_metrics_index_from_s3).
type MetricsIndexConfig struct {
	Bucket string `yaml:"bucket"`
}

// PoolConfig is one pool's full autoscaling configuration: capacity bounds,
// the setpoint/margin policy, and its signal selection.
type PoolConfig struct {
	MinCapacity           int64  `yaml:"minCapacity"`
	MaxCapacity           int64  `yaml:"maxCapacity"`
	MaxWeightToAdd        int64  `yaml:"maxWeightToAdd"`
	MaxWeightToRemove     int64  `yaml:"maxWeightToRemove"`
	MaxWeightToAddExpr    string `yaml:"maxWeightToAddExpr"`
	MaxWeightToRemoveExpr string `yaml:"maxWeightToRemoveExpr"`
	// HonorCooldown passes an ASG's own scaling cooldown through to
	// modify_target_capacity calls instead of bypassing it (SUPPLEMENTED
	// FEATURES, grounded on internal/resourcegroup/asg.go's HonorCooldown).
	HonorCooldown bool `yaml:"honorCooldown"`

	Autoscaling AutoscalingSection `yaml:"autoscaling"`
	// Signal is this pool's custom signal. Omit entirely to run off the
	// default signal only.
	Signal *SignalSection `yaml:"signal"`
}

// AutoscalingSection is the YAML shape of autoscaler.AutoscalingConfig, plus
// the default signal's own namespace (spec.md §3).
type AutoscalingSection struct {
	Setpoint               float64 `yaml:"setpoint"`
	SetpointMargin         float64 `yaml:"setpointMargin"`
	CPUsPerWeight          int     `yaml:"cpusPerWeight"`
	DefaultSignalNamespace string  `yaml:"defaultSignalNamespace"`
}

// ToAutoscalingConfig converts the YAML section into the type the
// autoscaling loop uses, defaulting CPUsPerWeight to 1 (ASG weight is
// already CPU-denominated; only spot-fleet abstract weight needs a ratio
// other than 1).
func (s AutoscalingSection) ToAutoscalingConfig() autoscaler.AutoscalingConfig {
	cpusPerWeight := s.CPUsPerWeight
	if cpusPerWeight <= 0 {
		cpusPerWeight = 1
	}
	return autoscaler.AutoscalingConfig{
		Setpoint:               s.Setpoint,
		SetpointMargin:         s.SetpointMargin,
		CPUsPerWeight:          cpusPerWeight,
		DefaultSignalNamespace: s.DefaultSignalNamespace,
	}
}

// SignalSection is the YAML shape of autoscaler.SignalConfig.
type SignalSection struct {
	Name            string                 `yaml:"name"`
	BranchOrTag     string                 `yaml:"branchOrTag"`
	PeriodMinutes   int                    `yaml:"periodMinutes"`
	RequiredMetrics []MetricSection        `yaml:"requiredMetrics"`
	Parameters      map[string]interface{} `yaml:"parameters"`
}

// MetricSection is the YAML shape of autoscaler.MetricSpec.
type MetricSection struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	MinuteRange int    `yaml:"minuteRange"`
}

// ToSignalConfig converts the YAML section into autoscaler.SignalConfig.
func (s SignalSection) ToSignalConfig() autoscaler.SignalConfig {
	metrics := make([]autoscaler.MetricSpec, len(s.RequiredMetrics))
	for i, m := range s.RequiredMetrics {
		metrics[i] = autoscaler.MetricSpec{Name: m.Name, Type: m.Type, MinuteRange: m.MinuteRange}
	}
	return autoscaler.SignalConfig{
		Name:            s.Name,
		BranchOrTag:     s.BranchOrTag,
		PeriodMinutes:   s.PeriodMinutes,
		RequiredMetrics: metrics,
		Parameters:      s.Parameters,
	}
}

// Load reads and validates a clusterman config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the fields every pool in this cluster's config needs, and
// that each pool's autoscaling and signal sections satisfy their own
// constraints (spec.md §3).
func (c *Config) Validate() error {
	if c.Cluster == "" {
		return fmt.Errorf("cluster is required")
	}
	switch c.Cloud {
	case "aws":
		if c.AWS.Region == "" {
			return fmt.Errorf("aws.region is required when cloud is \"aws\"")
		}
	case "gcp":
		if c.GCP.ProjectID == "" || c.GCP.Region == "" {
			return fmt.Errorf("gcp.projectId and gcp.region are required when cloud is \"gcp\"")
		}
	default:
		return fmt.Errorf("cloud must be \"aws\" or \"gcp\", got %q", c.Cloud)
	}
	if c.Prometheus.URL == "" {
		return fmt.Errorf("prometheus.url is required")
	}
	if c.MetricsIndex.Bucket == "" {
		return fmt.Errorf("metricsIndex.bucket is required")
	}
	if err := c.DefaultSignal.ToSignalConfig().Validate(); err != nil {
		return fmt.Errorf("defaultSignal: %w", err)
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool is required")
	}
	for name, pool := range c.Pools {
		if err := pool.Validate(); err != nil {
			return fmt.Errorf("pool %q: %w", name, err)
		}
	}
	return nil
}

// Validate checks one pool's capacity bounds and nested autoscaling/signal
// sections.
func (p PoolConfig) Validate() error {
	if p.MinCapacity < 0 {
		return fmt.Errorf("minCapacity must be non-negative")
	}
	if p.MaxCapacity < p.MinCapacity {
		return fmt.Errorf("maxCapacity (%d) must be >= minCapacity (%d)", p.MaxCapacity, p.MinCapacity)
	}
	if err := p.Autoscaling.ToAutoscalingConfig().Validate(); err != nil {
		return err
	}
	if p.Signal != nil {
		if err := p.Signal.ToSignalConfig().Validate(); err != nil {
			return fmt.Errorf("signal: %w", err)
		}
	}
	return nil
}
