// Package metricsstore implements the metrics-store client contract from
// spec.md §6: given a metric key, its type, and a time range, return the
// metric's metadata and its timeseries. Backed by Prometheus, following the
// injected-v1.API pattern of the teacher's metrics client so tests can swap
// in a fake without a live server.
package metricsstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/openarun/clusterman/internal/signal"
)

// Client queries Prometheus for the ranged timeseries the autoscaling loop
// feeds into a signal.
type Client struct {
	api    v1.API
	logger *slog.Logger
}

// ClientConfig configures a Client. API is an optional injected
// prometheus v1.API, used by tests in place of a live server; if nil, one
// is built from PrometheusURL.
type ClientConfig struct {
	PrometheusURL string
	Logger        *slog.Logger
	API           v1.API
}

// NewClient builds a Client from either an injected API or a Prometheus
// server URL.
func NewClient(cfg ClientConfig) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	v1api := cfg.API
	if v1api == nil {
		if cfg.PrometheusURL == "" {
			return nil, fmt.Errorf("metricsstore: PrometheusURL is required")
		}
		c, err := api.NewClient(api.Config{Address: cfg.PrometheusURL})
		if err != nil {
			return nil, fmt.Errorf("metricsstore: creating prometheus client: %w", err)
		}
		v1api = v1.NewAPI(c)
	}

	return &Client{api: v1api, logger: logger}, nil
}

// GetMetricValues returns the metadata and timeseries for key over
// [startUnix, endUnix], matching the original's
// get_metric_values(key, type, start, end) contract (spec.md §6). metricType
// is carried through to the result metadata but otherwise does not affect
// the query: system vs. app metrics differ only in how the caller qualifies
// the key before calling in (internal/autoscaler.Loop.fetchMetrics).
func (c *Client) GetMetricValues(ctx context.Context, key, metricType string, startUnix, endUnix int64) (map[string]string, []signal.MetricPoint, error) {
	r := v1.Range{
		Start: time.Unix(startUnix, 0),
		End:   time.Unix(endUnix, 0),
		Step:  time.Minute,
	}

	result, warnings, err := c.api.QueryRange(ctx, key, r)
	if err != nil {
		return nil, nil, fmt.Errorf("metricsstore: querying %q: %w", key, err)
	}
	if len(warnings) > 0 {
		c.logger.Warn("prometheus query warnings", "key", key, "warnings", warnings)
	}

	matrix, ok := result.(model.Matrix)
	if !ok {
		return nil, nil, fmt.Errorf("metricsstore: query %q: unexpected result type %s", key, result.Type())
	}

	metadata := map[string]string{"key": key, "type": metricType}
	if len(matrix) == 0 {
		return metadata, nil, nil
	}

	series := matrix[0]
	for name, value := range series.Metric {
		metadata[string(name)] = string(value)
	}

	points := make([]signal.MetricPoint, 0, len(series.Values))
	for _, sample := range series.Values {
		points = append(points, signal.MetricPoint{
			Timestamp: sample.Timestamp.Unix(),
			Value:     float64(sample.Value),
		})
	}
	return metadata, points, nil
}
