// Package signal drives out-of-process signal workers: building them from a
// versioned repository, launching them over a local socket, and speaking
// the length-prefixed query protocol to fetch a resource request.
package signal

import (
	"context"
	"fmt"
)

// MetricPoint is one (timestamp, value) sample in a metric timeseries, the
// unit the worker protocol exchanges metrics in.
type MetricPoint struct {
	Timestamp int64
	Value     float64
}

// queryPayload is the per-evaluation message sent to the worker.
type queryPayload struct {
	Metrics   map[string][][2]float64 `json:"metrics"`
	Timestamp int64                   `json:"timestamp"`
}

// initPayload is the single unframed message sent right after connecting.
type initPayload struct {
	Cluster    string                 `json:"cluster"`
	Pool       string                 `json:"pool"`
	App        string                 `json:"app"`
	Parameters map[string]interface{} `json:"parameters"`
}

// queryResponse is the decoded worker reply. A nil entry in Resources means
// the worker made no decision for that resource ("absent").
type queryResponse struct {
	Resources map[string]*float64 `json:"Resources"`
}

// Signal is a live handle to a running worker process plus its wire
// connection, ready to be queried with Evaluate.
type Signal struct {
	Name       string
	Namespace  string
	driver     *Driver
	connection *connection
}

// Load builds (if needed) and launches the worker for (namespace, name) at
// branchOrTag, and performs the unframed startup handshake.
func (d *Driver) Load(ctx context.Context, branchOrTag, namespace, name, cluster, pool, app string, parameters map[string]interface{}) (*Signal, error) {
	init := initPayload{Cluster: cluster, Pool: pool, App: app, Parameters: parameters}
	conn, err := d.Connect(ctx, branchOrTag, namespace, name, init)
	if err != nil {
		return nil, err
	}
	return &Signal{Name: name, Namespace: namespace, driver: d, connection: conn}, nil
}

// Evaluate sends metrics and the current timestamp to the worker and returns
// its resource request, following the query protocol (spec.md §4.3).
func (s *Signal) Evaluate(metrics map[string][]MetricPoint, timestamp int64) (map[string]*float64, error) {
	wireMetrics := make(map[string][][2]float64, len(metrics))
	for name, series := range metrics {
		points := make([][2]float64, len(series))
		for i, p := range series {
			points[i] = [2]float64{float64(p.Timestamp), p.Value}
		}
		wireMetrics[name] = points
	}

	var resp queryResponse
	if err := s.driver.Evaluate(s.connection, queryPayload{Metrics: wireMetrics, Timestamp: timestamp}, &resp); err != nil {
		return nil, &SignalConnectionError{SignalName: s.Name, Err: err}
	}
	if resp.Resources == nil {
		return nil, &SignalError{SignalName: s.Name, Err: fmt.Errorf("response missing Resources")}
	}
	return resp.Resources, nil
}

// Close tears down the worker's connection and kills its process.
func (s *Signal) Close() error {
	return s.connection.Close()
}
