package autoscaler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openarun/clusterman/internal/signal"
)

// Signals holds the live worker connections a Loop needs: the pool's
// configured signal, if any, and the always-present default signal. Built
// once at startup and kept for the process's lifetime, mirroring the
// original's signal objects being constructed alongside the Autoscaler
// itself rather than reconnected every tick.
type Signals struct {
	Custom        *signal.Signal
	CustomConfig  SignalConfig
	hasCustom     bool
	Default       *signal.Signal
	DefaultConfig SignalConfig
}

// Close tears down whichever worker connections were opened.
func (s *Signals) Close() {
	if s.Custom != nil {
		_ = s.Custom.Close()
	}
	if s.Default != nil {
		_ = s.Default.Close()
	}
}

// LoadSignals builds the default signal (required) and, if configured, the
// pool's custom signal. A custom signal that fails to load is logged and
// alerted once here, at startup, rather than retried every tick: a
// subprocess-hosted worker that can't start once is not expected to start
// on a later tick without operator intervention (spec.md §9: subprocess
// plugin lifetime is the process's lifetime).
func LoadSignals(ctx context.Context, driver *signal.Driver, cluster, pool, app string, custom *SignalConfig, defaultCfg SignalConfig, health AlertSink, logger *slog.Logger) (*Signals, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defaultSignal, err := driver.Load(ctx, defaultCfg.BranchOrTag, defaultCfg.Name, defaultCfg.Name, cluster, pool, app, defaultCfg.Parameters)
	if err != nil {
		return nil, fmt.Errorf("loading default signal %q: %w", defaultCfg.Name, err)
	}

	signals := &Signals{Default: defaultSignal, DefaultConfig: defaultCfg}

	if custom != nil {
		customSignal, err := driver.Load(ctx, custom.BranchOrTag, custom.Name, custom.Name, cluster, pool, app, custom.Parameters)
		if err != nil {
			logger.Warn("failed to load configured signal, falling back to default signal only",
				"signal", custom.Name, "cluster", cluster, "pool", pool, "error", err)
			if health != nil {
				health.Alert(ctx, fmt.Sprintf("signal %q failed to load, falling back to default", custom.Name), err)
			}
		} else {
			signals.Custom = customSignal
			signals.CustomConfig = *custom
			signals.hasCustom = true
		}
	}
	return signals, nil
}

// LoopConfigFor builds the evaluator-level fields of a LoopConfig from a
// loaded Signals handle, leaving the pool manager, metrics store, health
// sink, gauge, and autoscaling policy for the caller to fill in.
func (s *Signals) LoopConfigFor() LoopConfig {
	cfg := LoopConfig{
		Default:     s.DefaultConfig,
		DefaultEval: s.Default,
	}
	if s.hasCustom {
		cfg.Custom = s.CustomConfig
		cfg.CustomEval = s.Custom
	}
	return cfg
}
