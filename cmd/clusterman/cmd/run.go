package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/openarun/clusterman/internal/autoscaler"
	"github.com/openarun/clusterman/internal/config"
	"github.com/openarun/clusterman/internal/healthcheck"
	"github.com/openarun/clusterman/internal/metricsstore"
	"github.com/openarun/clusterman/internal/poolmanager"
	"github.com/openarun/clusterman/internal/resourcegroup"
	clustermansignal "github.com/openarun/clusterman/internal/signal"
	"github.com/openarun/clusterman/internal/telemetry"
)

const appName = "clusterman"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the autoscaling control loop for one pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoop(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runLoop(ctx context.Context) error {
	logger := slog.Default()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	pool, ok := cfg.Pools[poolName]
	if !ok {
		return fmt.Errorf("pool %q is not configured in %s", poolName, cfgFile)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	asgClient := autoscaling.NewFromConfig(awsCfg)
	ec2Client := ec2.NewFromConfig(awsCfg)
	s3Client := s3.NewFromConfig(awsCfg)

	groups, err := resourcegroup.Load(ctx, resourcegroup.LoadConfig{
		Cluster:       clusterName,
		Pool:          poolName,
		ASG:           asgClient,
		EC2:           ec2Client,
		Logger:        logger,
		HonorCooldown: pool.HonorCooldown,
	})
	if err != nil {
		return fmt.Errorf("discovering resource groups: %w", err)
	}
	if len(groups) == 0 {
		logger.Warn("no resource groups discovered for pool", "cluster", clusterName, "pool", poolName)
	}

	health := healthcheck.NewLogSink(clusterName, poolName, logger)
	gauge := telemetry.NewCapacityGauge()

	poolConfig := poolmanager.PoolConfig{
		MinCapacity:           pool.MinCapacity,
		MaxCapacity:           pool.MaxCapacity,
		MaxWeightToAdd:        pool.MaxWeightToAdd,
		MaxWeightToRemove:     pool.MaxWeightToRemove,
		MaxWeightToAddExpr:    pool.MaxWeightToAddExpr,
		MaxWeightToRemoveExpr: pool.MaxWeightToRemoveExpr,
	}
	// No live cluster-manager client is wired in this deployment: the pool
	// manager's non-orphan capacity falls back to total fulfilled capacity,
	// and pruning of idle agents terminates nothing (spec.md §1 Non-goals).
	pm := poolmanager.New(clusterName, poolName, poolConfig, groups, nil, logger)

	defaultSignalCfg := cfg.DefaultSignal.ToSignalConfig()
	var customSignalCfg *autoscaler.SignalConfig
	if pool.Signal != nil {
		sc := pool.Signal.ToSignalConfig()
		customSignalCfg = &sc
	}

	if err := expandSignalMetrics(ctx, cfg, &defaultSignalCfg, customSignalCfg, s3Client, logger); err != nil {
		logger.Warn("metrics index expansion failed, continuing with configured metric patterns unexpanded",
			"cluster", clusterName, "pool", poolName, "error", err)
	}

	driver := clustermansignal.NewDriver(logger)
	signals, err := autoscaler.LoadSignals(ctx, driver, clusterName, poolName, appName, customSignalCfg, defaultSignalCfg, health, logger)
	if err != nil {
		return fmt.Errorf("loading signals: %w", err)
	}
	defer signals.Close()

	metricsClient, err := metricsstore.NewClient(metricsstore.ClientConfig{
		PrometheusURL: cfg.Prometheus.URL,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("building metrics store client: %w", err)
	}

	loopCfg := signals.LoopConfigFor()
	loopCfg.Cluster = clusterName
	loopCfg.Pool = poolName
	loopCfg.PoolManager = pm
	loopCfg.Autoscaling = pool.Autoscaling.ToAutoscalingConfig()
	loopCfg.Metrics = metricsClient
	loopCfg.Health = health
	loopCfg.Gauge = gauge
	loopCfg.Logger = logger

	loop, err := autoscaler.NewLoop(loopCfg)
	if err != nil {
		return fmt.Errorf("building autoscaling loop: %w", err)
	}

	go serveMetrics(logger)

	ticker := time.NewTicker(loop.RunFrequency())
	defer ticker.Stop()

	logger.Info("starting autoscaling loop",
		"cluster", clusterName, "pool", poolName, "run_frequency", loop.RunFrequency(), "dry_run", dryRun)

	if err := loop.Tick(ctx, time.Now(), dryRun); err != nil {
		logger.Error("tick failed", "cluster", clusterName, "pool", poolName, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down", "cluster", clusterName, "pool", poolName)
			return nil
		case now := <-ticker.C:
			if err := loop.Tick(ctx, now, dryRun); err != nil {
				telemetry.RecordTickError(clusterName, poolName)
				logger.Error("tick failed", "cluster", clusterName, "pool", poolName, "error", err)
			}
		}
	}
}

// expandSignalMetrics resolves each signal's metric name patterns against
// the cluster's metrics index, replacing regex patterns with the concrete
// metric names currently present in the store (spec.md §6, grounded on
// update_metrics_dict_list / get_metrics_index_from_s3). A fetch or decode
// failure is non-fatal: the configured patterns are used unexpanded and must
// already be concrete metric names.
func expandSignalMetrics(ctx context.Context, cfg *config.Config, defaultCfg *autoscaler.SignalConfig, customCfg *autoscaler.SignalConfig, s3Client *s3.Client, logger *slog.Logger) error {
	if cfg.Cloud != "aws" {
		// metricsstore.FetchGCSIndex exists but is not called here, so for
		// any cloud other than "aws" the patterns are left unexpanded.
		return fmt.Errorf("metrics index expansion is only implemented for cloud \"aws\", got %q", cfg.Cloud)
	}

	index, err := metricsstore.FetchS3Index(ctx, s3Client, metricsstore.IndexLocation{
		Bucket: cfg.MetricsIndex.Bucket,
		Region: cfg.AWS.Region,
	})
	if err != nil {
		return fmt.Errorf("fetching metrics index: %w", err)
	}

	if expanded, err := metricsstore.ExpandMetrics(defaultCfg.RequiredMetrics, index); err != nil {
		logger.Warn("failed to expand default signal's metric patterns", "error", err)
	} else if len(expanded) > 0 {
		defaultCfg.RequiredMetrics = expanded
	}

	if customCfg != nil {
		if expanded, err := metricsstore.ExpandMetrics(customCfg.RequiredMetrics, index); err != nil {
			logger.Warn("failed to expand configured signal's metric patterns", "error", err)
		} else if len(expanded) > 0 {
			customCfg.RequiredMetrics = expanded
		}
	}
	return nil
}

func serveMetrics(logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(":8080", mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}
