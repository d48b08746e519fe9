package cmd

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/spf13/cobra"

	"github.com/openarun/clusterman/internal/config"
	"github.com/openarun/clusterman/internal/market"
	"github.com/openarun/clusterman/internal/poolmanager"
	"github.com/openarun/clusterman/internal/resourcegroup"
)

var statusVerbose bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a pool's resource groups and their fulfilled/target capacity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context())
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&statusVerbose, "verbose", "v", false,
		"List each resource group's instances and market weights")
	rootCmd.AddCommand(statusCmd)
}

// runStatus prints one pool's resource groups and a capacity summary,
// adapted from the original CLI's print_status (clusterman/mesos/status.py).
// That original also prints per-task allocation and a memory/disk summary
// drawn from the cluster manager's own API; neither exists in this core
// (internal/cluster.Agent carries only allocated CPU, and no resource-group
// backend advertises per-instance memory or disk), so the summary below is
// scoped to fulfilled/target weight, the data this core actually has.
func runStatus(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	pool, ok := cfg.Pools[poolName]
	if !ok {
		return fmt.Errorf("pool %q is not configured in %s", poolName, cfgFile)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	asgClient := autoscaling.NewFromConfig(awsCfg)
	ec2Client := ec2.NewFromConfig(awsCfg)

	groups, err := resourcegroup.Load(ctx, resourcegroup.LoadConfig{
		Cluster: clusterName,
		Pool:    poolName,
		ASG:     asgClient,
		EC2:     ec2Client,
	})
	if err != nil {
		return fmt.Errorf("discovering resource groups: %w", err)
	}

	poolConfig := poolmanager.PoolConfig{
		MinCapacity: pool.MinCapacity,
		MaxCapacity: pool.MaxCapacity,
	}
	pm := poolmanager.New(clusterName, poolName, poolConfig, groups, nil, nil)

	fmt.Printf("%s.%s\n", clusterName, poolName)
	if len(groups) == 0 {
		fmt.Println("\tno resource groups found")
		return nil
	}

	for _, g := range pm.Groups() {
		fmt.Printf("\t%s: %s (%.0f / %.0f)\n", g.ID(), g.Status(), g.FulfilledCapacity(), g.TargetCapacity())
		if !statusVerbose {
			continue
		}
		for m, ids := range g.InstancesByMarket() {
			printMarketLine(m, ids, g)
		}
	}

	fmt.Printf("Fulfilled capacity: %.0f\n", pm.TotalFulfilledCapacity())
	fmt.Printf("Target capacity: %.0f\n", pm.TotalTargetCapacity())
	return nil
}

func printMarketLine(m market.Market, instanceIDs []string, g resourcegroup.ResourceGroup) {
	weight := g.MarketWeight(m)
	fmt.Printf("\t\t%s: weight %.0f, instances %v\n", m, weight, instanceIDs)
}
