package resourcegroup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openarun/clusterman/internal/market"
)

const (
	sfrConfigKey       = "sfr_config"
	sfrInstanceIDsKey  = "sfr_instance_ids"
	sfrInstancesByIDKey = "sfr_instances_by_id"
	// terminateBatchSize mirrors the original's choice of 500 instance ids per
	// EC2 TerminateInstances call.
	terminateBatchSize = 500
)

// SpotFleetAPI is the subset of the EC2 API a spot fleet backend needs.
type SpotFleetAPI interface {
	DescribeSpotFleetRequests(ctx context.Context, in *ec2.DescribeSpotFleetRequestsInput, opts ...func(*ec2.Options)) (*ec2.DescribeSpotFleetRequestsOutput, error)
	DescribeSpotFleetInstances(ctx context.Context, in *ec2.DescribeSpotFleetInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeSpotFleetInstancesOutput, error)
	ModifySpotFleetRequest(ctx context.Context, in *ec2.ModifySpotFleetRequestInput, opts ...func(*ec2.Options)) (*ec2.ModifySpotFleetRequestOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// SpotFleetGroupConfig configures a single spot fleet request backend.
type SpotFleetGroupConfig struct {
	SFRID  string
	EC2    SpotFleetAPI
	Logger *slog.Logger
}

// SpotFleetGroup implements ResourceGroup over an AWS spot fleet request.
//
// Unlike an ASG, a spot fleet natively tracks weighted capacity: each launch
// specification in the request carries its own WeightedCapacity, so market
// weight is read straight off the fleet's configuration rather than derived
// from a static CPU table (spec.md §4.1).
type SpotFleetGroup struct {
	id     string
	ec2    SpotFleetAPI
	logger *slog.Logger
	cache  *ttlCache
}

// NewSpotFleetGroup constructs a spot-fleet-backed resource group.
func NewSpotFleetGroup(cfg SpotFleetGroupConfig) *SpotFleetGroup {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SpotFleetGroup{
		id:     cfg.SFRID,
		ec2:    cfg.EC2,
		logger: logger,
		cache:  newTTLCache(cacheTTL),
	}
}

func (g *SpotFleetGroup) ID() string { return g.id }

func (g *SpotFleetGroup) Status() Status {
	cfg, err := g.configuration(context.Background())
	if err != nil {
		g.logger.Error("failed to read spot fleet status", "sfr", g.id, "error", err)
		return StatusFailed
	}
	return Status(cfg.SpotFleetRequestState)
}

func (g *SpotFleetGroup) IsStale() bool {
	switch g.Status() {
	case StatusCancelled, StatusCancelledRunning, StatusCancelledTerminating, StatusFailed:
		return true
	default:
		return false
	}
}

func (g *SpotFleetGroup) configuration(ctx context.Context) (ec2types.SpotFleetRequestConfig, error) {
	if cached, ok := g.cache.get(sfrConfigKey); ok {
		return cached.(ec2types.SpotFleetRequestConfig), nil
	}
	out, err := g.ec2.DescribeSpotFleetRequests(ctx, &ec2.DescribeSpotFleetRequestsInput{
		SpotFleetRequestIds: []string{g.id},
	})
	if err != nil {
		return ec2types.SpotFleetRequestConfig{}, fmt.Errorf("describing spot fleet request %s: %w", g.id, err)
	}
	if len(out.SpotFleetRequestConfigs) == 0 {
		return ec2types.SpotFleetRequestConfig{}, fmt.Errorf("spot fleet request %s not found", g.id)
	}
	cfg := out.SpotFleetRequestConfigs[0]
	g.cache.set(sfrConfigKey, cfg)
	return cfg, nil
}

// marketWeights maps each launch specification's market to its configured
// WeightedCapacity, per launch_specifications in the fleet's configuration.
func (g *SpotFleetGroup) marketWeights(ctx context.Context) (map[market.Market]float64, error) {
	cfg, err := g.configuration(ctx)
	if err != nil {
		return nil, err
	}
	weights := make(map[market.Market]float64)
	if cfg.SpotFleetRequestConfig == nil {
		return weights, nil
	}
	for _, spec := range cfg.SpotFleetRequestConfig.LaunchSpecifications {
		if spec.InstanceType == "" || spec.Placement == nil {
			continue
		}
		m := market.New(string(spec.InstanceType), aws.ToString(spec.Placement.AvailabilityZone))
		weights[m] = float64(aws.ToFloat64(spec.WeightedCapacity))
	}
	return weights, nil
}

func (g *SpotFleetGroup) TargetCapacity() float64 {
	cfg, err := g.configuration(context.Background())
	if err != nil || cfg.SpotFleetRequestConfig == nil {
		return 0
	}
	return float64(aws.ToInt32(cfg.SpotFleetRequestConfig.TargetCapacity))
}

func (g *SpotFleetGroup) FulfilledCapacity() float64 {
	cfg, err := g.configuration(context.Background())
	if err != nil || cfg.SpotFleetRequestConfig == nil {
		return 0
	}
	return aws.ToFloat64(cfg.SpotFleetRequestConfig.FulfilledCapacity)
}

// InstanceIDs manually paginates DescribeSpotFleetInstances, the same
// workaround the original used (at the time, botocore had no auto-paginator
// for this call).
func (g *SpotFleetGroup) InstanceIDs() []string {
	ctx := context.Background()
	if cached, ok := g.cache.get(sfrInstanceIDsKey); ok {
		return cached.([]string)
	}
	var ids []string
	var nextToken *string
	for {
		out, err := g.ec2.DescribeSpotFleetInstances(ctx, &ec2.DescribeSpotFleetInstancesInput{
			SpotFleetRequestId: &g.id,
			NextToken:          nextToken,
		})
		if err != nil {
			g.logger.Error("failed to list spot fleet instances", "sfr", g.id, "error", err)
			return nil
		}
		for _, inst := range out.ActiveInstances {
			if inst.InstanceId != nil {
				ids = append(ids, *inst.InstanceId)
			}
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		nextToken = out.NextToken
	}
	g.cache.set(sfrInstanceIDsKey, ids)
	return ids
}

// instancesByMarket groups active instances by market, describing them via
// EC2 to recover each instance's actual instance type and AZ.
func (g *SpotFleetGroup) instancesByMarket(ctx context.Context) (map[market.Market][]string, error) {
	if cached, ok := g.cache.get(sfrInstancesByIDKey); ok {
		return cached.(map[market.Market][]string), nil
	}
	ids := g.InstanceIDs()
	grouped := make(map[market.Market][]string)
	if len(ids) == 0 {
		return grouped, nil
	}
	out, err := g.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids})
	if err != nil {
		return nil, fmt.Errorf("describing instances for spot fleet %s: %w", g.id, err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.InstanceId == nil || inst.Placement == nil {
				continue
			}
			m := market.New(string(inst.InstanceType), aws.ToString(inst.Placement.AvailabilityZone))
			grouped[m] = append(grouped[m], *inst.InstanceId)
		}
	}
	g.cache.set(sfrInstancesByIDKey, grouped)
	return grouped, nil
}

func (g *SpotFleetGroup) MarketWeight(m market.Market) float64 {
	weights, err := g.marketWeights(context.Background())
	if err != nil {
		g.logger.Error("failed to read spot fleet market weights", "sfr", g.id, "error", err)
		return 0
	}
	return weights[m]
}

// InstancesByMarket groups this fleet's current member instances by market.
func (g *SpotFleetGroup) InstancesByMarket() map[market.Market][]string {
	grouped, err := g.instancesByMarket(context.Background())
	if err != nil {
		g.logger.Error("failed to group spot fleet instances by market", "sfr", g.id, "error", err)
		return nil
	}
	return grouped
}

func (g *SpotFleetGroup) MarketCapacities() map[market.Market]float64 {
	ctx := context.Background()
	weights, err := g.marketWeights(ctx)
	if err != nil {
		g.logger.Error("failed to read spot fleet market weights", "sfr", g.id, "error", err)
		return nil
	}
	grouped, err := g.instancesByMarket(ctx)
	if err != nil {
		g.logger.Error("failed to group spot fleet instances by market", "sfr", g.id, "error", err)
		return nil
	}
	capacities := make(map[market.Market]float64, len(grouped))
	for m, instances := range grouped {
		capacities[m] = float64(len(instances)) * weights[m]
	}
	return capacities
}

// ModifyTargetCapacity sets the fleet's TargetCapacity. The excess-capacity
// termination policy is "Default" when TerminateExcess is set (AWS picks
// instances to terminate to bring fulfilled capacity down to target) and
// "NoTermination" otherwise, matching should_terminate in the original.
func (g *SpotFleetGroup) ModifyTargetCapacity(ctx context.Context, newTarget float64, opts ModifyOptions) error {
	g.logger.Info("modifying spot fleet target capacity", "sfr", g.id, "new_target", newTarget, "dry_run", opts.DryRun)
	if opts.DryRun {
		return nil
	}
	policy := ec2types.ExcessCapacityTerminationPolicyNoTermination
	if opts.TerminateExcess {
		policy = ec2types.ExcessCapacityTerminationPolicyDefault
	}
	out, err := g.ec2.ModifySpotFleetRequest(ctx, &ec2.ModifySpotFleetRequestInput{
		SpotFleetRequestId:             &g.id,
		TargetCapacity:                 aws.Int32(int32(newTarget)),
		ExcessCapacityTerminationPolicy: policy,
	})
	if err != nil {
		return &Error{GroupID: g.id, Err: fmt.Errorf("modifying spot fleet request: %w", err)}
	}
	if !aws.ToBool(out.Return) {
		return &Error{GroupID: g.id, Err: fmt.Errorf("modify spot fleet request returned false")}
	}
	g.cache.invalidate(sfrConfigKey)
	return nil
}

// TerminateInstancesByID terminates owned instances directly via EC2 in
// batches, then decrements the fleet's advertised target capacity by the sum
// of the weights actually removed — the fleet API doesn't do this itself
// when instances are killed out from under it.
func (g *SpotFleetGroup) TerminateInstancesByID(ctx context.Context, ids []string) ([]string, error) {
	owned := g.InstanceIDs()
	kept, dropped := ownedSubset(ids, owned)
	for _, id := range dropped {
		g.logger.Warn("refusing to terminate instance not owned by this group", "sfr", g.id, "instance", id)
	}
	if len(kept) == 0 {
		g.logger.Warn("no instances to terminate", "sfr", g.id)
		return nil, nil
	}

	weights, err := g.marketWeights(ctx)
	if err != nil {
		return nil, &Error{GroupID: g.id, Err: err}
	}
	instancesOut, err := g.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: kept})
	if err != nil {
		return nil, &Error{GroupID: g.id, Err: fmt.Errorf("describing instances before termination: %w", err)}
	}
	instanceWeight := make(map[string]float64)
	for _, res := range instancesOut.Reservations {
		for _, inst := range res.Instances {
			if inst.InstanceId == nil || inst.Placement == nil {
				continue
			}
			m := market.New(string(inst.InstanceType), aws.ToString(inst.Placement.AvailabilityZone))
			instanceWeight[*inst.InstanceId] = weights[m]
		}
	}

	var terminated []string
	for start := 0; start < len(kept); start += terminateBatchSize {
		end := start + terminateBatchSize
		if end > len(kept) {
			end = len(kept)
		}
		out, err := g.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: kept[start:end]})
		if err != nil {
			return terminated, &Error{GroupID: g.id, Err: fmt.Errorf("terminating instances: %w", err)}
		}
		for _, inst := range out.TerminatingInstances {
			if inst.InstanceId != nil {
				terminated = append(terminated, *inst.InstanceId)
			}
		}
	}

	if len(terminated) != len(kept) {
		g.logger.Warn("some instances were not terminated", "sfr", g.id, "requested", len(kept), "terminated", len(terminated))
	}

	var terminatedWeight float64
	for _, id := range terminated {
		terminatedWeight += instanceWeight[id]
	}
	if terminatedWeight > 0 {
		if err := g.ModifyTargetCapacity(ctx, g.TargetCapacity()-terminatedWeight, ModifyOptions{}); err != nil {
			g.logger.Error("failed to decrement target capacity after termination", "sfr", g.id, "error", err)
		}
	}

	g.cache.invalidate(sfrInstanceIDsKey)
	g.cache.invalidate(sfrInstancesByIDKey)
	g.logger.Info("terminated spot fleet instances", "sfr", g.id, "terminated", terminated, "weight", terminatedWeight)
	return terminated, nil
}

var _ ResourceGroup = (*SpotFleetGroup)(nil)
