package resourcegroup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/openarun/clusterman/internal/market"
)

// cacheTTL matches clusterman's CACHE_TTL_SECONDS: how long a group's
// description and launch configuration are trusted before refetching.
const cacheTTL = 60 * time.Second

const groupConfigKey = "group_config"
const launchConfigKey = "launch_config"

// AutoScalingAPI is the subset of the AWS Auto Scaling API the ASG backend
// needs. Narrowing to an interface (instead of depending on *autoscaling.Client
// directly) is what makes ASGGroup unit-testable without a live AWS account.
type AutoScalingAPI interface {
	DescribeAutoScalingGroups(ctx context.Context, in *autoscaling.DescribeAutoScalingGroupsInput, opts ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
	DescribeLaunchConfigurations(ctx context.Context, in *autoscaling.DescribeLaunchConfigurationsInput, opts ...func(*autoscaling.Options)) (*autoscaling.DescribeLaunchConfigurationsOutput, error)
	SetDesiredCapacity(ctx context.Context, in *autoscaling.SetDesiredCapacityInput, opts ...func(*autoscaling.Options)) (*autoscaling.SetDesiredCapacityOutput, error)
	SetInstanceProtection(ctx context.Context, in *autoscaling.SetInstanceProtectionInput, opts ...func(*autoscaling.Options)) (*autoscaling.SetInstanceProtectionOutput, error)
	UpdateAutoScalingGroup(ctx context.Context, in *autoscaling.UpdateAutoScalingGroupInput, opts ...func(*autoscaling.Options)) (*autoscaling.UpdateAutoScalingGroupOutput, error)
}

// EC2TerminateAPI is the single EC2 call the ASG backend needs for direct
// instance termination, mirroring the original's choice to bypass the
// autoscaling client for termination (it has no batch terminate call).
type EC2TerminateAPI interface {
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// ASGGroupConfig configures a single Auto Scaling Group backend.
type ASGGroupConfig struct {
	GroupID       string
	ASG           AutoScalingAPI
	EC2           EC2TerminateAPI
	Logger        *slog.Logger
	HonorCooldown bool // see SPEC_FULL.md "honor_cooldown" supplemented feature
}

// ASGGroup implements ResourceGroup over an AWS Auto Scaling Group.
//
// ASGs have no native concept of weight: market weight is the instance
// type's CPU count whenever the market's zone is in the group's AZ list and
// its instance type matches the group's launch configuration, else zero
// (spec.md §4.1). All member instances are kept scale-in protected at all
// times; a scale-down with TerminateExcess removes protection from exactly
// the instances being given up before lowering desired capacity, so the
// cluster manager stays authoritative over which instances actually die.
type ASGGroup struct {
	id            string
	asg           AutoScalingAPI
	ec2           EC2TerminateAPI
	logger        *slog.Logger
	honorCooldown bool
	cache         *ttlCache
}

// NewASGGroup constructs an ASG-backed resource group and applies initial
// scale-in protection to every current member, per the original's
// constructor behavior.
func NewASGGroup(ctx context.Context, cfg ASGGroupConfig) (*ASGGroup, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &ASGGroup{
		id:            cfg.GroupID,
		asg:           cfg.ASG,
		ec2:           cfg.EC2,
		logger:        logger,
		honorCooldown: cfg.HonorCooldown,
		cache:         newTTLCache(cacheTTL),
	}
	if err := g.protectInstances(ctx, true); err != nil {
		return nil, fmt.Errorf("protecting initial instances for asg %s: %w", g.id, err)
	}
	return g, nil
}

func (g *ASGGroup) ID() string { return g.id }

func (g *ASGGroup) Status() Status { return StatusActive }

func (g *ASGGroup) IsStale() bool { return false }

func (g *ASGGroup) groupConfig(ctx context.Context) (asgtypes.AutoScalingGroup, error) {
	if cached, ok := g.cache.get(groupConfigKey); ok {
		return cached.(asgtypes.AutoScalingGroup), nil
	}
	out, err := g.asg.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{g.id},
	})
	if err != nil {
		return asgtypes.AutoScalingGroup{}, fmt.Errorf("describing asg %s: %w", g.id, err)
	}
	if len(out.AutoScalingGroups) == 0 {
		return asgtypes.AutoScalingGroup{}, fmt.Errorf("asg %s not found", g.id)
	}
	cfg := out.AutoScalingGroups[0]
	g.cache.set(groupConfigKey, cfg)
	return cfg, nil
}

func (g *ASGGroup) launchConfig(ctx context.Context) (asgtypes.LaunchConfiguration, error) {
	if cached, ok := g.cache.get(launchConfigKey); ok {
		return cached.(asgtypes.LaunchConfiguration), nil
	}
	cfg, err := g.groupConfig(ctx)
	if err != nil {
		return asgtypes.LaunchConfiguration{}, err
	}
	if cfg.LaunchConfigurationName == nil {
		return asgtypes.LaunchConfiguration{}, fmt.Errorf("asg %s has no launch configuration (launch template ASGs are not supported)", g.id)
	}
	out, err := g.asg.DescribeLaunchConfigurations(ctx, &autoscaling.DescribeLaunchConfigurationsInput{
		LaunchConfigurationNames: []string{*cfg.LaunchConfigurationName},
	})
	if err != nil {
		return asgtypes.LaunchConfiguration{}, fmt.Errorf("describing launch configuration for asg %s: %w", g.id, err)
	}
	if len(out.LaunchConfigurations) == 0 {
		return asgtypes.LaunchConfiguration{}, fmt.Errorf("launch configuration for asg %s not found", g.id)
	}
	lc := out.LaunchConfigurations[0]
	g.cache.set(launchConfigKey, lc)
	return lc, nil
}

func (g *ASGGroup) TargetCapacity() float64 {
	cfg, err := g.groupConfig(context.Background())
	if err != nil {
		g.logger.Error("failed to read asg target capacity", "asg", g.id, "error", err)
		return 0
	}
	return float64(aws.ToInt32(cfg.DesiredCapacity))
}

func (g *ASGGroup) FulfilledCapacity() float64 {
	cfg, err := g.groupConfig(context.Background())
	if err != nil {
		g.logger.Error("failed to read asg fulfilled capacity", "asg", g.id, "error", err)
		return 0
	}
	return float64(len(cfg.Instances))
}

func (g *ASGGroup) InstanceIDs() []string {
	cfg, err := g.groupConfig(context.Background())
	if err != nil {
		g.logger.Error("failed to list asg instances", "asg", g.id, "error", err)
		return nil
	}
	ids := make([]string, 0, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		if inst.InstanceId != nil {
			ids = append(ids, *inst.InstanceId)
		}
	}
	return ids
}

// MarketWeight returns the instance type's CPU count when the market is
// reachable by this ASG (zone in the group's AZ list, instance type matches
// the launch configuration), else zero.
func (g *ASGGroup) MarketWeight(m market.Market) float64 {
	ctx := context.Background()
	cfg, err := g.groupConfig(ctx)
	if err != nil {
		g.logger.Error("failed to read asg config for market weight", "asg", g.id, "error", err)
		return 0
	}
	lc, err := g.launchConfig(ctx)
	if err != nil {
		g.logger.Error("failed to read launch config for market weight", "asg", g.id, "error", err)
		return 0
	}
	if lc.InstanceType == nil || *lc.InstanceType != m.InstanceType {
		return 0
	}
	inAZ := false
	for _, az := range cfg.AvailabilityZones {
		if az == m.Zone {
			inAZ = true
			break
		}
	}
	if !inAZ {
		return 0
	}
	cpus, known := market.CPUs(m.InstanceType)
	if !known {
		return 0
	}
	return float64(cpus)
}

// MarketCapacities returns, for the single market this ASG's launch
// configuration targets per zone, the instance count currently in it.
func (g *ASGGroup) MarketCapacities() map[market.Market]float64 {
	ctx := context.Background()
	cfg, err := g.groupConfig(ctx)
	if err != nil {
		g.logger.Error("failed to read asg config for market capacities", "asg", g.id, "error", err)
		return nil
	}
	lc, err := g.launchConfig(ctx)
	if err != nil || lc.InstanceType == nil {
		return nil
	}
	capacities := make(map[market.Market]float64)
	for _, inst := range cfg.Instances {
		if inst.AvailabilityZone == nil {
			continue
		}
		m := market.New(*lc.InstanceType, *inst.AvailabilityZone)
		capacities[m]++
	}
	return capacities
}

// InstancesByMarket groups this ASG's instances by market. Since an ASG has
// a single launch configuration, every member instance shares the same
// instance type and only its availability zone varies.
func (g *ASGGroup) InstancesByMarket() map[market.Market][]string {
	ctx := context.Background()
	cfg, err := g.groupConfig(ctx)
	if err != nil {
		g.logger.Error("failed to read asg config for instances by market", "asg", g.id, "error", err)
		return nil
	}
	lc, err := g.launchConfig(ctx)
	if err != nil || lc.InstanceType == nil {
		return nil
	}
	grouped := make(map[market.Market][]string)
	for _, inst := range cfg.Instances {
		if inst.AvailabilityZone == nil || inst.InstanceId == nil {
			continue
		}
		m := market.New(*lc.InstanceType, *inst.AvailabilityZone)
		grouped[m] = append(grouped[m], *inst.InstanceId)
	}
	return grouped
}

// ModifyTargetCapacity clamps to the ASG's [MinSize, MaxSize] and, on a
// scale-down with TerminateExcess, removes scale-in protection from the
// first N instances being given up before lowering DesiredCapacity.
func (g *ASGGroup) ModifyTargetCapacity(ctx context.Context, newTarget float64, opts ModifyOptions) error {
	cfg, err := g.groupConfig(ctx)
	if err != nil {
		return &Error{GroupID: g.id, Err: err}
	}
	minSize := float64(aws.ToInt32(cfg.MinSize))
	maxSize := float64(aws.ToInt32(cfg.MaxSize))
	clamped := newTarget
	if clamped > maxSize {
		g.logger.Warn("clamping asg target to max size", "asg", g.id, "requested", newTarget, "max", maxSize)
		clamped = maxSize
	} else if clamped < minSize {
		g.logger.Warn("clamping asg target to min size", "asg", g.id, "requested", newTarget, "min", minSize)
		clamped = minSize
	}

	g.logger.Info("modifying asg target capacity", "asg", g.id, "new_target", clamped, "dry_run", opts.DryRun)
	if opts.DryRun {
		return nil
	}

	currentTarget := float64(aws.ToInt32(cfg.DesiredCapacity))
	diff := currentTarget - clamped
	if diff > 0 && opts.TerminateExcess {
		ids := g.InstanceIDs()
		n := int(diff)
		if n > len(ids) {
			n = len(ids)
		}
		if n > 0 {
			if _, err := g.asg.SetInstanceProtection(ctx, &autoscaling.SetInstanceProtectionInput{
				AutoScalingGroupName: &g.id,
				InstanceIds:          ids[:n],
				ProtectedFromScaleIn: aws.Bool(false),
			}); err != nil {
				return &Error{GroupID: g.id, Err: fmt.Errorf("removing scale-in protection: %w", err)}
			}
		}
	}

	_, err = g.asg.SetDesiredCapacity(ctx, &autoscaling.SetDesiredCapacityInput{
		AutoScalingGroupName: &g.id,
		DesiredCapacity:      aws.Int32(int32(clamped)),
		HonorCooldown:        aws.Bool(g.honorCooldown),
	})
	if err != nil {
		return &Error{GroupID: g.id, Err: fmt.Errorf("setting desired capacity: %w", err)}
	}
	g.cache.invalidate(groupConfigKey)
	return nil
}

// TerminateInstancesByID terminates instances directly via the EC2 API, the
// same bypass-the-fleet-API approach the spot-fleet backend uses, since the
// autoscaling API has no batch terminate call. Scale-in protection does not
// block an explicit EC2 termination; it only blocks the ASG's own automatic
// selection.
func (g *ASGGroup) TerminateInstancesByID(ctx context.Context, ids []string) ([]string, error) {
	owned := g.InstanceIDs()
	kept, dropped := ownedSubset(ids, owned)
	for _, id := range dropped {
		g.logger.Warn("refusing to terminate instance not owned by this group", "asg", g.id, "instance", id)
	}
	if len(kept) == 0 {
		g.logger.Warn("no instances to terminate", "asg", g.id)
		return nil, nil
	}

	out, err := g.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: kept})
	if err != nil {
		return nil, &Error{GroupID: g.id, Err: fmt.Errorf("terminating instances: %w", err)}
	}
	terminated := make([]string, 0, len(out.TerminatingInstances))
	for _, inst := range out.TerminatingInstances {
		if inst.InstanceId != nil {
			terminated = append(terminated, *inst.InstanceId)
		}
	}
	g.cache.invalidate(groupConfigKey)
	g.logger.Info("terminated asg instances", "asg", g.id, "terminated", terminated)
	return terminated, nil
}

func (g *ASGGroup) protectInstances(ctx context.Context, protect bool) error {
	if _, err := g.asg.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
		AutoScalingGroupName:             &g.id,
		NewInstancesProtectedFromScaleIn: aws.Bool(protect),
	}); err != nil {
		return fmt.Errorf("protecting new instances: %w", err)
	}
	ids := g.InstanceIDs()
	if len(ids) == 0 {
		return nil
	}
	_, err := g.asg.SetInstanceProtection(ctx, &autoscaling.SetInstanceProtectionInput{
		AutoScalingGroupName: &g.id,
		InstanceIds:          ids,
		ProtectedFromScaleIn: aws.Bool(protect),
	})
	return err
}

// compile-time interface check
var _ ResourceGroup = (*ASGGroup)(nil)
