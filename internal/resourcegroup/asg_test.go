package resourcegroup

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openarun/clusterman/internal/market"
)

// fakeASGAPI is a hand-rolled stand-in for AutoScalingAPI, recording calls
// made to it so tests can assert on side effects without a live AWS account.
type fakeASGAPI struct {
	group        asgtypes.AutoScalingGroup
	launchConfig asgtypes.LaunchConfiguration

	setDesiredCalls      []autoscaling.SetDesiredCapacityInput
	setProtectionCalls   []autoscaling.SetInstanceProtectionInput
	updateGroupCalls     []autoscaling.UpdateAutoScalingGroupInput
}

func (f *fakeASGAPI) DescribeAutoScalingGroups(ctx context.Context, in *autoscaling.DescribeAutoScalingGroupsInput, opts ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	return &autoscaling.DescribeAutoScalingGroupsOutput{AutoScalingGroups: []asgtypes.AutoScalingGroup{f.group}}, nil
}

func (f *fakeASGAPI) DescribeLaunchConfigurations(ctx context.Context, in *autoscaling.DescribeLaunchConfigurationsInput, opts ...func(*autoscaling.Options)) (*autoscaling.DescribeLaunchConfigurationsOutput, error) {
	return &autoscaling.DescribeLaunchConfigurationsOutput{LaunchConfigurations: []asgtypes.LaunchConfiguration{f.launchConfig}}, nil
}

func (f *fakeASGAPI) SetDesiredCapacity(ctx context.Context, in *autoscaling.SetDesiredCapacityInput, opts ...func(*autoscaling.Options)) (*autoscaling.SetDesiredCapacityOutput, error) {
	f.setDesiredCalls = append(f.setDesiredCalls, *in)
	return &autoscaling.SetDesiredCapacityOutput{}, nil
}

func (f *fakeASGAPI) SetInstanceProtection(ctx context.Context, in *autoscaling.SetInstanceProtectionInput, opts ...func(*autoscaling.Options)) (*autoscaling.SetInstanceProtectionOutput, error) {
	f.setProtectionCalls = append(f.setProtectionCalls, *in)
	return &autoscaling.SetInstanceProtectionOutput{}, nil
}

func (f *fakeASGAPI) UpdateAutoScalingGroup(ctx context.Context, in *autoscaling.UpdateAutoScalingGroupInput, opts ...func(*autoscaling.Options)) (*autoscaling.UpdateAutoScalingGroupOutput, error) {
	f.updateGroupCalls = append(f.updateGroupCalls, *in)
	return &autoscaling.UpdateAutoScalingGroupOutput{}, nil
}

type fakeEC2Terminate struct {
	calls     []ec2.TerminateInstancesInput
	terminate []string
}

func (f *fakeEC2Terminate) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.calls = append(f.calls, *in)
	out := &ec2.TerminateInstancesOutput{}
	ids := in.InstanceIds
	if f.terminate != nil {
		ids = f.terminate
	}
	for _, id := range ids {
		out.TerminatingInstances = append(out.TerminatingInstances, ec2types.InstanceStateChange{InstanceId: aws.String(id)})
	}
	return out, nil
}

func testGroup(desired, min, max int32, instanceIDs []string, azs []string) asgtypes.AutoScalingGroup {
	instances := make([]asgtypes.Instance, 0, len(instanceIDs))
	for i, id := range instanceIDs {
		az := "us-east-1a"
		if i < len(azs) {
			az = azs[i]
		}
		instances = append(instances, asgtypes.Instance{InstanceId: aws.String(id), AvailabilityZone: aws.String(az)})
	}
	return asgtypes.AutoScalingGroup{
		AutoScalingGroupName:    aws.String("test-asg"),
		DesiredCapacity:         aws.Int32(desired),
		MinSize:                 aws.Int32(min),
		MaxSize:                 aws.Int32(max),
		Instances:               instances,
		AvailabilityZones:       azs,
		LaunchConfigurationName: aws.String("test-lc"),
	}
}

func newTestASGGroup(t *testing.T, api *fakeASGAPI, ec2api *fakeEC2Terminate) *ASGGroup {
	t.Helper()
	g, err := NewASGGroup(context.Background(), ASGGroupConfig{
		GroupID: "test-asg",
		ASG:     api,
		EC2:     ec2api,
	})
	if err != nil {
		t.Fatalf("NewASGGroup: %v", err)
	}
	return g
}

func TestASGGroup_TargetAndFulfilledCapacity(t *testing.T) {
	api := &fakeASGAPI{
		group:        testGroup(3, 1, 10, []string{"i-1", "i-2", "i-3"}, []string{"us-east-1a"}),
		launchConfig: asgtypes.LaunchConfiguration{InstanceType: aws.String("m5.large")},
	}
	g := newTestASGGroup(t, api, &fakeEC2Terminate{})

	if got := g.TargetCapacity(); got != 3 {
		t.Errorf("TargetCapacity() = %v, want 3", got)
	}
	if got := g.FulfilledCapacity(); got != 3 {
		t.Errorf("FulfilledCapacity() = %v, want 3", got)
	}
}

func TestASGGroup_MarketWeight(t *testing.T) {
	api := &fakeASGAPI{
		group:        testGroup(2, 1, 10, []string{"i-1", "i-2"}, []string{"us-east-1a"}),
		launchConfig: asgtypes.LaunchConfiguration{InstanceType: aws.String("m5.large")},
	}
	g := newTestASGGroup(t, api, &fakeEC2Terminate{})

	if w := g.MarketWeight(market.New("m5.large", "us-east-1a")); w != 2 {
		t.Errorf("MarketWeight(matching) = %v, want 2 (cpus)", w)
	}
	if w := g.MarketWeight(market.New("m5.large", "us-east-1b")); w != 0 {
		t.Errorf("MarketWeight(wrong zone) = %v, want 0", w)
	}
	if w := g.MarketWeight(market.New("c5.xlarge", "us-east-1a")); w != 0 {
		t.Errorf("MarketWeight(wrong type) = %v, want 0", w)
	}
}

func TestASGGroup_ModifyTargetCapacity_ClampsToMax(t *testing.T) {
	api := &fakeASGAPI{
		group:        testGroup(3, 1, 10, []string{"i-1", "i-2", "i-3"}, []string{"us-east-1a"}),
		launchConfig: asgtypes.LaunchConfiguration{InstanceType: aws.String("m5.large")},
	}
	g := newTestASGGroup(t, api, &fakeEC2Terminate{})

	if err := g.ModifyTargetCapacity(context.Background(), 1000, ModifyOptions{}); err != nil {
		t.Fatalf("ModifyTargetCapacity: %v", err)
	}
	if len(api.setDesiredCalls) != 1 {
		t.Fatalf("expected 1 SetDesiredCapacity call, got %d", len(api.setDesiredCalls))
	}
	if got := aws.ToInt32(api.setDesiredCalls[0].DesiredCapacity); got != 10 {
		t.Errorf("desired capacity = %d, want clamped to max 10", got)
	}
}

func TestASGGroup_ModifyTargetCapacity_ClampsToMin(t *testing.T) {
	api := &fakeASGAPI{
		group:        testGroup(3, 1, 10, []string{"i-1", "i-2", "i-3"}, []string{"us-east-1a"}),
		launchConfig: asgtypes.LaunchConfiguration{InstanceType: aws.String("m5.large")},
	}
	g := newTestASGGroup(t, api, &fakeEC2Terminate{})

	if err := g.ModifyTargetCapacity(context.Background(), 0, ModifyOptions{}); err != nil {
		t.Fatalf("ModifyTargetCapacity: %v", err)
	}
	if got := aws.ToInt32(api.setDesiredCalls[0].DesiredCapacity); got != 1 {
		t.Errorf("desired capacity = %d, want clamped to min 1", got)
	}
}

func TestASGGroup_ModifyTargetCapacity_DryRunNoOp(t *testing.T) {
	api := &fakeASGAPI{
		group:        testGroup(3, 1, 10, []string{"i-1", "i-2", "i-3"}, []string{"us-east-1a"}),
		launchConfig: asgtypes.LaunchConfiguration{InstanceType: aws.String("m5.large")},
	}
	g := newTestASGGroup(t, api, &fakeEC2Terminate{})

	if err := g.ModifyTargetCapacity(context.Background(), 5, ModifyOptions{DryRun: true}); err != nil {
		t.Fatalf("ModifyTargetCapacity: %v", err)
	}
	if len(api.setDesiredCalls) != 0 {
		t.Errorf("expected no SetDesiredCapacity calls during dry run, got %d", len(api.setDesiredCalls))
	}
}

func TestASGGroup_ModifyTargetCapacity_UnprotectsBeforeScalingDown(t *testing.T) {
	api := &fakeASGAPI{
		group:        testGroup(5, 1, 10, []string{"i-1", "i-2", "i-3", "i-4", "i-5"}, []string{"us-east-1a"}),
		launchConfig: asgtypes.LaunchConfiguration{InstanceType: aws.String("m5.large")},
	}
	g := newTestASGGroup(t, api, &fakeEC2Terminate{})
	// reset calls recorded by the constructor's initial protect-all pass
	api.setProtectionCalls = nil

	if err := g.ModifyTargetCapacity(context.Background(), 3, ModifyOptions{TerminateExcess: true}); err != nil {
		t.Fatalf("ModifyTargetCapacity: %v", err)
	}
	if len(api.setProtectionCalls) != 1 {
		t.Fatalf("expected 1 unprotect call, got %d", len(api.setProtectionCalls))
	}
	call := api.setProtectionCalls[0]
	if aws.ToBool(call.ProtectedFromScaleIn) != false {
		t.Errorf("expected ProtectedFromScaleIn=false, got true")
	}
	if len(call.InstanceIds) != 2 {
		t.Errorf("expected 2 instances unprotected (5-3), got %d", len(call.InstanceIds))
	}
}

func TestASGGroup_TerminateInstancesByID_FiltersUnowned(t *testing.T) {
	api := &fakeASGAPI{
		group:        testGroup(2, 1, 10, []string{"i-1", "i-2"}, []string{"us-east-1a"}),
		launchConfig: asgtypes.LaunchConfiguration{InstanceType: aws.String("m5.large")},
	}
	ec2api := &fakeEC2Terminate{}
	g := newTestASGGroup(t, api, ec2api)

	terminated, err := g.TerminateInstancesByID(context.Background(), []string{"i-1", "i-999"})
	if err != nil {
		t.Fatalf("TerminateInstancesByID: %v", err)
	}
	if len(ec2api.calls) != 1 || len(ec2api.calls[0].InstanceIds) != 1 || ec2api.calls[0].InstanceIds[0] != "i-1" {
		t.Fatalf("expected EC2 terminate call for only i-1, got %+v", ec2api.calls)
	}
	if len(terminated) != 1 || terminated[0] != "i-1" {
		t.Errorf("terminated = %v, want [i-1]", terminated)
	}
}

func TestASGGroup_TerminateInstancesByID_NoneOwned(t *testing.T) {
	api := &fakeASGAPI{
		group:        testGroup(1, 1, 10, []string{"i-1"}, []string{"us-east-1a"}),
		launchConfig: asgtypes.LaunchConfiguration{InstanceType: aws.String("m5.large")},
	}
	ec2api := &fakeEC2Terminate{}
	g := newTestASGGroup(t, api, ec2api)

	terminated, err := g.TerminateInstancesByID(context.Background(), []string{"i-999"})
	if err != nil {
		t.Fatalf("TerminateInstancesByID: %v", err)
	}
	if len(ec2api.calls) != 0 {
		t.Errorf("expected no EC2 calls, got %d", len(ec2api.calls))
	}
	if len(terminated) != 0 {
		t.Errorf("terminated = %v, want empty", terminated)
	}
}

func TestASGGroup_ConstructorProtectsExistingInstances(t *testing.T) {
	api := &fakeASGAPI{
		group:        testGroup(2, 1, 10, []string{"i-1", "i-2"}, []string{"us-east-1a"}),
		launchConfig: asgtypes.LaunchConfiguration{InstanceType: aws.String("m5.large")},
	}
	_ = newTestASGGroup(t, api, &fakeEC2Terminate{})

	if len(api.updateGroupCalls) != 1 {
		t.Fatalf("expected 1 UpdateAutoScalingGroup call, got %d", len(api.updateGroupCalls))
	}
	if len(api.setProtectionCalls) != 1 || len(api.setProtectionCalls[0].InstanceIds) != 2 {
		t.Fatalf("expected initial protection applied to both instances, got %+v", api.setProtectionCalls)
	}
}
