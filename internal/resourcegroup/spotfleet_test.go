package resourcegroup

import (
	"context"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openarun/clusterman/internal/market"
)

type fakeSpotFleetAPI struct {
	config          ec2types.SpotFleetRequestConfig
	activeInstances []ec2types.ActiveInstance
	pageSize        int // >0 splits activeInstances into pages of this size
	instances       map[string]ec2types.Instance

	modifyCalls    []ec2.ModifySpotFleetRequestInput
	terminateCalls []ec2.TerminateInstancesInput
	modifyReturn   bool
}

func (f *fakeSpotFleetAPI) DescribeSpotFleetRequests(ctx context.Context, in *ec2.DescribeSpotFleetRequestsInput, opts ...func(*ec2.Options)) (*ec2.DescribeSpotFleetRequestsOutput, error) {
	return &ec2.DescribeSpotFleetRequestsOutput{
		SpotFleetRequestConfigs: []ec2types.SpotFleetRequestConfig{f.config},
	}, nil
}

func (f *fakeSpotFleetAPI) DescribeSpotFleetInstances(ctx context.Context, in *ec2.DescribeSpotFleetInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeSpotFleetInstancesOutput, error) {
	if f.pageSize <= 0 {
		return &ec2.DescribeSpotFleetInstancesOutput{ActiveInstances: f.activeInstances}, nil
	}
	start := 0
	if in.NextToken != nil {
		start, _ = strconv.Atoi(*in.NextToken)
	}
	end := start + f.pageSize
	out := &ec2.DescribeSpotFleetInstancesOutput{}
	if end < len(f.activeInstances) {
		out.NextToken = aws.String(strconv.Itoa(end))
	} else {
		end = len(f.activeInstances)
	}
	out.ActiveInstances = f.activeInstances[start:end]
	return out, nil
}

func (f *fakeSpotFleetAPI) ModifySpotFleetRequest(ctx context.Context, in *ec2.ModifySpotFleetRequestInput, opts ...func(*ec2.Options)) (*ec2.ModifySpotFleetRequestOutput, error) {
	f.modifyCalls = append(f.modifyCalls, *in)
	ret := f.modifyReturn
	if len(f.modifyCalls) == 1 && !f.modifyReturn {
		ret = true // default to success unless a test wants failure
	}
	return &ec2.ModifySpotFleetRequestOutput{Return: aws.Bool(ret)}, nil
}

func (f *fakeSpotFleetAPI) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	var reservation ec2types.Reservation
	for _, id := range in.InstanceIds {
		if inst, ok := f.instances[id]; ok {
			reservation.Instances = append(reservation.Instances, inst)
		}
	}
	return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{reservation}}, nil
}

func (f *fakeSpotFleetAPI) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.terminateCalls = append(f.terminateCalls, *in)
	out := &ec2.TerminateInstancesOutput{}
	for _, id := range in.InstanceIds {
		out.TerminatingInstances = append(out.TerminatingInstances, ec2types.InstanceStateChange{InstanceId: aws.String(id)})
	}
	return out, nil
}

func testSFRConfig(target int32, fulfilled float64, state ec2types.BatchState, weight float64) ec2types.SpotFleetRequestConfig {
	return ec2types.SpotFleetRequestConfig{
		SpotFleetRequestId:    aws.String("sfr-123"),
		SpotFleetRequestState: state,
		SpotFleetRequestConfig: &ec2types.SpotFleetRequestConfigData{
			TargetCapacity:    aws.Int32(target),
			FulfilledCapacity: aws.Float64(fulfilled),
			LaunchSpecifications: []ec2types.SpotFleetLaunchSpecification{
				{
					InstanceType:     "m5.large",
					WeightedCapacity: aws.Float64(weight),
					Placement:        &ec2types.SpotPlacement{AvailabilityZone: aws.String("us-east-1a")},
				},
			},
		},
	}
}

func TestSpotFleetGroup_TargetAndFulfilledCapacity(t *testing.T) {
	api := &fakeSpotFleetAPI{config: testSFRConfig(10, 8, ec2types.BatchStateActive, 1)}
	g := NewSpotFleetGroup(SpotFleetGroupConfig{SFRID: "sfr-123", EC2: api})

	if got := g.TargetCapacity(); got != 10 {
		t.Errorf("TargetCapacity() = %v, want 10", got)
	}
	if got := g.FulfilledCapacity(); got != 8 {
		t.Errorf("FulfilledCapacity() = %v, want 8", got)
	}
}

func TestSpotFleetGroup_IsStale(t *testing.T) {
	cases := []struct {
		state ec2types.BatchState
		stale bool
	}{
		{ec2types.BatchStateActive, false},
		{ec2types.BatchStateCancelled, true},
		{ec2types.BatchStateCancelledRunning, true},
		{ec2types.BatchStateCancelledTerminating, true},
		{ec2types.BatchStateFailed, true},
	}
	for _, c := range cases {
		api := &fakeSpotFleetAPI{config: testSFRConfig(1, 1, c.state, 1)}
		g := NewSpotFleetGroup(SpotFleetGroupConfig{SFRID: "sfr-123", EC2: api})
		if got := g.IsStale(); got != c.stale {
			t.Errorf("state %v: IsStale() = %v, want %v", c.state, got, c.stale)
		}
	}
}

func TestSpotFleetGroup_MarketWeight(t *testing.T) {
	api := &fakeSpotFleetAPI{config: testSFRConfig(10, 10, ec2types.BatchStateActive, 2.5)}
	g := NewSpotFleetGroup(SpotFleetGroupConfig{SFRID: "sfr-123", EC2: api})

	if w := g.MarketWeight(market.New("m5.large", "us-east-1a")); w != 2.5 {
		t.Errorf("MarketWeight(matching) = %v, want 2.5", w)
	}
	if w := g.MarketWeight(market.New("c5.xlarge", "us-east-1a")); w != 0 {
		t.Errorf("MarketWeight(unconfigured) = %v, want 0", w)
	}
}

func TestSpotFleetGroup_InstanceIDs_Paginates(t *testing.T) {
	api := &fakeSpotFleetAPI{
		config: testSFRConfig(2, 2, ec2types.BatchStateActive, 1),
		activeInstances: []ec2types.ActiveInstance{
			{InstanceId: aws.String("i-1")},
			{InstanceId: aws.String("i-2")},
		},
		pageSize: 1,
	}
	g := NewSpotFleetGroup(SpotFleetGroupConfig{SFRID: "sfr-123", EC2: api})

	ids := g.InstanceIDs()
	if len(ids) != 2 || ids[0] != "i-1" || ids[1] != "i-2" {
		t.Errorf("InstanceIDs() = %v, want [i-1 i-2]", ids)
	}
}

func TestSpotFleetGroup_ModifyTargetCapacity_DryRunNoOp(t *testing.T) {
	api := &fakeSpotFleetAPI{config: testSFRConfig(10, 10, ec2types.BatchStateActive, 1)}
	g := NewSpotFleetGroup(SpotFleetGroupConfig{SFRID: "sfr-123", EC2: api})

	if err := g.ModifyTargetCapacity(context.Background(), 5, ModifyOptions{DryRun: true}); err != nil {
		t.Fatalf("ModifyTargetCapacity: %v", err)
	}
	if len(api.modifyCalls) != 0 {
		t.Errorf("expected no modify calls in dry run, got %d", len(api.modifyCalls))
	}
}

func TestSpotFleetGroup_ModifyTargetCapacity_TerminationPolicy(t *testing.T) {
	api := &fakeSpotFleetAPI{config: testSFRConfig(10, 10, ec2types.BatchStateActive, 1), modifyReturn: true}
	g := NewSpotFleetGroup(SpotFleetGroupConfig{SFRID: "sfr-123", EC2: api})

	if err := g.ModifyTargetCapacity(context.Background(), 5, ModifyOptions{TerminateExcess: true}); err != nil {
		t.Fatalf("ModifyTargetCapacity: %v", err)
	}
	if got := api.modifyCalls[0].ExcessCapacityTerminationPolicy; got != ec2types.ExcessCapacityTerminationPolicyDefault {
		t.Errorf("ExcessCapacityTerminationPolicy = %v, want Default", got)
	}

	api2 := &fakeSpotFleetAPI{config: testSFRConfig(10, 10, ec2types.BatchStateActive, 1), modifyReturn: true}
	g2 := NewSpotFleetGroup(SpotFleetGroupConfig{SFRID: "sfr-123", EC2: api2})
	if err := g2.ModifyTargetCapacity(context.Background(), 5, ModifyOptions{}); err != nil {
		t.Fatalf("ModifyTargetCapacity: %v", err)
	}
	if got := api2.modifyCalls[0].ExcessCapacityTerminationPolicy; got != ec2types.ExcessCapacityTerminationPolicyNoTermination {
		t.Errorf("ExcessCapacityTerminationPolicy = %v, want NoTermination", got)
	}
}

func TestSpotFleetGroup_TerminateInstancesByID_FiltersUnowned(t *testing.T) {
	api := &fakeSpotFleetAPI{
		config: testSFRConfig(10, 10, ec2types.BatchStateActive, 2),
		activeInstances: []ec2types.ActiveInstance{
			{InstanceId: aws.String("i-1")},
		},
		instances: map[string]ec2types.Instance{
			"i-1": {
				InstanceId:   aws.String("i-1"),
				InstanceType: "m5.large",
				Placement:    &ec2types.Placement{AvailabilityZone: aws.String("us-east-1a")},
			},
		},
		modifyReturn: true,
	}
	g := NewSpotFleetGroup(SpotFleetGroupConfig{SFRID: "sfr-123", EC2: api})

	terminated, err := g.TerminateInstancesByID(context.Background(), []string{"i-1", "i-unowned"})
	if err != nil {
		t.Fatalf("TerminateInstancesByID: %v", err)
	}
	if len(terminated) != 1 || terminated[0] != "i-1" {
		t.Errorf("terminated = %v, want [i-1]", terminated)
	}
	if len(api.terminateCalls) != 1 || len(api.terminateCalls[0].InstanceIds) != 1 {
		t.Fatalf("expected single terminate call for owned instance only, got %+v", api.terminateCalls)
	}
	if len(api.modifyCalls) != 1 {
		t.Fatalf("expected target capacity decrement after termination, got %d modify calls", len(api.modifyCalls))
	}
	if got := aws.ToInt32(api.modifyCalls[0].TargetCapacity); got != 8 {
		t.Errorf("target capacity after termination = %d, want 10-2=8", got)
	}
}
