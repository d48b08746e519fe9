package resourcegroup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// TagKey is the AWS tag whose value identifies a fleet's (cluster, pool)
// membership, JSON-encoded as {"pool": "...", "cluster": "..."}. This is the
// Go equivalent of the original's paasta_cluster/pool tag pair, collapsed
// into a single tag to avoid a second DescribeTags round trip.
const TagKey = "clusterman.io/membership"

type membership struct {
	Pool    string `json:"pool"`
	Cluster string `json:"cluster"`
}

// LoadConfig identifies the (cluster, pool) a pool manager wants resource
// groups for, and the AWS clients used to discover and construct them.
type LoadConfig struct {
	Cluster string
	Pool    string

	ASG    AutoScalingAPI
	EC2    interface {
		EC2TerminateAPI
		SpotFleetAPI
	}
	Logger *slog.Logger

	HonorCooldown bool
}

// Load discovers every ASG and spot fleet request tagged for the given
// cluster and pool, and returns a ResourceGroup for each. It mirrors the
// original's per-backend-type load() static method, but does both types in
// one pass since both share the same tag scheme here.
func Load(ctx context.Context, cfg LoadConfig) ([]ResourceGroup, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var groups []ResourceGroup

	asgIDs, err := matchingASGs(ctx, cfg.ASG, cfg.Cluster, cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("discovering auto scaling groups: %w", err)
	}
	for _, id := range asgIDs {
		g, err := NewASGGroup(ctx, ASGGroupConfig{
			GroupID:       id,
			ASG:           cfg.ASG,
			EC2:           cfg.EC2,
			Logger:        logger,
			HonorCooldown: cfg.HonorCooldown,
		})
		if err != nil {
			logger.Error("failed to load auto scaling group", "asg", id, "error", err)
			continue
		}
		groups = append(groups, g)
	}

	sfrIDs, err := matchingSpotFleets(ctx, cfg.EC2, cfg.Cluster, cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("discovering spot fleet requests: %w", err)
	}
	for _, id := range sfrIDs {
		groups = append(groups, NewSpotFleetGroup(SpotFleetGroupConfig{
			SFRID:  id,
			EC2:    cfg.EC2,
			Logger: logger,
		}))
	}

	return groups, nil
}

func matchingASGs(ctx context.Context, api AutoScalingAPI, cluster, pool string) ([]string, error) {
	var ids []string
	var nextToken *string
	for {
		out, err := api.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{NextToken: nextToken})
		if err != nil {
			return nil, err
		}
		for _, group := range out.AutoScalingGroups {
			if groupMatches(group.Tags, cluster, pool) {
				ids = append(ids, *group.AutoScalingGroupName)
			}
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		nextToken = out.NextToken
	}
	return ids, nil
}

func groupMatches(tags []asgtypes.TagDescription, cluster, pool string) bool {
	for _, tag := range tags {
		if tag.Key == nil || *tag.Key != TagKey || tag.Value == nil {
			continue
		}
		var m membership
		if err := json.Unmarshal([]byte(*tag.Value), &m); err != nil {
			continue
		}
		return m.Cluster == cluster && m.Pool == pool
	}
	return false
}

func matchingSpotFleets(ctx context.Context, api SpotFleetAPI, cluster, pool string) ([]string, error) {
	out, err := api.DescribeSpotFleetRequests(ctx, &ec2.DescribeSpotFleetRequestsInput{})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, cfg := range out.SpotFleetRequestConfigs {
		if sfrMatches(cfg.Tags, cluster, pool) {
			ids = append(ids, *cfg.SpotFleetRequestId)
		}
	}
	return ids, nil
}

func sfrMatches(tags []ec2types.Tag, cluster, pool string) bool {
	for _, tag := range tags {
		if tag.Key == nil || *tag.Key != TagKey || tag.Value == nil {
			continue
		}
		var m membership
		if err := json.Unmarshal([]byte(*tag.Value), &m); err != nil {
			continue
		}
		return m.Cluster == cluster && m.Pool == pool
	}
	return false
}
