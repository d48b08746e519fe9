package resourcegroup

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

func TestGroupMatches(t *testing.T) {
	tags := []asgtypes.TagDescription{
		{Key: aws.String(TagKey), Value: aws.String(`{"pool":"general","cluster":"prod"}`)},
	}
	if !groupMatches(tags, "prod", "general") {
		t.Error("expected match for correct cluster/pool")
	}
	if groupMatches(tags, "prod", "other-pool") {
		t.Error("expected no match for wrong pool")
	}
	if groupMatches(tags, "staging", "general") {
		t.Error("expected no match for wrong cluster")
	}
}

func TestGroupMatches_NoTag(t *testing.T) {
	if groupMatches(nil, "prod", "general") {
		t.Error("expected no match with no tags")
	}
}

func TestGroupMatches_MalformedTag(t *testing.T) {
	tags := []asgtypes.TagDescription{
		{Key: aws.String(TagKey), Value: aws.String("not-json")},
	}
	if groupMatches(tags, "prod", "general") {
		t.Error("expected no match for malformed tag value")
	}
}

func TestSFRMatches(t *testing.T) {
	tags := []ec2types.Tag{
		{Key: aws.String(TagKey), Value: aws.String(`{"pool":"general","cluster":"prod"}`)},
	}
	if !sfrMatches(tags, "prod", "general") {
		t.Error("expected match for correct cluster/pool")
	}
	if sfrMatches(tags, "prod", "other-pool") {
		t.Error("expected no match for wrong pool")
	}
}
