package metricsstore

import (
	"context"
	"fmt"
	"io"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/api/option"
	storagev1 "google.golang.org/api/storage/v1"
	"gopkg.in/yaml.v3"

	"github.com/openarun/clusterman/internal/autoscaler"
)

// Index is the decoded metrics-index document: for each metric type
// ("system" or "app"), the list of concrete metric names the metrics store
// currently has data for. Keyed the same way as the original's
// metrics_index[metric_type] list.
type Index map[string][]string

// IndexLocation names where a region's metrics-index document lives: Bucket
// is the S3 or GCS bucket and Region selects the "<region>.yaml" object.
// Which store is read depends on whether FetchS3Index or FetchGCSIndex is
// called.
type IndexLocation struct {
	Bucket string
	Region string
}

// FetchS3Index downloads and decodes the metrics-index document for region
// from an S3 bucket, keyed by "<region>.yaml" (grounded on
// get_metrics_index_from_s3 in the original autoscaler).
func FetchS3Index(ctx context.Context, client *s3.Client, loc IndexLocation) (Index, error) {
	key := loc.Region + ".yaml"
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("metricsstore: fetching s3://%s/%s: %w", loc.Bucket, key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("metricsstore: reading s3://%s/%s: %w", loc.Bucket, key, err)
	}
	return decodeIndex(body)
}

// FetchGCSIndex downloads and decodes the metrics-index document for region
// from a GCS bucket, using the same "<region>.yaml" key convention as the S3
// path, for pools running in a GCP cluster (SPEC_FULL.md DOMAIN STACK).
func FetchGCSIndex(ctx context.Context, opts []option.ClientOption, loc IndexLocation) (Index, error) {
	svc, err := storagev1.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("metricsstore: creating gcs client: %w", err)
	}
	key := loc.Region + ".yaml"
	resp, err := svc.Objects.Get(loc.Bucket, key).Download()
	if err != nil {
		return nil, fmt.Errorf("metricsstore: fetching gs://%s/%s: %w", loc.Bucket, key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("metricsstore: reading gs://%s/%s: %w", loc.Bucket, key, err)
	}
	return decodeIndex(body)
}

func decodeIndex(body []byte) (Index, error) {
	var idx Index
	if err := yaml.Unmarshal(body, &idx); err != nil {
		return nil, fmt.Errorf("metricsstore: decoding metrics index: %w", err)
	}
	return idx, nil
}

// ExpandMetrics resolves each spec's Name as a regular expression against
// the metrics index entries for its Type, returning one concrete MetricSpec
// per match. A spec whose Name already matches no pattern metacharacters
// still goes through regexp.MatchString, so a literal name with no matches
// in the index expands to zero specs rather than passing through unchanged
// — mirroring update_metrics_dict_list, which never falls back to the
// original name.
func ExpandMetrics(specs []autoscaler.MetricSpec, index Index) ([]autoscaler.MetricSpec, error) {
	var expanded []autoscaler.MetricSpec
	for _, spec := range specs {
		pattern, err := regexp.Compile(spec.Name)
		if err != nil {
			return nil, fmt.Errorf("metricsstore: compiling metric pattern %q: %w", spec.Name, err)
		}
		for _, candidate := range index[spec.Type] {
			if !pattern.MatchString(candidate) {
				continue
			}
			concrete := spec
			concrete.Name = candidate
			expanded = append(expanded, concrete)
		}
	}
	return expanded, nil
}
