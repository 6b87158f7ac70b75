package aws

import (
	"context"
	"encoding/json"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/cartstream-io/cartstream/internal/provider"
)

type bucketConfig struct {
	BucketName        string            `json:"bucketName"`
	Region            string            `json:"region"`
	Versioning        bool              `json:"versioning"`
	BlockPublicAccess bool              `json:"blockPublicAccess"`
	ForceDestroy      bool              `json:"forceDestroy"`
	KmsKeyArn         string            `json:"kmsKeyArn"`
	Tags              map[string]string `json:"tags"`
}

type bucketLifecycleConfig struct {
	Bucket                             string                `json:"bucket"`
	Transitions                        []lifecycleTransition `json:"transitions"`
	AbortIncompleteMultipartUploadDays int                   `json:"abortIncompleteMultipartUploadDays"`
	ExpireAfterDays                    int                   `json:"expireAfterDays"`
}

type lifecycleTransition struct {
	StorageClass string `json:"storageClass"`
	AfterDays    int    `json:"afterDays"`
}

type bucketPolicyConfig struct {
	Bucket string          `json:"bucket"`
	Policy json.RawMessage `json:"policy"`
}

type bucketReplicationConfig struct {
	Bucket               string `json:"bucket"`
	RoleArn              string `json:"roleArn"`
	DestinationBucketArn string `json:"destinationBucketArn"`
	StorageClass         string `json:"storageClass"`
}

func (p *Provider) applyBucket(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired bucketConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode bucket config: %w", err)
	}

	region := desired.Region
	if region == "" {
		region = p.region
	}
	client := p.s3ClientFor(region)

	if priorString(req.Prior, "id") == "" {
		input := &s3.CreateBucketInput{Bucket: awssdk.String(desired.BucketName)}
		if region != "us-east-1" {
			input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
				LocationConstraint: s3types.BucketLocationConstraint(region),
			}
		}
		if _, err := client.CreateBucket(ctx, input); err != nil && !isCode(err, "BucketAlreadyOwnedByYou") {
			return nil, fmt.Errorf("failed to create bucket %s: %w", desired.BucketName, err)
		}
	}

	status := s3types.BucketVersioningStatusSuspended
	if desired.Versioning {
		status = s3types.BucketVersioningStatusEnabled
	}
	_, err := client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket:                  awssdk.String(desired.BucketName),
		VersioningConfiguration: &s3types.VersioningConfiguration{Status: status},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set versioning on %s: %w", desired.BucketName, err)
	}

	if _, err := client.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket:                            awssdk.String(desired.BucketName),
		ServerSideEncryptionConfiguration: bucketEncryption(desired.KmsKeyArn),
	}); err != nil {
		return nil, fmt.Errorf("failed to set encryption on %s: %w", desired.BucketName, err)
	}

	if desired.BlockPublicAccess {
		_, err := client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
			Bucket: awssdk.String(desired.BucketName),
			PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
				BlockPublicAcls:       awssdk.Bool(true),
				BlockPublicPolicy:     awssdk.Bool(true),
				IgnorePublicAcls:      awssdk.Bool(true),
				RestrictPublicBuckets: awssdk.Bool(true),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to block public access on %s: %w", desired.BucketName, err)
		}
	}

	if len(desired.Tags) > 0 {
		_, err := client.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
			Bucket:  awssdk.String(desired.BucketName),
			Tagging: &s3types.Tagging{TagSet: s3Tags(desired.Tags)},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to tag bucket %s: %w", desired.BucketName, err)
		}
	}

	return echoState(req.Desired, map[string]any{
		"id":   desired.BucketName,
		"name": desired.BucketName,
		"arn":  fmt.Sprintf("arn:aws:s3:::%s", desired.BucketName),
	})
}

func bucketEncryption(kmsKeyArn string) *s3types.ServerSideEncryptionConfiguration {
	byDefault := &s3types.ServerSideEncryptionByDefault{SSEAlgorithm: s3types.ServerSideEncryptionAes256}
	if kmsKeyArn != "" {
		byDefault = &s3types.ServerSideEncryptionByDefault{
			SSEAlgorithm:   s3types.ServerSideEncryptionAwsKms,
			KMSMasterKeyID: awssdk.String(kmsKeyArn),
		}
	}
	return &s3types.ServerSideEncryptionConfiguration{
		Rules: []s3types.ServerSideEncryptionRule{{
			ApplyServerSideEncryptionByDefault: byDefault,
			BucketKeyEnabled:                   awssdk.Bool(kmsKeyArn != ""),
		}},
	}
}

func (p *Provider) readBucket(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	client := p.s3ClientFor(priorString(req.Prior, "region"))
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: awssdk.String(req.ID)})
	if err != nil {
		if isCode(err, "NotFound", "NoSuchBucket") {
			return &provider.ReadResult{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to head bucket %s: %w", req.ID, err)
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deleteBucket(ctx context.Context, req *provider.DeleteRequest) error {
	prior := priorState(req.Prior)
	client := p.s3ClientFor(priorString(req.Prior, "region"))

	if force, _ := prior["forceDestroy"].(bool); force {
		if err := p.emptyBucket(ctx, client, req.ID); err != nil {
			return err
		}
	}

	_, err := client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: awssdk.String(req.ID)})
	if err != nil && !isCode(err, "NoSuchBucket") {
		return fmt.Errorf("failed to delete bucket %s: %w", req.ID, err)
	}
	return nil
}

// emptyBucket removes every object version and delete marker so the bucket
// delete call can succeed on a versioned bucket.
func (p *Provider) emptyBucket(ctx context.Context, client *s3.Client, bucket string) error {
	input := &s3.ListObjectVersionsInput{Bucket: awssdk.String(bucket)}
	for {
		page, err := client.ListObjectVersions(ctx, input)
		if err != nil {
			if isCode(err, "NoSuchBucket") {
				return nil
			}
			return fmt.Errorf("failed to list versions in %s: %w", bucket, err)
		}

		var objects []s3types.ObjectIdentifier
		for _, v := range page.Versions {
			objects = append(objects, s3types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId})
		}
		for _, m := range page.DeleteMarkers {
			objects = append(objects, s3types.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId})
		}
		if len(objects) > 0 {
			_, err := client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: awssdk.String(bucket),
				Delete: &s3types.Delete{Objects: objects, Quiet: awssdk.Bool(true)},
			})
			if err != nil {
				return fmt.Errorf("failed to purge objects from %s: %w", bucket, err)
			}
		}

		if !awssdk.ToBool(page.IsTruncated) {
			return nil
		}
		input.KeyMarker = page.NextKeyMarker
		input.VersionIdMarker = page.NextVersionIdMarker
	}
}

func (p *Provider) applyBucketLifecycle(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired bucketLifecycleConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode lifecycle config: %w", err)
	}

	rule := s3types.LifecycleRule{
		ID:     awssdk.String("archive-tiering"),
		Status: s3types.ExpirationStatusEnabled,
		Filter: &s3types.LifecycleRuleFilter{Prefix: awssdk.String("")},
	}
	for _, t := range desired.Transitions {
		rule.Transitions = append(rule.Transitions, s3types.Transition{
			Days:         awssdk.Int32(int32(t.AfterDays)),
			StorageClass: s3types.TransitionStorageClass(t.StorageClass),
		})
	}
	if desired.ExpireAfterDays > 0 {
		rule.Expiration = &s3types.LifecycleExpiration{Days: awssdk.Int32(int32(desired.ExpireAfterDays))}
	}
	if desired.AbortIncompleteMultipartUploadDays > 0 {
		rule.AbortIncompleteMultipartUpload = &s3types.AbortIncompleteMultipartUpload{
			DaysAfterInitiation: awssdk.Int32(int32(desired.AbortIncompleteMultipartUploadDays)),
		}
	}

	_, err := p.s3Client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket:                 awssdk.String(desired.Bucket),
		LifecycleConfiguration: &s3types.BucketLifecycleConfiguration{Rules: []s3types.LifecycleRule{rule}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set lifecycle on %s: %w", desired.Bucket, err)
	}

	return echoState(req.Desired, map[string]any{"id": desired.Bucket})
}

func (p *Provider) deleteBucketLifecycle(ctx context.Context, req *provider.DeleteRequest) error {
	bucket := priorString(req.Prior, "bucket")
	if bucket == "" {
		return nil
	}
	_, err := p.s3Client.DeleteBucketLifecycle(ctx, &s3.DeleteBucketLifecycleInput{Bucket: awssdk.String(bucket)})
	if err != nil && !isCode(err, "NoSuchBucket", "NoSuchLifecycleConfiguration") {
		return fmt.Errorf("failed to delete lifecycle on %s: %w", bucket, err)
	}
	return nil
}

func (p *Provider) applyBucketPolicy(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired bucketPolicyConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode bucket policy config: %w", err)
	}

	_, err := p.s3Client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: awssdk.String(desired.Bucket),
		Policy: awssdk.String(string(desired.Policy)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set policy on %s: %w", desired.Bucket, err)
	}

	return echoState(req.Desired, map[string]any{"id": desired.Bucket})
}

func (p *Provider) deleteBucketPolicy(ctx context.Context, req *provider.DeleteRequest) error {
	bucket := priorString(req.Prior, "bucket")
	if bucket == "" {
		return nil
	}
	_, err := p.s3Client.DeleteBucketPolicy(ctx, &s3.DeleteBucketPolicyInput{Bucket: awssdk.String(bucket)})
	if err != nil && !isCode(err, "NoSuchBucket", "NoSuchBucketPolicy") {
		return fmt.Errorf("failed to delete policy on %s: %w", bucket, err)
	}
	return nil
}

func (p *Provider) applyBucketReplication(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired bucketReplicationConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode replication config: %w", err)
	}

	_, err := p.s3Client.PutBucketReplication(ctx, &s3.PutBucketReplicationInput{
		Bucket: awssdk.String(desired.Bucket),
		ReplicationConfiguration: &s3types.ReplicationConfiguration{
			Role: awssdk.String(desired.RoleArn),
			Rules: []s3types.ReplicationRule{{
				ID:       awssdk.String("events-replica"),
				Status:   s3types.ReplicationRuleStatusEnabled,
				Priority: awssdk.Int32(1),
				Filter:   &s3types.ReplicationRuleFilter{Prefix: awssdk.String("")},
				DeleteMarkerReplication: &s3types.DeleteMarkerReplication{
					Status: s3types.DeleteMarkerReplicationStatusDisabled,
				},
				Destination: &s3types.Destination{
					Bucket:       awssdk.String(desired.DestinationBucketArn),
					StorageClass: s3types.StorageClass(desired.StorageClass),
				},
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set replication on %s: %w", desired.Bucket, err)
	}

	return echoState(req.Desired, map[string]any{"id": desired.Bucket})
}

func (p *Provider) deleteBucketReplication(ctx context.Context, req *provider.DeleteRequest) error {
	bucket := priorString(req.Prior, "bucket")
	if bucket == "" {
		return nil
	}
	_, err := p.s3Client.DeleteBucketReplication(ctx, &s3.DeleteBucketReplicationInput{Bucket: awssdk.String(bucket)})
	if err != nil && !isCode(err, "NoSuchBucket", "ReplicationConfigurationNotFoundError") {
		return fmt.Errorf("failed to delete replication on %s: %w", bucket, err)
	}
	return nil
}

func s3Tags(tags map[string]string) []s3types.Tag {
	out := make([]s3types.Tag, 0, len(tags))
	for _, k := range tagKeys(tags) {
		out = append(out, s3types.Tag{Key: awssdk.String(k), Value: awssdk.String(tags[k])})
	}
	return out
}
