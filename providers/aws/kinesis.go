package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	kinesistypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"github.com/cartstream-io/cartstream/internal/provider"
)

const streamWaitTimeout = 5 * time.Minute

type streamConfig struct {
	StreamName        string            `json:"streamName"`
	ShardCount        int               `json:"shardCount"`
	RetentionHours    int               `json:"retentionHours"`
	KmsKeyArn         string            `json:"kmsKeyArn"`
	ShardLevelMetrics []string          `json:"shardLevelMetrics"`
	Tags              map[string]string `json:"tags"`
}

func (p *Provider) applyStream(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired streamConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode stream config: %w", err)
	}
	name := awssdk.String(desired.StreamName)

	if priorString(req.Prior, "id") == "" {
		_, err := p.kinesisClient.CreateStream(ctx, &kinesis.CreateStreamInput{
			StreamName: name,
			ShardCount: awssdk.Int32(int32(desired.ShardCount)),
		})
		if err != nil && !isCode(err, "ResourceInUseException") {
			return nil, fmt.Errorf("failed to create stream %s: %w", desired.StreamName, err)
		}
		if err := p.waitStreamActive(ctx, desired.StreamName); err != nil {
			return nil, err
		}
	}

	summary, err := p.kinesisClient.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{StreamName: name})
	if err != nil {
		return nil, fmt.Errorf("failed to describe stream %s: %w", desired.StreamName, err)
	}
	desc := summary.StreamDescriptionSummary

	// Kinesis allows one mutation at a time; the stream must return to
	// ACTIVE between each of the steps below.
	if current := int(awssdk.ToInt32(desc.OpenShardCount)); current != desired.ShardCount {
		_, err := p.kinesisClient.UpdateShardCount(ctx, &kinesis.UpdateShardCountInput{
			StreamName:       name,
			TargetShardCount: awssdk.Int32(int32(desired.ShardCount)),
			ScalingType:      kinesistypes.ScalingTypeUniformScaling,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to reshard stream %s: %w", desired.StreamName, err)
		}
		if err := p.waitStreamActive(ctx, desired.StreamName); err != nil {
			return nil, err
		}
	}

	if current := int(awssdk.ToInt32(desc.RetentionPeriodHours)); current != desired.RetentionHours {
		retention := awssdk.Int32(int32(desired.RetentionHours))
		if desired.RetentionHours > current {
			_, err = p.kinesisClient.IncreaseStreamRetentionPeriod(ctx, &kinesis.IncreaseStreamRetentionPeriodInput{
				StreamName:           name,
				RetentionPeriodHours: retention,
			})
		} else {
			_, err = p.kinesisClient.DecreaseStreamRetentionPeriod(ctx, &kinesis.DecreaseStreamRetentionPeriodInput{
				StreamName:           name,
				RetentionPeriodHours: retention,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("failed to set retention on stream %s: %w", desired.StreamName, err)
		}
		if err := p.waitStreamActive(ctx, desired.StreamName); err != nil {
			return nil, err
		}
	}

	if desired.KmsKeyArn != "" && desc.EncryptionType != kinesistypes.EncryptionTypeKms {
		_, err := p.kinesisClient.StartStreamEncryption(ctx, &kinesis.StartStreamEncryptionInput{
			StreamName:     name,
			EncryptionType: kinesistypes.EncryptionTypeKms,
			KeyId:          awssdk.String(desired.KmsKeyArn),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt stream %s: %w", desired.StreamName, err)
		}
		if err := p.waitStreamActive(ctx, desired.StreamName); err != nil {
			return nil, err
		}
	}

	if len(desired.ShardLevelMetrics) > 0 {
		_, err := p.kinesisClient.EnableEnhancedMonitoring(ctx, &kinesis.EnableEnhancedMonitoringInput{
			StreamName:        name,
			ShardLevelMetrics: metricsNames(desired.ShardLevelMetrics),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to enable shard metrics on %s: %w", desired.StreamName, err)
		}
		if err := p.waitStreamActive(ctx, desired.StreamName); err != nil {
			return nil, err
		}
	}

	if len(desired.Tags) > 0 {
		_, err := p.kinesisClient.AddTagsToStream(ctx, &kinesis.AddTagsToStreamInput{
			StreamName: name,
			Tags:       desired.Tags,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to tag stream %s: %w", desired.StreamName, err)
		}
	}

	return echoState(req.Desired, map[string]any{
		"id":   desired.StreamName,
		"name": desired.StreamName,
		"arn":  awssdk.ToString(desc.StreamARN),
	})
}

func (p *Provider) waitStreamActive(ctx context.Context, name string) error {
	waiter := kinesis.NewStreamExistsWaiter(p.kinesisClient)
	err := waiter.Wait(ctx, &kinesis.DescribeStreamInput{StreamName: awssdk.String(name)}, streamWaitTimeout)
	if err != nil {
		return fmt.Errorf("stream %s did not become active: %w", name, err)
	}
	return nil
}

func (p *Provider) readStream(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	_, err := p.kinesisClient.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{
		StreamName: awssdk.String(req.ID),
	})
	if err != nil {
		if isCode(err, "ResourceNotFoundException") {
			return &provider.ReadResult{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to describe stream %s: %w", req.ID, err)
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deleteStream(ctx context.Context, req *provider.DeleteRequest) error {
	_, err := p.kinesisClient.DeleteStream(ctx, &kinesis.DeleteStreamInput{
		StreamName:              awssdk.String(req.ID),
		EnforceConsumerDeletion: awssdk.Bool(true),
	})
	if err != nil {
		if isCode(err, "ResourceNotFoundException") {
			return nil
		}
		return fmt.Errorf("failed to delete stream %s: %w", req.ID, err)
	}

	waiter := kinesis.NewStreamNotExistsWaiter(p.kinesisClient)
	err = waiter.Wait(ctx, &kinesis.DescribeStreamInput{StreamName: awssdk.String(req.ID)}, streamWaitTimeout)
	if err != nil {
		return fmt.Errorf("stream %s did not finish deleting: %w", req.ID, err)
	}
	return nil
}

func metricsNames(metrics []string) []kinesistypes.MetricsName {
	out := make([]kinesistypes.MetricsName, 0, len(metrics))
	for _, m := range metrics {
		out = append(out, kinesistypes.MetricsName(m))
	}
	return out
}
