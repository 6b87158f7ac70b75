package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	firehosetypes "github.com/aws/aws-sdk-go-v2/service/firehose/types"

	"github.com/cartstream-io/cartstream/internal/provider"
)

type deliveryStreamConfig struct {
	DeliveryStreamName  string               `json:"deliveryStreamName"`
	SourceStreamArn     string               `json:"sourceStreamArn"`
	RoleArn             string               `json:"roleArn"`
	Username            string               `json:"username"`
	MasterPassword      string               `json:"masterPassword"`
	S3Destination       *s3Destination       `json:"s3Destination"`
	RedshiftDestination *redshiftDestination `json:"redshiftDestination"`
	Logging             *deliveryLogging     `json:"logging"`
	Tags                map[string]string    `json:"tags"`
}

type s3Destination struct {
	BucketArn         string `json:"bucketArn"`
	Prefix            string `json:"prefix"`
	ErrorOutputPrefix string `json:"errorOutputPrefix"`
	BufferMB          int    `json:"bufferMB"`
	BufferSeconds     int    `json:"bufferSeconds"`
	Compression       string `json:"compression"`
	KmsKeyArn         string `json:"kmsKeyArn"`
}

type redshiftDestination struct {
	ClusterAddress       string `json:"clusterAddress"`
	ClusterPort          int    `json:"clusterPort"`
	DatabaseName         string `json:"databaseName"`
	DataTableName        string `json:"dataTableName"`
	CopyOptions          string `json:"copyOptions"`
	RetryDurationSeconds int    `json:"retryDurationSeconds"`
	IntermediatePrefix   string `json:"intermediatePrefix"`
	BucketArn            string `json:"bucketArn"`
	BufferMB             int    `json:"bufferMB"`
	BufferSeconds        int    `json:"bufferSeconds"`
	Compression          string `json:"compression"`
	KmsKeyArn            string `json:"kmsKeyArn"`
}

type deliveryLogging struct {
	LogGroup  string `json:"logGroup"`
	LogStream string `json:"logStream"`
}

func (p *Provider) applyDeliveryStream(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired deliveryStreamConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode delivery stream config: %w", err)
	}

	if priorString(req.Prior, "id") == "" {
		if err := p.createDeliveryStream(ctx, &desired); err != nil {
			return nil, err
		}
	} else {
		if err := p.updateDeliveryStream(ctx, &desired); err != nil {
			return nil, err
		}
	}

	if err := p.waitDeliveryStreamActive(ctx, desired.DeliveryStreamName); err != nil {
		return nil, err
	}

	out, err := p.firehoseClient.DescribeDeliveryStream(ctx, &firehose.DescribeDeliveryStreamInput{
		DeliveryStreamName: awssdk.String(desired.DeliveryStreamName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe delivery stream %s: %w", desired.DeliveryStreamName, err)
	}

	return echoState(req.Desired, map[string]any{
		"id":   desired.DeliveryStreamName,
		"name": desired.DeliveryStreamName,
		"arn":  awssdk.ToString(out.DeliveryStreamDescription.DeliveryStreamARN),
	})
}

func (p *Provider) createDeliveryStream(ctx context.Context, desired *deliveryStreamConfig) error {
	input := &firehose.CreateDeliveryStreamInput{
		DeliveryStreamName: awssdk.String(desired.DeliveryStreamName),
		DeliveryStreamType: firehosetypes.DeliveryStreamTypeKinesisStreamAsSource,
		KinesisStreamSourceConfiguration: &firehosetypes.KinesisStreamSourceConfiguration{
			KinesisStreamARN: awssdk.String(desired.SourceStreamArn),
			RoleARN:          awssdk.String(desired.RoleArn),
		},
		Tags: firehoseTags(desired.Tags),
	}

	switch {
	case desired.S3Destination != nil:
		dst := desired.S3Destination
		input.ExtendedS3DestinationConfiguration = &firehosetypes.ExtendedS3DestinationConfiguration{
			RoleARN:                  awssdk.String(desired.RoleArn),
			BucketARN:                awssdk.String(dst.BucketArn),
			Prefix:                   awssdk.String(dst.Prefix),
			ErrorOutputPrefix:        awssdk.String(dst.ErrorOutputPrefix),
			BufferingHints:           bufferingHints(dst.BufferMB, dst.BufferSeconds),
			CompressionFormat:        firehosetypes.CompressionFormat(dst.Compression),
			EncryptionConfiguration:  deliveryEncryption(dst.KmsKeyArn),
			CloudWatchLoggingOptions: loggingOptions(desired.Logging),
		}
	case desired.RedshiftDestination != nil:
		dst := desired.RedshiftDestination
		input.RedshiftDestinationConfiguration = &firehosetypes.RedshiftDestinationConfiguration{
			RoleARN:        awssdk.String(desired.RoleArn),
			ClusterJDBCURL: awssdk.String(redshiftJDBCURL(dst)),
			CopyCommand: &firehosetypes.CopyCommand{
				DataTableName: awssdk.String(dst.DataTableName),
				CopyOptions:   awssdk.String(dst.CopyOptions),
			},
			Username: awssdk.String(desired.Username),
			Password: awssdk.String(desired.MasterPassword),
			RetryOptions: &firehosetypes.RedshiftRetryOptions{
				DurationInSeconds: awssdk.Int32(int32(dst.RetryDurationSeconds)),
			},
			S3Configuration: &firehosetypes.S3DestinationConfiguration{
				RoleARN:                 awssdk.String(desired.RoleArn),
				BucketARN:               awssdk.String(dst.BucketArn),
				Prefix:                  awssdk.String(dst.IntermediatePrefix),
				BufferingHints:          bufferingHints(dst.BufferMB, dst.BufferSeconds),
				CompressionFormat:       firehosetypes.CompressionFormat(dst.Compression),
				EncryptionConfiguration: deliveryEncryption(dst.KmsKeyArn),
			},
			CloudWatchLoggingOptions: loggingOptions(desired.Logging),
		}
	default:
		return fmt.Errorf("delivery stream %s has no destination", desired.DeliveryStreamName)
	}

	_, err := p.firehoseClient.CreateDeliveryStream(ctx, input)
	if err != nil && !isCode(err, "ResourceInUseException") {
		return fmt.Errorf("failed to create delivery stream %s: %w", desired.DeliveryStreamName, err)
	}
	return nil
}

func (p *Provider) updateDeliveryStream(ctx context.Context, desired *deliveryStreamConfig) error {
	out, err := p.firehoseClient.DescribeDeliveryStream(ctx, &firehose.DescribeDeliveryStreamInput{
		DeliveryStreamName: awssdk.String(desired.DeliveryStreamName),
	})
	if err != nil {
		return fmt.Errorf("failed to describe delivery stream %s: %w", desired.DeliveryStreamName, err)
	}
	desc := out.DeliveryStreamDescription
	if len(desc.Destinations) == 0 {
		return fmt.Errorf("delivery stream %s reports no destinations", desired.DeliveryStreamName)
	}

	input := &firehose.UpdateDestinationInput{
		DeliveryStreamName:             awssdk.String(desired.DeliveryStreamName),
		CurrentDeliveryStreamVersionId: desc.VersionId,
		DestinationId:                  desc.Destinations[0].DestinationId,
	}

	switch {
	case desired.S3Destination != nil:
		dst := desired.S3Destination
		input.ExtendedS3DestinationUpdate = &firehosetypes.ExtendedS3DestinationUpdate{
			RoleARN:                  awssdk.String(desired.RoleArn),
			BucketARN:                awssdk.String(dst.BucketArn),
			Prefix:                   awssdk.String(dst.Prefix),
			ErrorOutputPrefix:        awssdk.String(dst.ErrorOutputPrefix),
			BufferingHints:           bufferingHints(dst.BufferMB, dst.BufferSeconds),
			CompressionFormat:        firehosetypes.CompressionFormat(dst.Compression),
			EncryptionConfiguration:  deliveryEncryption(dst.KmsKeyArn),
			CloudWatchLoggingOptions: loggingOptions(desired.Logging),
		}
	case desired.RedshiftDestination != nil:
		dst := desired.RedshiftDestination
		input.RedshiftDestinationUpdate = &firehosetypes.RedshiftDestinationUpdate{
			RoleARN:        awssdk.String(desired.RoleArn),
			ClusterJDBCURL: awssdk.String(redshiftJDBCURL(dst)),
			CopyCommand: &firehosetypes.CopyCommand{
				DataTableName: awssdk.String(dst.DataTableName),
				CopyOptions:   awssdk.String(dst.CopyOptions),
			},
			Username: awssdk.String(desired.Username),
			Password: awssdk.String(desired.MasterPassword),
			RetryOptions: &firehosetypes.RedshiftRetryOptions{
				DurationInSeconds: awssdk.Int32(int32(dst.RetryDurationSeconds)),
			},
			S3Update: &firehosetypes.S3DestinationUpdate{
				RoleARN:                 awssdk.String(desired.RoleArn),
				BucketARN:               awssdk.String(dst.BucketArn),
				Prefix:                  awssdk.String(dst.IntermediatePrefix),
				BufferingHints:          bufferingHints(dst.BufferMB, dst.BufferSeconds),
				CompressionFormat:       firehosetypes.CompressionFormat(dst.Compression),
				EncryptionConfiguration: deliveryEncryption(dst.KmsKeyArn),
			},
			CloudWatchLoggingOptions: loggingOptions(desired.Logging),
		}
	default:
		return fmt.Errorf("delivery stream %s has no destination", desired.DeliveryStreamName)
	}

	if _, err := p.firehoseClient.UpdateDestination(ctx, input); err != nil {
		return fmt.Errorf("failed to update delivery stream %s: %w", desired.DeliveryStreamName, err)
	}
	return nil
}

// waitDeliveryStreamActive polls until the stream leaves CREATING. The SDK
// ships no waiter for Firehose.
func (p *Provider) waitDeliveryStreamActive(ctx context.Context, name string) error {
	err := waitUntil(ctx, 10*time.Second, 10*time.Minute, func(ctx context.Context) (bool, error) {
		out, err := p.firehoseClient.DescribeDeliveryStream(ctx, &firehose.DescribeDeliveryStreamInput{
			DeliveryStreamName: awssdk.String(name),
		})
		if err != nil {
			return false, err
		}
		status := out.DeliveryStreamDescription.DeliveryStreamStatus
		if status == firehosetypes.DeliveryStreamStatusCreatingFailed {
			return false, fmt.Errorf("delivery stream %s failed to create", name)
		}
		return status == firehosetypes.DeliveryStreamStatusActive, nil
	})
	if err != nil {
		return fmt.Errorf("delivery stream %s did not become active: %w", name, err)
	}
	return nil
}

func (p *Provider) readDeliveryStream(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	_, err := p.firehoseClient.DescribeDeliveryStream(ctx, &firehose.DescribeDeliveryStreamInput{
		DeliveryStreamName: awssdk.String(req.ID),
	})
	if err != nil {
		if isCode(err, "ResourceNotFoundException") {
			return &provider.ReadResult{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to describe delivery stream %s: %w", req.ID, err)
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deleteDeliveryStream(ctx context.Context, req *provider.DeleteRequest) error {
	_, err := p.firehoseClient.DeleteDeliveryStream(ctx, &firehose.DeleteDeliveryStreamInput{
		DeliveryStreamName: awssdk.String(req.ID),
		AllowForceDelete:   awssdk.Bool(true),
	})
	if err != nil {
		if isCode(err, "ResourceNotFoundException") {
			return nil
		}
		return fmt.Errorf("failed to delete delivery stream %s: %w", req.ID, err)
	}

	err = waitUntil(ctx, 10*time.Second, 10*time.Minute, func(ctx context.Context) (bool, error) {
		_, err := p.firehoseClient.DescribeDeliveryStream(ctx, &firehose.DescribeDeliveryStreamInput{
			DeliveryStreamName: awssdk.String(req.ID),
		})
		if isCode(err, "ResourceNotFoundException") {
			return true, nil
		}
		return false, err
	})
	if err != nil {
		return fmt.Errorf("delivery stream %s did not finish deleting: %w", req.ID, err)
	}
	return nil
}

func redshiftJDBCURL(dst *redshiftDestination) string {
	return fmt.Sprintf("jdbc:redshift://%s:%d/%s", dst.ClusterAddress, dst.ClusterPort, dst.DatabaseName)
}

func bufferingHints(sizeMB, intervalSeconds int) *firehosetypes.BufferingHints {
	return &firehosetypes.BufferingHints{
		SizeInMBs:         awssdk.Int32(int32(sizeMB)),
		IntervalInSeconds: awssdk.Int32(int32(intervalSeconds)),
	}
}

func deliveryEncryption(kmsKeyArn string) *firehosetypes.EncryptionConfiguration {
	if kmsKeyArn == "" {
		return &firehosetypes.EncryptionConfiguration{
			NoEncryptionConfig: firehosetypes.NoEncryptionConfigNoEncryption,
		}
	}
	return &firehosetypes.EncryptionConfiguration{
		KMSEncryptionConfig: &firehosetypes.KMSEncryptionConfig{
			AWSKMSKeyARN: awssdk.String(kmsKeyArn),
		},
	}
}

func loggingOptions(logging *deliveryLogging) *firehosetypes.CloudWatchLoggingOptions {
	if logging == nil {
		return nil
	}
	return &firehosetypes.CloudWatchLoggingOptions{
		Enabled:       awssdk.Bool(true),
		LogGroupName:  awssdk.String(logging.LogGroup),
		LogStreamName: awssdk.String(logging.LogStream),
	}
}

func firehoseTags(tags map[string]string) []firehosetypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]firehosetypes.Tag, 0, len(tags))
	for _, k := range tagKeys(tags) {
		out = append(out, firehosetypes.Tag{Key: awssdk.String(k), Value: awssdk.String(tags[k])})
	}
	return out
}
