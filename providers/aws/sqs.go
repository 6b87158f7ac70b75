package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/cartstream-io/cartstream/internal/provider"
)

type queueConfig struct {
	QueueName        string            `json:"queueName"`
	RetentionSeconds int               `json:"retentionSeconds"`
	SseEnabled       bool              `json:"sseEnabled"`
	AllowSnsTopicArn string            `json:"allowSnsTopicArn"`
	Tags             map[string]string `json:"tags"`
}

func (p *Provider) applyQueue(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired queueConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode queue config: %w", err)
	}

	attrs := map[string]string{
		"MessageRetentionPeriod": fmt.Sprintf("%d", desired.RetentionSeconds),
	}
	if desired.SseEnabled {
		attrs["SqsManagedSseEnabled"] = "true"
	}

	var url string
	out, err := p.sqsClient.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  awssdk.String(desired.QueueName),
		Attributes: attrs,
		Tags:       desired.Tags,
	})
	var nameExists *sqstypes.QueueNameExists
	switch {
	case err == nil:
		url = awssdk.ToString(out.QueueUrl)
	case errors.As(err, &nameExists):
		got, gerr := p.sqsClient.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: awssdk.String(desired.QueueName)})
		if gerr != nil {
			return nil, fmt.Errorf("failed to locate queue %s: %w", desired.QueueName, gerr)
		}
		url = awssdk.ToString(got.QueueUrl)
	default:
		return nil, fmt.Errorf("failed to create queue %s: %w", desired.QueueName, err)
	}

	got, err := p.sqsClient.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       awssdk.String(url),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get attributes for queue %s: %w", desired.QueueName, err)
	}
	arn := got.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]

	// The queue policy needs the queue's own ARN, so it lands in a second
	// call after creation.
	if desired.AllowSnsTopicArn != "" {
		attrs["Policy"] = queueFanoutPolicy(arn, desired.AllowSnsTopicArn)
	}
	_, err = p.sqsClient.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl:   awssdk.String(url),
		Attributes: attrs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set attributes on queue %s: %w", desired.QueueName, err)
	}

	return echoState(req.Desired, map[string]any{
		"id":  url,
		"url": url,
		"arn": arn,
	})
}

func queueFanoutPolicy(queueArn, topicArn string) string {
	policy := map[string]any{
		"Version": "2012-10-17",
		"Statement": []any{map[string]any{
			"Sid":       "AllowTopicDelivery",
			"Effect":    "Allow",
			"Principal": map[string]any{"Service": "sns.amazonaws.com"},
			"Action":    "sqs:SendMessage",
			"Resource":  queueArn,
			"Condition": map[string]any{
				"ArnEquals": map[string]any{"aws:SourceArn": topicArn},
			},
		}},
	}
	raw, _ := json.Marshal(policy)
	return string(raw)
}

func (p *Provider) readQueue(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	_, err := p.sqsClient.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       awssdk.String(req.ID),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		var missing *sqstypes.QueueDoesNotExist
		if errors.As(err, &missing) {
			return &provider.ReadResult{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to get attributes for queue %s: %w", req.ID, err)
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deleteQueue(ctx context.Context, req *provider.DeleteRequest) error {
	_, err := p.sqsClient.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: awssdk.String(req.ID)})
	if err != nil {
		var missing *sqstypes.QueueDoesNotExist
		if errors.As(err, &missing) {
			return nil
		}
		return fmt.Errorf("failed to delete queue %s: %w", req.ID, err)
	}
	return nil
}
