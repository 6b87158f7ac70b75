package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/cartstream-io/cartstream/internal/provider"
)

type topicConfig struct {
	TopicName string            `json:"topicName"`
	KmsKeyArn string            `json:"kmsKeyArn"`
	Tags      map[string]string `json:"tags"`
}

type subscriptionConfig struct {
	TopicArn           string `json:"topicArn"`
	Protocol           string `json:"protocol"`
	Endpoint           string `json:"endpoint"`
	RawMessageDelivery bool   `json:"rawMessageDelivery"`
}

func (p *Provider) applyTopic(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired topicConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode topic config: %w", err)
	}

	// CreateTopic returns the existing topic for a matching name.
	out, err := p.snsClient.CreateTopic(ctx, &sns.CreateTopicInput{
		Name: awssdk.String(desired.TopicName),
		Tags: snsTags(desired.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create topic %s: %w", desired.TopicName, err)
	}
	arn := awssdk.ToString(out.TopicArn)

	if desired.KmsKeyArn != "" {
		_, err := p.snsClient.SetTopicAttributes(ctx, &sns.SetTopicAttributesInput{
			TopicArn:       awssdk.String(arn),
			AttributeName:  awssdk.String("KmsMasterKeyId"),
			AttributeValue: awssdk.String(desired.KmsKeyArn),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set encryption on topic %s: %w", desired.TopicName, err)
		}
	}

	return echoState(req.Desired, map[string]any{
		"id":   arn,
		"arn":  arn,
		"name": desired.TopicName,
	})
}

func (p *Provider) readTopic(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	_, err := p.snsClient.GetTopicAttributes(ctx, &sns.GetTopicAttributesInput{
		TopicArn: awssdk.String(req.ID),
	})
	if err != nil {
		if isCode(err, "NotFound", "NotFoundException") {
			return &provider.ReadResult{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to get topic %s: %w", req.ID, err)
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deleteTopic(ctx context.Context, req *provider.DeleteRequest) error {
	_, err := p.snsClient.DeleteTopic(ctx, &sns.DeleteTopicInput{TopicArn: awssdk.String(req.ID)})
	if err != nil && !isCode(err, "NotFound", "NotFoundException") {
		return fmt.Errorf("failed to delete topic %s: %w", req.ID, err)
	}
	return nil
}

func (p *Provider) applySubscription(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired subscriptionConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode subscription config: %w", err)
	}

	input := &sns.SubscribeInput{
		TopicArn:              awssdk.String(desired.TopicArn),
		Protocol:              awssdk.String(desired.Protocol),
		Endpoint:              awssdk.String(desired.Endpoint),
		ReturnSubscriptionArn: true,
	}
	if desired.RawMessageDelivery {
		input.Attributes = map[string]string{"RawMessageDelivery": "true"}
	}
	out, err := p.snsClient.Subscribe(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s to %s: %w", desired.Endpoint, desired.TopicArn, err)
	}
	arn := awssdk.ToString(out.SubscriptionArn)

	return echoState(req.Desired, map[string]any{
		"id":  arn,
		"arn": arn,
	})
}

func (p *Provider) deleteSubscription(ctx context.Context, req *provider.DeleteRequest) error {
	// Unconfirmed email subscriptions have no unsubscribable ARN.
	if !strings.HasPrefix(req.ID, "arn:") {
		return nil
	}
	_, err := p.snsClient.Unsubscribe(ctx, &sns.UnsubscribeInput{SubscriptionArn: awssdk.String(req.ID)})
	if err != nil && !isCode(err, "NotFound", "NotFoundException", "InvalidParameter") {
		return fmt.Errorf("failed to unsubscribe %s: %w", req.ID, err)
	}
	return nil
}

func snsTags(tags map[string]string) []snstypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]snstypes.Tag, 0, len(tags))
	for _, k := range tagKeys(tags) {
		out = append(out, snstypes.Tag{Key: awssdk.String(k), Value: awssdk.String(tags[k])})
	}
	return out
}
