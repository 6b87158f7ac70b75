package aws

import (
	"context"
	"encoding/json"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	secretstypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/cartstream-io/cartstream/internal/provider"
)

type secretConfig struct {
	SecretName   string            `json:"secretName"`
	KmsKeyArn    string            `json:"kmsKeyArn"`
	SecretString map[string]any    `json:"secretString"`
	Tags         map[string]string `json:"tags"`
}

func (p *Provider) applySecret(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired secretConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode secret config: %w", err)
	}

	value, err := json.Marshal(desired.SecretString)
	if err != nil {
		return nil, fmt.Errorf("failed to encode secret value: %w", err)
	}

	input := &secretsmanager.CreateSecretInput{
		Name:         awssdk.String(desired.SecretName),
		SecretString: awssdk.String(string(value)),
		Tags:         secretsTags(desired.Tags),
	}
	if desired.KmsKeyArn != "" {
		input.KmsKeyId = awssdk.String(desired.KmsKeyArn)
	}

	var arn, versionID string
	out, err := p.secretsClient.CreateSecret(ctx, input)
	switch {
	case err == nil:
		arn = awssdk.ToString(out.ARN)
		versionID = awssdk.ToString(out.VersionId)
	case isCode(err, "ResourceExistsException"):
		put, perr := p.secretsClient.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
			SecretId:     awssdk.String(desired.SecretName),
			SecretString: awssdk.String(string(value)),
		})
		if perr != nil {
			return nil, fmt.Errorf("failed to update secret %s: %w", desired.SecretName, perr)
		}
		arn = awssdk.ToString(put.ARN)
		versionID = awssdk.ToString(put.VersionId)
	default:
		return nil, fmt.Errorf("failed to create secret %s: %w", desired.SecretName, err)
	}

	return echoState(req.Desired, map[string]any{
		"id":        arn,
		"arn":       arn,
		"versionId": versionID,
	})
}

func (p *Provider) readSecret(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	out, err := p.secretsClient.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: awssdk.String(req.ID),
	})
	if err != nil {
		if isCode(err, "ResourceNotFoundException") {
			return &provider.ReadResult{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to describe secret %s: %w", req.ID, err)
	}
	// A secret scheduled for deletion is gone for planning purposes.
	if out.DeletedDate != nil {
		return &provider.ReadResult{Exists: false}, nil
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deleteSecret(ctx context.Context, req *provider.DeleteRequest) error {
	// Recovery windows block recreating the deterministic secret name, so
	// teardown skips them.
	_, err := p.secretsClient.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   awssdk.String(req.ID),
		ForceDeleteWithoutRecovery: awssdk.Bool(true),
	})
	if err != nil && !isCode(err, "ResourceNotFoundException") {
		return fmt.Errorf("failed to delete secret %s: %w", req.ID, err)
	}
	return nil
}

func secretsTags(tags map[string]string) []secretstypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]secretstypes.Tag, 0, len(tags))
	for _, k := range tagKeys(tags) {
		out = append(out, secretstypes.Tag{Key: awssdk.String(k), Value: awssdk.String(tags[k])})
	}
	return out
}
