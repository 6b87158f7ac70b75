package aws

import (
	"context"
	"encoding/json"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/cartstream-io/cartstream/internal/provider"
)

type keyConfig struct {
	Description        string            `json:"description"`
	EnableKeyRotation  bool              `json:"enableKeyRotation"`
	DeletionWindowDays int               `json:"deletionWindowDays"`
	Policy             json.RawMessage   `json:"policy"`
	Tags               map[string]string `json:"tags"`
}

type keyAliasConfig struct {
	AliasName   string `json:"aliasName"`
	TargetKeyID string `json:"targetKeyId"`
}

func (p *Provider) applyKey(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired keyConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode key config: %w", err)
	}

	keyID := priorString(req.Prior, "id")
	arn := priorString(req.Prior, "arn")
	if keyID == "" {
		out, err := p.kmsClient.CreateKey(ctx, &kms.CreateKeyInput{
			Description: awssdk.String(desired.Description),
			Policy:      awssdk.String(string(desired.Policy)),
			Tags:        kmsTags(desired.Tags),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create key: %w", err)
		}
		keyID = awssdk.ToString(out.KeyMetadata.KeyId)
		arn = awssdk.ToString(out.KeyMetadata.Arn)
	} else {
		_, err := p.kmsClient.PutKeyPolicy(ctx, &kms.PutKeyPolicyInput{
			KeyId:      awssdk.String(keyID),
			PolicyName: awssdk.String("default"),
			Policy:     awssdk.String(string(desired.Policy)),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update key policy for %s: %w", keyID, err)
		}
		_, err = p.kmsClient.UpdateKeyDescription(ctx, &kms.UpdateKeyDescriptionInput{
			KeyId:       awssdk.String(keyID),
			Description: awssdk.String(desired.Description),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update key description for %s: %w", keyID, err)
		}
	}

	if desired.EnableKeyRotation {
		if _, err := p.kmsClient.EnableKeyRotation(ctx, &kms.EnableKeyRotationInput{KeyId: awssdk.String(keyID)}); err != nil {
			return nil, fmt.Errorf("failed to enable rotation for %s: %w", keyID, err)
		}
	} else {
		if _, err := p.kmsClient.DisableKeyRotation(ctx, &kms.DisableKeyRotationInput{KeyId: awssdk.String(keyID)}); err != nil {
			return nil, fmt.Errorf("failed to disable rotation for %s: %w", keyID, err)
		}
	}

	return echoState(req.Desired, map[string]any{
		"id":  keyID,
		"arn": arn,
	})
}

func (p *Provider) readKey(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	out, err := p.kmsClient.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: awssdk.String(req.ID)})
	if err != nil {
		if isCode(err, "NotFoundException") {
			return &provider.ReadResult{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to describe key %s: %w", req.ID, err)
	}
	// A key pending deletion is gone for planning purposes.
	if out.KeyMetadata.KeyState == kmstypes.KeyStatePendingDeletion {
		return &provider.ReadResult{Exists: false}, nil
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deleteKey(ctx context.Context, req *provider.DeleteRequest) error {
	window := int32(7)
	if v, ok := priorState(req.Prior)["deletionWindowDays"].(float64); ok && v >= 7 {
		window = int32(v)
	}
	_, err := p.kmsClient.ScheduleKeyDeletion(ctx, &kms.ScheduleKeyDeletionInput{
		KeyId:               awssdk.String(req.ID),
		PendingWindowInDays: awssdk.Int32(window),
	})
	if err != nil && !isCode(err, "NotFoundException", "KMSInvalidStateException") {
		return fmt.Errorf("failed to schedule key deletion for %s: %w", req.ID, err)
	}
	return nil
}

func (p *Provider) applyKeyAlias(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired keyAliasConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode alias config: %w", err)
	}

	_, err := p.kmsClient.CreateAlias(ctx, &kms.CreateAliasInput{
		AliasName:   awssdk.String(desired.AliasName),
		TargetKeyId: awssdk.String(desired.TargetKeyID),
	})
	if isCode(err, "AlreadyExistsException") {
		_, err = p.kmsClient.UpdateAlias(ctx, &kms.UpdateAliasInput{
			AliasName:   awssdk.String(desired.AliasName),
			TargetKeyId: awssdk.String(desired.TargetKeyID),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create alias %s: %w", desired.AliasName, err)
	}

	return echoState(req.Desired, map[string]any{
		"id":   desired.AliasName,
		"name": desired.AliasName,
	})
}

func (p *Provider) deleteKeyAlias(ctx context.Context, req *provider.DeleteRequest) error {
	_, err := p.kmsClient.DeleteAlias(ctx, &kms.DeleteAliasInput{AliasName: awssdk.String(req.ID)})
	if err != nil && !isCode(err, "NotFoundException") {
		return fmt.Errorf("failed to delete alias %s: %w", req.ID, err)
	}
	return nil
}

func kmsTags(tags map[string]string) []kmstypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]kmstypes.Tag, 0, len(tags))
	for _, k := range tagKeys(tags) {
		out = append(out, kmstypes.Tag{TagKey: awssdk.String(k), TagValue: awssdk.String(tags[k])})
	}
	return out
}
