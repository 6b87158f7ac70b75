package aws

import (
	"context"
	"encoding/json"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"

	"github.com/cartstream-io/cartstream/internal/provider"
)

type workGroupConfig struct {
	WorkGroupName    string            `json:"workGroupName"`
	OutputLocation   string            `json:"outputLocation"`
	EncryptionOption string            `json:"encryptionOption"`
	KmsKeyArn        string            `json:"kmsKeyArn"`
	EnforceWorkGroup bool              `json:"enforceWorkGroup"`
	Tags             map[string]string `json:"tags"`
}

func (p *Provider) applyWorkGroup(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired workGroupConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode workgroup config: %w", err)
	}

	resultConfig := &athenatypes.ResultConfiguration{
		OutputLocation: awssdk.String(desired.OutputLocation),
	}
	if desired.EncryptionOption != "" {
		resultConfig.EncryptionConfiguration = &athenatypes.EncryptionConfiguration{
			EncryptionOption: athenatypes.EncryptionOption(desired.EncryptionOption),
			KmsKey:           awssdk.String(desired.KmsKeyArn),
		}
	}

	if priorString(req.Prior, "id") == "" {
		_, err := p.athenaClient.CreateWorkGroup(ctx, &athena.CreateWorkGroupInput{
			Name: awssdk.String(desired.WorkGroupName),
			Configuration: &athenatypes.WorkGroupConfiguration{
				EnforceWorkGroupConfiguration: awssdk.Bool(desired.EnforceWorkGroup),
				ResultConfiguration:           resultConfig,
			},
			Tags: athenaTags(desired.Tags),
		})
		// Athena signals an existing workgroup with InvalidRequestException;
		// fall through to the update path when that happens.
		if err != nil && !isCode(err, "InvalidRequestException") {
			return nil, fmt.Errorf("failed to create workgroup %s: %w", desired.WorkGroupName, err)
		}
		if err == nil {
			return echoState(req.Desired, map[string]any{
				"id":   desired.WorkGroupName,
				"name": desired.WorkGroupName,
			})
		}
	}

	_, err := p.athenaClient.UpdateWorkGroup(ctx, &athena.UpdateWorkGroupInput{
		WorkGroup: awssdk.String(desired.WorkGroupName),
		ConfigurationUpdates: &athenatypes.WorkGroupConfigurationUpdates{
			EnforceWorkGroupConfiguration: awssdk.Bool(desired.EnforceWorkGroup),
			ResultConfigurationUpdates: &athenatypes.ResultConfigurationUpdates{
				OutputLocation:          awssdk.String(desired.OutputLocation),
				EncryptionConfiguration: resultConfig.EncryptionConfiguration,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update workgroup %s: %w", desired.WorkGroupName, err)
	}

	return echoState(req.Desired, map[string]any{
		"id":   desired.WorkGroupName,
		"name": desired.WorkGroupName,
	})
}

func (p *Provider) readWorkGroup(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	_, err := p.athenaClient.GetWorkGroup(ctx, &athena.GetWorkGroupInput{WorkGroup: awssdk.String(req.ID)})
	if err != nil {
		if isCode(err, "InvalidRequestException") {
			return &provider.ReadResult{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to get workgroup %s: %w", req.ID, err)
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deleteWorkGroup(ctx context.Context, req *provider.DeleteRequest) error {
	_, err := p.athenaClient.DeleteWorkGroup(ctx, &athena.DeleteWorkGroupInput{
		WorkGroup:             awssdk.String(req.ID),
		RecursiveDeleteOption: awssdk.Bool(true),
	})
	if err != nil && !isCode(err, "InvalidRequestException") {
		return fmt.Errorf("failed to delete workgroup %s: %w", req.ID, err)
	}
	return nil
}

func athenaTags(tags map[string]string) []athenatypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]athenatypes.Tag, 0, len(tags))
	for _, k := range tagKeys(tags) {
		out = append(out, athenatypes.Tag{Key: awssdk.String(k), Value: awssdk.String(tags[k])})
	}
	return out
}
