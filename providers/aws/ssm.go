package aws

import (
	"context"
	"encoding/json"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/cartstream-io/cartstream/internal/provider"
)

type parameterConfig struct {
	ParameterName string            `json:"parameterName"`
	Type          string            `json:"type"`
	Value         any               `json:"value"`
	Tags          map[string]string `json:"tags"`
}

func (p *Provider) applyParameter(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired parameterConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode parameter config: %w", err)
	}

	value, ok := desired.Value.(string)
	if !ok {
		value = fmt.Sprintf("%v", desired.Value)
	}

	out, err := p.ssmClient.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      awssdk.String(desired.ParameterName),
		Type:      ssmtypes.ParameterType(desired.Type),
		Value:     awssdk.String(value),
		Overwrite: awssdk.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put parameter %s: %w", desired.ParameterName, err)
	}

	// PutParameter rejects tags alongside Overwrite, so they go separately.
	if len(desired.Tags) > 0 {
		_, err := p.ssmClient.AddTagsToResource(ctx, &ssm.AddTagsToResourceInput{
			ResourceType: ssmtypes.ResourceTypeForTaggingParameter,
			ResourceId:   awssdk.String(desired.ParameterName),
			Tags:         ssmTags(desired.Tags),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to tag parameter %s: %w", desired.ParameterName, err)
		}
	}

	return echoState(req.Desired, map[string]any{
		"id":        desired.ParameterName,
		"name":      desired.ParameterName,
		"versionId": fmt.Sprintf("%d", out.Version),
	})
}

func (p *Provider) readParameter(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	_, err := p.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{Name: awssdk.String(req.ID)})
	if err != nil {
		if isCode(err, "ParameterNotFound") {
			return &provider.ReadResult{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to get parameter %s: %w", req.ID, err)
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deleteParameter(ctx context.Context, req *provider.DeleteRequest) error {
	_, err := p.ssmClient.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: awssdk.String(req.ID)})
	if err != nil && !isCode(err, "ParameterNotFound") {
		return fmt.Errorf("failed to delete parameter %s: %w", req.ID, err)
	}
	return nil
}

func ssmTags(tags map[string]string) []ssmtypes.Tag {
	out := make([]ssmtypes.Tag, 0, len(tags))
	for _, k := range tagKeys(tags) {
		out = append(out, ssmtypes.Tag{Key: awssdk.String(k), Value: awssdk.String(tags[k])})
	}
	return out
}
