package aws

import (
	"context"
	"encoding/json"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/cartstream-io/cartstream/internal/provider"
)

type roleConfig struct {
	RoleName         string            `json:"roleName"`
	AssumeRolePolicy json.RawMessage   `json:"assumeRolePolicy"`
	Tags             map[string]string `json:"tags"`
}

type policyConfig struct {
	PolicyName string          `json:"policyName"`
	Document   json.RawMessage `json:"document"`
}

type attachmentConfig struct {
	RoleName  string `json:"roleName"`
	PolicyArn string `json:"policyArn"`
}

func (p *Provider) applyRole(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired roleConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode role config: %w", err)
	}

	var arn string
	out, err := p.iamClient.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 awssdk.String(desired.RoleName),
		AssumeRolePolicyDocument: awssdk.String(string(desired.AssumeRolePolicy)),
		Tags:                     iamTags(desired.Tags),
	})
	switch {
	case err == nil:
		arn = awssdk.ToString(out.Role.Arn)
	case isCode(err, "EntityAlreadyExists"):
		// Converge the trust policy on the existing role.
		if _, err := p.iamClient.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
			RoleName:       awssdk.String(desired.RoleName),
			PolicyDocument: awssdk.String(string(desired.AssumeRolePolicy)),
		}); err != nil {
			return nil, fmt.Errorf("failed to update trust policy for %s: %w", desired.RoleName, err)
		}
		got, err := p.iamClient.GetRole(ctx, &iam.GetRoleInput{RoleName: awssdk.String(desired.RoleName)})
		if err != nil {
			return nil, fmt.Errorf("failed to get role %s: %w", desired.RoleName, err)
		}
		arn = awssdk.ToString(got.Role.Arn)
	default:
		return nil, fmt.Errorf("failed to create role %s: %w", desired.RoleName, err)
	}

	return echoState(req.Desired, map[string]any{
		"id":   desired.RoleName,
		"name": desired.RoleName,
		"arn":  arn,
	})
}

func (p *Provider) readRole(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	_, err := p.iamClient.GetRole(ctx, &iam.GetRoleInput{RoleName: awssdk.String(req.ID)})
	if err != nil {
		if isCode(err, "NoSuchEntity") {
			return &provider.ReadResult{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to get role %s: %w", req.ID, err)
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deleteRole(ctx context.Context, req *provider.DeleteRequest) error {
	name := awssdk.String(req.ID)

	// Managed attachments block deletion; sweep them first.
	attached, err := p.iamClient.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: name})
	if err == nil {
		for _, ap := range attached.AttachedPolicies {
			_, _ = p.iamClient.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
				RoleName:  name,
				PolicyArn: ap.PolicyArn,
			})
		}
	}

	_, err = p.iamClient.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: name})
	if err != nil && !isCode(err, "NoSuchEntity") {
		return fmt.Errorf("failed to delete role %s: %w", req.ID, err)
	}
	return nil
}

func (p *Provider) applyPolicy(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired policyConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode policy config: %w", err)
	}

	var arn string
	out, err := p.iamClient.CreatePolicy(ctx, &iam.CreatePolicyInput{
		PolicyName:     awssdk.String(desired.PolicyName),
		PolicyDocument: awssdk.String(string(desired.Document)),
	})
	switch {
	case err == nil:
		arn = awssdk.ToString(out.Policy.Arn)
	case isCode(err, "EntityAlreadyExists"):
		account, aerr := p.accountID(ctx)
		if aerr != nil {
			return nil, aerr
		}
		arn = fmt.Sprintf("arn:aws:iam::%s:policy/%s", account, desired.PolicyName)
		if err := p.rotatePolicyVersion(ctx, arn, desired.Document); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to create policy %s: %w", desired.PolicyName, err)
	}

	return echoState(req.Desired, map[string]any{
		"id":   desired.PolicyName,
		"name": desired.PolicyName,
		"arn":  arn,
	})
}

// rotatePolicyVersion publishes the document as the new default version,
// pruning the oldest non-default version when the five-version limit hits.
func (p *Provider) rotatePolicyVersion(ctx context.Context, arn string, document json.RawMessage) error {
	input := &iam.CreatePolicyVersionInput{
		PolicyArn:      awssdk.String(arn),
		PolicyDocument: awssdk.String(string(document)),
		SetAsDefault:   true,
	}
	_, err := p.iamClient.CreatePolicyVersion(ctx, input)
	if err == nil {
		return nil
	}
	if !isCode(err, "LimitExceeded") {
		return fmt.Errorf("failed to create policy version for %s: %w", arn, err)
	}

	versions, err := p.iamClient.ListPolicyVersions(ctx, &iam.ListPolicyVersionsInput{PolicyArn: awssdk.String(arn)})
	if err != nil {
		return fmt.Errorf("failed to list policy versions for %s: %w", arn, err)
	}
	for _, v := range versions.Versions {
		if !v.IsDefaultVersion {
			_, err = p.iamClient.DeletePolicyVersion(ctx, &iam.DeletePolicyVersionInput{
				PolicyArn: awssdk.String(arn),
				VersionId: v.VersionId,
			})
			if err != nil {
				return fmt.Errorf("failed to prune policy version for %s: %w", arn, err)
			}
			break
		}
	}

	if _, err := p.iamClient.CreatePolicyVersion(ctx, input); err != nil {
		return fmt.Errorf("failed to create policy version for %s: %w", arn, err)
	}
	return nil
}

func (p *Provider) readPolicy(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	arn := priorString(req.Prior, "arn")
	if arn == "" {
		return &provider.ReadResult{Exists: false}, nil
	}
	_, err := p.iamClient.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: awssdk.String(arn)})
	if err != nil {
		if isCode(err, "NoSuchEntity") {
			return &provider.ReadResult{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to get policy %s: %w", arn, err)
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deletePolicy(ctx context.Context, req *provider.DeleteRequest) error {
	arn := priorString(req.Prior, "arn")
	if arn == "" {
		return nil
	}

	versions, err := p.iamClient.ListPolicyVersions(ctx, &iam.ListPolicyVersionsInput{PolicyArn: awssdk.String(arn)})
	if err == nil {
		for _, v := range versions.Versions {
			if !v.IsDefaultVersion {
				_, _ = p.iamClient.DeletePolicyVersion(ctx, &iam.DeletePolicyVersionInput{
					PolicyArn: awssdk.String(arn),
					VersionId: v.VersionId,
				})
			}
		}
	}

	_, err = p.iamClient.DeletePolicy(ctx, &iam.DeletePolicyInput{PolicyArn: awssdk.String(arn)})
	if err != nil && !isCode(err, "NoSuchEntity") {
		return fmt.Errorf("failed to delete policy %s: %w", arn, err)
	}
	return nil
}

func (p *Provider) applyRolePolicyAttachment(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired attachmentConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode attachment config: %w", err)
	}

	// AttachRolePolicy is idempotent for an existing attachment.
	_, err := p.iamClient.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  awssdk.String(desired.RoleName),
		PolicyArn: awssdk.String(desired.PolicyArn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach %s to %s: %w", desired.PolicyArn, desired.RoleName, err)
	}

	return echoState(req.Desired, map[string]any{
		"id": fmt.Sprintf("%s/%s", desired.RoleName, desired.PolicyArn),
	})
}

func (p *Provider) deleteRolePolicyAttachment(ctx context.Context, req *provider.DeleteRequest) error {
	roleName := priorString(req.Prior, "roleName")
	policyArn := priorString(req.Prior, "policyArn")
	if roleName == "" || policyArn == "" {
		return nil
	}
	_, err := p.iamClient.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
		RoleName:  awssdk.String(roleName),
		PolicyArn: awssdk.String(policyArn),
	})
	if err != nil && !isCode(err, "NoSuchEntity") {
		return fmt.Errorf("failed to detach %s from %s: %w", policyArn, roleName, err)
	}
	return nil
}

func iamTags(tags map[string]string) []iamtypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]iamtypes.Tag, 0, len(tags))
	for _, k := range tagKeys(tags) {
		out = append(out, iamtypes.Tag{Key: awssdk.String(k), Value: awssdk.String(tags[k])})
	}
	return out
}
