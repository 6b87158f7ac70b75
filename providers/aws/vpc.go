package aws

import (
	"context"
	"encoding/json"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/cartstream-io/cartstream/internal/provider"
)

type vpcConfig struct {
	CidrBlock          string            `json:"cidrBlock"`
	EnableDnsSupport   bool              `json:"enableDnsSupport"`
	EnableDnsHostnames bool              `json:"enableDnsHostnames"`
	Tags               map[string]string `json:"tags"`
}

type subnetConfig struct {
	VpcID            string            `json:"vpcId"`
	CidrBlock        string            `json:"cidrBlock"`
	AvailabilityZone string            `json:"availabilityZone"`
	Tags             map[string]string `json:"tags"`
}

type securityGroupConfig struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	VpcID       string            `json:"vpcId"`
	Ingress     []sgRule          `json:"ingress"`
	Egress      []sgRule          `json:"egress"`
	Tags        map[string]string `json:"tags"`
}

type sgRule struct {
	Protocol   string   `json:"protocol"`
	FromPort   int32    `json:"fromPort"`
	ToPort     int32    `json:"toPort"`
	CidrBlocks []string `json:"cidrBlocks"`
}

func (p *Provider) applyVpc(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired vpcConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode VPC config: %w", err)
	}

	vpcID := priorString(req.Prior, "id")
	if vpcID == "" {
		out, err := p.ec2Client.CreateVpc(ctx, &ec2.CreateVpcInput{
			CidrBlock:         awssdk.String(desired.CidrBlock),
			TagSpecifications: ec2TagSpec(ec2types.ResourceTypeVpc, desired.Tags),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create VPC: %w", err)
		}
		vpcID = awssdk.ToString(out.Vpc.VpcId)
	}

	// ModifyVpcAttribute takes one attribute per call.
	if desired.EnableDnsSupport {
		if _, err := p.ec2Client.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
			VpcId:            awssdk.String(vpcID),
			EnableDnsSupport: &ec2types.AttributeBooleanValue{Value: awssdk.Bool(true)},
		}); err != nil {
			return nil, fmt.Errorf("failed to enable DNS support on %s: %w", vpcID, err)
		}
	}
	if desired.EnableDnsHostnames {
		if _, err := p.ec2Client.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
			VpcId:              awssdk.String(vpcID),
			EnableDnsHostnames: &ec2types.AttributeBooleanValue{Value: awssdk.Bool(true)},
		}); err != nil {
			return nil, fmt.Errorf("failed to enable DNS hostnames on %s: %w", vpcID, err)
		}
	}

	return echoState(req.Desired, map[string]any{"id": vpcID})
}

func (p *Provider) readVpc(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	out, err := p.ec2Client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		VpcIds: []string{req.ID},
	})
	if err != nil {
		if isCode(err, "InvalidVpcID.NotFound") {
			return &provider.ReadResult{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to describe VPC %s: %w", req.ID, err)
	}
	if len(out.Vpcs) == 0 {
		return &provider.ReadResult{Exists: false}, nil
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deleteVpc(ctx context.Context, req *provider.DeleteRequest) error {
	_, err := p.ec2Client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: awssdk.String(req.ID)})
	if err != nil && !isCode(err, "InvalidVpcID.NotFound") {
		return fmt.Errorf("failed to delete VPC %s: %w", req.ID, err)
	}
	return nil
}

func (p *Provider) applySubnet(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired subnetConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode subnet config: %w", err)
	}

	subnetID := priorString(req.Prior, "id")
	if subnetID == "" {
		out, err := p.ec2Client.CreateSubnet(ctx, &ec2.CreateSubnetInput{
			VpcId:             awssdk.String(desired.VpcID),
			CidrBlock:         awssdk.String(desired.CidrBlock),
			AvailabilityZone:  awssdk.String(desired.AvailabilityZone),
			TagSpecifications: ec2TagSpec(ec2types.ResourceTypeSubnet, desired.Tags),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create subnet: %w", err)
		}
		subnetID = awssdk.ToString(out.Subnet.SubnetId)
	}

	return echoState(req.Desired, map[string]any{"id": subnetID})
}

func (p *Provider) readSubnet(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	out, err := p.ec2Client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		SubnetIds: []string{req.ID},
	})
	if err != nil {
		if isCode(err, "InvalidSubnetID.NotFound") {
			return &provider.ReadResult{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to describe subnet %s: %w", req.ID, err)
	}
	if len(out.Subnets) == 0 {
		return &provider.ReadResult{Exists: false}, nil
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deleteSubnet(ctx context.Context, req *provider.DeleteRequest) error {
	_, err := p.ec2Client.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: awssdk.String(req.ID)})
	if err != nil && !isCode(err, "InvalidSubnetID.NotFound") {
		return fmt.Errorf("failed to delete subnet %s: %w", req.ID, err)
	}
	return nil
}

func (p *Provider) applySecurityGroup(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired securityGroupConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode security group config: %w", err)
	}

	groupID := priorString(req.Prior, "id")
	if groupID == "" {
		out, err := p.ec2Client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
			GroupName:         awssdk.String(desired.Name),
			Description:       awssdk.String(desired.Description),
			VpcId:             awssdk.String(desired.VpcID),
			TagSpecifications: ec2TagSpec(ec2types.ResourceTypeSecurityGroup, desired.Tags),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create security group %s: %w", desired.Name, err)
		}
		groupID = awssdk.ToString(out.GroupId)
	}

	if len(desired.Ingress) > 0 {
		_, err := p.ec2Client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       awssdk.String(groupID),
			IpPermissions: ipPermissions(desired.Ingress),
		})
		if err != nil && !isCode(err, "InvalidPermission.Duplicate") {
			return nil, fmt.Errorf("failed to authorize ingress on %s: %w", groupID, err)
		}
	}
	if len(desired.Egress) > 0 {
		_, err := p.ec2Client.AuthorizeSecurityGroupEgress(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
			GroupId:       awssdk.String(groupID),
			IpPermissions: ipPermissions(desired.Egress),
		})
		if err != nil && !isCode(err, "InvalidPermission.Duplicate") {
			return nil, fmt.Errorf("failed to authorize egress on %s: %w", groupID, err)
		}
	}

	return echoState(req.Desired, map[string]any{"id": groupID})
}

func (p *Provider) readSecurityGroup(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	out, err := p.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: []string{req.ID},
	})
	if err != nil {
		if isCode(err, "InvalidGroup.NotFound", "InvalidGroupId.Malformed") {
			return &provider.ReadResult{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to describe security group %s: %w", req.ID, err)
	}
	if len(out.SecurityGroups) == 0 {
		return &provider.ReadResult{Exists: false}, nil
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deleteSecurityGroup(ctx context.Context, req *provider.DeleteRequest) error {
	_, err := p.ec2Client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
		GroupId: awssdk.String(req.ID),
	})
	if err != nil && !isCode(err, "InvalidGroup.NotFound") {
		return fmt.Errorf("failed to delete security group %s: %w", req.ID, err)
	}
	return nil
}

func ipPermissions(rules []sgRule) []ec2types.IpPermission {
	perms := make([]ec2types.IpPermission, 0, len(rules))
	for _, r := range rules {
		perm := ec2types.IpPermission{
			IpProtocol: awssdk.String(r.Protocol),
		}
		// Protocol -1 covers all ports; the API rejects explicit ranges.
		if r.Protocol != "-1" {
			perm.FromPort = awssdk.Int32(r.FromPort)
			perm.ToPort = awssdk.Int32(r.ToPort)
		}
		for _, c := range r.CidrBlocks {
			perm.IpRanges = append(perm.IpRanges, ec2types.IpRange{CidrIp: awssdk.String(c)})
		}
		perms = append(perms, perm)
	}
	return perms
}

func ec2TagSpec(resType ec2types.ResourceType, tags map[string]string) []ec2types.TagSpecification {
	if len(tags) == 0 {
		return nil
	}
	spec := ec2types.TagSpecification{ResourceType: resType}
	for _, k := range tagKeys(tags) {
		spec.Tags = append(spec.Tags, ec2types.Tag{Key: awssdk.String(k), Value: awssdk.String(tags[k])})
	}
	return []ec2types.TagSpecification{spec}
}
