package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	redshifttypes "github.com/aws/aws-sdk-go-v2/service/redshift/types"

	"github.com/cartstream-io/cartstream/internal/provider"
)

const clusterWaitTimeout = 45 * time.Minute

type subnetGroupConfig struct {
	SubnetGroupName string            `json:"subnetGroupName"`
	Description     string            `json:"description"`
	SubnetIDs       []string          `json:"subnetIds"`
	Tags            map[string]string `json:"tags"`
}

type clusterConfig struct {
	ClusterIdentifier     string            `json:"clusterIdentifier"`
	NodeType              string            `json:"nodeType"`
	ClusterType           string            `json:"clusterType"`
	NumberOfNodes         int               `json:"numberOfNodes"`
	DatabaseName          string            `json:"databaseName"`
	MasterUsername        string            `json:"masterUsername"`
	MasterPassword        string            `json:"masterPassword"`
	Port                  int               `json:"port"`
	Encrypted             bool              `json:"encrypted"`
	KmsKeyArn             string            `json:"kmsKeyArn"`
	PubliclyAccessible    bool              `json:"publiclyAccessible"`
	SubnetGroupName       string            `json:"subnetGroupName"`
	VpcSecurityGroupIDs   []string          `json:"vpcSecurityGroupIds"`
	SnapshotRetentionDays int               `json:"snapshotRetentionDays"`
	SkipFinalSnapshot     bool              `json:"skipFinalSnapshot"`
	IamRoles              []string          `json:"iamRoles"`
	Tags                  map[string]string `json:"tags"`
}

func (p *Provider) applyClusterSubnetGroup(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired subnetGroupConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode subnet group config: %w", err)
	}

	_, err := p.redshiftClient.CreateClusterSubnetGroup(ctx, &redshift.CreateClusterSubnetGroupInput{
		ClusterSubnetGroupName: awssdk.String(desired.SubnetGroupName),
		Description:            awssdk.String(desired.Description),
		SubnetIds:              desired.SubnetIDs,
		Tags:                   redshiftTags(desired.Tags),
	})
	if isCode(err, "ClusterSubnetGroupAlreadyExists") {
		_, err = p.redshiftClient.ModifyClusterSubnetGroup(ctx, &redshift.ModifyClusterSubnetGroupInput{
			ClusterSubnetGroupName: awssdk.String(desired.SubnetGroupName),
			Description:            awssdk.String(desired.Description),
			SubnetIds:              desired.SubnetIDs,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create subnet group %s: %w", desired.SubnetGroupName, err)
	}

	return echoState(req.Desired, map[string]any{
		"id":   desired.SubnetGroupName,
		"name": desired.SubnetGroupName,
	})
}

func (p *Provider) deleteClusterSubnetGroup(ctx context.Context, req *provider.DeleteRequest) error {
	_, err := p.redshiftClient.DeleteClusterSubnetGroup(ctx, &redshift.DeleteClusterSubnetGroupInput{
		ClusterSubnetGroupName: awssdk.String(req.ID),
	})
	if err != nil && !isCode(err, "ClusterSubnetGroupNotFoundFault", "ClusterSubnetGroupNotFound") {
		return fmt.Errorf("failed to delete subnet group %s: %w", req.ID, err)
	}
	return nil
}

func (p *Provider) applyCluster(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired clusterConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode cluster config: %w", err)
	}

	if priorString(req.Prior, "id") == "" {
		input := &redshift.CreateClusterInput{
			ClusterIdentifier:                awssdk.String(desired.ClusterIdentifier),
			NodeType:                         awssdk.String(desired.NodeType),
			ClusterType:                      awssdk.String(desired.ClusterType),
			DBName:                           awssdk.String(desired.DatabaseName),
			MasterUsername:                   awssdk.String(desired.MasterUsername),
			MasterUserPassword:               awssdk.String(desired.MasterPassword),
			Port:                             awssdk.Int32(int32(desired.Port)),
			Encrypted:                        awssdk.Bool(desired.Encrypted),
			PubliclyAccessible:               awssdk.Bool(desired.PubliclyAccessible),
			ClusterSubnetGroupName:           awssdk.String(desired.SubnetGroupName),
			VpcSecurityGroupIds:              desired.VpcSecurityGroupIDs,
			AutomatedSnapshotRetentionPeriod: awssdk.Int32(int32(desired.SnapshotRetentionDays)),
			IamRoles:                         desired.IamRoles,
			Tags:                             redshiftTags(desired.Tags),
		}
		if desired.KmsKeyArn != "" {
			input.KmsKeyId = awssdk.String(desired.KmsKeyArn)
		}
		// NumberOfNodes is rejected for single-node clusters.
		if desired.ClusterType == "multi-node" {
			input.NumberOfNodes = awssdk.Int32(int32(desired.NumberOfNodes))
		}
		_, err := p.redshiftClient.CreateCluster(ctx, input)
		if err != nil && !isCode(err, "ClusterAlreadyExists") {
			return nil, fmt.Errorf("failed to create cluster %s: %w", desired.ClusterIdentifier, err)
		}
	} else {
		input := &redshift.ModifyClusterInput{
			ClusterIdentifier:                awssdk.String(desired.ClusterIdentifier),
			MasterUserPassword:               awssdk.String(desired.MasterPassword),
			AutomatedSnapshotRetentionPeriod: awssdk.Int32(int32(desired.SnapshotRetentionDays)),
			VpcSecurityGroupIds:              desired.VpcSecurityGroupIDs,
		}
		if desired.ClusterType == "multi-node" && desired.NumberOfNodes > 1 {
			input.NumberOfNodes = awssdk.Int32(int32(desired.NumberOfNodes))
			input.ClusterType = awssdk.String(desired.ClusterType)
			input.NodeType = awssdk.String(desired.NodeType)
		}
		_, err := p.redshiftClient.ModifyCluster(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to modify cluster %s: %w", desired.ClusterIdentifier, err)
		}
	}

	waiter := redshift.NewClusterAvailableWaiter(p.redshiftClient)
	describe := &redshift.DescribeClustersInput{ClusterIdentifier: awssdk.String(desired.ClusterIdentifier)}
	if err := waiter.Wait(ctx, describe, clusterWaitTimeout); err != nil {
		return nil, fmt.Errorf("cluster %s did not become available: %w", desired.ClusterIdentifier, err)
	}

	out, err := p.redshiftClient.DescribeClusters(ctx, describe)
	if err != nil {
		return nil, fmt.Errorf("failed to describe cluster %s: %w", desired.ClusterIdentifier, err)
	}
	if len(out.Clusters) == 0 {
		return nil, fmt.Errorf("cluster %s is missing after apply", desired.ClusterIdentifier)
	}
	cluster := out.Clusters[0]

	computed := map[string]any{
		"id":   desired.ClusterIdentifier,
		"name": desired.ClusterIdentifier,
	}
	if cluster.Endpoint != nil {
		computed["address"] = awssdk.ToString(cluster.Endpoint.Address)
		computed["endpoint"] = fmt.Sprintf("%s:%d", awssdk.ToString(cluster.Endpoint.Address), awssdk.ToInt32(cluster.Endpoint.Port))
	}

	return echoState(req.Desired, computed)
}

func (p *Provider) readCluster(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	_, err := p.redshiftClient.DescribeClusters(ctx, &redshift.DescribeClustersInput{
		ClusterIdentifier: awssdk.String(req.ID),
	})
	if err != nil {
		if isCode(err, "ClusterNotFound", "ClusterNotFoundFault") {
			return &provider.ReadResult{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to describe cluster %s: %w", req.ID, err)
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deleteCluster(ctx context.Context, req *provider.DeleteRequest) error {
	prior := priorState(req.Prior)
	skip, _ := prior["skipFinalSnapshot"].(bool)

	input := &redshift.DeleteClusterInput{
		ClusterIdentifier:        awssdk.String(req.ID),
		SkipFinalClusterSnapshot: awssdk.Bool(skip),
	}
	if !skip {
		input.FinalClusterSnapshotIdentifier = awssdk.String(fmt.Sprintf("%s-final-%d", req.ID, time.Now().Unix()))
	}

	_, err := p.redshiftClient.DeleteCluster(ctx, input)
	if err != nil {
		if isCode(err, "ClusterNotFound", "ClusterNotFoundFault") {
			return nil
		}
		return fmt.Errorf("failed to delete cluster %s: %w", req.ID, err)
	}

	waiter := redshift.NewClusterDeletedWaiter(p.redshiftClient)
	err = waiter.Wait(ctx, &redshift.DescribeClustersInput{ClusterIdentifier: awssdk.String(req.ID)}, clusterWaitTimeout)
	if err != nil {
		return fmt.Errorf("cluster %s did not finish deleting: %w", req.ID, err)
	}
	return nil
}

func redshiftTags(tags map[string]string) []redshifttypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]redshifttypes.Tag, 0, len(tags))
	for _, k := range tagKeys(tags) {
		out = append(out, redshifttypes.Tag{Key: awssdk.String(k), Value: awssdk.String(tags[k])})
	}
	return out
}
