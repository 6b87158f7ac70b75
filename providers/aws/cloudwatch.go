package aws

import (
	"context"
	"encoding/json"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cloudwatchtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	"github.com/cartstream-io/cartstream/internal/provider"
)

type logGroupConfig struct {
	LogGroupName  string            `json:"logGroupName"`
	RetentionDays int               `json:"retentionDays"`
	KmsKeyArn     string            `json:"kmsKeyArn"`
	Tags          map[string]string `json:"tags"`
}

type alarmConfig struct {
	AlarmName          string            `json:"alarmName"`
	Namespace          string            `json:"namespace"`
	MetricName         string            `json:"metricName"`
	Statistic          string            `json:"statistic"`
	ComparisonOperator string            `json:"comparisonOperator"`
	Threshold          float64           `json:"threshold"`
	EvaluationPeriods  int               `json:"evaluationPeriods"`
	PeriodSeconds      int               `json:"periodSeconds"`
	Dimensions         map[string]string `json:"dimensions"`
	TreatMissingData   string            `json:"treatMissingData"`
	AlarmActions       []string          `json:"alarmActions"`
	Tags               map[string]string `json:"tags"`
}

type dashboardConfig struct {
	DashboardName string         `json:"dashboardName"`
	Body          map[string]any `json:"body"`
}

func (p *Provider) applyLogGroup(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired logGroupConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode log group config: %w", err)
	}

	input := &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: awssdk.String(desired.LogGroupName),
		Tags:         desired.Tags,
	}
	if desired.KmsKeyArn != "" {
		input.KmsKeyId = awssdk.String(desired.KmsKeyArn)
	}
	_, err := p.logsClient.CreateLogGroup(ctx, input)
	if err != nil && !isCode(err, "ResourceAlreadyExistsException") {
		return nil, fmt.Errorf("failed to create log group %s: %w", desired.LogGroupName, err)
	}
	if isCode(err, "ResourceAlreadyExistsException") && desired.KmsKeyArn != "" {
		_, err := p.logsClient.AssociateKmsKey(ctx, &cloudwatchlogs.AssociateKmsKeyInput{
			LogGroupName: awssdk.String(desired.LogGroupName),
			KmsKeyId:     awssdk.String(desired.KmsKeyArn),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to associate key with log group %s: %w", desired.LogGroupName, err)
		}
	}

	_, err = p.logsClient.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
		LogGroupName:    awssdk.String(desired.LogGroupName),
		RetentionInDays: awssdk.Int32(int32(desired.RetentionDays)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set retention on log group %s: %w", desired.LogGroupName, err)
	}

	return echoState(req.Desired, map[string]any{
		"id":   desired.LogGroupName,
		"name": desired.LogGroupName,
	})
}

func (p *Provider) readLogGroup(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	out, err := p.logsClient.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: awssdk.String(req.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe log group %s: %w", req.ID, err)
	}
	for _, lg := range out.LogGroups {
		if awssdk.ToString(lg.LogGroupName) == req.ID {
			return &provider.ReadResult{Exists: true, State: req.Prior}, nil
		}
	}
	return &provider.ReadResult{Exists: false}, nil
}

func (p *Provider) deleteLogGroup(ctx context.Context, req *provider.DeleteRequest) error {
	_, err := p.logsClient.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{
		LogGroupName: awssdk.String(req.ID),
	})
	if err != nil && !isCode(err, "ResourceNotFoundException") {
		return fmt.Errorf("failed to delete log group %s: %w", req.ID, err)
	}
	return nil
}

func (p *Provider) applyAlarm(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired alarmConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode alarm config: %w", err)
	}

	// PutMetricAlarm is an upsert.
	_, err := p.cloudwatchClient.PutMetricAlarm(ctx, &cloudwatch.PutMetricAlarmInput{
		AlarmName:          awssdk.String(desired.AlarmName),
		Namespace:          awssdk.String(desired.Namespace),
		MetricName:         awssdk.String(desired.MetricName),
		Statistic:          cloudwatchtypes.Statistic(desired.Statistic),
		ComparisonOperator: cloudwatchtypes.ComparisonOperator(desired.ComparisonOperator),
		Threshold:          awssdk.Float64(desired.Threshold),
		EvaluationPeriods:  awssdk.Int32(int32(desired.EvaluationPeriods)),
		Period:             awssdk.Int32(int32(desired.PeriodSeconds)),
		Dimensions:         alarmDimensions(desired.Dimensions),
		TreatMissingData:   awssdk.String(desired.TreatMissingData),
		AlarmActions:       desired.AlarmActions,
		Tags:               cloudwatchTags(desired.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put alarm %s: %w", desired.AlarmName, err)
	}

	return echoState(req.Desired, map[string]any{
		"id":   desired.AlarmName,
		"name": desired.AlarmName,
	})
}

func (p *Provider) readAlarm(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	out, err := p.cloudwatchClient.DescribeAlarms(ctx, &cloudwatch.DescribeAlarmsInput{
		AlarmNames: []string{req.ID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe alarm %s: %w", req.ID, err)
	}
	if len(out.MetricAlarms) == 0 {
		return &provider.ReadResult{Exists: false}, nil
	}
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) deleteAlarm(ctx context.Context, req *provider.DeleteRequest) error {
	_, err := p.cloudwatchClient.DeleteAlarms(ctx, &cloudwatch.DeleteAlarmsInput{
		AlarmNames: []string{req.ID},
	})
	if err != nil && !isCode(err, "ResourceNotFound", "ResourceNotFoundException") {
		return fmt.Errorf("failed to delete alarm %s: %w", req.ID, err)
	}
	return nil
}

func (p *Provider) applyDashboard(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired dashboardConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode dashboard config: %w", err)
	}

	body, err := json.Marshal(desired.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dashboard body: %w", err)
	}

	// PutDashboard is an upsert.
	_, err = p.cloudwatchClient.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: awssdk.String(desired.DashboardName),
		DashboardBody: awssdk.String(string(body)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put dashboard %s: %w", desired.DashboardName, err)
	}

	return echoState(req.Desired, map[string]any{
		"id":   desired.DashboardName,
		"name": desired.DashboardName,
	})
}

func (p *Provider) deleteDashboard(ctx context.Context, req *provider.DeleteRequest) error {
	_, err := p.cloudwatchClient.DeleteDashboards(ctx, &cloudwatch.DeleteDashboardsInput{
		DashboardNames: []string{req.ID},
	})
	if err != nil && !isCode(err, "ResourceNotFound", "ResourceNotFoundException", "DashboardNotFoundError") {
		return fmt.Errorf("failed to delete dashboard %s: %w", req.ID, err)
	}
	return nil
}

func alarmDimensions(dims map[string]string) []cloudwatchtypes.Dimension {
	if len(dims) == 0 {
		return nil
	}
	out := make([]cloudwatchtypes.Dimension, 0, len(dims))
	for _, k := range tagKeys(dims) {
		out = append(out, cloudwatchtypes.Dimension{Name: awssdk.String(k), Value: awssdk.String(dims[k])})
	}
	return out
}

func cloudwatchTags(tags map[string]string) []cloudwatchtypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]cloudwatchtypes.Tag, 0, len(tags))
	for _, k := range tagKeys(tags) {
		out = append(out, cloudwatchtypes.Tag{Key: awssdk.String(k), Value: awssdk.String(tags[k])})
	}
	return out
}
