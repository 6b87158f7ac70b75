// Package aws implements the in-process provider for the pipeline's AWS
// resources. One client set is built at Configure time; an endpoint
// override points every client at a local emulator.
package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/cartstream-io/cartstream/internal/provider"
)

// EndpointEnvVar overrides every service endpoint, used to point the
// provider at LocalStack.
const EndpointEnvVar = "CARTSTREAM_ENDPOINT"

type Provider struct {
	region   string
	endpoint string
	account  string
	awsCfg   *awssdk.Config

	ec2Client        *ec2.Client
	iamClient        *iam.Client
	kmsClient        *kms.Client
	s3Client         *s3.Client
	s3Regional       map[string]*s3.Client
	glueClient       *glue.Client
	athenaClient     *athena.Client
	kinesisClient    *kinesis.Client
	firehoseClient   *firehose.Client
	redshiftClient   *redshift.Client
	secretsClient    *secretsmanager.Client
	cloudwatchClient *cloudwatch.Client
	logsClient       *cloudwatchlogs.Client
	snsClient        *sns.Client
	sqsClient        *sqs.Client
	ssmClient        *ssm.Client
	stsClient        *sts.Client
}

func New() *Provider {
	return &Provider{s3Regional: make(map[string]*s3.Client)}
}

// Configure loads credentials and builds the client set. The endpoint
// override comes from the request or, failing that, the environment.
func (p *Provider) Configure(ctx context.Context, req *provider.ConfigureRequest) error {
	region := "us-east-1"
	if req != nil && req.Region != "" {
		region = req.Region
	}
	endpoint := os.Getenv(EndpointEnvVar)
	if req != nil && req.Endpoint != "" {
		endpoint = req.Endpoint
	}

	if p.awsCfg != nil && p.region == region && p.endpoint == endpoint {
		return nil
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	p.region = region
	p.endpoint = endpoint
	p.awsCfg = &cfg

	p.ec2Client = ec2.NewFromConfig(cfg, func(o *ec2.Options) { p.applyEndpoint(&o.BaseEndpoint) })
	p.iamClient = iam.NewFromConfig(cfg, func(o *iam.Options) { p.applyEndpoint(&o.BaseEndpoint) })
	p.kmsClient = kms.NewFromConfig(cfg, func(o *kms.Options) { p.applyEndpoint(&o.BaseEndpoint) })
	p.s3Client = p.buildS3Client(region)
	p.glueClient = glue.NewFromConfig(cfg, func(o *glue.Options) { p.applyEndpoint(&o.BaseEndpoint) })
	p.athenaClient = athena.NewFromConfig(cfg, func(o *athena.Options) { p.applyEndpoint(&o.BaseEndpoint) })
	p.kinesisClient = kinesis.NewFromConfig(cfg, func(o *kinesis.Options) { p.applyEndpoint(&o.BaseEndpoint) })
	p.firehoseClient = firehose.NewFromConfig(cfg, func(o *firehose.Options) { p.applyEndpoint(&o.BaseEndpoint) })
	p.redshiftClient = redshift.NewFromConfig(cfg, func(o *redshift.Options) { p.applyEndpoint(&o.BaseEndpoint) })
	p.secretsClient = secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) { p.applyEndpoint(&o.BaseEndpoint) })
	p.cloudwatchClient = cloudwatch.NewFromConfig(cfg, func(o *cloudwatch.Options) { p.applyEndpoint(&o.BaseEndpoint) })
	p.logsClient = cloudwatchlogs.NewFromConfig(cfg, func(o *cloudwatchlogs.Options) { p.applyEndpoint(&o.BaseEndpoint) })
	p.snsClient = sns.NewFromConfig(cfg, func(o *sns.Options) { p.applyEndpoint(&o.BaseEndpoint) })
	p.sqsClient = sqs.NewFromConfig(cfg, func(o *sqs.Options) { p.applyEndpoint(&o.BaseEndpoint) })
	p.ssmClient = ssm.NewFromConfig(cfg, func(o *ssm.Options) { p.applyEndpoint(&o.BaseEndpoint) })
	p.stsClient = sts.NewFromConfig(cfg, func(o *sts.Options) { p.applyEndpoint(&o.BaseEndpoint) })
	p.s3Regional = map[string]*s3.Client{region: p.s3Client}

	return nil
}

func (p *Provider) applyEndpoint(base **string) {
	if p.endpoint != "" {
		*base = awssdk.String(p.endpoint)
	}
}

func (p *Provider) buildS3Client(region string) *s3.Client {
	return s3.NewFromConfig(*p.awsCfg, func(o *s3.Options) {
		o.Region = region
		if p.endpoint != "" {
			o.BaseEndpoint = awssdk.String(p.endpoint)
			o.UsePathStyle = true
		}
	})
}

// s3ClientFor returns the client for a bucket's region. Replica buckets
// live outside the pipeline region.
func (p *Provider) s3ClientFor(region string) *s3.Client {
	if region == "" || region == p.region {
		return p.s3Client
	}
	if c, ok := p.s3Regional[region]; ok {
		return c
	}
	c := p.buildS3Client(region)
	p.s3Regional[region] = c
	return c
}

func (p *Provider) ready() error {
	if p.awsCfg == nil {
		return errors.New("aws provider is not configured")
	}
	return nil
}

// Plan classifies the change offline. The engine owns replacement and
// lifecycle decisions; drift detection runs through Read during refresh.
func (p *Provider) Plan(ctx context.Context, req *provider.PlanRequest) (*provider.PlanResult, error) {
	if req.Desired == nil && req.Prior == nil {
		return &provider.PlanResult{Action: provider.ActionNoop}, nil
	}
	if req.Desired == nil {
		return &provider.PlanResult{Action: provider.ActionDelete}, nil
	}
	if req.Prior == nil {
		return &provider.PlanResult{Action: provider.ActionCreate}, nil
	}

	var desired, prior map[string]any
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode desired config for %s: %w", req.Type, err)
	}
	if err := json.Unmarshal(req.Prior, &prior); err != nil {
		return nil, fmt.Errorf("failed to decode prior state for %s: %w", req.Type, err)
	}

	changed := changedAttributes(desired, prior)
	if len(changed) == 0 {
		return &provider.PlanResult{Action: provider.ActionNoop}, nil
	}
	return &provider.PlanResult{Action: provider.ActionUpdate, ChangedAttributes: changed}, nil
}

// computedAttrs are synthesized into state at apply time and never appear
// in declarations, so they are excluded from the plan diff.
var computedAttrs = map[string]bool{
	"id":        true,
	"arn":       true,
	"name":      true,
	"address":   true,
	"endpoint":  true,
	"url":       true,
	"versionId": true,
}

func changedAttributes(desired, prior map[string]any) []string {
	var changed []string
	for k, v := range desired {
		pv, ok := prior[k]
		if !ok || !reflect.DeepEqual(v, pv) {
			changed = append(changed, k)
		}
	}
	for k := range prior {
		if computedAttrs[k] {
			continue
		}
		if _, ok := desired[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func (p *Provider) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}

	switch req.Type {
	case "aws:EC2.Vpc":
		return p.applyVpc(ctx, req)
	case "aws:EC2.Subnet":
		return p.applySubnet(ctx, req)
	case "aws:EC2.SecurityGroup":
		return p.applySecurityGroup(ctx, req)
	case "aws:IAM.Role":
		return p.applyRole(ctx, req)
	case "aws:IAM.Policy":
		return p.applyPolicy(ctx, req)
	case "aws:IAM.RolePolicyAttachment":
		return p.applyRolePolicyAttachment(ctx, req)
	case "aws:KMS.Key":
		return p.applyKey(ctx, req)
	case "aws:KMS.Alias":
		return p.applyKeyAlias(ctx, req)
	case "aws:S3.Bucket":
		return p.applyBucket(ctx, req)
	case "aws:S3.BucketLifecycle":
		return p.applyBucketLifecycle(ctx, req)
	case "aws:S3.BucketPolicy":
		return p.applyBucketPolicy(ctx, req)
	case "aws:S3.BucketReplication":
		return p.applyBucketReplication(ctx, req)
	case "aws:Glue.Database":
		return p.applyGlueDatabase(ctx, req)
	case "aws:Glue.Table":
		return p.applyGlueTable(ctx, req)
	case "aws:Athena.WorkGroup":
		return p.applyWorkGroup(ctx, req)
	case "aws:Kinesis.Stream":
		return p.applyStream(ctx, req)
	case "aws:Firehose.DeliveryStream":
		return p.applyDeliveryStream(ctx, req)
	case "aws:Redshift.SubnetGroup":
		return p.applyClusterSubnetGroup(ctx, req)
	case "aws:Redshift.Cluster":
		return p.applyCluster(ctx, req)
	case "aws:SecretsManager.Secret":
		return p.applySecret(ctx, req)
	case "aws:CloudWatch.LogGroup":
		return p.applyLogGroup(ctx, req)
	case "aws:CloudWatch.Alarm":
		return p.applyAlarm(ctx, req)
	case "aws:CloudWatch.Dashboard":
		return p.applyDashboard(ctx, req)
	case "aws:SNS.Topic":
		return p.applyTopic(ctx, req)
	case "aws:SNS.Subscription":
		return p.applySubscription(ctx, req)
	case "aws:SQS.Queue":
		return p.applyQueue(ctx, req)
	case "aws:SSM.Parameter":
		return p.applyParameter(ctx, req)
	}
	return nil, fmt.Errorf("unknown resource type: %s", req.Type)
}

func (p *Provider) Read(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}

	switch req.Type {
	case "aws:EC2.Vpc":
		return p.readVpc(ctx, req)
	case "aws:EC2.Subnet":
		return p.readSubnet(ctx, req)
	case "aws:EC2.SecurityGroup":
		return p.readSecurityGroup(ctx, req)
	case "aws:IAM.Role":
		return p.readRole(ctx, req)
	case "aws:IAM.Policy":
		return p.readPolicy(ctx, req)
	case "aws:KMS.Key":
		return p.readKey(ctx, req)
	case "aws:S3.Bucket":
		return p.readBucket(ctx, req)
	case "aws:Glue.Database":
		return p.readGlueDatabase(ctx, req)
	case "aws:Glue.Table":
		return p.readGlueTable(ctx, req)
	case "aws:Athena.WorkGroup":
		return p.readWorkGroup(ctx, req)
	case "aws:Kinesis.Stream":
		return p.readStream(ctx, req)
	case "aws:Firehose.DeliveryStream":
		return p.readDeliveryStream(ctx, req)
	case "aws:Redshift.Cluster":
		return p.readCluster(ctx, req)
	case "aws:SecretsManager.Secret":
		return p.readSecret(ctx, req)
	case "aws:CloudWatch.LogGroup":
		return p.readLogGroup(ctx, req)
	case "aws:CloudWatch.Alarm":
		return p.readAlarm(ctx, req)
	case "aws:SNS.Topic":
		return p.readTopic(ctx, req)
	case "aws:SQS.Queue":
		return p.readQueue(ctx, req)
	case "aws:SSM.Parameter":
		return p.readParameter(ctx, req)
	}

	// Attachments, aliases, and bucket sub-resources have no independent
	// live representation worth refreshing; report them as still present.
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	if err := p.ready(); err != nil {
		return err
	}

	switch req.Type {
	case "aws:EC2.Vpc":
		return p.deleteVpc(ctx, req)
	case "aws:EC2.Subnet":
		return p.deleteSubnet(ctx, req)
	case "aws:EC2.SecurityGroup":
		return p.deleteSecurityGroup(ctx, req)
	case "aws:IAM.Role":
		return p.deleteRole(ctx, req)
	case "aws:IAM.Policy":
		return p.deletePolicy(ctx, req)
	case "aws:IAM.RolePolicyAttachment":
		return p.deleteRolePolicyAttachment(ctx, req)
	case "aws:KMS.Key":
		return p.deleteKey(ctx, req)
	case "aws:KMS.Alias":
		return p.deleteKeyAlias(ctx, req)
	case "aws:S3.Bucket":
		return p.deleteBucket(ctx, req)
	case "aws:S3.BucketLifecycle":
		return p.deleteBucketLifecycle(ctx, req)
	case "aws:S3.BucketPolicy":
		return p.deleteBucketPolicy(ctx, req)
	case "aws:S3.BucketReplication":
		return p.deleteBucketReplication(ctx, req)
	case "aws:Glue.Database":
		return p.deleteGlueDatabase(ctx, req)
	case "aws:Glue.Table":
		return p.deleteGlueTable(ctx, req)
	case "aws:Athena.WorkGroup":
		return p.deleteWorkGroup(ctx, req)
	case "aws:Kinesis.Stream":
		return p.deleteStream(ctx, req)
	case "aws:Firehose.DeliveryStream":
		return p.deleteDeliveryStream(ctx, req)
	case "aws:Redshift.SubnetGroup":
		return p.deleteClusterSubnetGroup(ctx, req)
	case "aws:Redshift.Cluster":
		return p.deleteCluster(ctx, req)
	case "aws:SecretsManager.Secret":
		return p.deleteSecret(ctx, req)
	case "aws:CloudWatch.LogGroup":
		return p.deleteLogGroup(ctx, req)
	case "aws:CloudWatch.Alarm":
		return p.deleteAlarm(ctx, req)
	case "aws:CloudWatch.Dashboard":
		return p.deleteDashboard(ctx, req)
	case "aws:SNS.Topic":
		return p.deleteTopic(ctx, req)
	case "aws:SNS.Subscription":
		return p.deleteSubscription(ctx, req)
	case "aws:SQS.Queue":
		return p.deleteQueue(ctx, req)
	case "aws:SSM.Parameter":
		return p.deleteParameter(ctx, req)
	}
	return fmt.Errorf("unknown resource type: %s", req.Type)
}

// CallerIdentity resolves the account and partition used for deterministic
// ARNs and key policies.
func (p *Provider) CallerIdentity(ctx context.Context) (account, partition string, err error) {
	if err := p.ready(); err != nil {
		return "", "", err
	}
	out, err := p.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve caller identity: %w", err)
	}
	account = awssdk.ToString(out.Account)
	partition = "aws"
	if arn := awssdk.ToString(out.Arn); arn != "" {
		if parts := strings.SplitN(arn, ":", 3); len(parts) >= 2 && parts[1] != "" {
			partition = parts[1]
		}
	}
	p.account = account
	return account, partition, nil
}

// accountID caches the caller account for deterministic ARN construction.
func (p *Provider) accountID(ctx context.Context) (string, error) {
	if p.account != "" {
		return p.account, nil
	}
	acct, _, err := p.CallerIdentity(ctx)
	if err != nil {
		return "", err
	}
	return acct, nil
}

// echoState merges the resolved declaration with computed attributes into
// the recorded state document.
func echoState(desired json.RawMessage, computed map[string]any) (*provider.ApplyResult, error) {
	state := make(map[string]any)
	if len(desired) > 0 {
		if err := json.Unmarshal(desired, &state); err != nil {
			return nil, fmt.Errorf("failed to echo desired config: %w", err)
		}
	}
	for k, v := range computed {
		state[k] = v
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return &provider.ApplyResult{State: raw}, nil
}

// isCode reports whether err is an API error with one of the given codes.
func isCode(err error, codes ...string) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	for _, c := range codes {
		if ae.ErrorCode() == c {
			return true
		}
	}
	return false
}

// waitUntil polls fn until it reports done, the timeout lapses, or the
// context is canceled. Used where the SDK ships no waiter.
func waitUntil(ctx context.Context, interval, timeout time.Duration, fn func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// priorState decodes the recorded outputs a delete or read starts from.
func priorState(raw json.RawMessage) map[string]any {
	state := make(map[string]any)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &state)
	}
	return state
}

func priorString(raw json.RawMessage, key string) string {
	if v, ok := priorState(raw)[key].(string); ok {
		return v
	}
	return ""
}

// tagKeys returns map keys in stable order for tag set construction.
func tagKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
