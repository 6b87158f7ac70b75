package stack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartstream-io/cartstream/internal/engine"
	"github.com/cartstream-io/cartstream/internal/ir"
)

var testIdentity = Identity{AccountID: "123456789012"}

func minimalPipeline() *ir.Pipeline {
	return &ir.Pipeline{
		Project:     "acme",
		Environment: "dev",
		Region:      "us-east-1",
	}
}

func fullPipeline() *ir.Pipeline {
	return &ir.Pipeline{
		Project:     "acme",
		Environment: "prod",
		Region:      "us-east-1",
		Tags:        map[string]string{"CostCenter": "retail"},
		Network:     &ir.NetworkConfig{},
		Encryption:  &ir.EncryptionConfig{},
		Storage:     &ir.StorageConfig{ReplicaRegion: "us-west-2"},
		Streaming:   &ir.StreamingConfig{},
		Warehouse:   &ir.WarehouseConfig{MasterPassword: "Sup3rSecret"},
		Alerting:    &ir.AlertingConfig{AlertEmails: []string{"oncall@acme.example"}},
	}
}

func findResource(t *testing.T, m *ir.Manifest, resType, name string) *ir.Resource {
	t.Helper()
	for _, r := range m.Resources {
		if r.Type == resType && r.Name == name {
			return r
		}
	}
	t.Fatalf("resource %s.%s not in manifest", resType, name)
	return nil
}

func hasResource(m *ir.Manifest, resType, name string) bool {
	for _, r := range m.Resources {
		if r.Type == resType && r.Name == name {
			return true
		}
	}
	return false
}

func TestExpand_Defaults(t *testing.T) {
	m, err := Expand(minimalPipeline(), testIdentity)
	require.NoError(t, err)

	// Identity, encryption, storage, and streaming run without blocks.
	assert.Len(t, m.Resources, 16)
	assert.False(t, hasResource(m, "aws:EC2.Vpc", "pipeline"))
	assert.False(t, hasResource(m, "aws:Redshift.Cluster", "warehouse"))
	assert.False(t, hasResource(m, "aws:SNS.Topic", "alerts"))

	stream := findResource(t, m, "aws:Kinesis.Stream", "events")
	assert.Equal(t, "acme-dev-events", stream.Properties["streamName"])
	assert.Equal(t, 2, stream.Properties["shardCount"])
	assert.Equal(t, 48, stream.Properties["retentionHours"])
	assert.Contains(t, stream.Properties, "shardLevelMetrics")

	archive := findResource(t, m, "aws:Firehose.DeliveryStream", "archive")
	dest := archive.Properties["s3Destination"].(map[string]any)
	assert.Equal(t, 5, dest["bufferMB"])
	assert.Equal(t, 300, dest["bufferSeconds"])
	assert.Equal(t, "GZIP", dest["compression"])
	assert.NotContains(t, archive.Properties, "logging")

	bucket := findResource(t, m, "aws:S3.Bucket", "events")
	require.NotNil(t, bucket.Lifecycle)
	assert.True(t, bucket.Lifecycle.PreventDestroy)
	assert.Equal(t, true, bucket.Properties["versioning"])

	key := findResource(t, m, "aws:KMS.Key", "pipeline")
	assert.Equal(t, true, key.Properties["enableKeyRotation"])
	assert.Equal(t, 7, key.Properties["deletionWindowDays"])

	assert.Equal(t, "acme-dev-events", m.Outputs["eventsBucket"])
	assert.Equal(t, "acme_dev_events", m.Outputs["catalogDatabase"])
	assert.Equal(t, "ptr://aws:Kinesis.Stream/events/arn", m.Outputs["streamArn"])
	assert.NotContains(t, m.Outputs, "warehouseEndpoint")
}

func TestExpand_FullPipeline(t *testing.T) {
	m, err := Expand(fullPipeline(), testIdentity)
	require.NoError(t, err)

	assert.True(t, hasResource(m, "aws:EC2.Vpc", "pipeline"))
	assert.True(t, hasResource(m, "aws:EC2.Subnet", "warehouse-0"))
	assert.True(t, hasResource(m, "aws:EC2.Subnet", "warehouse-1"))
	assert.True(t, hasResource(m, "aws:EC2.SecurityGroup", "warehouse"))

	replica := findResource(t, m, "aws:S3.Bucket", "events-replica")
	assert.Equal(t, "us-west-2", replica.Properties["region"])
	assert.True(t, hasResource(m, "aws:S3.BucketReplication", "events"))
	assert.True(t, hasResource(m, "aws:IAM.Role", "s3-replication"))

	cluster := findResource(t, m, "aws:Redshift.Cluster", "warehouse")
	assert.Equal(t, "acme-prod-warehouse", cluster.Properties["clusterIdentifier"])
	assert.Equal(t, "multi-node", cluster.Properties["clusterType"])
	assert.Equal(t, 2, cluster.Properties["numberOfNodes"])
	assert.Equal(t, "ra3.xlplus", cluster.Properties["nodeType"])
	assert.Equal(t, "45m", cluster.Timeout)
	require.NotNil(t, cluster.Lifecycle)
	assert.True(t, cluster.Lifecycle.PreventDestroy)

	secret := findResource(t, m, "aws:SecretsManager.Secret", "warehouse")
	assert.Equal(t, "acme/prod/warehouse", secret.Properties["secretName"])
	creds := secret.Properties["secretString"].(map[string]any)
	assert.Equal(t, "etl_admin", creds["username"])
	assert.Equal(t, "ptr://aws:Redshift.Cluster/warehouse/address", creds["host"])

	warehouse := findResource(t, m, "aws:Firehose.DeliveryStream", "warehouse")
	assert.Equal(t, "Sup3rSecret", warehouse.Properties["masterPassword"])
	dest := warehouse.Properties["redshiftDestination"].(map[string]any)
	assert.Equal(t, "FORMAT AS JSON 'auto' GZIP", dest["copyOptions"])
	assert.Equal(t, "events", dest["dataTableName"])
	assert.Equal(t, "staging/", dest["intermediatePrefix"])

	var alarms int
	for _, r := range m.Resources {
		if r.Type == "aws:CloudWatch.Alarm" {
			alarms++
		}
	}
	assert.Equal(t, 6, alarms)

	assert.True(t, hasResource(m, "aws:SNS.Subscription", "email-0"))
	assert.True(t, hasResource(m, "aws:SQS.Queue", "alerts"))
	assert.True(t, hasResource(m, "aws:SSM.Parameter", "warehouse-endpoint"))
	assert.True(t, hasResource(m, "aws:CloudWatch.LogGroup", "redshift"))

	assert.Equal(t, "ptr://aws:Redshift.Cluster/warehouse/address", m.Outputs["warehouseEndpoint"])
	assert.Equal(t, "acme-prod-pipeline", m.Outputs["dashboardName"])
}

func TestExpand_ValidationErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(p *ir.Pipeline)
		want   string
	}{
		{
			name:   "missing project",
			mutate: func(p *ir.Pipeline) { p.Project = "" },
			want:   "project",
		},
		{
			name:   "underscore in project",
			mutate: func(p *ir.Pipeline) { p.Project = "acme_shop" },
			want:   "project",
		},
		{
			name:   "warehouse without network",
			mutate: func(p *ir.Pipeline) { p.Warehouse = &ir.WarehouseConfig{MasterPassword: "Sup3rSecret"} },
			want:   "network",
		},
		{
			name: "weak master password",
			mutate: func(p *ir.Pipeline) {
				p.Network = &ir.NetworkConfig{}
				p.Warehouse = &ir.WarehouseConfig{MasterPassword: "password"}
			},
			want: "warehouse.masterPassword",
		},
		{
			name:   "negative shard count",
			mutate: func(p *ir.Pipeline) { p.Streaming = &ir.StreamingConfig{ShardCount: -1} },
			want:   "streaming.shardCount",
		},
		{
			name:   "buffer too large",
			mutate: func(p *ir.Pipeline) { p.Streaming = &ir.StreamingConfig{BufferMB: 200} },
			want:   "streaming.bufferMB",
		},
		{
			name:   "glacier before ia",
			mutate: func(p *ir.Pipeline) { p.Storage = &ir.StorageConfig{IaAfterDays: 90, GlacierAfterDays: 30} },
			want:   "storage.glacierAfterDays",
		},
		{
			name:   "replica in pipeline region",
			mutate: func(p *ir.Pipeline) { p.Storage = &ir.StorageConfig{ReplicaRegion: "us-east-1"} },
			want:   "storage.replicaRegion",
		},
		{
			name:   "unsupported log retention",
			mutate: func(p *ir.Pipeline) { p.Alerting = &ir.AlertingConfig{LogRetentionDays: 13} },
			want:   "alerting.logRetentionDays",
		},
		{
			name:   "deletion window out of range",
			mutate: func(p *ir.Pipeline) { p.Encryption = &ir.EncryptionConfig{DeletionWindowDays: 45} },
			want:   "encryption.deletionWindowDays",
		},
		{
			name:   "bad alert email",
			mutate: func(p *ir.Pipeline) { p.Alerting = &ir.AlertingConfig{AlertEmails: []string{"not-an-email"}} },
			want:   "alerting.alertEmails[0]",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := minimalPipeline()
			tc.mutate(p)
			_, err := Expand(p, testIdentity)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestExpand_ReportsAllErrors(t *testing.T) {
	p := minimalPipeline()
	p.Streaming = &ir.StreamingConfig{BufferMB: 200, BufferSeconds: 10}
	_, err := Expand(p, testIdentity)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "streaming.bufferMB")
	assert.Contains(t, err.Error(), "streaming.bufferSeconds")
}

func TestExpand_Deterministic(t *testing.T) {
	first, err := Expand(fullPipeline(), testIdentity)
	require.NoError(t, err)
	second, err := Expand(fullPipeline(), testIdentity)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestExpand_TagMerging(t *testing.T) {
	p := minimalPipeline()
	p.Tags = map[string]string{"CostCenter": "retail", "Project": "spoofed"}
	m, err := Expand(p, testIdentity)
	require.NoError(t, err)

	stream := findResource(t, m, "aws:Kinesis.Stream", "events")
	tags := stream.Properties["tags"].(map[string]string)
	assert.Equal(t, "retail", tags["CostCenter"])
	assert.Equal(t, "acme", tags["Project"])
	assert.Equal(t, "dev", tags["Environment"])
	assert.Equal(t, "cartstream", tags["ManagedBy"])
}

func TestExpand_CatalogNaming(t *testing.T) {
	p := minimalPipeline()
	p.Project = "cart-shop"
	m, err := Expand(p, testIdentity)
	require.NoError(t, err)

	db := findResource(t, m, "aws:Glue.Database", "events")
	assert.Equal(t, "cart_shop_dev_events", db.Properties["databaseName"])

	table := findResource(t, m, "aws:Glue.Table", "raw-events")
	assert.Equal(t, "s3://cart-shop-dev-events/raw/", table.Properties["location"])
}

func TestExpand_ManifestIsAcyclic(t *testing.T) {
	m, err := Expand(fullPipeline(), testIdentity)
	require.NoError(t, err)

	dag, err := engine.BuildDAG(m.Resources)
	require.NoError(t, err)
	order := dag.CreationOrder()

	// Roles before the key whose policy names them, key before consumers,
	// attachment before the delivery streams.
	assert.Less(t,
		indexOf(t, order, "aws:IAM.Role.firehose-delivery"),
		indexOf(t, order, "aws:KMS.Key.pipeline"))
	assert.Less(t,
		indexOf(t, order, "aws:KMS.Key.pipeline"),
		indexOf(t, order, "aws:Kinesis.Stream.events"))
	assert.Less(t,
		indexOf(t, order, "aws:IAM.RolePolicyAttachment.firehose-delivery"),
		indexOf(t, order, "aws:Firehose.DeliveryStream.archive"))
	assert.Less(t,
		indexOf(t, order, "aws:Redshift.Cluster.warehouse"),
		indexOf(t, order, "aws:Firehose.DeliveryStream.warehouse"))
	assert.Less(t,
		indexOf(t, order, "aws:EC2.Subnet.warehouse-0"),
		indexOf(t, order, "aws:Redshift.SubnetGroup.warehouse"))
}

func TestExpand_LoggingWiredWhenAlerting(t *testing.T) {
	p := minimalPipeline()
	p.Alerting = &ir.AlertingConfig{}
	m, err := Expand(p, testIdentity)
	require.NoError(t, err)

	archive := findResource(t, m, "aws:Firehose.DeliveryStream", "archive")
	require.Contains(t, archive.Properties, "logging")
	logging := archive.Properties["logging"].(map[string]any)
	assert.Equal(t, "/cartstream/acme-dev/firehose", logging["logGroup"])
	assert.Contains(t, archive.DependsOn, "aws:CloudWatch.LogGroup.firehose")

	// No warehouse means no redshift log group and no cluster alarms.
	assert.False(t, hasResource(m, "aws:CloudWatch.LogGroup", "redshift"))
	assert.False(t, hasResource(m, "aws:CloudWatch.Alarm", "warehouse-cpu"))
	assert.True(t, hasResource(m, "aws:CloudWatch.Alarm", "stream-throttle"))
}

func TestExpand_QueueDisabled(t *testing.T) {
	p := minimalPipeline()
	enable := false
	p.Alerting = &ir.AlertingConfig{EnableQueue: &enable}
	m, err := Expand(p, testIdentity)
	require.NoError(t, err)

	assert.False(t, hasResource(m, "aws:SQS.Queue", "alerts"))
	assert.False(t, hasResource(m, "aws:SNS.Subscription", "queue"))
}

func TestExpand_ExpiryDisabled(t *testing.T) {
	p := minimalPipeline()
	never := 0
	p.Storage = &ir.StorageConfig{ExpireAfterDays: &never}
	m, err := Expand(p, testIdentity)
	require.NoError(t, err)

	lifecycle := findResource(t, m, "aws:S3.BucketLifecycle", "events")
	assert.NotContains(t, lifecycle.Properties, "expireAfterDays")
}

func TestExpand_SingleNodeCluster(t *testing.T) {
	p := minimalPipeline()
	p.Network = &ir.NetworkConfig{}
	p.Warehouse = &ir.WarehouseConfig{MasterPassword: "Sup3rSecret", NodeCount: 1}
	m, err := Expand(p, testIdentity)
	require.NoError(t, err)

	cluster := findResource(t, m, "aws:Redshift.Cluster", "warehouse")
	assert.Equal(t, "single-node", cluster.Properties["clusterType"])
}

func TestExpand_ForceDestroyLiftsPreventDestroy(t *testing.T) {
	p := minimalPipeline()
	p.Storage = &ir.StorageConfig{ForceDestroy: true}
	m, err := Expand(p, testIdentity)
	require.NoError(t, err)

	bucket := findResource(t, m, "aws:S3.Bucket", "events")
	require.NotNil(t, bucket.Lifecycle)
	assert.False(t, bucket.Lifecycle.PreventDestroy)
	assert.Equal(t, true, bucket.Properties["forceDestroy"])
}

func indexOf(t *testing.T, order []string, addr string) int {
	t.Helper()
	for i, a := range order {
		if a == addr {
			return i
		}
	}
	t.Fatalf("%s missing from order %v", addr, order)
	return -1
}
