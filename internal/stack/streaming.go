package stack

import (
	"github.com/cartstream-io/cartstream/internal/ir"
)

var shardLevelMetrics = list(
	"IncomingBytes",
	"IncomingRecords",
	"WriteProvisionedThroughputExceeded",
)

// addStreaming emits the ingest stream and its delivery streams: archive
// (stream to S3) always, warehouse (stream to Redshift) when the warehouse
// module is enabled. Runs with defaults when the block is omitted.
func (b *builder) addStreaming() {
	cfg := b.p.Streaming
	if cfg == nil {
		cfg = &ir.StreamingConfig{}
	}

	shards := intOr(cfg.ShardCount, 2)
	retention := intOr(cfg.RetentionHours, 48)
	bufferMB := intOr(cfg.BufferMB, 5)
	bufferSeconds := intOr(cfg.BufferSeconds, 300)
	retrySeconds := intOr(cfg.RedshiftRetrySeconds, 3600)

	if shards < 1 {
		b.errf("streaming.shardCount: must be at least 1, got %d", shards)
	}
	if retention < 24 || retention > 8760 {
		b.errf("streaming.retentionHours: %d is outside the allowed 24-8760 range", retention)
	}
	if bufferMB < 1 || bufferMB > 128 {
		b.errf("streaming.bufferMB: %d is outside the allowed 1-128 range", bufferMB)
	}
	if bufferSeconds < 60 || bufferSeconds > 900 {
		b.errf("streaming.bufferSeconds: %d is outside the allowed 60-900 range", bufferSeconds)
	}
	if retrySeconds < 0 || retrySeconds > 7200 {
		b.errf("streaming.redshiftRetrySeconds: %d is outside the allowed 0-7200 range", retrySeconds)
	}

	streamName := b.nameFor("events")
	stream := map[string]any{
		"streamName":     streamName,
		"shardCount":     shards,
		"retentionHours": retention,
		"kmsKeyArn":      ref("aws:KMS.Key", "pipeline", "arn"),
		"tags":           b.tags(nil),
	}
	if boolOr(cfg.EnableShardMetrics, true) {
		stream["shardLevelMetrics"] = shardLevelMetrics
	}
	b.add(&ir.Resource{
		Type:       "aws:Kinesis.Stream",
		Name:       "events",
		Provider:   "aws",
		Properties: stream,
	})

	// Firehose validates source and destination access at creation, so both
	// delivery streams wait for the delivery policy attachment.
	archiveDeps := []string{"aws:IAM.RolePolicyAttachment.firehose-delivery"}
	archive := map[string]any{
		"deliveryStreamName": b.nameFor("archive"),
		"sourceStreamArn":    ref("aws:Kinesis.Stream", "events", "arn"),
		"roleArn":            ref("aws:IAM.Role", "firehose-delivery", "arn"),
		"s3Destination": map[string]any{
			"bucketArn":         ref("aws:S3.Bucket", "events", "arn"),
			"prefix":            "raw/year=!{timestamp:yyyy}/month=!{timestamp:MM}/day=!{timestamp:dd}/hour=!{timestamp:HH}/",
			"errorOutputPrefix": "errors/year=!{timestamp:yyyy}/month=!{timestamp:MM}/day=!{timestamp:dd}/!{firehose:error-output-type}/",
			"bufferMB":          bufferMB,
			"bufferSeconds":     bufferSeconds,
			"compression":       "GZIP",
			"kmsKeyArn":         ref("aws:KMS.Key", "pipeline", "arn"),
		},
		"tags": b.tags(nil),
	}
	if b.p.Alerting != nil {
		archiveDeps = append(archiveDeps, "aws:CloudWatch.LogGroup.firehose")
		archive["logging"] = map[string]any{
			"logGroup":  b.logGroupName("firehose"),
			"logStream": "archive",
		}
	}
	b.add(&ir.Resource{
		Type:       "aws:Firehose.DeliveryStream",
		Name:       "archive",
		Provider:   "aws",
		DependsOn:  archiveDeps,
		Properties: archive,
	})

	if b.p.Warehouse != nil {
		b.addWarehouseDelivery(bufferMB, bufferSeconds, retrySeconds)
	}

	b.outputs["streamName"] = streamName
	b.outputs["streamArn"] = ref("aws:Kinesis.Stream", "events", "arn")
}

// addWarehouseDelivery emits the stream-to-Redshift delivery stream. COPY
// credentials stay top-level properties so plan rendering masks them.
func (b *builder) addWarehouseDelivery(bufferMB, bufferSeconds, retrySeconds int) {
	deps := []string{"aws:IAM.RolePolicyAttachment.firehose-delivery"}
	props := map[string]any{
		"deliveryStreamName": b.nameFor("warehouse"),
		"sourceStreamArn":    ref("aws:Kinesis.Stream", "events", "arn"),
		"roleArn":            ref("aws:IAM.Role", "firehose-delivery", "arn"),
		"username":           b.warehouseUsername(),
		"masterPassword":     b.p.Warehouse.MasterPassword,
		"redshiftDestination": map[string]any{
			"clusterAddress":       ref("aws:Redshift.Cluster", "warehouse", "address"),
			"clusterPort":          warehousePort,
			"databaseName":         b.warehouseDatabaseName(),
			"dataTableName":        "events",
			"copyOptions":          "FORMAT AS JSON 'auto' GZIP",
			"retryDurationSeconds": retrySeconds,
			"intermediatePrefix":   "staging/",
			"bucketArn":            ref("aws:S3.Bucket", "events", "arn"),
			"bufferMB":             bufferMB,
			"bufferSeconds":        bufferSeconds,
			"compression":          "GZIP",
			"kmsKeyArn":            ref("aws:KMS.Key", "pipeline", "arn"),
		},
		"tags": b.tags(nil),
	}
	if b.p.Alerting != nil {
		deps = append(deps, "aws:CloudWatch.LogGroup.firehose")
		props["logging"] = map[string]any{
			"logGroup":  b.logGroupName("firehose"),
			"logStream": "warehouse",
		}
	}
	b.add(&ir.Resource{
		Type:       "aws:Firehose.DeliveryStream",
		Name:       "warehouse",
		Provider:   "aws",
		DependsOn:  deps,
		Properties: props,
	})
}
