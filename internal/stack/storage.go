package stack

import (
	"fmt"

	"github.com/cartstream-io/cartstream/internal/ir"
)

const abortMultipartAfterDays = 7

// addStorage emits the event archive: the events bucket with its lifecycle
// tiering and TLS/encryption policy, optional cross-region replication, and
// the Glue/Athena catalog over the raw prefix. Runs with defaults when the
// block is omitted.
func (b *builder) addStorage() {
	cfg := b.p.Storage
	if cfg == nil {
		cfg = &ir.StorageConfig{}
	}

	ia := intOr(cfg.IaAfterDays, 30)
	glacier := intOr(cfg.GlacierAfterDays, 90)
	expire := 365
	if cfg.ExpireAfterDays != nil {
		expire = *cfg.ExpireAfterDays
	}

	if ia < 1 {
		b.errf("storage.iaAfterDays: must be at least 1, got %d", ia)
	}
	if glacier <= ia {
		b.errf("storage.glacierAfterDays: %d must be greater than iaAfterDays (%d)", glacier, ia)
	}
	if expire < 0 {
		b.errf("storage.expireAfterDays: must not be negative, got %d", expire)
	} else if expire != 0 && expire <= glacier {
		b.errf("storage.expireAfterDays: %d must be greater than glacierAfterDays (%d); 0 disables expiry", expire, glacier)
	}
	if cfg.ReplicaRegion == b.p.Region && cfg.ReplicaRegion != "" {
		b.errf("storage.replicaRegion: %q must differ from the pipeline region", cfg.ReplicaRegion)
	}

	bucket := b.nameFor("events")
	bucketArn := b.globalArn("s3", "", bucket)

	b.add(&ir.Resource{
		Type:     "aws:S3.Bucket",
		Name:     "events",
		Provider: "aws",
		Lifecycle: &ir.Lifecycle{
			PreventDestroy: !cfg.ForceDestroy,
		},
		Properties: map[string]any{
			"bucketName":        bucket,
			"versioning":        true,
			"blockPublicAccess": true,
			"forceDestroy":      cfg.ForceDestroy,
			"kmsKeyArn":         ref("aws:KMS.Key", "pipeline", "arn"),
			"tags":              b.tags(nil),
		},
	})

	lifecycle := map[string]any{
		"bucket": ref("aws:S3.Bucket", "events", "name"),
		"transitions": []any{
			map[string]any{"storageClass": "STANDARD_IA", "afterDays": ia},
			map[string]any{"storageClass": "GLACIER", "afterDays": glacier},
		},
		"abortIncompleteMultipartUploadDays": abortMultipartAfterDays,
	}
	if expire > 0 {
		lifecycle["expireAfterDays"] = expire
	}
	b.add(&ir.Resource{
		Type:       "aws:S3.BucketLifecycle",
		Name:       "events",
		Provider:   "aws",
		Properties: lifecycle,
	})

	b.add(&ir.Resource{
		Type:     "aws:S3.BucketPolicy",
		Name:     "events",
		Provider: "aws",
		Properties: map[string]any{
			"bucket": ref("aws:S3.Bucket", "events", "name"),
			"policy": bucketTransportPolicy(bucketArn),
		},
	})

	if cfg.ReplicaRegion != "" {
		b.addReplication(cfg)
	}
	if boolOr(cfg.EnableCatalog, true) {
		b.addCatalog(bucket)
	}

	b.outputs["eventsBucket"] = bucket
}

// addReplication emits the replica bucket in the secondary region, the
// replication role, and the replication configuration on the events bucket.
// The replica keeps S3-managed encryption: the pipeline key is regional and
// cannot serve objects landing in the replica region.
func (b *builder) addReplication(cfg *ir.StorageConfig) {
	replica := b.nameFor("events-replica")
	replicaArn := b.globalArn("s3", "", replica)
	sourceArn := b.globalArn("s3", "", b.nameFor("events"))

	b.add(&ir.Resource{
		Type:     "aws:S3.Bucket",
		Name:     "events-replica",
		Provider: "aws",
		Lifecycle: &ir.Lifecycle{
			PreventDestroy: !cfg.ForceDestroy,
		},
		Properties: map[string]any{
			"bucketName":        replica,
			"region":            cfg.ReplicaRegion,
			"versioning":        true,
			"blockPublicAccess": true,
			"forceDestroy":      cfg.ForceDestroy,
			"tags":              b.tags(nil),
		},
	})

	b.addServiceRole("s3-replication", "s3.amazonaws.com", []any{
		map[string]any{
			"Sid":    "SourceBucketRead",
			"Effect": "Allow",
			"Action": list(
				"s3:GetReplicationConfiguration",
				"s3:ListBucket",
				"s3:GetObjectVersionForReplication",
				"s3:GetObjectVersionAcl",
				"s3:GetObjectVersionTagging",
			),
			"Resource": list(sourceArn, sourceArn+"/*"),
		},
		map[string]any{
			"Sid":      "ReplicaWrite",
			"Effect":   "Allow",
			"Action":   list("s3:ReplicateObject", "s3:ReplicateDelete", "s3:ReplicateTags"),
			"Resource": list(replicaArn + "/*"),
		},
	})

	b.add(&ir.Resource{
		Type:      "aws:S3.BucketReplication",
		Name:      "events",
		Provider:  "aws",
		DependsOn: []string{"aws:IAM.RolePolicyAttachment.s3-replication"},
		Properties: map[string]any{
			"bucket":               ref("aws:S3.Bucket", "events", "name"),
			"roleArn":              ref("aws:IAM.Role", "s3-replication", "arn"),
			"destinationBucketArn": ref("aws:S3.Bucket", "events-replica", "arn"),
			"storageClass":         "STANDARD_IA",
		},
	})
}

// addCatalog emits the Glue database and raw_events table over the Firehose
// prefix plus the Athena workgroup analysts query through.
func (b *builder) addCatalog(bucket string) {
	b.add(&ir.Resource{
		Type:     "aws:Glue.Database",
		Name:     "events",
		Provider: "aws",
		Properties: map[string]any{
			"databaseName": b.catalogName("events"),
			"description":  fmt.Sprintf("Raw e-commerce events for %s %s", b.p.Project, b.p.Environment),
		},
	})

	b.add(&ir.Resource{
		Type:     "aws:Glue.Table",
		Name:     "raw-events",
		Provider: "aws",
		Properties: map[string]any{
			"databaseName":         ref("aws:Glue.Database", "events", "name"),
			"tableName":            "raw_events",
			"tableType":            "EXTERNAL_TABLE",
			"location":             fmt.Sprintf("s3://%s/raw/", bucket),
			"inputFormat":          "org.apache.hadoop.mapred.TextInputFormat",
			"outputFormat":         "org.apache.hadoop.hive.ql.io.HiveIgnoreKeyTextOutputFormat",
			"serializationLibrary": "org.openx.data.jsonserde.JsonSerDe",
			"columns":              rawEventColumns(),
			"partitionKeys": []any{
				map[string]any{"name": "year", "type": "string"},
				map[string]any{"name": "month", "type": "string"},
				map[string]any{"name": "day", "type": "string"},
				map[string]any{"name": "hour", "type": "string"},
			},
			"parameters": map[string]any{
				"classification":  "json",
				"compressionType": "gzip",
			},
		},
	})

	b.add(&ir.Resource{
		Type:      "aws:Athena.WorkGroup",
		Name:      "analytics",
		Provider:  "aws",
		DependsOn: []string{"aws:S3.Bucket.events"},
		Properties: map[string]any{
			"workGroupName":    b.nameFor("analytics"),
			"outputLocation":   fmt.Sprintf("s3://%s/athena-results/", bucket),
			"encryptionOption": "SSE_KMS",
			"kmsKeyArn":        ref("aws:KMS.Key", "pipeline", "arn"),
			"enforceWorkGroup": true,
			"tags":             b.tags(nil),
		},
	})

	b.outputs["catalogDatabase"] = b.catalogName("events")
}

// bucketTransportPolicy denies plaintext transport and unencrypted puts.
func bucketTransportPolicy(bucketArn string) map[string]any {
	return map[string]any{
		"Version": "2012-10-17",
		"Statement": []any{
			map[string]any{
				"Sid":       "DenyInsecureTransport",
				"Effect":    "Deny",
				"Principal": "*",
				"Action":    "s3:*",
				"Resource":  list(bucketArn, bucketArn+"/*"),
				"Condition": map[string]any{
					"Bool": map[string]any{"aws:SecureTransport": "false"},
				},
			},
			map[string]any{
				"Sid":       "DenyUnencryptedPuts",
				"Effect":    "Deny",
				"Principal": "*",
				"Action":    "s3:PutObject",
				"Resource":  list(bucketArn + "/*"),
				"Condition": map[string]any{
					"StringNotEquals": map[string]any{
						"s3:x-amz-server-side-encryption": "aws:kms",
					},
				},
			},
		},
	}
}

// rawEventColumns is the storefront event envelope as Firehose lands it.
func rawEventColumns() []any {
	cols := []struct{ name, typ string }{
		{"event_id", "string"},
		{"event_type", "string"},
		{"occurred_at", "timestamp"},
		{"session_id", "string"},
		{"customer_id", "string"},
		{"sku", "string"},
		{"quantity", "int"},
		{"unit_price", "double"},
		{"currency", "string"},
		{"channel", "string"},
		{"user_agent", "string"},
	}
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = map[string]any{"name": c.name, "type": c.typ}
	}
	return out
}
