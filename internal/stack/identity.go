package stack

import (
	"fmt"

	"github.com/cartstream-io/cartstream/internal/ir"
)

// The identity module is implicit: every pipeline gets the two service
// roles the delivery path assumes. Policy documents are kept as structured
// maps rather than pre-marshaled JSON so pointer references inside them
// resolve against applied outputs and contribute dependency edges.

func (b *builder) addIdentity() {
	b.addServiceRole("firehose-delivery", "firehose.amazonaws.com", b.firehoseDeliveryStatements())
	b.addServiceRole("redshift-copy", "redshift.amazonaws.com", b.redshiftCopyStatements())
}

// addServiceRole emits a role trusted by the given service principal, a
// customer-managed policy with the given statements, and the attachment
// binding them.
func (b *builder) addServiceRole(name, service string, statements []any) {
	b.add(&ir.Resource{
		Type:     "aws:IAM.Role",
		Name:     name,
		Provider: "aws",
		Properties: map[string]any{
			"roleName":         b.nameFor(name),
			"assumeRolePolicy": trustPolicy(service),
			"tags":             b.tags(nil),
		},
	})
	b.add(&ir.Resource{
		Type:     "aws:IAM.Policy",
		Name:     name,
		Provider: "aws",
		Properties: map[string]any{
			"policyName": b.nameFor(name),
			"document": map[string]any{
				"Version":   "2012-10-17",
				"Statement": statements,
			},
		},
	})
	b.add(&ir.Resource{
		Type:     "aws:IAM.RolePolicyAttachment",
		Name:     name,
		Provider: "aws",
		Properties: map[string]any{
			"roleName":  ref("aws:IAM.Role", name, "name"),
			"policyArn": ref("aws:IAM.Policy", name, "arn"),
		},
	})
}

// firehoseDeliveryStatements grants what the archive and warehouse delivery
// streams need: write access to the events bucket, read access to the
// source stream, use of the pipeline key, and error logging.
func (b *builder) firehoseDeliveryStatements() []any {
	bucketArn := b.globalArn("s3", "", b.nameFor("events"))
	return []any{
		map[string]any{
			"Sid":    "EventsBucketDelivery",
			"Effect": "Allow",
			"Action": list(
				"s3:AbortMultipartUpload",
				"s3:GetBucketLocation",
				"s3:GetObject",
				"s3:ListBucket",
				"s3:ListBucketMultipartUploads",
				"s3:PutObject",
			),
			"Resource": list(bucketArn, bucketArn+"/*"),
		},
		map[string]any{
			"Sid":    "SourceStreamRead",
			"Effect": "Allow",
			"Action": list(
				"kinesis:DescribeStream",
				"kinesis:GetShardIterator",
				"kinesis:GetRecords",
				"kinesis:ListShards",
			),
			"Resource": list(ref("aws:Kinesis.Stream", "events", "arn")),
		},
		map[string]any{
			"Sid":      "PipelineKeyUsage",
			"Effect":   "Allow",
			"Action":   list("kms:Decrypt", "kms:GenerateDataKey"),
			"Resource": list(ref("aws:KMS.Key", "pipeline", "arn")),
		},
		map[string]any{
			"Sid":      "DeliveryErrorLogs",
			"Effect":   "Allow",
			"Action":   list("logs:PutLogEvents"),
			"Resource": list(b.arn("logs", fmt.Sprintf("log-group:/cartstream/%s-%s/*", b.p.Project, b.p.Environment))),
		},
	}
}

// redshiftCopyStatements grants the cluster read access to staged objects
// so COPY can load them.
func (b *builder) redshiftCopyStatements() []any {
	bucketArn := b.globalArn("s3", "", b.nameFor("events"))
	return []any{
		map[string]any{
			"Sid":      "StagedObjectRead",
			"Effect":   "Allow",
			"Action":   list("s3:GetBucketLocation", "s3:GetObject", "s3:ListBucket"),
			"Resource": list(bucketArn, bucketArn+"/*"),
		},
		map[string]any{
			"Sid":      "StagedObjectDecrypt",
			"Effect":   "Allow",
			"Action":   list("kms:Decrypt"),
			"Resource": list(ref("aws:KMS.Key", "pipeline", "arn")),
		},
	}
}

func trustPolicy(service string) map[string]any {
	return map[string]any{
		"Version": "2012-10-17",
		"Statement": []any{
			map[string]any{
				"Effect":    "Allow",
				"Principal": map[string]any{"Service": service},
				"Action":    "sts:AssumeRole",
			},
		},
	}
}
