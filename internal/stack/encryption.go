package stack

import (
	"fmt"

	"github.com/cartstream-io/cartstream/internal/ir"
)

// addEncryption emits the pipeline KMS key and its alias. Every other
// module encrypts with this key, so the module runs even without an
// encryption block.
func (b *builder) addEncryption() {
	cfg := b.p.Encryption
	if cfg == nil {
		cfg = &ir.EncryptionConfig{}
	}

	window := intOr(cfg.DeletionWindowDays, 7)
	if window < 7 || window > 30 {
		b.errf("encryption.deletionWindowDays: %d is outside the allowed 7-30 range", window)
	}

	b.add(&ir.Resource{
		Type:     "aws:KMS.Key",
		Name:     "pipeline",
		Provider: "aws",
		Properties: map[string]any{
			"description":        fmt.Sprintf("Envelope key for the %s %s event pipeline", b.p.Project, b.p.Environment),
			"enableKeyRotation":  boolOr(cfg.EnableKeyRotation, true),
			"deletionWindowDays": window,
			"policy":             b.keyPolicy(),
			"tags":               b.tags(nil),
		},
	})
	b.add(&ir.Resource{
		Type:     "aws:KMS.Alias",
		Name:     "pipeline",
		Provider: "aws",
		Properties: map[string]any{
			"aliasName":   "alias/" + b.nameFor("pipeline"),
			"targetKeyId": ref("aws:KMS.Key", "pipeline", "id"),
		},
	})
}

// keyPolicy grants the account root full administration, lets the pipeline
// services use the key only through their regional endpoints, and lets the
// service roles decrypt directly. Role principals are pointer references so
// the key is created after the roles exist.
func (b *builder) keyPolicy() map[string]any {
	root := fmt.Sprintf("arn:%s:iam::%s:root", b.identity.Partition, b.identity.AccountID)
	return map[string]any{
		"Version": "2012-10-17",
		"Statement": []any{
			map[string]any{
				"Sid":       "RootAccountAdmin",
				"Effect":    "Allow",
				"Principal": map[string]any{"AWS": root},
				"Action":    "kms:*",
				"Resource":  "*",
			},
			map[string]any{
				"Sid":       "PipelineServiceUse",
				"Effect":    "Allow",
				"Principal": map[string]any{"AWS": root},
				"Action": list(
					"kms:Encrypt",
					"kms:Decrypt",
					"kms:ReEncrypt*",
					"kms:GenerateDataKey*",
					"kms:DescribeKey",
				),
				"Resource": "*",
				"Condition": map[string]any{
					"StringEquals": map[string]any{
						"kms:ViaService": list(
							fmt.Sprintf("s3.%s.amazonaws.com", b.p.Region),
							fmt.Sprintf("kinesis.%s.amazonaws.com", b.p.Region),
							fmt.Sprintf("firehose.%s.amazonaws.com", b.p.Region),
							fmt.Sprintf("redshift.%s.amazonaws.com", b.p.Region),
						),
					},
				},
			},
			map[string]any{
				"Sid":    "ServiceRoleDecrypt",
				"Effect": "Allow",
				"Principal": map[string]any{
					"AWS": list(
						ref("aws:IAM.Role", "firehose-delivery", "arn"),
						ref("aws:IAM.Role", "redshift-copy", "arn"),
					),
				},
				"Action":   list("kms:Decrypt", "kms:GenerateDataKey"),
				"Resource": "*",
			},
		},
	}
}
