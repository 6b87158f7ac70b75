package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cartstream-io/cartstream/internal/ir"
	"github.com/cartstream-io/cartstream/internal/state"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate-from-terraform [tf-dir]",
	Short: "Convert Terraform state to CartStream state",
	Long: `Reads a Terraform state file (terraform.tfstate) and converts it to
CartStream state so existing resources are managed without recreating them.

This is a best-effort conversion. The pipeline declaration still has to
be written by hand; the state conversion only stops the first apply from
replacing infrastructure that already exists.

Example:
  cartstream migrate-from-terraform .
  cartstream migrate-from-terraform /path/to/terraform/project`,
	RunE: runMigrate,
}

// TerraformState mirrors the Terraform v4 state file format.
type TerraformState struct {
	Version          int                 `json:"version"`
	TerraformVersion string              `json:"terraform_version"`
	Serial           int                 `json:"serial"`
	Lineage          string              `json:"lineage"`
	Outputs          map[string]TFOutput `json:"outputs"`
	Resources        []TFResource        `json:"resources"`
}

// TFOutput is a Terraform state output.
type TFOutput struct {
	Value any `json:"value"`
	Type  any `json:"type"`
}

// TFResource is a Terraform state resource.
type TFResource struct {
	Module    string       `json:"module"`
	Mode      string       `json:"mode"` // "managed" or "data"
	Type      string       `json:"type"`
	Name      string       `json:"name"`
	Provider  string       `json:"provider"`
	Instances []TFInstance `json:"instances"`
}

// TFInstance is a Terraform resource instance.
type TFInstance struct {
	SchemaVersion int            `json:"schema_version"`
	Attributes    map[string]any `json:"attributes"`
	Dependencies  []string       `json:"dependencies"`
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	tfDir := "."
	if len(args) > 0 {
		tfDir = args[0]
	}

	tfPath := filepath.Join(tfDir, "terraform.tfstate")
	data, err := os.ReadFile(tfPath)
	if err != nil {
		return fmt.Errorf("failed to read terraform state from %s: %w", tfPath, err)
	}

	var tfState TerraformState
	if err := json.Unmarshal(data, &tfState); err != nil {
		return fmt.Errorf("failed to parse terraform state: %w", err)
	}

	fmt.Printf("Found Terraform state: version=%d serial=%d lineage=%s\n",
		tfState.Version, tfState.Serial, tfState.Lineage)
	fmt.Printf("Resources: %d\n", len(tfState.Resources))

	mgr := openLocalState()
	current, err := mgr.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if len(current.Resources) > 0 {
		return fmt.Errorf("state at %s already tracks %d resources; migrate into an empty environment",
			statePath(), len(current.Resources))
	}

	migrated := &ir.State{
		Version: ir.StateVersion,
		Serial:  tfState.Serial,
		Lineage: tfState.Lineage,
		Outputs: map[string]any{},
	}
	if migrated.Lineage == "" {
		migrated.Lineage = state.NewLineage()
	}

	for k, v := range tfState.Outputs {
		migrated.Outputs[k] = v.Value
	}

	converted := 0
	for _, res := range tfState.Resources {
		if res.Mode != "managed" {
			continue
		}

		providerName := mapTFProvider(res.Provider)
		resourceType := mapTFResourceType(res.Type, providerName)

		for _, inst := range res.Instances {
			outputs := map[string]any{}
			for k, v := range inst.Attributes {
				outputs[k] = v
			}

			var deps []string
			for _, dep := range inst.Dependencies {
				if mapped := mapTFAddress(dep); mapped != "" {
					deps = append(deps, mapped)
				}
			}

			migrated.Resources = append(migrated.Resources, &ir.ResourceState{
				Type:         resourceType,
				Name:         res.Name,
				Provider:     providerName,
				Inputs:       map[string]any{},
				Outputs:      outputs,
				Dependencies: deps,
			})
			converted++
		}
	}

	if err := mgr.Write(ctx, migrated); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	fmt.Printf("\nMigration complete! Converted %d resources to %s\n", converted, statePath())
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Write a pipeline.pkl that declares the migrated infrastructure")
	fmt.Println("  2. Run 'cartstream plan' to verify no changes are needed")
	fmt.Println("  3. If plan shows changes, adjust the declaration to match")
	return nil
}

// mapTFProvider maps a Terraform provider address to a CartStream provider name.
func mapTFProvider(tfProvider string) string {
	// Terraform provider format: registry.terraform.io/hashicorp/aws,
	// often wrapped like provider["registry.terraform.io/hashicorp/aws"].
	parts := strings.Split(tfProvider, "/")
	name := parts[len(parts)-1]
	name = strings.Trim(name, "[]\"")
	switch name {
	case "aws":
		return "aws"
	case "null":
		return "noop"
	default:
		return name
	}
}

// tfTypeMap maps Terraform resource types onto the namespaced scheme.
var tfTypeMap = map[string]string{
	"aws_vpc":                                 "aws:EC2.Vpc",
	"aws_subnet":                              "aws:EC2.Subnet",
	"aws_security_group":                      "aws:EC2.SecurityGroup",
	"aws_iam_role":                            "aws:IAM.Role",
	"aws_iam_policy":                          "aws:IAM.Policy",
	"aws_iam_role_policy_attachment":          "aws:IAM.RolePolicyAttachment",
	"aws_kms_key":                             "aws:KMS.Key",
	"aws_kms_alias":                           "aws:KMS.Alias",
	"aws_s3_bucket":                           "aws:S3.Bucket",
	"aws_s3_bucket_lifecycle_configuration":   "aws:S3.BucketLifecycle",
	"aws_s3_bucket_policy":                    "aws:S3.BucketPolicy",
	"aws_s3_bucket_replication_configuration": "aws:S3.BucketReplication",
	"aws_glue_catalog_database":               "aws:Glue.Database",
	"aws_glue_catalog_table":                  "aws:Glue.Table",
	"aws_athena_workgroup":                    "aws:Athena.WorkGroup",
	"aws_kinesis_stream":                      "aws:Kinesis.Stream",
	"aws_kinesis_firehose_delivery_stream":    "aws:Firehose.DeliveryStream",
	"aws_redshift_subnet_group":               "aws:Redshift.SubnetGroup",
	"aws_redshift_cluster":                    "aws:Redshift.Cluster",
	"aws_secretsmanager_secret":               "aws:SecretsManager.Secret",
	"aws_cloudwatch_log_group":                "aws:CloudWatch.LogGroup",
	"aws_cloudwatch_metric_alarm":             "aws:CloudWatch.Alarm",
	"aws_cloudwatch_dashboard":                "aws:CloudWatch.Dashboard",
	"aws_sns_topic":                           "aws:SNS.Topic",
	"aws_sns_topic_subscription":              "aws:SNS.Subscription",
	"aws_sqs_queue":                           "aws:SQS.Queue",
	"aws_ssm_parameter":                       "aws:SSM.Parameter",
	"null_resource":                           "noop:Resource",
}

// mapTFResourceType maps a Terraform resource type to CartStream format.
func mapTFResourceType(tfType, provider string) string {
	if mapped, ok := tfTypeMap[tfType]; ok {
		return mapped
	}
	// Best effort: keep the underscore name under the provider namespace.
	if provider == "aws" {
		return "aws:" + tfType
	}
	return tfType
}

// mapTFAddress converts a Terraform dependency address like
// "aws_kms_key.pipeline" to the namespaced form. Unknown shapes are dropped.
func mapTFAddress(addr string) string {
	addr = strings.TrimPrefix(addr, "module.")
	i := strings.Index(addr, ".")
	if i < 0 {
		return ""
	}
	tfType, name := addr[:i], addr[i+1:]
	if tfType == "data" || name == "" {
		return ""
	}
	return mapTFResourceType(tfType, "aws") + "." + name
}
