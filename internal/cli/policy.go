package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cartstream-io/cartstream/internal/ir"
)

var policyFile string

var policyCmd = &cobra.Command{
	Use:   "policy-check <plan-file>",
	Short: "Check a saved plan against guardrail rules",
	Long: `Evaluates a saved plan against guardrail rules defined in a JSON policy
file. Rules run before apply in CI so a bad plan never reaches the
account.

Rules can enforce constraints like:
  - Streams and buckets must be KMS-encrypted
  - Warehouse clusters must not be publicly accessible
  - The ingest stream must never be destroyed

Example policy file:
  {
    "rules": [
      {
        "name": "warehouse-private",
        "description": "Redshift clusters must stay off the public internet",
        "resource_type": "aws:Redshift.Cluster",
        "condition": "property_equals",
        "property": "publiclyAccessible",
        "value": "true",
        "severity": "error"
      }
    ]
  }`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyCheck,
}

func init() {
	policyCmd.Flags().StringVarP(&policyFile, "policy", "p", ".cartstream/policies.json", "Path to policy file")
}

// PolicyFile is a collection of guardrail rules.
type PolicyFile struct {
	Rules []PolicyRule `json:"rules"`
}

// PolicyRule defines a single policy check.
type PolicyRule struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	ResourceType string `json:"resource_type"` // empty = all types
	Condition    string `json:"condition"`     // deny_action, property_equals, property_not_equals, require_property
	Property     string `json:"property"`
	Value        string `json:"value"`
	Severity     string `json:"severity"` // "error", "warning"
}

// PolicyViolation is a policy check failure.
type PolicyViolation struct {
	Rule     PolicyRule
	Resource string
	Message  string
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	plan, err := readPlanFile(args[0])
	if err != nil {
		return err
	}

	policyData, err := os.ReadFile(policyFile)
	if err != nil {
		return fmt.Errorf("failed to read policy file %s: %w", policyFile, err)
	}

	var policies PolicyFile
	if err := json.Unmarshal(policyData, &policies); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}

	violations := evaluatePolicies(plan, &policies)

	errors := 0
	warnings := 0
	for _, v := range violations {
		severity := strings.ToUpper(v.Rule.Severity)
		if severity == "" || severity == "ERROR" {
			errors++
			fmt.Printf("%s[ERROR]%s %s: %s\n", colorize(ansiRed), colorize(ansiReset), v.Rule.Name, v.Message)
		} else {
			warnings++
			fmt.Printf("%s[WARN]%s %s: %s\n", colorize(ansiYellow), colorize(ansiReset), v.Rule.Name, v.Message)
		}
	}

	fmt.Printf("\nPolicy check complete: %d error(s), %d warning(s)\n", errors, warnings)

	if errors > 0 {
		return fmt.Errorf("policy check failed with %d error(s)", errors)
	}
	return nil
}

func evaluatePolicies(plan *ir.Plan, policies *PolicyFile) []PolicyViolation {
	var violations []PolicyViolation

	for _, rule := range policies.Rules {
		for _, change := range plan.Changes {
			if rule.ResourceType != "" {
				resourceType := ""
				if change.Desired != nil {
					resourceType = change.Desired.Type
				} else if change.Prior != nil {
					resourceType = change.Prior.Type
				}
				if resourceType != rule.ResourceType {
					continue
				}
			}

			switch rule.Condition {
			case "deny_action":
				if strings.EqualFold(change.Action, rule.Value) {
					violations = append(violations, PolicyViolation{
						Rule:     rule,
						Resource: change.Address,
						Message:  fmt.Sprintf("Resource %s: action %s is denied by policy %q", change.Address, change.Action, rule.Description),
					})
				}

			case "property_equals":
				if change.Desired != nil {
					if val, ok := change.Desired.Properties[rule.Property]; ok {
						if fmt.Sprintf("%v", val) == rule.Value {
							violations = append(violations, PolicyViolation{
								Rule:     rule,
								Resource: change.Address,
								Message:  fmt.Sprintf("Resource %s: property %s=%v violates policy %q", change.Address, rule.Property, val, rule.Description),
							})
						}
					}
				}

			case "property_not_equals":
				if change.Desired != nil {
					if val, ok := change.Desired.Properties[rule.Property]; ok {
						if fmt.Sprintf("%v", val) != rule.Value {
							violations = append(violations, PolicyViolation{
								Rule:     rule,
								Resource: change.Address,
								Message:  fmt.Sprintf("Resource %s: property %s=%v violates policy %q (expected %s)", change.Address, rule.Property, val, rule.Description, rule.Value),
							})
						}
					}
				}

			case "require_property":
				if change.Desired != nil && (change.Action == "CREATE" || change.Action == "UPDATE") {
					if _, ok := change.Desired.Properties[rule.Property]; !ok {
						violations = append(violations, PolicyViolation{
							Rule:     rule,
							Resource: change.Address,
							Message:  fmt.Sprintf("Resource %s: missing required property %q per policy %q", change.Address, rule.Property, rule.Description),
						})
					}
				}
			}
		}
	}

	return violations
}
