package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cartstream-io/cartstream/internal/engine"
	"github.com/cartstream-io/cartstream/internal/ir"
	"github.com/cartstream-io/cartstream/internal/provider"
)

var (
	applyAutoApprove bool
	applyPlanFile    string
	applyTargets     []string
	applyParallelism int
)

var applyCmd = &cobra.Command{
	Use:   "apply [path]",
	Short: "Provision the declared pipeline",
	Long: `Plans and then executes the changes needed to make the cloud match the
declaration. Independent resources apply in parallel; progress is
reported per resource.

A plan saved with 'plan --out' applies verbatim via --plan-file, with no
interactive confirmation.`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip the interactive confirmation")
	applyCmd.Flags().StringVar(&applyPlanFile, "plan-file", "", "Apply a plan document saved by 'plan --out'")
	applyCmd.Flags().StringArrayVar(&applyTargets, "target", nil, "Limit the apply to a resource address and its dependencies, repeatable")
	applyCmd.Flags().IntVar(&applyParallelism, "parallelism", 0, "Max concurrent resource operations (0 = engine default)")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	fmt.Print("Loading declaration... ")
	p, err := loadPipeline(ctx, args)
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")

	registry := provider.NewRegistry()
	registerBuiltins(registry)

	store, err := stateStore(p)
	if err != nil {
		return err
	}
	if err := store.Lock(); err != nil {
		return err
	}
	defer store.Unlock()

	current, err := store.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	var plan *ir.Plan
	var m *ir.Manifest

	if applyPlanFile != "" {
		plan, err = readPlanFile(applyPlanFile)
		if err != nil {
			return err
		}
		fmt.Printf("Applying saved plan %s (%s)\n", applyPlanFile, planSummaryLine(plan.Summary))
	} else {
		m, err = expandPipeline(ctx, p, registry)
		if err != nil {
			return err
		}

		eng := engine.NewEngine(registry)
		fmt.Print("Calculating plan... ")
		plan, err = eng.CreatePlanWithTargets(ctx, m, current, applyTargets)
		if err != nil {
			fmt.Println("FAILED")
			return fmt.Errorf("plan generation failed: %w", err)
		}
		fmt.Println("OK")
	}

	if len(plan.Changes) == 0 {
		fmt.Println("No changes. Pipeline is up to date.")
		return nil
	}

	if applyPlanFile == "" {
		fmt.Println("\nCartStream will perform the following actions:")
		renderPlanChanges(plan)
		fmt.Printf("\n%s\n", planSummaryLine(plan.Summary))

		if !applyAutoApprove {
			if !confirm("\nDo you want to perform these actions?") {
				fmt.Println("Apply cancelled.")
				return nil
			}
		}
	}

	names := providerNames(m, current)
	if m == nil {
		names = providersFromPlan(plan)
	}
	region := p.Region
	if plan.Metadata != nil && plan.Metadata.Region != "" {
		region = plan.Metadata.Region
	}
	if err := configureProviders(ctx, registry, names, region); err != nil {
		return err
	}

	eng := engine.NewEngine(registry)
	if applyParallelism > 0 {
		eng.Parallelism = applyParallelism
	}

	fmt.Printf("\nApplying %d change(s)...\n\n", len(plan.Changes))
	newState, applyErr := eng.ApplyPlanWithCallback(ctx, plan, current, printApplyEvent)

	// Whatever completed is real; persist it even when the apply failed.
	if newState != nil {
		if err := store.Write(ctx, newState); err != nil {
			return fmt.Errorf("failed to write state: %w", err)
		}
	}

	entry := AuditEntry{
		Operation:   "apply",
		Environment: p.Environment,
		Changes:     auditChanges(plan),
		Summary:     auditSummary(plan.Summary),
	}
	if applyErr != nil {
		entry.Error = applyErr.Error()
	}
	writeAuditLog(entry)

	if applyErr != nil {
		return fmt.Errorf("apply failed: %w", applyErr)
	}

	fmt.Printf("\nApply complete! Resources: %d added, %d changed, %d destroyed.\n",
		plan.Summary.Create+plan.Summary.Replace, plan.Summary.Update, plan.Summary.Delete+plan.Summary.Replace)

	if len(newState.Outputs) > 0 {
		fmt.Println("\nOutputs:")
		printOutputs(newState.Outputs)
	}
	return nil
}

// readPlanFile loads a plan document saved by 'plan --out'.
func readPlanFile(path string) (*ir.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var plan ir.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("invalid plan document %s: %w", path, err)
	}
	if plan.Summary == nil {
		plan.Summary = &ir.PlanSummary{}
	}
	return &plan, nil
}

// providersFromPlan collects provider names from a saved plan's changes.
func providersFromPlan(plan *ir.Plan) []string {
	seen := make(map[string]bool)
	var names []string
	for _, c := range plan.Changes {
		var name string
		switch {
		case c.Desired != nil:
			name = c.Desired.Provider
		case c.Prior != nil:
			name = c.Prior.Provider
		}
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
