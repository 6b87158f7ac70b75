package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cartstream-io/cartstream/internal/engine"
	"github.com/cartstream-io/cartstream/internal/ir"
	"github.com/cartstream-io/cartstream/internal/provider"
)

var (
	planOutFile          string
	planTargets          []string
	planDestroy          bool
	planDetailedExitcode bool
)

var planCmd = &cobra.Command{
	Use:   "plan [path]",
	Short: "Preview the changes apply would make",
	Long: `Compares the expanded declaration against the recorded state and shows
what apply would create, update, replace, or destroy.

Save the plan with --out and apply it later with 'apply --plan-file'.
With --detailed-exitcode the command exits 2 when changes are pending,
0 when the pipeline is up to date.`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write the plan document to this file")
	planCmd.Flags().StringArrayVar(&planTargets, "target", nil, "Limit the plan to a resource address and its dependencies, repeatable")
	planCmd.Flags().BoolVar(&planDestroy, "destroy", false, "Plan the destruction of all managed resources")
	planCmd.Flags().BoolVar(&planDetailedExitcode, "detailed-exitcode", false, "Exit 2 when the plan contains changes")
}

func runPlan(cmd *cobra.Command, args []string) error {
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

	m, err := expandPipeline(ctx, p, registry)
	if err != nil {
		return err
	}

	store, err := stateStore(p)
	if err != nil {
		return err
	}
	current, err := store.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	eng := engine.NewEngine(registry)

	fmt.Print("Calculating plan... ")
	var plan *ir.Plan
	if planDestroy {
		plan, err = eng.CreateDestroyPlan(ctx, m, current, planTargets)
	} else {
		plan, err = eng.CreatePlanWithTargets(ctx, m, current, planTargets)
	}
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("plan generation failed: %w", err)
	}
	fmt.Println("OK")

	if len(plan.Changes) == 0 {
		fmt.Println("\nNo changes. Pipeline is up to date.")
	} else {
		fmt.Println("\nCartStream will perform the following actions:")
		renderPlanChanges(plan)
		fmt.Printf("\n%s\n", planSummaryLine(plan.Summary))
	}

	if planOutFile != "" {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to serialize plan: %w", err)
		}
		if err := os.WriteFile(planOutFile, append(data, '\n'), 0644); err != nil {
			return fmt.Errorf("failed to write plan file: %w", err)
		}
		fmt.Printf("\nPlan saved to %s. Apply it with 'cartstream apply --plan-file %s'.\n", planOutFile, planOutFile)
	}

	if planDetailedExitcode && plan.Summary.HasChanges() {
		os.Exit(2)
	}
	return nil
}
