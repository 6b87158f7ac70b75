package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cartstream-io/cartstream/internal/engine"
	"github.com/cartstream-io/cartstream/internal/provider"
)

var (
	destroyAutoApprove bool
	destroyTargets     []string
)

var destroyCmd = &cobra.Command{
	Use:   "destroy [path]",
	Short: "Destroy all managed pipeline resources",
	Long: `Deletes every resource recorded in state, in reverse dependency order.

Resources declared with prevent_destroy fail the plan instead of being
deleted. Use --target to destroy a subset.`,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip the interactive confirmation")
	destroyCmd.Flags().StringArrayVar(&destroyTargets, "target", nil, "Limit destruction to a resource address and its dependents, repeatable")
}

func runDestroy(cmd *cobra.Command, args []string) error {
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
	if err := store.Lock(); err != nil {
		return err
	}
	defer store.Unlock()

	current, err := store.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if len(current.Resources) == 0 {
		fmt.Println("No resources in state. Nothing to destroy.")
		return nil
	}

	eng := engine.NewEngine(registry)

	fmt.Print("Calculating destroy plan... ")
	plan, err := eng.CreateDestroyPlan(ctx, m, current, destroyTargets)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("destroy plan failed: %w", err)
	}
	fmt.Println("OK")

	if len(plan.Changes) == 0 {
		fmt.Println("No resources to destroy.")
		return nil
	}

	fmt.Println("\nCartStream will destroy the following resources:")
	renderPlanChanges(plan)
	fmt.Printf("\n%s\n", planSummaryLine(plan.Summary))

	if !destroyAutoApprove {
		if !confirm("\nDo you really want to destroy all resources above?") {
			fmt.Println("Destroy cancelled.")
			return nil
		}
	}

	if err := configureProviders(ctx, registry, providerNames(m, current), p.Region); err != nil {
		return err
	}

	fmt.Printf("\nDestroying %d resource(s)...\n\n", len(plan.Changes))
	newState, destroyErr := eng.ApplyPlanWithCallback(ctx, plan, current, printApplyEvent)

	if newState != nil {
		if err := store.Write(ctx, newState); err != nil {
			return fmt.Errorf("failed to write state: %w", err)
		}
	}

	entry := AuditEntry{
		Operation:   "destroy",
		Environment: p.Environment,
		Changes:     auditChanges(plan),
		Summary:     auditSummary(plan.Summary),
	}
	if destroyErr != nil {
		entry.Error = destroyErr.Error()
	}
	writeAuditLog(entry)

	if destroyErr != nil {
		return fmt.Errorf("destroy failed: %w", destroyErr)
	}

	fmt.Printf("\nDestroy complete! Resources: %d destroyed.\n", plan.Summary.Delete)
	return nil
}
