package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var showJSON bool

var showCmd = &cobra.Command{
	Use:   "show [plan-file]",
	Short: "Render the current state or a saved plan",
	Long: `Without arguments, displays a human-readable view of the state file.
Given a plan document saved by 'plan --out', renders that plan instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print as JSON")
}

func runShow(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return showPlanFile(args[0])
	}

	mgr, err := stateStore(nil)
	if err != nil {
		return err
	}
	s, err := mgr.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if showJSON {
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("State: version=%d serial=%d lineage=%s\n", s.Version, s.Serial, s.Lineage)
	fmt.Printf("Resources: %d\n", len(s.Resources))

	for _, res := range s.Resources {
		fmt.Printf("\n# %s", res.Addr())
		if res.Tainted {
			fmt.Print(" (tainted)")
		}
		fmt.Printf("\n  provider = %s\n", res.Provider)

		keys := make([]string, 0, len(res.Outputs))
		for k := range res.Outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", k, renderValue(res.Outputs[k], sensitiveOutput(k)))
		}
	}

	if len(s.Outputs) > 0 {
		fmt.Println("\nOutputs:")
		printOutputs(s.Outputs)
	}
	return nil
}

func showPlanFile(path string) error {
	plan, err := readPlanFile(path)
	if err != nil {
		return err
	}

	if showJSON {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	if plan.Metadata != nil {
		fmt.Printf("Plan for %s/%s in %s, created %s\n",
			plan.Metadata.Project, plan.Metadata.Environment, plan.Metadata.Region, plan.Metadata.Timestamp)
	}
	if len(plan.Changes) == 0 {
		fmt.Println("\nNo changes.")
		return nil
	}
	renderPlanChanges(plan)
	fmt.Printf("\n%s\n", planSummaryLine(plan.Summary))
	return nil
}

// sensitiveOutput reports whether a recorded attribute must be masked in
// human-readable output.
func sensitiveOutput(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "password") || strings.Contains(lower, "secret")
}
