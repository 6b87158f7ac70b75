package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cartstream-io/cartstream/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and modify recorded state",
	Long: `Commands for state surgery. Removing or moving entries changes only the
record, never the cloud resources themselves.`,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources in state",
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <address>",
	Short: "Show attributes of a single resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateRmCmd = &cobra.Command{
	Use:   "rm <address>",
	Short: "Forget a resource (does not destroy it)",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateRm,
}

var stateMvCmd = &cobra.Command{
	Use:   "mv <source> <destination>",
	Short: "Move a resource to a new address",
	Args:  cobra.ExactArgs(2),
	RunE:  runStateMv,
}

func init() {
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateRmCmd)
	stateCmd.AddCommand(stateMvCmd)
}

func openLocalState() *state.Manager {
	return state.NewManager(statePath())
}

func runStateList(cmd *cobra.Command, args []string) error {
	mgr := openLocalState()
	s, err := mgr.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if len(s.Resources) == 0 {
		fmt.Println("No resources in state.")
		return nil
	}

	fmt.Printf("State version: %d, serial: %d, lineage: %s\n\n", s.Version, s.Serial, s.Lineage)
	for _, res := range s.Resources {
		line := fmt.Sprintf("  %s (provider: %s)", res.Addr(), res.Provider)
		if res.Tainted {
			line += " [tainted]"
		}
		fmt.Println(line)
	}
	fmt.Printf("\nTotal: %d resource(s)\n", len(s.Resources))
	return nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
	mgr := openLocalState()
	s, err := mgr.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	res := s.Find(args[0])
	if res == nil {
		return fmt.Errorf("resource %s not found in state", args[0])
	}

	fmt.Printf("# %s\n", res.Addr())
	fmt.Printf("  provider = %s\n", res.Provider)
	fmt.Printf("  type     = %s\n", res.Type)
	fmt.Printf("  name     = %s\n", res.Name)
	if res.Tainted {
		fmt.Println("  tainted  = true")
	}

	printAttrSection := func(label string, attrs map[string]any) {
		if len(attrs) == 0 {
			return
		}
		fmt.Printf("\n  %s:\n", label)
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("    %s = %s\n", k, renderValue(attrs[k], sensitiveOutput(k)))
		}
	}
	printAttrSection("Inputs", res.Inputs)
	printAttrSection("Outputs", res.Outputs)

	if len(res.Dependencies) > 0 {
		fmt.Println("\n  Dependencies:")
		for _, dep := range res.Dependencies {
			fmt.Printf("    %s\n", dep)
		}
	}
	if res.InputsHash != "" {
		fmt.Printf("\n  inputs_hash = %s\n", res.InputsHash)
	}
	return nil
}

func runStateRm(cmd *cobra.Command, args []string) error {
	mgr := openLocalState()
	if err := mgr.Lock(); err != nil {
		return err
	}
	defer mgr.Unlock()

	s, err := mgr.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	target := args[0]
	if !s.Remove(target) {
		return fmt.Errorf("resource %s not found in state", target)
	}

	s.Serial++
	if err := mgr.Write(cmd.Context(), s); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	writeAuditLog(AuditEntry{
		Operation: "state.rm",
		Changes:   []AuditChange{{Address: target, Action: "FORGET"}},
	})

	fmt.Printf("Removed %s from state. The cloud resource was NOT destroyed.\n", target)
	return nil
}

func runStateMv(cmd *cobra.Command, args []string) error {
	mgr := openLocalState()
	if err := mgr.Lock(); err != nil {
		return err
	}
	defer mgr.Unlock()

	s, err := mgr.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	src, dst := args[0], args[1]
	res := s.Find(src)
	if res == nil {
		return fmt.Errorf("resource %s not found in state", src)
	}

	newType, newName, err := splitAddr(dst)
	if err != nil {
		return err
	}
	if existing := s.Find(dst); existing != nil {
		return fmt.Errorf("resource %s already exists in state", dst)
	}

	res.Type = newType
	res.Name = newName
	res.Provider = providerForType(newType)

	// Dependency edges elsewhere in state still name the old address.
	for _, other := range s.Resources {
		for i, dep := range other.Dependencies {
			if dep == src {
				other.Dependencies[i] = dst
			}
		}
	}

	s.Serial++
	if err := mgr.Write(cmd.Context(), s); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	writeAuditLog(AuditEntry{
		Operation: "state.mv",
		Changes: []AuditChange{
			{Address: src, Action: "MOVE_FROM"},
			{Address: dst, Action: "MOVE_TO"},
		},
	})

	fmt.Printf("Moved %s to %s\n", src, dst)
	return nil
}
