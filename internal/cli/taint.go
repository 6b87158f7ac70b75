package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var taintCmd = &cobra.Command{
	Use:   "taint <address>",
	Short: "Mark a resource for replacement",
	Long: `Marks a resource as tainted. The next plan replaces it even when the
declaration is unchanged, which is the escape hatch for resources that
degraded in ways no declared attribute captures.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaint,
}

var untaintCmd = &cobra.Command{
	Use:   "untaint <address>",
	Short: "Remove the taint mark from a resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runUntaint,
}

func runTaint(cmd *cobra.Command, args []string) error {
	return setTaint(cmd, args[0], true)
}

func runUntaint(cmd *cobra.Command, args []string) error {
	return setTaint(cmd, args[0], false)
}

func setTaint(cmd *cobra.Command, target string, tainted bool) error {
	mgr := openLocalState()
	if err := mgr.Lock(); err != nil {
		return err
	}
	defer mgr.Unlock()

	s, err := mgr.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	res := s.Find(target)
	if res == nil {
		return fmt.Errorf("resource %s not found in state", target)
	}
	if res.Tainted == tainted {
		if tainted {
			fmt.Printf("Resource %s is already tainted.\n", target)
		} else {
			fmt.Printf("Resource %s is not tainted.\n", target)
		}
		return nil
	}

	res.Tainted = tainted
	s.Serial++
	if err := mgr.Write(cmd.Context(), s); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	if tainted {
		fmt.Printf("Resource %s has been tainted. It will be replaced on the next apply.\n", target)
	} else {
		fmt.Printf("Resource %s has been untainted.\n", target)
	}
	return nil
}
