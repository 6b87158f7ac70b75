package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var forceUnlockYes bool

var forceUnlockCmd = &cobra.Command{
	Use:   "force-unlock [pid]",
	Short: "Release a stuck state lock",
	Long: `Removes the state lock left behind by a crashed run.

Only do this when no other cartstream process is active; breaking the
lock of a live run corrupts state. Pass the pid shown in the lock file
to guard against racing a new run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runForceUnlock,
}

func init() {
	forceUnlockCmd.Flags().BoolVar(&forceUnlockYes, "force", false, "Skip the confirmation prompt")
}

func runForceUnlock(cmd *cobra.Command, args []string) error {
	lockPath := statePath() + ".lock"

	data, err := os.ReadFile(lockPath)
	if os.IsNotExist(err) {
		fmt.Println("State is not locked.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lock file: %w", err)
	}

	holder := strings.TrimSpace(string(data))
	fmt.Printf("Lock held:\n%s\n\n", holder)

	if len(args) == 1 {
		matched := false
		for _, line := range strings.Split(holder, "\n") {
			if strings.TrimSpace(line) == "pid="+args[0] {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("lock is not held by pid %s", args[0])
		}
	}

	if !forceUnlockYes && !confirm("Release this lock?") {
		fmt.Println("Cancelled.")
		return nil
	}

	if err := os.Remove(lockPath); err != nil {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	fmt.Printf("Lock released (%s).\n", lockPath)
	return nil
}
