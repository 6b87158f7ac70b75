package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cartstream-io/cartstream/internal/sandbox"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Manage the local AWS emulator",
	Long: `Runs a LocalStack container so pipelines can be planned and applied
without touching a real AWS account.

Point the provider at the sandbox before running apply:

  export CARTSTREAM_ENDPOINT=` + sandbox.Endpoint,
}

var sandboxUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the sandbox container",
	RunE:  runSandboxUp,
}

var sandboxDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop and remove the sandbox container",
	RunE:  runSandboxDown,
}

var sandboxStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sandbox container state",
	RunE:  runSandboxStatus,
}

func init() {
	sandboxCmd.AddCommand(sandboxUpCmd)
	sandboxCmd.AddCommand(sandboxDownCmd)
	sandboxCmd.AddCommand(sandboxStatusCmd)
}

func runSandboxUp(cmd *cobra.Command, args []string) error {
	mgr, err := sandbox.NewManager()
	if err != nil {
		return err
	}

	fmt.Println("Starting sandbox...")
	status, err := mgr.Up(cmd.Context(), os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to start sandbox: %w", err)
	}

	fmt.Printf("\nSandbox is up (container %.12s, health: %s).\n", status.ContainerID, status.Health)
	fmt.Printf("Endpoint: %s\n\n", status.Endpoint)
	fmt.Println("Route the provider at it with:")
	fmt.Printf("  export CARTSTREAM_ENDPOINT=%s\n", status.Endpoint)
	return nil
}

func runSandboxDown(cmd *cobra.Command, args []string) error {
	mgr, err := sandbox.NewManager()
	if err != nil {
		return err
	}
	if err := mgr.Down(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Sandbox stopped and removed.")
	return nil
}

func runSandboxStatus(cmd *cobra.Command, args []string) error {
	mgr, err := sandbox.NewManager()
	if err != nil {
		return err
	}
	status, err := mgr.Inspect(cmd.Context())
	if err != nil {
		return err
	}

	if !status.Running {
		fmt.Println("Sandbox is not running. Start it with 'cartstream sandbox up'.")
		return nil
	}
	fmt.Printf("Container: %.12s\n", status.ContainerID)
	fmt.Printf("Health:    %s\n", status.Health)
	fmt.Printf("Endpoint:  %s\n", status.Endpoint)
	return nil
}
