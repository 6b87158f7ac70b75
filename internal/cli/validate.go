package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cartstream-io/cartstream/internal/engine"
	"github.com/cartstream-io/cartstream/internal/stack"
)

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate the pipeline declaration",
	Long: `Evaluates the declaration, runs every expansion check, and builds the
dependency graph. All declaration errors are reported together, and no
cloud credentials are needed.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	fmt.Print("Evaluating declaration... ")
	p, err := loadPipeline(ctx, args)
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")

	fmt.Print("Expanding pipeline... ")
	m, err := stack.Expand(p, stack.Identity{AccountID: placeholderAccountID})
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("pipeline validation failed:\n%w", err)
	}
	fmt.Println("OK")

	fmt.Print("Checking dependency graph... ")
	if _, err := engine.BuildDAG(m.Resources); err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("dependency graph invalid: %w", err)
	}
	fmt.Println("OK")

	fmt.Printf("\nDeclaration is valid: %s/%s in %s, %d resources.\n",
		m.Project, m.Environment, m.Region, len(m.Resources))
	return nil
}
