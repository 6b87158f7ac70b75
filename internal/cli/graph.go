package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cartstream-io/cartstream/internal/engine"
	"github.com/cartstream-io/cartstream/internal/stack"
)

var graphCmd = &cobra.Command{
	Use:   "graph [path]",
	Short: "Print the dependency graph in DOT format",
	Long: `Expands the declaration and emits the resource dependency graph as
Graphviz DOT. Render it with:

  cartstream graph | dot -Tpng > pipeline.png`,
	RunE: runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	p, err := loadPipeline(ctx, args)
	if err != nil {
		return err
	}

	// Graph shape does not depend on the account, so stay offline.
	m, err := stack.Expand(p, stack.Identity{AccountID: placeholderAccountID})
	if err != nil {
		return fmt.Errorf("pipeline expansion failed:\n%w", err)
	}

	dag, err := engine.BuildDAG(m.Resources)
	if err != nil {
		return fmt.Errorf("failed to build dependency graph: %w", err)
	}

	fmt.Println("digraph cartstream {")
	fmt.Println("  rankdir = \"BT\";")
	fmt.Println("  node [shape = rect];")
	fmt.Println()

	for _, res := range m.Resources {
		fmt.Printf("  %q;\n", res.Addr())
	}
	fmt.Println()

	for _, res := range m.Resources {
		addr := res.Addr()
		for _, dep := range dag.Dependencies(addr) {
			fmt.Printf("  %q -> %q;\n", addr, dep)
		}
	}

	fmt.Println("}")
	return nil
}
