package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cartstream-io/cartstream/internal/ir"
	"github.com/cartstream-io/cartstream/internal/stack"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive console for exploring state and the declaration",
	Long: `Opens an interactive console for inspecting the recorded state and the
pipeline declaration side by side.

Available commands:
  state               Show state summary
  state.resources     List all resources in state
  state.outputs       Show all state outputs
  resource <addr>     Show a specific resource
  output <name>       Show a specific output
  pipeline            Show declaration summary
  pipeline.resources  List the resources the declaration expands to
  json <expression>   Output as JSON
  help                Show available commands
  exit / quit         Exit the console`,
	RunE: runConsole,
}

func runConsole(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// The declaration is optional here; the console still works against
	// bare state in a directory with no pipeline.pkl.
	p, pipelineErr := loadPipeline(ctx, nil)

	var manifest *ir.Manifest
	if p != nil {
		manifest, _ = stack.Expand(p, stack.Identity{AccountID: placeholderAccountID})
	}

	store, err := stateStore(p)
	if err != nil {
		return err
	}
	currentState, err := store.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	fmt.Println("CartStream Console (type 'help' for commands, 'exit' to quit)")
	fmt.Printf("State: %d resources, serial %d\n", len(currentState.Resources), currentState.Serial)
	if manifest != nil {
		fmt.Printf("Declaration: %s/%s, %d resources\n", p.Project, p.Environment, len(manifest.Resources))
	} else if pipelineErr != nil {
		fmt.Println("Declaration: not loaded")
	}
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("cartstream> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		command := parts[0]

		switch command {
		case "exit", "quit":
			fmt.Println("Bye!")
			return nil

		case "help":
			fmt.Println("Available commands:")
			fmt.Println("  state               - Show state summary")
			fmt.Println("  state.resources     - List all resources in state")
			fmt.Println("  state.outputs       - Show all state outputs")
			fmt.Println("  resource <addr>     - Show a specific resource")
			fmt.Println("  output <name>       - Show a specific output")
			fmt.Println("  pipeline            - Show declaration summary")
			fmt.Println("  pipeline.resources  - List declared resources")
			fmt.Println("  json <expression>   - Output as JSON")
			fmt.Println("  exit / quit         - Exit the console")

		case "state":
			fmt.Printf("Version:   %d\n", currentState.Version)
			fmt.Printf("Serial:    %d\n", currentState.Serial)
			fmt.Printf("Lineage:   %s\n", currentState.Lineage)
			fmt.Printf("Resources: %d\n", len(currentState.Resources))
			fmt.Printf("Outputs:   %d\n", len(currentState.Outputs))

		case "state.resources":
			if len(currentState.Resources) == 0 {
				fmt.Println("No resources in state.")
			} else {
				for _, res := range currentState.Resources {
					marker := ""
					if res.Tainted {
						marker = " [tainted]"
					}
					fmt.Printf("  %s (provider: %s)%s\n", res.Addr(), res.Provider, marker)
				}
			}

		case "state.outputs":
			if len(currentState.Outputs) == 0 {
				fmt.Println("No outputs.")
			} else {
				printOutputs(currentState.Outputs)
			}

		case "resource":
			if len(parts) < 2 {
				fmt.Println("Usage: resource <address>")
				continue
			}
			if res := currentState.Find(parts[1]); res != nil {
				data, _ := json.MarshalIndent(res, "", "  ")
				fmt.Println(string(data))
			} else {
				fmt.Printf("Resource %s not found in state.\n", parts[1])
			}

		case "output":
			if len(parts) < 2 {
				fmt.Println("Usage: output <name>")
				continue
			}
			if val, ok := currentState.Outputs[parts[1]]; ok {
				fmt.Printf("%s = %v\n", parts[1], val)
			} else {
				fmt.Printf("Output %s not found.\n", parts[1])
			}

		case "pipeline":
			if manifest == nil {
				fmt.Println("No declaration loaded.")
			} else {
				fmt.Printf("Project:     %s\n", p.Project)
				fmt.Printf("Environment: %s\n", p.Environment)
				fmt.Printf("Region:      %s\n", p.Region)
				fmt.Printf("Resources:   %d\n", len(manifest.Resources))
				fmt.Printf("Outputs:     %d\n", len(manifest.Outputs))
			}

		case "pipeline.resources":
			if manifest == nil {
				fmt.Println("No declaration loaded.")
			} else {
				for _, res := range manifest.Resources {
					fmt.Printf("  %s (provider: %s)\n", res.Addr(), res.Provider)
				}
			}

		case "json":
			if len(parts) < 2 {
				fmt.Println("Usage: json <expression>")
				continue
			}
			switch parts[1] {
			case "state":
				data, _ := json.MarshalIndent(currentState, "", "  ")
				fmt.Println(string(data))
			case "state.resources":
				data, _ := json.MarshalIndent(currentState.Resources, "", "  ")
				fmt.Println(string(data))
			case "state.outputs":
				data, _ := json.MarshalIndent(currentState.Outputs, "", "  ")
				fmt.Println(string(data))
			case "pipeline":
				if manifest == nil {
					fmt.Println("No declaration loaded.")
					continue
				}
				data, _ := json.MarshalIndent(manifest, "", "  ")
				fmt.Println(string(data))
			default:
				fmt.Printf("Unknown expression: %s\n", parts[1])
			}

		default:
			fmt.Printf("Unknown command: %s (type 'help' for available commands)\n", command)
		}
	}

	return nil
}
