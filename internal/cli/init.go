package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cartstream-io/cartstream/internal/ir"
	"github.com/cartstream-io/cartstream/internal/state"
	"github.com/cartstream-io/cartstream/pkg/schemas"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new pipeline project",
	Long: `Creates a pipeline.pkl starter declaration, the .cartstream directory,
the declaration schema it amends, and a fresh state file.

Running init again is safe: existing files are left alone unless --force
is given, which rewrites pipeline.pkl from the template.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing pipeline.pkl")
}

const pipelineTemplate = `// CartStream pipeline declaration.
//
// Preview with 'cartstream plan', provision with 'cartstream apply'.
amends ".cartstream/Pipeline.pkl"

project = "shop"
environment = "dev"
region = "us-east-1"

tags {
  ["team"] = "data-platform"
}

// State lives in .cartstream/ by default. Uncomment for S3 state with
// DynamoDB locking.
// backend = new Backend {
//   type = "s3"
//   bucket = "shop-cartstream-state"
//   lockTable = "cartstream-locks"
//   encrypt = true
// }

// The warehouse runs inside this VPC. Omit the block to skip network
// provisioning when no warehouse is declared.
// network = new Network {
//   cidrBlock = "10.42.0.0/16"
//   allowedCidrs { "10.0.0.0/8" }
// }

encryption = new Encryption {
  enableKeyRotation = true
}

storage = new Storage {
  iaAfterDays = 30
  glacierAfterDays = 90
}

streaming = new Streaming {
  shardCount = 2
  retentionHours = 24
}

// The master password needs upper, lower, and digit characters. Pass it at
// plan time instead of committing it:
//   cartstream plan --var warehousePassword=...
// warehouse = new Warehouse {
//   nodeType = "dc2.large"
//   nodeCount = 2
//   masterPassword = read("prop:warehousePassword").text
// }

alerting = new Alerting {
  alertEmails { "data-oncall@example.com" }
}
`

func runInit(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(cartstreamDir(), 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", cartstreamDir(), err)
	}

	// The schema ships with the binary; keep the project copy current.
	schemaPath := filepath.Join(cartstreamDir(), "Pipeline.pkl")
	if err := os.WriteFile(schemaPath, schemas.PipelineSchema, 0644); err != nil {
		return fmt.Errorf("failed to write schema %s: %w", schemaPath, err)
	}
	fmt.Printf("Wrote %s\n", schemaPath)

	if _, err := os.Stat(defaultEntryPoint); err == nil && !initForce {
		fmt.Printf("%s already exists, leaving it alone (use --force to overwrite)\n", defaultEntryPoint)
	} else {
		if err := os.WriteFile(defaultEntryPoint, []byte(pipelineTemplate), 0644); err != nil {
			return fmt.Errorf("failed to create %s: %w", defaultEntryPoint, err)
		}
		fmt.Printf("Created %s\n", defaultEntryPoint)
	}

	path := environmentStatePath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		mgr := state.NewManager(path)
		fresh := &ir.State{Version: ir.StateVersion, Lineage: state.NewLineage()}
		if err := mgr.Write(cmd.Context(), fresh); err != nil {
			return fmt.Errorf("failed to create state file: %w", err)
		}
		fmt.Printf("Created %s\n", path)
	}

	fmt.Println("\nPipeline project initialized.")
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit pipeline.pkl to describe your pipeline")
	fmt.Println("  2. Run 'cartstream plan' to preview the resources")
	fmt.Println("  3. Run 'cartstream apply' to provision them")

	return nil
}
