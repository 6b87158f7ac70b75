package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cartstream-io/cartstream/internal/ir"
	"github.com/cartstream-io/cartstream/internal/provider"
)

var importRegion string

var importCmd = &cobra.Command{
	Use:   "import <address> <cloud-id>",
	Short: "Adopt an existing cloud resource into state",
	Long: `Reads an existing resource from its provider and records it in state so
CartStream manages it from now on.

The declaration is not generated; the pipeline block that emits the
matching resource must already exist (or the next plan will delete the
import again).

Example:
  cartstream import aws:Kinesis.Stream.shop-dev-events shop-dev-events`,
	Args: cobra.ExactArgs(2),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&importRegion, "region", "us-east-1", "Region the resource lives in")
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	addr, cloudID := args[0], args[1]

	resType, resName, err := splitAddr(addr)
	if err != nil {
		return err
	}
	providerName := providerForType(resType)

	registry := provider.NewRegistry()
	registerBuiltins(registry)

	prov, err := registry.Get(providerName)
	if err != nil {
		return fmt.Errorf("provider not available: %w", err)
	}
	if err := prov.Configure(ctx, &provider.ConfigureRequest{Region: importRegion}); err != nil {
		return fmt.Errorf("failed to configure provider %s: %w", providerName, err)
	}

	mgr := openLocalState()
	if err := mgr.Lock(); err != nil {
		return err
	}
	defer mgr.Unlock()

	current, err := mgr.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if current.Find(addr) != nil {
		return fmt.Errorf("resource %s already exists in state", addr)
	}

	fmt.Printf("Importing %s (id: %s)...\n", addr, cloudID)
	resp, err := prov.Read(ctx, &provider.ReadRequest{
		Type: resType,
		Name: resName,
		ID:   cloudID,
	})
	if err != nil {
		return fmt.Errorf("failed to read resource from provider: %w", err)
	}
	if !resp.Exists {
		return fmt.Errorf("resource %s with id %s does not exist", resType, cloudID)
	}

	var outputs map[string]any
	if len(resp.State) > 0 {
		if err := json.Unmarshal(resp.State, &outputs); err != nil {
			return fmt.Errorf("failed to parse provider response: %w", err)
		}
	}
	if outputs == nil {
		outputs = map[string]any{}
	}
	if _, ok := outputs["id"]; !ok {
		outputs["id"] = cloudID
	}

	current.Resources = append(current.Resources, &ir.ResourceState{
		Type:     resType,
		Name:     resName,
		Provider: providerName,
		Inputs:   map[string]any{},
		Outputs:  outputs,
	})
	current.Serial++

	if err := mgr.Write(ctx, current); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	writeAuditLog(AuditEntry{
		Operation: "import",
		Changes:   []AuditChange{{Address: addr, Action: "IMPORT"}},
	})

	fmt.Printf("Imported %s.\n", addr)
	fmt.Println("The next plan treats the resource as managed; make sure the declaration emits it.")
	return nil
}
