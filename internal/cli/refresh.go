package cli

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/spf13/cobra"

	"github.com/cartstream-io/cartstream/internal/ir"
	"github.com/cartstream-io/cartstream/internal/provider"
)

var refreshSync bool

var refreshCmd = &cobra.Command{
	Use:   "refresh [path]",
	Short: "Detect drift between state and real infrastructure",
	Long: `Reads every managed resource from its provider and compares the live
attributes with the recorded state.

Drift is reported per resource: OK, DRIFTED (attributes changed), or
MISSING (deleted outside CartStream). Nothing is written unless --sync is
given, which updates the state to the live attributes and drops missing
resources.`,
	RunE: runRefresh,
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshSync, "sync", false, "Write refreshed attributes back to state")
}

func runRefresh(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	fmt.Print("Loading declaration... ")
	p, err := loadPipeline(ctx, args)
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")

	registry := provider.NewRegistry()
	registerBuiltins(registry)

	store, err := stateStore(p)
	if err != nil {
		return err
	}
	if refreshSync {
		if err := store.Lock(); err != nil {
			return err
		}
		defer store.Unlock()
	}

	current, err := store.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if len(current.Resources) == 0 {
		fmt.Println("No resources to refresh.")
		return nil
	}

	if err := configureProviders(ctx, registry, providerNames(nil, current), p.Region); err != nil {
		return err
	}

	fmt.Printf("Refreshing %d resource(s)...\n\n", len(current.Resources))

	var drifted, missing int
	kept := make([]*ir.ResourceState, 0, len(current.Resources))

	for _, res := range current.Resources {
		addr := res.Addr()

		prov, err := registry.Get(res.Provider)
		if err != nil {
			fmt.Printf("  %s: SKIP (provider %s not available)\n", addr, res.Provider)
			kept = append(kept, res)
			continue
		}

		var id string
		if v, ok := res.Outputs["id"]; ok {
			id = fmt.Sprintf("%v", v)
		}
		var prior json.RawMessage
		if res.Outputs != nil {
			prior, _ = json.Marshal(res.Outputs)
		}

		resp, err := prov.Read(ctx, &provider.ReadRequest{
			Type:  res.Type,
			Name:  res.Name,
			ID:    id,
			Prior: prior,
		})
		if err != nil {
			fmt.Printf("  %s: ERROR (%v)\n", addr, err)
			kept = append(kept, res)
			continue
		}

		if !resp.Exists {
			fmt.Printf("  %s%s: MISSING (deleted outside CartStream)%s\n", colorize(ansiRed), addr, colorize(ansiReset))
			missing++
			if !refreshSync {
				kept = append(kept, res)
			}
			continue
		}

		if len(resp.State) > 0 {
			var live map[string]any
			if err := json.Unmarshal(resp.State, &live); err == nil && !reflect.DeepEqual(live, res.Outputs) {
				fmt.Printf("  %s%s: DRIFTED%s\n", colorize(ansiYellow), addr, colorize(ansiReset))
				drifted++
				if refreshSync {
					res.Outputs = live
				}
				kept = append(kept, res)
				continue
			}
		}

		fmt.Printf("  %s: OK\n", addr)
		kept = append(kept, res)
	}

	fmt.Printf("\nRefresh complete. %d drifted, %d missing.\n", drifted, missing)

	if refreshSync && (drifted > 0 || missing > 0) {
		current.Resources = kept
		current.Serial++
		if err := store.Write(ctx, current); err != nil {
			return fmt.Errorf("failed to write state: %w", err)
		}
		fmt.Println("State synchronized with live infrastructure.")
	}
	return nil
}
