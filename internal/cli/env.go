package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cartstream-io/cartstream/internal/ir"
	"github.com/cartstream-io/cartstream/internal/state"
)

// envNameRE mirrors the environment constraint in the pipeline schema.
var envNameRE = regexp.MustCompile(`^[a-z][a-z0-9]{1,15}$`)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage pipeline environments",
	Long: `Environments hold distinct state files for the same declaration, so one
pipeline.pkl can drive dev, staging, and prod side by side. The active
environment selects which state file plan and apply read.

The default environment is called "default".`,
}

var envListCmd = &cobra.Command{
	Use:   "list",
	Short: "List environments",
	RunE:  runEnvList,
}

var envNewCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Create a new environment and switch to it",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnvNew,
}

var envSelectCmd = &cobra.Command{
	Use:   "select <name>",
	Short: "Switch to another environment",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnvSelect,
}

var envDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an environment's state",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnvDelete,
}

var envShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active environment name",
	RunE:  runEnvShow,
}

func init() {
	envCmd.AddCommand(envListCmd)
	envCmd.AddCommand(envNewCmd)
	envCmd.AddCommand(envSelectCmd)
	envCmd.AddCommand(envDeleteCmd)
	envCmd.AddCommand(envShowCmd)
}

func cartstreamDir() string {
	return ".cartstream"
}

func environmentFile() string {
	return filepath.Join(cartstreamDir(), "environment")
}

func currentEnvironment() string {
	data, err := os.ReadFile(environmentFile())
	if err != nil {
		return "default"
	}
	env := strings.TrimSpace(string(data))
	if env == "" {
		return "default"
	}
	return env
}

// environmentStatePath returns the state file for the active environment.
func environmentStatePath() string {
	env := currentEnvironment()
	if env == "default" {
		return filepath.Join(cartstreamDir(), "state.json")
	}
	return filepath.Join(cartstreamDir(), fmt.Sprintf("state.%s.json", env))
}

func environmentState(name string) string {
	if name == "default" {
		return filepath.Join(cartstreamDir(), "state.json")
	}
	return filepath.Join(cartstreamDir(), fmt.Sprintf("state.%s.json", name))
}

func listEnvironments() ([]string, error) {
	entries, err := os.ReadDir(cartstreamDir())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s directory: %w", cartstreamDir(), err)
	}

	envs := []string{"default"}
	seen := map[string]bool{"default": true}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "state.") && strings.HasSuffix(name, ".json") {
			env := strings.TrimSuffix(strings.TrimPrefix(name, "state."), ".json")
			if env != "" && !seen[env] {
				envs = append(envs, env)
				seen[env] = true
			}
		}
	}
	return envs, nil
}

func runEnvList(cmd *cobra.Command, args []string) error {
	envs, err := listEnvironments()
	if err != nil {
		return err
	}

	current := currentEnvironment()
	for _, env := range envs {
		if env == current {
			fmt.Printf("* %s\n", env)
		} else {
			fmt.Printf("  %s\n", env)
		}
	}
	return nil
}

func runEnvNew(cmd *cobra.Command, args []string) error {
	name := args[0]
	if name == "default" {
		return fmt.Errorf("environment %q always exists", name)
	}
	if !envNameRE.MatchString(name) {
		return fmt.Errorf("invalid environment name %q, must match %s", name, envNameRE)
	}

	path := environmentState(name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("environment %q already exists", name)
	}

	mgr := state.NewManager(path)
	fresh := &ir.State{Version: ir.StateVersion, Lineage: state.NewLineage()}
	if err := mgr.Write(cmd.Context(), fresh); err != nil {
		return fmt.Errorf("failed to create environment state: %w", err)
	}

	if err := os.WriteFile(environmentFile(), []byte(name), 0644); err != nil {
		return fmt.Errorf("failed to switch environment: %w", err)
	}

	fmt.Printf("Created and switched to environment %q\n", name)
	return nil
}

func runEnvSelect(cmd *cobra.Command, args []string) error {
	name := args[0]

	if name != "default" {
		if _, err := os.Stat(environmentState(name)); os.IsNotExist(err) {
			return fmt.Errorf("environment %q does not exist", name)
		}
	}

	if err := os.MkdirAll(cartstreamDir(), 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", cartstreamDir(), err)
	}
	if err := os.WriteFile(environmentFile(), []byte(name), 0644); err != nil {
		return fmt.Errorf("failed to switch environment: %w", err)
	}

	fmt.Printf("Switched to environment %q\n", name)
	return nil
}

func runEnvDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	if name == "default" {
		return fmt.Errorf("cannot delete the default environment")
	}
	if currentEnvironment() == name {
		return fmt.Errorf("cannot delete the active environment %q, select another one first", name)
	}

	path := environmentState(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("environment %q does not exist", name)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete environment state: %w", err)
	}
	os.Remove(path + ".lock")

	fmt.Printf("Deleted environment %q\n", name)
	return nil
}

func runEnvShow(cmd *cobra.Command, args []string) error {
	fmt.Println(currentEnvironment())
	return nil
}
