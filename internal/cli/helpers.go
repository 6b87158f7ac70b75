package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cartstream-io/cartstream/internal/engine"
	"github.com/cartstream-io/cartstream/internal/eval"
	"github.com/cartstream-io/cartstream/internal/ir"
	"github.com/cartstream-io/cartstream/internal/logging"
	"github.com/cartstream-io/cartstream/internal/provider"
	"github.com/cartstream-io/cartstream/internal/stack"
	"github.com/cartstream-io/cartstream/internal/state"
	"github.com/cartstream-io/cartstream/providers/aws"
	"github.com/cartstream-io/cartstream/providers/noop"
)

const defaultEntryPoint = "pipeline.pkl"

// placeholderAccountID stands in for the caller account when STS is
// unreachable. It matches what LocalStack reports.
const placeholderAccountID = "000000000000"

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
)

// colorize returns the ANSI code, or nothing when color is disabled.
func colorize(code string) string {
	if noColor {
		return ""
	}
	return code
}

// resolveEntry derives the pipeline directory and entry point from an
// optional positional argument, which may name a directory or a .pkl file.
func resolveEntry(args []string) (wd, entryPoint string, err error) {
	wd, err = os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("failed to get working directory: %w", err)
	}
	entryPoint = defaultEntryPoint

	if len(args) > 0 {
		absPath, err := filepath.Abs(args[0])
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve path %s: %w", args[0], err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return "", "", fmt.Errorf("failed to stat path %s: %w", args[0], err)
		}
		if info.IsDir() {
			wd = absPath
		} else {
			wd = filepath.Dir(absPath)
			entryPoint = filepath.Base(absPath)
		}
	}
	return wd, entryPoint, nil
}

// loadPipeline evaluates the declaration named by the optional positional
// argument, feeding --var values through as external properties.
func loadPipeline(ctx context.Context, args []string) (*ir.Pipeline, error) {
	wd, entry, err := resolveEntry(args)
	if err != nil {
		return nil, err
	}
	evaluator := eval.NewEvaluator(wd)
	p, err := evaluator.LoadPipeline(ctx, filepath.Join(wd, entry), pipelineVars)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline declaration: %w", err)
	}
	return p, nil
}

// registerBuiltins installs the compiled-in providers.
func registerBuiltins(registry *provider.Registry) {
	registry.Register("aws", aws.New())
	registry.Register("noop", noop.New())
}

// resolveIdentity asks STS who the caller is so expansion can build exact
// ARNs and key policies. When the lookup fails (offline plan, missing
// credentials) a placeholder account is used; policies that embed it will
// be rejected by the cloud at apply time rather than silently wrong.
func resolveIdentity(ctx context.Context, registry *provider.Registry, region string) stack.Identity {
	ident := stack.Identity{AccountID: placeholderAccountID, Partition: "aws"}

	prov, err := registry.Get("aws")
	if err != nil {
		return ident
	}
	ap, ok := prov.(*aws.Provider)
	if !ok {
		return ident
	}
	if err := ap.Configure(ctx, &provider.ConfigureRequest{Region: region}); err != nil {
		logging.Warn("provider configuration failed, using placeholder account", "error", err)
		return ident
	}
	account, partition, err := ap.CallerIdentity(ctx)
	if err != nil {
		logging.Warn("caller identity unavailable, ARNs use a placeholder account", "error", err)
		return ident
	}
	ident.AccountID = account
	ident.Partition = partition
	return ident
}

// expandPipeline validates the declaration offline first, then re-expands
// with the resolved caller identity. Validation therefore surfaces every
// declaration error before any cloud call is made.
func expandPipeline(ctx context.Context, p *ir.Pipeline, registry *provider.Registry) (*ir.Manifest, error) {
	if _, err := stack.Expand(p, stack.Identity{AccountID: placeholderAccountID}); err != nil {
		return nil, fmt.Errorf("pipeline validation failed:\n%w", err)
	}
	ident := resolveIdentity(ctx, registry, p.Region)
	m, err := stack.Expand(p, ident)
	if err != nil {
		return nil, fmt.Errorf("pipeline expansion failed:\n%w", err)
	}
	return m, nil
}

// providerNames collects every provider referenced by the manifest and the
// recorded state. State-only providers are still needed for deletes.
func providerNames(m *ir.Manifest, s *ir.State) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	if m != nil {
		for _, res := range m.Resources {
			add(res.Provider)
		}
	}
	if s != nil {
		for _, res := range s.Resources {
			add(res.Provider)
		}
	}
	sort.Strings(names)
	return names
}

// configureProviders prepares each named provider for live cloud calls.
func configureProviders(ctx context.Context, registry *provider.Registry, names []string, region string) error {
	for _, name := range names {
		prov, err := registry.Get(name)
		if err != nil {
			return err
		}
		if err := prov.Configure(ctx, &provider.ConfigureRequest{Region: region}); err != nil {
			return fmt.Errorf("failed to configure provider %s: %w", name, err)
		}
	}
	return nil
}

// statePath returns the local state file location, honoring --state-file
// and the CARTSTREAM_STATE_FILE override.
func statePath() string {
	if stateFile != "" {
		return stateFile
	}
	if p := os.Getenv("CARTSTREAM_STATE_FILE"); p != "" {
		return p
	}
	return environmentStatePath()
}

// stateStore picks the state backend. An explicit --state-file always means
// local; otherwise the pipeline's backend block decides.
func stateStore(p *ir.Pipeline) (state.Backend, error) {
	if stateFile == "" && p != nil && p.Backend != nil && p.Backend.Type == "s3" {
		key := fmt.Sprintf("%s/%s/state.json", p.Project, p.Environment)
		if p.Backend.Prefix != "" {
			key = path.Join(p.Backend.Prefix, key)
		}
		return state.NewBackend(p.Backend, key)
	}
	return state.NewManager(statePath()), nil
}

// splitAddr breaks a resource address into type and name. Types carry
// exactly one dot after the provider prefix (aws:Kinesis.Stream), the name
// keeps everything after it, so dots inside resource names survive.
func splitAddr(addr string) (resType, name string, err error) {
	if i := strings.Index(addr, ":"); i >= 0 {
		parts := strings.SplitN(addr[i+1:], ".", 3)
		if len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] != "" {
			return addr[:i+1] + parts[0] + "." + parts[1], parts[2], nil
		}
		return "", "", fmt.Errorf("invalid resource address %q, expected provider:Service.Kind.name", addr)
	}
	parts := strings.SplitN(addr, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid resource address %q, expected type.name", addr)
	}
	return parts[0], parts[1], nil
}

// providerForType extracts the provider name from a resource type.
func providerForType(resType string) string {
	if i := strings.Index(resType, ":"); i > 0 {
		return resType[:i]
	}
	return "noop"
}

// actionGlyph maps a plan action to its change symbol and color.
func actionGlyph(action string) (symbol, color string) {
	switch action {
	case "CREATE":
		return "+", ansiGreen
	case "DELETE":
		return "-", ansiRed
	case "REPLACE":
		return "-/+", ansiYellow
	case "UPDATE":
		return "~", ansiYellow
	default:
		return " ", ansiReset
	}
}

// actionPhrase renders an action for the "will be ..." plan line.
func actionPhrase(action string) string {
	switch action {
	case "CREATE":
		return "created"
	case "UPDATE":
		return "updated in place"
	case "REPLACE":
		return "replaced"
	case "DELETE":
		return "destroyed"
	default:
		return strings.ToLower(action)
	}
}

// renderPlanChanges prints each change with its property diff indented
// beneath it.
func renderPlanChanges(plan *ir.Plan) {
	for _, change := range plan.Changes {
		renderChange(change)
	}
}

func renderChange(change *ir.ResourceChange) {
	symbol, color := actionGlyph(change.Action)

	var resType, resName string
	switch {
	case change.Desired != nil:
		resType, resName = change.Desired.Type, change.Desired.Name
	case change.Prior != nil:
		resType, resName = change.Prior.Type, change.Prior.Name
	}

	fmt.Printf("\n  %s# %s will be %s%s\n", colorize(color), change.Address, actionPhrase(change.Action), colorize(ansiReset))
	fmt.Printf("  %s%s resource %q %q {%s\n", colorize(color), symbol, resType, resName, colorize(ansiReset))

	keys := make([]string, 0, len(change.Diff))
	for k := range change.Diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		diff := change.Diff[key]
		suffix := ""
		if diff.ForcesReplacement {
			suffix = " # forces replacement"
		}
		switch diff.Action {
		case "create":
			fmt.Printf("      %s+ %s = %s%s%s\n", colorize(ansiGreen), key, renderValue(diff.After, diff.Sensitive), suffix, colorize(ansiReset))
		case "delete":
			fmt.Printf("      %s- %s = %s%s\n", colorize(ansiRed), key, renderValue(diff.Before, diff.Sensitive), colorize(ansiReset))
		case "update":
			fmt.Printf("      %s~ %s = %s -> %s%s%s\n", colorize(ansiYellow), key,
				renderValue(diff.Before, diff.Sensitive), renderValue(diff.After, diff.Sensitive), suffix, colorize(ansiReset))
		default:
			fmt.Printf("        %s = %s\n", key, renderValue(diff.After, diff.Sensitive))
		}
	}
	fmt.Printf("  %s}%s\n", colorize(color), colorize(ansiReset))
}

// renderValue formats a property value for plan output. Sensitive values
// are masked, never printed.
func renderValue(v any, sensitive bool) string {
	if sensitive {
		return "(sensitive)"
	}
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", val)
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// planSummaryLine renders the one-line tally. A replacement counts as both
// an add and a destroy.
func planSummaryLine(s *ir.PlanSummary) string {
	return fmt.Sprintf("Plan: %d to add, %d to change, %d to destroy.",
		s.Create+s.Replace, s.Update, s.Delete+s.Replace)
}

// applyVerbs maps actions to progress and completion phrasings.
var applyVerbs = map[string][2]string{
	"CREATE":  {"Creating", "Creation complete"},
	"UPDATE":  {"Modifying", "Modifications complete"},
	"REPLACE": {"Replacing", "Replacement complete"},
	"DELETE":  {"Destroying", "Destruction complete"},
}

// printApplyEvent renders one live status line per engine event.
func printApplyEvent(event engine.ApplyEvent) {
	verbs, ok := applyVerbs[event.Action]
	if !ok {
		verbs = [2]string{"Applying", "Apply complete"}
	}
	switch event.Status {
	case "started":
		fmt.Printf("%s: %s...\n", event.Address, verbs[0])
	case "completed":
		fmt.Printf("%s%s: %s after %s%s\n", colorize(ansiGreen), event.Address, verbs[1],
			event.Duration.Truncate(time.Millisecond), colorize(ansiReset))
	case "failed":
		fmt.Printf("%s%s: Failed after %s: %v%s\n", colorize(ansiRed), event.Address,
			event.Duration.Truncate(time.Millisecond), event.Error, colorize(ansiReset))
	case "skipped":
		fmt.Printf("%s%s: Skipped (an upstream change failed)%s\n", colorize(ansiYellow), event.Address, colorize(ansiReset))
	}
}

// confirm prompts for an interactive yes/no answer.
func confirm(prompt string) bool {
	fmt.Printf("%s (y/n): ", prompt)
	var response string
	fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

// printOutputs renders resolved pipeline outputs sorted by name.
func printOutputs(outputs map[string]any) {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s = %v\n", k, outputs[k])
	}
}
