package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cartstream-io/cartstream/internal/ir"
	"github.com/cartstream-io/cartstream/internal/logging"
	"github.com/cartstream-io/cartstream/internal/provider"
)

// Engine orchestrates the lifecycle of pipeline resources.
type Engine struct {
	registry        *provider.Registry
	ContinueOnError bool // If true, apply continues past failures instead of stopping
	Parallelism     int  // Max concurrent resource operations
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{
		registry:    registry,
		Parallelism: defaultParallelism,
	}
}

// replaceRequired lists attributes that cannot be changed in place. A change
// to one of these upgrades an UPDATE to a REPLACE.
var replaceRequired = map[string]map[string]bool{
	"aws:EC2.Vpc":                  {"cidrBlock": true},
	"aws:EC2.Subnet":               {"vpcId": true, "cidrBlock": true, "availabilityZone": true},
	"aws:EC2.SecurityGroup":        {"name": true, "vpcId": true},
	"aws:IAM.Role":                 {"roleName": true},
	"aws:IAM.Policy":               {"policyName": true},
	"aws:IAM.RolePolicyAttachment": {"roleName": true, "policyArn": true},
	"aws:KMS.Alias":                {"aliasName": true},
	"aws:S3.Bucket":                {"bucketName": true, "region": true},
	"aws:S3.BucketLifecycle":       {"bucket": true},
	"aws:S3.BucketReplication":     {"bucket": true},
	"aws:S3.BucketPolicy":          {"bucket": true},
	"aws:Glue.Database":            {"databaseName": true},
	"aws:Glue.Table":               {"tableName": true, "databaseName": true},
	"aws:Athena.WorkGroup":         {"workGroupName": true},
	"aws:Kinesis.Stream":           {"streamName": true},
	"aws:Firehose.DeliveryStream":  {"deliveryStreamName": true, "sourceStreamArn": true},
	"aws:Redshift.SubnetGroup":     {"subnetGroupName": true},
	"aws:Redshift.Cluster":         {"clusterIdentifier": true, "masterUsername": true, "databaseName": true},
	"aws:SecretsManager.Secret":    {"secretName": true},
	"aws:CloudWatch.LogGroup":      {"logGroupName": true},
	"aws:CloudWatch.Alarm":         {"alarmName": true},
	"aws:CloudWatch.Dashboard":     {"dashboardName": true},
	"aws:SNS.Topic":                {"topicName": true},
	"aws:SNS.Subscription":         {"topicArn": true, "protocol": true, "endpoint": true},
	"aws:SQS.Queue":                {"queueName": true},
	"aws:SSM.Parameter":            {"parameterName": true},
}

// sensitiveAttrs are masked in rendered plans.
var sensitiveAttrs = map[string]bool{
	"masterPassword": true,
	"password":       true,
	"secretString":   true,
}

func forcesReplacement(resType, attr string) bool {
	if set, ok := replaceRequired[resType]; ok {
		return set[attr]
	}
	return false
}

// CreatePlan generates an execution plan by comparing the expanded manifest
// with the recorded state.
func (e *Engine) CreatePlan(ctx context.Context, m *ir.Manifest, state *ir.State) (*ir.Plan, error) {
	return e.CreatePlanWithTargets(ctx, m, state, nil)
}

// CreatePlanWithTargets generates a plan filtered to specific resource
// addresses. Targets pull in their transitive dependencies. If targets is
// empty, all resources are planned.
func (e *Engine) CreatePlanWithTargets(ctx context.Context, m *ir.Manifest, state *ir.State, targets []string) (*ir.Plan, error) {
	logging.Debug("creating plan", "resources", len(m.Resources), "state_resources", len(state.Resources), "targets", len(targets))
	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			Project:     m.Project,
			Environment: m.Environment,
			Region:      m.Region,
		},
		Changes: []*ir.ResourceChange{},
		Summary: &ir.PlanSummary{},
		Outputs: m.Outputs,
	}

	// Every declared provider must be registered before planning.
	for _, res := range m.Resources {
		if !e.registry.Has(res.Provider) {
			return nil, fmt.Errorf("provider not registered: %s (resource %s)", res.Provider, res.Addr())
		}
	}

	dag, err := BuildDAG(m.Resources)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency graph: %w", err)
	}

	stateMap := make(map[string]*ir.ResourceState)
	for _, res := range state.Resources {
		stateMap[res.Addr()] = res
	}

	manifestByAddr := make(map[string]*ir.Resource)
	for _, res := range m.Resources {
		manifestByAddr[res.Addr()] = res
	}

	var targetSet map[string]bool
	if len(targets) > 0 {
		targetSet = make(map[string]bool)
		for _, t := range targets {
			if _, ok := manifestByAddr[t]; !ok {
				if _, inState := stateMap[t]; !inState {
					return nil, fmt.Errorf("target not found in declaration or state: %s", t)
				}
			}
			targetSet[t] = true
		}
		for _, t := range targets {
			for _, dep := range dag.TransitiveDeps(t) {
				targetSet[dep] = true
			}
		}
	}

	for _, addr := range dag.CreationOrder() {
		res, ok := manifestByAddr[addr]
		if !ok {
			continue
		}

		if targetSet != nil && !targetSet[addr] {
			plan.Summary.NoOp++
			continue
		}

		prov, err := e.registry.Get(res.Provider)
		if err != nil {
			return nil, err
		}

		prior := stateMap[addr]

		// An unchanged declaration is a NOOP without consulting the
		// provider: the stored hash covers the unresolved property tree,
		// so pointer references compare stably across runs.
		if prior != nil && !prior.Tainted && prior.InputsHash != "" && prior.InputsHash == hashInputs(res.Properties) {
			plan.Summary.NoOp++
			continue
		}

		// Resolve pointer references against recorded outputs before
		// diffing, otherwise a ptr:// string never matches the concrete
		// value the provider echoed into state.
		props := resolveReferences(normalizeValue(res.Properties), state)
		desiredJSON, err := json.Marshal(props)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal properties for %s: %w", addr, err)
		}

		var priorJSON []byte
		if prior != nil {
			priorJSON, _ = json.Marshal(prior.Outputs)
		}

		resp, err := prov.Plan(ctx, &provider.PlanRequest{
			Type:    res.Type,
			Name:    res.Name,
			Desired: desiredJSON,
			Prior:   priorJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("plan failed for %s: %w", addr, err)
		}

		action := resp.Action
		changedAttrs := resp.ChangedAttributes

		// A tainted resource is replaced even when its declaration matches.
		if prior != nil && prior.Tainted && (action == provider.ActionNoop || action == provider.ActionUpdate) {
			action = provider.ActionReplace
		}

		// Ignored attributes drop out before any decision rests on them,
		// so an ignored immutable attribute never forces replacement.
		if action == provider.ActionUpdate && res.Lifecycle != nil && len(res.Lifecycle.IgnoreChanges) > 0 {
			changedAttrs = dropIgnoredAttributes(res.Lifecycle.IgnoreChanges, changedAttrs)
			if len(changedAttrs) == 0 {
				action = provider.ActionNoop
			}
		}

		// Upgrade in-place updates that touch immutable attributes.
		if action == provider.ActionUpdate {
			for _, attr := range changedAttrs {
				if forcesReplacement(res.Type, attr) {
					action = provider.ActionReplace
					break
				}
			}
		}

		if action == provider.ActionNoop {
			plan.Summary.NoOp++
			continue
		}

		if err := enforceLifecycle(res, action, addr); err != nil {
			return nil, err
		}

		change := &ir.ResourceChange{
			Address: addr,
			Action:  action.String(),
			Desired: res,
		}

		if prior != nil {
			change.Prior = &ir.Resource{
				Type:       prior.Type,
				Name:       prior.Name,
				Provider:   prior.Provider,
				Properties: prior.Inputs,
			}
			change.Diff = buildPropertyDiff(res.Type, prior.Inputs, res.Properties)
		} else {
			change.Diff = buildCreateDiff(res.Properties)
		}

		plan.Changes = append(plan.Changes, change)

		switch action {
		case provider.ActionCreate:
			plan.Summary.Create++
		case provider.ActionUpdate:
			plan.Summary.Update++
		case provider.ActionReplace:
			plan.Summary.Replace++
		case provider.ActionDelete:
			plan.Summary.Delete++
		}
	}

	// Resources in state but no longer declared are deleted.
	for _, res := range state.Resources {
		addr := res.Addr()
		if _, declared := manifestByAddr[addr]; declared {
			continue
		}
		if targetSet != nil && !targetSet[addr] {
			continue
		}
		change := &ir.ResourceChange{
			Address: addr,
			Action:  provider.ActionDelete.String(),
			Prior: &ir.Resource{
				Type:       res.Type,
				Name:       res.Name,
				Provider:   res.Provider,
				Properties: res.Inputs,
			},
			Diff: buildDeleteDiff(res.Inputs),
		}
		plan.Changes = append(plan.Changes, change)
		plan.Summary.Delete++
	}

	return plan, nil
}

// CreateDestroyPlan builds a plan that deletes every resource in state, in
// reverse dependency order. Resources still declared with prevent_destroy
// fail the plan.
func (e *Engine) CreateDestroyPlan(ctx context.Context, m *ir.Manifest, state *ir.State, targets []string) (*ir.Plan, error) {
	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			Project:     m.Project,
			Environment: m.Environment,
			Region:      m.Region,
		},
		Changes: []*ir.ResourceChange{},
		Summary: &ir.PlanSummary{},
	}

	manifestByAddr := make(map[string]*ir.Resource)
	for _, res := range m.Resources {
		manifestByAddr[res.Addr()] = res
	}

	dag, err := BuildDAGFromState(state.Resources)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency graph from state: %w", err)
	}

	// A targeted destroy pulls in everything that depends on the target:
	// deleting a resource while its dependents stay in state would either
	// be rejected by the cloud or strand them.
	var targetSet map[string]bool
	if len(targets) > 0 {
		targetSet = make(map[string]bool)
		for _, t := range targets {
			targetSet[t] = true
		}
		for _, t := range targets {
			for _, dependent := range dag.TransitiveDependents(t) {
				targetSet[dependent] = true
			}
		}
	}

	stateMap := make(map[string]*ir.ResourceState)
	for _, res := range state.Resources {
		stateMap[res.Addr()] = res
	}

	for _, addr := range dag.DestructionOrder() {
		res, ok := stateMap[addr]
		if !ok {
			continue
		}
		if targetSet != nil && !targetSet[addr] {
			continue
		}
		if declared, ok := manifestByAddr[addr]; ok {
			if err := enforceLifecycle(declared, provider.ActionDelete, addr); err != nil {
				return nil, err
			}
		}
		plan.Changes = append(plan.Changes, &ir.ResourceChange{
			Address: addr,
			Action:  provider.ActionDelete.String(),
			Prior: &ir.Resource{
				Type:       res.Type,
				Name:       res.Name,
				Provider:   res.Provider,
				Properties: res.Inputs,
			},
			Diff: buildDeleteDiff(res.Inputs),
		})
		plan.Summary.Delete++
	}

	return plan, nil
}

// enforceLifecycle checks lifecycle rules and returns an error if violated.
func enforceLifecycle(res *ir.Resource, action provider.Action, addr string) error {
	if res.Lifecycle == nil {
		return nil
	}

	if res.Lifecycle.PreventDestroy && (action == provider.ActionDelete || action == provider.ActionReplace) {
		return fmt.Errorf("resource %s has prevent_destroy set but the plan requires destruction", addr)
	}

	return nil
}

// dropIgnoredAttributes removes the attributes listed in IgnoreChanges
// from a changed-attribute set.
func dropIgnoredAttributes(ignored, changed []string) []string {
	ignoreSet := make(map[string]bool, len(ignored))
	for _, attr := range ignored {
		ignoreSet[attr] = true
	}

	var kept []string
	for _, attr := range changed {
		if !ignoreSet[attr] {
			kept = append(kept, attr)
		}
	}
	return kept
}

// buildPropertyDiff compares prior and desired properties attribute by
// attribute.
func buildPropertyDiff(resType string, prior, desired map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)

	allKeys := make(map[string]bool)
	for k := range prior {
		allKeys[k] = true
	}
	for k := range desired {
		allKeys[k] = true
	}

	for k := range allKeys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]

		switch {
		case !inPrior:
			diff[k] = &ir.PropertyDiff{
				After:             desiredVal,
				Action:            "create",
				Sensitive:         sensitiveAttrs[k],
				ForcesReplacement: forcesReplacement(resType, k),
			}
		case !inDesired:
			diff[k] = &ir.PropertyDiff{
				Before:            priorVal,
				Action:            "delete",
				Sensitive:         sensitiveAttrs[k],
				ForcesReplacement: forcesReplacement(resType, k),
			}
		case fmt.Sprintf("%v", priorVal) != fmt.Sprintf("%v", desiredVal):
			diff[k] = &ir.PropertyDiff{
				Before:            priorVal,
				After:             desiredVal,
				Action:            "update",
				Sensitive:         sensitiveAttrs[k],
				ForcesReplacement: forcesReplacement(resType, k),
			}
		}
	}

	return diff
}

func buildCreateDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{
			After:     v,
			Action:    "create",
			Sensitive: sensitiveAttrs[k],
		}
	}
	return diff
}

func buildDeleteDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{
			Before:    v,
			Action:    "delete",
			Sensitive: sensitiveAttrs[k],
		}
	}
	return diff
}

// normalizeValue recursively converts map[any]any into map[string]any so the
// property tree marshals cleanly.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		newMap := make(map[string]any)
		for k, item := range val {
			newMap[fmt.Sprintf("%v", k)] = normalizeValue(item)
		}
		return newMap
	case map[string]any:
		newMap := make(map[string]any)
		for k, item := range val {
			newMap[k] = normalizeValue(item)
		}
		return newMap
	case []any:
		newSlice := make([]any, len(val))
		for i, item := range val {
			newSlice[i] = normalizeValue(item)
		}
		return newSlice
	default:
		return val
	}
}
