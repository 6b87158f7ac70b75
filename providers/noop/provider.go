// Package noop implements a provider that manages no real infrastructure.
// It is used for dry wiring, pipeline smoke tests, and engine tests: every
// resource type is accepted, applies synthesize deterministic identifiers,
// and a change to the "triggers" property forces replacement.
package noop

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/cartstream-io/cartstream/internal/provider"
)

type Provider struct{}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) Configure(ctx context.Context, req *provider.ConfigureRequest) error {
	return nil
}

func (p *Provider) Plan(ctx context.Context, req *provider.PlanRequest) (*provider.PlanResult, error) {
	var desired map[string]any
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired properties: %w", err)
	}

	if len(req.Prior) == 0 {
		return &provider.PlanResult{Action: provider.ActionCreate}, nil
	}

	var prior map[string]any
	if err := json.Unmarshal(req.Prior, &prior); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
	}

	changed := diffProperties(desired, prior)
	if len(changed) == 0 {
		return &provider.PlanResult{Action: provider.ActionNoop}, nil
	}

	action := provider.ActionUpdate
	for _, attr := range changed {
		if attr == "triggers" {
			action = provider.ActionReplace
			break
		}
	}

	return &provider.PlanResult{Action: action, ChangedAttributes: changed}, nil
}

func (p *Provider) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	var desired map[string]any
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired properties: %w", err)
	}

	state := make(map[string]any, len(desired)+2)
	for k, v := range desired {
		state[k] = v
	}
	state["id"] = fmt.Sprintf("noop-%s", req.Name)
	state["arn"] = fmt.Sprintf("arn:cartstream:noop:::%s", req.Name)

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	return &provider.ApplyResult{State: stateJSON}, nil
}

func (p *Provider) Read(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (p *Provider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	return nil
}

// diffProperties returns the sorted keys whose values differ between the
// desired properties and the echoed prior state. Synthesized identifiers
// never count as drift.
func diffProperties(desired, prior map[string]any) []string {
	synthesized := map[string]bool{"id": true, "arn": true}

	changedSet := make(map[string]bool)
	for k, v := range desired {
		if !reflect.DeepEqual(v, prior[k]) {
			changedSet[k] = true
		}
	}
	for k := range prior {
		if synthesized[k] {
			continue
		}
		if _, ok := desired[k]; !ok {
			changedSet[k] = true
		}
	}

	if len(changedSet) == 0 {
		return nil
	}
	changed := make([]string, 0, len(changedSet))
	for k := range changedSet {
		changed = append(changed, k)
	}
	sort.Strings(changed)
	return changed
}
