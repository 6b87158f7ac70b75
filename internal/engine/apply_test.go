package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/cartstream-io/cartstream/internal/ir"
	"github.com/cartstream-io/cartstream/internal/provider"
	"github.com/cartstream-io/cartstream/providers/noop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPlan_Create(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("noop", noop.New())

	eng := NewEngine(reg)
	ctx := context.Background()

	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{
			{
				Address: "noop:Resource.events",
				Action:  "CREATE",
				Desired: &ir.Resource{
					Type:     "noop:Resource",
					Name:     "events",
					Provider: "noop",
					Properties: map[string]any{
						"triggers": map[string]any{"a": "b"},
					},
				},
			},
		},
		Summary: &ir.PlanSummary{Create: 1},
		Outputs: map[string]any{},
	}

	state := &ir.State{Version: 1}

	newState, err := eng.ApplyPlan(ctx, plan, state)
	require.NoError(t, err)
	require.Len(t, newState.Resources, 1)
	assert.Equal(t, "noop:Resource", newState.Resources[0].Type)
	assert.Equal(t, "events", newState.Resources[0].Name)
	assert.Equal(t, "noop-events", newState.Resources[0].Outputs["id"])
	assert.NotEmpty(t, newState.Resources[0].InputsHash)
	assert.Equal(t, 1, newState.Serial)
}

func TestApplyPlan_ResolvesOutputs(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("noop", noop.New())

	eng := NewEngine(reg)
	ctx := context.Background()

	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{
			{
				Address: "noop:Resource.stream",
				Action:  "CREATE",
				Desired: &ir.Resource{
					Type:       "noop:Resource",
					Name:       "stream",
					Provider:   "noop",
					Properties: map[string]any{},
				},
			},
		},
		Summary: &ir.PlanSummary{Create: 1},
		Outputs: map[string]any{
			"streamArn":  "ptr://noop:Resource/stream/arn",
			"streamName": "acme-dev-events",
		},
	}

	newState, err := eng.ApplyPlan(ctx, plan, &ir.State{Version: 1})
	require.NoError(t, err)
	assert.Equal(t, "arn:cartstream:noop:::stream", newState.Outputs["streamArn"])
	assert.Equal(t, "acme-dev-events", newState.Outputs["streamName"])
}

func TestApplyPlan_Delete(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("noop", noop.New())

	eng := NewEngine(reg)
	ctx := context.Background()

	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{
			{
				Address: "noop:Resource.events",
				Action:  "DELETE",
				Prior: &ir.Resource{
					Type:     "noop:Resource",
					Name:     "events",
					Provider: "noop",
				},
			},
		},
		Summary: &ir.PlanSummary{Delete: 1},
		Outputs: map[string]any{},
	}

	state := &ir.State{
		Version: 1,
		Resources: []*ir.ResourceState{
			{
				Type:     "noop:Resource",
				Name:     "events",
				Provider: "noop",
				Outputs:  map[string]any{"id": "noop-events"},
			},
		},
	}

	newState, err := eng.ApplyPlan(ctx, plan, state)
	require.NoError(t, err)
	assert.Len(t, newState.Resources, 0)
}

func TestApplyPlan_Replace_NoDuplicates(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("noop", noop.New())

	eng := NewEngine(reg)
	ctx := context.Background()

	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{
			{
				Address: "noop:Resource.events",
				Action:  "REPLACE",
				Desired: &ir.Resource{
					Type:     "noop:Resource",
					Name:     "events",
					Provider: "noop",
					Properties: map[string]any{
						"triggers": map[string]any{"a": "new_value"},
					},
				},
			},
		},
		Summary: &ir.PlanSummary{Replace: 1},
		Outputs: map[string]any{},
	}

	state := &ir.State{
		Version: 1,
		Resources: []*ir.ResourceState{
			{
				Type:     "noop:Resource",
				Name:     "events",
				Provider: "noop",
				Tainted:  true,
				Outputs:  map[string]any{"id": "noop-events", "triggers": map[string]any{"a": "old_value"}},
			},
		},
	}

	newState, err := eng.ApplyPlan(ctx, plan, state)
	require.NoError(t, err)
	// Still exactly one resource, and the replace clears the taint.
	require.Len(t, newState.Resources, 1)
	assert.Equal(t, "noop-events", newState.Resources[0].Outputs["id"])
	assert.False(t, newState.Resources[0].Tainted)
}

// sequencingStub records the order of provider calls during an apply.
type sequencingStub struct {
	mu         sync.Mutex
	calls      []string
	deletedID  string
	applyPrior []byte
}

func (s *sequencingStub) Configure(ctx context.Context, req *provider.ConfigureRequest) error {
	return nil
}

func (s *sequencingStub) Plan(ctx context.Context, req *provider.PlanRequest) (*provider.PlanResult, error) {
	return &provider.PlanResult{Action: provider.ActionCreate}, nil
}

func (s *sequencingStub) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, "apply")
	s.applyPrior = req.Prior
	s.mu.Unlock()
	return &provider.ApplyResult{State: req.Desired}, nil
}

func (s *sequencingStub) Read(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (s *sequencingStub) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	s.mu.Lock()
	s.calls = append(s.calls, "delete")
	s.deletedID = req.ID
	s.mu.Unlock()
	return nil
}

func TestApplyPlan_Replace_DeletesBeforeCreate(t *testing.T) {
	stub := &sequencingStub{}
	reg := provider.NewRegistry()
	reg.Register("noop", stub)

	eng := NewEngine(reg)
	ctx := context.Background()

	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{
			{
				Address: "noop:Resource.events",
				Action:  "REPLACE",
				Desired: &ir.Resource{
					Type:     "noop:Resource",
					Name:     "events",
					Provider: "noop",
					Properties: map[string]any{
						"triggers": map[string]any{"a": "new_value"},
					},
				},
			},
		},
		Summary: &ir.PlanSummary{Replace: 1},
		Outputs: map[string]any{},
	}

	state := &ir.State{
		Version: 1,
		Resources: []*ir.ResourceState{
			{
				Type:     "noop:Resource",
				Name:     "events",
				Provider: "noop",
				Inputs:   map[string]any{"triggers": map[string]any{"a": "old_value"}},
				Outputs:  map[string]any{"id": "noop-events", "triggers": map[string]any{"a": "old_value"}},
			},
		},
	}

	_, err := eng.ApplyPlan(ctx, plan, state)
	require.NoError(t, err)

	// The prior object goes away first, then the new one is created fresh.
	require.Equal(t, []string{"delete", "apply"}, stub.calls)
	assert.Equal(t, "noop-events", stub.deletedID)
	assert.Empty(t, stub.applyPrior)
}

func TestApplyPlan_RecordsDependencies(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("noop", noop.New())

	eng := NewEngine(reg)
	ctx := context.Background()

	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{
			{
				Address: "noop:Resource.stream",
				Action:  "CREATE",
				Desired: &ir.Resource{
					Type:       "noop:Resource",
					Name:       "stream",
					Provider:   "noop",
					Properties: map[string]any{"triggers": map[string]any{"a": "b"}},
				},
			},
			{
				Address: "noop:Resource.consumer",
				Action:  "CREATE",
				Desired: &ir.Resource{
					Type:      "noop:Resource",
					Name:      "consumer",
					Provider:  "noop",
					DependsOn: []string{"noop:Resource.stream"},
					Properties: map[string]any{
						"streamArn": "ptr://noop:Resource/stream/arn",
					},
				},
			},
		},
		Summary: &ir.PlanSummary{Create: 2},
		Outputs: map[string]any{},
	}

	newState, err := eng.ApplyPlan(ctx, plan, &ir.State{Version: 1})
	require.NoError(t, err)
	require.Len(t, newState.Resources, 2)

	var consumer *ir.ResourceState
	for _, res := range newState.Resources {
		if res.Name == "consumer" {
			consumer = res
		}
	}
	require.NotNil(t, consumer)
	assert.Contains(t, consumer.Dependencies, "noop:Resource.stream")

	// The reference resolved to the dependency's synthesized output.
	assert.Equal(t, "arn:cartstream:noop:::stream", consumer.Outputs["streamArn"])
}

func TestApplyPlan_ProgressCallback(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("noop", noop.New())

	eng := NewEngine(reg)
	ctx := context.Background()

	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{
			{
				Address: "noop:Resource.events",
				Action:  "CREATE",
				Desired: &ir.Resource{
					Type:     "noop:Resource",
					Name:     "events",
					Provider: "noop",
					Properties: map[string]any{
						"triggers": map[string]any{"a": "b"},
					},
				},
			},
		},
		Summary: &ir.PlanSummary{Create: 1},
		Outputs: map[string]any{},
	}

	state := &ir.State{Version: 1}

	var mu sync.Mutex
	var events []ApplyEvent
	callback := func(event ApplyEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}

	_, err := eng.ApplyPlanWithCallback(ctx, plan, state, callback)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "started", events[0].Status)
	assert.Equal(t, "completed", events[1].Status)
	assert.Equal(t, "noop:Resource.events", events[0].Address)
}

func TestApplyPlan_SkipsDependentsOfFailures(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("noop", noop.New())
	reg.Register("failing", &failingStub{})

	eng := NewEngine(reg)
	eng.ContinueOnError = true
	ctx := context.Background()

	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{
			{
				Address: "noop:Resource.broken",
				Action:  "CREATE",
				Desired: &ir.Resource{
					Type:       "noop:Resource",
					Name:       "broken",
					Provider:   "failing",
					Properties: map[string]any{"triggers": map[string]any{"a": "b"}},
				},
			},
			{
				Address: "noop:Resource.dependent",
				Action:  "CREATE",
				Desired: &ir.Resource{
					Type:       "noop:Resource",
					Name:       "dependent",
					Provider:   "noop",
					DependsOn:  []string{"noop:Resource.broken"},
					Properties: map[string]any{"triggers": map[string]any{"x": "y"}},
				},
			},
		},
		Summary: &ir.PlanSummary{Create: 2},
		Outputs: map[string]any{},
	}

	var mu sync.Mutex
	statuses := make(map[string]string)
	callback := func(event ApplyEvent) {
		mu.Lock()
		statuses[event.Address+"/"+event.Status] = event.Status
		mu.Unlock()
	}

	newState, err := eng.ApplyPlanWithCallback(ctx, plan, &ir.State{Version: 1}, callback)
	require.Error(t, err)
	assert.Contains(t, statuses, "noop:Resource.broken/failed")
	assert.Contains(t, statuses, "noop:Resource.dependent/skipped")
	assert.Len(t, newState.Resources, 0)
}

func TestApplyPlan_ContinueOnError(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("noop", noop.New())

	eng := NewEngine(reg)
	eng.ContinueOnError = true
	ctx := context.Background()

	// Two independent resources: one valid, one with an unregistered provider.
	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{
			{
				Address: "noop:Resource.good",
				Action:  "CREATE",
				Desired: &ir.Resource{
					Type:     "noop:Resource",
					Name:     "good",
					Provider: "noop",
					Properties: map[string]any{
						"triggers": map[string]any{"a": "b"},
					},
				},
			},
			{
				Address: "noop:Resource.bad",
				Action:  "CREATE",
				Desired: &ir.Resource{
					Type:     "noop:Resource",
					Name:     "bad",
					Provider: "nonexistent",
					Properties: map[string]any{
						"triggers": map[string]any{"a": "b"},
					},
				},
			},
		},
		Summary: &ir.PlanSummary{Create: 2},
		Outputs: map[string]any{},
	}

	state := &ir.State{Version: 1}

	newState, err := eng.ApplyPlanWithCallback(ctx, plan, state, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	// The good resource still applied.
	assert.GreaterOrEqual(t, len(newState.Resources), 1)
}

func TestApplyPlan_FailFastByDefault(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("noop", noop.New())

	eng := NewEngine(reg)
	ctx := context.Background()

	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{
			{
				Address: "noop:Resource.bad",
				Action:  "CREATE",
				Desired: &ir.Resource{
					Type:     "noop:Resource",
					Name:     "bad",
					Provider: "nonexistent",
					Properties: map[string]any{
						"triggers": map[string]any{"a": "b"},
					},
				},
			},
		},
		Summary: &ir.PlanSummary{Create: 1},
		Outputs: map[string]any{},
	}

	state := &ir.State{Version: 1}

	_, err := eng.ApplyPlan(ctx, plan, state)
	require.Error(t, err)
}

func TestApplyPlan_ResolveReferences(t *testing.T) {
	state := &ir.State{
		Resources: []*ir.ResourceState{
			{
				Type:     "noop:Resource",
				Name:     "stream",
				Provider: "noop",
				Outputs:  map[string]any{"id": "noop-stream", "arn": "arn:cartstream:noop:::stream"},
			},
		},
	}

	// A ptr:// reference resolves against outputs.
	result := resolveReferences("ptr://noop:Resource/stream/id", state)
	assert.Equal(t, "noop-stream", result)

	result = resolveReferences("ptr://noop:Resource/stream/arn", state)
	assert.Equal(t, "arn:cartstream:noop:::stream", result)

	// Non-references stay unchanged.
	result = resolveReferences("plain-string", state)
	assert.Equal(t, "plain-string", result)

	// Nested map resolution.
	result = resolveReferences(map[string]any{
		"ref":  "ptr://noop:Resource/stream/id",
		"name": "stream",
	}, state)
	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "noop-stream", m["ref"])
	assert.Equal(t, "stream", m["name"])

	// List resolution.
	result = resolveReferences([]any{
		"ptr://noop:Resource/stream/id",
		"literal",
	}, state)
	list, ok := result.([]any)
	require.True(t, ok)
	assert.Equal(t, "noop-stream", list[0])
	assert.Equal(t, "literal", list[1])
}

// failingStub errors on every apply.
type failingStub struct{}

func (s *failingStub) Configure(ctx context.Context, req *provider.ConfigureRequest) error {
	return nil
}

func (s *failingStub) Plan(ctx context.Context, req *provider.PlanRequest) (*provider.PlanResult, error) {
	return &provider.PlanResult{Action: provider.ActionCreate}, nil
}

func (s *failingStub) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	return nil, assert.AnError
}

func (s *failingStub) Read(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	return &provider.ReadResult{Exists: false}, nil
}

func (s *failingStub) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	return nil
}
