package engine

import (
	"context"
	"testing"

	"github.com/cartstream-io/cartstream/internal/ir"
	"github.com/cartstream-io/cartstream/internal/provider"
	"github.com/cartstream-io/cartstream/providers/noop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *provider.Registry {
	t.Helper()
	reg := provider.NewRegistry()
	reg.Register("noop", noop.New())
	return reg
}

func TestEngine_CreatePlan(t *testing.T) {
	eng := NewEngine(newTestRegistry(t))
	ctx := context.Background()

	// 1. Plan creation (new resource)
	m := &ir.Manifest{
		Resources: []*ir.Resource{
			{
				Type:     "noop:Resource",
				Name:     "events",
				Provider: "noop",
				Properties: map[string]any{
					"triggers": map[string]string{"a": "b"},
				},
			},
		},
	}

	state := &ir.State{}

	plan, err := eng.CreatePlan(ctx, m, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "CREATE", plan.Changes[0].Action)
	assert.Equal(t, "noop:Resource.events", plan.Changes[0].Address)

	// Diff is populated for CREATE
	assert.NotNil(t, plan.Changes[0].Diff)
	assert.Contains(t, plan.Changes[0].Diff, "triggers")

	// 2. Plan against matching state (no-op)
	state = &ir.State{
		Resources: []*ir.ResourceState{
			{
				Type:     "noop:Resource",
				Name:     "events",
				Provider: "noop",
				Inputs: map[string]any{
					"triggers": map[string]string{"a": "b"},
				},
				Outputs: map[string]any{
					"triggers": map[string]string{"a": "b"},
					"id":       "noop-events",
				},
			},
		},
	}

	plan, err = eng.CreatePlan(ctx, m, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 0)
	assert.Equal(t, 1, plan.Summary.NoOp)

	// 3. Plan replace (changed trigger)
	m.Resources[0].Properties["triggers"] = map[string]string{"a": "c"}

	plan, err = eng.CreatePlan(ctx, m, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "REPLACE", plan.Changes[0].Action)
}

func TestEngine_CreatePlan_PointerRefsStable(t *testing.T) {
	eng := NewEngine(newTestRegistry(t))
	ctx := context.Background()

	// The downstream resource declares a pointer reference; the state
	// holds the concrete value the provider echoed at apply time. An
	// unchanged declaration must still plan as NOOP.
	m := &ir.Manifest{
		Resources: []*ir.Resource{
			{
				Type:       "noop:Resource",
				Name:       "key",
				Provider:   "noop",
				Properties: map[string]any{"alias": "pipeline"},
			},
			{
				Type:     "noop:Resource",
				Name:     "stream",
				Provider: "noop",
				Properties: map[string]any{
					"kmsKeyArn": "ptr://noop:Resource/key/arn",
				},
			},
		},
	}

	state := &ir.State{
		Resources: []*ir.ResourceState{
			{
				Type:       "noop:Resource",
				Name:       "key",
				Provider:   "noop",
				Inputs:     map[string]any{"alias": "pipeline"},
				InputsHash: hashInputs(map[string]any{"alias": "pipeline"}),
				Outputs: map[string]any{
					"alias": "pipeline",
					"id":    "noop-key",
					"arn":   "arn:noop:key",
				},
			},
			{
				Type:     "noop:Resource",
				Name:     "stream",
				Provider: "noop",
				Inputs: map[string]any{
					"kmsKeyArn": "ptr://noop:Resource/key/arn",
				},
				Outputs: map[string]any{
					"kmsKeyArn": "arn:noop:key",
					"id":        "noop-stream",
				},
			},
		},
	}

	// Without a stored hash the reference resolves against recorded
	// outputs before diffing.
	plan, err := eng.CreatePlan(ctx, m, state)
	require.NoError(t, err)
	assert.Len(t, plan.Changes, 0)
	assert.Equal(t, 2, plan.Summary.NoOp)

	// With a stored hash the provider is never consulted.
	state.Resources[1].InputsHash = hashInputs(state.Resources[1].Inputs)
	plan, err = eng.CreatePlan(ctx, m, state)
	require.NoError(t, err)
	assert.Len(t, plan.Changes, 0)
	assert.Equal(t, 2, plan.Summary.NoOp)
}

func TestEngine_CreatePlan_Delete(t *testing.T) {
	eng := NewEngine(newTestRegistry(t))
	ctx := context.Background()

	// Empty declaration, resource in state -> DELETE
	m := &ir.Manifest{Resources: []*ir.Resource{}}

	state := &ir.State{
		Resources: []*ir.ResourceState{
			{
				Type:     "noop:Resource",
				Name:     "orphan",
				Provider: "noop",
				Outputs:  map[string]any{"id": "noop-orphan"},
			},
		},
	}

	plan, err := eng.CreatePlan(ctx, m, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "DELETE", plan.Changes[0].Action)
	assert.Equal(t, "noop:Resource.orphan", plan.Changes[0].Address)
	assert.Equal(t, 1, plan.Summary.Delete)
}

func TestEngine_CreatePlan_PreventDestroy(t *testing.T) {
	eng := NewEngine(newTestRegistry(t))
	ctx := context.Background()

	m := &ir.Manifest{
		Resources: []*ir.Resource{
			{
				Type:     "noop:Resource",
				Name:     "protected",
				Provider: "noop",
				Lifecycle: &ir.Lifecycle{
					PreventDestroy: true,
				},
				Properties: map[string]any{
					"triggers": map[string]string{"a": "new_value"},
				},
			},
		},
	}

	state := &ir.State{
		Resources: []*ir.ResourceState{
			{
				Type:     "noop:Resource",
				Name:     "protected",
				Provider: "noop",
				Outputs: map[string]any{
					"id":       "noop-protected",
					"triggers": map[string]string{"a": "old_value"},
				},
			},
		},
	}

	// Trigger change means REPLACE, which prevent_destroy forbids.
	_, err := eng.CreatePlan(ctx, m, state)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "prevent_destroy")
}

func TestEngine_CreatePlan_IgnoreChanges(t *testing.T) {
	eng := NewEngine(newTestRegistry(t))
	ctx := context.Background()

	m := &ir.Manifest{
		Resources: []*ir.Resource{
			{
				Type:     "noop:Resource",
				Name:     "drifting",
				Provider: "noop",
				Lifecycle: &ir.Lifecycle{
					IgnoreChanges: []string{"comment"},
				},
				Properties: map[string]any{
					"comment": "new_value",
				},
			},
		},
	}

	state := &ir.State{
		Resources: []*ir.ResourceState{
			{
				Type:     "noop:Resource",
				Name:     "drifting",
				Provider: "noop",
				Outputs: map[string]any{
					"id":      "noop-drifting",
					"comment": "old_value",
				},
			},
		},
	}

	// The only changed attribute is ignored, so the UPDATE collapses to NOOP.
	plan, err := eng.CreatePlan(ctx, m, state)
	require.NoError(t, err)
	assert.Len(t, plan.Changes, 0)
	assert.Equal(t, 1, plan.Summary.NoOp)
}

func TestEngine_CreatePlan_TaintedForcesReplace(t *testing.T) {
	eng := NewEngine(newTestRegistry(t))
	ctx := context.Background()

	m := &ir.Manifest{
		Resources: []*ir.Resource{
			{
				Type:     "noop:Resource",
				Name:     "stale",
				Provider: "noop",
				Properties: map[string]any{
					"triggers": map[string]string{"a": "b"},
				},
			},
		},
	}

	state := &ir.State{
		Resources: []*ir.ResourceState{
			{
				Type:     "noop:Resource",
				Name:     "stale",
				Provider: "noop",
				Tainted:  true,
				Outputs: map[string]any{
					"id":       "noop-stale",
					"triggers": map[string]string{"a": "b"},
				},
			},
		},
	}

	plan, err := eng.CreatePlan(ctx, m, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "REPLACE", plan.Changes[0].Action)
	assert.Equal(t, 1, plan.Summary.Replace)
}

func TestEngine_CreatePlan_ImmutableAttributeForcesReplace(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("aws", &updatingStub{changed: []string{"clusterIdentifier"}})

	eng := NewEngine(reg)
	ctx := context.Background()

	m := &ir.Manifest{
		Resources: []*ir.Resource{
			{
				Type:     "aws:Redshift.Cluster",
				Name:     "warehouse",
				Provider: "aws",
				Properties: map[string]any{
					"clusterIdentifier": "renamed",
				},
			},
		},
	}

	state := &ir.State{
		Resources: []*ir.ResourceState{
			{
				Type:     "aws:Redshift.Cluster",
				Name:     "warehouse",
				Provider: "aws",
				Inputs:   map[string]any{"clusterIdentifier": "original"},
				Outputs:  map[string]any{"id": "original", "clusterIdentifier": "original"},
			},
		},
	}

	plan, err := eng.CreatePlan(ctx, m, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "REPLACE", plan.Changes[0].Action)
	require.Contains(t, plan.Changes[0].Diff, "clusterIdentifier")
	assert.True(t, plan.Changes[0].Diff["clusterIdentifier"].ForcesReplacement)
}

func TestEngine_CreatePlan_IgnoredImmutableAttribute(t *testing.T) {
	ctx := context.Background()

	resource := func() *ir.Resource {
		return &ir.Resource{
			Type:     "aws:Redshift.Cluster",
			Name:     "warehouse",
			Provider: "aws",
			Lifecycle: &ir.Lifecycle{
				IgnoreChanges: []string{"clusterIdentifier"},
			},
			Properties: map[string]any{
				"clusterIdentifier": "renamed",
				"nodeType":          "ra3.xlplus",
			},
		}
	}

	state := &ir.State{
		Resources: []*ir.ResourceState{
			{
				Type:     "aws:Redshift.Cluster",
				Name:     "warehouse",
				Provider: "aws",
				Inputs:   map[string]any{"clusterIdentifier": "original", "nodeType": "dc2.large"},
				Outputs:  map[string]any{"id": "original", "clusterIdentifier": "original"},
			},
		},
	}

	// The ignored identifier is the only change, so nothing happens: the
	// immutable attribute must not force a replacement it was told to ignore.
	reg := provider.NewRegistry()
	reg.Register("aws", &updatingStub{changed: []string{"clusterIdentifier"}})
	eng := NewEngine(reg)

	plan, err := eng.CreatePlan(ctx, &ir.Manifest{Resources: []*ir.Resource{resource()}}, state)
	require.NoError(t, err)
	assert.Empty(t, plan.Changes)
	assert.Equal(t, 1, plan.Summary.NoOp)

	// A remaining mutable change still applies in place.
	reg = provider.NewRegistry()
	reg.Register("aws", &updatingStub{changed: []string{"clusterIdentifier", "nodeType"}})
	eng = NewEngine(reg)

	plan, err = eng.CreatePlan(ctx, &ir.Manifest{Resources: []*ir.Resource{resource()}}, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "UPDATE", plan.Changes[0].Action)
}

func TestEngine_CreatePlan_SensitiveDiffMasked(t *testing.T) {
	eng := NewEngine(newTestRegistry(t))
	ctx := context.Background()

	m := &ir.Manifest{
		Resources: []*ir.Resource{
			{
				Type:     "noop:Resource",
				Name:     "secret",
				Provider: "noop",
				Properties: map[string]any{
					"masterPassword": "hunter2",
				},
			},
		},
	}

	plan, err := eng.CreatePlan(ctx, m, &ir.State{})
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	require.Contains(t, plan.Changes[0].Diff, "masterPassword")
	assert.True(t, plan.Changes[0].Diff["masterPassword"].Sensitive)
}

func TestEngine_CreatePlan_Timestamp(t *testing.T) {
	eng := NewEngine(newTestRegistry(t))
	ctx := context.Background()

	m := &ir.Manifest{Project: "shop", Environment: "dev", Region: "us-east-1"}
	state := &ir.State{}

	plan, err := eng.CreatePlan(ctx, m, state)
	require.NoError(t, err)
	assert.NotEmpty(t, plan.Metadata.Timestamp)
	assert.Equal(t, "shop", plan.Metadata.Project)
	assert.Equal(t, "dev", plan.Metadata.Environment)
}

func TestEngine_CreatePlan_DependencyOrder(t *testing.T) {
	eng := NewEngine(newTestRegistry(t))
	ctx := context.Background()

	m := &ir.Manifest{
		Resources: []*ir.Resource{
			{
				Type:       "noop:Resource",
				Name:       "second",
				Provider:   "noop",
				DependsOn:  []string{"noop:Resource.first"},
				Properties: map[string]any{"triggers": map[string]string{"x": "y"}},
			},
			{
				Type:       "noop:Resource",
				Name:       "first",
				Provider:   "noop",
				Properties: map[string]any{"triggers": map[string]string{"a": "b"}},
			},
		},
	}

	state := &ir.State{}

	plan, err := eng.CreatePlan(ctx, m, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 2)

	assert.Equal(t, "noop:Resource.first", plan.Changes[0].Address)
	assert.Equal(t, "noop:Resource.second", plan.Changes[1].Address)
}

func TestEngine_CreatePlan_Targets(t *testing.T) {
	eng := NewEngine(newTestRegistry(t))
	ctx := context.Background()

	m := &ir.Manifest{
		Resources: []*ir.Resource{
			{
				Type:       "noop:Resource",
				Name:       "stream",
				Provider:   "noop",
				Properties: map[string]any{"triggers": map[string]string{"a": "b"}},
			},
			{
				Type:       "noop:Resource",
				Name:       "consumer",
				Provider:   "noop",
				DependsOn:  []string{"noop:Resource.stream"},
				Properties: map[string]any{"triggers": map[string]string{"x": "y"}},
			},
			{
				Type:       "noop:Resource",
				Name:       "unrelated",
				Provider:   "noop",
				Properties: map[string]any{"triggers": map[string]string{"q": "r"}},
			},
		},
	}

	// Targeting the consumer pulls in its dependency but not the
	// unrelated resource.
	plan, err := eng.CreatePlanWithTargets(ctx, m, &ir.State{}, []string{"noop:Resource.consumer"})
	require.NoError(t, err)
	require.Len(t, plan.Changes, 2)
	assert.Equal(t, "noop:Resource.stream", plan.Changes[0].Address)
	assert.Equal(t, "noop:Resource.consumer", plan.Changes[1].Address)
}

func TestEngine_CreatePlan_UnknownTarget(t *testing.T) {
	eng := NewEngine(newTestRegistry(t))
	ctx := context.Background()

	m := &ir.Manifest{Resources: []*ir.Resource{}}

	_, err := eng.CreatePlanWithTargets(ctx, m, &ir.State{}, []string{"noop:Resource.ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target")
}

func TestEngine_CreateDestroyPlan(t *testing.T) {
	eng := NewEngine(newTestRegistry(t))
	ctx := context.Background()

	m := &ir.Manifest{
		Resources: []*ir.Resource{
			{Type: "noop:Resource", Name: "base", Provider: "noop"},
			{Type: "noop:Resource", Name: "dependent", Provider: "noop", DependsOn: []string{"noop:Resource.base"}},
		},
	}

	state := &ir.State{
		Resources: []*ir.ResourceState{
			{
				Type:     "noop:Resource",
				Name:     "base",
				Provider: "noop",
				Outputs:  map[string]any{"id": "noop-base"},
			},
			{
				Type:         "noop:Resource",
				Name:         "dependent",
				Provider:     "noop",
				Dependencies: []string{"noop:Resource.base"},
				Outputs:      map[string]any{"id": "noop-dependent"},
			},
		},
	}

	plan, err := eng.CreateDestroyPlan(ctx, m, state, nil)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 2)

	// Dependents are destroyed before their dependencies.
	assert.Equal(t, "noop:Resource.dependent", plan.Changes[0].Address)
	assert.Equal(t, "noop:Resource.base", plan.Changes[1].Address)
	assert.Equal(t, "DELETE", plan.Changes[0].Action)
	assert.Equal(t, 2, plan.Summary.Delete)
}

func TestEngine_CreateDestroyPlan_TargetIncludesDependents(t *testing.T) {
	eng := NewEngine(newTestRegistry(t))
	ctx := context.Background()

	state := &ir.State{
		Resources: []*ir.ResourceState{
			{
				Type:     "noop:Resource",
				Name:     "stream",
				Provider: "noop",
				Outputs:  map[string]any{"id": "noop-stream"},
			},
			{
				Type:         "noop:Resource",
				Name:         "firehose",
				Provider:     "noop",
				Dependencies: []string{"noop:Resource.stream"},
				Outputs:      map[string]any{"id": "noop-firehose"},
			},
			{
				Type:         "noop:Resource",
				Name:         "alarm",
				Provider:     "noop",
				Dependencies: []string{"noop:Resource.firehose"},
				Outputs:      map[string]any{"id": "noop-alarm"},
			},
			{
				Type:     "noop:Resource",
				Name:     "unrelated",
				Provider: "noop",
				Outputs:  map[string]any{"id": "noop-unrelated"},
			},
		},
	}

	// Destroying the stream pulls in everything that depends on it,
	// transitively, but leaves unrelated resources alone.
	plan, err := eng.CreateDestroyPlan(ctx, &ir.Manifest{}, state, []string{"noop:Resource.stream"})
	require.NoError(t, err)
	require.Len(t, plan.Changes, 3)

	addrs := make([]string, len(plan.Changes))
	for i, c := range plan.Changes {
		addrs[i] = c.Address
	}
	assert.Equal(t, []string{"noop:Resource.alarm", "noop:Resource.firehose", "noop:Resource.stream"}, addrs)
	assert.NotContains(t, addrs, "noop:Resource.unrelated")
}

func TestEngine_CreateDestroyPlan_PreventDestroy(t *testing.T) {
	eng := NewEngine(newTestRegistry(t))
	ctx := context.Background()

	m := &ir.Manifest{
		Resources: []*ir.Resource{
			{
				Type:      "noop:Resource",
				Name:      "protected",
				Provider:  "noop",
				Lifecycle: &ir.Lifecycle{PreventDestroy: true},
			},
		},
	}

	state := &ir.State{
		Resources: []*ir.ResourceState{
			{
				Type:     "noop:Resource",
				Name:     "protected",
				Provider: "noop",
				Outputs:  map[string]any{"id": "noop-protected"},
			},
		},
	}

	_, err := eng.CreateDestroyPlan(ctx, m, state, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prevent_destroy")
}

func TestEngine_CreatePlan_UnregisteredProvider(t *testing.T) {
	eng := NewEngine(newTestRegistry(t))
	ctx := context.Background()

	m := &ir.Manifest{
		Resources: []*ir.Resource{
			{Type: "aws:Kinesis.Stream", Name: "events", Provider: "aws"},
		},
	}

	_, err := eng.CreatePlan(ctx, m, &ir.State{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider not registered")
}

// updatingStub always reports an UPDATE with a fixed changed attribute set.
type updatingStub struct {
	changed []string
}

func (s *updatingStub) Configure(ctx context.Context, req *provider.ConfigureRequest) error {
	return nil
}

func (s *updatingStub) Plan(ctx context.Context, req *provider.PlanRequest) (*provider.PlanResult, error) {
	if len(req.Prior) == 0 {
		return &provider.PlanResult{Action: provider.ActionCreate}, nil
	}
	return &provider.PlanResult{Action: provider.ActionUpdate, ChangedAttributes: s.changed}, nil
}

func (s *updatingStub) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResult, error) {
	return &provider.ApplyResult{State: req.Desired}, nil
}

func (s *updatingStub) Read(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResult, error) {
	return &provider.ReadResult{Exists: true, State: req.Prior}, nil
}

func (s *updatingStub) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	return nil
}
