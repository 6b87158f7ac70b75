package noop

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cartstream-io/cartstream/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Provider conformance suite. Verifies the full lifecycle every provider
// must support: Configure -> Plan (CREATE) -> Apply -> Read -> Plan (NOOP)
// -> Plan (change) -> Apply -> Delete.

func TestConformance_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	p := New()

	// 1. Configure
	require.NoError(t, p.Configure(ctx, &provider.ConfigureRequest{Region: "us-east-1"}))

	// 2. Plan (CREATE), no prior state
	desired := map[string]any{"triggers": map[string]string{"key": "value"}}
	desiredJSON, _ := json.Marshal(desired)

	planResp, err := p.Plan(ctx, &provider.PlanRequest{
		Type:    "noop:Resource",
		Name:    "test",
		Desired: desiredJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, provider.ActionCreate, planResp.Action)

	// 3. Apply
	applyResp, err := p.Apply(ctx, &provider.ApplyRequest{
		Type:    "noop:Resource",
		Name:    "test",
		Desired: desiredJSON,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, applyResp.State)

	var state map[string]any
	require.NoError(t, json.Unmarshal(applyResp.State, &state))
	assert.NotEmpty(t, state["id"])

	// 4. Read
	readResp, err := p.Read(ctx, &provider.ReadRequest{
		Type:  "noop:Resource",
		ID:    state["id"].(string),
		Prior: applyResp.State,
	})
	require.NoError(t, err)
	assert.True(t, readResp.Exists)

	// 5. Plan (NOOP), desired matches current
	planResp2, err := p.Plan(ctx, &provider.PlanRequest{
		Type:    "noop:Resource",
		Name:    "test",
		Desired: desiredJSON,
		Prior:   applyResp.State,
	})
	require.NoError(t, err)
	assert.Equal(t, provider.ActionNoop, planResp2.Action)

	// 6. Plan (REPLACE), changed triggers
	newDesired := map[string]any{"triggers": map[string]string{"key": "new-value"}}
	newDesiredJSON, _ := json.Marshal(newDesired)

	planResp3, err := p.Plan(ctx, &provider.PlanRequest{
		Type:    "noop:Resource",
		Name:    "test",
		Desired: newDesiredJSON,
		Prior:   applyResp.State,
	})
	require.NoError(t, err)
	assert.Equal(t, provider.ActionReplace, planResp3.Action)

	// 7. Apply the change
	applyResp2, err := p.Apply(ctx, &provider.ApplyRequest{
		Type:    "noop:Resource",
		Name:    "test",
		Desired: newDesiredJSON,
		Prior:   applyResp.State,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, applyResp2.State)

	// 8. Delete
	err = p.Delete(ctx, &provider.DeleteRequest{
		Type:  "noop:Resource",
		ID:    state["id"].(string),
		Prior: applyResp2.State,
	})
	require.NoError(t, err)
}

func TestConformance_ConfigureIdempotent(t *testing.T) {
	ctx := context.Background()
	p := New()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Configure(ctx, &provider.ConfigureRequest{}))
	}
}
