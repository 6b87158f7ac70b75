package eval

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/cartstream-io/cartstream/pkg/schemas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Evaluation shells out to the pkl binary, so these tests only run where it
// is installed.
func requirePkl(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("pkl"); err != nil {
		t.Skip("pkl binary not on PATH")
	}
}

func writeProject(t *testing.T, dir, declaration string) string {
	t.Helper()
	schemaDir := filepath.Join(dir, ".cartstream")
	require.NoError(t, os.MkdirAll(schemaDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(schemaDir, "Pipeline.pkl"), schemas.PipelineSchema, 0644))

	entry := filepath.Join(dir, "pipeline.pkl")
	require.NoError(t, os.WriteFile(entry, []byte(declaration), 0644))
	return entry
}

func TestEvaluator_LoadPipeline(t *testing.T) {
	requirePkl(t)

	dir := t.TempDir()
	entry := writeProject(t, dir, `amends ".cartstream/Pipeline.pkl"

project = "shop"
environment = "dev"
region = "us-east-1"

tags {
  ["Team"] = "data"
}

streaming {
  shardCount = 4
  retentionHours = 72
}

warehouse {
  nodeCount = 2
  masterPassword = "Correct-Horse-1"
}
`)

	e := NewEvaluator(dir)
	p, err := e.LoadPipeline(context.Background(), entry, nil)
	require.NoError(t, err)

	assert.Equal(t, "shop", p.Project)
	assert.Equal(t, "dev", p.Environment)
	assert.Equal(t, "us-east-1", p.Region)
	assert.Equal(t, "data", p.Tags["Team"])

	require.NotNil(t, p.Streaming)
	assert.Equal(t, 4, p.Streaming.ShardCount)
	assert.Equal(t, 72, p.Streaming.RetentionHours)

	require.NotNil(t, p.Warehouse)
	assert.Equal(t, 2, p.Warehouse.NodeCount)

	assert.Nil(t, p.Network, "omitted blocks stay nil")
	assert.Nil(t, p.Backend)
}

func TestEvaluator_LoadPipeline_ExternalProperties(t *testing.T) {
	requirePkl(t)

	dir := t.TempDir()
	entry := writeProject(t, dir, `amends ".cartstream/Pipeline.pkl"

project = "shop"
environment = read("prop:env").text
region = "us-east-1"
`)

	e := NewEvaluator(dir)
	p, err := e.LoadPipeline(context.Background(), entry, map[string]string{"env": "staging"})
	require.NoError(t, err)
	assert.Equal(t, "staging", p.Environment)
}

func TestEvaluator_LoadPipeline_InvalidDeclaration(t *testing.T) {
	requirePkl(t)

	dir := t.TempDir()
	// Violates the project slug constraint.
	entry := writeProject(t, dir, `amends ".cartstream/Pipeline.pkl"

project = "Shop!"
environment = "dev"
region = "us-east-1"
`)

	e := NewEvaluator(dir)
	_, err := e.LoadPipeline(context.Background(), entry, nil)
	require.Error(t, err)
}
