package engine

import (
	"testing"

	"github.com/cartstream-io/cartstream/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDAG_NoDependencies(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "noop:Resource", Name: "a", Provider: "noop"},
		{Type: "noop:Resource", Name: "b", Provider: "noop"},
		{Type: "noop:Resource", Name: "c", Provider: "noop"},
	}

	dag, err := BuildDAG(resources)
	require.NoError(t, err)

	order := dag.CreationOrder()
	assert.Len(t, order, 3)
}

func TestBuildDAG_ExplicitDependsOn(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "noop:Resource", Name: "a", Provider: "noop", DependsOn: []string{"noop:Resource.b"}},
		{Type: "noop:Resource", Name: "b", Provider: "noop"},
		{Type: "noop:Resource", Name: "c", Provider: "noop", DependsOn: []string{"noop:Resource.a"}},
	}

	dag, err := BuildDAG(resources)
	require.NoError(t, err)

	order := dag.CreationOrder()
	require.Len(t, order, 3)

	// b must come before a, a must come before c
	posB := indexOf(order, "noop:Resource.b")
	posA := indexOf(order, "noop:Resource.a")
	posC := indexOf(order, "noop:Resource.c")

	assert.Less(t, posB, posA, "b should come before a")
	assert.Less(t, posA, posC, "a should come before c")
}

func TestBuildDAG_ImplicitPtrRef(t *testing.T) {
	resources := []*ir.Resource{
		{
			Type:     "aws:EC2.Subnet",
			Name:     "ingest-a",
			Provider: "aws",
			Properties: map[string]any{
				"vpcId": "ptr://aws:EC2.Vpc/pipeline/id",
			},
		},
		{Type: "aws:EC2.Vpc", Name: "pipeline", Provider: "aws"},
	}

	dag, err := BuildDAG(resources)
	require.NoError(t, err)

	order := dag.CreationOrder()
	require.Len(t, order, 2)

	posVpc := indexOf(order, "aws:EC2.Vpc.pipeline")
	posSubnet := indexOf(order, "aws:EC2.Subnet.ingest-a")

	assert.Less(t, posVpc, posSubnet, "VPC should be created before subnet")
}

func TestBuildDAG_DuplicateAddress(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "noop:Resource", Name: "a", Provider: "noop"},
		{Type: "noop:Resource", Name: "a", Provider: "noop"},
	}

	_, err := BuildDAG(resources)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestBuildDAG_CycleDetection(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "noop:Resource", Name: "a", Provider: "noop", DependsOn: []string{"noop:Resource.b"}},
		{Type: "noop:Resource", Name: "b", Provider: "noop", DependsOn: []string{"noop:Resource.a"}},
	}

	_, err := BuildDAG(resources)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestBuildDAG_DeterministicOrder(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "noop:Resource", Name: "c", Provider: "noop"},
		{Type: "noop:Resource", Name: "a", Provider: "noop"},
		{Type: "noop:Resource", Name: "b", Provider: "noop"},
	}

	dag, err := BuildDAG(resources)
	require.NoError(t, err)

	// Independent resources come out in lexical order, every time.
	order := dag.CreationOrder()
	assert.Equal(t, []string{"noop:Resource.a", "noop:Resource.b", "noop:Resource.c"}, order)
}

func TestBuildDAG_DestructionOrder(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "noop:Resource", Name: "a", Provider: "noop", DependsOn: []string{"noop:Resource.b"}},
		{Type: "noop:Resource", Name: "b", Provider: "noop"},
	}

	dag, err := BuildDAG(resources)
	require.NoError(t, err)

	revOrder := dag.DestructionOrder()
	require.Len(t, revOrder, 2)

	// a depends on b, so a should be destroyed first (reverse of creation)
	posA := indexOf(revOrder, "noop:Resource.a")
	posB := indexOf(revOrder, "noop:Resource.b")

	assert.Less(t, posA, posB, "a should be destroyed before b")
}

func TestBuildDAGFromState(t *testing.T) {
	resources := []*ir.ResourceState{
		{Type: "aws:EC2.Subnet", Name: "ingest-a", Provider: "aws", Dependencies: []string{"aws:EC2.Vpc.pipeline"}},
		{Type: "aws:EC2.Vpc", Name: "pipeline", Provider: "aws"},
		// A dependency no longer present in state is dropped, not an error.
		{Type: "aws:S3.Bucket", Name: "events", Provider: "aws", Dependencies: []string{"aws:KMS.Key.gone"}},
	}

	dag, err := BuildDAGFromState(resources)
	require.NoError(t, err)

	order := dag.DestructionOrder()
	require.Len(t, order, 3)

	posSubnet := indexOf(order, "aws:EC2.Subnet.ingest-a")
	posVpc := indexOf(order, "aws:EC2.Vpc.pipeline")
	assert.Less(t, posSubnet, posVpc, "subnet should be destroyed before its VPC")
}

func TestTransitiveDeps(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "noop:Resource", Name: "leaf", Provider: "noop", DependsOn: []string{"noop:Resource.mid"}},
		{Type: "noop:Resource", Name: "mid", Provider: "noop", DependsOn: []string{"noop:Resource.root"}},
		{Type: "noop:Resource", Name: "root", Provider: "noop"},
		{Type: "noop:Resource", Name: "island", Provider: "noop"},
	}

	dag, err := BuildDAG(resources)
	require.NoError(t, err)

	deps := dag.TransitiveDeps("noop:Resource.leaf")
	assert.Equal(t, []string{"noop:Resource.mid", "noop:Resource.root"}, deps)

	assert.Empty(t, dag.TransitiveDeps("noop:Resource.island"))
}

func TestTransitiveDependents(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "noop:Resource", Name: "leaf", Provider: "noop", DependsOn: []string{"noop:Resource.mid"}},
		{Type: "noop:Resource", Name: "mid", Provider: "noop", DependsOn: []string{"noop:Resource.root"}},
		{Type: "noop:Resource", Name: "root", Provider: "noop"},
		{Type: "noop:Resource", Name: "island", Provider: "noop"},
	}

	dag, err := BuildDAG(resources)
	require.NoError(t, err)

	dependents := dag.TransitiveDependents("noop:Resource.root")
	assert.Equal(t, []string{"noop:Resource.leaf", "noop:Resource.mid"}, dependents)

	assert.Empty(t, dag.TransitiveDependents("noop:Resource.leaf"))
	assert.Empty(t, dag.TransitiveDependents("noop:Resource.missing"))
}

func TestPtrRefToAddr(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"ptr://aws:EC2.Vpc/pipeline/id", "aws:EC2.Vpc.pipeline"},
		{"ptr://aws:S3.Bucket/events/arn", "aws:S3.Bucket.events"},
		{"not-a-ref", ""},
		{"ptr://short", ""},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got := ptrRefToAddr(tt.ref)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractPtrRefs(t *testing.T) {
	props := map[string]any{
		"vpcId": "ptr://aws:EC2.Vpc/pipeline/id",
		"name":  "ingest-a",
		"tags": map[string]any{
			"ref": "ptr://aws:S3.Bucket/events/arn",
		},
		"list": []any{
			"ptr://aws:IAM.Role/firehose/arn",
			"plain-string",
		},
	}

	refs := extractPtrRefs(props)
	assert.Len(t, refs, 3)
	assert.Contains(t, refs, "ptr://aws:EC2.Vpc/pipeline/id")
	assert.Contains(t, refs, "ptr://aws:S3.Bucket/events/arn")
	assert.Contains(t, refs, "ptr://aws:IAM.Role/firehose/arn")
}

func TestDependencies(t *testing.T) {
	resources := []*ir.Resource{
		{Type: "noop:Resource", Name: "a", Provider: "noop", DependsOn: []string{"noop:Resource.b", "noop:Resource.c"}},
		{Type: "noop:Resource", Name: "b", Provider: "noop"},
		{Type: "noop:Resource", Name: "c", Provider: "noop"},
	}

	dag, err := BuildDAG(resources)
	require.NoError(t, err)

	deps := dag.Dependencies("noop:Resource.a")
	assert.Len(t, deps, 2)
	assert.Contains(t, deps, "noop:Resource.b")
	assert.Contains(t, deps, "noop:Resource.c")
}

func indexOf(slice []string, item string) int {
	for i, s := range slice {
		if s == item {
			return i
		}
	}
	return -1
}
