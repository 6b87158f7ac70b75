package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cartstream-io/cartstream/internal/ir"
)

// DAG is the dependency graph over resource addresses used to order
// creation and destruction.
type DAG struct {
	nodes    map[string]*dagNode
	order    []string // topological order (creation order)
	revOrder []string // reverse topological order (destruction order)
}

type dagNode struct {
	addr     string
	edges    []string // addresses this node depends on
	revEdges []string // addresses that depend on this node
}

// BuildDAG constructs a dependency graph from resource descriptors.
// It resolves both explicit DependsOn and implicit ptr:// references.
func BuildDAG(resources []*ir.Resource) (*DAG, error) {
	dag := &DAG{
		nodes: make(map[string]*dagNode),
	}

	for _, res := range resources {
		addr := res.Addr()
		if _, exists := dag.nodes[addr]; exists {
			return nil, fmt.Errorf("duplicate resource address: %s", addr)
		}
		dag.nodes[addr] = &dagNode{addr: addr}
	}

	for _, res := range resources {
		node := dag.nodes[res.Addr()]

		for _, dep := range res.DependsOn {
			if _, ok := dag.nodes[dep]; ok {
				node.edges = append(node.edges, dep)
			}
		}

		for _, ref := range extractPtrRefs(res.Properties) {
			depAddr := ptrRefToAddr(ref)
			if depAddr == "" || depAddr == res.Addr() {
				continue
			}
			if _, ok := dag.nodes[depAddr]; ok {
				node.edges = append(node.edges, depAddr)
			}
		}
	}

	return dag.finish()
}

// BuildDAGFromState constructs a dependency graph from recorded state,
// using the dependency addresses captured at apply time. Destroy ordering
// relies on this.
func BuildDAGFromState(resources []*ir.ResourceState) (*DAG, error) {
	dag := &DAG{
		nodes: make(map[string]*dagNode),
	}

	for _, res := range resources {
		addr := res.Addr()
		node := &dagNode{addr: addr}
		node.edges = append(node.edges, res.Dependencies...)
		dag.nodes[addr] = node
	}

	// Dependencies may point at resources already removed from state.
	for _, node := range dag.nodes {
		kept := node.edges[:0]
		for _, dep := range node.edges {
			if _, ok := dag.nodes[dep]; ok {
				kept = append(kept, dep)
			}
		}
		node.edges = kept
	}

	return dag.finish()
}

func (d *DAG) finish() (*DAG, error) {
	for addr, node := range d.nodes {
		for _, dep := range node.edges {
			d.nodes[dep].revEdges = append(d.nodes[dep].revEdges, addr)
		}
	}

	order, err := d.topoSort()
	if err != nil {
		return nil, err
	}
	d.order = order

	d.revOrder = make([]string, len(order))
	for i, addr := range order {
		d.revOrder[len(order)-1-i] = addr
	}

	return d, nil
}

// CreationOrder returns addresses in dependency-respecting creation order.
func (d *DAG) CreationOrder() []string {
	return d.order
}

// DestructionOrder returns addresses in reverse dependency order.
func (d *DAG) DestructionOrder() []string {
	return d.revOrder
}

// Dependencies returns the direct dependencies of an address.
func (d *DAG) Dependencies(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.edges
	}
	return nil
}

// TransitiveDeps returns every address reachable through dependency edges
// from the given address.
func (d *DAG) TransitiveDeps(addr string) []string {
	seen := make(map[string]bool)
	var walk func(a string)
	walk = func(a string) {
		node, ok := d.nodes[a]
		if !ok {
			return
		}
		for _, dep := range node.edges {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(addr)

	deps := make([]string, 0, len(seen))
	for dep := range seen {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps
}

// TransitiveDependents returns every address that reaches the given
// address through dependency edges, i.e. everything that must be destroyed
// before it can go.
func (d *DAG) TransitiveDependents(addr string) []string {
	seen := make(map[string]bool)
	var walk func(a string)
	walk = func(a string) {
		node, ok := d.nodes[a]
		if !ok {
			return
		}
		for _, dependent := range node.revEdges {
			if !seen[dependent] {
				seen[dependent] = true
				walk(dependent)
			}
		}
	}
	walk(addr)

	dependents := make([]string, 0, len(seen))
	for dep := range seen {
		dependents = append(dependents, dep)
	}
	sort.Strings(dependents)
	return dependents
}

// topoSort runs Kahn's algorithm. Ties are broken lexically so the order is
// stable across runs.
func (d *DAG) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(d.nodes))
	for addr, node := range d.nodes {
		inDegree[addr] = len(node.edges)
	}

	var queue []string
	for addr, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, addr)
		}
	}
	sort.Strings(queue)

	sorted := make([]string, 0, len(d.nodes))
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		sorted = append(sorted, addr)

		var ready []string
		for _, dependent := range d.nodes[addr].revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		if len(ready) > 0 {
			queue = append(queue, ready...)
			sort.Strings(queue)
		}
	}

	if len(sorted) != len(d.nodes) {
		var remaining []string
		for addr, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, addr)
			}
		}
		sort.Strings(remaining)
		return nil, fmt.Errorf("dependency cycle detected involving: %s", strings.Join(remaining, ", "))
	}

	return sorted, nil
}

// extractPtrRefs collects every ptr:// reference inside a property value.
func extractPtrRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "ptr://") {
			refs = append(refs, val)
		}
	case map[string]any:
		for _, item := range val {
			refs = append(refs, extractPtrRefs(item)...)
		}
	case map[any]any:
		for _, item := range val {
			refs = append(refs, extractPtrRefs(item)...)
		}
	case []any:
		for _, item := range val {
			refs = append(refs, extractPtrRefs(item)...)
		}
	}
	return refs
}

// ptrRefToAddr converts a pointer reference to a resource address:
// ptr://aws:Kinesis.Stream/events/arn -> aws:Kinesis.Stream.events
func ptrRefToAddr(ref string) string {
	if !strings.HasPrefix(ref, "ptr://") {
		return ""
	}
	path := strings.TrimPrefix(ref, "ptr://")
	// provider:Type/name/attribute
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 2 || parts[1] == "" {
		return ""
	}
	return fmt.Sprintf("%s.%s", parts[0], parts[1])
}

// refAddrs converts the pointer references of a property set into the
// addresses they point at, deduplicated and sorted.
func refAddrs(props map[string]any) []string {
	seen := make(map[string]bool)
	for _, ref := range extractPtrRefs(props) {
		if addr := ptrRefToAddr(ref); addr != "" {
			seen[addr] = true
		}
	}
	addrs := make([]string, 0, len(seen))
	for addr := range seen {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}
