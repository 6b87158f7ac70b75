package ir

import "fmt"

// Resource is a single cloud resource descriptor produced by expanding the
// pipeline declaration. Properties may contain pointer references
// (ptr://provider:Type/name/attr) that the engine resolves at apply time.
type Resource struct {
	Type       string         `json:"type"` // e.g. "aws:Kinesis.Stream"
	Name       string         `json:"name"`
	Provider   string         `json:"provider"`
	Lifecycle  *Lifecycle     `json:"lifecycle,omitempty"`
	DependsOn  []string       `json:"dependsOn,omitempty"`
	Timeout    string         `json:"timeout,omitempty"` // per-resource apply timeout, e.g. "45m"
	Properties map[string]any `json:"properties"`
}

// Lifecycle carries the per-resource rules enforced at plan time.
type Lifecycle struct {
	PreventDestroy bool     `json:"preventDestroy,omitempty"`
	IgnoreChanges  []string `json:"ignoreChanges,omitempty"`
}

// Addr returns the resource address (type.name).
func (r *Resource) Addr() string {
	return fmt.Sprintf("%s.%s", r.Type, r.Name)
}
