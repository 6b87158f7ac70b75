package provider

import (
	"context"
	"encoding/json"
)

// Action is the outcome a provider plans for a single resource.
type Action int

const (
	ActionNoop Action = iota
	ActionCreate
	ActionUpdate
	ActionReplace
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "CREATE"
	case ActionUpdate:
		return "UPDATE"
	case ActionReplace:
		return "REPLACE"
	case ActionDelete:
		return "DELETE"
	default:
		return "NOOP"
	}
}

// ConfigureRequest carries provider-level settings resolved from the
// pipeline declaration and environment.
type ConfigureRequest struct {
	Region string
	// Endpoint overrides the service endpoint for every client.
	// Used to point the provider at a local emulator.
	Endpoint   string
	Properties map[string]string
}

// PlanRequest asks the provider to classify the change for one resource.
// Desired is nil when the resource is being removed from the declaration;
// Prior is nil when the resource has never been created.
type PlanRequest struct {
	Type    string
	Name    string
	Desired json.RawMessage
	Prior   json.RawMessage
}

// PlanResult reports the classified action and which attributes changed.
type PlanResult struct {
	Action            Action
	ChangedAttributes []string
}

// ApplyRequest asks the provider to converge one resource.
type ApplyRequest struct {
	Type    string
	Name    string
	Desired json.RawMessage
	Prior   json.RawMessage
}

// ApplyResult carries the recorded state document (inputs echoed plus
// computed attributes such as ARNs and IDs).
type ApplyResult struct {
	State json.RawMessage
}

// ReadRequest asks the provider for the live attributes of a resource.
type ReadRequest struct {
	Type  string
	Name  string
	ID    string
	Prior json.RawMessage
}

// ReadResult reports whether the resource still exists and its live state.
type ReadResult struct {
	Exists bool
	State  json.RawMessage
}

// DeleteRequest asks the provider to destroy a resource.
type DeleteRequest struct {
	Type  string
	ID    string
	Prior json.RawMessage
}

// Provider is the in-process contract every resource provider implements.
type Provider interface {
	Configure(ctx context.Context, req *ConfigureRequest) error
	Plan(ctx context.Context, req *PlanRequest) (*PlanResult, error)
	Apply(ctx context.Context, req *ApplyRequest) (*ApplyResult, error)
	Read(ctx context.Context, req *ReadRequest) (*ReadResult, error)
	Delete(ctx context.Context, req *DeleteRequest) error
}
