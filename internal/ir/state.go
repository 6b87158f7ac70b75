package ir

import "fmt"

// StateVersion is the current state document format version.
const StateVersion = 1

// State is the persistent record of managed resources.
type State struct {
	Version   int              `json:"version"`
	Serial    int              `json:"serial"`
	Lineage   string           `json:"lineage"`
	Resources []*ResourceState `json:"resources"`
	Outputs   map[string]any   `json:"outputs,omitempty"`
}

type ResourceState struct {
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Provider     string         `json:"provider"`
	Inputs       map[string]any `json:"inputs,omitempty"` // declared properties
	InputsHash   string         `json:"inputsHash,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"` // provider returned
	Dependencies []string       `json:"dependencies,omitempty"`
	Tainted      bool           `json:"tainted,omitempty"`
}

// Addr returns the resource address (type.name).
func (r *ResourceState) Addr() string {
	return fmt.Sprintf("%s.%s", r.Type, r.Name)
}

// Find returns the resource state with the given address, or nil.
func (s *State) Find(addr string) *ResourceState {
	for _, r := range s.Resources {
		if r.Addr() == addr {
			return r
		}
	}
	return nil
}

// Remove deletes the resource with the given address from the state and
// reports whether it was present.
func (s *State) Remove(addr string) bool {
	for i, r := range s.Resources {
		if r.Addr() == addr {
			s.Resources = append(s.Resources[:i], s.Resources[i+1:]...)
			return true
		}
	}
	return false
}
