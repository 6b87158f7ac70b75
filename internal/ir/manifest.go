package ir

// Manifest is the flat, expanded form of a pipeline declaration: every
// resource descriptor the engine must converge plus the declared outputs.
type Manifest struct {
	Project     string         `json:"project"`
	Environment string         `json:"environment"`
	Region      string         `json:"region"`
	Resources   []*Resource    `json:"resources"`
	Outputs     map[string]any `json:"outputs,omitempty"`
}
