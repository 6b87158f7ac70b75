package state

import (
	"context"
	"fmt"

	"github.com/cartstream-io/cartstream/internal/ir"
)

// Backend defines the interface for state storage backends.
type Backend interface {
	// Read loads the state from the backend.
	Read(ctx context.Context) (*ir.State, error)

	// Write saves the state to the backend.
	Write(ctx context.Context, state *ir.State) error

	// Lock acquires an exclusive lock on the state.
	Lock() error

	// Unlock releases the lock on the state.
	Unlock() error
}

// NewBackend creates a state backend from the pipeline's backend block. The
// key is the object path for this environment, e.g.
// "pipelines/shop/dev/state.json".
func NewBackend(cfg *ir.BackendConfig, key string) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("backend configuration is nil")
	}

	switch cfg.Type {
	case "local", "":
		return nil, fmt.Errorf("use state.Manager for local backend")
	case "s3":
		return newS3Backend(cfg, key)
	case "http":
		return nil, fmt.Errorf("HTTP backend not yet implemented")
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
