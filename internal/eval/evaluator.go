// Package eval turns pipeline.pkl declarations into typed IR values.
package eval

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/apple/pkl-go/pkl"
	"github.com/cartstream-io/cartstream/internal/ir"
)

// Evaluator handles PKL evaluation into IR types.
type Evaluator struct {
	projectDir string
}

func NewEvaluator(projectDir string) *Evaluator {
	return &Evaluator{
		projectDir: projectDir,
	}
}

// LoadPipeline evaluates the pipeline declaration and returns the typed IR.
// Properties are exposed to the module as external properties, which is how
// --var values reach read("prop:...") expressions.
func (e *Evaluator) LoadPipeline(ctx context.Context, entryPoint string, properties map[string]string) (*ir.Pipeline, error) {
	opts := []func(*pkl.EvaluatorOptions){pkl.PreconfiguredOptions}
	if len(properties) > 0 {
		opts = append(opts, func(o *pkl.EvaluatorOptions) {
			if o.Properties == nil {
				o.Properties = make(map[string]string)
			}
			for k, v := range properties {
				o.Properties[k] = v
			}
		})
	}

	evaluator, err := e.newEvaluator(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	var pipeline ir.Pipeline
	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(entryPoint), &pipeline); err != nil {
		return nil, fmt.Errorf("failed to evaluate pipeline declaration: %w", err)
	}

	return &pipeline, nil
}

// newEvaluator picks a project-aware evaluator when the directory carries a
// PklProject file, otherwise a plain one.
func (e *Evaluator) newEvaluator(ctx context.Context, opts ...func(*pkl.EvaluatorOptions)) (pkl.Evaluator, error) {
	if _, err := os.Stat(filepath.Join(e.projectDir, "PklProject")); err == nil {
		u, err := url.Parse("file://" + e.projectDir + "/")
		if err != nil {
			return nil, fmt.Errorf("failed to parse project directory URL: %w", err)
		}
		return pkl.NewProjectEvaluator(ctx, u, opts...)
	}
	return pkl.NewEvaluator(ctx, opts...)
}
