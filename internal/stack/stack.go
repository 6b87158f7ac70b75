// Package stack expands a pipeline declaration into the flat resource
// manifest the engine consumes. Expansion owns naming interpolation, tag
// merging, policy document construction, cross-module reference wiring, and
// all declaration validation. It performs no cloud calls and is
// deterministic: the same declaration always yields the same manifest.
package stack

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cartstream-io/cartstream/internal/ir"
)

// Identity carries the caller account used in key policies and ARNs.
type Identity struct {
	AccountID string
	Partition string
}

// builder accumulates resources, outputs, and validation errors while the
// module expanders run.
type builder struct {
	p        *ir.Pipeline
	identity Identity

	resources []*ir.Resource
	outputs   map[string]any
	errs      []error
}

// Expand converts the typed declaration into the manifest. All validation
// errors are collected and reported together.
func Expand(p *ir.Pipeline, identity Identity) (*ir.Manifest, error) {
	if identity.Partition == "" {
		identity.Partition = "aws"
	}

	b := &builder{
		p:        p,
		identity: identity,
		outputs:  make(map[string]any),
	}

	b.validateCore()
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	// Module order fixes resource order. Identity and encryption always run;
	// storage and streaming are the pipeline's reason to exist and default
	// when their blocks are omitted.
	b.addNetwork()
	b.addIdentity()
	b.addEncryption()
	b.addStorage()
	b.addStreaming()
	b.addWarehouse()
	b.addAlerting()

	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	return &ir.Manifest{
		Project:     p.Project,
		Environment: p.Environment,
		Region:      p.Region,
		Resources:   b.resources,
		Outputs:     b.outputs,
	}, nil
}

func (b *builder) validateCore() {
	if b.p.Project == "" {
		b.errf("project: required")
	}
	if b.p.Environment == "" {
		b.errf("environment: required")
	}
	if b.p.Region == "" {
		b.errf("region: required")
	}
	if strings.Contains(b.p.Project, "_") {
		b.errf("project: underscores are not allowed, got %q", b.p.Project)
	}
	if b.p.Warehouse != nil && b.p.Network == nil {
		b.errf("warehouse: requires the network block (subnet group needs VPC subnets)")
	}
}

func (b *builder) errf(format string, args ...any) {
	b.errs = append(b.errs, fmt.Errorf(format, args...))
}

func (b *builder) add(res *ir.Resource) {
	b.resources = append(b.resources, res)
}

// nameFor interpolates the canonical resource name.
func (b *builder) nameFor(suffix string) string {
	return fmt.Sprintf("%s-%s-%s", b.p.Project, b.p.Environment, suffix)
}

// catalogName interpolates names for services that require underscores.
func (b *builder) catalogName(suffix string) string {
	return strings.ReplaceAll(fmt.Sprintf("%s_%s_%s", b.p.Project, b.p.Environment, suffix), "-", "_")
}

// tags merges declaration tags with the managed set. Managed keys win.
func (b *builder) tags(extra map[string]string) map[string]string {
	merged := make(map[string]string, len(b.p.Tags)+len(extra)+3)
	for k, v := range b.p.Tags {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	merged["Project"] = b.p.Project
	merged["Environment"] = b.p.Environment
	merged["ManagedBy"] = "cartstream"
	return merged
}

// arn builds a deterministic ARN for resources whose identifiers are fully
// known at expansion time.
func (b *builder) arn(service, resource string) string {
	return fmt.Sprintf("arn:%s:%s:%s:%s:%s", b.identity.Partition, service, b.p.Region, b.identity.AccountID, resource)
}

// globalArn builds ARNs for services without a region segment (IAM, S3).
func (b *builder) globalArn(service, account, resource string) string {
	return fmt.Sprintf("arn:%s:%s::%s:%s", b.identity.Partition, service, account, resource)
}

func ref(resType, name, attr string) string {
	return fmt.Sprintf("ptr://%s/%s/%s", resType, name, attr)
}

// list widens strings to the []any shape the engine walks when it
// extracts and resolves pointer references.
func list(items ...string) []any {
	out := make([]any, len(items))
	for i, v := range items {
		out[i] = v
	}
	return out
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func strOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func floatOr(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
