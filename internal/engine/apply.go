package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cartstream-io/cartstream/internal/ir"
	"github.com/cartstream-io/cartstream/internal/logging"
	"github.com/cartstream-io/cartstream/internal/provider"
)

const defaultParallelism = 10

// ApplyEvent represents a progress event during apply.
type ApplyEvent struct {
	Address  string
	Action   string
	Status   string // "started", "completed", "failed", "skipped"
	Duration time.Duration
	Error    error
}

// ApplyCallback is called for each apply event if set.
type ApplyCallback func(event ApplyEvent)

// ApplyPlan executes a plan and updates the state.
func (e *Engine) ApplyPlan(ctx context.Context, plan *ir.Plan, state *ir.State) (*ir.State, error) {
	return e.ApplyPlanWithCallback(ctx, plan, state, nil)
}

// ApplyPlanWithCallback executes a plan with progress event callbacks.
// Creates and updates run first in dependency order, deletes after in
// reverse order; independent resources run concurrently. If
// e.ContinueOnError is true, apply continues past individual failures and
// returns an aggregated error at the end.
func (e *Engine) ApplyPlanWithCallback(ctx context.Context, plan *ir.Plan, state *ir.State, callback ApplyCallback) (*ir.State, error) {
	var mu sync.Mutex
	var emitMu sync.Mutex
	var errs []error

	emit := func(event ApplyEvent) {
		if callback == nil {
			return
		}
		emitMu.Lock()
		defer emitMu.Unlock()
		callback(event)
	}

	stateIndex := make(map[string]int)
	for i, res := range state.Resources {
		stateIndex[res.Addr()] = i
	}

	var createUpdates, deletes []*ir.ResourceChange
	for _, change := range plan.Changes {
		if change.Action == "DELETE" {
			deletes = append(deletes, change)
		} else {
			createUpdates = append(createUpdates, change)
		}
	}

	runBatch := func(batch []*ir.ResourceChange) error {
		if len(batch) > 1 {
			return e.applyParallel(ctx, batch, state, &stateIndex, &mu, emit)
		}
		for _, change := range batch {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("apply cancelled: %w", err)
			}
			start := time.Now()
			emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "started"})
			if err := e.applyChange(ctx, change, state, &stateIndex, &mu); err != nil {
				emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "failed", Duration: time.Since(start), Error: err})
				return err
			}
			emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "completed", Duration: time.Since(start)})
		}
		return nil
	}

	if err := runBatch(createUpdates); err != nil {
		if !e.ContinueOnError {
			state.Serial++
			return state, err
		}
		errs = append(errs, err)
	}

	if err := runBatch(deletes); err != nil {
		if !e.ContinueOnError {
			state.Serial++
			return state, err
		}
		errs = append(errs, err)
	}

	state.Serial++

	// Pointer references in outputs resolve against what actually applied.
	if plan.Outputs != nil {
		resolved := make(map[string]any, len(plan.Outputs))
		for k, v := range plan.Outputs {
			resolved[k] = resolveReferences(v, state)
		}
		state.Outputs = resolved
	}

	if len(errs) > 0 {
		return state, fmt.Errorf("%d resource(s) failed: %w", len(errs), errors.Join(errs...))
	}

	return state, nil
}

// applyParallel applies changes concurrently, honoring the dependency edges
// between the changes in this batch. A bounded semaphore caps concurrency;
// dependents of a failed change are skipped.
func (e *Engine) applyParallel(ctx context.Context, changes []*ir.ResourceChange, state *ir.State, stateIndex *map[string]int, mu *sync.Mutex, emit func(ApplyEvent)) error {
	changeMap := make(map[string]*ir.ResourceChange)
	for _, c := range changes {
		changeMap[c.Address] = c
	}

	// For deletes the edge direction flips: a resource can only go once
	// everything that depends on it is gone. Dependencies recorded in state
	// serve deletes; declaration edges serve creates and updates.
	deps := make(map[string]map[string]bool)
	for _, c := range changes {
		deps[c.Address] = make(map[string]bool)
		if c.Desired != nil {
			for _, d := range c.Desired.DependsOn {
				if _, ok := changeMap[d]; ok {
					deps[c.Address][d] = true
				}
			}
			for _, depAddr := range refAddrs(c.Desired.Properties) {
				if _, ok := changeMap[depAddr]; ok {
					deps[c.Address][depAddr] = true
				}
			}
		}
	}
	for _, c := range changes {
		if c.Action != "DELETE" {
			continue
		}
		mu.Lock()
		if idx, ok := (*stateIndex)[c.Address]; ok {
			for _, d := range state.Resources[idx].Dependencies {
				if _, ok := changeMap[d]; ok && d != c.Address {
					// d must outlive c's dependents: reverse the edge
					deps[d][c.Address] = true
				}
			}
		}
		mu.Unlock()
	}

	parallelism := e.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}

	completed := make(map[string]bool)
	failed := make(map[string]bool)
	completedMu := sync.Mutex{}
	completedCond := sync.NewCond(&completedMu)
	var firstErr error
	var allErrs []error
	sem := make(chan struct{}, parallelism)

	var wg sync.WaitGroup

	for _, change := range changes {
		wg.Add(1)
		go func(c *ir.ResourceChange) {
			defer wg.Done()

			completedMu.Lock()
			for {
				if firstErr != nil && !e.ContinueOnError {
					completedMu.Unlock()
					return
				}
				allDepsReady := true
				var failedDep string
				for dep := range deps[c.Address] {
					if failed[dep] {
						failedDep = dep
						break
					}
					if !completed[dep] {
						allDepsReady = false
						break
					}
				}
				if failedDep != "" {
					failed[c.Address] = true
					completedMu.Unlock()
					emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "skipped", Error: fmt.Errorf("dependency %s failed", failedDep)})
					completedCond.Broadcast()
					return
				}
				if allDepsReady {
					break
				}
				completedCond.Wait()
			}
			completedMu.Unlock()

			if err := ctx.Err(); err != nil {
				completedMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("apply cancelled: %w", err)
				}
				completedMu.Unlock()
				completedCond.Broadcast()
				return
			}

			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "started"})

			if err := e.applyChange(ctx, c, state, stateIndex, mu); err != nil {
				emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "failed", Duration: time.Since(start), Error: err})
				completedMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				allErrs = append(allErrs, err)
				failed[c.Address] = true
				completedMu.Unlock()
				completedCond.Broadcast()
				return
			}

			emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "completed", Duration: time.Since(start)})

			completedMu.Lock()
			completed[c.Address] = true
			completedMu.Unlock()
			completedCond.Broadcast()
		}(change)
	}

	wg.Wait()

	if e.ContinueOnError && len(allErrs) > 0 {
		return fmt.Errorf("%d resource(s) failed: %w", len(allErrs), errors.Join(allErrs...))
	}
	if firstErr != nil {
		return firstErr
	}
	return nil
}

func (e *Engine) applyChange(ctx context.Context, change *ir.ResourceChange, state *ir.State, stateIndex *map[string]int, mu *sync.Mutex) error {
	addr := change.Address
	logging.Debug("applying change", "address", addr, "action", change.Action)

	var timeout time.Duration
	if change.Desired != nil && change.Desired.Timeout != "" {
		if d, err := time.ParseDuration(change.Desired.Timeout); err == nil {
			timeout = d
		}
	}
	ctx, cancel := WithTimeout(ctx, timeout)
	defer cancel()

	var desiredJSON []byte
	var priorJSON []byte
	var name, typ string

	if change.Desired != nil {
		name = change.Desired.Name
		typ = change.Desired.Type
		props := normalizeValue(change.Desired.Properties)
		mu.Lock()
		resolvedProps := resolveReferences(props, state)
		mu.Unlock()
		desiredJSON, _ = json.Marshal(resolvedProps)
	} else if change.Prior != nil {
		name = change.Prior.Name
		typ = change.Prior.Type
	}

	mu.Lock()
	if idx, ok := (*stateIndex)[addr]; ok {
		priorState := state.Resources[idx]
		if priorState.Outputs != nil {
			priorJSON, _ = json.Marshal(priorState.Outputs)
		}
	}
	mu.Unlock()

	provName := "noop"
	if change.Desired != nil {
		provName = change.Desired.Provider
	} else if change.Prior != nil {
		provName = change.Prior.Provider
	}

	prov, err := e.registry.Get(provName)
	if err != nil {
		return fmt.Errorf("provider not registered: %s", provName)
	}

	retryPolicy := DefaultRetryPolicy()

	switch change.Action {
	case "CREATE", "UPDATE", "REPLACE":
		// A replace destroys the prior object first and creates the new
		// one fresh. Reconciling in place would never honor a taint, and
		// a renamed identifier has no existing object to update.
		if change.Action == "REPLACE" && len(priorJSON) > 0 {
			var resourceID string
			mu.Lock()
			if idx, ok := (*stateIndex)[addr]; ok {
				resourceID = stateResourceID(state.Resources[idx].Outputs)
			}
			mu.Unlock()

			err := RetryWithBackoff(ctx, retryPolicy, func() error {
				return prov.Delete(ctx, &provider.DeleteRequest{
					Type:  typ,
					ID:    resourceID,
					Prior: priorJSON,
				})
			}, IsTransientError)
			if err != nil {
				return fmt.Errorf("replace failed for %s: %w", addr, err)
			}
			priorJSON = nil
		}

		var resp *provider.ApplyResult
		err := RetryWithBackoff(ctx, retryPolicy, func() error {
			var applyErr error
			resp, applyErr = prov.Apply(ctx, &provider.ApplyRequest{
				Type:    typ,
				Name:    name,
				Desired: desiredJSON,
				Prior:   priorJSON,
			})
			return applyErr
		}, IsTransientError)
		if err != nil {
			return fmt.Errorf("apply failed for %s: %w", addr, err)
		}

		var outputs map[string]any
		if len(resp.State) > 0 {
			if err := json.Unmarshal(resp.State, &outputs); err != nil {
				return fmt.Errorf("failed to unmarshal provider state for %s: %w", addr, err)
			}
		}

		newResState := &ir.ResourceState{
			Type:         typ,
			Name:         name,
			Provider:     provName,
			Inputs:       change.Desired.Properties,
			InputsHash:   hashInputs(change.Desired.Properties),
			Outputs:      outputs,
			Dependencies: dependencyAddrs(change.Desired),
		}

		mu.Lock()
		if idx, ok := (*stateIndex)[addr]; ok {
			state.Resources[idx] = newResState
		} else {
			(*stateIndex)[addr] = len(state.Resources)
			state.Resources = append(state.Resources, newResState)
		}
		mu.Unlock()

	case "DELETE":
		var resourceID string
		mu.Lock()
		if idx, ok := (*stateIndex)[addr]; ok {
			resourceID = stateResourceID(state.Resources[idx].Outputs)
		}
		mu.Unlock()

		err := RetryWithBackoff(ctx, retryPolicy, func() error {
			return prov.Delete(ctx, &provider.DeleteRequest{
				Type:  typ,
				ID:    resourceID,
				Prior: priorJSON,
			})
		}, IsTransientError)
		if err != nil {
			return fmt.Errorf("delete failed for %s: %w", addr, err)
		}

		mu.Lock()
		if idx, ok := (*stateIndex)[addr]; ok {
			state.Resources = append(state.Resources[:idx], state.Resources[idx+1:]...)
			*stateIndex = make(map[string]int)
			for i, res := range state.Resources {
				(*stateIndex)[res.Addr()] = i
			}
		}
		mu.Unlock()
	}

	return nil
}

// stateResourceID picks the identifier a provider delete needs from
// recorded outputs.
func stateResourceID(outputs map[string]any) string {
	if id, ok := outputs["id"]; ok {
		return fmt.Sprintf("%v", id)
	}
	if arn, ok := outputs["arn"]; ok {
		return fmt.Sprintf("%v", arn)
	}
	return ""
}

// dependencyAddrs records the addresses a resource depends on, explicit and
// implicit, for destroy-time ordering.
func dependencyAddrs(res *ir.Resource) []string {
	seen := make(map[string]bool)
	for _, d := range res.DependsOn {
		seen[d] = true
	}
	for _, d := range refAddrs(res.Properties) {
		seen[d] = true
	}
	if len(seen) == 0 {
		return nil
	}
	addrs := make([]string, 0, len(seen))
	for d := range seen {
		addrs = append(addrs, d)
	}
	sort.Strings(addrs)
	return addrs
}

// hashInputs produces a stable fingerprint of declared properties.
func hashInputs(props map[string]any) string {
	data, err := json.Marshal(normalizeValue(props))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func resolveReferences(val any, state *ir.State) any {
	switch v := val.(type) {
	case string:
		if len(v) > 6 && v[:6] == "ptr://" {
			for _, res := range state.Resources {
				matchPrefix := fmt.Sprintf("ptr://%s/%s/", res.Type, res.Name)
				if len(v) > len(matchPrefix) && v[:len(matchPrefix)] == matchPrefix {
					attr := v[len(matchPrefix):]
					if out, ok := res.Outputs[attr]; ok {
						return out
					}
					if in, ok := res.Inputs[attr]; ok {
						return in
					}
					return v
				}
			}
		}
		return v
	case map[string]any:
		newMap := make(map[string]any)
		for k, item := range v {
			newMap[k] = resolveReferences(item, state)
		}
		return newMap
	case []any:
		newSlice := make([]any, len(v))
		for i, item := range v {
			newSlice[i] = resolveReferences(item, state)
		}
		return newSlice
	default:
		return val
	}
}
