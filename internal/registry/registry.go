// Package registry implements the Service Task Registry (C4): a frozen-
// after-startup map of task id to Handler, with declared input/output
// bindings and JSON-Schema type constraints (spec.md §3 "Service Task
// Definition", §4.4).
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/weavergen/engine/internal/runctx"
	"github.com/weavergen/engine/internal/spanrecorder"
	"github.com/weavergen/engine/internal/werrors"
)

// Category is the task's domain grouping, used by the Quality Scorer's
// coverage metric (spec.md §4.8) and by List's category filter.
type Category string

const (
	CategorySemantic   Category = "semantic"
	CategoryAI         Category = "ai"
	CategoryGeneration Category = "generation"
	CategoryValidation Category = "validation"
	CategoryUtility    Category = "utility"
	CategoryWeaver     Category = "weaver"
)

// Handler is the service task contract of spec.md §6: given declared
// inputs, a span handle to annotate, and a read/write view of the run's
// context, it returns declared outputs or an error; the Policy wrapper
// wraps a returned error in werrors.ErrHandlerFailed.
type Handler func(ctx context.Context, inputs map[string]any, span spanrecorder.Handle, view *runctx.View) (map[string]any, error)

// Definition is a registered, immutable-after-registration service task.
type Definition struct {
	ID                 string
	Category           Category
	InputKeys          []string
	OutputKeys         []string
	InputSchema        *jsonschema.Schema // optional; nothing in the engine validates inputs against it
	OutputSchema       *jsonschema.Schema
	Handler            Handler
	DefaultTimeoutMS   int
	DefaultMaxAttempts int
	Compensable        bool
	Idempotent         bool
}

// CatalogEntry is the human-readable projection returned by Describe.
type CatalogEntry struct {
	ID          string   `json:"id"`
	Category    string   `json:"category"`
	Inputs      []string `json:"inputs"`
	Outputs     []string `json:"outputs"`
	Compensable bool     `json:"compensable"`
	Idempotent  bool     `json:"idempotent"`
}

// Registry is immutable once the engine starts running processes (spec.md
// §9 "Global state"); registration happens only during setup.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Definition
	order []string
}

func New() *Registry {
	return &Registry{byID: map[string]*Definition{}}
}

// Register validates and adds a Definition. A duplicate id fails with
// werrors.ErrDuplicateTaskId; an empty id, a nil handler or malformed
// input/output declarations fail with a plain registry error.
func (r *Registry) Register(def *Definition) error {
	if def.ID == "" {
		return fmt.Errorf("registry: definition has empty id")
	}
	if err := validateKeys("inputs", def.InputKeys); err != nil {
		return fmt.Errorf("registry: task %q: %w", def.ID, err)
	}
	if err := validateKeys("outputs", def.OutputKeys); err != nil {
		return fmt.Errorf("registry: task %q: %w", def.ID, err)
	}
	if def.Handler == nil {
		return fmt.Errorf("registry: task %q: nil handler", def.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[def.ID]; exists {
		return fmt.Errorf("%w: %q", werrors.ErrDuplicateTaskId, def.ID)
	}
	r.byID[def.ID] = def
	r.order = append(r.order, def.ID)
	return nil
}

func validateKeys(kind string, keys []string) error {
	seen := map[string]bool{}
	for _, k := range keys {
		if k == "" {
			return fmt.Errorf("%s contains an empty key", kind)
		}
		if seen[k] {
			return fmt.Errorf("%s declares key %q more than once", kind, k)
		}
		seen[k] = true
	}
	return nil
}

// Lookup returns the definition for id, or werrors.ErrUnknownTaskRef.
func (r *Registry) Lookup(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", werrors.ErrUnknownTaskRef, id)
	}
	return def, nil
}

// List returns definitions in registration order, optionally filtered by
// category.
func (r *Registry) List(category Category) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Definition
	for _, id := range r.order {
		def := r.byID[id]
		if category == "" || def.Category == category {
			out = append(out, def)
		}
	}
	return out
}

// Categories returns every distinct category that has at least one
// registered task, sorted — used by the Quality Scorer's coverage metric
// denominator.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := map[string]bool{}
	for _, def := range r.byID {
		set[string(def.Category)] = true
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Describe renders a catalog entry for id.
func (r *Registry) Describe(id string) (CatalogEntry, error) {
	def, err := r.Lookup(id)
	if err != nil {
		return CatalogEntry{}, err
	}
	return CatalogEntry{
		ID: def.ID, Category: string(def.Category),
		Inputs: def.InputKeys, Outputs: def.OutputKeys,
		Compensable: def.Compensable, Idempotent: def.Idempotent,
	}, nil
}

// ValidateOutput checks a handler's returned outputs against its declared
// output keys and, if present, its JSON Schema — used by the Policy wrapper
// immediately after a successful handler call, and by Mock Mode on its
// synthesized outputs (spec.md §4.4, §5 "Handlers must not ... write
// outside declared outputs").
func (def *Definition) ValidateOutput(outputs map[string]any) error {
	declared := map[string]bool{}
	for _, k := range def.OutputKeys {
		declared[k] = true
	}
	for k := range outputs {
		if !declared[k] {
			return fmt.Errorf("task %q wrote undeclared output key %q", def.ID, k)
		}
	}
	if def.OutputSchema != nil {
		if err := def.OutputSchema.Validate(toAny(outputs)); err != nil {
			return fmt.Errorf("task %q output failed schema validation: %w", def.ID, err)
		}
	}
	return nil
}

func toAny(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
