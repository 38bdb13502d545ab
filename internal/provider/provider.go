// Package provider resolves analysis engines by name and runs them
// asynchronously behind a cancellable Future.
package provider

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"securityanalysis/internal/apperrors"
	"securityanalysis/internal/domain"
	"securityanalysis/internal/report"
	"securityanalysis/internal/workdir"
)

// InitialVariant is used when a run targets no explicit variant.
const InitialVariant = "InitialState"

// Input is everything an engine receives for one run. It must not be
// modified once handed to Dispatch.
type Input struct {
	ResultUUID    uuid.UUID
	NetworkUUID   uuid.UUID
	VariantID     string
	NetworkFile   string
	DumpFile      string
	WorkDir       *workdir.Dir
	DynamicModels func() []domain.DynamicModelConfig
	Contingencies func() []domain.Contingency
	Parameters    domain.EngineParameters
	Report        *report.Node
}

// Variant returns the target variant or InitialVariant.
func (in *Input) Variant() string {
	if in.VariantID == "" {
		return InitialVariant
	}
	return in.VariantID
}

// Engine is one pluggable computation implementation.
type Engine interface {
	Name() string
	// Run performs the computation. It is called on its own goroutine.
	Run(ctx context.Context, in *Input) (*domain.AnalysisResult, error)
	// Interruptible reports whether a started Run honors context cancellation.
	Interruptible() bool
}

// Registry maps engine names to engines. It is built once at startup and
// read-only afterwards.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry builds a registry. Engine names must be unique.
func NewRegistry(engines ...Engine) (*Registry, error) {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		if _, dup := r.engines[e.Name()]; dup {
			return nil, fmt.Errorf("duplicate engine %q", e.Name())
		}
		r.engines[e.Name()] = e
	}
	return r, nil
}

// Find returns the engine registered under name.
func (r *Registry) Find(name string) (Engine, bool) {
	e, ok := r.engines[name]
	return e, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.engines[name]
	return ok
}

// Names returns the registered engine names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch starts the named engine and returns immediately.
func (r *Registry) Dispatch(ctx context.Context, name string, in *Input) (*Future, error) {
	e, ok := r.Find(name)
	if !ok {
		return nil, apperrors.ProviderNotFound(name)
	}
	return Start(ctx, e, in), nil
}
