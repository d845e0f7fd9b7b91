// Package registry maps step names to factories and builds chains from
// pipeline configuration.
package registry

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-process/chain"
	"github.com/goliatone/go-process/config"
	"github.com/goliatone/go-process/execution"
	"github.com/goliatone/go-process/failure"
)

// Factory builds a step from the args of a StepConfig. name is the step
// name requested by the config, or the registered name when none was given.
type Factory func(name string, args map[string]any) (chain.Step, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func New() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds factory under name. Names are case-insensitive.
func (r *Registry) Register(name string, factory Factory) error {
	key := normalize(name)
	if key == "" {
		return errors.New("step name cannot be empty", errors.CategoryBadInput).
			WithTextCode("EMPTY_STEP_NAME")
	}
	if factory == nil {
		return errors.New("step factory cannot be nil", errors.CategoryBadInput).
			WithTextCode("NIL_STEP_FACTORY").
			WithMetadata(map[string]any{"step": name})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[key]; exists {
		return errors.New(fmt.Sprintf("step %s already registered", name), errors.CategoryConflict).
			WithTextCode("STEP_ALREADY_REGISTERED").
			WithMetadata(map[string]any{"step": name})
	}
	r.factories[key] = factory
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[normalize(name)]
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Step builds the step described by cfg.
func (r *Registry) Step(cfg config.StepConfig) (chain.Step, error) {
	r.mu.RLock()
	factory, ok := r.factories[normalize(cfg.Use)]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.New(fmt.Sprintf("step %s is not registered", cfg.Use), errors.CategoryNotFound).
			WithTextCode("STEP_NOT_FOUND").
			WithMetadata(map[string]any{"step": cfg.Use})
	}

	name := cfg.Name
	if name == "" {
		name = normalize(cfg.Use)
	}
	step, err := factory(name, cfg.Args)
	if err != nil {
		meta := map[string]any{"step": cfg.Use, "step_name": name}
		if failure.HasKind(err) {
			return nil, failure.Annotate(err, fmt.Sprintf("build step %s", name), meta)
		}
		return nil, errors.Wrap(err, errors.CategoryBadInput, fmt.Sprintf("build step %s", name)).
			WithTextCode("STEP_BUILD_FAILED").
			WithMetadata(meta)
	}

	if cfg.When == "" {
		return step, nil
	}
	property := cfg.When
	return chain.When(step, func(_ any, ec *execution.Context) bool {
		return execution.Property(ec, property, false)
	})
}

// Build turns a pipeline definition into a chain.
func (r *Registry) Build(p config.PipelineConfig, opts ...chain.Option) (*chain.Chain, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, "invalid pipeline").
			WithTextCode("INVALID_PIPELINE")
	}

	c := chain.New(p.Name, opts...)
	for idx, s := range p.Steps {
		step, err := r.Step(s)
		if err != nil {
			_ = c.Close()
			return nil, errors.Wrap(err, errors.CategoryBadInput, fmt.Sprintf("pipeline %s step[%d]", p.Name, idx)).
				WithMetadata(map[string]any{
					"pipeline":   p.Name,
					"step_index": idx,
				})
		}
		c.Append(step)
	}
	return c, nil
}

// BuildAll builds every pipeline of f keyed by name.
func (r *Registry) BuildAll(f config.File, opts ...chain.Option) (map[string]*chain.Chain, error) {
	out := make(map[string]*chain.Chain, len(f.Pipelines))
	for _, p := range f.Pipelines {
		c, err := r.Build(p, opts...)
		if err != nil {
			for _, built := range out {
				_ = built.Close()
			}
			return nil, err
		}
		out[p.Name] = c
	}
	return out, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
