package chain

import (
	"context"
	"fmt"
	"io"
	"reflect"

	"github.com/goliatone/go-process"
	"github.com/goliatone/go-process/execution"
	"github.com/goliatone/go-process/failure"
)

// Step is a type-erased chain stage. Execute checks the actual input against
// InputType before running.
type Step interface {
	Name() string
	InputType() reflect.Type
	OutputType() reflect.Type
	Execute(ctx context.Context, ec *execution.Context, input any) (any, error)
	Close() error
}

// TransformFunc is a bare function usable as a chain step.
type TransformFunc[In, Out any] func(ctx context.Context, input In) (Out, error)

// Predicate decides whether a conditional step runs.
type Predicate[T any] func(input T, ec *execution.Context) bool

type typedStep[In, Out any] struct {
	name   string
	run    func(ctx context.Context, ec *execution.Context, input In) (Out, error)
	closer io.Closer
}

// NewStep wraps executor as a step. When name is omitted the executor name
// is used. Executors implementing io.Closer are closed with the step.
func NewStep[In, Out any](executor process.Executor[In, Out], name ...string) Step {
	s := &typedStep[In, Out]{
		name: stepName(executor.Name(), name),
		run:  executor.Execute,
	}
	if closer, ok := executor.(io.Closer); ok {
		s.closer = closer
	}
	return s
}

// NewTransformStep wraps fn in an anonymous process.
func NewTransformStep[In, Out any](name string, fn TransformFunc[In, Out]) Step {
	p := process.New(name, process.HandlerFunc[In, Out](func(ctx context.Context, _ *process.Run, input In) (Out, error) {
		return fn(ctx, input)
	}))
	return NewStep[In, Out](p)
}

// NewConditionalStep runs executor only when pred holds; otherwise the input
// passes through unchanged. A nil predicate always runs the executor.
func NewConditionalStep[T any](pred Predicate[T], executor process.Executor[T, T], name ...string) Step {
	s := &typedStep[T, T]{
		name: stepName(executor.Name(), name),
		run: func(ctx context.Context, ec *execution.Context, input T) (T, error) {
			if pred != nil && !pred(input, ec) {
				return input, nil
			}
			return executor.Execute(ctx, ec, input)
		},
	}
	if closer, ok := executor.(io.Closer); ok {
		s.closer = closer
	}
	return s
}

// When guards an already built step with pred. The step output must be
// assignable to its input so a skipped step can pass the input through.
func When(step Step, pred func(input any, ec *execution.Context) bool) (Step, error) {
	if step == nil {
		return nil, failure.InvalidArgument("step cannot be nil", nil)
	}
	if !step.OutputType().AssignableTo(step.InputType()) {
		return nil, failure.InvalidOperation(
			fmt.Sprintf("conditional step %s must return its input type %s, got %s", step.Name(), step.InputType(), step.OutputType()),
			map[string]any{"step": step.Name()},
		)
	}
	return &guardedStep{Step: step, pred: pred}, nil
}

type guardedStep struct {
	Step
	pred func(input any, ec *execution.Context) bool
}

func (g *guardedStep) Execute(ctx context.Context, ec *execution.Context, input any) (any, error) {
	if g.pred != nil && !g.pred(input, ec) {
		return input, nil
	}
	return g.Step.Execute(ctx, ec, input)
}

func (s *typedStep[In, Out]) Name() string             { return s.name }
func (s *typedStep[In, Out]) InputType() reflect.Type  { return reflect.TypeFor[In]() }
func (s *typedStep[In, Out]) OutputType() reflect.Type { return reflect.TypeFor[Out]() }

func (s *typedStep[In, Out]) Execute(ctx context.Context, ec *execution.Context, input any) (any, error) {
	in, ok := input.(In)
	if !ok && (input != nil || !nillable(s.InputType())) {
		return nil, failure.InvalidOperation(
			fmt.Sprintf("step %s expects input of type %s, got %T", s.name, s.InputType(), input),
			map[string]any{
				"step":          s.name,
				"expected_type": s.InputType().String(),
				"actual_type":   fmt.Sprintf("%T", input),
			},
		)
	}
	return s.run(ctx, ec, in)
}

func (s *typedStep[In, Out]) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func stepName(fallback string, name []string) string {
	if len(name) > 0 && name[0] != "" {
		return name[0]
	}
	return fallback
}

// nillable reports whether a nil value is a valid instance of t.
func nillable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
		return true
	}
	return false
}
