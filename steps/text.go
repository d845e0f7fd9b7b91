// Package steps provides the built-in text steps available to config driven
// pipelines.
package steps

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/goliatone/go-process"
	"github.com/goliatone/go-process/chain"
	"github.com/goliatone/go-process/failure"
	"github.com/goliatone/go-process/registry"
)

// TextFunc transforms a single string.
type TextFunc func(string) string

var textFuncs = map[string]TextFunc{
	"trim":    strings.TrimSpace,
	"upper":   strings.ToUpper,
	"lower":   strings.ToLower,
	"reverse": Reverse,
}

func Reverse(s string) string {
	r := []rune(s)
	slices.Reverse(r)
	return string(r)
}

// Register adds every built-in step to r.
func Register(r *registry.Registry) error {
	for name, fn := range textFuncs {
		if err := r.Register(name, textFactory(fn)); err != nil {
			return err
		}
	}
	for name, factory := range map[string]registry.Factory{
		"replace": replaceFactory,
		"prefix":  prefixFactory,
		"split":   splitFactory,
		"join":    joinFactory,
		"map":     mapFactory,
	} {
		if err := r.Register(name, factory); err != nil {
			return err
		}
	}
	return nil
}

// Text wraps fn as a string to string step.
func Text(name string, fn TextFunc) chain.Step {
	return chain.NewTransformStep(name, func(_ context.Context, in string) (string, error) {
		return fn(in), nil
	})
}

// Map applies fn to every element of a []string input using the item
// strategy of the execution context. Output order matches input order.
func Map(name string, fn TextFunc) chain.Step {
	type indexed struct {
		i int
		s string
	}
	p := process.New(name, process.HandlerFunc[[]string, []string](func(ctx context.Context, run *process.Run, in []string) ([]string, error) {
		out := make([]string, len(in))
		items := make([]indexed, len(in))
		for i, s := range in {
			items[i] = indexed{i: i, s: s}
		}
		err := process.ProcessItems(ctx, run, items, func(_ context.Context, item indexed) error {
			out[item.i] = fn(item.s)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}))
	return chain.NewStep[[]string, []string](p)
}

func textFactory(fn TextFunc) registry.Factory {
	return func(name string, _ map[string]any) (chain.Step, error) {
		return Text(name, fn), nil
	}
}

func replaceFactory(name string, args map[string]any) (chain.Step, error) {
	old, err := requiredArg(args, "old")
	if err != nil {
		return nil, err
	}
	repl := stringArg(args, "new", "")
	return Text(name, func(s string) string {
		return strings.ReplaceAll(s, old, repl)
	}), nil
}

func prefixFactory(name string, args map[string]any) (chain.Step, error) {
	value, err := requiredArg(args, "value")
	if err != nil {
		return nil, err
	}
	return Text(name, func(s string) string {
		return value + s
	}), nil
}

func splitFactory(name string, args map[string]any) (chain.Step, error) {
	sep := stringArg(args, "sep", "")
	return chain.NewTransformStep(name, func(_ context.Context, in string) ([]string, error) {
		if sep == "" {
			return strings.Fields(in), nil
		}
		return strings.Split(in, sep), nil
	}), nil
}

func joinFactory(name string, args map[string]any) (chain.Step, error) {
	sep := stringArg(args, "sep", " ")
	return chain.NewTransformStep(name, func(_ context.Context, in []string) (string, error) {
		return strings.Join(in, sep), nil
	}), nil
}

func mapFactory(name string, args map[string]any) (chain.Step, error) {
	op, err := requiredArg(args, "op")
	if err != nil {
		return nil, err
	}
	fn, ok := textFuncs[strings.ToLower(op)]
	if !ok {
		return nil, failure.InvalidArgument(fmt.Sprintf("unknown map op %q", op), map[string]any{"op": op})
	}
	return Map(name, fn), nil
}

func stringArg(args map[string]any, key, def string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func requiredArg(args map[string]any, key string) (string, error) {
	v := stringArg(args, key, "")
	if v == "" {
		return "", failure.InvalidArgument(fmt.Sprintf("argument %q is required", key), map[string]any{"arg": key})
	}
	return v, nil
}
