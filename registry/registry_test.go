package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	apperrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-process/chain"
	"github.com/goliatone/go-process/config"
	"github.com/goliatone/go-process/execution"
	"github.com/goliatone/go-process/failure"
	"github.com/goliatone/go-process/logging"
)

func upperFactory(name string, _ map[string]any) (chain.Step, error) {
	return chain.NewTransformStep(name, func(_ context.Context, s string) (string, error) {
		return strings.ToUpper(s), nil
	}), nil
}

func suffixFactory(name string, args map[string]any) (chain.Step, error) {
	value, _ := args["value"].(string)
	if value == "" {
		return nil, errors.New("value is required")
	}
	return chain.NewTransformStep(name, func(_ context.Context, s string) (string, error) {
		return s + value, nil
	}), nil
}

func textCode(t *testing.T, err error) string {
	t.Helper()
	var ge *apperrors.Error
	require.True(t, errors.As(err, &ge), "expected go-errors error, got %T", err)
	return ge.TextCode
}

func newContext(t *testing.T, props map[string]any) *execution.Context {
	t.Helper()
	ec, err := execution.ForDevelopment("acme",
		execution.WithLogger(logging.Nop{}),
		execution.WithProperties(props),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ec.Close() })
	return ec
}

func TestRegisterValidatesInput(t *testing.T) {
	r := New()

	assert.Equal(t, "EMPTY_STEP_NAME", textCode(t, r.Register(" ", upperFactory)))
	assert.Equal(t, "NIL_STEP_FACTORY", textCode(t, r.Register("upper", nil)))

	require.NoError(t, r.Register("Upper", upperFactory))
	assert.Equal(t, "STEP_ALREADY_REGISTERED", textCode(t, r.Register("upper", upperFactory)))

	assert.True(t, r.Has("UPPER"))
	assert.Equal(t, []string{"upper"}, r.Names())
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	r := New()
	r.MustRegister("upper", upperFactory)
	assert.Panics(t, func() { r.MustRegister("upper", upperFactory) })
}

func TestBuildPipeline(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("upper", upperFactory))
	require.NoError(t, r.Register("suffix", suffixFactory))

	c, err := r.Build(config.PipelineConfig{
		Name: "shout",
		Steps: []config.StepConfig{
			{Use: "upper"},
			{Use: "suffix", Name: "bang", Args: map[string]any{"value": "!"}},
		},
	})
	require.NoError(t, err)
	defer c.Close()

	info := c.StepInfo()
	require.Len(t, info, 2)
	assert.Equal(t, "upper", info[0].Name)
	assert.Equal(t, "bang", info[1].Name)

	out, err := chain.Execute[string](context.Background(), c, newContext(t, nil), "hi")
	require.NoError(t, err)
	assert.Equal(t, "HI!", out)
}

func TestBuildReportsUnknownAndBrokenSteps(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("suffix", suffixFactory))

	_, err := r.Build(config.PipelineConfig{Name: "p", Steps: []config.StepConfig{{Use: "missing"}}})
	require.Error(t, err)
	assert.Equal(t, "STEP_NOT_FOUND", textCode(t, err))

	_, err = r.Build(config.PipelineConfig{Name: "p", Steps: []config.StepConfig{{Use: "suffix"}}})
	require.Error(t, err)
	assert.Equal(t, "STEP_BUILD_FAILED", textCode(t, err))

	_, err = r.Build(config.PipelineConfig{Name: "p"})
	require.Error(t, err)
	assert.Equal(t, "INVALID_PIPELINE", textCode(t, err))
}

func TestBuildKeepsFactoryErrorKind(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("strict", func(name string, args map[string]any) (chain.Step, error) {
		return nil, failure.InvalidArgument("limit must be positive", map[string]any{"limit": args["limit"]})
	}))

	_, err := r.Build(config.PipelineConfig{Name: "p", Steps: []config.StepConfig{{Use: "strict", Name: "cap"}}})
	require.Error(t, err)
	assert.True(t, failure.IsInvalidArgument(err))
	assert.Contains(t, err.Error(), "limit must be positive")

	var ge *apperrors.Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "cap", ge.Metadata["step_name"])
	assert.Equal(t, 0, ge.Metadata["step_index"])
}

func TestWhenPropertyGuardsStep(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("upper", upperFactory))

	c, err := r.Build(config.PipelineConfig{
		Name:  "maybe",
		Steps: []config.StepConfig{{Use: "upper", When: "shout"}},
	})
	require.NoError(t, err)

	out, err := chain.Execute[string](context.Background(), c, newContext(t, nil), "quiet")
	require.NoError(t, err)
	assert.Equal(t, "quiet", out)

	out, err = chain.Execute[string](context.Background(), c, newContext(t, map[string]any{"shout": true}), "loud")
	require.NoError(t, err)
	assert.Equal(t, "LOUD", out)
}

func TestWhenRejectsTypeChangingSteps(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("length", func(name string, _ map[string]any) (chain.Step, error) {
		return chain.NewTransformStep(name, func(_ context.Context, s string) (int, error) {
			return len(s), nil
		}), nil
	}))

	_, err := r.Build(config.PipelineConfig{
		Name:  "bad",
		Steps: []config.StepConfig{{Use: "length", When: "flag"}},
	})
	require.Error(t, err)
	assert.True(t, failure.IsInvalidOperation(err))
}

func TestBuildAll(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("upper", upperFactory))

	chains, err := r.BuildAll(config.File{Pipelines: []config.PipelineConfig{
		{Name: "a", Steps: []config.StepConfig{{Use: "upper"}}},
		{Name: "b", Steps: []config.StepConfig{{Use: "upper"}, {Use: "upper"}}},
	}})
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.Equal(t, 2, chains["b"].Len())

	_, err = r.BuildAll(config.File{Pipelines: []config.PipelineConfig{
		{Name: "a", Steps: []config.StepConfig{{Use: "upper"}}},
		{Name: "b", Steps: []config.StepConfig{{Use: "nope"}}},
	}})
	assert.Error(t, err)
}

func TestWithTestRegistryIsolatesDefault(t *testing.T) {
	require.False(t, Default().Has("isolated"))

	WithTestRegistry(func() {
		require.NoError(t, Register("isolated", upperFactory))
		assert.True(t, Default().Has("isolated"))

		c, err := Build(config.PipelineConfig{Name: "iso", Steps: []config.StepConfig{{Use: "isolated"}}})
		require.NoError(t, err)
		assert.Equal(t, 1, c.Len())
	})

	assert.False(t, Default().Has("isolated"))
}
