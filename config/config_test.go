package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-process/execution"
	"github.com/goliatone/go-process/failure"
	"github.com/goliatone/go-process/logging"
)

const sampleYAML = `
context:
  tenant: acme
  environment: production
  scale: auto
  user_id: u-1
  cpu_count: 4
  properties:
    shout: true
logging:
  level: debug
  format: json
pipelines:
  - name: text
    steps:
      - use: trim
      - use: upper
        when: shout
      - use: prefix
        args:
          value: ">> "
schedules:
  - pipeline: text
    expression: "@every 1m"
    input: "  hello  "
`

func TestParseYAML(t *testing.T) {
	f, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "acme", f.Context.Tenant)
	assert.Equal(t, 4, f.Context.CPUCount)
	assert.Equal(t, "json", f.Logging.Format)
	require.Len(t, f.Pipelines, 1)
	assert.Equal(t, "shout", f.Pipelines[0].Steps[1].When)
	assert.Equal(t, ">> ", f.Pipelines[0].Steps[2].Args["value"])
	require.Len(t, f.Schedules, 1)
	assert.Equal(t, "@every 1m", f.Schedules[0].Expression)

	p, ok := f.Pipeline("text")
	assert.True(t, ok)
	assert.Len(t, p.Steps, 3)
	_, ok = f.Pipeline("missing")
	assert.False(t, ok)
}

func TestParseJSON(t *testing.T) {
	f, err := Parse([]byte(`{
		"context": {"tenant": "acme", "environment": "dev"},
		"pipelines": [{"name": "p", "steps": [{"use": "trim"}]}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "dev", f.Context.Environment)
	assert.Equal(t, "trim", f.Pipelines[0].Steps[0].Use)
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"syntax":       "context: [",
		"tenant":       "context: {environment: dev}",
		"environment":  "context: {tenant: a, environment: moon}",
		"scale":        "context: {tenant: a, environment: dev, scale: huge}",
		"no steps":     "context: {tenant: a, environment: dev}\npipelines: [{name: p}]",
		"step use":     "context: {tenant: a, environment: dev}\npipelines: [{name: p, steps: [{name: x}]}]",
		"duplicate":    "context: {tenant: a, environment: dev}\npipelines: [{name: p, steps: [{use: a}]}, {name: p, steps: [{use: a}]}]",
		"schedule ref": "context: {tenant: a, environment: dev}\nschedules: [{pipeline: nope, expression: '@daily'}]",
		"schedule exp": "context: {tenant: a, environment: dev}\npipelines: [{name: p, steps: [{use: a}]}]\nschedules: [{pipeline: p}]",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, failure.IsInvalidArgument(err))
		})
	}
}

func TestContextBuild(t *testing.T) {
	f, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	ec, err := f.Context.Build(execution.WithLogger(logging.Nop{}))
	require.NoError(t, err)
	defer ec.Close()

	assert.Equal(t, execution.TenantID("acme"), ec.Tenant())
	assert.Equal(t, execution.Production, ec.Environment())
	assert.Equal(t, execution.ScaleLarge, ec.Scale())
	assert.Equal(t, "u-1", ec.UserID())
	assert.Equal(t, 8, ec.RecommendedParallelism())
	assert.True(t, execution.Property(ec, "shout", false))
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("PROCESS_TENANT", "from-env")

	path := filepath.Join(t.TempDir(), "process.yaml")
	doc := "context:\n  tenant: ${PROCESS_TENANT}\n  environment: staging\npipelines:\n  - name: p\n    steps: [{use: trim}]\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", f.Context.Tenant)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, failure.IsInvalidArgument(err))
}

func TestLoggingBuild(t *testing.T) {
	buf := &bytes.Buffer{}
	LoggingConfig{Format: "json", Level: "info"}.Build(buf).Info("hello %s", "json")
	assert.Contains(t, buf.String(), "hello json")

	buf.Reset()
	logger := LoggingConfig{}.Build(buf)
	_, ok := logger.(*logging.FmtLogger)
	assert.True(t, ok)

	quiet := LoggingConfig{Level: "error"}.Build(buf)
	quiet.Info("dropped")
	quiet.Error("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}
