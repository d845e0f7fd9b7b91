// Package config loads execution contexts, pipelines and schedules from YAML
// or JSON files.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-process/execution"
	"github.com/goliatone/go-process/failure"
	"github.com/goliatone/go-process/logging"
)

// File is the top level document.
type File struct {
	Context   ContextConfig    `json:"context" yaml:"context"`
	Logging   LoggingConfig    `json:"logging,omitempty" yaml:"logging,omitempty"`
	Pipelines []PipelineConfig `json:"pipelines" yaml:"pipelines"`
	Schedules []ScheduleConfig `json:"schedules,omitempty" yaml:"schedules,omitempty"`
}

// ContextConfig describes an execution context.
type ContextConfig struct {
	Tenant        string         `json:"tenant" yaml:"tenant"`
	Environment   string         `json:"environment" yaml:"environment"`
	Scale         string         `json:"scale,omitempty" yaml:"scale,omitempty"`
	UserID        string         `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
	CPUCount      int            `json:"cpu_count,omitempty" yaml:"cpu_count,omitempty"`
	Properties    map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// PipelineConfig names an ordered list of registered steps.
type PipelineConfig struct {
	Name  string       `json:"name" yaml:"name"`
	Steps []StepConfig `json:"steps" yaml:"steps"`
}

// StepConfig references a registered step by name. When is the name of a
// boolean context property; the step is skipped while it is false.
type StepConfig struct {
	Use  string         `json:"use" yaml:"use"`
	Name string         `json:"name,omitempty" yaml:"name,omitempty"`
	When string         `json:"when,omitempty" yaml:"when,omitempty"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// ScheduleConfig runs a pipeline on a cron expression.
type ScheduleConfig struct {
	Pipeline   string `json:"pipeline" yaml:"pipeline"`
	Expression string `json:"expression" yaml:"expression"`
	Input      string `json:"input,omitempty" yaml:"input,omitempty"`
}

// Load reads path, expands environment variables and parses the result.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, failure.New(failure.ErrInvalidArgument, fmt.Sprintf("read config %s", path), err, map[string]any{
			"path": path,
		})
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes YAML or JSON and validates the result.
func Parse(data []byte) (File, error) {
	var f File
	// yaml handles JSON documents too
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, failure.New(failure.ErrInvalidArgument, "decode config", err, nil)
	}
	if err := f.Validate(); err != nil {
		return f, failure.New(failure.ErrInvalidArgument, "invalid config", err, nil)
	}
	return f, nil
}

// Validate performs structural validation.
func (f File) Validate() error {
	if err := f.Context.Validate(); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	seen := make(map[string]bool, len(f.Pipelines))
	for idx, p := range f.Pipelines {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("pipelines[%d]: %w", idx, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("pipelines[%d]: duplicate pipeline %s", idx, p.Name)
		}
		seen[p.Name] = true
	}
	for idx, s := range f.Schedules {
		if strings.TrimSpace(s.Expression) == "" {
			return fmt.Errorf("schedules[%d]: expression is required", idx)
		}
		if !seen[s.Pipeline] {
			return fmt.Errorf("schedules[%d]: unknown pipeline %q", idx, s.Pipeline)
		}
	}
	return nil
}

// Pipeline returns the pipeline called name.
func (f File) Pipeline(name string) (PipelineConfig, bool) {
	for _, p := range f.Pipelines {
		if p.Name == name {
			return p, true
		}
	}
	return PipelineConfig{}, false
}

func (c ContextConfig) Validate() error {
	if strings.TrimSpace(c.Tenant) == "" {
		return fmt.Errorf("tenant is required")
	}
	if _, err := execution.ParseEnvironment(c.Environment); err != nil {
		return fmt.Errorf("environment %q is not supported", c.Environment)
	}
	if _, err := execution.ParseScale(c.Scale); err != nil {
		return fmt.Errorf("scale %q is not supported", c.Scale)
	}
	return nil
}

// Build creates the execution context. opts are applied after the values
// from the file.
func (c ContextConfig) Build(opts ...execution.Option) (*execution.Context, error) {
	env, err := execution.ParseEnvironment(c.Environment)
	if err != nil {
		return nil, err
	}
	scale, err := execution.ParseScale(c.Scale)
	if err != nil {
		return nil, err
	}

	base := []execution.Option{
		execution.WithUserID(c.UserID),
		execution.WithCorrelationID(c.CorrelationID),
		execution.WithCPUCount(c.CPUCount),
		execution.WithProperties(c.Properties),
	}
	return execution.New(execution.TenantID(c.Tenant), env, scale, append(base, opts...)...)
}

func (p PipelineConfig) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline %s requires steps", p.Name)
	}
	for idx, s := range p.Steps {
		if strings.TrimSpace(s.Use) == "" {
			return fmt.Errorf("pipeline %s step[%d]: use is required", p.Name, idx)
		}
	}
	return nil
}

// Build returns a JSON logger for format "json" and a plain text logger
// otherwise.
func (c LoggingConfig) Build(w io.Writer) logging.Logger {
	if strings.EqualFold(c.Format, "json") {
		return logging.NewJSON(w, c.Level)
	}
	return logging.NewFmtLogger(w).WithMinLevel(c.Level)
}
