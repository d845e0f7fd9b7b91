package execution

import (
	"strings"

	"github.com/goliatone/go-process/failure"
)

// TenantID identifies the tenant a context runs for.
type TenantID string

const (
	DefaultTenant TenantID = "default"
	SystemTenant  TenantID = "system"
)

// NewTenantID trims s and rejects empty identifiers.
func NewTenantID(s string) (TenantID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", failure.InvalidArgument("tenant id cannot be empty", nil)
	}
	return TenantID(s), nil
}

func (t TenantID) String() string { return string(t) }

// Scale is the workload size class that drives parallelism decisions.
type Scale int

const (
	ScaleSmall Scale = iota
	ScaleMedium
	ScaleLarge
	ScaleAuto
)

func (s Scale) String() string {
	switch s {
	case ScaleSmall:
		return "small"
	case ScaleMedium:
		return "medium"
	case ScaleLarge:
		return "large"
	case ScaleAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// ParseScale accepts the names returned by Scale.String, case-insensitive.
func ParseScale(s string) (Scale, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "small":
		return ScaleSmall, nil
	case "medium":
		return ScaleMedium, nil
	case "large":
		return ScaleLarge, nil
	case "", "auto":
		return ScaleAuto, nil
	}
	return ScaleAuto, failure.InvalidArgument("unknown scale "+s, map[string]any{"scale": s})
}

// Environment is the deployment environment a context runs in.
type Environment int

const (
	Development Environment = iota
	Testing
	Staging
	Production
)

func (e Environment) String() string {
	switch e {
	case Development:
		return "development"
	case Testing:
		return "testing"
	case Staging:
		return "staging"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}

// ParseEnvironment accepts full names and the usual short aliases.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "development", "dev":
		return Development, nil
	case "testing", "test":
		return Testing, nil
	case "staging", "stage":
		return Staging, nil
	case "production", "prod":
		return Production, nil
	}
	return Development, failure.InvalidArgument("unknown environment "+s, map[string]any{"environment": s})
}

// ResolveScale maps Auto to a concrete scale for env. Concrete scales are
// returned unchanged.
func ResolveScale(scale Scale, env Environment) Scale {
	if scale != ScaleAuto {
		return scale
	}
	switch env {
	case Development, Testing:
		return ScaleSmall
	case Staging:
		return ScaleMedium
	case Production:
		return ScaleLarge
	default:
		return ScaleSmall
	}
}
