// Package execution provides the execution context that parameterizes how
// processes and chains run: who they run for (tenant), where (environment)
// and how big the workload is (scale).
package execution

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-process/events"
	"github.com/goliatone/go-process/failure"
	"github.com/goliatone/go-process/logging"
)

// Well known property keys seeded by the convenience constructors.
const (
	PropertyDebug      = "debug"
	PropertyLogLevel   = "log_level"
	PropertyMonitoring = "monitoring_enabled"
	PropertyResilience = "resilience_enabled"
)

// Context is created once per logical unit of work. Tenant, environment and
// identity never change; scale changes only through UpdateScale and is never
// Auto.
type Context struct {
	id            string
	tenant        TenantID
	environment   Environment
	createdAt     time.Time
	userID        string
	correlationID string
	cpuCount      int

	scaleMu sync.RWMutex
	scale   Scale

	propsMu    sync.RWMutex
	properties map[string]any

	bus    *events.Bus
	logger logging.Logger
	closed atomic.Bool
}

// Option configures a Context.
type Option func(*Context)

func WithUserID(id string) Option {
	return func(c *Context) {
		c.userID = id
	}
}

func WithCorrelationID(id string) Option {
	return func(c *Context) {
		c.correlationID = id
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(c *Context) {
		c.logger = logger
	}
}

// WithCPUCount overrides the host CPU count used by RecommendedParallelism.
func WithCPUCount(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.cpuCount = n
		}
	}
}

// WithProperties seeds the property bag.
func WithProperties(props map[string]any) Option {
	return func(c *Context) {
		for k, v := range props {
			c.properties[k] = v
		}
	}
}

// New creates a context. Auto scale is resolved from env.
func New(tenant TenantID, env Environment, scale Scale, opts ...Option) (*Context, error) {
	t, err := NewTenantID(string(tenant))
	if err != nil {
		return nil, err
	}

	c := &Context{
		id:          uuid.NewString(),
		tenant:      t,
		environment: env,
		scale:       ResolveScale(scale, env),
		createdAt:   time.Now().UTC(),
		cpuCount:    runtime.NumCPU(),
		properties:  make(map[string]any),
		bus:         events.NewBus(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = logging.Normalize(c.logger)
	return c, nil
}

// ForDevelopment builds a small development context with debug properties.
func ForDevelopment(tenant TenantID, opts ...Option) (*Context, error) {
	c, err := New(tenant, Development, ScaleSmall, opts...)
	if err != nil {
		return nil, err
	}
	c.SetProperty(PropertyDebug, true).
		SetProperty(PropertyLogLevel, "debug")
	return c, nil
}

// ForProduction builds a production context. Scale defaults to Auto, which
// resolves to Large.
func ForProduction(tenant TenantID, scale Scale, opts ...Option) (*Context, error) {
	c, err := New(tenant, Production, scale, opts...)
	if err != nil {
		return nil, err
	}
	c.SetProperty(PropertyDebug, false).
		SetProperty(PropertyLogLevel, "info").
		SetProperty(PropertyMonitoring, true).
		SetProperty(PropertyResilience, true)
	return c, nil
}

func (c *Context) ID() string               { return c.id }
func (c *Context) Tenant() TenantID         { return c.tenant }
func (c *Context) Environment() Environment { return c.environment }
func (c *Context) CreatedAt() time.Time     { return c.createdAt }
func (c *Context) UserID() string           { return c.userID }
func (c *Context) CorrelationID() string    { return c.correlationID }
func (c *Context) CPUCount() int            { return c.cpuCount }
func (c *Context) Logger() logging.Logger   { return c.logger }
func (c *Context) Closed() bool             { return c.closed.Load() }

func (c *Context) Scale() Scale {
	c.scaleMu.RLock()
	defer c.scaleMu.RUnlock()
	return c.scale
}

// LogFields returns the fields processes attach to their loggers.
func (c *Context) LogFields() map[string]any {
	fields := map[string]any{
		"context_id":  c.id,
		"tenant":      string(c.tenant),
		"environment": c.environment.String(),
		"scale":       c.Scale().String(),
	}
	if c.correlationID != "" {
		fields["correlation_id"] = c.correlationID
	}
	return fields
}

// EmitEvent stamps the event and publishes it without waiting for
// subscribers.
func (c *Context) EmitEvent(e events.Event) error {
	if c.closed.Load() {
		return failure.ObjectDisposed("execution context is closed", map[string]any{
			"context_id": c.id,
		})
	}
	if e == nil {
		return failure.InvalidArgument("event cannot be nil", nil)
	}
	return c.bus.Publish(events.Stamp(e, string(c.tenant), c.correlationID))
}

// Subscribe returns a subscription to the context events. On a closed
// context the subscription channel is already closed. The caller must drain
// the channel or Unsubscribe, see events.Bus.Subscribe.
func (c *Context) Subscribe() *events.Subscription {
	return c.bus.Subscribe()
}

// Observe forwards context events to obs, see events.Bus.Observe.
func (c *Context) Observe(obs events.Observer) (*events.Subscription, <-chan struct{}) {
	return c.bus.Observe(obs)
}

// CreateChildContext copies tenant, environment, scale, user id and a
// snapshot of the properties into a new context with its own identity and
// event bus. Without an explicit id a new correlation id is generated.
func (c *Context) CreateChildContext(correlationID ...string) (*Context, error) {
	if c.closed.Load() {
		return nil, failure.ObjectDisposed("execution context is closed", map[string]any{
			"context_id": c.id,
		})
	}

	corr := uuid.NewString()
	if len(correlationID) > 0 && correlationID[0] != "" {
		corr = correlationID[0]
	}

	return New(c.tenant, c.environment, c.Scale(),
		WithUserID(c.userID),
		WithCorrelationID(corr),
		WithLogger(c.logger),
		WithCPUCount(c.cpuCount),
		WithProperties(c.Properties()),
	)
}

// UpdateScale changes the scale and emits ScaleChanged. Setting the current
// value again is a no-op. Auto is resolved against the environment first.
func (c *Context) UpdateScale(scale Scale) error {
	if c.closed.Load() {
		return failure.ObjectDisposed("execution context is closed", map[string]any{
			"context_id": c.id,
		})
	}

	scale = ResolveScale(scale, c.environment)

	c.scaleMu.Lock()
	old := c.scale
	if old == scale {
		c.scaleMu.Unlock()
		return nil
	}
	c.scale = scale
	c.scaleMu.Unlock()

	c.logger.Debug("context %s scale changed from %s to %s", c.id, old, scale)

	return c.EmitEvent(events.ScaleChanged{
		Envelope:  events.NewEnvelope("execution.context"),
		ContextID: c.id,
		OldScale:  old.String(),
		NewScale:  scale.String(),
	})
}

// RecommendedParallelism is 1 for small, max(2, cpu/2) for medium and
// 2*cpu for large workloads.
func (c *Context) RecommendedParallelism() int {
	return RecommendedParallelism(c.Scale(), c.cpuCount)
}

// RecommendedParallelism is the pure form of Context.RecommendedParallelism.
func RecommendedParallelism(scale Scale, cpu int) int {
	if cpu < 1 {
		cpu = 1
	}
	switch scale {
	case ScaleMedium:
		return max(2, cpu/2)
	case ScaleLarge:
		return 2 * cpu
	default:
		return 1
	}
}

func (c *Context) ShouldUseParallelExecution() bool {
	s := c.Scale()
	return s == ScaleMedium || s == ScaleLarge
}

func (c *Context) ShouldUseDistributedExecution() bool {
	return c.Scale() == ScaleLarge && c.environment == Production
}

// Close finalizes the event stream. Close is idempotent.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.bus.Close()
	return nil
}
