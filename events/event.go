// Package events defines the lifecycle notifications emitted by processes,
// chains and execution contexts, and the broadcast bus that delivers them.
package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	TypeProcessStarted   = "process.started"
	TypeProcessCompleted = "process.completed"
	TypeProcessFailed    = "process.failed"
	TypeChainStarted     = "chain.started"
	TypeChainCompleted   = "chain.completed"
	TypeChainFailed      = "chain.failed"
	TypeScaleChanged     = "context.scale_changed"
)

// Envelope holds the fields every event shares. Tenant and CorrelationID are
// stamped by the emitting context.
type Envelope struct {
	ID            string
	CreatedAt     time.Time
	Tenant        string
	Source        string
	CorrelationID string
	Metadata      map[string]any
}

// NewEnvelope returns an envelope with a fresh id and timestamp.
func NewEnvelope(source string) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Source:    source,
	}
}

// EventEnvelope returns a copy of the envelope.
func (e Envelope) EventEnvelope() Envelope {
	e.Metadata = cloneMetadata(e.Metadata)
	return e
}

// Meta returns a single metadata value.
func (e Envelope) Meta(key string) (any, bool) {
	v, ok := e.Metadata[key]
	return v, ok
}

// Event is an immutable notification. WithEnvelope returns a copy carrying
// the given envelope; the receiver is left untouched.
type Event interface {
	Type() string
	EventEnvelope() Envelope
	WithEnvelope(Envelope) Event
}

// WithMetadata returns a copy of e with key set in a new metadata map.
func WithMetadata(e Event, key string, value any) Event {
	env := e.EventEnvelope()
	if env.Metadata == nil {
		env.Metadata = make(map[string]any, 1)
	}
	env.Metadata[key] = value
	return e.WithEnvelope(env)
}

// Stamp applies the tenant unconditionally and the correlation id only when
// the event does not carry one.
func Stamp(e Event, tenant, correlationID string) Event {
	env := e.EventEnvelope()
	env.Tenant = tenant
	if env.CorrelationID == "" {
		env.CorrelationID = correlationID
	}
	return e.WithEnvelope(env)
}

type ProcessStarted struct {
	Envelope
	ProcessName            string
	InstanceID             string
	Scale                  string
	Environment            string
	RecommendedParallelism int
}

func (e ProcessStarted) Type() string { return TypeProcessStarted }

func (e ProcessStarted) WithEnvelope(env Envelope) Event {
	e.Envelope = env
	return e
}

type ProcessCompleted struct {
	Envelope
	ProcessName    string
	InstanceID     string
	Duration       time.Duration
	ItemsProcessed int64
	Metrics        map[string]any
}

func (e ProcessCompleted) Type() string { return TypeProcessCompleted }

func (e ProcessCompleted) WithEnvelope(env Envelope) Event {
	e.Envelope = env
	return e
}

type ProcessFailed struct {
	Envelope
	ProcessName string
	InstanceID  string
	Message     string
	Err         error
	Duration    time.Duration
}

func (e ProcessFailed) Type() string { return TypeProcessFailed }

func (e ProcessFailed) WithEnvelope(env Envelope) Event {
	e.Envelope = env
	return e
}

type ChainStarted struct {
	Envelope
	ChainID   string
	ChainName string
	StepCount int
}

func (e ChainStarted) Type() string { return TypeChainStarted }

func (e ChainStarted) WithEnvelope(env Envelope) Event {
	e.Envelope = env
	return e
}

type ChainCompleted struct {
	Envelope
	ChainID        string
	ChainName      string
	StepsCompleted int
	Duration       time.Duration
}

func (e ChainCompleted) Type() string { return TypeChainCompleted }

func (e ChainCompleted) WithEnvelope(env Envelope) Event {
	e.Envelope = env
	return e
}

type ChainFailed struct {
	Envelope
	ChainID   string
	ChainName string
	StepIndex int
	StepName  string
	Message   string
	Err       error
}

func (e ChainFailed) Type() string { return TypeChainFailed }

func (e ChainFailed) WithEnvelope(env Envelope) Event {
	e.Envelope = env
	return e
}

// ScaleChanged is emitted by a context when UpdateScale changes its scale.
type ScaleChanged struct {
	Envelope
	ContextID string
	OldScale  string
	NewScale  string
}

func (e ScaleChanged) Type() string { return TypeScaleChanged }

func (e ScaleChanged) WithEnvelope(env Envelope) Event {
	e.Envelope = env
	return e
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
