package events

import (
	"github.com/goliatone/go-process/logging"
)

// Observer receives events from a bus subscription.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an adapter that lets you use a function as an Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) {
	f(e)
}

// LogObserver writes every event through a logger.
type LogObserver struct {
	Logger logging.Logger
}

func (o LogObserver) OnEvent(e Event) {
	logger := logging.WithFields(logging.Normalize(o.Logger), Fields(e))
	switch e.(type) {
	case ProcessFailed, ChainFailed:
		logger.Error("event %s", e.Type())
	default:
		logger.Info("event %s", e.Type())
	}
}

// Fields flattens an event into log fields.
func Fields(e Event) map[string]any {
	env := e.EventEnvelope()
	fields := map[string]any{
		"event_id":   env.ID,
		"event_type": e.Type(),
		"tenant":     env.Tenant,
		"source":     env.Source,
	}
	if env.CorrelationID != "" {
		fields["correlation_id"] = env.CorrelationID
	}
	for k, v := range env.Metadata {
		fields["meta_"+k] = v
	}

	switch ev := e.(type) {
	case ProcessStarted:
		fields["process"] = ev.ProcessName
		fields["instance_id"] = ev.InstanceID
		fields["scale"] = ev.Scale
		fields["environment"] = ev.Environment
		fields["parallelism"] = ev.RecommendedParallelism
	case ProcessCompleted:
		fields["process"] = ev.ProcessName
		fields["instance_id"] = ev.InstanceID
		fields["duration"] = ev.Duration.String()
		fields["items_processed"] = ev.ItemsProcessed
	case ProcessFailed:
		fields["process"] = ev.ProcessName
		fields["instance_id"] = ev.InstanceID
		fields["duration"] = ev.Duration.String()
		fields["error"] = ev.Message
	case ChainStarted:
		fields["chain"] = ev.ChainName
		fields["chain_id"] = ev.ChainID
		fields["step_count"] = ev.StepCount
	case ChainCompleted:
		fields["chain"] = ev.ChainName
		fields["chain_id"] = ev.ChainID
		fields["steps_completed"] = ev.StepsCompleted
		fields["duration"] = ev.Duration.String()
	case ChainFailed:
		fields["chain"] = ev.ChainName
		fields["chain_id"] = ev.ChainID
		fields["step_index"] = ev.StepIndex
		fields["step"] = ev.StepName
		fields["error"] = ev.Message
	case ScaleChanged:
		fields["context_id"] = ev.ContextID
		fields["old_scale"] = ev.OldScale
		fields["new_scale"] = ev.NewScale
	}
	return fields
}
