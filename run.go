package process

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-process/execution"
	"github.com/goliatone/go-process/logging"
	"github.com/goliatone/go-process/runner"
)

// Standard metric keys.
const (
	MetricScale                  = "scale"
	MetricEnvironment            = "environment"
	MetricTenant                 = "tenant"
	MetricRecommendedParallelism = "recommended_parallelism"
	MetricStrategy               = "strategy"
	MetricItemsTotal             = "items_total"
	MetricElapsedMs              = "elapsed_ms"
	MetricItemsPerSecond         = "items_per_second"
	MetricDistributedFallback    = "distributed_fallback"
)

// Run is the per-execution handle handed to handlers. It carries the bound
// execution context and accumulates progress. Counters and metrics are safe
// for concurrent item handlers.
type Run struct {
	id   string
	name string

	ec          *execution.Context
	logger      logging.Logger
	itemOptions []runner.Option

	items atomic.Int64

	mu        sync.RWMutex
	metrics   map[string]any
	startedAt time.Time
	stoppedAt time.Time
}

func newRun(id, name string) *Run {
	return &Run{
		id:      id,
		name:    name,
		logger:  logging.Nop{},
		metrics: make(map[string]any),
	}
}

func (r *Run) ID() string                  { return r.id }
func (r *Run) Name() string                { return r.name }
func (r *Run) Context() *execution.Context { return r.ec }
func (r *Run) Logger() logging.Logger      { return r.logger }
func (r *Run) ItemsProcessed() int64       { return r.items.Load() }

// Strategy is the execution strategy derived from the bound context.
func (r *Run) Strategy() Strategy {
	return DetermineStrategy(r.ec)
}

// Elapsed is the time since the clock started, frozen once it stops.
func (r *Run) Elapsed() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.elapsedLocked()
}

func (r *Run) elapsedLocked() time.Duration {
	switch {
	case r.startedAt.IsZero():
		return 0
	case !r.stoppedAt.IsZero():
		return r.stoppedAt.Sub(r.startedAt)
	default:
		return time.Since(r.startedAt)
	}
}

func (r *Run) SetMetric(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[key] = value
}

func (r *Run) Metric(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.metrics[key]
	return v, ok
}

// Metrics returns a snapshot of the metrics map.
func (r *Run) Metrics() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.metrics))
	for k, v := range r.metrics {
		out[k] = v
	}
	return out
}

// UpdateProgress overwrites the items-processed counter, merges extra into
// the metrics and refreshes the elapsed time and throughput metrics.
func (r *Run) UpdateProgress(itemsProcessed int64, extra map[string]any) {
	r.items.Store(itemsProcessed)

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range extra {
		r.metrics[k] = v
	}
	r.refreshRatesLocked()
}

func (r *Run) refreshRatesLocked() {
	elapsed := r.elapsedLocked()
	r.metrics[MetricElapsedMs] = elapsed.Milliseconds()

	rate := 0.0
	if seconds := elapsed.Seconds(); seconds > 0 {
		rate = float64(r.items.Load()) / seconds
	}
	r.metrics[MetricItemsPerSecond] = rate
}

func (r *Run) bind(ec *execution.Context, logger logging.Logger, itemOptions []runner.Option) {
	r.ec = ec
	r.logger = logging.Normalize(logger)
	r.itemOptions = itemOptions

	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[MetricScale] = ec.Scale().String()
	r.metrics[MetricEnvironment] = ec.Environment().String()
	r.metrics[MetricTenant] = ec.Tenant().String()
	r.metrics[MetricRecommendedParallelism] = ec.RecommendedParallelism()
	r.metrics[MetricStrategy] = DetermineStrategy(ec).String()
}

func (r *Run) addItem() {
	r.items.Add(1)
}

func (r *Run) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startedAt = time.Now()
	r.stoppedAt = time.Time{}
}

func (r *Run) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startedAt.IsZero() || !r.stoppedAt.IsZero() {
		return
	}
	r.stoppedAt = time.Now()
	r.refreshRatesLocked()
}
