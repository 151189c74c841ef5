package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// ServiceMetrics holds the counters this service's components report
// against. A single instance is installed globally at boot via
// InitServiceMetrics; components fetch it with Metrics().
type ServiceMetrics struct {
	QueueDepth         metric.Int64UpDownCounter
	CacheHits          metric.Int64Counter
	CacheMisses        metric.Int64Counter
	BreakerTrips       metric.Int64Counter
	CheckpointsDropped metric.Int64Counter
}

var (
	metricsMu sync.RWMutex
	current   *ServiceMetrics
	noop      = &ServiceMetrics{
		QueueDepth:         noopUpDown{},
		CacheHits:          noopCounter{},
		CacheMisses:        noopCounter{},
		BreakerTrips:       noopCounter{},
		CheckpointsDropped: noopCounter{},
	}
)

// InitServiceMetrics creates the named instruments against the given meter
// provider and installs them as the process-wide ServiceMetrics.
func InitServiceMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter("streamorch")

	queueDepth, err := meter.Int64UpDownCounter("admission_queue_depth",
		metric.WithDescription("current number of waiters queued per identity"))
	if err != nil {
		return err
	}
	cacheHits, err := meter.Int64Counter("request_cache_hits_total")
	if err != nil {
		return err
	}
	cacheMisses, err := meter.Int64Counter("request_cache_misses_total")
	if err != nil {
		return err
	}
	breakerTrips, err := meter.Int64Counter("tool_circuit_breaker_trips_total")
	if err != nil {
		return err
	}
	checkpointsDropped, err := meter.Int64Counter("checkpoint_queue_dropped_total")
	if err != nil {
		return err
	}

	metricsMu.Lock()
	current = &ServiceMetrics{
		QueueDepth:         queueDepth,
		CacheHits:          cacheHits,
		CacheMisses:        cacheMisses,
		BreakerTrips:       breakerTrips,
		CheckpointsDropped: checkpointsDropped,
	}
	metricsMu.Unlock()
	return nil
}

// Metrics returns the installed ServiceMetrics, or a safe no-op set if OTel
// was never initialized (e.g. in unit tests or when no OTLP endpoint is
// configured) — components never need a nil check.
func Metrics() *ServiceMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if current == nil {
		return noop
	}
	return current
}

type noopUpDown struct{}

func (noopUpDown) Add(context.Context, int64, ...metric.AddOption) {}

type noopCounter struct{}

func (noopCounter) Add(context.Context, int64, ...metric.AddOption) {}
