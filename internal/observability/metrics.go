package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

func initInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter("crawl-admission")

	var err error
	admissionTotal, err = meter.Int64Counter(
		"crawl.admission.total",
		metric.WithDescription("Semaphore acquire outcomes per tenant"),
	)
	if err != nil {
		return err
	}

	feederCycleLatency, err = meter.Float64Histogram(
		"crawl.feeder.cycle.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken by one feeder orchestration cycle"),
	)
	if err != nil {
		return err
	}

	feederDispatched, err = meter.Int64Counter(
		"crawl.feeder.dispatched.total",
		metric.WithDescription("Pending jobs handed to the task runtime by the feeder"),
	)
	if err != nil {
		return err
	}

	watchdogRepairs, err = meter.Int64Counter(
		"crawl.watchdog.repairs.total",
		metric.WithDescription("Jobs and counters repaired by the orphan watchdog, by phase"),
	)
	if err != nil {
		return err
	}

	workerTaskDuration, err = meter.Float64Histogram(
		"crawl.worker.task.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to execute a crawl task"),
	)
	if err != nil {
		return err
	}

	workerTaskTotal, err = meter.Int64Counter(
		"crawl.worker.task.total",
		metric.WithDescription("Counts task outcomes processed by the worker pool"),
	)
	return err
}

// RecordAdmission counts a semaphore decision for a tenant.
func RecordAdmission(ctx context.Context, tenantID, outcome string) {
	if admissionTotal == nil {
		return
	}
	admissionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("admission.outcome", outcome),
	))
}

// FeederCycleMetrics describes a completed feeder cycle.
type FeederCycleMetrics struct {
	Leader     bool
	Tenants    int
	Dispatched int
	Duration   time.Duration
}

// RecordFeederCycle emits feeder cycle metrics when instrumentation is initialised.
func RecordFeederCycle(ctx context.Context, m FeederCycleMetrics) {
	if feederCycleLatency != nil {
		feederCycleLatency.Record(ctx, float64(m.Duration.Milliseconds()),
			metric.WithAttributes(attribute.Bool("feeder.leader", m.Leader)))
	}
	if feederDispatched != nil && m.Dispatched > 0 {
		feederDispatched.Add(ctx, int64(m.Dispatched))
	}
}

// RecordWatchdogRepairs counts repairs made by one watchdog phase.
func RecordWatchdogRepairs(ctx context.Context, phase string, n int) {
	if watchdogRepairs == nil || n == 0 {
		return
	}
	watchdogRepairs.Add(ctx, int64(n), metric.WithAttributes(attribute.String("watchdog.phase", phase)))
}

// WorkerTaskMetrics describes a processed task for metric recording.
type WorkerTaskMetrics struct {
	TenantID string
	Outcome  string
	Duration time.Duration
}

// RecordWorkerTask emits worker task metrics when instrumentation is initialised.
func RecordWorkerTask(ctx context.Context, m WorkerTaskMetrics) {
	attrs := metric.WithAttributes(
		attribute.String("tenant.id", m.TenantID),
		attribute.String("task.outcome", m.Outcome),
	)
	if workerTaskDuration != nil {
		workerTaskDuration.Record(ctx, float64(m.Duration.Milliseconds()), attrs)
	}
	if workerTaskTotal != nil {
		workerTaskTotal.Add(ctx, 1, attrs)
	}
}

// StartFeederCycleSpan starts a span covering one orchestration cycle.
func StartFeederCycleSpan(ctx context.Context) (context.Context, trace.Span) {
	t := feederTracer
	if t == nil {
		t = otel.Tracer("crawl-admission/feeder")
	}
	return t.Start(ctx, "feeder.cycle")
}
