package metrics

import (
	"context"
	"sync"
	"time"

	"fleetwatch/internal/telemetry"
	"fleetwatch/pkg/logger"
	"fleetwatch/pkg/models"
)

const (
	DefaultCapacity   = 100
	defaultWriteLimit = 15 * time.Second
)

// BatchWriter is the slice of the repository the buffer needs.
type BatchWriter interface {
	InsertMetricBatch(ctx context.Context, samples []models.MetricSample) error
	InsertPerformanceBatch(ctx context.Context, samples []models.PerformanceSample) error
}

// Buffer collects metric and performance samples in memory and writes
// them to the repository in batches. Record appends under a mutex and
// performs no I/O unless the append fills the buffer, in which case the
// full buffer is flushed synchronously. A failed batch write is put back
// at the front of the live buffer and retried by the next flush; samples
// are never silently dropped.
type Buffer struct {
	writer       BatchWriter
	capacity     int
	writeTimeout time.Duration

	mu      sync.Mutex
	metrics []models.MetricSample
	perf    []models.PerformanceSample
}

func NewBuffer(writer BatchWriter, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		writer:       writer,
		capacity:     capacity,
		writeTimeout: defaultWriteLimit,
		metrics:      make([]models.MetricSample, 0, capacity),
		perf:         make([]models.PerformanceSample, 0, capacity),
	}
}

// RecordMetric appends one metric sample, flushing the metric buffer if
// the append reached capacity.
func (b *Buffer) RecordMetric(sample models.MetricSample) {
	telemetry.SamplesBuffered.WithLabelValues("metric").Inc()

	b.mu.Lock()
	b.metrics = append(b.metrics, sample)
	full := len(b.metrics) >= b.capacity
	b.mu.Unlock()

	if full {
		b.flushMetrics()
	}
}

// RecordPerformance appends one performance sample, flushing the
// performance buffer if the append reached capacity.
func (b *Buffer) RecordPerformance(sample models.PerformanceSample) {
	telemetry.SamplesBuffered.WithLabelValues("performance").Inc()

	b.mu.Lock()
	b.perf = append(b.perf, sample)
	full := len(b.perf) >= b.capacity
	b.mu.Unlock()

	if full {
		b.flushPerformance()
	}
}

// Flush writes out both buffers regardless of fill level. Called by the
// periodic flush tick and once more on shutdown.
func (b *Buffer) Flush() {
	b.flushMetrics()
	b.flushPerformance()
}

// Pending reports the current fill of both buffers.
func (b *Buffer) Pending() (metrics, performance int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.metrics), len(b.perf)
}

func (b *Buffer) flushMetrics() {
	b.mu.Lock()
	if len(b.metrics) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.metrics
	b.metrics = make([]models.MetricSample, 0, b.capacity)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
	defer cancel()

	if err := b.writer.InsertMetricBatch(ctx, batch); err != nil {
		logger.Error("Failed to flush metric batch",
			logger.Int("samples", len(batch)),
			logger.Err(err),
		)
		telemetry.FlushesTotal.WithLabelValues("metric", "error").Inc()
		telemetry.SamplesRequeued.WithLabelValues("metric").Add(float64(len(batch)))

		b.mu.Lock()
		b.metrics = append(batch, b.metrics...)
		b.mu.Unlock()
		return
	}

	telemetry.FlushesTotal.WithLabelValues("metric", "ok").Inc()
}

func (b *Buffer) flushPerformance() {
	b.mu.Lock()
	if len(b.perf) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.perf
	b.perf = make([]models.PerformanceSample, 0, b.capacity)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
	defer cancel()

	if err := b.writer.InsertPerformanceBatch(ctx, batch); err != nil {
		logger.Error("Failed to flush performance batch",
			logger.Int("samples", len(batch)),
			logger.Err(err),
		)
		telemetry.FlushesTotal.WithLabelValues("performance", "error").Inc()
		telemetry.SamplesRequeued.WithLabelValues("performance").Add(float64(len(batch)))

		b.mu.Lock()
		b.perf = append(batch, b.perf...)
		b.mu.Unlock()
		return
	}

	telemetry.FlushesTotal.WithLabelValues("performance", "ok").Inc()
}
