package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"fleetwatch/internal/storage"
	"fleetwatch/pkg/models"
)

// DefaultWindow is the trailing range applied when a query gives no
// explicit time bounds.
const DefaultWindow = 24 * time.Hour

// SampleReader is the read-only slice of the repository the aggregation
// queries run over.
type SampleReader interface {
	QueryMetrics(ctx context.Context, filter storage.MetricFilter) ([]models.MetricSample, error)
	QueryPerformance(ctx context.Context, filter storage.PerformanceFilter) ([]models.PerformanceSample, error)
}

// MetricStats summarizes the values of one metric over a time range.
// All fields are zero for an empty range.
type MetricStats struct {
	Count   int     `json:"count"`
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
}

// PerformanceSummary summarizes request performance over a time range.
type PerformanceSummary struct {
	RequestCount     int     `json:"request_count"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	P95LatencyMs     float64 `json:"p95_latency_ms"`
	ErrorRate        float64 `json:"error_rate"`
	ThroughputPerSec float64 `json:"throughput_per_sec"`
}

// EndpointStats is one row of an endpoint ranking.
type EndpointStats struct {
	Endpoint         string  `json:"endpoint"`
	Method           string  `json:"method"`
	RequestCount     int     `json:"request_count"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	ErrorRate        float64 `json:"error_rate"`
}

// Aggregator runs pure read-side summarization queries. It holds no
// state beyond its repository handle.
type Aggregator struct {
	reader SampleReader
	now    func() time.Time
}

func NewAggregator(reader SampleReader) *Aggregator {
	return &Aggregator{reader: reader, now: time.Now}
}

// MetricStats computes count/average/min/max/percentiles for one metric.
func (a *Aggregator) MetricStats(ctx context.Context, service, metric string, since, until time.Time) (MetricStats, error) {
	since, until, err := a.window(since, until)
	if err != nil {
		return MetricStats{}, err
	}

	samples, err := a.reader.QueryMetrics(ctx, storage.MetricFilter{
		ServiceName: service,
		MetricName:  metric,
		Since:       since,
		Until:       until,
	})
	if err != nil {
		return MetricStats{}, fmt.Errorf("failed to load metric samples: %w", err)
	}

	values := make([]float64, 0, len(samples))
	for i := range samples {
		values = append(values, samples[i].Value)
	}

	return computeStats(values), nil
}

// PerformanceSummary computes the request-level summary for a service.
func (a *Aggregator) PerformanceSummary(ctx context.Context, service string, since, until time.Time) (PerformanceSummary, error) {
	since, until, err := a.window(since, until)
	if err != nil {
		return PerformanceSummary{}, err
	}

	samples, err := a.reader.QueryPerformance(ctx, storage.PerformanceFilter{
		ServiceName: service,
		Since:       since,
		Until:       until,
	})
	if err != nil {
		return PerformanceSummary{}, fmt.Errorf("failed to load performance samples: %w", err)
	}

	if len(samples) == 0 {
		return PerformanceSummary{}, nil
	}

	latencies := make([]float64, 0, len(samples))
	var totalLatency float64
	var errorCount int
	for i := range samples {
		latencies = append(latencies, samples[i].ResponseTimeMs)
		totalLatency += samples[i].ResponseTimeMs
		if samples[i].StatusCode >= 400 {
			errorCount++
		}
	}

	summary := PerformanceSummary{
		RequestCount:     len(samples),
		AverageLatencyMs: totalLatency / float64(len(samples)),
		P95LatencyMs:     Percentile(latencies, 95),
		ErrorRate:        float64(errorCount) / float64(len(samples)) * 100,
	}
	if duration := until.Sub(since).Seconds(); duration > 0 {
		summary.ThroughputPerSec = float64(len(samples)) / duration
	}

	return summary, nil
}

// SlowestEndpoints ranks endpoint+method groups by mean latency,
// descending, capped at limit.
func (a *Aggregator) SlowestEndpoints(ctx context.Context, service string, since, until time.Time, limit int) ([]EndpointStats, error) {
	stats, err := a.endpointStats(ctx, service, since, until, limit)
	if err != nil {
		return nil, err
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].AverageLatencyMs > stats[j].AverageLatencyMs
	})

	return capStats(stats, limit), nil
}

// ErrorRates ranks endpoint+method groups by error rate, descending,
// capped at limit.
func (a *Aggregator) ErrorRates(ctx context.Context, service string, since, until time.Time, limit int) ([]EndpointStats, error) {
	stats, err := a.endpointStats(ctx, service, since, until, limit)
	if err != nil {
		return nil, err
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].ErrorRate > stats[j].ErrorRate
	})

	return capStats(stats, limit), nil
}

func (a *Aggregator) endpointStats(ctx context.Context, service string, since, until time.Time, limit int) ([]EndpointStats, error) {
	if limit < 0 {
		return nil, models.Invalidf("limit", "must not be negative, got %d", limit)
	}

	since, until, err := a.window(since, until)
	if err != nil {
		return nil, err
	}

	samples, err := a.reader.QueryPerformance(ctx, storage.PerformanceFilter{
		ServiceName: service,
		Since:       since,
		Until:       until,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load performance samples: %w", err)
	}

	type group struct {
		endpoint, method string
		count, errors    int
		totalLatency     float64
	}

	groups := make(map[string]*group)
	var order []string
	for i := range samples {
		s := &samples[i]
		key := s.Method + " " + s.Endpoint
		g, ok := groups[key]
		if !ok {
			g = &group{endpoint: s.Endpoint, method: s.Method}
			groups[key] = g
			order = append(order, key)
		}
		g.count++
		g.totalLatency += s.ResponseTimeMs
		if s.StatusCode >= 400 {
			g.errors++
		}
	}

	stats := make([]EndpointStats, 0, len(groups))
	for _, key := range order {
		g := groups[key]
		stats = append(stats, EndpointStats{
			Endpoint:         g.endpoint,
			Method:           g.method,
			RequestCount:     g.count,
			AverageLatencyMs: g.totalLatency / float64(g.count),
			ErrorRate:        float64(g.errors) / float64(g.count) * 100,
		})
	}

	return stats, nil
}

// window applies the default trailing range and validates the bounds.
func (a *Aggregator) window(since, until time.Time) (time.Time, time.Time, error) {
	if until.IsZero() {
		until = a.now()
	}
	if since.IsZero() {
		since = until.Add(-DefaultWindow)
	}
	if !since.Before(until) {
		return time.Time{}, time.Time{}, models.Invalid("time range", "start must be before end")
	}
	return since, until, nil
}

// Percentile returns the p-th percentile of values using nearest-rank:
// sort ascending, index ceil(p/100*n)-1 clamped to [0, n-1]. Empty
// input yields 0.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}

func computeStats(values []float64) MetricStats {
	if len(values) == 0 {
		return MetricStats{}
	}

	stats := MetricStats{
		Count: len(values),
		Min:   values[0],
		Max:   values[0],
	}

	var total float64
	for _, v := range values {
		total += v
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
	}

	stats.Average = total / float64(len(values))
	stats.P50 = Percentile(values, 50)
	stats.P95 = Percentile(values, 95)
	stats.P99 = Percentile(values, 99)

	return stats
}

func capStats(stats []EndpointStats, limit int) []EndpointStats {
	if limit > 0 && len(stats) > limit {
		return stats[:limit]
	}
	return stats
}
