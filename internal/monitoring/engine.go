package monitoring

import (
	"context"
	"errors"
	"strings"
	"time"

	"fleetwatch/internal/metrics"
	"fleetwatch/internal/notify"
	"fleetwatch/internal/storage"
	"fleetwatch/pkg/config"
	"fleetwatch/pkg/logger"
	"fleetwatch/pkg/models"
)

// GaugeCache receives the latest gauge value per service for real-time
// reads. Optional.
type GaugeCache interface {
	SetGauge(ctx context.Context, sample *models.MetricSample) error
	GetHealth(ctx context.Context, service string) (*models.HealthSnapshot, error)
}

// Engine wires the monitoring components together and is the surface
// the transport layer calls. One instance per process, constructed at
// startup and passed explicitly.
type Engine struct {
	cfg       *config.Config
	repo      storage.Repository
	cache     GaugeCache
	buffer    *metrics.Buffer
	agg       *metrics.Aggregator
	prober    *Prober
	evaluator *Evaluator
	lifecycle *Lifecycle
	router    *notify.Router
}

func NewEngine(cfg *config.Config, repo storage.Repository, cache GaugeCache, healthCache HealthCache, router *notify.Router, archive Archiver) *Engine {
	e := &Engine{
		cfg:    cfg,
		repo:   repo,
		cache:  cache,
		router: router,
	}

	e.buffer = metrics.NewBuffer(repo, cfg.BufferCapacity)
	e.agg = metrics.NewAggregator(repo)
	e.prober = NewProber(repo, healthCache, cfg.Targets, cfg.ProbeTimeout)
	e.lifecycle = NewLifecycle(repo, router, archive)
	e.evaluator = NewEvaluator(repo, e.agg, e.lifecycle, cfg)

	return e
}

// RecordMetric validates and buffers one metric sample. The write to
// durable storage happens on the next flush.
func (e *Engine) RecordMetric(ctx context.Context, sample models.MetricSample) error {
	if strings.TrimSpace(sample.ServiceName) == "" {
		return models.Invalid("service name", "must not be empty")
	}
	if strings.TrimSpace(sample.MetricName) == "" {
		return models.Invalid("metric name", "must not be empty")
	}
	if !sample.MetricType.Valid() {
		return models.Invalidf("metric type", "unknown metric type %q", sample.MetricType)
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}

	e.buffer.RecordMetric(sample)

	if e.cache != nil && sample.MetricType == models.MetricGauge {
		if err := e.cache.SetGauge(ctx, &sample); err != nil {
			logger.Debug("Failed to cache gauge", logger.Err(err))
		}
	}

	return nil
}

// RecordPerformance validates and buffers one performance sample.
func (e *Engine) RecordPerformance(_ context.Context, sample models.PerformanceSample) error {
	if strings.TrimSpace(sample.ServiceName) == "" {
		return models.Invalid("service name", "must not be empty")
	}
	if strings.TrimSpace(sample.Endpoint) == "" {
		return models.Invalid("endpoint", "must not be empty")
	}
	if strings.TrimSpace(sample.Method) == "" {
		return models.Invalid("method", "must not be empty")
	}
	if sample.StatusCode < 100 || sample.StatusCode > 599 {
		return models.Invalidf("status code", "out of range: %d", sample.StatusCode)
	}
	if sample.ResponseTimeMs < 0 {
		return models.Invalidf("response time", "must not be negative: %v", sample.ResponseTimeMs)
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}

	e.buffer.RecordPerformance(sample)

	return nil
}

// ProbeAll probes the full roster once.
func (e *Engine) ProbeAll(ctx context.Context) []models.HealthSnapshot {
	return e.prober.ProbeAll(ctx)
}

// ProbeOne runs an ad-hoc probe against one service.
func (e *Engine) ProbeOne(ctx context.Context, name, url string, timeout time.Duration) (*models.HealthSnapshot, error) {
	return e.prober.ProbeOne(ctx, name, url, timeout)
}

// CurrentHealth returns the latest snapshot for one service, preferring
// the live cache and falling back to the repository.
func (e *Engine) CurrentHealth(ctx context.Context, service string) (*models.HealthSnapshot, error) {
	if strings.TrimSpace(service) == "" {
		return nil, models.Invalid("service name", "must not be empty")
	}

	if e.cache != nil {
		snapshot, err := e.cache.GetHealth(ctx, service)
		if err == nil {
			return snapshot, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("Live cache read failed", logger.Err(err))
		}
	}

	snapshots, err := e.repo.LatestHealthByService(ctx)
	if err != nil {
		return nil, err
	}
	for i := range snapshots {
		if snapshots[i].ServiceName == service {
			return &snapshots[i], nil
		}
	}

	return nil, storage.ErrNotFound
}

// FleetHealth returns the latest snapshot per registered service.
func (e *Engine) FleetHealth(ctx context.Context) ([]models.HealthSnapshot, error) {
	return e.repo.LatestHealthByService(ctx)
}

// MetricStats summarizes one metric over a time range.
func (e *Engine) MetricStats(ctx context.Context, service, metric string, since, until time.Time) (metrics.MetricStats, error) {
	if strings.TrimSpace(metric) == "" {
		return metrics.MetricStats{}, models.Invalid("metric name", "must not be empty")
	}
	return e.agg.MetricStats(ctx, service, metric, since, until)
}

// AggregatedSummary is the request-performance summary for a service.
func (e *Engine) AggregatedSummary(ctx context.Context, service string, since, until time.Time) (metrics.PerformanceSummary, error) {
	return e.agg.PerformanceSummary(ctx, service, since, until)
}

// SlowestEndpoints ranks a service's endpoints by mean latency.
func (e *Engine) SlowestEndpoints(ctx context.Context, service string, since, until time.Time, limit int) ([]metrics.EndpointStats, error) {
	return e.agg.SlowestEndpoints(ctx, service, since, until, limit)
}

// ErrorRates ranks a service's endpoints by error rate.
func (e *Engine) ErrorRates(ctx context.Context, service string, since, until time.Time, limit int) ([]metrics.EndpointStats, error) {
	return e.agg.ErrorRates(ctx, service, since, until, limit)
}

// CreateAlert is the external event-ingestion path. It shares the
// lifecycle's creation path, so the active-slot invariant holds here
// too; callers get storage.ErrDuplicateAlert instead of silent
// suppression.
func (e *Engine) CreateAlert(ctx context.Context, alert *models.Alert) error {
	return e.lifecycle.Create(ctx, alert)
}

func (e *Engine) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	return e.repo.GetAlert(ctx, id)
}

func (e *Engine) ListAlerts(ctx context.Context, filter storage.AlertFilter) ([]models.Alert, error) {
	return e.repo.ListAlerts(ctx, filter)
}

func (e *Engine) AcknowledgeAlert(ctx context.Context, id, by string) (*models.Alert, error) {
	return e.lifecycle.Acknowledge(ctx, id, by)
}

func (e *Engine) ResolveAlert(ctx context.Context, id, by string) (*models.Alert, error) {
	return e.lifecycle.Resolve(ctx, id, by)
}

func (e *Engine) ActiveAlerts(ctx context.Context, service string) ([]models.Alert, error) {
	return e.lifecycle.Active(ctx, service)
}

func (e *Engine) AlertsSummary(ctx context.Context, service string) (AlertSummary, error) {
	return e.lifecycle.Summarize(ctx, service)
}

func (e *Engine) AlertTrends(ctx context.Context, start, end time.Time, service string, bucket TrendBucket) ([]TrendPoint, error) {
	return e.lifecycle.Trends(ctx, start, end, service, bucket)
}

// SendTestNotification targets exactly one named channel, bypassing
// severity gating.
func (e *Engine) SendTestNotification(ctx context.Context, channel string) error {
	if e.router == nil {
		return models.Invalid("channel", "no notification channels configured")
	}
	return e.router.SendTest(ctx, channel)
}

// SubscribeAlerts exposes the created-alert feed.
func (e *Engine) SubscribeAlerts() (<-chan models.Alert, func()) {
	return e.lifecycle.Subscribe()
}

// FlushBuffers writes out all buffered samples. Called by the periodic
// flush task and once more during shutdown.
func (e *Engine) FlushBuffers(context.Context) {
	e.buffer.Flush()
}

// EvaluateAlerts runs one rule pass.
func (e *Engine) EvaluateAlerts(ctx context.Context) {
	e.evaluator.Evaluate(ctx)
}

// SweepRetention prunes resolved alerts past the retention window.
func (e *Engine) SweepRetention(ctx context.Context) {
	deleted, err := e.lifecycle.Prune(ctx, e.cfg.RetentionDays)
	if err != nil {
		logger.Error("Retention sweep failed", logger.Err(err))
		return
	}
	if deleted > 0 {
		logger.Info("Retention sweep pruned alerts", logger.Int("deleted", int(deleted)))
	}
}

// BufferPending reports current buffer fill, for the status endpoint.
func (e *Engine) BufferPending() (metricCount, perfCount int) {
	return e.buffer.Pending()
}
