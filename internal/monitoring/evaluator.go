package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetwatch/internal/metrics"
	"fleetwatch/internal/storage"
	"fleetwatch/pkg/config"
	"fleetwatch/pkg/logger"
	"fleetwatch/pkg/models"
)

// Alert types produced by the rule set.
const (
	AlertTypeServiceUnhealthy = "service_unhealthy"
	AlertTypeServiceDegraded  = "service_degraded"
	AlertTypeCPUHigh          = "cpu_high"
	AlertTypeMemoryHigh       = "memory_high"
	AlertTypeResponseTimeHigh = "response_time_high"
	AlertTypeErrorRateHigh    = "error_rate_high"
	AlertTypePerfLatencyHigh  = "performance_response_time_high"
)

// ruleWindow is the trailing range the metric and performance rules
// evaluate over.
const ruleWindow = 5 * time.Minute

// Evaluator applies the threshold rule set against the latest flushed
// data each tick. It holds no state of its own; the dedup invariant
// lives in the repository's active-alert slot.
type Evaluator struct {
	repo      storage.Repository
	agg       *metrics.Aggregator
	lifecycle *Lifecycle
	cfg       *config.Config
	now       func() time.Time
}

func NewEvaluator(repo storage.Repository, agg *metrics.Aggregator, lifecycle *Lifecycle, cfg *config.Config) *Evaluator {
	return &Evaluator{
		repo:      repo,
		agg:       agg,
		lifecycle: lifecycle,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Evaluate runs one full rule pass. A failing rule group is logged and
// never aborts the remaining groups.
func (e *Evaluator) Evaluate(ctx context.Context) {
	if err := e.evaluateHealthRules(ctx); err != nil {
		logger.Error("Health rule evaluation failed", logger.Err(err))
	}
	if err := e.evaluateSystemRules(ctx); err != nil {
		logger.Error("System metric rule evaluation failed", logger.Err(err))
	}
	if err := e.evaluatePerformanceRules(ctx); err != nil {
		logger.Error("Performance rule evaluation failed", logger.Err(err))
	}
}

func (e *Evaluator) evaluateHealthRules(ctx context.Context) error {
	snapshots, err := e.repo.LatestHealthByService(ctx)
	if err != nil {
		return fmt.Errorf("failed to load latest health: %w", err)
	}

	for i := range snapshots {
		s := &snapshots[i]
		switch s.Status {
		case models.StatusUnhealthy:
			e.maybeCreate(ctx, s.ServiceName, AlertTypeServiceUnhealthy, models.SeverityCritical,
				fmt.Sprintf("Service %s is unhealthy", s.ServiceName),
				s.ErrorMessage, nil, nil)
		case models.StatusDegraded:
			e.maybeCreate(ctx, s.ServiceName, AlertTypeServiceDegraded, models.SeverityHigh,
				fmt.Sprintf("Service %s is degraded", s.ServiceName),
				s.ErrorMessage, nil, nil)
		}
	}

	return nil
}

func (e *Evaluator) evaluateSystemRules(ctx context.Context) error {
	service := e.cfg.LocalService
	now := e.now().UTC()
	since := now.Add(-ruleWindow)

	if cpu, ok, err := e.latestGauge(ctx, service, e.cfg.CPUMetric, since); err != nil {
		logger.Error("Failed to read CPU gauge", logger.Err(err))
	} else if ok && cpu > e.cfg.CPUThreshold {
		e.maybeCreate(ctx, service, AlertTypeCPUHigh, models.SeverityHigh,
			fmt.Sprintf("CPU usage at %.1f%%", cpu),
			fmt.Sprintf("CPU usage %.1f%% exceeds threshold %.1f%%", cpu, e.cfg.CPUThreshold),
			&cpu, &e.cfg.CPUThreshold)
	}

	if mem, ok, err := e.latestGauge(ctx, service, e.cfg.MemoryMetric, since); err != nil {
		logger.Error("Failed to read memory gauge", logger.Err(err))
	} else if ok && mem > e.cfg.MemoryThreshold {
		e.maybeCreate(ctx, service, AlertTypeMemoryHigh, models.SeverityHigh,
			fmt.Sprintf("Memory usage at %.1f%%", mem),
			fmt.Sprintf("Memory usage %.1f%% exceeds threshold %.1f%%", mem, e.cfg.MemoryThreshold),
			&mem, &e.cfg.MemoryThreshold)
	}

	stats, err := e.agg.MetricStats(ctx, service, e.cfg.ResponseTimeMetric, since, now)
	if err != nil {
		return fmt.Errorf("failed to aggregate response time: %w", err)
	}
	if stats.Count > 0 && stats.Average > e.cfg.ResponseTimeThreshold {
		e.maybeCreate(ctx, service, AlertTypeResponseTimeHigh, models.SeverityMedium,
			fmt.Sprintf("Mean response time at %.0fms", stats.Average),
			fmt.Sprintf("Mean response time %.0fms over the last %s exceeds threshold %.0fms",
				stats.Average, ruleWindow, e.cfg.ResponseTimeThreshold),
			&stats.Average, &e.cfg.ResponseTimeThreshold)
	}

	return nil
}

func (e *Evaluator) evaluatePerformanceRules(ctx context.Context) error {
	service := e.cfg.LocalService
	now := e.now().UTC()

	summary, err := e.agg.PerformanceSummary(ctx, service, now.Add(-ruleWindow), now)
	if err != nil {
		return fmt.Errorf("failed to aggregate performance: %w", err)
	}
	if summary.RequestCount == 0 {
		return nil
	}

	if summary.ErrorRate > e.cfg.ErrorRateThreshold {
		e.maybeCreate(ctx, service, AlertTypeErrorRateHigh, models.SeverityHigh,
			fmt.Sprintf("Error rate at %.1f%%", summary.ErrorRate),
			fmt.Sprintf("Error rate %.1f%% over the last %s exceeds threshold %.1f%%",
				summary.ErrorRate, ruleWindow, e.cfg.ErrorRateThreshold),
			&summary.ErrorRate, &e.cfg.ErrorRateThreshold)
	}

	if summary.AverageLatencyMs > e.cfg.LatencyThreshold {
		e.maybeCreate(ctx, service, AlertTypePerfLatencyHigh, models.SeverityMedium,
			fmt.Sprintf("Average latency at %.0fms", summary.AverageLatencyMs),
			fmt.Sprintf("Average latency %.0fms over the last %s exceeds threshold %.0fms",
				summary.AverageLatencyMs, ruleWindow, e.cfg.LatencyThreshold),
			&summary.AverageLatencyMs, &e.cfg.LatencyThreshold)
	}

	return nil
}

// latestGauge returns the newest sample of a metric within the rule
// window. ok is false when nothing was recorded.
func (e *Evaluator) latestGauge(ctx context.Context, service, metric string, since time.Time) (float64, bool, error) {
	if metric == "" {
		return 0, false, nil
	}

	samples, err := e.repo.QueryMetrics(ctx, storage.MetricFilter{
		ServiceName: service,
		MetricName:  metric,
		Since:       since,
	})
	if err != nil {
		return 0, false, err
	}
	if len(samples) == 0 {
		return 0, false, nil
	}

	return samples[len(samples)-1].Value, true, nil
}

// maybeCreate creates an alert unless an ACTIVE one already holds the
// (service, alertType) slot. A lost creation race is not an error; the
// repository's unique slot guarantees a single winner.
func (e *Evaluator) maybeCreate(ctx context.Context, service, alertType string, severity models.Severity, title, description string, value, threshold *float64) {
	_, err := e.repo.FindAlert(ctx, service, alertType, models.AlertActive)
	if err == nil {
		return // condition already alerted, wait for resolution
	}
	if !errors.Is(err, storage.ErrNotFound) {
		logger.Error("Failed to check for existing alert",
			logger.String("service", service),
			logger.String("type", alertType),
			logger.Err(err),
		)
		return
	}

	alert := &models.Alert{
		ServiceName: service,
		AlertType:   alertType,
		Severity:    severity,
		Title:       title,
		Description: description,
		Value:       value,
		Threshold:   threshold,
	}

	if err := e.lifecycle.Create(ctx, alert); err != nil {
		if errors.Is(err, storage.ErrDuplicateAlert) {
			logger.Debug("Alert creation lost dedup race",
				logger.String("service", service),
				logger.String("type", alertType),
			)
			return
		}
		logger.Error("Failed to create alert",
			logger.String("service", service),
			logger.String("type", alertType),
			logger.Err(err),
		)
	}
}
