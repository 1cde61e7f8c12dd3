package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleetwatch/internal/metrics"
	"fleetwatch/internal/storage"
	"fleetwatch/pkg/config"
	"fleetwatch/pkg/models"
)

var evalNow = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func newTestEvaluator(repo *fakeRepo) (*Evaluator, *Lifecycle) {
	cfg := &config.Config{
		LocalService:          "fleetwatch",
		CPUThreshold:          85,
		MemoryThreshold:       90,
		ResponseTimeThreshold: 1000,
		LatencyThreshold:      1000,
		ErrorRateThreshold:    10,
		CPUMetric:             "cpu.usage",
		MemoryMetric:          "memory.usage",
		ResponseTimeMetric:    "response_time",
	}
	lc := NewLifecycle(repo, nil, nil)
	ev := NewEvaluator(repo, metrics.NewAggregator(repo), lc, cfg)
	ev.now = func() time.Time { return evalNow }
	return ev, lc
}

func seedHealth(t *testing.T, repo *fakeRepo, service string, status models.HealthStatus) {
	t.Helper()
	err := repo.InsertHealthSnapshot(context.Background(), &models.HealthSnapshot{
		ServiceName: service,
		ServiceURL:  "http://" + service + ":8080/health",
		Status:      status,
		CheckedAt:   evalNow.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("seed health: %v", err)
	}
}

func seedGauge(t *testing.T, repo *fakeRepo, service, metric string, value float64) {
	t.Helper()
	err := repo.InsertMetric(context.Background(), &models.MetricSample{
		ServiceName: service,
		MetricName:  metric,
		MetricType:  models.MetricGauge,
		Value:       value,
		Timestamp:   evalNow.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("seed metric: %v", err)
	}
}

func seedRequest(t *testing.T, repo *fakeRepo, service string, latencyMs float64, statusCode int) {
	t.Helper()
	err := repo.InsertPerformance(context.Background(), &models.PerformanceSample{
		ServiceName:    service,
		Endpoint:       "/api/orders",
		Method:         "GET",
		ResponseTimeMs: latencyMs,
		StatusCode:     statusCode,
		Timestamp:      evalNow.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("seed request: %v", err)
	}
}

func mustFindActive(t *testing.T, repo *fakeRepo, service, alertType string) *models.Alert {
	t.Helper()
	alert, err := repo.FindAlert(context.Background(), service, alertType, models.AlertActive)
	if err != nil {
		t.Fatalf("expected active %s alert for %s: %v", alertType, service, err)
	}
	return alert
}

func TestEvaluateUnhealthyService(t *testing.T) {
	repo := &fakeRepo{}
	ev, _ := newTestEvaluator(repo)
	seedHealth(t, repo, "billing", models.StatusUnhealthy)

	ev.Evaluate(context.Background())

	alert := mustFindActive(t, repo, "billing", AlertTypeServiceUnhealthy)
	if alert.Severity != models.SeverityCritical {
		t.Fatalf("severity = %s, want CRITICAL", alert.Severity)
	}
}

func TestEvaluateDegradedService(t *testing.T) {
	repo := &fakeRepo{}
	ev, _ := newTestEvaluator(repo)
	seedHealth(t, repo, "billing", models.StatusDegraded)

	ev.Evaluate(context.Background())

	alert := mustFindActive(t, repo, "billing", AlertTypeServiceDegraded)
	if alert.Severity != models.SeverityHigh {
		t.Fatalf("severity = %s, want HIGH", alert.Severity)
	}
}

func TestEvaluateHealthyServiceCreatesNothing(t *testing.T) {
	repo := &fakeRepo{}
	ev, _ := newTestEvaluator(repo)
	seedHealth(t, repo, "billing", models.StatusHealthy)

	ev.Evaluate(context.Background())

	alerts, err := repo.ListAlerts(context.Background(), storage.AlertFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts, got %+v", alerts)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	repo := &fakeRepo{}
	ev, _ := newTestEvaluator(repo)
	seedHealth(t, repo, "billing", models.StatusUnhealthy)

	for i := 0; i < 3; i++ {
		ev.Evaluate(context.Background())
	}

	if got := repo.activeCount("billing", AlertTypeServiceUnhealthy); got != 1 {
		t.Fatalf("active count = %d, want exactly 1 after repeated passes", got)
	}
}

func TestEvaluateReAlertsAfterResolution(t *testing.T) {
	repo := &fakeRepo{}
	ev, lc := newTestEvaluator(repo)
	seedHealth(t, repo, "billing", models.StatusUnhealthy)

	ev.Evaluate(context.Background())
	first := mustFindActive(t, repo, "billing", AlertTypeServiceUnhealthy)
	if _, err := lc.Resolve(context.Background(), first.ID, "oncall"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ev.Evaluate(context.Background())
	second := mustFindActive(t, repo, "billing", AlertTypeServiceUnhealthy)
	if second.ID == first.ID {
		t.Fatal("a fresh alert must be raised once the previous one is resolved")
	}
}

func TestCPUThresholdRule(t *testing.T) {
	repo := &fakeRepo{}
	ev, _ := newTestEvaluator(repo)
	seedGauge(t, repo, "fleetwatch", "cpu.usage", 92.5)

	ev.Evaluate(context.Background())

	alert := mustFindActive(t, repo, "fleetwatch", AlertTypeCPUHigh)
	if alert.Severity != models.SeverityHigh {
		t.Fatalf("severity = %s, want HIGH", alert.Severity)
	}
	if alert.Value == nil || *alert.Value != 92.5 {
		t.Fatalf("value not recorded: %+v", alert.Value)
	}
	if alert.Threshold == nil || *alert.Threshold != 85 {
		t.Fatalf("threshold not recorded: %+v", alert.Threshold)
	}
}

func TestCPUBelowThresholdNoAlert(t *testing.T) {
	repo := &fakeRepo{}
	ev, _ := newTestEvaluator(repo)
	seedGauge(t, repo, "fleetwatch", "cpu.usage", 60)

	ev.Evaluate(context.Background())

	if got := repo.activeCount("fleetwatch", AlertTypeCPUHigh); got != 0 {
		t.Fatalf("active count = %d, want 0", got)
	}
}

func TestCPURuleUsesLatestSample(t *testing.T) {
	repo := &fakeRepo{}
	ev, _ := newTestEvaluator(repo)
	seedGauge(t, repo, "fleetwatch", "cpu.usage", 95)
	seedGauge(t, repo, "fleetwatch", "cpu.usage", 40)

	ev.Evaluate(context.Background())

	if got := repo.activeCount("fleetwatch", AlertTypeCPUHigh); got != 0 {
		t.Fatal("a recovered gauge must not alert on an older spike")
	}
}

func TestMemoryThresholdRule(t *testing.T) {
	repo := &fakeRepo{}
	ev, _ := newTestEvaluator(repo)
	seedGauge(t, repo, "fleetwatch", "memory.usage", 96)

	ev.Evaluate(context.Background())

	alert := mustFindActive(t, repo, "fleetwatch", AlertTypeMemoryHigh)
	if alert.Severity != models.SeverityHigh {
		t.Fatalf("severity = %s, want HIGH", alert.Severity)
	}
}

func TestResponseTimeRule(t *testing.T) {
	repo := &fakeRepo{}
	ev, _ := newTestEvaluator(repo)
	seedGauge(t, repo, "fleetwatch", "response_time", 1800)
	seedGauge(t, repo, "fleetwatch", "response_time", 1200)

	ev.Evaluate(context.Background())

	alert := mustFindActive(t, repo, "fleetwatch", AlertTypeResponseTimeHigh)
	if alert.Severity != models.SeverityMedium {
		t.Fatalf("severity = %s, want MEDIUM", alert.Severity)
	}
	if alert.Value == nil || *alert.Value != 1500 {
		t.Fatalf("value should be the window average, got %+v", alert.Value)
	}
}

func TestErrorRateRule(t *testing.T) {
	repo := &fakeRepo{}
	ev, _ := newTestEvaluator(repo)
	// 2 failures out of 4 requests, 50% error rate against a 10% threshold.
	seedRequest(t, repo, "fleetwatch", 50, 200)
	seedRequest(t, repo, "fleetwatch", 50, 200)
	seedRequest(t, repo, "fleetwatch", 50, 500)
	seedRequest(t, repo, "fleetwatch", 50, 503)

	ev.Evaluate(context.Background())

	alert := mustFindActive(t, repo, "fleetwatch", AlertTypeErrorRateHigh)
	if alert.Severity != models.SeverityHigh {
		t.Fatalf("severity = %s, want HIGH", alert.Severity)
	}
	if alert.Value == nil || *alert.Value != 50 {
		t.Fatalf("value = %+v, want 50", alert.Value)
	}
}

func TestLatencyRule(t *testing.T) {
	repo := &fakeRepo{}
	ev, _ := newTestEvaluator(repo)
	seedRequest(t, repo, "fleetwatch", 2400, 200)
	seedRequest(t, repo, "fleetwatch", 1600, 200)

	ev.Evaluate(context.Background())

	alert := mustFindActive(t, repo, "fleetwatch", AlertTypePerfLatencyHigh)
	if alert.Severity != models.SeverityMedium {
		t.Fatalf("severity = %s, want MEDIUM", alert.Severity)
	}
}

func TestNoTrafficNoPerformanceAlerts(t *testing.T) {
	repo := &fakeRepo{}
	ev, _ := newTestEvaluator(repo)

	ev.Evaluate(context.Background())

	alerts, err := repo.ListAlerts(context.Background(), storage.AlertFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts on an idle service, got %+v", alerts)
	}
}

func TestFailingRuleGroupDoesNotAbortOthers(t *testing.T) {
	repo := &fakeRepo{healthErr: errors.New("database unavailable")}
	ev, _ := newTestEvaluator(repo)
	seedGauge(t, repo, "fleetwatch", "cpu.usage", 92)

	ev.Evaluate(context.Background())

	if got := repo.activeCount("fleetwatch", AlertTypeCPUHigh); got != 1 {
		t.Fatalf("metric rules must still run when health rules fail, active count = %d", got)
	}
}
