package monitoring

import (
	"context"
	"sync"
	"time"

	"fleetwatch/internal/storage"
	"fleetwatch/pkg/models"
)

// fakeRepo is an in-memory Repository for tests. It enforces the same
// single-ACTIVE-alert-per-key behavior as the Postgres partial index.
type fakeRepo struct {
	mu        sync.Mutex
	metrics   []models.MetricSample
	perf      []models.PerformanceSample
	health    []models.HealthSnapshot
	alerts    []models.Alert
	healthErr error
	alertErr  error
}

func (r *fakeRepo) InsertMetric(_ context.Context, sample *models.MetricSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, *sample)
	return nil
}

func (r *fakeRepo) InsertMetricBatch(_ context.Context, samples []models.MetricSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, samples...)
	return nil
}

func (r *fakeRepo) InsertPerformance(_ context.Context, sample *models.PerformanceSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perf = append(r.perf, *sample)
	return nil
}

func (r *fakeRepo) InsertPerformanceBatch(_ context.Context, samples []models.PerformanceSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perf = append(r.perf, samples...)
	return nil
}

func (r *fakeRepo) InsertHealthSnapshot(_ context.Context, snapshot *models.HealthSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.healthErr != nil {
		return r.healthErr
	}
	r.health = append(r.health, *snapshot)
	return nil
}

func (r *fakeRepo) QueryMetrics(_ context.Context, filter storage.MetricFilter) ([]models.MetricSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MetricSample
	for _, s := range r.metrics {
		if filter.ServiceName != "" && s.ServiceName != filter.ServiceName {
			continue
		}
		if filter.MetricName != "" && s.MetricName != filter.MetricName {
			continue
		}
		if !filter.Since.IsZero() && s.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && s.Timestamp.After(filter.Until) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *fakeRepo) QueryPerformance(_ context.Context, filter storage.PerformanceFilter) ([]models.PerformanceSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PerformanceSample
	for _, s := range r.perf {
		if filter.ServiceName != "" && s.ServiceName != filter.ServiceName {
			continue
		}
		if filter.Endpoint != "" && s.Endpoint != filter.Endpoint {
			continue
		}
		if !filter.Since.IsZero() && s.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && s.Timestamp.After(filter.Until) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *fakeRepo) LatestHealthByService(_ context.Context) ([]models.HealthSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.healthErr != nil {
		return nil, r.healthErr
	}
	latest := make(map[string]models.HealthSnapshot)
	for _, s := range r.health {
		if prev, ok := latest[s.ServiceName]; !ok || s.CheckedAt.After(prev.CheckedAt) {
			latest[s.ServiceName] = s
		}
	}
	var out []models.HealthSnapshot
	for _, s := range latest {
		out = append(out, s)
	}
	return out, nil
}

func (r *fakeRepo) FindAlert(_ context.Context, serviceName, alertType string, status models.AlertStatus) (*models.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.alerts) - 1; i >= 0; i-- {
		a := r.alerts[i]
		if a.ServiceName == serviceName && a.AlertType == alertType && a.Status == status {
			return &a, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *fakeRepo) GetAlert(_ context.Context, id string) (*models.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.alerts {
		if a.ID == id {
			copied := a
			return &copied, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *fakeRepo) ListAlerts(_ context.Context, filter storage.AlertFilter) ([]models.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Alert
	for _, a := range r.alerts {
		if filter.ServiceName != "" && a.ServiceName != filter.ServiceName {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if !filter.CreatedSince.IsZero() && a.CreatedAt.Before(filter.CreatedSince) {
			continue
		}
		if !filter.CreatedUntil.IsZero() && a.CreatedAt.After(filter.CreatedUntil) {
			continue
		}
		if !filter.ResolvedBefore.IsZero() {
			if a.ResolvedAt == nil || !a.ResolvedAt.Before(filter.ResolvedBefore) {
				continue
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *fakeRepo) CreateAlert(_ context.Context, alert *models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.alertErr != nil {
		return r.alertErr
	}
	if alert.Status == models.AlertActive {
		for _, a := range r.alerts {
			if a.ServiceName == alert.ServiceName && a.AlertType == alert.AlertType && a.Status == models.AlertActive {
				return storage.ErrDuplicateAlert
			}
		}
	}
	r.alerts = append(r.alerts, *alert)
	return nil
}

func (r *fakeRepo) UpdateAlert(_ context.Context, alert *models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.alerts {
		if r.alerts[i].ID == alert.ID {
			r.alerts[i] = *alert
			return nil
		}
	}
	return storage.ErrNotFound
}

func (r *fakeRepo) DeleteAlertsOlderThan(_ context.Context, cutoff time.Time, status models.AlertStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []models.Alert
	var deleted int64
	for _, a := range r.alerts {
		if a.Status == status && a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, a)
	}
	r.alerts = kept
	return deleted, nil
}

func (r *fakeRepo) activeCount(serviceName, alertType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, a := range r.alerts {
		if a.ServiceName == serviceName && a.AlertType == alertType && a.Status == models.AlertActive {
			count++
		}
	}
	return count
}
