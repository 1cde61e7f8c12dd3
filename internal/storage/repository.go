package storage

import (
	"context"
	"errors"
	"time"

	"fleetwatch/pkg/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrDuplicateAlert is returned by CreateAlert when an ACTIVE alert
// already holds the (serviceName, alertType) dedup slot. Backed by a
// partial unique index so concurrent creators cannot both win.
var ErrDuplicateAlert = errors.New("duplicate active alert")

// MetricFilter bounds a metric query. Zero Since/Until mean unbounded on
// that side; callers that want the default trailing window apply it
// themselves.
type MetricFilter struct {
	ServiceName string
	MetricName  string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// PerformanceFilter bounds a performance-sample query.
type PerformanceFilter struct {
	ServiceName string
	Endpoint    string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// AlertFilter bounds an alert listing.
type AlertFilter struct {
	ServiceName    string
	Status         models.AlertStatus
	CreatedSince   time.Time
	CreatedUntil   time.Time
	ResolvedBefore time.Time
	Limit          int
}

// Repository is the durable-storage capability the engine is written
// against. The repository exclusively owns durable state; the engine
// holds transient buffers only until flush.
type Repository interface {
	InsertMetric(ctx context.Context, sample *models.MetricSample) error
	InsertMetricBatch(ctx context.Context, samples []models.MetricSample) error
	InsertPerformance(ctx context.Context, sample *models.PerformanceSample) error
	InsertPerformanceBatch(ctx context.Context, samples []models.PerformanceSample) error
	InsertHealthSnapshot(ctx context.Context, snapshot *models.HealthSnapshot) error

	QueryMetrics(ctx context.Context, filter MetricFilter) ([]models.MetricSample, error)
	QueryPerformance(ctx context.Context, filter PerformanceFilter) ([]models.PerformanceSample, error)

	// LatestHealthByService returns the most recent snapshot per service.
	LatestHealthByService(ctx context.Context) ([]models.HealthSnapshot, error)

	// FindAlert returns the newest alert matching the dedup key and
	// status, or ErrNotFound.
	FindAlert(ctx context.Context, serviceName, alertType string, status models.AlertStatus) (*models.Alert, error)
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error)
	CreateAlert(ctx context.Context, alert *models.Alert) error
	UpdateAlert(ctx context.Context, alert *models.Alert) error

	// DeleteAlertsOlderThan deletes alerts in the given status whose
	// resolution predates cutoff, returning the number deleted.
	DeleteAlertsOlderThan(ctx context.Context, cutoff time.Time, status models.AlertStatus) (int64, error)
}
