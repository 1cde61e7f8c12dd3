package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fleetwatch/internal/notify"
	"fleetwatch/internal/storage"
	"fleetwatch/internal/telemetry"
	"fleetwatch/pkg/logger"
	"fleetwatch/pkg/models"

	"github.com/google/uuid"
)

// ErrInvalidState is returned for alert transitions the state machine
// does not allow.
var ErrInvalidState = errors.New("invalid alert state transition")

// TrendBucket selects the granularity of alert trend aggregation.
type TrendBucket string

const (
	BucketHour TrendBucket = "hour"
	BucketDay  TrendBucket = "day"
	BucketWeek TrendBucket = "week"
)

// TrendPoint is one (bucket, severity) count. Zero-count combinations
// are omitted.
type TrendPoint struct {
	Bucket   time.Time       `json:"bucket"`
	Severity models.Severity `json:"severity"`
	Count    int             `json:"count"`
}

// AlertSummary counts alerts by status and severity.
type AlertSummary struct {
	Total      int                        `json:"total"`
	ByStatus   map[models.AlertStatus]int `json:"by_status"`
	BySeverity map[models.Severity]int    `json:"by_severity"`
}

// Archiver receives pruned alerts before the retention sweep deletes
// them. Optional.
type Archiver interface {
	Store(ctx context.Context, sweptAt time.Time, alerts []models.Alert) error
}

// Lifecycle owns the alert state machine: ACTIVE -> ACKNOWLEDGED ->
// RESOLVED, with ACTIVE -> RESOLVED allowed directly. It is the only
// mutation path for alerts.
type Lifecycle struct {
	repo    storage.Repository
	router  *notify.Router
	archive Archiver
	now     func() time.Time

	mu   sync.Mutex
	subs []chan models.Alert
}

func NewLifecycle(repo storage.Repository, router *notify.Router, archive Archiver) *Lifecycle {
	return &Lifecycle{
		repo:    repo,
		router:  router,
		archive: archive,
		now:     time.Now,
	}
}

// Create persists a new ACTIVE alert and dispatches notifications as a
// side effect. Notification failure never rolls back or fails creation.
// Returns storage.ErrDuplicateAlert when an ACTIVE alert already holds
// the (serviceName, alertType) slot.
func (l *Lifecycle) Create(ctx context.Context, alert *models.Alert) error {
	if err := validateNewAlert(alert); err != nil {
		return err
	}

	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	alert.Status = models.AlertActive
	alert.CreatedAt = l.now().UTC()
	alert.AcknowledgedAt = nil
	alert.AcknowledgedBy = nil
	alert.ResolvedAt = nil

	if err := l.repo.CreateAlert(ctx, alert); err != nil {
		return err
	}

	telemetry.AlertsCreated.WithLabelValues(string(alert.Severity)).Inc()
	logger.Info("Alert created",
		logger.String("alert_id", alert.ID),
		logger.String("service", alert.ServiceName),
		logger.String("type", alert.AlertType),
		logger.String("severity", string(alert.Severity)),
	)

	l.publish(*alert)

	// Fire-and-forget relative to persistence.
	if l.router != nil {
		dispatched := *alert
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			l.router.Dispatch(ctx, &dispatched)
		}()
	}

	return nil
}

// Acknowledge marks an ACTIVE (or already acknowledged) alert as seen.
func (l *Lifecycle) Acknowledge(ctx context.Context, id, by string) (*models.Alert, error) {
	if strings.TrimSpace(by) == "" {
		return nil, models.Invalid("acknowledged_by", "must not be empty")
	}

	alert, err := l.repo.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}

	switch alert.Status {
	case models.AlertActive, models.AlertAcknowledged:
	default:
		return nil, fmt.Errorf("cannot acknowledge %s alert: %w", alert.Status, ErrInvalidState)
	}

	now := l.now().UTC()
	alert.Status = models.AlertAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = &by

	if err := l.repo.UpdateAlert(ctx, alert); err != nil {
		return nil, err
	}

	return alert, nil
}

// Resolve closes an alert from any non-RESOLVED state. Resolution is
// the only transition that frees the dedup slot for the alert's
// (serviceName, alertType) pair.
func (l *Lifecycle) Resolve(ctx context.Context, id, by string) (*models.Alert, error) {
	alert, err := l.repo.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}

	if alert.Status == models.AlertResolved {
		return nil, fmt.Errorf("alert already resolved: %w", ErrInvalidState)
	}

	now := l.now().UTC()
	alert.Status = models.AlertResolved
	alert.ResolvedAt = &now

	if err := l.repo.UpdateAlert(ctx, alert); err != nil {
		return nil, err
	}

	logger.Info("Alert resolved",
		logger.String("alert_id", alert.ID),
		logger.String("resolved_by", by),
	)

	return alert, nil
}

// Active lists ACTIVE alerts, optionally scoped to one service.
func (l *Lifecycle) Active(ctx context.Context, serviceName string) ([]models.Alert, error) {
	return l.repo.ListAlerts(ctx, storage.AlertFilter{
		ServiceName: serviceName,
		Status:      models.AlertActive,
	})
}

// Summarize counts alerts by status and severity, optionally scoped to
// one service.
func (l *Lifecycle) Summarize(ctx context.Context, serviceName string) (AlertSummary, error) {
	alerts, err := l.repo.ListAlerts(ctx, storage.AlertFilter{ServiceName: serviceName})
	if err != nil {
		return AlertSummary{}, err
	}

	summary := AlertSummary{
		ByStatus:   make(map[models.AlertStatus]int),
		BySeverity: make(map[models.Severity]int),
	}
	for i := range alerts {
		summary.Total++
		summary.ByStatus[alerts[i].Status]++
		summary.BySeverity[alerts[i].Severity]++
	}

	return summary, nil
}

// Trends buckets alerts created in [start, end] by UTC bucket boundary
// and severity.
func (l *Lifecycle) Trends(ctx context.Context, start, end time.Time, serviceName string, bucket TrendBucket) ([]TrendPoint, error) {
	switch bucket {
	case BucketHour, BucketDay, BucketWeek:
	default:
		return nil, models.Invalidf("bucket", "must be hour, day or week, got %q", bucket)
	}
	if start.IsZero() || end.IsZero() {
		return nil, models.Invalid("time range", "start and end are required")
	}
	if !start.Before(end) {
		return nil, models.Invalid("time range", "start must be before end")
	}

	alerts, err := l.repo.ListAlerts(ctx, storage.AlertFilter{
		ServiceName:  serviceName,
		CreatedSince: start,
		CreatedUntil: end,
	})
	if err != nil {
		return nil, err
	}

	type key struct {
		bucket   time.Time
		severity models.Severity
	}
	counts := make(map[key]int)
	for i := range alerts {
		k := key{
			bucket:   truncateToBucket(alerts[i].CreatedAt, bucket),
			severity: alerts[i].Severity,
		}
		counts[k]++
	}

	points := make([]TrendPoint, 0, len(counts))
	for k, n := range counts {
		points = append(points, TrendPoint{Bucket: k.bucket, Severity: k.severity, Count: n})
	}
	sort.Slice(points, func(i, j int) bool {
		if !points[i].Bucket.Equal(points[j].Bucket) {
			return points[i].Bucket.Before(points[j].Bucket)
		}
		return points[i].Severity.Rank() < points[j].Severity.Rank()
	})

	return points, nil
}

// Prune deletes RESOLVED alerts whose resolution predates the retention
// window, archiving them first when an archive is configured. Alerts
// still ACTIVE or ACKNOWLEDGED are never pruned regardless of age.
func (l *Lifecycle) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, models.Invalidf("retention days", "must be positive, got %d", retentionDays)
	}

	now := l.now().UTC()
	cutoff := now.AddDate(0, 0, -retentionDays)

	if l.archive != nil {
		expired, err := l.repo.ListAlerts(ctx, storage.AlertFilter{
			Status:         models.AlertResolved,
			ResolvedBefore: cutoff,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to list alerts for archival: %w", err)
		}
		if err := l.archive.Store(ctx, now, expired); err != nil {
			// Retention is the contract; archival is best effort.
			logger.Error("Failed to archive pruned alerts",
				logger.Int("alerts", len(expired)),
				logger.Err(err),
			)
		}
	}

	return l.repo.DeleteAlertsOlderThan(ctx, cutoff, models.AlertResolved)
}

// Subscribe returns a feed of newly created alerts and a cancel
// function. Slow consumers drop alerts rather than block creation.
func (l *Lifecycle) Subscribe() (<-chan models.Alert, func()) {
	ch := make(chan models.Alert, 16)

	l.mu.Lock()
	l.subs = append(l.subs, ch)
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, sub := range l.subs {
			if sub == ch {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}

	return ch, cancel
}

func (l *Lifecycle) publish(alert models.Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sub := range l.subs {
		select {
		case sub <- alert:
		default:
		}
	}
}

// truncateToBucket snaps t to its UTC bucket boundary. Week buckets
// start on Sunday.
func truncateToBucket(t time.Time, bucket TrendBucket) time.Time {
	t = t.UTC()
	switch bucket {
	case BucketHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case BucketWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return day.AddDate(0, 0, -int(day.Weekday()))
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func validateNewAlert(alert *models.Alert) error {
	if strings.TrimSpace(alert.ServiceName) == "" {
		return models.Invalid("service name", "must not be empty")
	}
	if strings.TrimSpace(alert.AlertType) == "" {
		return models.Invalid("alert type", "must not be empty")
	}
	if !alert.Severity.Valid() {
		return models.Invalidf("severity", "unknown severity %q", alert.Severity)
	}
	if strings.TrimSpace(alert.Title) == "" {
		return models.Invalid("title", "must not be empty")
	}
	return nil
}
