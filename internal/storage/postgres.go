package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fleetwatch/pkg/config"
	"fleetwatch/pkg/models"

	"github.com/lib/pq"
)

func NewPostgresConnection(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetPostgresConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	// Verify connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// Migrate creates the engine's tables if they do not exist. The partial
// unique index on active alerts is what makes the dedup slot atomic.
func Migrate(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS metric_samples (
			id BIGSERIAL PRIMARY KEY,
			service_name TEXT NOT NULL,
			metric_name TEXT NOT NULL,
			metric_type TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			labels JSONB NOT NULL DEFAULT '{}',
			timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metric_samples_lookup
			ON metric_samples (service_name, metric_name, timestamp)`,
		`CREATE TABLE IF NOT EXISTS performance_samples (
			id BIGSERIAL PRIMARY KEY,
			service_name TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL,
			response_time_ms DOUBLE PRECISION NOT NULL,
			status_code INT NOT NULL,
			request_size BIGINT,
			response_size BIGINT,
			timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_performance_samples_lookup
			ON performance_samples (service_name, timestamp)`,
		`CREATE TABLE IF NOT EXISTS health_snapshots (
			id BIGSERIAL PRIMARY KEY,
			service_name TEXT NOT NULL,
			service_url TEXT NOT NULL,
			status TEXT NOT NULL,
			response_time_ms DOUBLE PRECISION,
			error_message TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			checked_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_snapshots_lookup
			ON health_snapshots (service_name, checked_at DESC)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id UUID PRIMARY KEY,
			service_name TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			value DOUBLE PRECISION,
			threshold DOUBLE PRECISION,
			labels JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			acknowledged_at TIMESTAMPTZ,
			acknowledged_by TEXT,
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_active_dedup
			ON alerts (service_name, alert_type) WHERE status = 'ACTIVE'`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created
			ON alerts (created_at)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	return nil
}

// PostgresRepository implements Repository over a pooled *sql.DB.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) InsertMetric(ctx context.Context, sample *models.MetricSample) error {
	labels, err := marshalLabels(sample.Labels)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO metric_samples (
			service_name, metric_name, metric_type, value, labels, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = r.db.ExecContext(
		ctx,
		query,
		sample.ServiceName,
		sample.MetricName,
		string(sample.MetricType),
		sample.Value,
		labels,
		sample.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert metric: %w", err)
	}

	return nil
}

func (r *PostgresRepository) InsertMetricBatch(ctx context.Context, samples []models.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin metric batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(
		"metric_samples",
		"service_name", "metric_name", "metric_type", "value", "labels", "timestamp",
	))
	if err != nil {
		return fmt.Errorf("failed to prepare metric copy: %w", err)
	}

	for i := range samples {
		s := &samples[i]
		labels, err := marshalLabels(s.Labels)
		if err != nil {
			stmt.Close()
			return err
		}
		if _, err := stmt.ExecContext(ctx, s.ServiceName, s.MetricName, string(s.MetricType), s.Value, labels, s.Timestamp); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to buffer metric copy row: %w", err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to flush metric copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close metric copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metric batch: %w", err)
	}

	return nil
}

func (r *PostgresRepository) InsertPerformance(ctx context.Context, sample *models.PerformanceSample) error {
	query := `
		INSERT INTO performance_samples (
			service_name, endpoint, method, response_time_ms, status_code,
			request_size, response_size, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		sample.ServiceName,
		sample.Endpoint,
		sample.Method,
		sample.ResponseTimeMs,
		sample.StatusCode,
		sample.RequestSize,
		sample.ResponseSize,
		sample.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert performance sample: %w", err)
	}

	return nil
}

func (r *PostgresRepository) InsertPerformanceBatch(ctx context.Context, samples []models.PerformanceSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin performance batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(
		"performance_samples",
		"service_name", "endpoint", "method", "response_time_ms", "status_code",
		"request_size", "response_size", "timestamp",
	))
	if err != nil {
		return fmt.Errorf("failed to prepare performance copy: %w", err)
	}

	for i := range samples {
		s := &samples[i]
		if _, err := stmt.ExecContext(ctx, s.ServiceName, s.Endpoint, s.Method, s.ResponseTimeMs, s.StatusCode, s.RequestSize, s.ResponseSize, s.Timestamp); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to buffer performance copy row: %w", err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to flush performance copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close performance copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit performance batch: %w", err)
	}

	return nil
}

func (r *PostgresRepository) InsertHealthSnapshot(ctx context.Context, snapshot *models.HealthSnapshot) error {
	metadata, err := marshalLabels(snapshot.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO health_snapshots (
			service_name, service_url, status, response_time_ms,
			error_message, metadata, checked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = r.db.ExecContext(
		ctx,
		query,
		snapshot.ServiceName,
		snapshot.ServiceURL,
		string(snapshot.Status),
		snapshot.ResponseTimeMs,
		snapshot.ErrorMessage,
		metadata,
		snapshot.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert health snapshot: %w", err)
	}

	return nil
}

func (r *PostgresRepository) QueryMetrics(ctx context.Context, filter MetricFilter) ([]models.MetricSample, error) {
	query := `
		SELECT service_name, metric_name, metric_type, value, labels, timestamp
		FROM metric_samples
		WHERE 1=1
	`
	var args []interface{}

	if filter.ServiceName != "" {
		args = append(args, filter.ServiceName)
		query += fmt.Sprintf(" AND service_name = $%d", len(args))
	}
	if filter.MetricName != "" {
		args = append(args, filter.MetricName)
		query += fmt.Sprintf(" AND metric_name = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		query += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}
	query += " ORDER BY timestamp"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var samples []models.MetricSample
	for rows.Next() {
		var s models.MetricSample
		var metricType string
		var labels []byte
		if err := rows.Scan(&s.ServiceName, &s.MetricName, &metricType, &s.Value, &labels, &s.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan metric row: %w", err)
		}
		s.MetricType = models.MetricType(metricType)
		if err := unmarshalLabels(labels, &s.Labels); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}

	return samples, rows.Err()
}

func (r *PostgresRepository) QueryPerformance(ctx context.Context, filter PerformanceFilter) ([]models.PerformanceSample, error) {
	query := `
		SELECT service_name, endpoint, method, response_time_ms, status_code,
			request_size, response_size, timestamp
		FROM performance_samples
		WHERE 1=1
	`
	var args []interface{}

	if filter.ServiceName != "" {
		args = append(args, filter.ServiceName)
		query += fmt.Sprintf(" AND service_name = $%d", len(args))
	}
	if filter.Endpoint != "" {
		args = append(args, filter.Endpoint)
		query += fmt.Sprintf(" AND endpoint = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		query += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}
	query += " ORDER BY timestamp"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query performance samples: %w", err)
	}
	defer rows.Close()

	var samples []models.PerformanceSample
	for rows.Next() {
		var s models.PerformanceSample
		if err := rows.Scan(&s.ServiceName, &s.Endpoint, &s.Method, &s.ResponseTimeMs, &s.StatusCode, &s.RequestSize, &s.ResponseSize, &s.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan performance row: %w", err)
		}
		samples = append(samples, s)
	}

	return samples, rows.Err()
}

func (r *PostgresRepository) LatestHealthByService(ctx context.Context) ([]models.HealthSnapshot, error) {
	query := `
		SELECT DISTINCT ON (service_name)
			service_name, service_url, status, response_time_ms,
			error_message, metadata, checked_at
		FROM health_snapshots
		ORDER BY service_name, checked_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest health: %w", err)
	}
	defer rows.Close()

	var snapshots []models.HealthSnapshot
	for rows.Next() {
		var s models.HealthSnapshot
		var status string
		var metadata []byte
		if err := rows.Scan(&s.ServiceName, &s.ServiceURL, &status, &s.ResponseTimeMs, &s.ErrorMessage, &metadata, &s.CheckedAt); err != nil {
			return nil, fmt.Errorf("failed to scan health row: %w", err)
		}
		s.Status = models.HealthStatus(status)
		if err := unmarshalLabels(metadata, &s.Metadata); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}

	return snapshots, rows.Err()
}

const alertColumns = `
	id, service_name, alert_type, severity, status, title, description,
	value, threshold, labels, created_at, acknowledged_at, acknowledged_by, resolved_at
`

func (r *PostgresRepository) FindAlert(ctx context.Context, serviceName, alertType string, status models.AlertStatus) (*models.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE service_name = $1 AND alert_type = $2 AND status = $3
		ORDER BY created_at DESC
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, query, serviceName, alertType, string(status))
	alert, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find alert: %w", err)
	}

	return alert, nil
}

func (r *PostgresRepository) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)
	alert, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return alert, nil
}

func (r *PostgresRepository) ListAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE 1=1`
	var args []interface{}

	if filter.ServiceName != "" {
		args = append(args, filter.ServiceName)
		query += fmt.Sprintf(" AND service_name = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !filter.CreatedSince.IsZero() {
		args = append(args, filter.CreatedSince)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.CreatedUntil.IsZero() {
		args = append(args, filter.CreatedUntil)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	if !filter.ResolvedBefore.IsZero() {
		args = append(args, filter.ResolvedBefore)
		query += fmt.Sprintf(" AND resolved_at < $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		alerts = append(alerts, *alert)
	}

	return alerts, rows.Err()
}

func (r *PostgresRepository) CreateAlert(ctx context.Context, alert *models.Alert) error {
	labels, err := marshalLabels(alert.Labels)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (service_name, alert_type) WHERE status = 'ACTIVE' DO NOTHING
	`

	result, err := r.db.ExecContext(
		ctx,
		query,
		alert.ID,
		alert.ServiceName,
		alert.AlertType,
		string(alert.Severity),
		string(alert.Status),
		alert.Title,
		alert.Description,
		alert.Value,
		alert.Threshold,
		labels,
		alert.CreatedAt,
		alert.AcknowledgedAt,
		alert.AcknowledgedBy,
		alert.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read create alert result: %w", err)
	}
	if inserted == 0 {
		return ErrDuplicateAlert
	}

	return nil
}

func (r *PostgresRepository) UpdateAlert(ctx context.Context, alert *models.Alert) error {
	query := `
		UPDATE alerts
		SET status = $2, acknowledged_at = $3, acknowledged_by = $4, resolved_at = $5
		WHERE id = $1
	`

	result, err := r.db.ExecContext(
		ctx,
		query,
		alert.ID,
		string(alert.Status),
		alert.AcknowledgedAt,
		alert.AcknowledgedBy,
		alert.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update alert result: %w", err)
	}
	if updated == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *PostgresRepository) DeleteAlertsOlderThan(ctx context.Context, cutoff time.Time, status models.AlertStatus) (int64, error) {
	query := `DELETE FROM alerts WHERE status = $1 AND resolved_at IS NOT NULL AND resolved_at < $2`

	result, err := r.db.ExecContext(ctx, query, string(status), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old alerts: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}

	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var a models.Alert
	var severity, status string
	var labels []byte

	err := row.Scan(
		&a.ID, &a.ServiceName, &a.AlertType, &severity, &status,
		&a.Title, &a.Description, &a.Value, &a.Threshold, &labels,
		&a.CreatedAt, &a.AcknowledgedAt, &a.AcknowledgedBy, &a.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Severity = models.Severity(severity)
	a.Status = models.AlertStatus(status)
	if err := unmarshalLabels(labels, &a.Labels); err != nil {
		return nil, err
	}

	return &a, nil
}

// marshalLabels serializes a label map for a JSONB column. The value
// must travel as text: lib/pq's COPY encoder has no column type
// information and bytea-hex encodes any []byte, which Postgres then
// rejects as invalid JSON.
func marshalLabels(labels map[string]string) (string, error) {
	if labels == nil {
		return "{}", nil
	}
	data, err := json.Marshal(labels)
	if err != nil {
		return "", fmt.Errorf("failed to marshal labels: %w", err)
	}
	return string(data), nil
}

func unmarshalLabels(data []byte, dest *map[string]string) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal labels: %w", err)
	}
	return nil
}
