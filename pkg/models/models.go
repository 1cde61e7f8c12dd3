package models

import "time"

// MetricType classifies a recorded metric sample.
type MetricType string

const (
	MetricCounter   MetricType = "COUNTER"
	MetricGauge     MetricType = "GAUGE"
	MetricHistogram MetricType = "HISTOGRAM"
	MetricSummary   MetricType = "SUMMARY"
)

func (t MetricType) Valid() bool {
	switch t {
	case MetricCounter, MetricGauge, MetricHistogram, MetricSummary:
		return true
	}
	return false
}

// HealthStatus is the classified outcome of a single health probe.
type HealthStatus string

const (
	StatusHealthy     HealthStatus = "HEALTHY"
	StatusUnhealthy   HealthStatus = "UNHEALTHY"
	StatusDegraded    HealthStatus = "DEGRADED"
	StatusUnknown     HealthStatus = "UNKNOWN"
	StatusMaintenance HealthStatus = "MAINTENANCE"
)

// Severity orders alerts from least to most urgent. Rank is the
// authoritative ordering; never compare severities lexically.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "ACTIVE"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertResolved     AlertStatus = "RESOLVED"
	AlertSuppressed   AlertStatus = "SUPPRESSED"
)

func (s AlertStatus) Valid() bool {
	switch s {
	case AlertActive, AlertAcknowledged, AlertResolved, AlertSuppressed:
		return true
	}
	return false
}

// MetricSample is one point-in-time metric observation. Immutable once
// written.
type MetricSample struct {
	ServiceName string            `json:"service_name"`
	MetricName  string            `json:"metric_name"`
	MetricType  MetricType        `json:"metric_type"`
	Value       float64           `json:"value"`
	Labels      map[string]string `json:"labels,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// PerformanceSample is one observed request execution. Immutable once
// written.
type PerformanceSample struct {
	ServiceName    string    `json:"service_name"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	StatusCode     int       `json:"status_code"`
	RequestSize    *int64    `json:"request_size,omitempty"`
	ResponseSize   *int64    `json:"response_size,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// HealthSnapshot is the persisted result of one probe execution. The
// current health of a service is its most recent snapshot by CheckedAt.
type HealthSnapshot struct {
	ServiceName    string            `json:"service_name"`
	ServiceURL     string            `json:"service_url"`
	Status         HealthStatus      `json:"status"`
	ResponseTimeMs *float64          `json:"response_time_ms,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CheckedAt      time.Time         `json:"checked_at"`
}

// Alert is the only mutable entity in the engine; all mutation goes
// through the lifecycle transitions. At most one ACTIVE alert may exist
// per (ServiceName, AlertType) pair.
type Alert struct {
	ID             string            `json:"id"`
	ServiceName    string            `json:"service_name"`
	AlertType      string            `json:"alert_type"`
	Severity       Severity          `json:"severity"`
	Status         AlertStatus       `json:"status"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Value          *float64          `json:"value,omitempty"`
	Threshold      *float64          `json:"threshold,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
	AcknowledgedBy *string           `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
}
