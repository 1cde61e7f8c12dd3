package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Target is one registered service on the probe roster.
type Target struct {
	Name string
	URL  string
}

type Config struct {
	Port        string
	Environment string

	PostgresHost     string
	PostgresPort     string
	PostgresDatabase string
	PostgresUser     string
	PostgresPassword string

	RedisURL string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	ArchiveBucket  string
	ArchiveEnabled bool

	// Probe roster, parsed from MONITOR_TARGETS ("name=url,name=url").
	Targets []Target

	// LocalService is the service name the system-metric alert rules
	// evaluate against.
	LocalService string

	// AccessLogPath enables the access log collector when set.
	AccessLogPath string

	FlushInterval     time.Duration
	ProbeInterval     time.Duration
	EvaluateInterval  time.Duration
	RetentionInterval time.Duration

	BufferCapacity int
	ProbeTimeout   time.Duration
	RetentionDays  int

	// Alert rule thresholds.
	CPUThreshold          float64
	MemoryThreshold       float64
	ResponseTimeThreshold float64
	LatencyThreshold      float64
	ErrorRateThreshold    float64

	// Metric names the evaluator reads. The contract between the
	// recording path and the rules is configuration, not code.
	CPUMetric          string
	MemoryMetric       string
	ResponseTimeMetric string

	SlackWebhookURL string
	SlackEnabled    bool
	WebhookURL      string
	WebhookEnabled  bool
	PagerURL        string
	PagerRoutingKey string
	PagerEnabled    bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "5120"),
		Environment:      getEnv("GO_ENV", "development"),
		PostgresHost:     getEnv("POSTGRESQL_HOST", "postgres"),
		PostgresPort:     getEnv("POSTGRESQL_PORT", "5432"),
		PostgresDatabase: getEnv("POSTGRESQL_DATABASE", "fleetwatch_db"),
		PostgresUser:     getEnv("POSTGRESQL_USER", "fleetwatch"),
		PostgresPassword: getEnv("POSTGRESQL_PASSWORD", ""),
		RedisURL:         getEnv("REDIS_URL", "redis://redis:6379"),
		MinioEndpoint:    getEnv("MINIO_ENDPOINT", "minio:9000"),
		MinioAccessKey:   getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey:   getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinioUseSSL:      getEnv("MINIO_USE_SSL", "false") == "true",
		ArchiveBucket:    getEnv("ALERT_ARCHIVE_BUCKET", "fleetwatch-alert-archive"),
		ArchiveEnabled:   getEnv("ALERT_ARCHIVE_ENABLED", "true") == "true",

		LocalService:  getEnv("LOCAL_SERVICE_NAME", "fleetwatch"),
		AccessLogPath: getEnv("ACCESS_LOG_PATH", ""),

		FlushInterval:     getEnvDuration("METRIC_FLUSH_INTERVAL", 30*time.Second),
		ProbeInterval:     getEnvDuration("HEALTH_PROBE_INTERVAL", 60*time.Second),
		EvaluateInterval:  getEnvDuration("ALERT_EVALUATE_INTERVAL", 60*time.Second),
		RetentionInterval: getEnvDuration("RETENTION_SWEEP_INTERVAL", 24*time.Hour),

		BufferCapacity: getEnvInt("METRIC_BUFFER_CAPACITY", 100),
		ProbeTimeout:   getEnvDuration("HEALTH_PROBE_TIMEOUT", 10*time.Second),
		RetentionDays:  getEnvInt("ALERT_RETENTION_DAYS", 30),

		CPUThreshold:          getEnvFloat("ALERT_CPU_THRESHOLD", 85),
		MemoryThreshold:       getEnvFloat("ALERT_MEMORY_THRESHOLD", 90),
		ResponseTimeThreshold: getEnvFloat("ALERT_RESPONSE_TIME_THRESHOLD", 1000),
		LatencyThreshold:      getEnvFloat("ALERT_LATENCY_THRESHOLD", 1000),
		ErrorRateThreshold:    getEnvFloat("ALERT_ERROR_RATE_THRESHOLD", 10),

		CPUMetric:          getEnv("ALERT_CPU_METRIC", "cpu.usage"),
		MemoryMetric:       getEnv("ALERT_MEMORY_METRIC", "memory.usage"),
		ResponseTimeMetric: getEnv("ALERT_RESPONSE_TIME_METRIC", "response_time"),

		SlackWebhookURL: getEnv("SLACK_WEBHOOK_URL", ""),
		SlackEnabled:    getEnv("SLACK_ENABLED", "false") == "true",
		WebhookURL:      getEnv("NOTIFY_WEBHOOK_URL", ""),
		WebhookEnabled:  getEnv("NOTIFY_WEBHOOK_ENABLED", "false") == "true",
		PagerURL:        getEnv("PAGER_URL", ""),
		PagerRoutingKey: getEnv("PAGER_ROUTING_KEY", ""),
		PagerEnabled:    getEnv("PAGER_ENABLED", "false") == "true",
	}

	targets, err := ParseTargets(getEnv("MONITOR_TARGETS", ""))
	if err != nil {
		return nil, err
	}
	cfg.Targets = targets

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseTargets parses a "name=url,name=url" roster declaration.
func ParseTargets(raw string) ([]Target, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var targets []Target
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rawURL, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid MONITOR_TARGETS entry %q: expected name=url", entry)
		}
		u, err := url.Parse(strings.TrimSpace(rawURL))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid MONITOR_TARGETS url for %q: %q", name, rawURL)
		}
		targets = append(targets, Target{Name: strings.TrimSpace(name), URL: strings.TrimSpace(rawURL)})
	}

	return targets, nil
}

func (c *Config) Validate() error {
	var missingVars []string

	if c.Port == "" {
		missingVars = append(missingVars, "PORT")
	}
	if c.PostgresHost == "" {
		missingVars = append(missingVars, "POSTGRESQL_HOST")
	}
	if c.PostgresPort == "" {
		missingVars = append(missingVars, "POSTGRESQL_PORT")
	}
	if c.PostgresDatabase == "" {
		missingVars = append(missingVars, "POSTGRESQL_DATABASE")
	}
	if c.PostgresUser == "" {
		missingVars = append(missingVars, "POSTGRESQL_USER")
	}
	if c.RedisURL == "" {
		missingVars = append(missingVars, "REDIS_URL")
	}
	if c.ArchiveEnabled {
		if c.MinioEndpoint == "" {
			missingVars = append(missingVars, "MINIO_ENDPOINT")
		}
		if c.MinioAccessKey == "" {
			missingVars = append(missingVars, "MINIO_ACCESS_KEY")
		}
		if c.MinioSecretKey == "" {
			missingVars = append(missingVars, "MINIO_SECRET_KEY")
		}
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	if _, err := url.Parse(c.RedisURL); err != nil {
		return fmt.Errorf("invalid REDIS_URL format: %w", err)
	}

	if c.BufferCapacity <= 0 {
		return fmt.Errorf("METRIC_BUFFER_CAPACITY must be positive, got %d", c.BufferCapacity)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("ALERT_RETENTION_DAYS must be positive, got %d", c.RetentionDays)
	}

	return nil
}

func (c *Config) GetPostgresConnString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDatabase,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
