package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"fleetwatch/pkg/config"
	"fleetwatch/pkg/models"

	"github.com/go-redis/redis/v8"
)

// LiveCache keeps the most recent health status and gauge values per
// service in Redis for real-time reads. Best effort: the repository is
// authoritative, cache misses fall through to it.
type LiveCache struct {
	client *redis.Client
}

func NewRedisConnection(cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Verify connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return client, nil
}

func NewLiveCache(client *redis.Client) *LiveCache {
	return &LiveCache{client: client}
}

func (c *LiveCache) healthKey(service string) string {
	return fmt.Sprintf("health:%s:latest", service)
}

func (c *LiveCache) gaugeKey(service string) string {
	return fmt.Sprintf("gauges:%s:latest", service)
}

// SetHealth stores the latest probe outcome for a service.
func (c *LiveCache) SetHealth(ctx context.Context, snapshot *models.HealthSnapshot) error {
	fields := []interface{}{
		"status", string(snapshot.Status),
		"service_url", snapshot.ServiceURL,
		"error_message", snapshot.ErrorMessage,
		"checked_at", snapshot.CheckedAt.Unix(),
	}
	if snapshot.ResponseTimeMs != nil {
		fields = append(fields, "response_time_ms", *snapshot.ResponseTimeMs)
	}

	return c.client.HSet(ctx, c.healthKey(snapshot.ServiceName), fields...).Err()
}

// GetHealth returns the cached latest snapshot for a service, or
// ErrNotFound when the hash is absent.
func (c *LiveCache) GetHealth(ctx context.Context, service string) (*models.HealthSnapshot, error) {
	values, err := c.client.HGetAll(ctx, c.healthKey(service)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cached health: %w", err)
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}

	snapshot := &models.HealthSnapshot{
		ServiceName:  service,
		ServiceURL:   values["service_url"],
		Status:       models.HealthStatus(values["status"]),
		ErrorMessage: values["error_message"],
	}
	if raw, ok := values["checked_at"]; ok {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			snapshot.CheckedAt = time.Unix(unix, 0).UTC()
		}
	}
	if raw, ok := values["response_time_ms"]; ok {
		if ms, err := strconv.ParseFloat(raw, 64); err == nil {
			snapshot.ResponseTimeMs = &ms
		}
	}

	return snapshot, nil
}

// SetGauge stores the latest value of a gauge metric for a service.
func (c *LiveCache) SetGauge(ctx context.Context, sample *models.MetricSample) error {
	return c.client.HSet(ctx, c.gaugeKey(sample.ServiceName), sample.MetricName, sample.Value).Err()
}

// GetGauge returns the cached latest value of a gauge, or ErrNotFound.
func (c *LiveCache) GetGauge(ctx context.Context, service, metric string) (float64, error) {
	raw, err := c.client.HGet(ctx, c.gaugeKey(service), metric).Result()
	if err == redis.Nil {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cached gauge: %w", err)
	}

	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse cached gauge %q: %w", raw, err)
	}

	return value, nil
}
