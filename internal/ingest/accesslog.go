package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"fleetwatch/pkg/logger"
	"fleetwatch/pkg/models"

	"github.com/go-redis/redis/v8"
)

const (
	collectInterval = 30 * time.Second
	offsetKey       = "accesslog:last_pos"
	offsetTTL       = 24 * time.Hour
	maxLineSize     = 256 * 1024
)

// Recorder receives the performance samples parsed from the log.
type Recorder interface {
	RecordPerformance(ctx context.Context, sample models.PerformanceSample) error
}

// OffsetStore checkpoints the read position so restarts do not replay
// already ingested lines.
type OffsetStore interface {
	GetOffset(ctx context.Context, key string) (int64, error)
	SetOffset(ctx context.Context, key string, pos int64) error
}

// RedisOffsets keeps checkpoints in Redis with a TTL, so a log rotated
// away for a day starts fresh.
type RedisOffsets struct {
	client *redis.Client
}

func NewRedisOffsets(client *redis.Client) *RedisOffsets {
	return &RedisOffsets{client: client}
}

func (r *RedisOffsets) GetOffset(ctx context.Context, key string) (int64, error) {
	pos, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return pos, err
}

func (r *RedisOffsets) SetOffset(ctx context.Context, key string, pos int64) error {
	return r.client.Set(ctx, key, pos, offsetTTL).Err()
}

// accessLogEntry is the JSON access log line format (Traefik-style
// field names, duration in nanoseconds).
type accessLogEntry struct {
	RequestMethod         string `json:"RequestMethod"`
	RequestPath           string `json:"RequestPath"`
	DownstreamStatus      int    `json:"DownstreamStatus"`
	DownstreamContentSize int64  `json:"DownstreamContentSize"`
	RequestContentSize    int64  `json:"RequestContentSize"`
	Duration              int64  `json:"Duration"`
	StartLocal            string `json:"StartLocal"`
}

// AccessLogCollector tails a JSON access log and turns each request
// line into a performance sample for the local service. Requests then
// flow through the same buffer and alert rules as samples posted over
// the API.
type AccessLogCollector struct {
	recorder Recorder
	offsets  OffsetStore
	logPath  string
	service  string
	stopCh   chan struct{}
	doneCh   chan struct{}
	now      func() time.Time
}

func NewAccessLogCollector(recorder Recorder, offsets OffsetStore, logPath, service string) *AccessLogCollector {
	return &AccessLogCollector{
		recorder: recorder,
		offsets:  offsets,
		logPath:  logPath,
		service:  service,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		now:      time.Now,
	}
}

func (c *AccessLogCollector) Start(ctx context.Context) {
	go func() {
		defer close(c.doneCh)

		ticker := time.NewTicker(collectInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if err := c.Collect(ctx); err != nil {
					logger.Error("Failed to collect access log", logger.Err(err))
				}
			}
		}
	}()

	logger.Info("Access log collector started",
		logger.String("log_path", c.logPath),
		logger.String("service", c.service),
	)
}

func (c *AccessLogCollector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// Collect reads all lines appended since the last checkpoint. A
// truncated or rotated file resets the checkpoint to the start.
func (c *AccessLogCollector) Collect(ctx context.Context) error {
	file, err := os.Open(c.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("Access log not found", logger.String("path", c.logPath))
			return nil
		}
		return fmt.Errorf("failed to open access log: %w", err)
	}
	defer file.Close()

	lastPos, err := c.offsets.GetOffset(ctx, offsetKey)
	if err != nil {
		logger.Warn("Failed to read access log checkpoint", logger.Err(err))
		lastPos = 0
	}

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat access log: %w", err)
	}
	if lastPos > info.Size() {
		lastPos = 0
	}

	if _, err := file.Seek(lastPos, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek access log: %w", err)
	}

	reader := bufio.NewReaderSize(file, 64*1024)

	// The checkpoint only advances past newline-terminated lines, so a
	// line still being appended at EOF is re-read complete next pass.
	ingested := 0
	newPos := lastPos
	for {
		raw, err := reader.ReadString('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read access log: %w", err)
		}
		newPos += int64(len(raw))

		line := strings.TrimRight(raw, "\r\n")
		if line == "" || len(line) > maxLineSize {
			continue
		}

		sample, ok := c.parseLine(line)
		if !ok {
			continue
		}

		if err := c.recorder.RecordPerformance(ctx, sample); err != nil {
			logger.Debug("Skipping malformed access log sample", logger.Err(err))
			continue
		}
		ingested++
	}

	if err := c.offsets.SetOffset(ctx, offsetKey, newPos); err != nil {
		logger.Warn("Failed to store access log checkpoint", logger.Err(err))
	}

	if ingested > 0 {
		logger.Debug("Ingested access log samples", logger.Int("count", ingested))
	}

	return nil
}

func (c *AccessLogCollector) parseLine(line string) (models.PerformanceSample, bool) {
	var entry accessLogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return models.PerformanceSample{}, false
	}
	if entry.RequestMethod == "" || entry.RequestPath == "" {
		return models.PerformanceSample{}, false
	}

	ts, _ := time.Parse(time.RFC3339, entry.StartLocal)
	if ts.IsZero() {
		ts = c.now().UTC()
	}

	// Strip query strings so endpoints group cleanly.
	endpoint := entry.RequestPath
	if idx := strings.Index(endpoint, "?"); idx > 0 {
		endpoint = endpoint[:idx]
	}

	sample := models.PerformanceSample{
		ServiceName:    c.service,
		Endpoint:       endpoint,
		Method:         entry.RequestMethod,
		ResponseTimeMs: float64(entry.Duration) / float64(time.Millisecond),
		StatusCode:     entry.DownstreamStatus,
		Timestamp:      ts,
	}
	if entry.RequestContentSize > 0 {
		sample.RequestSize = &entry.RequestContentSize
	}
	if entry.DownstreamContentSize > 0 {
		sample.ResponseSize = &entry.DownstreamContentSize
	}

	return sample, true
}
