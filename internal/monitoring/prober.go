package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"fleetwatch/internal/telemetry"
	"fleetwatch/pkg/config"
	"fleetwatch/pkg/logger"
	"fleetwatch/pkg/models"
)

const (
	DefaultProbeTimeout = 10 * time.Second
	MinProbeTimeout     = 1 * time.Second
	MaxProbeTimeout     = 30 * time.Second

	maxProbeBodySize = 1 << 20
)

// SnapshotWriter is the slice of the repository the prober needs.
type SnapshotWriter interface {
	InsertHealthSnapshot(ctx context.Context, snapshot *models.HealthSnapshot) error
}

// HealthCache receives the latest snapshot per service for real-time
// reads. Optional; failures are logged and ignored.
type HealthCache interface {
	SetHealth(ctx context.Context, snapshot *models.HealthSnapshot) error
}

// Prober polls the registered service roster over HTTP and persists one
// HealthSnapshot per probe, success or failure. Errors never escape a
// probe; they are folded into an UNHEALTHY snapshot.
type Prober struct {
	writer  SnapshotWriter
	cache   HealthCache
	targets []config.Target
	timeout time.Duration
	now     func() time.Time

	HTTP *http.Client
}

func NewProber(writer SnapshotWriter, cache HealthCache, targets []config.Target, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{
		writer:  writer,
		cache:   cache,
		targets: targets,
		timeout: timeout,
		now:     time.Now,
		HTTP:    &http.Client{},
	}
}

// ProbeAll probes every registered service concurrently and returns the
// collected snapshots. A failed probe never aborts the others.
func (p *Prober) ProbeAll(ctx context.Context) []models.HealthSnapshot {
	snapshots := make([]models.HealthSnapshot, len(p.targets))

	var wg sync.WaitGroup
	for i, target := range p.targets {
		wg.Add(1)
		go func(i int, target config.Target) {
			defer wg.Done()
			snapshots[i] = p.probe(ctx, target.Name, target.URL, p.timeout)
		}(i, target)
	}
	wg.Wait()

	return snapshots
}

// ProbeOne runs an ad-hoc probe with a caller-supplied timeout, clamped
// to [MinProbeTimeout, MaxProbeTimeout].
func (p *Prober) ProbeOne(ctx context.Context, name, url string, timeout time.Duration) (*models.HealthSnapshot, error) {
	if strings.TrimSpace(name) == "" {
		return nil, models.Invalid("service name", "must not be empty")
	}
	if strings.TrimSpace(url) == "" {
		return nil, models.Invalid("service url", "must not be empty")
	}

	if timeout <= 0 {
		timeout = p.timeout
	}
	if timeout < MinProbeTimeout {
		timeout = MinProbeTimeout
	}
	if timeout > MaxProbeTimeout {
		timeout = MaxProbeTimeout
	}

	snapshot := p.probe(ctx, name, url, timeout)
	return &snapshot, nil
}

// probe executes one HTTP check and persists its snapshot. Transport
// errors, timeouts and non-2xx responses classify as UNHEALTHY.
func (p *Prober) probe(ctx context.Context, name, url string, timeout time.Duration) models.HealthSnapshot {
	snapshot := models.HealthSnapshot{
		ServiceName: name,
		ServiceURL:  url,
		CheckedAt:   p.now().UTC(),
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	startTime := time.Now()
	status, errMsg := p.execute(reqCtx, url)
	elapsed := time.Since(startTime)

	responseTime := float64(elapsed.Milliseconds())
	snapshot.Status = status
	snapshot.ResponseTimeMs = &responseTime
	snapshot.ErrorMessage = errMsg

	telemetry.ProbesTotal.WithLabelValues(string(status)).Inc()
	telemetry.ProbeDuration.Observe(elapsed.Seconds())

	p.store(&snapshot)

	return snapshot
}

func (p *Prober) execute(ctx context.Context, url string) (models.HealthStatus, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.StatusUnhealthy, err.Error()
	}

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return models.StatusUnhealthy, err.Error()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBodySize))
	if err != nil {
		return models.StatusUnhealthy, fmt.Sprintf("failed to read response body: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.StatusUnhealthy, fmt.Sprintf("unexpected status code %d", resp.StatusCode)
	}

	return classifyBody(body), ""
}

// classifyBody maps the response's declared status field onto a
// HealthStatus. A 2xx body with no recognizable declaration is UNKNOWN.
func classifyBody(body []byte) models.HealthStatus {
	var declared struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &declared); err != nil {
		return models.StatusUnknown
	}

	switch strings.ToLower(declared.Status) {
	case "healthy", "ok", "up":
		return models.StatusHealthy
	case "unhealthy":
		return models.StatusUnhealthy
	case "degraded":
		return models.StatusDegraded
	case "maintenance":
		return models.StatusMaintenance
	default:
		return models.StatusUnknown
	}
}

// store persists the snapshot. Write failures are logged, not raised:
// a failed write costs one observation, never a crash.
func (p *Prober) store(snapshot *models.HealthSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.writer.InsertHealthSnapshot(ctx, snapshot); err != nil {
		logger.Error("Failed to store health snapshot",
			logger.String("service", snapshot.ServiceName),
			logger.Err(err),
		)
		return
	}

	if p.cache != nil {
		if err := p.cache.SetHealth(ctx, snapshot); err != nil {
			logger.Warn("Failed to cache health snapshot",
				logger.String("service", snapshot.ServiceName),
				logger.Err(err),
			)
		}
	}
}
