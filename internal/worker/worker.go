package worker

import (
	"context"
	"sync"
	"time"

	"fleetwatch/internal/monitoring"
	"fleetwatch/pkg/config"
	"fleetwatch/pkg/logger"
	"fleetwatch/pkg/models"
)

// TaskStatus describes one scheduled background task.
type TaskStatus struct {
	Name     string        `json:"name"`
	Running  bool          `json:"running"`
	Interval time.Duration `json:"interval"`
}

// Pool runs the engine's periodic work: probing targets, flushing
// sample buffers, evaluating alert rules and sweeping retention. One
// goroutine per task, all stopped together through Stop.
type Pool struct {
	config *config.Config
	engine *monitoring.Engine
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

func NewPool(cfg *config.Config, engine *monitoring.Engine) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config: cfg,
		engine: engine,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *Pool) Start() {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	logger.Info("Starting worker pool")

	p.wg.Add(1)
	go p.healthProber()

	p.wg.Add(1)
	go p.metricFlusher()

	p.wg.Add(1)
	go p.alertEvaluator()

	p.wg.Add(1)
	go p.retentionSweeper()
}

// Stop cancels all tasks, waits for them to finish, then drains the
// sample buffers so nothing recorded before shutdown is lost.
func (p *Pool) Stop() {
	logger.Info("Stopping worker pool...")
	p.cancel()
	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.engine.FlushBuffers(ctx)

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	logger.Info("Worker pool stopped")
}

// Status reports every scheduled task and its interval.
func (p *Pool) Status() []TaskStatus {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	return []TaskStatus{
		{Name: "health_prober", Running: running, Interval: p.config.ProbeInterval},
		{Name: "metric_flusher", Running: running, Interval: p.config.FlushInterval},
		{Name: "alert_evaluator", Running: running, Interval: p.config.EvaluateInterval},
		{Name: "retention_sweeper", Running: running, Interval: p.config.RetentionInterval},
	}
}

func (p *Pool) healthProber() {
	defer p.wg.Done()

	logger.Info("Health prober started", logger.Duration("interval", p.config.ProbeInterval))

	ticker := time.NewTicker(p.config.ProbeInterval)
	defer ticker.Stop()

	// Probe immediately so dashboards have data before the first tick.
	p.probeOnce()

	for {
		select {
		case <-p.ctx.Done():
			logger.Info("Health prober stopped")
			return
		case <-ticker.C:
			p.probeOnce()
		}
	}
}

func (p *Pool) probeOnce() {
	ctx, cancel := context.WithTimeout(p.ctx, 60*time.Second)
	defer cancel()

	snapshots := p.engine.ProbeAll(ctx)

	healthy := 0
	for i := range snapshots {
		if snapshots[i].Status == models.StatusHealthy {
			healthy++
		}
	}
	logger.Debug("Probe cycle completed",
		logger.Int("targets", len(snapshots)),
		logger.Int("healthy", healthy),
	)
}

func (p *Pool) metricFlusher() {
	defer p.wg.Done()

	logger.Info("Metric flusher started", logger.Duration("interval", p.config.FlushInterval))

	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			logger.Info("Metric flusher stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
			p.engine.FlushBuffers(ctx)
			cancel()
		}
	}
}

func (p *Pool) alertEvaluator() {
	defer p.wg.Done()

	logger.Info("Alert evaluator started", logger.Duration("interval", p.config.EvaluateInterval))

	ticker := time.NewTicker(p.config.EvaluateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			logger.Info("Alert evaluator stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(p.ctx, 60*time.Second)
			p.engine.EvaluateAlerts(ctx)
			cancel()
		}
	}
}

func (p *Pool) retentionSweeper() {
	defer p.wg.Done()

	logger.Info("Retention sweeper started", logger.Duration("interval", p.config.RetentionInterval))

	ticker := time.NewTicker(p.config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			logger.Info("Retention sweeper stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(p.ctx, 5*time.Minute)
			p.engine.SweepRetention(ctx)
			cancel()
		}
	}
}
