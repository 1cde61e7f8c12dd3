package api

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"fleetwatch/internal/monitoring"
	"fleetwatch/internal/storage"
	"fleetwatch/pkg/logger"
	"fleetwatch/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsWriteWait bounds every websocket write so a dead peer cannot park
// the handler goroutine.
const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// Alert ids are UUIDs; anything else would reach the UUID column as a
// syntax error instead of a clean miss.
func (s *Server) validateAlertID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := uuid.Parse(c.Param("alertId")); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid alert ID format"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) validateServiceName() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("serviceName")
		if !idPattern.MatchString(name) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid service name format"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// writeError maps domain errors onto HTTP status codes. Unrecognized
// errors are logged and reported as 500 without leaking detail.
func (s *Server) writeError(c *gin.Context, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, storage.ErrDuplicateAlert):
		c.JSON(http.StatusConflict, gin.H{"error": "An active alert already exists for this service and alert type"})
	case errors.Is(err, monitoring.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			logger.Err(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// parseTimeRange reads optional RFC3339 start/end query parameters.
// Zero values mean "use the default window".
func parseTimeRange(c *gin.Context) (start, end time.Time, ok bool) {
	if raw := c.Query("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid start time. Use RFC3339 format."})
			return start, end, false
		}
		start = t
	}
	if raw := c.Query("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid end time. Use RFC3339 format."})
			return start, end, false
		}
		end = t
	}
	return start, end, true
}

func parseLimit(c *gin.Context, fallback int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return 0, false
	}
	return n, true
}

// Record a metric sample
func (s *Server) handleRecordMetric(c *gin.Context) {
	var sample models.MetricSample
	if err := c.ShouldBindJSON(&sample); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := s.engine.RecordMetric(c.Request.Context(), sample); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Metric recorded"})
}

// Record a performance sample
func (s *Server) handleRecordPerformance(c *gin.Context) {
	var sample models.PerformanceSample
	if err := c.ShouldBindJSON(&sample); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := s.engine.RecordPerformance(c.Request.Context(), sample); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Performance sample recorded"})
}

// Get aggregated statistics for one metric
func (s *Server) handleMetricStats(c *gin.Context) {
	service := c.Query("service")
	metric := c.Query("metric")
	if service == "" || metric == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service and metric query parameters are required"})
		return
	}

	start, end, ok := parseTimeRange(c)
	if !ok {
		return
	}

	stats, err := s.engine.MetricStats(c.Request.Context(), service, metric, start, end)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// Get the aggregated performance summary for a service
func (s *Server) handlePerformanceSummary(c *gin.Context) {
	service := c.Query("service")
	if service == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service query parameter is required"})
		return
	}

	start, end, ok := parseTimeRange(c)
	if !ok {
		return
	}

	summary, err := s.engine.AggregatedSummary(c.Request.Context(), service, start, end)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// Rank endpoints by average latency
func (s *Server) handleSlowestEndpoints(c *gin.Context) {
	service := c.Query("service")
	if service == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service query parameter is required"})
		return
	}

	start, end, ok := parseTimeRange(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c, 10)
	if !ok {
		return
	}

	stats, err := s.engine.SlowestEndpoints(c.Request.Context(), service, start, end, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"service": service, "endpoints": stats, "count": len(stats)})
}

// Rank endpoints by error rate
func (s *Server) handleErrorRates(c *gin.Context) {
	service := c.Query("service")
	if service == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service query parameter is required"})
		return
	}

	start, end, ok := parseTimeRange(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c, 10)
	if !ok {
		return
	}

	stats, err := s.engine.ErrorRates(c.Request.Context(), service, start, end, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"service": service, "endpoints": stats, "count": len(stats)})
}

// Get the latest health snapshot of every monitored service
func (s *Server) handleFleetHealth(c *gin.Context) {
	snapshots, err := s.engine.FleetHealth(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"services": snapshots, "count": len(snapshots)})
}

// Get the current health of one service
func (s *Server) handleServiceHealth(c *gin.Context) {
	service := c.Param("serviceName")

	snapshot, err := s.engine.CurrentHealth(c.Request.Context(), service)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

type probeRequest struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Timeout string `json:"timeout"`
}

// Run an ad-hoc probe against one endpoint
func (s *Server) handleProbe(c *gin.Context) {
	var req probeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid timeout. Use a Go duration string."})
			return
		}
		timeout = d
	}

	snapshot, err := s.engine.ProbeOne(c.Request.Context(), req.Name, req.URL, timeout)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// List alerts, optionally filtered by service and status
func (s *Server) handleListAlerts(c *gin.Context) {
	filter := storage.AlertFilter{
		ServiceName: c.Query("service"),
	}

	if raw := c.Query("status"); raw != "" {
		status := models.AlertStatus(raw)
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
			return
		}
		filter.Status = status
	}

	alerts, err := s.engine.ListAlerts(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// Create an alert from an external event
func (s *Server) handleCreateAlert(c *gin.Context) {
	var alert models.Alert
	if err := c.ShouldBindJSON(&alert); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := s.engine.CreateAlert(c.Request.Context(), &alert); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, alert)
}

// Get a single alert
func (s *Server) handleGetAlert(c *gin.Context) {
	alert, err := s.engine.GetAlert(c.Request.Context(), c.Param("alertId"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, alert)
}

type acknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}

// Acknowledge an alert
func (s *Server) handleAcknowledgeAlert(c *gin.Context) {
	var req acknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	alert, err := s.engine.AcknowledgeAlert(c.Request.Context(), c.Param("alertId"), req.AcknowledgedBy)
	if err != nil {
		s.writeError(c, err)
		return
	}

	logger.Info("Alert acknowledged", zap.String("alert_id", alert.ID))
	c.JSON(http.StatusOK, alert)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

// Resolve an alert
func (s *Server) handleResolveAlert(c *gin.Context) {
	// An empty body is fine; resolved_by is optional.
	var req resolveRequest
	_ = c.ShouldBindJSON(&req)

	alert, err := s.engine.ResolveAlert(c.Request.Context(), c.Param("alertId"), req.ResolvedBy)
	if err != nil {
		s.writeError(c, err)
		return
	}

	logger.Info("Alert resolved", zap.String("alert_id", alert.ID))
	c.JSON(http.StatusOK, alert)
}

// Count alerts by status and severity
func (s *Server) handleAlertsSummary(c *gin.Context) {
	summary, err := s.engine.AlertsSummary(c.Request.Context(), c.Query("service"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// Bucket alert counts over time
func (s *Server) handleAlertTrends(c *gin.Context) {
	start, end, ok := parseTimeRange(c)
	if !ok {
		return
	}

	bucket := monitoring.TrendBucket(c.DefaultQuery("bucket", "day"))

	points, err := s.engine.AlertTrends(c.Request.Context(), start, end, c.Query("service"), bucket)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trends": points, "count": len(points)})
}

type testNotificationRequest struct {
	Channel string `json:"channel"`
}

// Send a test notification through one channel
func (s *Server) handleTestNotification(c *gin.Context) {
	var req testNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := s.engine.SendTestNotification(c.Request.Context(), req.Channel); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Test notification sent", "channel": req.Channel})
}

// Report background task and buffer state
func (s *Server) handleStatus(c *gin.Context) {
	metricCount, perfCount := s.engine.BufferPending()

	c.JSON(http.StatusOK, gin.H{
		"workers": s.pool.Status(),
		"buffer": gin.H{
			"metrics":     metricCount,
			"performance": perfCount,
		},
		"targets": len(s.config.Targets),
	})
}

// Stream newly created alerts over WebSocket
func (s *Server) handleWebSocketAlerts(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("Failed to upgrade WebSocket connection for alerts", logger.Err(err))
		return
	}
	defer conn.Close()

	logger.Info("WebSocket alert stream started", zap.String("client_ip", c.ClientIP()))

	feed, cancel := s.engine.SubscribeAlerts()
	defer cancel()

	// Drain client messages so close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case alert, open := <-feed:
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(alert); err != nil {
				logger.Error("Failed to write alert to WebSocket", logger.Err(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				logger.Error("WebSocket ping failed", logger.Err(err))
				return
			}
		}
	}
}
