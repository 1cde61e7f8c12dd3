package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"fleetwatch/internal/monitoring"
	"fleetwatch/internal/worker"
	"fleetwatch/pkg/config"
	"fleetwatch/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	config *config.Config
	engine *monitoring.Engine
	pool   *worker.Pool
	db     *sql.DB
	redis  *redis.Client
	router *gin.Engine
}

func NewServer(cfg *config.Config, engine *monitoring.Engine, pool *worker.Pool, db *sql.DB, rdb *redis.Client) *Server {
	// Set Gin mode based on environment
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config: cfg,
		engine: engine,
		pool:   pool,
		db:     db,
		redis:  rdb,
		router: gin.New(),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupMiddleware() {
	// Recovery middleware recovers from any panics
	s.router.Use(gin.Recovery())

	// Custom logging middleware
	s.router.Use(s.loggingMiddleware())

	// CORS middleware
	s.router.Use(s.corsMiddleware())

	// Request timeout middleware
	s.router.Use(s.timeoutMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	{
		api.POST("/metrics", s.handleRecordMetric)
		api.POST("/performance", s.handleRecordPerformance)
		api.GET("/status", s.handleStatus)

		metrics := api.Group("/metrics")
		{
			metrics.GET("/stats", s.handleMetricStats)
		}

		performance := api.Group("/performance")
		{
			performance.GET("/summary", s.handlePerformanceSummary)
			performance.GET("/slowest", s.handleSlowestEndpoints)
			performance.GET("/error-rates", s.handleErrorRates)
		}

		services := api.Group("/services")
		{
			services.GET("", s.handleFleetHealth)
			services.POST("/probe", s.handleProbe)
			services.GET("/:serviceName/health", s.validateServiceName(), s.handleServiceHealth)
		}

		alerts := api.Group("/alerts")
		{
			alerts.GET("", s.handleListAlerts)
			alerts.POST("", s.handleCreateAlert)
			alerts.GET("/summary", s.handleAlertsSummary)
			alerts.GET("/trends", s.handleAlertTrends)
			alerts.GET("/:alertId", s.validateAlertID(), s.handleGetAlert)
			alerts.POST("/:alertId/acknowledge", s.validateAlertID(), s.handleAcknowledgeAlert)
			alerts.POST("/:alertId/resolve", s.validateAlertID(), s.handleResolveAlert)
		}

		api.POST("/notifications/test", s.handleTestNotification)
	}

	ws := s.router.Group("/ws")
	{
		ws.GET("/alerts", s.handleWebSocketAlerts)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	health := gin.H{
		"status":  "healthy",
		"time":    time.Now().Format(time.RFC3339),
		"version": "1.0.0",
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		health["status"] = "unhealthy"
		health["database"] = "disconnected"
		c.JSON(http.StatusServiceUnavailable, health)
		return
	}
	health["database"] = "connected"

	if err := s.redis.Ping(ctx).Err(); err != nil {
		health["status"] = "degraded"
		health["redis"] = "disconnected"
	} else {
		health["redis"] = "connected"
	}

	c.JSON(http.StatusOK, health)
}

// Middleware
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		// Process request
		c.Next()

		// Log after request
		duration := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP Request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", statusCode),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Set a default timeout of 30 seconds for all requests
		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
