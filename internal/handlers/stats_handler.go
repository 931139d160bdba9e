package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"relaydesk/internal/services"
)

// StatsHandler serves operational counters for the agent dashboard.
type StatsHandler struct {
	stats  *services.StatsService
	hub    *services.Hub
	logger *logrus.Logger
}

func NewStatsHandler(stats *services.StatsService, hub *services.Hub, logger *logrus.Logger) *StatsHandler {
	return &StatsHandler{stats: stats, hub: hub, logger: logger}
}

// Realtime returns the current dashboard counters.
func (h *StatsHandler) Realtime(c *gin.Context) {
	metrics, err := h.stats.Realtime(c.Request.Context())
	if err != nil {
		h.logger.Errorf("Failed to compute realtime metrics: %v", err)
		abortWithServiceError(c, err, "Failed to compute metrics")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"metrics":          metrics,
		"connected_agents": h.hub.GetClientCount(),
		"generated_at":     time.Now().UTC(),
	})
}

// RegisterStatsRoutes wires the metrics API.
func RegisterStatsRoutes(r *gin.RouterGroup, handler *StatsHandler) {
	metrics := r.Group("/metrics")
	{
		metrics.GET("/realtime", handler.Realtime)
	}
}

// HealthHandler answers liveness and readiness probes.
type HealthHandler struct {
	db *gorm.DB
}

func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// Ready reports unready until the database answers.
func (h *HealthHandler) Ready(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unready",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
