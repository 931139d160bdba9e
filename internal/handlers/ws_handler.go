package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relaydesk/internal/config"
	"relaydesk/internal/middleware"
	"relaydesk/internal/services"
)

// GatewayHandler upgrades agent connections into the realtime hub.
type GatewayHandler struct {
	hub *services.Hub
	cfg *config.Config
}

func NewGatewayHandler(hub *services.Hub, cfg *config.Config) *GatewayHandler {
	return &GatewayHandler{hub: hub, cfg: cfg}
}

// ServeAgent authenticates the ?token= credential and hands the connection to
// the hub. Auth happens here rather than in middleware because the failure
// must be an HTTP response, not a half-open socket.
func (h *GatewayHandler) ServeAgent(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "missing token",
		})
		return
	}
	claims, err := middleware.VerifyAgentToken(h.cfg.JWT.Secret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: err.Error(),
		})
		return
	}
	h.hub.ServeAgent(c.Writer, c.Request, claims.AgentID, claims.AgentName)
}

// Stats reports gateway connection counts.
func (h *GatewayHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_agents": h.hub.GetClientCount(),
		"status":           "running",
	})
}

// RegisterGatewayRoutes wires the websocket endpoints.
func RegisterGatewayRoutes(r *gin.RouterGroup, handler *GatewayHandler) {
	r.GET("/ws/agent", handler.ServeAgent)
	r.GET("/ws/stats", handler.Stats)
}
