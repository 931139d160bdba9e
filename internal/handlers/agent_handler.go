package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"relaydesk/internal/models"
	"relaydesk/internal/services"
)

// AgentHandler serves the authenticated agent console API.
type AgentHandler struct {
	takeover *services.TakeoverService
	events   *services.EventService
	broker   *services.EscalationBroker
	stats    *services.StatsService
	hub      *services.Hub
	logger   *logrus.Logger
}

func NewAgentHandler(takeover *services.TakeoverService, events *services.EventService, broker *services.EscalationBroker, stats *services.StatsService, hub *services.Hub, logger *logrus.Logger) *AgentHandler {
	return &AgentHandler{
		takeover: takeover,
		events:   events,
		broker:   broker,
		stats:    stats,
		hub:      hub,
		logger:   logger,
	}
}

// Takeover claims an escalated session for the calling agent. At most one
// concurrent caller wins; the rest get a conflict.
func (h *AgentHandler) Takeover(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	agentID := c.GetString("agent_id")
	agentName := c.GetString("agent_name")

	result, err := h.takeover.Takeover(c.Request.Context(), req.SessionID, agentID, agentName)
	if err != nil {
		h.logger.Warnf("Takeover of session %s by agent %s failed: %v", req.SessionID, agentID, err)
		abortWithServiceError(c, err, "Failed to take over session")
		return
	}
	c.JSON(http.StatusOK, result)
}

// SendMessage appends an agent message to a session the agent is handling.
func (h *AgentHandler) SendMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	agentID := c.GetString("agent_id")
	event, err := h.events.Append(c.Request.Context(), &services.AppendRequest{
		SessionID: c.Param("session_id"),
		Type:      models.EventAgentMessage,
		Sender:    models.SenderAgent,
		Content:   req.Content,
		Metadata: models.EventMetadata{
			AgentID:   agentID,
			AgentName: c.GetString("agent_name"),
		},
	})
	if err != nil {
		h.logger.Errorf("Failed to append agent message from %s: %v", agentID, err)
		abortWithServiceError(c, err, "Failed to send message")
		return
	}
	c.JSON(http.StatusCreated, event)
}

// ListEscalations returns the current pending escalations, oldest first.
func (h *AgentHandler) ListEscalations(c *gin.Context) {
	pending := h.broker.Snapshot()
	c.JSON(http.StatusOK, gin.H{"data": pending, "count": len(pending)})
}

// ListAgents returns known agents with their live connection state.
func (h *AgentHandler) ListAgents(c *gin.Context) {
	agents, err := h.stats.ListAgents(c.Request.Context())
	if err != nil {
		h.logger.Errorf("Failed to list agents: %v", err)
		abortWithServiceError(c, err, "Failed to list agents")
		return
	}

	type agentView struct {
		models.Agent
		Connected bool `json:"connected"`
	}
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentView{Agent: a, Connected: h.hub.IsConnected(a.ID)})
	}
	c.JSON(http.StatusOK, gin.H{"data": out, "count": len(out)})
}

// RegisterAgentRoutes wires the agent console API. The group must already
// carry agent authentication.
func RegisterAgentRoutes(r *gin.RouterGroup, handler *AgentHandler) {
	agent := r.Group("/agent")
	{
		agent.POST("/takeover", handler.Takeover)
		agent.POST("/conversations/:session_id/messages", handler.SendMessage)
		agent.GET("/escalations", handler.ListEscalations)
		agent.GET("/agents", handler.ListAgents)
	}
}
