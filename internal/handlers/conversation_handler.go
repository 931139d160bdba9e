package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"relaydesk/internal/services"
)

// ConversationHandler exposes the session lifecycle and the event ledger.
type ConversationHandler struct {
	sessions *services.SessionService
	events   *services.EventService
	costs    *services.CostService
	logger   *logrus.Logger
}

func NewConversationHandler(sessions *services.SessionService, events *services.EventService, costs *services.CostService, logger *logrus.Logger) *ConversationHandler {
	return &ConversationHandler{
		sessions: sessions,
		events:   events,
		costs:    costs,
		logger:   logger,
	}
}

// GetOrCreate returns the caller's live session, creating one if needed.
func (h *ConversationHandler) GetOrCreate(c *gin.Context) {
	var req services.GetOrCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	result, err := h.sessions.GetOrCreateSession(c.Request.Context(), &req)
	if err != nil {
		h.logger.Errorf("Failed to get or create session for %s/%s: %v", req.Channel, req.ChannelUserID, err)
		abortWithServiceError(c, err, "Failed to get or create session")
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

// List returns sessions, optionally filtered by status.
func (h *ConversationHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	sessions, err := h.sessions.ListSessions(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		h.logger.Errorf("Failed to list sessions: %v", err)
		abortWithServiceError(c, err, "Failed to list sessions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sessions, "count": len(sessions)})
}

// Get returns one session with its accumulated API cost.
func (h *ConversationHandler) Get(c *gin.Context) {
	sessionID := c.Param("session_id")
	sess, err := h.sessions.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		abortWithServiceError(c, err, "Failed to get session")
		return
	}
	total, err := h.costs.SessionTotal(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Errorf("Failed to sum cost for session %s: %v", sessionID, err)
		abortWithServiceError(c, err, "Failed to get session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "total_cost_usd": total})
}

// AppendEvent appends one event to the session's ledger.
func (h *ConversationHandler) AppendEvent(c *gin.Context) {
	var req services.AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}
	req.SessionID = c.Param("session_id")

	event, err := h.events.Append(c.Request.Context(), &req)
	if err != nil {
		h.logger.Errorf("Failed to append event to session %s: %v", req.SessionID, err)
		abortWithServiceError(c, err, "Failed to append event")
		return
	}
	c.JSON(http.StatusCreated, event)
}

// History returns events after the given cursor in ledger order.
func (h *ConversationHandler) History(c *gin.Context) {
	sessionID := c.Param("session_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	cursor, _ := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)

	events, err := h.events.History(c.Request.Context(), sessionID, limit, cursor)
	if err != nil {
		abortWithServiceError(c, err, "Failed to get history")
		return
	}

	next := cursor
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{
		"data":        events,
		"count":       len(events),
		"next_cursor": next,
	})
}

// SetCategory records the user's category choice.
func (h *ConversationHandler) SetCategory(c *gin.Context) {
	var req struct {
		Category string `json:"category" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	sessionID := c.Param("session_id")
	if err := h.sessions.SetCategory(c.Request.Context(), sessionID, req.Category); err != nil {
		abortWithServiceError(c, err, "Failed to set category")
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "category updated"})
}

// Escalate flags the session for human attention.
func (h *ConversationHandler) Escalate(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	sessionID := c.Param("session_id")
	if err := h.sessions.Escalate(c.Request.Context(), sessionID, req.Reason); err != nil {
		h.logger.Errorf("Failed to escalate session %s: %v", sessionID, err)
		abortWithServiceError(c, err, "Failed to escalate session")
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "session escalated"})
}

// Resolve finishes the session as handled.
func (h *ConversationHandler) Resolve(c *gin.Context) {
	sessionID := c.Param("session_id")
	if err := h.sessions.Resolve(c.Request.Context(), sessionID); err != nil {
		abortWithServiceError(c, err, "Failed to resolve session")
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "session resolved"})
}

// Close finishes the session without resolution.
func (h *ConversationHandler) Close(c *gin.Context) {
	sessionID := c.Param("session_id")
	if err := h.sessions.Close(c.Request.Context(), sessionID); err != nil {
		abortWithServiceError(c, err, "Failed to close session")
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "session closed"})
}

// RegisterConversationRoutes wires the public conversation API.
func RegisterConversationRoutes(r *gin.RouterGroup, handler *ConversationHandler) {
	conversations := r.Group("/conversations")
	{
		conversations.POST("", handler.GetOrCreate)
		conversations.GET("", handler.List)
		conversations.GET("/:session_id", handler.Get)
		conversations.POST("/:session_id/events", handler.AppendEvent)
		conversations.GET("/:session_id/events", handler.History)
		conversations.PUT("/:session_id/category", handler.SetCategory)
		conversations.POST("/:session_id/escalate", handler.Escalate)
		conversations.POST("/:session_id/resolve", handler.Resolve)
		conversations.POST("/:session_id/close", handler.Close)
	}
}
