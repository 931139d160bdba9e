package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"relaydesk/internal/services"
	"relaydesk/pkg/pricing"
)

// CostHandler records API usage charges against sessions.
type CostHandler struct {
	costs  *services.CostService
	logger *logrus.Logger
}

func NewCostHandler(costs *services.CostService, logger *logrus.Logger) *CostHandler {
	return &CostHandler{costs: costs, logger: logger}
}

// Record appends one charge. When the caller omits the amount it is computed
// from the model's pricing table.
func (h *CostHandler) Record(c *gin.Context) {
	var req services.RecordCostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	if req.CostUSD == 0 {
		switch req.Service {
		case "openai":
			req.CostUSD = pricing.OpenAICost(req.Model, req.InputTokens, req.OutputTokens)
		default:
			req.CostUSD = pricing.DefaultServiceCost
		}
	}

	record, err := h.costs.RecordCost(c.Request.Context(), &req)
	if err != nil {
		h.logger.Errorf("Failed to record cost for session %s: %v", req.SessionID, err)
		abortWithServiceError(c, err, "Failed to record cost")
		return
	}
	c.JSON(http.StatusCreated, record)
}

// SessionTotal returns the summed cost of one session.
func (h *CostHandler) SessionTotal(c *gin.Context) {
	sessionID := c.Param("session_id")
	total, err := h.costs.SessionTotal(c.Request.Context(), sessionID)
	if err != nil {
		abortWithServiceError(c, err, "Failed to get session cost")
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "total_cost_usd": total})
}

// RegisterCostRoutes wires the cost ledger API.
func RegisterCostRoutes(r *gin.RouterGroup, handler *CostHandler) {
	costs := r.Group("/costs")
	{
		costs.POST("", handler.Record)
		costs.GET("/sessions/:session_id", handler.SessionTotal)
	}
}
