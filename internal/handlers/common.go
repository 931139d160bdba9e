package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"relaydesk/internal/services"
)

// ErrorResponse is the JSON error body shared by every endpoint.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// SuccessResponse wraps simple acknowledgements.
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// statusForError maps service sentinels onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, services.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortWithServiceError(c *gin.Context, err error, fallback string) {
	status := statusForError(err)
	msg := fallback
	if status != http.StatusInternalServerError {
		msg = err.Error()
	}
	c.JSON(status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: msg,
	})
}
