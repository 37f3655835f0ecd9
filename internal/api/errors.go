package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamgate/streamgate/internal/httputil"
	"github.com/streamgate/streamgate/internal/hub"
	"github.com/streamgate/streamgate/internal/metrics"
	"github.com/streamgate/streamgate/internal/models"
)

// Error code constants for standardized API responses.
const (
	ErrCodeInvalidRequest    = "invalid_request"
	ErrCodeInternalError     = "internal_error"
	ErrCodeUnauthorized      = "unauthorized"
	ErrCodeAdmissionRejected = "admission_rejected"
	ErrCodeUnavailable       = "unavailable"
)

// admissionRetryAfter is the Retry-After hint sent with 503 responses.
const admissionRetryAfter = 2 * time.Second

// respondError writes a standardized JSON error response, pulling the request
// ID from the Gin context (set by the request ID middleware).
func respondError(c *gin.Context, status int, code, message string) {
	metrics.ErrorsTotal.WithLabelValues(code).Inc()
	httputil.RespondError(c, status, code, message)
}

// respondHubError maps a hub failure to an HTTP response.
func respondHubError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, models.ErrAdmissionRejected):
		httputil.SetRetryAfter(c, admissionRetryAfter)
		respondError(c, http.StatusServiceUnavailable, ErrCodeAdmissionRejected, "connection limit reached")
	case errors.Is(err, hub.ErrShuttingDown), errors.Is(err, context.DeadlineExceeded):
		httputil.SetRetryAfter(c, admissionRetryAfter)
		respondError(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "stream service unavailable")
	default:
		respondError(c, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
	}
}
