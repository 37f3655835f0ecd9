package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/streamgate/streamgate/internal/httputil"
	"github.com/streamgate/streamgate/internal/metrics"
)

// Error codes written by the middleware.
const (
	codeUnauthorized   = "unauthorized"
	codeForbidden      = "forbidden"
	codeInvalidRequest = "invalid_request"
	codeRateLimited    = "rate_limited"
	codeTooLarge       = "too_large"
)

func respondError(c *gin.Context, status int, code, message string) {
	metrics.ErrorsTotal.WithLabelValues(code).Inc()
	httputil.RespondError(c, status, code, message)
}
