package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/httputil"
	"github.com/streamgate/streamgate/internal/security"
)

// RejectLockedOut refuses clients locked out after repeated credential
// failures. A lockout store error lets the request through.
func RejectLockedOut(l security.Lockouts, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		wait, err := l.Locked(c.Request.Context(), c.ClientIP())
		if err != nil {
			log.WithFields(RequestFields(c)).WithError(err).Warn("lockout check failed")
		}

		if wait > 0 {
			httputil.SetRetryAfter(c, wait)
			respondError(c, http.StatusTooManyRequests, codeRateLimited, "too many failed authentication attempts")
			return
		}

		c.Next()
	}
}

func recordAuthFailure(c *gin.Context, l security.Lockouts, log *logrus.Logger) {
	if l == nil {
		return
	}

	locked, err := l.Fail(c.Request.Context(), c.ClientIP())
	switch {
	case err != nil:
		log.WithFields(RequestFields(c)).WithError(err).Warn("recording auth failure")
	case locked:
		log.WithFields(RequestFields(c)).Warn("client locked out after repeated credential failures")
	}
}

func clearAuthFailures(c *gin.Context, l security.Lockouts, log *logrus.Logger) {
	if l == nil {
		return
	}

	if err := l.Reset(c.Request.Context(), c.ClientIP()); err != nil {
		log.WithFields(RequestFields(c)).WithError(err).Debug("clearing auth failures")
	}
}
