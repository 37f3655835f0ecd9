package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// RequestIDKey is the gin context key for the request ID.
	RequestIDKey = "request_id"

	// RequestIDHeader carries the request ID in both directions.
	RequestIDHeader = "X-Request-ID"
)

// RequestID assigns each request an ID and echoes it in the response. A
// client-supplied X-Request-ID is kept when it is a UUID, so a producer can
// follow a retried publish through the logs; any other value is replaced.
func RequestID(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)

		if _, err := uuid.Parse(id); err != nil {
			if id != "" {
				log.WithField("client_request_id", id).Debug("replacing non-UUID request ID")
			}
			id = uuid.NewString()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// RequestFields returns the log fields identifying the request and, once
// JWTAuth ran, its user.
func RequestFields(c *gin.Context) logrus.Fields {
	fields := logrus.Fields{RequestIDKey: c.GetString(RequestIDKey)}

	if uid := c.GetString(UserIDKey); uid != "" {
		fields[UserIDKey] = uid
	}

	return fields
}
