package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/models"
)

// PublishHandler accepts events from internal producers.
type PublishHandler struct {
	pub Publisher
	log *logrus.Logger
}

// NewPublishHandler creates a PublishHandler.
func NewPublishHandler(pub Publisher, log *logrus.Logger) *PublishHandler {
	return &PublishHandler{pub: pub, log: log}
}

// Publish handles POST /api/v1/internal/publish. The caller is authenticated
// by RequireSignature.
func (h *PublishHandler) Publish(c *gin.Context) {
	var req models.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	res, err := h.pub.Publish(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, models.ErrInvalidInput) {
			respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
			return
		}

		h.log.WithError(err).WithFields(logrus.Fields{
			"session": req.Session().String(),
			"type":    req.Type,
		}).Error("publish failed")
		respondError(c, http.StatusInternalServerError, ErrCodeInternalError, "failed to publish event")
		return
	}

	c.JSON(http.StatusOK, res)
}
