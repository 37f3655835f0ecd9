package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/hub"
	"github.com/streamgate/streamgate/internal/middleware"
	"github.com/streamgate/streamgate/internal/stream"
)

// StreamHandler serves the SSE and WebSocket event streams.
type StreamHandler struct {
	hub     Attacher
	log     *logrus.Logger
	retry   time.Duration
	origins []string
}

// NewStreamHandler creates a StreamHandler. retry is advertised to SSE
// clients; origins are the accepted WebSocket origin patterns.
func NewStreamHandler(h Attacher, log *logrus.Logger, retry time.Duration, origins []string) *StreamHandler {
	return &StreamHandler{hub: h, log: log, retry: retry, origins: origins}
}

// SSE handles GET /api/v1/stream.
func (h *StreamHandler) SSE(c *gin.Context) {
	req, ok := h.attachRequest(c, c.GetHeader("Last-Event-ID"))
	if !ok {
		return
	}

	req.Open = func() (stream.Transport, error) {
		return stream.NewSSETransport(c.Request.Context(), c.Writer, h.retry)
	}

	h.serve(c, req)
}

// WebSocket handles GET /api/v1/ws. The upgrade happens only after admission
// so rejected clients get a plain HTTP error.
func (h *StreamHandler) WebSocket(c *gin.Context) {
	req, ok := h.attachRequest(c, "")
	if !ok {
		return
	}

	req.Open = func() (stream.Transport, error) {
		// CORS origins double as WebSocket origin patterns; config
		// validation rejects wildcard patterns.
		conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
			OriginPatterns:       h.origins,
			CompressionMode:      websocket.CompressionContextTakeover,
			CompressionThreshold: 128,
		})
		if err != nil {
			return nil, err
		}

		return stream.NewWSTransport(c.Request.Context(), conn), nil
	}

	h.serve(c, req)
}

// attachRequest resolves the session and resume position of a stream request.
// header is the Last-Event-ID header value, if the transport has one.
func (h *StreamHandler) attachRequest(c *gin.Context, header string) (*hub.AttachRequest, bool) {
	session, ok := middleware.Session(c, c.Query("project"))
	if !ok {
		return nil, false
	}

	lastEventID, err := parseLastEventID(header, c.Query("last_event_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return nil, false
	}

	return &hub.AttachRequest{
		Session:     session,
		InstanceID:  c.Query("instance"),
		LastEventID: lastEventID,
		RemoteAddr:  c.ClientIP(),
	}, true
}

// serve attaches the connection and blocks until it is torn down.
func (h *StreamHandler) serve(c *gin.Context, req *hub.AttachRequest) {
	s, err := h.hub.Attach(c.Request.Context(), req)
	if err != nil {
		if c.Writer.Written() {
			// The transport was opened; the error can no longer be reported.
			h.log.WithError(err).WithField("session", req.Session.String()).Warn("stream setup failed after upgrade")
			return
		}

		if !errors.Is(err, hub.ErrShuttingDown) {
			h.log.WithError(err).WithFields(logrus.Fields{
				"session":     req.Session.String(),
				"instance_id": req.InstanceID,
			}).Info("stream rejected")
		}

		respondHubError(c, err)
		return
	}

	select {
	case <-s.Done():
	case <-c.Request.Context().Done():
		s.Close("client gone")
	}
}

// parseLastEventID reads the resume position from the Last-Event-ID header
// or the last_event_id query parameter. Both absent means a fresh stream.
func parseLastEventID(header, query string) (int64, error) {
	raw := header
	if raw == "" {
		raw = query
	}

	if raw == "" {
		return 0, nil
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.New("last event id must be a non-negative integer")
	}

	return v, nil
}
