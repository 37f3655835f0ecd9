// Package api provides the HTTP handlers of the streamgate server.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/streamgate/streamgate/internal/db"
	"github.com/streamgate/streamgate/internal/dbpool"
)

const (
	livenessTimeout  = 2 * time.Second
	readinessTimeout = 3 * time.Second
)

// probe checks one backing dependency. Only required probes gate readiness.
type probe struct {
	name     string
	required bool
	check    func(ctx context.Context) error
}

// HealthHandler serves the liveness and readiness endpoints.
type HealthHandler struct {
	probes  []probe
	hub     Attacher
	log     *logrus.Logger
	version string
	started time.Time
}

// NewHealthHandler creates a HealthHandler. redis gates readiness. pool is nil
// when the audit database is not configured; when set it is only reported,
// since streaming keeps working without the audit trail.
func NewHealthHandler(redis Pinger, pool *dbpool.Pool, hub Attacher, log *logrus.Logger, version string) *HealthHandler {
	h := &HealthHandler{hub: hub, log: log, version: version, started: time.Now()}

	if redis != nil {
		h.probes = append(h.probes, probe{name: "redis", required: true, check: redis.HealthCheck})
	}

	if pool != nil {
		h.probes = append(h.probes,
			probe{name: "database", check: pool.HealthCheck},
			probe{name: "schema", check: func(ctx context.Context) error {
				applied, err := db.AppliedVersion(ctx, pool)
				if err != nil {
					return err
				}
				return db.CheckSchema(applied)
			}},
		)
	}

	return h
}

// run executes every probe concurrently and returns the failures by name.
func (h *HealthHandler) run(ctx context.Context) map[string]error {
	var (
		mu     sync.Mutex
		failed = make(map[string]error)
		g      errgroup.Group
	)

	for _, p := range h.probes {
		g.Go(func() error {
			if err := p.check(ctx); err != nil {
				mu.Lock()
				failed[p.name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return failed
}

type healthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	Redis         string  `json:"redis"`
	Database      string  `json:"database"`
	SchemaVersion int     `json:"schema_version"`
	Connections   int     `json:"connections"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Liveness handles GET /api/v1/health. Dependencies are reported but never
// fail the probe.
func (h *HealthHandler) Liveness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), livenessTimeout)
	defer cancel()

	failed := h.run(ctx)
	state := func(name string) string {
		for _, p := range h.probes {
			if p.name != name {
				continue
			}
			if failed[name] != nil {
				return "disconnected"
			}
			return "connected"
		}
		return "not_configured"
	}

	resp := healthResponse{
		Status:        "ok",
		Version:       h.version,
		Redis:         state("redis"),
		Database:      state("database"),
		SchemaVersion: db.SchemaVersion(),
		UptimeSeconds: time.Since(h.started).Seconds(),
	}
	if h.hub != nil {
		resp.Connections = h.hub.ConnectionCount()
	}

	c.JSON(http.StatusOK, resp)
}

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Readiness handles GET /api/v1/ready. It answers 503 while any required
// probe fails.
func (h *HealthHandler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	failed := h.run(ctx)
	resp := readinessResponse{Status: "ready", Checks: make(map[string]string, len(h.probes))}
	code := http.StatusOK

	for _, p := range h.probes {
		err, bad := failed[p.name]
		if !bad {
			resp.Checks[p.name] = "ok"
			continue
		}

		resp.Checks[p.name] = "error"
		h.log.WithError(err).WithField("check", p.name).Error("readiness check failed")

		if p.required {
			resp.Status = "not_ready"
			code = http.StatusServiceUnavailable
		}
	}

	c.JSON(code, resp)
}
