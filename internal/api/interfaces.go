package api

import (
	"context"

	"github.com/streamgate/streamgate/internal/hub"
	"github.com/streamgate/streamgate/internal/models"
)

// Attacher admits stream connections. Implemented by *hub.Hub.
type Attacher interface {
	Attach(ctx context.Context, req *hub.AttachRequest) (*hub.Stream, error)
	ConnectionCount() int
}

// Publisher delivers events to sessions. Implemented by *hub.Hub.
type Publisher interface {
	Publish(ctx context.Context, req *models.PublishRequest) (*models.PublishResult, error)
}

// AuditRepository reads the connection audit log.
type AuditRepository interface {
	QueryAudit(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, bool, error)
}

// Pinger checks a backing store.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}
