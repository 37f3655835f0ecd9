// Package store provides PostgreSQL data access for streamgate.
//
// Streaming state lives in Redis; the database only keeps the connection
// audit trail. Stores embed Base for the shared pool and logger.
package store

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/dbpool"
)

const defaultQueryTimeout = 10 * time.Second

// maxListLimit caps limit values for list queries.
const maxListLimit = 1000

// Base contains shared dependencies for all stores.
type Base struct {
	Pool *dbpool.Pool
	Log  *logrus.Logger
}

// withTimeout creates a context with the default query timeout.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultQueryTimeout)
}
