// Package db runs schema migrations and bridges PostgreSQL notifications
// into the event publisher.
//
// Migrations are goose-annotated SQL files embedded from internal/db/migrations
// and applied on startup when a database is configured.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/dbpool"
)

// RunMigrations brings the schema up to the newest migration in fsys and
// returns the resulting version.
func RunMigrations(ctx context.Context, pool *dbpool.Pool, log *logrus.Logger, fsys fs.FS) (int64, error) {
	sqlDB, err := sql.Open("pgx", pool.ConnString())
	if err != nil {
		return 0, fmt.Errorf("opening migration connection: %w", err)
	}
	defer sqlDB.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, fsys)
	if err != nil {
		return 0, fmt.Errorf("loading migrations: %w", err)
	}

	from, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}

	start := time.Now()
	results, err := provider.Up(ctx)
	for _, r := range results {
		entry := log.WithFields(logrus.Fields{
			"version":  r.Source.Version,
			"file":     r.Source.Path,
			"duration": r.Duration,
		})
		if r.Error != nil {
			entry.WithError(r.Error).Error("migration failed")
			continue
		}
		entry.Debug("migration applied")
	}
	if err != nil {
		return from, fmt.Errorf("applying migrations from version %d: %w", from, err)
	}

	to := from
	if n := len(results); n > 0 {
		to = results[n-1].Source.Version
	}

	log.WithFields(logrus.Fields{
		"from":     from,
		"to":       to,
		"applied":  len(results),
		"duration": time.Since(start),
	}).Info("database schema ready")

	return to, nil
}
