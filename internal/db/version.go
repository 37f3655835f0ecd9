package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/streamgate/streamgate/internal/db/migrations"
	"github.com/streamgate/streamgate/internal/dbpool"
)

// ErrSchemaBehind means the database has not applied every embedded migration.
var ErrSchemaBehind = errors.New("database schema is behind the binary")

// SchemaVersion returns the highest migration version embedded in the binary.
// Files are named NNN_description.sql.
func SchemaVersion() int {
	return latestVersion(migrations.FS)
}

func latestVersion(fsys fs.FS) int {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return 0
	}

	latest := 0
	for _, name := range names {
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		if v, err := strconv.Atoi(prefix); err == nil && v > latest {
			latest = v
		}
	}

	return latest
}

// undefinedTable is the SQLSTATE for a missing relation.
const undefinedTable = "42P01"

// AppliedVersion reads the highest applied version from goose's bookkeeping
// table. A database that never ran migrations reports zero.
func AppliedVersion(ctx context.Context, pool *dbpool.Pool) (int, error) {
	var v int64
	err := pool.QueryRow(ctx, "SELECT COALESCE(MAX(version_id), 0) FROM goose_db_version WHERE is_applied").Scan(&v)

	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && pgErr.Code == undefinedTable:
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("reading applied schema version: %w", err)
	}

	return int(v), nil
}

// CheckSchema returns ErrSchemaBehind when applied lags the embedded version.
func CheckSchema(applied int) error {
	if want := SchemaVersion(); applied < want {
		return fmt.Errorf("%w: applied %d, embedded %d", ErrSchemaBehind, applied, want)
	}

	return nil
}
