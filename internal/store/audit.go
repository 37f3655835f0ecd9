package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/streamgate/streamgate/internal/models"
)

const (
	auditTable = "stream_connection_audit"

	defaultAuditLimit = 50

	// purgeBatchSize limits rows deleted per statement to keep locks short.
	purgeBatchSize = 5000
)

var auditColumns = []string{"user_id", "project_id", "action", "connection_id", "instance_id", "detail", "created_at"}

// AuditStore reads and writes the connection audit trail.
type AuditStore struct {
	Base
}

// NewAuditStore creates an AuditStore.
func NewAuditStore(base Base) *AuditStore {
	return &AuditStore{Base: base}
}

// RecordAudit writes entries with one COPY and returns how many were stored.
// Entries without CreatedAt are stamped with the current time.
func (s *AuditStore) RecordAudit(ctx context.Context, entries []*models.AuditEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	now := time.Now()
	rows := make([][]any, 0, len(entries))

	for _, e := range entries {
		var detail []byte
		if e.Detail != nil {
			b, err := json.Marshal(e.Detail)
			if err != nil {
				return 0, fmt.Errorf("encoding detail of %s %s: %w", e.Action, e.ConnectionID, err)
			}
			detail = b
		}

		at := e.CreatedAt
		if at.IsZero() {
			at = now
		}

		rows = append(rows, []any{e.UserID, e.ProjectID, e.Action, e.ConnectionID, e.InstanceID, detail, at})
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	n, err := s.Pool.CopyFrom(ctx, pgx.Identifier{auditTable}, auditColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return n, fmt.Errorf("copying %d audit entries: %w", len(entries), err)
	}

	return n, nil
}

// auditWhere renders the filters of opts as a WHERE clause with positional
// arguments starting at $1.
func auditWhere(opts models.AuditQueryOpts) (string, []any) {
	var (
		clauses []string
		args    []any
	)

	eq := func(column string, v any) {
		args = append(args, v)
		clauses = append(clauses, column+" = $"+strconv.Itoa(len(args)))
	}

	for _, f := range []struct{ column, value string }{
		{"user_id", opts.UserID},
		{"project_id", opts.ProjectID},
		{"connection_id", opts.ConnectionID},
		{"action", opts.Action},
	} {
		if f.value != "" {
			eq(f.column, f.value)
		}
	}

	if opts.Since != nil {
		args = append(args, *opts.Since)
		clauses = append(clauses, "created_at >= $"+strconv.Itoa(len(args)))
	}

	if len(clauses) == 0 {
		return "", args
	}

	return "WHERE " + strings.Join(clauses, " AND "), args
}

// QueryAudit returns entries matching opts, newest first, and whether more exist.
func (s *AuditStore) QueryAudit(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, bool, error) {
	limit := opts.Limit
	switch {
	case limit <= 0:
		limit = defaultAuditLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	where, args := auditWhere(opts)
	args = append(args, limit+1, max(opts.Offset, 0))

	query := fmt.Sprintf(`SELECT id, user_id, project_id, action, connection_id, instance_id, detail, created_at
		FROM %s %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, auditTable, where, len(args)-1, len(args))

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("querying audit log: %w", err)
	}

	entries, err := pgx.CollectRows(rows, s.scanAuditEntry)
	if err != nil {
		return nil, false, fmt.Errorf("reading audit log: %w", err)
	}

	if len(entries) > limit {
		return entries[:limit], true, nil
	}

	return entries, false, nil
}

func (s *AuditStore) scanAuditEntry(row pgx.CollectableRow) (models.AuditEntry, error) {
	var (
		e      models.AuditEntry
		detail []byte
	)

	if err := row.Scan(&e.ID, &e.UserID, &e.ProjectID, &e.Action, &e.ConnectionID, &e.InstanceID, &detail, &e.CreatedAt); err != nil {
		return e, err
	}

	// A corrupt detail column should not hide the rest of the entry.
	if detail != nil {
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			s.Log.WithError(err).WithField("id", e.ID).Warn("unreadable audit detail")
		}
	}

	return e, nil
}

// PurgeOldEntries deletes entries older than retentionDays in batches and
// returns how many were removed.
func (s *AuditStore) PurgeOldEntries(ctx context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	total := 0

	for {
		n, err := s.purgeBatch(ctx, cutoff)
		total += n

		if err != nil {
			return total, fmt.Errorf("purging audit entries before %s: %w", cutoff.Format(time.RFC3339), err)
		}
		if n < purgeBatchSize || ctx.Err() != nil {
			return total, nil
		}
	}
}

func (s *AuditStore) purgeBatch(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tag, err := s.Pool.Exec(ctx, `DELETE FROM `+auditTable+` WHERE ctid IN (
		SELECT ctid FROM `+auditTable+` WHERE created_at < $1 LIMIT $2)`,
		cutoff, purgeBatchSize,
	)
	if err != nil {
		return 0, err
	}

	return int(tag.RowsAffected()), nil
}
