package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/models"
)

// AuditQueryStore is the data-access interface AuditService depends on.
type AuditQueryStore interface {
	Recorder
	QueryAudit(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, bool, error)
	PurgeOldEntries(ctx context.Context, retentionDays int) (int, error)
}

// AuditService wraps AuditQueryStore with logging and retention.
type AuditService struct {
	store AuditQueryStore
	log   *logrus.Logger
}

// NewAuditService creates an AuditService.
func NewAuditService(store AuditQueryStore, log *logrus.Logger) *AuditService {
	return &AuditService{store: store, log: log}
}

// RecordAudit stores a batch of entries.
func (s *AuditService) RecordAudit(ctx context.Context, entries []*models.AuditEntry) (int64, error) {
	n, err := s.store.RecordAudit(ctx, entries)
	if err == nil {
		s.log.WithField("entries", n).Debug("audit.record")
	}
	return n, err
}

// QueryAudit returns entries matching opts, newest first.
func (s *AuditService) QueryAudit(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, bool, error) {
	return s.store.QueryAudit(ctx, opts)
}

// PurgeOldEntries deletes entries older than retentionDays and logs the result.
func (s *AuditService) PurgeOldEntries(ctx context.Context, retentionDays int) (int, error) {
	deleted, err := s.store.PurgeOldEntries(ctx, retentionDays)
	if err != nil {
		return 0, err
	}

	s.log.WithFields(logrus.Fields{
		"retention_days": retentionDays,
		"deleted":        deleted,
	}).Info("audit.purge")

	return deleted, nil
}

// RunRetention purges old entries every interval until ctx is done.
func (s *AuditService) RunRetention(ctx context.Context, retentionDays int, interval time.Duration) {
	if retentionDays <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PurgeOldEntries(ctx, retentionDays); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Warn("audit retention failed")
			}
		}
	}
}
