// Package service holds the background workers that sit between the
// streaming core and PostgreSQL.
package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/models"
)

const (
	defaultQueueSize = 1000
	defaultBatchSize = 100

	// flushInterval bounds how long an entry waits for its batch to fill.
	flushInterval = time.Second

	// writeTimeout bounds one batch write.
	writeTimeout = 5 * time.Second
)

// Recorder persists audit entries in bulk.
type Recorder interface {
	RecordAudit(ctx context.Context, entries []*models.AuditEntry) (int64, error)
}

// AuditWorker queues connection audit entries and writes them in batches
// from one goroutine, so the streaming path never waits on the database.
type AuditWorker struct {
	rec       Recorder
	log       *logrus.Logger
	jobs      chan *models.AuditEntry
	batchSize int
}

// NewAuditWorker creates an AuditWorker holding up to queueSize entries.
func NewAuditWorker(rec Recorder, log *logrus.Logger, queueSize int) *AuditWorker {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &AuditWorker{
		rec:       rec,
		log:       log,
		jobs:      make(chan *models.AuditEntry, queueSize),
		batchSize: defaultBatchSize,
	}
}

// Enqueue adds an entry without blocking. A full queue drops the entry.
func (w *AuditWorker) Enqueue(entry *models.AuditEntry) {
	select {
	case w.jobs <- entry:
	default:
		w.log.WithFields(logrus.Fields{
			"action":        entry.Action,
			"connection_id": entry.ConnectionID,
		}).Warn("audit queue full, dropping entry")
	}
}

// Run writes batches until ctx is cancelled, then writes what is still queued.
func (w *AuditWorker) Run(ctx context.Context) {
	tick := time.NewTicker(flushInterval)
	defer tick.Stop()

	batch := make([]*models.AuditEntry, 0, w.batchSize)

	for {
		select {
		case <-ctx.Done():
			w.flush(batch)
			w.drain()
			return
		case entry := <-w.jobs:
			batch = append(batch, entry)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-tick.C:
			w.flush(batch)
			batch = batch[:0]
		}
	}
}

// drain writes everything queued, in batches.
func (w *AuditWorker) drain() {
	batch := make([]*models.AuditEntry, 0, w.batchSize)

	for {
		select {
		case entry := <-w.jobs:
			batch = append(batch, entry)
			if len(batch) < w.batchSize {
				continue
			}
		default:
			w.flush(batch)
			return
		}

		w.flush(batch)
		batch = batch[:0]
	}
}

// flush writes batch. A failed batch is logged and dropped.
func (w *AuditWorker) flush(batch []*models.AuditEntry) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if _, err := w.rec.RecordAudit(ctx, batch); err != nil {
		w.log.WithError(err).WithField("entries", len(batch)).Warn("audit batch write failed")
	}
}
