package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/models"
)

// fakeAuditStore records batches in memory.
type fakeAuditStore struct {
	mu      sync.Mutex
	batches [][]*models.AuditEntry
	purged  int
	failing bool
}

func (f *fakeAuditStore) RecordAudit(_ context.Context, entries []*models.AuditEntry) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing {
		return 0, errors.New("db down")
	}

	f.batches = append(f.batches, append([]*models.AuditEntry(nil), entries...))

	return int64(len(entries)), nil
}

func (f *fakeAuditStore) QueryAudit(_ context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, bool, error) {
	var out []models.AuditEntry
	for _, e := range f.entries() {
		if opts.Action == "" || e.Action == opts.Action {
			out = append(out, *e)
		}
	}

	return out, false, nil
}

func (f *fakeAuditStore) PurgeOldEntries(context.Context, int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.purged++

	return 3, nil
}

func (f *fakeAuditStore) entries() []*models.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	var all []*models.AuditEntry
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

func (f *fakeAuditStore) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	sizes := make([]int, len(f.batches))
	for i, b := range f.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func runWorker(t *testing.T, w *AuditWorker) (stop func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Run didn't return after cancel")
		}
	}
}

func TestAuditWorker_FlushesOnInterval(t *testing.T) {
	fake := &fakeAuditStore{}
	w := NewAuditWorker(fake, quietLogger(), 10)
	stop := runWorker(t, w)
	defer stop()

	w.Enqueue(&models.AuditEntry{UserID: "u1", ProjectID: "p1", Action: models.AuditAdmitted, ConnectionID: "c1"})

	deadline := time.Now().Add(3 * flushInterval)
	for len(fake.entries()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("entry never flushed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if e := fake.entries()[0]; e.Action != models.AuditAdmitted || e.ConnectionID != "c1" {
		t.Errorf("entry = %+v", e)
	}
}

func TestAuditWorker_FlushesFullBatches(t *testing.T) {
	fake := &fakeAuditStore{}
	w := NewAuditWorker(fake, quietLogger(), 10)
	w.batchSize = 3
	stop := runWorker(t, w)

	for range 7 {
		w.Enqueue(&models.AuditEntry{Action: models.AuditRemoved})
	}
	stop()

	total := 0
	for _, n := range fake.batchSizes() {
		if n > 3 {
			t.Errorf("batch of %d exceeds batch size 3", n)
		}
		total += n
	}
	if total != 7 {
		t.Errorf("wrote %d entries, want 7", total)
	}
}

func TestAuditWorker_DropsWhenFull(t *testing.T) {
	w := NewAuditWorker(&fakeAuditStore{}, quietLogger(), 2)

	w.Enqueue(&models.AuditEntry{Action: "a"})
	w.Enqueue(&models.AuditEntry{Action: "b"})

	done := make(chan struct{})
	go func() {
		w.Enqueue(&models.AuditEntry{Action: "c"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked when queue was full")
	}

	if len(w.jobs) != 2 {
		t.Errorf("queue len = %d, want 2", len(w.jobs))
	}
}

func TestAuditWorker_StopDrains(t *testing.T) {
	fake := &fakeAuditStore{}
	w := NewAuditWorker(fake, quietLogger(), 100)
	w.batchSize = 2

	for i := range 5 {
		w.Enqueue(&models.AuditEntry{Action: models.AuditRemoved, ConnectionID: string(rune('a' + i))})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	if got := fake.batchSizes(); len(got) != 3 || got[0] != 2 || got[1] != 2 || got[2] != 1 {
		t.Errorf("batches = %v, want [2 2 1]", got)
	}
}

func TestAuditWorker_FailureDoesNotStop(t *testing.T) {
	fake := &fakeAuditStore{failing: true}
	w := NewAuditWorker(fake, quietLogger(), 10)

	w.Enqueue(&models.AuditEntry{Action: "a"})
	w.drain()

	fake.mu.Lock()
	fake.failing = false
	fake.mu.Unlock()

	w.Enqueue(&models.AuditEntry{Action: "b"})
	w.drain()

	if got := fake.entries(); len(got) != 1 || got[0].Action != "b" {
		t.Errorf("entries = %+v, want only b", got)
	}
}

func TestAuditService_RunRetention(t *testing.T) {
	fake := &fakeAuditStore{}
	svc := NewAuditService(fake, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	svc.RunRetention(ctx, 30, 10*time.Millisecond)

	fake.mu.Lock()
	defer fake.mu.Unlock()

	if fake.purged == 0 {
		t.Error("retention never purged")
	}
}

func TestAuditService_RunRetentionDisabled(t *testing.T) {
	fake := &fakeAuditStore{}
	svc := NewAuditService(fake, quietLogger())

	svc.RunRetention(context.Background(), 0, time.Millisecond)

	if fake.purged != 0 {
		t.Error("retention ran while disabled")
	}
}
