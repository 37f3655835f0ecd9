package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/models"
	"github.com/streamgate/streamgate/internal/registry"
	"github.com/streamgate/streamgate/internal/replay"
	"github.com/streamgate/streamgate/internal/stream"
	"github.com/streamgate/streamgate/wire"
)

var testSession = models.SessionKey{UserID: "u1", ProjectID: "p1"}

// recorder is an in-memory transport.
type recorder struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	done   chan struct{}
	once   sync.Once
	reason string
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{})} }

func (r *recorder) WriteFrame(_ context.Context, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf.Write(frame)

	return nil
}

func (r *recorder) Close(reason string) error {
	r.once.Do(func() {
		r.mu.Lock()
		r.reason = reason
		r.mu.Unlock()
		close(r.done)
	})

	return nil
}

func (r *recorder) Done() <-chan struct{} { return r.done }

func (r *recorder) frames(t *testing.T) []*wire.Frame {
	t.Helper()

	r.mu.Lock()
	raw := append([]byte(nil), r.buf.Bytes()...)
	r.mu.Unlock()

	dec := wire.NewDecoder(bytes.NewReader(raw))

	var out []*wire.Frame
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("decoding recorded stream: %v", err)
		}
		out = append(out, f)
	}
}

// waitFor polls until cond holds over the recorded frames.
func (r *recorder) waitFor(t *testing.T, what string, cond func([]*wire.Frame) bool) []*wire.Frame {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got := r.frames(t)
		if cond(got) {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; got %d frames", what, len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func durableSeqs(frames []*wire.Frame) []int64 {
	var out []int64
	for _, f := range frames {
		if seq, ok := f.Sequence(); ok {
			out = append(out, seq)
		}
	}
	return out
}

func hasEvent(frames []*wire.Frame, event string) bool {
	for _, f := range frames {
		if f.Event == event {
			return true
		}
	}
	return false
}

type testHub struct {
	*Hub
	store replay.Store
	reg   *registry.MemoryRegistry
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func newTestHub(t *testing.T, maxLen, capacity int) *testHub {
	t.Helper()

	store := replay.NewMemoryStore(maxLen, time.Hour)
	t.Cleanup(store.Stop)

	return newTestHubWithStore(t, store, capacity)
}

func newTestHubWithStore(t *testing.T, store replay.Store, capacity int) *testHub {
	t.Helper()

	log := quietLogger()

	reg := registry.NewMemoryRegistry(registry.Options{Cap: capacity, TTL: time.Minute})

	h := New(log, store, reg, NewLocalFanout(), nil, Options{HeartbeatInterval: time.Hour, DrainTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	t.Cleanup(h.Shutdown)

	return &testHub{Hub: h, store: store, reg: reg}
}

func (h *testHub) attach(t *testing.T, instance string, after int64) (*Stream, *recorder) {
	t.Helper()

	rec := newRecorder()

	s, err := h.Attach(context.Background(), &AttachRequest{
		Session:     testSession,
		InstanceID:  instance,
		LastEventID: after,
		Open:        func() (stream.Transport, error) { return rec, nil },
	})
	if err != nil {
		t.Fatalf("Attach(%s) error: %v", instance, err)
	}

	return s, rec
}

func (h *testHub) publish(t *testing.T, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		_, err := h.Publish(context.Background(), &models.PublishRequest{
			UserID:    testSession.UserID,
			ProjectID: testSession.ProjectID,
			Type:      "build.progress",
			Payload:   json.RawMessage(fmt.Sprintf(`{"step":%d}`, i)),
		})
		if err != nil {
			t.Fatalf("Publish() error: %v", err)
		}
	}
}

func equal(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPublish_SequencesIncrease(t *testing.T) {
	h := newTestHub(t, 100, 3)
	_, rec := h.attach(t, "inst-A", 0)

	h.publish(t, 5)

	got := rec.waitFor(t, "five events", func(f []*wire.Frame) bool { return len(durableSeqs(f)) == 5 })
	if want := []int64{1, 2, 3, 4, 5}; !equal(durableSeqs(got), want) {
		t.Errorf("sequences = %v, want %v", durableSeqs(got), want)
	}

	env, err := wire.DecodeEnvelope(got[0])
	if err != nil {
		t.Fatalf("DecodeEnvelope() error: %v", err)
	}
	if env.Session != testSession.String() || env.Type != "build.progress" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestPublish_EphemeralHasNoID(t *testing.T) {
	h := newTestHub(t, 100, 3)
	_, rec := h.attach(t, "inst-A", 0)

	res, err := h.Publish(context.Background(), &models.PublishRequest{
		UserID: "u1", ProjectID: "p1", Type: "typing", Ephemeral: true,
	})
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if res.Sequence != 0 {
		t.Errorf("ephemeral publish got sequence %d", res.Sequence)
	}

	got := rec.waitFor(t, "typing frame", func(f []*wire.Frame) bool { return hasEvent(f, "typing") })
	for _, f := range got {
		if f.Event == "typing" && f.ID != "" {
			t.Errorf("ephemeral frame carries id %q", f.ID)
		}
	}

	if last, _ := h.store.LastSequence(context.Background(), testSession); last != 0 {
		t.Errorf("ephemeral publish advanced the sequence to %d", last)
	}
}

func TestPublish_Validation(t *testing.T) {
	h := newTestHub(t, 100, 3)

	_, err := h.Publish(context.Background(), &models.PublishRequest{UserID: "u1", ProjectID: "p1"})
	if !errors.Is(err, models.ErrMissingType) {
		t.Errorf("error = %v, want ErrMissingType", err)
	}
}

func TestPublish_RejectsOversizedPayload(t *testing.T) {
	h := newTestHub(t, 100, 3)

	_, err := h.Publish(context.Background(), &models.PublishRequest{
		UserID:    testSession.UserID,
		ProjectID: testSession.ProjectID,
		Type:      "blob",
		Payload:   json.RawMessage(`"` + strings.Repeat("x", 1<<20) + `"`),
	})
	if !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("Publish() error = %v, want ErrInvalidInput", err)
	}

	if last, _ := h.store.LastSequence(context.Background(), testSession); last != 0 {
		t.Errorf("rejected publish allocated sequence %d", last)
	}
}

func TestAttach_ReplaysMissedEvents(t *testing.T) {
	h := newTestHub(t, 100, 3)
	h.publish(t, 9)

	_, rec := h.attach(t, "inst-A", 5)
	h.publish(t, 1)

	got := rec.waitFor(t, "replay and live", func(f []*wire.Frame) bool { return len(durableSeqs(f)) == 5 })
	if want := []int64{6, 7, 8, 9, 10}; !equal(durableSeqs(got), want) {
		t.Errorf("sequences = %v, want %v", durableSeqs(got), want)
	}

	if hasEvent(got, wire.EventResyncRequired) {
		t.Error("unexpected resync_required")
	}
}

func TestAttach_TrimmedWindowRequiresResync(t *testing.T) {
	h := newTestHub(t, 3, 3)
	h.publish(t, 9)

	_, rec := h.attach(t, "inst-A", 5)

	got := rec.waitFor(t, "resync frame", func(f []*wire.Frame) bool { return hasEvent(f, wire.EventResyncRequired) })
	if seqs := durableSeqs(got); len(seqs) != 0 {
		t.Errorf("partial replay %v sent alongside resync", seqs)
	}
}

func TestAttach_EvictsOldestWithReplacedFrame(t *testing.T) {
	h := newTestHub(t, 100, 3)

	_, recA := h.attach(t, "inst-A", 0)
	time.Sleep(2 * time.Millisecond)
	h.attach(t, "inst-B", 0)
	time.Sleep(2 * time.Millisecond)
	h.attach(t, "inst-C", 0)
	time.Sleep(2 * time.Millisecond)

	d, _ := h.attach(t, "inst-D", 0)

	if ids := d.Admission.Evicted; len(ids) != 1 || ids[0].InstanceID != "inst-A" {
		t.Fatalf("evicted = %+v, want inst-A", ids)
	}

	select {
	case <-recA.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("evicted transport was not closed")
	}

	got := recA.frames(t)
	if len(got) == 0 || got[len(got)-1].Event != wire.EventReplaced {
		t.Errorf("last frame on evicted connection = %+v, want replaced", got)
	}

	if n, _ := h.reg.Count(context.Background(), testSession); n != 3 {
		t.Errorf("registry count = %d, want 3", n)
	}
}

func TestAttach_SameInstanceReplaces(t *testing.T) {
	h := newTestHub(t, 100, 3)

	first, rec := h.attach(t, "inst-A", 0)
	second, _ := h.attach(t, "inst-A", 0)

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replaced connection still open")
	}

	if !hasEvent(rec.frames(t), wire.EventReplaced) {
		t.Error("replaced connection got no replaced frame")
	}

	// The late teardown of the first connection must not release the second.
	if _, err := h.reg.Lookup(context.Background(), testSession, second.ID); err != nil {
		t.Errorf("Lookup(second) error: %v", err)
	}

	if n := h.ConnectionCount(); n != 1 {
		t.Errorf("ConnectionCount() = %d, want 1", n)
	}
}

func TestStreamClose_ReleasesRegistryEntry(t *testing.T) {
	h := newTestHub(t, 100, 3)

	s, _ := h.attach(t, "inst-A", 0)
	s.Close("client gone")

	if _, err := h.reg.Lookup(context.Background(), testSession, s.ID); !errors.Is(err, models.ErrConnectionNotFound) {
		t.Errorf("Lookup after Close error = %v, want ErrConnectionNotFound", err)
	}

	if n := h.ConnectionCount(); n != 0 {
		t.Errorf("ConnectionCount() = %d, want 0", n)
	}
}

func TestShutdown_SendsShutdownFrame(t *testing.T) {
	h := newTestHub(t, 100, 3)

	_, recA := h.attach(t, "inst-A", 0)
	_, recB := h.attach(t, "inst-B", 0)

	h.Shutdown()

	for _, rec := range []*recorder{recA, recB} {
		if !hasEvent(rec.frames(t), wire.EventShutdown) {
			t.Error("connection got no shutdown frame")
		}
	}

	_, err := h.Attach(context.Background(), &AttachRequest{
		Session:    testSession,
		InstanceID: "inst-C",
		Open:       func() (stream.Transport, error) { return newRecorder(), nil },
	})
	if !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Attach after Shutdown error = %v, want ErrShuttingDown", err)
	}
}

// gatedStore holds the Append of one sequence until release is closed.
type gatedStore struct {
	*replay.MemoryStore
	seq     int64
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Append(ctx context.Context, session models.SessionKey, evt *models.Event) error {
	if evt.Sequence == g.seq {
		close(g.entered)
		<-g.release
	}

	return g.MemoryStore.Append(ctx, session, evt)
}

func TestAttach_InFlightPublishNeedsNoResync(t *testing.T) {
	mem := replay.NewMemoryStore(100, time.Hour)
	t.Cleanup(mem.Stop)

	gs := &gatedStore{MemoryStore: mem, seq: 6, entered: make(chan struct{}), release: make(chan struct{})}
	h := newTestHubWithStore(t, gs, 3)
	h.publish(t, 5)

	published := make(chan error, 1)
	go func() {
		_, err := h.Publish(context.Background(), &models.PublishRequest{
			UserID: testSession.UserID, ProjectID: testSession.ProjectID, Type: "build.progress",
		})
		published <- err
	}()

	<-gs.entered

	// Sequence 6 is allocated but not yet in the window.
	_, rec := h.attach(t, "inst-A", 5)
	close(gs.release)

	if err := <-published; err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	got := rec.waitFor(t, "in-flight event", func(f []*wire.Frame) bool { return len(durableSeqs(f)) == 1 })
	if want := []int64{6}; !equal(durableSeqs(got), want) {
		t.Errorf("sequences = %v, want %v", durableSeqs(got), want)
	}

	if hasEvent(got, wire.EventResyncRequired) {
		t.Error("caught-up client was told to resync")
	}
}

func seqFrame(seq int64) []byte {
	f, _ := wire.NewFrame(&wire.Envelope{Session: testSession.String(), Type: "m", Seq: seq})
	return f.Encode()
}

// newTestConn returns a live conn over a recorder. A nil backfill finds
// nothing in the replay log.
func newTestConn(t *testing.T, backfill backfillFunc, catchingUp bool) (*conn, *recorder) {
	t.Helper()

	if backfill == nil {
		backfill = func(context.Context, int64) ([]models.Event, error) { return nil, nil }
	}

	rec := newRecorder()
	w := stream.NewWriter(rec, stream.Options{HeartbeatInterval: time.Hour})
	w.Start()
	t.Cleanup(func() { w.Close("done") })

	c := &conn{
		id:         "c1",
		session:    testSession,
		writer:     w,
		backfill:   backfill,
		gapWait:    10 * time.Millisecond,
		log:        quietLogger(),
		catchingUp: catchingUp,
	}
	t.Cleanup(c.close)

	return c, rec
}

func TestConn_CatchupMergesLiveFrames(t *testing.T) {
	c, rec := newTestConn(t, nil, true)

	// Published while the replay was being read: 8 is in both, 10 is only live.
	_ = c.deliver(10, seqFrame(10))
	_ = c.deliver(8, seqFrame(8))

	replayed := []pendingFrame{{6, seqFrame(6)}, {7, seqFrame(7)}, {8, seqFrame(8)}, {9, seqFrame(9)}}
	if err := c.finishCatchup(5, replayed, nil); err != nil {
		t.Fatalf("finishCatchup() error: %v", err)
	}

	_ = c.deliver(9, seqFrame(9))
	_ = c.deliver(11, seqFrame(11))

	got := rec.waitFor(t, "merged stream", func(f []*wire.Frame) bool { return len(durableSeqs(f)) >= 6 })
	if want := []int64{6, 7, 8, 9, 10, 11}; !equal(durableSeqs(got), want) {
		t.Errorf("sequences = %v, want %v", durableSeqs(got), want)
	}
}

func TestConn_ReordersLiveFrames(t *testing.T) {
	c, rec := newTestConn(t, nil, false)

	// Two instances published 5 and 6; 6 reached this one first.
	_ = c.deliver(4, seqFrame(4))
	_ = c.deliver(6, seqFrame(6))
	_ = c.deliver(5, seqFrame(5))

	got := rec.waitFor(t, "reordered stream", func(f []*wire.Frame) bool { return len(durableSeqs(f)) >= 3 })
	if want := []int64{4, 5, 6}; !equal(durableSeqs(got), want) {
		t.Errorf("sequences = %v, want %v", durableSeqs(got), want)
	}
}

func TestConn_BackfillsMissingSequence(t *testing.T) {
	var mu sync.Mutex
	var asked []int64

	backfill := func(_ context.Context, after int64) ([]models.Event, error) {
		mu.Lock()
		asked = append(asked, after)
		mu.Unlock()

		return []models.Event{{Sequence: 5, Type: "m"}, {Sequence: 6, Type: "m"}}, nil
	}

	c, rec := newTestConn(t, backfill, false)

	_ = c.deliver(4, seqFrame(4))
	_ = c.deliver(6, seqFrame(6))

	got := rec.waitFor(t, "backfilled stream", func(f []*wire.Frame) bool { return len(durableSeqs(f)) >= 3 })
	if want := []int64{4, 5, 6}; !equal(durableSeqs(got), want) {
		t.Errorf("sequences = %v, want %v", durableSeqs(got), want)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(asked) == 0 || asked[0] != 4 {
		t.Errorf("backfill calls = %v, want first after=4", asked)
	}
}

func TestConn_SkipsSequenceNeverAppended(t *testing.T) {
	backfill := func(context.Context, int64) ([]models.Event, error) {
		return []models.Event{{Sequence: 6, Type: "m"}}, nil
	}

	c, rec := newTestConn(t, backfill, false)

	_ = c.deliver(4, seqFrame(4))
	_ = c.deliver(6, seqFrame(6))

	got := rec.waitFor(t, "stream past the hole", func(f []*wire.Frame) bool { return len(durableSeqs(f)) >= 2 })
	if want := []int64{4, 6}; !equal(durableSeqs(got), want) {
		t.Errorf("sequences = %v, want %v", durableSeqs(got), want)
	}

	// The stream keeps flowing after the skipped sequence.
	_ = c.deliver(7, seqFrame(7))

	got = rec.waitFor(t, "next live frame", func(f []*wire.Frame) bool { return len(durableSeqs(f)) >= 3 })
	if want := []int64{4, 6, 7}; !equal(durableSeqs(got), want) {
		t.Errorf("sequences = %v, want %v", durableSeqs(got), want)
	}
}

func TestConn_GapBeyondWindowResyncs(t *testing.T) {
	backfill := func(context.Context, int64) ([]models.Event, error) {
		return nil, models.ErrResyncRequired
	}

	c, rec := newTestConn(t, backfill, false)

	_ = c.deliver(4, seqFrame(4))
	_ = c.deliver(9, seqFrame(9))

	got := rec.waitFor(t, "resync then live", func(f []*wire.Frame) bool { return len(durableSeqs(f)) >= 2 })
	if want := []int64{4, 9}; !equal(durableSeqs(got), want) {
		t.Errorf("sequences = %v, want %v", durableSeqs(got), want)
	}

	var events []string
	for _, f := range got {
		if f.Event == wire.EventResyncRequired || f.ID != "" {
			events = append(events, f.Event)
		}
	}

	if len(events) != 3 || events[1] != wire.EventResyncRequired {
		t.Errorf("frame order = %v, want resync between 4 and 9", events)
	}
}
