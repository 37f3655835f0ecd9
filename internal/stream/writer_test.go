package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/models"
	"github.com/streamgate/streamgate/wire"
)

// fakeTransport records frames and flags overlapping writes.
type fakeTransport struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	inflight atomic.Int32
	overlap  atomic.Bool
	block    chan struct{} // when set, writes wait on it or ctx
	peerGone chan struct{}
	closed   chan struct{}
	reason   string
	once     sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{peerGone: make(chan struct{}), closed: make(chan struct{})}
}

func (f *fakeTransport) WriteFrame(ctx context.Context, frame []byte) error {
	if f.inflight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inflight.Add(-1)

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		case <-f.closed:
			return ErrTransportClosed
		}
	}

	// Split the write so an overlapping writer would interleave.
	half := len(frame) / 2

	f.mu.Lock()
	f.buf.Write(frame[:half])
	f.mu.Unlock()

	time.Sleep(time.Microsecond)

	f.mu.Lock()
	f.buf.Write(frame[half:])
	f.mu.Unlock()

	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.once.Do(func() {
		f.mu.Lock()
		f.reason = reason
		f.mu.Unlock()
		close(f.closed)
	})

	return nil
}

func (f *fakeTransport) Done() <-chan struct{} { return f.peerGone }

func (f *fakeTransport) frames(t *testing.T) []*wire.Frame {
	t.Helper()

	f.mu.Lock()
	raw := append([]byte(nil), f.buf.Bytes()...)
	f.mu.Unlock()

	dec := wire.NewDecoder(bytes.NewReader(raw))

	var out []*wire.Frame
	for {
		fr, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("wire corrupted: %v", err)
		}
		out = append(out, fr)
	}
}

func testOptions() Options {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return Options{HeartbeatInterval: time.Hour, Log: logrus.NewEntry(log)}
}

func frame(id int, event string) []byte {
	f := wire.Frame{ID: fmt.Sprint(id), Event: event, Data: []byte(strings.Repeat("x", 64))}
	return f.Encode()
}

func waitDone(t *testing.T, w *Writer) {
	t.Helper()

	select {
	case <-w.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("writer did not tear down")
	}
}

func TestWriter_ConcurrentProducersNeverInterleave(t *testing.T) {
	tr := newFakeTransport()
	w := NewWriter(tr, testOptions())
	w.Start()

	const producers, perProducer = 8, 25

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)

		go func(p int) {
			defer wg.Done()

			for i := 1; i <= perProducer; i++ {
				if err := w.Submit(frame(p*1000+i, fmt.Sprintf("p%d", p))); err != nil {
					t.Errorf("Submit() error: %v", err)
				}
			}
		}(p)
	}

	wg.Wait()
	w.CloseGracefully(nil, "done")
	waitDone(t, w)

	if tr.overlap.Load() {
		t.Fatal("two writes were in flight at once")
	}

	got := tr.frames(t)
	if len(got) != producers*perProducer {
		t.Fatalf("frames = %d, want %d", len(got), producers*perProducer)
	}

	// Per producer, submission order is preserved.
	last := make(map[string]int64)
	for _, f := range got {
		seq, ok := f.Sequence()
		if !ok {
			t.Fatalf("frame without sequence: %+v", f)
		}
		if seq <= last[f.Event] {
			t.Errorf("%s: %d after %d", f.Event, seq, last[f.Event])
		}
		last[f.Event] = seq
	}
}

func TestWriter_SubmitBatchIsContiguous(t *testing.T) {
	tr := newFakeTransport()
	w := NewWriter(tr, testOptions())
	w.Start()

	var batch [][]byte
	for i := 1; i <= 10; i++ {
		batch = append(batch, frame(i, "replay"))
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 100; i < 120; i++ {
			_ = w.Submit(frame(i, "live"))
		}
	}()

	go func() {
		defer wg.Done()
		if err := w.SubmitBatch(batch); err != nil {
			t.Errorf("SubmitBatch() error: %v", err)
		}
	}()

	wg.Wait()
	w.CloseGracefully(nil, "done")
	waitDone(t, w)

	got := tr.frames(t)

	start := -1
	for i, f := range got {
		if f.Event == "replay" {
			start = i
			break
		}
	}

	if start < 0 || start+10 > len(got) {
		t.Fatalf("replay batch missing from %d frames", len(got))
	}

	for i := 0; i < 10; i++ {
		if got[start+i].Event != "replay" || got[start+i].ID != fmt.Sprint(i+1) {
			t.Fatalf("batch interleaved at offset %d: %+v", i, got[start+i])
		}
	}
}

func TestWriter_WriteTimeoutTearsDown(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})

	var cause atomic.Value

	opts := testOptions()
	opts.WriteTimeout = 50 * time.Millisecond
	opts.OnClose = func(_ *Writer, err error) { cause.Store(err) }

	w := NewWriter(tr, opts)
	w.Start()

	if err := w.Submit(frame(1, "message")); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	waitDone(t, w)

	if !errors.Is(w.Err(), models.ErrWriteTimeout) {
		t.Errorf("Err() = %v, want ErrWriteTimeout", w.Err())
	}

	if got, _ := cause.Load().(error); !errors.Is(got, models.ErrWriteTimeout) {
		t.Errorf("OnClose cause = %v", got)
	}

	select {
	case <-tr.closed:
	default:
		t.Error("transport was not closed")
	}

	if err := w.Submit(frame(2, "message")); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after teardown = %v, want ErrClosed", err)
	}
}

func TestWriter_QueueFullTearsDown(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})

	opts := testOptions()
	opts.QueueSize = 1
	opts.WriteTimeout = time.Minute

	w := NewWriter(tr, opts)
	w.Start()

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = w.Submit(frame(i+1, "message"))
	}

	if !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("Submit() = %v, want ErrSlowConsumer", err)
	}

	waitDone(t, w)
}

func TestWriter_PeerGone(t *testing.T) {
	tr := newFakeTransport()
	w := NewWriter(tr, testOptions())
	w.Start()

	close(tr.peerGone)
	waitDone(t, w)

	if !errors.Is(w.Err(), ErrTransportClosed) {
		t.Errorf("Err() = %v, want ErrTransportClosed", w.Err())
	}
}

func TestWriter_CloseGracefullyWritesFinalFrame(t *testing.T) {
	tr := newFakeTransport()
	w := NewWriter(tr, testOptions())
	w.Start()

	_ = w.Submit(frame(1, "message"))
	w.CloseGracefully(wire.ControlFrame(wire.EventReplaced, "u:p", "replaced"), "replaced")
	waitDone(t, w)

	got := tr.frames(t)
	if len(got) != 2 || got[1].Event != wire.EventReplaced {
		t.Fatalf("frames = %+v, want message then replaced", got)
	}

	if tr.reason != "replaced" {
		t.Errorf("close reason = %q", tr.reason)
	}
}

func TestWriter_HeartbeatAndRefresh(t *testing.T) {
	tr := newFakeTransport()

	var ticks atomic.Int32

	opts := testOptions()
	opts.HeartbeatInterval = 10 * time.Millisecond
	opts.OnTick = func(context.Context) error {
		if ticks.Add(1) >= 3 {
			return models.ErrConnectionNotFound
		}
		return nil
	}

	w := NewWriter(tr, opts)
	w.Start()
	waitDone(t, w)

	if !errors.Is(w.Err(), ErrEvicted) {
		t.Errorf("Err() = %v, want ErrEvicted", w.Err())
	}

	for _, f := range tr.frames(t) {
		if f.Event != wire.EventHeartbeat || f.ID != "" {
			t.Errorf("unexpected frame %+v", f)
		}
	}
}

func TestWriter_CloseStopsTimersSynchronously(t *testing.T) {
	tr := newFakeTransport()

	var ticks atomic.Int32

	opts := testOptions()
	opts.HeartbeatInterval = time.Millisecond
	opts.OnTick = func(context.Context) error {
		ticks.Add(1)
		return nil
	}

	w := NewWriter(tr, opts)
	w.Start()
	time.Sleep(20 * time.Millisecond)

	w.Close("bye")
	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)

	if ticks.Load() != after {
		t.Errorf("refresh fired after Close: %d -> %d", after, ticks.Load())
	}

	if !errors.Is(w.Err(), ErrClosed) {
		t.Errorf("Err() = %v, want ErrClosed", w.Err())
	}
}

func TestSSETransport(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, err := NewSSETransport(ctx, rec, 3*time.Second)
	if err != nil {
		t.Fatalf("NewSSETransport() error: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	wctx, wcancel := context.WithTimeout(ctx, time.Second)
	defer wcancel()

	if err := tr.WriteFrame(wctx, frame(1, "message")); err != nil {
		t.Fatalf("WriteFrame() error: %v", err)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "retry: 3000\n\n") || !strings.Contains(body, "id: 1\nevent: message\n") {
		t.Errorf("body = %q", body)
	}

	cancel()

	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after request context ended")
	}

	_ = tr.Close("bye")

	if err := tr.WriteFrame(context.Background(), frame(2, "message")); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("WriteFrame after Close = %v", err)
	}
}
