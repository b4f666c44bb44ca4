package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/metrics"
	"github.com/loqalabs/loqa-live/internal/protocol"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type recorder struct {
	mu    sync.Mutex
	delta []Delta
	diag  []Diagnostic
	err   error
}

func (r *recorder) PublishDelta(_ context.Context, d Delta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delta = append(r.delta, d)
	return r.err
}

func (r *recorder) PublishDiagnostic(_ context.Context, d Diagnostic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diag = append(r.diag, d)
	return r.err
}

func testMetrics(t *testing.T) *metrics.Metrics {
	t.Helper()
	m, err := metrics.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestTrackerRejectsLiveAfterCommit(t *testing.T) {
	ctx := context.Background()
	out := &recorder{}
	tr := NewTracker(out, testMetrics(t))

	steps := []struct {
		d       Delta
		wantErr bool
	}{
		{Delta{SegmentID: 1, Kind: KindLive, Text: "alpha"}, false},
		{Delta{SegmentID: 1, Kind: KindLive, Text: "alpha bravo"}, false},
		{Delta{SegmentID: 1, Kind: KindCommitted, Text: "alpha bravo"}, false},
		{Delta{SegmentID: 1, Kind: KindLive, Text: "late"}, true},
		{Delta{SegmentID: 1, Kind: KindForced, Text: "again"}, true},
		{Delta{SegmentID: 2, Kind: KindLive, Text: "charlie"}, false},
		{Delta{SegmentID: 1, Kind: KindLive, Text: "backwards"}, true},
	}
	for i, step := range steps {
		err := tr.PublishDelta(ctx, step.d)
		if step.wantErr != (err != nil) {
			t.Fatalf("step %d: err = %v, wantErr %v", i, err, step.wantErr)
		}
		if err != nil && !errors.Is(err, ErrOutOfOrder) {
			t.Fatalf("step %d: expected ErrOutOfOrder, got %v", i, err)
		}
	}
	if len(out.delta) != 4 {
		t.Fatalf("expected 4 forwarded deltas, got %d", len(out.delta))
	}

	snap := tr.Snapshot()
	if snap.SegmentID != 2 || snap.Live != "charlie" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.LastCommitted == nil || snap.LastCommitted.Text != "alpha bravo" {
		t.Fatalf("unexpected last committed %+v", snap.LastCommitted)
	}
}

func TestTrackerTranscriptParagraphs(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(nil, testMetrics(t))
	_ = tr.PublishDelta(ctx, Delta{SegmentID: 1, Kind: KindCommitted, Text: "first"})
	_ = tr.PublishDelta(ctx, Delta{SegmentID: 2, Kind: KindCommitted, Text: ""})
	_ = tr.PublishDelta(ctx, Delta{SegmentID: 3, Kind: KindForced, Text: "second"})
	_ = tr.PublishDelta(ctx, Delta{SegmentID: 4, Kind: KindLive, Text: "third"})

	if got := tr.Transcript(); got != "first\n\nsecond\n\nthird" {
		t.Fatalf("unexpected transcript %q", got)
	}
	if got := tr.Committed(); got != "first\n\nsecond" {
		t.Fatalf("unexpected committed text %q", got)
	}

	tr.Reset()
	if tr.Transcript() != "" {
		t.Fatal("expected empty transcript after reset")
	}
	if err := tr.PublishDelta(ctx, Delta{SegmentID: 1, Kind: KindLive, Text: "again"}); err != nil {
		t.Fatalf("segment ids restart after reset: %v", err)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("down")}
	f := Fanout{ok, bad}
	if err := f.PublishDelta(context.Background(), Delta{SegmentID: 1, Kind: KindLive}); err == nil {
		t.Fatal("expected joined error")
	}
	if len(ok.delta) != 1 || len(bad.delta) != 1 {
		t.Fatal("every publisher should see the delta")
	}
	if err := f.PublishDiagnostic(context.Background(), Diagnostic{Kind: DiagnosticInferenceFault}); err == nil {
		t.Fatal("expected joined error")
	}
}

func TestChannelPublisher(t *testing.T) {
	c := NewChannelPublisher(1)
	ctx := context.Background()
	if err := c.PublishDelta(ctx, Delta{SegmentID: 1, Kind: KindLive, Text: "a"}); err != nil {
		t.Fatal(err)
	}
	// full channel: deltas wait for the context, diagnostics are dropped
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := c.PublishDelta(short, Delta{SegmentID: 1, Kind: KindLive, Text: "b"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	_ = c.PublishDiagnostic(ctx, Diagnostic{Kind: DiagnosticInferenceFault})
	if err := c.PublishDiagnostic(ctx, Diagnostic{Kind: DiagnosticCaptureFault}); err != nil {
		t.Fatalf("diagnostics never fail: %v", err)
	}
	if d := <-c.Deltas(); d.Text != "a" {
		t.Fatalf("unexpected delta %+v", d)
	}
	if d := <-c.Diagnostics(); d.Kind != DiagnosticInferenceFault {
		t.Fatalf("unexpected diagnostic %+v", d)
	}
}

type fakeConn struct {
	subjects []string
	payloads [][]byte
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestBusPublisherSubjects(t *testing.T) {
	conn := &fakeConn{}
	b := NewBusPublisher(conn, "kitchen")
	ctx := context.Background()
	now := time.Now()

	_ = b.PublishDelta(ctx, Delta{SegmentID: 1, Kind: KindLive, Text: "hi", Timestamp: now})
	_ = b.PublishDelta(ctx, Delta{SegmentID: 1, Kind: KindCommitted, Text: "", Timestamp: now})
	_ = b.PublishDelta(ctx, Delta{SegmentID: 2, Kind: KindForced, Text: "long", Timestamp: now})
	_ = b.PublishDiagnostic(ctx, Diagnostic{Kind: DiagnosticInferenceFault, Message: "boom", SegmentID: 2})

	want := []string{
		protocol.SubjectLiveDelta, protocol.SubjectTranscriptPartial,
		protocol.SubjectLiveDelta,
		protocol.SubjectLiveDelta, protocol.SubjectTranscriptFinal,
		protocol.SubjectLiveDiagnostic,
	}
	if len(conn.subjects) != len(want) {
		t.Fatalf("unexpected subjects %v", conn.subjects)
	}
	for i := range want {
		if conn.subjects[i] != want[i] {
			t.Fatalf("subject %d = %s, want %s", i, conn.subjects[i], want[i])
		}
	}

	var msg protocol.TranscriptDelta
	if err := json.Unmarshal(conn.payloads[3], &msg); err != nil {
		t.Fatal(err)
	}
	if msg.SessionID != "kitchen" || msg.SegmentID != 2 || msg.Kind != "forced" {
		t.Fatalf("unexpected delta message %+v", msg)
	}
}

type memoryStore struct{ events []eventstore.Event }

func (m *memoryStore) AppendEvent(_ context.Context, evt eventstore.Event) error {
	m.events = append(m.events, evt)
	return nil
}

func TestRecorderPublisher(t *testing.T) {
	store := &memoryStore{}
	r := NewRecorderPublisher(store, "s1")
	ctx := context.Background()
	_ = r.PublishDelta(ctx, Delta{SegmentID: 3, Kind: KindCommitted, Text: "done"})
	_ = r.PublishDiagnostic(ctx, Diagnostic{Kind: DiagnosticInferenceFault, Message: "boom", SegmentID: 3})

	if len(store.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(store.events))
	}
	if e := store.events[0]; e.Type != "delta.committed" || e.SegmentID != 3 || e.SessionID != "s1" {
		t.Fatalf("unexpected delta event %+v", e)
	}
	if e := store.events[1]; e.Type != "diagnostic.inference_fault" || e.Text != "boom" || len(e.Payload) == 0 {
		t.Fatalf("unexpected diagnostic event %+v", e)
	}
}
