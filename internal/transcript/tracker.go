package transcript

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-live/internal/metrics"
)

const paragraphBreak = "\n\n"

// Snapshot is the consumer-visible state: the tentative text of the current
// segment and the most recently committed delta.
type Snapshot struct {
	SegmentID     uint64 `json:"segment_id"`
	Live          string `json:"live"`
	LastCommitted *Delta `json:"last_committed,omitempty"`
}

// Tracker guards a Publisher against ordering violations: segment ids never go
// backwards and a finalized segment never receives another delta. It keeps the
// current Live text, the last committed delta and, for Transcript, the
// committed paragraphs of the session.
type Tracker struct {
	pub     Publisher
	metrics *metrics.Metrics

	mu            sync.Mutex
	current       uint64
	live          string
	lastCommitted *Delta
	paragraphs    []string
}

func NewTracker(pub Publisher, m *metrics.Metrics) *Tracker {
	if pub == nil {
		pub = Discard
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Tracker{pub: pub, metrics: m}
}

func (t *Tracker) PublishDelta(ctx context.Context, d Delta) error {
	t.mu.Lock()
	if d.SegmentID < t.current {
		t.mu.Unlock()
		return fmt.Errorf("%w: segment %d after %d", ErrOutOfOrder, d.SegmentID, t.current)
	}
	if t.lastCommitted != nil && d.SegmentID <= t.lastCommitted.SegmentID {
		t.mu.Unlock()
		return fmt.Errorf("%w: segment %d already committed", ErrOutOfOrder, d.SegmentID)
	}
	t.current = d.SegmentID
	if d.Kind.Final() {
		committed := d
		t.lastCommitted = &committed
		t.live = ""
		if text := strings.TrimSpace(d.Text); text != "" {
			t.paragraphs = append(t.paragraphs, text)
		}
	} else {
		t.live = d.Text
	}
	t.mu.Unlock()

	t.metrics.RecordDelta(ctx, string(d.Kind))
	return t.pub.PublishDelta(ctx, d)
}

func (t *Tracker) PublishDiagnostic(ctx context.Context, d Diagnostic) error {
	t.metrics.RecordDiagnostic(ctx, string(d.Kind))
	return t.pub.PublishDiagnostic(ctx, d)
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{SegmentID: t.current, Live: t.live}
	if t.lastCommitted != nil {
		c := *t.lastCommitted
		snap.LastCommitted = &c
	}
	return snap
}

// Transcript is the committed text, one paragraph per segment, followed by the
// current Live text.
func (t *Tracker) Transcript() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	parts := t.paragraphs
	if t.live != "" {
		parts = append(parts[:len(parts):len(parts)], t.live)
	}
	return strings.Join(parts, paragraphBreak)
}

// Committed is the committed text only.
func (t *Tracker) Committed() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.paragraphs, paragraphBreak)
}

// DiscardLive drops the tentative text of an abandoned segment.
func (t *Tracker) DiscardLive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live = ""
}

// Reset forgets all text. Segment ids restart, so consumers must treat a reset
// as the start of a new stream.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = 0
	t.live = ""
	t.lastCommitted = nil
	t.paragraphs = nil
}
