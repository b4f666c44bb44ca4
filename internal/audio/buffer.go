package audio

import "sync"

// IngestBuffer accumulates target-rate samples between the capture callback
// (single writer) and the transcription loop (single reader). It never drops
// samples: when the reader falls behind the buffer grows until the next Drain.
type IngestBuffer struct {
	mu        sync.Mutex
	pending   []float32
	recent    []float32
	recentCap int
	pushed    uint64
}

// NewIngestBuffer keeps up to recentCap of the latest samples for metering.
func NewIngestBuffer(recentCap int) *IngestBuffer {
	if recentCap < 0 {
		recentCap = 0
	}
	return &IngestBuffer{recentCap: recentCap}
}

// Push appends samples. The slice is copied, callers may reuse it.
func (b *IngestBuffer) Push(samples []float32) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, samples...)
	b.pushed += uint64(len(samples))
	if b.recentCap == 0 {
		return
	}
	b.recent = append(b.recent, samples...)
	if over := len(b.recent) - b.recentCap; over > 0 {
		b.recent = append(b.recent[:0], b.recent[over:]...)
	}
}

// Drain returns every pending sample and empties the buffer in one step.
func (b *IngestBuffer) Drain() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// PeekRecent copies up to n of the most recently pushed samples without
// draining. Recent samples stay visible after a Drain.
func (b *IngestBuffer) PeekRecent(n int) []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || len(b.recent) == 0 {
		return nil
	}
	if n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]float32, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}

// Len is the number of pending (undrained) samples.
func (b *IngestBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Pushed is the total number of samples accepted since creation or Reset.
func (b *IngestBuffer) Pushed() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushed
}

// Reset discards pending and recent samples.
func (b *IngestBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	b.recent = nil
	b.pushed = 0
}
