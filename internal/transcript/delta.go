// Package transcript carries the ordered delta stream produced by a live
// session to its consumers.
package transcript

import (
	"context"
	"errors"
	"time"
)

// Kind classifies a delta. Live text is tentative and replaced by the next
// Live delta of the same segment; Committed and Forced text is final.
type Kind string

const (
	KindLive      Kind = "live"
	KindCommitted Kind = "committed"
	KindForced    Kind = "forced"
)

// Final reports whether the delta closes its segment.
func (k Kind) Final() bool { return k == KindCommitted || k == KindForced }

type Delta struct {
	SegmentID uint64    `json:"segment_id"`
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// DiagnosticKind names a fault class.
type DiagnosticKind string

const (
	DiagnosticInferenceFault DiagnosticKind = "inference_fault"
	DiagnosticCaptureFault   DiagnosticKind = "capture_fault"
	DiagnosticResampleFault  DiagnosticKind = "resample_fault"
	DiagnosticStopTimeout    DiagnosticKind = "stop_timeout"
)

// Diagnostic is an out-of-band fault report. Fatal diagnostics accompany a
// session that has stopped.
type Diagnostic struct {
	Kind      DiagnosticKind `json:"kind"`
	Message   string         `json:"message"`
	SegmentID uint64         `json:"segment_id,omitempty"`
	Fatal     bool           `json:"fatal,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ErrOutOfOrder is returned for a delta that would break segment ordering.
var ErrOutOfOrder = errors.New("transcript delta out of order")

// Publisher receives deltas and diagnostics in emission order. Implementations
// are called from the session loop and must not block for long.
type Publisher interface {
	PublishDelta(ctx context.Context, d Delta) error
	PublishDiagnostic(ctx context.Context, d Diagnostic) error
}

// Fanout forwards to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) PublishDelta(ctx context.Context, d Delta) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishDelta(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) PublishDiagnostic(ctx context.Context, d Diagnostic) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishDiagnostic(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) PublishDelta(context.Context, Delta) error           { return nil }
func (discard) PublishDiagnostic(context.Context, Diagnostic) error { return nil }

// ChannelPublisher hands deltas to an in-process consumer. Deltas are never
// dropped: a full channel blocks until the consumer reads or ctx ends.
// Diagnostics are dropped when their channel is full.
type ChannelPublisher struct {
	deltas      chan Delta
	diagnostics chan Diagnostic
}

func NewChannelPublisher(buffer int) *ChannelPublisher {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelPublisher{
		deltas:      make(chan Delta, buffer),
		diagnostics: make(chan Diagnostic, buffer),
	}
}

func (c *ChannelPublisher) Deltas() <-chan Delta           { return c.deltas }
func (c *ChannelPublisher) Diagnostics() <-chan Diagnostic { return c.diagnostics }

func (c *ChannelPublisher) PublishDelta(ctx context.Context, d Delta) error {
	select {
	case c.deltas <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ChannelPublisher) PublishDiagnostic(_ context.Context, d Diagnostic) error {
	select {
	case c.diagnostics <- d:
	default:
	}
	return nil
}
