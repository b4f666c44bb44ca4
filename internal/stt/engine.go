package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
)

var (
	// ErrInference wraps every engine-level failure.
	ErrInference = errors.New("inference fault")
	// ErrEngineInUse means an abandoned call still runs inside the engine.
	ErrEngineInUse = errors.New("engine still in use by an abandoned call")
)

// Segment is one timed span of recognized text.
type Segment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Result captures engine output.
type Result struct {
	Text     string
	Segments []Segment
}

// SegmentTexts returns per-segment texts, or the whole text as a single
// segment for engines that do not report segments.
func (r Result) SegmentTexts() []string {
	if len(r.Segments) == 0 {
		if strings.TrimSpace(r.Text) == "" {
			return nil
		}
		return []string{r.Text}
	}
	out := make([]string, len(r.Segments))
	for i, s := range r.Segments {
		out[i] = s.Text
	}
	return out
}

// Engine abstracts speech-to-text backends. Engines receive mono samples at
// the configured target rate and are not reentrant: callers serialise calls.
type Engine interface {
	Transcribe(ctx context.Context, samples []float32) (Result, error)
}

// New builds the engine selected by cfg.Mode.
func New(cfg config.STTConfig, sampleRate int) (Engine, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockEngine(sampleRate), nil
	case "exec":
		return NewExecEngine(cfg, sampleRate)
	case "whisper":
		return NewWhisperEngine(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

// Close releases engine resources when the engine holds any.
func Close(e Engine) error {
	if c, ok := e.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// CloseWhenIdle closes the engine once idle is closed, waiting at most
// timeout. On expiry the engine is left open and ErrEngineInUse is returned:
// native engines must not be freed under a running call. A nil idle channel
// means nothing is using the engine.
func CloseWhenIdle(e Engine, idle <-chan struct{}, timeout time.Duration) error {
	if idle == nil {
		return Close(e)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return Close(e)
	case <-timer.C:
		return ErrEngineInUse
	}
}
