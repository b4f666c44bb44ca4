package stt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
)

func tone(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestMockEngineGrowsWithVoicedAudio(t *testing.T) {
	e := NewMockEngine(16000)
	ctx := context.Background()
	short, err := e.Transcribe(ctx, tone(8000, 0.3))
	if err != nil {
		t.Fatal(err)
	}
	long, err := e.Transcribe(ctx, append(tone(16000, 0.3), tone(16000, 0)...))
	if err != nil {
		t.Fatal(err)
	}
	if short.Text != "alpha" || long.Text != "alpha bravo" {
		t.Fatalf("unexpected mock output %q / %q", short.Text, long.Text)
	}
	silent, _ := e.Transcribe(ctx, tone(32000, 0))
	if silent.Text != "" {
		t.Fatalf("expected no text for silence, got %q", silent.Text)
	}
}

func TestMockEngineHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockEngine(16000).Transcribe(ctx, tone(8000, 0.3)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewSelectsEngine(t *testing.T) {
	if _, err := New(config.STTConfig{Mode: "mock"}, 16000); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := New(config.STTConfig{Mode: "exec"}, 16000); err == nil {
		t.Fatal("expected error for empty exec command")
	}
	if _, err := New(config.STTConfig{Mode: "bogus"}, 16000); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestResultSegmentTexts(t *testing.T) {
	if got := (Result{Text: " hi there "}).SegmentTexts(); len(got) != 1 {
		t.Fatalf("expected whole text as one segment, got %v", got)
	}
	if got := (Result{}).SegmentTexts(); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	r := Result{Text: "a b", Segments: []Segment{{Text: "a"}, {Text: "b"}}}
	if got := r.SegmentTexts(); len(got) != 2 || got[1] != "b" {
		t.Fatalf("unexpected segments %v", got)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecEngineParsesSegments(t *testing.T) {
	script := writeScript(t, `for a in "$@"; do
  if [ -n "$next" ]; then test -s "$a" || exit 3; next=""; fi
  [ "$a" = "--audio" ] && next=1
done
echo '{"text":"turn on the lights","segments":[{"start":0,"end":1.5,"text":"turn on"},{"start":1.5,"end":2,"text":"the lights"}]}'
`)
	e, err := NewExecEngine(config.STTConfig{Command: script + " --flag", Language: "en", Threads: 2}, 16000)
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Transcribe(context.Background(), tone(1600, 0.2))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "turn on the lights" || len(res.Segments) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Segments[0].End != 1500*time.Millisecond {
		t.Fatalf("unexpected segment end %v", res.Segments[0].End)
	}
}

func TestExecEngineFailureIsInferenceFault(t *testing.T) {
	script := writeScript(t, "echo boom >&2\nexit 1\n")
	e, err := NewExecEngine(config.STTConfig{Command: script}, 16000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Transcribe(context.Background(), tone(160, 0.2)); !errors.Is(err, ErrInference) {
		t.Fatalf("expected inference fault, got %v", err)
	}

	garbage := writeScript(t, "echo not-json\n")
	e, _ = NewExecEngine(config.STTConfig{Command: garbage}, 16000)
	if _, err := e.Transcribe(context.Background(), tone(160, 0.2)); !errors.Is(err, ErrInference) {
		t.Fatalf("expected inference fault for bad json, got %v", err)
	}
}

type closeRecorder struct {
	closed bool
}

func (c *closeRecorder) Transcribe(context.Context, []float32) (Result, error) { return Result{}, nil }

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestCloseWhenIdle(t *testing.T) {
	busy := make(chan struct{})
	e := &closeRecorder{}
	if err := CloseWhenIdle(e, busy, 20*time.Millisecond); !errors.Is(err, ErrEngineInUse) {
		t.Fatalf("expected ErrEngineInUse, got %v", err)
	}
	if e.closed {
		t.Fatal("engine closed while busy")
	}
	close(busy)
	if err := CloseWhenIdle(e, busy, time.Second); err != nil || !e.closed {
		t.Fatalf("expected close once idle, got err=%v closed=%v", err, e.closed)
	}

	fresh := &closeRecorder{}
	if err := CloseWhenIdle(fresh, nil, time.Second); err != nil || !fresh.closed {
		t.Fatal("expected immediate close without an idle channel")
	}
}
