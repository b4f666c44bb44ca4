//go:build whisper

// The native engine links against libwhisper. Build with -tags whisper and
// LIBRARY_PATH/C_INCLUDE_PATH pointing at a whisper.cpp build.

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/loqalabs/loqa-live/internal/config"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

type whisperEngine struct {
	model    whisperlib.Model
	language string
	threads  uint
}

// NewWhisperEngine loads the model once; each call gets its own context.
func NewWhisperEngine(cfg config.STTConfig) (Engine, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("whisper: model_path must not be empty")
	}
	model, err := whisperlib.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", cfg.ModelPath, err)
	}
	e := &whisperEngine{model: model, language: cfg.Language}
	if cfg.Threads > 0 {
		e.threads = uint(cfg.Threads)
	}
	return e, nil
}

func (e *whisperEngine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

func (e *whisperEngine) Transcribe(ctx context.Context, samples []float32) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	wctx, err := e.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("%w: create context: %v", ErrInference, err)
	}
	if e.language != "" {
		if err := wctx.SetLanguage(e.language); err != nil {
			return Result{}, fmt.Errorf("%w: set language %q: %v", ErrInference, e.language, err)
		}
	}
	if e.threads > 0 {
		wctx.SetThreads(e.threads)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return Result{}, fmt.Errorf("%w: process audio: %v", ErrInference, err)
	}

	var res Result
	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("%w: read segment: %v", ErrInference, err)
		}
		text := strings.TrimSpace(seg.Text)
		res.Segments = append(res.Segments, Segment{Start: seg.Start, End: seg.End, Text: text})
		if text != "" {
			parts = append(parts, text)
		}
	}
	res.Text = strings.Join(parts, " ")
	return res, nil
}
