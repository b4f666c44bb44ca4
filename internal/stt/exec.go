package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/mattn/go-shellwords"
)

type execEngine struct {
	cmd        []string
	cfg        config.STTConfig
	sampleRate int
}

type execSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type execResult struct {
	Text     string        `json:"text"`
	Segments []execSegment `json:"segments"`
}

// NewExecEngine runs an external command per call. The command receives a
// 16-bit mono WAV via --audio and prints {"text", "segments"} JSON on stdout.
func NewExecEngine(cfg config.STTConfig, sampleRate int) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execEngine{cmd: args, cfg: cfg, sampleRate: sampleRate}, nil
}

func (e *execEngine) Transcribe(ctx context.Context, samples []float32) (Result, error) {
	file, err := os.CreateTemp("", "loqa_live_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.EncodeWAV(file, samples, e.sampleRate); err != nil {
		return Result{}, err
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if e.cfg.ModelPath != "" {
		args = append(args, "--model", e.cfg.ModelPath)
	}
	if e.cfg.Language != "" {
		args = append(args, "--language", e.cfg.Language)
	}
	if e.cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(e.cfg.Threads))
	}

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("%w: stt command failed: %v: %s", ErrInference, err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("%w: decode stt response: %v", ErrInference, err)
	}
	res := Result{Text: resp.Text}
	for _, s := range resp.Segments {
		res.Segments = append(res.Segments, Segment{
			Start: seconds(s.Start),
			End:   seconds(s.End),
			Text:  s.Text,
		})
	}
	return res, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
