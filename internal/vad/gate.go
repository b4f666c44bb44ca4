// Package vad classifies windows of audio as speech or silence by RMS energy.
//
// The Gate calibrates itself once per session: it watches the first
// CalibrationSamples of input in ChunkSamples windows, remembers the loudest
// window and sets the threshold to max(peak*Multiplier, MinThreshold). Until
// calibration completes every window counts as speech, so early audio is never
// mistaken for silence.
package vad

import (
	"math"
	"sync"

	"github.com/loqalabs/loqa-live/internal/audio"
)

// Config tunes a Gate.
type Config struct {
	Multiplier         float64
	MinThreshold       float64
	CalibrationSamples int
	ChunkSamples       int
}

// Status is a point-in-time view of the gate.
type Status struct {
	Calibrated bool    `json:"calibrated"`
	Progress   float64 `json:"calibration_progress"`
	Ambient    float64 `json:"ambient_peak_rms"`
	Threshold  float64 `json:"threshold"`
	SilenceRun int     `json:"silence_run"`
}

type Gate struct {
	cfg Config

	mu         sync.Mutex
	calibrated bool
	seen       int
	peak       float64
	chunk      []float32
	threshold  float64
	silenceRun int
}

func NewGate(cfg Config) *Gate {
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = cfg.CalibrationSamples
	}
	g := &Gate{cfg: cfg}
	g.resetLocked()
	return g
}

// Observe feeds input into calibration. It is a no-op once calibrated.
func (g *Gate) Observe(samples []float32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(samples) > 0 && !g.calibrated {
		room := g.cfg.ChunkSamples - len(g.chunk)
		if left := g.cfg.CalibrationSamples - g.seen - len(g.chunk); left < room {
			room = left
		}
		n := min(room, len(samples))
		g.chunk = append(g.chunk, samples[:n]...)
		samples = samples[n:]
		if len(g.chunk) == g.cfg.ChunkSamples || g.seen+len(g.chunk) >= g.cfg.CalibrationSamples {
			g.closeChunkLocked()
		}
	}
}

func (g *Gate) closeChunkLocked() {
	g.peak = math.Max(g.peak, audio.RMS(g.chunk))
	g.seen += len(g.chunk)
	g.chunk = g.chunk[:0]
	if g.seen >= g.cfg.CalibrationSamples {
		g.threshold = math.Max(g.peak*g.cfg.Multiplier, g.cfg.MinThreshold)
		g.calibrated = true
		g.chunk = nil
	}
}

// IsSilence reports whether window is below the threshold without touching
// the silence run. Before calibration it always reports speech.
func (g *Gate) IsSilence(window []float32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isSilenceLocked(window)
}

func (g *Gate) isSilenceLocked(window []float32) bool {
	if !g.calibrated {
		return false
	}
	return audio.RMS(window) < g.threshold
}

// Classify is IsSilence plus bookkeeping: speech resets the silence run to
// zero, silence extends it by one.
func (g *Gate) Classify(window []float32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	silent := g.isSilenceLocked(window)
	if silent {
		g.silenceRun++
	} else {
		g.silenceRun = 0
	}
	return silent
}

// SilenceRunLength is the number of consecutive silent classifications.
func (g *Gate) SilenceRunLength() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.silenceRun
}

func (g *Gate) Calibrated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calibrated
}

func (g *Gate) Threshold() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.threshold
}

func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	progress := 1.0
	if !g.calibrated && g.cfg.CalibrationSamples > 0 {
		progress = float64(g.seen+len(g.chunk)) / float64(g.cfg.CalibrationSamples)
	}
	return Status{
		Calibrated: g.calibrated,
		Progress:   progress,
		Ambient:    g.peak,
		Threshold:  g.threshold,
		SilenceRun: g.silenceRun,
	}
}

// Reset forgets calibration and the silence run.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
}

func (g *Gate) resetLocked() {
	g.seen = 0
	g.peak = 0
	g.chunk = nil
	g.silenceRun = 0
	g.threshold = g.cfg.MinThreshold
	g.calibrated = g.cfg.CalibrationSamples <= 0
}

// Progress is the fraction of the calibration window observed so far, 1 once calibrated.
func (g *Gate) Progress() float64 {
	return g.Status().Progress
}
