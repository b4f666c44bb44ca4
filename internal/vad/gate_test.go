package vad

import (
	"math"
	"testing"
)

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func testConfig() Config {
	return Config{Multiplier: 3, MinThreshold: 0.02, CalibrationSamples: 16000, ChunkSamples: 1600}
}

func TestGateSpeechBeforeCalibration(t *testing.T) {
	g := NewGate(testConfig())
	g.Observe(constant(8000, 0))
	if g.Calibrated() {
		t.Fatal("expected gate to still be calibrating")
	}
	if g.Classify(constant(8000, 0)) {
		t.Fatal("silent audio must count as speech before calibration")
	}
	if g.SilenceRunLength() != 0 {
		t.Fatalf("expected run 0, got %d", g.SilenceRunLength())
	}
	if p := g.Status().Progress; p != 0.5 {
		t.Fatalf("expected progress 0.5, got %f", p)
	}
}

func TestGateCalibratesFromPeakChunk(t *testing.T) {
	g := NewGate(testConfig())
	g.Observe(constant(14400, 0.01))
	g.Observe(constant(1600, 0.05))
	if !g.Calibrated() {
		t.Fatal("expected calibrated gate")
	}
	if got := g.Threshold(); math.Abs(got-0.15) > 1e-6 {
		t.Fatalf("expected threshold 0.15, got %f", got)
	}
	if !g.IsSilence(constant(800, 0.1)) {
		t.Fatal("expected 0.1 to be silence against 0.15")
	}
	if g.IsSilence(constant(800, 0.2)) {
		t.Fatal("expected 0.2 to be speech")
	}
}

func TestGateThresholdFloor(t *testing.T) {
	g := NewGate(testConfig())
	g.Observe(constant(20000, 0.001))
	if got := g.Threshold(); got != 0.02 {
		t.Fatalf("expected floor 0.02, got %f", got)
	}
}

func TestGateCalibrationIgnoresAudioPastWindow(t *testing.T) {
	g := NewGate(testConfig())
	// the loud tail starts after the first second and must not raise the threshold
	samples := append(constant(16000, 0.01), constant(4000, 0.9)...)
	g.Observe(samples)
	if got := g.Threshold(); math.Abs(got-0.03) > 1e-6 {
		t.Fatalf("expected threshold 0.03, got %f", got)
	}
}

func TestGateSilenceRun(t *testing.T) {
	g := NewGate(Config{Multiplier: 3, MinThreshold: 0.02})
	if !g.Calibrated() {
		t.Fatal("zero calibration window should start calibrated")
	}
	quiet := constant(8000, 0)
	loud := constant(8000, 0.3)
	g.Classify(quiet)
	g.Classify(quiet)
	if g.SilenceRunLength() != 2 {
		t.Fatalf("expected run 2, got %d", g.SilenceRunLength())
	}
	g.Classify(loud)
	if g.SilenceRunLength() != 0 {
		t.Fatalf("speech must reset the run, got %d", g.SilenceRunLength())
	}
	if g.IsSilence(quiet) != true || g.SilenceRunLength() != 0 {
		t.Fatal("IsSilence must not change the run")
	}
}

func TestGateResetForcesRecalibration(t *testing.T) {
	g := NewGate(testConfig())
	g.Observe(constant(16000, 0.01))
	first := g.Threshold()
	g.Classify(constant(10, 0))
	g.Reset()
	if g.Calibrated() || g.SilenceRunLength() != 0 {
		t.Fatal("expected reset to clear calibration and run")
	}
	g.Observe(constant(16000, 0.01))
	if g.Threshold() != first {
		t.Fatalf("identical input must reproduce threshold: %f vs %f", g.Threshold(), first)
	}
}
