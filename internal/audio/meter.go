package audio

import (
	"math"
	"sync"
)

// Level is a snapshot of the input meter.
type Level struct {
	Volume float64 `json:"volume"`
	Peak   float64 `json:"peak"`
}

// LevelMeter smooths RMS volume and tracks a slowly decaying peak.
type LevelMeter struct {
	mu     sync.Mutex
	volume float64
	peak   float64
}

// Update folds a window of samples into the meter.
func (m *LevelMeter) Update(samples []float32) {
	if len(samples) == 0 {
		return
	}
	rms := RMS(samples)
	peak := Peak(samples)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volume = m.volume*0.7 + rms*0.3
	m.peak = math.Max(m.peak*0.95, peak)
}

func (m *LevelMeter) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Level{Volume: m.volume, Peak: m.peak}
}

func (m *LevelMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volume = 0
	m.peak = 0
}
