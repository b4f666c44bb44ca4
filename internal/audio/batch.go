// Package audio converts captured PCM into mono float samples at the model rate
// and hands them from the capture callback to the transcription loop.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrResampleFault marks input the resampler cannot interpret. It is fatal for a session.
var ErrResampleFault = errors.New("resample fault")

// SampleFormat describes how Batch.Data is encoded.
type SampleFormat int

const (
	// FormatS16LE is signed 16-bit little-endian PCM.
	FormatS16LE SampleFormat = iota
	// FormatF32LE is IEEE float32 little-endian PCM.
	FormatF32LE
)

func (f SampleFormat) String() string {
	switch f {
	case FormatS16LE:
		return "s16le"
	case FormatF32LE:
		return "f32le"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Batch is one delivery from a capture source at the device's native layout.
// Either Data (encoded as Format) or Samples (already decoded floats) is set;
// both are channel-interleaved.
type Batch struct {
	Data       []byte
	Samples    []float32
	Format     SampleFormat
	SampleRate int
	Channels   int
	Timestamp  time.Time
}

// Frames returns the number of multi-channel frames in the batch.
func (b Batch) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	if b.Samples != nil {
		return len(b.Samples) / b.Channels
	}
	switch b.Format {
	case FormatS16LE:
		return len(b.Data) / (2 * b.Channels)
	case FormatF32LE:
		return len(b.Data) / (4 * b.Channels)
	}
	return 0
}

// Duration is the wall-clock length of the batch.
func (b Batch) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}
