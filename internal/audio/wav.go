package audio

import (
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DecodeWAV reads a whole WAV stream into a float batch at its native layout.
func DecodeWAV(r io.ReadSeeker) (Batch, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Batch{}, fmt.Errorf("%w: not a valid wav stream", ErrResampleFault)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Batch{}, fmt.Errorf("read wav pcm: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return Batch{}, errors.New("read wav pcm: missing format")
	}
	depth := int(dec.BitDepth)
	if depth <= 0 || depth > 32 {
		return Batch{}, fmt.Errorf("%w: unsupported bit depth %d", ErrResampleFault, depth)
	}
	scale := float32(int64(1) << (depth - 1))
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}
	return Batch{
		Samples:    samples,
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
	}, nil
}

// EncodeWAV writes mono float samples as a 16-bit PCM WAV stream.
func EncodeWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	ints := make([]int, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		ints[i] = int(v)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           ints,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
