package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Resample decodes a batch, downmixes it to mono and converts it to targetRate
// with linear interpolation. The conversion is stateless and deterministic per
// batch: each batch yields floor(frames*targetRate/sourceRate) samples, so
// batch sizes that do not divide evenly lose under one sample per batch.
func Resample(b Batch, targetRate int) ([]float32, error) {
	if targetRate <= 0 {
		return nil, fmt.Errorf("%w: target rate %d", ErrResampleFault, targetRate)
	}
	if b.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: source rate %d", ErrResampleFault, b.SampleRate)
	}
	if b.Channels <= 0 {
		return nil, fmt.Errorf("%w: channel count %d", ErrResampleFault, b.Channels)
	}

	interleaved, err := decode(b)
	if err != nil {
		return nil, err
	}
	if len(interleaved)%b.Channels != 0 {
		return nil, fmt.Errorf("%w: %d samples not divisible by %d channels", ErrResampleFault, len(interleaved), b.Channels)
	}
	mono := Downmix(interleaved, b.Channels)
	return ResampleLinear(mono, b.SampleRate, targetRate), nil
}

func decode(b Batch) ([]float32, error) {
	if b.Samples != nil {
		return b.Samples, nil
	}
	switch b.Format {
	case FormatS16LE:
		if len(b.Data)%2 != 0 {
			return nil, fmt.Errorf("%w: odd byte count %d for s16le", ErrResampleFault, len(b.Data))
		}
		out := make([]float32, len(b.Data)/2)
		for i := range out {
			out[i] = float32(int16(binary.LittleEndian.Uint16(b.Data[i*2:]))) / 32768
		}
		return out, nil
	case FormatF32LE:
		if len(b.Data)%4 != 0 {
			return nil, fmt.Errorf("%w: byte count %d not aligned for f32le", ErrResampleFault, len(b.Data))
		}
		out := make([]float32, len(b.Data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b.Data[i*4:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported format %s", ErrResampleFault, b.Format)
	}
}

// Downmix averages interleaved channels into a mono signal.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ResampleLinear converts mono samples between rates by linear interpolation.
// Equal rates return the input unchanged.
func ResampleLinear(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}

// RMS is the root-mean-square energy of samples; zero for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak is the largest absolute sample value.
func Peak(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		if v := math.Abs(float64(s)); v > peak {
			peak = v
		}
	}
	return peak
}
