package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-live/internal/audio"
)

// WAVSource replays a WAV file as if it were a microphone: fixed-size chunks,
// paced at real time unless Realtime is false.
type WAVSource struct {
	Path     string
	Chunk    time.Duration
	Realtime bool
	Logger   *slog.Logger
}

func (w *WAVSource) Run(ctx context.Context, sink Sink) error {
	f, err := os.Open(w.Path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrCaptureFault, w.Path, err)
	}
	defer f.Close()

	clip, err := audio.DecodeWAV(f)
	if err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrCaptureFault, w.Path, err)
	}
	if w.Logger != nil {
		w.Logger.Info("replaying wav file",
			slog.String("path", w.Path),
			slog.Int("sample_rate", clip.SampleRate),
			slog.Int("channels", clip.Channels),
			slog.Duration("duration", clip.Duration()))
	}
	return w.emit(ctx, sink, clip.Samples, clip.SampleRate, clip.Channels)
}

func (w *WAVSource) emit(ctx context.Context, sink Sink, samples []float32, rate, channels int) error {
	chunk := w.Chunk
	if chunk <= 0 {
		chunk = 20 * time.Millisecond
	}
	per := int(chunk.Seconds()*float64(rate)) * channels
	if per <= 0 {
		per = channels
	}

	start := time.Now()
	var sent time.Duration
	for off := 0; off < len(samples); off += per {
		end := min(off+per, len(samples))
		batch := audio.Batch{
			Samples:    samples[off:end],
			SampleRate: rate,
			Channels:   channels,
			Timestamp:  start.Add(sent),
		}
		if err := sink(batch); err != nil {
			return err
		}
		sent += batch.Duration()

		if w.Realtime {
			timer := time.NewTimer(time.Until(start.Add(sent)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}
