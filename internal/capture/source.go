// Package capture delivers raw audio batches to a live session.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/nats-io/nats.go"
)

// ErrCaptureFault marks a failed device, file or stream. It is fatal for a session.
var ErrCaptureFault = errors.New("capture fault")

// Sink receives batches. It runs on the capture path and must return quickly;
// an error stops the source.
type Sink func(audio.Batch) error

// Source pushes batches into sink until ctx ends, the stream is exhausted
// (nil) or capture fails (an error wrapping ErrCaptureFault, or the sink's
// error).
type Source interface {
	Run(ctx context.Context, sink Sink) error
}

// New builds the source selected by cfg.Mode. conn is required for bus mode.
func New(cfg config.CaptureConfig, conn *nats.Conn, log *slog.Logger) (Source, error) {
	switch cfg.Mode {
	case "file":
		return &WAVSource{
			Path:     cfg.File,
			Chunk:    time.Duration(cfg.ChunkMS) * time.Millisecond,
			Realtime: cfg.Realtime,
			Logger:   log,
		}, nil
	case "bus":
		if conn == nil {
			return nil, errors.New("capture.mode=bus requires a bus connection")
		}
		return NewBusSource(conn, cfg.SessionID, log), nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
