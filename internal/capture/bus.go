package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource receives AudioFrame messages for one session from the bus.
type BusSource struct {
	conn      *nats.Conn
	sessionID string
	log       *slog.Logger
}

func NewBusSource(conn *nats.Conn, sessionID string, log *slog.Logger) *BusSource {
	if log == nil {
		log = slog.Default()
	}
	return &BusSource{
		conn:      conn,
		sessionID: sessionID,
		log:       log.With(slog.String("component", "capture"), slog.String("session_id", sessionID)),
	}
}

// Run returns nil once a frame marked Final arrives or ctx ends. Frames queue
// without limit while the sink is busy: a stalled loop costs memory, never
// audio.
func (b *BusSource) Run(ctx context.Context, sink Sink) error {
	subject := protocol.AudioFrameSubject(b.sessionID)
	sub, err := b.conn.SubscribeSync(subject)
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrCaptureFault, subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		return fmt.Errorf("%w: pending limits: %v", ErrCaptureFault, err)
	}
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("%w: flush subscription: %v", ErrCaptureFault, err)
	}
	b.log.Info("listening for audio frames", slog.String("subject", subject))

	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: receive %s: %v", ErrCaptureFault, subject, err)
		}
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			b.log.Warn("failed to decode audio frame", slogError(err))
			continue
		}
		if len(frame.PCM) > 0 {
			batch, err := frameBatch(frame)
			if err != nil {
				return err
			}
			if err := sink(batch); err != nil {
				return err
			}
		}
		if frame.Final {
			return nil
		}
	}
}

func frameBatch(frame protocol.AudioFrame) (audio.Batch, error) {
	batch := audio.Batch{
		Data:       frame.PCM,
		SampleRate: frame.SampleRate,
		Channels:   frame.Channels,
		Timestamp:  frame.CapturedAt,
	}
	switch frame.Format {
	case "", "s16le":
		batch.Format = audio.FormatS16LE
	case "f32le":
		batch.Format = audio.FormatF32LE
	default:
		return audio.Batch{}, fmt.Errorf("%w: unsupported frame format %q", audio.ErrResampleFault, frame.Format)
	}
	if batch.Channels == 0 {
		batch.Channels = 1
	}
	if batch.Timestamp.IsZero() {
		batch.Timestamp = time.Now()
	}
	return batch, nil
}
