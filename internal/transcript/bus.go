package transcript

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-live/internal/protocol"
)

// Conn is the slice of *nats.Conn the bus publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// BusPublisher mirrors a session's stream onto the bus. Every delta goes to
// stt.live.delta; non-empty text is also published on the coarse
// stt.text.partial / stt.text.final subjects.
type BusPublisher struct {
	conn      Conn
	sessionID string
}

func NewBusPublisher(conn Conn, sessionID string) *BusPublisher {
	return &BusPublisher{conn: conn, sessionID: sessionID}
}

func (b *BusPublisher) PublishDelta(_ context.Context, d Delta) error {
	if err := b.publish(protocol.SubjectLiveDelta, protocol.TranscriptDelta{
		SessionID: b.sessionID,
		SegmentID: d.SegmentID,
		Kind:      string(d.Kind),
		Text:      d.Text,
		Timestamp: d.Timestamp.UTC(),
	}); err != nil {
		return err
	}
	if d.Text == "" {
		return nil
	}
	subject := protocol.SubjectTranscriptPartial
	if d.Kind.Final() {
		subject = protocol.SubjectTranscriptFinal
	}
	return b.publish(subject, protocol.Transcript{
		SessionID: b.sessionID,
		Text:      d.Text,
		Partial:   !d.Kind.Final(),
		Timestamp: d.Timestamp.UTC(),
	})
}

func (b *BusPublisher) PublishDiagnostic(_ context.Context, d Diagnostic) error {
	return b.publish(protocol.SubjectLiveDiagnostic, protocol.Diagnostic{
		SessionID: b.sessionID,
		Kind:      string(d.Kind),
		Message:   d.Message,
		SegmentID: d.SegmentID,
		Fatal:     d.Fatal,
		Timestamp: d.Timestamp.UTC(),
	})
}

func (b *BusPublisher) publish(subject string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
