package transcript

import (
	"context"
	"encoding/json"

	"github.com/loqalabs/loqa-live/internal/eventstore"
)

// EventAppender is satisfied by *eventstore.Store.
type EventAppender interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// RecorderPublisher writes the stream to a session timeline.
type RecorderPublisher struct {
	store     EventAppender
	sessionID string
}

func NewRecorderPublisher(store EventAppender, sessionID string) *RecorderPublisher {
	return &RecorderPublisher{store: store, sessionID: sessionID}
}

func (r *RecorderPublisher) PublishDelta(ctx context.Context, d Delta) error {
	return r.store.AppendEvent(ctx, eventstore.Event{
		SessionID: r.sessionID,
		SegmentID: d.SegmentID,
		Type:      eventstore.TypeDeltaPrefix + string(d.Kind),
		Text:      d.Text,
		CreatedAt: d.Timestamp,
	})
}

func (r *RecorderPublisher) PublishDiagnostic(ctx context.Context, d Diagnostic) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return r.store.AppendEvent(ctx, eventstore.Event{
		SessionID: r.sessionID,
		SegmentID: d.SegmentID,
		Type:      eventstore.TypeDiagPrefix + string(d.Kind),
		Text:      d.Message,
		Payload:   payload,
		CreatedAt: d.Timestamp,
	})
}
