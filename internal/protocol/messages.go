package protocol

import "time"

// AudioFrame carries PCM audio streamed from an edge device or capture bridge.
// PCM is interleaved little-endian; Format is "s16le" (default) or "f32le".
type AudioFrame struct {
	SessionID  string    `json:"session_id"`
	Sequence   int       `json:"sequence"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	Format     string    `json:"format,omitempty"`
	PCM        []byte    `json:"pcm"`
	Final      bool      `json:"final"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
}

// Transcript is the coarse text event older consumers listen for: Live deltas
// go out as partials, Committed and Forced deltas as finals.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// TranscriptDelta is one entry of the ordered delta stream of a live session.
type TranscriptDelta struct {
	SessionID string    `json:"session_id"`
	SegmentID uint64    `json:"segment_id"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Diagnostic reports a fault observed by a live session.
type Diagnostic struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	SegmentID uint64    `json:"segment_id,omitempty"`
	Fatal     bool      `json:"fatal,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectLiveDelta         = "stt.live.delta"
	SubjectLiveDiagnostic    = "stt.live.diagnostic"
)

// AudioFrameSubject is the subject frames for sessionID are published on.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}
