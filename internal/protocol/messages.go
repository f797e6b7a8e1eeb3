package protocol

import "time"

// Stream event kinds sent to the caller.
const (
	EventPartial = "partial"
	EventFinal   = "final"
)

// StreamEvent is one outward message on the streaming channel.
type StreamEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func Partial(text string) StreamEvent { return StreamEvent{Type: EventPartial, Text: text} }

func Final(text string) StreamEvent { return StreamEvent{Type: EventFinal, Text: text} }

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEvent announces a session lifecycle change on the bus.
type SessionEvent struct {
	SessionID       string    `json:"session_id"`
	Status          string    `json:"status"`
	ModelUsed       string    `json:"model_used"`
	SampleRate      int       `json:"sample_rate"`
	LanguageCode    string    `json:"language_code,omitempty"`
	WordCount       int       `json:"word_count,omitempty"`
	DurationSeconds float64   `json:"audio_duration_seconds,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionStarted    = "transcribe.session.started"
	SubjectSessionFinalized  = "transcribe.session.finalized"
)
