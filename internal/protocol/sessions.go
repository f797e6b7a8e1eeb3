package protocol

import (
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/sessionstore"
)

// SessionSummary is the list item served by the query API.
type SessionSummary struct {
	ID                    string    `json:"id"`
	StartedAt             time.Time `json:"started_at"`
	AudioDurationSeconds  float64   `json:"audio_duration_seconds"`
	FinalTranscript       string    `json:"final_transcript"`
	WordCount             int       `json:"word_count"`
	ModelUsed             string    `json:"model_used"`
	ProcessingTimeSeconds float64   `json:"processing_time_seconds"`
}

// SessionDetail is the single-session view.
type SessionDetail struct {
	SessionSummary
	SampleRate   *int    `json:"sample_rate"`
	LanguageCode *string `json:"language_code"`
	Status       string  `json:"status"`
	ErrorMessage *string `json:"error_message"`
}

func NewSessionSummary(s sessionstore.Session) SessionSummary {
	return SessionSummary{
		ID:                    s.ID,
		StartedAt:             s.StartedAt,
		AudioDurationSeconds:  s.AudioDurationSeconds,
		FinalTranscript:       s.FinalTranscript,
		WordCount:             s.WordCount,
		ModelUsed:             s.ModelUsed,
		ProcessingTimeSeconds: s.ProcessingTimeSeconds,
	}
}

func NewSessionDetail(s sessionstore.Session) SessionDetail {
	return SessionDetail{
		SessionSummary: NewSessionSummary(s),
		SampleRate:     s.SampleRate,
		LanguageCode:   s.LanguageCode,
		Status:         string(s.Status),
		ErrorMessage:   s.ErrorMessage,
	}
}

func NewSessionSummaries(sessions []sessionstore.Session) []SessionSummary {
	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, NewSessionSummary(s))
	}
	return out
}
