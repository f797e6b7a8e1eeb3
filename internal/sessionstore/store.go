// Package sessionstore persists one summary row per streaming session.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrAlreadyFinalized = errors.New("session already finalized")
)

const (
	DefaultListLimit = 100
	defaultMaxLimit  = 500
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Session is the durable summary of one transcription run.
type Session struct {
	ID                    string    `gorm:"column:id;type:uuid;primaryKey;default:uuid_generate_v4()"`
	StartedAt             time.Time `gorm:"column:started_at;default:now()"`
	UpdatedAt             time.Time `gorm:"column:updated_at;default:now()"`
	AudioDurationSeconds  float64   `gorm:"column:audio_duration_seconds"`
	FinalTranscript       string    `gorm:"column:final_transcript"`
	WordCount             int       `gorm:"column:word_count"`
	ModelUsed             string    `gorm:"column:model_used"`
	ProcessingTimeSeconds float64   `gorm:"column:processing_time_seconds"`
	SampleRate            *int      `gorm:"column:sample_rate"`
	LanguageCode          *string   `gorm:"column:language_code"`
	Status                Status    `gorm:"column:status"`
	ErrorMessage          *string   `gorm:"column:error_message"`
}

func (Session) TableName() string { return "transcription_sessions" }

// Finalization carries the terminal values written once per session.
type Finalization struct {
	Transcript      string
	WordCount       int
	DurationSeconds float64
	Status          Status
	ErrorMessage    string
}

func (f Finalization) validate() error {
	if !f.Status.Terminal() {
		return fmt.Errorf("%w: status %q is not terminal", ErrInvalidArgument, f.Status)
	}
	if f.WordCount < 0 || f.DurationSeconds < 0 {
		return fmt.Errorf("%w: negative statistics", ErrInvalidArgument)
	}
	return nil
}

// Store is the persistence contract used by the session controller and the read APIs.
type Store interface {
	CreateProvisional(ctx context.Context, modelUsed string, sampleRate int, languageCode string) (Session, error)
	// Finalize moves a processing session to a terminal status. It writes a
	// row at most once: a repeated call does not overwrite the stored
	// transcript or status and returns ErrAlreadyFinalized, so an owner and
	// the orphan reconciler racing on one row cannot clobber each other.
	Finalize(ctx context.Context, id string, f Finalization) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	// List returns sessions newest first.
	List(ctx context.Context, offset, limit int) ([]Session, error)
	// ListStale returns processing sessions started before the cutoff, oldest first.
	ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]Session, error)
	// Prune applies retention; processing rows are never removed.
	Prune(ctx context.Context) error
	Close() error
}

// Open initializes the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.SessionStoreConfig, log *slog.Logger) (Store, error) {
	log = log.With(slog.String("component", "sessionstore"), slog.String("driver", cfg.Driver))
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case "", "sqlite":
		store, err = OpenSQLite(ctx, cfg, log)
	case "postgres":
		store, err = OpenPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown session store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Prune(ctx); err != nil {
		log.Warn("session store prune on start failed", slog.String("error", err.Error()))
	}
	return store, nil
}

func normalizePage(offset, limit, maxLimit int) (int, int, error) {
	if offset < 0 || limit < 0 {
		return 0, 0, fmt.Errorf("%w: offset and limit must be non-negative", ErrInvalidArgument)
	}
	if maxLimit <= 0 {
		maxLimit = defaultMaxLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return offset, limit, nil
}

func optionalInt(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
