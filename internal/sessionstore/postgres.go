package sessionstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

//go:embed schema/postgres.sql
var postgresSchema string

// invalid_text_representation, raised for malformed uuid literals.
const pgInvalidTextRepresentation = "22P02"

// PostgresStore keeps sessions in the transcription_sessions table. Ids and
// timestamps are defaulted by the database.
type PostgresStore struct {
	db  *gorm.DB
	cfg config.SessionStoreConfig
	log *slog.Logger
}

func OpenPostgres(ctx context.Context, cfg config.SessionStoreConfig, log *slog.Logger) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if cfg.AutoMigrate {
		if err := db.WithContext(ctx).Exec(postgresSchema).Error; err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("init postgres schema: %w", err)
		}
	}
	log.Info("connected to postgres")
	return &PostgresStore{db: db, cfg: cfg, log: log}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) CreateProvisional(ctx context.Context, modelUsed string, sampleRate int, languageCode string) (Session, error) {
	sess := Session{
		ModelUsed:    modelUsed,
		SampleRate:   optionalInt(sampleRate),
		LanguageCode: optionalString(languageCode),
		Status:       StatusProcessing,
	}
	err := s.db.WithContext(ctx).
		Omit("started_at", "updated_at").
		Clauses(clause.Returning{}).
		Create(&sess).Error
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", mapPostgresError(err))
	}
	return sess, nil
}

func (s *PostgresStore) Finalize(ctx context.Context, id string, f Finalization) (Session, error) {
	if err := f.validate(); err != nil {
		return Session{}, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return Session{}, ErrNotFound
	}
	var sess Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&sess).
			Clauses(clause.Returning{}).
			Where("id = ? AND status = ?", id, string(StatusProcessing)).
			Updates(map[string]any{
				"final_transcript":       f.Transcript,
				"word_count":             f.WordCount,
				"audio_duration_seconds": f.DurationSeconds,
				"status":                 string(f.Status),
				"error_message":          optionalString(f.ErrorMessage),
				"updated_at":             gorm.Expr("NOW()"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&Session{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrAlreadyFinalized
		}
		return nil
	})
	if err != nil {
		return Session{}, mapPostgresError(err)
	}
	return sess, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Session{}, ErrNotFound
	}
	var sess Session
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&sess).Error; err != nil {
		return Session{}, mapPostgresError(err)
	}
	return sess, nil
}

func (s *PostgresStore) List(ctx context.Context, offset, limit int) ([]Session, error) {
	offset, limit, err := normalizePage(offset, limit, s.cfg.ListMaxLimit)
	if err != nil {
		return nil, err
	}
	sessions := []Session{}
	if limit == 0 {
		return sessions, nil
	}
	err = s.db.WithContext(ctx).
		Order("started_at DESC").
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", mapPostgresError(err))
	}
	return sessions, nil
}

func (s *PostgresStore) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	sessions := []Session{}
	err := s.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", string(StatusProcessing), startedBefore.UTC()).
		Order("started_at ASC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", mapPostgresError(err))
	}
	return sessions, nil
}

func (s *PostgresStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionDays <= 0 && s.cfg.MaxSessions <= 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.cfg.RetentionDays > 0 {
			cutoff := time.Now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
			if err := tx.Where("status <> ? AND started_at < ?", string(StatusProcessing), cutoff.UTC()).
				Delete(&Session{}).Error; err != nil {
				return err
			}
		}
		if s.cfg.MaxSessions > 0 {
			keep := tx.Model(&Session{}).
				Select("id").
				Where("status <> ?", string(StatusProcessing)).
				Order("started_at DESC").
				Offset(s.cfg.MaxSessions)
			if err := tx.Where("id IN (?)", keep).Delete(&Session{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func mapPostgresError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgInvalidTextRepresentation {
		return ErrNotFound
	}
	return err
}
