package sessionstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	_ "modernc.org/sqlite"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

const sessionColumns = `id, started_at, updated_at, audio_duration_seconds, final_transcript, word_count,
	model_used, processing_time_seconds, sample_rate, language_code, status, error_message`

// SQLiteStore keeps sessions in a local SQLite file. Timestamps are stored as
// unix nanoseconds so ordering survives sub-second starts.
type SQLiteStore struct {
	db    *sql.DB
	cfg   config.SessionStoreConfig
	log   *slog.Logger
	clock func() time.Time
	newID func() string
}

func OpenSQLite(ctx context.Context, cfg config.SessionStoreConfig, log *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; concurrent finalizes queue on the pool.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, cfg: cfg, log: log, clock: time.Now, newID: uuid.NewString}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) CreateProvisional(ctx context.Context, modelUsed string, sampleRate int, languageCode string) (Session, error) {
	now := s.clock().UTC()
	sess := Session{
		ID:           s.newID(),
		StartedAt:    now,
		UpdatedAt:    now,
		ModelUsed:    modelUsed,
		SampleRate:   optionalInt(sampleRate),
		LanguageCode: optionalString(languageCode),
		Status:       StatusProcessing,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcription_sessions(id, started_at, updated_at, model_used, sample_rate, language_code, status)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, now.UnixNano(), now.UnixNano(), modelUsed, sess.SampleRate, sess.LanguageCode, string(StatusProcessing))
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) Finalize(ctx context.Context, id string, f Finalization) (sess Session, err error) {
	if err := f.validate(); err != nil {
		return Session{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("begin finalize: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE transcription_sessions
		 SET final_transcript = ?, word_count = ?, audio_duration_seconds = ?, status = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		f.Transcript, f.WordCount, f.DurationSeconds, string(f.Status), optionalString(f.ErrorMessage), s.clock().UTC().UnixNano(),
		id, string(StatusProcessing))
	if err != nil {
		return Session{}, fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Session{}, fmt.Errorf("update session: %w", err)
	}
	if affected == 0 {
		var status string
		err = tx.QueryRowContext(ctx, `SELECT status FROM transcription_sessions WHERE id = ?`, id).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			err = ErrNotFound
		case err == nil:
			err = ErrAlreadyFinalized
		}
		return Session{}, err
	}
	sess, err = scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM transcription_sessions WHERE id = ?`, id))
	if err != nil {
		return Session{}, err
	}
	if err = tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("commit finalize: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM transcription_sessions WHERE id = ?`, id))
}

func (s *SQLiteStore) List(ctx context.Context, offset, limit int) ([]Session, error) {
	offset, limit, err := normalizePage(offset, limit, s.cfg.ListMaxLimit)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM transcription_sessions
		 ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return collectSessions(rows)
}

func (s *SQLiteStore) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM transcription_sessions
		 WHERE status = ? AND started_at < ?
		 ORDER BY started_at ASC LIMIT ?`,
		string(StatusProcessing), startedBefore.UTC().UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	return collectSessions(rows)
}

// Prune applies retention_days and max_sessions to terminal rows.
func (s *SQLiteStore) Prune(ctx context.Context) (err error) {
	if s.cfg.RetentionDays <= 0 && s.cfg.MaxSessions <= 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM transcription_sessions WHERE status != ? AND started_at < ?`,
			string(StatusProcessing), cutoff.UTC().UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM transcription_sessions WHERE id IN (
			SELECT id FROM transcription_sessions WHERE status != ?
			ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, string(StatusProcessing), s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess                 Session
		started, updated     int64
		status               string
		sampleRate           sql.NullInt64
		language, errMessage sql.NullString
	)
	err := row.Scan(&sess.ID, &started, &updated, &sess.AudioDurationSeconds, &sess.FinalTranscript, &sess.WordCount,
		&sess.ModelUsed, &sess.ProcessingTimeSeconds, &sampleRate, &language, &status, &errMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.StartedAt = time.Unix(0, started).UTC()
	sess.UpdatedAt = time.Unix(0, updated).UTC()
	sess.Status = Status(status)
	if sampleRate.Valid {
		v := int(sampleRate.Int64)
		sess.SampleRate = &v
	}
	if language.Valid {
		sess.LanguageCode = &language.String
	}
	if errMessage.Valid {
		sess.ErrorMessage = &errMessage.String
	}
	return sess, nil
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	defer rows.Close()
	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
