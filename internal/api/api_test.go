package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/sessionstore"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newStore(t *testing.T) *sessionstore.SQLiteStore {
	t.Helper()
	cfg := config.SessionStoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "sessions.db"), ListMaxLimit: 500}
	store, err := sessionstore.OpenSQLite(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newRouter(store SessionReader) http.Handler {
	r := chi.NewRouter()
	New(store, newLogger()).Mount(r)
	return r
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func seed(t *testing.T, store *sessionstore.SQLiteStore, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sess, err := store.CreateProvisional(ctx, "vosk-small-en", 16000, "en")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, sess.ID)
	}
	return ids
}

func TestRoot(t *testing.T) {
	rec := get(t, newRouter(newStore(t)), "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["message"] != "Real-Time Transcription API is running" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestListEmpty(t *testing.T) {
	rec := get(t, newRouter(newStore(t)), "/api/v1/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "[]\n" {
		t.Fatalf("expected empty JSON array, got %q", got)
	}
}

func TestListPagingNewestFirst(t *testing.T) {
	store := newStore(t)
	ids := seed(t, store, 5)
	router := newRouter(store)

	var page []protocol.SessionSummary
	rec := get(t, router, "/api/v1/sessions?offset=1&limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	decode(t, rec, &page)
	if len(page) != 2 || page[0].ID != ids[3] || page[1].ID != ids[2] {
		t.Fatalf("unexpected page %+v", page)
	}

	rec = get(t, router, "/api/v1/sessions?skip=4")
	decode(t, rec, &page)
	if len(page) != 1 || page[0].ID != ids[0] {
		t.Fatalf("skip alias: unexpected page %+v", page)
	}
}

func TestListRejectsBadParams(t *testing.T) {
	router := newRouter(newStore(t))
	for _, target := range []string{
		"/api/v1/sessions?limit=abc",
		"/api/v1/sessions?limit=-1",
		"/api/v1/sessions?offset=-5",
		"/api/v1/sessions?skip=x",
	} {
		if rec := get(t, router, target); rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: expected 422, got %d", target, rec.Code)
		}
	}
}

func TestGetSession(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	sess, err := store.CreateProvisional(ctx, "vosk-small-en", 16000, "en")
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Finalize(ctx, sess.ID, sessionstore.Finalization{
		Transcript:      "hello world",
		WordCount:       2,
		DurationSeconds: 1.5,
		Status:          sessionstore.StatusCompleted,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := get(t, newRouter(store), "/api/v1/sessions/"+sess.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var raw map[string]any
	decode(t, rec, &raw)
	for _, key := range []string{"id", "started_at", "audio_duration_seconds", "final_transcript", "word_count",
		"model_used", "processing_time_seconds", "sample_rate", "language_code", "status", "error_message"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("detail is missing %q: %v", key, raw)
		}
	}
	if raw["status"] != "completed" || raw["final_transcript"] != "hello world" || raw["error_message"] != nil {
		t.Fatalf("unexpected detail %v", raw)
	}
}

func TestGetSessionErrors(t *testing.T) {
	router := newRouter(newStore(t))

	rec := get(t, router, "/api/v1/sessions/not-a-uuid")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("malformed id: expected 422, got %d", rec.Code)
	}

	rec = get(t, router, "/api/v1/sessions/"+uuid.NewString())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: expected 404, got %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["detail"] != "Session not found" {
		t.Fatalf("unexpected body %v", body)
	}
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (sessionstore.Session, error) {
	return sessionstore.Session{}, errors.New("disk gone")
}

func (brokenStore) List(context.Context, int, int) ([]sessionstore.Session, error) {
	return nil, errors.New("disk gone")
}

func TestStoreFailureIs500(t *testing.T) {
	router := newRouter(brokenStore{})
	if rec := get(t, router, "/api/v1/sessions"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if rec := get(t, router, "/api/v1/sessions/"+uuid.NewString()); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
