package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/session"
	"github.com/loqalabs/loqa-transcribe/internal/sessionstore"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	srv     *httptest.Server
	gateway *Gateway
	service *session.Service
	store   sessionstore.Store
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.STT.Engine = "mock"
	cfg.STT.ModelName = "mock"
	cfg.STT.UtteranceMS = 100
	cfg.Stream.PingIntervalMS = 50
	return cfg
}

func newHarness(t *testing.T, cfg config.Config, loader stt.Loader) *harness {
	t.Helper()
	log := newLogger()

	storeCfg := cfg.SessionStore
	storeCfg.Driver = "sqlite"
	storeCfg.Path = filepath.Join(t.TempDir(), "sessions.db")
	store, err := sessionstore.OpenSQLite(context.Background(), storeCfg, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if loader == nil {
		loader = func(context.Context) (stt.Model, error) { return stt.NewMockModel(cfg.STT), nil }
	}
	adapter := stt.NewAdapterWithLoader(cfg.STT, loader, log)
	svc := session.NewService(cfg, session.Deps{Store: store, Recognizer: adapter}, log)

	g := New(cfg, svc, log)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, gateway: g, service: svc, store: store}
}

func (h *harness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.StreamEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var evt protocol.StreamEvent
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return evt
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("expected close frame %d, got %v", code, err)
		}
		if closeErr.Code != code {
			t.Fatalf("expected close code %d, got %d (%s)", code, closeErr.Code, closeErr.Text)
		}
		return
	}
}

func (h *harness) waitFinal(t *testing.T) sessionstore.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sessions, err := h.store.List(context.Background(), 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(sessions) == 1 && sessions[0].Status.Terminal() {
			return sessions[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session was not finalized")
	return sessionstore.Session{}
}

func TestStreamEmitsEventsAndPersists(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	conn := h.dial(t, "?sample_rate=16000&language=en")

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 1600)); err != nil {
		t.Fatal(err)
	}
	if evt := readEvent(t, conn); evt != protocol.Partial("[partial transcript length=1600]") {
		t.Fatalf("unexpected first event %+v", evt)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 1600)); err != nil {
		t.Fatal(err)
	}
	if evt := readEvent(t, conn); evt != protocol.Final("[final transcript length=3200]") {
		t.Fatalf("unexpected second event %+v", evt)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ignored")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 800)); err != nil {
		t.Fatal(err)
	}
	if evt := readEvent(t, conn); evt != protocol.Partial("[partial transcript length=800]") {
		t.Fatalf("unexpected third event %+v", evt)
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	got := h.waitFinal(t)
	if got.Status != sessionstore.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.FinalTranscript != "[final transcript length=3200] [final transcript length=800]" {
		t.Fatalf("unexpected transcript %q", got.FinalTranscript)
	}
	if got.SampleRate == nil || *got.SampleRate != 16000 {
		t.Fatalf("expected sample rate recorded, got %v", got.SampleRate)
	}
	if got.LanguageCode == nil || *got.LanguageCode != "en" {
		t.Fatalf("expected language recorded, got %v", got.LanguageCode)
	}
}

func TestRejectsBadSampleRate(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	for _, query := range []string{"?sample_rate=abc", "?sample_rate=12345", "?sample_rate=-1"} {
		resp, err := http.Get(h.srv.URL + "/ws" + query)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, resp.StatusCode)
		}
	}

	sessions, err := h.store.List(context.Background(), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Fatalf("rejected requests must not create sessions, got %d", len(sessions))
	}
}

func TestIdleTimeoutClosesWithPolicyViolation(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.IdleTimeoutMS = 100
	h := newHarness(t, cfg, nil)
	conn := h.dial(t, "")

	expectClose(t, conn, websocket.ClosePolicyViolation)

	got := h.waitFinal(t)
	if got.Status != sessionstore.StatusCompleted {
		t.Fatalf("idle session should complete, got %s", got.Status)
	}
	if got.FinalTranscript != "" || got.WordCount != 0 {
		t.Fatalf("expected empty transcript, got %+v", got)
	}
}

func TestModelUnavailableClosesWithInternalError(t *testing.T) {
	h := newHarness(t, testConfig(), func(context.Context) (stt.Model, error) {
		return nil, errors.New("model files missing")
	})
	conn := h.dial(t, "")

	expectClose(t, conn, websocket.CloseInternalServerErr)

	sessions, err := h.store.List(context.Background(), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Fatalf("no session row expected, got %d", len(sessions))
	}
}

func TestShutdownClosesOpenStreams(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	conn := h.dial(t, "")

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 1600)); err != nil {
		t.Fatal(err)
	}
	readEvent(t, conn)
	if h.gateway.Open() != 1 {
		t.Fatalf("expected one open stream, got %d", h.gateway.Open())
	}

	h.gateway.Shutdown()
	expectClose(t, conn, websocket.CloseGoingAway)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.service.Wait(ctx); err != nil {
		t.Fatalf("sessions did not drain: %v", err)
	}
	if got := h.waitFinal(t); got.FinalTranscript != "[final transcript length=1600]" {
		t.Fatalf("expected flushed transcript, got %q", got.FinalTranscript)
	}

	resp, err := http.Get(h.srv.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %d", resp.StatusCode)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example"})
	cases := map[string]bool{
		"":                     true,
		"https://app.example":  true,
		"https://evil.example": false,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := check(r); got != want {
			t.Fatalf("origin %q: expected %v, got %v", origin, want, got)
		}
	}
	if !originChecker([]string{"*"})(httptest.NewRequest(http.MethodGet, "/ws", nil)) {
		t.Fatal("wildcard must allow every origin")
	}
}

func TestCloseReasonKeepsValidUTF8(t *testing.T) {
	short := "idle timeout"
	if got := closeReason(short); got != short {
		t.Fatalf("short reason changed: %q", got)
	}

	long := strings.Repeat("a", maxCloseReason-1) + "é and more"
	got := closeReason(long)
	if len(got) > maxCloseReason {
		t.Fatalf("reason too long: %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("reason split a rune: %q", got)
	}
	if got != strings.Repeat("a", maxCloseReason-1) {
		t.Fatalf("unexpected truncation %q", got)
	}
}
