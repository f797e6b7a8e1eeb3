package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.STTConfig {
	return config.STTConfig{
		Engine:      "mock",
		ModelName:   "vosk-small-en",
		Language:    "en",
		SampleRate:  16000,
		Channels:    1,
		UtteranceMS: 100,
	}
}

func TestAdapterLoadsModelOnce(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	adapter := NewAdapterWithLoader(testConfig(), func(context.Context) (Model, error) {
		loads.Add(1)
		<-release
		return NewMockModel(testConfig()), nil
	}, newLogger())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := adapter.Open(context.Background(), 16000)
			if err != nil {
				errs <- err
				return
			}
			_ = h.Close()
		}()
	}
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("open: %v", err)
	}
	if got := loads.Load(); got != 1 {
		t.Fatalf("expected a single model load, got %d", got)
	}
	if !adapter.Ready() {
		t.Fatal("expected adapter ready after load")
	}
}

func TestAdapterModelUnavailable(t *testing.T) {
	var loads atomic.Int32
	adapter := NewAdapterWithLoader(testConfig(), func(context.Context) (Model, error) {
		loads.Add(1)
		return nil, errors.New("model directory missing")
	}, newLogger())

	if err := adapter.Preload(context.Background()); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable from preload, got %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := adapter.Open(context.Background(), 16000); !errors.Is(err, ErrModelUnavailable) {
			t.Fatalf("expected ErrModelUnavailable, got %v", err)
		}
	}
	if loads.Load() != 1 {
		t.Fatalf("failed load must not be retried, got %d loads", loads.Load())
	}
	if adapter.Ready() {
		t.Fatal("adapter must not report ready")
	}
}

func TestNewAdapterRejectsUnknownEngine(t *testing.T) {
	cfg := testConfig()
	cfg.Engine = "whisper"
	if _, err := NewAdapter(cfg, newLogger()); err == nil {
		t.Fatal("expected error for unknown engine")
	}
}

func TestMockPartialThenFinal(t *testing.T) {
	adapter, err := NewAdapter(testConfig(), newLogger())
	if err != nil {
		t.Fatal(err)
	}
	h, err := adapter.Open(context.Background(), 16000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()

	// 100ms at 16kHz mono 16-bit is 3200 bytes.
	ev, err := h.FeedChunk(make([]byte, 1600))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Final || ev.Text != "[partial transcript length=1600]" {
		t.Fatalf("unexpected first event %+v", ev)
	}
	ev, err = h.FeedChunk(make([]byte, 1600))
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Final || ev.Text != "[final transcript length=3200]" {
		t.Fatalf("expected final at utterance boundary, got %+v", ev)
	}
	ev, err = h.FeedChunk(make([]byte, 640))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Final || !strings.Contains(ev.Text, "length=640") {
		t.Fatalf("partial must only cover the new utterance, got %+v", ev)
	}

	text, err := h.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if text != "[final transcript length=640]" {
		t.Fatalf("unexpected flush text %q", text)
	}
}

func TestHandleInvalidAfterFinalize(t *testing.T) {
	adapter, _ := NewAdapter(testConfig(), newLogger())
	h, err := adapter.Open(context.Background(), 16000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Finalize(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.FeedChunk([]byte{0, 0}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on feed, got %v", err)
	}
	if _, err := h.Finalize(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second finalize, got %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close must be idempotent: %v", err)
	}
}

type blockingModel struct {
	entered chan struct{}
	release chan struct{}
}

func (m *blockingModel) Name() string { return "blocking" }
func (m *blockingModel) Close() error { return nil }
func (m *blockingModel) NewDecoder(int) (Decoder, error) {
	return &blockingDecoder{m: m}, nil
}

type blockingDecoder struct{ m *blockingModel }

func (d *blockingDecoder) AcceptWaveform([]byte) (bool, error) {
	d.m.entered <- struct{}{}
	<-d.m.release
	return false, nil
}
func (d *blockingDecoder) Result() (string, error)        { return "", nil }
func (d *blockingDecoder) PartialResult() (string, error) { return "", nil }
func (d *blockingDecoder) FinalResult() (string, error)   { return "", nil }
func (d *blockingDecoder) Close() error                   { return nil }

func TestHandleRejectsConcurrentFeed(t *testing.T) {
	model := &blockingModel{entered: make(chan struct{}), release: make(chan struct{})}
	adapter := NewAdapterWithLoader(testConfig(), func(context.Context) (Model, error) {
		return model, nil
	}, newLogger())
	h, err := adapter.Open(context.Background(), 16000)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.FeedChunk([]byte{1, 2})
		done <- err
	}()
	<-model.entered

	if _, err := h.FeedChunk([]byte{3, 4}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for overlapping feed, got %v", err)
	}
	close(model.release)
	if err := <-done; err != nil {
		t.Fatalf("first feed: %v", err)
	}
}
