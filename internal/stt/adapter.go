package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

// Loader builds the process-wide model. It is called at most once per Adapter.
type Loader func(ctx context.Context) (Model, error)

// Adapter hands out per-session decode handles over a single shared model.
type Adapter struct {
	cfg  config.STTConfig
	load Loader
	log  *slog.Logger

	once    sync.Once
	model   Model
	loadErr error
	ready   atomic.Bool
}

// NewAdapter selects the engine named by cfg.Engine.
func NewAdapter(cfg config.STTConfig, log *slog.Logger) (*Adapter, error) {
	var loader Loader
	switch cfg.Engine {
	case "", "mock":
		loader = func(context.Context) (Model, error) {
			return NewMockModel(cfg), nil
		}
	case "exec":
		loader = func(context.Context) (Model, error) {
			return LoadExecModel(cfg)
		}
	default:
		return nil, fmt.Errorf("unknown stt engine %q", cfg.Engine)
	}
	return NewAdapterWithLoader(cfg, loader, log), nil
}

func NewAdapterWithLoader(cfg config.STTConfig, loader Loader, log *slog.Logger) *Adapter {
	return &Adapter{
		cfg:  cfg,
		load: loader,
		log:  log.With(slog.String("component", "stt")),
	}
}

// Preload loads the model now instead of on the first Open.
func (a *Adapter) Preload(ctx context.Context) error {
	_, err := a.loadModel(ctx)
	return err
}

func (a *Adapter) Ready() bool {
	return a.ready.Load()
}

// ModelName identifies the recognizer configuration recorded on each session.
func (a *Adapter) ModelName() string {
	if a.cfg.ModelName != "" {
		return a.cfg.ModelName
	}
	if a.ready.Load() {
		return a.model.Name()
	}
	return a.cfg.Engine
}

func (a *Adapter) loadModel(ctx context.Context) (Model, error) {
	a.once.Do(func() {
		model, err := a.load(ctx)
		if err != nil {
			a.loadErr = err
			a.log.Error("failed to load recognizer model", slog.String("engine", a.cfg.Engine), slogError(err))
			return
		}
		a.model = model
		a.ready.Store(true)
		a.log.Info("recognizer model loaded", slog.String("model", model.Name()))
	})
	if a.loadErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, a.loadErr)
	}
	return a.model, nil
}

// Open binds a new decoder to sampleRate.
func (a *Adapter) Open(ctx context.Context, sampleRate int) (*Handle, error) {
	model, err := a.loadModel(ctx)
	if err != nil {
		return nil, err
	}
	dec, err := model.NewDecoder(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: new decoder: %v", ErrModelUnavailable, err)
	}
	return &Handle{dec: dec, sampleRate: sampleRate}, nil
}

func (a *Adapter) Close() error {
	if !a.ready.Load() {
		return nil
	}
	return a.model.Close()
}

// Handle is one session's decoder. Calls must be sequential; a call that
// overlaps another one fails with ErrInvalidState.
type Handle struct {
	mu         sync.Mutex
	dec        Decoder
	sampleRate int
	finalized  bool
	closed     bool
}

func (h *Handle) SampleRate() int {
	return h.sampleRate
}

// FeedChunk pushes pcm into the decoder and returns either the committed text
// of a finished utterance or the current partial guess.
func (h *Handle) FeedChunk(pcm []byte) (DecodeEvent, error) {
	if !h.mu.TryLock() {
		return DecodeEvent{}, fmt.Errorf("%w: concurrent feed", ErrInvalidState)
	}
	defer h.mu.Unlock()
	if h.finalized || h.closed {
		return DecodeEvent{}, fmt.Errorf("%w: handle already finalized", ErrInvalidState)
	}

	boundary, err := h.dec.AcceptWaveform(pcm)
	if err != nil {
		return DecodeEvent{}, fmt.Errorf("accept waveform: %w", err)
	}
	if boundary {
		text, err := h.dec.Result()
		if err != nil {
			return DecodeEvent{}, fmt.Errorf("result: %w", err)
		}
		return DecodeEvent{Text: text, Final: true}, nil
	}
	text, err := h.dec.PartialResult()
	if err != nil {
		return DecodeEvent{}, fmt.Errorf("partial result: %w", err)
	}
	return DecodeEvent{Text: text}, nil
}

// Finalize flushes buffered audio and returns the last committed segment.
// The handle accepts no further audio afterward.
func (h *Handle) Finalize() (string, error) {
	if !h.mu.TryLock() {
		return "", fmt.Errorf("%w: concurrent finalize", ErrInvalidState)
	}
	defer h.mu.Unlock()
	if h.finalized || h.closed {
		return "", fmt.Errorf("%w: handle already finalized", ErrInvalidState)
	}
	h.finalized = true
	text, err := h.dec.FinalResult()
	if err != nil {
		return "", fmt.Errorf("final result: %w", err)
	}
	return text, nil
}

// Close releases the decoder. Safe to call more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.dec.Close()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
