// Package session runs one streaming transcription session per connection.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/sessionstore"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Conn is the caller's duplex channel. Receive blocks for the next audio
// chunk and returns ErrDisconnected or ErrIdleTimeout once the channel is done.
type Conn interface {
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, evt protocol.StreamEvent) error
	// Abort closes the channel with an abnormal close code.
	Abort(code int, reason string)
}

// Request carries the parameters negotiated when the channel opened.
type Request struct {
	SampleRate int
	Language   string
}

type Recognizer interface {
	Open(ctx context.Context, sampleRate int) (*stt.Handle, error)
	ModelName() string
}

// Leases keeps a liveness marker for sessions owned by this process.
type Leases interface {
	Hold(ctx context.Context, sessionID string) error
	Drop(ctx context.Context, sessionID string)
}

// Publisher receives transcripts and lifecycle changes for other services.
type Publisher interface {
	Transcript(sessionID, text string, final bool)
	SessionStarted(evt protocol.SessionEvent)
	SessionFinalized(evt protocol.SessionEvent)
}

// Deps are the collaborators shared by every session. Leases and Publisher are optional.
type Deps struct {
	Store      sessionstore.Store
	Recognizer Recognizer
	Leases     Leases
	Publisher  Publisher
}

type Service struct {
	store           sessionstore.Store
	recognizer      Recognizer
	leases          Leases
	publisher       Publisher
	finalizeTimeout time.Duration
	recording       config.RecordingConfig
	channels        int
	log             *slog.Logger
	tracer          trace.Tracer
	metrics         *metrics
	clock           func() time.Time

	wg     sync.WaitGroup
	active atomic.Int64
}

func NewService(cfg config.Config, deps Deps, log *slog.Logger) *Service {
	log = log.With(slog.String("component", "session"))
	timeout := time.Duration(cfg.Stream.FinalizeTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		store:           deps.Store,
		recognizer:      deps.Recognizer,
		leases:          deps.Leases,
		publisher:       deps.Publisher,
		finalizeTimeout: timeout,
		recording:       cfg.Recording,
		channels:        cfg.STT.Channels,
		log:             log,
		tracer:          otel.Tracer(instrumentationName),
		metrics:         newMetrics(log),
		clock:           time.Now,
	}
}

// Serve runs one session to completion on conn. It returns an error only
// when the session could not be initialized; in that case conn has been
// aborted and no session row exists.
func (s *Service) Serve(ctx context.Context, conn Conn, req Request) error {
	s.wg.Add(1)
	defer s.wg.Done()
	s.active.Add(1)
	defer s.active.Add(-1)

	return newLifecycle(s, conn, req).run(ctx)
}

// Active reports the number of sessions currently being served.
func (s *Service) Active() int {
	return int(s.active.Load())
}

// Wait blocks until every running session has terminated or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
