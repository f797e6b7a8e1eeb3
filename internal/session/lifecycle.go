package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/recording"
	"github.com/loqalabs/loqa-transcribe/internal/sessionstore"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is a lifecycle phase. Phases only move forward.
type State int

const (
	StateInitializing State = iota
	StateStreaming
	StateFinalizing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// lifecycle owns one connection's recognizer handle and transcript.
type lifecycle struct {
	svc  *Service
	conn Conn
	req  Request
	log  *slog.Logger
	span trace.Span

	state      State
	startedAt  time.Time
	handle     *stt.Handle
	session    sessionstore.Session
	transcript strings.Builder
	recorder   *recording.Recorder
	leased     bool

	status     sessionstore.Status
	errMessage string
	wordCount  int
	duration   float64
}

func newLifecycle(svc *Service, conn Conn, req Request) *lifecycle {
	return &lifecycle{
		svc:   svc,
		conn:  conn,
		req:   req,
		log:   svc.log,
		state: StateInitializing,
	}
}

func (l *lifecycle) advance(next State) {
	if next <= l.state {
		panic(fmt.Sprintf("session: illegal transition %s -> %s", l.state, next))
	}
	l.state = next
}

func (l *lifecycle) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("session panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("session panic: %v", r)
		}
	}()
	ctx, span := l.svc.tracer.Start(ctx, "transcribe.session",
		trace.WithAttributes(
			attribute.Int("audio.sample_rate", l.req.SampleRate),
			attribute.String("audio.language", l.req.Language),
		))
	l.span = span
	defer span.End()

	l.startedAt = l.svc.clock()
	if err := l.initialize(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer l.terminate(ctx)

	l.advance(StateStreaming)
	status, message := l.stream(ctx)

	l.advance(StateFinalizing)
	l.finalize(ctx, status, message)
	return nil
}

func (l *lifecycle) initialize(ctx context.Context) error {
	handle, err := l.svc.recognizer.Open(ctx, l.req.SampleRate)
	if err != nil {
		l.log.Error("recognizer unavailable", slog.Int("sample_rate", l.req.SampleRate), slogError(err))
		l.conn.Abort(CloseInternalError, err.Error())
		return err
	}

	sess, err := l.svc.store.CreateProvisional(ctx, l.svc.recognizer.ModelName(), l.req.SampleRate, l.req.Language)
	if err != nil {
		_ = handle.Close()
		l.log.Error("failed to create session record", slogError(err))
		l.conn.Abort(CloseInternalError, ErrStoreUnavailable.Error())
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	l.handle = handle
	l.session = sess
	l.log = l.log.With(slog.String("session_id", sess.ID))
	l.span.SetAttributes(attribute.String("session.id", sess.ID))
	l.svc.metrics.sessionStarted(ctx)

	if l.svc.leases != nil {
		// Held locally even when the registry is down.
		if err := l.svc.leases.Hold(ctx, sess.ID); err != nil {
			l.log.Warn("failed to acquire session lease", slogError(err))
		}
		l.leased = true
	}
	if l.svc.recording.Enabled {
		rec, err := recording.Open(l.svc.recording.Directory, sess.ID, l.req.SampleRate, l.svc.channels)
		if err != nil {
			l.log.Warn("recording disabled for session", slogError(err))
		} else {
			l.recorder = rec
		}
	}
	if l.svc.publisher != nil {
		l.svc.publisher.SessionStarted(l.event(sessionstore.StatusProcessing))
	}
	l.log.Info("session started",
		slog.Int("sample_rate", l.req.SampleRate),
		slog.String("language", l.req.Language))
	return nil
}

// stream feeds chunks until the channel ends or the recognizer faults. A
// panic anywhere in the loop fails the session instead of skipping finalize.
func (l *lifecycle) stream(ctx context.Context) (status sessionstore.Status, message string) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("stream panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			l.conn.Abort(CloseInternalError, "transcription failed")
			status, message = sessionstore.StatusFailed, fmt.Sprintf("panic: %v", r)
		}
	}()
	for {
		chunk, err := l.conn.Receive(ctx)
		if err != nil {
			l.log.Debug("stream ended", slog.String("reason", err.Error()))
			return sessionstore.StatusCompleted, ""
		}
		l.svc.metrics.chunk(ctx, len(chunk))
		l.record(chunk)

		ev, err := l.feed(chunk)
		if err != nil {
			l.log.Error("recognizer fault", slogError(err))
			l.conn.Abort(CloseInternalError, "transcription failed")
			return sessionstore.StatusFailed, err.Error()
		}

		var out protocol.StreamEvent
		if ev.Final {
			if ev.Text == "" {
				continue
			}
			l.transcript.WriteString(ev.Text)
			l.transcript.WriteString(" ")
			out = protocol.Final(ev.Text)
		} else {
			out = protocol.Partial(ev.Text)
		}
		if l.svc.publisher != nil {
			l.svc.publisher.Transcript(l.session.ID, ev.Text, ev.Final)
		}
		if err := l.conn.Send(ctx, out); err != nil {
			l.log.Debug("stream ended on send", slogError(err))
			return sessionstore.StatusCompleted, ""
		}
	}
}

func (l *lifecycle) feed(chunk []byte) (ev stt.DecodeEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("recognizer panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%w: panic: %v", ErrDecodeFault, r)
		}
	}()
	ev, err = l.handle.FeedChunk(chunk)
	if err != nil {
		return stt.DecodeEvent{}, fmt.Errorf("%w: %w", ErrDecodeFault, err)
	}
	return ev, nil
}

func (l *lifecycle) flush() (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("recognizer panic on flush", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%w: panic: %v", ErrDecodeFault, r)
		}
	}()
	text, err = l.handle.Finalize()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecodeFault, err)
	}
	return text, nil
}

func (l *lifecycle) record(chunk []byte) {
	if l.recorder == nil {
		return
	}
	if err := l.recorder.Write(chunk); err != nil {
		l.log.Warn("recording disabled for session", slogError(err))
		_ = l.recorder.Close()
		l.recorder = nil
	}
}

// finalize writes the terminal row exactly once. A store failure is
// reported but leaves the row in processing for the reconciler.
func (l *lifecycle) finalize(ctx context.Context, status sessionstore.Status, message string) {
	text, err := l.flush()
	if err != nil {
		if status == sessionstore.StatusCompleted {
			status = sessionstore.StatusFailed
			message = err.Error()
		}
		l.log.Warn("recognizer flush failed", slogError(err))
	}
	if text != "" {
		l.transcript.WriteString(text)
	}

	transcript := strings.TrimSpace(l.transcript.String())
	l.status = status
	l.errMessage = message
	l.wordCount = len(strings.Fields(transcript))
	l.duration = l.svc.clock().Sub(l.startedAt).Seconds()

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.svc.finalizeTimeout)
	defer cancel()
	_, err = l.svc.store.Finalize(fctx, l.session.ID, sessionstore.Finalization{
		Transcript:      transcript,
		WordCount:       l.wordCount,
		DurationSeconds: l.duration,
		Status:          status,
		ErrorMessage:    message,
	})
	if err != nil {
		l.svc.metrics.finalizeFailed(ctx)
		l.span.RecordError(err)
		l.log.Error("failed to finalize session record", slog.String("status", string(status)), slogError(err))
		l.status, l.errMessage = l.persisted(fctx)
		return
	}
	if status == sessionstore.StatusFailed {
		l.span.SetStatus(codes.Error, message)
	}
	l.log.Info("session finalized",
		slog.String("status", string(status)),
		slog.Int("word_count", l.wordCount),
		slog.Float64("duration_seconds", l.duration))
}

// persisted reads back the row status after a failed finalize so published
// events match the store.
func (l *lifecycle) persisted(ctx context.Context) (sessionstore.Status, string) {
	sess, err := l.svc.store.Get(ctx, l.session.ID)
	if err != nil {
		l.log.Warn("failed to read back session record", slogError(err))
		return sessionstore.StatusProcessing, ""
	}
	message := ""
	if sess.ErrorMessage != nil {
		message = *sess.ErrorMessage
	}
	return sess.Status, message
}

func (l *lifecycle) terminate(ctx context.Context) {
	l.advance(StateTerminated)
	ctx = context.WithoutCancel(ctx)

	if err := l.handle.Close(); err != nil && !errors.Is(err, stt.ErrInvalidState) {
		l.log.Warn("failed to release recognizer", slogError(err))
	}
	if l.recorder != nil {
		if err := l.recorder.Close(); err != nil {
			l.log.Warn("failed to close recording", slogError(err))
		}
	}
	if l.leased {
		l.svc.leases.Drop(ctx, l.session.ID)
	}
	if l.svc.publisher != nil {
		l.svc.publisher.SessionFinalized(l.event(l.status))
	}
	l.svc.metrics.sessionEnded(ctx, string(l.status), l.duration)
}

func (l *lifecycle) event(status sessionstore.Status) protocol.SessionEvent {
	return protocol.SessionEvent{
		SessionID:       l.session.ID,
		Status:          string(status),
		ModelUsed:       l.session.ModelUsed,
		SampleRate:      l.req.SampleRate,
		LanguageCode:    l.req.Language,
		WordCount:       l.wordCount,
		DurationSeconds: l.duration,
		ErrorMessage:    l.errMessage,
	}
}
