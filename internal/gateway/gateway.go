// Package gateway exposes streaming sessions over websockets.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/session"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
)

// Sessions runs one session per accepted connection.
type Sessions interface {
	Serve(ctx context.Context, conn session.Conn, req session.Request) error
}

type Gateway struct {
	stt      config.STTConfig
	stream   config.StreamConfig
	sessions Sessions
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.Mutex
	conns   map[*wsConn]struct{}
	closing bool
}

func New(cfg config.Config, sessions Sessions, log *slog.Logger) *Gateway {
	g := &Gateway{
		stt:      cfg.STT,
		stream:   cfg.Stream,
		sessions: sessions,
		log:      log.With(slog.String("component", "gateway")),
		conns:    make(map[*wsConn]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 4 * 1024,
		CheckOrigin:     originChecker(cfg.HTTP.CORSAllowedOrigins),
	}
	return g
}

// ServeHTTP upgrades GET /ws?sample_rate=&language= and runs the session
// until the channel closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := g.parseRequest(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	g.mu.Lock()
	closing := g.closing
	g.mu.Unlock()
	if closing {
		writeDetail(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.log.Warn("websocket upgrade failed", slog.String("remote", r.RemoteAddr), slogError(err))
		return
	}
	if g.stream.MaxChunkBytes > 0 {
		ws.SetReadLimit(g.stream.MaxChunkBytes)
	}

	conn := newWSConn(ws,
		time.Duration(g.stream.IdleTimeoutMS)*time.Millisecond,
		time.Duration(g.stream.WriteTimeoutMS)*time.Millisecond)
	if !g.track(conn) {
		conn.Abort(session.CloseGoingAway, "server shutting down")
		return
	}
	defer g.untrack(conn)
	defer conn.close()

	go conn.keepAlive(time.Duration(g.stream.PingIntervalMS) * time.Millisecond)

	g.log.Debug("stream connected",
		slog.String("remote", r.RemoteAddr),
		slog.Int("sample_rate", req.SampleRate))
	if err := g.sessions.Serve(r.Context(), conn, req); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, stt.ErrModelUnavailable) || errors.Is(err, session.ErrStoreUnavailable) {
			level = slog.LevelError
		}
		g.log.Log(r.Context(), level, "stream rejected", slog.String("remote", r.RemoteAddr), slogError(err))
	}
}

func (g *Gateway) parseRequest(r *http.Request) (session.Request, error) {
	req := session.Request{SampleRate: g.stt.SampleRate, Language: g.stt.Language}
	q := r.URL.Query()
	if raw := q.Get("sample_rate"); raw != "" {
		rate, err := strconv.Atoi(raw)
		if err != nil {
			return req, errors.New("sample_rate must be an integer")
		}
		req.SampleRate = rate
	}
	if !g.stt.SampleRateAllowed(req.SampleRate) {
		return req, errors.New("unsupported sample_rate")
	}
	if lang := q.Get("language"); lang != "" {
		if len(lang) > 16 {
			return req, errors.New("language must be at most 16 characters")
		}
		req.Language = lang
	}
	return req, nil
}

func (g *Gateway) track(c *wsConn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.conns[c] = struct{}{}
	return true
}

func (g *Gateway) untrack(c *wsConn) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

// Open reports the number of live streaming connections.
func (g *Gateway) Open() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown refuses new streams and closes open ones with 1001 so their
// sessions finalize.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	g.closing = true
	conns := make([]*wsConn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.Abort(session.CloseGoingAway, "server shutting down")
	}
	if len(conns) > 0 {
		g.log.Info("closed open streams", slog.Int("count", len(conns)))
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
