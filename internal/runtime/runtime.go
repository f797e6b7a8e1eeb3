// Package runtime assembles the transcription service and owns its lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcribe/internal/api"
	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/gateway"
	"github.com/loqalabs/loqa-transcribe/internal/lease"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
	"github.com/loqalabs/loqa-transcribe/internal/session"
	"github.com/loqalabs/loqa-transcribe/internal/sessionstore"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"github.com/rs/cors"
)

const shutdownTimeout = 30 * time.Second

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	telemetryStop func(context.Context) error
	addr          atomic.Value
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    sessionstore.Store
	registry lease.Registry
	keeper   *lease.Keeper
	adapter  *stt.Adapter
	sessions *session.Service
	gateway  *gateway.Gateway
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start brings every component up, serves until ctx is done, then drains
// open sessions before releasing resources.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	telemetryStop, metricHandler, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = telemetryStop
	defer func() {
		cancel()
		r.wg.Wait()
		r.close()
	}()

	if err := r.startComponents(ctx); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(r.cfg.HTTP.Bind, fmt.Sprint(r.cfg.HTTP.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricHandler != nil {
		metricsListener, err := net.Listen("tcp", bind)
		if err != nil {
			_ = listener.Close()
			return fmt.Errorf("listen metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricHandler)
		r.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve("metrics", r.metricsServer, metricsListener)
	}

	r.addr.Store(listener.Addr().String())
	r.httpServer = &http.Server{
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve("http", r.httpServer, listener)

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.Addr()),
		slog.String("stt_engine", r.cfg.STT.Engine),
		slog.String("session_store", r.cfg.SessionStore.Driver))

	<-ctx.Done()
	r.logger.Info("runtime stopping", slog.Int("active_sessions", r.sessions.Active()))
	r.ready.Store(false)
	r.shutdown()
	return nil
}

// Addr is the address the HTTP server listens on once started.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

func (r *Runtime) startComponents(ctx context.Context) error {
	var publisher session.Publisher
	if r.cfg.Bus.Enabled {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.nats = embedded

		busCfg := r.cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		r.bus = client
		publisher = bus.NewPublisher(client)
	}

	store, err := sessionstore.Open(ctx, r.cfg.SessionStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	r.store = store

	registry, err := lease.Open(ctx, r.cfg.Leases, ownerID(), r.logger)
	if err != nil {
		return fmt.Errorf("failed to open lease registry: %w", err)
	}
	r.registry = registry
	r.keeper = lease.NewKeeper(registry,
		time.Duration(r.cfg.Leases.TTLMS)*time.Millisecond,
		time.Duration(r.cfg.Leases.RenewIntervalMS)*time.Millisecond,
		r.logger)
	r.keeper.Start(ctx)

	adapter, err := stt.NewAdapter(r.cfg.STT, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create recognizer: %w", err)
	}
	r.adapter = adapter
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := adapter.Preload(ctx); err != nil {
			r.logger.Error("speech model failed to load", slog.String("error", err.Error()))
		}
	}()

	r.sessions = session.NewService(r.cfg, session.Deps{
		Store:      store,
		Recognizer: adapter,
		Leases:     r.keeper,
		Publisher:  publisher,
	}, r.logger)
	r.gateway = gateway.New(r.cfg, r.sessions, r.logger)

	if r.cfg.Reconcile.Enabled {
		reconciler := session.NewReconciler(r.cfg.Reconcile, store, r.keeper, r.logger)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			reconciler.Run(ctx)
		}()
	}
	return nil
}

func (r *Runtime) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(r.logger))
	router.Use(middleware.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins: r.cfg.HTTP.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler)

	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)
	router.Handle("/ws", r.gateway)
	api.New(r.store, r.logger).Mount(router)
	return router
}

func (r *Runtime) serve(name string, srv *http.Server, listener net.Listener) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Streams are hijacked connections, so http.Server.Shutdown does not see them.
	r.gateway.Shutdown()
	if err := r.sessions.Wait(ctx); err != nil {
		r.logger.Warn("sessions still running at shutdown", slog.Int("active", r.sessions.Active()))
	}
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
}

// close releases components in reverse start order; it tolerates partial starts.
func (r *Runtime) close() {
	if r.keeper != nil {
		r.keeper.Close()
	}
	if r.registry != nil {
		if err := r.registry.Close(); err != nil {
			r.logger.Warn("lease registry close error", slog.String("error", err.Error()))
		}
	}
	if r.adapter != nil {
		if err := r.adapter.Close(); err != nil {
			r.logger.Warn("recognizer close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("session store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.telemetryStop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetryStop(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.adapter != nil && r.adapter.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					slog.String("method", req.Method),
					slog.String("path", req.URL.Path),
					slog.Int("status", ww.Status()),
					slog.Int("bytes", ww.BytesWritten()),
					slog.Duration("duration", time.Since(start)),
					slog.String("request_id", middleware.GetReqID(req.Context())))
			}()
			next.ServeHTTP(ww, req)
		})
	}
}

func ownerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "transcribed"
	}
	return host + "-" + uuid.NewString()[:8]
}
