package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Keeper holds the leases of sessions owned by this process and renews them
// until they are dropped.
type Keeper struct {
	registry Registry
	ttl      time.Duration
	interval time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	held   map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func NewKeeper(registry Registry, ttl, interval time.Duration, log *slog.Logger) *Keeper {
	return &Keeper{
		registry: registry,
		ttl:      ttl,
		interval: interval,
		log:      log.With(slog.String("component", "lease-keeper")),
		held:     make(map[string]struct{}),
	}
}

// Start launches the renew loop and registers the held-leases gauge.
func (k *Keeper) Start(ctx context.Context) {
	ctx, k.cancel = context.WithCancel(ctx)
	k.done = make(chan struct{})

	if err := k.initMetrics(); err != nil {
		k.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	go k.run(ctx)
}

func (k *Keeper) Close() {
	if k.cancel == nil {
		return
	}
	k.cancel()
	<-k.done
}

func (k *Keeper) run(ctx context.Context) {
	defer close(k.done)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.renew(ctx)
		}
	}
}

func (k *Keeper) renew(ctx context.Context) {
	ids := k.snapshot()
	if len(ids) == 0 {
		return
	}
	if err := k.registry.Renew(ctx, ids, k.ttl); err != nil {
		k.log.Warn("failed to renew session leases", slog.Int("count", len(ids)), slog.String("error", err.Error()))
	}
}

// Hold marks sessionID as owned by this process and acquires its lease. The
// session stays held even when Acquire fails; the renew loop recreates the
// lease once the registry is reachable again.
func (k *Keeper) Hold(ctx context.Context, sessionID string) error {
	k.mu.Lock()
	k.held[sessionID] = struct{}{}
	k.mu.Unlock()
	return k.registry.Acquire(ctx, sessionID, k.ttl)
}

// Drop stops renewing sessionID and releases its lease.
func (k *Keeper) Drop(ctx context.Context, sessionID string) {
	k.mu.Lock()
	delete(k.held, sessionID)
	k.mu.Unlock()
	if err := k.registry.Release(ctx, sessionID); err != nil {
		k.log.Warn("failed to release session lease", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

// Alive reports whether any process still holds the lease for sessionID.
func (k *Keeper) Alive(ctx context.Context, sessionID string) (bool, error) {
	k.mu.RLock()
	_, local := k.held[sessionID]
	k.mu.RUnlock()
	if local {
		return true, nil
	}
	return k.registry.Alive(ctx, sessionID)
}

func (k *Keeper) Held() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.held)
}

func (k *Keeper) snapshot() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.held))
	for id := range k.held {
		ids = append(ids, id)
	}
	return ids
}

func (k *Keeper) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-transcribe/lease")
	gauge, err := meter.Int64ObservableGauge("transcribe.leases.held", metric.WithDescription("Session leases held by this process"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(k.Held()))
		return nil
	}, gauge)
	return err
}
