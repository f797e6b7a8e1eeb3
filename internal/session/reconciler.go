package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/sessionstore"
)

const sweepBatch = 500

// LeaseChecker reports whether a session still has a live owner.
type LeaseChecker interface {
	Alive(ctx context.Context, sessionID string) (bool, error)
}

// Reconciler fails processing sessions whose owner died before finalizing them.
type Reconciler struct {
	store    sessionstore.Store
	leases   LeaseChecker
	grace    time.Duration
	interval time.Duration
	log      *slog.Logger
	metrics  *metrics
	clock    func() time.Time
}

func NewReconciler(cfg config.ReconcileConfig, store sessionstore.Store, leases LeaseChecker, log *slog.Logger) *Reconciler {
	log = log.With(slog.String("component", "reconciler"))
	return &Reconciler{
		store:    store,
		leases:   leases,
		grace:    time.Duration(cfg.GraceMS) * time.Millisecond,
		interval: time.Duration(cfg.IntervalMS) * time.Millisecond,
		log:      log,
		metrics:  newMetrics(log),
		clock:    time.Now,
	}
}

// Run sweeps once, then on every interval until ctx is done. With a zero
// interval it returns after the first sweep.
func (r *Reconciler) Run(ctx context.Context) {
	if _, err := r.Sweep(ctx); err != nil {
		r.log.Warn("orphan sweep failed", slogError(err))
	}
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Warn("orphan sweep failed", slogError(err))
			}
		}
	}
}

// Sweep finalizes stale processing sessions without a live lease as failed
// and returns how many it finalized.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.clock().Add(-r.grace)
	stale, err := r.store.ListStale(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}

	finalized := 0
	for _, sess := range stale {
		alive, err := r.leases.Alive(ctx, sess.ID)
		if err != nil {
			r.log.Warn("lease check failed", slog.String("session_id", sess.ID), slogError(err))
			continue
		}
		if alive {
			continue
		}
		_, err = r.store.Finalize(ctx, sess.ID, sessionstore.Finalization{
			Transcript:      sess.FinalTranscript,
			WordCount:       sess.WordCount,
			DurationSeconds: sess.AudioDurationSeconds,
			Status:          sessionstore.StatusFailed,
			ErrorMessage:    OrphanedMessage,
		})
		if errors.Is(err, sessionstore.ErrAlreadyFinalized) {
			continue
		}
		if err != nil {
			r.log.Warn("failed to finalize orphaned session", slog.String("session_id", sess.ID), slogError(err))
			continue
		}
		finalized++
		r.log.Info("orphaned session marked failed",
			slog.String("session_id", sess.ID),
			slog.Time("started_at", sess.StartedAt))
	}
	r.metrics.orphaned(ctx, finalized)
	return finalized, nil
}
