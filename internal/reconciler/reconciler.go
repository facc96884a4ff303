// Package reconciler runs the periodic sweep that pauses stale-active
// sessions and destroys expired-paused sessions (spec §4.6). Grounded
// directly on internal/agent/lifecycle/manager.go's cleanupLoop
// ticker/select pattern.
package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/core/model"
	"github.com/kandev/kandev/internal/sessionstore"
	"github.com/kandev/kandev/internal/threadentity"
)

// Config is the reconciler's tunable cadence and TTLs (spec §6).
type Config struct {
	Interval                time.Duration
	SandboxTimeoutMinutes   int
	StaleActiveGraceMinutes int
	PausedTTLMinutes        int
}

// DefaultConfig matches the spec's literal default: a five minute sweep.
var DefaultConfig = Config{Interval: 5 * time.Minute, SandboxTimeoutMinutes: 30, StaleActiveGraceMinutes: 30, PausedTTLMinutes: 120}

// Reconciler owns the background sweep goroutine.
type Reconciler struct {
	store  sessionstore.Store
	entity *threadentity.Registry
	cfg    Config
	log    *logger.Logger

	stop chan struct{}
	done chan struct{}
}

func New(store sessionstore.Store, entity *threadentity.Registry, cfg Config, log *logger.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		entity: entity,
		cfg:    cfg,
		log:    log.WithFields(zap.String("component", "reconciler")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the sweep loop in its own goroutine until Stop is called or
// ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Stop signals the loop to exit and blocks until it has.
func (r *Reconciler) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep synchronously; exported for tests and for
// an operator-triggered manual run.
func (r *Reconciler) SweepOnce(ctx context.Context) {
	r.sweepOnce(ctx)
}

func (r *Reconciler) sweepOnce(ctx context.Context) {
	r.pauseStaleActive(ctx)
	r.destroyExpiredPaused(ctx)
}

func (r *Reconciler) pauseStaleActive(ctx context.Context) {
	stale, err := r.store.ListStaleActive(ctx, r.cfg.SandboxTimeoutMinutes+r.cfg.StaleActiveGraceMinutes)
	if err != nil {
		r.log.Error("list stale active failed", zap.Error(err))
		return
	}
	for _, rec := range stale {
		key := threadentity.Key(rec.ThreadID, true)
		log := r.log.WithThreadID(rec.ThreadID)
		if _, err := r.entity.Pause(ctx, key, rec.ThreadID, "stale-active-reconciler-sweep"); err != nil {
			log.Warn("failed to pause stale-active session", zap.Error(err))
			continue
		}
		log.Info("paused stale-active session")
	}
}

func (r *Reconciler) destroyExpiredPaused(ctx context.Context) {
	expired, err := r.store.ListExpiredPaused(ctx, r.cfg.PausedTTLMinutes)
	if err != nil {
		r.log.Error("list expired paused failed", zap.Error(err))
		return
	}
	for _, rec := range expired {
		if rec.Status != model.StatusPaused {
			continue
		}
		key := threadentity.Key(rec.ThreadID, true)
		log := r.log.WithThreadID(rec.ThreadID)
		if err := r.entity.Recreate(ctx, key, rec.ThreadID); err != nil {
			log.Warn("failed to destroy expired-paused session", zap.Error(err))
			continue
		}
		log.Info("destroyed expired-paused session")
	}
}
