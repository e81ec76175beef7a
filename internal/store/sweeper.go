// Package store provides session storage backends for RefillPipe.
//
// This file implements the idle-session sweeper: sessions with no
// transitions inside the configured idle window are garbage-collected.
package store

import (
	"context"
	"log/slog"
	"time"
)

// Default sweeper configuration.
const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Sweeper periodically removes sessions that have been idle longer than the
// configured window.
type Sweeper struct {
	store       SessionStore
	idleTimeout time.Duration
	interval    time.Duration
}

// NewSweeper creates an idle-session sweeper over the given store.
// Non-positive durations fall back to the defaults.
func NewSweeper(st SessionStore, idleTimeout, interval time.Duration) *Sweeper {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{store: st, idleTimeout: idleTimeout, interval: interval}
}

// Run sweeps on the configured interval until the context is cancelled.
func (sw *Sweeper) Run(ctx context.Context) error {
	slog.Info("Sweeper.Run: starting idle-session sweeper",
		"idleTimeout", sw.idleTimeout, "interval", sw.interval)
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Sweeper.Run: stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			if n, err := sw.SweepOnce(ctx); err != nil {
				slog.Error("Sweeper.Run: sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("Sweeper.Run: removed idle sessions", "count", n)
			}
		}
	}
}

// SweepOnce performs a single sweep pass and returns how many sessions were
// removed. A delete failure on one session does not abort the pass.
func (sw *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-sw.idleTimeout)
	ids, err := sw.store.IdleSessionIDs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if err := sw.store.DeleteSession(ctx, id); err != nil {
			slog.Warn("Sweeper.SweepOnce: failed to delete idle session", "error", err, "sessionID", id)
			continue
		}
		removed++
	}
	return removed, nil
}
