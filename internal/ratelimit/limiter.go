// Package ratelimit gates conversation turns with a durable sliding-time
// window: a new turn is admitted only while fewer than limit turns completed
// within the trailing window.
package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrExceeded is the admission-control rejection. It is surfaced before any
// turn state is created and never consumes quota.
var ErrExceeded = errors.New("rate limit exceeded")

// Result is the outcome of an admission check.
type Result struct {
	Allowed   bool
	Remaining int
	// ResetIn is the time until the oldest recorded turn ages out of the
	// window. Zero unless the window is saturated.
	ResetIn time.Duration
}

// Limiter counts turns per key against a rolling window. Timestamps older
// than the window are pruned on every check and never accumulate.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	now    func() time.Time
}

// New creates a Limiter allowing limit turns per rolling window.
func New(store Store, limit int, window time.Duration) *Limiter {
	return &Limiter{
		store:  store,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Check reports whether a new turn may start for key, pruning expired
// entries as a side effect.
func (l *Limiter) Check(key string) (Result, error) {
	now := l.now()
	stamps, err := l.store.Load(key)
	if err != nil {
		return Result{}, fmt.Errorf("load window: %w", err)
	}
	pruned := prune(stamps, now.Add(-l.window))
	if len(pruned) != len(stamps) {
		if err := l.store.Save(key, pruned); err != nil {
			return Result{}, fmt.Errorf("save pruned window: %w", err)
		}
	}

	res := Result{Remaining: l.limit - len(pruned)}
	if res.Remaining > 0 {
		res.Allowed = true
		return res, nil
	}
	res.Remaining = 0
	// A non-positive limit saturates even an empty window; there is no
	// oldest entry to age out then.
	if len(pruned) > 0 {
		res.ResetIn = pruned[0].Add(l.window).Sub(now)
	}
	return res, nil
}

// Record charges one completed turn against key. It is called only after a
// turn finishes successfully, so failed turns never consume quota.
func (l *Limiter) Record(key string) error {
	now := l.now()
	stamps, err := l.store.Load(key)
	if err != nil {
		return fmt.Errorf("load window: %w", err)
	}
	stamps = append(prune(stamps, now.Add(-l.window)), now)
	if err := l.store.Save(key, stamps); err != nil {
		return fmt.Errorf("save window: %w", err)
	}
	return nil
}

// PruneAll drops expired entries from every stored window. Check prunes the
// windows it touches; this catches keys that went idle.
func (l *Limiter) PruneAll() error {
	keys, err := l.store.Keys()
	if err != nil {
		return fmt.Errorf("list windows: %w", err)
	}
	cutoff := l.now().Add(-l.window)
	for _, key := range keys {
		stamps, err := l.store.Load(key)
		if err != nil {
			return fmt.Errorf("load window %s: %w", key, err)
		}
		pruned := prune(stamps, cutoff)
		if len(pruned) == len(stamps) {
			continue
		}
		if err := l.store.Save(key, pruned); err != nil {
			return fmt.Errorf("save window %s: %w", key, err)
		}
	}
	return nil
}

// prune keeps only instants at or after cutoff. Windows are stored in
// append order, so the survivors form a suffix.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	for i, t := range stamps {
		if !t.Before(cutoff) {
			return stamps[i:]
		}
	}
	return nil
}
