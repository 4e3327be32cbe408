// Package registry maps caller-supplied run identifiers to cancellation
// handles. It replaces the usual grab-bag of global cancel state with an
// explicit object the request layer owns and passes around: bounded in
// size, entries expire on a TTL, oldest evicted first past the cap.
package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type entry struct {
	cancel context.CancelFunc
}

type Registry struct {
	runs   *expirable.LRU[string, *entry]
	logger *slog.Logger
}

// New builds a registry holding at most capacity runs for at most ttl.
// A run evicted for either reason has its context cancelled, so forgotten
// runs cannot keep work alive.
func New(capacity int, ttl time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = 512
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	r := &Registry{logger: logger}
	r.runs = expirable.NewLRU[string, *entry](capacity, func(runID string, e *entry) {
		e.cancel()
		logger.Debug("registry.run.evicted", "run_id", runID)
	}, ttl)
	return r
}

// Register derives a cancellable context for the run and tracks its handle.
// Registering the same run id again cancels and replaces the previous
// entry: tokens are never reused across runs.
func (r *Registry) Register(parent context.Context, runID string) (context.Context, context.CancelFunc) {
	// Add replaces the value for a live key without running the eviction
	// callback, so cancel the previous run explicitly
	if prev, ok := r.runs.Peek(runID); ok {
		prev.cancel()
		r.runs.Remove(runID)
	}
	ctx, cancel := context.WithCancel(parent)
	r.runs.Add(runID, &entry{cancel: cancel})
	r.logger.Debug("registry.run.registered", "run_id", runID, "tracked", r.runs.Len())
	return ctx, cancel
}

// Cancel requests a cooperative stop of the run. It reports whether the run
// was known. Cancellation is monotonic: once cancelled, a run stays
// cancelled.
func (r *Registry) Cancel(runID string) bool {
	e, ok := r.runs.Get(runID)
	if !ok {
		return false
	}
	e.cancel()
	r.logger.Info("registry.run.cancelled", "run_id", runID)
	return true
}

// Remove drops the run's entry once the caller is done with it. The
// context is cancelled as a side effect, which is a no-op for a finished
// run.
func (r *Registry) Remove(runID string) {
	r.runs.Remove(runID)
}

// Len reports how many runs are currently tracked.
func (r *Registry) Len() int {
	return r.runs.Len()
}
