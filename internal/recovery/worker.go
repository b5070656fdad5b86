// Package recovery drains snapshots that missed the durable tier back into it.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/continuity/internal/types"
)

// DefaultInterval is the stock tick period.
const DefaultInterval = 30 * time.Second

// DefaultWriteTimeout bounds each durable write made by a tick.
const DefaultWriteTimeout = 5 * time.Second

// TickResult reports what a single tick did. Merged is set when a replayed
// or promoted snapshot had diverged from the durable record and was merged
// into it.
type TickResult struct {
	Replayed  bool
	Requeued  bool
	Promoted  bool
	Merged    bool
	SessionID types.SessionID
}

// Worker is the single serial recovery loop. Each tick pops at most one
// retry queue item and replays it into the durable tier; when that succeeds
// (or the queue is empty) it also promotes at most one local fallback
// snapshot. Replays go through Persist, so a snapshot that lost a race is
// merged rather than dropped and several workers may share one queue.
type Worker struct {
	queue    types.RetryQueue
	durable  types.DurableStore
	fallback types.FallbackStore
	interval time.Duration
	timeout  time.Duration
	cron     *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorker creates a Worker ticking every interval. A non-positive interval
// selects DefaultInterval.
func NewWorker(queue types.RetryQueue, durable types.DurableStore, fallback types.FallbackStore, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{
		queue:    queue,
		durable:  durable,
		fallback: fallback,
		interval: interval,
		timeout:  DefaultWriteTimeout,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// SetWriteTimeout bounds each durable write. Non-positive values are ignored.
func (w *Worker) SetWriteTimeout(d time.Duration) {
	if d > 0 {
		w.timeout = d
	}
}

// Start registers the tick and starts the cron ticker.
func (w *Worker) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	spec := fmt.Sprintf("@every %s", w.interval)
	if _, err := w.cron.AddFunc(spec, func() { w.Tick(w.ctx) }); err != nil {
		return fmt.Errorf("schedule recovery tick %q: %w", spec, err)
	}
	w.cron.Start()
	slog.Info("recovery worker started", "interval", w.interval)
	return nil
}

// Stop stops the ticker and waits for a running tick to finish.
func (w *Worker) Stop() {
	done := w.cron.Stop()
	if w.cancel != nil {
		w.cancel()
	}
	<-done.Done()
}

// Tick runs one recovery step.
func (w *Worker) Tick(ctx context.Context) TickResult {
	var res TickResult

	item, err := w.queue.Pop(ctx)
	if err != nil {
		slog.Warn("retry queue pop failed", "error", err)
	}
	if item != nil {
		res.SessionID = item.SessionID
		stored, outcome, err := w.persist(ctx, item.Snapshot)
		if err != nil {
			res.Requeued = true
			w.requeue(ctx, item, err)
			return res
		}
		res.Replayed = true
		attrs := []any{
			"session_id", string(item.SessionID),
			"enqueued_at", item.EnqueuedAt,
			"attempts", item.Attempts + 1,
			"version", stored.Version,
		}
		if outcome == Merged {
			res.Merged = true
			slog.Warn("queued snapshot diverged from durable record, merged", attrs...)
		} else {
			slog.Info("recovered snapshot from retry queue", append(attrs, "outcome", outcome.String())...)
		}
	}

	promoted, merged := w.promoteFallback(ctx)
	res.Promoted = promoted
	res.Merged = res.Merged || merged
	return res
}

// Drain ticks until the queue is empty or a replay fails, returning the
// number of snapshots replayed.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	replayed := 0
	for {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		res := w.Tick(ctx)
		if res.Requeued {
			return replayed, fmt.Errorf("replay %s: durable tier rejected write", res.SessionID)
		}
		if !res.Replayed {
			n, err := w.queue.Len(ctx)
			if err != nil {
				return replayed, err
			}
			if n == 0 {
				return replayed, nil
			}
			// Pop failed or item was undecodable; keep going.
			continue
		}
		replayed++
	}
}

func (w *Worker) persist(ctx context.Context, snapshot *types.SessionData) (*types.SessionData, Outcome, error) {
	wctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return Persist(wctx, w.durable, snapshot)
}

func (w *Worker) requeue(ctx context.Context, item *types.RetryQueueItem, cause error) {
	item.Attempts++
	slog.Warn("durable tier still failing, requeueing snapshot",
		"session_id", string(item.SessionID),
		"attempts", item.Attempts,
		"error", cause,
	)
	err := w.queue.Requeue(ctx, item)
	if err == nil {
		return
	}
	if ferr := StashLocal(w.fallback, item.Snapshot); ferr != nil {
		slog.Error("snapshot lost: requeue and local fallback both failed",
			"session_id", string(item.SessionID),
			"error", errors.Join(err, ferr),
		)
		return
	}
	slog.Warn("requeue failed, snapshot moved to local fallback", "session_id", string(item.SessionID), "error", err)
}

// promoteFallback moves the oldest local snapshot into the durable tier. The
// local copy is only removed once the durable tier holds everything in it.
func (w *Worker) promoteFallback(ctx context.Context) (promoted, merged bool) {
	ids, err := w.fallback.List()
	if err != nil {
		slog.Warn("list local fallback failed", "error", err)
		return false, false
	}
	if len(ids) == 0 {
		return false, false
	}

	id := ids[0]
	snapshot, err := w.fallback.Get(id)
	if err != nil {
		slog.Warn("read local fallback failed", "session_id", string(id), "error", err)
		return false, false
	}
	stored, outcome, err := w.persist(ctx, snapshot)
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			slog.Warn("local fallback snapshot not accepted, keeping it", "session_id", string(id), "error", err)
		} else {
			slog.Debug("durable tier not ready for fallback promotion", "session_id", string(id), "error", err)
		}
		return false, false
	}
	if outcome == Merged {
		slog.Warn("local fallback snapshot diverged from durable record, merged",
			"session_id", string(id), "version", stored.Version)
	}

	// A store may have stashed more for this session since the read.
	if current, err := w.fallback.Get(id); err == nil && !stored.Covers(current) {
		slog.Info("local fallback changed during promotion, keeping it", "session_id", string(id))
		return false, outcome == Merged
	}
	if err := w.fallback.Delete(id); err != nil {
		slog.Warn("delete promoted fallback snapshot failed", "session_id", string(id), "error", err)
	}
	slog.Info("promoted local fallback snapshot", "session_id", string(id), "outcome", outcome.String())
	return true, outcome == Merged
}
