package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/user/continuity/internal/types"
)

// maxMergeAttempts bounds how often Persist re-reads and merges when the
// durable row keeps moving under it.
const maxMergeAttempts = 5

// Outcome says how Persist got a snapshot into the durable tier.
type Outcome int

const (
	// Written means the snapshot was the direct successor of the stored row.
	Written Outcome = iota
	// Merged means the stored row had moved on and the two were merged.
	Merged
	// Covered means the stored row already held everything in the snapshot.
	Covered
)

func (o Outcome) String() string {
	switch o {
	case Merged:
		return "merged"
	case Covered:
		return "covered"
	default:
		return "written"
	}
}

// Persist writes snapshot to the durable tier. When the stored row is not the
// snapshot's predecessor the two are merged and the merge is written at the
// next stored version, so diverged copies never overwrite each other. The
// returned session is what the durable tier now holds.
func Persist(ctx context.Context, durable types.DurableStore, snapshot *types.SessionData) (*types.SessionData, Outcome, error) {
	next := snapshot
	outcome := Written
	for attempt := 1; ; attempt++ {
		err := durable.Upsert(ctx, next)
		if err == nil {
			return next, outcome, nil
		}
		if !errors.Is(err, types.ErrConflict) {
			return nil, outcome, err
		}
		if attempt == maxMergeAttempts {
			return nil, outcome, fmt.Errorf("persist %s after %d merges: %w", snapshot.SessionID, attempt, err)
		}

		stored, err := durable.Get(ctx, snapshot.SessionID)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, outcome, err
		}
		if stored.Covers(next) {
			return stored, Covered, nil
		}
		next = types.Merge(stored, next)
		next.Version = stored.Version + 1
		outcome = Merged
	}
}

// StashLocal writes snapshot to the local fallback, merging it with a
// snapshot already kept there for the same session.
func StashLocal(fallback types.FallbackStore, snapshot *types.SessionData) error {
	if existing, err := fallback.Get(snapshot.SessionID); err == nil {
		if existing.Covers(snapshot) {
			return nil
		}
		snapshot = types.Merge(existing, snapshot)
	}
	return fallback.Put(snapshot.SessionID, snapshot)
}
