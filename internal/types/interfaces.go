package types

import (
	"context"
)

// FastCache holds the latest snapshot per session. Set only replaces an
// entry with a lower version and Add only writes when there is no entry;
// both otherwise return a *VersionConflict carrying the cached snapshot.
type FastCache interface {
	Get(ctx context.Context, id SessionID) (*SessionData, error)
	Set(ctx context.Context, session *SessionData) error
	Add(ctx context.Context, session *SessionData) error
	Delete(ctx context.Context, id SessionID) error
	Ping(ctx context.Context) error
}

// DurableStore is the source of truth. Upsert inserts a new row, or replaces
// the stored row only when it sits exactly one version below the snapshot;
// any other stored version is reported as ErrConflict.
type DurableStore interface {
	Get(ctx context.Context, id SessionID) (*SessionData, error)
	Upsert(ctx context.Context, session *SessionData) error
	AppendAudit(ctx context.Context, record *BreakthroughAuditRecord) error
	Ping(ctx context.Context) error
}

type RetryQueue interface {
	Push(ctx context.Context, item *RetryQueueItem) error
	Pop(ctx context.Context) (*RetryQueueItem, error)
	Requeue(ctx context.Context, item *RetryQueueItem) error
	Len(ctx context.Context) (int64, error)
}

type FallbackStore interface {
	Put(id SessionID, session *SessionData) error
	Get(id SessionID) (*SessionData, error)
	Delete(id SessionID) error
	List() ([]SessionID, error)
}
