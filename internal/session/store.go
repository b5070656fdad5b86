// Package session is the session continuity facade. It keeps each
// conversation recoverable across the fast cache, the durable tier, the
// retry queue and the local fallback, and derives pattern and breakthrough
// signals from every ingested turn.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/user/continuity/internal/detect"
	"github.com/user/continuity/internal/recovery"
	"github.com/user/continuity/internal/types"
)

// Options wires a Store. The four tiers are required; zero values elsewhere
// select defaults.
type Options struct {
	Cache    types.FastCache
	Durable  types.DurableStore
	Queue    types.RetryQueue
	Fallback types.FallbackStore

	InstanceID          types.InstanceID
	CacheTimeout        time.Duration
	WriteTimeout        time.Duration
	MaxConcurrentWrites int64
	LaneBuffer          int
	LaneIdle            time.Duration
	Retry               *recovery.RetryPolicy
	Patterns            *detect.PatternDetector
	Now                 func() time.Time
}

// Store orchestrates load and save across the storage tiers.
type Store struct {
	cache    types.FastCache
	durable  types.DurableStore
	queue    types.RetryQueue
	fallback types.FallbackStore

	instance     types.InstanceID
	cacheTimeout time.Duration
	writeTimeout time.Duration
	retry        *recovery.RetryPolicy
	patterns     detect.PatternDetector
	now          func() time.Time

	locks  *keyedMutex
	writes *lanes

	// inflight holds snapshots whose durable write has not finished, so a
	// cache outage cannot make a load read a durable record that lags them.
	inflightMu sync.Mutex
	inflight   map[types.SessionID]*writeJob
	seq        uint64
}

// New creates a Store and starts its durable write lanes.
func New(opts Options) (*Store, error) {
	if opts.Cache == nil || opts.Durable == nil || opts.Queue == nil || opts.Fallback == nil {
		return nil, errors.New("session: cache, durable, queue and fallback tiers are required")
	}

	s := &Store{
		cache:        opts.Cache,
		durable:      opts.Durable,
		queue:        opts.Queue,
		fallback:     opts.Fallback,
		instance:     opts.InstanceID,
		cacheTimeout: opts.CacheTimeout,
		writeTimeout: opts.WriteTimeout,
		retry:        opts.Retry,
		now:          opts.Now,
		locks:        newKeyedMutex(),
		inflight:     make(map[types.SessionID]*writeJob),
	}
	if s.instance == "" {
		s.instance = types.NewInstanceID()
	}
	if s.cacheTimeout <= 0 {
		s.cacheTimeout = 250 * time.Millisecond
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = 5 * time.Second
	}
	if s.retry == nil {
		s.retry = recovery.DefaultRetryPolicy()
	}
	if opts.Patterns != nil {
		s.patterns = *opts.Patterns
	} else {
		s.patterns = detect.DefaultPatternDetector()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}

	maxConcurrent := opts.MaxConcurrentWrites
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	buffer := opts.LaneBuffer
	if buffer <= 0 {
		buffer = 64
	}
	idle := opts.LaneIdle
	if idle <= 0 {
		idle = time.Minute
	}
	s.writes = newLanes(maxConcurrent, buffer, idle, s.writeDurable)
	s.writes.start(context.Background())
	return s, nil
}

// Close waits for pending durable writes to finish and stops the lanes.
func (s *Store) Close() {
	s.writes.stop()
}

// WaitIdle blocks until no durable writes are pending or the timeout
// expires. Returns true if idle.
func (s *Store) WaitIdle(timeout time.Duration) bool {
	return s.writes.waitIdle(timeout)
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	userID types.UserID
}

// WithUserID sets the owner recorded when Load has to create the session.
func WithUserID(id types.UserID) LoadOption {
	return func(o *loadOptions) { o.userID = id }
}

// Load returns the session, creating and persisting a new one only when the
// durable tier confirms it does not exist. When the durable tier cannot be
// reached, a local fallback snapshot is served if one exists; otherwise the
// error wraps types.ErrUnavailable. A *types.CreationError is returned when a
// new session could not be persisted anywhere.
func (s *Store) Load(ctx context.Context, id types.SessionID, opts ...LoadOption) (*types.SessionData, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.load(ctx, id, opts...)
}

func (s *Store) load(ctx context.Context, id types.SessionID, opts ...LoadOption) (*types.SessionData, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	cctx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	cached, err := s.cache.Get(cctx, id)
	cancel()
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		slog.Warn("fast cache unavailable, bypassing", "session_id", string(id), "error", err)
	}

	if snapshot := s.inflightSnapshot(id); snapshot != nil {
		return snapshot, nil
	}

	stored, err := s.durable.Get(ctx, id)
	switch {
	case err == nil:
		if merged := s.reconcileWithFallback(ctx, stored); merged != nil {
			return merged, nil
		}
		return s.remember(ctx, stored), nil

	case errors.Is(err, types.ErrNotFound):
		if local := s.restoreFromFallback(ctx, id); local != nil {
			return local, nil
		}
		return s.bootstrap(ctx, id, o.userID)

	default:
		slog.Warn("durable tier unavailable on load", "session_id", string(id), "error", err)
		if local := s.restoreFromFallback(ctx, id); local != nil {
			return local, nil
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
}

// reconcileWithFallback folds a local fallback snapshot the worker has not
// promoted yet into a durable record read on a cache miss. It returns nil
// when there is nothing local, or the durable record already holds it.
func (s *Store) reconcileWithFallback(ctx context.Context, stored *types.SessionData) *types.SessionData {
	local, err := s.fallback.Get(stored.SessionID)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			slog.Warn("local fallback read failed", "session_id", string(stored.SessionID), "error", err)
		}
		return nil
	}
	if stored.Covers(local) {
		return nil
	}

	merged := s.remember(ctx, types.Merge(stored, local))
	slog.Warn("durable record behind local fallback, merged",
		"session_id", string(stored.SessionID),
		"durable_messages", len(stored.Messages),
		"local_messages", len(local.Messages),
		"merged_messages", len(merged.Messages),
	)
	s.dispatch(ctx, merged)
	return merged
}

// remember caches a snapshot read from a slower tier. An entry that appeared
// in the cache meanwhile is never overwritten: when it lacks something the
// snapshot has, the two are merged one version above it.
func (s *Store) remember(ctx context.Context, snapshot *types.SessionData) *types.SessionData {
	cctx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	defer cancel()

	current := s.refused(snapshot.SessionID, s.cache.Add(cctx, snapshot))
	for attempt := 1; current != nil; attempt++ {
		if current.Covers(snapshot) {
			return current
		}
		merged := types.Merge(current, snapshot)
		merged.Version = current.Version + 1
		if attempt == maxCommitAttempts {
			return merged
		}
		current = s.refused(snapshot.SessionID, s.cache.Set(cctx, merged))
		if current == nil {
			return merged
		}
	}
	return snapshot
}

// restoreFromFallback serves a snapshot written while both server tiers were
// down, re-caching it and dispatching it to the durable tier again.
func (s *Store) restoreFromFallback(ctx context.Context, id types.SessionID) *types.SessionData {
	local, err := s.fallback.Get(id)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			slog.Warn("local fallback read failed", "session_id", string(id), "error", err)
		}
		return nil
	}
	slog.Info("restored session from local fallback", "session_id", string(id))
	local = s.remember(ctx, local)
	s.dispatch(ctx, local)
	return local
}

func (s *Store) bootstrap(ctx context.Context, id types.SessionID, user types.UserID) (*types.SessionData, error) {
	session := types.NewSessionData(id, user, s.instance, s.now())
	session.Version = 1
	cctx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	current := s.refused(id, s.cache.Add(cctx, session))
	cancel()
	if current != nil {
		// Another instance created it between our miss and now.
		return current, nil
	}

	var stored *types.SessionData
	err := s.retry.Execute(ctx, func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
		var err error
		stored, _, err = recovery.Persist(wctx, s.durable, session)
		return err
	})
	if err == nil {
		slog.Debug("created session", "session_id", string(id))
		if stored != session {
			s.reconcileCache(ctx, stored)
		}
		return stored, nil
	}

	slog.Warn("bootstrap write to durable tier failed", "session_id", string(id), "error", err)
	if qerr := s.enqueueRetry(ctx, session); qerr != nil {
		slog.Error("session creation failed on every tier", "session_id", string(id), "error", qerr)
		return nil, &types.CreationError{SessionID: id, Err: errors.Join(err, qerr)}
	}
	return session, nil
}

// Save merges the patch into the current snapshot (fields present in the
// patch replace the stored value wholesale), stamps lastActive, writes the
// fast cache synchronously and dispatches the durable write asynchronously.
func (s *Store) Save(ctx context.Context, patch *types.SessionPatch) error {
	if patch == nil || patch.SessionID == "" {
		return errors.New("save: session id is required")
	}

	unlock := s.locks.Lock(patch.SessionID)
	defer unlock()

	if _, err := s.update(ctx, patch.SessionID, patch.Apply); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

// AddMessage appends a turn, runs the pattern and breakthrough detectors on
// it and saves the result.
func (s *Store) AddMessage(ctx context.Context, id types.SessionID, msg types.Message) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	if msg.Mode == "" {
		msg.Mode = types.ModeText
	}
	broke := detect.Breakthrough(msg.Content)
	var at time.Time
	if broke {
		at = s.now()
	}

	var history []types.Message
	committed, err := s.update(ctx, id, func(current *types.SessionData) {
		history = current.Messages
		elapsed := elapsedSincePrior(msg, history)
		current.Messages = append(slices.Clip(history), msg)

		// Replace on detection, otherwise keep the previous tags.
		if tags := s.patterns.Detect(msg.Content, elapsed); len(tags) > 0 {
			current.ProtectionPatterns = tags
		}
		if broke {
			current.BreakthroughMoments = append(current.BreakthroughMoments, at)
		}
	})
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}

	if broke {
		s.recordBreakthrough(ctx, committed, msg, history, at)
	}
	return nil
}

// GetContext returns the most recent limit messages in conversation order.
func (s *Store) GetContext(ctx context.Context, id types.SessionID, limit int) ([]types.Message, error) {
	if limit <= 0 {
		return []types.Message{}, nil
	}

	session, err := s.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}
	start := max(0, len(session.Messages)-limit)
	return slices.Clone(session.Messages[start:]), nil
}

func elapsedSincePrior(msg types.Message, history []types.Message) time.Duration {
	if msg.Metadata != nil && msg.Metadata.ResponseTimeMs > 0 {
		return time.Duration(msg.Metadata.ResponseTimeMs) * time.Millisecond
	}
	if len(history) == 0 {
		return detect.NoTiming
	}
	prev := history[len(history)-1].Timestamp
	if prev.IsZero() || msg.Timestamp.Before(prev) {
		return detect.NoTiming
	}
	return msg.Timestamp.Sub(prev)
}

// maxCommitAttempts bounds how often update re-applies a change after losing
// the cache race to another instance.
const maxCommitAttempts = 10

// update applies mutate to the current snapshot and commits it one version
// up. When the cache shows another instance committed first, mutate is
// applied again on top of that snapshot.
func (s *Store) update(ctx context.Context, id types.SessionID, mutate func(*types.SessionData)) (*types.SessionData, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		next := current.Clone()
		mutate(next)
		next.Version = current.Version + 1
		next.LastActive = s.now()

		winner := s.cacheSet(ctx, next)
		if winner == nil {
			s.dispatch(ctx, next)
			return next, nil
		}
		if attempt == maxCommitAttempts {
			return nil, fmt.Errorf("commit session %s: %w", id, types.ErrConflict)
		}
		slog.Debug("lost commit race, reapplying", "session_id", string(id), "version", next.Version, "cached", winner.Version)
		current = winner
	}
}

// cacheSet writes the snapshot to the fast cache. It returns the cached
// snapshot when the cache refused the write; outages are logged and treated
// as written.
func (s *Store) cacheSet(ctx context.Context, session *types.SessionData) *types.SessionData {
	cctx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	defer cancel()
	return s.refused(session.SessionID, s.cache.Set(cctx, session))
}

// refused interprets a cache write error, returning the cached snapshot that
// won or nil.
func (s *Store) refused(id types.SessionID, err error) *types.SessionData {
	if err == nil {
		return nil
	}
	var conflict *types.VersionConflict
	if errors.As(err, &conflict) && conflict.Current != nil {
		return conflict.Current
	}
	slog.Warn("fast cache write failed", "session_id", string(id), "error", err)
	return nil
}

// reconcileCache folds a record the durable tier merged into the cached
// snapshot, so reads see what the merge recovered.
func (s *Store) reconcileCache(ctx context.Context, merged *types.SessionData) {
	cctx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	defer cancel()

	current, err := s.cache.Get(cctx, merged.SessionID)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			slog.Debug("skipping cache reconcile", "session_id", string(merged.SessionID), "error", err)
		}
		return
	}
	for attempt := 1; attempt <= maxCommitAttempts && !current.Covers(merged); attempt++ {
		next := types.Merge(current, merged)
		next.Version = current.Version + 1
		current = s.refused(merged.SessionID, s.cache.Set(cctx, next))
		if current == nil {
			return
		}
	}
}

// dispatch hands a snapshot to the session's write lane. When the lane
// cannot take it the snapshot goes straight to the retry queue.
func (s *Store) dispatch(ctx context.Context, session *types.SessionData) {
	s.inflightMu.Lock()
	s.seq++
	job := &writeJob{snapshot: session.Clone(), seq: s.seq}
	s.inflight[session.SessionID] = job
	s.inflightMu.Unlock()

	if s.writes.enqueue(job) {
		return
	}
	slog.Warn("durable write lane saturated, queueing for retry", "session_id", string(session.SessionID))
	if err := s.enqueueRetry(ctx, job.snapshot); err != nil {
		slog.Error("snapshot not persisted on any tier", "session_id", string(session.SessionID), "error", err)
	}
	s.clearInflight(job)
}

// writeDurable is the lane processor: persist with inline retries, then the
// retry queue, then the local fallback.
func (s *Store) writeDurable(ctx context.Context, job *writeJob) {
	defer s.clearInflight(job)

	var (
		stored  *types.SessionData
		outcome recovery.Outcome
	)
	err := s.retry.Execute(ctx, func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
		var err error
		stored, outcome, err = recovery.Persist(wctx, s.durable, job.snapshot)
		return err
	})
	if err == nil {
		if outcome == recovery.Merged {
			slog.Info("durable record had moved on, merged",
				"session_id", string(job.snapshot.SessionID),
				"version", stored.Version,
			)
			s.reconcileCache(ctx, stored)
		}
		return
	}

	id := string(job.snapshot.SessionID)
	slog.Warn("durable write failed, queueing for retry", "session_id", id, "error", err)
	if qerr := s.enqueueRetry(ctx, job.snapshot); qerr != nil {
		slog.Error("snapshot not persisted on any tier", "session_id", id, "error", qerr)
	}
}

// enqueueRetry pushes the snapshot onto the retry queue, falling back to the
// local store when the queue is unreachable.
func (s *Store) enqueueRetry(ctx context.Context, session *types.SessionData) error {
	item := &types.RetryQueueItem{
		SessionID:  session.SessionID,
		Snapshot:   session,
		EnqueuedAt: s.now(),
	}

	qctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	qerr := s.queue.Push(qctx, item)
	if qerr == nil {
		return nil
	}

	slog.Warn("retry queue unavailable, writing local fallback", "session_id", string(session.SessionID), "error", qerr)
	if ferr := recovery.StashLocal(s.fallback, session); ferr != nil {
		return errors.Join(qerr, ferr)
	}
	return nil
}

func (s *Store) inflightSnapshot(id types.SessionID) *types.SessionData {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if job, ok := s.inflight[id]; ok {
		return job.snapshot.Clone()
	}
	return nil
}

func (s *Store) clearInflight(job *writeJob) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if cur, ok := s.inflight[job.snapshot.SessionID]; ok && cur.seq == job.seq {
		delete(s.inflight, job.snapshot.SessionID)
	}
}
