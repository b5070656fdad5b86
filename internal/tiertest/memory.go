// Package tiertest provides in-memory storage tiers with fault injection for
// tests.
package tiertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/user/continuity/internal/types"
)

// ErrInjected is returned by a tier while it is set to fail.
var ErrInjected = fmt.Errorf("injected outage: %w", types.ErrUnavailable)

// Switch toggles an injected outage.
type Switch struct {
	mu   sync.Mutex
	fail bool
}

func (s *Switch) SetFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *Switch) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return ErrInjected
	}
	return nil
}

// Cache is an in-memory FastCache. Reads alone can be failed with
// SetReadFailing, and slowed with SetReadDelay.
type Cache struct {
	Switch
	mu        sync.Mutex
	data      map[types.SessionID]*types.SessionData
	readFail  bool
	readDelay time.Duration
	Gets      int
	Sets      int
	Pings     int
}

func NewCache() *Cache {
	return &Cache{data: make(map[types.SessionID]*types.SessionData)}
}

func (c *Cache) SetReadFailing(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readFail = fail
}

// SetReadDelay makes every Get take at least d, widening the window between
// a read and the write that follows it.
func (c *Cache) SetReadDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDelay = d
}

func (c *Cache) Get(_ context.Context, id types.SessionID) (*types.SessionData, error) {
	c.mu.Lock()
	delay := c.readDelay
	c.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gets++
	if err := c.err(); err != nil {
		return nil, err
	}
	if c.readFail {
		return nil, ErrInjected
	}
	s, ok := c.data[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return s.Clone(), nil
}

func (c *Cache) Set(_ context.Context, s *types.SessionData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sets++
	if err := c.err(); err != nil {
		return err
	}
	if cur, ok := c.data[s.SessionID]; ok && cur.Version >= s.Version {
		return &types.VersionConflict{SessionID: s.SessionID, Version: s.Version, Current: cur.Clone()}
	}
	c.data[s.SessionID] = s.Clone()
	return nil
}

func (c *Cache) Add(_ context.Context, s *types.SessionData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sets++
	if err := c.err(); err != nil {
		return err
	}
	if cur, ok := c.data[s.SessionID]; ok {
		return &types.VersionConflict{SessionID: s.SessionID, Version: s.Version, Current: cur.Clone()}
	}
	c.data[s.SessionID] = s.Clone()
	return nil
}

// Cached returns the current entry without counting a read.
func (c *Cache) Cached(id types.SessionID) (*types.SessionData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.data[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

func (c *Cache) Delete(_ context.Context, id types.SessionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err(); err != nil {
		return err
	}
	delete(c.data, id)
	return nil
}

func (c *Cache) Ping(context.Context) error {
	c.mu.Lock()
	c.Pings++
	c.mu.Unlock()
	return c.err()
}

// Durable is an in-memory DurableStore with the same version check as the
// SQLite store.
type Durable struct {
	Switch
	mu      sync.Mutex
	data    map[types.SessionID]*types.SessionData
	audit   []types.BreakthroughAuditRecord
	Gets    int
	Upserts int
}

func NewDurable() *Durable {
	return &Durable{data: make(map[types.SessionID]*types.SessionData)}
}

func (d *Durable) Get(_ context.Context, id types.SessionID) (*types.SessionData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Gets++
	if err := d.err(); err != nil {
		return nil, err
	}
	s, ok := d.data[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return s.Clone(), nil
}

func (d *Durable) Upsert(_ context.Context, s *types.SessionData) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Upserts++
	if err := d.err(); err != nil {
		return err
	}
	if cur, ok := d.data[s.SessionID]; ok && cur.Version != s.Version-1 {
		return fmt.Errorf("upsert %s at version %d over %d: %w", s.SessionID, s.Version, cur.Version, types.ErrConflict)
	}
	d.data[s.SessionID] = s.Clone()
	return nil
}

// Seed stores a record directly, bypassing counters and the version check.
func (d *Durable) Seed(s *types.SessionData) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[s.SessionID] = s.Clone()
}

func (d *Durable) AppendAudit(_ context.Context, r *types.BreakthroughAuditRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.err(); err != nil {
		return err
	}
	d.audit = append(d.audit, *r)
	return nil
}

func (d *Durable) Ping(context.Context) error {
	return d.err()
}

// Stored returns the current record without counting a read.
func (d *Durable) Stored(id types.SessionID) (*types.SessionData, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.data[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Audit returns a copy of the audit trail.
func (d *Durable) Audit() []types.BreakthroughAuditRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.BreakthroughAuditRecord(nil), d.audit...)
}

// Queue is an in-memory RetryQueue. Items are pushed to the back and popped
// from the front.
type Queue struct {
	Switch
	mu    sync.Mutex
	items []*types.RetryQueueItem
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Push(_ context.Context, item *types.RetryQueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.err(); err != nil {
		return err
	}
	cp := *item
	cp.Snapshot = item.Snapshot.Clone()
	q.items = append(q.items, &cp)
	return nil
}

func (q *Queue) Pop(context.Context) (*types.RetryQueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.err(); err != nil {
		return nil, err
	}
	if len(q.items) == 0 {
		return nil, nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, nil
}

func (q *Queue) Requeue(_ context.Context, item *types.RetryQueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.err(); err != nil {
		return err
	}
	q.items = append([]*types.RetryQueueItem{item}, q.items...)
	return nil
}

func (q *Queue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.err(); err != nil {
		return 0, err
	}
	return int64(len(q.items)), nil
}

// Items returns a snapshot of the queue contents, front first.
func (q *Queue) Items() []*types.RetryQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*types.RetryQueueItem(nil), q.items...)
}

// Fallback is an in-memory FallbackStore that remembers write order.
type Fallback struct {
	Switch
	mu    sync.Mutex
	seq   int
	data  map[types.SessionID]*types.SessionData
	order map[types.SessionID]int
}

func NewFallback() *Fallback {
	return &Fallback{
		data:  make(map[types.SessionID]*types.SessionData),
		order: make(map[types.SessionID]int),
	}
}

func (f *Fallback) Put(id types.SessionID, s *types.SessionData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return err
	}
	f.seq++
	f.data[id] = s.Clone()
	f.order[id] = f.seq
	return nil
}

func (f *Fallback) Get(id types.SessionID) (*types.SessionData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return nil, err
	}
	s, ok := f.data[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return s.Clone(), nil
}

func (f *Fallback) Delete(id types.SessionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return err
	}
	delete(f.data, id)
	delete(f.order, id)
	return nil
}

func (f *Fallback) List() ([]types.SessionID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return nil, err
	}
	ids := make([]types.SessionID, 0, len(f.data))
	for id := range f.data {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return f.order[ids[i]] < f.order[ids[j]] })
	return ids, nil
}

var (
	_ types.FastCache     = (*Cache)(nil)
	_ types.DurableStore  = (*Durable)(nil)
	_ types.RetryQueue    = (*Queue)(nil)
	_ types.FallbackStore = (*Fallback)(nil)
)

// IsInjected reports whether err came from an injected outage.
func IsInjected(err error) bool {
	return errors.Is(err, ErrInjected)
}
