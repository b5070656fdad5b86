// Package cache implements the fast, TTL-bound session cache on Redis. It is
// never the source of truth.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/continuity/internal/types"
)

// DefaultTTL is how long a cached snapshot lives after its last write.
const DefaultTTL = time.Hour

// setVersioned writes the snapshot and its version when the stored version
// is lower, or with ARGV[4] == '1' only when nothing is stored. On refusal it
// returns the cached snapshot.
var setVersioned = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if cur and (ARGV[4] == '1' or tonumber(cur) >= tonumber(ARGV[1])) then
	return {0, redis.call('GET', KEYS[1]) or ''}
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[3])
return {1, ''}
`)

// Cache stores the most recent snapshot of each session under
// <prefix>session:<id>, with its version under <prefix>session:<id>:version.
type Cache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// New creates a Cache on the given client. A non-positive ttl selects DefaultTTL.
func New(client redis.Cmdable, prefix string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl}
}

func (c *Cache) key(id types.SessionID) string {
	return c.prefix + "session:" + string(id)
}

func (c *Cache) versionKey(id types.SessionID) string {
	return c.key(id) + ":version"
}

// Get returns the cached snapshot or types.ErrNotFound on a miss.
func (c *Cache) Get(ctx context.Context, id types.SessionID) (*types.SessionData, error) {
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w: %v", id, types.ErrUnavailable, err)
	}

	var session types.SessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal cached session %s: %w", id, err)
	}
	return &session, nil
}

// Set writes the snapshot and refreshes its TTL when it is newer than the
// cached one. Otherwise it returns a *types.VersionConflict carrying the
// cached snapshot.
func (c *Cache) Set(ctx context.Context, session *types.SessionData) error {
	return c.write(ctx, session, false)
}

// Add writes the snapshot only when the session is not cached.
func (c *Cache) Add(ctx context.Context, session *types.SessionData) error {
	return c.write(ctx, session, true)
}

func (c *Cache) write(ctx context.Context, session *types.SessionData, onlyIfAbsent bool) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", session.SessionID, err)
	}
	id := session.SessionID
	mode := "0"
	if onlyIfAbsent {
		mode = "1"
	}
	reply, err := setVersioned.Run(ctx, c.client,
		[]string{c.key(id), c.versionKey(id)},
		strconv.FormatInt(session.Version, 10), data, c.ttl.Milliseconds(), mode,
	).Slice()
	if err != nil {
		return fmt.Errorf("cache set %s: %w: %v", id, types.ErrUnavailable, err)
	}
	if len(reply) == 2 {
		if ok, _ := reply[0].(int64); ok == 1 {
			return nil
		}
	}

	conflict := &types.VersionConflict{SessionID: id, Version: session.Version}
	if len(reply) == 2 {
		if raw, _ := reply[1].(string); raw != "" {
			var current types.SessionData
			if err := json.Unmarshal([]byte(raw), &current); err == nil {
				conflict.Current = &current
			}
		}
	}
	return conflict
}

// Delete evicts a session snapshot.
func (c *Cache) Delete(ctx context.Context, id types.SessionID) error {
	if err := c.client.Del(ctx, c.key(id), c.versionKey(id)).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w: %v", id, types.ErrUnavailable, err)
	}
	return nil
}

// Ping performs a trivial round-trip.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache ping: %w: %v", types.ErrUnavailable, err)
	}
	return nil
}

var _ types.FastCache = (*Cache)(nil)
