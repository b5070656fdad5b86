package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/continuity/internal/types"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Durable is the authoritative session store. Sessions are upserted by
// session_id; breakthrough audit rows are append-only.
type Durable struct {
	db *sql.DB
}

// OpenDurable opens (creating if needed) the SQLite database at path, applies
// pragmas and runs migrations.
func OpenDurable(path string) (*Durable, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("durable: create data dir: %w", err)
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("durable: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("durable: pragma %q: %w", p, err)
		}
	}

	d := &Durable{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("durable: migration: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *Durable) Close() error {
	return d.db.Close()
}

func (d *Durable) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id           TEXT    PRIMARY KEY,
			user_id              TEXT    NOT NULL DEFAULT '',
			instance_id          TEXT    NOT NULL DEFAULT '',
			message_count        INTEGER NOT NULL DEFAULT 0,
			evolution_level      REAL    NOT NULL DEFAULT 1.0,
			protection_patterns  TEXT    NOT NULL DEFAULT '[]',
			breakthrough_count   INTEGER NOT NULL DEFAULT 0,
			breakthrough_moments TEXT    NOT NULL DEFAULT '[]',
			last_active          INTEGER NOT NULL,
			trust_score          REAL    NOT NULL DEFAULT 0.1,
			messages             TEXT    NOT NULL DEFAULT '[]',
			version              INTEGER NOT NULL DEFAULT 0,
			updated_at           TEXT    NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active);

		CREATE TABLE IF NOT EXISTS breakthrough_audit (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id       TEXT    NOT NULL,
			timestamp        TEXT    NOT NULL,
			user_id_hash     TEXT    NOT NULL,
			pattern_category TEXT    NOT NULL,
			metadata         TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_session ON breakthrough_audit(session_id, timestamp);
	`
	_, err := d.db.Exec(schema)
	return err
}

// unavailable tags a driver error as a tier outage so callers can tell it
// apart from a genuine miss.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, types.ErrUnavailable, err)
}

// Get returns the stored session, types.ErrNotFound when no row exists, or an
// error wrapping types.ErrUnavailable when the database cannot answer.
func (d *Durable) Get(ctx context.Context, id types.SessionID) (*types.SessionData, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, instance_id, evolution_level, protection_patterns,
		       breakthrough_moments, last_active, trust_score, messages, version
		FROM sessions WHERE session_id = ?`, string(id))

	var (
		s                       types.SessionData
		patterns, moments, msgs string
		lastActive              int64
	)
	err := row.Scan(&s.SessionID, &s.UserID, &s.InstanceID, &s.EvolutionLevel, &patterns,
		&moments, &lastActive, &s.TrustScore, &msgs, &s.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get session "+string(id), err)
	}

	if err := json.Unmarshal([]byte(patterns), &s.ProtectionPatterns); err != nil {
		return nil, fmt.Errorf("decode protection patterns for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(moments), &s.BreakthroughMoments); err != nil {
		return nil, fmt.Errorf("decode breakthrough moments for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(msgs), &s.Messages); err != nil {
		return nil, fmt.Errorf("decode messages for %s: %w", id, err)
	}
	s.LastActive = time.Unix(0, lastActive).UTC()
	return &s, nil
}

// Upsert writes the snapshot keyed by session_id. An existing row is only
// replaced when its version is exactly one below the snapshot's; otherwise
// nothing is written and the error wraps types.ErrConflict, leaving the
// caller to merge against the stored row.
func (d *Durable) Upsert(ctx context.Context, s *types.SessionData) error {
	patterns, err := json.Marshal(nonNil(s.ProtectionPatterns))
	if err != nil {
		return fmt.Errorf("encode protection patterns: %w", err)
	}
	moments, err := json.Marshal(nonNilTimes(s.BreakthroughMoments))
	if err != nil {
		return fmt.Errorf("encode breakthrough moments: %w", err)
	}
	messages := s.Messages
	if messages == nil {
		messages = []types.Message{}
	}
	msgs, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}

	res, err := d.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, user_id, instance_id, message_count, evolution_level,
			protection_patterns, breakthrough_count, breakthrough_moments,
			last_active, trust_score, messages, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			user_id              = excluded.user_id,
			instance_id          = excluded.instance_id,
			message_count        = excluded.message_count,
			evolution_level      = excluded.evolution_level,
			protection_patterns  = excluded.protection_patterns,
			breakthrough_count   = excluded.breakthrough_count,
			breakthrough_moments = excluded.breakthrough_moments,
			last_active          = excluded.last_active,
			trust_score          = excluded.trust_score,
			messages             = excluded.messages,
			version              = excluded.version,
			updated_at           = datetime('now')
		WHERE sessions.version = excluded.version - 1`,
		string(s.SessionID), string(s.UserID), string(s.InstanceID), len(s.Messages), s.EvolutionLevel,
		string(patterns), len(s.BreakthroughMoments), string(moments),
		s.LastActive.UnixNano(), s.TrustScore, string(msgs), s.Version,
	)
	if err != nil {
		return unavailable("upsert session "+string(s.SessionID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("upsert session "+string(s.SessionID), err)
	}
	if n == 0 {
		return fmt.Errorf("upsert session %s at version %d: %w", s.SessionID, s.Version, types.ErrConflict)
	}
	return nil
}

// AppendAudit inserts a breakthrough audit row. The record type carries no
// message text, so neither does the table.
func (d *Durable) AppendAudit(ctx context.Context, r *types.BreakthroughAuditRecord) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO breakthrough_audit (session_id, timestamp, user_id_hash, pattern_category, metadata)
		VALUES (?, ?, ?, ?, ?)`,
		string(r.SessionID), r.Timestamp.UTC().Format(time.RFC3339Nano), r.UserIDHash, r.PatternCategory, string(meta),
	)
	if err != nil {
		return unavailable("append audit for "+string(r.SessionID), err)
	}
	return nil
}

// Audit returns the audit trail for a session, oldest first.
func (d *Durable) Audit(ctx context.Context, id types.SessionID) ([]types.BreakthroughAuditRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT session_id, timestamp, user_id_hash, pattern_category, metadata
		FROM breakthrough_audit WHERE session_id = ? ORDER BY id ASC`, string(id))
	if err != nil {
		return nil, unavailable("query audit for "+string(id), err)
	}
	defer rows.Close()

	var out []types.BreakthroughAuditRecord
	for rows.Next() {
		var (
			r        types.BreakthroughAuditRecord
			ts, meta string
		)
		if err := rows.Scan(&r.SessionID, &ts, &r.UserIDHash, &r.PatternCategory, &meta); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if r.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// List returns session summaries ordered by most recent activity.
func (d *Durable) List(ctx context.Context, limit int) ([]types.SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT session_id, user_id, message_count, breakthrough_count, trust_score, last_active
		FROM sessions ORDER BY last_active DESC LIMIT ?`, limit)
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	defer rows.Close()

	var out []types.SessionSummary
	for rows.Next() {
		var (
			s          types.SessionSummary
			lastActive int64
		)
		if err := rows.Scan(&s.SessionID, &s.UserID, &s.MessageCount, &s.BreakthroughCount, &s.TrustScore, &lastActive); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		s.LastActive = time.Unix(0, lastActive).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Ping performs a trivial round-trip.
func (d *Durable) Ping(ctx context.Context) error {
	var one int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return unavailable("durable ping", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilTimes(t []time.Time) []time.Time {
	if t == nil {
		return []time.Time{}
	}
	return t
}
