package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/user/continuity/internal/detect"
	"github.com/user/continuity/internal/types"
)

// HashUserID returns the hex SHA-256 of a user id, or "" for an empty id.
func HashUserID(id types.UserID) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// newAuditRecord builds the content-free record for a flagged turn.
func newAuditRecord(session *types.SessionData, msg types.Message, history []types.Message, at time.Time) *types.BreakthroughAuditRecord {
	return &types.BreakthroughAuditRecord{
		SessionID:       session.SessionID,
		Timestamp:       at,
		UserIDHash:      HashUserID(session.UserID),
		PatternCategory: types.PatternCategoryBreakthrough,
		Metadata: types.AuditMetadata{
			WordCount:    detect.WordCount(msg.Content),
			EmotionShift: detect.EmotionShift(msg, history),
		},
	}
}

// recordBreakthrough writes the audit row. Failures are logged only.
func (s *Store) recordBreakthrough(ctx context.Context, session *types.SessionData, msg types.Message, history []types.Message, at time.Time) {
	record := newAuditRecord(session, msg, history, at)

	actx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.durable.AppendAudit(actx, record); err != nil {
		slog.Warn("breakthrough audit write failed", "session_id", string(session.SessionID), "error", err)
	}
}
