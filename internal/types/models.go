package types

import (
	"slices"
	"time"
)

// Session factory defaults.
const (
	DefaultEvolutionLevel = 1.0
	DefaultTrustScore     = 0.1
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Mode string

const (
	ModeVoice Mode = "voice"
	ModeText  Mode = "text"
)

// MessageMetadata is emitted by upstream collaborators (tone classifier,
// crisis detector, voice layer) and stored alongside the message.
type MessageMetadata struct {
	EmotionalTone      string `json:"emotionalTone,omitempty"`
	ProtectionDetected bool   `json:"protectionDetected,omitempty"`
	ResponseTimeMs     int64  `json:"responseTimeMs,omitempty"`
}

type Message struct {
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	Mode      Mode             `json:"mode"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// SessionData is the unit of continuity. Messages are append-only and kept
// in conversation order. Version increases by one with every committed
// change and is what conditional writes on the cache and durable tiers
// compare.
type SessionData struct {
	SessionID           SessionID   `json:"sessionId"`
	UserID              UserID      `json:"userId"`
	InstanceID          InstanceID  `json:"instanceId"`
	Messages            []Message   `json:"messages"`
	EvolutionLevel      float64     `json:"evolutionLevel"`
	ProtectionPatterns  []string    `json:"protectionPatterns"`
	BreakthroughMoments []time.Time `json:"breakthroughMoments"`
	LastActive          time.Time   `json:"lastActive"`
	TrustScore          float64     `json:"trustScore"`
	Version             int64       `json:"version"`
}

// NewSessionData returns a session populated with factory defaults.
func NewSessionData(id SessionID, user UserID, instance InstanceID, now time.Time) *SessionData {
	return &SessionData{
		SessionID:           id,
		UserID:              user,
		InstanceID:          instance,
		Messages:            []Message{},
		EvolutionLevel:      DefaultEvolutionLevel,
		ProtectionPatterns:  []string{},
		BreakthroughMoments: []time.Time{},
		LastActive:          now,
		TrustScore:          DefaultTrustScore,
	}
}

// Clone returns a deep copy so snapshots handed to async writers cannot be
// mutated by later callers.
func (s *SessionData) Clone() *SessionData {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		if m.Metadata != nil {
			md := *m.Metadata
			m.Metadata = &md
		}
		out.Messages[i] = m
	}
	out.ProtectionPatterns = slices.Clone(s.ProtectionPatterns)
	if out.ProtectionPatterns == nil {
		out.ProtectionPatterns = []string{}
	}
	out.BreakthroughMoments = slices.Clone(s.BreakthroughMoments)
	if out.BreakthroughMoments == nil {
		out.BreakthroughMoments = []time.Time{}
	}
	return &out
}

// SessionPatch is a partial update for Save. Nil fields are absent; non-nil
// fields replace the stored value wholesale.
type SessionPatch struct {
	SessionID           SessionID   `json:"sessionId,omitempty"`
	Messages            []Message   `json:"messages,omitempty"`
	EvolutionLevel      *float64    `json:"evolutionLevel,omitempty"`
	ProtectionPatterns  []string    `json:"protectionPatterns,omitempty"`
	BreakthroughMoments []time.Time `json:"breakthroughMoments,omitempty"`
	TrustScore          *float64    `json:"trustScore,omitempty"`
}

// Apply merges the patch into s in place.
func (p *SessionPatch) Apply(s *SessionData) {
	if p.Messages != nil {
		s.Messages = slices.Clone(p.Messages)
	}
	if p.EvolutionLevel != nil {
		s.EvolutionLevel = *p.EvolutionLevel
	}
	if p.ProtectionPatterns != nil {
		s.ProtectionPatterns = slices.Clone(p.ProtectionPatterns)
	}
	if p.BreakthroughMoments != nil {
		s.BreakthroughMoments = slices.Clone(p.BreakthroughMoments)
	}
	if p.TrustScore != nil {
		s.TrustScore = *p.TrustScore
	}
}

// RetryQueueItem is a snapshot that failed to reach the durable tier.
type RetryQueueItem struct {
	SessionID  SessionID    `json:"sessionId"`
	Snapshot   *SessionData `json:"data"`
	EnqueuedAt time.Time    `json:"timestamp"`
	Attempts   int          `json:"attempts,omitempty"`
}

const PatternCategoryBreakthrough = "breakthrough"

// AuditMetadata is the coarse, content-free description of a flagged turn.
type AuditMetadata struct {
	WordCount    int  `json:"word_count"`
	EmotionShift bool `json:"emotion_shift"`
}

// BreakthroughAuditRecord never carries message text.
type BreakthroughAuditRecord struct {
	SessionID       SessionID     `json:"session_id"`
	Timestamp       time.Time     `json:"timestamp"`
	UserIDHash      string        `json:"user_id_hash"`
	PatternCategory string        `json:"pattern_category"`
	Metadata        AuditMetadata `json:"metadata"`
}

// SessionSummary is a compact durable-tier row used by listings.
type SessionSummary struct {
	SessionID         SessionID `json:"session_id"`
	UserID            UserID    `json:"user_id"`
	MessageCount      int       `json:"message_count"`
	BreakthroughCount int       `json:"breakthrough_count"`
	TrustScore        float64   `json:"trust_score"`
	LastActive        time.Time `json:"last_active"`
}
