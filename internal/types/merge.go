package types

import (
	"slices"
	"time"
)

// messageKey identifies a turn across diverged copies of a session.
type messageKey struct {
	at      int64
	role    Role
	content string
}

func keyOf(m Message) messageKey {
	return messageKey{at: m.Timestamp.UnixNano(), role: m.Role, content: m.Content}
}

// Merge reconciles two copies of the same session that diverged, for example
// a durable record and a snapshot written to the local fallback during an
// outage. Messages and breakthrough moments are unioned and kept in time
// order; scalar fields come from the copy that was active most recently.
// The result's Version is one past the higher of the two.
func Merge(a, b *SessionData) *SessionData {
	if a == nil {
		return b.Clone()
	}
	if b == nil {
		return a.Clone()
	}

	newer, older := a, b
	if b.LastActive.After(a.LastActive) {
		newer, older = b, a
	}
	out := newer.Clone()
	if out.UserID == "" {
		out.UserID = older.UserID
	}
	if out.InstanceID == "" {
		out.InstanceID = older.InstanceID
	}

	seen := make(map[messageKey]struct{}, len(out.Messages))
	for _, m := range out.Messages {
		seen[keyOf(m)] = struct{}{}
	}
	added := false
	for _, m := range older.Clone().Messages {
		k := keyOf(m)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out.Messages = append(out.Messages, m)
		added = true
	}
	if added {
		slices.SortStableFunc(out.Messages, func(x, y Message) int {
			return x.Timestamp.Compare(y.Timestamp)
		})
	}

	for _, at := range older.BreakthroughMoments {
		if !slices.ContainsFunc(out.BreakthroughMoments, at.Equal) {
			out.BreakthroughMoments = append(out.BreakthroughMoments, at)
		}
	}
	slices.SortFunc(out.BreakthroughMoments, time.Time.Compare)

	out.Version = max(a.Version, b.Version) + 1
	return out
}

// Covers reports whether s already holds everything in o: every message and
// breakthrough moment, and activity at least as recent.
func (s *SessionData) Covers(o *SessionData) bool {
	if o == nil {
		return true
	}
	if s == nil || o.LastActive.After(s.LastActive) {
		return false
	}
	have := make(map[messageKey]struct{}, len(s.Messages))
	for _, m := range s.Messages {
		have[keyOf(m)] = struct{}{}
	}
	for _, m := range o.Messages {
		if _, ok := have[keyOf(m)]; !ok {
			return false
		}
	}
	for _, at := range o.BreakthroughMoments {
		if !slices.ContainsFunc(s.BreakthroughMoments, at.Equal) {
			return false
		}
	}
	return true
}
