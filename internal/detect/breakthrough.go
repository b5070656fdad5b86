package detect

import (
	"regexp"

	"github.com/user/continuity/internal/types"
)

var breakthroughPattern = regexp.MustCompile(`(?i)(realiz|realis|never thought|breakthrough|ready to|shift)`)

// Breakthrough reports whether content carries a lexical indicator of insight.
func Breakthrough(content string) bool {
	return breakthroughPattern.MatchString(content)
}

// EmotionShift reports whether msg's emotional tone differs from the tone of
// the most recent earlier user turn that carried one.
func EmotionShift(msg types.Message, history []types.Message) bool {
	if msg.Metadata == nil || msg.Metadata.EmotionalTone == "" {
		return false
	}
	for i := len(history) - 1; i >= 0; i-- {
		prev := history[i]
		if prev.Role != types.RoleUser || prev.Metadata == nil || prev.Metadata.EmotionalTone == "" {
			continue
		}
		return prev.Metadata.EmotionalTone != msg.Metadata.EmotionalTone
	}
	return false
}
