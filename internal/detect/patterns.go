// Package detect derives lightweight behavioral signals from a single turn.
// Content is inspected in memory only; callers receive tags and booleans.
package detect

import (
	"regexp"
	"strings"
	"time"
)

// Protection pattern tags.
const (
	TagSpeed        = "speed"
	TagIntellectual = "intellectual"
	TagDeflection   = "deflection"
)

// NoTiming marks a turn whose elapsed time since the prior turn is unknown.
const NoTiming time.Duration = -1

var (
	intellectualPattern = regexp.MustCompile(`(?i)\b(think\w*|analy[sz]\w*|logic\w*|reason\w*|rational\w*)\b`)
	deflectionPattern   = regexp.MustCompile(`(?i)\b(anyway|anyways|anyhow|moving on|changing (the )?subject|change (of )?subject|whatever)\b`)
)

// PatternDetector tags coping patterns from content and timing. It holds no
// state; the same input always yields the same tags.
type PatternDetector struct {
	// SpeedWordThreshold is the word count a turn must exceed to count as long.
	SpeedWordThreshold int
	// SpeedWindow is the elapsed time below which a long turn counts as fast.
	SpeedWindow time.Duration
}

// DefaultPatternDetector returns a detector with the stock thresholds:
// more than 50 words written in under 5 seconds.
func DefaultPatternDetector() PatternDetector {
	return PatternDetector{
		SpeedWordThreshold: 50,
		SpeedWindow:        5 * time.Second,
	}
}

// Detect returns the tags for one turn in the fixed order speed,
// intellectual, deflection. elapsed is the time since the prior turn, or
// NoTiming when unknown.
func (d PatternDetector) Detect(content string, elapsed time.Duration) []string {
	tags := []string{}

	if elapsed >= 0 && elapsed < d.SpeedWindow && WordCount(content) > d.SpeedWordThreshold {
		tags = append(tags, TagSpeed)
	}
	if intellectualPattern.MatchString(content) {
		tags = append(tags, TagIntellectual)
	}
	if deflectionPattern.MatchString(content) {
		tags = append(tags, TagDeflection)
	}
	return tags
}

// Patterns runs the default detector.
func Patterns(content string, elapsed time.Duration) []string {
	return DefaultPatternDetector().Detect(content, elapsed)
}

// WordCount counts whitespace-separated words.
func WordCount(content string) int {
	return len(strings.Fields(content))
}
