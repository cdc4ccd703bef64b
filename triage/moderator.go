package triage

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

const (
	// MinComplaintLength and MaxComplaintLength bound accepted complaint text.
	MinComplaintLength = 20
	MaxComplaintLength = 5000
)

// abusePatterns is the default profanity/abuse heuristic list. Matching is
// case-insensitive against the raw text.
var abusePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bf+u+c*k+\b`),
	regexp.MustCompile(`(?i)\bs+h+i+t+\b`),
	regexp.MustCompile(`(?i)\ba+s+s+h+o+l+e+\b`),
	regexp.MustCompile(`(?i)\bb+i+t+c+h+\b`),
	regexp.MustCompile(`(?i)\bc+u+n+t+\b`),
	regexp.MustCompile(`(?i)kill (yourself|you)`),
	regexp.MustCompile(`(?i)\bdie\b.{0,20}\bscum\b`),
}

// Moderator accepts or rejects free-text input before classification.
type Moderator struct {
	minLen   int
	maxLen   int
	patterns []*regexp.Regexp
}

func NewModerator() *Moderator {
	return &Moderator{
		minLen:   MinComplaintLength,
		maxLen:   MaxComplaintLength,
		patterns: abusePatterns,
	}
}

// Check returns ErrContentRejected when the text is out of bounds or matches
// an abuse pattern. Length is counted in runes so multi-byte input is not
// penalized.
func (m *Moderator) Check(text string) error {
	n := utf8.RuneCountInString(text)
	if n < m.minLen {
		return fmt.Errorf("%w: text shorter than %d characters", ErrContentRejected, m.minLen)
	}
	if n > m.maxLen {
		return fmt.Errorf("%w: text longer than %d characters", ErrContentRejected, m.maxLen)
	}
	for _, p := range m.patterns {
		if p.MatchString(text) {
			return fmt.Errorf("%w: abusive language", ErrContentRejected)
		}
	}
	return nil
}
