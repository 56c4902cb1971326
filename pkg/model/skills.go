package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxSkills      = 32
	MaxSkillLength = 64
)

var ErrTooManySkills = fmt.Errorf("at most %d skills per set", MaxSkills)
var ErrSkillTooLong = fmt.Errorf("skill must not exceed %d characters", MaxSkillLength)
var ErrNoSkills = errors.New("provide skills to teach or learn")

// NormalizeSkills trims every entry, drops empty ones and removes duplicates
// while keeping first-seen order. Matching is case-sensitive.
func NormalizeSkills(skills []string) []string {
	out := make([]string, 0, len(skills))
	seen := make(map[string]struct{}, len(skills))
	for _, s := range skills {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ValidateSkills checks a normalized skill set.
func ValidateSkills(skills []string) error {
	if len(skills) > MaxSkills {
		return ErrTooManySkills
	}
	for _, s := range skills {
		if utf8.RuneCountInString(s) > MaxSkillLength {
			return fmt.Errorf("%w: %q", ErrSkillTooLong, s)
		}
	}
	return nil
}

// Overlaps reports whether a and b share at least one skill.
func Overlaps(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	if len(b) < len(a) {
		a, b = b, a
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}
