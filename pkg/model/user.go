// Package model defines the core domain types for ByteSwap.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MaxNameLength = 50

var ErrNameEmpty = errors.New("name must not be empty")
var ErrNameTooLong = fmt.Errorf("name must not exceed %d characters", MaxNameLength)
var ErrUserIDEmpty = errors.New("user id must not be empty")

// User is a registered user together with its current matching preferences.
type User struct {
	ID                  string    `json:"id" yaml:"id"`
	Name                string    `json:"name" yaml:"name"`
	TokenHash           string    `json:"-" yaml:"-"`
	TeachSkills         []string  `json:"skills_teaching" yaml:"skills_teaching,omitempty"`
	LearnSkills         []string  `json:"skills_learning" yaml:"skills_learning,omitempty"`
	LastMatchingAttempt time.Time `json:"last_matching_attempt" yaml:"last_matching_attempt,omitempty"` // zero = not searching
	Active              bool      `json:"is_active" yaml:"is_active"`
	LastLogin           time.Time `json:"last_login" yaml:"last_login"`
	CreatedAt           time.Time `json:"created_at" yaml:"created_at"`
}

// HasSkills reports whether either skill set is nonempty.
func (u *User) HasSkills() bool {
	return len(u.TeachSkills) > 0 || len(u.LearnSkills) > 0
}

// FreshSince reports whether the last matching attempt is at or after cutoff.
func (u *User) FreshSince(cutoff time.Time) bool {
	return !u.LastMatchingAttempt.IsZero() && !u.LastMatchingAttempt.Before(cutoff)
}

// ValidateName checks a display name after trimming surrounding whitespace.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return ErrNameTooLong
	}
	return nil
}
