package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const MaxMessageLength = 2000

var ErrMessageEmpty = errors.New("message must not be empty")
var ErrMessageTooLong = fmt.Errorf("message must not exceed %d characters", MaxMessageLength)

// SanitizeMessage strips control characters other than newline and tab,
// trims surrounding whitespace and enforces the length limit.
func SanitizeMessage(text string) (string, error) {
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrMessageEmpty
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return text, nil
}
