// Package identity derives the shared session identifier and the two
// pseudonyms for a pair of users.
//
// Everything here is a pure function of the two user identifiers, so both
// parties (or the server after a reconnect) compute the same values without a
// round-trip. Nothing here is secret: pseudonyms are cosmetic and may collide.
package identity

import (
	"strings"
	"unicode/utf16"
)

// Pair is an unordered pair of user identifiers held in canonical order.
// Low is always the smaller identifier in UTF-16 order.
type Pair struct {
	Low  string
	High string
}

// NewPair orders a and b into a canonical Pair. Identifiers compare by
// UTF-16 code units, the order browser clients use, so characters above
// U+FFFF sort before U+E000..U+FFFF.
func NewPair(a, b string) Pair {
	if lessUTF16(b, a) {
		return Pair{Low: b, High: a}
	}
	return Pair{Low: a, High: b}
}

func lessUTF16(a, b string) bool {
	if a == b {
		return false
	}
	ua, ub := utf16.Encode([]rune(a)), utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

// SessionID returns the canonical session identifier for the pair.
func (p Pair) SessionID() string {
	return "sess_" + p.Low + "_" + p.High
}

// Contains reports whether id is one of the two members.
func (p Pair) Contains(id string) bool {
	return id == p.Low || id == p.High
}

// Partner returns the other member of sessionID when userID is one of the two
// users the id was derived from.
func Partner(sessionID, userID string) (string, bool) {
	rest, ok := strings.CutPrefix(sessionID, "sess_")
	if !ok || userID == "" {
		return "", false
	}
	if other, ok := strings.CutPrefix(rest, userID+"_"); ok && other != userID && NewPair(userID, other).SessionID() == sessionID {
		return other, true
	}
	if other, ok := strings.CutSuffix(rest, "_"+userID); ok && other != userID && NewPair(userID, other).SessionID() == sessionID {
		return other, true
	}
	return "", false
}

// seed builds the generator seed for one slot ("A" names Low, "B" names High).
func (p Pair) seed(slot string) string {
	return p.Low + "_" + p.High + "_" + slot
}
