// Package match scores candidate users for a skill exchange.
package match

import (
	"time"

	"github.com/NicolasHaas/byteswap/pkg/identity"
	"github.com/NicolasHaas/byteswap/pkg/model"
)

// StalenessWindow is how long a matching attempt keeps a user discoverable.
const StalenessWindow = 5 * time.Minute

// Kind classifies a candidate.
type Kind string

const (
	KindPerfect Kind = "perfect"
	KindPartial Kind = "partial"
)

// Request is the requester's side of a scoring call.
type Request struct {
	UserID string
	Teach  []string
	Learn  []string
	Now    time.Time
	// Window overrides StalenessWindow when positive.
	Window time.Duration
}

// Candidate is one scored user together with the identity of the pairing.
type Candidate struct {
	UserID           string   `json:"user_id"`
	Name             string   `json:"name"`
	TeachSkills      []string `json:"skills_teaching"`
	LearnSkills      []string `json:"skills_learning"`
	Kind             Kind     `json:"match_type"`
	SessionID        string   `json:"session_id"`
	UserPseudonym    string   `json:"user_anonymous_name"`
	PartnerPseudonym string   `json:"partner_anonymous_name"`
}

// Result partitions the scored candidates, preserving pool order.
type Result struct {
	Perfect []Candidate `json:"perfect_matches"`
	Partial []Candidate `json:"fallback_matches"`
}

// Len returns the total number of candidates.
func (r Result) Len() int {
	return len(r.Perfect) + len(r.Partial)
}

// Classify returns the kind of match between the requester (teach, learn) and
// candidate c, and false when there is no overlap at all.
func Classify(teach, learn []string, c *model.User) (Kind, bool) {
	theyTeachMe := model.Overlaps(c.TeachSkills, learn)
	theyWantMine := model.Overlaps(c.LearnSkills, teach)
	iTeachThem := model.Overlaps(teach, c.LearnSkills)
	iWantTheirs := model.Overlaps(learn, c.TeachSkills)

	switch {
	case (theyTeachMe && iTeachThem) || (theyWantMine && iWantTheirs):
		return KindPerfect, true
	case theyTeachMe || theyWantMine || iTeachThem || iWantTheirs:
		return KindPartial, true
	default:
		return "", false
	}
}

// Score classifies every eligible user in pool. The requester, stale users and
// users without skills are skipped, as are users with no overlap.
func Score(req Request, pool []model.User) Result {
	window := req.Window
	if window <= 0 {
		window = StalenessWindow
	}
	cutoff := req.Now.Add(-window)

	res := Result{Perfect: []Candidate{}, Partial: []Candidate{}}
	for i := range pool {
		c := &pool[i]
		if c.ID == req.UserID || !c.HasSkills() || !c.FreshSince(cutoff) {
			continue
		}
		kind, ok := Classify(req.Teach, req.Learn, c)
		if !ok {
			continue
		}
		sess := identity.Derive(req.UserID, c.ID)
		cand := Candidate{
			UserID:           c.ID,
			Name:             c.Name,
			TeachSkills:      c.TeachSkills,
			LearnSkills:      c.LearnSkills,
			Kind:             kind,
			SessionID:        sess.ID,
			UserPseudonym:    sess.UserName,
			PartnerPseudonym: sess.PartnerName,
		}
		if kind == KindPerfect {
			res.Perfect = append(res.Perfect, cand)
		} else {
			res.Partial = append(res.Partial, cand)
		}
	}
	return res
}
