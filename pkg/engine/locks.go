package engine

import "time"

// Phase is the stage of a user's engagement.
type Phase string

const (
	PhaseRequesting Phase = "requesting"
	PhaseConfirmed  Phase = "confirmed"
	PhaseInSession  Phase = "in_session"
)

// Lock records the one session a user is committed to.
type Lock struct {
	UserID    string
	SessionID string
	Phase     Phase
	Since     time.Time

	neg *negotiation // set while the lock came from a partner request
}

// lockTable enforces at most one lock per user. It is not safe for concurrent
// use; Engine.mu guards it.
type lockTable struct {
	byUser map[string]*Lock
}

func newLockTable() *lockTable {
	return &lockTable{byUser: make(map[string]*Lock)}
}

func (t *lockTable) get(userID string) *Lock {
	return t.byUser[userID]
}

// anyHeld reports whether at least one of ids holds a lock.
func (t *lockTable) anyHeld(ids ...string) bool {
	for _, id := range ids {
		if _, ok := t.byUser[id]; ok {
			return true
		}
	}
	return false
}

func (t *lockTable) put(l *Lock) {
	t.byUser[l.UserID] = l
}

// release removes the user's lock and returns it.
func (t *lockTable) release(userID string) *Lock {
	l, ok := t.byUser[userID]
	if !ok {
		return nil
	}
	delete(t.byUser, userID)
	return l
}

// releaseIf removes the user's lock only if it is still l.
func (t *lockTable) releaseIf(userID string, l *Lock) bool {
	if cur, ok := t.byUser[userID]; ok && cur == l {
		delete(t.byUser, userID)
		return true
	}
	return false
}

// releaseSession removes every lock held for sessionID and returns the users.
func (t *lockTable) releaseSession(sessionID string) []string {
	var users []string
	for id, l := range t.byUser {
		if l.SessionID == sessionID {
			delete(t.byUser, id)
			users = append(users, id)
		}
	}
	return users
}

func (t *lockTable) len() int {
	return len(t.byUser)
}
