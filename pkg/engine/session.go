package engine

import (
	"github.com/google/uuid"

	"github.com/NicolasHaas/byteswap/pkg/identity"
	"github.com/NicolasHaas/byteswap/pkg/model"
	pb "github.com/NicolasHaas/byteswap/pkg/protocol/pb"
)

// SystemTerminator is the terminated_by value of sessions the server ends.
const SystemTerminator = "system"

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Join adds the user bound to c to the session room, creating it on first join.
// Opening a room takes an accepted request (a confirmed lock for sessionID);
// later joins also admit a user whose seat or partner is already inside.
//
// A room that already ran and lost every member is stale and reports
// ErrStaleRoom. A room left with one member after a disconnect reports a
// *TerminatedRoomError so a reloading client cannot revive it.
func (e *Engine) Join(c Conn, sessionID string) error {
	return e.do(func(tx *txn) error {
		userID, err := e.userOfLocked(c)
		if err != nil {
			return err
		}
		partnerID, ok := identity.Partner(sessionID, userID)
		if !ok {
			return ErrNotMember
		}

		r := e.rooms.get(sessionID)
		if r != nil && r.Started && len(r.Members) == 0 {
			e.send(c, &pb.ControlMessage{SessionClosed: &pb.SessionClosedEvent{
				SessionID: sessionID,
				Message:   "this session has ended",
			}})
			return ErrStaleRoom
		}
		if r != nil && len(r.Members) == 1 && r.RefreshTerminated {
			e.send(c, &pb.ControlMessage{SessionTerminated: &pb.SessionTerminatedEvent{
				SessionID:    sessionID,
				Reason:       string(model.ReasonDisconnect),
				TerminatedBy: r.TerminatedBy,
			}})
			return &TerminatedRoomError{SessionID: sessionID, TerminatedBy: r.TerminatedBy}
		}

		l := e.locks.get(userID)
		switch {
		case l == nil:
			// Without a lock only a live seat of the pair admits the user:
			// its own (reconnect) or the partner's.
			if r == nil || (r.memberByUser(userID) < 0 && r.memberByUser(partnerID) < 0) {
				return ErrNoRequest
			}
		case l.SessionID != sessionID:
			return ErrBusy
		case l.Phase == PhaseRequesting:
			return ErrNoRequest
		}

		cs := e.reg.state(c)
		if r != nil {
			if i := r.memberByUser(userID); i >= 0 {
				e.lockForRoomLocked(userID, sessionID)
				if r.Members[i].Conn.ID() == c.ID() {
					e.send(c, joinedMsg(r))
					return nil
				}
				// Same user on a newer connection takes over the seat.
				if old := e.reg.state(r.Members[i].Conn); old != nil {
					delete(old.rooms, sessionID)
				}
				r.Members[i].Conn = c
				cs.rooms[sessionID] = struct{}{}
				e.broadcast(r, joinedMsg(r), nil)
				return nil
			}
			if len(r.Members) >= MaxMembers {
				return ErrRoomFull
			}
		}

		e.lockForRoomLocked(userID, sessionID)
		if r == nil {
			r = e.rooms.create(sessionID)
		}
		r.Members = append(r.Members, Member{
			Conn:      c,
			UserID:    userID,
			Pseudonym: identity.NameFor(userID, partnerID),
		})
		cs.rooms[sessionID] = struct{}{}
		e.broadcast(r, joinedMsg(r), nil)
		e.log.Info("joined session", "user", userID, "session", sessionID, "members", len(r.Members))
		return nil
	})
}

// lockForRoomLocked moves the user's lock to the in-session phase, writing
// one if the user has none.
func (e *Engine) lockForRoomLocked(userID, sessionID string) {
	if l := e.locks.get(userID); l != nil {
		l.Phase = PhaseInSession
		return
	}
	e.locks.put(&Lock{UserID: userID, SessionID: sessionID, Phase: PhaseInSession, Since: e.clock.Now()})
}

func joinedMsg(r *Room) *pb.ControlMessage {
	return &pb.ControlMessage{UserJoinedSession: &pb.UserJoinedEvent{SessionID: r.ID, AllUsers: r.names()}}
}

// memberLocked resolves the caller's seat in sessionID.
func (e *Engine) memberLocked(c Conn, sessionID string) (*Room, Member, error) {
	if _, err := e.userOfLocked(c); err != nil {
		return nil, Member{}, err
	}
	r := e.rooms.get(sessionID)
	if r == nil {
		return nil, Member{}, ErrNotMember
	}
	i := r.memberByConn(c)
	if i < 0 {
		return r, Member{}, ErrNotMember
	}
	return r, r.Members[i], nil
}

// Start marks the session active and broadcasts the shared start time.
// Starting an active session is a no-op.
func (e *Engine) Start(c Conn, sessionID string) error {
	return e.do(func(tx *txn) error {
		r, m, err := e.memberLocked(c, sessionID)
		if err != nil {
			return err
		}
		if r.Started {
			return nil
		}
		r.Started = true
		r.StartTime = e.clock.Now()
		for _, mem := range r.Members {
			tx.clearPreferences(e.store, mem.UserID)
		}
		if e.sessionDuration > 0 {
			r.expiry = e.after(e.sessionDuration, func(tx *txn) {
				if e.rooms.get(r.ID) == r {
					e.terminateLocked(r, model.ReasonTimeout, SystemTerminator)
				}
			})
		}

		e.broadcast(r, &pb.ControlMessage{SessionStarted: &pb.SessionStartedEvent{
			SessionID: r.ID,
			StartTime: r.StartTime.UnixMilli(),
			StartedBy: m.Pseudonym,
		}}, nil)
		e.metrics.SessionsStarted.Add(1)
		e.log.Info("session started", "session", r.ID, "by", m.UserID)
		return nil
	})
}

// SendMessage relays text to every member, the sender included.
func (e *Engine) SendMessage(c Conn, sessionID, text string) error {
	return e.do(func(tx *txn) error {
		r, m, err := e.memberLocked(c, sessionID)
		if err != nil {
			return err
		}
		clean, err := model.SanitizeMessage(text)
		if err != nil {
			return err
		}
		e.broadcast(r, &pb.ControlMessage{ReceiveMessage: &pb.ReceiveMessageEvent{
			SessionID:  r.ID,
			Message:    clean,
			SenderName: m.Pseudonym,
			Timestamp:  e.clock.Now().UTC().Format(timestampLayout),
			MessageID:  uuid.NewString(),
		}}, nil)
		e.metrics.MessagesRelayed.Add(1)
		e.log.Debug("message relayed", "session", r.ID, "user", m.UserID)
		return nil
	})
}

// Typing tells the other members whether the sender is typing.
func (e *Engine) Typing(c Conn, sessionID string, typing bool) error {
	return e.do(func(tx *txn) error {
		r, m, err := e.memberLocked(c, sessionID)
		if err != nil {
			return err
		}
		e.broadcast(r, &pb.ControlMessage{UserTyping: &pb.UserTypingEvent{
			SessionID:  r.ID,
			Typing:     typing,
			SenderName: m.Pseudonym,
		}}, c)
		return nil
	})
}

// Terminate ends the session for every member. Terminating a session that no
// longer exists is a no-op.
func (e *Engine) Terminate(c Conn, sessionID, reason string) error {
	return e.do(func(tx *txn) error {
		if _, err := e.userOfLocked(c); err != nil {
			return err
		}
		r := e.rooms.get(sessionID)
		if r == nil {
			return nil
		}
		i := r.memberByConn(c)
		if i < 0 {
			return ErrNotMember
		}
		if r.RefreshTerminated {
			// Members were already told; finish the deletion early.
			e.deleteRoomLocked(r)
			return nil
		}
		e.terminateLocked(r, model.ParseReason(reason), r.Members[i].Pseudonym)
		return nil
	})
}

// terminateLocked broadcasts the end of r, releases every lock tied to it and
// deletes it.
func (e *Engine) terminateLocked(r *Room, reason model.Reason, by string) {
	e.broadcast(r, &pb.ControlMessage{SessionTerminated: &pb.SessionTerminatedEvent{
		SessionID:    r.ID,
		Reason:       string(reason),
		TerminatedBy: by,
	}}, nil)
	e.locks.releaseSession(r.ID)
	e.deleteRoomLocked(r)
	e.metrics.Terminated(reason)
	e.log.Info("session terminated", "session", r.ID, "reason", reason, "by", by)
}

func (e *Engine) deleteRoomLocked(r *Room) {
	if !e.rooms.deleteIf(r.ID, r) {
		return
	}
	r.stopTimers()
	for _, m := range r.Members {
		if cs := e.reg.state(m.Conn); cs != nil {
			delete(cs.rooms, r.ID)
		}
	}
}

// leaveLocked removes connection c from r after a disconnect.
func (e *Engine) leaveLocked(r *Room, c Conn) {
	i := r.memberByConn(c)
	if i < 0 {
		return
	}
	gone := r.remove(i)

	switch {
	case r.RefreshTerminated:
		// Already ended; the grace timer deletes it.
	case r.Started && len(r.Members) > 0:
		r.RefreshTerminated = true
		r.TerminatedBy = gone.Pseudonym
		stopTimer(r.expiry)
		r.expiry = nil
		e.broadcast(r, &pb.ControlMessage{SessionTerminated: &pb.SessionTerminatedEvent{
			SessionID:    r.ID,
			Reason:       string(model.ReasonDisconnect),
			TerminatedBy: gone.Pseudonym,
		}}, nil)
		e.locks.releaseSession(r.ID)
		e.metrics.Terminated(model.ReasonDisconnect)
		r.grace = e.after(e.grace, func(tx *txn) {
			e.deleteRoomLocked(r)
		})
		e.log.Info("session terminated by disconnect", "session", r.ID, "user", gone.UserID)
	case len(r.Members) == 0:
		e.deleteRoomLocked(r)
	default:
		e.broadcast(r, &pb.ControlMessage{UserLeftSession: &pb.UserLeftEvent{
			SessionID: r.ID,
			UserName:  gone.Pseudonym,
			AllUsers:  r.names(),
		}}, nil)
	}
}
