package engine

import (
	"github.com/NicolasHaas/byteswap/pkg/identity"
	pb "github.com/NicolasHaas/byteswap/pkg/protocol/pb"
)

// negotiation is one pending partner request. Both locks it wrote point to it.
type negotiation struct {
	requester string
	partner   string
	session   identity.Session // seen from the requester
	timer     Timer
}

func (n *negotiation) other(userID string) string {
	if userID == n.requester {
		return n.partner
	}
	return n.requester
}

// pendingLocked reports whether both locks of n are still in place and
// waiting for an answer.
func (e *Engine) pendingLocked(n *negotiation) bool {
	for _, id := range []string{n.requester, n.partner} {
		l := e.locks.get(id)
		if l == nil || l.neg != n || l.Phase != PhaseRequesting {
			return false
		}
	}
	return true
}

func (e *Engine) dropNegotiationLocked(n *negotiation) {
	stopTimer(n.timer)
	n.timer = nil
	delete(e.negs, n)
}

// cancelNegotiationLocked ends n after leaving lost its lock: the other
// party's lock is released and it is told the request is gone.
func (e *Engine) cancelNegotiationLocked(n *negotiation, leaving string) {
	e.dropNegotiationLocked(n)
	other := n.other(leaving)
	if l := e.locks.get(other); l != nil && l.neg == n && l.Phase == PhaseRequesting {
		e.locks.releaseIf(other, l)
		e.sendUser(other, &pb.ControlMessage{RequestExpired: &pb.RequestExpiredEvent{SessionID: n.session.ID}})
		e.log.Info("partner request cancelled", "user", other, "by", leaving, "session", n.session.ID)
	}
}

// Select sends a partner request from the user bound to c to partnerID.
//
// The busy check covers both parties and is done in the same critical section
// as the lock write, so locks are written for both or for neither. A vanished
// partner clears the requester's preferences since the list it matched
// against is stale.
func (e *Engine) Select(c Conn, partnerID, sessionID string) error {
	return e.do(func(tx *txn) error {
		requester, err := e.userOfLocked(c)
		if err != nil {
			return err
		}
		if partnerID == "" || partnerID == requester {
			return ErrSelfSelect
		}
		sess := identity.Derive(requester, partnerID)
		if sessionID != "" && sessionID != sess.ID {
			return ErrSessionMismatch
		}

		if e.locks.anyHeld(requester, partnerID) {
			e.metrics.RequestsBusy.Add(1)
			e.send(c, &pb.ControlMessage{UserBusy: &pb.UserBusyEvent{PartnerID: partnerID}})
			return ErrBusy
		}
		partnerConn := e.reg.lookup(partnerID)
		if partnerConn == nil {
			e.metrics.RequestsUnreachable.Add(1)
			e.send(c, &pb.ControlMessage{PartnerNotAvailable: &pb.PartnerNotAvailable{PartnerID: partnerID}})
			tx.clearPreferences(e.store, requester)
			return ErrUnreachable
		}

		now := e.clock.Now()
		n := &negotiation{requester: requester, partner: partnerID, session: sess}
		e.locks.put(&Lock{UserID: requester, SessionID: sess.ID, Phase: PhaseRequesting, Since: now, neg: n})
		e.locks.put(&Lock{UserID: partnerID, SessionID: sess.ID, Phase: PhaseRequesting, Since: now, neg: n})
		if e.negotiationTimeout > 0 {
			e.negs[n] = struct{}{}
			n.timer = e.after(e.negotiationTimeout, func(tx *txn) { e.expireLocked(n) })
		}

		e.send(partnerConn, &pb.ControlMessage{PartnerRequest: &pb.PartnerRequestEvent{
			RequesterID:   requester,
			RequesterName: sess.UserName,
			PartnerName:   sess.PartnerName,
			SessionID:     sess.ID,
		}})
		e.send(c, &pb.ControlMessage{RequestSent: &pb.RequestSentEvent{
			PartnerID:   partnerID,
			PartnerName: sess.PartnerName,
			SessionID:   sess.ID,
		}})
		e.metrics.RequestsSent.Add(1)
		e.log.Info("partner request sent", "user", requester, "partner", partnerID, "session", sess.ID)
		return nil
	})
}

// expireLocked releases both locks of a request nobody answered in time.
func (e *Engine) expireLocked(n *negotiation) {
	delete(e.negs, n)
	if !e.pendingLocked(n) {
		return
	}
	for _, id := range []string{n.requester, n.partner} {
		e.locks.releaseIf(id, e.locks.get(id))
		e.sendUser(id, &pb.ControlMessage{RequestExpired: &pb.RequestExpiredEvent{SessionID: n.session.ID}})
	}
	e.metrics.RequestsExpired.Add(1)
	e.log.Info("partner request expired", "user", n.requester, "partner", n.partner, "session", n.session.ID)
}

// negotiationFor returns the pending request from requesterID to partnerID.
func (e *Engine) negotiationFor(requesterID, partnerID, sessionID string) (*negotiation, error) {
	sess := identity.Derive(requesterID, partnerID)
	if sessionID != "" && sessionID != sess.ID {
		return nil, ErrSessionMismatch
	}
	l := e.locks.get(partnerID)
	if l == nil || l.neg == nil || l.neg.requester != requesterID || l.neg.partner != partnerID || !e.pendingLocked(l.neg) {
		return nil, ErrNoRequest
	}
	return l.neg, nil
}

// Accept answers a pending request from requesterID. Both users move to the
// confirmed phase and the requester is told, with both pseudonyms.
func (e *Engine) Accept(c Conn, requesterID, sessionID string) error {
	return e.do(func(tx *txn) error {
		accepter, err := e.userOfLocked(c)
		if err != nil {
			return err
		}
		n, err := e.negotiationFor(requesterID, accepter, sessionID)
		if err != nil {
			return err
		}
		e.dropNegotiationLocked(n)

		requesterConn := e.reg.lookup(requesterID)
		if requesterConn == nil {
			e.locks.release(requesterID)
			e.locks.release(accepter)
			e.metrics.RequestsUnreachable.Add(1)
			e.send(c, &pb.ControlMessage{PartnerNotAvailable: &pb.PartnerNotAvailable{PartnerID: requesterID}})
			return ErrUnreachable
		}

		e.locks.get(requesterID).Phase = PhaseConfirmed
		e.locks.get(accepter).Phase = PhaseConfirmed

		accepted := &pb.RequestAcceptedEvent{
			SessionID:     n.session.ID,
			RequesterName: n.session.UserName,
			AccepterName:  n.session.PartnerName,
		}
		e.send(requesterConn, &pb.ControlMessage{RequestAccepted: accepted})
		e.send(c, &pb.ControlMessage{RequestAccepted: accepted})
		e.metrics.RequestsAccepted.Add(1)
		e.log.Info("partner request accepted", "user", accepter, "requester", requesterID, "session", n.session.ID)
		return nil
	})
}

// Reject declines a pending request from requesterID. Both locks are released
// and both users' preferences cleared so they return to a clean pool.
func (e *Engine) Reject(c Conn, requesterID string) error {
	return e.do(func(tx *txn) error {
		rejecter, err := e.userOfLocked(c)
		if err != nil {
			return err
		}
		n, err := e.negotiationFor(requesterID, rejecter, "")
		if err != nil {
			return err
		}
		e.dropNegotiationLocked(n)

		e.sendUser(requesterID, &pb.ControlMessage{RequestRejected: &pb.RequestRejectedEvent{SessionID: n.session.ID}})
		e.locks.release(requesterID)
		e.locks.release(rejecter)
		tx.clearPreferences(e.store, requesterID)
		tx.clearPreferences(e.store, rejecter)
		e.metrics.RequestsRejected.Add(1)
		e.log.Info("partner request rejected", "user", rejecter, "requester", requesterID, "session", n.session.ID)
		return nil
	})
}
