package engine

// Reap deletes every lock whose user has no live connection and returns how
// many were removed.
func (e *Engine) Reap() int {
	var n int
	_ = e.do(func(tx *txn) error {
		for userID, l := range e.locks.byUser {
			if e.reg.lookup(userID) != nil {
				continue
			}
			e.locks.releaseIf(userID, l)
			if l.neg != nil && l.Phase == PhaseRequesting {
				e.cancelNegotiationLocked(l.neg, userID)
			}
			e.log.Info("orphaned lock reaped", "user", userID, "session", l.SessionID)
			n++
		}
		return nil
	})
	e.metrics.LocksReaped.Add(int64(n))
	return n
}
