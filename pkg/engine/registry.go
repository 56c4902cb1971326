package engine

// connState is what the engine knows about one connection.
type connState struct {
	conn   Conn
	userID string
	rooms  map[string]struct{} // session ids this connection is a member of
}

// registry maps user identities to their current connection and tracks every
// authenticated connection. It is not safe for concurrent use; Engine.mu
// guards it.
type registry struct {
	byUser map[string]Conn
	byConn map[string]*connState
}

func newRegistry() *registry {
	return &registry{
		byUser: make(map[string]Conn),
		byConn: make(map[string]*connState),
	}
}

// bind makes c the handle for userID and returns the handle it replaced.
func (r *registry) bind(userID string, c Conn) Conn {
	prev := r.byUser[userID]
	r.byUser[userID] = c
	if cs, ok := r.byConn[c.ID()]; ok && cs.userID == userID {
		return prev
	}
	r.byConn[c.ID()] = &connState{conn: c, userID: userID, rooms: make(map[string]struct{})}
	return prev
}

// unbind removes the user mapping only while c is still its handle.
func (r *registry) unbind(userID string, c Conn) bool {
	cur, ok := r.byUser[userID]
	if !ok || cur.ID() != c.ID() {
		return false
	}
	delete(r.byUser, userID)
	return true
}

func (r *registry) lookup(userID string) Conn {
	return r.byUser[userID]
}

// isBound reports whether c is the current handle of userID.
func (r *registry) isBound(userID string, c Conn) bool {
	cur, ok := r.byUser[userID]
	return ok && cur.ID() == c.ID()
}

func (r *registry) state(c Conn) *connState {
	return r.byConn[c.ID()]
}

func (r *registry) forget(c Conn) {
	delete(r.byConn, c.ID())
}

// users returns the number of bound users.
func (r *registry) users() int {
	return len(r.byUser)
}
