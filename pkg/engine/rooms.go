package engine

import (
	"time"

	pb "github.com/NicolasHaas/byteswap/pkg/protocol/pb"
)

// MaxMembers is the room capacity; sessions are strictly one-on-one.
const MaxMembers = 2

// Member is one participant of a room.
type Member struct {
	Conn      Conn
	UserID    string
	Pseudonym string
}

// Room is the in-memory state of one session.
type Room struct {
	ID                string
	Members           []Member
	Started           bool
	StartTime         time.Time
	RefreshTerminated bool
	TerminatedBy      string

	expiry Timer // session lifetime
	grace  Timer // deferred deletion after a disconnect
}

func (r *Room) names() []string {
	names := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		names = append(names, m.Pseudonym)
	}
	return names
}

func (r *Room) memberByConn(c Conn) int {
	for i, m := range r.Members {
		if m.Conn.ID() == c.ID() {
			return i
		}
	}
	return -1
}

func (r *Room) memberByUser(userID string) int {
	for i, m := range r.Members {
		if m.UserID == userID {
			return i
		}
	}
	return -1
}

func (r *Room) remove(i int) Member {
	m := r.Members[i]
	r.Members = append(r.Members[:i:i], r.Members[i+1:]...)
	return m
}

func (r *Room) stopTimers() {
	stopTimer(r.expiry)
	stopTimer(r.grace)
	r.expiry, r.grace = nil, nil
}

// broadcast sends msg to every member except the connection skip (nil = none).
func (e *Engine) broadcast(r *Room, msg *pb.ControlMessage, skip Conn) {
	for _, m := range r.Members {
		if skip != nil && m.Conn.ID() == skip.ID() {
			continue
		}
		e.send(m.Conn, msg)
	}
}

// RoomInfo is a copy of a room's public state.
type RoomInfo struct {
	ID                string
	Members           []string // pseudonyms in join order
	Started           bool
	StartTime         time.Time
	RefreshTerminated bool
	TerminatedBy      string
}

func (r *Room) info() RoomInfo {
	return RoomInfo{
		ID:                r.ID,
		Members:           r.names(),
		Started:           r.Started,
		StartTime:         r.StartTime,
		RefreshTerminated: r.RefreshTerminated,
		TerminatedBy:      r.TerminatedBy,
	}
}

// roomTable holds live rooms by session id. It is not safe for concurrent
// use; Engine.mu guards it.
type roomTable struct {
	byID map[string]*Room
}

func newRoomTable() *roomTable {
	return &roomTable{byID: make(map[string]*Room)}
}

func (t *roomTable) get(id string) *Room {
	return t.byID[id]
}

func (t *roomTable) create(id string) *Room {
	r := &Room{ID: id}
	t.byID[id] = r
	return r
}

// deleteIf removes the room only if id still maps to r.
func (t *roomTable) deleteIf(id string, r *Room) bool {
	if cur, ok := t.byID[id]; ok && cur == r {
		delete(t.byID, id)
		return true
	}
	return false
}

func (t *roomTable) len() int {
	return len(t.byID)
}
