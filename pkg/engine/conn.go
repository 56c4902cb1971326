package engine

import (
	pb "github.com/NicolasHaas/byteswap/pkg/protocol/pb"
)

// Conn is a live client connection as seen by the engine.
//
// Send must not block: implementations queue the message and report false
// when the message could not be queued (closed or slow consumer).
type Conn interface {
	ID() string
	Send(msg *pb.ControlMessage) bool
	Close() error
}

// send delivers msg to c, logging a drop.
func (e *Engine) send(c Conn, msg *pb.ControlMessage) {
	if c == nil {
		return
	}
	if !c.Send(msg) {
		e.log.Debug("outbound message dropped", "conn", c.ID())
	}
}

// sendUser delivers msg to the connection currently bound to userID, if any.
func (e *Engine) sendUser(userID string, msg *pb.ControlMessage) bool {
	c := e.reg.lookup(userID)
	if c == nil {
		return false
	}
	e.send(c, msg)
	return true
}
