package server

import (
	"log/slog"
	"sync"

	pb "github.com/NicolasHaas/byteswap/pkg/protocol/pb"
	"github.com/google/uuid"
)

// sendQueueSize bounds the events buffered for one client.
const sendQueueSize = 128

// peer adapts a transport to engine.Conn. Send never blocks: events go to a
// buffered queue drained by writeLoop, and a client that lets the queue fill
// up is disconnected.
type peer struct {
	id string
	t  transport

	out  chan *pb.ControlMessage
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newPeer(t transport) *peer {
	return &peer{
		id:   uuid.NewString(),
		t:    t,
		out:  make(chan *pb.ControlMessage, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (p *peer) ID() string { return p.id }

func (p *peer) Send(msg *pb.ControlMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.out <- msg:
		return true
	default:
		slog.Warn("send queue full, dropping client", "conn", p.id, "remote", p.t.RemoteAddr())
		p.closeLocked()
		return false
	}
}

func (p *peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *peer) closeLocked() {
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
	_ = p.t.Close()
}

// writeLoop writes queued events until the peer is closed.
func (p *peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.out:
			if err := p.t.WriteMessage(msg); err != nil {
				slog.Debug("client write failed", "conn", p.id, "err", err)
				_ = p.Close()
				return
			}
		}
	}
}
