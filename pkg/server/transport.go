package server

import (
	"fmt"
	"net"
	"time"

	"github.com/NicolasHaas/byteswap/pkg/protocol"
	pb "github.com/NicolasHaas/byteswap/pkg/protocol/pb"
	"github.com/gorilla/websocket"
)

const (
	authTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// transport reads and writes control messages on one client connection.
// ReadMessage is called from one goroutine and WriteMessage from another.
type transport interface {
	ReadMessage() (*pb.ControlMessage, error)
	WriteMessage(msg *pb.ControlMessage) error
	SetReadDeadline(t time.Time) error
	// keepalive runs after authentication until done is closed.
	keepalive(done <-chan struct{})
	RemoteAddr() string
	Close() error
}

// tlsTransport carries length-prefixed frames over a TLS stream.
type tlsTransport struct {
	conn net.Conn
}

func (t *tlsTransport) ReadMessage() (*pb.ControlMessage, error) {
	return protocol.ReadControlMessage(t.conn)
}

func (t *tlsTransport) WriteMessage(msg *pb.ControlMessage) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return protocol.WriteControlMessage(t.conn, msg)
}

func (t *tlsTransport) SetReadDeadline(d time.Time) error { return t.conn.SetReadDeadline(d) }

// keepalive clears the auth deadline; idle control streams stay open.
func (t *tlsTransport) keepalive(<-chan struct{}) { _ = t.conn.SetReadDeadline(time.Time{}) }

func (t *tlsTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

func (t *tlsTransport) Close() error { return t.conn.Close() }

// wsTransport carries one JSON message per WebSocket text frame.
type wsTransport struct {
	ws *websocket.Conn
}

func newWSTransport(ws *websocket.Conn) *wsTransport {
	ws.SetReadLimit(protocol.MaxControlMessage)
	return &wsTransport{ws: ws}
}

func (t *wsTransport) ReadMessage() (*pb.ControlMessage, error) {
	typ, data, err := t.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if typ != websocket.TextMessage {
		return nil, fmt.Errorf("websocket: unexpected frame type %d", typ)
	}
	return protocol.Decode(data)
}

func (t *wsTransport) WriteMessage(msg *pb.ControlMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	_ = t.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) SetReadDeadline(d time.Time) error { return t.ws.SetReadDeadline(d) }

// keepalive pings the browser and drops the connection when pongs stop.
// WriteControl may run concurrently with WriteMessage.
func (t *wsTransport) keepalive(done <-chan struct{}) {
	_ = t.ws.SetReadDeadline(time.Now().Add(pongWait))
	t.ws.SetPongHandler(func(string) error {
		return t.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					_ = t.ws.Close()
					return
				}
			}
		}
	}()
}

func (t *wsTransport) RemoteAddr() string { return t.ws.RemoteAddr().String() }

func (t *wsTransport) Close() error { return t.ws.Close() }
