package client

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pb "github.com/NicolasHaas/byteswap/pkg/protocol/pb"
)

// State represents the client's position in the match and session flow.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected   // authenticated, not negotiating
	StateNegotiating // a partner request is outstanding in either direction
	StatePaired      // request accepted, room not joined yet
	StateInRoom      // joined, waiting for the session to start
	StateInSession
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateNegotiating:
		return "negotiating"
	case StatePaired:
		return "paired"
	case StateInRoom:
		return "in room"
	case StateInSession:
		return "in session"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrNoMatch      = errors.New("client: no such match")
	ErrNoRequest    = errors.New("client: no pending partner request")
	ErrNoSession    = errors.New("client: not paired with a partner")
)

// DefaultPollInterval is used when the server does not announce one.
const DefaultPollInterval = 4 * time.Second

// Engine tracks the client side of the matchmaking flow on top of a
// ControlClient and reports server events through callbacks.
type Engine struct {
	mu sync.RWMutex

	state        State
	userID       string
	name         string
	pollInterval time.Duration

	control *ControlClient

	teach, learn []string
	matches      []pb.MatchCandidate
	incoming     *pb.PartnerRequestEvent
	sessionID    string
	roster       []string
	stopPoll     chan struct{}

	// Callbacks. They run on the receive goroutine.
	OnStateChange     func(state State)
	OnMatches         func(perfect, fallback []pb.MatchCandidate)
	OnPartnerRequest  func(req pb.PartnerRequestEvent)
	OnRequestSent     func(partnerName, sessionID string)
	OnRequestAccepted func(sessionID string)
	OnRequestClosed   func(reason string)
	OnRoster          func(sessionID string, users []string)
	OnSessionStarted  func(sessionID, startedBy string, at time.Time)
	OnSessionEnded    func(sessionID, reason, by string)
	OnChatMessage     func(sender, text string, ts time.Time)
	OnTyping          func(sender string, typing bool)
	OnError           func(err error)
	OnDisconnect      func(reason string)
}

// NewEngine creates a new client engine.
func NewEngine() *Engine {
	return &Engine{state: StateDisconnected}
}

// Connect dials the server and authenticates as userID.
func (e *Engine) Connect(addr, userID, token string) error {
	e.mu.Lock()
	if e.state != StateDisconnected {
		e.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	e.state = StateConnecting
	e.mu.Unlock()

	e.notifyStateChange(StateConnecting)

	ctrl, err := Dial(addr)
	if err != nil {
		e.setState(StateDisconnected)
		return err
	}

	authResp, err := ctrl.Authenticate(userID, token)
	if err != nil {
		_ = ctrl.Close()
		e.setState(StateDisconnected)
		return err
	}

	slog.Info("authenticated", "user", authResp.UserID, "name", authResp.Name)

	poll := time.Duration(authResp.PollIntervalMs) * time.Millisecond
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	e.mu.Lock()
	e.control = ctrl
	e.userID = authResp.UserID
	e.name = authResp.Name
	e.pollInterval = poll
	e.state = StateConnected
	e.mu.Unlock()

	ctrl.SetEventHandler(e.handleEvent)
	ctrl.StartReceiving()
	go func() {
		<-ctrl.Done()
		e.handleDisconnect("connection closed")
	}()

	e.notifyStateChange(StateConnected)
	return nil
}

// FindMatches submits skill sets and keeps resubmitting them every poll
// interval until a negotiation starts or StopSearching is called.
func (e *Engine) FindMatches(teach, learn []string) error {
	e.mu.Lock()
	e.teach = append([]string(nil), teach...)
	e.learn = append([]string(nil), learn...)
	e.stopPollingLocked()
	stop := make(chan struct{})
	e.stopPoll = stop
	interval := e.pollInterval
	e.mu.Unlock()

	if err := e.sendFind(); err != nil {
		return err
	}
	go e.pollLoop(interval, stop)
	return nil
}

// StopSearching stops polling and clears the preferences on the server.
func (e *Engine) StopSearching() error {
	e.mu.Lock()
	e.stopPollingLocked()
	e.matches = nil
	e.mu.Unlock()
	return e.send(&pb.ControlMessage{ClearPreferences: &pb.ClearPreferencesRequest{}})
}

func (e *Engine) pollLoop(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if e.GetState() != StateConnected {
				continue
			}
			if err := e.sendFind(); err != nil {
				return
			}
		}
	}
}

func (e *Engine) sendFind() error {
	e.mu.RLock()
	req := &pb.FindMatchesRequest{TeachSkills: e.teach, LearnSkills: e.learn}
	e.mu.RUnlock()
	return e.send(&pb.ControlMessage{FindMatches: req})
}

func (e *Engine) stopPollingLocked() {
	if e.stopPoll != nil {
		close(e.stopPoll)
		e.stopPoll = nil
	}
}

// Select sends a partner request to the match at index i of Matches.
func (e *Engine) Select(i int) error {
	e.mu.RLock()
	if i < 0 || i >= len(e.matches) {
		e.mu.RUnlock()
		return ErrNoMatch
	}
	c := e.matches[i]
	e.mu.RUnlock()
	return e.send(&pb.ControlMessage{SelectPartner: &pb.SelectPartnerRequest{PartnerID: c.UserID, SessionID: c.SessionID}})
}

// Accept accepts the last incoming partner request.
func (e *Engine) Accept() error {
	req, err := e.pendingRequest()
	if err != nil {
		return err
	}
	return e.send(&pb.ControlMessage{AcceptPartner: &pb.PartnerResponseRequest{RequesterID: req.RequesterID, SessionID: req.SessionID}})
}

// Reject declines the last incoming partner request.
func (e *Engine) Reject() error {
	req, err := e.pendingRequest()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.incoming = nil
	e.mu.Unlock()
	if err := e.send(&pb.ControlMessage{RejectPartner: &pb.PartnerResponseRequest{RequesterID: req.RequesterID, SessionID: req.SessionID}}); err != nil {
		return err
	}
	e.setState(StateConnected)
	return nil
}

func (e *Engine) pendingRequest() (pb.PartnerRequestEvent, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.incoming == nil {
		return pb.PartnerRequestEvent{}, ErrNoRequest
	}
	return *e.incoming, nil
}

// Join enters the session room of the accepted pairing.
func (e *Engine) Join() error {
	sid, err := e.currentSession()
	if err != nil {
		return err
	}
	return e.send(&pb.ControlMessage{JoinSession: &pb.SessionRequest{SessionID: sid}})
}

// Start starts the joined session.
func (e *Engine) Start() error {
	sid, err := e.currentSession()
	if err != nil {
		return err
	}
	return e.send(&pb.ControlMessage{StartSession: &pb.SessionRequest{SessionID: sid}})
}

// Say sends a chat message into the session room.
func (e *Engine) Say(text string) error {
	sid, err := e.currentSession()
	if err != nil {
		return err
	}
	return e.send(&pb.ControlMessage{SendMessage: &pb.SendMessageRequest{SessionID: sid, Message: text}})
}

// Typing reports a typing indicator change.
func (e *Engine) Typing(typing bool) error {
	sid, err := e.currentSession()
	if err != nil {
		return err
	}
	req := &pb.SessionRequest{SessionID: sid}
	if typing {
		return e.send(&pb.ControlMessage{TypingStart: req})
	}
	return e.send(&pb.ControlMessage{TypingStop: req})
}

// End terminates the session manually.
func (e *Engine) End() error {
	sid, err := e.currentSession()
	if err != nil {
		return err
	}
	return e.send(&pb.ControlMessage{TerminateSession: &pb.TerminateRequest{SessionID: sid, Reason: "manual"}})
}

func (e *Engine) currentSession() (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.sessionID == "" {
		return "", ErrNoSession
	}
	return e.sessionID, nil
}

// Ping sends a keepalive.
func (e *Engine) Ping() error {
	return e.send(&pb.ControlMessage{Ping: &pb.Ping{Timestamp: time.Now().UnixMilli()}})
}

func (e *Engine) send(msg *pb.ControlMessage) error {
	e.mu.RLock()
	ctrl := e.control
	e.mu.RUnlock()
	if ctrl == nil {
		return ErrNotConnected
	}
	return ctrl.Send(msg)
}

func (e *Engine) handleEvent(msg *pb.ControlMessage) {
	switch {
	case msg.MatchResults != nil:
		all := make([]pb.MatchCandidate, 0, len(msg.MatchResults.Perfect)+len(msg.MatchResults.Fallback))
		all = append(all, msg.MatchResults.Perfect...)
		all = append(all, msg.MatchResults.Fallback...)
		e.mu.Lock()
		e.matches = all
		e.mu.Unlock()
		if e.OnMatches != nil {
			e.OnMatches(msg.MatchResults.Perfect, msg.MatchResults.Fallback)
		}

	case msg.PreferencesCleared != nil:
		slog.Debug("preferences cleared")

	case msg.PartnerRequest != nil:
		req := *msg.PartnerRequest
		e.mu.Lock()
		e.incoming = &req
		e.stopPollingLocked()
		e.mu.Unlock()
		e.setState(StateNegotiating)
		if e.OnPartnerRequest != nil {
			e.OnPartnerRequest(req)
		}

	case msg.RequestSent != nil:
		e.mu.Lock()
		e.stopPollingLocked()
		e.mu.Unlock()
		e.setState(StateNegotiating)
		if e.OnRequestSent != nil {
			e.OnRequestSent(msg.RequestSent.PartnerName, msg.RequestSent.SessionID)
		}

	case msg.RequestAccepted != nil:
		e.mu.Lock()
		e.incoming = nil
		e.sessionID = msg.RequestAccepted.SessionID
		e.mu.Unlock()
		e.setState(StatePaired)
		if e.OnRequestAccepted != nil {
			e.OnRequestAccepted(msg.RequestAccepted.SessionID)
		}

	case msg.RequestRejected != nil:
		e.closeRequest("rejected")

	case msg.RequestExpired != nil:
		e.closeRequest("expired")

	case msg.UserBusy != nil:
		e.closeRequest("partner busy")

	case msg.PartnerNotAvailable != nil:
		e.closeRequest("partner not available")

	case msg.UserJoinedSession != nil:
		e.updateRoster(msg.UserJoinedSession.SessionID, msg.UserJoinedSession.AllUsers)
		if e.GetState() == StatePaired {
			e.setState(StateInRoom)
		}

	case msg.UserLeftSession != nil:
		e.updateRoster(msg.UserLeftSession.SessionID, msg.UserLeftSession.AllUsers)

	case msg.SessionStarted != nil:
		ev := msg.SessionStarted
		e.setState(StateInSession)
		if e.OnSessionStarted != nil {
			e.OnSessionStarted(ev.SessionID, ev.StartedBy, time.UnixMilli(ev.StartTime))
		}

	case msg.SessionTerminated != nil:
		ev := msg.SessionTerminated
		e.endSession()
		if e.OnSessionEnded != nil {
			e.OnSessionEnded(ev.SessionID, ev.Reason, ev.TerminatedBy)
		}

	case msg.SessionClosed != nil:
		e.endSession()
		if e.OnSessionEnded != nil {
			e.OnSessionEnded(msg.SessionClosed.SessionID, "closed", "")
		}

	case msg.ReceiveMessage != nil:
		ev := msg.ReceiveMessage
		ts, err := time.Parse(time.RFC3339Nano, ev.Timestamp)
		if err != nil {
			ts = time.Now()
		}
		if e.OnChatMessage != nil {
			e.OnChatMessage(ev.SenderName, ev.Message, ts)
		}

	case msg.UserTyping != nil:
		if e.OnTyping != nil {
			e.OnTyping(msg.UserTyping.SenderName, msg.UserTyping.Typing)
		}

	case msg.AuthResponse != nil:
		e.mu.Lock()
		e.userID = msg.AuthResponse.UserID
		e.name = msg.AuthResponse.Name
		e.mu.Unlock()

	case msg.AuthenticationRequired != nil:
		e.handleDisconnect(msg.AuthenticationRequired.Message)

	case msg.ErrorResponse != nil:
		slog.Error("server error", "code", msg.ErrorResponse.Code, "msg", msg.ErrorResponse.Message)
		if e.OnError != nil {
			e.OnError(&ServerError{Code: msg.ErrorResponse.Code, Message: msg.ErrorResponse.Message})
		}

	case msg.Pong != nil:
		// Ping/pong handled silently
	}
}

func (e *Engine) closeRequest(reason string) {
	e.mu.Lock()
	e.incoming = nil
	e.mu.Unlock()
	e.setState(StateConnected)
	if e.OnRequestClosed != nil {
		e.OnRequestClosed(reason)
	}
}

func (e *Engine) updateRoster(sessionID string, users []string) {
	e.mu.Lock()
	e.roster = append([]string(nil), users...)
	e.mu.Unlock()
	if e.OnRoster != nil {
		e.OnRoster(sessionID, users)
	}
}

func (e *Engine) endSession() {
	e.mu.Lock()
	e.sessionID = ""
	e.roster = nil
	e.matches = nil
	e.mu.Unlock()
	e.setState(StateConnected)
}

// Disconnect closes the connection to the server.
func (e *Engine) Disconnect() {
	e.handleDisconnect("user disconnected")
}

// GetState returns the current state.
func (e *Engine) GetState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetUserID returns the authenticated user id.
func (e *Engine) GetUserID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.userID
}

// GetName returns the authenticated display name.
func (e *Engine) GetName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.name
}

// Matches returns the last match list, perfect matches first.
func (e *Engine) Matches() []pb.MatchCandidate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]pb.MatchCandidate, len(e.matches))
	copy(out, e.matches)
	return out
}

// SessionID returns the paired session id, or "" when unpaired.
func (e *Engine) SessionID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionID
}

// Roster returns the last announced room roster.
func (e *Engine) Roster() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.roster...)
}

func (e *Engine) handleDisconnect(reason string) {
	e.mu.Lock()
	if e.state == StateDisconnected {
		e.mu.Unlock()
		return
	}
	e.state = StateDisconnected
	e.stopPollingLocked()
	ctrl := e.control
	e.control = nil
	e.incoming = nil
	e.sessionID = ""
	e.roster = nil
	e.matches = nil
	e.mu.Unlock()

	if ctrl != nil {
		_ = ctrl.Close()
	}

	slog.Info("disconnected", "reason", reason)
	e.notifyStateChange(StateDisconnected)
	if e.OnDisconnect != nil {
		e.OnDisconnect(reason)
	}
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	changed := e.state != state && e.state != StateDisconnected
	if changed {
		e.state = state
	}
	e.mu.Unlock()
	if changed {
		e.notifyStateChange(state)
	}
}

func (e *Engine) notifyStateChange(state State) {
	if e.OnStateChange != nil {
		e.OnStateChange(state)
	}
}
