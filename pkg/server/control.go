package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/NicolasHaas/byteswap/pkg/crypto"
	"github.com/NicolasHaas/byteswap/pkg/datastore"
	"github.com/NicolasHaas/byteswap/pkg/engine"
	"github.com/NicolasHaas/byteswap/pkg/match"
	"github.com/NicolasHaas/byteswap/pkg/model"
	pb "github.com/NicolasHaas/byteswap/pkg/protocol/pb"
)

// Error codes carried in error_response.
const (
	codeProtocol = 1
	codeAuth     = 2
	codeInternal = 3

	codeNoSkills      = 10
	codeInvalidSkills = 11

	codeSelfSelect      = 20
	codeSessionMismatch = 21
	codeNoRequest       = 22
	codeBusy            = 23
	codeUnreachable     = 24

	codeNotMember      = 30
	codeRoomFull       = 31
	codeStaleRoom      = 32
	codeTerminatedRoom = 33
	codeInvalidMessage = 34
)

// maxUserIDLength bounds the user id accepted by authenticate.
const maxUserIDLength = 64

var (
	errUnknownCommand     = errors.New("unknown command")
	errTokenRequired      = errors.New("token required")
	errInvalidCredentials = errors.New("invalid user id or token")
	errInvalidUserID      = fmt.Errorf("user id must be 1-%d characters without spaces", maxUserIDLength)
)

// StartControl starts the TCP/TLS control listener.
func (s *Server) StartControl() error {
	cert, err := loadOrGenerateTLS(s.cfg)
	if err != nil {
		return fmt.Errorf("server: tls: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}

	ln, err := tls.Listen("tcp", s.cfg.ControlAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("server: listen control: %w", err)
	}
	s.controlConn = ln
	s.log.Info("control plane listening", "addr", ln.Addr().String())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					s.log.Error("accept error", "err", err)
					continue
				}
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveConn(&tlsTransport{conn: conn})
			}()
		}
	}()

	return nil
}

// serveConn runs one client connection: authenticate, then dispatch commands
// until the client goes away.
func (s *Server) serveConn(t transport) {
	defer func() { _ = t.Close() }()
	if !s.track(t) {
		return
	}
	defer s.untrack(t)

	remoteAddr := t.RemoteAddr()
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	defer s.metrics.ActiveConnections.Add(-1)
	s.log.Debug("new connection", "remote", remoteAddr)

	// First message must be authenticate
	_ = t.SetReadDeadline(time.Now().Add(authTimeout))
	msg, err := t.ReadMessage()
	if err != nil {
		s.log.Debug("auth read failed", "remote", remoteAddr, "err", err)
		return
	}
	if msg.AuthRequest == nil {
		writeError(t, codeProtocol, "first message must be authenticate")
		return
	}
	user, err := s.authenticate(s.ctx, msg.AuthRequest)
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		s.log.Info("authentication failed", "remote", remoteAddr, "user", msg.AuthRequest.UserID, "err", err)
		if errorCode(err) == codeInternal {
			writeError(t, codeInternal, "internal error")
			return
		}
		writeError(t, codeAuth, "authentication failed: "+err.Error())
		return
	}

	p := newPeer(t)
	if err := s.engine.Bind(p, user.ID); err != nil {
		writeError(t, codeInternal, "internal error")
		return
	}
	defer func() {
		// Cleanup on disconnect
		s.engine.Disconnect(p)
		_ = p.Close()
		s.metrics.TotalDisconnects.Add(1)
		s.log.Info("client disconnected", "user", user.ID, "conn", p.id)
	}()

	// Events queued by Bind wait for writeLoop, so auth_response goes first.
	if err := t.WriteMessage(s.authResponse(user)); err != nil {
		s.log.Error("auth response write failed", "err", err)
		return
	}
	s.metrics.SuccessfulAuths.Add(1)
	s.log.Info("client authenticated", "user", user.ID, "conn", p.id, "remote", remoteAddr)

	go p.writeLoop()
	t.keepalive(p.done)

	// Message loop
	for {
		msg, err := t.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedErr(err) {
				s.log.Debug("read error", "conn", p.id, "err", err)
			}
			return
		}
		s.handleMessage(p, msg)
	}
}

// authenticate resolves the user an authenticate request names.
func (s *Server) authenticate(ctx context.Context, req *pb.AuthRequest) (*model.User, error) {
	id := req.UserID
	if id == "" {
		return nil, model.ErrUserIDEmpty
	}
	if utf8.RuneCountInString(id) > maxUserIDLength || strings.ContainsFunc(id, isSpaceOrControl) {
		return nil, errInvalidUserID
	}

	st := s.store.NonTx()
	var user *model.User
	var err error
	if req.Token == "" {
		if !s.cfg.Open {
			return nil, errTokenRequired
		}
		user, err = st.EnsureUser(ctx, id)
		if err != nil {
			return nil, err
		}
		// Users created with a token keep needing it.
		if user.TokenHash != "" {
			return nil, errTokenRequired
		}
	} else {
		user, err = st.GetUser(ctx, id)
		if errors.Is(err, datastore.ErrUserNotFound) {
			return nil, errInvalidCredentials
		}
		if err != nil {
			return nil, err
		}
		if err := crypto.VerifyToken(req.Token, user.TokenHash); err != nil {
			return nil, errInvalidCredentials
		}
	}

	if err := st.TouchLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		s.log.Warn("record login failed", "user", user.ID, "err", err)
	}
	return user, nil
}

func isSpaceOrControl(r rune) bool {
	return r <= ' ' || r == 0x7f
}

func (s *Server) authResponse(u *model.User) *pb.ControlMessage {
	e := s.cfg.Engine
	return &pb.ControlMessage{AuthResponse: &pb.AuthResponse{
		UserID:               u.ID,
		Name:                 u.Name,
		PollIntervalMs:       e.PollInterval.Milliseconds(),
		NegotiationTimeoutMs: e.NegotiationTimeout.Milliseconds(),
		SessionDurationMs:    e.SessionDuration.Milliseconds(),
	}}
}

// handleMessage dispatches a control message to the engine or match service.
func (s *Server) handleMessage(p *peer, msg *pb.ControlMessage) {
	var err error
	switch {
	case msg.AuthRequest != nil:
		err = s.handleReauth(p, msg.AuthRequest)

	case msg.FindMatches != nil:
		err = s.handleFindMatches(p, msg.FindMatches)

	case msg.ClearPreferences != nil:
		err = s.handleClearPreferences(p)

	case msg.SelectPartner != nil:
		err = s.engine.Select(p, msg.SelectPartner.PartnerID, msg.SelectPartner.SessionID)

	case msg.AcceptPartner != nil:
		err = s.engine.Accept(p, msg.AcceptPartner.RequesterID, msg.AcceptPartner.SessionID)

	case msg.RejectPartner != nil:
		err = s.engine.Reject(p, msg.RejectPartner.RequesterID)

	case msg.JoinSession != nil:
		err = s.engine.Join(p, msg.JoinSession.SessionID)

	case msg.StartSession != nil:
		err = s.engine.Start(p, msg.StartSession.SessionID)

	case msg.SendMessage != nil:
		err = s.engine.SendMessage(p, msg.SendMessage.SessionID, msg.SendMessage.Message)

	case msg.TypingStart != nil:
		err = s.engine.Typing(p, msg.TypingStart.SessionID, true)

	case msg.TypingStop != nil:
		err = s.engine.Typing(p, msg.TypingStop.SessionID, false)

	case msg.TerminateSession != nil:
		err = s.engine.Terminate(p, msg.TerminateSession.SessionID, msg.TerminateSession.Reason)

	case msg.Ping != nil:
		p.Send(&pb.ControlMessage{Pong: &pb.Pong{Timestamp: msg.Ping.Timestamp}})

	default:
		err = errUnknownCommand
	}
	if err != nil {
		s.replyError(p, err)
	}
}

// handleReauth binds the connection to another identity. A failed attempt
// leaves the current binding in place.
func (s *Server) handleReauth(p *peer, req *pb.AuthRequest) error {
	user, err := s.authenticate(s.ctx, req)
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		return fmt.Errorf("authentication failed: %w", err)
	}
	if err := s.engine.Bind(p, user.ID); err != nil {
		return err
	}
	s.metrics.SuccessfulAuths.Add(1)
	p.Send(s.authResponse(user))
	s.log.Info("client re-authenticated", "user", user.ID, "conn", p.id)
	return nil
}

// requireUser returns the identity bound to p, telling the client to
// authenticate when there is none.
func (s *Server) requireUser(p *peer) (string, error) {
	userID, ok := s.engine.UserOf(p)
	if !ok {
		p.Send(&pb.ControlMessage{AuthenticationRequired: &pb.AuthenticationRequired{
			Message: "authenticate before sending commands",
		}})
		return "", engine.ErrUnauthenticated
	}
	return userID, nil
}

func (s *Server) handleFindMatches(p *peer, req *pb.FindMatchesRequest) error {
	userID, err := s.requireUser(p)
	if err != nil {
		return err
	}
	res, err := s.matcher.Find(s.ctx, userID, req.TeachSkills, req.LearnSkills)
	if err != nil {
		return err
	}
	p.Send(&pb.ControlMessage{MatchResults: &pb.MatchResults{
		Perfect:  toCandidates(res.Perfect),
		Fallback: toCandidates(res.Partial),
	}})
	return nil
}

func toCandidates(cs []match.Candidate) []pb.MatchCandidate {
	out := make([]pb.MatchCandidate, 0, len(cs))
	for _, c := range cs {
		out = append(out, pb.MatchCandidate{
			UserID:           c.UserID,
			Name:             c.Name,
			TeachSkills:      c.TeachSkills,
			LearnSkills:      c.LearnSkills,
			MatchType:        string(c.Kind),
			SessionID:        c.SessionID,
			UserPseudonym:    c.UserPseudonym,
			PartnerPseudonym: c.PartnerPseudonym,
		})
	}
	return out
}

func (s *Server) handleClearPreferences(p *peer) error {
	userID, err := s.requireUser(p)
	if err != nil {
		return err
	}
	if err := s.matcher.Clear(s.ctx, userID); err != nil {
		return err
	}
	p.Send(&pb.ControlMessage{PreferencesCleared: &pb.PreferencesCleared{}})
	return nil
}

// replyError sends error_response for err unless the engine already told the
// client with a dedicated event.
func (s *Server) replyError(p *peer, err error) {
	if notified(err) {
		return
	}
	code, message := errorCode(err), err.Error()
	if code == codeInternal {
		s.log.Error("command failed", "conn", p.id, "err", err)
		message = "internal error"
	}
	p.Send(&pb.ControlMessage{ErrorResponse: &pb.ErrorResponse{Code: code, Message: message}})
}

// notified reports whether the engine sent its own event for err.
func notified(err error) bool {
	return errors.Is(err, engine.ErrUnauthenticated) ||
		errors.Is(err, engine.ErrBusy) ||
		errors.Is(err, engine.ErrUnreachable) ||
		errors.Is(err, engine.ErrStaleRoom) ||
		errors.Is(err, engine.ErrTerminatedRoom)
}

// errorCode maps err to the error_response code.
func errorCode(err error) int32 {
	switch {
	case errors.Is(err, errUnknownCommand):
		return codeProtocol
	case errors.Is(err, engine.ErrUnauthenticated),
		errors.Is(err, errTokenRequired),
		errors.Is(err, errInvalidCredentials),
		errors.Is(err, errInvalidUserID),
		errors.Is(err, model.ErrUserIDEmpty):
		return codeAuth
	case errors.Is(err, model.ErrNoSkills):
		return codeNoSkills
	case errors.Is(err, model.ErrTooManySkills), errors.Is(err, model.ErrSkillTooLong):
		return codeInvalidSkills
	case errors.Is(err, engine.ErrSelfSelect):
		return codeSelfSelect
	case errors.Is(err, engine.ErrSessionMismatch):
		return codeSessionMismatch
	case errors.Is(err, engine.ErrNoRequest):
		return codeNoRequest
	case errors.Is(err, engine.ErrBusy):
		return codeBusy
	case errors.Is(err, engine.ErrUnreachable):
		return codeUnreachable
	case errors.Is(err, engine.ErrNotMember):
		return codeNotMember
	case errors.Is(err, engine.ErrRoomFull):
		return codeRoomFull
	case errors.Is(err, engine.ErrStaleRoom):
		return codeStaleRoom
	case errors.Is(err, engine.ErrTerminatedRoom):
		return codeTerminatedRoom
	case errors.Is(err, model.ErrMessageEmpty), errors.Is(err, model.ErrMessageTooLong):
		return codeInvalidMessage
	default:
		return codeInternal
	}
}

func writeError(t transport, code int32, message string) {
	_ = t.WriteMessage(&pb.ControlMessage{
		ErrorResponse: &pb.ErrorResponse{Code: code, Message: message},
	})
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "tls: use of closed connection")
}
