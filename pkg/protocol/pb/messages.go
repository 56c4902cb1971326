// Package pb holds the control plane message types exchanged as JSON.
package pb

// ControlMessage wraps all control plane messages.
type ControlMessage struct {
	// Only one of these fields should be set.

	// Client -> server
	AuthRequest      *AuthRequest             `json:"authenticate,omitempty"`
	FindMatches      *FindMatchesRequest      `json:"find_matches,omitempty"`
	ClearPreferences *ClearPreferencesRequest `json:"clear_preferences,omitempty"`
	SelectPartner    *SelectPartnerRequest    `json:"select_partner,omitempty"`
	AcceptPartner    *PartnerResponseRequest  `json:"accept_partner_request,omitempty"`
	RejectPartner    *PartnerResponseRequest  `json:"reject_partner_request,omitempty"`
	JoinSession      *SessionRequest          `json:"join_session_room,omitempty"`
	StartSession     *SessionRequest          `json:"start_session,omitempty"`
	SendMessage      *SendMessageRequest      `json:"send_message,omitempty"`
	TypingStart      *SessionRequest          `json:"typing_start,omitempty"`
	TypingStop       *SessionRequest          `json:"typing_stop,omitempty"`
	TerminateSession *TerminateRequest        `json:"terminate_session,omitempty"`
	Ping             *Ping                    `json:"ping,omitempty"`

	// Server -> client
	AuthResponse           *AuthResponse           `json:"auth_response,omitempty"`
	AuthenticationRequired *AuthenticationRequired `json:"authentication_required,omitempty"`
	MatchResults           *MatchResults           `json:"match_results,omitempty"`
	PreferencesCleared     *PreferencesCleared     `json:"preferences_cleared,omitempty"`
	PartnerRequest         *PartnerRequestEvent    `json:"partner_request,omitempty"`
	RequestSent            *RequestSentEvent       `json:"request_sent,omitempty"`
	RequestAccepted        *RequestAcceptedEvent   `json:"request_accepted,omitempty"`
	RequestRejected        *RequestRejectedEvent   `json:"request_rejected,omitempty"`
	RequestExpired         *RequestExpiredEvent    `json:"request_expired,omitempty"`
	UserBusy               *UserBusyEvent          `json:"user_busy,omitempty"`
	PartnerNotAvailable    *PartnerNotAvailable    `json:"partner_not_available,omitempty"`
	UserJoinedSession      *UserJoinedEvent        `json:"user_joined_session,omitempty"`
	UserLeftSession        *UserLeftEvent          `json:"user_left_session,omitempty"`
	SessionStarted         *SessionStartedEvent    `json:"session_started,omitempty"`
	SessionTerminated      *SessionTerminatedEvent `json:"session_terminated,omitempty"`
	SessionClosed          *SessionClosedEvent     `json:"session_closed,omitempty"`
	ReceiveMessage         *ReceiveMessageEvent    `json:"receive_message,omitempty"`
	UserTyping             *UserTypingEvent        `json:"user_typing,omitempty"`
	ErrorResponse          *ErrorResponse          `json:"error_response,omitempty"`
	Pong                   *Pong                   `json:"pong,omitempty"`
}

// ----- Auth -----

type AuthRequest struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"` // may be empty when the server runs in open mode
}

type AuthResponse struct {
	UserID               string `json:"user_id"`
	Name                 string `json:"name"`
	PollIntervalMs       int64  `json:"poll_interval_ms"`
	NegotiationTimeoutMs int64  `json:"negotiation_timeout_ms"`
	SessionDurationMs    int64  `json:"session_duration_ms"`
}

type AuthenticationRequired struct {
	Message string `json:"message"`
}

// ----- Matching -----

type FindMatchesRequest struct {
	TeachSkills []string `json:"teach_skills"`
	LearnSkills []string `json:"learn_skills"`
}

type ClearPreferencesRequest struct{}

type PreferencesCleared struct{}

type MatchCandidate struct {
	UserID           string   `json:"user_id"`
	Name             string   `json:"name"`
	TeachSkills      []string `json:"skills_teaching"`
	LearnSkills      []string `json:"skills_learning"`
	MatchType        string   `json:"match_type"` // "perfect" or "partial"
	SessionID        string   `json:"session_id"`
	UserPseudonym    string   `json:"user_anonymous_name"`
	PartnerPseudonym string   `json:"partner_anonymous_name"`
}

type MatchResults struct {
	Perfect  []MatchCandidate `json:"perfect_matches"`
	Fallback []MatchCandidate `json:"fallback_matches"`
}

// ----- Negotiation -----

type SelectPartnerRequest struct {
	PartnerID string `json:"partner_id"`
	SessionID string `json:"session_id"` // optional, derived server-side
}

type PartnerResponseRequest struct {
	RequesterID string `json:"requester_id"`
	SessionID   string `json:"session_id,omitempty"`
}

type PartnerRequestEvent struct {
	RequesterID   string `json:"requester_id"`
	RequesterName string `json:"requester_name"`
	PartnerName   string `json:"partner_name"`
	SessionID     string `json:"session_id"`
}

type RequestSentEvent struct {
	PartnerID   string `json:"partner_id"`
	PartnerName string `json:"partner_name"`
	SessionID   string `json:"session_id"`
}

type RequestAcceptedEvent struct {
	SessionID     string `json:"session_id"`
	RequesterName string `json:"requester_name"`
	AccepterName  string `json:"accepter_name"`
}

type RequestRejectedEvent struct {
	SessionID string `json:"session_id"`
}

type RequestExpiredEvent struct {
	SessionID string `json:"session_id"`
}

type UserBusyEvent struct {
	PartnerID string `json:"partner_id"`
}

type PartnerNotAvailable struct {
	PartnerID string `json:"partner_id"`
}

// ----- Session room -----

type SessionRequest struct {
	SessionID string `json:"session_id"`
}

type SendMessageRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type TerminateRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"` // manual, timeout or disconnect
}

type UserJoinedEvent struct {
	SessionID string   `json:"session_id"`
	AllUsers  []string `json:"all_users"`
}

type UserLeftEvent struct {
	SessionID string   `json:"session_id"`
	UserName  string   `json:"user_name"`
	AllUsers  []string `json:"all_users"`
}

type SessionStartedEvent struct {
	SessionID string `json:"session_id"`
	StartTime int64  `json:"start_time"` // unix milliseconds
	StartedBy string `json:"started_by"`
}

type SessionTerminatedEvent struct {
	SessionID    string `json:"session_id"`
	Reason       string `json:"reason"`
	TerminatedBy string `json:"terminated_by"`
}

type SessionClosedEvent struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type ReceiveMessageEvent struct {
	SessionID  string `json:"session_id"`
	Message    string `json:"message"`
	SenderName string `json:"sender_name"`
	Timestamp  string `json:"timestamp"` // RFC 3339 with milliseconds
	MessageID  string `json:"message_id"`
}

type UserTypingEvent struct {
	SessionID  string `json:"session_id"`
	Typing     bool   `json:"typing"`
	SenderName string `json:"sender_name"`
}

// ----- Generic -----

type ErrorResponse struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}
