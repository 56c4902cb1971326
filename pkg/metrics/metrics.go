// Package metrics tracks ByteSwap runtime statistics.
package metrics

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/byteswap/pkg/model"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime control and websocket connections accepted
	ActiveConnections atomic.Int64 // current open connections
	FailedAuths       atomic.Int64 // failed authentication attempts
	SuccessfulAuths   atomic.Int64 // successful authentication attempts
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)

	// Matching counters
	MatchRequests     atomic.Int64 // find_matches calls scored
	PerfectCandidates atomic.Int64 // perfect candidates returned
	PartialCandidates atomic.Int64 // partial candidates returned

	// Negotiation counters
	RequestsSent        atomic.Int64
	RequestsAccepted    atomic.Int64
	RequestsRejected    atomic.Int64
	RequestsBusy        atomic.Int64
	RequestsUnreachable atomic.Int64
	RequestsExpired     atomic.Int64

	// Session counters
	SessionsStarted      atomic.Int64
	TerminatedManual     atomic.Int64
	TerminatedTimeout    atomic.Int64
	TerminatedDisconnect atomic.Int64
	MessagesRelayed      atomic.Int64

	// Maintenance counters
	LocksReaped         atomic.Int64
	PersistenceFailures atomic.Int64
}

// New creates a new Metrics instance with the start time set to now.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// Terminated increments the counter for reason.
func (m *Metrics) Terminated(reason model.Reason) {
	switch reason {
	case model.ReasonTimeout:
		m.TerminatedTimeout.Add(1)
	case model.ReasonDisconnect:
		m.TerminatedDisconnect.Add(1)
	default:
		m.TerminatedManual.Add(1)
	}
}

// Uptime returns the time since New.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Snapshot is a point-in-time view of all metrics as a serializable struct.
type Snapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	MatchRequests     int64 `json:"match_requests"`
	PerfectCandidates int64 `json:"perfect_candidates"`
	PartialCandidates int64 `json:"partial_candidates"`

	RequestsSent        int64 `json:"requests_sent"`
	RequestsAccepted    int64 `json:"requests_accepted"`
	RequestsRejected    int64 `json:"requests_rejected"`
	RequestsBusy        int64 `json:"requests_busy"`
	RequestsUnreachable int64 `json:"requests_unreachable"`
	RequestsExpired     int64 `json:"requests_expired"`

	SessionsStarted      int64 `json:"sessions_started"`
	TerminatedManual     int64 `json:"terminated_manual"`
	TerminatedTimeout    int64 `json:"terminated_timeout"`
	TerminatedDisconnect int64 `json:"terminated_disconnect"`
	MessagesRelayed      int64 `json:"messages_relayed"`

	LocksReaped         int64 `json:"locks_reaped"`
	PersistenceFailures int64 `json:"persistence_failures"`
}

// Snapshot returns a snapshot of all metrics.
func (m *Metrics) Snapshot() Snapshot {
	uptime := m.Uptime()
	return Snapshot{
		Uptime:               uptime.Truncate(time.Second).String(),
		UptimeSeconds:        int64(uptime.Seconds()),
		ActiveConnections:    m.ActiveConnections.Load(),
		TotalConnections:     m.TotalConnections.Load(),
		SuccessfulAuths:      m.SuccessfulAuths.Load(),
		FailedAuths:          m.FailedAuths.Load(),
		TotalDisconnects:     m.TotalDisconnects.Load(),
		MatchRequests:        m.MatchRequests.Load(),
		PerfectCandidates:    m.PerfectCandidates.Load(),
		PartialCandidates:    m.PartialCandidates.Load(),
		RequestsSent:         m.RequestsSent.Load(),
		RequestsAccepted:     m.RequestsAccepted.Load(),
		RequestsRejected:     m.RequestsRejected.Load(),
		RequestsBusy:         m.RequestsBusy.Load(),
		RequestsUnreachable:  m.RequestsUnreachable.Load(),
		RequestsExpired:      m.RequestsExpired.Load(),
		SessionsStarted:      m.SessionsStarted.Load(),
		TerminatedManual:     m.TerminatedManual.Load(),
		TerminatedTimeout:    m.TerminatedTimeout.Load(),
		TerminatedDisconnect: m.TerminatedDisconnect.Load(),
		MessagesRelayed:      m.MessagesRelayed.Load(),
		LocksReaped:          m.LocksReaped.Load(),
		PersistenceFailures:  m.PersistenceFailures.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a metrics summary to the logger.
func (m *Metrics) LogSummary(g Gauges) {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"bound_users", g.Users,
		"locks", g.Locks,
		"rooms", g.Rooms,
		"match_requests", s.MatchRequests,
		"sessions_started", s.SessionsStarted,
		"messages", s.MessagesRelayed,
		"persistence_failures", s.PersistenceFailures,
	)
}
