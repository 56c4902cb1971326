package metrics

import (
	"fmt"
	"io"
)

// Gauges are point-in-time engine sizes sampled by the caller.
type Gauges struct {
	Users int
	Locks int
	Rooms int
}

// WritePrometheus writes all metrics in Prometheus text exposition format.
func WritePrometheus(w io.Writer, m *Metrics, g Gauges) {
	// Write errors are non-actionable for an HTTP response; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	_, _ = fmt.Fprintf(w, "# HELP byteswap_uptime_seconds Server uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE byteswap_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "byteswap_uptime_seconds %f\n", m.Uptime().Seconds())

	write("byteswap_connections_active", "Current open connections.", "gauge", m.ActiveConnections.Load())
	write("byteswap_connections_total", "Lifetime connections accepted.", "counter", m.TotalConnections.Load())
	write("byteswap_disconnects_total", "Total client disconnects.", "counter", m.TotalDisconnects.Load())
	write("byteswap_auth_success_total", "Successful authentication attempts.", "counter", m.SuccessfulAuths.Load())
	write("byteswap_auth_failed_total", "Failed authentication attempts.", "counter", m.FailedAuths.Load())

	write("byteswap_bound_users", "Users with a live connection.", "gauge", int64(g.Users))
	write("byteswap_session_locks", "Users committed to a negotiation or session.", "gauge", int64(g.Locks))
	write("byteswap_rooms", "Session rooms in memory.", "gauge", int64(g.Rooms))

	write("byteswap_match_requests_total", "Matching requests scored.", "counter", m.MatchRequests.Load())
	write("byteswap_match_perfect_total", "Perfect candidates returned.", "counter", m.PerfectCandidates.Load())
	write("byteswap_match_partial_total", "Partial candidates returned.", "counter", m.PartialCandidates.Load())

	_, _ = fmt.Fprintf(w, "# HELP byteswap_negotiations_total Partner requests by outcome.\n")
	_, _ = fmt.Fprintf(w, "# TYPE byteswap_negotiations_total counter\n")
	for _, o := range []struct {
		label string
		v     int64
	}{
		{"requested", m.RequestsSent.Load()},
		{"accepted", m.RequestsAccepted.Load()},
		{"rejected", m.RequestsRejected.Load()},
		{"busy", m.RequestsBusy.Load()},
		{"unreachable", m.RequestsUnreachable.Load()},
		{"expired", m.RequestsExpired.Load()},
	} {
		_, _ = fmt.Fprintf(w, "byteswap_negotiations_total{outcome=%q} %d\n", o.label, o.v)
	}

	write("byteswap_sessions_started_total", "Sessions started.", "counter", m.SessionsStarted.Load())
	_, _ = fmt.Fprintf(w, "# HELP byteswap_sessions_terminated_total Sessions terminated by reason.\n")
	_, _ = fmt.Fprintf(w, "# TYPE byteswap_sessions_terminated_total counter\n")
	_, _ = fmt.Fprintf(w, "byteswap_sessions_terminated_total{reason=\"manual\"} %d\n", m.TerminatedManual.Load())
	_, _ = fmt.Fprintf(w, "byteswap_sessions_terminated_total{reason=\"timeout\"} %d\n", m.TerminatedTimeout.Load())
	_, _ = fmt.Fprintf(w, "byteswap_sessions_terminated_total{reason=\"disconnect\"} %d\n", m.TerminatedDisconnect.Load())

	write("byteswap_messages_total", "Chat messages relayed.", "counter", m.MessagesRelayed.Load())
	write("byteswap_locks_reaped_total", "Orphaned session locks removed by the reaper.", "counter", m.LocksReaped.Load())
	write("byteswap_persistence_failures_total", "Failed preference store calls.", "counter", m.PersistenceFailures.Load())
}
