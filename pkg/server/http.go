package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/NicolasHaas/byteswap/pkg/metrics"
	"github.com/NicolasHaas/byteswap/pkg/version"
	"github.com/gorilla/websocket"
)

// StartHTTP starts the HTTP listener serving the WebSocket control plane on
// /ws, Prometheus text exposition on /metrics and a health probe on
// /healthz. It shuts down when the server context is cancelled.
//
// Bind address is :5000 by default, configurable via Config.HTTPAddr.
func (s *Server) StartHTTP() error {
	addr := s.cfg.HTTPAddr
	if addr == "" {
		return nil // HTTP endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", s.handleHealth)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen http: %w", err)
	}
	s.httpConn = ln
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.log.Info("HTTP listening", "addr", ln.Addr().String())
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = s.httpSrv.Close()
	}()
	return nil
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts requests without an Origin header, origins listed in
// Config.AllowedOrigins ("*" allows any) and same-origin requests.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// handleWebSocket upgrades the request and serves it like a control connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.serveConn(newWSTransport(ws))
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	metrics.WritePrometheus(w, s.metrics, s.engine.Gauges())
}

type healthResponse struct {
	Status  string       `json:"status"`
	Version version.Info `json:"version"`
	Uptime  string       `json:"uptime"`
	Users   int          `json:"users"`
	Locks   int          `json:"locks"`
	Rooms   int          `json:"rooms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.engine.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:  "ok",
		Version: version.Current(),
		Uptime:  s.metrics.Uptime().Truncate(time.Second).String(),
		Users:   snap.Users,
		Locks:   snap.Locks,
		Rooms:   snap.Rooms,
	})
}
