package server

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	st := s.store
	defer func() { _ = st.NonTx().Close() }()

	s.log.Info("ByteSwap server running",
		"control", s.ControlAddr(),
		"http", s.HTTPAddr(),
		"open", s.cfg.Open,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	s.log.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Start opens the listeners and the scheduler without blocking.
func (s *Server) Start() error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if err := s.StartControl(); err != nil {
		return err
	}
	if err := s.StartHTTP(); err != nil {
		s.Shutdown()
		return err
	}
	if err := s.StartScheduler(); err != nil {
		s.Shutdown()
		return err
	}
	return nil
}

// Shutdown gracefully stops the server: listeners first, then every client
// connection, then the engine's timers and background tasks.
func (s *Server) Shutdown() {
	s.cancel()
	if s.controlConn != nil {
		_ = s.controlConn.Close()
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}
	s.stopScheduler()

	s.connMu.Lock()
	s.closing = true
	for t := range s.conns {
		_ = t.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	s.engine.Close()
}

// track registers t for shutdown. It fails once shutdown has begun.
func (s *Server) track(t transport) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.conns[t] = struct{}{}
	return true
}

func (s *Server) untrack(t transport) {
	s.connMu.Lock()
	delete(s.conns, t)
	s.connMu.Unlock()
}
