package server

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// StartScheduler schedules the maintenance sweep every
// Config.Engine.SweepInterval: orphaned lock reaping and a metrics summary.
func (s *Server) StartScheduler() error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	schedule := "@every " + s.cfg.Engine.SweepInterval.String()
	if _, err := c.AddFunc(schedule, s.sweep); err != nil {
		return fmt.Errorf("server: schedule sweep: %w", err)
	}
	c.Start()
	s.sched = c
	s.log.Debug("maintenance sweep scheduled", "schedule", schedule)
	return nil
}

func (s *Server) sweep() {
	if n := s.engine.Reap(); n > 0 {
		s.log.Info("sweep reaped orphaned locks", "count", n)
	}
	s.metrics.LogSummary(s.engine.Gauges())
}

func (s *Server) stopScheduler() {
	if s.sched == nil {
		return
	}
	<-s.sched.Stop().Done()
}
