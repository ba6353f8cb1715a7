package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adirai/community-api/internal/config"
	"github.com/adirai/community-api/internal/maintenance"
	"github.com/adirai/community-api/internal/writequeue"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Service runs the write queue flush and the retention sweep on their own schedules
type Service struct {
	config      *config.Config
	queue       *writequeue.Queue
	maintenance *maintenance.Service
	cron        *cron.Cron

	// startup tracks the sweep run at Start, which cron does not own
	startup sync.WaitGroup
}

// NewService creates a new scheduler service
func NewService(cfg *config.Config, queue *writequeue.Queue, maintenanceService *maintenance.Service) *Service {
	logger := cron.PrintfLogger(logrus.StandardLogger())
	return &Service{
		config:      cfg,
		queue:       queue,
		maintenance: maintenanceService,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// every builds an @every schedule. Cron resolution is one second, so shorter
// intervals run once per second.
func every(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return fmt.Sprintf("@every %s", d)
}

// Start registers the enabled jobs and starts the cron runner. The retention
// sweep also runs once immediately.
func (s *Service) Start(ctx context.Context) error {
	if s.config.QueueEnabled {
		_, err := s.cron.AddFunc(every(s.config.QueueFlushInterval()), func() {
			s.queue.Flush(ctx)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule queue flush: %w", err)
		}
	}

	if s.config.MaintenanceEnabled {
		run := func() {
			if _, err := s.maintenance.RunSafely(ctx); err != nil {
				logrus.WithError(err).Warn("Scheduled maintenance run did not complete")
			}
		}
		if _, err := s.cron.AddFunc(every(s.config.MaintenanceInterval()), run); err != nil {
			return fmt.Errorf("failed to schedule maintenance: %w", err)
		}
		s.startup.Add(1)
		go func() {
			defer s.startup.Done()
			run()
		}()
	}

	s.cron.Start()
	logrus.WithFields(logrus.Fields{
		"queueFlush":  s.config.QueueEnabled,
		"maintenance": s.config.MaintenanceEnabled,
		"jobs":        len(s.cron.Entries()),
	}).Info("Scheduler started")
	return nil
}

// Stop halts the schedules, waits for running jobs (the startup sweep
// included) and drains the write queue until ctx is done
func (s *Service) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}

	stopped := s.cron.Stop()
	jobsDone := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.startup.Wait()
		close(jobsDone)
	}()

	select {
	case <-jobsDone:
	case <-ctx.Done():
		logrus.Warn("Scheduler stop timed out waiting for running jobs")
	}

	if err := s.queue.Drain(ctx); err != nil {
		return fmt.Errorf("failed to drain write queue: %w", err)
	}
	logrus.Info("Scheduler stopped")
	return nil
}
