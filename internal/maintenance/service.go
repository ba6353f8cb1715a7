package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adirai/community-api/internal/clock"
	"github.com/adirai/community-api/internal/config"
	"github.com/adirai/community-api/internal/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrRunInProgress is returned when a sweep is requested while one is running
var ErrRunInProgress = errors.New("maintenance run already in progress")

const archivedTelemetry = "archivedTelemetry"

// Retention holds the retention window per category family, in days
type Retention struct {
	AuthDays          int
	LoginAuditDays    int
	AuditLogDays      int
	TelemetryDays     int
	PostSignalDays    int
	SecurityEventDays int
}

// Options configure the sweeper
type Options struct {
	Enabled   bool
	Interval  time.Duration
	Retention Retention
}

// RunStats describes one completed sweep
type RunStats struct {
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
	DurationMs int64            `json:"durationMs"`
	Deleted    map[string]int64 `json:"deleted"`
	Error      string           `json:"error,omitempty"`
}

// Status is the diagnostics snapshot
type Status struct {
	Enabled     bool       `json:"enabled"`
	IntervalSec int        `json:"intervalSec"`
	InProgress  bool       `json:"inProgress"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	LastRun     *RunStats  `json:"lastRun,omitempty"`
	Runs        uint64     `json:"runs"`
	Failures    uint64     `json:"failures"`
}

// Service purges expired and aged records on a schedule
type Service struct {
	opts    Options
	store   storage.RetentionStore
	archive storage.Archive
	clock   clock.Clock

	mu         sync.Mutex
	inProgress bool
	startedAt  *time.Time
	lastRun    *RunStats
	runs       uint64
	failures   uint64
}

// NewService creates a sweeper. archive may be nil when telemetry is kept
// in the document store only.
func NewService(opts Options, store storage.RetentionStore, archive storage.Archive, clk clock.Clock) *Service {
	return &Service{
		opts:    opts,
		store:   store,
		archive: archive,
		clock:   clk,
	}
}

// Cutoffs computes the purge request for every category at now
func (s *Service) Cutoffs(now time.Time) []storage.PurgeRequest {
	r := s.opts.Retention
	cutoff := func(days int) time.Time {
		return now.Add(-time.Duration(days) * 24 * time.Hour)
	}
	days := map[storage.Category]int{
		storage.CategoryOtpCodes:        r.AuthDays,
		storage.CategoryPasswordResets:  r.AuthDays,
		storage.CategorySessions:        r.AuthDays,
		storage.CategoryLoginAudits:     r.LoginAuditDays,
		storage.CategoryAuditLogs:       r.AuditLogDays,
		storage.CategoryMobileTelemetry: r.TelemetryDays,
		storage.CategoryPostSignals:     r.PostSignalDays,
		storage.CategorySecurityEvents:  r.SecurityEventDays,
	}

	reqs := make([]storage.PurgeRequest, 0, len(storage.Categories))
	for _, c := range storage.Categories {
		reqs = append(reqs, storage.PurgeRequest{Category: c, Now: now, Cutoff: cutoff(days[c])})
	}
	return reqs
}

// RunOnce performs one sweep. Categories are purged concurrently and
// independently: a failing category does not stop the others, and every
// failure is joined into the returned error alongside the counts.
func (s *Service) RunOnce(ctx context.Context) (*RunStats, error) {
	started := s.clock.Now()
	stats := &RunStats{StartedAt: started, Deleted: make(map[string]int64)}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(name string, n int64, err error) {
		mu.Lock()
		defer mu.Unlock()
		stats.Deleted[name] = n
		if err != nil {
			errs = append(errs, err)
		}
	}

	var g errgroup.Group
	for _, req := range s.Cutoffs(started) {
		g.Go(func() error {
			n, err := s.purgeCategory(ctx, req)
			if err != nil {
				err = fmt.Errorf("purge %s: %w", req.Category, err)
			}
			record(string(req.Category), n, err)
			return nil
		})
	}
	if s.archive != nil {
		cutoff := started.Add(-time.Duration(s.opts.Retention.TelemetryDays) * 24 * time.Hour)
		g.Go(func() error {
			n, err := s.purgeArchive(ctx, cutoff)
			if err != nil {
				err = fmt.Errorf("purge archived telemetry: %w", err)
			}
			record(archivedTelemetry, n, err)
			return nil
		})
	}
	// per-category failures are collected in errs
	_ = g.Wait()

	err := errors.Join(errs...)
	stats.FinishedAt = s.clock.Now()
	stats.DurationMs = stats.FinishedAt.Sub(started).Milliseconds()
	if err != nil {
		stats.Error = err.Error()
	}
	return stats, err
}

func recoverInto(err *error, name string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("purge %s panicked: %v", name, r)
	}
}

func (s *Service) purgeCategory(ctx context.Context, req storage.PurgeRequest) (n int64, err error) {
	defer recoverInto(&err, string(req.Category))
	return s.store.Purge(ctx, req)
}

// purgeArchive deletes telemetry blobs written on a day before cutoff's day
func (s *Service) purgeArchive(ctx context.Context, cutoff time.Time) (n int64, err error) {
	defer recoverInto(&err, archivedTelemetry)
	names, err := s.archive.List(ctx, storage.TelemetryArchivePrefix)
	if err != nil {
		return 0, err
	}

	day := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, time.UTC)
	var deleted int64
	for _, name := range names {
		written, ok := storage.TelemetryBlobDate(name)
		if !ok || !written.Before(day) {
			continue
		}
		if err := s.archive.Delete(ctx, name); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// RunSafely runs a sweep unless one is already running, recording the
// outcome instead of returning it. Panics are recovered and counted.
func (s *Service) RunSafely(ctx context.Context) (stats *RunStats, err error) {
	s.mu.Lock()
	if s.inProgress {
		s.mu.Unlock()
		logrus.Debug("Maintenance run skipped, previous run still in progress")
		return nil, ErrRunInProgress
	}
	started := s.clock.Now()
	s.inProgress = true
	s.startedAt = &started
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("maintenance run panicked: %v", r)
			stats = &RunStats{StartedAt: started, FinishedAt: s.clock.Now(), Deleted: map[string]int64{}, Error: err.Error()}
		}
		s.finish(stats, err)
	}()

	return s.RunOnce(ctx)
}

func (s *Service) finish(stats *RunStats, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inProgress = false
	s.startedAt = nil
	s.runs++
	s.lastRun = stats
	if err != nil {
		s.failures++
		logrus.WithError(err).Error("Maintenance run failed")
		return
	}

	var total int64
	for _, n := range stats.Deleted {
		total += n
	}
	logrus.WithFields(logrus.Fields{
		"deleted":    total,
		"durationMs": stats.DurationMs,
	}).Info("Maintenance run completed")
}

// Status returns the diagnostics snapshot
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Enabled:     s.opts.Enabled,
		IntervalSec: int(s.opts.Interval / time.Second),
		InProgress:  s.inProgress,
		Runs:        s.runs,
		Failures:    s.failures,
	}
	if s.startedAt != nil {
		t := *s.startedAt
		st.StartedAt = &t
	}
	if s.lastRun != nil {
		last := *s.lastRun
		st.LastRun = &last
	}
	return st
}

// OptionsFromConfig reads the sweeper settings from cfg
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Enabled:  cfg.MaintenanceEnabled,
		Interval: cfg.MaintenanceInterval(),
		Retention: Retention{
			AuthDays:          cfg.RetentionAuthDays,
			LoginAuditDays:    cfg.RetentionLoginAuditDays,
			AuditLogDays:      cfg.RetentionAuditLogDays,
			TelemetryDays:     cfg.RetentionTelemetryDays,
			PostSignalDays:    cfg.RetentionPostSignalDays,
			SecurityEventDays: cfg.RetentionSecurityEventDays,
		},
	}
}
