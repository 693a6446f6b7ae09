package recon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SchedulerConfig configures the nightly reconciliation loop.
type SchedulerConfig struct {
	Reconciler *Reconciler
	// Window is the report span ending at each run. Defaults to the
	// preceding 24 hours.
	Window    time.Duration
	RunHour   int
	RunMinute int
	Location  *time.Location
	Logger    *slog.Logger
}

// Scheduler fires one reconciliation run per day at a fixed wall-clock time
// and prunes reports older than ReportRetentionDays from the output
// directory after each run.
type Scheduler struct {
	reconciler *Reconciler
	window     time.Duration
	runHour    int
	runMinute  int
	location   *time.Location
	logger     *slog.Logger
}

// NewScheduler constructs a scheduler, defaulting to a 24h window at midnight UTC.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	window := cfg.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		window:     window,
		runHour:    clampHour(cfg.RunHour),
		runMinute:  clampMinute(cfg.RunMinute),
		location:   loc,
		logger:     logger,
	}
}

// Start blocks until the context is cancelled, running reconciliation at the
// configured time each day.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	for {
		now := time.Now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx, next)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, end time.Time) {
	started := time.Now()
	result, err := s.reconciler.Run(ctx, RunOptions{Start: end.Add(-s.window), End: end})
	if err != nil {
		s.logger.Error("nightly reconciliation failed", "err", err)
		return
	}
	s.logger.Info("nightly reconciliation finished",
		"rows", len(result.Rows),
		"confirmed", result.Confirmed,
		"failed", result.Failed,
		"unresolved", result.Unresolved,
		"anomalies", len(result.Anomalies),
		"took", time.Since(started))
	s.pruneReports(end)
}

// pruneReports deletes report directories whose window ended before the
// retention horizon. Directory names encode the window as
// YYYYMMDD_YYYYMMDD, so the end date is parsed straight from the name;
// anything that does not match the pattern is left alone.
func (s *Scheduler) pruneReports(now time.Time) {
	cutoff := now.AddDate(0, 0, -ReportRetentionDays)
	entries, err := os.ReadDir(s.reconciler.outputDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		_, rawEnd, found := strings.Cut(entry.Name(), "_")
		if !found {
			continue
		}
		end, err := time.ParseInLocation("20060102", rawEnd, s.location)
		if err != nil || !end.Before(cutoff) {
			continue
		}
		path := filepath.Join(s.reconciler.outputDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("prune reconciliation report", "path", path, "err", err)
		} else {
			s.logger.Info("pruned reconciliation report", "path", path)
		}
	}
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.Add(24 * time.Hour)
	}
	return target
}

func clampHour(hour int) int {
	if hour < 0 {
		return 0
	}
	if hour > 23 {
		return 23
	}
	return hour
}

func clampMinute(minute int) int {
	if minute < 0 {
		return 0
	}
	if minute > 59 {
		return 59
	}
	return minute
}
