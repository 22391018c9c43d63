// Package cron takes scheduled snapshots of the relay's JSON documents and
// prunes old ones.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-relay/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) and descriptors such as @hourly or @every 30m.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const stampLayout = "20060102T150405.000Z"

// Document is a persisted document that can be copied consistently.
type Document interface {
	Name() string
	Snapshot() ([]byte, error)
}

// Config holds the dependencies for the snapshot scheduler.
type Config struct {
	Documents []Document
	Dir       string
	Schedule  string
	Keep      int
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
	Now       func() time.Time
}

// Scheduler checks the schedule every tick and snapshots all documents when
// a run is due.
type Scheduler struct {
	docs     []Document
	dir      string
	schedule cronlib.Schedule
	expr     string
	keep     int
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	next    time.Time
	lastRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedule expression.
func NewScheduler(cfg Config) (*Scheduler, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse backup schedule %q: %w", cfg.Schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	keep := cfg.Keep
	if keep < 1 {
		keep = 1
	}
	return &Scheduler{
		docs:     cfg.Documents,
		dir:      cfg.Dir,
		schedule: sched,
		expr:     cfg.Schedule,
		keep:     keep,
		logger:   logger,
		interval: interval,
		now:      now,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.next = s.schedule.Next(s.now())
	next := s.next
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("backup scheduler started", "schedule", s.expr, "next_run_at", next, "keep", s.keep)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("backup scheduler stopped")
}

// LastRun returns when the last snapshot pass finished, zero if none.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	now := s.now()
	s.mu.Lock()
	due := !now.Before(s.next)
	if due {
		s.next = s.schedule.Next(now)
	}
	next := s.next
	s.mu.Unlock()
	if !due {
		return
	}
	written, err := s.SnapshotNow()
	if err != nil {
		s.logger.Error("backup: snapshot pass failed", "error", err)
	}
	s.logger.Info("backup: snapshot pass done", "written", len(written), "next_run_at", next)
}

// SnapshotNow copies every document into the backup directory and prunes
// older copies beyond the retention count. It returns the files written.
func (s *Scheduler) SnapshotNow() ([]string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	stamp := s.now().UTC().Format(stampLayout)
	var written []string
	var firstErr error
	for _, d := range s.docs {
		data, err := d.Snapshot()
		if err != nil {
			s.logger.Error("backup: snapshot failed", "document", d.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		path := filepath.Join(s.dir, d.Name()+"-"+stamp+".json")
		if err := persistence.WriteFileAtomic(path, data); err != nil {
			s.logger.Error("backup: write failed", "document", d.Name(), "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written = append(written, path)
		if err := prune(s.dir, d.Name(), s.keep); err != nil {
			s.logger.Warn("backup: prune failed", "document", d.Name(), "error", err)
		}
	}
	s.mu.Lock()
	s.lastRun = s.now()
	s.mu.Unlock()
	return written, firstErr
}

// prune keeps the newest keep snapshots of name. Timestamped names sort
// chronologically.
func prune(dir, name string, keep int) error {
	matches, err := filepath.Glob(filepath.Join(dir, name+"-*.json"))
	if err != nil {
		return err
	}
	sort.Strings(matches)
	if len(matches) <= keep {
		return nil
	}
	for _, old := range matches[:len(matches)-keep] {
		if !strings.HasPrefix(filepath.Base(old), name+"-") {
			continue
		}
		if err := os.Remove(old); err != nil {
			return err
		}
	}
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
