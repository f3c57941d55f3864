// Package scheduler drives periodic sync runs and records their outcomes.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/macjediwizard/calhub/internal/activity"
	"github.com/macjediwizard/calhub/internal/db"
	"github.com/macjediwizard/calhub/internal/notify"
	"github.com/macjediwizard/calhub/internal/syncer"
)

const (
	cleanupInterval = 24 * time.Hour
	syncTimeout     = 10 * time.Minute // Maximum time for a single sync run
)

// Scheduler runs all active calendars on a fixed interval and cleans old
// sync logs daily. Every sync run, scheduled or manual, flows through it
// so outcomes are logged, tracked, and alerted in one place.
type Scheduler struct {
	db           *db.DB
	orchestrator *syncer.Orchestrator
	tracker      *activity.Tracker
	notifier     *notify.Notifier

	interval     time.Duration
	logRetention time.Duration

	mu      sync.Mutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a new scheduler and registers it as the orchestrator's run
// observer, so every sync that actually acquires a calendar lock is
// tracked, logged, and alerted here.
func New(database *db.DB, orchestrator *syncer.Orchestrator, tracker *activity.Tracker,
	notifier *notify.Notifier, interval, logRetention time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		db:           database,
		orchestrator: orchestrator,
		tracker:      tracker,
		notifier:     notifier,
		interval:     interval,
		logRetention: logRetention,
		ctx:          ctx,
		cancel:       cancel,
	}
	if orchestrator != nil {
		orchestrator.SetObserver(s)
	}
	return s
}

// Start begins the periodic sync and cleanup loops. The first sync runs
// immediately rather than one interval in.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.syncLoop()
	go s.cleanupLoop()

	log.Printf("Scheduler started with interval %v", s.interval)
}

// Stop gracefully shuts down the scheduler, waiting for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	log.Println("Scheduler stopped")
}

// RunCalendar syncs one calendar synchronously. Tracking and outcome
// recording happen through the observer callbacks, so a request rejected
// with ErrSyncInProgress leaves no trace.
func (s *Scheduler) RunCalendar(ctx context.Context, calendarID string) (*syncer.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	return s.orchestrator.SyncCalendar(ctx, calendarID)
}

// RunAll syncs all active calendars synchronously and returns per-calendar
// results in listing order.
func (s *Scheduler) RunAll(ctx context.Context) ([]*syncer.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	return s.orchestrator.SyncAll(ctx)
}

// SyncStarted implements syncer.RunObserver. It fires only once the
// calendar's in-flight lock is held.
func (s *Scheduler) SyncStarted(cal *db.Calendar) {
	s.tracker.StartSync(cal.ID, cal.DisplayName, string(cal.Provider))
}

// SyncFinished implements syncer.RunObserver.
func (s *Scheduler) SyncFinished(cal *db.Calendar, result *syncer.Result, err error) {
	if err != nil {
		s.tracker.FinishSync(cal.ID, false, 0, err.Error())
		s.recordOutcome(cal, &syncer.Result{
			CalendarID: cal.ID,
			Provider:   cal.Provider,
			Error:      err.Error(),
		})
		return
	}
	s.tracker.FinishSync(cal.ID, result.Success, result.Count, result.Error)
	s.recordOutcome(cal, result)
}

// syncLoop runs the periodic all-calendar sync.
func (s *Scheduler) syncLoop() {
	defer s.wg.Done()

	s.runAll()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runAll()
		}
	}
}

func (s *Scheduler) runAll() {
	results, err := s.RunAll(s.ctx)
	if err != nil {
		log.Printf("Scheduled sync failed: %v", err)
		return
	}

	succeeded := 0
	for _, result := range results {
		if result.Success {
			succeeded++
		}
	}
	log.Printf("Scheduled sync finished: %d/%d calendars succeeded", succeeded, len(results))
}

// recordOutcome writes a sync log entry and raises or clears alerts.
func (s *Scheduler) recordOutcome(cal *db.Calendar, result *syncer.Result) {
	entry := &db.SyncLog{
		CalendarID: cal.ID,
		Count:      result.Count,
		Duration:   result.Duration,
	}
	if result.Success {
		entry.Status = db.SyncStatusSuccess
	} else {
		entry.Status = db.SyncStatusError
		entry.Message = result.Error
	}
	if err := s.db.CreateSyncLog(entry); err != nil {
		log.Printf("Failed to record sync log for calendar %s: %v", cal.ID, err)
	}

	if s.notifier == nil {
		return
	}
	if result.Success {
		s.notifier.SendRecoveryAlert(s.ctx, cal.ID, cal.DisplayName)
	} else {
		s.notifier.SendFailureAlert(s.ctx, cal.ID, cal.DisplayName, result.Error)
	}
}

// cleanupLoop deletes old sync logs once a day.
func (s *Scheduler) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOldLogs()
		}
	}
}

// cleanupOldLogs deletes sync logs older than the retention period.
func (s *Scheduler) cleanupOldLogs() {
	cutoff := time.Now().UTC().Add(-s.logRetention)
	deleted, err := s.db.CleanOldSyncLogs(cutoff)
	if err != nil {
		log.Printf("Failed to clean old sync logs: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("Cleaned %d old sync logs", deleted)
	}
}
