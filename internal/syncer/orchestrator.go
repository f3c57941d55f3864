package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/macjediwizard/calhub/internal/db"
)

// Result is the outcome of one calendar's sync run.
type Result struct {
	CalendarID string        `json:"calendarId"`
	Provider   db.Provider   `json:"provider"`
	Success    bool          `json:"success"`
	Count      int           `json:"count"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"-"`
}

// RunObserver is notified at the boundaries of a sync run. SyncStarted
// fires only after the calendar's in-flight lock has been acquired, so a
// request rejected with ErrSyncInProgress never reaches the observer.
type RunObserver interface {
	SyncStarted(cal *db.Calendar)
	SyncFinished(cal *db.Calendar, result *Result, err error)
}

// Orchestrator drives sync runs: it resolves calendars, dispatches to the
// adapter registered for the provider, hands batches to the reconciler,
// and guarantees at most one in-flight sync per calendar.
type Orchestrator struct {
	store      Store
	registry   Registry
	reconciler *Reconciler
	observer   RunObserver

	maxParallel int

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-calendar, to serialize syncs
}

// NewOrchestrator creates an orchestrator over the store and registry.
// maxParallel bounds the worker pool for all-calendar runs; values below
// one mean sequential.
func NewOrchestrator(store Store, registry Registry, maxParallel int) *Orchestrator {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Orchestrator{
		store:       store,
		registry:    registry,
		reconciler:  NewReconciler(store),
		maxParallel: maxParallel,
		locks:       make(map[string]*sync.Mutex),
	}
}

// SyncCalendar runs one calendar's sync. A request for a calendar that
// already has a sync in flight fails with ErrSyncInProgress rather than
// queueing; running two would race on the cursor.
func (o *Orchestrator) SyncCalendar(ctx context.Context, calendarID string) (*Result, error) {
	cal, err := o.store.GetCalendarByID(calendarID)
	if err != nil {
		return nil, err
	}
	return o.syncOne(ctx, cal)
}

// SyncAll syncs every active calendar. Each calendar is attempted
// independently: one failure is recorded in its result entry and does not
// affect the others. The result order matches the calendar listing order
// regardless of worker completion order.
func (o *Orchestrator) SyncAll(ctx context.Context) ([]*Result, error) {
	calendars, err := o.store.GetActiveCalendars()
	if err != nil {
		return nil, fmt.Errorf("failed to list active calendars: %w", err)
	}

	results := make([]*Result, len(calendars))

	var wg sync.WaitGroup
	sem := make(chan struct{}, o.maxParallel)

	for i, cal := range calendars {
		wg.Add(1)
		go func(i int, cal *db.Calendar) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := o.syncOne(ctx, cal)
			if err != nil {
				result = failedResult(cal, err)
			}
			results[i] = result
		}(i, cal)
	}

	wg.Wait()
	return results, nil
}

// SetObserver registers the run observer. Call before any sync runs.
func (o *Orchestrator) SetObserver(observer RunObserver) {
	o.observer = observer
}

// syncOne fetches and reconciles a single calendar under its lock.
func (o *Orchestrator) syncOne(ctx context.Context, cal *db.Calendar) (*Result, error) {
	lock := o.calendarLock(cal.ID)
	if !lock.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrSyncInProgress, cal.ID)
	}
	defer lock.Unlock()

	if o.observer != nil {
		o.observer.SyncStarted(cal)
	}
	result, err := o.runLocked(ctx, cal)
	if o.observer != nil {
		o.observer.SyncFinished(cal, result, err)
	}
	return result, err
}

func (o *Orchestrator) runLocked(ctx context.Context, cal *db.Calendar) (*Result, error) {
	start := time.Now()

	adapter, err := o.registry.Adapter(cal.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cal.Provider)
	}

	batch, err := adapter.FetchChanges(ctx, cal)
	if err != nil {
		return nil, err
	}

	count, err := o.reconciler.Apply(ctx, cal, batch)
	if err != nil {
		return nil, err
	}

	duration := time.Since(start)
	log.Printf("Synced calendar %s (%s): %d records in %v", cal.ID, cal.Provider, count, duration)

	return &Result{
		CalendarID: cal.ID,
		Provider:   cal.Provider,
		Success:    true,
		Count:      count,
		Duration:   duration,
	}, nil
}

// calendarLock returns the mutex for a calendar, creating one if needed.
func (o *Orchestrator) calendarLock(calendarID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	if lock, exists := o.locks[calendarID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	o.locks[calendarID] = lock
	return lock
}

// failedResult wraps a per-calendar error as a structured result entry.
func failedResult(cal *db.Calendar, err error) *Result {
	log.Printf("Sync failed for calendar %s (%s): %v", cal.ID, cal.Provider, err)
	return &Result{
		CalendarID: cal.ID,
		Provider:   cal.Provider,
		Success:    false,
		Error:      err.Error(),
	}
}

// IsRetryable reports whether a sync error is safe to retry as-is.
// Idempotent application guarantees a retried run replays from the last
// committed cursor without duplicating events.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}
