// Package activity keeps an in-memory view of sync runs for the API:
// what is running right now and what finished recently. Durable history
// lives in the sync_logs table; this is the live counterpart.
package activity

import (
	"sync"
	"time"
)

const maxRecent = 20

// SyncActivity is one sync run as reported to the API.
type SyncActivity struct {
	CalendarID   string     `json:"calendar_id"`
	CalendarName string     `json:"calendar_name"`
	Provider     string     `json:"provider"`
	Status       string     `json:"status"` // "running", "completed", "error"
	RecordCount  int        `json:"record_count"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Duration     string     `json:"duration,omitempty"`
	Message      string     `json:"message,omitempty"`
}

// Tracker records sync runs across all calendars.
type Tracker struct {
	mu     sync.RWMutex
	active map[string]*SyncActivity
	recent []*SyncActivity // newest first
}

func NewTracker() *Tracker {
	return &Tracker{
		active: make(map[string]*SyncActivity),
	}
}

// StartSync begins tracking a run for the calendar.
func (t *Tracker) StartSync(calendarID, calendarName, provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[calendarID] = &SyncActivity{
		CalendarID:   calendarID,
		CalendarName: calendarName,
		Provider:     provider,
		Status:       "running",
		StartedAt:    time.Now(),
	}
}

// FinishSync moves the calendar's run from active to recent. Unknown
// calendars are ignored so Finish without Start is harmless.
func (t *Tracker) FinishSync(calendarID string, success bool, recordCount int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.active[calendarID]
	if !ok {
		return
	}
	delete(t.active, calendarID)

	now := time.Now()
	run.CompletedAt = &now
	run.Duration = now.Sub(run.StartedAt).Round(time.Millisecond).String()
	run.RecordCount = recordCount
	run.Message = message
	run.Status = "completed"
	if !success {
		run.Status = "error"
	}

	t.recent = append([]*SyncActivity{run}, t.recent...)
	if len(t.recent) > maxRecent {
		t.recent = t.recent[:maxRecent]
	}
}

// GetActive returns the in-flight runs with a live duration.
func (t *Tracker) GetActive() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*SyncActivity, 0, len(t.active))
	for _, run := range t.active {
		snapshot := *run
		snapshot.Duration = time.Since(run.StartedAt).Round(time.Millisecond).String()
		out = append(out, &snapshot)
	}
	return out
}

// GetRecent returns recently finished runs, newest first.
func (t *Tracker) GetRecent() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*SyncActivity, len(t.recent))
	for i, run := range t.recent {
		snapshot := *run
		out[i] = &snapshot
	}
	return out
}

// GetAll bundles active and recent runs for the activity endpoint.
func (t *Tracker) GetAll() map[string]any {
	return map[string]any{
		"active": t.GetActive(),
		"recent": t.GetRecent(),
	}
}
