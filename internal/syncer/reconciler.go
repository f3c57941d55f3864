package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/macjediwizard/calhub/internal/db"
)

// Reconciler applies change batches to the canonical store. Every record
// is individually idempotent, so a batch that fails or is cancelled
// partway leaves the store valid and safe to resume: the cursor only
// advances after the whole batch applied.
type Reconciler struct {
	store Store
	now   func() time.Time
}

// NewReconciler creates a reconciler over the given store.
func NewReconciler(store Store) *Reconciler {
	return &Reconciler{store: store, now: time.Now}
}

// Apply applies a batch to the store for one calendar and returns the
// number of records applied. Records are applied in adapter order, so a
// later record for the same source id wins. For snapshot batches, stored
// events absent from the snapshot are tombstoned as well.
func (r *Reconciler) Apply(ctx context.Context, cal *db.Calendar, batch *ChangeBatch) (int, error) {
	records := batch.Records

	if batch.Snapshot {
		missing, err := r.missingFromSnapshot(cal.ID, records)
		if err != nil {
			return 0, err
		}
		for _, sourceID := range missing {
			records = append(records, Tombstone(sourceID))
		}
	}

	applied := 0
	for _, record := range records {
		// Network fetches are done by now; store writes are quick, but a
		// cancelled sync should still stop between records.
		if err := ctx.Err(); err != nil {
			return applied, err
		}

		if err := r.applyRecord(cal.ID, record); err != nil {
			return applied, err
		}
		applied++
	}

	// Full batch applied: advance the cursor (keeping the current one if
	// the adapter reported none) and the sync timestamp together.
	cursor := cal.SyncCursor
	if batch.NextCursor != "" || batch.CursorReplaced {
		cursor = batch.NextCursor
	}
	if err := r.store.UpdateCalendarCursor(cal.ID, cursor, r.now().UTC()); err != nil {
		return applied, fmt.Errorf("failed to advance sync cursor: %w", err)
	}

	return applied, nil
}

// applyRecord applies one change record by natural key.
func (r *Reconciler) applyRecord(calendarID string, record ChangeRecord) error {
	switch record.Type {
	case ChangeUpsert:
		return r.upsert(calendarID, record.Event)
	case ChangeTombstone:
		// Deleting twice is not an error
		return r.store.DeleteEvent(calendarID, record.SourceEventID)
	default:
		return fmt.Errorf("unknown change record type %q", record.Type)
	}
}

func (r *Reconciler) upsert(calendarID string, change *EventChange) error {
	event := &db.Event{
		CalendarID:     calendarID,
		SourceEventID:  change.SourceEventID,
		Title:          change.Title,
		Description:    change.Description,
		Location:       change.Location,
		OrganizerEmail: change.OrganizerEmail,
		OrganizerName:  change.OrganizerName,
		StartTime:      change.StartTime,
		EndTime:        change.EndTime,
		IsAllDay:       change.IsAllDay,
		Status:         change.Status,
		RecurrenceRule: change.RecurrenceRule,
		Attendees:      change.Attendees,
		Extension:      change.Extension,
	}
	return r.store.UpsertEvent(event)
}

// missingFromSnapshot computes the stored source ids that no longer
// appear in the snapshot. Ids the snapshot explicitly tombstones are
// already handled by their own records.
func (r *Reconciler) missingFromSnapshot(calendarID string, records []ChangeRecord) ([]string, error) {
	stored, err := r.store.ListEventSourceIDs(calendarID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored source ids: %w", err)
	}

	seen := make(map[string]bool, len(records))
	for _, record := range records {
		seen[record.SourceEventID] = true
	}

	var missing []string
	for _, sourceID := range stored {
		if !seen[sourceID] {
			missing = append(missing, sourceID)
		}
	}
	return missing, nil
}
