// Package syncer implements the synchronization engine: provider adapters
// that turn upstream calendar state into normalized change batches, the
// reconciler that applies them to the canonical store, and the
// orchestrator that drives per-calendar and all-calendar sync runs.
package syncer

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"

	"github.com/macjediwizard/calhub/internal/db"
)

var (
	// ErrTransientNetwork marks upstream fetch failures that are safe to
	// retry later; no partial state is left behind.
	ErrTransientNetwork = errors.New("upstream temporarily unreachable")

	// ErrAuthExpired marks credentials that could not be used or refreshed.
	// Fatal for the calendar's run until the caller re-authorizes.
	ErrAuthExpired = errors.New("calendar credentials expired")

	// ErrCursorInvalidated signals the upstream rejected the stored sync
	// cursor. Handled inside the Google adapter by one full-window refetch
	// and never returned from FetchChanges.
	ErrCursorInvalidated = errors.New("sync cursor invalidated by upstream")

	// ErrMalformedFeed marks an unparsable upstream feed. Fatal for the run.
	ErrMalformedFeed = errors.New("malformed calendar feed")

	// ErrUnsupportedProvider marks a calendar with a provider tag no
	// adapter is registered for.
	ErrUnsupportedProvider = errors.New("unsupported calendar provider")

	// ErrSyncInProgress is returned when a sync is requested for a calendar
	// that already has one in flight.
	ErrSyncInProgress = errors.New("sync already in progress for calendar")
)

// ChangeType discriminates change records.
type ChangeType string

const (
	ChangeUpsert    ChangeType = "upsert"
	ChangeTombstone ChangeType = "tombstone"
)

// EventChange is one upstream event normalized into the canonical shape.
// Heterogeneous provider encodings (organizer wrappers, mailto: values,
// structured attendee parameters) are resolved here, at the adapter
// boundary, so the reconciler never branches on provider specifics.
type EventChange struct {
	SourceEventID  string
	Title          string
	Description    string
	Location       string
	OrganizerEmail string
	OrganizerName  string
	StartTime      time.Time
	EndTime        time.Time
	IsAllDay       bool
	Status         string
	RecurrenceRule string // raw rule text, never expanded
	Attendees      []string
	Extension      map[string]any
}

// ChangeRecord is a single instruction for the reconciler: either upsert
// a normalized event or tombstone (delete) an event by source id.
type ChangeRecord struct {
	Type          ChangeType
	SourceEventID string
	Event         *EventChange // set for upserts, nil for tombstones
}

// Upsert builds an upsert record for a normalized event.
func Upsert(event *EventChange) ChangeRecord {
	return ChangeRecord{Type: ChangeUpsert, SourceEventID: event.SourceEventID, Event: event}
}

// Tombstone builds a deletion record for a source event id.
func Tombstone(sourceEventID string) ChangeRecord {
	return ChangeRecord{Type: ChangeTombstone, SourceEventID: sourceEventID}
}

// ChangeBatch is the ordered set of change records an adapter produced
// for one sync attempt. Order matters: a later record for the same source
// id wins over an earlier one.
type ChangeBatch struct {
	Records []ChangeRecord

	// NextCursor is the new opaque cursor to persist after the batch is
	// fully applied; empty means the adapter has no cursor to report.
	NextCursor string

	// CursorReplaced is true when the upstream rejected the previous
	// cursor and the batch was rebuilt from a full fetch.
	CursorReplaced bool

	// Snapshot is true when the batch represents the complete upstream
	// state; stored events absent from it should be deleted.
	Snapshot bool
}

// Adapter turns one calendar's upstream state into a normalized change
// batch. The stored cursor, if any, is read from the calendar record.
type Adapter interface {
	FetchChanges(ctx context.Context, cal *db.Calendar) (*ChangeBatch, error)
}

// Store is the narrow canonical-store surface the engine consumes.
// *db.DB satisfies it; tests use an in-memory fake.
type Store interface {
	GetCalendarByID(id string) (*db.Calendar, error)
	GetActiveCalendars() ([]*db.Calendar, error)
	UpdateCalendarCursor(id, cursor string, syncedAt time.Time) error
	GetEventByNaturalKey(calendarID, sourceEventID string) (*db.Event, error)
	UpsertEvent(event *db.Event) error
	DeleteEvent(calendarID, sourceEventID string) error
	ListEventSourceIDs(calendarID string) ([]string, error)
}

// CredentialSource supplies valid OAuth tokens for a calendar. The engine
// treats credentials as opaque; acquisition and refresh live elsewhere.
type CredentialSource interface {
	TokenSource(ctx context.Context, cal *db.Calendar) (oauth2.TokenSource, error)
}

// Registry maps provider tags to adapter implementations. Built once at
// startup; resolution happens in exactly one place, not scattered string
// branching.
type Registry map[db.Provider]Adapter

// Adapter returns the adapter registered for a provider.
func (r Registry) Adapter(provider db.Provider) (Adapter, error) {
	adapter, ok := r[provider]
	if !ok {
		return nil, ErrUnsupportedProvider
	}
	return adapter, nil
}
