package db

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB creates a temporary test database.
func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calhub-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return db, cleanup
}

// createTestCalendar creates a calendar and returns it.
func createTestCalendar(t *testing.T, db *DB, provider Provider, identifier string) *Calendar {
	t.Helper()

	cal := &Calendar{
		Provider:           provider,
		CalendarIdentifier: identifier,
		DisplayName:        "Test Calendar",
		IsActive:           true,
	}
	if err := db.CreateCalendar(cal); err != nil {
		t.Fatalf("failed to create test calendar: %v", err)
	}
	return cal
}

// testEvent builds an event for a calendar.
func testEvent(calendarID, sourceEventID, title string, start time.Time) *Event {
	return &Event{
		CalendarID:    calendarID,
		SourceEventID: sourceEventID,
		Title:         title,
		StartTime:     start,
		EndTime:       start.Add(time.Hour),
		Status:        "confirmed",
	}
}

func TestCalendarCRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	t.Run("create and get", func(t *testing.T) {
		cal := createTestCalendar(t, db, ProviderIcal, "https://example.com/team.ics")

		got, err := db.GetCalendarByID(cal.ID)
		if err != nil {
			t.Fatalf("failed to get calendar: %v", err)
		}
		if got.Provider != ProviderIcal {
			t.Errorf("expected provider ical, got %s", got.Provider)
		}
		if got.CalendarIdentifier != "https://example.com/team.ics" {
			t.Errorf("unexpected identifier %q", got.CalendarIdentifier)
		}
		if !got.IsActive {
			t.Error("expected calendar active")
		}
		if got.LastSyncedAt != nil {
			t.Error("a never-synced calendar must have no last-synced time")
		}
	})

	t.Run("duplicate resource is rejected", func(t *testing.T) {
		createTestCalendar(t, db, ProviderGoogle, "primary")

		dup := &Calendar{
			Provider:           ProviderGoogle,
			CalendarIdentifier: "primary",
			DisplayName:        "Another Name",
			IsActive:           true,
		}
		err := db.CreateCalendar(dup)
		if !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}

		// Same identifier under a different provider is a new resource.
		other := &Calendar{
			Provider:           ProviderIcal,
			CalendarIdentifier: "primary",
			DisplayName:        "Feed",
			IsActive:           true,
		}
		if err := db.CreateCalendar(other); err != nil {
			t.Errorf("different provider should not collide: %v", err)
		}
	})

	t.Run("get missing returns not found", func(t *testing.T) {
		_, err := db.GetCalendarByID("nonexistent")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("toggle active", func(t *testing.T) {
		cal := createTestCalendar(t, db, ProviderIcal, "https://example.com/off.ics")

		if err := db.SetCalendarActive(cal.ID, false); err != nil {
			t.Fatalf("failed to deactivate: %v", err)
		}
		got, err := db.GetCalendarByID(cal.ID)
		if err != nil {
			t.Fatalf("failed to get calendar: %v", err)
		}
		if got.IsActive {
			t.Error("expected calendar inactive")
		}

		active, err := db.GetActiveCalendars()
		if err != nil {
			t.Fatalf("failed to list active calendars: %v", err)
		}
		for _, a := range active {
			if a.ID == cal.ID {
				t.Error("inactive calendar listed as active")
			}
		}
	})

	t.Run("delete missing returns not found", func(t *testing.T) {
		if err := db.DeleteCalendar("nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestUpdateCalendarCursor(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	cal := createTestCalendar(t, db, ProviderGoogle, "cursor-cal")
	syncedAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := db.UpdateCalendarCursor(cal.ID, "token-123", syncedAt); err != nil {
		t.Fatalf("failed to update cursor: %v", err)
	}

	got, err := db.GetCalendarByID(cal.ID)
	if err != nil {
		t.Fatalf("failed to get calendar: %v", err)
	}
	if got.SyncCursor != "token-123" {
		t.Errorf("expected cursor token-123, got %q", got.SyncCursor)
	}
	if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(syncedAt) {
		t.Errorf("expected last synced %v, got %v", syncedAt, got.LastSyncedAt)
	}

	t.Run("empty cursor clears the stored one", func(t *testing.T) {
		if err := db.UpdateCalendarCursor(cal.ID, "", syncedAt.Add(time.Hour)); err != nil {
			t.Fatalf("failed to clear cursor: %v", err)
		}
		got, err := db.GetCalendarByID(cal.ID)
		if err != nil {
			t.Fatalf("failed to get calendar: %v", err)
		}
		if got.SyncCursor != "" {
			t.Errorf("expected empty cursor, got %q", got.SyncCursor)
		}
	})

	t.Run("missing calendar returns not found", func(t *testing.T) {
		err := db.UpdateCalendarCursor("nonexistent", "token", syncedAt)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestUpsertEvent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	cal := createTestCalendar(t, db, ProviderGoogle, "events-cal")
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	t.Run("insert then update by natural key", func(t *testing.T) {
		event := testEvent(cal.ID, "evt-1", "Original", start)
		event.Attendees = []string{"alice@example.com", "bob@example.com"}
		event.Extension = map[string]any{"htmlLink": "https://example.com/evt-1"}
		if err := db.UpsertEvent(event); err != nil {
			t.Fatalf("failed to insert event: %v", err)
		}
		firstID := event.ID

		updated := testEvent(cal.ID, "evt-1", "Renamed", start.Add(time.Hour))
		if err := db.UpsertEvent(updated); err != nil {
			t.Fatalf("failed to update event: %v", err)
		}

		got, err := db.GetEventByNaturalKey(cal.ID, "evt-1")
		if err != nil {
			t.Fatalf("failed to get event: %v", err)
		}
		if got.ID != firstID {
			t.Errorf("update must keep the surrogate id, got %q want %q", got.ID, firstID)
		}
		if got.Title != "Renamed" {
			t.Errorf("expected title Renamed, got %q", got.Title)
		}
		if len(got.Attendees) != 0 {
			t.Errorf("update replaces all fields, got attendees %v", got.Attendees)
		}

		count, err := db.CountEvents(cal.ID)
		if err != nil {
			t.Fatalf("failed to count events: %v", err)
		}
		if count != 1 {
			t.Errorf("expected 1 stored event, got %d", count)
		}
	})

	t.Run("json columns round-trip", func(t *testing.T) {
		event := testEvent(cal.ID, "evt-json", "Detailed", start)
		event.Attendees = []string{"carol@example.com"}
		event.Extension = map[string]any{"sequence": float64(3), "transparency": "OPAQUE"}
		if err := db.UpsertEvent(event); err != nil {
			t.Fatalf("failed to insert event: %v", err)
		}

		got, err := db.GetEventByNaturalKey(cal.ID, "evt-json")
		if err != nil {
			t.Fatalf("failed to get event: %v", err)
		}
		if len(got.Attendees) != 1 || got.Attendees[0] != "carol@example.com" {
			t.Errorf("unexpected attendees %v", got.Attendees)
		}
		if got.Extension["transparency"] != "OPAQUE" {
			t.Errorf("unexpected extension %v", got.Extension)
		}
	})

	t.Run("same source id under different calendars", func(t *testing.T) {
		other := createTestCalendar(t, db, ProviderIcal, "https://example.com/other.ics")

		if err := db.UpsertEvent(testEvent(cal.ID, "shared", "In A", start)); err != nil {
			t.Fatalf("failed to insert in first calendar: %v", err)
		}
		if err := db.UpsertEvent(testEvent(other.ID, "shared", "In B", start)); err != nil {
			t.Fatalf("failed to insert in second calendar: %v", err)
		}

		a, err := db.GetEventByNaturalKey(cal.ID, "shared")
		if err != nil {
			t.Fatalf("failed to get first event: %v", err)
		}
		b, err := db.GetEventByNaturalKey(other.ID, "shared")
		if err != nil {
			t.Fatalf("failed to get second event: %v", err)
		}
		if a.Title != "In A" || b.Title != "In B" {
			t.Errorf("events must not collide across calendars: %q / %q", a.Title, b.Title)
		}
	})
}

func TestDeleteEvent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	cal := createTestCalendar(t, db, ProviderIcal, "https://example.com/del.ics")
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	if err := db.UpsertEvent(testEvent(cal.ID, "evt-1", "Doomed", start)); err != nil {
		t.Fatalf("failed to insert event: %v", err)
	}

	if err := db.DeleteEvent(cal.ID, "evt-1"); err != nil {
		t.Fatalf("failed to delete event: %v", err)
	}
	if _, err := db.GetEventByNaturalKey(cal.ID, "evt-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Absent key is a no-op, not an error.
	if err := db.DeleteEvent(cal.ID, "evt-1"); err != nil {
		t.Errorf("repeat delete must not fail: %v", err)
	}
}

func TestDeleteCalendarCascades(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	cal := createTestCalendar(t, db, ProviderGoogle, "cascade-cal")
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
		if err := db.UpsertEvent(testEvent(cal.ID, id, "Event "+id, start)); err != nil {
			t.Fatalf("failed to insert %s: %v", id, err)
		}
	}

	if err := db.DeleteCalendar(cal.ID); err != nil {
		t.Fatalf("failed to delete calendar: %v", err)
	}

	count, err := db.CountEvents(cal.ID)
	if err != nil {
		t.Fatalf("failed to count events: %v", err)
	}
	if count != 0 {
		t.Errorf("expected events to cascade, %d remain", count)
	}
}

func TestListEvents(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	cal := createTestCalendar(t, db, ProviderIcal, "https://example.com/list.ics")
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		event := testEvent(cal.ID, "evt-"+string(rune('a'+i)), "Event", base.AddDate(0, 0, i))
		if err := db.UpsertEvent(event); err != nil {
			t.Fatalf("failed to insert: %v", err)
		}
	}

	t.Run("ordered by start time", func(t *testing.T) {
		events, err := db.ListEvents(EventFilter{CalendarID: cal.ID})
		if err != nil {
			t.Fatalf("failed to list events: %v", err)
		}
		if len(events) != 5 {
			t.Fatalf("expected 5 events, got %d", len(events))
		}
		for i := 1; i < len(events); i++ {
			if events[i].StartTime.Before(events[i-1].StartTime) {
				t.Errorf("events out of order at %d", i)
			}
		}
	})

	t.Run("time window filter", func(t *testing.T) {
		winStart := base.AddDate(0, 0, 1)
		winEnd := base.AddDate(0, 0, 3).Add(2 * time.Hour)
		events, err := db.ListEvents(EventFilter{CalendarID: cal.ID, Start: &winStart, End: &winEnd})
		if err != nil {
			t.Fatalf("failed to list events: %v", err)
		}
		if len(events) != 3 {
			t.Errorf("expected 3 events in window, got %d", len(events))
		}
	})

	t.Run("limit and offset", func(t *testing.T) {
		events, err := db.ListEvents(EventFilter{CalendarID: cal.ID, Limit: 2, Offset: 4})
		if err != nil {
			t.Fatalf("failed to list events: %v", err)
		}
		if len(events) != 1 {
			t.Errorf("expected 1 event on last page, got %d", len(events))
		}
	})
}

func TestCredentialRoundTrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	expiry := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	cred := &Credential{
		AccessToken:  "enc-access",
		RefreshToken: "enc-refresh",
		TokenExpiry:  &expiry,
	}
	if err := db.CreateCredential(cred); err != nil {
		t.Fatalf("failed to create credential: %v", err)
	}

	got, err := db.GetCredentialByID(cred.ID)
	if err != nil {
		t.Fatalf("failed to get credential: %v", err)
	}
	if got.AccessToken != "enc-access" || got.RefreshToken != "enc-refresh" {
		t.Error("credential tokens did not round-trip")
	}
	if got.TokenExpiry == nil || !got.TokenExpiry.Equal(expiry) {
		t.Errorf("expected expiry %v, got %v", expiry, got.TokenExpiry)
	}

	got.AccessToken = "enc-access-2"
	if err := db.UpdateCredential(got); err != nil {
		t.Fatalf("failed to update credential: %v", err)
	}
	again, err := db.GetCredentialByID(cred.ID)
	if err != nil {
		t.Fatalf("failed to re-get credential: %v", err)
	}
	if again.AccessToken != "enc-access-2" {
		t.Errorf("expected updated token, got %q", again.AccessToken)
	}

	if err := db.DeleteCredential(cred.ID); err != nil {
		t.Fatalf("failed to delete credential: %v", err)
	}
	if _, err := db.GetCredentialByID(cred.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSyncLogs(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	cal := createTestCalendar(t, db, ProviderGoogle, "logs-cal")

	entries := []*SyncLog{
		{CalendarID: cal.ID, Status: SyncStatusSuccess, Count: 12, Duration: 340 * time.Millisecond},
		{CalendarID: cal.ID, Status: SyncStatusError, Message: "feed unreachable"},
	}
	for _, entry := range entries {
		if err := db.CreateSyncLog(entry); err != nil {
			t.Fatalf("failed to create sync log: %v", err)
		}
	}

	logs, err := db.GetSyncLogs(cal.ID, 10)
	if err != nil {
		t.Fatalf("failed to get sync logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}

	var sawError bool
	for _, entry := range logs {
		if entry.Status == SyncStatusError && entry.Message == "feed unreachable" {
			sawError = true
		}
	}
	if !sawError {
		t.Error("error log entry missing or incomplete")
	}

	t.Run("clean old logs", func(t *testing.T) {
		deleted, err := db.CleanOldSyncLogs(time.Now().UTC().Add(time.Minute))
		if err != nil {
			t.Fatalf("failed to clean logs: %v", err)
		}
		if deleted != 2 {
			t.Errorf("expected 2 deleted, got %d", deleted)
		}

		logs, err := db.GetSyncLogs(cal.ID, 10)
		if err != nil {
			t.Fatalf("failed to get sync logs: %v", err)
		}
		if len(logs) != 0 {
			t.Errorf("expected no logs after cleanup, got %d", len(logs))
		}
	})
}

func TestProviderIsValid(t *testing.T) {
	if !ProviderGoogle.IsValid() || !ProviderIcal.IsValid() {
		t.Error("known providers must validate")
	}
	if Provider("caldav").IsValid() {
		t.Error("unknown provider must not validate")
	}
}
