package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/macjediwizard/calhub/internal/db"
)

func testCalendar(store *fakeStore, id string, provider db.Provider) *db.Calendar {
	return store.addCalendar(&db.Calendar{
		ID:                 id,
		Provider:           provider,
		CalendarIdentifier: "cal-" + id,
		IsActive:           true,
	})
}

func TestReconcilerApplyIdempotent(t *testing.T) {
	store := newFakeStore()
	cal := testCalendar(store, "cal-1", db.ProviderGoogle)
	r := NewReconciler(store)

	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	batch := &ChangeBatch{
		Records: []ChangeRecord{
			change("a", "Event A", start),
			change("b", "Event B", start.Add(time.Hour)),
		},
		NextCursor: "cursor-1",
	}

	count, err := r.Apply(context.Background(), cal, batch)
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 records applied, got %d", count)
	}

	firstA := *store.event("cal-1", "a")

	// Re-applying the identical batch must not change observable state
	// beyond the refreshed timestamp.
	count, err = r.Apply(context.Background(), cal, batch)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 records applied on replay, got %d", count)
	}

	if got := store.sourceIDs("cal-1"); len(got) != 2 {
		t.Fatalf("expected 2 events after replay, got %d", len(got))
	}
	secondA := store.event("cal-1", "a")
	if secondA.ID != firstA.ID {
		t.Errorf("replay changed surrogate id: %s != %s", secondA.ID, firstA.ID)
	}
	if secondA.Title != firstA.Title || !secondA.StartTime.Equal(firstA.StartTime) {
		t.Errorf("replay changed event fields")
	}
}

func TestReconcilerTombstone(t *testing.T) {
	store := newFakeStore()
	cal := testCalendar(store, "cal-1", db.ProviderGoogle)
	r := NewReconciler(store)

	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	t.Run("upsert then tombstone leaves no event", func(t *testing.T) {
		batch := &ChangeBatch{Records: []ChangeRecord{
			change("a", "Event A", start),
			Tombstone("a"),
		}}

		count, err := r.Apply(context.Background(), cal, batch)
		if err != nil {
			t.Fatalf("apply failed: %v", err)
		}
		if count != 2 {
			t.Fatalf("expected count 2 including the tombstone, got %d", count)
		}
		if store.event("cal-1", "a") != nil {
			t.Error("expected event deleted")
		}
	})

	t.Run("tombstone for absent key is a no-op", func(t *testing.T) {
		batch := &ChangeBatch{Records: []ChangeRecord{Tombstone("never-existed")}}
		count, err := r.Apply(context.Background(), cal, batch)
		if err != nil {
			t.Fatalf("apply failed: %v", err)
		}
		if count != 1 {
			t.Fatalf("expected count 1, got %d", count)
		}
	})
}

func TestReconcilerLastWriteInBatchWins(t *testing.T) {
	store := newFakeStore()
	cal := testCalendar(store, "cal-1", db.ProviderGoogle)
	r := NewReconciler(store)

	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	batch := &ChangeBatch{Records: []ChangeRecord{
		change("a", "Old Title", start),
		change("a", "New Title", start),
	}}

	if _, err := r.Apply(context.Background(), cal, batch); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	event := store.event("cal-1", "a")
	if event == nil {
		t.Fatal("expected event present")
	}
	if event.Title != "New Title" {
		t.Errorf("expected later record to win, got title %q", event.Title)
	}
	if got := store.sourceIDs("cal-1"); len(got) != 1 {
		t.Errorf("expected one event for the natural key, got %d", len(got))
	}
}

func TestReconcilerSnapshotCompleteness(t *testing.T) {
	store := newFakeStore()
	cal := testCalendar(store, "cal-1", db.ProviderIcal)
	r := NewReconciler(store)

	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	// First snapshot: three events.
	first := &ChangeBatch{
		Snapshot: true,
		Records: []ChangeRecord{
			change("a", "A", start),
			change("b", "B", start),
			change("c", "C", start),
		},
	}
	if _, err := r.Apply(context.Background(), cal, first); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}

	// Second snapshot: "b" disappeared upstream.
	second := &ChangeBatch{
		Snapshot: true,
		Records: []ChangeRecord{
			change("a", "A", start),
			change("c", "C", start),
		},
	}
	count, err := r.Apply(context.Background(), cal, second)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if count != 3 { // two upserts plus the deletion-by-absence tombstone
		t.Errorf("expected count 3, got %d", count)
	}

	ids := store.sourceIDs("cal-1")
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "c" {
		t.Errorf("expected events [a c] after snapshot, got %v", ids)
	}
}

func TestReconcilerSnapshotExplicitTombstoneNotDoubleCounted(t *testing.T) {
	store := newFakeStore()
	cal := testCalendar(store, "cal-1", db.ProviderIcal)
	r := NewReconciler(store)

	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	seed := &ChangeBatch{Snapshot: true, Records: []ChangeRecord{change("a", "A", start)}}
	if _, err := r.Apply(context.Background(), cal, seed); err != nil {
		t.Fatalf("seed apply failed: %v", err)
	}

	// The snapshot cancels "a" explicitly; absence detection must not add
	// a second tombstone for it.
	next := &ChangeBatch{Snapshot: true, Records: []ChangeRecord{Tombstone("a")}}
	count, err := r.Apply(context.Background(), cal, next)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected count 1, got %d", count)
	}
	if store.event("cal-1", "a") != nil {
		t.Error("expected event deleted")
	}
}

func TestReconcilerCursorAdvance(t *testing.T) {
	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	t.Run("advances cursor on full-batch success", func(t *testing.T) {
		store := newFakeStore()
		cal := testCalendar(store, "cal-1", db.ProviderGoogle)
		r := NewReconciler(store)

		batch := &ChangeBatch{
			Records:    []ChangeRecord{change("a", "A", start)},
			NextCursor: "cursor-2",
		}
		if _, err := r.Apply(context.Background(), cal, batch); err != nil {
			t.Fatalf("apply failed: %v", err)
		}

		stored, _ := store.GetCalendarByID("cal-1")
		if stored.SyncCursor != "cursor-2" {
			t.Errorf("expected cursor advanced to cursor-2, got %q", stored.SyncCursor)
		}
		if stored.LastSyncedAt == nil {
			t.Error("expected last synced timestamp set")
		}
	})

	t.Run("keeps cursor when batch fails partway", func(t *testing.T) {
		store := newFakeStore()
		cal := testCalendar(store, "cal-1", db.ProviderGoogle)
		cal.SyncCursor = "cursor-1"
		store.failUpsertAt = 2
		r := NewReconciler(store)

		batch := &ChangeBatch{
			Records: []ChangeRecord{
				change("a", "A", start),
				change("b", "B", start),
				change("c", "C", start),
			},
			NextCursor: "cursor-2",
		}
		count, err := r.Apply(context.Background(), cal, batch)
		if err == nil {
			t.Fatal("expected apply to fail")
		}
		if count != 1 {
			t.Errorf("expected 1 record applied before the failure, got %d", count)
		}

		// Already-applied changes stay valid; the cursor does not move,
		// so a retry replays from the last committed position.
		stored, _ := store.GetCalendarByID("cal-1")
		if stored.SyncCursor != "cursor-1" {
			t.Errorf("expected cursor unchanged, got %q", stored.SyncCursor)
		}
		if store.event("cal-1", "a") == nil {
			t.Error("expected first event to remain applied")
		}
	})

	t.Run("preserves cursor when adapter reports none", func(t *testing.T) {
		store := newFakeStore()
		cal := testCalendar(store, "cal-1", db.ProviderGoogle)
		cal.SyncCursor = "cursor-1"
		r := NewReconciler(store)

		batch := &ChangeBatch{Records: []ChangeRecord{change("a", "A", start)}}
		if _, err := r.Apply(context.Background(), cal, batch); err != nil {
			t.Fatalf("apply failed: %v", err)
		}

		stored, _ := store.GetCalendarByID("cal-1")
		if stored.SyncCursor != "cursor-1" {
			t.Errorf("expected cursor preserved, got %q", stored.SyncCursor)
		}
	})

	t.Run("clears cursor when replaced with empty", func(t *testing.T) {
		store := newFakeStore()
		cal := testCalendar(store, "cal-1", db.ProviderGoogle)
		cal.SyncCursor = "stale"
		r := NewReconciler(store)

		batch := &ChangeBatch{
			Records:        []ChangeRecord{change("a", "A", start)},
			NextCursor:     "fresh",
			CursorReplaced: true,
		}
		if _, err := r.Apply(context.Background(), cal, batch); err != nil {
			t.Fatalf("apply failed: %v", err)
		}

		stored, _ := store.GetCalendarByID("cal-1")
		if stored.SyncCursor != "fresh" {
			t.Errorf("expected replaced cursor persisted, got %q", stored.SyncCursor)
		}
	})
}

func TestReconcilerCancellation(t *testing.T) {
	store := newFakeStore()
	cal := testCalendar(store, "cal-1", db.ProviderGoogle)
	r := NewReconciler(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	batch := &ChangeBatch{
		Records:    []ChangeRecord{change("a", "A", start)},
		NextCursor: "cursor-1",
	}

	count, err := r.Apply(ctx, cal, batch)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if count != 0 {
		t.Errorf("expected no records applied, got %d", count)
	}

	stored, _ := store.GetCalendarByID("cal-1")
	if stored.SyncCursor != "" {
		t.Errorf("expected cursor not advanced after cancellation, got %q", stored.SyncCursor)
	}
}
