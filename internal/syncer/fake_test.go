package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/macjediwizard/calhub/internal/db"
)

// fakeStore is an in-memory Store for engine tests.
type fakeStore struct {
	mu        sync.Mutex
	calendars map[string]*db.Calendar
	events    map[string]*db.Event // naturalKey -> event

	upsertCalls  int
	failUpsertAt int // fail the Nth upsert call (1-based); 0 disables
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		calendars: make(map[string]*db.Calendar),
		events:    make(map[string]*db.Event),
	}
}

func naturalKey(calendarID, sourceEventID string) string {
	return calendarID + "|" + sourceEventID
}

func (s *fakeStore) addCalendar(cal *db.Calendar) *db.Calendar {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendars[cal.ID] = cal
	return cal
}

func (s *fakeStore) GetCalendarByID(id string) (*db.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cal, ok := s.calendars[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return cal, nil
}

func (s *fakeStore) GetActiveCalendars() ([]*db.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var calendars []*db.Calendar
	for _, cal := range s.calendars {
		if cal.IsActive {
			calendars = append(calendars, cal)
		}
	}
	sort.Slice(calendars, func(i, j int) bool { return calendars[i].ID < calendars[j].ID })
	return calendars, nil
}

func (s *fakeStore) UpdateCalendarCursor(id, cursor string, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cal, ok := s.calendars[id]
	if !ok {
		return db.ErrNotFound
	}
	cal.SyncCursor = cursor
	cal.LastSyncedAt = &syncedAt
	return nil
}

func (s *fakeStore) GetEventByNaturalKey(calendarID, sourceEventID string) (*db.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[naturalKey(calendarID, sourceEventID)]
	if !ok {
		return nil, db.ErrNotFound
	}
	return event, nil
}

func (s *fakeStore) UpsertEvent(event *db.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertCalls++
	if s.failUpsertAt > 0 && s.upsertCalls == s.failUpsertAt {
		return fmt.Errorf("simulated store failure")
	}

	key := naturalKey(event.CalendarID, event.SourceEventID)
	if existing, ok := s.events[key]; ok {
		event.ID = existing.ID
		event.CreatedAt = existing.CreatedAt
	} else {
		event.ID = fmt.Sprintf("ev-%d", len(s.events)+1)
		event.CreatedAt = time.Now().UTC()
	}
	event.LastUpdatedAt = time.Now().UTC()
	s.events[key] = event
	return nil
}

func (s *fakeStore) DeleteEvent(calendarID, sourceEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, naturalKey(calendarID, sourceEventID))
	return nil
}

func (s *fakeStore) ListEventSourceIDs(calendarID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, event := range s.events {
		if event.CalendarID == calendarID {
			ids = append(ids, event.SourceEventID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// sourceIDs returns the stored source ids for a calendar, sorted.
func (s *fakeStore) sourceIDs(calendarID string) []string {
	ids, _ := s.ListEventSourceIDs(calendarID)
	return ids
}

// event returns the stored event for a natural key, or nil.
func (s *fakeStore) event(calendarID, sourceEventID string) *db.Event {
	event, err := s.GetEventByNaturalKey(calendarID, sourceEventID)
	if err != nil {
		return nil
	}
	return event
}

// stubAdapter returns a fixed batch, or an error for selected calendars.
type stubAdapter struct {
	batch   *ChangeBatch
	err     error
	failFor map[string]error // calendarID -> error

	mu      sync.Mutex
	fetches int

	block chan struct{} // when set, FetchChanges waits until closed
}

func (a *stubAdapter) FetchChanges(ctx context.Context, cal *db.Calendar) (*ChangeBatch, error) {
	a.mu.Lock()
	a.fetches++
	a.mu.Unlock()

	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err, ok := a.failFor[cal.ID]; ok {
		return nil, err
	}
	if a.err != nil {
		return nil, a.err
	}
	if a.batch != nil {
		return a.batch, nil
	}
	return &ChangeBatch{}, nil
}

// staticCreds is a CredentialSource returning a fixed token.
type staticCreds struct {
	err error
}

func (c *staticCreds) TokenSource(ctx context.Context, cal *db.Calendar) (oauth2.TokenSource, error) {
	if c.err != nil {
		return nil, c.err
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}), nil
}

// change builds a minimal upsert record for tests.
func change(sourceID, title string, start time.Time) ChangeRecord {
	return Upsert(&EventChange{
		SourceEventID: sourceID,
		Title:         title,
		StartTime:     start,
		EndTime:       start.Add(time.Hour),
		Status:        "confirmed",
	})
}
