package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/macjediwizard/calhub/internal/db"
)

const (
	// googlePageSize is the maximum page size the events API allows.
	googlePageSize = 2500

	// defaultSyncWindow bounds full fetches when no cursor is usable.
	defaultSyncWindow = 3 // months
)

// GoogleAdapter syncs a calendar through the Google Calendar API using
// the incremental sync-token protocol, falling back to a bounded
// time-window fetch when the stored token is rejected.
type GoogleAdapter struct {
	creds        CredentialSource
	windowMonths int
	endpoint     string
	now          func() time.Time
}

// GoogleOption configures a GoogleAdapter.
type GoogleOption func(*GoogleAdapter)

// WithSyncWindow sets the full-fetch window in months.
func WithSyncWindow(months int) GoogleOption {
	return func(a *GoogleAdapter) {
		if months > 0 {
			a.windowMonths = months
		}
	}
}

// WithEndpoint overrides the API base URL. Used by tests.
func WithEndpoint(endpoint string) GoogleOption {
	return func(a *GoogleAdapter) {
		a.endpoint = endpoint
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) GoogleOption {
	return func(a *GoogleAdapter) {
		a.now = now
	}
}

// NewGoogleAdapter creates a Google Calendar adapter.
func NewGoogleAdapter(creds CredentialSource, opts ...GoogleOption) *GoogleAdapter {
	a := &GoogleAdapter{
		creds:        creds,
		windowMonths: defaultSyncWindow,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// FetchChanges fetches changes since the calendar's stored cursor, or the
// full bounded window when no cursor exists. A cursor rejected by the
// upstream (HTTP 410) is handled here with one internal full refetch; the
// caller only ever sees a successful batch or a terminal error.
func (a *GoogleAdapter) FetchChanges(ctx context.Context, cal *db.Calendar) (*ChangeBatch, error) {
	ts, err := a.creds.TokenSource(ctx, cal)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}

	svcOpts := []option.ClientOption{option.WithTokenSource(ts)}
	if a.endpoint != "" {
		svcOpts = append(svcOpts, option.WithEndpoint(a.endpoint))
	}
	svc, err := calendar.NewService(ctx, svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create calendar client: %w", ErrTransientNetwork, err)
	}

	batch, err := a.fetch(ctx, svc, cal.CalendarIdentifier, cal.SyncCursor)
	if errors.Is(err, ErrCursorInvalidated) {
		// Stale cursor: rebuild from a full windowed fetch. The fresh
		// batch carries a brand-new cursor and replaces the old one.
		batch, err = a.fetch(ctx, svc, cal.CalendarIdentifier, "")
		if err != nil {
			return nil, err
		}
		batch.CursorReplaced = true
		return batch, nil
	}
	if err != nil {
		return nil, err
	}

	return batch, nil
}

// fetch lists events incrementally when cursor is set, or over the
// bounded window when it is empty, following pagination to the end.
func (a *GoogleAdapter) fetch(ctx context.Context, svc *calendar.Service, calendarID, cursor string) (*ChangeBatch, error) {
	batch := &ChangeBatch{}

	pageToken := ""
	for {
		call := svc.Events.List(calendarID).
			Context(ctx).
			MaxResults(googlePageSize)

		if cursor != "" {
			call = call.SyncToken(cursor)
		} else {
			now := a.now().UTC()
			call = call.
				TimeMin(now.Format(time.RFC3339)).
				TimeMax(now.AddDate(0, a.windowMonths, 0).Format(time.RFC3339)).
				ShowDeleted(false)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, classifyGoogleError(err)
		}

		for _, item := range resp.Items {
			batch.Records = append(batch.Records, mapGoogleItem(item))
		}

		if resp.NextSyncToken != "" {
			batch.NextCursor = resp.NextSyncToken
		}
		if resp.NextPageToken == "" {
			return batch, nil
		}
		pageToken = resp.NextPageToken
	}
}

// mapGoogleItem normalizes one upstream item into a change record.
// A cancelled item always yields a tombstone, never an upsert.
func mapGoogleItem(item *calendar.Event) ChangeRecord {
	if item.Status == "cancelled" {
		return Tombstone(item.Id)
	}

	event := &EventChange{
		SourceEventID: item.Id,
		Title:         item.Summary,
		Description:   item.Description,
		Location:      item.Location,
		Status:        item.Status,
	}

	// All-day iff the start value is a bare date with no time component.
	event.StartTime, event.IsAllDay = parseGoogleTime(item.Start)
	event.EndTime, _ = parseGoogleTime(item.End)
	if event.EndTime.IsZero() {
		event.EndTime = event.StartTime.Add(time.Hour)
	}

	if item.Organizer != nil {
		event.OrganizerEmail = item.Organizer.Email
		event.OrganizerName = item.Organizer.DisplayName
	}

	for _, attendee := range item.Attendees {
		if attendee.Email != "" {
			event.Attendees = append(event.Attendees, attendee.Email)
		}
	}

	if len(item.Recurrence) > 0 {
		event.RecurrenceRule = strings.Join(item.Recurrence, "\n")
	}

	event.Extension = googleExtension(item)

	return Upsert(event)
}

// parseGoogleTime parses an upstream date or datetime value. The second
// return value reports whether the value was a bare date.
func parseGoogleTime(dt *calendar.EventDateTime) (time.Time, bool) {
	if dt == nil {
		return time.Time{}, false
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, false
		}
		return t, false
	}
	if dt.Date != "" {
		t, err := time.Parse("2006-01-02", dt.Date)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// googleExtension collects upstream fields with no canonical column.
func googleExtension(item *calendar.Event) map[string]any {
	ext := make(map[string]any)
	if item.HtmlLink != "" {
		ext["htmlLink"] = item.HtmlLink
	}
	if item.ICalUID != "" {
		ext["iCalUID"] = item.ICalUID
	}
	if item.Created != "" {
		ext["created"] = item.Created
	}
	if item.Updated != "" {
		ext["updated"] = item.Updated
	}
	if item.ColorId != "" {
		ext["colorId"] = item.ColorId
	}
	if item.Transparency != "" {
		ext["transparency"] = item.Transparency
	}
	if item.Visibility != "" {
		ext["visibility"] = item.Visibility
	}
	if item.Etag != "" {
		ext["etag"] = item.Etag
	}
	if item.Sequence != 0 {
		ext["sequence"] = item.Sequence
	}
	if item.Creator != nil && item.Creator.Email != "" {
		ext["creatorEmail"] = item.Creator.Email
	}
	if len(ext) == 0 {
		return nil
	}
	return ext
}

// classifyGoogleError maps API failures onto the engine's error taxonomy.
func classifyGoogleError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusGone:
			return fmt.Errorf("%w: %w", ErrCursorInvalidated, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrAuthExpired, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
}
