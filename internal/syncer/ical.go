package syncer

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/macjediwizard/calhub/internal/db"
)

const icalFetchTimeout = 30 * time.Second

// IcalAdapter syncs a calendar from a flat ICS feed. The provider has no
// incremental protocol: every run fetches and reparses the whole feed,
// and the batch is marked as a snapshot so the reconciler can delete
// events that disappeared from it.
type IcalAdapter struct {
	client *http.Client
}

// NewIcalAdapter creates an iCal feed adapter.
// A nil client selects a default with a request timeout.
func NewIcalAdapter(client *http.Client) *IcalAdapter {
	if client == nil {
		client = &http.Client{Timeout: icalFetchTimeout}
	}
	return &IcalAdapter{client: client}
}

// FetchChanges downloads and parses the calendar's feed URL and returns
// the full upstream state as a snapshot batch.
func (a *IcalAdapter) FetchChanges(ctx context.Context, cal *db.Calendar) (*ChangeBatch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cal.CalendarIdentifier, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid feed URL: %w", ErrMalformedFeed, err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: feed returned status %d", ErrAuthExpired, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: feed returned status %d", ErrTransientNetwork, resp.StatusCode)
	}

	parsed, err := ical.NewDecoder(resp.Body).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFeed, err)
	}

	batch := &ChangeBatch{Snapshot: true}

	// Only VEVENT components are considered; timezone definitions and
	// other component types are skipped by Events() itself.
	for _, evt := range parsed.Events() {
		record, ok := mapIcalEvent(evt)
		if !ok {
			continue
		}
		batch.Records = append(batch.Records, record)
	}

	return batch, nil
}

// mapIcalEvent normalizes one VEVENT into a change record. Entries with
// no UID or no start time cannot be keyed or placed and are skipped.
func mapIcalEvent(evt ical.Event) (ChangeRecord, bool) {
	uid, err := evt.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		log.Printf("Skipping feed entry without UID")
		return ChangeRecord{}, false
	}

	status, _ := evt.Props.Text(ical.PropStatus)
	if strings.EqualFold(status, "CANCELLED") {
		return Tombstone(uid), true
	}

	dtstart := evt.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		log.Printf("Skipping feed entry %s without DTSTART", uid)
		return ChangeRecord{}, false
	}

	startTime, err := dtstart.DateTime(time.UTC)
	if err != nil {
		log.Printf("Skipping feed entry %s with unparsable DTSTART: %v", uid, err)
		return ChangeRecord{}, false
	}

	event := &EventChange{
		SourceEventID: uid,
		StartTime:     startTime,
		IsAllDay:      isDateOnly(dtstart),
		Status:        status,
	}
	if event.Status == "" {
		event.Status = "CONFIRMED"
	}

	event.Title, _ = evt.Props.Text(ical.PropSummary)
	event.Description, _ = evt.Props.Text(ical.PropDescription)
	event.Location, _ = evt.Props.Text(ical.PropLocation)

	if dtend := evt.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		if endTime, err := dtend.DateTime(time.UTC); err == nil {
			event.EndTime = endTime
		}
	}
	if event.EndTime.IsZero() {
		// Feeds may omit DTEND entirely
		event.EndTime = event.StartTime.Add(time.Hour)
	}

	if organizer := evt.Props.Get(ical.PropOrganizer); organizer != nil {
		event.OrganizerEmail, event.OrganizerName = normalizeCalAddress(organizer)
	}

	for _, attendee := range evt.Props.Values(ical.PropAttendee) {
		if email, _ := normalizeCalAddress(&attendee); email != "" {
			event.Attendees = append(event.Attendees, email)
		}
	}

	if rrule := evt.Props.Get(ical.PropRecurrenceRule); rrule != nil {
		event.RecurrenceRule = rrule.Value
	}

	event.Extension = icalExtension(evt)

	return Upsert(event), true
}

// normalizeCalAddress flattens the two organizer/attendee encodings a
// feed may use (a bare, possibly mailto:-prefixed string, or a
// cal-address value with a CN parameter) into an email and optional
// display name.
func normalizeCalAddress(prop *ical.Prop) (email, displayName string) {
	email = strings.TrimPrefix(strings.TrimSpace(prop.Value), "mailto:")
	email = strings.TrimPrefix(email, "MAILTO:")
	displayName = prop.Params.Get(ical.ParamCommonName)
	return email, displayName
}

// isDateOnly reports whether a DTSTART carries no time component.
func isDateOnly(prop *ical.Prop) bool {
	if prop.Params.Get(ical.ParamValue) == "DATE" {
		return true
	}
	// Bare date values (YYYYMMDD) sometimes appear without VALUE=DATE
	return len(prop.Value) == 8 && !strings.Contains(prop.Value, "T")
}

// icalExtension collects feed properties with no canonical column.
func icalExtension(evt ical.Event) map[string]any {
	ext := make(map[string]any)
	for name, key := range map[string]string{
		ical.PropDateTimeStamp: "dtstamp",
		ical.PropCreated:       "created",
		ical.PropLastModified:  "lastModified",
		ical.PropSequence:      "sequence",
		ical.PropTransparency:  "transparency",
		ical.PropURL:           "url",
	} {
		if prop := evt.Props.Get(name); prop != nil && prop.Value != "" {
			ext[key] = prop.Value
		}
	}
	if len(ext) == 0 {
		return nil
	}
	return ext
}
