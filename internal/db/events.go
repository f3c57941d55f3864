package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetEventByNaturalKey returns the event matching (calendarID, sourceEventID).
func (db *DB) GetEventByNaturalKey(calendarID, sourceEventID string) (*Event, error) {
	query := eventSelect + ` WHERE calendar_id = ? AND source_event_id = ?`
	return scanEvent(db.conn.QueryRow(query, calendarID, sourceEventID))
}

// UpsertEvent inserts an event or, if one already exists for the natural
// key, overwrites all of its fields. Safe to repeat with identical input:
// re-applying an unchanged event only refreshes last_updated_at.
func (db *DB) UpsertEvent(event *Event) error {
	event.LastUpdatedAt = time.Now().UTC()

	attendees, err := marshalJSONColumn(event.Attendees)
	if err != nil {
		return fmt.Errorf("failed to encode attendees: %w", err)
	}
	extension, err := marshalJSONColumn(event.Extension)
	if err != nil {
		return fmt.Errorf("failed to encode extension: %w", err)
	}

	// Try to update first
	query := `UPDATE events SET
		title = ?, description = ?, location = ?, organizer_email = ?, organizer_name = ?,
		start_time = ?, end_time = ?, is_all_day = ?, status = ?, recurrence_rule = ?,
		attendees = ?, extension = ?, last_updated_at = ?
		WHERE calendar_id = ? AND source_event_id = ?`

	result, err := db.conn.Exec(query,
		event.Title, nullString(event.Description), nullString(event.Location),
		nullString(event.OrganizerEmail), nullString(event.OrganizerName),
		event.StartTime, event.EndTime, event.IsAllDay, nullString(event.Status),
		nullString(event.RecurrenceRule), attendees, extension, event.LastUpdatedAt,
		event.CalendarID, event.SourceEventID,
	)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		// Insert new record
		if event.ID == "" {
			event.ID = uuid.New().String()
		}
		event.CreatedAt = event.LastUpdatedAt

		insertQuery := `INSERT INTO events (
			id, calendar_id, source_event_id, title, description, location,
			organizer_email, organizer_name, start_time, end_time, is_all_day,
			status, recurrence_rule, attendees, extension, last_updated_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

		_, err = db.conn.Exec(insertQuery,
			event.ID, event.CalendarID, event.SourceEventID, event.Title,
			nullString(event.Description), nullString(event.Location),
			nullString(event.OrganizerEmail), nullString(event.OrganizerName),
			event.StartTime, event.EndTime, event.IsAllDay, nullString(event.Status),
			nullString(event.RecurrenceRule), attendees, extension,
			event.LastUpdatedAt, event.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	return nil
}

// DeleteEvent deletes the event matching the natural key.
// Deleting a non-existent event is not an error.
func (db *DB) DeleteEvent(calendarID, sourceEventID string) error {
	query := `DELETE FROM events WHERE calendar_id = ? AND source_event_id = ?`

	_, err := db.conn.Exec(query, calendarID, sourceEventID)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}

	return nil
}

// ListEventSourceIDs returns the source event ids currently stored for a calendar.
func (db *DB) ListEventSourceIDs(calendarID string) ([]string, error) {
	rows, err := db.conn.Query(`SELECT source_event_id FROM events WHERE calendar_id = ?`, calendarID)
	if err != nil {
		return nil, fmt.Errorf("failed to query event source ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan source id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source ids: %w", err)
	}

	return ids, nil
}

// EventFilter narrows ListEvents results.
type EventFilter struct {
	CalendarID string
	Start      *time.Time // events starting at or after
	End        *time.Time // events ending at or before
	Limit      int
	Offset     int
}

// ListEvents returns events ordered by start time, optionally filtered by
// calendar and time window.
func (db *DB) ListEvents(filter EventFilter) ([]*Event, error) {
	query := eventSelect + ` WHERE 1=1`
	var args []any

	if filter.CalendarID != "" {
		query += ` AND calendar_id = ?`
		args = append(args, filter.CalendarID)
	}
	if filter.Start != nil {
		query += ` AND start_time >= ?`
		args = append(args, *filter.Start)
	}
	if filter.End != nil {
		query += ` AND end_time <= ?`
		args = append(args, *filter.End)
	}

	query += ` ORDER BY start_time`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// CountEvents returns the number of stored events for a calendar.
func (db *DB) CountEvents(calendarID string) (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM events WHERE calendar_id = ?`, calendarID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

const eventSelect = `SELECT id, calendar_id, source_event_id, title, description,
	location, organizer_email, organizer_name, start_time, end_time, is_all_day,
	status, recurrence_rule, attendees, extension, last_updated_at, created_at
	FROM events`

// scanEvent scans a single row into an Event struct.
func scanEvent(row rowScanner) (*Event, error) {
	event := &Event{}
	var title, description, location, organizerEmail, organizerName sql.NullString
	var status, recurrenceRule, attendees, extension sql.NullString

	err := row.Scan(
		&event.ID, &event.CalendarID, &event.SourceEventID, &title, &description,
		&location, &organizerEmail, &organizerName, &event.StartTime, &event.EndTime,
		&event.IsAllDay, &status, &recurrenceRule, &attendees, &extension,
		&event.LastUpdatedAt, &event.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.Title = title.String
	event.Description = description.String
	event.Location = location.String
	event.OrganizerEmail = organizerEmail.String
	event.OrganizerName = organizerName.String
	event.Status = status.String
	event.RecurrenceRule = recurrenceRule.String

	if attendees.Valid && attendees.String != "" {
		if err := json.Unmarshal([]byte(attendees.String), &event.Attendees); err != nil {
			return nil, fmt.Errorf("failed to decode attendees: %w", err)
		}
	}
	if extension.Valid && extension.String != "" {
		if err := json.Unmarshal([]byte(extension.String), &event.Extension); err != nil {
			return nil, fmt.Errorf("failed to decode extension: %w", err)
		}
	}

	return event, nil
}

// marshalJSONColumn encodes a value for a JSON text column, mapping empty
// values to NULL.
func marshalJSONColumn(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case []string:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
