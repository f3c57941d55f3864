package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateCalendar creates a new calendar record.
// Returns ErrDuplicate if a calendar already tracks the same
// (provider, calendar_identifier) resource.
func (db *DB) CreateCalendar(cal *Calendar) error {
	if cal.ID == "" {
		cal.ID = uuid.New().String()
	}
	cal.CreatedAt = time.Now().UTC()
	cal.UpdatedAt = cal.CreatedAt

	query := `INSERT INTO calendars (
		id, provider, calendar_identifier, display_name, account_email,
		credential_id, sync_cursor, is_active, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query,
		cal.ID, cal.Provider, cal.CalendarIdentifier, cal.DisplayName,
		nullString(cal.AccountEmail), nullString(cal.CredentialID),
		nullString(cal.SyncCursor), cal.IsActive, cal.CreatedAt, cal.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: calendar for %s resource %q already exists",
				ErrDuplicate, cal.Provider, cal.CalendarIdentifier)
		}
		return fmt.Errorf("failed to create calendar: %w", err)
	}

	return nil
}

// GetCalendarByID returns a calendar by its ID.
func (db *DB) GetCalendarByID(id string) (*Calendar, error) {
	query := calendarSelect + ` WHERE id = ?`
	return scanCalendar(db.conn.QueryRow(query, id))
}

// GetActiveCalendars returns all active calendars ordered by creation time.
func (db *DB) GetActiveCalendars() ([]*Calendar, error) {
	query := calendarSelect + ` WHERE is_active = 1 ORDER BY created_at`
	return db.queryCalendars(query)
}

// GetCalendars returns all calendars ordered by creation time.
func (db *DB) GetCalendars() ([]*Calendar, error) {
	query := calendarSelect + ` ORDER BY created_at`
	return db.queryCalendars(query)
}

// UpdateCalendarCursor advances a calendar's sync cursor and last-synced
// timestamp in a single statement. An empty cursor clears the stored one,
// forcing the next sync to do a full fetch.
func (db *DB) UpdateCalendarCursor(id, cursor string, syncedAt time.Time) error {
	query := `UPDATE calendars SET sync_cursor = ?, last_synced_at = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, nullString(cursor), syncedAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update calendar cursor: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// SetCalendarActive enables or disables a calendar.
func (db *DB) SetCalendarActive(id string, active bool) error {
	query := `UPDATE calendars SET is_active = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set calendar active: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteCalendar deletes a calendar; its events cascade.
func (db *DB) DeleteCalendar(id string) error {
	result, err := db.conn.Exec(`DELETE FROM calendars WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete calendar: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

const calendarSelect = `SELECT id, provider, calendar_identifier, display_name,
	account_email, credential_id, sync_cursor, last_synced_at, is_active,
	created_at, updated_at FROM calendars`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanCalendar scans a single row into a Calendar struct.
func scanCalendar(row rowScanner) (*Calendar, error) {
	cal := &Calendar{}
	var accountEmail, credentialID, syncCursor sql.NullString
	var lastSyncedAt sql.NullTime

	err := row.Scan(
		&cal.ID, &cal.Provider, &cal.CalendarIdentifier, &cal.DisplayName,
		&accountEmail, &credentialID, &syncCursor, &lastSyncedAt, &cal.IsActive,
		&cal.CreatedAt, &cal.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan calendar: %w", err)
	}

	cal.AccountEmail = accountEmail.String
	cal.CredentialID = credentialID.String
	cal.SyncCursor = syncCursor.String
	if lastSyncedAt.Valid {
		cal.LastSyncedAt = &lastSyncedAt.Time
	}

	return cal, nil
}

func (db *DB) queryCalendars(query string, args ...any) ([]*Calendar, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendars: %w", err)
	}
	defer rows.Close()

	var calendars []*Calendar
	for rows.Next() {
		cal, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		calendars = append(calendars, cal)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calendars: %w", err)
	}

	return calendars, nil
}

// CreateCredential stores an encrypted token pair.
func (db *DB) CreateCredential(cred *Credential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	cred.CreatedAt = time.Now().UTC()
	cred.UpdatedAt = cred.CreatedAt

	query := `INSERT INTO credentials (id, access_token, refresh_token, token_expiry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, cred.ID, cred.AccessToken, nullString(cred.RefreshToken),
		cred.TokenExpiry, cred.CreatedAt, cred.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}

	return nil
}

// GetCredentialByID returns a credential by its ID.
func (db *DB) GetCredentialByID(id string) (*Credential, error) {
	query := `SELECT id, access_token, refresh_token, token_expiry, created_at, updated_at
		FROM credentials WHERE id = ?`

	cred := &Credential{}
	var refreshToken sql.NullString
	var tokenExpiry sql.NullTime

	err := db.conn.QueryRow(query, id).Scan(&cred.ID, &cred.AccessToken, &refreshToken,
		&tokenExpiry, &cred.CreatedAt, &cred.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	cred.RefreshToken = refreshToken.String
	if tokenExpiry.Valid {
		cred.TokenExpiry = &tokenExpiry.Time
	}

	return cred, nil
}

// UpdateCredential replaces the stored token pair for a credential.
func (db *DB) UpdateCredential(cred *Credential) error {
	cred.UpdatedAt = time.Now().UTC()

	query := `UPDATE credentials SET access_token = ?, refresh_token = ?, token_expiry = ?, updated_at = ?
		WHERE id = ?`

	result, err := db.conn.Exec(query, cred.AccessToken, nullString(cred.RefreshToken),
		cred.TokenExpiry, cred.UpdatedAt, cred.ID)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteCredential removes a credential.
func (db *DB) DeleteCredential(id string) error {
	_, err := db.conn.Exec(`DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// CreateSyncLog creates a new sync log entry.
func (db *DB) CreateSyncLog(log *SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	log.CreatedAt = time.Now().UTC()

	query := `INSERT INTO sync_logs (id, calendar_id, status, message, count, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, log.ID, log.CalendarID, log.Status, log.Message,
		log.Count, log.Duration.Milliseconds(), log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}

	return nil
}

// GetSyncLogs returns recent sync logs for a calendar.
func (db *DB) GetSyncLogs(calendarID string, limit int) ([]*SyncLog, error) {
	query := `SELECT id, calendar_id, status, message, count, duration_ms, created_at
		FROM sync_logs WHERE calendar_id = ? ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, calendarID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log := &SyncLog{}
		var message sql.NullString
		var durationMs int64
		err := rows.Scan(&log.ID, &log.CalendarID, &log.Status, &message, &log.Count,
			&durationMs, &log.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		log.Message = message.String
		log.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}

	return logs, nil
}

// CleanOldSyncLogs deletes sync logs older than the given time.
func (db *DB) CleanOldSyncLogs(olderThan time.Time) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM sync_logs WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

// nullString converts an empty string to a NULL database value.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueConstraintError checks if the error is a UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
