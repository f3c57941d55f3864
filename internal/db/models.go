package db

import (
	"time"
)

// Provider identifies the upstream system a calendar is synced from.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderIcal   Provider = "ical"
)

// ValidProviders contains all valid provider values.
var ValidProviders = map[Provider]bool{
	ProviderGoogle: true,
	ProviderIcal:   true,
}

// IsValid returns true if the provider is a known valid value.
func (p Provider) IsValid() bool {
	return ValidProviders[p]
}

// SyncStatus represents the outcome of a sync run.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusError   SyncStatus = "error"
)

// Calendar represents a connected upstream calendar.
// (Provider, CalendarIdentifier) is unique: a given upstream resource is
// tracked by at most one local calendar.
type Calendar struct {
	ID                 string     `json:"id"`
	Provider           Provider   `json:"provider"`
	CalendarIdentifier string     `json:"calendar_identifier"` // "primary" for Google, feed URL for iCal
	DisplayName        string     `json:"display_name"`
	AccountEmail       string     `json:"account_email,omitempty"`
	CredentialID       string     `json:"-"` // opaque handle to stored tokens; empty for iCal
	SyncCursor         string     `json:"-"` // opaque provider cursor; empty means full fetch
	LastSyncedAt       *time.Time `json:"last_synced_at"`
	IsActive           bool       `json:"is_active"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Credential holds an OAuth token pair for a calendar.
// AccessToken and RefreshToken are stored encrypted at rest.
type Credential struct {
	ID           string     `json:"id"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Event is a reconciled calendar event in the canonical store.
// (CalendarID, SourceEventID) is the natural key used for upsert and
// delete matching; ID is a storage surrogate with no sync semantics.
type Event struct {
	ID             string         `json:"id"`
	CalendarID     string         `json:"calendar_id"`
	SourceEventID  string         `json:"source_event_id"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Location       string         `json:"location,omitempty"`
	OrganizerEmail string         `json:"organizer_email,omitempty"`
	OrganizerName  string         `json:"organizer_name,omitempty"`
	StartTime      time.Time      `json:"start_time"`
	EndTime        time.Time      `json:"end_time"`
	IsAllDay       bool           `json:"is_all_day"`
	Status         string         `json:"status,omitempty"`
	RecurrenceRule string         `json:"recurrence_rule,omitempty"` // raw, never expanded
	Attendees      []string       `json:"attendees,omitempty"`
	Extension      map[string]any `json:"extension,omitempty"` // provider-specific metadata, opaque here
	LastUpdatedAt  time.Time      `json:"last_updated_at"`
	CreatedAt      time.Time      `json:"created_at"`
}

// SyncLog records the outcome of one sync run for a calendar.
type SyncLog struct {
	ID         string        `json:"id"`
	CalendarID string        `json:"calendar_id"`
	Status     SyncStatus    `json:"status"`
	Message    string        `json:"message"`
	Count      int           `json:"count"`
	Duration   time.Duration `json:"duration"`
	CreatedAt  time.Time     `json:"created_at"`
}
