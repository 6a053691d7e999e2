package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// EventPayload is an inbound analytics event as submitted by a client site.
// It is validated at the edge and carried through the queue unchanged.
type EventPayload struct {
	SiteID    string `json:"site_id"`
	EventType string `json:"event_type"`
	Path      string `json:"path,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// EventPayloadFromMap builds an EventPayload from a decoded JSON object.
// Non-string values are dropped; the validator has already rejected them.
func EventPayloadFromMap(data map[string]interface{}) EventPayload {
	return EventPayload{
		SiteID:    stringField(data, "site_id"),
		EventType: stringField(data, "event_type"),
		Path:      stringField(data, "path"),
		UserID:    stringField(data, "user_id"),
		Timestamp: stringField(data, "timestamp"),
	}
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// StoredEvent is the durable, append-only form of an event. DedupeKey equals
// the queue job id, so a retry after a partial success cannot insert twice.
type StoredEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SiteID    string    `gorm:"not null;index:idx_events_site_timestamp,priority:1" json:"site_id"`
	EventType string    `gorm:"not null" json:"event_type"`
	Path      *string   `json:"path"`
	UserID    *string   `gorm:"index" json:"user_id"`
	Timestamp time.Time `gorm:"not null;index:idx_events_site_timestamp,priority:2,sort:desc" json:"timestamp"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	DedupeKey string    `gorm:"not null;uniqueIndex" json:"dedupe_key"`
}

// TableName sets the table name for stored events
func (StoredEvent) TableName() string {
	return "events"
}

// PathCount is one ranked entry in the top-paths report
type PathCount struct {
	Path  string `json:"path"`
	Views int64  `json:"views"`
}

// DailyStats aggregates one site's events over a UTC day
type DailyStats struct {
	TotalViews  int64       `json:"total_views"`
	UniqueUsers int64       `json:"unique_users"`
	TopPaths    []PathCount `json:"top_paths"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	if err := db.AutoMigrate(&StoredEvent{}); err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}
	return nil
}
