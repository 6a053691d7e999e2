package repositories

import (
	"context"
	"time"

	"example.com/analytics/services/ingest/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventRepository provides access to stored events
type EventRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *gorm.DB, readOnlyDB *gorm.DB) *EventRepository {
	return &EventRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create inserts a stored event. Inserts are idempotent on the dedupe key:
// a redelivered job whose earlier attempt already landed is silently absorbed
// instead of producing a duplicate row.
func (r *EventRepository) Create(ctx context.Context, event *models.StoredEvent) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedupe_key"}},
			DoNothing: true,
		}).
		Create(event).Error
	if err != nil {
		return errors.Wrap(err, "failed to insert event")
	}
	return nil
}

// CountEvents counts events for a site within a time window
func (r *EventRepository) CountEvents(ctx context.Context, siteID string, from, to time.Time) (int64, error) {
	var count int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.StoredEvent{}).
		Where("site_id = ? AND timestamp >= ? AND timestamp <= ?", siteID, from, to).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count events")
	}
	return count, nil
}

// CountUniqueUsers counts distinct non-null user ids for a site within a
// time window
func (r *EventRepository) CountUniqueUsers(ctx context.Context, siteID string, from, to time.Time) (int64, error) {
	var count int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.StoredEvent{}).
		Where("site_id = ? AND timestamp >= ? AND timestamp <= ? AND user_id IS NOT NULL", siteID, from, to).
		Distinct("user_id").
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count unique users")
	}
	return count, nil
}

// TopPaths returns the most viewed non-null paths for a site within a time
// window, ranked by view count. Ties are ordered by path so the ranking is
// deterministic.
func (r *EventRepository) TopPaths(ctx context.Context, siteID string, from, to time.Time, limit int) ([]models.PathCount, error) {
	var paths []models.PathCount
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.StoredEvent{}).
		Select("path, COUNT(*) AS views").
		Where("site_id = ? AND timestamp >= ? AND timestamp <= ? AND path IS NOT NULL", siteID, from, to).
		Group("path").
		Order("views DESC, path ASC").
		Limit(limit).
		Scan(&paths).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to rank paths")
	}
	return paths, nil
}
