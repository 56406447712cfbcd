package storage

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertMediaItem creates or updates a library entity keyed by external ID.
func (s *DB) UpsertMediaItem(item *MediaItem) error {
	item.UpdatedAt = time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = item.UpdatedAt
	}
	return s.gorm.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"kind", "title", "year", "monitored", "updated_at",
		}),
	}).Create(item).Error
}

// GetMediaItem retrieves a library entity by external ID.
func (s *DB) GetMediaItem(externalID int64) (*MediaItem, error) {
	var item MediaItem
	err := s.gorm.First(&item, "external_id = ?", externalID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// SetMediaArr stamps the arr linkage on a media item.
func (s *DB) SetMediaArr(externalID int64, arrID int64, arrType, arrPath string) error {
	return s.gorm.Model(&MediaItem{}).Where("external_id = ?", externalID).Updates(map[string]interface{}{
		"arr_id":     arrID,
		"arr_type":   arrType,
		"arr_path":   arrPath,
		"monitored":  true,
		"updated_at": time.Now(),
	}).Error
}

// UpsertMediaEpisode records one episode row; the (external_id, season,
// episode) triple is unique.
func (s *DB) UpsertMediaEpisode(ep *MediaEpisode) error {
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now()
	}
	return s.gorm.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}, {Name: "season"}, {Name: "episode"}},
		DoUpdates: clause.AssignmentColumns([]string{"task_id"}),
	}).Create(ep).Error
}

// GetMediaEpisodes returns all recorded episodes for a series.
func (s *DB) GetMediaEpisodes(externalID int64) ([]MediaEpisode, error) {
	var eps []MediaEpisode
	err := s.gorm.Where("external_id = ?", externalID).
		Order("season asc, episode asc").
		Find(&eps).Error
	return eps, err
}
