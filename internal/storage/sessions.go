package storage

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetSession returns the persisted host session, or ErrNotFound.
func (s *DB) GetSession(host string) (*Session, error) {
	var sess Session
	err := s.gorm.First(&sess, "host = ?", host).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// SaveSession upserts the single session row for a host.
func (s *DB) SaveSession(sess *Session) error {
	return s.gorm.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "host"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"session_id", "token", "created_at", "last_validated",
		}),
	}).Create(sess).Error
}

// DeleteSession drops the persisted session for a host.
func (s *DB) DeleteSession(host string) error {
	return s.gorm.Delete(&Session{}, "host = ?", host).Error
}
