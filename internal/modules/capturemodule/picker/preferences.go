package picker

import (
	"fmt"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sweetshark/sweetshark/internal/database"
)

// DefaultProfileKey is the preference row used by the single-user shell.
const DefaultProfileKey = "default"

// PreferenceStore persists the share-audio toggle across picker
// invocations. With a nil database the store degrades to in-memory,
// keeping the toggle for the current run only.
type PreferenceStore struct {
	db *gorm.DB

	mu  sync.RWMutex
	mem map[string]bool
}

// NewPreferenceStore creates a store backed by db, which may be nil.
func NewPreferenceStore(db *gorm.DB) *PreferenceStore {
	return &PreferenceStore{db: db, mem: make(map[string]bool)}
}

// ShareAudio returns the persisted toggle for a profile, defaulting to
// false when nothing was ever saved.
func (s *PreferenceStore) ShareAudio(profileKey string) bool {
	if s.db != nil {
		var pref database.SharePreference
		err := s.db.Where("profile_key = ?", profileKey).First(&pref).Error
		if err == nil {
			return pref.ShareAudio
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem[profileKey]
}

// SetShareAudio saves the toggle for a profile.
func (s *PreferenceStore) SetShareAudio(profileKey string, enabled bool) error {
	s.mu.Lock()
	s.mem[profileKey] = enabled
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	pref := database.SharePreference{ProfileKey: profileKey, ShareAudio: enabled}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "profile_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"share_audio", "updated_at"}),
	}).Create(&pref).Error
	if err != nil {
		return fmt.Errorf("failed to save share preference: %w", err)
	}
	return nil
}
