package database

import "time"

// SharePreference persists the picker's audio-sharing toggle so the user's
// choice survives across separate share attempts. One row per profile key;
// the desktop shell is single-user so "default" is the only key in
// practice.
type SharePreference struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ProfileKey string    `gorm:"uniqueIndex;not null" json:"profile_key"`
	ShareAudio bool      `gorm:"not null;default:false" json:"share_audio"`
	UpdatedAt  time.Time `json:"updated_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// ShareSessionRecord is an audit row for one resolved share: which source
// was picked, whether audio was requested, and how the audio session
// ended. Purely diagnostic; the live session state never lives here.
type ShareSessionRecord struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	SessionKey     string    `gorm:"index" json:"session_key"`
	SourceID       string    `json:"source_id"`
	IsScreenSource bool      `json:"is_screen_source"`
	AudioRequested bool      `json:"audio_requested"`
	AudioSessionID string    `gorm:"index" json:"audio_session_id"`
	EndReason      string    `json:"end_reason"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
