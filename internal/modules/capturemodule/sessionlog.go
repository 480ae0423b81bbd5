package capturemodule

import (
	"gorm.io/gorm"

	"github.com/sweetshark/sweetshark/internal/database"
	"github.com/sweetshark/sweetshark/internal/logger"
	"github.com/sweetshark/sweetshark/internal/modules/capturemodule/handler"
)

// SessionLog writes the share session audit trail: one row per answered
// capture request, updated as sidecar audio attaches and ends. With a nil
// database every call is a no-op; the audit trail is best-effort and
// never blocks negotiation.
type SessionLog struct {
	db *gorm.DB
}

// NewSessionLog creates a session log. db may be nil.
func NewSessionLog(db *gorm.DB) *SessionLog {
	return &SessionLog{db: db}
}

// RecordShare logs an answered capture request.
func (l *SessionLog) RecordShare(sessionKey string, resp *handler.Response) {
	if l.db == nil {
		return
	}
	rec := database.ShareSessionRecord{
		SessionKey:     sessionKey,
		SourceID:       resp.Source.ID,
		IsScreenSource: resp.IsScreenSource,
		AudioRequested: resp.AudioRequested,
	}
	if err := l.db.Create(&rec).Error; err != nil {
		logger.Warn("failed to record share session", logger.Err(err))
	}
}

// AttachAudioSession links a started sidecar audio session to the most
// recent share row for the session key.
func (l *SessionLog) AttachAudioSession(sessionKey, audioSessionID string) {
	if l.db == nil {
		return
	}
	var rec database.ShareSessionRecord
	err := l.db.Where("session_key = ?", sessionKey).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		// Audio without a recorded share (direct bridge start); log a
		// standalone row so the session still appears in the trail.
		rec = database.ShareSessionRecord{
			SessionKey:     sessionKey,
			AudioRequested: true,
		}
	}
	rec.AudioSessionID = audioSessionID
	if err := l.db.Save(&rec).Error; err != nil {
		logger.Warn("failed to attach audio session", logger.Err(err))
	}
}

// RecordEnd stamps the end reason on the row carrying the audio session.
func (l *SessionLog) RecordEnd(audioSessionID, reason string) {
	if l.db == nil || audioSessionID == "" {
		return
	}
	err := l.db.Model(&database.ShareSessionRecord{}).
		Where("audio_session_id = ?", audioSessionID).
		Update("end_reason", reason).Error
	if err != nil {
		logger.Warn("failed to record session end", logger.Err(err))
	}
}
