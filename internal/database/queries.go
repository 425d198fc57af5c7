package database

import (
	"time"

	"gorm.io/gorm"
)

// Server helpers

func GetServer(id string) (*Server, error) {
	var s Server
	if err := DB.Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func ListServersForUser(userID uint) ([]Server, error) {
	var servers []Server
	if err := DB.Where("user_id = ?", userID).Order("created_at").Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}

// Session helpers

func GetSession(id string) (*Session, error) {
	var s Session
	if err := DB.Preload("Server").Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ActiveSessionCount returns how many active sessions the user owns.
// Used for the per-user quota check.
func ActiveSessionCount(userID uint) (int64, error) {
	var count int64
	err := DB.Model(&Session{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Count(&count).Error
	return count, err
}

// ListSessionsForUser returns sessions the user owns plus sessions
// shared with them through an unexpired share.
func ListSessionsForUser(userID uint, now time.Time) ([]Session, error) {
	var sessions []Session
	err := DB.Preload("Server").
		Where("user_id = ?", userID).
		Or("id IN (?)", DB.Model(&SessionShare{}).
			Select("session_id").
			Where("shared_with_user_id = ?", userID).
			Where("expires_at IS NULL OR expires_at > ?", now)).
		Order("created_at DESC").
		Find(&sessions).Error
	return sessions, err
}

// ListExpiredSessions returns active sessions idle since before cutoff.
func ListExpiredSessions(cutoff time.Time) ([]Session, error) {
	var sessions []Session
	err := DB.Preload("Server").
		Where("is_active = ? AND last_activity_at < ?", true, cutoff).
		Find(&sessions).Error
	return sessions, err
}

func TouchSession(id string, now time.Time) error {
	return DB.Model(&Session{}).Where("id = ?", id).
		Update("last_activity_at", now).Error
}

// DeleteSession removes the session row and its shares. History rows
// are kept for the audit trail.
func DeleteSession(id string) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&SessionShare{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&Session{}).Error
	})
}

// Share helpers

// SharesForSession returns every share row for the session, expired
// ones included. Authorization decides what counts.
func SharesForSession(sessionID string) ([]SessionShare, error) {
	var shares []SessionShare
	if err := DB.Where("session_id = ?", sessionID).Find(&shares).Error; err != nil {
		return nil, err
	}
	return shares, nil
}

// UpsertShare creates or replaces the share for (session, grantee).
func UpsertShare(share *SessionShare) error {
	var existing SessionShare
	err := DB.Where("session_id = ? AND shared_with_user_id = ?",
		share.SessionID, share.SharedWithUserID).First(&existing).Error
	if err == nil {
		share.ID = existing.ID
		share.CreatedAt = existing.CreatedAt
		return DB.Save(share).Error
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}
	return DB.Create(share).Error
}

// DeleteShare removes the share for (session, grantee) and returns how
// many rows were deleted.
func DeleteShare(sessionID string, granteeID uint) (int64, error) {
	res := DB.Where("session_id = ? AND shared_with_user_id = ?", sessionID, granteeID).
		Delete(&SessionShare{})
	return res.RowsAffected, res.Error
}

func ShareCount(sessionID string) (int64, error) {
	var count int64
	err := DB.Model(&SessionShare{}).Where("session_id = ?", sessionID).Count(&count).Error
	return count, err
}

// History helpers

func ListCommandHistory(sessionID string, limit int) ([]CommandHistory, error) {
	var history []CommandHistory
	q := DB.Where("session_id = ?", sessionID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&history).Error
	return history, err
}
