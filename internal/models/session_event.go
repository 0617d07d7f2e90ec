package models

import "time"

// SessionEvent is one entry of a session's audit timeline.
type SessionEvent struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:32;index"`
	RequestID string `gorm:"size:32;index"`
	Kind      string `gorm:"size:32;not null"`
	Actor     string `gorm:"size:80"`
	Detail    string `gorm:"type:text"`
	CreatedAt time.Time
}
